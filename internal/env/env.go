// Package env resolves environment variables that may still be set under a
// legacy name.
package env

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	warnMu     sync.Mutex
	warnLogger = slog.Default()
	warnedKeys sync.Map
)

// Lookup returns the value of key if it is set and non-blank. Otherwise the
// first set legacy key wins and a deprecation warning is logged once per key.
func Lookup(key string, legacy ...string) (string, bool) {
	if v, ok := lookup(key); ok {
		return v, true
	}
	for _, old := range legacy {
		if v, ok := lookup(old); ok {
			logDeprecated(old, key)
			return v, true
		}
	}
	return "", false
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func logDeprecated(oldKey, newKey string) {
	onceIface, _ := warnedKeys.LoadOrStore(oldKey, &sync.Once{})
	once := onceIface.(*sync.Once)
	once.Do(func() {
		warnMu.Lock()
		logger := warnLogger
		warnMu.Unlock()
		logger.Warn("environment variable is deprecated", "variable", oldKey, "replacement", newKey)
	})
}

// ResetWarningsForTesting clears the cached once guards so tests can verify
// warning behaviour deterministically.
func ResetWarningsForTesting() {
	warnMu.Lock()
	warnedKeys = sync.Map{}
	warnMu.Unlock()
}

// SetWarnLoggerForTesting swaps the logger used for warnings. The returned
// function restores the previous logger and should be deferred in tests.
func SetWarnLoggerForTesting(logger *slog.Logger) (restore func()) {
	warnMu.Lock()
	previous := warnLogger
	warnLogger = logger
	warnMu.Unlock()
	return func() {
		warnMu.Lock()
		warnLogger = previous
		warnMu.Unlock()
	}
}
