package proxy

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RowanDark/egressguard/internal/ca"
	"github.com/RowanDark/egressguard/internal/logging"
	"github.com/RowanDark/egressguard/internal/policy"
	"github.com/RowanDark/egressguard/internal/resolve"
)

const (
	defaultDialTimeout      = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultUpstreamTimeout  = 30 * time.Second
	defaultIdleTimeout      = 60 * time.Second
	defaultMaxDrainBytes    = 1 << 20
)

// DialFunc opens a TCP connection to addr (host:port).
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Config controls proxy behaviour.
type Config struct {
	Addr string

	// Authority issues client-facing certificates. When nil one is loaded or
	// created from CACertPath and CAKeyPath.
	Authority  *ca.Authority
	CACertPath string
	CAKeyPath  string

	// Policy decides every request. A nil policy denies everything.
	Policy *policy.Engine
	Denial DenialResponse

	HistoryPath string
	Audit       *logging.AuditLogger
	Logger      *slog.Logger

	// Resolver is used by the default dialer. Dial, when set, replaces
	// resolution and dialing entirely.
	Resolver        resolve.Resolver
	Dial            DialFunc
	UpstreamRootCAs *x509.CertPool

	MaxConnections   int
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	UpstreamTimeout  time.Duration
	IdleTimeout      time.Duration
	MaxDrainBytes    int64
}

// Proxy intercepts client traffic, applies the allow-list and relays
// permitted requests to their origin.
type Proxy struct {
	cfg     Config
	logger  *slog.Logger
	ca      *ca.Authority
	policy  *policy.Engine
	denial  DenialResponse
	history *historyWriter
	audit   *logging.AuditLogger
	dial    DialFunc

	ready     chan struct{}
	readyOnce sync.Once
	addr      atomic.Value

	mu       sync.Mutex
	listener net.Listener
	sessions map[*session]struct{}
	closing  atomic.Bool
	active   atomic.Int64
	wg       sync.WaitGroup

	shutdownMu sync.Mutex
	closed     bool
}

// New creates a proxy using the provided configuration.
func New(cfg Config) (*Proxy, error) {
	cfg = applyDefaults(cfg)

	authority := cfg.Authority
	if authority == nil {
		var err error
		authority, err = ca.New(cfg.CACertPath, cfg.CAKeyPath, ca.WithLogger(cfg.Logger))
		if err != nil {
			return nil, fmt.Errorf("initialise certificate authority: %w", err)
		}
	}

	history, err := newHistoryWriter(cfg.HistoryPath)
	if err != nil {
		return nil, fmt.Errorf("initialise history writer: %w", err)
	}

	engine := cfg.Policy
	if engine == nil {
		engine = policy.MustCompile()
	}

	p := &Proxy{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "proxy"),
		ca:       authority,
		policy:   engine,
		denial:   cfg.Denial.withDefaults(),
		history:  history,
		audit:    cfg.Audit,
		ready:    make(chan struct{}),
		sessions: make(map[*session]struct{}),
	}
	p.dial = cfg.Dial
	if p.dial == nil {
		p.dial = p.resolveAndDial
	}
	return p, nil
}

func applyDefaults(cfg Config) Config {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = ":8080"
	}
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}
	cfg.Addr = addr
	if cfg.Resolver == nil {
		cfg.Resolver = resolve.System()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = defaultUpstreamTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.MaxDrainBytes <= 0 {
		cfg.MaxDrainBytes = defaultMaxDrainBytes
	}
	return cfg
}

// Run starts the proxy listener and blocks until the context is cancelled or
// the listener fails.
func (p *Proxy) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", p.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", p.cfg.Addr, err)
	}
	p.mu.Lock()
	p.listener = listener
	p.mu.Unlock()

	p.addr.Store(listener.Addr().String())
	p.signalReady()
	p.logger.Info("egressguard proxy listening", "address", listener.Addr().String(), "history", p.history.Path(), "rules", len(p.policy.Patterns()))
	p.emitLifecycle("started", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- p.serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.Shutdown(shutdownCtx); err != nil {
			p.logger.Warn("proxy shutdown error", "error", err)
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

// Shutdown stops accepting connections, closes idle sessions and waits for
// in-flight exchanges. Sessions still running when ctx expires are closed.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.shutdownMu.Lock()
	if p.closed {
		p.shutdownMu.Unlock()
		return nil
	}
	p.closed = true
	p.shutdownMu.Unlock()

	p.closing.Store(true)
	p.mu.Lock()
	if p.listener != nil {
		_ = p.listener.Close()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	var err error
wait:
	for {
		p.closeIdleSessions()
		select {
		case <-done:
			break wait
		case <-ctx.Done():
			err = ctx.Err()
			p.closeAllSessions()
			<-done
			break wait
		case <-ticker.C:
		}
	}

	p.emitLifecycle("stopped", p.Addr())
	if herr := p.history.Close(); herr != nil && err == nil {
		err = herr
	}
	return err
}

// WaitUntilReady blocks until the proxy listener is active or the context is cancelled.
func (p *Proxy) WaitUntilReady(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ready:
		return nil
	}
}

// Ready reports whether the listener is up and the proxy is not shutting down.
func (p *Proxy) Ready() bool {
	select {
	case <-p.ready:
		return !p.closing.Load()
	default:
		return false
	}
}

func (p *Proxy) signalReady() {
	p.readyOnce.Do(func() {
		close(p.ready)
	})
}

// Addr returns the bound address for the running proxy.
func (p *Proxy) Addr() string {
	if v := p.addr.Load(); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// CACertificatePEM exposes the PEM encoded root certificate used by the proxy.
func (p *Proxy) CACertificatePEM() []byte {
	return p.ca.CertificatePEM()
}

// ActiveSessions reports the number of sessions being served.
func (p *Proxy) ActiveSessions() int64 {
	return p.active.Load()
}

func (p *Proxy) track(s *session) {
	p.mu.Lock()
	p.sessions[s] = struct{}{}
	p.mu.Unlock()
}

func (p *Proxy) untrack(s *session) {
	p.mu.Lock()
	delete(p.sessions, s)
	p.mu.Unlock()
}

func (p *Proxy) closeIdleSessions() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for s := range p.sessions {
		if s.idle.Load() {
			s.close()
		}
	}
}

func (p *Proxy) closeAllSessions() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for s := range p.sessions {
		s.close()
	}
}

func (p *Proxy) emitLifecycle(state, addr string) {
	if p.audit == nil {
		return
	}
	if err := p.audit.Lifecycle(state, addr); err != nil {
		p.logger.Warn("failed to write audit event", "error", err)
	}
}

func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
