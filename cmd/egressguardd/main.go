package main

import (
	"context"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/RowanDark/egressguard/internal/admin"
	"github.com/RowanDark/egressguard/internal/ca"
	"github.com/RowanDark/egressguard/internal/config"
	"github.com/RowanDark/egressguard/internal/env"
	"github.com/RowanDark/egressguard/internal/httpwire"
	"github.com/RowanDark/egressguard/internal/logging"
	"github.com/RowanDark/egressguard/internal/policy"
	"github.com/RowanDark/egressguard/internal/proxy"
	"github.com/RowanDark/egressguard/internal/resolve"
)

var version = "dev"

type stringList []string

func (s *stringList) String() string {
	return strings.Join(*s, ",")
}

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	configPath := flag.String("config", "", "path to egressguard.yml (defaults to ./egressguard.yml when present)")
	proxyAddr := flag.String("proxy-addr", "", "address for the intercepting proxy (host:port)")
	adminAddr := flag.String("admin-addr", "", "address for /healthz, /metrics and /ca.pem (empty keeps the configured value)")
	grpcAddr := flag.String("grpc-addr", "", "address for the gRPC health service")
	policyFile := flag.String("policy-file", "", "path to a policy file: a YAML allow list or one pattern per line")
	historyPath := flag.String("history", "", "path to the JSONL decision history")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn or error")
	denialsOnly := flag.Bool("audit-denials-only", false, "leave allowed requests out of the audit log")
	showVersion := flag.Bool("version", false, "print the version and exit")
	var allow, buckets stringList
	flag.Var(&allow, "allow", "allowed URL pattern (repeatable, evaluated before file patterns)")
	flag.Var(&buckets, "allow-bucket", "Cloud Storage bucket to allow (repeatable)")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(2)
	}
	setString(&cfg.Proxy.Addr, *proxyAddr)
	setString(&cfg.Admin.Addr, *adminAddr)
	setString(&cfg.Admin.GRPCAddr, *grpcAddr)
	setString(&cfg.Policy.File, *policyFile)
	setString(&cfg.Proxy.HistoryPath, *historyPath)
	setString(&cfg.LogLevel, *logLevel)
	if *denialsOnly {
		cfg.AuditDenialsOnly = true
	}
	cfg.Policy.Allow = append(cfg.Policy.Allow, allow...)
	cfg.Policy.Buckets = append(cfg.Policy.Buckets, buckets...)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(2)
	}

	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	audit, err := newAuditLogger("egressguardd", cfg.AuditPath, cfg.AuditDenialsOnly)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configure audit logger: %v\n", err)
		os.Exit(1)
	}
	defer audit.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(cfg, logger, audit)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger.Info("starting egressguardd", "version", version, "proxy", cfg.Proxy.Addr, "admin", cfg.Admin.Addr)
	if err := d.run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func parseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if strings.TrimSpace(raw) == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", raw)
	}
	return level, nil
}

func newAuditLogger(component, path string, denialsOnly bool) (*logging.AuditLogger, error) {
	opts := []logging.Option{}
	if denialsOnly {
		opts = append(opts, logging.WithoutAllowed())
	}
	quiet := false
	if val, ok := env.Lookup("EGRESSGUARD_AUDIT_LOG_STDOUT"); ok && disableStdout(val) {
		opts = append(opts, logging.WithoutStdout())
		quiet = true
	}
	if path = strings.TrimSpace(path); path != "" {
		opts = append(opts, logging.WithFile(path))
	} else if quiet {
		opts = append(opts, logging.WithWriter(io.Discard))
	}
	return logging.NewAuditLogger(component, opts...)
}

func disableStdout(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "0", "false", "no", "off":
		return true
	}
	return false
}

// daemon wires the proxy and its admin listeners from a resolved config.
type daemon struct {
	logger *slog.Logger
	audit  *logging.AuditLogger
	proxy  *proxy.Proxy
	admin  *admin.Server
}

func newDaemon(cfg config.Config, logger *slog.Logger, audit *logging.AuditLogger) (*daemon, error) {
	patterns, err := cfg.Patterns()
	if err != nil {
		return nil, fmt.Errorf("load allow-list: %w", err)
	}
	engine, err := policy.Compile(patterns)
	if err != nil {
		return nil, fmt.Errorf("compile allow-list: %w", err)
	}
	if len(patterns) == 0 {
		logger.Warn("allow-list is empty; every request will be denied")
	}

	authority, err := ca.New(cfg.Proxy.CACertPath, cfg.Proxy.CAKeyPath,
		ca.WithLogger(logger),
		ca.WithCacheSize(cfg.Proxy.CertCacheSize),
	)
	if err != nil {
		return nil, fmt.Errorf("initialise certificate authority: %w", err)
	}

	var resolver resolve.Resolver
	if server := strings.TrimSpace(cfg.Proxy.DNSServer); server != "" {
		resolver = resolve.NewDNS(server, cfg.Proxy.DialTimeout)
	}

	roots, err := loadUpstreamRoots(cfg.Proxy.UpstreamCAPath)
	if err != nil {
		return nil, err
	}

	denial := proxy.DenialResponse{Status: cfg.Denial.Status, Body: cfg.Denial.Body}
	for _, h := range cfg.Denial.Headers {
		denial.Header = append(denial.Header, httpwire.Field{Name: h.Name, Value: h.Value})
	}

	p, err := proxy.New(proxy.Config{
		Addr:             cfg.Proxy.Addr,
		Authority:        authority,
		Policy:           engine,
		Denial:           denial,
		HistoryPath:      cfg.Proxy.HistoryPath,
		Audit:            audit.WithComponent("proxy"),
		Logger:           logger,
		Resolver:         resolver,
		UpstreamRootCAs:  roots,
		MaxConnections:   cfg.Proxy.MaxConnections,
		DialTimeout:      cfg.Proxy.DialTimeout,
		HandshakeTimeout: cfg.Proxy.HandshakeTimeout,
		UpstreamTimeout:  cfg.Proxy.UpstreamTimeout,
		IdleTimeout:      cfg.Proxy.IdleTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("initialise proxy: %w", err)
	}

	d := &daemon{logger: logger, audit: audit, proxy: p}
	if cfg.Admin.Addr != "" || cfg.Admin.GRPCAddr != "" {
		d.admin, err = admin.New(admin.Config{
			Addr:          cfg.Admin.Addr,
			GRPCAddr:      cfg.Admin.GRPCAddr,
			Proxy:         p,
			CACertificate: p.CACertificatePEM,
			HistoryPath:   cfg.Proxy.HistoryPath,
			Logger:        logger,
		})
		if err != nil {
			return nil, fmt.Errorf("initialise admin: %w", err)
		}
	}
	return d, nil
}

// loadUpstreamRoots returns the system pool extended with the certificates in
// path. An empty path keeps the system default.
func loadUpstreamRoots(path string) (*x509.CertPool, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read upstream CA bundle: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("upstream CA bundle %s contains no certificates", path)
	}
	return pool, nil
}

// run serves until ctx is cancelled or a listener fails.
func (d *daemon) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.proxy.Run(gctx)
	})
	if d.admin != nil {
		g.Go(func() error {
			return d.admin.Run(gctx)
		})
	}

	readyCtx, cancel := context.WithTimeout(gctx, 10*time.Second)
	defer cancel()
	if err := d.proxy.WaitUntilReady(readyCtx); err == nil {
		emitAudit(d.audit, logging.AuditEvent{
			EventType: logging.EventProxyLifecycle,
			Decision:  logging.DecisionInfo,
			Metadata: map[string]any{
				"state":   "ready",
				"address": d.proxy.Addr(),
			},
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func emitAudit(logger *logging.AuditLogger, event logging.AuditEvent) {
	if logger == nil {
		return
	}
	if err := logger.Emit(event); err != nil {
		fmt.Fprintf(os.Stderr, "audit log error: %v\n", err)
	}
}
