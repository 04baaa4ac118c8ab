package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/RowanDark/egressguard/internal/ca"
	"github.com/RowanDark/egressguard/internal/env"
	"github.com/RowanDark/egressguard/internal/policy"
)

// LocalFileName is the configuration file looked up in the working directory.
const LocalFileName = "egressguard.yml"

// Config captures the egressguard configuration resolved from defaults,
// optional files, and environment overrides.
type Config struct {
	OutputDir string `yaml:"output_dir"`
	LogLevel  string `yaml:"log_level"`
	AuditPath string `yaml:"audit_path"`
	// AuditDenialsOnly keeps allowed requests out of the audit trail.
	AuditDenialsOnly bool `yaml:"audit_denials_only"`

	Proxy  ProxyConfig  `yaml:"proxy"`
	Policy PolicyConfig `yaml:"policy"`
	Denial DenialConfig `yaml:"denial"`
	Admin  AdminConfig  `yaml:"admin"`
}

// ProxyConfig controls the intercepting listener.
type ProxyConfig struct {
	Addr             string        `yaml:"addr"`
	CACertPath       string        `yaml:"ca_cert_path"`
	CAKeyPath        string        `yaml:"ca_key_path"`
	HistoryPath      string        `yaml:"history_path"`
	DNSServer        string        `yaml:"dns_server"`
	UpstreamCAPath   string        `yaml:"upstream_ca_path"`
	MaxConnections   int           `yaml:"max_connections"`
	CertCacheSize    int           `yaml:"cert_cache_size"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	UpstreamTimeout  time.Duration `yaml:"upstream_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
}

// PolicyConfig lists the allow-list sources. Patterns are evaluated in the
// order Allow, File, Buckets.
type PolicyConfig struct {
	Allow   []string `yaml:"allow"`
	File    string   `yaml:"file"`
	Buckets []string `yaml:"buckets"`
}

// HeaderField is one configured response header.
type HeaderField struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// DenialConfig describes the response sent for denied requests.
type DenialConfig struct {
	Status  int           `yaml:"status"`
	Body    string        `yaml:"body"`
	Headers []HeaderField `yaml:"headers"`
}

// AdminConfig controls the health and metrics listeners. Empty addresses
// disable the listener.
type AdminConfig struct {
	Addr     string `yaml:"addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		OutputDir: "/out",
		LogLevel:  "info",
		Proxy: ProxyConfig{
			Addr:             ":8080",
			CertCacheSize:    1024,
			DialTimeout:      10 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			UpstreamTimeout:  30 * time.Second,
			IdleTimeout:      60 * time.Second,
		},
		Denial: DenialConfig{
			Status:  http.StatusTeapot,
			Body:    "Access Denied by Administrator",
			Headers: []HeaderField{{Name: "Content-Type", Value: "text/html"}},
		},
		Admin: AdminConfig{
			Addr: ":9000",
		},
	}
}

// Load resolves the configuration using defaults, configuration files, and
// environment overrides. When path is empty the lookup order is:
//  1. ~/.egressguard/config.yml
//  2. ./egressguard.yml
//
// An explicit path replaces the working directory file and must exist.
// Environment variables prefixed with EGRESSGUARD_ have the highest precedence.
func Load(path string) (Config, error) {
	cfg := Default()

	if err := loadHomeConfig(&cfg); err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(path) != "" {
		if err := loadFile(&cfg, path, true); err != nil {
			return Config{}, err
		}
	} else {
		wd, err := os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("determine working directory: %w", err)
		}
		if err := loadFile(&cfg, filepath.Join(wd, LocalFileName), false); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadHomeConfig(cfg *Config) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return loadFile(cfg, filepath.Join(home, ".egressguard", "config.yml"), false)
}

func loadFile(cfg *Config, path string, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if !required && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := applyFileConfig(cfg, data); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

type fileConfig struct {
	OutputDir        *string           `yaml:"output_dir"`
	LogLevel         *string           `yaml:"log_level"`
	AuditPath        *string           `yaml:"audit_path"`
	AuditDenialsOnly *bool             `yaml:"audit_denials_only"`
	Proxy            *fileProxyConfig  `yaml:"proxy"`
	Policy           *filePolicyConfig `yaml:"policy"`
	Denial           *fileDenialConfig `yaml:"denial"`
	Admin            *fileAdminConfig  `yaml:"admin"`
}

type fileProxyConfig struct {
	Addr             *string        `yaml:"addr"`
	CACertPath       *string        `yaml:"ca_cert_path"`
	CAKeyPath        *string        `yaml:"ca_key_path"`
	HistoryPath      *string        `yaml:"history_path"`
	DNSServer        *string        `yaml:"dns_server"`
	UpstreamCAPath   *string        `yaml:"upstream_ca_path"`
	MaxConnections   *int           `yaml:"max_connections"`
	CertCacheSize    *int           `yaml:"cert_cache_size"`
	DialTimeout      *time.Duration `yaml:"dial_timeout"`
	HandshakeTimeout *time.Duration `yaml:"handshake_timeout"`
	UpstreamTimeout  *time.Duration `yaml:"upstream_timeout"`
	IdleTimeout      *time.Duration `yaml:"idle_timeout"`
}

type filePolicyConfig struct {
	Allow   []string `yaml:"allow"`
	File    *string  `yaml:"file"`
	Buckets []string `yaml:"buckets"`
}

type fileDenialConfig struct {
	Status  *int           `yaml:"status"`
	Body    *string        `yaml:"body"`
	Headers *[]HeaderField `yaml:"headers"`
}

type fileAdminConfig struct {
	Addr     *string `yaml:"addr"`
	GRPCAddr *string `yaml:"grpc_addr"`
}

func applyFileConfig(cfg *Config, data []byte) error {
	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}

	setString(&cfg.OutputDir, fc.OutputDir)
	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.AuditPath, fc.AuditPath)
	if fc.AuditDenialsOnly != nil {
		cfg.AuditDenialsOnly = *fc.AuditDenialsOnly
	}

	if p := fc.Proxy; p != nil {
		setString(&cfg.Proxy.Addr, p.Addr)
		setString(&cfg.Proxy.CACertPath, p.CACertPath)
		setString(&cfg.Proxy.CAKeyPath, p.CAKeyPath)
		setString(&cfg.Proxy.HistoryPath, p.HistoryPath)
		setString(&cfg.Proxy.DNSServer, p.DNSServer)
		setString(&cfg.Proxy.UpstreamCAPath, p.UpstreamCAPath)
		if p.MaxConnections != nil {
			cfg.Proxy.MaxConnections = *p.MaxConnections
		}
		if p.CertCacheSize != nil {
			cfg.Proxy.CertCacheSize = *p.CertCacheSize
		}
		setDuration(&cfg.Proxy.DialTimeout, p.DialTimeout)
		setDuration(&cfg.Proxy.HandshakeTimeout, p.HandshakeTimeout)
		setDuration(&cfg.Proxy.UpstreamTimeout, p.UpstreamTimeout)
		setDuration(&cfg.Proxy.IdleTimeout, p.IdleTimeout)
	}
	if p := fc.Policy; p != nil {
		if p.Allow != nil {
			cfg.Policy.Allow = append([]string(nil), p.Allow...)
		}
		setString(&cfg.Policy.File, p.File)
		if p.Buckets != nil {
			cfg.Policy.Buckets = append([]string(nil), p.Buckets...)
		}
	}
	if d := fc.Denial; d != nil {
		if d.Status != nil {
			cfg.Denial.Status = *d.Status
		}
		if d.Body != nil {
			cfg.Denial.Body = *d.Body
		}
		if d.Headers != nil {
			cfg.Denial.Headers = append([]HeaderField(nil), (*d.Headers)...)
		}
	}
	if a := fc.Admin; a != nil {
		setString(&cfg.Admin.Addr, a.Addr)
		setString(&cfg.Admin.GRPCAddr, a.GRPCAddr)
	}
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = strings.TrimSpace(*src)
	}
}

func setDuration(dst *time.Duration, src *time.Duration) {
	if src != nil {
		*dst = *src
	}
}

func applyEnvOverrides(cfg *Config) error {
	strs := []struct {
		key    string
		legacy []string
		dst    *string
	}{
		{"EGRESSGUARD_OUT", nil, &cfg.OutputDir},
		{"EGRESSGUARD_LOG_LEVEL", nil, &cfg.LogLevel},
		{"EGRESSGUARD_AUDIT_LOG", nil, &cfg.AuditPath},
		{"EGRESSGUARD_PROXY_ADDR", nil, &cfg.Proxy.Addr},
		{"EGRESSGUARD_CA_CERT", nil, &cfg.Proxy.CACertPath},
		{"EGRESSGUARD_CA_KEY", nil, &cfg.Proxy.CAKeyPath},
		{"EGRESSGUARD_HISTORY", nil, &cfg.Proxy.HistoryPath},
		{"EGRESSGUARD_DNS_SERVER", nil, &cfg.Proxy.DNSServer},
		{"EGRESSGUARD_UPSTREAM_CA", nil, &cfg.Proxy.UpstreamCAPath},
		{"EGRESSGUARD_POLICY_FILE", nil, &cfg.Policy.File},
		{"EGRESSGUARD_ADMIN_ADDR", nil, &cfg.Admin.Addr},
		{"EGRESSGUARD_ADMIN_GRPC_ADDR", nil, &cfg.Admin.GRPCAddr},
	}
	for _, s := range strs {
		if val, ok := env.Lookup(s.key, s.legacy...); ok {
			*s.dst = val
		}
	}

	if val, ok := env.Lookup("EGRESSGUARD_ALLOW_BUCKET", "ALLOW_BUCKET_NAME"); ok {
		cfg.Policy.Buckets = append(cfg.Policy.Buckets, val)
	}
	if val, ok := env.Lookup("EGRESSGUARD_AUDIT_DENIALS_ONLY"); ok {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("EGRESSGUARD_AUDIT_DENIALS_ONLY: %w", err)
		}
		cfg.AuditDenialsOnly = b
	}
	if val, ok := env.Lookup("EGRESSGUARD_MAX_CONNECTIONS"); ok {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("EGRESSGUARD_MAX_CONNECTIONS: %w", err)
		}
		cfg.Proxy.MaxConnections = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"EGRESSGUARD_DIAL_TIMEOUT", &cfg.Proxy.DialTimeout},
		{"EGRESSGUARD_HANDSHAKE_TIMEOUT", &cfg.Proxy.HandshakeTimeout},
		{"EGRESSGUARD_UPSTREAM_TIMEOUT", &cfg.Proxy.UpstreamTimeout},
		{"EGRESSGUARD_IDLE_TIMEOUT", &cfg.Proxy.IdleTimeout},
	}
	for _, d := range durations {
		if val, ok := env.Lookup(d.key); ok {
			parsed, err := time.ParseDuration(val)
			if err != nil {
				return fmt.Errorf("%s: %w", d.key, err)
			}
			*d.dst = parsed
		}
	}
	return nil
}

func (c *Config) resolvePaths() {
	certPath, keyPath := ca.DefaultPaths(c.OutputDir)
	if c.Proxy.CACertPath == "" {
		c.Proxy.CACertPath = certPath
	}
	if c.Proxy.CAKeyPath == "" {
		c.Proxy.CAKeyPath = keyPath
	}
}

// Validate reports configuration values the proxy cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Proxy.Addr) == "" {
		return errors.New("proxy.addr is required")
	}
	if c.Denial.Status < 200 || c.Denial.Status > 599 {
		return fmt.Errorf("denial.status %d is not a final status code", c.Denial.Status)
	}
	for _, h := range c.Denial.Headers {
		if strings.TrimSpace(h.Name) == "" {
			return errors.New("denial.headers entries need a name")
		}
	}
	if c.Proxy.MaxConnections < 0 {
		return errors.New("proxy.max_connections must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"dial_timeout":      c.Proxy.DialTimeout,
		"handshake_timeout": c.Proxy.HandshakeTimeout,
		"upstream_timeout":  c.Proxy.UpstreamTimeout,
		"idle_timeout":      c.Proxy.IdleTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("proxy.%s must be positive", name)
		}
	}
	return nil
}

// Patterns returns the ordered allow-list from every configured source.
func (c Config) Patterns() ([]string, error) {
	patterns := append([]string(nil), c.Policy.Allow...)
	if file := strings.TrimSpace(c.Policy.File); file != "" {
		loaded, err := policy.LoadFile(file)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, loaded...)
	}
	for _, bucket := range c.Policy.Buckets {
		if strings.TrimSpace(bucket) != "" {
			patterns = append(patterns, policy.BucketPattern(bucket))
		}
	}
	return patterns, nil
}
