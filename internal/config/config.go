// Package config resolves btcwrap's configuration from the process
// environment, Docker secret files and a dotenv file, in that order of
// precedence, falling back to built-in defaults.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/joho/godotenv"

	"github.com/bardlex/btcwrap/pkg/errors"
)

// DefaultSecretsDir is where Docker mounts secrets inside a container.
const DefaultSecretsDir = "/run/secrets"

// DefaultDotenvPath is the dotenv file read when --config is not given.
const DefaultDotenvPath = ".env"

// MaxTimeout bounds BITCOIN_RPC_TIMEOUT.
const MaxTimeout = 5 * time.Minute

// Network names accepted by BITCOIN_NETWORK.
const (
	NetworkMainnet = "mainnet"
	NetworkTestnet = "testnet"
	NetworkRegtest = "regtest"
)

var defaultPorts = map[string]int{
	NetworkMainnet: 8332,
	NetworkTestnet: 18332,
	NetworkRegtest: 18443,
}

var validLogLevels = map[string]bool{
	"DEBUG":    true,
	"INFO":     true,
	"WARNING":  true,
	"WARN":     true,
	"ERROR":    true,
	"CRITICAL": true,
}

var hostLabel = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?$`)

// Sources lists where configuration values are looked up. A zero SecretsDir
// or DotenvPath disables that layer.
type Sources struct {
	LookupEnv  func(key string) (string, bool)
	SecretsDir string
	DotenvPath string
}

// DefaultSources reads the process environment, /run/secrets and the given
// dotenv file (".env" when empty).
func DefaultSources(dotenvPath string) Sources {
	if dotenvPath == "" {
		dotenvPath = DefaultDotenvPath
	}
	return Sources{
		LookupEnv:  os.LookupEnv,
		SecretsDir: DefaultSecretsDir,
		DotenvPath: dotenvPath,
	}
}

// Config holds the resolved configuration for one btcwrap invocation.
// It is not modified after Resolve returns.
type Config struct {
	// Bitcoin node connection
	BitcoinRPCHost     string
	BitcoinRPCPort     int
	BitcoinRPCUser     string
	BitcoinRPCPassword string
	BitcoinRPCTimeout  time.Duration
	BitcoinNetwork     string
	BitcoinRPCWallet   string

	// TLS
	UseSSL      bool
	SSLVerify   bool
	SSLCertPath string

	// Logging
	LogLevel  string
	LogFile   string
	LogFormat string

	// Audit sinks
	AuditKafkaBrokers []string
	AuditKafkaTopic   string
	AuditRedisURL     string
	AuditRedisStream  string
	AuditPostgresURL  string
	AuditInfluxURL    string
	AuditInfluxToken  string
	AuditInfluxOrg    string
	AuditInfluxBucket string
	AuditTimeout      time.Duration
}

// Load resolves configuration from the default sources.
func Load(dotenvPath string) (*Config, error) {
	return Resolve(DefaultSources(dotenvPath))
}

// Resolve builds a Config from src. Every key is looked up in the
// environment first, then in a secret file named after the lower-cased key,
// then in the dotenv file; empty values count as unset at every layer.
func Resolve(src Sources) (*Config, error) {
	r, err := newResolver(src)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		BitcoinRPCHost:     r.getEnv("BITCOIN_RPC_HOST", "127.0.0.1"),
		BitcoinRPCUser:     r.getEnv("BITCOIN_RPC_USER", ""),
		BitcoinRPCPassword: r.getEnv("BITCOIN_RPC_PASSWORD", ""),
		BitcoinNetwork:     strings.ToLower(r.getEnv("BITCOIN_NETWORK", NetworkMainnet)),
		BitcoinRPCWallet:   r.getEnv("BITCOIN_RPC_WALLET", ""),
		SSLCertPath:        r.getEnv("BITCOIN_RPC_SSL_CERT_PATH", ""),

		LogLevel:  strings.ToUpper(r.getEnv("LOG_LEVEL", "WARNING")),
		LogFile:   r.getEnv("LOG_FILE", ""),
		LogFormat: strings.ToLower(r.getEnv("LOG_FORMAT", "text")),

		AuditKafkaBrokers: r.getEnvSlice("AUDIT_KAFKA_BROKERS", nil),
		AuditKafkaTopic:   r.getEnv("AUDIT_KAFKA_TOPIC", "btcwrap.audit"),
		AuditRedisURL:     r.getEnv("AUDIT_REDIS_URL", ""),
		AuditRedisStream:  r.getEnv("AUDIT_REDIS_STREAM", "btcwrap:audit"),
		AuditPostgresURL:  r.getEnv("AUDIT_POSTGRES_URL", ""),
		AuditInfluxURL:    r.getEnv("AUDIT_INFLUX_URL", ""),
		AuditInfluxToken:  r.getEnv("AUDIT_INFLUX_TOKEN", ""),
		AuditInfluxOrg:    r.getEnv("AUDIT_INFLUX_ORG", ""),
		AuditInfluxBucket: r.getEnv("AUDIT_INFLUX_BUCKET", ""),
	}

	if cfg.BitcoinRPCPort, err = r.getEnvInt("BITCOIN_RPC_PORT", defaultPorts[cfg.BitcoinNetwork]); err != nil {
		return nil, err
	}
	if cfg.BitcoinRPCTimeout, err = r.getEnvDuration("BITCOIN_RPC_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.UseSSL, err = r.getEnvBool("BITCOIN_RPC_USE_SSL", false); err != nil {
		return nil, err
	}
	if cfg.SSLVerify, err = r.getEnvBool("BITCOIN_RPC_SSL_VERIFY", true); err != nil {
		return nil, err
	}
	if cfg.AuditTimeout, err = r.getEnvDuration("AUDIT_TIMEOUT", 2*time.Second); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate performs range and consistency checks on resolved values
func (c *Config) validate() error {
	if c.BitcoinRPCUser == "" {
		return configError("BITCOIN_RPC_USER is required")
	}

	if c.BitcoinRPCPassword == "" {
		return configError("BITCOIN_RPC_PASSWORD is required")
	}

	if !validHost(c.BitcoinRPCHost) {
		return configError("invalid host: %s", c.BitcoinRPCHost)
	}

	if _, ok := defaultPorts[c.BitcoinNetwork]; !ok {
		return configError("invalid network: %s. Must be mainnet, testnet, or regtest", c.BitcoinNetwork)
	}

	if c.BitcoinRPCPort < 1 || c.BitcoinRPCPort > 65535 {
		return configError("invalid port: %d", c.BitcoinRPCPort)
	}

	if c.BitcoinRPCTimeout <= 0 || c.BitcoinRPCTimeout > MaxTimeout {
		return configError("BITCOIN_RPC_TIMEOUT must be greater than 0 and at most %s", MaxTimeout)
	}

	if c.SSLCertPath != "" {
		if _, err := os.Stat(c.SSLCertPath); err != nil {
			return configError("SSL certificate file not found: %s", c.SSLCertPath)
		}
	}

	if strings.ContainsAny(c.BitcoinRPCWallet, "/?#") {
		return configError("invalid wallet name: %s", c.BitcoinRPCWallet)
	}

	if !validLogLevels[c.LogLevel] {
		return configError("invalid log level: %s. Must be one of: DEBUG, INFO, WARNING, ERROR, CRITICAL", c.LogLevel)
	}

	if c.LogFormat != "text" && c.LogFormat != "json" {
		return configError("LOG_FORMAT must be text or json")
	}

	if c.AuditTimeout <= 0 {
		return configError("AUDIT_TIMEOUT must be positive")
	}

	if c.AuditInfluxURL != "" && (c.AuditInfluxOrg == "" || c.AuditInfluxBucket == "") {
		return configError("AUDIT_INFLUX_ORG and AUDIT_INFLUX_BUCKET are required with AUDIT_INFLUX_URL")
	}

	return nil
}

// RPCURL returns the node endpoint.
func (c *Config) RPCURL() string {
	scheme := "http"
	if c.UseSSL {
		scheme = "https"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(c.BitcoinRPCHost, strconv.Itoa(c.BitcoinRPCPort)),
	}
	return u.String()
}

// WalletURL returns the endpoint for wallet RPCs: /wallet/<name> when a
// wallet is configured, otherwise the node endpoint.
func (c *Config) WalletURL() string {
	if c.BitcoinRPCWallet == "" {
		return c.RPCURL()
	}
	return c.RPCURL() + "/wallet/" + url.PathEscape(c.BitcoinRPCWallet)
}

// ChainParams returns the btcd network parameters for the configured network.
func (c *Config) ChainParams() *chaincfg.Params {
	switch c.BitcoinNetwork {
	case NetworkTestnet:
		return &chaincfg.TestNet3Params
	case NetworkRegtest:
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.MainNetParams
	}
}

// IsLocal reports whether the node host is a loopback address or localhost.
func (c *Config) IsLocal() bool {
	if strings.EqualFold(c.BitcoinRPCHost, "localhost") {
		return true
	}
	ip := net.ParseIP(c.BitcoinRPCHost)
	return ip != nil && ip.IsLoopback()
}

// AuditEnabled reports whether at least one audit sink is configured.
func (c *Config) AuditEnabled() bool {
	return len(c.AuditKafkaBrokers) > 0 || c.AuditRedisURL != "" ||
		c.AuditPostgresURL != "" || c.AuditInfluxURL != ""
}

// String renders the configuration for logs. Credentials are redacted.
func (c *Config) String() string {
	return fmt.Sprintf("Config{url=%s wallet=%q network=%s user=%s password=%s timeout=%s ssl=%t ssl_verify=%t ssl_cert=%q log_level=%s log_file=%q audit=%t}",
		c.RPCURL(), c.BitcoinRPCWallet, c.BitcoinNetwork, redact(c.BitcoinRPCUser), redact(c.BitcoinRPCPassword),
		c.BitcoinRPCTimeout, c.UseSSL, c.SSLVerify, c.SSLCertPath, c.LogLevel, c.LogFile, c.AuditEnabled())
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

func validHost(host string) bool {
	if host == "" || len(host) > 253 {
		return false
	}
	if net.ParseIP(host) != nil {
		return true
	}
	for _, label := range strings.Split(host, ".") {
		if !hostLabel.MatchString(label) {
			return false
		}
	}
	return true
}

func configError(format string, args ...interface{}) *errors.ServiceError {
	return errors.Newf(errors.ErrorTypeConfig, "config_resolve", format, args...)
}

// resolver evaluates the lookup layers in precedence order.
type resolver struct {
	lookups []func(key string) (string, bool)
}

func newResolver(src Sources) (*resolver, error) {
	r := &resolver{}

	if src.LookupEnv != nil {
		r.lookups = append(r.lookups, src.LookupEnv)
	}

	if src.SecretsDir != "" {
		dir := src.SecretsDir
		r.lookups = append(r.lookups, func(key string) (string, bool) {
			data, err := os.ReadFile(filepath.Join(dir, strings.ToLower(key)))
			if err != nil {
				return "", false
			}
			return strings.TrimSpace(string(data)), true
		})
	}

	if src.DotenvPath != "" {
		values, err := readDotenv(src.DotenvPath)
		if err != nil {
			return nil, err
		}
		r.lookups = append(r.lookups, func(key string) (string, bool) {
			v, ok := values[key]
			return v, ok
		})
	}

	return r, nil
}

func readDotenv(path string) (map[string]string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	values, err := godotenv.Read(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "config_resolve",
			"failed to read configuration file").
			WithContext("path", path)
	}
	return values, nil
}

func (r *resolver) lookup(key string) (string, bool) {
	for _, fn := range r.lookups {
		if v, ok := fn(key); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v, true
			}
		}
	}
	return "", false
}

// Helper functions for typed lookups

func (r *resolver) getEnv(key, defaultValue string) string {
	if value, ok := r.lookup(key); ok {
		return value
	}
	return defaultValue
}

func (r *resolver) getEnvInt(key string, defaultValue int) (int, error) {
	value, ok := r.lookup(key)
	if !ok {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, configError("%s must be an integer, got %q", key, value)
	}
	return parsed, nil
}

func (r *resolver) getEnvBool(key string, defaultValue bool) (bool, error) {
	value, ok := r.lookup(key)
	if !ok {
		return defaultValue, nil
	}
	switch strings.ToLower(value) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	}
	return false, configError("%s must be a boolean, got %q", key, value)
}

// getEnvDuration accepts whole seconds ("30") or a Go duration ("1m30s").
func (r *resolver) getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value, ok := r.lookup(key)
	if !ok {
		return defaultValue, nil
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, configError("%s must be seconds or a duration, got %q", key, value)
	}
	return parsed, nil
}

func (r *resolver) getEnvSlice(key string, defaultValue []string) []string {
	value, ok := r.lookup(key)
	if !ok {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
