package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"revbroker/internal/constants"
)

// EnvPrefix prefixes every environment override, e.g. REVBROKER_ADDR.
const EnvPrefix = "REVBROKER_"

// Config is the broker runtime configuration.
type Config struct {
	Addr       string
	Secret     string
	ListenHost string

	MinRandomPort     int
	MaxRandomPort     int
	ProbeHost         string
	ProbeTimeout      time.Duration
	AllocationTimeout time.Duration
	BindRetries       int

	PairingWindow        time.Duration
	SweepInterval        time.Duration
	KeepAliveInterval    time.Duration
	MaxPendingPerSession int

	// MaxConnectionsPerIP caps concurrent control sessions per client IP.
	// Data channels are never counted.
	MaxConnectionsPerIP int
	BootstrapRate       float64
	BootstrapBurst      int
	MaxAuthFailures     int
	BlockDuration       time.Duration
	TrustedProxies      []string
	AllowedOrigins      []string

	TLS         bool
	TLSCertFile string
	TLSKeyFile  string

	MetricsAddr string

	RedisAddr     string
	RedisUsername string
	RedisPassword string
	RedisDB       int

	LogLevel     string
	LogPretty    bool
	AuditLogFile string
}

// Default returns the built-in configuration. Secret is left empty and must
// be supplied.
func Default() Config {
	return Config{
		Addr:                constants.DefaultAddr,
		MinRandomPort:       constants.MinPort,
		MaxRandomPort:       constants.MaxPort,
		ProbeHost:           constants.DefaultProbeHost,
		ProbeTimeout:        constants.ProbeTimeout,
		AllocationTimeout:   constants.AllocationTimeout,
		BindRetries:         constants.BindRetries,
		PairingWindow:       constants.PairingWindow,
		SweepInterval:       constants.SweepInterval,
		KeepAliveInterval:   constants.KeepAliveInterval,
		MaxConnectionsPerIP: constants.MaxConnectionsPerIP,
		MaxAuthFailures:     constants.MaxAuthFailures,
		BlockDuration:       constants.BlockDuration,
		TLS:                 true,
		MetricsAddr:         constants.DefaultMetricsAddr,
		LogLevel:            "info",
	}
}

// config.toml key mapping.
type fileConfig struct {
	Addr                 string   `toml:"addr"`
	Secret               string   `toml:"secret"`
	ListenHost           string   `toml:"listen_host"`
	MinRandomPort        int      `toml:"min_random_port"`
	MaxRandomPort        int      `toml:"max_random_port"`
	ProbeHost            string   `toml:"probe_host"`
	ProbeTimeout         string   `toml:"probe_timeout"`
	AllocationTimeout    string   `toml:"allocation_timeout"`
	BindRetries          int      `toml:"bind_retries"`
	PairingWindow        string   `toml:"pairing_window"`
	SweepInterval        string   `toml:"sweep_interval"`
	KeepAliveInterval    string   `toml:"keepalive_interval"`
	MaxPendingPerSession int      `toml:"max_pending_per_session"`
	MaxConnectionsPerIP  int      `toml:"max_connections_per_ip"`
	BootstrapRate        float64  `toml:"bootstrap_rate"`
	BootstrapBurst       int      `toml:"bootstrap_burst"`
	MaxAuthFailures      int      `toml:"max_auth_failures"`
	BlockDuration        string   `toml:"block_duration"`
	TrustedProxies       []string `toml:"trusted_proxies"`
	AllowedOrigins       []string `toml:"allowed_origins"`
	TLS                  bool     `toml:"tls"`
	TLSCertFile          string   `toml:"tls_cert_file"`
	TLSKeyFile           string   `toml:"tls_key_file"`
	MetricsAddr          string   `toml:"metrics_addr"`
	RedisAddr            string   `toml:"redis_addr"`
	RedisUsername        string   `toml:"redis_username"`
	RedisPassword        string   `toml:"redis_password"`
	RedisDB              int      `toml:"redis_db"`
	LogLevel             string   `toml:"log_level"`
	LogPretty            bool     `toml:"log_pretty"`
	AuditLogFile         string   `toml:"audit_log_file"`
}

// Load builds a Config from defaults, the TOML file at path (optional), the
// dotenv file at envFile (optional, missing is fine) and REVBROKER_* env.
// Process env wins over the dotenv file.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}

	str := func(key string, dst *string, v string) {
		if meta.IsDefined(key) {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int, v int) {
		if meta.IsDefined(key) {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool, v bool) {
		if meta.IsDefined(key) {
			*dst = v
		}
	}
	var durErr error
	dur := func(key string, dst *time.Duration, v string) {
		if !meta.IsDefined(key) || durErr != nil {
			return
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			durErr = fmt.Errorf("load config %s: %s: %w", path, key, err)
			return
		}
		*dst = d
	}

	str("addr", &c.Addr, raw.Addr)
	str("secret", &c.Secret, raw.Secret)
	str("listen_host", &c.ListenHost, raw.ListenHost)
	num("min_random_port", &c.MinRandomPort, raw.MinRandomPort)
	num("max_random_port", &c.MaxRandomPort, raw.MaxRandomPort)
	str("probe_host", &c.ProbeHost, raw.ProbeHost)
	dur("probe_timeout", &c.ProbeTimeout, raw.ProbeTimeout)
	dur("allocation_timeout", &c.AllocationTimeout, raw.AllocationTimeout)
	num("bind_retries", &c.BindRetries, raw.BindRetries)
	dur("pairing_window", &c.PairingWindow, raw.PairingWindow)
	dur("sweep_interval", &c.SweepInterval, raw.SweepInterval)
	dur("keepalive_interval", &c.KeepAliveInterval, raw.KeepAliveInterval)
	num("max_pending_per_session", &c.MaxPendingPerSession, raw.MaxPendingPerSession)
	num("max_connections_per_ip", &c.MaxConnectionsPerIP, raw.MaxConnectionsPerIP)
	if meta.IsDefined("bootstrap_rate") {
		c.BootstrapRate = raw.BootstrapRate
	}
	num("bootstrap_burst", &c.BootstrapBurst, raw.BootstrapBurst)
	num("max_auth_failures", &c.MaxAuthFailures, raw.MaxAuthFailures)
	dur("block_duration", &c.BlockDuration, raw.BlockDuration)
	if meta.IsDefined("trusted_proxies") {
		c.TrustedProxies = raw.TrustedProxies
	}
	if meta.IsDefined("allowed_origins") {
		c.AllowedOrigins = raw.AllowedOrigins
	}
	boolean("tls", &c.TLS, raw.TLS)
	str("tls_cert_file", &c.TLSCertFile, raw.TLSCertFile)
	str("tls_key_file", &c.TLSKeyFile, raw.TLSKeyFile)
	str("metrics_addr", &c.MetricsAddr, raw.MetricsAddr)
	str("redis_addr", &c.RedisAddr, raw.RedisAddr)
	str("redis_username", &c.RedisUsername, raw.RedisUsername)
	str("redis_password", &c.RedisPassword, raw.RedisPassword)
	num("redis_db", &c.RedisDB, raw.RedisDB)
	str("log_level", &c.LogLevel, raw.LogLevel)
	boolean("log_pretty", &c.LogPretty, raw.LogPretty)
	str("audit_log_file", &c.AuditLogFile, raw.AuditLogFile)

	return durErr
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var firstErr error
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return "", false
		}
		return strings.TrimSpace(v), true
	}
	fail := func(name string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("env %s%s: %w", EnvPrefix, name, err)
		}
	}
	str := func(name string, dst *string) {
		if v, ok := get(name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := get(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				fail(name, err)
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := get(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				fail(name, err)
				return
			}
			*dst = b
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := get(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				fail(name, err)
				return
			}
			*dst = d
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := get(name); ok {
			*dst = splitList(v)
		}
	}

	str("ADDR", &c.Addr)
	str("SECRET", &c.Secret)
	str("LISTEN_HOST", &c.ListenHost)
	num("MIN_RANDOM_PORT", &c.MinRandomPort)
	num("MAX_RANDOM_PORT", &c.MaxRandomPort)
	str("PROBE_HOST", &c.ProbeHost)
	dur("PROBE_TIMEOUT", &c.ProbeTimeout)
	dur("ALLOCATION_TIMEOUT", &c.AllocationTimeout)
	num("BIND_RETRIES", &c.BindRetries)
	dur("PAIRING_WINDOW", &c.PairingWindow)
	dur("SWEEP_INTERVAL", &c.SweepInterval)
	dur("KEEPALIVE_INTERVAL", &c.KeepAliveInterval)
	num("MAX_PENDING_PER_SESSION", &c.MaxPendingPerSession)
	num("MAX_CONNECTIONS_PER_IP", &c.MaxConnectionsPerIP)
	if v, ok := get("BOOTSTRAP_RATE"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			fail("BOOTSTRAP_RATE", err)
		} else {
			c.BootstrapRate = f
		}
	}
	num("BOOTSTRAP_BURST", &c.BootstrapBurst)
	num("MAX_AUTH_FAILURES", &c.MaxAuthFailures)
	dur("BLOCK_DURATION", &c.BlockDuration)
	list("TRUSTED_PROXIES", &c.TrustedProxies)
	list("ALLOWED_ORIGINS", &c.AllowedOrigins)
	boolean("TLS", &c.TLS)
	str("TLS_CERT_FILE", &c.TLSCertFile)
	str("TLS_KEY_FILE", &c.TLSKeyFile)
	str("METRICS_ADDR", &c.MetricsAddr)
	str("REDIS_ADDR", &c.RedisAddr)
	str("REDIS_USERNAME", &c.RedisUsername)
	str("REDIS_PASSWORD", &c.RedisPassword)
	num("REDIS_DB", &c.RedisDB)
	str("LOG_LEVEL", &c.LogLevel)
	boolean("LOG_PRETTY", &c.LogPretty)
	str("AUDIT_LOG_FILE", &c.AuditLogFile)

	return firstErr
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	if c.Secret == "" {
		return errors.New("config: secret is required")
	}
	if c.Addr == "" {
		return errors.New("config: addr is required")
	}
	if c.MinRandomPort < constants.MinPort || c.MaxRandomPort > constants.MaxPort {
		return fmt.Errorf("config: random port range %d-%d outside %d-%d",
			c.MinRandomPort, c.MaxRandomPort, constants.MinPort, constants.MaxPort)
	}
	if c.MinRandomPort > c.MaxRandomPort {
		return fmt.Errorf("config: min_random_port %d exceeds max_random_port %d", c.MinRandomPort, c.MaxRandomPort)
	}
	if c.PairingWindow <= 0 {
		return errors.New("config: pairing_window must be positive")
	}
	if c.SweepInterval <= 0 {
		return errors.New("config: sweep_interval must be positive")
	}
	if c.ProbeTimeout <= 0 || c.AllocationTimeout <= 0 {
		return errors.New("config: probe and allocation timeouts must be positive")
	}
	if c.BindRetries < 0 || c.MaxPendingPerSession < 0 {
		return errors.New("config: bind_retries and max_pending_per_session must not be negative")
	}
	if c.BootstrapRate < 0 {
		return errors.New("config: bootstrap_rate must not be negative")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("config: tls_cert_file and tls_key_file must be set together")
	}
	return nil
}
