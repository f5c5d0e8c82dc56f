package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"revbroker/internal/broker"
	"revbroker/internal/certs"
	"revbroker/internal/config"
	"revbroker/internal/constants"
	"revbroker/internal/logger"
	"revbroker/internal/metrics"
	"revbroker/internal/security"
	"revbroker/internal/server"
	"revbroker/internal/session"
)

var (
	cfgFile     string
	envFile     string
	addr        string
	secret      string
	minPort     int
	maxPort     int
	noTLS       bool
	certFile    string
	keyFile     string
	metricsAddr string
	redisAddr   string
	logLevel    string
	logPretty   bool
	tlsHosts    []string
)

var rootCmd = &cobra.Command{
	Use:   "revbroker-server",
	Short: "Reverse tunnel broker",
	Long: `revbroker-server accepts control sessions over websocket, binds a TCP
listener per session and relays each accepted connection over a data
channel opened by the client with a capability token.`,
	Version:      constants.Version,
	SilenceUsage: true,
	RunE:         runServer,
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile, envFile)
	if err != nil {
		return err
	}
	applyFlags(cmd, &cfg)

	if _, err := logger.Init(logger.Options{Level: cfg.LogLevel, Pretty: cfg.LogPretty}); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	audit, err := security.OpenAuditLogger(cfg.AuditLogFile)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer audit.Close()

	dir := session.NewStore(session.RedisOptions{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer dir.Close()

	b := broker.New(cfg, broker.WithDirectory(dir), broker.WithAuditLogger(audit))

	var srv *server.Server
	if cfg.TLS {
		tlsConfig, err := certs.Provision(cfg.TLSCertFile, cfg.TLSKeyFile, tlsHosts...)
		if err != nil {
			return err
		}
		srv = server.New(cfg.Addr, b, tlsConfig)
	} else {
		log.Warn().Msg("TLS disabled, public listener is cleartext")
		srv = server.New(cfg.Addr, b, nil)
	}
	srv.OnShutdown(b)
	if cfg.MetricsAddr != "" {
		srv.Attach(metrics.NewServer(cfg.MetricsAddr, dir, b))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("version", constants.Version).
		Str("addr", cfg.Addr).
		Int("min_port", cfg.MinRandomPort).
		Int("max_port", cfg.MaxRandomPort).
		Dur("pairing_window", cfg.PairingWindow).
		Msg("starting broker")
	return srv.Run(ctx)
}

// applyFlags overlays flags given on the command line; they win over every
// other source.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Addr = addr
	}
	if flags.Changed("secret") {
		cfg.Secret = secret
	}
	if flags.Changed("min-port") {
		cfg.MinRandomPort = minPort
	}
	if flags.Changed("max-port") {
		cfg.MaxRandomPort = maxPort
	}
	if flags.Changed("no-tls") {
		cfg.TLS = !noTLS
	}
	if flags.Changed("cert") {
		cfg.TLSCertFile = certFile
	}
	if flags.Changed("key") {
		cfg.TLSKeyFile = keyFile
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = metricsAddr
	}
	if flags.Changed("redis-addr") {
		cfg.RedisAddr = redisAddr
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("log-pretty") {
		cfg.LogPretty = logPretty
	}
}

func main() {
	f := rootCmd.Flags()
	f.StringVar(&cfgFile, "config", "", "TOML config file")
	f.StringVar(&envFile, "env-file", ".env", "dotenv file with "+config.EnvPrefix+"* variables")
	f.StringVar(&addr, "addr", constants.DefaultAddr, "public listener address")
	f.StringVar(&secret, "secret", "", "shared secret for capability tokens")
	f.IntVar(&minPort, "min-port", constants.MinPort, "lowest port for dst=random")
	f.IntVar(&maxPort, "max-port", constants.MaxPort, "highest port for dst=random")
	f.BoolVar(&noTLS, "no-tls", false, "serve cleartext HTTP (h2c) instead of TLS")
	f.StringVar(&certFile, "cert", "", "TLS certificate PEM file (self-signed when empty)")
	f.StringVar(&keyFile, "key", "", "TLS private key PEM file")
	f.StringSliceVar(&tlsHosts, "tls-host", nil, "host names for the generated certificate")
	f.StringVar(&metricsAddr, "metrics-addr", constants.DefaultMetricsAddr, "metrics and health listener, empty disables")
	f.StringVar(&redisAddr, "redis-addr", "", "mirror session records to this Redis")
	f.StringVar(&logLevel, "log-level", "info", "log level")
	f.BoolVar(&logPretty, "log-pretty", false, "human readable console logs")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
