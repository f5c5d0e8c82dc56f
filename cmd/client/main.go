package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"revbroker/internal/client"
	"revbroker/internal/config"
	"revbroker/internal/constants"
	"revbroker/internal/logger"
)

var (
	serverURL string
	dst       string
	secret    string
	envFile   string
	insecure  bool
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "revbroker <port | host:port>",
	Short: "Expose a local TCP service through a revbroker server",
	Example: `  revbroker 3000 --server wss://broker.example:8443 --secret s3cret
  revbroker 192.168.1.10:22 --dst 2222`,
	Args:         cobra.ExactArgs(1),
	Version:      constants.Version,
	SilenceUsage: true,
	RunE:         runClient,
}

func printBanner() {
	fmt.Println()
	fmt.Printf("  %s%s%s%s %sv%s%s\n", constants.ColorBold, constants.ColorCyan, constants.AppName, constants.ColorReset, constants.ColorBold, constants.Version, constants.ColorReset)
	fmt.Printf("  %sReverse TCP tunnel%s\n", constants.ColorDim, constants.ColorReset)
	fmt.Println()
}

func printField(label, value, valueColor string) {
	fmt.Printf("  %s%-12s%s %s%s%s\n", constants.ColorDim, label, constants.ColorReset, valueColor, value, constants.ColorReset)
}

func printSep() {
	fmt.Printf("  %s%s%s\n", constants.ColorDim, strings.Repeat("─", 50), constants.ColorReset)
}

func runClient(cmd *cobra.Command, args []string) error {
	if _, err := config.Load("", envFile); err != nil {
		return err
	}
	if !cmd.Flags().Changed("secret") {
		secret = os.Getenv(config.EnvPrefix + "SECRET")
	}
	if secret == "" {
		return errors.New("a shared secret is required (--secret or " + config.EnvPrefix + "SECRET)")
	}
	if !cmd.Flags().Changed("server") {
		if v := os.Getenv(config.EnvPrefix + "SERVER"); v != "" {
			serverURL = v
		}
	}

	target, err := client.ParseTarget(args[0])
	if err != nil {
		return err
	}
	if _, err := logger.Init(logger.Options{Level: logLevel, Pretty: true, Out: os.Stderr}); err != nil {
		return err
	}

	printBanner()
	printField("Server", serverURL, constants.ColorCyan)
	printField("Forwarding", target, constants.ColorCyan)
	printSep()

	agent := client.New(client.Options{
		ServerURL:          serverURL,
		Dst:                dst,
		Target:             target,
		Secret:             []byte(secret),
		InsecureSkipVerify: insecure,
		OnReady: func(port int) {
			printField("Public port", fmt.Sprint(port), constants.ColorGreen)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	fmt.Printf("\n  %sstopped%s\n", constants.ColorDim, constants.ColorReset)
	return nil
}

func main() {
	f := rootCmd.Flags()
	f.StringVar(&serverURL, "server", constants.DefaultServerURL, "broker URL (ws, wss, http or https)")
	f.StringVar(&dst, "dst", "random", "public port on the broker, or random")
	f.StringVar(&secret, "secret", "", "shared secret")
	f.StringVar(&envFile, "env-file", ".env", "dotenv file")
	f.BoolVar(&insecure, "insecure", false, "skip TLS certificate verification")
	f.StringVar(&logLevel, "log-level", "warn", "log level")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
