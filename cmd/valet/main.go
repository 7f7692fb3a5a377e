package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/valetd/valet/internal/allowlist"
	"github.com/valetd/valet/internal/api"
	"github.com/valetd/valet/internal/config"
	"github.com/valetd/valet/internal/logging"
	"github.com/valetd/valet/internal/ratelimit"
	"github.com/valetd/valet/internal/security"
	"github.com/valetd/valet/internal/tools"
	"github.com/valetd/valet/pkg/audit"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// shutdownGrace bounds how long in-flight requests may run after a signal.
const shutdownGrace = 10 * time.Second

var configPath string

var rootCmd = &cobra.Command{
	Use:           "valet",
	Short:         "Valet - loopback file and exec adapter for AI agents",
	Long:          `Valet exposes a small JSON-RPC tool surface (fs_read, fs_write, exec) over a loopback-only HTTP listener, confined to one root directory and one command allow-list.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(configPath)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Valet %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to the config file (required)")
	_ = rootCmd.MarkFlagRequired("config")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if !serverReached {
			// Flag parsing or similar usage failure.
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// serverReached distinguishes CLI usage errors (exit 2) from startup and
// runtime failures (exit 1).
var serverReached bool

func runServer(path string) error {
	serverReached = true

	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "valet",
	})

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Re-initialize logging with configuration-driven settings
	logging.Init(logging.Config{
		Format:    cfg.Log.Format,
		Level:     cfg.Log.Level,
		Component: "valet",
	})

	if err := setupAudit(cfg); err != nil {
		return fmt.Errorf("initializing audit sink: %w", err)
	}
	defer func() {
		if err := audit.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close audit sink")
		}
	}()

	allowed, err := allowlist.New(cfg.Exec.AllowedCmds)
	if err != nil {
		return fmt.Errorf("resolving allow-list: %w", err)
	}

	executor := tools.NewExecutor(cfg, security.NewResolver(cfg.Root.RootDir), allowed)
	limiter := ratelimit.New(
		cfg.Limits.RateGlobalBurst, cfg.Limits.RateGlobalPerS,
		cfg.Limits.RateTokenBurst, cfg.Limits.RateTokenPerS,
	)
	router := api.NewRouter(cfg, executor, limiter)

	addr := fmt.Sprintf("%s:%d", cfg.Server.BindAddr, cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		// Streaming responses manage their own deadlines.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	names := executor.Registry().Names()
	log.Info().
		Str("addr", addr).
		Str("base_path", cfg.Server.BasePath).
		Strs("tools", names).
		Msg("Valet ready")

	// The readiness line is the startup contract: exactly one line on
	// stdout once the socket is bound and the registry is built.
	fmt.Printf("valet ready addr=%s base_path=%s tools=[%s]\n",
		addr, cfg.Server.BasePath, strings.Join(names, ","))

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("serving: %w", err)
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		// Grace expired; close remaining connections, which cancels their
		// request contexts and terminates any children still running.
		log.Warn().Err(err).Msg("Graceful shutdown timed out, closing connections")
		_ = srv.Close()
	}
	return nil
}

func setupAudit(cfg *config.Config) error {
	switch cfg.Audit.Backend {
	case "sqlite":
		logger, err := audit.NewSQLiteLogger(audit.SQLiteLoggerConfig{
			DataDir:       cfg.Audit.DataDir,
			RetentionDays: cfg.Audit.RetentionDays,
		})
		if err != nil {
			return err
		}
		audit.SetLogger(logger)
	default:
		audit.SetLogger(audit.NewConsoleLogger())
	}
	return nil
}
