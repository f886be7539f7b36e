package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/relaychat/internal/server"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var envFile string
	overrides := server.Config{}

	cmd := &cobra.Command{
		Use:           "relaychat",
		Short:         "Real-time chat relay over WebSockets",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var files []string
			if envFile != "" {
				files = append(files, envFile)
			}
			cfg, err := server.NewConfigFromEnv(files...)
			if err != nil {
				return err
			}
			applyFlags(cmd, &cfg, overrides)
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := server.ConfigureLogging(cfg.LogLevel, cfg.LogPretty); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&envFile, "env-file", "", "dotenv file to load before reading the environment")
	flags.StringVar(&overrides.Addr, "addr", "", "http service address (CHAT_ADDR)")
	flags.StringVar(&overrides.StaticDir, "static-dir", "", "directory with client assets (CHAT_STATIC_DIR)")
	flags.DurationVar(&overrides.HeartbeatInterval, "heartbeat", 0, "heartbeat period (CHAT_HEARTBEAT_INTERVAL)")
	flags.StringVar(&overrides.AllowedOrigins, "origins", "", "comma separated allowed origins (CHAT_ALLOWED_ORIGINS)")
	flags.StringVar(&overrides.LogLevel, "log-level", "", "log level (CHAT_LOG_LEVEL)")
	flags.BoolVar(&overrides.LogPretty, "log-pretty", false, "human readable logs (CHAT_LOG_PRETTY)")

	return cmd
}

// applyFlags copies explicitly set flags over the environment configuration.
func applyFlags(cmd *cobra.Command, cfg *server.Config, overrides server.Config) {
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Addr = overrides.Addr
	}
	if flags.Changed("static-dir") {
		cfg.StaticDir = overrides.StaticDir
	}
	if flags.Changed("heartbeat") {
		cfg.HeartbeatInterval = overrides.HeartbeatInterval
	}
	if flags.Changed("origins") {
		cfg.AllowedOrigins = overrides.AllowedOrigins
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = overrides.LogLevel
	}
	if flags.Changed("log-pretty") {
		cfg.LogPretty = overrides.LogPretty
	}
}

func run(parent context.Context, cfg server.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := server.NewHub(cfg)
	router := server.SetupRoutes(hub, server.AssetsFS(cfg.StaticDir))
	httpServer := server.CreateServer(cfg.Addr, router)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run()
		return nil
	})
	g.Go(func() error {
		return server.StartServer(httpServer)
	})
	g.Go(func() error {
		return hub.Metrics().Report(gctx, cfg.MetricsInterval, os.Stderr)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutdown requested")

		httpErr := server.ShutdownServer(httpServer, cfg.ShutdownTimeout)
		if err := hub.Shutdown(cfg.ShutdownTimeout); err != nil {
			return errors.Wrap(err, "hub shutdown")
		}
		return httpErr
	})

	return g.Wait()
}
