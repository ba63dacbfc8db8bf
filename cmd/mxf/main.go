// Package main provides the CLI entry point for the MXF agent-hosting
// server.
//
// Start the server:
//
//	mxf serve --config mxf.yaml
//
// Check a configuration file without starting:
//
//	mxf doctor --config mxf.yaml
//
// Secrets can come from the environment instead of the file: MXF_DOMAIN_KEY,
// MXF_JWT_SECRET, MXF_DB_PATH, MXF_LOG_LEVEL.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/modelexchange/mxf/internal/auth"
	"github.com/modelexchange/mxf/internal/config"
	"github.com/modelexchange/mxf/internal/gateway"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "mxf",
		Short:        "MXF - agent-hosting server substrate",
		Long:         "MXF hosts connected agents over a typed event protocol:\nsessions, channels, validated tool dispatch, task graphs, ORPAR\ncoordination, and utility-learned memory.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildServeCmd(),
		buildDoctorCmd(),
		buildTokenCmd(),
	)
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MXF server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			server, err := gateway.New(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := server.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func buildDoctorCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Validate the configuration without starting the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: transport %s:%d, metrics port %d, storage %s\n",
				cfg.Server.Host, cfg.Server.Port, cfg.Server.MetricsPort, cfg.Storage.Backend)
			if cfg.Auth.DomainKey == "" && cfg.Auth.JWTSecret == "" && len(cfg.Auth.APIKeys) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "warning: no auth material configured; every connect is accepted")
			}
			for _, srv := range cfg.ExternalServers.Servers {
				fmt.Fprintf(cmd.OutOrStdout(), "external server %s (%s)\n", srv.ID, srv.Transport)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func buildTokenCmd() *cobra.Command {
	var configPath, agentID string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed user token for an agent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			token, err := auth.NewVerifier(cfg.Auth).MintToken(agentID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&agentID, "agent", "", "Agent id to mint for")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}
