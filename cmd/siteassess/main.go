package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vbonduro/siteassess/internal/app"
	"github.com/vbonduro/siteassess/internal/config"
	"github.com/vbonduro/siteassess/internal/entity"
	"github.com/vbonduro/siteassess/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "siteassess",
		Short:        "Local-first building assessment drafts with backend sync",
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Path to a config file (default ./config.yaml when present)")
	flags.String("db", "", "Path to the local draft database")
	flags.String("photo-root", "", "Directory holding captured photos")
	flags.String("log-level", "", "Log level: debug, info, warn or error")
	flags.String("log-file", "", "Also write logs to this file")
	flags.String("remote-dsn", "", "Backend database DSN")
	flags.String("blob-driver", "", "Object storage driver: fs, s3, gcs or memory")
	flags.String("access-token", "", "Signed access token of the current user")

	rootCmd.AddCommand(serveCommand(), submitCommand(), sweepCommand())
	return rootCmd
}

func serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the assessment API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				return a.Server().ListenAndServe(ctx, a.Config.ListenAddr)
			})
		},
	}
	cmd.Flags().String("listen", "", "Listen address, e.g. :8080")
	return cmd
}

func submitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit [assessment-id]",
		Short: "Submit one assessment and print the result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res := a.Engine.Submit(ctx, args[0], func(done, total int) {
					a.Logger.Info("upload progress", "assessment_id", args[0], "done", done, "total", total)
				})
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return fmt.Errorf("failed to write result: %w", err)
				}
				if !res.OK {
					return res.Err
				}
				return nil
			})
		},
	}
	cmd.Flags().Int("concurrency", 0, "Parallel photo uploads")
	return cmd
}

func sweepCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove photo files that no assessment references",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			minAge, err := cmd.Flags().GetDuration("min-age")
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				removed, err := a.Registry.SweepOrphans(ctx, minAge)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d orphaned entries\n", removed)
				return err
			})
		},
	}
	cmd.Flags().Duration("min-age", entity.DefaultSweepMinAge, "Skip files modified more recently than this")
	return cmd
}

// withApp loads configuration from the command's flags, opens the app and
// runs fn with it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}

	logger, cleanup, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		log.Printf("failed to initialize logger: %v", err)
		return err
	}
	defer cleanup()

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("failed to close app", "error", err)
		}
	}()

	return fn(ctx, a)
}
