// entry point to app :)
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ds124wfegd/playverse/config"
	"github.com/ds124wfegd/playverse/internal/appServer"
	"github.com/ds124wfegd/playverse/internal/worker"
	"github.com/ds124wfegd/playverse/pkg/export"
	"github.com/ds124wfegd/playverse/pkg/postgres"
	"github.com/ds124wfegd/playverse/pkg/queue"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var Version = "dev"

var configPath string

func main() {
	logrus.SetFormatter(new(logrus.JSONFormatter))

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Warn("Cannot load .env file")
	}

	rootCmd := &cobra.Command{
		Use:          "playverse",
		Short:        "Playverse event booking and payment reconciliation service",
		Version:      Version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default ./config/config.yaml)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(dlqCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	viperInstance, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("cannot load config: %w", err)
	}

	cfg, err := config.ParseConfig(viperInstance)
	if err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	if cfg.Server.AppVersion == "" {
		cfg.Server.AppVersion = Version
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, queue consumer and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return appServer.NewServer(cfg)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			appServer.SetupLogger(&cfg.Server)

			db, err := postgres.NewPostgresDB(&cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := postgres.RunMigrations(cmd.Context(), db); err != nil {
				return err
			}
			logrus.Info("Migrations applied")
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire stale pending bookings once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			appServer.SetupLogger(&cfg.Server)

			app, err := appServer.Build(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			expired := worker.NewPendingSweeper(app.Reconciler, cfg.Worker.CleanupInterval, cfg.Worker.BatchSize).Sweep(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d pending bookings\n", expired)
			return nil
		},
	}
}

func exportCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write confirmed bookings to an xlsx file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			appServer.SetupLogger(&cfg.Server)

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			app, err := appServer.Build(ctx, cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			if output == "" {
				output = export.FileName("events", time.Now())
			}
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", output, err)
			}
			defer f.Close()

			if err := app.Events.ExportConfirmed(ctx, f); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default events_<timestamp>.xlsx)")
	return cmd
}

// withTaskQueue builds the app and hands its Redis queue to fn.
func withTaskQueue(cmd *cobra.Command, fn func(q *queue.RedisQueue) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	appServer.SetupLogger(&cfg.Server)

	app, err := appServer.Build(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	q, err := app.TaskQueue(cmd.Context())
	if err != nil {
		return err
	}
	if q.DLQ() == nil {
		return fmt.Errorf("dead letter queue is disabled")
	}
	return fn(q)
}

func dlqCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and requeue background tasks that exhausted their retries",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List the newest failed tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTaskQueue(cmd, func(q *queue.RedisQueue) error {
				stats, err := q.DLQ().GetDLQStats(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%d failed tasks\n", stats.QueueSize)
				if stats.QueueSize == 0 {
					return nil
				}
				fmt.Fprintf(out, "oldest %s, newest %s\n",
					stats.OldestFailure.Format(time.RFC3339), stats.NewestFailure.Format(time.RFC3339))

				failed, err := q.DLQ().GetFailedTasks(cmd.Context(), limit)
				if err != nil {
					return err
				}
				for _, f := range failed {
					fmt.Fprintf(out, "%s\t%s\t%s\tattempts=%d\t%s\n",
						f.Task.ID, f.Task.Type, f.Task.TxnRef(), f.Attempts, f.Error)
				}
				return nil
			})
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "number of tasks to show")

	requeue := &cobra.Command{
		Use:   "requeue TASK_ID...",
		Short: "Move failed tasks back to the main queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTaskQueue(cmd, func(q *queue.RedisQueue) error {
				for _, id := range args {
					if err := q.DLQ().RequeueFailedTask(cmd.Context(), id); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", id)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(list, requeue)
	return cmd
}
