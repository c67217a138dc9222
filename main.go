package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"rentals-server/config"
	"rentals-server/logging"
	"rentals-server/routes"
	"rentals-server/services"
	"rentals-server/storage"
	"syscall"
	"time"

	"github.com/kataras/iris/v12"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "rentals-server",
		Short:         "Vacation rental marketplace API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(cronCmd())
	rootCmd.AddCommand(syncCalendarsCmd())

	if err := rootCmd.Execute(); err != nil {
		logging.Log.WithError(err).Error("command failed")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bootstrap loads configuration and connects the stores every command needs.
func bootstrap(ctx context.Context) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logging.Init(cfg.LogLevel)

	if _, err := storage.InitializeDB(cfg.DatabaseURL); err != nil {
		return nil, err
	}
	if err := storage.InitializeRedis(ctx, cfg.RedisURL, cfg.RedisPassword); err != nil {
		// Duplicate webhooks are still caught by the unique event id.
		logging.Log.WithError(err).Warn("redis unavailable, using in-memory key store")
		storage.Cache = storage.NewMemoryStore()
	}
	return cfg, nil
}

// initializeIntegrations wires the optional third-party services. Each one
// stays disabled when its credentials are missing.
func initializeIntegrations(cfg *config.Config) {
	storage.InitializeImages(cfg)
	services.InitializeMailer(cfg)
	services.InitializeSMS(cfg)
	services.InitializeGateway(cfg)
	services.InitializeGoogle(cfg)
}

func serveCmd() *cobra.Command {
	var noScheduler bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			initializeIntegrations(cfg)

			var scheduler *services.Scheduler
			if cfg.SchedulerEnabled && !noScheduler {
				scheduler, err = services.NewScheduler(cfg)
				if err != nil {
					return fmt.Errorf("create scheduler: %w", err)
				}
				scheduler.Start()
			}

			app := routes.NewApp()

			go func() {
				<-ctx.Done()
				logging.Log.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				if err := app.Shutdown(shutdownCtx); err != nil {
					logging.Log.WithError(err).Warn("http shutdown")
				}
			}()

			logging.Log.WithField("port", cfg.Port).Info("listening")
			err = app.Listen(":"+cfg.Port,
				iris.WithoutInterruptHandler,
				iris.WithoutServerError(iris.ErrServerClosed),
				iris.WithOptimizations,
			)

			if scheduler != nil {
				scheduler.Stop()
			}
			services.WaitForDeliveries()
			storage.CloseRedis()
			return err
		},
	}

	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not run background jobs in this process")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			// InitializeDB migrates before returning.
			_, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			logging.Log.Info("migrations applied")
			return nil
		},
	}
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Load the amenity catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := bootstrap(cmd.Context()); err != nil {
				return err
			}
			n, err := storage.SeedAmenities(storage.DB)
			if err != nil {
				return err
			}
			logging.Log.WithField("amenities", n).Info("catalog seeded")
			return nil
		},
	}
}

func cronCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Run the background jobs without the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			initializeIntegrations(cfg)

			scheduler, err := services.NewScheduler(cfg)
			if err != nil {
				return fmt.Errorf("create scheduler: %w", err)
			}

			if once {
				scheduler.RunNow()
				services.WaitForDeliveries()
				return nil
			}

			scheduler.Start()
			<-ctx.Done()
			scheduler.Stop()
			services.WaitForDeliveries()
			return nil
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run every job a single time and exit")
	return cmd
}

func syncCalendarsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-calendars",
		Short: "Import every property's external iCal feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			if _, err := bootstrap(ctx); err != nil {
				return err
			}
			synced, failed := services.SyncAllCalendars(ctx)
			logging.Log.WithFields(map[string]interface{}{"synced": synced, "failed": failed}).Info("calendar sync finished")
			if failed > 0 {
				return fmt.Errorf("%d calendar feeds failed", failed)
			}
			return nil
		},
	}
}
