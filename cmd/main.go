/**
 * @description
 * This is the main entry point for the transfer-service. The `serve` command runs the
 * HTTP API, the fallback consumer and the reconciliation scheduler; `sweep` runs both
 * reconciliation sweeps once and exits; `migrate` applies the schema.
 *
 * @dependencies
 * - github.com/spf13/cobra: command line surface.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - internal/api, internal/app, internal/config: Internal packages for the service.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/transfa/transfer-service/internal/api"
	"github.com/transfa/transfer-service/internal/config"
	rmrabbit "github.com/transfa/transfer-service/pkg/rabbitmq"
)

func main() {
	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found, using environment variables\"")
	}

	rootCmd := &cobra.Command{
		Use:           "transfer-service",
		Short:         "Account-to-account transfers with regulator notification",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config-path", ".", "directory holding an optional .env file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("level=fatal component=bootstrap err=%v", err)
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config-path")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return cfg, fmt.Errorf("config load failed: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, fallback consumer and sweep scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.InternalAPIKey == "" && !cfg.IsDevelopment() {
				return errors.New("internal api key must be configured: INTERNAL_API_KEY")
			}
			return serve(cfg)
		},
	}
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the pending and failed notification sweeps once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			only, _ := cmd.Flags().GetString("only")

			ctx, cancel := context.WithTimeout(context.Background(), cfg.SweepTimeout())
			defer cancel()
			deps, err := bootstrap(ctx, cfg)
			if err != nil {
				return err
			}
			defer deps.Close()

			now := time.Now()
			if only == "" || only == "pending" {
				report, err := deps.reconciler.SweepPending(ctx, now)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pending: %s\n", report)
			}
			if only == "" || only == "failed" {
				report, err := deps.reconciler.SweepFailed(ctx, now)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "failed: %s\n", report)
			}
			return nil
		},
	}
	cmd.Flags().String("only", "", "run a single sweep: pending or failed")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			seed, _ := cmd.Flags().GetBool("seed")
			cfg.DatabaseSeed = cfg.DatabaseSeed || seed

			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			pool, err := connectDatabase(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()
			return migrate(ctx, pool, cfg)
		},
	}
	cmd.Flags().Bool("seed", false, "load the demo accounts")
	return cmd
}

func serve(cfg config.Config) error {
	log.Printf("level=info component=bootstrap msg=\"starting transfer-service\" port=%s env=%s", cfg.ServerPort, cfg.Environment)

	startCtx, cancelStart := context.WithTimeout(context.Background(), time.Minute)
	defer cancelStart()
	deps, err := bootstrap(startCtx, cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	// Fallback channel consumer. Without it the sweeps still recover every record.
	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; relying on sweeps\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()
		bindings := map[string]rmrabbit.Handler{
			cfg.NotificationRoutingKey: deps.consumer.HandleMessage,
		}
		if err := rabbitConsumer.ConsumeWithBindings(cfg.NotificationExchange, cfg.NotificationQueue, cfg.NotificationConsumerWorkers, bindings); err != nil {
			return fmt.Errorf("fallback consumer start failed: %w", err)
		}
	}

	if err := deps.scheduler.Start(); err != nil {
		return fmt.Errorf("scheduler start failed: %w", err)
	}
	defer func() { <-deps.scheduler.Stop().Done() }()

	handlers := api.NewTransactionHandlers(deps.service, deps.reconciler)
	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           api.TransferRoutes(handlers, cfg.InternalAPIKey),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
	case err := <-serverErr:
		return fmt.Errorf("server stopped unexpectedly: %w", err)
	}
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
	return nil
}
