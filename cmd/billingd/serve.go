/*
serve.go - HTTP server and scheduler startup

STARTUP SEQUENCE:
  1. Build the runtime (SQLite store, engine, runner, handler)
  2. Optionally seed demo data (--demo)
  3. Start the dual-loop scheduler
  4. Start the HTTP server

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler and wait for an in-flight tick
  4. Close the database

EXAMPLES:
  # Run with file database
  billingd serve --db=./data/billing.db

  # Local playground with seeded demo data
  billingd serve --db=:memory: --demo
*/
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	apipkg "github.com/warp/billing-engine/api"
	"github.com/warp/billing-engine/logging"
)

var (
	flagPort int
	flagDemo bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the dual-loop scheduler",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVar(&flagPort, "port", 8080, "HTTP server port")
	serveCmd.Flags().BoolVar(&flagDemo, "demo", false, "seed demo configuration, orders, and payments")
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logging.WithComponent("serve")

	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	if flagDemo {
		if err := seedDemo(cmd.Context(), rt); err != nil {
			return fmt.Errorf("seed demo data: %w", err)
		}
		log.Info().Msg("demo data seeded")
	}

	scheduler := apipkg.NewScheduler(rt.store, rt.runner, logging.WithComponent("scheduler"))
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", flagPort),
		Handler:      apipkg.NewRouter(rt.handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", flagPort).Msg("server started")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	log.Info().Msg("server stopped")
	return nil
}
