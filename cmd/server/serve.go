package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/leave-accrual/api"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Bool("no-scheduler", false, "Serve the API without the daily timer")
	serveCmd.Flags().StringSlice("cors-origin", []string{"http://localhost:5173", "http://localhost:8080"},
		"Allowed CORS origins")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the daily accrual scheduler",
	RunE:  runServe,
}

// runServe blocks until SIGINT/SIGTERM, then:
//  1. stops the scheduler (waits for an in-flight run, which releases its lock)
//  2. drains HTTP requests (30s timeout)
//  3. closes the database
func runServe(cmd *cobra.Command, _ []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	var scheduler *api.AccrualScheduler
	if off, _ := cmd.Flags().GetBool("no-scheduler"); !off {
		scheduler, err = api.NewAccrualScheduler(a.runner, a.cfg.Schedule, a.logger)
		if err != nil {
			return err
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	origins, _ := cmd.Flags().GetStringSlice("cors-origin")
	handler := api.NewHandler(a.store, a.runner, scheduler)

	server := &http.Server{
		Addr:         a.cfg.Addr(),
		Handler:      api.NewRouter(handler, origins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // manual runs are synchronous
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info("server starting",
			slog.String("addr", server.Addr),
			slog.String("zone", a.zone.String()),
			slog.String("db", a.cfg.Database.Path),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	a.logger.Info("shutting down server")
	if scheduler != nil {
		scheduler.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return err
	}

	a.logger.Info("server stopped")
	return nil
}
