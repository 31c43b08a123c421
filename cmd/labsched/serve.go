package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	labsched "github.com/testfarm/labsched"
	"github.com/testfarm/labsched/internal/api"
	"github.com/testfarm/labsched/internal/config"
	"github.com/testfarm/labsched/internal/storage"
)

func newServeCmd() *cobra.Command {
	var (
		listenAddr    string
		dispatcherURL string
		dbPath        string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, coordinator and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if listenAddr == "" {
				listenAddr = config.String("LABSCHED_LISTEN", ":8088")
			}
			if dispatcherURL == "" {
				dispatcherURL = config.String("LABSCHED_DISPATCHER_URL", "http://127.0.0.1:8090")
			}
			if dbPath == "" {
				dbPath = storage.ResolveDatabasePath()
			}
			return runServe(listenAddr, dispatcherURL, dbPath)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address (overrides LABSCHED_LISTEN)")
	cmd.Flags().StringVar(&dispatcherURL, "dispatcher-url", "", "dispatcher base URL (overrides LABSCHED_DISPATCHER_URL)")
	cmd.Flags().StringVar(&dbPath, "db", "", "sqlite database path (overrides LABSCHED_DB_PATH)")
	return cmd
}

func runServe(listenAddr, dispatcherURL, dbPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(dbPath)
	if err != nil {
		return err
	}

	lab, err := labsched.New(labsched.Config{
		Store:            store,
		Gateway:          labsched.NewHTTPGateway(dispatcherURL),
		PassInterval:     config.Duration("LABSCHED_PASS_INTERVAL", 10*time.Second),
		HealthCheckEvery: config.Duration("LABSCHED_HEALTH_CHECK_EVERY", 24*time.Hour),
		HealthCheckCron:  config.String("LABSCHED_HEALTH_CHECK_CRON", "@every 5m"),
	})
	if err != nil {
		_ = store.Close()
		return err
	}
	if err := lab.Start(ctx); err != nil {
		_ = lab.Close()
		return err
	}

	server := &http.Server{
		Addr:    listenAddr,
		Handler: api.NewServer(lab),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http shutdown failed")
		}
	}()

	log.Info().
		Str("listen", listenAddr).
		Str("dispatcher", dispatcherURL).
		Str("db", dbPath).
		Msg("labsched serving")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return lab.Close()
}
