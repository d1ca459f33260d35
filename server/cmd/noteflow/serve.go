package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"noteflow/server/internal/api"
	"noteflow/server/internal/config"
	"noteflow/server/internal/logging"
	"noteflow/server/internal/metrics"
	"noteflow/server/internal/service"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the HTTP/WebSocket server",
		Aliases: []string{"server"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				return serve(cmd.Context(), cfg, addr)
			}
			return serve(cmd.Context(), cfg, cfg.Server.Addr())
		},
	}
	cmd.Flags().String("addr", "", "listen address, overrides server.host/server.port")
	return cmd
}

func serve(parent context.Context, cfg *config.Config, addr string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := logging.Component("server")
	m := metrics.New()

	pool := newPool(cfg)
	defer pool.Close()

	svc := service.New(pool, service.Config{
		DefaultRelays:  cfg.Relays.Default,
		PageSize:       cfg.Timeline.PageSize,
		EOSETimeout:    cfg.Timeline.EOSETimeout,
		LowWaterMark:   cfg.Timeline.LowWaterMark,
		PublishTimeout: cfg.Publish.Timeout,
		MaxRetries:     cfg.Publish.MaxRetries,
		BaseBackoff:    cfg.Publish.BaseBackoff,
		MaxBackoff:     cfg.Publish.MaxBackoff,

		PublishRetention: cfg.Publish.Retention,
	}, m, logging.Component("service"))
	defer svc.Close()

	server := api.NewServer(cfg, svc, m, logging.Component("api"))
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Strs("relays", cfg.Relays.Default).Msg("noteflow server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	return nil
}
