package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-qanetxl/internal/session"
)

func newServeCmd(a *app) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve segment-by-segment reading over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.cfg
			if listen != "" {
				cfg.Server.Listen = listen
			}
			r, _, err := buildReader(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store := session.NewStore(cfg.Server.SessionTTL)
			if cfg.Server.SessionTTL > 0 {
				go store.Run(ctx, max(cfg.Server.SessionTTL/2, time.Second))
			}

			srv := NewServer(r, store, cfg.Server.MaxConcurrent, cfg.Server.FP16Snapshots)
			httpSrv := &http.Server{Addr: cfg.Server.Listen, Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}

			errc := make(chan error, 1)
			go func() {
				log.Info().Str("addr", cfg.Server.Listen).Int("max_concurrent", cfg.Server.MaxConcurrent).Msg("Starting QANet-XL Server")
				errc <- httpSrv.ListenAndServe()
			}()

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}
			log.Info().Msg("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				return err
			}
			if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Address to listen on (overrides config)")
	return cmd
}
