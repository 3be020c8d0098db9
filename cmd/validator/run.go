package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/flockoff/validator/internal/adapters/http/api"
	"github.com/flockoff/validator/pkg/logger"
)

// HTTP server timeout constants.
const (
	readTimeout       = 10 * time.Second
	writeTimeout      = 10 * time.Second
	idleTimeout       = 60 * time.Second
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 30 * time.Second
)

func newRunCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the validation loop and the status server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runValidator(cmd.Context(), e)
		},
	}
}

func runValidator(ctx context.Context, e *env) error {
	svc, store, err := newService(ctx, e)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			e.log.Error(ctx, "close score store", logger.Error(err))
		}
	}()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start validator: %w", err)
	}

	apiServer := api.NewServer(svc, api.WithLogger(e.log.Named("http")))
	srv := &http.Server{
		Addr:              e.cfg.Addr,
		Handler:           apiServer.Router(),
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx)
	})
	g.Go(func() error {
		e.log.Info(gctx, "starting HTTP server", logger.String("addr", e.cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%w: %w", api.ErrServe, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		e.log.Info(gctx, "shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := svc.Shutdown(shutdownCtx); err != nil {
			e.log.Error(shutdownCtx, "validator shutdown failed", logger.Error(err))
		}
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	e.log.Info(ctx, "validator stopped")
	return err
}
