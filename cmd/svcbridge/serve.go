package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/nebula/svcbridge/internal/api"
	"github.com/nebula/svcbridge/internal/logger"
	"github.com/nebula/svcbridge/internal/output"
	"github.com/nebula/svcbridge/internal/watch"
	"github.com/nebula/svcbridge/internal/websocket"
)

const shutdownTimeout = 10 * time.Second

// runList prints the listing once, or on every change with watching set
func (a *app) runList(ctx context.Context, watching bool) error {
	e, err := a.open(&a.global, false)
	if err != nil {
		return err
	}
	defer e.Close()

	if !watching {
		rows, err := e.supervisor.List(ctx)
		if err != nil {
			return err
		}
		return a.renderList(rows, false)
	}

	w := watch.New(e.adapter.Paths().Dir(e.identity.Root), e.config.Server.WatchInterval, nil, e.supervisor.List)
	snapshots, err := w.Run(ctx)
	if err != nil {
		return err
	}
	for snap := range snapshots {
		if err := a.renderList(snap.Services, true); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) renderList(rows []output.ServiceStatus, redraw bool) error {
	if a.global.json {
		if rows == nil {
			rows = []output.ServiceStatus{}
		}
		return output.JSON(a.stdout, rows)
	}
	color := a.color()
	if redraw && color {
		// clear screen, cursor home
		fmt.Fprint(a.stdout, "\033[H\033[2J")
	}
	if len(rows) == 0 {
		fmt.Fprintln(a.stdout, "No services available to control with svcbridge")
		return nil
	}
	return output.Table(a.stdout, rows, color)
}

func (a *app) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the service controls over a local HTTP API",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runServe(cmd.Context())
		},
	}
}

// runServe holds the invocation lock for as long as the server runs
func (a *app) runServe(ctx context.Context) error {
	e, err := a.open(&a.global, true)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hub := websocket.NewHub()
	go hub.Run(ctx)

	router := api.NewRouter(e.config, e.supervisor, hub)

	w := watch.New(e.adapter.Paths().Dir(e.identity.Root), e.config.Server.WatchInterval, nil, e.supervisor.List)
	snapshots, err := w.Run(ctx)
	if err != nil {
		return err
	}
	go func() {
		for snap := range snapshots {
			router.BroadcastSnapshot(snap)
		}
	}()

	server := &http.Server{
		Addr:         e.config.Address(),
		Handler:      router.Engine(),
		ReadTimeout:  e.config.Server.ReadTimeout,
		WriteTimeout: e.config.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("address", e.config.Address()).Str("backend", e.adapter.Name()).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
