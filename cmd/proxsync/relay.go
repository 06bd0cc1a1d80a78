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

	"github.com/kass/go-proximity-sync/pkg/backend"
	"github.com/kass/go-proximity-sync/pkg/postgis"
	"github.com/kass/go-proximity-sync/pkg/relay"
)

var relayAddr string

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Serve the WebSocket relay backend",
	Long: `Serve the shared record store over WebSocket. With relay.postgis_dsn set,
records are archived in PostGIS and restored on start.`,
	RunE: runRelay,
}

func init() {
	relayCmd.Flags().StringVar(&relayAddr, "addr", "", "Listen address (overrides relay.addr)")
}

func runRelay(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger(cmd.ErrOrStderr())
	addr := cfg.Relay.Addr
	if relayAddr != "" {
		addr = relayAddr
	}

	rc := relay.Config{
		Store:     backend.NewMemory(),
		Logger:    logger,
		RateLimit: cfg.Relay.RateLimit,
		RateBurst: cfg.Relay.RateBurst,
	}

	if cfg.Relay.PostGISDSN != "" {
		archive, err := postgis.Open(ctx, cfg.Relay.PostGISDSN)
		if err != nil {
			return err
		}
		defer archive.Close()
		if err := archive.InitSchema(ctx); err != nil {
			return err
		}
		rc.Archive = archive
		logger.Info("Archiving to PostGIS")
	}

	srv, err := relay.NewServer(rc)
	if err != nil {
		return err
	}
	if err := srv.Restore(ctx, backend.CollectionEvents, backend.CollectionPlayers); err != nil {
		return err
	}

	// The archiver outlives ctx so writes made during shutdown still land.
	archiveCtx, stopArchiver := context.WithCancel(context.Background())
	defer stopArchiver()
	archiverDone := make(chan struct{})
	go func() {
		defer close(archiverDone)
		srv.RunArchiver(archiveCtx)
	}()

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Relay listening", "addr", addr)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			stopArchiver()
			<-archiverDone
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Relay shutdown", "error", err)
	}
	stopArchiver()
	<-archiverDone
	logger.Info("Relay stopped")
	return nil
}
