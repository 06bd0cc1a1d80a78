package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kass/go-proximity-sync/pkg/backend"
	"github.com/kass/go-proximity-sync/pkg/config"
	"github.com/kass/go-proximity-sync/pkg/identity/boltdb"
	"github.com/kass/go-proximity-sync/pkg/kafkafeed"
	"github.com/kass/go-proximity-sync/pkg/relay"
)

type closer func() error

// openBackend connects to the configured backend kind.
func openBackend(ctx context.Context, logger *slog.Logger) (backend.Backend, closer, error) {
	switch cfg.Backend.Kind {
	case config.BackendRelay:
		c, err := relay.Dial(ctx, cfg.Backend.RelayURL, logger)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	case config.BackendKafka:
		f, err := kafkafeed.New(kafkafeed.Config{
			Brokers:     cfg.Backend.Brokers,
			TopicPrefix: cfg.Backend.TopicPrefix,
			GroupID:     cfg.Backend.GroupID,
			Logger:      logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil
	case config.BackendMemory:
		conn := backend.NewMemory().Connect()
		return conn, conn.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown backend kind %q", cfg.Backend.Kind)
}

func openIdentity(ctx context.Context) (*boltdb.Storage, error) {
	s, err := boltdb.New(ctx, cfg.Identity.Path)
	if err != nil {
		return nil, fmt.Errorf("open identity store: %w", err)
	}
	return s, nil
}
