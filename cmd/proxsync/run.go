package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kass/go-proximity-sync/pkg/client"
	"github.com/kass/go-proximity-sync/pkg/location"
	"github.com/kass/go-proximity-sync/pkg/models"
	"github.com/kass/go-proximity-sync/pkg/store"
)

var (
	seedPlayers int
	seedEvents  int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a headless sync session",
	Long:  `Subscribe to nearby events and players, publish the local position, and log every change until interrupted.`,
	RunE:  runSession,
}

func init() {
	for _, cmd := range []*cobra.Command{runCmd, watchCmd} {
		cmd.Flags().IntVar(&seedPlayers, "seed-players", 0, "Write this many random players around the start fix first")
		cmd.Flags().IntVar(&seedEvents, "seed-events", 0, "Write this many random events around the start fix first")
	}
}

// session holds everything a client run needs and releases it in Close.
type session struct {
	client  *client.Client
	closers []closer
}

func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func newProvider() location.Provider {
	origin := models.GeoPoint{Lat: cfg.Location.Latitude, Lon: cfg.Location.Longitude}
	if !cfg.Location.Simulated {
		return &location.Fixed{At: origin}
	}
	p := location.NewSimulated(origin)
	if cfg.Location.Interval > 0 {
		p.Interval = cfg.Location.Interval
	}
	return p
}

func openSession(ctx context.Context, logger *slog.Logger, obs client.Observers) (*session, error) {
	s := &session{}

	b, closeBackend, err := openBackend(ctx, logger)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, closeBackend)

	ids, err := openIdentity(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.closers = append(s.closers, ids.Close)

	provider := newProvider()
	if seedPlayers > 0 || seedEvents > 0 {
		origin := models.GeoPoint{Lat: cfg.Location.Latitude, Lon: cfg.Location.Longitude}
		if err := seedRecords(ctx, b, origin, seedPlayers, seedEvents, cfg.Sync.PlayersRadiusKm); err != nil {
			s.Close()
			return nil, err
		}
	}

	c, err := client.New(cfg, client.Deps{
		Backend:   b,
		Identity:  ids,
		Provider:  provider,
		Logger:    logger,
		Observers: obs,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	s.client = c
	return s, nil
}

func runSession(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger(cmd.ErrOrStderr())
	s, err := openSession(ctx, logger, client.Observers{
		Events: store.Handlers[models.Event]{
			OnAppeared: func(id string, e models.Event) {
				logger.Info("Event nearby", "id", id, "title", e.Title, "type", e.Type.String())
			},
			OnUpdated: func(id string, e models.Event) {
				logger.Info("Event updated", "id", id, "title", e.Title)
			},
			OnDisappeared: func(id string) {
				logger.Info("Event gone", "id", id)
			},
		},
		Players: store.Handlers[models.PlayerLocation]{
			OnAppeared: func(id string, p models.PlayerLocation) {
				logger.Info("Player nearby", "id", id, "name", p.UserName)
			},
			OnDisappeared: func(id string) {
				logger.Info("Player gone", "id", id)
			},
		},
		Published: func(p models.PlayerLocation) {
			logger.Debug("Location synced", "location", p.Location().String())
		},
	})
	if err != nil {
		return err
	}
	defer s.Close()

	return s.client.Run(ctx)
}
