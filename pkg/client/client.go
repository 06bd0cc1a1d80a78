// Package client wires the proximity sync components into one running
// session: the loop, the events and players controllers, the location
// tracker and the location publisher.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kass/go-proximity-sync/pkg/backend"
	"github.com/kass/go-proximity-sync/pkg/config"
	"github.com/kass/go-proximity-sync/pkg/identity"
	"github.com/kass/go-proximity-sync/pkg/location"
	"github.com/kass/go-proximity-sync/pkg/loop"
	"github.com/kass/go-proximity-sync/pkg/models"
	"github.com/kass/go-proximity-sync/pkg/publisher"
	"github.com/kass/go-proximity-sync/pkg/store"
	"github.com/kass/go-proximity-sync/pkg/syncer"
)

var (
	// ErrMisconfigured is returned by New when a collaborator is missing.
	ErrMisconfigured = errors.New("client misconfigured")
	// ErrAlreadyRun is returned by a second call to Run.
	ErrAlreadyRun = errors.New("client already run")
)

const teardownTimeout = 5 * time.Second

// Deps are the collaborators a client runs against.
type Deps struct {
	Backend  backend.Backend
	Identity identity.Store
	Provider location.Provider
	Logger   *slog.Logger
	Now      func() time.Time

	// Observers are attached before the controllers subscribe, so they
	// also see the records the backend replays on subscription.
	Observers Observers
}

// Observers receive the controllers' store notifications and every
// successful location publish. Nil fields are skipped.
type Observers struct {
	Events    store.Handlers[models.Event]
	Players   store.Handlers[models.PlayerLocation]
	Published func(models.PlayerLocation)
}

// Client is one proximity sync session.
type Client struct {
	cfg    config.Config
	deps   Deps
	logger *slog.Logger

	ready chan struct{}

	// Set before ready is closed.
	profile   models.Profile
	events    *syncer.Events
	players   *syncer.Players
	tracker   *location.Tracker
	publisher *publisher.Publisher

	ran     atomic.Bool
	startMu sync.Mutex
}

// New validates the collaborators. Nothing is started until Run.
func New(cfg config.Config, deps Deps) (*Client, error) {
	var missing []string
	if deps.Backend == nil {
		missing = append(missing, "backend")
	}
	if deps.Identity == nil {
		missing = append(missing, "identity store")
	}
	if deps.Provider == nil {
		missing = append(missing, "location provider")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %v", ErrMisconfigured, missing)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	return &Client{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With("component", "client"),
		ready:  make(chan struct{}),
	}, nil
}

// Ready is closed once Run has subscribed both controllers.
func (c *Client) Ready() <-chan struct{} {
	return c.ready
}

// Events returns the events controller. Valid after Ready.
func (c *Client) Events() *syncer.Events { return c.events }

// Players returns the nearby players controller. Valid after Ready.
func (c *Client) Players() *syncer.Players { return c.players }

// Publisher returns the location publisher. Valid after Ready.
func (c *Client) Publisher() *publisher.Publisher { return c.publisher }

// Tracker returns the location tracker. Valid after Ready.
func (c *Client) Tracker() *location.Tracker { return c.tracker }

// Profile returns the subject's profile. Valid after Ready.
func (c *Client) Profile() models.Profile { return c.profile }

// Run starts the session and blocks until ctx is cancelled. On return the
// subject has been marked offline and both controllers are unsubscribed.
func (c *Client) Run(ctx context.Context) error {
	if !c.ran.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}

	profile, err := c.deps.Identity.Load(ctx)
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}
	c.profile = *profile

	// The loop outlives ctx so teardown can still run on it.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	l := loop.New(0, c.deps.Logger)
	go l.Run(loopCtx)

	if err := c.build(l); err != nil {
		return err
	}

	if err := c.events.Subscribe(ctx); err != nil {
		return err
	}
	if err := c.players.Subscribe(ctx); err != nil {
		c.unsubscribe()
		return err
	}
	close(c.ready)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.tracker.OnFix(func(p models.GeoPoint) { c.handleFix(runCtx, p) })
	c.tracker.OnError(func(err error) { c.handleLocationLost(err) })

	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		if err := c.tracker.Run(runCtx); err != nil {
			c.logger.Warn("Location tracking stopped", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		c.publisher.Run(runCtx, time.Second)
	}()
	go func() {
		defer wg.Done()
		c.events.RunRefresh(runCtx, c.cfg.Sync.RefreshInterval)
	}()
	go func() {
		defer wg.Done()
		c.players.RunRefresh(runCtx, c.cfg.Sync.RefreshInterval)
	}()

	at, err := c.tracker.Acquire(runCtx, c.cfg.Location.AcquireTimeout)
	if err != nil {
		// Without a subject both controllers admit every valid record.
		c.logger.Warn("Syncing without location", "error", err)
		c.clearSubject()
	} else {
		c.startPublishing(runCtx, at)
	}

	<-runCtx.Done()
	cancel()
	wg.Wait()

	c.teardown()
	return nil
}

func (c *Client) build(l *loop.Loop) error {
	opts := syncer.Options{Logger: c.deps.Logger, Now: c.deps.Now}

	events, err := syncer.NewEvents(c.deps.Backend, l, syncer.EventsOptions{
		RadiusKm:    c.cfg.Sync.EventsRadiusKm,
		ShowExpired: c.cfg.Sync.ShowExpiredEvents,
	}, opts)
	if err != nil {
		return err
	}
	players, err := syncer.NewPlayers(c.deps.Backend, l, syncer.PlayersOptions{
		RadiusKm:       c.cfg.Sync.PlayersRadiusKm,
		StaleThreshold: c.cfg.Sync.StaleThreshold,
		SelfID:         c.profile.UserID,
	}, opts)
	if err != nil {
		return err
	}
	pub, err := publisher.New(c.deps.Backend, c.profile, publisher.Config{
		MinUpdateDistanceMeters: c.cfg.Publisher.MinUpdateDistanceMeters,
		MaxUpdateInterval:       c.cfg.Publisher.MaxUpdateInterval,
	}, publisher.Options{Logger: c.deps.Logger, Now: c.deps.Now})
	if err != nil {
		return err
	}

	obs := c.deps.Observers
	events.Observe(obs.Events)
	players.Observe(obs.Players)
	if obs.Published != nil {
		pub.Observe(obs.Published)
	}

	c.events = events
	c.players = players
	c.publisher = pub
	c.tracker = location.NewTracker(c.deps.Provider, c.deps.Logger)
	return nil
}

func (c *Client) handleFix(ctx context.Context, p models.GeoPoint) {
	if err := c.events.SetSubject(p); err != nil {
		c.logger.Debug("Events subject not updated", "error", err)
	}
	if err := c.players.SetSubject(p); err != nil {
		c.logger.Debug("Players subject not updated", "error", err)
	}

	if c.publisher.State() == publisher.Idle {
		c.startPublishing(ctx, p)
		return
	}
	if err := c.publisher.OnFix(ctx, p); err != nil {
		c.logger.Warn("Location publish failed", "error", err)
	}
}

// startPublishing starts the publisher once; a failed start is retried on
// the next fix.
func (c *Client) startPublishing(ctx context.Context, at models.GeoPoint) {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	if c.publisher.State() != publisher.Idle {
		return
	}
	if err := c.publisher.Start(ctx, at); err != nil {
		c.logger.Warn("Failed to start publishing", "error", err)
	}
}

func (c *Client) handleLocationLost(err error) {
	c.logger.Warn("Location lost", "error", err)
	c.clearSubject()
	c.publisher.Pause()
}

func (c *Client) clearSubject() {
	if err := c.events.ClearSubject(); err != nil {
		c.logger.Debug("Events subject not cleared", "error", err)
	}
	if err := c.players.ClearSubject(); err != nil {
		c.logger.Debug("Players subject not cleared", "error", err)
	}
}

func (c *Client) unsubscribe() {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	if err := c.events.Unsubscribe(ctx); err != nil {
		c.logger.Warn("Failed to unsubscribe events", "error", err)
	}
	if err := c.players.Unsubscribe(ctx); err != nil {
		c.logger.Warn("Failed to unsubscribe players", "error", err)
	}
}

func (c *Client) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	c.publisher.Close(ctx)
	c.unsubscribe()
	c.logger.Info("Session closed")
}
