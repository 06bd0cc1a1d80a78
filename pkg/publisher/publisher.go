// Package publisher pushes the subject's own location to the backend,
// throttled by distance and kept alive by a heartbeat.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kass/go-proximity-sync/pkg/backend"
	"github.com/kass/go-proximity-sync/pkg/geo"
	"github.com/kass/go-proximity-sync/pkg/models"
)

const (
	DefaultMinUpdateDistanceMeters = 2.0
	DefaultMaxUpdateInterval       = 10 * time.Second
)

var (
	// ErrMisconfigured is returned by New when a collaborator is missing.
	ErrMisconfigured = errors.New("publisher misconfigured")
	// ErrNotStarted is returned by operations that need a successful Start.
	ErrNotStarted = errors.New("publisher not started")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("publisher closed")
)

// State is the publisher lifecycle state.
type State int

const (
	Idle State = iota
	Publishing
	Paused
	Closed
)

func (s State) String() string {
	switch s {
	case Publishing:
		return "publishing"
	case Paused:
		return "paused"
	case Closed:
		return "closed"
	default:
		return "idle"
	}
}

// Config holds the throttling knobs.
type Config struct {
	MinUpdateDistanceMeters float64
	MaxUpdateInterval       time.Duration
}

// Options carries the ambient collaborators.
type Options struct {
	Logger *slog.Logger
	Now    func() time.Time
}

// CancelFunc unregisters an observer.
type CancelFunc func()

// Publisher owns the subject's record in the players collection.
type Publisher struct {
	backend backend.Backend
	profile models.Profile
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	// send serializes backend writes.
	send sync.Mutex

	mu          sync.Mutex
	state       State
	started     bool
	generation  uint64
	record      models.PlayerLocation
	current     models.GeoPoint
	lastPoint   models.GeoPoint
	lastPublish time.Time
	nextObs     int
	observers   map[int]func(models.PlayerLocation)
}

// New creates an idle publisher for profile.
func New(b backend.Backend, profile models.Profile, cfg Config, opts Options) (*Publisher, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: backend is nil", ErrMisconfigured)
	}
	if profile.UserID == "" {
		return nil, fmt.Errorf("%w: profile has no user id", ErrMisconfigured)
	}
	if cfg.MinUpdateDistanceMeters <= 0 {
		cfg.MinUpdateDistanceMeters = DefaultMinUpdateDistanceMeters
	}
	if cfg.MaxUpdateInterval <= 0 {
		cfg.MaxUpdateInterval = DefaultMaxUpdateInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Publisher{
		backend:   b,
		profile:   profile,
		cfg:       cfg,
		logger:    opts.Logger.With("component", "publisher", "user_id", profile.UserID),
		now:       opts.Now,
		observers: make(map[int]func(models.PlayerLocation)),
	}, nil
}

// State returns the current lifecycle state.
func (p *Publisher) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start writes the full record at the given location and begins publishing.
func (p *Publisher) Start(ctx context.Context, at models.GeoPoint) error {
	p.send.Lock()
	defer p.send.Unlock()

	p.mu.Lock()
	if p.state == Closed {
		p.mu.Unlock()
		return ErrClosed
	}
	gen := p.generation
	p.current = at
	p.mu.Unlock()

	now := p.now()
	rec := models.NewPlayerLocation(p.profile, at, now)
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode player location: %w", err)
	}
	if err := p.backend.Set(ctx, backend.CollectionPlayers, p.profile.UserID, raw); err != nil {
		p.logger.Error("Failed to initialize player location", "error", err)
		return fmt.Errorf("initial set: %w", err)
	}

	p.mu.Lock()
	if gen != p.generation {
		p.mu.Unlock()
		return ErrClosed
	}
	p.record = rec
	p.started = true
	p.state = Publishing
	p.lastPoint = at
	p.lastPublish = now
	fns := p.observerFuncs()
	p.mu.Unlock()

	for _, fn := range fns {
		fn(rec)
	}

	presence := map[string]any{"IsOnline": false}
	if err := p.backend.OnDisconnect(ctx, backend.CollectionPlayers, p.profile.UserID, presence); err != nil {
		p.logger.Warn("Failed to install presence", "error", err)
	}

	p.logger.Info("Publishing location", "location", at.String())
	return nil
}

// OnFix publishes at when it is far enough from the last published point.
func (p *Publisher) OnFix(ctx context.Context, at models.GeoPoint) error {
	p.mu.Lock()
	p.current = at
	if p.state != Publishing {
		p.mu.Unlock()
		return nil
	}
	moved := geo.DistanceMeters(p.lastPoint, at)
	p.mu.Unlock()

	if moved < p.cfg.MinUpdateDistanceMeters {
		return nil
	}
	return p.publish(ctx, at, false)
}

// Tick publishes the current location when the heartbeat interval elapsed.
func (p *Publisher) Tick(ctx context.Context, now time.Time) error {
	p.mu.Lock()
	if p.state != Publishing || now.Sub(p.lastPublish) < p.cfg.MaxUpdateInterval {
		p.mu.Unlock()
		return nil
	}
	at := p.current
	p.mu.Unlock()

	return p.publish(ctx, at, true)
}

// Run drives Tick every interval until ctx is done.
func (p *Publisher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Tick(ctx, p.now()); err != nil {
				p.logger.Warn("Heartbeat failed", "error", err)
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, at models.GeoPoint, force bool) error {
	p.send.Lock()
	defer p.send.Unlock()

	p.mu.Lock()
	if p.state != Publishing {
		p.mu.Unlock()
		return nil
	}
	// Re-check under the send lock; another publish may have landed.
	if !force && geo.DistanceMeters(p.lastPoint, at) < p.cfg.MinUpdateDistanceMeters {
		p.mu.Unlock()
		return nil
	}
	gen := p.generation
	p.mu.Unlock()

	now := p.now()
	fields := map[string]any{
		"Latitude":  at.Lat,
		"Longitude": at.Lon,
		"UpdatedAt": now.UnixMilli(),
		"IsOnline":  true,
	}
	if err := p.backend.Update(ctx, backend.CollectionPlayers, p.profile.UserID, fields); err != nil {
		p.logger.Error("Failed to update player location", "error", err)
		return fmt.Errorf("update location: %w", err)
	}

	p.mu.Lock()
	if gen != p.generation {
		p.mu.Unlock()
		return nil
	}
	p.record.UpdateLocation(at, now)
	p.record.IsOnline = true
	p.lastPoint = at
	p.lastPublish = now
	rec := p.record
	fns := p.observerFuncs()
	p.mu.Unlock()

	for _, fn := range fns {
		fn(rec)
	}
	return nil
}

// observerFuncs requires p.mu.
func (p *Publisher) observerFuncs() []func(models.PlayerLocation) {
	fns := make([]func(models.PlayerLocation), 0, len(p.observers))
	for _, fn := range p.observers {
		fns = append(fns, fn)
	}
	return fns
}

// Pause stops publishing until Resume.
func (p *Publisher) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Publishing {
		p.state = Paused
	}
}

// Resume restarts publishing after a successful Start. It does not publish
// by itself; the next fix or heartbeat does.
func (p *Publisher) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.state == Closed:
		return ErrClosed
	case !p.started:
		return ErrNotStarted
	}
	p.state = Publishing
	return nil
}

// Close marks the subject offline. Failures are logged, and completions of
// writes still in flight are ignored.
func (p *Publisher) Close(ctx context.Context) {
	p.mu.Lock()
	if p.state == Closed {
		p.mu.Unlock()
		return
	}
	started := p.started
	p.state = Closed
	p.generation++
	p.mu.Unlock()

	if !started {
		return
	}

	p.send.Lock()
	defer p.send.Unlock()

	fields := map[string]any{
		"IsOnline":  false,
		"UpdatedAt": p.now().UnixMilli(),
	}
	if err := p.backend.Update(ctx, backend.CollectionPlayers, p.profile.UserID, fields); err != nil {
		p.logger.Warn("Failed to mark player offline", "error", err)
		return
	}
	p.logger.Info("Player marked offline")
}

// Observe registers fn for every successful location publish.
func (p *Publisher) Observe(fn func(models.PlayerLocation)) CancelFunc {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextObs
	p.nextObs++
	p.observers[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			delete(p.observers, id)
		})
	}
}

// Last returns the last successfully published record.
func (p *Publisher) Last() (models.PlayerLocation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.record, p.started
}
