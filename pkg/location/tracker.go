package location

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/kass/go-proximity-sync/pkg/models"
)

// DefaultAcquireTimeout bounds the wait for the first fix.
const DefaultAcquireTimeout = 20 * time.Second

// sameFix is the coordinate tolerance below which two fixes are equal.
const sameFix = 0.000001

// CancelFunc unregisters a listener.
type CancelFunc func()

// Tracker pumps a Provider and fans fixes out to listeners.
type Tracker struct {
	provider Provider
	logger   *slog.Logger

	mu        sync.RWMutex
	current   models.GeoPoint
	known     bool
	err       error
	nextID    int
	fixFns    map[int]func(models.GeoPoint)
	errFns    map[int]func(error)
	firstFix  chan struct{}
	failed    chan struct{}
	firstOnce sync.Once
	failOnce  sync.Once
}

// NewTracker creates a tracker over p.
func NewTracker(p Provider, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		provider: p,
		logger:   logger.With("component", "location"),
		fixFns:   make(map[int]func(models.GeoPoint)),
		errFns:   make(map[int]func(error)),
		firstFix: make(chan struct{}),
		failed:   make(chan struct{}),
	}
}

// OnFix registers fn for every new fix. Listeners run on the tracker goroutine.
func (t *Tracker) OnFix(fn func(models.GeoPoint)) CancelFunc {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.fixFns[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.fixFns, id)
	}
}

// OnError registers fn for the provider failure.
func (t *Tracker) OnError(fn func(error)) CancelFunc {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.errFns[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.errFns, id)
	}
}

// Current returns the latest fix and whether one is known.
func (t *Tracker) Current() (models.GeoPoint, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current, t.known
}

// Known reports whether the provider is running and has produced a fix.
func (t *Tracker) Known() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.known
}

// Run starts the provider and dispatches until ctx is done or the provider stops.
func (t *Tracker) Run(ctx context.Context) error {
	fixes, errs := t.provider.Start(ctx)
	defer t.stopped()

	for fixes != nil || errs != nil {
		select {
		case <-ctx.Done():
			return nil
		case p, ok := <-fixes:
			if !ok {
				fixes = nil
				continue
			}
			t.handleFix(p)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			t.handleError(err)
			return err
		}
	}
	return nil
}

func (t *Tracker) stopped() {
	t.mu.Lock()
	t.known = false
	t.mu.Unlock()
}

func (t *Tracker) handleFix(p models.GeoPoint) {
	t.mu.Lock()
	if t.known && math.Abs(p.Lat-t.current.Lat) < sameFix && math.Abs(p.Lon-t.current.Lon) < sameFix {
		t.mu.Unlock()
		return
	}
	t.current = p
	t.known = true
	fns := make([]func(models.GeoPoint), 0, len(t.fixFns))
	for _, fn := range t.fixFns {
		fns = append(fns, fn)
	}
	t.mu.Unlock()

	t.firstOnce.Do(func() { close(t.firstFix) })
	t.logger.Debug("Location updated", "location", p.String())

	for _, fn := range fns {
		fn(p)
	}
}

func (t *Tracker) handleError(err error) {
	t.failOnce.Do(func() {
		t.mu.Lock()
		t.known = false
		t.err = err
		fns := make([]func(error), 0, len(t.errFns))
		for _, fn := range t.errFns {
			fns = append(fns, fn)
		}
		t.mu.Unlock()

		close(t.failed)
		t.logger.Warn("Location provider failed", "error", err)
		for _, fn := range fns {
			fn(err)
		}
	})
}

// Acquire waits up to timeout for the first fix. Run must be active.
func (t *Tracker) Acquire(ctx context.Context, timeout time.Duration) (models.GeoPoint, error) {
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}
	select {
	case <-t.firstFix:
		p, _ := t.Current()
		return p, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-t.firstFix:
		p, _ := t.Current()
		return p, nil
	case <-t.failed:
		t.mu.RLock()
		err := t.err
		t.mu.RUnlock()
		return models.GeoPoint{}, fmt.Errorf("%w: %v", ErrLocationUnavailable, err)
	case <-timer.C:
		return models.GeoPoint{}, fmt.Errorf("%w: initialization timed out after %s", ErrLocationUnavailable, timeout)
	case <-ctx.Done():
		return models.GeoPoint{}, fmt.Errorf("%w: %v", ErrLocationUnavailable, ctx.Err())
	}
}
