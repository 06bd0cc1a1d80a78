// Package syncer keeps a proximity-filtered live view of one backend
// collection. Backend notifications are decoded, filtered for validity and
// distance to the subject, and applied to a store.Store on a single loop.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kass/go-proximity-sync/pkg/backend"
	"github.com/kass/go-proximity-sync/pkg/geo"
	"github.com/kass/go-proximity-sync/pkg/loop"
	"github.com/kass/go-proximity-sync/pkg/models"
	"github.com/kass/go-proximity-sync/pkg/store"
)

var (
	// ErrMalformedPayload marks a notification that could not be decoded.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrMisconfigured is returned when a required collaborator is missing.
	ErrMisconfigured = errors.New("sync controller misconfigured")
)

// Kind describes one synchronized collection.
type Kind[V any] struct {
	Collection string
	Decode     func(id string, raw []byte) (V, error)
	Valid      func(v V, now time.Time) bool
	Locate     func(v V) models.GeoPoint
	RadiusKm   float64
	// SelfID is skipped on every notification. Empty disables the check.
	SelfID string
}

// Options carries the ambient collaborators of a controller.
type Options struct {
	Logger *slog.Logger
	Now    func() time.Time
}

// Controller synchronizes one collection.
type Controller[V any] struct {
	kind    Kind[V]
	backend backend.Backend
	loop    *loop.Loop
	store   *store.Store[V]
	logger  *slog.Logger
	now     func() time.Time

	// Owned by the loop goroutine.
	subject      models.GeoPoint
	subjectKnown bool
	seen         map[string]V

	mu         sync.Mutex
	subscribed bool
	sub        backend.Subscription
	generation atomic.Uint64

	malformed atomic.Int64
}

// New creates a controller in the Unsubscribed state.
func New[V any](kind Kind[V], b backend.Backend, l *loop.Loop, opts Options) (*Controller[V], error) {
	switch {
	case b == nil:
		return nil, fmt.Errorf("%w: %s: backend is nil", ErrMisconfigured, kind.Collection)
	case l == nil:
		return nil, fmt.Errorf("%w: %s: loop is nil", ErrMisconfigured, kind.Collection)
	case kind.Collection == "":
		return nil, fmt.Errorf("%w: collection is empty", ErrMisconfigured)
	case kind.Decode == nil || kind.Valid == nil || kind.Locate == nil:
		return nil, fmt.Errorf("%w: %s: decode, valid and locate are required", ErrMisconfigured, kind.Collection)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Controller[V]{
		kind:    kind,
		backend: b,
		loop:    l,
		logger:  opts.Logger.With("collection", kind.Collection),
		now:     opts.Now,
		seen:    make(map[string]V),
	}
	c.store = store.New(func(_ string, v V) bool { return c.keep(v) }, kind.Locate)
	return c, nil
}

// keep is the combined validity and proximity predicate.
func (c *Controller[V]) keep(v V) bool {
	if !c.kind.Valid(v, c.now()) {
		return false
	}
	return geo.InRange(c.subject, c.kind.Locate(v), c.kind.RadiusKm, c.subjectKnown)
}

// Subscribe registers with the backend. It is a no-op while subscribed.
func (c *Controller[V]) Subscribe(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.subscribed {
		return nil
	}

	gen := c.generation.Add(1)
	sub, err := c.backend.Subscribe(ctx, c.kind.Collection, backend.Handlers{
		OnAdded: func(id string, raw []byte) {
			c.post(gen, func() { c.handleAdded(id, raw) })
		},
		OnChanged: func(id string, raw []byte) {
			c.post(gen, func() { c.handleChanged(id, raw) })
		},
		OnRemoved: func(id string) {
			c.post(gen, func() { c.handleRemoved(id) })
		},
	})
	if err != nil {
		c.generation.Add(1)
		return fmt.Errorf("subscribe to %s: %w", c.kind.Collection, err)
	}

	c.sub = sub
	c.subscribed = true
	c.logger.Info("Subscribed")
	return nil
}

// Unsubscribe releases the backend subscription and clears the local view.
// Notifications still queued from the old subscription are ignored.
func (c *Controller[V]) Unsubscribe(ctx context.Context) error {
	c.mu.Lock()
	if !c.subscribed {
		c.mu.Unlock()
		return nil
	}
	c.sub.Cancel()
	c.sub = nil
	c.subscribed = false
	c.generation.Add(1)
	c.mu.Unlock()

	c.logger.Info("Unsubscribed")
	return c.loop.Do(ctx, func() {
		c.store.Clear()
		c.seen = make(map[string]V)
	})
}

// Subscribed reports the subscription state.
func (c *Controller[V]) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed
}

func (c *Controller[V]) post(gen uint64, task func()) {
	err := c.loop.Post(func() {
		if c.generation.Load() != gen {
			return
		}
		task()
	})
	if err != nil {
		c.logger.Debug("Dropping notification", "error", err)
	}
}

func (c *Controller[V]) decode(id string, raw []byte) (V, bool) {
	var zero V
	if id == "" {
		c.dropMalformed(id, fmt.Errorf("%w: empty id", ErrMalformedPayload))
		return zero, false
	}
	v, err := c.kind.Decode(id, raw)
	if err != nil {
		c.dropMalformed(id, err)
		return zero, false
	}
	return v, true
}

func (c *Controller[V]) dropMalformed(id string, err error) {
	c.malformed.Add(1)
	c.logger.Warn("Dropping malformed record", "id", id, "error", err)
}

func (c *Controller[V]) isSelf(id string) bool {
	return c.kind.SelfID != "" && id == c.kind.SelfID
}

func (c *Controller[V]) handleAdded(id string, raw []byte) {
	if c.isSelf(id) {
		return
	}
	v, ok := c.decode(id, raw)
	if !ok {
		return
	}
	c.seen[id] = v
	c.store.Upsert(id, v)
}

func (c *Controller[V]) handleChanged(id string, raw []byte) {
	if c.isSelf(id) {
		return
	}
	v, ok := c.decode(id, raw)
	if !ok {
		return
	}
	c.seen[id] = v
	if !c.kind.Valid(v, c.now()) {
		c.store.Remove(id)
		return
	}
	c.store.Upsert(id, v)
}

func (c *Controller[V]) handleRemoved(id string) {
	delete(c.seen, id)
	c.store.Remove(id)
}

// refresh evicts entries that no longer pass and admits last-seen records
// that now do. Runs on the loop.
func (c *Controller[V]) refresh() {
	c.store.Sweep(nil)

	ids := make([]string, 0, len(c.seen))
	for id := range c.seen {
		if _, tracked := c.store.Get(id); !tracked {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		if v := c.seen[id]; c.keep(v) {
			c.store.Upsert(id, v)
		}
	}
}

// Refresh re-checks every record against the current subject and clock
// and waits for it. Observers must not call it; see Observe.
func (c *Controller[V]) Refresh(ctx context.Context) error {
	return c.loop.Do(ctx, c.refresh)
}

// SetSubject moves the subject and re-checks every record. The (0,0)
// sentinel is treated as an unknown location.
func (c *Controller[V]) SetSubject(p models.GeoPoint) error {
	return c.loop.Post(func() {
		c.subject = p
		c.subjectKnown = !p.IsZero()
		c.refresh()
	})
}

// ClearSubject forgets the subject location; everything valid is in range again.
func (c *Controller[V]) ClearSubject() error {
	return c.loop.Post(func() {
		c.subjectKnown = false
		c.refresh()
	})
}

// RunRefresh re-checks records every interval until ctx is done. Records
// expire or go stale without any notification, so this keeps the view honest.
func (c *Controller[V]) RunRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.loop.Post(c.refresh); err != nil {
				return
			}
		}
	}
}

// Observe registers presentation handlers. Handlers run on the loop, so
// they may call SetSubject and ClearSubject, which only queue work, but
// not Refresh or Unsubscribe, which wait for the loop.
func (c *Controller[V]) Observe(h store.Handlers[V]) store.CancelFunc {
	return c.store.Observe(h)
}

// Get returns the tracked record with the given id.
func (c *Controller[V]) Get(id string) (V, bool) {
	return c.store.Get(id)
}

// All returns every tracked record ordered by id.
func (c *Controller[V]) All() []V {
	return c.store.Select(nil)
}

// Select returns the tracked records matching pred.
func (c *Controller[V]) Select(pred func(V) bool) []V {
	return c.store.Select(pred)
}

// Len returns the number of tracked records.
func (c *Controller[V]) Len() int {
	return c.store.Len()
}

// Nearest returns up to n tracked records closest to center.
func (c *Controller[V]) Nearest(center models.GeoPoint, n int) []V {
	return c.store.Nearest(center, n)
}

// Within returns tracked records within radiusKm of center.
func (c *Controller[V]) Within(center models.GeoPoint, radiusKm float64) ([]V, error) {
	return c.store.Within(center, radiusKm)
}

// Malformed returns how many notifications were dropped as undecodable.
func (c *Controller[V]) Malformed() int64 {
	return c.malformed.Load()
}
