// Package store holds the derived, disposable view of live records that
// passed validity and proximity filtering. It never owns persistence.
//
// A Store has a single writer. Readers may call the accessors from any
// goroutine; notifications run on the writer's goroutine after the
// mutation is applied, one per call.
package store

import (
	"sort"
	"sync"

	"github.com/kass/go-proximity-sync/pkg/models"
	"github.com/kass/go-proximity-sync/pkg/rtree"
)

// Filter decides whether a record belongs in the store.
type Filter[V any] func(id string, v V) bool

// Locator extracts the position used for spatial reads.
type Locator[V any] func(v V) models.GeoPoint

// Store is a keyed in-memory set of records with appear/update/disappear
// notifications.
type Store[V any] struct {
	mu      sync.RWMutex
	entries map[string]V
	index   *rtree.GeoIndex
	filter  Filter[V]
	locate  Locator[V]
	obs     observers[V]
}

// New creates a store. A nil filter accepts everything; a nil locator
// disables the spatial reads.
func New[V any](filter Filter[V], locate Locator[V]) *Store[V] {
	if filter == nil {
		filter = func(string, V) bool { return true }
	}
	s := &Store[V]{
		entries: make(map[string]V),
		filter:  filter,
		locate:  locate,
	}
	if locate != nil {
		s.index = rtree.NewGeoIndexWithPartitions(1)
	}
	return s
}

// SetFilter replaces the filter used by Upsert and by Sweep(nil).
func (s *Store[V]) SetFilter(filter Filter[V]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter = filter
}

// Observe registers h and returns its cancel function.
func (s *Store[V]) Observe(h Handlers[V]) CancelFunc {
	return s.obs.add(h)
}

// Upsert inserts, replaces or evicts id depending on the filter verdict
// for v and on prior presence. It returns the notification it emitted.
func (s *Store[V]) Upsert(id string, v V) Change {
	s.mu.Lock()
	_, present := s.entries[id]
	pass := s.filter(id, v)

	var change Change
	switch {
	case pass:
		s.entries[id] = v
		if s.index != nil {
			s.index.Upsert(id, s.locate(v))
		}
		change = Updated
		if !present {
			change = Appeared
		}
	case present:
		s.deleteLocked(id)
		change = Disappeared
	default:
		change = Unchanged
	}
	s.mu.Unlock()

	s.obs.emit(change, id, v)
	return change
}

// Remove evicts id if present.
func (s *Store[V]) Remove(id string) Change {
	s.mu.Lock()
	v, present := s.entries[id]
	if present {
		s.deleteLocked(id)
	}
	s.mu.Unlock()

	if !present {
		return Unchanged
	}
	s.obs.emit(Disappeared, id, v)
	return Disappeared
}

// Sweep re-evaluates filter (the store filter when nil) over every entry
// and evicts the failing ones. It returns the evicted ids in sorted order.
func (s *Store[V]) Sweep(filter Filter[V]) []string {
	s.mu.Lock()
	if filter == nil {
		filter = s.filter
	}

	var evicted []string
	for id, v := range s.entries {
		if !filter(id, v) {
			evicted = append(evicted, id)
		}
	}
	sort.Strings(evicted)

	values := make([]V, len(evicted))
	for i, id := range evicted {
		values[i] = s.entries[id]
		s.deleteLocked(id)
	}
	s.mu.Unlock()

	for i, id := range evicted {
		s.obs.emit(Disappeared, id, values[i])
	}
	return evicted
}

// Clear drops every entry without notifying observers.
func (s *Store[V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]V)
	if s.index != nil {
		s.index.Clear()
	}
}

func (s *Store[V]) deleteLocked(id string) {
	delete(s.entries, id)
	if s.index != nil {
		s.index.Delete(id)
	}
}

// Get returns the record stored under id.
func (s *Store[V]) Get(id string) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[id]
	return v, ok
}

// Len returns the number of stored records.
func (s *Store[V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Snapshot returns a copy of the current contents.
func (s *Store[V]) Snapshot() map[string]V {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]V, len(s.entries))
	for id, v := range s.entries {
		out[id] = v
	}
	return out
}

// Select returns the records matching pred, ordered by id.
func (s *Store[V]) Select(pred func(V) bool) []V {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.entries))
	for id, v := range s.entries {
		if pred == nil || pred(v) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	out := make([]V, len(ids))
	for i, id := range ids {
		out[i] = s.entries[id]
	}
	return out
}

// Within returns the records within radiusKm of center.
func (s *Store[V]) Within(center models.GeoPoint, radiusKm float64) ([]V, error) {
	if s.index == nil {
		return nil, nil
	}
	hits, err := s.index.QueryRadius(center, radiusKm)
	if err != nil {
		return nil, err
	}
	return s.resolve(hits), nil
}

// Nearest returns up to n records closest to center, nearest first.
func (s *Store[V]) Nearest(center models.GeoPoint, n int) []V {
	if s.index == nil {
		return nil
	}
	return s.resolve(s.index.NearestNeighbors(center, n))
}

func (s *Store[V]) resolve(hits []rtree.Hit) []V {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]V, 0, len(hits))
	for _, h := range hits {
		if v, ok := s.entries[h.ID]; ok {
			out = append(out, v)
		}
	}
	return out
}
