package store

import "sync"

// Change is the kind of notification a mutation produced.
type Change int

const (
	// Unchanged means the call was a no-op.
	Unchanged Change = iota
	Appeared
	Updated
	Disappeared
)

func (c Change) String() string {
	switch c {
	case Appeared:
		return "appeared"
	case Updated:
		return "updated"
	case Disappeared:
		return "disappeared"
	default:
		return "unchanged"
	}
}

// Handlers receives store notifications. Nil fields are skipped.
type Handlers[V any] struct {
	OnAppeared    func(id string, v V)
	OnUpdated     func(id string, v V)
	OnDisappeared func(id string)
}

// CancelFunc unregisters an observer. Calling it more than once is safe.
type CancelFunc func()

type observers[V any] struct {
	mu     sync.Mutex
	nextID int
	byID   map[int]Handlers[V]
	order  []int
}

func (o *observers[V]) add(h Handlers[V]) CancelFunc {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.byID == nil {
		o.byID = make(map[int]Handlers[V])
	}
	id := o.nextID
	o.nextID++
	o.byID[id] = h
	o.order = append(o.order, id)

	var once sync.Once
	return func() {
		once.Do(func() { o.remove(id) })
	}
}

func (o *observers[V]) remove(id int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	delete(o.byID, id)
	for i, v := range o.order {
		if v == id {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
}

// snapshot returns the handlers in registration order
func (o *observers[V]) snapshot() []Handlers[V] {
	o.mu.Lock()
	defer o.mu.Unlock()

	hs := make([]Handlers[V], 0, len(o.order))
	for _, id := range o.order {
		hs = append(hs, o.byID[id])
	}
	return hs
}

func (o *observers[V]) emit(change Change, id string, v V) {
	for _, h := range o.snapshot() {
		switch change {
		case Appeared:
			if h.OnAppeared != nil {
				h.OnAppeared(id, v)
			}
		case Updated:
			if h.OnUpdated != nil {
				h.OnUpdated(id, v)
			}
		case Disappeared:
			if h.OnDisappeared != nil {
				h.OnDisappeared(id)
			}
		}
	}
}
