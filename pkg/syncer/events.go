package syncer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kass/go-proximity-sync/pkg/backend"
	"github.com/kass/go-proximity-sync/pkg/loop"
	"github.com/kass/go-proximity-sync/pkg/models"
)

// EventsOptions tunes the events controller.
type EventsOptions struct {
	RadiusKm    float64
	ShowExpired bool
}

// Events is the controller for the "events" collection.
type Events struct {
	*Controller[models.Event]
}

// DecodeEvent parses an event payload; the record key becomes its Id.
func DecodeEvent(id string, raw []byte) (models.Event, error) {
	var e models.Event
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return e, fmt.Errorf("%w: empty event payload", ErrMalformedPayload)
	}
	if err := json.Unmarshal(raw, &e); err != nil {
		return e, fmt.Errorf("%w: event %s: %v", ErrMalformedPayload, id, err)
	}
	if !e.Type.Valid() {
		return e, fmt.Errorf("%w: event %s has no type", ErrMalformedPayload, id)
	}
	e.ID = id
	return e, nil
}

// NewEvents creates the events controller.
func NewEvents(b backend.Backend, l *loop.Loop, eo EventsOptions, opts Options) (*Events, error) {
	kind := Kind[models.Event]{
		Collection: backend.CollectionEvents,
		Decode:     DecodeEvent,
		Valid: func(e models.Event, now time.Time) bool {
			if !e.IsActive {
				return false
			}
			return eo.ShowExpired || !e.IsExpired(now)
		},
		Locate:   models.Event.Location,
		RadiusKm: eo.RadiusKm,
	}

	c, err := New(kind, b, l, opts)
	if err != nil {
		return nil, err
	}
	return &Events{Controller: c}, nil
}

// ByType returns tracked events of the given type.
func (e *Events) ByType(t models.EventType) []models.Event {
	return e.Select(func(ev models.Event) bool { return ev.Type == t })
}

// Active returns tracked events running right now.
func (e *Events) Active() []models.Event {
	now := e.now()
	return e.Select(func(ev models.Event) bool { return ev.IsCurrentlyActive(now) })
}
