// Package catalog creates, edits and lists map events in the backend.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/kass/go-proximity-sync/pkg/backend"
	"github.com/kass/go-proximity-sync/pkg/models"
)

// ErrInvalidEvent is returned for events that fail validation.
var ErrInvalidEvent = errors.New("invalid event")

// Catalog is the authoring side of the events collection.
type Catalog struct {
	backend backend.Backend
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a catalog. A nil now uses time.Now.
func New(b backend.Backend, logger *slog.Logger, now func() time.Time) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Catalog{backend: b, logger: logger.With("component", "catalog"), now: now}
}

func validate(e models.Event) error {
	switch {
	case e.Title == "":
		return fmt.Errorf("%w: title is required", ErrInvalidEvent)
	case e.Type < models.EventQuest || e.Type > models.EventSpecial:
		return fmt.Errorf("%w: unknown type %d", ErrInvalidEvent, e.Type)
	case e.EndTime < e.StartTime:
		return fmt.Errorf("%w: ends before it starts", ErrInvalidEvent)
	case e.Location().IsZero():
		return fmt.Errorf("%w: location is not set", ErrInvalidEvent)
	}
	return nil
}

// Create stores e under a new backend id and returns the id.
func (c *Catalog) Create(ctx context.Context, e models.Event) (string, error) {
	now := c.now().UnixMilli()
	e.ID = ""
	e.CreatedAt = now
	e.UpdatedAt = now
	if e.Radius <= 0 {
		e.Radius = models.DefaultEventRadius
	}
	if err := validate(e); err != nil {
		return "", err
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode event: %w", err)
	}
	id, err := c.backend.Push(ctx, backend.CollectionEvents, raw)
	if err != nil {
		c.logger.Error("Failed to create event", "error", err)
		return "", fmt.Errorf("create event: %w", err)
	}
	c.logger.Info("Event created", "id", id, "title", e.Title)
	return id, nil
}

// Update replaces the stored event with e, bumping UpdatedAt.
func (c *Catalog) Update(ctx context.Context, e models.Event) error {
	if e.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidEvent)
	}
	if err := validate(e); err != nil {
		return err
	}
	e.MarkUpdated(c.now())

	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := c.backend.Set(ctx, backend.CollectionEvents, e.ID, raw); err != nil {
		c.logger.Error("Failed to update event", "id", e.ID, "error", err)
		return fmt.Errorf("update event %s: %w", e.ID, err)
	}
	return nil
}

// Delete removes the event with the given id.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	if err := c.backend.Remove(ctx, backend.CollectionEvents, id); err != nil {
		c.logger.Error("Failed to delete event", "id", id, "error", err)
		return fmt.Errorf("delete event %s: %w", id, err)
	}
	return nil
}

// List returns every decodable event ordered by start time. Undecodable
// records are skipped and logged.
func (c *Catalog) List(ctx context.Context) ([]models.Event, error) {
	all, err := c.backend.Get(ctx, backend.CollectionEvents)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	events := make([]models.Event, 0, len(all))
	for id, raw := range all {
		var e models.Event
		if err := json.Unmarshal(raw, &e); err != nil {
			c.logger.Warn("Skipping malformed event", "id", id, "error", err)
			continue
		}
		if !e.Type.Valid() {
			c.logger.Warn("Skipping event without a type", "id", id)
			continue
		}
		e.ID = id
		events = append(events, e)
	}

	sort.Slice(events, func(i, j int) bool {
		if events[i].StartTime != events[j].StartTime {
			return events[i].StartTime < events[j].StartTime
		}
		return events[i].ID < events[j].ID
	})
	return events, nil
}
