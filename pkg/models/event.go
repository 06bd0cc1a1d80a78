package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the closed set of map event categories.
type EventType int

const (
	EventQuest EventType = iota + 1
	EventBattle
	EventSocial
	EventTreasure
	EventBoss
	EventSpecial
)

// EventTypes lists every valid event type in display order.
var EventTypes = []EventType{EventQuest, EventBattle, EventSocial, EventTreasure, EventBoss, EventSpecial}

// DefaultEventRadius is the activation radius in meters given to new events.
const DefaultEventRadius = 50

func (t EventType) String() string {
	switch t {
	case EventQuest:
		return "quest"
	case EventBattle:
		return "battle"
	case EventSocial:
		return "social"
	case EventTreasure:
		return "treasure"
	case EventBoss:
		return "boss"
	case EventSpecial:
		return "special"
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// ParseEventType converts the wire name of an event type.
func ParseEventType(s string) (EventType, error) {
	for _, t := range EventTypes {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown event type %q", s)
}

// Valid reports whether t is one of EventTypes.
func (t EventType) Valid() bool {
	return t >= EventQuest && t <= EventSpecial
}

func (t EventType) MarshalJSON() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("cannot marshal %s", t)
	}
	return json.Marshal(t.String())
}

func (t *EventType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("event type: %w", err)
	}
	parsed, err := ParseEventType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Event is a map event as stored under the "events" collection.
// Field names follow the backend payload exactly.
type Event struct {
	ID           string    `json:"Id"`
	Title        string    `json:"Title"`
	Description  string    `json:"Description"`
	Type         EventType `json:"Type"`
	Latitude     float64   `json:"Latitude"`
	Longitude    float64   `json:"Longitude"`
	StartTime    int64     `json:"StartTime"`
	EndTime      int64     `json:"EndTime"`
	CreatedAt    int64     `json:"CreatedAt"`
	UpdatedAt    int64     `json:"UpdatedAt"`
	IsActive     bool      `json:"IsActive"`
	ImageURL     string    `json:"ImageUrl"`
	ExternalLink string    `json:"ExternalLink"`
	Radius       int       `json:"Radius"`
	CreatorID    string    `json:"CreatorId"`
}

// NewEvent builds an active event stamped with now.
func NewEvent(title, description string, typ EventType, at GeoPoint, start, end, now time.Time) Event {
	ms := now.UnixMilli()
	return Event{
		Title:       title,
		Description: description,
		Type:        typ,
		Latitude:    at.Lat,
		Longitude:   at.Lon,
		StartTime:   start.UnixMilli(),
		EndTime:     end.UnixMilli(),
		CreatedAt:   ms,
		UpdatedAt:   ms,
		IsActive:    true,
		Radius:      DefaultEventRadius,
	}
}

// Location returns the event position.
func (e Event) Location() GeoPoint {
	return GeoPoint{Lat: e.Latitude, Lon: e.Longitude}
}

// IsExpired reports whether now is past EndTime.
func (e Event) IsExpired(now time.Time) bool {
	return now.UnixMilli() > e.EndTime
}

// IsUpcoming reports whether the event has not started yet.
func (e Event) IsUpcoming(now time.Time) bool {
	return now.UnixMilli() < e.StartTime
}

// IsCurrentlyActive reports whether the event is flagged active and now is within [StartTime, EndTime].
func (e Event) IsCurrentlyActive(now time.Time) bool {
	if !e.IsActive {
		return false
	}
	ms := now.UnixMilli()
	return ms >= e.StartTime && ms <= e.EndTime
}

// MarkUpdated bumps UpdatedAt, never moving it backwards.
func (e *Event) MarkUpdated(now time.Time) {
	if ms := now.UnixMilli(); ms > e.UpdatedAt {
		e.UpdatedAt = ms
	}
}
