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

// DefaultStaleThreshold is how long a player record stays visible without updates.
const DefaultStaleThreshold = 5 * time.Minute

// PlayersOptions tunes the players controller.
type PlayersOptions struct {
	RadiusKm       float64
	StaleThreshold time.Duration
	// SelfID is the subject's own user id; its record is never tracked.
	SelfID string
}

// Players is the controller for the "players" collection.
type Players struct {
	*Controller[models.PlayerLocation]
}

// DecodePlayer parses a player payload. A missing UserId is taken from the key.
func DecodePlayer(id string, raw []byte) (models.PlayerLocation, error) {
	var p models.PlayerLocation
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return p, fmt.Errorf("%w: empty player payload", ErrMalformedPayload)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("%w: player %s: %v", ErrMalformedPayload, id, err)
	}
	if p.UserID == "" {
		p.UserID = id
	}
	return p, nil
}

// NewPlayers creates the nearby players controller.
func NewPlayers(b backend.Backend, l *loop.Loop, po PlayersOptions, opts Options) (*Players, error) {
	stale := po.StaleThreshold
	if stale <= 0 {
		stale = DefaultStaleThreshold
	}

	kind := Kind[models.PlayerLocation]{
		Collection: backend.CollectionPlayers,
		Decode:     DecodePlayer,
		Valid: func(p models.PlayerLocation, now time.Time) bool {
			return p.IsOnline && !p.IsStale(now, stale)
		},
		Locate:   models.PlayerLocation.Location,
		RadiusKm: po.RadiusKm,
		SelfID:   po.SelfID,
	}

	c, err := New(kind, b, l, opts)
	if err != nil {
		return nil, err
	}
	return &Players{Controller: c}, nil
}
