// Package identity caches the subject's avatar profile between runs.
package identity

import (
	"context"
	"errors"

	"github.com/kass/go-proximity-sync/pkg/models"
)

// ErrNotFound is returned when no profile has been saved.
var ErrNotFound = errors.New("profile not found")

// Store persists a single Profile.
type Store interface {
	HasSaved(ctx context.Context) (bool, error)
	Save(ctx context.Context, p models.Profile) error
	Load(ctx context.Context) (*models.Profile, error)
	Clear(ctx context.Context) error
}
