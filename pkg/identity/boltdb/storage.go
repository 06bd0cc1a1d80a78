// Package boltdb is the bbolt-backed identity.Store.
package boltdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/kass/go-proximity-sync/pkg/identity"
	"github.com/kass/go-proximity-sync/pkg/models"
)

var (
	bucketProfile = []byte("profile")
	profileKey    = []byte("current")
)

var errNoBucket = errors.New("profile bucket not found")

// Storage keeps the profile in a single bbolt file.
type Storage struct {
	db *bbolt.DB
}

var _ identity.Store = (*Storage)(nil)

// New opens (or creates) the database at dbPath.
func New(ctx context.Context, dbPath string) (*Storage, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	s := &Storage{db: db}
	if err := s.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Storage) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketProfile); err != nil {
			return fmt.Errorf("failed to create profile bucket: %w", err)
		}
		return nil
	})
}

// HasSaved reports whether a profile with a user id is stored.
func (s *Storage) HasSaved(ctx context.Context) (bool, error) {
	_, err := s.Load(ctx)
	switch {
	case errors.Is(err, identity.ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

// Save replaces the stored profile.
func (s *Storage) Save(ctx context.Context, p models.Profile) error {
	if p.UserID == "" {
		return fmt.Errorf("profile has no user id")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketProfile)
		if bucket == nil {
			return errNoBucket
		}

		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal profile: %w", err)
		}
		if err := bucket.Put(profileKey, data); err != nil {
			return fmt.Errorf("failed to save profile: %w", err)
		}
		return nil
	})
}

// Load returns the stored profile or identity.ErrNotFound.
func (s *Storage) Load(ctx context.Context) (*models.Profile, error) {
	var p *models.Profile

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketProfile)
		if bucket == nil {
			return errNoBucket
		}

		data := bucket.Get(profileKey)
		if data == nil {
			return identity.ErrNotFound
		}

		p = &models.Profile{}
		if err := json.Unmarshal(data, p); err != nil {
			return fmt.Errorf("failed to unmarshal profile: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Clear removes the stored profile. Clearing an empty store is not an error.
func (s *Storage) Clear(ctx context.Context) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketProfile)
		if bucket == nil {
			return errNoBucket
		}
		if err := bucket.Delete(profileKey); err != nil {
			return fmt.Errorf("failed to delete profile: %w", err)
		}
		return nil
	})
}
