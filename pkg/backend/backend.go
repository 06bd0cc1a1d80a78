// Package backend defines the keyed, push-style record store the client
// synchronizes against, plus an in-process implementation.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Collection names used by the client.
const (
	CollectionEvents  = "events"
	CollectionPlayers = "players"
)

var (
	// ErrNotInitialized is returned when the backend is not connected yet.
	ErrNotInitialized = errors.New("backend not initialized")
	// ErrClosed is returned after the connection was closed.
	ErrClosed = errors.New("backend connection closed")
	// ErrNotFound is returned by reads of a missing record.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidPath is returned for an empty collection or id.
	ErrInvalidPath = errors.New("invalid record path")
)

// TransientError reports a backend operation that failed and may succeed
// on a later attempt. Local state is left untouched when it happens.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Handlers receive child notifications for one collection. Payloads are
// the raw JSON of the record.
type Handlers struct {
	OnAdded   func(id string, raw []byte)
	OnChanged func(id string, raw []byte)
	OnRemoved func(id string)
}

// Subscription is the handle returned by Subscribe. Cancel stops delivery
// and is safe to call more than once.
type Subscription interface {
	Cancel()
}

// Backend is the keyed record store. All calls may block on I/O.
type Backend interface {
	// Subscribe delivers an add notification for every existing child, then
	// streams add/change/remove notifications until cancelled.
	Subscribe(ctx context.Context, collection string, h Handlers) (Subscription, error)
	// Set replaces the record at collection/id.
	Set(ctx context.Context, collection, id string, payload []byte) error
	// Update merges top-level fields into the record at collection/id.
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	// Remove deletes the record at collection/id.
	Remove(ctx context.Context, collection, id string) error
	// Push stores payload under a new backend-assigned id.
	Push(ctx context.Context, collection string, payload []byte) (string, error)
	// Get returns every record of a collection.
	Get(ctx context.Context, collection string) (map[string]json.RawMessage, error)
	// OnDisconnect registers fields to merge into collection/id when this
	// connection goes away.
	OnDisconnect(ctx context.Context, collection, id string, fields map[string]any) error
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func()

func (f SubscriptionFunc) Cancel() { f() }

func validPath(collection, id string) error {
	if collection == "" || id == "" {
		return fmt.Errorf("%w: %q/%q", ErrInvalidPath, collection, id)
	}
	return nil
}

// MergeFields applies fields on top of the JSON object in raw. A nil raw
// starts from an empty object.
func MergeFields(raw []byte, fields map[string]any) ([]byte, error) {
	obj := make(map[string]json.RawMessage)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("decode stored record: %w", err)
		}
	}
	for k, v := range fields {
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode field %s: %w", k, err)
		}
		obj[k] = encoded
	}
	return json.Marshal(obj)
}
