package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process record store with live child notifications.
// Clients talk to it through a Conn.
type Memory struct {
	// deliver serializes mutation+notification so subscribers see
	// mutations in the order they were applied.
	deliver sync.Mutex

	mu     sync.Mutex
	data   map[string]map[string]json.RawMessage
	subs   map[string]map[int]Handlers
	nextID int
	hook   func(collection, id string, raw []byte)
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		data: make(map[string]map[string]json.RawMessage),
		subs: make(map[string]map[int]Handlers),
	}
}

// SetHook installs a callback invoked after every committed mutation;
// raw is nil for removals. It runs while notifications are serialized.
func (m *Memory) SetHook(hook func(collection, id string, raw []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = hook
}

// Load seeds records without notifying anyone.
func (m *Memory) Load(collection string, records map[string]json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	coll := m.collection(collection)
	for id, raw := range records {
		coll[id] = append(json.RawMessage(nil), raw...)
	}
}

// Connect opens a connection that owns its subscriptions and its
// on-disconnect registrations.
func (m *Memory) Connect() *Conn {
	return &Conn{mem: m}
}

func (m *Memory) collection(name string) map[string]json.RawMessage {
	coll, ok := m.data[name]
	if !ok {
		coll = make(map[string]json.RawMessage)
		m.data[name] = coll
	}
	return coll
}

func (m *Memory) subscribe(collection string, h Handlers) Subscription {
	m.deliver.Lock()
	defer m.deliver.Unlock()

	m.mu.Lock()
	subs, ok := m.subs[collection]
	if !ok {
		subs = make(map[int]Handlers)
		m.subs[collection] = subs
	}
	id := m.nextID
	m.nextID++
	subs[id] = h

	existing := make(map[string]json.RawMessage, len(m.data[collection]))
	for k, v := range m.data[collection] {
		existing[k] = v
	}
	m.mu.Unlock()

	if h.OnAdded != nil {
		for k, v := range existing {
			h.OnAdded(k, v)
		}
	}

	var once sync.Once
	return SubscriptionFunc(func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs[collection], id)
		})
	})
}

func (m *Memory) handlers(collection string) []Handlers {
	hs := make([]Handlers, 0, len(m.subs[collection]))
	for _, h := range m.subs[collection] {
		hs = append(hs, h)
	}
	return hs
}

// write stores raw at collection/id and notifies subscribers.
func (m *Memory) write(collection, id string, raw []byte) {
	m.deliver.Lock()
	defer m.deliver.Unlock()
	m.writeLocked(collection, id, raw)
}

// writeLocked requires m.deliver.
func (m *Memory) writeLocked(collection, id string, raw []byte) {
	m.mu.Lock()
	coll := m.collection(collection)
	old, existed := coll[id]
	if existed && bytes.Equal(old, raw) {
		m.mu.Unlock()
		return
	}
	coll[id] = append(json.RawMessage(nil), raw...)
	hs := m.handlers(collection)
	hook := m.hook
	m.mu.Unlock()

	if hook != nil {
		hook(collection, id, raw)
	}
	for _, h := range hs {
		if existed && h.OnChanged != nil {
			h.OnChanged(id, raw)
		} else if !existed && h.OnAdded != nil {
			h.OnAdded(id, raw)
		}
	}
}

func (m *Memory) update(collection, id string, fields map[string]any) error {
	m.deliver.Lock()
	defer m.deliver.Unlock()

	m.mu.Lock()
	current := m.data[collection][id]
	merged, err := MergeFields(current, fields)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.writeLocked(collection, id, merged)
	return nil
}

func (m *Memory) remove(collection, id string) {
	m.deliver.Lock()
	defer m.deliver.Unlock()

	m.mu.Lock()
	coll := m.collection(collection)
	if _, ok := coll[id]; !ok {
		m.mu.Unlock()
		return
	}
	delete(coll, id)
	hs := m.handlers(collection)
	hook := m.hook
	m.mu.Unlock()

	if hook != nil {
		hook(collection, id, nil)
	}
	for _, h := range hs {
		if h.OnRemoved != nil {
			h.OnRemoved(id)
		}
	}
}

func (m *Memory) get(collection string) map[string]json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]json.RawMessage, len(m.data[collection]))
	for k, v := range m.data[collection] {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

type disconnectOp struct {
	collection string
	id         string
	fields     map[string]any
}

// Conn is one client's view of a Memory store.
type Conn struct {
	mem *Memory

	mu           sync.Mutex
	subs         []Subscription
	onDisconnect []disconnectOp
	closed       bool
}

var _ Backend = (*Conn)(nil)

func (c *Conn) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

func (c *Conn) Subscribe(ctx context.Context, collection string, h Handlers) (Subscription, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if collection == "" {
		return nil, fmt.Errorf("%w: empty collection", ErrInvalidPath)
	}

	sub := c.mem.subscribe(collection, h)

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return sub, nil
}

func (c *Conn) Set(ctx context.Context, collection, id string, payload []byte) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := validPath(collection, id); err != nil {
		return err
	}
	if !json.Valid(payload) {
		return fmt.Errorf("set %s/%s: payload is not valid JSON", collection, id)
	}
	c.mem.write(collection, id, payload)
	return nil
}

func (c *Conn) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := validPath(collection, id); err != nil {
		return err
	}
	return c.mem.update(collection, id, fields)
}

func (c *Conn) Remove(ctx context.Context, collection, id string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := validPath(collection, id); err != nil {
		return err
	}
	c.mem.remove(collection, id)
	return nil
}

func (c *Conn) Push(ctx context.Context, collection string, payload []byte) (string, error) {
	key, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate push key: %w", err)
	}
	id := key.String()
	if err := c.Set(ctx, collection, id, payload); err != nil {
		return "", err
	}
	return id, nil
}

func (c *Conn) Get(ctx context.Context, collection string) (map[string]json.RawMessage, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.mem.get(collection), nil
}

func (c *Conn) OnDisconnect(ctx context.Context, collection, id string, fields map[string]any) error {
	if err := validPath(collection, id); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.onDisconnect = append(c.onDisconnect, disconnectOp{collection: collection, id: id, fields: fields})
	return nil
}

// Close cancels the connection's subscriptions and applies its
// on-disconnect registrations.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	ops := c.onDisconnect
	c.subs, c.onDisconnect = nil, nil
	c.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
	for _, op := range ops {
		if err := c.mem.update(op.collection, op.id, op.fields); err != nil {
			return fmt.Errorf("apply on-disconnect for %s/%s: %w", op.collection, op.id, err)
		}
	}
	return nil
}
