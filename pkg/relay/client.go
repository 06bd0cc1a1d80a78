package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kass/go-proximity-sync/pkg/backend"
)

const (
	// reconnectBaseDelay doubles per failed attempt up to reconnectMaxDelay
	reconnectBaseDelay = 500 * time.Millisecond
	reconnectMaxDelay  = 30 * time.Second
)

var (
	// ErrRemote wraps errors reported by the relay for a request.
	ErrRemote = errors.New("relay rejected request")

	errDisconnected = errors.New("relay connection lost")
)

// opLost is delivered to pending requests when their connection drops.
const opLost Op = "lost"

type dialFunc func(ctx context.Context) (*websocket.Conn, error)

type clientSub struct {
	collection string
	h          backend.Handlers
	// known is the set of ids delivered and not removed.
	known map[string]struct{}
	// resync collects replayed ids while the subscription is restored.
	resync map[string]struct{}
}

type presenceKey struct {
	collection string
	id         string
}

// Client is a backend.Backend talking to a relay Server. A lost connection
// is redialled with backoff; subscriptions and on-disconnect registrations
// are restored on the new connection. Requests made while disconnected fail
// with a backend.TransientError.
type Client struct {
	dial   dialFunc
	logger *slog.Logger

	writeMu sync.Mutex
	seq     atomic.Uint64

	mu       sync.Mutex
	ws       *websocket.Conn // nil while reconnecting
	closed   bool
	pending  map[uint64]chan Frame
	subs     map[uint64]*clientSub
	resyncs  map[uint64]uint64 // request seq -> subscription being restored
	presence map[presenceKey]map[string]any

	done      chan struct{}
	closeOnce sync.Once
}

var _ backend.Backend = (*Client)(nil)

// Dial connects to a relay WebSocket endpoint such as ws://host:8080/ws.
func Dial(ctx context.Context, url string, logger *slog.Logger) (*Client, error) {
	return dialWith(ctx, func(ctx context.Context) (*websocket.Conn, error) {
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		return ws, err
	}, logger)
}

func dialWith(ctx context.Context, dial dialFunc, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ws, err := dial(ctx)
	if err != nil {
		return nil, &backend.TransientError{Op: "dial", Err: err}
	}

	c := &Client{
		dial:     dial,
		logger:   logger.With("component", "relay-client"),
		ws:       ws,
		pending:  make(map[uint64]chan Frame),
		subs:     make(map[uint64]*clientSub),
		resyncs:  make(map[uint64]uint64),
		presence: make(map[presenceKey]map[string]any),
		done:     make(chan struct{}),
	}
	go c.run(ws)
	return c, nil
}

// Close drops the connection for good. The relay applies on-disconnect updates.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		ws := c.ws
		c.ws = nil
		c.mu.Unlock()

		close(c.done)
		if ws != nil {
			c.writeMu.Lock()
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			c.writeMu.Unlock()
			_ = ws.Close()
		}
	})
	return nil
}

// Done is closed once Close has been called.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Connected reports whether a relay connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// run reads from ws and redials whenever it drops, until Close.
func (c *Client) run(ws *websocket.Conn) {
	for {
		err := c.readLoop(ws)
		if !c.connectionLost(ws) {
			return
		}
		c.logger.Warn("Relay connection lost", "error", err)

		if ws = c.redial(); ws == nil {
			return
		}
		go c.restore()
	}
}

// connectionLost detaches ws and fails its pending requests. It reports
// false once the client is closed.
func (c *Client) connectionLost(ws *websocket.Conn) bool {
	_ = ws.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.ws = nil
	for seq, ch := range c.pending {
		ch <- Frame{Op: opLost, Seq: seq}
		delete(c.pending, seq)
	}
	clear(c.resyncs)
	for _, s := range c.subs {
		s.resync = nil
	}
	return true
}

func (c *Client) redial() *websocket.Conn {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	delay := reconnectBaseDelay
	for attempt := 1; ; attempt++ {
		ws, err := c.dial(ctx)
		if err == nil {
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				_ = ws.Close()
				return nil
			}
			c.ws = ws
			c.mu.Unlock()
			c.logger.Info("Relay reconnected", "attempt", attempt)
			return ws
		}

		c.logger.Debug("Reconnect failed", "attempt", attempt, "retry_in", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, reconnectMaxDelay)
	}
}

// restore reinstalls the on-disconnect registrations and resubscribes
// every live subscription on a fresh connection.
func (c *Client) restore() {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	c.mu.Lock()
	ids := make([]uint64, 0, len(c.subs))
	for id, s := range c.subs {
		s.resync = make(map[string]struct{})
		ids = append(ids, id)
	}
	presence := make(map[presenceKey]map[string]any, len(c.presence))
	for k, v := range c.presence {
		presence[k] = v
	}
	c.mu.Unlock()

	for k, fields := range presence {
		if _, err := c.request(ctx, Frame{Op: OpOnDisconnect, Collection: k.collection, ID: k.id, Fields: fields}); err != nil {
			c.logger.Warn("Failed to restore on-disconnect", "collection", k.collection, "id", k.id, "error", err)
			return
		}
	}

	for _, id := range ids {
		c.mu.Lock()
		s, ok := c.subs[id]
		c.mu.Unlock()
		if !ok {
			continue
		}
		seq := c.seq.Add(1)
		c.mu.Lock()
		c.resyncs[seq] = id
		c.mu.Unlock()
		if _, err := c.request(ctx, Frame{Op: OpSubscribe, Seq: seq, Sub: id, Collection: s.collection}); err != nil {
			c.logger.Warn("Failed to restore subscription", "collection", s.collection, "error", err)
			return
		}
	}

	c.logger.Info("Relay state restored", "subscriptions", len(ids), "presence", len(presence))
}

func (c *Client) readLoop(ws *websocket.Conn) error {
	for {
		var f Frame
		if err := ws.ReadJSON(&f); err != nil {
			return err
		}

		switch f.Op {
		case OpAck, OpError:
			if f.Op == OpAck {
				c.finishResync(f.Seq)
			}
			c.mu.Lock()
			ch, ok := c.pending[f.Seq]
			delete(c.pending, f.Seq)
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		case OpAdded, OpChanged, OpRemoved:
			c.dispatch(f)
		default:
			c.logger.Warn("Ignoring unexpected frame", "op", f.Op)
		}
	}
}

// finishResync reports removals for ids that were known before the
// connection dropped but were not replayed on resubscription. The relay
// sends the replay before the ack, so every replayed id is in s.resync.
func (c *Client) finishResync(seq uint64) {
	c.mu.Lock()
	id, ok := c.resyncs[seq]
	delete(c.resyncs, seq)
	s, live := c.subs[id]
	if !ok || !live || s.resync == nil {
		c.mu.Unlock()
		return
	}
	var gone []string
	for known := range s.known {
		if _, replayed := s.resync[known]; !replayed {
			gone = append(gone, known)
			delete(s.known, known)
		}
	}
	s.resync = nil
	h := s.h
	c.mu.Unlock()

	if h.OnRemoved != nil {
		for _, id := range gone {
			h.OnRemoved(id)
		}
	}
}

func (c *Client) dispatch(f Frame) {
	c.mu.Lock()
	s, ok := c.subs[f.Sub]
	if ok {
		if f.Op == OpRemoved {
			delete(s.known, f.ID)
		} else {
			s.known[f.ID] = struct{}{}
			if s.resync != nil {
				s.resync[f.ID] = struct{}{}
			}
		}
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	h := s.h
	switch f.Op {
	case OpAdded:
		if h.OnAdded != nil {
			h.OnAdded(f.ID, f.Payload)
		}
	case OpChanged:
		if h.OnChanged != nil {
			h.OnChanged(f.ID, f.Payload)
		}
	case OpRemoved:
		if h.OnRemoved != nil {
			h.OnRemoved(f.ID)
		}
	}
}

// request sends f on the current connection and waits for its ack.
func (c *Client) request(ctx context.Context, f Frame) (Frame, error) {
	if f.Seq == 0 {
		f.Seq = c.seq.Add(1)
	}
	ch := make(chan Frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Frame{}, backend.ErrClosed
	}
	ws := c.ws
	if ws == nil {
		c.mu.Unlock()
		return Frame{}, &backend.TransientError{Op: string(f.Op), Err: errDisconnected}
	}
	c.pending[f.Seq] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, f.Seq)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	err := ws.WriteJSON(f)
	c.writeMu.Unlock()
	if err != nil {
		return Frame{}, &backend.TransientError{Op: string(f.Op), Err: err}
	}

	select {
	case reply := <-ch:
		switch reply.Op {
		case OpError:
			return reply, fmt.Errorf("%w: %s %s/%s: %s", ErrRemote, f.Op, f.Collection, f.ID, reply.Error)
		case opLost:
			return reply, &backend.TransientError{Op: string(f.Op), Err: errDisconnected}
		}
		return reply, nil
	case <-c.done:
		return Frame{}, backend.ErrClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (c *Client) Subscribe(ctx context.Context, collection string, h backend.Handlers) (backend.Subscription, error) {
	id := c.seq.Add(1)

	c.mu.Lock()
	c.subs[id] = &clientSub{collection: collection, h: h, known: make(map[string]struct{})}
	c.mu.Unlock()

	if _, err := c.request(ctx, Frame{Op: OpSubscribe, Seq: id, Sub: id, Collection: collection}); err != nil {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		return nil, err
	}

	var once sync.Once
	return backend.SubscriptionFunc(func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()

			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), writeWait)
				defer cancel()
				if _, err := c.request(ctx, Frame{Op: OpUnsubscribe, Sub: id}); err != nil {
					c.logger.Debug("Unsubscribe failed", "sub", id, "error", err)
				}
			}()
		})
	}), nil
}

func (c *Client) Set(ctx context.Context, collection, id string, payload []byte) error {
	_, err := c.request(ctx, Frame{Op: OpSet, Collection: collection, ID: id, Payload: payload})
	return err
}

func (c *Client) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	_, err := c.request(ctx, Frame{Op: OpUpdate, Collection: collection, ID: id, Fields: fields})
	return err
}

func (c *Client) Remove(ctx context.Context, collection, id string) error {
	_, err := c.request(ctx, Frame{Op: OpRemove, Collection: collection, ID: id})
	return err
}

func (c *Client) Push(ctx context.Context, collection string, payload []byte) (string, error) {
	reply, err := c.request(ctx, Frame{Op: OpPush, Collection: collection, Payload: payload})
	if err != nil {
		return "", err
	}
	return reply.ID, nil
}

func (c *Client) Get(ctx context.Context, collection string) (map[string]json.RawMessage, error) {
	reply, err := c.request(ctx, Frame{Op: OpGet, Collection: collection})
	if err != nil {
		return nil, err
	}
	if reply.Records == nil {
		return map[string]json.RawMessage{}, nil
	}
	return reply.Records, nil
}

// OnDisconnect registers fields to apply when the connection ends. The
// registration survives reconnects; a transient failure is retried on the
// next connection.
func (c *Client) OnDisconnect(ctx context.Context, collection, id string, fields map[string]any) error {
	_, err := c.request(ctx, Frame{Op: OpOnDisconnect, Collection: collection, ID: id, Fields: fields})
	var transient *backend.TransientError
	if err == nil || errors.As(err, &transient) {
		c.mu.Lock()
		c.presence[presenceKey{collection: collection, id: id}] = fields
		c.mu.Unlock()
	}
	return err
}
