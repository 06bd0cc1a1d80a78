package kafkafeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/kass/go-proximity-sync/pkg/backend"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Config for a Feed.
type Config struct {
	Brokers     []string
	TopicPrefix string
	// GroupID prefixes the per-feed consumer group; each feed reads every
	// topic from the beginning to build its view.
	GroupID string
	MaxWait time.Duration
	Logger  *slog.Logger
}

type disconnectOp struct {
	collection string
	id         string
	fields     map[string]any
}

type topicState struct {
	// deliver serializes applying a message with dispatching it, and with
	// subscription replay.
	deliver sync.Mutex
	view    *view
	subs    map[int]backend.Handlers
}

// Feed is a Kafka-backed backend.Backend.
type Feed struct {
	writer    messageWriter
	newReader func(topic string) messageReader
	prefix    string
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	topics       map[string]*topicState
	nextID       int
	onDisconnect []disconnectOp
	closed       bool
}

var _ backend.Backend = (*Feed)(nil)

// New connects a feed to the configured brokers.
func New(cfg Config) (*Feed, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafkafeed: no brokers configured")
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 500 * time.Millisecond
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "proxsync"
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	group := fmt.Sprintf("%s-%s", cfg.GroupID, uuid.NewString())
	newReader := func(topic string) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			Topic:       topic,
			GroupID:     group,
			StartOffset: kafka.FirstOffset,
			MinBytes:    1,
			MaxBytes:    10e6,
			MaxWait:     cfg.MaxWait,
		})
	}
	return newFeed(writer, newReader, cfg.TopicPrefix, cfg.Logger), nil
}

func newFeed(w messageWriter, newReader func(string) messageReader, prefix string, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Feed{
		writer:    w,
		newReader: newReader,
		prefix:    prefix,
		logger:    logger.With("component", "kafkafeed"),
		ctx:       ctx,
		cancel:    cancel,
		topics:    make(map[string]*topicState),
	}
}

func (f *Feed) topic(collection string) string {
	return f.prefix + collection
}

// state returns the topic state for collection, starting its reader on first use.
func (f *Feed) state(collection string) (*topicState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, backend.ErrClosed
	}
	if st, ok := f.topics[collection]; ok {
		return st, nil
	}

	st := &topicState{view: newView(), subs: make(map[int]backend.Handlers)}
	f.topics[collection] = st

	reader := f.newReader(f.topic(collection))
	f.wg.Add(1)
	go f.consume(collection, st, reader)
	return st, nil
}

func (f *Feed) consume(collection string, st *topicState, reader messageReader) {
	defer f.wg.Done()
	defer reader.Close()

	logger := f.logger.With("collection", collection)
	for {
		msg, err := reader.ReadMessage(f.ctx)
		if err != nil {
			if f.ctx.Err() != nil {
				return
			}
			logger.Warn("Read failed", "error", err)
			select {
			case <-f.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		var m Mutation
		if err := json.Unmarshal(msg.Value, &m); err != nil {
			logger.Warn("Skipping undecodable mutation", "key", string(msg.Key), "error", err)
			continue
		}
		if err := m.Validate(); err != nil {
			logger.Warn("Skipping invalid mutation", "key", string(msg.Key), "error", err)
			continue
		}
		f.deliver(st, m, logger)
	}
}

func (f *Feed) deliver(st *topicState, m Mutation, logger *slog.Logger) {
	st.deliver.Lock()
	defer st.deliver.Unlock()

	kind, raw, err := st.view.apply(m)
	if err != nil {
		logger.Warn("Failed to apply mutation", "id", m.ID, "error", err)
		return
	}

	f.mu.Lock()
	hs := make([]backend.Handlers, 0, len(st.subs))
	for _, h := range st.subs {
		hs = append(hs, h)
	}
	f.mu.Unlock()

	for _, h := range hs {
		switch kind {
		case added:
			if h.OnAdded != nil {
				h.OnAdded(m.ID, raw)
			}
		case changed:
			if h.OnChanged != nil {
				h.OnChanged(m.ID, raw)
			}
		case removed:
			if h.OnRemoved != nil {
				h.OnRemoved(m.ID)
			}
		}
	}
}

func (f *Feed) publish(ctx context.Context, collection string, m Mutation) error {
	if collection == "" || m.ID == "" {
		return fmt.Errorf("%w: %q/%q", backend.ErrInvalidPath, collection, m.ID)
	}
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return backend.ErrClosed
	}

	m.At = time.Now().UnixMilli()
	value, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal mutation: %w", err)
	}
	err = f.writer.WriteMessages(ctx, kafka.Message{
		Topic: f.topic(collection),
		Key:   []byte(m.ID),
		Value: value,
	})
	if err != nil {
		return &backend.TransientError{Op: m.Op, Err: err}
	}
	return nil
}

// Subscribe replays the feed's current view of collection, then streams
// mutations as the reader consumes them.
func (f *Feed) Subscribe(ctx context.Context, collection string, h backend.Handlers) (backend.Subscription, error) {
	if collection == "" {
		return nil, fmt.Errorf("%w: empty collection", backend.ErrInvalidPath)
	}
	st, err := f.state(collection)
	if err != nil {
		return nil, err
	}

	st.deliver.Lock()
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	st.subs[id] = h
	f.mu.Unlock()

	existing := st.view.snapshot()
	if h.OnAdded != nil {
		for k, raw := range existing {
			h.OnAdded(k, raw)
		}
	}
	st.deliver.Unlock()

	var once sync.Once
	return backend.SubscriptionFunc(func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(st.subs, id)
		})
	}), nil
}

func (f *Feed) Set(ctx context.Context, collection, id string, payload []byte) error {
	if !json.Valid(payload) {
		return fmt.Errorf("set %s/%s: payload is not valid JSON", collection, id)
	}
	return f.publish(ctx, collection, Mutation{Op: OpSet, ID: id, Payload: payload})
}

func (f *Feed) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	return f.publish(ctx, collection, Mutation{Op: OpUpdate, ID: id, Fields: fields})
}

func (f *Feed) Remove(ctx context.Context, collection, id string) error {
	return f.publish(ctx, collection, Mutation{Op: OpRemove, ID: id})
}

func (f *Feed) Push(ctx context.Context, collection string, payload []byte) (string, error) {
	key, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate push key: %w", err)
	}
	id := key.String()
	if err := f.Set(ctx, collection, id, payload); err != nil {
		return "", err
	}
	return id, nil
}

// Get returns the feed's current view, which lags the topic while the
// reader catches up.
func (f *Feed) Get(ctx context.Context, collection string) (map[string]json.RawMessage, error) {
	st, err := f.state(collection)
	if err != nil {
		return nil, err
	}
	st.deliver.Lock()
	defer st.deliver.Unlock()
	return st.view.snapshot(), nil
}

// OnDisconnect registers an update published when the feed is closed.
func (f *Feed) OnDisconnect(ctx context.Context, collection, id string, fields map[string]any) error {
	if collection == "" || id == "" {
		return fmt.Errorf("%w: %q/%q", backend.ErrInvalidPath, collection, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return backend.ErrClosed
	}
	f.onDisconnect = append(f.onDisconnect, disconnectOp{collection: collection, id: id, fields: fields})
	return nil
}

// Close publishes on-disconnect updates, stops the readers and closes the writer.
func (f *Feed) Close() error {
	f.mu.Lock()
	ops := f.onDisconnect
	f.onDisconnect = nil
	f.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	for _, op := range ops {
		if err := f.Update(ctx, op.collection, op.id, op.fields); err != nil {
			errs = append(errs, err)
		}
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return errors.Join(errs...)
	}
	f.closed = true
	f.mu.Unlock()

	f.cancel()
	f.wg.Wait()
	if err := f.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close writer: %w", err))
	}
	return errors.Join(errs...)
}
