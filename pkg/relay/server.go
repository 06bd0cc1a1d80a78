package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/kass/go-proximity-sync/pkg/backend"
	"github.com/kass/go-proximity-sync/pkg/geo"
	"github.com/kass/go-proximity-sync/pkg/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 64 << 10
	outboundBuffer = 256
)

// Archive persists relay state. *postgis.Archive implements it.
type Archive interface {
	Save(ctx context.Context, collection, id string, payload []byte) error
	Delete(ctx context.Context, collection, id string) error
	LoadAll(ctx context.Context, collection string) (map[string]json.RawMessage, error)
	QueryRadius(ctx context.Context, collection string, center models.GeoPoint, meters float64) (map[string]json.RawMessage, error)
	QueryBox(ctx context.Context, collection string, box models.BoundingBox) (map[string]json.RawMessage, error)
	Count(ctx context.Context, collection string) (int64, error)
}

// Config contains the relay dependencies.
type Config struct {
	// Store is the shared record store (required).
	Store *backend.Memory
	// Archive is optional persistence.
	Archive Archive
	Logger  *slog.Logger

	// RateLimit is the per-connection request rate; zero disables limiting.
	RateLimit float64
	RateBurst int

	CORSOrigins []string
}

type archiveJob struct {
	collection string
	id         string
	raw        []byte
}

// Server is the relay HTTP/WebSocket endpoint.
type Server struct {
	store    *backend.Memory
	archive  Archive
	logger   *slog.Logger
	limit    rate.Limit
	burst    int
	origins  []string
	upgrader websocket.Upgrader
	jobs     chan archiveJob
}

// NewServer creates a relay over cfg.Store. It starts nothing; call
// RunArchiver when an archive is configured.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("relay: store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	origins := cfg.CORSOrigins
	if origins == nil {
		origins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}

	s := &Server{
		store:   cfg.Store,
		archive: cfg.Archive,
		logger:  cfg.Logger.With("component", "relay"),
		limit:   limit,
		burst:   burst,
		origins: origins,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	if s.archive != nil {
		s.jobs = make(chan archiveJob, 1024)
		s.store.SetHook(func(collection, id string, raw []byte) {
			job := archiveJob{collection: collection, id: id, raw: append([]byte(nil), raw...)}
			select {
			case s.jobs <- job:
			default:
				archiveErrors.Inc()
				s.logger.Warn("Archive queue full, dropping write", "collection", collection, "id", id)
			}
		})
	}
	return s, nil
}

// Restore loads every archived record of the given collections into the store.
func (s *Server) Restore(ctx context.Context, collections ...string) error {
	if s.archive == nil {
		return nil
	}
	for _, c := range collections {
		records, err := s.archive.LoadAll(ctx, c)
		if err != nil {
			return fmt.Errorf("restore %s: %w", c, err)
		}
		s.store.Load(c, records)
		s.logger.Info("Restored collection", "collection", c, "records", len(records))
	}
	return nil
}

// RunArchiver writes store mutations to the archive until ctx is done.
func (s *Server) RunArchiver(ctx context.Context) {
	if s.archive == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.jobs:
			var err error
			if job.raw == nil {
				err = s.archive.Delete(ctx, job.collection, job.id)
			} else {
				err = s.archive.Save(ctx, job.collection, job.id, job.raw)
			}
			if err != nil {
				archiveErrors.Inc()
				s.logger.Error("Archive write failed", "collection", job.collection, "id", job.id, "error", err)
			}
		}
	}
}

// Handler returns the relay routes. It has no side effects.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.handleWebSocket)
	r.Get("/api/{collection}/area", s.handleArea)
	r.Get("/api/{collection}/box", s.handleBox)
	r.Get("/api/{collection}/count", s.handleCount)
	return r
}

// handleArea answers ?lat=&lon=&radius_m= with the records inside the circle.
func (s *Server) handleArea(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	q := r.URL.Query()

	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	meters, errRadius := strconv.ParseFloat(q.Get("radius_m"), 64)
	if err := errors.Join(errLat, errLon, errRadius); err != nil || meters < 0 {
		http.Error(w, "lat, lon and a non-negative radius_m are required", http.StatusBadRequest)
		return
	}
	center := models.GeoPoint{Lat: lat, Lon: lon}

	var (
		records map[string]json.RawMessage
		err     error
	)
	if s.archive != nil {
		records, err = s.archive.QueryRadius(r.Context(), collection, center, meters)
	} else {
		records, err = s.filterStore(r.Context(), collection, func(p models.GeoPoint) bool {
			return geo.DistanceMeters(center, p) <= meters
		})
	}
	s.writeRecords(w, "Area", collection, records, err)
}

// handleBox answers ?min_lat=&min_lon=&max_lat=&max_lon= with the records
// inside the box.
func (s *Server) handleBox(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	q := r.URL.Query()

	var errs []error
	parse := func(key string) float64 {
		v, err := strconv.ParseFloat(q.Get(key), 64)
		errs = append(errs, err)
		return v
	}
	box := models.BoundingBox{
		BottomLeft: models.GeoPoint{Lat: parse("min_lat"), Lon: parse("min_lon")},
		TopRight:   models.GeoPoint{Lat: parse("max_lat"), Lon: parse("max_lon")},
	}
	if errors.Join(errs...) != nil || box.BottomLeft.Lat > box.TopRight.Lat || box.BottomLeft.Lon > box.TopRight.Lon {
		http.Error(w, "min_lat, min_lon, max_lat and max_lon are required and min must not exceed max", http.StatusBadRequest)
		return
	}

	var (
		records map[string]json.RawMessage
		err     error
	)
	if s.archive != nil {
		records, err = s.archive.QueryBox(r.Context(), collection, box)
	} else {
		records, err = s.filterStore(r.Context(), collection, func(p models.GeoPoint) bool {
			return p.Lat >= box.BottomLeft.Lat && p.Lat <= box.TopRight.Lat &&
				p.Lon >= box.BottomLeft.Lon && p.Lon <= box.TopRight.Lon
		})
	}
	s.writeRecords(w, "Box", collection, records, err)
}

// handleCount reports how many records the collection holds.
func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")

	var (
		count int64
		err   error
	)
	if s.archive != nil {
		count, err = s.archive.Count(r.Context(), collection)
	} else {
		conn := s.store.Connect()
		var all map[string]json.RawMessage
		all, err = conn.Get(r.Context(), collection)
		_ = conn.Close()
		count = int64(len(all))
	}
	if err != nil {
		s.logger.Error("Count query failed", "collection", collection, "error", err)
		http.Error(w, "count query failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"collection": collection, "count": count}); err != nil {
		s.logger.Warn("Failed to write count response", "error", err)
	}
}

func (s *Server) writeRecords(w http.ResponseWriter, query, collection string, records map[string]json.RawMessage, err error) {
	if err != nil {
		s.logger.Error(query+" query failed", "collection", collection, "error", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(records); err != nil {
		s.logger.Warn("Failed to write query response", "error", err)
	}
}

// filterStore returns the records of collection whose location passes keep.
// Records without coordinates are skipped.
func (s *Server) filterStore(ctx context.Context, collection string, keep func(models.GeoPoint) bool) (map[string]json.RawMessage, error) {
	conn := s.store.Connect()
	defer conn.Close()

	all, err := conn.Get(ctx, collection)
	if err != nil {
		return nil, err
	}

	out := make(map[string]json.RawMessage)
	for id, raw := range all {
		var loc struct {
			Latitude  *float64 `json:"Latitude"`
			Longitude *float64 `json:"Longitude"`
		}
		if json.Unmarshal(raw, &loc) != nil || loc.Latitude == nil || loc.Longitude == nil {
			continue
		}
		if keep(models.GeoPoint{Lat: *loc.Latitude, Lon: *loc.Longitude}) {
			out[id] = raw
		}
	}
	return out, nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	sess := &session{
		server:  s,
		ws:      ws,
		conn:    s.store.Connect(),
		subs:    make(map[uint64]backend.Subscription),
		out:     make(chan Frame, outboundBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(s.limit, s.burst),
		logger:  s.logger.With("remote", r.RemoteAddr),
	}

	connectionsActive.Inc()
	sess.logger.Info("Client connected")

	go sess.writeLoop()
	sess.readLoop()
	sess.close()

	connectionsActive.Dec()
	sess.logger.Info("Client disconnected")
}

// session is one WebSocket client. Only writeLoop writes to ws.
type session struct {
	server  *Server
	ws      *websocket.Conn
	conn    *backend.Conn
	limiter *rate.Limiter
	logger  *slog.Logger

	mu   sync.Mutex
	subs map[uint64]backend.Subscription

	out       chan Frame
	done      chan struct{}
	closeOnce sync.Once
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		// Cancels subscriptions and applies the client's on-disconnect updates.
		if err := s.conn.Close(); err != nil {
			s.logger.Warn("Failed to close backend connection", "error", err)
		}
		_ = s.ws.Close()
	})
}

// send queues f. A client whose queue is full is disconnected at once;
// send runs while the store serializes notifications and must not block.
func (s *session) send(f Frame) {
	select {
	case s.out <- f:
	case <-s.done:
	default:
		notificationsDropped.Inc()
		s.logger.Warn("Client too slow, disconnecting", "op", f.Op)
		go s.close()
	}
}

// sendWait queues f, waiting up to writeWait for room. It is for frames
// sent outside store notification.
func (s *session) sendWait(f Frame) bool {
	select {
	case s.out <- f:
		return true
	case <-s.done:
		return false
	default:
	}

	timer := time.NewTimer(writeWait)
	defer timer.Stop()
	select {
	case s.out <- f:
		return true
	case <-s.done:
	case <-timer.C:
		notificationsDropped.Inc()
		s.logger.Warn("Client too slow, disconnecting", "op", f.Op)
		go s.close()
	}
	return false
}

func (s *session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case f := <-s.out:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteJSON(f); err != nil {
				s.logger.Debug("Write failed", "error", err)
				s.close()
				return
			}
		case <-ticker.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		}
	}
}

func (s *session) readLoop() {
	s.ws.SetReadLimit(maxFrameSize)
	_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f Frame
		if err := s.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("Read failed", "error", err)
			}
			return
		}
		_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))

		if !f.Op.request() {
			framesRejected.WithLabelValues("invalid").Inc()
			s.sendWait(Frame{Op: OpError, Seq: f.Seq, Error: fmt.Sprintf("unknown op %q", f.Op)})
			continue
		}
		if !s.limiter.Allow() {
			framesRejected.WithLabelValues("rate_limit").Inc()
			s.sendWait(Frame{Op: OpError, Seq: f.Seq, Error: "rate limited"})
			continue
		}

		framesTotal.WithLabelValues(string(f.Op)).Inc()
		s.handle(f)
	}
}

func (s *session) handle(f Frame) {
	ctx := context.Background()
	ack := Frame{Op: OpAck, Seq: f.Seq}
	var err error

	switch f.Op {
	case OpSubscribe:
		err = s.subscribe(ctx, f)
	case OpUnsubscribe:
		s.unsubscribe(f.Sub)
	case OpSet:
		err = s.conn.Set(ctx, f.Collection, f.ID, f.Payload)
	case OpUpdate:
		err = s.conn.Update(ctx, f.Collection, f.ID, f.Fields)
	case OpRemove:
		err = s.conn.Remove(ctx, f.Collection, f.ID)
	case OpPush:
		ack.ID, err = s.conn.Push(ctx, f.Collection, f.Payload)
	case OpGet:
		ack.Records, err = s.conn.Get(ctx, f.Collection)
	case OpOnDisconnect:
		err = s.conn.OnDisconnect(ctx, f.Collection, f.ID, f.Fields)
	}

	if err != nil {
		framesRejected.WithLabelValues("backend").Inc()
		s.sendWait(Frame{Op: OpError, Seq: f.Seq, Error: err.Error()})
		return
	}
	s.sendWait(ack)
}

func (s *session) subscribe(ctx context.Context, f Frame) error {
	if f.Sub == 0 {
		return errors.New("subscribe requires a subscription id")
	}
	s.mu.Lock()
	_, dup := s.subs[f.Sub]
	s.mu.Unlock()
	if dup {
		return fmt.Errorf("subscription %d already exists", f.Sub)
	}

	// The store replays existing records while it holds its notification
	// lock, so frames are buffered until Subscribe returns and flushed
	// from here. Live frames that arrive meanwhile queue behind them.
	var (
		mu        sync.Mutex
		backlog   []Frame
		replaying = true
	)
	emit := func(fr Frame) {
		mu.Lock()
		if replaying {
			backlog = append(backlog, fr)
			mu.Unlock()
			return
		}
		mu.Unlock()
		s.send(fr)
	}

	sub, err := s.conn.Subscribe(ctx, f.Collection, backend.Handlers{
		OnAdded: func(id string, raw []byte) {
			emit(Frame{Op: OpAdded, Sub: f.Sub, Collection: f.Collection, ID: id, Payload: raw})
		},
		OnChanged: func(id string, raw []byte) {
			emit(Frame{Op: OpChanged, Sub: f.Sub, Collection: f.Collection, ID: id, Payload: raw})
		},
		OnRemoved: func(id string) {
			emit(Frame{Op: OpRemoved, Sub: f.Sub, Collection: f.Collection, ID: id})
		},
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.subs[f.Sub] = sub
	s.mu.Unlock()

	for {
		mu.Lock()
		batch := backlog
		backlog = nil
		if len(batch) == 0 {
			replaying = false
			mu.Unlock()
			return nil
		}
		mu.Unlock()

		for _, fr := range batch {
			if !s.sendWait(fr) {
				return errors.New("client disconnected during replay")
			}
		}
	}
}

func (s *session) unsubscribe(id uint64) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()
	if ok {
		sub.Cancel()
	}
}
