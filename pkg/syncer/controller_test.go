package syncer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kass/go-proximity-sync/pkg/backend"
	"github.com/kass/go-proximity-sync/pkg/loop"
	"github.com/kass/go-proximity-sync/pkg/models"
	"github.com/kass/go-proximity-sync/pkg/store"
)

var (
	gdansk = models.GeoPoint{Lat: 54.350178, Lon: 18.650743}
	warsaw = models.GeoPoint{Lat: 52.2297, Lon: 21.0122}
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu          sync.Mutex
	appeared    []string
	updated     []string
	disappeared []string
}

func record[V any](r *recorder) store.Handlers[V] {
	return store.Handlers[V]{
		OnAppeared: func(id string, _ V) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.appeared = append(r.appeared, id)
		},
		OnUpdated: func(id string, _ V) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.updated = append(r.updated, id)
		},
		OnDisappeared: func(id string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.disappeared = append(r.disappeared, id)
		},
	}
}

func (r *recorder) counts() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.appeared), len(r.updated), len(r.disappeared)
}

type fixture struct {
	ctx   context.Context
	mem   *backend.Memory
	conn  *backend.Conn
	loop  *loop.Loop
	clock *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	l := loop.New(64, nil)
	go l.Run(ctx)

	mem := backend.NewMemory()
	conn := mem.Connect()
	t.Cleanup(func() {
		_ = conn.Close()
		cancel()
	})

	return &fixture{ctx: ctx, mem: mem, conn: conn, loop: l, clock: newFakeClock()}
}

// settle waits for every task queued so far to run.
func (f *fixture) settle(t *testing.T) {
	t.Helper()
	require.NoError(t, f.loop.Do(f.ctx, func() {}))
}

func (f *fixture) options() Options {
	return Options{Now: f.clock.Now}
}

func (f *fixture) setPlayer(t *testing.T, p models.PlayerLocation) {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	require.NoError(t, f.conn.Set(f.ctx, backend.CollectionPlayers, p.UserID, raw))
}

func (f *fixture) setEvent(t *testing.T, e models.Event) {
	t.Helper()
	raw, err := json.Marshal(e)
	require.NoError(t, err)
	require.NoError(t, f.conn.Set(f.ctx, backend.CollectionEvents, e.ID, raw))
}

func (f *fixture) player(id string, at models.GeoPoint, age time.Duration) models.PlayerLocation {
	ms := f.clock.Now().Add(-age).UnixMilli()
	return models.PlayerLocation{
		UserID:    id,
		UserName:  "player " + id,
		Latitude:  at.Lat,
		Longitude: at.Lon,
		CreatedAt: ms,
		UpdatedAt: ms,
		IsOnline:  true,
	}
}

func (f *fixture) event(id string, at models.GeoPoint, end time.Time) models.Event {
	now := f.clock.Now()
	e := models.NewEvent("event "+id, "", models.EventQuest, at, now.Add(-time.Hour), end, now)
	e.ID = id
	return e
}

func TestNew_Misconfigured(t *testing.T) {
	l := loop.New(1, nil)
	conn := backend.NewMemory().Connect()

	_, err := NewPlayers(nil, l, PlayersOptions{}, Options{})
	assert.ErrorIs(t, err, ErrMisconfigured)

	_, err = NewEvents(conn, nil, EventsOptions{}, Options{})
	assert.ErrorIs(t, err, ErrMisconfigured)

	_, err = New(Kind[models.Event]{Collection: "events"}, conn, l, Options{})
	assert.ErrorIs(t, err, ErrMisconfigured)
}

func TestPlayers_Filtering(t *testing.T) {
	f := newFixture(t)
	players, err := NewPlayers(f.conn, f.loop, PlayersOptions{RadiusKm: 1, SelfID: "me"}, f.options())
	require.NoError(t, err)
	require.NoError(t, players.SetSubject(gdansk))
	require.NoError(t, players.Subscribe(f.ctx))

	offline := f.player("offline", gdansk, 0)
	offline.IsOnline = false

	f.setPlayer(t, f.player("me", gdansk, 0))
	f.setPlayer(t, f.player("fresh", gdansk, 4*time.Minute))
	f.setPlayer(t, f.player("stale", gdansk, 6*time.Minute))
	f.setPlayer(t, f.player("far", warsaw, 0))
	f.setPlayer(t, offline)
	f.settle(t)

	_, ok := players.Get("fresh")
	assert.True(t, ok)
	for _, id := range []string{"me", "stale", "far", "offline"} {
		_, ok := players.Get(id)
		assert.False(t, ok, id)
	}
	assert.Equal(t, 1, players.Len())
}

func TestPlayers_SelfNeverNotifies(t *testing.T) {
	f := newFixture(t)
	players, err := NewPlayers(f.conn, f.loop, PlayersOptions{RadiusKm: 1, SelfID: "me"}, f.options())
	require.NoError(t, err)
	require.NoError(t, players.Subscribe(f.ctx))

	var rec recorder
	players.Observe(record[models.PlayerLocation](&rec))

	me := f.player("me", gdansk, 0)
	f.setPlayer(t, me)
	me.Latitude += 0.001
	f.setPlayer(t, me)
	f.settle(t)

	appeared, updated, _ := rec.counts()
	assert.Zero(t, appeared)
	assert.Zero(t, updated)
}

func TestPlayers_MissingUserIDTakenFromKey(t *testing.T) {
	f := newFixture(t)
	players, err := NewPlayers(f.conn, f.loop, PlayersOptions{RadiusKm: 1}, f.options())
	require.NoError(t, err)
	require.NoError(t, players.Subscribe(f.ctx))

	p := f.player("", gdansk, 0)
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	require.NoError(t, f.conn.Set(f.ctx, backend.CollectionPlayers, "keyed", raw))
	f.settle(t)

	got, ok := players.Get("keyed")
	require.True(t, ok)
	assert.Equal(t, "keyed", got.UserID)
}

func TestEvents_AppearThenUpdateOnce(t *testing.T) {
	f := newFixture(t)
	events, err := NewEvents(f.conn, f.loop, EventsOptions{RadiusKm: 5}, f.options())
	require.NoError(t, err)
	require.NoError(t, events.SetSubject(gdansk))
	require.NoError(t, events.Subscribe(f.ctx))

	var rec recorder
	events.Observe(record[models.Event](&rec))

	e := f.event("e1", gdansk, f.clock.Now().Add(time.Hour))
	f.setEvent(t, e)
	e.Title = "renamed"
	f.setEvent(t, e)
	f.settle(t)

	appeared, updated, disappeared := rec.counts()
	assert.Equal(t, 1, appeared)
	assert.Equal(t, 1, updated)
	assert.Zero(t, disappeared)

	got, ok := events.Get("e1")
	require.True(t, ok)
	assert.Equal(t, "renamed", got.Title)
}

func TestEvents_Expiry(t *testing.T) {
	tests := []struct {
		name        string
		showExpired bool
		active      bool
		want        bool
	}{
		{name: "expired active", active: true, want: false},
		{name: "expired inactive", active: false, want: false},
		{name: "expired shown", showExpired: true, active: true, want: true},
		{name: "expired shown but inactive", showExpired: true, active: false, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			events, err := NewEvents(f.conn, f.loop, EventsOptions{RadiusKm: 5, ShowExpired: tt.showExpired}, f.options())
			require.NoError(t, err)
			require.NoError(t, events.Subscribe(f.ctx))

			e := f.event("e1", gdansk, f.clock.Now().Add(-time.Millisecond))
			e.IsActive = tt.active
			f.setEvent(t, e)
			f.settle(t)

			_, ok := events.Get("e1")
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestEvents_ChangeToInvalidRemoves(t *testing.T) {
	f := newFixture(t)
	events, err := NewEvents(f.conn, f.loop, EventsOptions{RadiusKm: 5}, f.options())
	require.NoError(t, err)
	require.NoError(t, events.Subscribe(f.ctx))

	var rec recorder
	events.Observe(record[models.Event](&rec))

	e := f.event("e1", gdansk, f.clock.Now().Add(time.Hour))
	f.setEvent(t, e)
	e.IsActive = false
	f.setEvent(t, e)
	f.settle(t)

	_, ok := events.Get("e1")
	assert.False(t, ok)
	appeared, _, disappeared := rec.counts()
	assert.Equal(t, 1, appeared)
	assert.Equal(t, 1, disappeared)
}

func TestEvents_RemoveNotification(t *testing.T) {
	f := newFixture(t)
	events, err := NewEvents(f.conn, f.loop, EventsOptions{RadiusKm: 5}, f.options())
	require.NoError(t, err)
	require.NoError(t, events.Subscribe(f.ctx))

	f.setEvent(t, f.event("e1", gdansk, f.clock.Now().Add(time.Hour)))
	require.NoError(t, f.conn.Remove(f.ctx, backend.CollectionEvents, "e1"))
	f.settle(t)

	assert.Zero(t, events.Len())
}

func TestController_MalformedPayloadDropped(t *testing.T) {
	f := newFixture(t)
	events, err := NewEvents(f.conn, f.loop, EventsOptions{RadiusKm: 5}, f.options())
	require.NoError(t, err)
	require.NoError(t, events.Subscribe(f.ctx))

	e := f.event("e1", gdansk, f.clock.Now().Add(time.Hour))
	f.setEvent(t, e)
	require.NoError(t, f.conn.Set(f.ctx, backend.CollectionEvents, "e1", []byte(`{"Type":"Unknown"}`)))
	require.NoError(t, f.conn.Set(f.ctx, backend.CollectionEvents, "e2", []byte(`"just a string"`)))
	require.NoError(t, f.conn.Set(f.ctx, backend.CollectionEvents, "e3", []byte(`{"Title":"untyped","Latitude":54.35,"Longitude":18.65}`)))
	f.settle(t)

	got, ok := events.Get("e1")
	require.True(t, ok)
	assert.Equal(t, e.Title, got.Title)
	_, ok = events.Get("e2")
	assert.False(t, ok)
	_, ok = events.Get("e3")
	assert.False(t, ok, "an event without a type is never admitted")
	assert.Equal(t, int64(3), events.Malformed())
}

func TestDecodeEvent(t *testing.T) {
	e, err := DecodeEvent("k1", []byte(`{"Id":"other","Title":"Boss","Type":"boss"}`))
	require.NoError(t, err)
	assert.Equal(t, "k1", e.ID, "the record key wins")
	assert.Equal(t, models.EventBoss, e.Type)

	for name, raw := range map[string]string{
		"empty":        ``,
		"null":         `null`,
		"missing type": `{"Title":"Boss"}`,
		"unknown type": `{"Title":"Boss","Type":"raid"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEvent("k1", []byte(raw))
			assert.ErrorIs(t, err, ErrMalformedPayload)
		})
	}
}

func TestController_ObserverMovesSubject(t *testing.T) {
	f := newFixture(t)
	players, err := NewPlayers(f.conn, f.loop, PlayersOptions{RadiusKm: 1}, f.options())
	require.NoError(t, err)

	var once sync.Once
	players.Observe(store.Handlers[models.PlayerLocation]{
		OnAppeared: func(string, models.PlayerLocation) {
			once.Do(func() { assert.NoError(t, players.SetSubject(warsaw)) })
		},
	})
	require.NoError(t, players.Subscribe(f.ctx))

	f.setPlayer(t, f.player("scout", gdansk, 0))
	f.settle(t)
	f.settle(t)

	_, ok := players.Get("scout")
	assert.False(t, ok, "the subject moved away from the scout")
	assert.Zero(t, players.Len())
}

func TestController_SubjectMoves(t *testing.T) {
	f := newFixture(t)
	players, err := NewPlayers(f.conn, f.loop, PlayersOptions{RadiusKm: 1}, f.options())
	require.NoError(t, err)
	require.NoError(t, players.SetSubject(warsaw))
	require.NoError(t, players.Subscribe(f.ctx))

	f.setPlayer(t, f.player("p1", gdansk, 0))
	f.settle(t)
	assert.Zero(t, players.Len(), "out of range of the subject")

	require.NoError(t, players.SetSubject(gdansk))
	f.settle(t)
	_, ok := players.Get("p1")
	assert.True(t, ok, "admitted after the subject moved closer")

	require.NoError(t, players.SetSubject(warsaw))
	f.settle(t)
	assert.Zero(t, players.Len())

	require.NoError(t, players.ClearSubject())
	f.settle(t)
	assert.Equal(t, 1, players.Len(), "unknown subject keeps everything valid")
}

func TestController_RefreshEvictsStale(t *testing.T) {
	f := newFixture(t)
	players, err := NewPlayers(f.conn, f.loop, PlayersOptions{RadiusKm: 1}, f.options())
	require.NoError(t, err)
	require.NoError(t, players.Subscribe(f.ctx))

	var rec recorder
	players.Observe(record[models.PlayerLocation](&rec))

	f.setPlayer(t, f.player("p1", gdansk, 4*time.Minute))
	f.settle(t)
	require.Equal(t, 1, players.Len())

	f.clock.Advance(2 * time.Minute)
	require.NoError(t, players.Refresh(f.ctx))
	assert.Zero(t, players.Len())

	_, _, disappeared := rec.counts()
	assert.Equal(t, 1, disappeared)
}

func TestController_SubscribeIdempotent(t *testing.T) {
	f := newFixture(t)
	f.setPlayer(t, f.player("p1", gdansk, 0))

	players, err := NewPlayers(f.conn, f.loop, PlayersOptions{RadiusKm: 1}, f.options())
	require.NoError(t, err)

	var rec recorder
	players.Observe(record[models.PlayerLocation](&rec))

	require.NoError(t, players.Subscribe(f.ctx))
	require.NoError(t, players.Subscribe(f.ctx))
	f.settle(t)

	appeared, updated, _ := rec.counts()
	assert.Equal(t, 1, appeared)
	assert.Zero(t, updated)
	assert.True(t, players.Subscribed())
}

func TestController_UnsubscribeClears(t *testing.T) {
	f := newFixture(t)
	players, err := NewPlayers(f.conn, f.loop, PlayersOptions{RadiusKm: 1}, f.options())
	require.NoError(t, err)
	require.NoError(t, players.Subscribe(f.ctx))

	f.setPlayer(t, f.player("p1", gdansk, 0))
	f.settle(t)
	require.Equal(t, 1, players.Len())

	require.NoError(t, players.Unsubscribe(f.ctx))
	assert.Zero(t, players.Len())
	assert.False(t, players.Subscribed())

	f.setPlayer(t, f.player("p2", gdansk, 0))
	f.settle(t)
	assert.Zero(t, players.Len(), "no notifications after unsubscribe")

	require.NoError(t, players.Subscribe(f.ctx))
	f.settle(t)
	assert.Equal(t, 2, players.Len())
}

func TestEvents_ByTypeAndActive(t *testing.T) {
	f := newFixture(t)
	events, err := NewEvents(f.conn, f.loop, EventsOptions{RadiusKm: 5}, f.options())
	require.NoError(t, err)
	require.NoError(t, events.Subscribe(f.ctx))

	now := f.clock.Now()
	quest := f.event("quest", gdansk, now.Add(time.Hour))
	upcoming := f.event("upcoming", gdansk, now.Add(2*time.Hour))
	upcoming.Type = models.EventSocial
	upcoming.StartTime = now.Add(time.Hour).UnixMilli()

	f.setEvent(t, quest)
	f.setEvent(t, upcoming)
	f.settle(t)

	byType := events.ByType(models.EventQuest)
	require.Len(t, byType, 1)
	assert.Equal(t, "quest", byType[0].ID)

	active := events.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "quest", active[0].ID)

	assert.Len(t, events.All(), 2)
}

func TestController_SpatialReads(t *testing.T) {
	f := newFixture(t)
	players, err := NewPlayers(f.conn, f.loop, PlayersOptions{RadiusKm: 1000}, f.options())
	require.NoError(t, err)
	require.NoError(t, players.Subscribe(f.ctx))

	f.setPlayer(t, f.player("gdansk", gdansk, 0))
	f.setPlayer(t, f.player("warsaw", warsaw, 0))
	f.settle(t)

	near, err := players.Within(gdansk, 10)
	require.NoError(t, err)
	require.Len(t, near, 1)
	assert.Equal(t, "gdansk", near[0].UserID)

	nearest := players.Nearest(warsaw, 1)
	require.Len(t, nearest, 1)
	assert.Equal(t, "warsaw", nearest[0].UserID)
}
