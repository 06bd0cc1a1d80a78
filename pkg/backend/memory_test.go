package backend

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type feed struct {
	mu     sync.Mutex
	events []string
	last   map[string]string
}

func (f *feed) handlers() Handlers {
	f.last = make(map[string]string)
	return Handlers{
		OnAdded: func(id string, raw []byte) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.events = append(f.events, "added:"+id)
			f.last[id] = string(raw)
		},
		OnChanged: func(id string, raw []byte) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.events = append(f.events, "changed:"+id)
			f.last[id] = string(raw)
		},
		OnRemoved: func(id string) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.events = append(f.events, "removed:"+id)
		},
	}
}

func TestMemory_SubscribeReplaysExistingChildren(t *testing.T) {
	mem := NewMemory()
	mem.Load(CollectionEvents, map[string]json.RawMessage{
		"e1": json.RawMessage(`{"Title":"one"}`),
	})

	conn := mem.Connect()
	f := &feed{}
	_, err := conn.Subscribe(context.Background(), CollectionEvents, f.handlers())
	require.NoError(t, err)

	assert.Equal(t, []string{"added:e1"}, f.events)
}

func TestMemory_SetUpdateRemove(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	conn := mem.Connect()
	f := &feed{}
	_, err := conn.Subscribe(ctx, CollectionPlayers, f.handlers())
	require.NoError(t, err)

	require.NoError(t, conn.Set(ctx, CollectionPlayers, "p1", []byte(`{"UserId":"p1","IsOnline":true}`)))
	// Identical payload is not a change
	require.NoError(t, conn.Set(ctx, CollectionPlayers, "p1", []byte(`{"UserId":"p1","IsOnline":true}`)))
	require.NoError(t, conn.Update(ctx, CollectionPlayers, "p1", map[string]any{"IsOnline": false}))
	require.NoError(t, conn.Remove(ctx, CollectionPlayers, "p1"))
	require.NoError(t, conn.Remove(ctx, CollectionPlayers, "p1"))

	assert.Equal(t, []string{"added:p1", "changed:p1", "removed:p1"}, f.events)
	assert.JSONEq(t, `{"UserId":"p1","IsOnline":false}`, f.last["p1"])
}

func TestMemory_UpdateCreatesMissingRecord(t *testing.T) {
	ctx := context.Background()
	conn := NewMemory().Connect()
	f := &feed{}
	_, err := conn.Subscribe(ctx, CollectionPlayers, f.handlers())
	require.NoError(t, err)

	require.NoError(t, conn.Update(ctx, CollectionPlayers, "p9", map[string]any{"Latitude": 1.5}))

	assert.Equal(t, []string{"added:p9"}, f.events)
	assert.JSONEq(t, `{"Latitude":1.5}`, f.last["p9"])
}

func TestMemory_PushAndGet(t *testing.T) {
	ctx := context.Background()
	conn := NewMemory().Connect()

	id1, err := conn.Push(ctx, CollectionEvents, []byte(`{"Title":"a"}`))
	require.NoError(t, err)
	id2, err := conn.Push(ctx, CollectionEvents, []byte(`{"Title":"b"}`))
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
	assert.Less(t, id1, id2, "push keys sort chronologically")

	all, err := conn.Get(ctx, CollectionEvents)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.JSONEq(t, `{"Title":"a"}`, string(all[id1]))
}

func TestMemory_CancelStopsDelivery(t *testing.T) {
	ctx := context.Background()
	conn := NewMemory().Connect()
	f := &feed{}
	sub, err := conn.Subscribe(ctx, CollectionEvents, f.handlers())
	require.NoError(t, err)

	sub.Cancel()
	sub.Cancel()
	require.NoError(t, conn.Set(ctx, CollectionEvents, "e1", []byte(`{}`)))

	assert.Empty(t, f.events)
}

func TestConn_CloseAppliesOnDisconnect(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	player := mem.Connect()
	observer := mem.Connect()

	f := &feed{}
	_, err := observer.Subscribe(ctx, CollectionPlayers, f.handlers())
	require.NoError(t, err)

	require.NoError(t, player.Set(ctx, CollectionPlayers, "me", []byte(`{"UserId":"me","IsOnline":true}`)))
	require.NoError(t, player.OnDisconnect(ctx, CollectionPlayers, "me", map[string]any{"IsOnline": false}))
	require.NoError(t, player.Close())
	require.NoError(t, player.Close())

	assert.Equal(t, []string{"added:me", "changed:me"}, f.events)
	assert.JSONEq(t, `{"UserId":"me","IsOnline":false}`, f.last["me"])

	assert.ErrorIs(t, player.Set(ctx, CollectionPlayers, "me", []byte(`{}`)), ErrClosed)
}

func TestConn_InvalidInput(t *testing.T) {
	ctx := context.Background()
	conn := NewMemory().Connect()

	assert.ErrorIs(t, conn.Set(ctx, "", "x", []byte(`{}`)), ErrInvalidPath)
	assert.ErrorIs(t, conn.Remove(ctx, CollectionEvents, ""), ErrInvalidPath)
	assert.Error(t, conn.Set(ctx, CollectionEvents, "x", []byte(`not json`)))
}

func TestMemory_Hook(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	var seen []string
	mem.SetHook(func(collection, id string, raw []byte) {
		seen = append(seen, collection+"/"+id+":"+string(raw))
	})
	conn := mem.Connect()

	require.NoError(t, conn.Set(ctx, CollectionEvents, "e1", []byte(`{}`)))
	require.NoError(t, conn.Remove(ctx, CollectionEvents, "e1"))

	assert.Equal(t, []string{"events/e1:{}", "events/e1:"}, seen)
}

func TestTransientError(t *testing.T) {
	cause := errors.New("network down")
	err := error(&TransientError{Op: "update", Err: cause})

	assert.ErrorIs(t, err, cause)
	var te *TransientError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "backend update: network down", err.Error())
}

func TestMergeFields(t *testing.T) {
	merged, err := MergeFields([]byte(`{"a":1,"b":"x"}`), map[string]any{"b": "y", "c": true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"b":"y","c":true}`, string(merged))

	_, err = MergeFields([]byte(`[1,2]`), map[string]any{"a": 1})
	assert.Error(t, err)
}
