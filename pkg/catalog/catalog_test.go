package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kass/go-proximity-sync/pkg/backend"
	"github.com/kass/go-proximity-sync/pkg/models"
)

var longMarket = models.GeoPoint{Lat: 54.348542, Lon: 18.653213}

func newCatalog(t *testing.T, now *time.Time) (*Catalog, *backend.Conn) {
	t.Helper()
	conn := backend.NewMemory().Connect()
	t.Cleanup(func() { _ = conn.Close() })
	return New(conn, nil, func() time.Time { return *now }), conn
}

func TestCatalog_CreateStampsDefaults(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c, _ := newCatalog(t, &now)
	ctx := context.Background()

	e := models.NewEvent("Treasure hunt", "", models.EventTreasure, longMarket, now, now.Add(time.Hour), now)
	e.Radius = 0
	id, err := c.Create(ctx, e)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	list, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
	assert.Equal(t, models.DefaultEventRadius, list[0].Radius)
	assert.Equal(t, now.UnixMilli(), list[0].CreatedAt)
	assert.True(t, list[0].IsActive)
}

func TestCatalog_Validation(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c, _ := newCatalog(t, &now)
	valid := models.NewEvent("Boss fight", "", models.EventBoss, longMarket, now, now.Add(time.Hour), now)

	tests := []struct {
		name   string
		mutate func(e *models.Event)
	}{
		{name: "no title", mutate: func(e *models.Event) { e.Title = "" }},
		{name: "unknown type", mutate: func(e *models.Event) { e.Type = 99 }},
		{name: "ends before start", mutate: func(e *models.Event) { e.EndTime = e.StartTime - 1 }},
		{name: "no location", mutate: func(e *models.Event) { e.Latitude, e.Longitude = 0, 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid
			tt.mutate(&e)
			_, err := c.Create(context.Background(), e)
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
}

func TestCatalog_UpdateAndDelete(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c, _ := newCatalog(t, &now)
	ctx := context.Background()

	e := models.NewEvent("Picnic", "", models.EventSocial, longMarket, now, now.Add(time.Hour), now)
	id, err := c.Create(ctx, e)
	require.NoError(t, err)

	now = now.Add(time.Minute)
	e.ID = id
	e.Title = "Picnic by the river"
	require.NoError(t, c.Update(ctx, e))

	list, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Picnic by the river", list[0].Title)
	assert.Equal(t, now.UnixMilli(), list[0].UpdatedAt)

	assert.ErrorIs(t, c.Update(ctx, models.Event{Title: "x"}), ErrInvalidEvent)

	require.NoError(t, c.Delete(ctx, id))
	list, err = c.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCatalog_ListSkipsMalformed(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c, conn := newCatalog(t, &now)
	ctx := context.Background()

	late := models.NewEvent("Late", "", models.EventQuest, longMarket, now.Add(2*time.Hour), now.Add(3*time.Hour), now)
	early := models.NewEvent("Early", "", models.EventQuest, longMarket, now, now.Add(time.Hour), now)
	_, err := c.Create(ctx, late)
	require.NoError(t, err)
	_, err = c.Create(ctx, early)
	require.NoError(t, err)
	require.NoError(t, conn.Set(ctx, backend.CollectionEvents, "broken", []byte(`{"Type":"Nope"}`)))
	require.NoError(t, conn.Set(ctx, backend.CollectionEvents, "untyped", []byte(`{"Title":"untyped"}`)))

	list, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Early", list[0].Title)
	assert.Equal(t, "Late", list[1].Title)
}
