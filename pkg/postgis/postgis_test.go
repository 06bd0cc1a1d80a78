package postgis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kass/go-proximity-sync/pkg/models"
)

func TestLocate(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    models.GeoPoint
		ok      bool
	}{
		{name: "player", payload: `{"UserId":"u1","Latitude":54.35,"Longitude":18.65}`, want: models.GeoPoint{Lat: 54.35, Lon: 18.65}, ok: true},
		{name: "zero coordinates are still coordinates", payload: `{"Latitude":0,"Longitude":0}`, ok: true},
		{name: "missing longitude", payload: `{"Latitude":54.35}`},
		{name: "not an object", payload: `"hello"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := locate([]byte(tt.payload))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

// openTestArchive connects to PROXSYNC_TEST_POSTGIS_DSN or skips.
func openTestArchive(t *testing.T) *Archive {
	t.Helper()
	dsn := os.Getenv("PROXSYNC_TEST_POSTGIS_DSN")
	if dsn == "" {
		t.Skip("PROXSYNC_TEST_POSTGIS_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, err := Open(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, a.InitSchema(ctx))
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestArchive_RoundTrip(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()
	collection := "test_" + time.Now().Format("150405.000000")

	require.NoError(t, a.Save(ctx, collection, "near", []byte(`{"Latitude":54.3502,"Longitude":18.6508}`)))
	require.NoError(t, a.Save(ctx, collection, "far", []byte(`{"Latitude":52.2297,"Longitude":21.0122}`)))
	require.NoError(t, a.Save(ctx, collection, "nowhere", []byte(`{"Title":"no location"}`)))

	all, err := a.LoadAll(ctx, collection)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	near, err := a.QueryRadius(ctx, collection, models.GeoPoint{Lat: 54.350178, Lon: 18.650743}, 1000)
	require.NoError(t, err)
	assert.Len(t, near, 1)
	assert.Contains(t, near, "near")

	boxed, err := a.QueryBox(ctx, collection, models.BoundingBox{
		BottomLeft: models.GeoPoint{Lat: 52, Lon: 20},
		TopRight:   models.GeoPoint{Lat: 53, Lon: 22},
	})
	require.NoError(t, err)
	assert.Contains(t, boxed, "far")

	for id := range all {
		require.NoError(t, a.Delete(ctx, collection, id))
	}
	n, err := a.Count(ctx, collection)
	require.NoError(t, err)
	assert.Zero(t, n)
}
