package rtree

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kass/go-proximity-sync/pkg/geo"
	"github.com/kass/go-proximity-sync/pkg/models"
)

func hitIDs(hits []Hit) map[string]bool {
	ids := make(map[string]bool, len(hits))
	for _, h := range hits {
		ids[h.ID] = true
	}
	return ids
}

func TestNewGeoIndex(t *testing.T) {
	index := NewGeoIndex()
	assert.NotNil(t, index)
	assert.NotEmpty(t, index.partitions)
	assert.Equal(t, 0, index.Count())
}

func TestUpsertAndDelete(t *testing.T) {
	index := NewGeoIndexWithPartitions(4)

	index.Upsert("SF", models.GeoPoint{Lat: 37.7749, Lon: -122.4194})
	index.Upsert("LA", models.GeoPoint{Lat: 34.0522, Lon: -118.2437})
	assert.Equal(t, 2, index.Count())

	// Re-upserting moves rather than duplicates
	index.Upsert("SF", models.GeoPoint{Lat: 40.7128, Lon: -74.0060})
	assert.Equal(t, 2, index.Count())

	results, err := index.QueryRadius(models.GeoPoint{Lat: 37.7749, Lon: -122.4194}, 50)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = index.QueryRadius(models.GeoPoint{Lat: 40.7128, Lon: -74.0060}, 50)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "SF", results[0].ID)

	assert.True(t, index.Delete("SF"))
	assert.False(t, index.Delete("SF"))
	assert.Equal(t, 1, index.Count())
}

func TestQueryBox(t *testing.T) {
	index := NewGeoIndex()

	index.Upsert("SF", models.GeoPoint{Lat: 37.7749, Lon: -122.4194})
	index.Upsert("LA", models.GeoPoint{Lat: 34.0522, Lon: -118.2437})
	index.Upsert("SD", models.GeoPoint{Lat: 32.7157, Lon: -117.1611})
	index.Upsert("NYC", models.GeoPoint{Lat: 40.7128, Lon: -74.0060})
	index.Upsert("CHI", models.GeoPoint{Lat: 41.8781, Lon: -87.6298})

	box := models.BoundingBox{
		BottomLeft: models.GeoPoint{Lat: 32.0, Lon: -125.0},
		TopRight:   models.GeoPoint{Lat: 42.0, Lon: -114.0},
	}

	results, err := index.QueryBox(box)
	require.NoError(t, err)
	assert.Len(t, results, 3)

	ids := hitIDs(results)
	assert.True(t, ids["SF"])
	assert.True(t, ids["LA"])
	assert.True(t, ids["SD"])
	assert.False(t, ids["NYC"])
	assert.False(t, ids["CHI"])
}

func TestQueryRadius(t *testing.T) {
	index := NewGeoIndex()

	sf := models.GeoPoint{Lat: 37.7749, Lon: -122.4194}
	index.Upsert("SF", sf)
	index.Upsert("Oakland", models.GeoPoint{Lat: 37.8044, Lon: -122.2712})
	index.Upsert("San Jose", models.GeoPoint{Lat: 37.3382, Lon: -121.8863})
	index.Upsert("Sacramento", models.GeoPoint{Lat: 38.5816, Lon: -121.4944})
	index.Upsert("LA", models.GeoPoint{Lat: 34.0522, Lon: -118.2437})

	testCases := []struct {
		name     string
		radius   float64
		expected []string
	}{
		{"10km radius", 10, []string{"SF"}},
		{"20km radius", 20, []string{"SF", "Oakland"}},
		{"80km radius", 80, []string{"SF", "Oakland", "San Jose"}},
		{"150km radius", 150, []string{"SF", "Oakland", "San Jose", "Sacramento"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			results, err := index.QueryRadius(sf, tc.radius)
			require.NoError(t, err)
			assert.Len(t, results, len(tc.expected))

			ids := hitIDs(results)
			for _, expectedID := range tc.expected {
				assert.True(t, ids[expectedID], "Expected %s in results", expectedID)
			}
		})
	}
}

func TestQueryRadius_HighLatitudeLongitudeSpread(t *testing.T) {
	index := NewGeoIndex()
	center := models.GeoPoint{Lat: 69.6492, Lon: 18.9553} // Tromsø
	east := models.GeoPoint{Lat: 69.6492, Lon: 18.9553 + 0.05}

	require.Less(t, geo.DistanceKm(center, east), 2.0)
	index.Upsert("east", east)

	results, err := index.QueryRadius(center, 2)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestQueryRadius_AcrossAntimeridian(t *testing.T) {
	index := NewGeoIndex()
	west := models.GeoPoint{Lat: -16.5, Lon: 179.999}
	east := models.GeoPoint{Lat: -16.5, Lon: -179.999}

	require.Less(t, geo.DistanceKm(west, east), 1.0)
	index.Upsert("west", west)
	index.Upsert("east", east)
	index.Upsert("far", models.GeoPoint{Lat: -16.5, Lon: 170})

	for name, center := range map[string]models.GeoPoint{"from west": west, "from east": east} {
		t.Run(name, func(t *testing.T) {
			results, err := index.QueryRadius(center, 5)
			require.NoError(t, err)
			ids := hitIDs(results)
			assert.Len(t, results, 2)
			assert.True(t, ids["west"])
			assert.True(t, ids["east"])
		})
	}
}

func TestQueryRadius_ZeroRadius(t *testing.T) {
	index := NewGeoIndex()
	p := models.GeoPoint{Lat: 54.35, Lon: 18.65}
	index.Upsert("here", p)

	results, err := index.QueryRadius(p, 0)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestNearestNeighbors(t *testing.T) {
	index := NewGeoIndex()

	index.Upsert("1", models.GeoPoint{Lat: 37.7749, Lon: -122.4194})
	index.Upsert("2", models.GeoPoint{Lat: 37.7849, Lon: -122.4094})
	index.Upsert("3", models.GeoPoint{Lat: 37.7649, Lon: -122.4294})
	index.Upsert("4", models.GeoPoint{Lat: 37.8049, Lon: -122.3994})
	index.Upsert("5", models.GeoPoint{Lat: 37.7549, Lon: -122.4394})

	results := index.NearestNeighbors(models.GeoPoint{Lat: 37.7749, Lon: -122.4194}, 3)

	assert.Len(t, results, 3)
	assert.Equal(t, "1", results[0].ID)
	assert.Empty(t, index.NearestNeighbors(models.GeoPoint{}, 0))
}

func TestClear(t *testing.T) {
	index := NewGeoIndex()
	for i, p := range generateRandomPoints(100) {
		index.Upsert(fmt.Sprintf("point_%d", i), p)
	}
	assert.Equal(t, 100, index.Count())

	index.Clear()
	assert.Equal(t, 0, index.Count())
	assert.Empty(t, index.NearestNeighbors(models.GeoPoint{Lat: 40, Lon: -100}, 5))
}

func TestConcurrentQueries(t *testing.T) {
	index := NewGeoIndex()
	for i, p := range generateRandomPoints(10000) {
		index.Upsert(fmt.Sprintf("point_%d", i), p)
	}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			center := models.GeoPoint{Lat: rand.Float64()*20 + 30, Lon: rand.Float64()*40 - 120}
			switch i % 3 {
			case 0:
				_, err := index.QueryRadius(center, rand.Float64()*100+10)
				assert.NoError(t, err)
			case 1:
				results := index.NearestNeighbors(center, rand.Intn(50)+1)
				assert.NotNil(t, results)
			case 2:
				index.Upsert(fmt.Sprintf("moving_%d", i), center)
			}
		}(i)
	}
	wg.Wait()
}

func generateRandomPoints(n int) []models.GeoPoint {
	points := make([]models.GeoPoint, n)
	for i := 0; i < n; i++ {
		points[i] = models.GeoPoint{
			Lat: rand.Float64()*20 + 30,  // 30-50
			Lon: rand.Float64()*40 - 120, // -120 to -80
		}
	}
	return points
}

func BenchmarkUpsert(b *testing.B) {
	index := NewGeoIndex()
	points := generateRandomPoints(10000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		index.Upsert(fmt.Sprintf("point_%d", i%len(points)), points[i%len(points)])
	}
}

func BenchmarkQueryRadius(b *testing.B) {
	index := NewGeoIndex()
	for i, p := range generateRandomPoints(100000) {
		index.Upsert(fmt.Sprintf("point_%d", i), p)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = index.QueryRadius(models.GeoPoint{Lat: 37.5, Lon: -112.5}, 50)
	}
}
