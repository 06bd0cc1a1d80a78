// Package rtree implements a keyed R-Tree for geo-spatial lookups over a
// changing set of records, partitioned by longitude band so queries can fan
// out across goroutines.
package rtree

import (
	"math"
	"runtime"
	"sort"
	"sync"

	"github.com/dhconnelly/rtreego"

	"github.com/kass/go-proximity-sync/pkg/geo"
	"github.com/kass/go-proximity-sync/pkg/models"
)

const (
	tolerance   = 0.00001
	minChildren = 25
	maxChildren = 50
	dimensions  = 2
)

// spatialItem wraps a keyed point to implement rtreego.Spatial
type spatialItem struct {
	id        string
	point     models.GeoPoint
	rect      *rtreego.Rect
	partition int
}

func (si *spatialItem) Bounds() *rtreego.Rect {
	return si.rect
}

// Hit is a query result: the record id and where it was indexed
type Hit struct {
	ID    string
	Point models.GeoPoint
}

// GeoIndex is a thread-safe keyed R-Tree index
type GeoIndex struct {
	partitions      []*rtreego.Rtree
	partitionBounds []models.BoundingBox
	items           map[string]*spatialItem
	mu              sync.RWMutex
}

// NewGeoIndex creates a new index with one partition per CPU
func NewGeoIndex() *GeoIndex {
	return NewGeoIndexWithPartitions(runtime.NumCPU())
}

// NewGeoIndexWithPartitions creates a new index with the given partition count
func NewGeoIndexWithPartitions(numPartitions int) *GeoIndex {
	if numPartitions <= 0 {
		numPartitions = runtime.NumCPU()
	}

	g := &GeoIndex{
		partitions:      make([]*rtreego.Rtree, numPartitions),
		partitionBounds: make([]models.BoundingBox, numPartitions),
		items:           make(map[string]*spatialItem),
	}

	// Longitude bands, the last one absorbs rounding
	lonRange := 360.0 / float64(numPartitions)
	for i := 0; i < numPartitions; i++ {
		g.partitions[i] = rtreego.NewTree(dimensions, minChildren, maxChildren)

		minLon := -180.0 + float64(i)*lonRange
		maxLon := minLon + lonRange
		if i == numPartitions-1 {
			maxLon = 180.0
		}

		g.partitionBounds[i] = models.BoundingBox{
			BottomLeft: models.GeoPoint{Lat: -90, Lon: minLon},
			TopRight:   models.GeoPoint{Lat: 90, Lon: maxLon},
		}
	}

	return g
}

// Upsert indexes id at point, moving it if it was already indexed
func (g *GeoIndex) Upsert(id string, point models.GeoPoint) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if old, ok := g.items[id]; ok {
		if old.point == point {
			return
		}
		g.partitions[old.partition].Delete(old)
	}

	item := &spatialItem{
		id:        id,
		point:     point,
		rect:      rtreego.Point{point.Lat, point.Lon}.ToRect(tolerance),
		partition: g.partitionFor(point.Lon),
	}
	g.partitions[item.partition].Insert(item)
	g.items[id] = item
}

// Delete removes id from the index, reporting whether it was present
func (g *GeoIndex) Delete(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	item, ok := g.items[id]
	if !ok {
		return false
	}
	g.partitions[item.partition].Delete(item)
	delete(g.items, id)
	return true
}

// QueryBox returns all items within the given bounding box
func (g *GeoIndex) QueryBox(box models.BoundingBox) ([]Hit, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.search(box, func(p models.GeoPoint) bool {
		return p.Lat >= box.BottomLeft.Lat && p.Lat <= box.TopRight.Lat &&
			p.Lon >= box.BottomLeft.Lon && p.Lon <= box.TopRight.Lon
	})
}

// QueryRadius returns all items within radiusKm of center
func (g *GeoIndex) QueryRadius(center models.GeoPoint, radiusKm float64) ([]Hit, error) {
	latDeg := math.Max(geo.DegreesForKm(radiusKm), tolerance)
	// A degree of longitude shrinks with latitude; widen the box accordingly
	lonDeg := 180.0
	if cos := math.Cos(center.Lat * math.Pi / 180); cos > 1e-6 {
		lonDeg = math.Min(latDeg/cos, 180.0)
	}

	keep := func(p models.GeoPoint) bool {
		return geo.DistanceKm(center, p) <= radiusKm
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]bool)
	var all []Hit
	for _, box := range radiusBoxes(center, latDeg, lonDeg) {
		hits, err := g.search(box, keep)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			if !seen[h.ID] {
				seen[h.ID] = true
				all = append(all, h)
			}
		}
	}
	return all, nil
}

// radiusBoxes returns the boxes covering center +/- the given degrees. A box
// crossing the antimeridian is split in two.
func radiusBoxes(center models.GeoPoint, latDeg, lonDeg float64) []models.BoundingBox {
	minLat, maxLat := center.Lat-latDeg, center.Lat+latDeg
	span := func(minLon, maxLon float64) models.BoundingBox {
		return models.BoundingBox{
			BottomLeft: models.GeoPoint{Lat: minLat, Lon: minLon},
			TopRight:   models.GeoPoint{Lat: maxLat, Lon: maxLon},
		}
	}

	minLon, maxLon := center.Lon-lonDeg, center.Lon+lonDeg
	switch {
	case lonDeg >= 180:
		return []models.BoundingBox{span(-180, 180)}
	case minLon < -180:
		return []models.BoundingBox{span(-180, maxLon), span(minLon+360, 180)}
	case maxLon > 180:
		return []models.BoundingBox{span(minLon, 180), span(-180, maxLon-360)}
	default:
		return []models.BoundingBox{span(minLon, maxLon)}
	}
}

// search fans the query out over the partitions the box touches and merges
// the hits. Caller holds the read lock.
func (g *GeoIndex) search(box models.BoundingBox, keep func(models.GeoPoint) bool) ([]Hit, error) {
	bounds, err := rtreego.NewRect(
		rtreego.Point{box.BottomLeft.Lat, box.BottomLeft.Lon},
		[]float64{
			math.Max(box.TopRight.Lat-box.BottomLeft.Lat, tolerance),
			math.Max(box.TopRight.Lon-box.BottomLeft.Lon, tolerance),
		},
	)
	if err != nil {
		return nil, err
	}

	relevant := g.relevantPartitions(box)
	resultsChan := make(chan []Hit, len(relevant))

	for _, idx := range relevant {
		go func(idx int) {
			found := g.partitions[idx].SearchIntersect(bounds)
			hits := make([]Hit, 0, len(found))
			for _, s := range found {
				item, ok := s.(*spatialItem)
				if !ok || !keep(item.point) {
					continue
				}
				hits = append(hits, Hit{ID: item.id, Point: item.point})
			}
			resultsChan <- hits
		}(idx)
	}

	var all []Hit
	for range relevant {
		all = append(all, <-resultsChan...)
	}
	return all, nil
}

// NearestNeighbors returns up to n items closest to center, nearest first
func (g *GeoIndex) NearestNeighbors(center models.GeoPoint, n int) []Hit {
	if n <= 0 {
		return nil
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	type nearestResult struct {
		hit      Hit
		distance float64
	}

	resultsChan := make(chan []nearestResult, len(g.partitions))
	for i := range g.partitions {
		go func(idx int) {
			// Over-fetch: the tree ranks by planar degrees, we rank by haversine
			found := g.partitions[idx].NearestNeighbors(n*2, rtreego.Point{center.Lat, center.Lon})
			results := make([]nearestResult, 0, len(found))
			for _, s := range found {
				item, ok := s.(*spatialItem)
				if !ok {
					continue
				}
				results = append(results, nearestResult{
					hit:      Hit{ID: item.id, Point: item.point},
					distance: geo.DistanceKm(center, item.point),
				})
			}
			resultsChan <- results
		}(i)
	}

	var all []nearestResult
	for range g.partitions {
		all = append(all, <-resultsChan...)
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].distance < all[j].distance
	})
	if len(all) > n {
		all = all[:n]
	}

	hits := make([]Hit, len(all))
	for i, r := range all {
		hits[i] = r.hit
	}
	return hits
}

// Count returns the number of indexed items
func (g *GeoIndex) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.items)
}

// Clear removes all items from the index
func (g *GeoIndex) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i := range g.partitions {
		g.partitions[i] = rtreego.NewTree(dimensions, minChildren, maxChildren)
	}
	g.items = make(map[string]*spatialItem)
}

func (g *GeoIndex) partitionFor(lon float64) int {
	lonRange := 360.0 / float64(len(g.partitions))
	idx := int((lon + 180.0) / lonRange)
	if idx >= len(g.partitions) {
		idx = len(g.partitions) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return idx
}

// relevantPartitions returns the partitions whose longitude band intersects box
func (g *GeoIndex) relevantPartitions(box models.BoundingBox) []int {
	var relevant []int
	for i, bounds := range g.partitionBounds {
		if box.BottomLeft.Lon <= bounds.TopRight.Lon &&
			box.TopRight.Lon >= bounds.BottomLeft.Lon {
			relevant = append(relevant, i)
		}
	}
	return relevant
}
