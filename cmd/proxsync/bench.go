package main

import (
	"fmt"
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/kass/go-proximity-sync/pkg/geo"
	"github.com/kass/go-proximity-sync/pkg/location"
	"github.com/kass/go-proximity-sync/pkg/models"
	"github.com/kass/go-proximity-sync/pkg/store"
)

var benchFlags struct {
	records  int
	queries  int
	workers  int
	spreadKm float64
	radiusKm float64
	k        int
}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Benchmark proximity queries over a synthetic player view",
	Long: `Fill a record store with random players around the start fix and compare
the linear proximity filter against the R-tree backed radius and nearest
queries.`,
	Args: cobra.NoArgs,
	RunE: runBench,
}

func init() {
	f := benchCmd.Flags()
	f.IntVarP(&benchFlags.records, "records", "p", 100000, "Number of player records")
	f.IntVarP(&benchFlags.queries, "queries", "q", 1000, "Queries per benchmark")
	f.IntVarP(&benchFlags.workers, "workers", "w", runtime.NumCPU(), "Concurrent workers")
	f.Float64Var(&benchFlags.spreadKm, "spread", 50, "Records are spread this many km around the fix")
	f.Float64VarP(&benchFlags.radiusKm, "radius", "r", 1, "Query radius in km")
	f.IntVarP(&benchFlags.k, "neighbors", "n", 10, "Nearest neighbors per query")
}

type benchResult struct {
	name         string
	queries      int
	total        time.Duration
	avg          time.Duration
	minDuration  time.Duration
	maxDuration  time.Duration
	totalResults int64
}

func (r benchResult) print(w interface{ Write([]byte) (int, error) }) {
	fmt.Fprintf(w, "\n=== %s ===\n", r.name)
	fmt.Fprintf(w, "Queries:           %d\n", r.queries)
	fmt.Fprintf(w, "Total duration:    %v\n", r.total)
	fmt.Fprintf(w, "Average duration:  %v\n", r.avg)
	fmt.Fprintf(w, "Queries/second:    %.0f\n", float64(r.queries)/r.total.Seconds())
	fmt.Fprintf(w, "Min / max:         %v / %v\n", r.minDuration, r.maxDuration)
	fmt.Fprintf(w, "Avg results/query: %.1f\n", float64(r.totalResults)/float64(r.queries))
}

// measure runs query n times across workers, each with its own random source.
func measure(name string, n, workers int, query func(r *rand.Rand) int) benchResult {
	var (
		totalResults int64
		mu           sync.Mutex
		sum          time.Duration
		minDuration  = time.Hour
		maxDuration  time.Duration
	)

	queryCh := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		queryCh <- struct{}{}
	}
	close(queryCh)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(seed uint64) {
			defer wg.Done()
			r := rand.New(rand.NewPCG(seed, uint64(time.Now().UnixNano())))
			for range queryCh {
				queryStart := time.Now()
				found := query(r)
				d := time.Since(queryStart)

				atomic.AddInt64(&totalResults, int64(found))
				mu.Lock()
				sum += d
				minDuration = min(minDuration, d)
				maxDuration = max(maxDuration, d)
				mu.Unlock()
			}
		}(uint64(w))
	}
	wg.Wait()

	return benchResult{
		name:         name,
		queries:      n,
		total:        time.Since(start),
		avg:          sum / time.Duration(max(n, 1)),
		minDuration:  minDuration,
		maxDuration:  maxDuration,
		totalResults: totalResults,
	}
}

func runBench(cmd *cobra.Command, args []string) error {
	if benchFlags.records <= 0 || benchFlags.queries <= 0 || benchFlags.workers <= 0 {
		return fmt.Errorf("records, queries and workers must be positive")
	}
	out := cmd.OutOrStdout()
	center := models.GeoPoint{Lat: cfg.Location.Latitude, Lon: cfg.Location.Longitude}
	if center.IsZero() {
		center = location.DefaultFix
	}

	players := store.New[models.PlayerLocation](nil, models.PlayerLocation.Location)
	r := rand.New(rand.NewPCG(1, uint64(time.Now().UnixNano())))
	now := time.Now()

	fmt.Fprintf(out, "Loading %d players within %.0f km of %s...\n", benchFlags.records, benchFlags.spreadKm, center)
	loadStart := time.Now()
	for i := 0; i < benchFlags.records; i++ {
		id := fmt.Sprintf("player_%d", i)
		players.Upsert(id, models.NewPlayerLocation(models.Profile{UserID: id}, randomAround(r, center, benchFlags.spreadKm), now))
	}
	loadTime := time.Since(loadStart)
	fmt.Fprintf(out, "Loaded %d players in %v (%.0f/s)\n", players.Len(), loadTime, float64(benchFlags.records)/loadTime.Seconds())

	subject := func(r *rand.Rand) models.GeoPoint {
		return randomAround(r, center, benchFlags.spreadKm)
	}

	results := []benchResult{
		measure("Linear proximity filter", benchFlags.queries, benchFlags.workers, func(r *rand.Rand) int {
			s := subject(r)
			return len(players.Select(func(p models.PlayerLocation) bool {
				return geo.InRange(s, p.Location(), benchFlags.radiusKm, true)
			}))
		}),
		measure("R-tree radius", benchFlags.queries, benchFlags.workers, func(r *rand.Rand) int {
			found, err := players.Within(subject(r), benchFlags.radiusKm)
			if err != nil {
				return 0
			}
			return len(found)
		}),
		measure("R-tree nearest", benchFlags.queries, benchFlags.workers, func(r *rand.Rand) int {
			return len(players.Nearest(subject(r), benchFlags.k))
		}),
	}

	for _, res := range results {
		res.print(out)
	}
	fmt.Fprintf(out, "\nWorkers: %d, CPU cores: %d\n", benchFlags.workers, runtime.NumCPU())
	return nil
}
