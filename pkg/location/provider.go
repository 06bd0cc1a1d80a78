// Package location supplies device fixes to the rest of the client.
package location

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/kass/go-proximity-sync/pkg/models"
)

var (
	// ErrLocationUnavailable is returned when no fix could be obtained.
	ErrLocationUnavailable = errors.New("location unavailable")
	// ErrDisabled is reported by providers the user turned off.
	ErrDisabled = errors.New("location services disabled by user")
)

// DefaultFix is the development fix used when no device is present.
var DefaultFix = models.GeoPoint{Lat: 54.350178, Lon: 18.650743}

// Provider is a source of location fixes. Both channels are closed once the
// provider stops; an error ends the stream.
type Provider interface {
	Start(ctx context.Context) (<-chan models.GeoPoint, <-chan error)
	Running() bool
}

// Simulated emits a fixed starting point and then jitters it every Interval.
type Simulated struct {
	Origin   models.GeoPoint
	Interval time.Duration
	// Jitter is the maximum per-step offset in degrees.
	Jitter float64
	Rand   *rand.Rand

	running atomic.Bool
}

// NewSimulated returns a provider around origin that moves up to
// 0.0001° per second.
func NewSimulated(origin models.GeoPoint) *Simulated {
	if origin.IsZero() {
		origin = DefaultFix
	}
	return &Simulated{
		Origin:   origin,
		Interval: time.Second,
		Jitter:   0.0001,
	}
}

func (s *Simulated) Start(ctx context.Context) (<-chan models.GeoPoint, <-chan error) {
	fixes := make(chan models.GeoPoint)
	errs := make(chan error)

	rng := s.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	interval := s.Interval
	if interval <= 0 {
		interval = time.Second
	}

	s.running.Store(true)
	go func() {
		defer close(errs)
		defer close(fixes)
		defer s.running.Store(false)

		current := s.Origin
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case fixes <- current:
			case <-ctx.Done():
				return
			}

			select {
			case <-ticker.C:
				current = models.GeoPoint{
					Lat: current.Lat + (rng.Float64()*2-1)*s.Jitter,
					Lon: current.Lon + (rng.Float64()*2-1)*s.Jitter,
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return fixes, errs
}

func (s *Simulated) Running() bool {
	return s.running.Load()
}

// Fixed reports one configured position and holds it, for stationary
// clients. A zero position fails with ErrLocationUnavailable.
type Fixed struct {
	At models.GeoPoint

	running atomic.Bool
}

func (f *Fixed) Start(ctx context.Context) (<-chan models.GeoPoint, <-chan error) {
	fixes := make(chan models.GeoPoint)
	errs := make(chan error, 1)

	f.running.Store(true)
	go func() {
		defer close(errs)
		defer close(fixes)
		defer f.running.Store(false)

		if f.At.IsZero() {
			errs <- ErrLocationUnavailable
			return
		}
		select {
		case fixes <- f.At:
		case <-ctx.Done():
			return
		}
		<-ctx.Done()
	}()

	return fixes, errs
}

func (f *Fixed) Running() bool {
	return f.running.Load()
}
