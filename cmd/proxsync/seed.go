package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/kass/go-proximity-sync/pkg/backend"
	"github.com/kass/go-proximity-sync/pkg/geo"
	"github.com/kass/go-proximity-sync/pkg/models"
)

var seedTitles = map[models.EventType][]string{
	models.EventQuest:    {"Lost Map", "Harbour Errand", "Old Town Walk"},
	models.EventBattle:   {"Shipyard Clash", "Bridge Duel"},
	models.EventSocial:   {"Meetup at the Crane", "Picnic"},
	models.EventTreasure: {"Amber Cache", "Sunken Chest"},
	models.EventBoss:     {"Neptune Rises"},
	models.EventSpecial:  {"Midsummer Night"},
}

// randomAround returns a point up to spreadKm away from center.
func randomAround(r *rand.Rand, center models.GeoPoint, spreadKm float64) models.GeoPoint {
	deg := geo.DegreesForKm(spreadKm)
	return models.GeoPoint{
		Lat: center.Lat + (r.Float64()*2-1)*deg,
		Lon: center.Lon + (r.Float64()*2-1)*deg,
	}
}

// seedRecords writes random players and events around center. Half of
// them land outside spreadKm so the proximity filter has work to do.
func seedRecords(ctx context.Context, b backend.Backend, center models.GeoPoint, players, events int, spreadKm float64) error {
	r := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	now := time.Now()

	for i := 0; i < players; i++ {
		spread := spreadKm
		if i%2 == 1 {
			spread *= 4
		}
		id := fmt.Sprintf("seed-player-%d", i)
		p := models.NewPlayerLocation(models.Profile{
			UserID:             id,
			UserName:           fmt.Sprintf("Player %d", i),
			AvatarOutfitGender: models.OutfitGender(r.IntN(3)),
		}, randomAround(r, center, spread), now)

		raw, err := json.Marshal(p)
		if err != nil {
			return err
		}
		if err := b.Set(ctx, backend.CollectionPlayers, id, raw); err != nil {
			return fmt.Errorf("seed player %s: %w", id, err)
		}
	}

	for i := 0; i < events; i++ {
		spread := spreadKm * 5
		if i%2 == 1 {
			spread *= 4
		}
		typ := models.EventTypes[r.IntN(len(models.EventTypes))]
		titles := seedTitles[typ]
		start := now.Add(-time.Duration(r.IntN(120)) * time.Minute)
		end := start.Add(time.Duration(30+r.IntN(240)) * time.Minute)

		e := models.NewEvent(titles[r.IntN(len(titles))], "", typ, randomAround(r, center, spread), start, end, now)
		raw, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if _, err := b.Push(ctx, backend.CollectionEvents, raw); err != nil {
			return fmt.Errorf("seed event: %w", err)
		}
	}
	return nil
}
