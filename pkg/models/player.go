package models

import "time"

// PlayerLocation is a player position record under the "players" collection.
type PlayerLocation struct {
	UserID       string  `json:"UserId"`
	UserName     string  `json:"UserName"`
	AvatarID     string  `json:"AvatarId"`
	AvatarGender string  `json:"AvatarGender"`
	Latitude     float64 `json:"Latitude"`
	Longitude    float64 `json:"Longitude"`
	CreatedAt    int64   `json:"CreatedAt"`
	UpdatedAt    int64   `json:"UpdatedAt"`
	IsOnline     bool    `json:"IsOnline"`
}

// NewPlayerLocation creates an online record for the given profile.
func NewPlayerLocation(p Profile, at GeoPoint, now time.Time) PlayerLocation {
	ms := now.UnixMilli()
	return PlayerLocation{
		UserID:       p.UserID,
		UserName:     p.UserName,
		AvatarID:     p.AvatarID,
		AvatarGender: p.AvatarOutfitGender.String(),
		Latitude:     at.Lat,
		Longitude:    at.Lon,
		CreatedAt:    ms,
		UpdatedAt:    ms,
		IsOnline:     true,
	}
}

// Location returns the player position.
func (p PlayerLocation) Location() GeoPoint {
	return GeoPoint{Lat: p.Latitude, Lon: p.Longitude}
}

// UpdateLocation moves the player and bumps UpdatedAt.
func (p *PlayerLocation) UpdateLocation(at GeoPoint, now time.Time) {
	p.Latitude = at.Lat
	p.Longitude = at.Lon
	if ms := now.UnixMilli(); ms > p.UpdatedAt {
		p.UpdatedAt = ms
	}
}

// IsStale reports whether the record is older than maxAge.
func (p PlayerLocation) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.UnixMilli()-p.UpdatedAt > maxAge.Milliseconds()
}
