package models

import "fmt"

// GeoPoint represents a geographic location with latitude and longitude
type GeoPoint struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lon" yaml:"lon"`
}

// IsZero reports whether the point is the (0,0) "unset" sentinel
func (p GeoPoint) IsZero() bool {
	return p.Lat == 0 && p.Lon == 0
}

func (p GeoPoint) String() string {
	return fmt.Sprintf("(%.6f, %.6f)", p.Lat, p.Lon)
}

// BoundingBox represents a rectangular area defined by two corners
type BoundingBox struct {
	BottomLeft GeoPoint
	TopRight   GeoPoint
}
