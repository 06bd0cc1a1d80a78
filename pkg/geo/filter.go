package geo

import "github.com/kass/go-proximity-sync/pkg/models"

// InRange reports whether record lies within radiusKm of subject.
// Until the subject has a fix everything is in range.
func InRange(subject, record models.GeoPoint, radiusKm float64, subjectKnown bool) bool {
	if !subjectKnown {
		return true
	}
	return DistanceKm(subject, record) <= radiusKm
}
