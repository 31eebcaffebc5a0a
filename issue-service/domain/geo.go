package domain

import (
	"context"
	"math"
	"sort"
)

// EarthRadiusKm is the mean Earth radius used by every distance computation,
// server-side filtering and client-side display alike.
const EarthRadiusKm = 6371.0

// Location is a GeoJSON point. Coordinates are [longitude, latitude] so the
// document can sit behind a 2dsphere index unchanged.
type Location struct {
	Type        string    `json:"type" bson:"type"`
	Coordinates []float64 `json:"coordinates" bson:"coordinates"`
}

// NewLocation builds a point from longitude and latitude.
func NewLocation(longitude, latitude float64) Location {
	return Location{Type: "Point", Coordinates: []float64{longitude, latitude}}
}

func (l Location) Longitude() float64 {
	if len(l.Coordinates) < 1 {
		return 0
	}
	return l.Coordinates[0]
}

func (l Location) Latitude() float64 {
	if len(l.Coordinates) < 2 {
		return 0
	}
	return l.Coordinates[1]
}

// Validate checks the point is well formed and in range.
func (l Location) Validate() error {
	if len(l.Coordinates) != 2 {
		return validationf("location must have exactly two coordinates [longitude, latitude]")
	}
	if l.Type != "" && l.Type != "Point" {
		return validationf("location type must be Point")
	}
	lon, lat := l.Coordinates[0], l.Coordinates[1]
	if math.IsNaN(lon) || math.IsNaN(lat) || lon < -180 || lon > 180 || lat < -90 || lat > 90 {
		return validationf("location coordinates out of range")
	}
	return nil
}

// Haversine calculates the great-circle distance between two points in kilometers.
func Haversine(l1, l2 Location) float64 {
	lat1 := l1.Latitude() * math.Pi / 180
	lat2 := l2.Latitude() * math.Pi / 180
	dLat := (l2.Latitude() - l1.Latitude()) * math.Pi / 180
	dLon := (l2.Longitude() - l1.Longitude()) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// DistanceMeters is Haversine expressed in meters.
func DistanceMeters(l1, l2 Location) float64 {
	return Haversine(l1, l2) * 1000
}

// GeoIndex answers radius queries over issues and mechanic positions.
// Results are ordered nearest first. Implementations must not mutate state.
type GeoIndex interface {
	IssuesNear(ctx context.Context, center Location, radiusMeters float64, statuses []IssueStatus) ([]*Issue, error)
	MechanicsNear(ctx context.Context, center Location, radiusMeters float64) ([]*MechanicPosition, error)
}

// IssueScanner lists every stored issue.
type IssueScanner interface {
	AllIssues(ctx context.Context) ([]*Issue, error)
}

// PositionScanner lists every stored mechanic position.
type PositionScanner interface {
	AllPositions(ctx context.Context) ([]*MechanicPosition, error)
}

// ScanIndex is a GeoIndex doing a full scan with haversine filtering.
type ScanIndex struct {
	issues    IssueScanner
	positions PositionScanner
}

func NewScanIndex(issues IssueScanner, positions PositionScanner) *ScanIndex {
	return &ScanIndex{issues: issues, positions: positions}
}

func (s *ScanIndex) IssuesNear(ctx context.Context, center Location, radiusMeters float64, statuses []IssueStatus) ([]*Issue, error) {
	all, err := s.issues.AllIssues(ctx)
	if err != nil {
		return nil, err
	}
	return FilterIssuesNear(all, center, radiusMeters, statuses), nil
}

func (s *ScanIndex) MechanicsNear(ctx context.Context, center Location, radiusMeters float64) ([]*MechanicPosition, error) {
	all, err := s.positions.AllPositions(ctx)
	if err != nil {
		return nil, err
	}
	return FilterPositionsNear(all, center, radiusMeters), nil
}

// FilterIssuesNear keeps the issues within radiusMeters of center whose status
// is in statuses (any status when statuses is empty), nearest first.
func FilterIssuesNear(issues []*Issue, center Location, radiusMeters float64, statuses []IssueStatus) []*Issue {
	type ranked struct {
		issue *Issue
		d     float64
	}
	var hits []ranked
	for _, issue := range issues {
		if len(statuses) > 0 && !statusIn(issue.Status, statuses) {
			continue
		}
		d := DistanceMeters(center, issue.Location)
		if d <= radiusMeters {
			hits = append(hits, ranked{issue, d})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].d < hits[j].d })

	out := make([]*Issue, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.issue)
	}
	return out
}

// FilterPositionsNear keeps the positions within radiusMeters of center, nearest first.
func FilterPositionsNear(positions []*MechanicPosition, center Location, radiusMeters float64) []*MechanicPosition {
	var out []*MechanicPosition
	for _, p := range positions {
		if DistanceMeters(center, p.Location) <= radiusMeters {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return DistanceMeters(center, out[i].Location) < DistanceMeters(center, out[j].Location)
	})
	return out
}

func statusIn(s IssueStatus, statuses []IssueStatus) bool {
	for _, candidate := range statuses {
		if s == candidate {
			return true
		}
	}
	return false
}
