package domain

import "time"

// Route is the polyline returned by a directions provider.
type Route struct {
	Provider        string      `json:"provider"`
	Coordinates     [][]float64 `json:"coordinates"` // [longitude, latitude] pairs
	DistanceMeters  float64     `json:"distanceMeters"`
	DurationSeconds float64     `json:"durationSeconds"`
}

// Match is what both parties of an accepted issue poll for.
type Match struct {
	IssueID          string      `json:"issueId"`
	ReporterID       string      `json:"reporterId"`
	MechanicID       string      `json:"mechanicId"`
	MechanicLocation *Location   `json:"mechanicLocation,omitempty"`
	UserLocation     Location    `json:"userLocation"`
	AcceptedPrice    float64     `json:"acceptedPrice"`
	EstimatedTime    int         `json:"estimatedTime"`
	Status           IssueStatus `json:"status"`
	DistanceKm       *float64    `json:"distanceKm,omitempty"`
	LocationUpdated  *time.Time  `json:"locationUpdated,omitempty"`
	Route            *Route      `json:"route,omitempty"`
}

// NewMatch builds the match record of an accepted issue. pos may be nil when
// the mechanic has not reported a position yet.
func NewMatch(issue *Issue, pos *MechanicPosition) (*Match, error) {
	offer, ok := issue.AcceptedOffer()
	if !ok {
		return nil, invalidStatef("issue %s is %s and has no match", issue.ID, issue.Status)
	}
	m := &Match{
		IssueID:       issue.ID,
		ReporterID:    issue.ReporterID,
		MechanicID:    offer.MechanicID,
		UserLocation:  issue.Location,
		AcceptedPrice: offer.Price,
		EstimatedTime: offer.EstimatedTime,
		Status:        issue.Status,
	}
	if pos != nil && len(pos.Location.Coordinates) == 2 {
		loc := pos.Location
		d := Haversine(loc, issue.Location)
		updated := pos.LastUpdated
		m.MechanicLocation = &loc
		m.DistanceKm = &d
		m.LocationUpdated = &updated
	}
	return m, nil
}
