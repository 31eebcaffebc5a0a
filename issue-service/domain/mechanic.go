package domain

import (
	"context"
	"time"
)

// MechanicPosition is the latest known position of a mechanic. It is
// overwritten on every location ping.
type MechanicPosition struct {
	MechanicID  string    `bson:"_id" json:"mechanicId"`
	Location    Location  `bson:"location" json:"location"`
	IsLive      bool      `bson:"isLive" json:"isLive"`
	LastUpdated time.Time `bson:"lastUpdated" json:"lastUpdated"`
}

// MechanicRepository stores mechanic positions.
type MechanicRepository interface {
	UpsertPosition(ctx context.Context, mechanicID string, loc Location, now time.Time) (*MechanicPosition, error)
	SetLive(ctx context.Context, mechanicID string, live bool, now time.Time) (*MechanicPosition, error)
	GetPosition(ctx context.Context, mechanicID string) (*MechanicPosition, error)
}
