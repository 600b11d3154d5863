// Package store persists fetched grid snapshots so a restart can serve the
// last good data before the first upstream refresh completes.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/airgrid/server/internal/grid"
)

// ErrNotFound is returned when a region has no stored snapshot.
var ErrNotFound = errors.New("no snapshot for region")

// Snapshot is one successful fetch of a region's grid.
type Snapshot struct {
	Region    string        `json:"region"`
	Version   int64         `json:"version"`
	FetchedAt time.Time     `json:"fetchedAt"`
	Samples   []grid.Sample `json:"samples"`
}

// Store persists snapshots.
type Store interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	// Latest returns the region's newest snapshot or ErrNotFound.
	Latest(ctx context.Context, region string) (Snapshot, error)
	// DeleteOlderThan removes snapshots fetched before cutoff, always keeping
	// each region's newest one. It returns the number removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}
