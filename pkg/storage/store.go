// Package storage holds the latest per-stream detector snapshots served over
// HTTP and gRPC, and the persisted model state detectors restore on startup.
package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/HatiCode/vigil/pkg/severity"
)

// Snapshot is the published view of one stream after a tick.
type Snapshot struct {
	Stream          string            `json:"stream"`
	GeneratedAt     time.Time         `json:"generatedAt"`
	IntervalSeconds int               `json:"intervalSeconds"`
	State           string            `json:"state"`
	BufferSize      int               `json:"bufferSize"`
	Observed        uint64            `json:"observed"`
	Scored          uint64            `json:"scored"`
	Anomalies       uint64            `json:"anomalies"`
	TickErrors      uint64            `json:"tickErrors"`
	Fits            uint64            `json:"fits"`
	FittedAt        time.Time         `json:"fittedAt,omitzero"`
	Degraded        bool              `json:"degraded,omitempty"`
	LastError       string            `json:"lastError,omitempty"`
	Latest          *severity.Record  `json:"latest,omitempty"`
	RecentAnomalies []severity.Record `json:"recentAnomalies,omitempty"`
}

// Store keeps the latest snapshot per stream.
type Store interface {
	Put(ctx context.Context, snapshot Snapshot) error
	GetLatest(ctx context.Context, stream string) (Snapshot, bool, error)
}

// StateStore persists encoded detector state per stream.
type StateStore interface {
	SaveState(ctx context.Context, stream string, data []byte) error
	LoadState(ctx context.Context, stream string) ([]byte, bool, error)
}

var streamNameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9_-]{0,251}[a-zA-Z0-9])?$`)

// ValidateStreamName checks that a stream name is safe to use in keys, file
// names and URLs.
func ValidateStreamName(name string) error {
	if name == "" {
		return errors.New("stream name required")
	}
	if !streamNameRegex.MatchString(name) {
		return fmt.Errorf("invalid stream name %q: only alphanumeric, hyphens, and underscores allowed", name)
	}
	return nil
}
