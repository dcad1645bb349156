// Package records keeps the write-once attribution results pollers read back
// by prediction id.
package records

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/neurolens/neurolens/internal/attribution"
)

var (
	// ErrExists is returned when a record for the id was already written.
	ErrExists = errors.New("record already exists")
	// ErrNotFound means no record has been written yet (still pending).
	ErrNotFound = errors.New("record not found")
)

// Status is the terminal state of an attribution task.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Record is the persisted outcome of one attribution task.
type Record struct {
	PredictionID    string                             `json:"prediction_id"`
	Status          Status                             `json:"status"`
	GradCAMURL      string                             `json:"gradcam_url,omitempty"`
	ActivationZone  string                             `json:"activation_zone,omitempty"`
	RegionScores    map[string]attribution.RegionScore `json:"region_scores,omitempty"`
	ActivationScore float64                            `json:"activation_score"`
	Method          string                             `json:"method,omitempty"`
	Error           string                             `json:"error,omitempty"`
	CompletedAt     time.Time                          `json:"completed_at"`
}

// Store persists records. Put fails with ErrExists when the id is taken; Get
// fails with ErrNotFound while the task is pending.
type Store interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	Close() error
}

// Memory is a process-local store. It grows for the process lifetime.
type Memory struct {
	mu   sync.RWMutex
	data map[string]Record
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]Record)}
}

func (m *Memory) Put(_ context.Context, rec Record) error {
	if rec.PredictionID == "" {
		return errors.New("record without prediction id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[rec.PredictionID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, rec.PredictionID)
	}
	m.data[rec.PredictionID] = rec
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) Close() error { return nil }

// Open returns the store for backend: "memory" (or empty) or "sqlite" at path.
func Open(backend, path string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unknown records backend %q", backend)
	}
}
