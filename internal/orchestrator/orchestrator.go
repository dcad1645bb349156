// Package orchestrator coordinates one prediction request: it stores the
// upload, classifies it synchronously and schedules the attribution that
// pollers read back by prediction id.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/neurolens/neurolens/internal/artifacts"
	"github.com/neurolens/neurolens/internal/attribution"
	"github.com/neurolens/neurolens/internal/events"
	"github.com/neurolens/neurolens/internal/jobs"
	"github.com/neurolens/neurolens/internal/modality"
	"github.com/neurolens/neurolens/internal/model"
	"github.com/neurolens/neurolens/internal/records"
	"github.com/neurolens/neurolens/internal/redact"
	"github.com/neurolens/neurolens/internal/telemetry"
)

var (
	// ErrInvalidInput marks a request that is missing its artifact or fields.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInference wraps failures of a loaded scorer.
	ErrInference = errors.New("inference failed")
	// ErrNotPending is returned by Cancel for ids with no queued or running
	// attribution.
	ErrNotPending = errors.New("no pending attribution")
)

// Upload is the artifact attached to a request.
type Upload struct {
	Filename string
	Body     io.Reader
}

// Deps are the collaborators of an Orchestrator. Events and Telemetry may be
// nil.
type Deps struct {
	Models    *model.Registry
	Engine    *attribution.Engine
	Dir       *artifacts.Dir
	Records   records.Store
	Pool      *jobs.Pool
	Events    *events.Emitter
	Telemetry *telemetry.Provider

	WeightSecondary float64
	WeightPrimary   float64
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	models    *model.Registry
	engine    *attribution.Engine
	dir       *artifacts.Dir
	records   records.Store
	pool      *jobs.Pool
	events    *events.Emitter
	telemetry *telemetry.Provider

	wSecondary float64
	wPrimary   float64

	newID func() string
	now   func() time.Time
}

// New validates deps and returns an orchestrator.
func New(d Deps) (*Orchestrator, error) {
	switch {
	case d.Models == nil:
		return nil, errors.New("orchestrator: model registry is required")
	case d.Dir == nil:
		return nil, errors.New("orchestrator: artifacts directory is required")
	case d.Records == nil:
		return nil, errors.New("orchestrator: record store is required")
	case d.Pool == nil:
		return nil, errors.New("orchestrator: job pool is required")
	}
	engine := d.Engine
	if engine == nil {
		engine = attribution.NewEngine()
	}
	return &Orchestrator{
		models:     d.Models,
		engine:     engine,
		dir:        d.Dir,
		records:    d.Records,
		pool:       d.Pool,
		events:     d.Events,
		telemetry:  d.Telemetry,
		wSecondary: d.WeightSecondary,
		wPrimary:   d.WeightPrimary,
		newID:      uuid.NewString,
		now:        time.Now,
	}, nil
}

// Status returns the attribution record for id, or records.ErrNotFound while
// it is pending.
func (o *Orchestrator) Status(ctx context.Context, id string) (records.Record, error) {
	return o.records.Get(ctx, id)
}

// Cancel stops the attribution for id. A queued task never runs; a running
// one sees a cancelled context. Either way a cancelled record is written.
func (o *Orchestrator) Cancel(id string) error {
	if !o.pool.Cancel(id) {
		return fmt.Errorf("%w: %s", ErrNotPending, id)
	}
	redact.Logf("orchestrator: cancel requested for %s", id)
	return nil
}

// ModelInfo describes one configured checkpoint.
type ModelInfo struct {
	Key     string `json:"key"`
	Member  string `json:"member"`
	Arch    string `json:"arch"`
	Classes int    `json:"classes"`
	Loaded  bool   `json:"loaded"`
}

// Models lists the model table with the cache state of every member.
func (o *Orchestrator) Models() []ModelInfo {
	var out []ModelInfo
	for _, key := range o.models.Keys() {
		entry, _ := o.models.Entry(key)
		add := func(m model.Member, s model.Spec) {
			out = append(out, ModelInfo{
				Key:     key.String(),
				Member:  string(m),
				Arch:    string(s.Arch),
				Classes: s.Classes,
				Loaded:  o.models.Loaded(key, m),
			})
		}
		add(model.Primary, entry.Primary)
		if entry.Secondary != nil {
			add(model.Secondary, *entry.Secondary)
		}
	}
	return out
}

// save writes the upload to <static>/<id>_<name>.
func (o *Orchestrator) save(id string, up Upload) (string, error) {
	if up.Body == nil {
		return "", fmt.Errorf("%w: no file uploaded", ErrInvalidInput)
	}
	name := up.Filename
	if name == "" {
		name = "upload"
	}
	path := o.dir.UploadPath(id, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("store upload: %w", err)
	}
	n, err := io.Copy(f, up.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n == 0 {
		err = fmt.Errorf("%w: empty file", ErrInvalidInput)
	}
	if err != nil {
		removeUpload(path)
		return "", err
	}
	return path, nil
}

func removeUpload(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		redact.Logf("orchestrator: remove upload %s: %v", path, err)
	}
}

func (o *Orchestrator) emit(ev *events.Event) {
	o.events.Emit(ev)
}

func keyFields(key modality.Key) map[string]interface{} {
	return map[string]interface{}{
		"neurolens.key":      key.String(),
		"neurolens.modality": string(key.Modality),
	}
}
