package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/neurolens/neurolens/internal/attribution"
	"github.com/neurolens/neurolens/internal/events"
	"github.com/neurolens/neurolens/internal/jobs"
	"github.com/neurolens/neurolens/internal/modality"
	"github.com/neurolens/neurolens/internal/model"
	"github.com/neurolens/neurolens/internal/records"
	"github.com/neurolens/neurolens/internal/redact"
	"github.com/neurolens/neurolens/internal/transform"
)

// explainJob is one background attribution. The task owns upload and
// removes it when done.
type explainJob struct {
	id     string
	key    modality.Key
	scorer model.Scorer
	// class is the attribution target; nil lets the scorer pick its argmax.
	class  *int
	upload string
}

// schedule hands j to the pool. When the pool refuses it, a failed record is
// written at once so pollers do not wait forever.
func (o *Orchestrator) schedule(j explainJob) bool {
	err := o.pool.Submit(jobs.Task{
		ID:  j.id,
		Run: func(ctx context.Context) { o.explain(ctx, j) },
		Skipped: func(err error) {
			if !errors.Is(err, context.Canceled) {
				err = fmt.Errorf("%w: %v", context.Canceled, err)
			}
			o.finish(j, nil, "", err, 0)
		},
		Failed: func(err error) {
			o.finish(j, nil, attribution.MethodFor(j.key.Modality).Name(), err, 0)
		},
	})
	if err != nil {
		redact.Logf("orchestrator: schedule attribution %s: %v", j.id, err)
		o.finish(j, nil, "", err, 0)
		return false
	}
	return true
}

func (o *Orchestrator) explain(ctx context.Context, j explainJob) {
	start := o.now()
	ctx, span := o.telemetry.StartSpan(ctx, "neurolens.explain", keyFields(j.key))
	defer span.End()

	method := attribution.MethodFor(j.key.Modality).Name()
	exp, err := o.attribute(ctx, j)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil && !errors.Is(err, cerr) {
			err = fmt.Errorf("%w: %v", cerr, err)
		}
		span.RecordError(err)
	}
	o.finish(j, exp, method, err, o.now().Sub(start))
}

// attribute rebuilds the scorer inputs from the stored upload and runs the
// engine. The overlay lands at <static>/cam_<id>.png.
func (o *Orchestrator) attribute(ctx context.Context, j explainJob) (*records.Record, error) {
	tr, err := transform.For(j.key)
	if err != nil {
		return nil, err
	}
	inputs, err := tr.Load(j.upload)
	if err != nil {
		return nil, err
	}
	src, err := transform.Open(j.upload)
	if err != nil {
		return nil, err
	}
	overlay := o.dir.Path("cam_" + j.id + ".png")
	exp, err := o.engine.Explain(ctx, attribution.Request{
		Scorer:      j.scorer,
		Inputs:      inputs,
		Source:      src,
		Modality:    j.key.Modality,
		Orientation: j.key.Orientation(),
		Class:       j.class,
		OverlayPath: overlay,
	})
	if err != nil {
		return nil, err
	}
	url, err := o.dir.URL(overlay)
	if err != nil {
		return nil, err
	}
	rec := &records.Record{
		GradCAMURL:      url,
		ActivationZone:  exp.Zone,
		RegionScores:    make(map[string]attribution.RegionScore, len(exp.Regions)),
		ActivationScore: exp.ActivationScore,
		Method:          exp.Method,
	}
	for _, r := range exp.Regions {
		rec.RegionScores[r.Name] = r
	}
	return rec, nil
}

// finish writes the terminal record, removes the upload and reports the
// outcome. partial carries the attribution fields on success.
func (o *Orchestrator) finish(j explainJob, partial *records.Record, method string, err error, took time.Duration) {
	defer removeUpload(j.upload)

	rec := records.Record{Status: records.StatusCompleted, Method: method}
	if partial != nil {
		rec = *partial
		rec.Status = records.StatusCompleted
	}
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		rec.Status = records.StatusCancelled
		rec.Error = redact.String(err.Error())
	default:
		rec.Status = records.StatusFailed
		rec.Error = redact.String(err.Error())
	}
	rec.PredictionID = j.id
	rec.CompletedAt = o.now().UTC()

	// The task context may already be cancelled; the record must still land.
	if perr := o.records.Put(context.Background(), rec); perr != nil {
		redact.Logf("orchestrator: store record %s: %v", j.id, perr)
	}
	if err != nil {
		redact.Logf("orchestrator: attribution %s %s: %s: %v", j.id, j.key, rec.Status, err)
	}

	o.telemetry.RecordAttribution(context.Background(), rec.Method, string(rec.Status), took)
	o.emit(events.Explanation(j.id, string(rec.Status), rec.Method, rec.ActivationZone, rec.ActivationScore, err, took))
}
