package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"math"

	"go.opentelemetry.io/otel/codes"

	"github.com/neurolens/neurolens/internal/ensemble"
	"github.com/neurolens/neurolens/internal/events"
	"github.com/neurolens/neurolens/internal/modality"
	"github.com/neurolens/neurolens/internal/model"
	"github.com/neurolens/neurolens/internal/redact"
	"github.com/neurolens/neurolens/internal/tensor"
	"github.com/neurolens/neurolens/internal/transform"
)

// Pipeline is one MRI ensemble that takes part in arbitration.
type Pipeline struct {
	Name string
	Key  modality.Key
}

// Pipelines are arbitrated in this order; the first maximum wins. The
// Parkinson models were fitted on sagittal slices.
var Pipelines = []Pipeline{
	{Name: "Alzheimer Axial", Key: modality.Key{Condition: modality.Alzheimer, Modality: modality.MRIAxial}},
	{Name: "Alzheimer Sagittal", Key: modality.Key{Condition: modality.Alzheimer, Modality: modality.MRISagittal}},
	{Name: "Parkinson", Key: modality.Key{Condition: modality.Parkinson, Modality: modality.MRISagittal}},
}

// PipelineScore is one pipeline's label and score in percent. It encodes as
// a [label, score] pair.
type PipelineScore struct {
	Label string
	Score float64
}

func (p PipelineScore) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{p.Label, p.Score})
}

func (p *PipelineScore) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("pipeline score: want [label, score], got %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &p.Label); err != nil {
		return err
	}
	return json.Unmarshal(pair[1], &p.Score)
}

// EnsemblePrediction is the synchronous answer of PredictEnsemble.
type EnsemblePrediction struct {
	PredictionID         string                   `json:"prediction_id"`
	PredictedDisease     string                   `json:"predicted_disease"`
	PredictedClass       string                   `json:"predicted_class"`
	Score                float64                  `json:"score"`
	AllPredictions       map[string]PipelineScore `json:"all_predictions"`
	AttributionScheduled bool                     `json:"attribution_scheduled"`
}

// PredictEnsemble runs every pipeline's two-member ensemble on the upload,
// arbitrates by confidence and schedules attribution with the winner's
// primary scorer.
func (o *Orchestrator) PredictEnsemble(ctx context.Context, up Upload) (*EnsemblePrediction, error) {
	start := o.now()
	ctx, span := o.telemetry.StartSpan(ctx, "neurolens.predict_ensemble", nil)
	defer span.End()

	id := o.newID()
	path, err := o.save(id, up)
	if err != nil {
		return nil, err
	}
	img, err := transform.Open(path)
	if err != nil {
		removeUpload(path)
		return nil, err
	}

	t0 := o.now()
	cands := make([]ensemble.Candidate, 0, len(Pipelines))
	all := make(map[string]PipelineScore, len(Pipelines))
	for _, p := range Pipelines {
		res, err := o.runPipeline(ctx, p, img)
		if err != nil {
			removeUpload(path)
			span.RecordError(err)
			span.SetStatus(codes.Error, "ensemble failed")
			o.telemetry.RecordPrediction(ctx, "ensemble", p.Key.String(), "error", o.now().Sub(t0))
			redact.Logf("orchestrator: ensemble %s pipeline %q failed: %v", id, p.Name, err)
			return nil, err
		}
		cands = append(cands, ensemble.Candidate{Name: p.Name, Label: res.Label, Confidence: res.Confidence})
		all[p.Name] = PipelineScore{Label: res.Label, Score: percent(res.Confidence)}
	}
	inference := o.now().Sub(t0)

	best, err := ensemble.Arbitrate(cands)
	if err != nil {
		removeUpload(path)
		return nil, err
	}
	winner := pipelineByName(best.Name)

	out := &EnsemblePrediction{
		PredictionID:     id,
		PredictedDisease: best.Name,
		PredictedClass:   best.Label,
		Score:            percent(best.Confidence),
		AllPredictions:   all,
	}

	// Already cached by runPipeline.
	scorer, err := o.models.Get(ctx, winner.Key)
	if err != nil {
		removeUpload(path)
		return nil, err
	}
	if _, ok := model.AsStaged(scorer); ok {
		out.AttributionScheduled = o.schedule(explainJob{id: id, key: winner.Key, scorer: scorer, upload: path})
	} else {
		removeUpload(path)
	}

	o.telemetry.RecordPrediction(ctx, "ensemble", winner.Key.String(), "ok", inference)
	o.emit(events.Prediction(events.KindEnsemble, id, string(winner.Key.Condition), string(winner.Key.Modality),
		best.Label, best.Confidence, inference, o.now().Sub(start)))
	return out, nil
}

// runPipeline scores the secondary and primary members on the pipeline's
// own transform of img.
func (o *Orchestrator) runPipeline(ctx context.Context, p Pipeline, img image.Image) (ensemble.Result, error) {
	tr, err := transform.ImageFor(p.Key)
	if err != nil {
		return ensemble.Result{}, err
	}
	secondary, err := o.models.Member(ctx, p.Key, model.Secondary)
	if err != nil {
		return ensemble.Result{}, err
	}
	primary, err := o.models.Member(ctx, p.Key, model.Primary)
	if err != nil {
		return ensemble.Result{}, err
	}
	inputs := []tensor.Tensor{tr.Apply(img)}
	res, err := ensemble.Predict(ctx, secondary, primary, inputs, p.Key.Classes(), o.wSecondary, o.wPrimary)
	if err != nil {
		return ensemble.Result{}, fmt.Errorf("%w: %s: %v", ErrInference, p.Key, err)
	}
	return res, nil
}

func pipelineByName(name string) Pipeline {
	for _, p := range Pipelines {
		if p.Name == name {
			return p
		}
	}
	return Pipelines[0]
}

func percent(v float64) float64 { return math.Round(v*100*100) / 100 }
