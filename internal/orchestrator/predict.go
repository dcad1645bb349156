package orchestrator

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/neurolens/neurolens/internal/audio"
	"github.com/neurolens/neurolens/internal/drawing"
	"github.com/neurolens/neurolens/internal/ensemble"
	"github.com/neurolens/neurolens/internal/events"
	"github.com/neurolens/neurolens/internal/modality"
	"github.com/neurolens/neurolens/internal/model"
	"github.com/neurolens/neurolens/internal/redact"
	"github.com/neurolens/neurolens/internal/transform"
)

// Prediction is the synchronous answer of Predict. Exactly one of Audio and
// Drawing is set for those modalities; their fields are flattened into the
// JSON object.
type Prediction struct {
	PredictionID         string             `json:"prediction_id"`
	Condition            string             `json:"condition"`
	Modality             string             `json:"modality"`
	PredictedClass       string             `json:"predicted_class"`
	Confidence           float64            `json:"confidence"`
	Probabilities        map[string]float64 `json:"probabilities"`
	AttributionScheduled bool               `json:"attribution_scheduled"`

	*AudioDetails
	*DrawingDetails
}

// AudioDetails carries the spectrogram and prosody features of a recording.
type AudioDetails struct {
	SpectrogramURL string            `json:"spectrogram_url"`
	MelShape       []int             `json:"mel_shape"`
	Freqs          []float64         `json:"freqs"`
	Times          []float64         `json:"times"`
	FreqRange      [2]float64        `json:"freq_range"`
	TimeRange      [2]float64        `json:"time_range"`
	EnergyContour  []float64         `json:"energy_contour"`
	PitchContour   []float64         `json:"pitch_contour"`
	EnergyStats    audio.EnergyStats `json:"energy_stats"`
	PitchStats     audio.PitchStats  `json:"pitch_stats"`
}

// DrawingDetails carries the drawing analyzer output.
type DrawingDetails struct {
	FFTURL           string       `json:"fft_url"`
	FFTRadialURL     string       `json:"fft_radial_url"`
	TremorOverlayURL string       `json:"tremor_overlay_url"`
	DrawingIndex     DrawingIndex `json:"drawing_index"`
}

// DrawingIndex is the classifier-independent quality summary.
type DrawingIndex struct {
	Metrics     drawing.Metrics `json:"metrics"`
	Description string          `json:"description"`
	ShapeType   string          `json:"shape_type"`
}

// Predict classifies one upload for condition and modality. Image modalities
// with attribution stages get an explanation scheduled under the returned
// prediction id; the upload is kept until that task finishes.
func (o *Orchestrator) Predict(ctx context.Context, up Upload, condition, mod string) (*Prediction, error) {
	start := o.now()
	key, err := modality.ParseKey(condition, mod)
	if err != nil {
		return nil, err
	}
	ctx, span := o.telemetry.StartSpan(ctx, "neurolens.predict", keyFields(key))
	defer span.End()

	id := o.newID()
	path, err := o.save(id, up)
	if err != nil {
		return nil, err
	}

	var (
		pred      *Prediction
		inference time.Duration
		keep      bool
	)
	switch key.Modality {
	case modality.Audio:
		pred, inference, err = o.predictAudio(ctx, id, key, path)
	case modality.Drawing:
		pred, inference, keep, err = o.predictImage(ctx, id, key, path, up.Filename)
	default:
		pred, inference, keep, err = o.predictImage(ctx, id, key, path, "")
	}
	if !keep {
		removeUpload(path)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "predict failed")
		o.telemetry.RecordPrediction(ctx, "single", key.String(), "error", inference)
		redact.Logf("orchestrator: predict %s %s failed: %v", id, key, err)
		return nil, err
	}

	o.telemetry.RecordPrediction(ctx, "single", key.String(), "ok", inference)
	o.emit(events.Prediction(events.KindPrediction, id, string(key.Condition), string(key.Modality),
		pred.PredictedClass, pred.Confidence, inference, o.now().Sub(start)))
	return pred, nil
}

// predictImage handles MRI and drawing keys. keep reports whether an
// attribution task now owns the upload.
func (o *Orchestrator) predictImage(ctx context.Context, id string, key modality.Key, path, filename string) (*Prediction, time.Duration, bool, error) {
	scorer, err := o.models.Get(ctx, key)
	if err != nil {
		return nil, 0, false, err
	}
	tr, err := transform.For(key)
	if err != nil {
		return nil, 0, false, err
	}
	inputs, err := tr.Load(path)
	if err != nil {
		return nil, 0, false, err
	}
	t0 := o.now()
	res, err := ensemble.Classify(ctx, scorer, inputs, key.Classes())
	inference := o.now().Sub(t0)
	if err != nil {
		return nil, inference, false, fmt.Errorf("%w: %s: %v", ErrInference, key, err)
	}
	pred := newPrediction(id, key, res)

	if key.Modality == modality.Drawing {
		details, err := o.analyzeDrawing(id, path, filename)
		if err != nil {
			return nil, inference, false, err
		}
		pred.DrawingDetails = details
	}

	if _, ok := model.AsStaged(scorer); !ok {
		return pred, inference, false, nil
	}
	class := res.Index
	pred.AttributionScheduled = o.schedule(explainJob{
		id:     id,
		key:    key,
		scorer: scorer,
		class:  &class,
		upload: path,
	})
	return pred, inference, true, nil
}

func (o *Orchestrator) analyzeDrawing(id, path, filename string) (*DrawingDetails, error) {
	a, err := drawing.Analyze(path, filename, o.dir.ResultPrefix(id, "drawing"))
	if err != nil {
		return nil, err
	}
	d := &DrawingDetails{
		DrawingIndex: DrawingIndex{
			Metrics:     a.Metrics,
			Description: drawing.Description,
			ShapeType:   a.ShapeType,
		},
	}
	for _, u := range []struct {
		dst  *string
		path string
	}{
		{&d.FFTURL, a.FFTPath},
		{&d.FFTRadialURL, a.RadialPath},
		{&d.TremorOverlayURL, a.TremorPath},
	} {
		if *u.dst, err = o.dir.URL(u.path); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (o *Orchestrator) predictAudio(ctx context.Context, id string, key modality.Key, path string) (*Prediction, time.Duration, error) {
	scorer, err := o.models.Get(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	feats, err := transform.AnalyzeAudio(path)
	if err != nil {
		return nil, 0, err
	}
	specPath := o.dir.Path(id + "_spectrogram.png")
	if err := audio.SaveSpectrogram(feats, specPath); err != nil {
		return nil, 0, err
	}
	specURL, err := o.dir.URL(specPath)
	if err != nil {
		return nil, 0, err
	}

	t0 := o.now()
	res, err := ensemble.Classify(ctx, scorer, feats.Inputs(), key.Classes())
	inference := o.now().Sub(t0)
	if err != nil {
		return nil, inference, fmt.Errorf("%w: %s: %v", ErrInference, key, err)
	}

	pred := newPrediction(id, key, res)
	pred.AudioDetails = &AudioDetails{
		SpectrogramURL: specURL,
		MelShape:       feats.MelShape(),
		Freqs:          feats.Freqs,
		Times:          feats.Times,
		FreqRange:      [2]float64{math.Round(first(feats.Freqs)), math.Round(last(feats.Freqs))},
		TimeRange:      [2]float64{round2(first(feats.Times)), round2(last(feats.Times))},
		EnergyContour:  feats.Energy,
		PitchContour:   feats.Pitch,
		EnergyStats:    feats.EnergyStats,
		PitchStats:     feats.PitchStats,
	}
	return pred, inference, nil
}

func newPrediction(id string, key modality.Key, res ensemble.Result) *Prediction {
	labels := key.Classes()
	probs := make(map[string]float64, len(labels))
	for i, l := range labels {
		probs[l] = res.Probabilities[i]
	}
	return &Prediction{
		PredictionID:   id,
		Condition:      string(key.Condition),
		Modality:       string(key.Modality),
		PredictedClass: res.Label,
		Confidence:     res.Confidence,
		Probabilities:  probs,
	}
}

func first(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return xs[0]
}

func last(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return xs[len(xs)-1]
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
