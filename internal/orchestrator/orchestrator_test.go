package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/neurolens/neurolens/internal/artifacts"
	"github.com/neurolens/neurolens/internal/attribution"
	"github.com/neurolens/neurolens/internal/events"
	"github.com/neurolens/neurolens/internal/jobs"
	"github.com/neurolens/neurolens/internal/modality"
	"github.com/neurolens/neurolens/internal/model"
	"github.com/neurolens/neurolens/internal/records"
	"github.com/neurolens/neurolens/internal/tensor"
	"github.com/neurolens/neurolens/internal/transform"
)

// stagedFake returns fixed logits from Score and base+sum(activation) from
// Resume, so every attribution method sees a positive channel weight.
type stagedFake struct {
	arch   model.Architecture
	logits []float32
	// gate, when set, blocks Activations until closed or cancelled.
	gate    chan struct{}
	entered chan struct{}
}

func (f *stagedFake) Arch() model.Architecture { return f.arch }
func (f *stagedFake) Classes() int             { return len(f.logits) }
func (f *stagedFake) Stages() []string         { return []string{"layer3"} }

func (f *stagedFake) Score(ctx context.Context, inputs ...tensor.Tensor) ([]float32, error) {
	return append([]float32(nil), f.logits...), nil
}

func (f *stagedFake) Activations(ctx context.Context, inputs ...tensor.Tensor) ([]tensor.Tensor, error) {
	if f.gate != nil {
		if f.entered != nil {
			select {
			case f.entered <- struct{}{}:
			default:
			}
		}
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	act := tensor.Zeros(1, 1, 4, 4)
	for _, i := range []int{5, 6, 9, 10} {
		act.Data[i] = 1
	}
	return []tensor.Tensor{act}, nil
}

func (f *stagedFake) Resume(ctx context.Context, stage int, act tensor.Tensor) ([]float32, error) {
	sum := float32(0)
	for _, v := range act.Data {
		sum += v
	}
	out := make([]float32, len(f.logits))
	for i, v := range f.logits {
		out[i] = v + sum
	}
	return out, nil
}

// panickingFake classifies normally but panics while computing activations.
type panickingFake struct {
	stagedFake
}

func (f *panickingFake) Activations(ctx context.Context, inputs ...tensor.Tensor) ([]tensor.Tensor, error) {
	var byStage map[string]tensor.Tensor
	byStage["layer3"] = tensor.Zeros(1, 1, 4, 4)
	return nil, nil
}

type captureSink struct {
	mu     sync.Mutex
	events []*events.Event
}

func (c *captureSink) Name() string { return "capture" }
func (c *captureSink) Deliver(_ context.Context, ev *events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}
func (c *captureSink) Close(context.Context) error { return nil }

func (c *captureSink) kinds() []events.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Kind
	for _, ev := range c.events {
		out = append(out, ev.Kind)
	}
	return out
}

type env struct {
	o       *Orchestrator
	pool    *jobs.Pool
	dir     *artifacts.Dir
	store   *records.Memory
	emitter *events.Emitter
	sink    *captureSink
}

// newEnv builds an orchestrator over the default table whose checkpoints
// are fakes; logits are looked up by checkpoint directory name.
func newEnv(t *testing.T, workers int, logits map[string][]float32, gate chan struct{}, entered chan struct{}, loadErr error) *env {
	t.Helper()
	return newEnvWithLoader(t, workers, func(ctx context.Context, spec model.Spec) (model.Scorer, error) {
		if loadErr != nil {
			return nil, loadErr
		}
		l, ok := logits[filepath.Base(spec.Dir)]
		if !ok {
			l = make([]float32, spec.Classes)
		}
		return &stagedFake{arch: spec.Arch, logits: l, gate: gate, entered: entered}, nil
	})
}

func newEnvWithLoader(t *testing.T, workers int, loader model.Loader) *env {
	t.Helper()
	dir, err := artifacts.Open(filepath.Join(t.TempDir(), "static"))
	if err != nil {
		t.Fatalf("open artifacts: %v", err)
	}
	t.Cleanup(func() { _ = dir.Close() })

	reg := model.New(model.DefaultTable("models"), loader)
	queue := 1
	if workers > 1 {
		queue = 8
	}
	pool := jobs.New(workers, queue)
	sink := &captureSink{}
	emitter := events.NewEmitter(events.Options{}, []events.Sink{sink})
	store := records.NewMemory()
	o, err := New(Deps{
		Models:          reg,
		Engine:          attribution.NewEngine(),
		Dir:             dir,
		Records:         store,
		Pool:            pool,
		Events:          emitter,
		WeightSecondary: 0.5,
		WeightPrimary:   0.5,
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return &env{o: o, pool: pool, dir: dir, store: store, emitter: emitter, sink: sink}
}

func (e *env) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.pool.Close(ctx); err != nil {
		t.Fatalf("close pool: %v", err)
	}
	e.emitter.Close(context.Background())
}

func pngUpload(t *testing.T, name string, img image.Image) Upload {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return Upload{Filename: name, Body: &buf}
}

func brainSlice() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for y := 16; y < 48; y++ {
		for x := 16; x < 48; x++ {
			img.SetGray(x, y, color.Gray{Y: 180})
		}
	}
	return img
}

func waveDrawing() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, 200, 64))
	for x := 0; x < 200; x++ {
		y := 32 + int(10*math.Sin(float64(x)/8))
		for dy := -1; dy <= 1; dy++ {
			img.SetGray(x, y+dy, color.Gray{Y: 230})
		}
	}
	return img
}

// uploadsLeft lists files in the static root other than the lock file.
func uploadsLeft(t *testing.T, dir *artifacts.Dir) []string {
	t.Helper()
	entries, err := os.ReadDir(dir.Root())
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || strings.HasPrefix(e.Name(), "cam_") {
			continue
		}
		out = append(out, e.Name())
	}
	return out
}

func TestPredictMRIClassifiesAndExplains(t *testing.T) {
	e := newEnv(t, 2, map[string][]float32{
		"resnet101_alzheimer_axial": {0, 3, 0, 0, 0},
	}, nil, nil, nil)

	pred, err := e.o.Predict(context.Background(), pngUpload(t, "sub-01_axial.png", brainSlice()), "alzheimer", "mri_axial")
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if pred.PredictedClass != "CN" || !pred.AttributionScheduled {
		t.Fatalf("unexpected prediction %+v", pred)
	}
	if len(pred.Probabilities) != 5 || math.Abs(pred.Probabilities["CN"]-pred.Confidence) > 1e-12 {
		t.Fatalf("unexpected probabilities %v", pred.Probabilities)
	}
	e.drain(t)

	rec, err := e.o.Status(context.Background(), pred.PredictionID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if rec.Status != records.StatusCompleted || rec.Method != "ablation" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.ActivationZone == "" || rec.ActivationZone == attribution.NoActivation {
		t.Fatalf("expected an activation zone, got %q", rec.ActivationZone)
	}
	if len(rec.RegionScores) != 3 {
		t.Fatalf("expected 3 region scores, got %v", rec.RegionScores)
	}
	if !strings.HasPrefix(rec.GradCAMURL, "/static/cam_") {
		t.Fatalf("unexpected overlay url %q", rec.GradCAMURL)
	}
	if _, err := os.Stat(e.dir.Path(strings.TrimPrefix(rec.GradCAMURL, "/static/"))); err != nil {
		t.Fatalf("expected overlay on disk: %v", err)
	}
	if left := uploadsLeft(t, e.dir); len(left) != 0 {
		t.Fatalf("expected upload removed after attribution, found %v", left)
	}

	again, err := e.o.Status(context.Background(), pred.PredictionID)
	if err != nil || again.CompletedAt != rec.CompletedAt || again.GradCAMURL != rec.GradCAMURL {
		t.Fatalf("expected identical record on repeated polls")
	}
	seen := map[events.Kind]int{}
	for _, k := range e.sink.kinds() {
		seen[k]++
	}
	if seen[events.KindPrediction] != 1 || seen[events.KindExplanation] != 1 {
		t.Fatalf("unexpected events %v", seen)
	}
}

func TestPredictConfigurationErrors(t *testing.T) {
	e := newEnv(t, 1, nil, nil, nil, nil)
	defer e.drain(t)

	_, err := e.o.Predict(context.Background(), pngUpload(t, "x.png", brainSlice()), "huntington", "mri_axial")
	if !errors.Is(err, modality.ErrUnknown) {
		t.Fatalf("expected unknown condition, got %v", err)
	}
	_, err = e.o.Predict(context.Background(), pngUpload(t, "x.png", brainSlice()), "alzheimer", "drawing")
	if !errors.Is(err, model.ErrUnknownKey) {
		t.Fatalf("expected unknown model key, got %v", err)
	}
	if left := uploadsLeft(t, e.dir); len(left) != 0 {
		t.Fatalf("expected no partial state, found %v", left)
	}
}

func TestPredictLoadAndInputErrors(t *testing.T) {
	e := newEnv(t, 1, nil, nil, nil, errors.New("no such file"))
	_, err := e.o.Predict(context.Background(), pngUpload(t, "x.png", brainSlice()), "parkinson", "mri")
	if !errors.Is(err, model.ErrLoad) {
		t.Fatalf("expected load error, got %v", err)
	}
	e.drain(t)

	e = newEnv(t, 1, nil, nil, nil, nil)
	defer e.drain(t)
	_, err = e.o.Predict(context.Background(), Upload{Filename: "scan.png", Body: strings.NewReader("not an image")}, "alzheimer", "mri_sagittal")
	if !errors.Is(err, transform.ErrUnreadable) {
		t.Fatalf("expected unreadable input, got %v", err)
	}
	_, err = e.o.Predict(context.Background(), Upload{Filename: "scan.png", Body: strings.NewReader("")}, "alzheimer", "mri_sagittal")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for an empty file, got %v", err)
	}
	if left := uploadsLeft(t, e.dir); len(left) != 0 {
		t.Fatalf("expected failed uploads removed, found %v", left)
	}
}

func TestPredictEnsembleArbitrates(t *testing.T) {
	e := newEnv(t, 2, map[string][]float32{
		"resnet101_alzheimer_axial":    {1, 0, 0, 0, 0},
		"resnet50_alzheimer_axial":     {1, 0, 0, 0, 0},
		"resnet101_alzheimer_sagittal": {0, 0, 4, 0, 0},
		"resnet50_alzheimer_sagittal":  {0, 0, 4, 0, 0},
		"resnet101_parkinson":          {0, 1, 0, 0},
		"resnet50_parkinson":           {0, 1, 0, 0},
	}, nil, nil, nil)

	pred, err := e.o.PredictEnsemble(context.Background(), pngUpload(t, "slice.png", brainSlice()))
	if err != nil {
		t.Fatalf("ensemble: %v", err)
	}
	conf := math.Exp(4) / (math.Exp(4) + 4)
	if pred.PredictedDisease != "Alzheimer Sagittal" || pred.PredictedClass != "EMCI" {
		t.Fatalf("unexpected winner %+v", pred)
	}
	if pred.Score != math.Round(conf*10000)/100 {
		t.Fatalf("expected score %v, got %v", math.Round(conf*10000)/100, pred.Score)
	}
	if len(pred.AllPredictions) != 3 || pred.AllPredictions["Parkinson"].Label != "PD" {
		t.Fatalf("unexpected per-pipeline scores %v", pred.AllPredictions)
	}

	data, err := json.Marshal(pred)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw struct {
		All map[string][]interface{} `json:"all_predictions"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if pair := raw.All["Alzheimer Axial"]; len(pair) != 2 || pair[0] != "AD" {
		t.Fatalf("expected [label, score] pair, got %v", pair)
	}

	e.drain(t)
	rec, err := e.o.Status(context.Background(), pred.PredictionID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if rec.Status != records.StatusCompleted || rec.Method != "scorecam" {
		t.Fatalf("expected sagittal attribution, got %+v", rec)
	}
}

func TestEnsembleFirstMaximumWins(t *testing.T) {
	same := []float32{0, 2, 0, 0, 0}
	e := newEnv(t, 1, map[string][]float32{
		"resnet101_alzheimer_axial":    same,
		"resnet50_alzheimer_axial":     same,
		"resnet101_alzheimer_sagittal": same,
		"resnet50_alzheimer_sagittal":  same,
	}, nil, nil, nil)
	defer e.drain(t)

	pred, err := e.o.PredictEnsemble(context.Background(), pngUpload(t, "slice.png", brainSlice()))
	if err != nil {
		t.Fatalf("ensemble: %v", err)
	}
	if pred.PredictedDisease != "Alzheimer Axial" {
		t.Fatalf("expected the first of the tied pipelines, got %s", pred.PredictedDisease)
	}
}

func TestPredictDrawing(t *testing.T) {
	e := newEnv(t, 1, map[string][]float32{
		"resnet50_parkinson_drawing": {0.2, 1.5},
	}, nil, nil, nil)

	pred, err := e.o.Predict(context.Background(), pngUpload(t, "Wave_03.png", waveDrawing()), "parkinson", "drawing")
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if pred.PredictedClass != "Parkinson" || pred.DrawingDetails == nil || pred.AudioDetails != nil {
		t.Fatalf("unexpected prediction %+v", pred)
	}
	d := pred.DrawingDetails
	if d.DrawingIndex.ShapeType != "wave" || d.DrawingIndex.Description == "" {
		t.Fatalf("unexpected drawing index %+v", d.DrawingIndex)
	}
	want := "/static/results/" + pred.PredictionID + "_drawing_tremor_camstyle.png"
	if d.TremorOverlayURL != want {
		t.Fatalf("expected %s, got %s", want, d.TremorOverlayURL)
	}

	data, err := json.Marshal(pred)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var flat map[string]interface{}
	if err := json.Unmarshal(data, &flat); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := flat["fft_url"]; !ok {
		t.Fatalf("expected drawing fields flattened into the response: %s", data)
	}
	if _, ok := flat["spectrogram_url"]; ok {
		t.Fatalf("unexpected audio fields in drawing response")
	}

	e.drain(t)
	rec, err := e.o.Status(context.Background(), pred.PredictionID)
	if err != nil || rec.Method != "gradcam" {
		t.Fatalf("expected gradcam record, got %+v (%v)", rec, err)
	}
}

func writeWav(t *testing.T, rate, seconds int, freq float64) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voice.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	data := make([]int, rate*seconds)
	for i := range data {
		data[i] = int(0.3 * 32767 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return b
}

func TestPredictAudio(t *testing.T) {
	e := newEnv(t, 1, map[string][]float32{
		"dual_branch_audio": {0, 0, 2},
	}, nil, nil, nil)
	defer e.drain(t)

	body := writeWav(t, 16000, 2, 180)
	pred, err := e.o.Predict(context.Background(), Upload{Filename: "voice.wav", Body: bytes.NewReader(body)}, "alzheimer", "audio")
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if pred.PredictedClass != "Healthy" || pred.AttributionScheduled || pred.AudioDetails == nil {
		t.Fatalf("unexpected prediction %+v", pred)
	}
	a := pred.AudioDetails
	if len(a.MelShape) != 3 || a.MelShape[1] != 128 {
		t.Fatalf("unexpected mel shape %v", a.MelShape)
	}
	if a.SpectrogramURL != "/static/"+pred.PredictionID+"_spectrogram.png" {
		t.Fatalf("unexpected spectrogram url %s", a.SpectrogramURL)
	}
	if len(a.EnergyContour) != 128 || len(a.PitchContour) != 128 {
		t.Fatalf("expected 128-point contours")
	}
	if a.FreqRange[1] != 8000 {
		t.Fatalf("expected mel range up to 8000 Hz, got %v", a.FreqRange)
	}
	for _, name := range uploadsLeft(t, e.dir) {
		if strings.HasSuffix(name, ".wav") {
			t.Fatalf("expected audio upload removed after the response, found %s", name)
		}
	}
	if _, err := e.o.Status(context.Background(), pred.PredictionID); !errors.Is(err, records.ErrNotFound) {
		t.Fatalf("expected no attribution record for audio, got %v", err)
	}
}

func TestCancelQueuedAttribution(t *testing.T) {
	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	e := newEnv(t, 1, nil, gate, entered, nil)

	first, err := e.o.Predict(context.Background(), pngUpload(t, "a.png", brainSlice()), "alzheimer", "mri_general")
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("first attribution never started")
	}
	second, err := e.o.Predict(context.Background(), pngUpload(t, "b.png", brainSlice()), "alzheimer", "mri_general")
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if err := e.o.Cancel(second.PredictionID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := e.o.Cancel("unknown"); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
	close(gate)
	e.drain(t)

	rec, err := e.o.Status(context.Background(), second.PredictionID)
	if err != nil || rec.Status != records.StatusCancelled {
		t.Fatalf("expected cancelled record, got %+v (%v)", rec, err)
	}
	rec, err = e.o.Status(context.Background(), first.PredictionID)
	if err != nil || rec.Status != records.StatusCompleted {
		t.Fatalf("expected first attribution completed, got %+v (%v)", rec, err)
	}
	if left := uploadsLeft(t, e.dir); len(left) != 0 {
		t.Fatalf("expected uploads removed, found %v", left)
	}
}

func TestCancelRunningAttribution(t *testing.T) {
	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	e := newEnv(t, 1, nil, gate, entered, nil)

	pred, err := e.o.Predict(context.Background(), pngUpload(t, "a.png", brainSlice()), "parkinson", "mri_general")
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	<-entered
	if err := e.o.Cancel(pred.PredictionID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	e.drain(t)

	rec, err := e.o.Status(context.Background(), pred.PredictionID)
	if err != nil || rec.Status != records.StatusCancelled || rec.Error == "" {
		t.Fatalf("expected cancelled record with an error, got %+v (%v)", rec, err)
	}
}

func TestQueueFullWritesFailedRecord(t *testing.T) {
	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	e := newEnv(t, 1, nil, gate, entered, nil)

	if _, err := e.o.Predict(context.Background(), pngUpload(t, "a.png", brainSlice()), "alzheimer", "mri_general"); err != nil {
		t.Fatalf("predict: %v", err)
	}
	<-entered
	if _, err := e.o.Predict(context.Background(), pngUpload(t, "b.png", brainSlice()), "alzheimer", "mri_general"); err != nil {
		t.Fatalf("predict: %v", err)
	}
	third, err := e.o.Predict(context.Background(), pngUpload(t, "c.png", brainSlice()), "alzheimer", "mri_general")
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if third.AttributionScheduled {
		t.Fatalf("expected the third attribution to be refused")
	}
	rec, err := e.o.Status(context.Background(), third.PredictionID)
	if err != nil || rec.Status != records.StatusFailed || !strings.Contains(rec.Error, "queue full") {
		t.Fatalf("expected failed record, got %+v (%v)", rec, err)
	}
	close(gate)
	e.drain(t)
}

func TestPanickingAttributionWritesFailedRecord(t *testing.T) {
	e := newEnvWithLoader(t, 1, func(ctx context.Context, spec model.Spec) (model.Scorer, error) {
		return &panickingFake{stagedFake{arch: spec.Arch, logits: make([]float32, spec.Classes)}}, nil
	})

	pred, err := e.o.Predict(context.Background(), pngUpload(t, "a.png", brainSlice()), "alzheimer", "mri_axial")
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	e.drain(t)

	rec, err := e.o.Status(context.Background(), pred.PredictionID)
	if err != nil {
		t.Fatalf("expected a terminal record, got %v", err)
	}
	if rec.Status != records.StatusFailed || !strings.Contains(rec.Error, "panicked") || rec.Method != "ablation" {
		t.Fatalf("expected failed ablation record, got %+v", rec)
	}
	if left := uploadsLeft(t, e.dir); len(left) != 0 {
		t.Fatalf("expected upload removed after panic, found %v", left)
	}
}

func TestModelsListsTable(t *testing.T) {
	e := newEnv(t, 1, nil, nil, nil, nil)
	defer e.drain(t)
	if _, err := e.o.Predict(context.Background(), pngUpload(t, "a.png", brainSlice()), "alzheimer", "mri_general"); err != nil {
		t.Fatalf("predict: %v", err)
	}
	var loaded, secondaries int
	infos := e.o.Models()
	for _, m := range infos {
		if m.Loaded {
			loaded++
		}
		if m.Member == string(model.Secondary) {
			secondaries++
		}
	}
	if len(infos) != 11 || secondaries != 3 || loaded != 1 {
		t.Fatalf("unexpected model listing %+v", infos)
	}
}
