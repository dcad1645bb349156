package main

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/neurolens/neurolens/internal/config"
	"github.com/neurolens/neurolens/internal/modality"
	"github.com/neurolens/neurolens/internal/model"
	"github.com/neurolens/neurolens/internal/tensor"
)

type constScorer struct {
	logits []float32
}

func (c constScorer) Arch() model.Architecture { return model.ResNet50Raw }
func (c constScorer) Classes() int             { return len(c.logits) }
func (c constScorer) Score(ctx context.Context, inputs ...tensor.Tensor) ([]float32, error) {
	return append([]float32(nil), c.logits...), nil
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "neurolens.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDrawingCommandWritesArtifacts(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "wave_01.png")
	img := image.NewGray(image.Rect(0, 0, 200, 64))
	for x := 0; x < 200; x++ {
		y := 32 + int(10*math.Sin(float64(x)/8))
		for dy := -1; dy <= 1; dy++ {
			img.SetGray(x, y+dy, color.Gray{Y: 230})
		}
	}
	f, err := os.Create(src)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	f.Close()

	out := filepath.Join(dir, "out")
	got, err := runCLI(t, "drawing", src, "--out", out)
	if err != nil {
		t.Fatalf("drawing: %v", err)
	}
	if !strings.Contains(got, "wave") || !strings.Contains(got, "high_freq_power") {
		t.Fatalf("unexpected output:\n%s", got)
	}
	for _, suffix := range []string{"_tremor_camstyle.png", "_fft.png", "_fft_radial.png"} {
		if _, err := os.Stat(filepath.Join(out, "wave_01"+suffix)); err != nil {
			t.Fatalf("expected artifact %s: %v", suffix, err)
		}
	}
}

func TestModelsCommandListsTable(t *testing.T) {
	modelsDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(modelsDir, "resnet50_alzheimer"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	cfgPath := writeConfig(t, "models:\n  dir: "+modelsDir+"\n")

	got, err := runCLI(t, "--config", cfgPath, "models")
	if err != nil {
		t.Fatalf("models: %v", err)
	}
	if !strings.Contains(got, "alzheimer/audio") || !strings.Contains(got, "secondary") {
		t.Fatalf("unexpected output:\n%s", got)
	}
	if !strings.Contains(got, "yes") || !strings.Contains(got, "no") {
		t.Fatalf("expected presence column, got:\n%s", got)
	}
}

func TestInvalidConfigFailsBeforeRunning(t *testing.T) {
	cfgPath := writeConfig(t, "attribution:\n  threshold: 999\n")
	if _, err := runCLI(t, "--config", cfgPath, "models"); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestEvaluateRejectsUnknownPipeline(t *testing.T) {
	reg := model.New(model.DefaultTable(t.TempDir()), func(ctx context.Context, spec model.Spec) (model.Scorer, error) {
		t.Fatalf("no model should load")
		return nil, nil
	})
	_, err := runEvaluate(context.Background(), reg, evaluateOptions{pipeline: "Huntington", data: t.TempDir()})
	if err == nil || !strings.Contains(err.Error(), "unknown pipeline") {
		t.Fatalf("expected unknown pipeline error, got %v", err)
	}
}

func TestFindPipelineIgnoresCase(t *testing.T) {
	p, ok := findPipeline(" alzheimer sagittal ")
	if !ok || p.Name != "Alzheimer Sagittal" {
		t.Fatalf("expected Alzheimer Sagittal, got %+v %v", p, ok)
	}
	p, ok = findPipeline("parkinson/drawing")
	if !ok || p.Key.Modality != modality.Drawing {
		t.Fatalf("expected drawing key, got %+v %v", p, ok)
	}
}

func TestEvaluateSingleModelKey(t *testing.T) {
	data := t.TempDir()
	for _, class := range []string{"Healthy", "Parkinson"} {
		dir := filepath.Join(data, class)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		img := image.NewGray(image.Rect(0, 0, 64, 64))
		for x := 10; x < 54; x++ {
			img.SetGray(x, 32, color.Gray{Y: 255})
		}
		f, err := os.Create(filepath.Join(dir, "a.png"))
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := png.Encode(f, img); err != nil {
			t.Fatalf("encode: %v", err)
		}
		f.Close()
	}
	reg := model.New(model.DefaultTable(t.TempDir()), func(ctx context.Context, spec model.Spec) (model.Scorer, error) {
		return constScorer{logits: []float32{0, 3}}, nil
	})

	rep, err := runEvaluate(context.Background(), reg, evaluateOptions{pipeline: "parkinson/drawing", data: data, batch: 2})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if rep.Total != 2 || rep.Accuracy != 0.5 {
		t.Fatalf("expected 2 samples at 0.5 accuracy, got %d %.2f", rep.Total, rep.Accuracy)
	}
}

func TestNewEmitterRejectsUnknownSink(t *testing.T) {
	_, err := newEmitter(config.EventsConfig{Sinks: []config.SinkConfig{{Type: "kafka"}}})
	if err == nil {
		t.Fatalf("expected error for unknown sink type")
	}
}
