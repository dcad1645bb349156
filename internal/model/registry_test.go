package model

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/neurolens/neurolens/internal/modality"
	"github.com/neurolens/neurolens/internal/tensor"
)

type fakeScorer struct {
	arch    Architecture
	classes int
	closed  atomic.Bool
}

func (f *fakeScorer) Arch() Architecture { return f.arch }
func (f *fakeScorer) Classes() int       { return f.classes }
func (f *fakeScorer) Score(ctx context.Context, inputs ...tensor.Tensor) ([]float32, error) {
	return make([]float32, f.classes), nil
}
func (f *fakeScorer) Close() error {
	f.closed.Store(true)
	return nil
}

func countingLoader(calls *atomic.Int32, delay time.Duration) Loader {
	return func(ctx context.Context, spec Spec) (Scorer, error) {
		calls.Add(1)
		time.Sleep(delay)
		return &fakeScorer{arch: spec.Arch, classes: spec.Classes}, nil
	}
}

var axial = modality.Key{Condition: modality.Alzheimer, Modality: modality.MRIAxial}

func TestRegistryMemoizes(t *testing.T) {
	var calls atomic.Int32
	r := New(DefaultTable("models"), countingLoader(&calls, 0))

	first, err := r.Get(context.Background(), axial)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	second, err := r.Get(context.Background(), axial)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if first != second {
		t.Fatalf("expected the same scorer instance on repeated gets")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one load, got %d", calls.Load())
	}
	if !r.Loaded(axial, Primary) || r.Loaded(axial, Secondary) {
		t.Fatalf("unexpected loaded state")
	}
}

func TestRegistryConcurrentColdLoadSharesOneLoad(t *testing.T) {
	var calls atomic.Int32
	r := New(DefaultTable("models"), countingLoader(&calls, 20*time.Millisecond))

	const n = 16
	got := make([]Scorer, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := r.Get(context.Background(), axial)
			if err != nil {
				t.Errorf("get: %v", err)
				return
			}
			got[i] = s
		}(i)
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		if got[i] != got[0] {
			t.Fatalf("expected identical scorers under concurrent cold start")
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one load, got %d", calls.Load())
	}
}

func TestRegistryUnknownKeyAndMember(t *testing.T) {
	var calls atomic.Int32
	r := New(DefaultTable("models"), countingLoader(&calls, 0))

	_, err := r.Get(context.Background(), modality.Key{Condition: modality.Alzheimer, Modality: modality.Drawing})
	if !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
	general := modality.Key{Condition: modality.Alzheimer, Modality: modality.MRIGeneral}
	if _, err := r.Member(context.Background(), general, Secondary); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey for missing secondary, got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("expected no loads, got %d", calls.Load())
	}
}

func TestRegistryDoesNotCacheFailures(t *testing.T) {
	var calls atomic.Int32
	fail := true
	r := New(DefaultTable("models"), func(ctx context.Context, spec Spec) (Scorer, error) {
		calls.Add(1)
		if fail {
			return nil, errors.New("checkpoint truncated")
		}
		return &fakeScorer{arch: spec.Arch, classes: spec.Classes}, nil
	})

	if _, err := r.Get(context.Background(), axial); !errors.Is(err, ErrLoad) {
		t.Fatalf("expected ErrLoad, got %v", err)
	}
	fail = false
	if _, err := r.Get(context.Background(), axial); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected two load attempts, got %d", calls.Load())
	}
}

func TestRegistryRejectsClassMismatch(t *testing.T) {
	r := New(DefaultTable("models"), func(ctx context.Context, spec Spec) (Scorer, error) {
		return &fakeScorer{arch: spec.Arch, classes: spec.Classes + 1}, nil
	})
	if _, err := r.Get(context.Background(), axial); !errors.Is(err, ErrLoad) {
		t.Fatalf("expected ErrLoad, got %v", err)
	}
}

func TestRegistryHookAndClose(t *testing.T) {
	var calls atomic.Int32
	var hooked atomic.Int32
	r := New(DefaultTable("models"), countingLoader(&calls, 0), WithLoadHook(func(key modality.Key, m Member, d time.Duration, err error) {
		hooked.Add(1)
	}))
	s, err := r.Member(context.Background(), axial, Secondary)
	if err != nil {
		t.Fatalf("member: %v", err)
	}
	if s.Arch() != ResNet50MRI {
		t.Fatalf("expected secondary to be resnet50, got %s", s.Arch())
	}
	if hooked.Load() != 1 {
		t.Fatalf("expected hook to fire once, got %d", hooked.Load())
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !s.(*fakeScorer).closed.Load() {
		t.Fatalf("expected scorer to be closed")
	}
	if _, err := r.Get(context.Background(), axial); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestRegistryClosedDuringColdLoad(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var loaded *fakeScorer
	r := New(DefaultTable("models"), func(ctx context.Context, spec Spec) (Scorer, error) {
		close(entered)
		<-release
		loaded = &fakeScorer{arch: spec.Arch, classes: spec.Classes}
		return loaded, nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := r.Get(context.Background(), axial)
		done <- err
	}()
	<-entered
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	close(release)

	if err := <-done; !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed for a load that finished after Close, got %v", err)
	}
	if !loaded.closed.Load() {
		t.Fatalf("expected late scorer to be closed")
	}
	if r.Loaded(axial, Primary) {
		t.Fatalf("expected nothing cached after close")
	}
}

func TestDefaultTableValidates(t *testing.T) {
	table := DefaultTable("models")
	if err := table.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(table.Keys()) != len(modality.Known()) {
		t.Fatalf("expected every known key in the default table")
	}
	bad := DefaultTable("models")
	e := bad[axial]
	e.Primary.Classes = 4
	bad[axial] = e
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected class-count mismatch to fail validation")
	}
}

func TestAttributionStagesAndAsStaged(t *testing.T) {
	if got := ResNet101MRI.AttributionStages(); len(got) != 3 || got[0] != "layer2" {
		t.Fatalf("unexpected stages %v", got)
	}
	if got := ResNet50Raw.AttributionStages(); len(got) != 1 || got[0] != "layer3" {
		t.Fatalf("unexpected stages %v", got)
	}
	if _, ok := AsStaged(&fakeScorer{arch: AudioDualBranch, classes: 3}); ok {
		t.Fatalf("audio must not be staged")
	}
}

func TestSoftmaxArgmaxFirstWins(t *testing.T) {
	p := Softmax([]float32{1, 3, 3})
	if idx := Argmax(p); idx != 1 {
		t.Fatalf("expected first maximum, got %d", idx)
	}
	sum := 0.0
	for _, v := range p {
		sum += v
	}
	if sum < 0.999999 || sum > 1.000001 {
		t.Fatalf("expected probabilities to sum to 1, got %v", sum)
	}
}

func TestVerifyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.onnx")
	if err := os.WriteFile(path, []byte("weights"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	sum := sha256.Sum256([]byte("weights"))
	if err := verifyFile(path, hex.EncodeToString(sum[:])); err != nil {
		t.Fatalf("expected digest to match: %v", err)
	}
	if err := verifyFile(path, "deadbeef"); !errors.Is(err, ErrLoad) {
		t.Fatalf("expected ErrLoad on mismatch, got %v", err)
	}
	if err := verifyFile(filepath.Join(t.TempDir(), "missing.onnx"), ""); !errors.Is(err, ErrLoad) {
		t.Fatalf("expected ErrLoad for missing file, got %v", err)
	}
}

func TestLoadONNXMissingDir(t *testing.T) {
	_, err := LoadONNX(context.Background(), Spec{Arch: ResNet50MRI, Classes: 5}, RuntimeSettings{})
	if !errors.Is(err, ErrLoad) {
		t.Fatalf("expected ErrLoad, got %v", err)
	}
}
