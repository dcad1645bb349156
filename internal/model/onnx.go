package model

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/neurolens/neurolens/internal/redact"
	"github.com/neurolens/neurolens/internal/tensor"
)

const (
	modelFile    = "model.onnx"
	featuresFile = "features.onnx"
	logitsName   = "logits"
	activationIn = "activation"

	defaultIntraThreads = 4
	defaultInterThreads = 1
)

// RuntimeSettings configures the ONNX runtime environment and sessions.
type RuntimeSettings struct {
	SharedLibrary string
	Device        string // cpu or cuda
	IntraThreads  int
	InterThreads  int
}

var (
	envOnce sync.Once
	envErr  error
)

// initRuntime initialises the shared ONNX runtime environment once.
func initRuntime(rt RuntimeSettings, modelDir string) error {
	envOnce.Do(func() {
		libPath := strings.TrimSpace(rt.SharedLibrary)
		if libPath == "" {
			libPath = resolveSharedLibraryPath(modelDir)
		}
		if libPath == "" {
			envErr = fmt.Errorf("onnxruntime shared library not found; set ONNXRUNTIME_SHARED_LIBRARY_PATH or runtime.shared_library")
			return
		}
		ort.SetSharedLibraryPath(libPath)
		if !ort.IsInitialized() {
			if err := ort.InitializeEnvironment(); err != nil {
				envErr = fmt.Errorf("initialize onnxruntime: %w", err)
			}
		}
	})
	return envErr
}

// ShutdownRuntime tears down the ONNX runtime environment.
func ShutdownRuntime() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// resolveSharedLibraryPath locates a platform-specific onnxruntime shared
// library. ONNXRUNTIME_SHARED_LIBRARY_PATH wins; otherwise common names and
// locations are probed.
func resolveSharedLibraryPath(modelDir string) string {
	if env := strings.TrimSpace(os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")); env != "" {
		return env
	}

	names := []string{
		"libonnxruntime.dylib",
		"onnxruntime.dylib",
		"libonnxruntime.so",
		"onnxruntime.so",
		"onnxruntime.dll",
	}
	dirs := []string{
		modelDir,
		filepath.Join(modelDir, "lib"),
		filepath.Dir(modelDir),
		".",
		"/opt/homebrew/lib",
		"/usr/local/lib",
		"/usr/lib",
	}

	for _, dir := range dirs {
		for _, name := range names {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}

// NewONNXLoader returns a Loader that opens checkpoint directories with the
// ONNX runtime.
func NewONNXLoader(rt RuntimeSettings) Loader {
	return func(ctx context.Context, spec Spec) (Scorer, error) {
		return LoadONNX(ctx, spec, rt)
	}
}

// graph is one ONNX session with its declared input/output names.
type graph struct {
	path    string
	inputs  []string
	outputs []string
	outDims [][]int64
	session *ort.DynamicAdvancedSession
	mu      sync.Mutex
}

func openGraph(path string, inputs, outputs []string, rt RuntimeSettings, sha string) (*graph, error) {
	if err := verifyFile(path, sha); err != nil {
		return nil, err
	}
	declIn, declOut, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("%w: inspect %s: %v", ErrLoad, filepath.Base(path), err)
	}
	for _, name := range inputs {
		if _, ok := findInfo(declIn, name); !ok {
			return nil, fmt.Errorf("%w: %s has no input %q (have %v)", ErrLoad, filepath.Base(path), name, infoNames(declIn))
		}
	}
	dims := make([][]int64, len(outputs))
	for i, name := range outputs {
		info, ok := findInfo(declOut, name)
		if !ok {
			return nil, fmt.Errorf("%w: %s has no output %q (have %v)", ErrLoad, filepath.Base(path), name, infoNames(declOut))
		}
		dims[i] = append([]int64(nil), info.Dimensions...)
	}

	opts, err := newSessionOptions(rt)
	if err != nil {
		return nil, err
	}
	defer opts.Destroy()

	session, err := ort.NewDynamicAdvancedSession(path, inputs, outputs, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: create onnx session for %s: %v", ErrLoad, filepath.Base(path), err)
	}
	return &graph{path: path, inputs: inputs, outputs: outputs, outDims: dims, session: session}, nil
}

func newSessionOptions(rt RuntimeSettings) (*ort.SessionOptions, error) {
	intraThr := rt.IntraThreads
	if intraThr <= 0 {
		intraThr = defaultIntraThreads
	}
	interThr := rt.InterThreads
	if interThr <= 0 {
		interThr = defaultInterThreads
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	if err := opts.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("set graph optimization: %w", err)
	}
	if err := opts.SetIntraOpNumThreads(intraThr); err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("set intra threads: %w", err)
	}
	if err := opts.SetInterOpNumThreads(interThr); err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("set inter threads: %w", err)
	}
	if strings.EqualFold(rt.Device, "cuda") {
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("create cuda options: %w", err)
		}
		err = opts.AppendExecutionProviderCUDA(cuda)
		cuda.Destroy()
		if err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("append cuda provider: %w", err)
		}
	}
	return opts, nil
}

func (g *graph) run(ctx context.Context, in []tensor.Tensor) ([]tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(in) != len(g.inputs) {
		return nil, fmt.Errorf("%s expects %d inputs, got %d", filepath.Base(g.path), len(g.inputs), len(in))
	}
	values := make([]ort.Value, len(in))
	defer func() {
		for _, v := range values {
			if v != nil {
				v.Destroy()
			}
		}
	}()
	for i, t := range in {
		v, err := ort.NewTensor(ort.NewShape(t.Shape...), t.Data)
		if err != nil {
			return nil, fmt.Errorf("allocate %s tensor: %w", g.inputs[i], err)
		}
		values[i] = v
	}
	outs := make([]ort.Value, len(g.outputs))

	g.mu.Lock()
	err := g.session.Run(values, outs)
	g.mu.Unlock()
	defer func() {
		for _, v := range outs {
			if v != nil {
				v.Destroy()
			}
		}
	}()
	if err != nil {
		return nil, fmt.Errorf("onnx run: %w", err)
	}

	res := make([]tensor.Tensor, len(outs))
	for i, v := range outs {
		ft, ok := v.(*ort.Tensor[float32])
		if !ok {
			return nil, fmt.Errorf("output %s is not a float32 tensor", g.outputs[i])
		}
		res[i] = tensor.Tensor{
			Shape: append([]int64(nil), ft.GetShape()...),
			Data:  append([]float32(nil), ft.GetData()...),
		}
	}
	return res, nil
}

func (g *graph) close() error {
	if g == nil || g.session == nil {
		return nil
	}
	return g.session.Destroy()
}

// onnxScorer is a checkpoint directory: the full model plus, for staged
// architectures, a feature extractor and one head per stage.
type onnxScorer struct {
	arch     Architecture
	classes  int
	stages   []string
	model    *graph
	features *graph
	heads    []*graph
}

// LoadONNX opens a checkpoint directory and validates it against spec.
func LoadONNX(ctx context.Context, spec Spec, rt RuntimeSettings) (Scorer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(spec.Dir) == "" {
		return nil, fmt.Errorf("%w: checkpoint dir is empty", ErrLoad)
	}
	if err := initRuntime(rt, spec.Dir); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}

	s := &onnxScorer{arch: spec.Arch, classes: spec.Classes}
	var err error
	s.model, err = openGraph(filepath.Join(spec.Dir, modelFile), spec.Arch.InputNames(), []string{logitsName}, rt, spec.SHA256[modelFile])
	if err != nil {
		return nil, err
	}
	if err := checkLogits(s.model, spec.Classes); err != nil {
		s.Close()
		return nil, err
	}

	stages := spec.Arch.AttributionStages()
	featuresPath := filepath.Join(spec.Dir, featuresFile)
	if len(stages) == 0 {
		return s, nil
	}
	if _, statErr := os.Stat(featuresPath); statErr != nil {
		redact.Logf("models: %s has no %s; attribution disabled", spec.Dir, featuresFile)
		return s, nil
	}

	s.features, err = openGraph(featuresPath, spec.Arch.InputNames(), stages, rt, spec.SHA256[featuresFile])
	if err != nil {
		s.Close()
		return nil, err
	}
	for i, stage := range stages {
		name := "head_" + stage + ".onnx"
		head, err := openGraph(filepath.Join(spec.Dir, name), []string{activationIn}, []string{logitsName}, rt, spec.SHA256[name])
		if err != nil {
			s.Close()
			return nil, err
		}
		s.heads = append(s.heads, head)
		if err := checkLogits(head, spec.Classes); err != nil {
			s.Close()
			return nil, err
		}
		if dims := s.features.outDims[i]; len(dims) != 4 {
			s.Close()
			return nil, fmt.Errorf("%w: stage %s has rank %d, want 4", ErrLoad, stage, len(dims))
		}
	}
	s.stages = stages
	return s, nil
}

func checkLogits(g *graph, classes int) error {
	dims := g.outDims[0]
	if len(dims) == 0 {
		return fmt.Errorf("%w: %s logits have no shape", ErrLoad, filepath.Base(g.path))
	}
	if last := dims[len(dims)-1]; last > 0 && int(last) != classes {
		return fmt.Errorf("%w: %s produces %d logits, expected %d classes", ErrLoad, filepath.Base(g.path), last, classes)
	}
	return nil
}

func (s *onnxScorer) Arch() Architecture { return s.arch }
func (s *onnxScorer) Classes() int       { return s.classes }
func (s *onnxScorer) Stages() []string   { return append([]string(nil), s.stages...) }

func (s *onnxScorer) Score(ctx context.Context, inputs ...tensor.Tensor) ([]float32, error) {
	out, err := s.model.run(ctx, inputs)
	if err != nil {
		return nil, err
	}
	return firstRow(out[0], s.classes)
}

func (s *onnxScorer) Activations(ctx context.Context, inputs ...tensor.Tensor) ([]tensor.Tensor, error) {
	if s.features == nil {
		return nil, errors.New("checkpoint exposes no attribution stages")
	}
	return s.features.run(ctx, inputs)
}

func (s *onnxScorer) Resume(ctx context.Context, stage int, activation tensor.Tensor) ([]float32, error) {
	if stage < 0 || stage >= len(s.heads) {
		return nil, fmt.Errorf("stage %d out of range", stage)
	}
	out, err := s.heads[stage].run(ctx, []tensor.Tensor{activation})
	if err != nil {
		return nil, err
	}
	return firstRow(out[0], s.classes)
}

// Close destroys every session.
func (s *onnxScorer) Close() error {
	var errs []error
	for _, g := range append([]*graph{s.model, s.features}, s.heads...) {
		if g == nil {
			continue
		}
		if err := g.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func firstRow(t tensor.Tensor, classes int) ([]float32, error) {
	if len(t.Data) < classes {
		return nil, fmt.Errorf("logits have %d values, expected %d", len(t.Data), classes)
	}
	return append([]float32(nil), t.Data[:classes]...), nil
}

func findInfo(infos []ort.InputOutputInfo, name string) (ort.InputOutputInfo, bool) {
	for _, info := range infos {
		if info.Name == name {
			return info, true
		}
	}
	return ort.InputOutputInfo{}, false
}

func infoNames(infos []ort.InputOutputInfo) []string {
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}
	return names
}
