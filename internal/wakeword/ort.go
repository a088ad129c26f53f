package wakeword

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ortInitOnce ensures the ONNX Runtime environment is initialized exactly
// once. The error is stored at package scope so later constructors surface
// the failure instead of proceeding with an uninitialized environment.
var (
	ortInitOnce sync.Once
	ortInitErr  error

	runtimeMu  sync.Mutex
	runtimeLib string
	assetDirs  []string
)

// ConfigureRuntime tells the loader where the ONNX Runtime shared library
// lives. A non-empty path (the ort_library config key) is used as-is and
// must exist. With an empty path the loader checks each given asset
// directory for a bundled copy — the satellite ships the library beside
// its model files — then beside the executable, and otherwise leaves the
// lookup to the system loader. Must be called before the first model
// loads; later calls have no effect.
func ConfigureRuntime(path string, dirs ...string) {
	runtimeMu.Lock()
	runtimeLib = path
	assetDirs = dirs
	runtimeMu.Unlock()
}

func ortInit() error {
	ortInitOnce.Do(func() {
		path, err := locateRuntime()
		if err != nil {
			ortInitErr = err
			return
		}
		if path != "" {
			ort.SetSharedLibraryPath(path)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return fmt.Errorf("wakeword: %w", ortInitErr)
	}
	return nil
}

// locateRuntime resolves the shared library per ConfigureRuntime. An
// empty result means no candidate was found and the system loader's own
// search applies.
func locateRuntime() (string, error) {
	runtimeMu.Lock()
	configured := runtimeLib
	dirs := append([]string(nil), assetDirs...)
	runtimeMu.Unlock()

	if configured != "" {
		info, err := os.Stat(configured)
		if err != nil {
			return "", fmt.Errorf("ort_library %q: %w", configured, err)
		}
		if info.IsDir() {
			return "", fmt.Errorf("ort_library %q is a directory, want the library file", configured)
		}
		return configured, nil
	}

	name := runtimeLibName()
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", nil
}

func runtimeLibName() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	}
	return "libonnxruntime.so"
}

// ONNXModelSet runs the three model graphs via ONNX Runtime. The mel
// session takes a variable-length input, so all three stages use dynamic
// sessions with per-call tensors.
type ONNXModelSet struct {
	mel        *ortSession
	embedding  *ortSession
	classifier *ortSession
}

// ortSession wraps one dynamic session bound to the first input and output
// names discovered from its graph.
type ortSession struct {
	session *ort.DynamicAdvancedSession
}

func newORTSession(name string, data []byte) (*ortSession, error) {
	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(data)
	if err != nil {
		return nil, fmt.Errorf("wakeword: inspect %s graph: %w", name, err)
	}
	if len(inputs) < 1 || len(outputs) < 1 {
		return nil, fmt.Errorf("wakeword: %s graph has %d inputs and %d outputs, want at least one of each",
			name, len(inputs), len(outputs))
	}
	session, err := ort.NewDynamicAdvancedSessionWithONNXData(
		data,
		[]string{inputs[0].Name},
		[]string{outputs[0].Name},
		nil, // default session options
	)
	if err != nil {
		return nil, fmt.Errorf("wakeword: create %s session: %w", name, err)
	}
	return &ortSession{session: session}, nil
}

// run executes the session on one float32 input tensor and returns the
// flat output data plus its shape.
func (s *ortSession) run(shape ort.Shape, input []float32) ([]float32, []int64, error) {
	in, err := ort.NewTensor(shape, input)
	if err != nil {
		return nil, nil, fmt.Errorf("create input tensor: %w", err)
	}
	defer in.Destroy()

	outputs := []ort.Value{nil}
	if err := s.session.Run([]ort.Value{in}, outputs); err != nil {
		return nil, nil, fmt.Errorf("inference: %w", err)
	}
	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		outputs[0].Destroy()
		return nil, nil, fmt.Errorf("output tensor is %T, want float32", outputs[0])
	}
	defer out.Destroy()

	data := make([]float32, len(out.GetData()))
	copy(data, out.GetData())
	return data, out.GetShape(), nil
}

func (s *ortSession) close() {
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
}

// NewONNXModelSet initializes the runtime and loads the three graphs from
// their serialized bytes.
func NewONNXModelSet(melData, embeddingData, classifierData []byte) (*ONNXModelSet, error) {
	if err := ortInit(); err != nil {
		return nil, err
	}

	mel, err := newORTSession("mel", melData)
	if err != nil {
		return nil, err
	}
	embedding, err := newORTSession("embedding", embeddingData)
	if err != nil {
		mel.close()
		return nil, err
	}
	classifier, err := newORTSession("classifier", classifierData)
	if err != nil {
		mel.close()
		embedding.close()
		return nil, err
	}

	return &ONNXModelSet{mel: mel, embedding: embedding, classifier: classifier}, nil
}

// ValidateModel instantiates a model graph in an ephemeral session to
// prove it loads, then releases it. Used before committing a user import.
func ValidateModel(data []byte) error {
	if err := ortInit(); err != nil {
		return err
	}
	s, err := newORTSession("candidate", data)
	if err != nil {
		return err
	}
	s.close()
	return nil
}

// Mel runs the spectrogram graph on samples shaped [1, N] and returns the
// [T, MelBins] frames from the [1, 1, T, MelBins] output.
func (m *ONNXModelSet) Mel(samples []float32) ([][]float32, error) {
	data, shape, err := m.mel.run(ort.NewShape(1, int64(len(samples))), samples)
	if err != nil {
		return nil, fmt.Errorf("wakeword: mel: %w", err)
	}
	if len(shape) != 4 || shape[0] != 1 || shape[1] != 1 || shape[3] != MelBins {
		return nil, fmt.Errorf("wakeword: mel output shape %v, want [1 1 T %d]", shape, MelBins)
	}
	t := int(shape[2])
	if len(data) != t*MelBins {
		return nil, fmt.Errorf("wakeword: mel output has %d values for %d frames", len(data), t)
	}

	frames := make([][]float32, t)
	for i := 0; i < t; i++ {
		frames[i] = data[i*MelBins : (i+1)*MelBins : (i+1)*MelBins]
	}
	return frames, nil
}

// Embed runs the embedding graph on one [1, MelWindow, MelBins, 1] window
// and returns the EmbeddingSize vector from the [1, 1, 1, 96] output.
func (m *ONNXModelSet) Embed(window [][]float32) ([]float32, error) {
	if len(window) != MelWindow {
		return nil, fmt.Errorf("wakeword: embed window has %d frames, want %d", len(window), MelWindow)
	}
	flat := make([]float32, 0, MelWindow*MelBins)
	for i, frame := range window {
		if len(frame) != MelBins {
			return nil, fmt.Errorf("wakeword: embed window frame %d has %d bins, want %d", i, len(frame), MelBins)
		}
		flat = append(flat, frame...)
	}

	data, shape, err := m.embedding.run(ort.NewShape(1, MelWindow, MelBins, 1), flat)
	if err != nil {
		return nil, fmt.Errorf("wakeword: embed: %w", err)
	}
	if len(data) != EmbeddingSize {
		return nil, fmt.Errorf("wakeword: embedding output shape %v with %d values, want %d", shape, len(data), EmbeddingSize)
	}
	return data, nil
}

// Classify runs the classifier on the last FeatureWindow embeddings shaped
// [1, FeatureWindow, EmbeddingSize] and returns output[0][0].
func (m *ONNXModelSet) Classify(features [][]float32) (float32, error) {
	if len(features) != FeatureWindow {
		return 0, fmt.Errorf("wakeword: classify window has %d features, want %d", len(features), FeatureWindow)
	}
	flat := make([]float32, 0, FeatureWindow*EmbeddingSize)
	for i, f := range features {
		if len(f) != EmbeddingSize {
			return 0, fmt.Errorf("wakeword: classify feature %d has %d values, want %d", i, len(f), EmbeddingSize)
		}
		flat = append(flat, f...)
	}

	data, shape, err := m.classifier.run(ort.NewShape(1, FeatureWindow, EmbeddingSize), flat)
	if err != nil {
		return 0, fmt.Errorf("wakeword: classify: %w", err)
	}
	if len(data) < 1 {
		return 0, fmt.Errorf("wakeword: classifier output shape %v is empty", shape)
	}
	return data[0], nil
}

// Close releases all three sessions. Safe to call multiple times.
func (m *ONNXModelSet) Close() error {
	m.mel.close()
	m.embedding.close()
	m.classifier.close()
	return nil
}
