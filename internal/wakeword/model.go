// Package wakeword implements the streaming three-stage wake word
// detector: mel spectrogram, embedding, classifier. The neural stages sit
// behind the ModelSet interface; the ONNX runtime implementation lives in
// ort.go and a deterministic stub in stub.go.
package wakeword

import (
	"fmt"
	"strings"
)

// Tensor shapes fixed by the model chain.
const (
	// MelBins is the width of one mel frame.
	MelBins = 32
	// MelWindow is how many mel frames one embedding consumes.
	MelWindow = 76
	// MelStride is the frame step between successive embedding windows.
	MelStride = 8
	// EmbeddingSize is the length of one embedding vector.
	EmbeddingSize = 96
	// FeatureWindow is how many embeddings the classifier consumes.
	FeatureWindow = 16
	// HopSamples is the pipeline tick: 1280 samples, 80 ms at 16 kHz.
	HopSamples = 1280
	// MelTailSamples is the analysis-window overlap prepended to every
	// mel call so the model's first output frames see enough context.
	MelTailSamples = 480
)

// ModelSet is the loaded three-stage model chain. Implementations must
// assert the shapes above at every boundary.
type ModelSet interface {
	// Mel turns raw [-1,1] samples into mel frames of MelBins values, in
	// the model's output domain (no affine transform applied).
	Mel(samples []float32) ([][]float32, error)
	// Embed turns a MelWindow x MelBins window into one embedding.
	Embed(window [][]float32) ([]float32, error)
	// Classify turns the last FeatureWindow embeddings into a score in [0, 1].
	Classify(features [][]float32) (float32, error)
	// Close releases the underlying sessions. Safe to call twice.
	Close() error
}

// ModelKind distinguishes bundled models from user imports.
type ModelKind int

const (
	// KindBuiltin models ship with the satellite, read-only.
	KindBuiltin ModelKind = iota
	// KindUser models were imported into the writable model directory.
	KindUser
)

// DefaultClassifier is the wake word model used when nothing is selected
// or the selected model cannot be loaded.
var DefaultClassifier = ModelRef{Kind: KindBuiltin, Name: "hey_nabu.onnx"}

// ModelRef names a classifier model: builtin:<name>.onnx or
// user:<name>.onnx.
type ModelRef struct {
	Kind ModelKind
	Name string
}

// ParseModelRef parses the textual form of a model reference.
func ParseModelRef(s string) (ModelRef, error) {
	prefix, name, ok := strings.Cut(s, ":")
	if !ok || name == "" {
		return ModelRef{}, fmt.Errorf("wakeword: model reference %q, want builtin:<name> or user:<name>", s)
	}
	if strings.Contains(name, "/") || strings.Contains(name, "\\") || strings.Contains(name, "..") {
		return ModelRef{}, fmt.Errorf("wakeword: model name %q must be a bare file name", name)
	}
	switch prefix {
	case "builtin":
		return ModelRef{Kind: KindBuiltin, Name: name}, nil
	case "user":
		return ModelRef{Kind: KindUser, Name: name}, nil
	default:
		return ModelRef{}, fmt.Errorf("wakeword: unknown model source %q", prefix)
	}
}

// String returns the canonical textual form.
func (r ModelRef) String() string {
	if r.Kind == KindUser {
		return "user:" + r.Name
	}
	return "builtin:" + r.Name
}

// Phrase returns the wake phrase the model file name encodes, for
// detection events: "hey_nabu.onnx" -> "hey_nabu".
func (r ModelRef) Phrase() string {
	return strings.TrimSuffix(r.Name, ".onnx")
}
