package wakeword

import (
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/wyohome/satellite/internal/ringbuf"
)

const (
	// RawRingSamples bounds the raw sample ring at 10 s of audio.
	RawRingSamples = 160000
	// MelRingFrames bounds the mel frame ring.
	MelRingFrames = 970
	// FeatureRingSize bounds the embedding ring.
	FeatureRingSize = 120

	// coldStartSamples is the minimum raw-ring fill before the mel stage
	// may run; the model cannot produce a frame from less.
	coldStartSamples = 400

	// melPrimeFrames and melPrimeValue seed the mel ring so the first
	// embedding window is full-length.
	melPrimeFrames = 76
	melPrimeValue  = 1.0

	// primingSamples is 4 s of synthetic noise fed through the first two
	// stages at construction so the first classifier call sees real
	// features instead of zeros.
	primingSamples = 4 * 16000
	primingAmp     = 1000
)

// Pipeline is the streaming wake word detector. It is driven from a
// single goroutine; Offer is invoked at most once per captured hop.
type Pipeline struct {
	log    *slog.Logger
	models ModelSet

	raw  *ringbuf.Ring[float32]
	mel  *ringbuf.Ring[[]float32]
	feat *ringbuf.Ring[[]float32]

	remainder []int16
	lastScore float32
	hasScore  bool
}

// NewPipeline builds and primes a pipeline over the loaded models.
// Priming failures are fatal: a pipeline that cannot run its stages on
// noise will not run them on speech either.
func NewPipeline(models ModelSet, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		log:    logger.With("component", "wakeword"),
		models: models,
		raw:    ringbuf.New[float32](RawRingSamples),
		mel:    ringbuf.New[[]float32](MelRingFrames),
		feat:   ringbuf.New[[]float32](FeatureRingSize),
	}

	for i := 0; i < melPrimeFrames; i++ {
		frame := make([]float32, MelBins)
		for j := range frame {
			frame[j] = melPrimeValue
		}
		p.mel.PushBack(frame)
	}

	if err := p.prime(); err != nil {
		return nil, err
	}
	if p.feat.Len() < FeatureWindow {
		return nil, fmt.Errorf("wakeword: priming produced %d features, want at least %d", p.feat.Len(), FeatureWindow)
	}
	return p, nil
}

// prime runs 4 s of uniform noise through the mel and embedding stages,
// window MelWindow, step MelStride, to seed the feature ring.
func (p *Pipeline) prime() error {
	rng := rand.New(rand.NewSource(0x5a7e11))
	samples := make([]float32, primingSamples)
	for i := range samples {
		samples[i] = float32(rng.Intn(2*primingAmp-1)-(primingAmp-1)) / 32768.0
	}

	frames, err := p.models.Mel(samples)
	if err != nil {
		return fmt.Errorf("wakeword: prime mel stage: %w", err)
	}
	for _, f := range frames {
		p.mel.PushBack(affine(f))
	}
	p.mel.TrimTo(MelRingFrames)

	melAll := p.mel.SnapshotTail(p.mel.Len())
	for end := MelWindow; end <= len(melAll); end += MelStride {
		emb, err := p.models.Embed(melAll[end-MelWindow : end])
		if err != nil {
			return fmt.Errorf("wakeword: prime embedding stage: %w", err)
		}
		p.feat.PushBack(emb)
	}
	p.feat.TrimTo(FeatureRingSize)
	return nil
}

// Offer feeds one captured chunk and returns the classifier score for the
// audio prefix ending at the last whole hop. ok is false while the
// pipeline has not yet produced a score this call; an empty chunk returns
// the previous result without touching any ring.
func (p *Pipeline) Offer(chunk []int16) (float32, bool, error) {
	if len(chunk) == 0 {
		return p.lastScore, p.hasScore, nil
	}

	// Intake: prepend the carried remainder, then push whole hops only,
	// carrying the tail. Anything under one hop is pushed as-is.
	combined := make([]int16, 0, len(p.remainder)+len(chunk))
	combined = append(combined, p.remainder...)
	combined = append(combined, chunk...)

	push := combined
	p.remainder = nil
	if len(combined) >= HopSamples {
		r := len(combined) % HopSamples
		push = combined[:len(combined)-r]
		p.remainder = combined[len(combined)-r:]
	}
	hops := len(push) / HopSamples

	norm := make([]float32, len(push))
	for i, s := range push {
		norm[i] = float32(s) / 32768.0
	}

	if p.raw.Len()+len(norm) < coldStartSamples {
		p.raw.PushBackAll(norm)
		return 0, false, nil
	}

	// Stage A. The input is built before the ring is mutated so a model
	// failure leaves every ring and counter untouched.
	input := make([]float32, 0, MelTailSamples+len(norm))
	input = append(input, p.raw.SnapshotTail(MelTailSamples)...)
	input = append(input, norm...)
	frames, err := p.models.Mel(input)
	if err != nil {
		return 0, false, fmt.Errorf("wakeword: offer: %w", err)
	}

	// Stage B windows are computed against the mel ring as it will look
	// after the append, also before any commit.
	melAll := make([][]float32, 0, p.mel.Len()+len(frames))
	melAll = append(melAll, p.mel.SnapshotTail(p.mel.Len())...)
	for _, f := range frames {
		melAll = append(melAll, affine(f))
	}
	if over := len(melAll) - MelRingFrames; over > 0 {
		melAll = melAll[over:]
	}

	// One embedding per whole hop consumed, windows ending MelStride*i
	// frames before the tail, i descending so output order is oldest
	// first.
	embeds := make([][]float32, 0, hops)
	for i := hops - 1; i >= 0; i-- {
		end := len(melAll) - MelStride*i
		start := end - MelWindow
		if start < 0 || end > len(melAll) {
			continue
		}
		emb, err := p.models.Embed(melAll[start:end])
		if err != nil {
			return 0, false, fmt.Errorf("wakeword: offer: %w", err)
		}
		embeds = append(embeds, emb)
	}

	// Commit.
	p.raw.PushBackAll(norm)
	for i := len(frames); i > 0; i-- {
		p.mel.PushBack(melAll[len(melAll)-i])
	}
	p.mel.TrimTo(MelRingFrames)
	for _, e := range embeds {
		p.feat.PushBack(e)
	}
	p.feat.TrimTo(FeatureRingSize)

	// Stage C.
	if p.feat.Len() < FeatureWindow {
		return 0, false, nil
	}
	score, err := p.models.Classify(p.feat.SnapshotTail(FeatureWindow))
	if err != nil {
		return 0, false, fmt.Errorf("wakeword: offer: %w", err)
	}
	p.lastScore = score
	p.hasScore = true
	return score, true, nil
}

// Close releases the model sessions synchronously.
func (p *Pipeline) Close() error {
	return p.models.Close()
}

// Ring fill levels, used by tests and debug logging.
func (p *Pipeline) RawLen() int     { return p.raw.Len() }
func (p *Pipeline) MelLen() int     { return p.mel.Len() }
func (p *Pipeline) FeatureLen() int { return p.feat.Len() }

// affine maps a model-domain mel frame into the pipeline domain:
// x/10 + 2 per bin.
func affine(frame []float32) []float32 {
	out := make([]float32, len(frame))
	for i, v := range frame {
		out[i] = v/10 + 2
	}
	return out
}
