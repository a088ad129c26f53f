package vad

import (
	"log/slog"
	"math"
	"time"

	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"
)

// FrameSize is the fixed analysis frame: 320 samples, 20 ms at 16 kHz.
const FrameSize = 320

// fluxRatio is how far above the running noise floor the spectral flux of
// a frame must rise to count as speech onset.
const fluxRatio = 1.75

// fluxEpsilon keeps a dead floor from turning every tiny fluctuation into
// an onset when the stream has been pure digital silence.
const fluxEpsilon = 1e-4

// Frame is the frame-based gate. It cuts the incoming stream into
// FrameSize frames regardless of chunk boundaries, carrying up to
// FrameSize-1 tail samples between calls, and flags speech when any frame
// in the call's window is speech. Per-frame decision: spectral flux
// against an adaptive floor, with the RMS silence floor as a lower bound.
type Frame struct {
	rmsFloor float64
	log      *slog.Logger

	tail      []int16
	win       []float64
	prevMag   []float64
	fluxFloor float64
}

func newFrameGate(rmsFloor float64, logger *slog.Logger) *Frame {
	return &Frame{
		rmsFloor: rmsFloor,
		log:      logger,
		tail:     make([]int16, 0, FrameSize),
		win:      window.Hamming(FrameSize),
	}
}

// Accept consumes one chunk. The decision depends only on the sample
// sequence, not on how it is split across calls.
func (g *Frame) Accept(samples []int16) bool {
	start := time.Now()

	buf := samples
	if len(g.tail) > 0 {
		buf = make([]int16, 0, len(g.tail)+len(samples))
		buf = append(buf, g.tail...)
		buf = append(buf, samples...)
		g.tail = g.tail[:0]
	}

	speech := false
	for len(buf) >= FrameSize {
		if g.acceptFrame(buf[:FrameSize]) {
			speech = true
		}
		buf = buf[FrameSize:]
	}
	g.tail = append(g.tail, buf...)

	if elapsed := time.Since(start); elapsed > slowCallWarn {
		g.log.Warn("vad frame computation is slow", "elapsed", elapsed, "samples", len(samples))
	}
	return speech
}

// Reset drops the carried tail, the previous spectrum and the noise floor.
func (g *Frame) Reset() {
	g.tail = g.tail[:0]
	g.prevMag = nil
	g.fluxFloor = 0
}

func (g *Frame) acceptFrame(frame []int16) bool {
	input := make([]float64, FrameSize)
	for i, s := range frame {
		input[i] = float64(s) / 32768.0 * g.win[i]
	}
	spectrum := fft.FFTReal(input)

	mag := make([]float64, len(spectrum)/2+1)
	for i := range mag {
		mag[i] = cmplxAbs(spectrum[i])
	}

	if g.prevMag == nil {
		g.prevMag = mag
		return false
	}

	// Positive spectral flux: energy appearing in bins since last frame.
	var flux float64
	for i := range mag {
		if d := mag[i] - g.prevMag[i]; d > 0 {
			flux += d * d
		}
	}
	g.prevMag = mag

	// A frame quieter than the silence floor never counts, whatever the
	// flux says.
	speech := rms(frame) > g.rmsFloor && flux >= g.fluxFloor*fluxRatio+fluxEpsilon
	if !speech {
		// Track the noise floor as a moving average of non-speech flux.
		g.fluxFloor = g.fluxFloor*0.9 + flux*0.1
	}
	return speech
}

func cmplxAbs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}
