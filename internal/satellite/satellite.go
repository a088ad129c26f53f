// Package satellite implements the pipeline-facing state machine and the
// TCP server speaking the Wyoming framed event protocol. The satellite
// owns the microphone routing decision: captured chunks either feed the
// wake word pipeline or are forwarded upstream, never both.
package satellite

import (
	"log/slog"
	"sync"
	"time"

	"github.com/wyohome/satellite/internal/audio"
	"github.com/wyohome/satellite/internal/vad"
	"github.com/wyohome/satellite/internal/wyoming"
)

// State is the satellite's mode. Exactly one of capture or playback is
// active outside transient handoffs.
type State int32

const (
	// StateIdle: capturing, scoring chunks, waiting for the wake word.
	StateIdle State = iota
	// StateListening: wake word fired, no controller to stream to.
	StateListening
	// StateStreaming: wake word fired, mic chunks forwarded upstream.
	StateStreaming
	// StatePlaying: upstream audio playing, capture stopped.
	StatePlaying
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateStreaming:
		return "streaming"
	case StatePlaying:
		return "playing"
	}
	return "unknown"
}

// Pipeline is the wake word scorer the satellite drives.
type Pipeline interface {
	Offer(chunk []int16) (float32, bool, error)
}

// Capture is the microphone side of the audio subsystem.
type Capture interface {
	Start(onChunk func(audio.Chunk)) error
	Stop()
	Active() bool
}

// Playback is the speaker side of the audio subsystem.
type Playback interface {
	Setup(rate, channels, width int) error
	Enqueue(b []byte) error
	DrainAndClose() error
	Interrupt()
	Active() bool
}

// Config carries the detection policy and the identity advertised in info.
type Config struct {
	Threshold        float32
	StreamingTimeout time.Duration
	Phrase           string // wake phrase named in detection events
	DeviceName       string
	Description      string
}

// upstreamFormat is the fixed format of mic audio forwarded to the
// controller.
var upstreamFormat = wyoming.AudioFormat{Rate: audio.SampleRate, Width: 2, Channels: 1}

// Satellite is the state machine coordinating microphone, wake word
// pipeline, protocol connection and speaker.
type Satellite struct {
	log      *slog.Logger
	cfg      Config
	pipeline Pipeline
	gate     vad.Gate
	capture  Capture
	playback Playback
	queue    *audio.Queue
	tap      *audio.Tap
	now      func() time.Time

	mu            sync.Mutex
	state         State
	lastDetection time.Time
	paused        bool
	playFailed    bool
	writer        *wyoming.Writer
}

// New wires the state machine. The queue and tap may be shared with the
// supervisor; now defaults to time.Now.
func New(cfg Config, pipeline Pipeline, gate vad.Gate, capture Capture, playback Playback,
	queue *audio.Queue, tap *audio.Tap, logger *slog.Logger) *Satellite {
	if logger == nil {
		logger = slog.Default()
	}
	return &Satellite{
		log:      logger.With("component", "satellite"),
		cfg:      cfg,
		pipeline: pipeline,
		gate:     gate,
		capture:  capture,
		playback: playback,
		queue:    queue,
		tap:      tap,
		now:      time.Now,
	}
}

// State returns the current mode.
func (s *Satellite) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StartCapture begins feeding the processing queue from the microphone.
func (s *Satellite) StartCapture() error {
	return s.capture.Start(s.onCaptureChunk)
}

func (s *Satellite) onCaptureChunk(c audio.Chunk) {
	s.queue.Push(c)
}

// ProcessChunk runs one captured chunk through the routing decision: VAD
// gate, then either the wake word pipeline or the upstream stream. It is
// invoked from the processor goroutine only.
func (s *Satellite) ProcessChunk(c audio.Chunk) {
	if s.tap != nil {
		s.tap.Observe(c)
	}

	s.mu.Lock()
	state := s.state
	writer := s.writer
	s.mu.Unlock()

	// Playback mode never scores or forwards; a chunk still in the queue
	// from before the handoff is dropped here.
	if state == StatePlaying {
		return
	}

	speech := s.gate.Accept(c.Samples)

	switch state {
	case StateStreaming:
		s.continueStream(c, speech, writer)
	case StateListening:
		s.continueListening(c, speech)
	case StateIdle:
		if !speech {
			return
		}
		s.scoreChunk(c, writer)
	}
}

// scoreChunk advances the pipeline in Idle and handles a positive score.
func (s *Satellite) scoreChunk(c audio.Chunk, writer *wyoming.Writer) {
	score, ok, err := s.pipeline.Offer(c.Samples)
	if err != nil {
		// The offending chunk is dropped; pipeline state is unchanged.
		s.log.Error("wake word inference failed, dropping chunk", "error", err)
		return
	}
	if !ok || score <= s.cfg.Threshold {
		return
	}

	now := s.now()

	s.mu.Lock()
	if s.paused || now.Sub(s.lastDetection) < s.cfg.StreamingTimeout {
		// Cooldown: the score is computed but not honored.
		s.mu.Unlock()
		return
	}
	s.lastDetection = now
	if writer != nil {
		s.state = StateStreaming
	} else {
		s.state = StateListening
	}
	s.mu.Unlock()

	s.log.Info("wake word detected", "score", score, "phrase", s.cfg.Phrase)

	if writer != nil {
		if e, err := wyoming.NewDetection(s.cfg.Phrase, now.UnixMilli()); err == nil {
			s.send(writer, e)
		}
		if e, err := wyoming.AudioStart(upstreamFormat); err == nil {
			s.send(writer, e)
		}
	}
}

// continueListening keeps scoring while the overlay is up, refreshing the
// detection clock on re-fires and dropping back to Idle on silence or
// timeout.
func (s *Satellite) continueListening(c audio.Chunk, speech bool) {
	if !speech {
		s.toIdle("silence")
		return
	}
	s.mu.Lock()
	expired := s.now().Sub(s.lastDetection) > s.cfg.StreamingTimeout
	s.mu.Unlock()
	if expired {
		s.toIdle("timeout")
		return
	}

	score, ok, err := s.pipeline.Offer(c.Samples)
	if err != nil {
		s.log.Error("wake word inference failed, dropping chunk", "error", err)
		return
	}
	if ok && score > s.cfg.Threshold {
		s.mu.Lock()
		if next := s.now(); next.After(s.lastDetection) {
			s.lastDetection = next
		}
		s.mu.Unlock()
	}
}

// continueStream forwards mic chunks upstream until silence, timeout or a
// vanished controller ends the stream.
func (s *Satellite) continueStream(c audio.Chunk, speech bool, writer *wyoming.Writer) {
	s.mu.Lock()
	expired := s.now().Sub(s.lastDetection) > s.cfg.StreamingTimeout
	s.mu.Unlock()

	if writer == nil {
		s.toIdle("controller disconnected")
		return
	}
	if !speech || expired {
		s.endStream(writer)
		return
	}

	pcm := make([]byte, len(c.Samples)*2)
	for i, v := range c.Samples {
		pcm[2*i] = byte(uint16(v))
		pcm[2*i+1] = byte(uint16(v) >> 8)
	}
	if e, err := wyoming.AudioChunk(upstreamFormat, pcm); err == nil {
		s.send(writer, e)
	}
}

func (s *Satellite) endStream(writer *wyoming.Writer) {
	s.send(writer, wyoming.Event{Type: wyoming.TypeVoiceStopped})
	s.send(writer, wyoming.AudioStop())
	s.toIdle("stream ended")
}

func (s *Satellite) toIdle(reason string) {
	s.mu.Lock()
	prev := s.state
	s.state = StateIdle
	s.mu.Unlock()
	if prev != StateIdle {
		s.log.Info("returning to idle", "from", prev.String(), "reason", reason)
	}
}

// send writes one event, logging instead of propagating failures: a dead
// controller is handled by its read loop.
func (s *Satellite) send(w *wyoming.Writer, e wyoming.Event) {
	if err := w.WriteEvent(e); err != nil {
		s.log.Warn("event write failed", "type", e.Type, "error", err)
	}
}
