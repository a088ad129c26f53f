package audio

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// outFrames is the block size handed to the playback device per write.
const outFrames = 1024

// drainAbortTimeout bounds how long an aborted DrainAndClose waits for the
// writer goroutine to notice the shutdown.
const drainAbortTimeout = 200 * time.Millisecond

// Playback queues raw PCM bytes onto an output stream and drains them on
// a dedicated goroutine.
type Playback struct {
	log   *slog.Logger
	open  func(rate, channels, frames int) (outStream, error)
	abort chan struct{}

	mu      sync.Mutex
	stream  outStream
	width   int
	queue   [][]byte
	closing bool
	done    chan struct{}
}

// NewPlayback builds a Playback on the default output device. The abort
// channel, when closed, makes DrainAndClose give up within 200 ms.
func NewPlayback(logger *slog.Logger, abort chan struct{}) *Playback {
	if logger == nil {
		logger = slog.Default()
	}
	if abort == nil {
		abort = make(chan struct{})
	}
	return &Playback{
		log:   logger.With("component", "playback"),
		open:  openPAOutput,
		abort: abort,
	}
}

// supported (channels, width) pairs; anything else falls back to (1, 2).
func supportedLayout(channels, width int) bool {
	switch {
	case channels == 1 && width == 1,
		channels == 1 && width == 2,
		channels == 2 && width == 1,
		channels == 2 && width == 2:
		return true
	}
	return false
}

// Setup opens an output stream with the requested format. Unsupported
// channel/width pairs fall back to mono 16-bit with a warning. A stream
// left open by a previous cycle is discarded once the new one is running.
func (p *Playback) Setup(rate, channels, width int) error {
	if !supportedLayout(channels, width) {
		p.log.Warn("unsupported playback layout, falling back to mono 16-bit",
			"channels", channels, "width", width)
		channels, width = 1, 2
	}
	if rate <= 0 {
		rate = SampleRate
	}

	stream, err := p.open(rate, channels, outFrames)
	if err != nil {
		return fmt.Errorf("audio: playback setup: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("audio: playback start: %w", err)
	}

	p.mu.Lock()
	old, oldDone := p.stream, p.done
	p.stream = stream
	p.width = width
	p.queue = nil
	p.closing = false
	p.done = make(chan struct{})
	go p.drain(stream, p.done)
	p.mu.Unlock()

	if old != nil {
		p.log.Warn("playback setup while a stream was open, discarding previous stream")
		<-oldDone
		old.Stop()
		old.Close()
	}
	return nil
}

// Enqueue appends raw PCM bytes to the open stream's queue. Before Setup it
// fails with ErrNotInitialized; after DrainAndClose it fails with ErrClosed.
func (p *Playback) Enqueue(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing {
		return ErrClosed
	}
	if p.stream == nil {
		return ErrNotInitialized
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	p.queue = append(p.queue, cp)
	return nil
}

// Interrupt discards all queued playback immediately. The stream stays
// open; audio already inside the device keeps playing out.
func (p *Playback) Interrupt() {
	p.mu.Lock()
	p.queue = nil
	p.mu.Unlock()
}

// DrainAndClose blocks until the queue is written out, then closes the
// stream. A second call with no open stream is a no-op. When the abort
// channel is closed it abandons the queue and returns within 200 ms.
func (p *Playback) DrainAndClose() error {
	p.mu.Lock()
	if p.stream == nil {
		p.mu.Unlock()
		return nil
	}
	p.closing = true
	stream, done := p.stream, p.done
	p.stream = nil
	p.mu.Unlock()

	select {
	case <-done:
	case <-p.abort:
		p.mu.Lock()
		p.queue = nil
		p.mu.Unlock()
		select {
		case <-done:
		case <-time.After(drainAbortTimeout):
		}
	}

	stream.Stop()
	stream.Close()
	return nil
}

// Active reports whether a playback stream is open.
func (p *Playback) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stream != nil
}

func (p *Playback) drain(stream outStream, done chan struct{}) {
	defer close(done)
	for {
		p.mu.Lock()
		if p.done != done {
			// Stream was replaced by a new Setup; the queue belongs to
			// the new drain goroutine now.
			p.mu.Unlock()
			return
		}
		var b []byte
		if len(p.queue) > 0 {
			b = p.queue[0]
			p.queue = p.queue[1:]
		}
		closing := p.closing
		width := p.width
		p.mu.Unlock()

		if b == nil {
			if closing {
				return
			}
			select {
			case <-p.abort:
				return
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}

		if err := stream.Write(bytesToSamples(b, width)); err != nil {
			p.log.Error("playback write failed", "error", err)
			return
		}
	}
}

// bytesToSamples converts raw PCM bytes to int16 samples. Width 2 is
// little-endian signed 16-bit; width 1 is signed 8-bit scaled up.
func bytesToSamples(b []byte, width int) []int16 {
	if width == 1 {
		out := make([]int16, len(b))
		for i, v := range b {
			out[i] = int16(int8(v)) << 8
		}
		return out
	}
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(uint16(b[2*i]) | uint16(b[2*i+1])<<8)
	}
	return out
}
