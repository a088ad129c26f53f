package audio

import (
	"fmt"
	"io"
	"sync"

	wave "github.com/zenwerk/go-wave"

	"github.com/wyohome/satellite/internal/ringbuf"
)

// Tap snapshots captured audio into a bounded in-memory ring for debug
// recording and verbatim replay. It is disabled until armed.
type Tap struct {
	mu      sync.Mutex
	armed   bool
	ring    *ringbuf.Ring[int16]
	seconds int
}

// NewTap builds a tap holding the last seconds of capture once armed.
func NewTap(seconds int) *Tap {
	if seconds < 1 {
		seconds = 1
	}
	return &Tap{
		ring:    ringbuf.New[int16](seconds * SampleRate),
		seconds: seconds,
	}
}

// Arm clears the ring and starts recording.
func (t *Tap) Arm() {
	t.mu.Lock()
	t.ring.TrimTo(0)
	t.armed = true
	t.mu.Unlock()
}

// Disarm stops recording; the captured snapshot stays readable.
func (t *Tap) Disarm() {
	t.mu.Lock()
	t.armed = false
	t.mu.Unlock()
}

// Observe records a captured chunk while armed.
func (t *Tap) Observe(c Chunk) {
	t.mu.Lock()
	if t.armed {
		t.ring.PushBackAll(c.Samples)
	}
	t.mu.Unlock()
}

// Snapshot returns a copy of everything recorded so far, oldest first.
func (t *Tap) Snapshot() []int16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ring.SnapshotTail(t.ring.Len())
}

// SnapshotBytes returns the snapshot as little-endian 16-bit PCM, ready
// for the playback queue.
func (t *Tap) SnapshotBytes() []byte {
	samples := t.Snapshot()
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[2*i] = byte(uint16(s))
		out[2*i+1] = byte(uint16(s) >> 8)
	}
	return out
}

// WriteWAV dumps the snapshot as a 16 kHz mono 16-bit WAV stream.
func (t *Tap) WriteWAV(w io.Writer) error {
	samples := t.Snapshot()

	param := wave.WriterParam{
		Out:           nopWriteCloser{w},
		Channel:       1,
		SampleRate:    SampleRate,
		BitsPerSample: 16,
	}
	waveWriter, err := wave.NewWriter(param)
	if err != nil {
		return fmt.Errorf("audio: open wav writer: %w", err)
	}
	if _, err := waveWriter.WriteSample16(samples); err != nil {
		waveWriter.Close()
		return fmt.Errorf("audio: write wav samples: %w", err)
	}
	if err := waveWriter.Close(); err != nil {
		return fmt.Errorf("audio: close wav writer: %w", err)
	}
	return nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
