package audio

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeInStream delivers scripted reads: a positive value fills the buffer
// with that sample, shortRead yields ErrShortRead, and an exhausted script
// blocks until the stream is closed.
type fakeInStream struct {
	mu      sync.Mutex
	script  []int16
	pos     int
	closed  chan struct{}
	started bool
}

const shortRead = int16(-32768)

func newFakeInStream(script ...int16) *fakeInStream {
	return &fakeInStream{script: script, closed: make(chan struct{})}
}

func (f *fakeInStream) Start() error { f.started = true; return nil }

func (f *fakeInStream) Read(buf []int16) error {
	f.mu.Lock()
	if f.pos >= len(f.script) {
		f.mu.Unlock()
		<-f.closed
		return errors.New("stream closed")
	}
	v := f.script[f.pos]
	f.pos++
	f.mu.Unlock()

	if v == shortRead {
		return ErrShortRead
	}
	for i := range buf {
		buf[i] = v
	}
	return nil
}

func (f *fakeInStream) Stop() error { return nil }

func (f *fakeInStream) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

// fakeOutStream records written samples.
type fakeOutStream struct {
	mu      sync.Mutex
	written []int16
	delay   time.Duration
}

func (f *fakeOutStream) Start() error { return nil }

func (f *fakeOutStream) Write(samples []int16) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.written = append(f.written, samples...)
	f.mu.Unlock()
	return nil
}

func (f *fakeOutStream) Stop() error  { return nil }
func (f *fakeOutStream) Close() error { return nil }

func (f *fakeOutStream) snapshot() []int16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int16, len(f.written))
	copy(out, f.written)
	return out
}

func newTestCapture(stream *fakeInStream) *Capture {
	c := NewCapture(nil)
	c.open = func(int) (inStream, error) { return stream, nil }
	return c
}

func newTestPlayback(stream *fakeOutStream, abort chan struct{}) *Playback {
	p := NewPlayback(nil, abort)
	p.open = func(rate, channels, frames int) (outStream, error) { return stream, nil }
	return p
}

func collectChunks(t *testing.T, n int) (func(Chunk), <-chan []Chunk) {
	t.Helper()
	var mu sync.Mutex
	var got []Chunk
	done := make(chan []Chunk, 1)
	return func(c Chunk) {
			mu.Lock()
			got = append(got, c)
			if len(got) == n {
				out := make([]Chunk, n)
				copy(out, got)
				done <- out
			}
			mu.Unlock()
		}, done
}

func TestCaptureDeliversChunks(t *testing.T) {
	stream := newFakeInStream(1, 2, 3)
	c := newTestCapture(stream)
	onChunk, done := collectChunks(t, 3)

	if err := c.Start(onChunk); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	select {
	case chunks := <-done:
		for i, chunk := range chunks {
			if len(chunk.Samples) != ChunkSamples {
				t.Errorf("chunk %d has %d samples, want %d", i, len(chunk.Samples), ChunkSamples)
			}
			if chunk.Samples[0] != int16(i+1) {
				t.Errorf("chunk %d first sample = %d, want %d", i, chunk.Samples[0], i+1)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for chunks")
	}
}

func TestCaptureDropsShortReads(t *testing.T) {
	stream := newFakeInStream(1, shortRead, 2)
	c := newTestCapture(stream)
	onChunk, done := collectChunks(t, 2)

	if err := c.Start(onChunk); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	select {
	case chunks := <-done:
		if chunks[0].Samples[0] != 1 || chunks[1].Samples[0] != 2 {
			t.Errorf("got samples %d, %d; short read was not dropped",
				chunks[0].Samples[0], chunks[1].Samples[0])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for chunks")
	}
}

func TestCaptureStartIdempotent(t *testing.T) {
	stream := newFakeInStream()
	c := newTestCapture(stream)

	opens := 0
	c.open = func(int) (inStream, error) {
		opens++
		return stream, nil
	}

	if err := c.Start(func(Chunk) {}); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(func(Chunk) {}); err != nil {
		t.Fatal(err)
	}
	if opens != 1 {
		t.Errorf("device opened %d times, want 1", opens)
	}
	if !c.Active() {
		t.Error("capture not active after Start")
	}

	c.Stop()
	if c.Active() {
		t.Error("capture still active after Stop")
	}
	// Second Stop is a no-op.
	c.Stop()
}

func TestCaptureStopUnblocksReader(t *testing.T) {
	stream := newFakeInStream() // empty script: Read blocks until close
	c := newTestCapture(stream)
	if err := c.Start(func(Chunk) {}); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return while reader was blocked")
	}
}

func TestPlaybackEnqueueBeforeSetup(t *testing.T) {
	p := newTestPlayback(&fakeOutStream{}, nil)
	if err := p.Enqueue([]byte{0, 0}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("err = %v, want ErrNotInitialized", err)
	}
}

func TestPlaybackDrainWritesEverything(t *testing.T) {
	stream := &fakeOutStream{}
	p := newTestPlayback(stream, nil)

	if err := p.Setup(22050, 1, 2); err != nil {
		t.Fatal(err)
	}
	// 4096 + 2048 bytes, as a controller would send.
	if err := p.Enqueue(bytes.Repeat([]byte{0x01, 0x02}, 2048)); err != nil {
		t.Fatal(err)
	}
	if err := p.Enqueue(bytes.Repeat([]byte{0x03, 0x04}, 1024)); err != nil {
		t.Fatal(err)
	}
	if err := p.DrainAndClose(); err != nil {
		t.Fatal(err)
	}

	if got := len(stream.snapshot()); got != 2048+1024 {
		t.Errorf("wrote %d samples, want %d", got, 2048+1024)
	}
	if p.Active() {
		t.Error("playback still active after DrainAndClose")
	}

	// Idempotent: a second drain is a no-op.
	if err := p.DrainAndClose(); err != nil {
		t.Fatal(err)
	}
}

func TestPlaybackInterruptDiscardsQueue(t *testing.T) {
	stream := &fakeOutStream{delay: 20 * time.Millisecond}
	p := newTestPlayback(stream, nil)

	if err := p.Setup(16000, 1, 2); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		p.Enqueue(make([]byte, 640))
	}
	p.Interrupt()
	if err := p.DrainAndClose(); err != nil {
		t.Fatal(err)
	}
	// Most of the queue must have been discarded, not played.
	if got := len(stream.snapshot()); got > 5*320 {
		t.Errorf("wrote %d samples after interrupt, want only in-flight remainder", got)
	}
}

func TestPlaybackAbortBounded(t *testing.T) {
	stream := &fakeOutStream{delay: 100 * time.Millisecond}
	abort := make(chan struct{})
	p := newTestPlayback(stream, abort)

	if err := p.Setup(16000, 1, 2); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 100; i++ {
		p.Enqueue(make([]byte, 2048))
	}
	close(abort)

	start := time.Now()
	if err := p.DrainAndClose(); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("aborted drain took %v, want well under 500ms", elapsed)
	}
}

func TestPlaybackLayoutFallback(t *testing.T) {
	var gotChannels int
	p := NewPlayback(nil, nil)
	p.open = func(rate, channels, frames int) (outStream, error) {
		gotChannels = channels
		return &fakeOutStream{}, nil
	}
	if err := p.Setup(16000, 6, 4); err != nil {
		t.Fatal(err)
	}
	defer p.DrainAndClose()
	if gotChannels != 1 {
		t.Errorf("channels = %d after fallback, want 1", gotChannels)
	}
}

func TestBytesToSamples(t *testing.T) {
	got := bytesToSamples([]byte{0x34, 0x12, 0xff, 0xff}, 2)
	if got[0] != 0x1234 || got[1] != -1 {
		t.Errorf("width 2: got %v, want [4660 -1]", got)
	}
	got = bytesToSamples([]byte{0x7f, 0x80}, 1)
	if got[0] != 127<<8 || got[1] != -128<<8 {
		t.Errorf("width 1: got %v", got)
	}
}

func TestQueueDropsOldestOnOverflow(t *testing.T) {
	q := NewQueue()
	for i := 0; i < QueueChunks+5; i++ {
		q.Push(Chunk{Samples: []int16{int16(i)}})
	}
	if q.Len() != QueueChunks {
		t.Fatalf("Len = %d, want %d", q.Len(), QueueChunks)
	}
	c, ok := q.Pop()
	if !ok {
		t.Fatal("Pop on full queue returned nothing")
	}
	if c.Samples[0] != 5 {
		t.Errorf("oldest chunk sample = %d, want 5 (first five dropped)", c.Samples[0])
	}
}

func TestTapRecordsOnlyWhileArmed(t *testing.T) {
	tap := NewTap(1)
	tap.Observe(Chunk{Samples: []int16{1, 2, 3}})
	if got := tap.Snapshot(); len(got) != 0 {
		t.Fatalf("disarmed tap recorded %d samples", len(got))
	}

	tap.Arm()
	tap.Observe(Chunk{Samples: []int16{4, 5}})
	tap.Disarm()
	tap.Observe(Chunk{Samples: []int16{6}})

	got := tap.Snapshot()
	if len(got) != 2 || got[0] != 4 || got[1] != 5 {
		t.Fatalf("snapshot = %v, want [4 5]", got)
	}

	b := tap.SnapshotBytes()
	if len(b) != 4 || b[0] != 4 || b[1] != 0 {
		t.Errorf("snapshot bytes = %v", b)
	}
}

func TestTapWriteWAV(t *testing.T) {
	tap := NewTap(1)
	tap.Arm()
	tap.Observe(Chunk{Samples: make([]int16, 1600)})

	var buf bytes.Buffer
	if err := tap.WriteWAV(&buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("RIFF")) {
		t.Error("WAV output does not start with RIFF header")
	}
}
