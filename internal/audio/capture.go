package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Capture delivers ChunkSamples-sized chunks from the microphone to a
// callback on a dedicated goroutine.
type Capture struct {
	log  *slog.Logger
	open func(frames int) (inStream, error)

	mu     sync.Mutex
	stream inStream
	stop   chan struct{}
	done   chan struct{}
}

// NewCapture builds a Capture on the default input device. A nil logger
// uses slog.Default.
func NewCapture(logger *slog.Logger) *Capture {
	if logger == nil {
		logger = slog.Default()
	}
	return &Capture{
		log:  logger.With("component", "capture"),
		open: openPAInput,
	}
}

// Start opens the input device and begins delivering chunks to onChunk.
// Calling Start while capture is already active logs and is a no-op, so
// exactly one capture goroutine ever runs.
func (c *Capture) Start(onChunk func(Chunk)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream != nil {
		c.log.Info("capture already active, ignoring start")
		return nil
	}

	stream, err := c.open(ChunkSamples)
	if err != nil {
		return fmt.Errorf("audio: start capture: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("audio: start capture stream: %w", err)
	}

	c.stream = stream
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.run(stream, onChunk, c.stop, c.done)
	return nil
}

// Stop ends the capture goroutine and synchronously releases the device.
// After Stop returns no further callbacks are delivered. Idempotent.
func (c *Capture) Stop() {
	c.mu.Lock()
	if c.stream == nil {
		c.mu.Unlock()
		return
	}
	stream, stop, done := c.stream, c.stop, c.done
	c.stream = nil
	c.mu.Unlock()

	close(stop)
	// Closing the stream unblocks a reader stuck in the device driver.
	stream.Stop()
	stream.Close()
	<-done
}

// Active reports whether a capture goroutine is running.
func (c *Capture) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream != nil
}

func (c *Capture) run(stream inStream, onChunk func(Chunk), stop, done chan struct{}) {
	defer close(done)

	buf := make([]int16, ChunkSamples)
	for {
		select {
		case <-stop:
			return
		default:
		}

		err := stream.Read(buf)
		if err != nil {
			if errors.Is(err, ErrShortRead) {
				// Under-length chunks are dropped, not padded.
				continue
			}
			select {
			case <-stop:
				// Read failed because Stop closed the device under us.
				return
			default:
			}
			c.log.Error("capture read failed", "error", err)
			return
		}

		chunk := Chunk{Samples: make([]int16, ChunkSamples), Timestamp: time.Now()}
		copy(chunk.Samples, buf)
		onChunk(chunk)
	}
}
