package audio

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// paInitOnce guards portaudio.Initialize, which must run once per process.
// The error is kept at package scope so later opens surface it instead of
// proceeding on an uninitialized library.
var (
	paInitOnce sync.Once
	paInitErr  error
)

func paInit() error {
	paInitOnce.Do(func() {
		paInitErr = portaudio.Initialize()
	})
	if paInitErr != nil {
		return fmt.Errorf("audio: portaudio init: %w", paInitErr)
	}
	return nil
}

// paInStream adapts a portaudio capture stream. portaudio binds the sample
// buffer at open time, so the adapter owns it and copies out on Read.
type paInStream struct {
	stream *portaudio.Stream
	buf    []int16
}

// openPAInput opens the default capture device at 16 kHz mono.
func openPAInput(frames int) (inStream, error) {
	if err := paInit(); err != nil {
		return nil, err
	}
	s := &paInStream{buf: make([]int16, frames)}
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(SampleRate), frames, s.buf)
	if err != nil {
		return nil, fmt.Errorf("audio: open capture stream: %w", err)
	}
	s.stream = stream
	return s, nil
}

func (s *paInStream) Start() error { return s.stream.Start() }

func (s *paInStream) Read(buf []int16) error {
	if err := s.stream.Read(); err != nil {
		// An overflowed input delivered less than a full buffer; the
		// chunk is unusable but the stream itself is fine.
		if err == portaudio.InputOverflowed {
			return ErrShortRead
		}
		return err
	}
	if len(buf) != len(s.buf) {
		return ErrShortRead
	}
	copy(buf, s.buf)
	return nil
}

func (s *paInStream) Stop() error  { return s.stream.Stop() }
func (s *paInStream) Close() error { return s.stream.Close() }

// paOutStream adapts a portaudio playback stream.
type paOutStream struct {
	stream *portaudio.Stream
	buf    []int16
}

// openPAOutput opens the default playback device with the given format.
func openPAOutput(rate, channels, frames int) (outStream, error) {
	if err := paInit(); err != nil {
		return nil, err
	}
	s := &paOutStream{buf: make([]int16, frames*channels)}
	stream, err := portaudio.OpenDefaultStream(0, channels, float64(rate), frames, s.buf)
	if err != nil {
		return nil, fmt.Errorf("audio: open playback stream: %w", err)
	}
	s.stream = stream
	return s, nil
}

func (s *paOutStream) Start() error { return s.stream.Start() }

func (s *paOutStream) Write(samples []int16) error {
	// portaudio writes whole bound buffers; feed it block by block and
	// zero-pad the final partial block.
	for off := 0; off < len(samples); off += len(s.buf) {
		n := copy(s.buf, samples[off:])
		for i := n; i < len(s.buf); i++ {
			s.buf[i] = 0
		}
		if err := s.stream.Write(); err != nil {
			if err == portaudio.OutputUnderflowed {
				continue
			}
			return err
		}
	}
	return nil
}

func (s *paOutStream) Stop() error  { return s.stream.Stop() }
func (s *paOutStream) Close() error { return s.stream.Close() }
