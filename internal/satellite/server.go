package satellite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/wyohome/satellite/internal/wyoming"
)

// Server accepts controller connections on TCP and runs the protocol
// loop. One controller is served at a time; further connections are
// accepted serially after the previous one disconnects.
type Server struct {
	log *slog.Logger
	sat *Satellite
}

// NewServer builds the protocol server over the state machine.
func NewServer(sat *Satellite, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{log: logger.With("component", "server"), sat: sat}
}

// Serve accepts connections on lis until the context is canceled or the
// listener is closed. Protocol failures close the offending connection
// and never take the server down.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("satellite: accept: %w", err)
		}
		s.log.Info("controller connected", "remote", conn.RemoteAddr().String())
		s.handleConn(conn)
		s.log.Info("controller disconnected", "remote", conn.RemoteAddr().String())
	}
}

// handleConn runs one controller's read loop to completion.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	reader := wyoming.NewReader(conn, s.log)
	writer := wyoming.NewWriter(conn)

	s.sat.AttachController(writer)
	defer s.sat.DetachController(writer)

	for {
		event, err := reader.ReadEvent()
		if err != nil {
			if errors.Is(err, wyoming.ErrMalformed) || errors.Is(err, wyoming.ErrUnexpectedEOF) {
				s.log.Warn("closing connection on protocol error", "error", err)
			} else {
				s.log.Warn("connection read failed", "error", err)
			}
			return
		}
		if event == nil {
			// Clean close.
			return
		}
		s.sat.HandleEvent(*event, writer)
	}
}

// AttachController installs the connection's writer as the upstream sink.
func (s *Satellite) AttachController(w *wyoming.Writer) {
	s.mu.Lock()
	s.writer = w
	s.mu.Unlock()
}

// DetachController removes the writer if it is still the current one and
// unwinds any state that depended on the connection.
func (s *Satellite) DetachController(w *wyoming.Writer) {
	s.mu.Lock()
	if s.writer != w {
		s.mu.Unlock()
		return
	}
	s.writer = nil
	state := s.state
	s.mu.Unlock()

	switch state {
	case StateStreaming:
		s.toIdle("controller disconnected")
	case StatePlaying:
		// The playback cycle can never complete; discard it.
		s.playback.Interrupt()
		s.playback.DrainAndClose()
		s.restartCapture()
		s.mu.Lock()
		s.playFailed = false
		s.mu.Unlock()
		s.toIdle("controller disconnected during playback")
	}
}

// HandleEvent dispatches one inbound event from the controller.
func (s *Satellite) HandleEvent(e wyoming.Event, w *wyoming.Writer) {
	switch e.Type {
	case wyoming.TypePing:
		s.send(w, wyoming.Pong())

	case wyoming.TypeDescribe:
		info, err := wyoming.InfoEvent(s.cfg.DeviceName, s.cfg.Description)
		if err != nil {
			s.log.Error("building info payload failed", "error", err)
			return
		}
		s.send(w, info)

	case wyoming.TypeAudioStart:
		s.handleAudioStart(e)

	case wyoming.TypeAudioChunk:
		s.handleAudioChunk(e)

	case wyoming.TypeAudioStop:
		s.handleAudioStop(w)

	case wyoming.TypeRunSatellite:
		s.mu.Lock()
		s.paused = false
		s.mu.Unlock()
		s.log.Info("satellite running")

	case wyoming.TypePauseSatellite:
		s.mu.Lock()
		s.paused = true
		s.mu.Unlock()
		s.log.Info("satellite paused")

	case wyoming.TypeDetect, wyoming.TypeTranscribe, wyoming.TypeVoiceStarted,
		wyoming.TypeVoiceStopped, wyoming.TypeDetection:
		// Pipeline bookkeeping events need no local action.
		s.log.Debug("ignoring pipeline event", "type", e.Type)

	case wyoming.TypeError:
		s.log.Warn("controller reported error", "data", string(e.Data))

	default:
		// Unknown types pass through untouched for forward compatibility.
		s.log.Debug("ignoring unknown event", "type", e.Type)
	}
}

// handleAudioStart switches the device from listen to play mode: capture
// stops first so the speaker cannot trigger the wake word.
func (s *Satellite) handleAudioStart(e wyoming.Event) {
	var format wyoming.AudioFormat
	if err := e.DecodeData(&format); err != nil {
		s.log.Warn("audio-start without a usable format, assuming 16kHz mono", "error", err)
		format = upstreamFormat
	}

	s.capture.Stop()

	if err := s.playback.Setup(format.Rate, format.Channels, format.Width); err != nil {
		// The whole cycle is discarded: back to Idle, no played event.
		s.log.Error("playback setup failed, discarding cycle", "error", err)
		s.restartCapture()
		s.mu.Lock()
		s.playFailed = true
		s.state = StateIdle
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.playFailed = false
	s.state = StatePlaying
	s.mu.Unlock()
}

func (s *Satellite) handleAudioChunk(e wyoming.Event) {
	s.mu.Lock()
	playing := s.state == StatePlaying && !s.playFailed
	s.mu.Unlock()
	if !playing {
		return
	}
	if len(e.Payload) == 0 {
		s.log.Warn("audio-chunk without payload bytes")
		return
	}
	if err := s.playback.Enqueue(e.Payload); err != nil {
		s.log.Error("enqueue playback failed", "error", err)
	}
}

// handleAudioStop completes a playback cycle: drain, acknowledge with
// exactly one played event, hand the device back to capture.
func (s *Satellite) handleAudioStop(w *wyoming.Writer) {
	s.mu.Lock()
	failed := s.playFailed
	s.playFailed = false
	playing := s.state == StatePlaying
	if playing {
		s.state = StateIdle
	}
	s.mu.Unlock()

	if failed || !playing {
		return
	}

	if err := s.playback.DrainAndClose(); err != nil {
		s.log.Error("playback drain failed", "error", err)
	}
	s.send(w, wyoming.Played())
	s.restartCapture()
}

func (s *Satellite) restartCapture() {
	if err := s.capture.Start(s.onCaptureChunk); err != nil {
		s.log.Error("capture restart failed", "error", err)
	}
}
