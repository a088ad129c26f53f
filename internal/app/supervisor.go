// Package app composes the satellite: audio, wake word pipeline,
// protocol server and their lifecycle.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wyohome/satellite/internal/audio"
	"github.com/wyohome/satellite/internal/satellite"
)

// LifecycleEvent is published to the UI collaborator on run-state changes.
type LifecycleEvent int

const (
	// Started fires once the server is accepting and capture is running.
	Started LifecycleEvent = iota
	// Stopped fires after the shutdown sequence completes.
	Stopped
)

// idleSleep is how long the processor naps when the queue is empty.
const idleSleep = 30 * time.Millisecond

// Pipeline is what the supervisor needs from the wake word pipeline
// beyond what the state machine drives: a synchronous release of the
// model sessions at shutdown.
type Pipeline interface {
	Close() error
}

// Supervisor starts and stops the whole satellite and broadcasts
// lifecycle events.
type Supervisor struct {
	log      *slog.Logger
	sat      *satellite.Satellite
	server   *satellite.Server
	pipeline Pipeline
	playback satellite.Playback
	capture  satellite.Capture
	queue    *audio.Queue
	tap      *audio.Tap
	addr     string

	events  chan LifecycleEvent
	abort   chan struct{}
	running atomic.Bool

	debugMu sync.Mutex
}

// Deps are the components the supervisor composes. All are required
// except Tap and Abort; a nil Abort gets a fresh channel.
type Deps struct {
	Satellite *satellite.Satellite
	Server    *satellite.Server
	Pipeline  Pipeline
	Capture   satellite.Capture
	Playback  satellite.Playback
	Queue     *audio.Queue
	Tap       *audio.Tap
	Addr      string
	Abort     chan struct{}
}

// New builds a supervisor over already-wired components.
func New(deps Deps, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	abort := deps.Abort
	if abort == nil {
		abort = make(chan struct{})
	}
	return &Supervisor{
		log:      logger.With("component", "supervisor"),
		sat:      deps.Satellite,
		server:   deps.Server,
		pipeline: deps.Pipeline,
		capture:  deps.Capture,
		playback: deps.Playback,
		queue:    deps.Queue,
		tap:      deps.Tap,
		addr:     deps.Addr,
		events:   make(chan LifecycleEvent, 4),
		abort:    abort,
	}
}

// Events is the typed lifecycle listener for the surrounding UI.
func (s *Supervisor) Events() <-chan LifecycleEvent {
	return s.events
}

// Running reports the current run-state.
func (s *Supervisor) Running() bool {
	return s.running.Load()
}

// Run starts everything and blocks until the context is canceled, then
// shuts down in order: capture, processor, server, pipeline.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.sat.StartCapture(); err != nil {
		return fmt.Errorf("app: start capture: %w", err)
	}

	workerStop := make(chan struct{})
	workerDone := make(chan struct{})
	go s.processLoop(workerStop, workerDone)

	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		close(workerStop)
		<-workerDone
		s.capture.Stop()
		return fmt.Errorf("app: listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", lis.Addr().String())

	serveCtx, stopServe := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.server.Serve(serveCtx, lis)
	}()

	s.running.Store(true)
	s.publish(Started)

	var runErr error
	serverDone := false
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		serverDone = true
		if err != nil {
			runErr = fmt.Errorf("app: server: %w", err)
		}
	}

	// Shutdown. The abort channel bounds the playback drain; every loop
	// observes its stop signal at the next suspension point.
	select {
	case <-s.abort:
	default:
		close(s.abort)
	}
	s.capture.Stop()
	close(workerStop)
	<-workerDone
	stopServe()
	if !serverDone {
		if err := <-serveErr; err != nil && runErr == nil {
			runErr = fmt.Errorf("app: server: %w", err)
		}
	}
	s.playback.DrainAndClose()
	if err := s.pipeline.Close(); err != nil {
		s.log.Warn("pipeline close failed", "error", err)
	}

	s.running.Store(false)
	s.publish(Stopped)
	return runErr
}

// processLoop is the processor: it drains the capture queue in order and
// drives the state machine, sleeping briefly when idle.
func (s *Supervisor) processLoop(stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}

		c, ok := s.queue.Pop()
		if !ok {
			select {
			case <-stop:
				return
			case <-time.After(idleSleep):
			}
			continue
		}
		s.sat.ProcessChunk(c)
	}
}

// DebugRecordStart arms the debug tap: from now on captured audio is
// snapshotted into the in-memory ring.
func (s *Supervisor) DebugRecordStart() {
	if s.tap == nil {
		return
	}
	s.tap.Arm()
	s.log.Info("debug recording armed")
}

// DebugPlay plays the debug snapshot back verbatim through the speaker.
// Capture is handed off for the duration so the recording does not
// re-enter the pipeline.
func (s *Supervisor) DebugPlay() error {
	if s.tap == nil {
		return fmt.Errorf("app: no debug tap configured")
	}
	s.debugMu.Lock()
	defer s.debugMu.Unlock()

	s.tap.Disarm()
	pcm := s.tap.SnapshotBytes()
	if len(pcm) == 0 {
		return fmt.Errorf("app: debug ring is empty")
	}

	s.capture.Stop()
	defer func() {
		if err := s.sat.StartCapture(); err != nil {
			s.log.Error("capture restart after debug playback failed", "error", err)
		}
	}()

	if err := s.playback.Setup(audio.SampleRate, 1, 2); err != nil {
		return fmt.Errorf("app: debug playback: %w", err)
	}
	if err := s.playback.Enqueue(pcm); err != nil {
		return fmt.Errorf("app: debug playback: %w", err)
	}
	return s.playback.DrainAndClose()
}

func (s *Supervisor) publish(e LifecycleEvent) {
	select {
	case s.events <- e:
	default:
		s.log.Warn("lifecycle listener is not draining, dropping event", "event", int(e))
	}
}
