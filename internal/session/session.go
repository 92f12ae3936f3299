// Package session implements the Stream Session (spec section 4.3): the
// per-stream-id object that owns the decoder driver, the MJPEG splitter,
// the client reference count, and the frame pump.
package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rtsprelay/rtsprelay/internal/descriptor"
	"github.com/rtsprelay/rtsprelay/internal/sessionerr"
	"github.com/rtsprelay/rtsprelay/internal/sink"
	"github.com/rtsprelay/rtsprelay/internal/splitter"
)

// Driver is the subset of *decoder.Driver the pump depends on; a narrow
// interface here keeps the session package testable without spawning real
// FFmpeg processes.
type Driver interface {
	Start(ctx context.Context, desc descriptor.StreamDescriptor, transport descriptor.Transport) error
	Read(p []byte) (int, error)
	Stop(timeout time.Duration)
	Exited() bool
	ExitedCh() <-chan struct{}
	StderrTail() []string
}

// Tunables are the per-session configuration knobs from spec section 6.
type Tunables struct {
	GracePeriod            time.Duration
	TerminateTimeout       time.Duration
	SplitterMaxBufferBytes int
	IdleSleepInterval      time.Duration
	ReadChunkSize          int
}

// DefaultTunables returns the spec-mandated defaults. New clamps
// GracePeriod to MinGracePeriod through normalized().
func DefaultTunables() Tunables {
	return Tunables{
		GracePeriod:            10 * time.Second,
		TerminateTimeout:       3 * time.Second,
		SplitterMaxBufferBytes: splitter.DefaultMaxBufferBytes,
		IdleSleepInterval:      500 * time.Millisecond,
		ReadChunkSize:          64 * 1024,
	}
}

// MinGracePeriod is the floor spec sections 4.3 and 6 place on the grace
// period: a session must outlive a momentary resubscribe by at least this
// long before tearing down.
const MinGracePeriod = 2 * time.Second

func (t Tunables) normalized() Tunables {
	if t.GracePeriod <= 0 {
		t.GracePeriod = 10 * time.Second
	}
	if t.GracePeriod < MinGracePeriod {
		t.GracePeriod = MinGracePeriod
	}
	if t.TerminateTimeout <= 0 {
		t.TerminateTimeout = 3 * time.Second
	}
	if t.SplitterMaxBufferBytes <= 0 {
		t.SplitterMaxBufferBytes = splitter.DefaultMaxBufferBytes
	}
	if t.IdleSleepInterval <= 0 {
		t.IdleSleepInterval = 500 * time.Millisecond
	}
	if t.ReadChunkSize <= 0 {
		t.ReadChunkSize = 64 * 1024
	}
	return t
}

// Status is the read-only snapshot the Manager polls (spec section 4.3).
type Status struct {
	Running      bool
	ClientCount  int
	LastEmitTime time.Time
	RestartCount int
}

// Session is a Stream Session: the central entity of spec section 3.
type Session struct {
	descriptor descriptor.StreamDescriptor
	sink       sink.Sink
	tunables   Tunables
	log        *slog.Logger
	newDriver  func() Driver

	// Epoch uniquely identifies this session instance so the Manager can
	// detect a stale Deregister callback after a concurrent restart
	// (spec section 4.4).
	Epoch uint64

	// Deregister, if set, is invoked after a confirmed grace-period
	// shutdown. It must not be called while mu is held (lock order:
	// Manager lock -> Session lock, spec section 5).
	Deregister func(epoch uint64)

	// OnDecoderStartFailure, if set, is invoked whenever every transport in
	// the descriptor's preference list fails to start the decoder (spec
	// section 4.2). Used to drive the decoder-start-failure metric.
	OnDecoderStartFailure func()

	mu           sync.Mutex
	running      bool
	clientCount  int
	lastEmit     time.Time
	restartCount int
	lastFrame    []byte // base64-encoded, cached per I5/I6
	driver       Driver
	cancelPump   context.CancelFunc
	pumpDone     chan struct{}
	graceTimer   *time.Timer
}

// New constructs a Session in the stopped state; the pump is started by the
// first Join.
func New(desc descriptor.StreamDescriptor, snk sink.Sink, tunables Tunables, log *slog.Logger, newDriver func() Driver) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		descriptor: desc.WithDefaults(),
		sink:       snk,
		tunables:   tunables.normalized(),
		log:        log,
		newDriver:  newDriver,
	}
}

// Descriptor returns the session's immutable descriptor.
func (s *Session) Descriptor() descriptor.StreamDescriptor { return s.descriptor }

// Status returns a snapshot for the Manager's health monitor and metrics.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:      s.running,
		ClientCount:  s.clientCount,
		LastEmitTime: s.lastEmit,
		RestartCount: s.restartCount,
	}
}

// LastFrame returns the most recently cached whole JPEG frame, base64
// encoded, or ("", false) if none has been emitted yet. The Manager uses
// this to replay the last frame to a newly joined subscriber (spec section
// 9, resolved open question).
func (s *Session) LastFrame() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastFrame == nil {
		return "", false
	}
	return string(s.lastFrame), true
}

// Join increments the client count, cancels any pending grace-shutdown
// timer, and starts the pump if it is not already running (spec section
// 4.3: Subscribe/"join").
func (s *Session) Join() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clientCount++
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	if !s.running {
		s.startPumpLocked()
	}
}

// Leave decrements the client count and, if it reaches zero while the
// session is running, arms the grace-shutdown timer (spec section 4.3:
// Unsubscribe/"leave").
func (s *Session) Leave() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.clientCount > 0 {
		s.clientCount--
	}
	if s.clientCount == 0 && s.running {
		s.armGraceTimerLocked()
	}
}

// ClientCount returns the current subscriber count.
func (s *Session) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientCount
}

func (s *Session) armGraceTimerLocked() {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	epoch := s.Epoch
	s.graceTimer = time.AfterFunc(s.tunables.GracePeriod, func() {
		s.onGraceExpired(epoch)
	})
}

// onGraceExpired runs when a grace timer fires. A racing Join cancels the
// timer (best effort via Timer.Stop), but the timer goroutine may already be
// in flight; re-checking clientCount under the lock makes cancellation
// authoritative per spec section 5.
func (s *Session) onGraceExpired(epoch uint64) {
	s.mu.Lock()
	if s.clientCount > 0 || s.Epoch != epoch {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancelPump
	done := s.pumpDone
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	if s.Deregister != nil {
		s.Deregister(epoch)
	}
}

// Terminate forcibly stops the session: clears the client count, clears
// running, cancels any grace timer, stops the driver, and waits for the
// pump to exit (spec section 4.3: "terminate").
func (s *Session) Terminate() {
	s.mu.Lock()
	s.clientCount = 0
	wasRunning := s.running
	s.running = false
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	cancel := s.cancelPump
	done := s.pumpDone
	s.mu.Unlock()

	if !wasRunning {
		return
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// SeedClientCount sets the client count directly. The Manager does not call
// it: its health monitor restarts sessions in place with Restart, which
// keeps the existing client count.
func (s *Session) SeedClientCount(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientCount = n
}

// startPumpLocked must be called with mu held. It satisfies invariant I1:
// exactly one pump task exists while running.
func (s *Session) startPumpLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelPump = cancel
	s.pumpDone = make(chan struct{})
	s.running = true
	go s.pump(ctx, s.pumpDone)
}

// pump is the dedicated pump task (spec section 4.3).
func (s *Session) pump(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.teardown()

	driver, transport, err := s.connect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return // stopped while connecting; not a decoder start failure
		}
		if s.OnDecoderStartFailure != nil {
			s.OnDecoderStartFailure()
		}
		s.publish(sink.Event{Type: sink.EventError, StreamID: s.descriptor.StreamID, Message: err.Error()})
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.driver = driver
	s.mu.Unlock()

	s.publish(sink.Event{Type: sink.EventStatus, StreamID: s.descriptor.StreamID,
		Message: fmt.Sprintf("connected via %s", transport)})

	s.readLoop(ctx, driver)
}

// connect implements the Connect phase: try each transport in preference
// order while running.
func (s *Session) connect(ctx context.Context) (Driver, descriptor.Transport, error) {
	attempts := make(map[string]error, len(s.descriptor.TransportOrder))
	for _, transport := range s.descriptor.TransportOrder {
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		default:
		}

		driver := s.newDriver()
		if err := driver.Start(ctx, s.descriptor, transport); err != nil {
			attempts[string(transport)] = err
			continue
		}
		return driver, transport, nil
	}
	return nil, "", sessionerr.DecoderStartFailure(s.descriptor.StreamID, attempts)
}

// readLoop implements the Read phase of spec section 4.3.
func (s *Session) readLoop(ctx context.Context, driver Driver) {
	sp := splitter.New(s.tunables.SplitterMaxBufferBytes)
	frameInterval := time.Second / time.Duration(s.descriptor.TargetFPS)
	lastEmitTime := time.Time{}
	chunk := make([]byte, s.tunables.ReadChunkSize)

	for {
		if ctx.Err() != nil {
			return
		}
		if !s.isRunning() {
			return
		}

		if s.ClientCount() == 0 {
			// Idle: no subscribers. Do not drain the pipe (spec section 9,
			// resolved open question); just back off.
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.tunables.IdleSleepInterval):
			}
			continue
		}

		n, err := s.readChunk(ctx, driver, chunk)
		if err != nil {
			if ctx.Err() != nil {
				return // stopped by Terminate, Restart or grace expiry
			}
			// EOF or drained pipe with exited child ends the pump.
			s.publish(sink.Event{Type: sink.EventError, StreamID: s.descriptor.StreamID,
				Message: sessionerr.DecoderExit(s.descriptor.StreamID, err).Error()})
			return
		}
		if n == 0 {
			if driver.Exited() {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		sp.Feed(chunk[:n])
		for {
			frame, ok := sp.NextFrame()
			if !ok {
				break
			}
			if frame == nil {
				continue
			}
			now := time.Now()
			if now.Sub(lastEmitTime) < frameInterval {
				continue // rate limit: drop this frame
			}
			lastEmitTime = now
			s.emitFrame(frame, now)
		}
	}
}

// readChunk performs one blocking read, recovering from a transient read
// error (spec section 7: Internal) without ending the pump unless the
// error is an actual EOF/exit.
func (s *Session) readChunk(ctx context.Context, driver Driver, buf []byte) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			wrapped := sessionerr.Internal(s.descriptor.StreamID, fmt.Errorf("%v", r))
			s.log.Error("panic in pump read phase", "stream_id", s.descriptor.StreamID, "err", wrapped)
			err = wrapped
			n = 0
		}
	}()

	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		rn, rerr := driver.Read(buf)
		ch <- result{rn, rerr}
	}()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return r.n, r.err
		}
		return r.n, nil
	}
}

func (s *Session) emitFrame(frame []byte, at time.Time) {
	encoded := base64.StdEncoding.EncodeToString(frame)

	s.mu.Lock()
	s.lastFrame = []byte(encoded)
	s.lastEmit = at
	s.mu.Unlock()

	s.publish(sink.Event{Type: sink.EventFrame, StreamID: s.descriptor.StreamID, Frame: encoded})
}

// publish pushes an event to the sink, isolating a single failure (spec
// section 7: SinkPublishFailure) so the pump always continues.
func (s *Session) publish(e sink.Event) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Publish(e); err != nil {
		s.log.Warn("sink publish failed", "stream_id", s.descriptor.StreamID, "event", e.Type, "err", err)
	}
}

func (s *Session) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// teardown terminates the driver and clears the handle (spec section 4.3:
// Teardown phase).
func (s *Session) teardown() {
	s.mu.Lock()
	driver := s.driver
	s.driver = nil
	timeout := s.tunables.TerminateTimeout
	s.mu.Unlock()

	if driver != nil {
		driver.Stop(timeout)
	}
}

// Restart replaces the driver and pump atomically (stop-then-start, never
// overlapping, per invariant I4), preserving client count and the session
// object itself. The Manager's health monitor (checkFreezes) calls it to
// recover a frozen stream; the registry entry and its epoch stay unchanged.
func (s *Session) Restart() {
	s.mu.Lock()
	wasRunning := s.running
	cancel := s.cancelPump
	done := s.pumpDone
	s.running = false
	s.mu.Unlock()

	if wasRunning {
		if cancel != nil {
			cancel()
		}
		if done != nil {
			<-done
		}
	}

	s.mu.Lock()
	s.restartCount++
	if s.clientCount > 0 {
		s.startPumpLocked()
	}
	s.mu.Unlock()

	s.publish(sink.Event{Type: sink.EventStatus, StreamID: s.descriptor.StreamID, Message: "stream restarted"})
}
