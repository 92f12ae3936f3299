package session

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rtsprelay/rtsprelay/internal/descriptor"
	"github.com/rtsprelay/rtsprelay/internal/sink"
)

// fakeDriver is an in-memory stand-in for *decoder.Driver.
type fakeDriver struct {
	mu       sync.Mutex
	data     *bytes.Buffer
	exited   bool
	exitedCh chan struct{}
	startErr error
	stopped  bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{data: &bytes.Buffer{}, exitedCh: make(chan struct{})}
}

func (f *fakeDriver) Start(ctx context.Context, desc descriptor.StreamDescriptor, transport descriptor.Transport) error {
	return f.startErr
}

func (f *fakeDriver) Read(p []byte) (int, error) {
	for {
		f.mu.Lock()
		if f.data.Len() > 0 {
			n, _ := f.data.Read(p)
			f.mu.Unlock()
			return n, nil
		}
		exited := f.exited
		f.mu.Unlock()
		if exited {
			return 0, nil
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *fakeDriver) Stop(timeout time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.exited {
		f.exited = true
		close(f.exitedCh)
	}
	f.stopped = true
}

func (f *fakeDriver) Exited() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exited
}

func (f *fakeDriver) ExitedCh() <-chan struct{} { return f.exitedCh }
func (f *fakeDriver) StderrTail() []string      { return nil }

func (f *fakeDriver) feed(b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data.Write(b)
}

func jpegFrame(payload string) []byte {
	b := []byte{0xFF, 0xD8}
	b = append(b, []byte(payload)...)
	for len(b) < 100 {
		b = append(b, 'x')
	}
	b = append(b, 0xFF, 0xD9)
	return b
}

func testDesc() descriptor.StreamDescriptor {
	return descriptor.StreamDescriptor{StreamID: "cam1", URL: "rtsp://x", TargetFPS: 1000}.WithDefaults()
}

func newTestSession(t *testing.T, driver *fakeDriver, events chan sink.Event) *Session {
	t.Helper()
	snk := sink.Func(func(e sink.Event) error {
		select {
		case events <- e:
		default:
		}
		return nil
	})
	tunables := DefaultTunables()
	tunables.GracePeriod = MinGracePeriod // the floor; see normalized()
	tunables.IdleSleepInterval = 5 * time.Millisecond
	return New(testDesc(), snk, tunables, nil, func() Driver { return driver })
}

func TestJoinStartsPumpAndEmitsFrame(t *testing.T) {
	driver := newFakeDriver()
	events := make(chan sink.Event, 16)
	s := newTestSession(t, driver, events)

	s.Join()
	driver.feed(jpegFrame("A"))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type == sink.EventFrame {
				goto done
			}
		case <-deadline:
			t.Fatalf("timed out waiting for frame event")
		}
	}
done:
	if !s.Status().Running {
		t.Fatalf("expected session to be running")
	}
	s.Terminate()
}

func TestLeaveToZeroArmsGraceShutdown(t *testing.T) {
	driver := newFakeDriver()
	events := make(chan sink.Event, 16)
	s := newTestSession(t, driver, events)

	s.Join()
	time.Sleep(10 * time.Millisecond)
	s.Leave()

	deadline := time.After(MinGracePeriod + 2*time.Second)
	for s.Status().Running {
		select {
		case <-deadline:
			t.Fatalf("session never stopped after grace period")
		case <-time.After(20 * time.Millisecond):
		}
	}
	if !driver.stopped {
		t.Fatalf("expected driver to be stopped")
	}
}

func TestJoinCancelsPendingGraceTimer(t *testing.T) {
	driver := newFakeDriver()
	events := make(chan sink.Event, 16)
	s := newTestSession(t, driver, events)

	s.Join()
	time.Sleep(10 * time.Millisecond)
	s.Leave()
	time.Sleep(200 * time.Millisecond) // well within the grace period
	s.Join()

	time.Sleep(MinGracePeriod + time.Second) // past the original grace deadline
	if !s.Status().Running {
		t.Fatalf("expected session to remain running after cancelled grace timer")
	}
	s.Terminate()
}

func TestDeregisterCalledAfterGraceExpiry(t *testing.T) {
	driver := newFakeDriver()
	events := make(chan sink.Event, 16)
	s := newTestSession(t, driver, events)
	s.Epoch = 7

	deregistered := make(chan uint64, 1)
	s.Deregister = func(epoch uint64) { deregistered <- epoch }

	s.Join()
	s.Leave()

	select {
	case epoch := <-deregistered:
		if epoch != 7 {
			t.Fatalf("got epoch %d, want 7", epoch)
		}
	case <-time.After(MinGracePeriod + 2*time.Second):
		t.Fatalf("deregister never called")
	}
}

func TestTerminateStopsRunningSession(t *testing.T) {
	driver := newFakeDriver()
	events := make(chan sink.Event, 16)
	s := newTestSession(t, driver, events)

	s.Join()
	time.Sleep(10 * time.Millisecond)
	s.Terminate()

	if s.Status().Running {
		t.Fatalf("expected session stopped after Terminate")
	}
	if s.Status().ClientCount != 0 {
		t.Fatalf("expected client count reset to 0")
	}
}

func TestDecoderStartFailurePublishesError(t *testing.T) {
	driver := newFakeDriver()
	driver.startErr = context.DeadlineExceeded
	events := make(chan sink.Event, 16)
	s := newTestSession(t, driver, events)

	s.Join()

	select {
	case e := <-events:
		if e.Type != sink.EventError {
			t.Fatalf("expected error event, got %v", e.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected an error event to be published")
	}
}

func TestLastFrameCachedAfterEmit(t *testing.T) {
	driver := newFakeDriver()
	events := make(chan sink.Event, 16)
	s := newTestSession(t, driver, events)

	s.Join()
	driver.feed(jpegFrame("B"))

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := s.LastFrame(); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("last frame never cached")
		case <-time.After(5 * time.Millisecond):
		}
	}
	s.Terminate()
}
