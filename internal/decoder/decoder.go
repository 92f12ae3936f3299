// Package decoder implements the Decoder Subprocess Driver (spec section
// 4.2): it spawns FFmpeg against an RTSP source, exposes its stdout as a
// blocking byte reader, and can forcefully terminate it and its children.
package decoder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rtsprelay/rtsprelay/internal/descriptor"
)

// startupWindow bounds how long Start waits watching for an immediate,
// doomed exit before declaring success (spec section 4.2).
const startupWindow = 1500 * time.Millisecond

// stderrTailLines is how many trailing stderr lines are kept for diagnosing
// a failed start.
const stderrTailLines = 20

// Driver supervises a single FFmpeg process for one stream session.
type Driver struct {
	log *slog.Logger

	// BinPath is the decoder binary to exec; defaults to "ffmpeg". Tests
	// override it to point at a fake script.
	BinPath string

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdout   io.ReadCloser
	stderr   *lineRing
	exited   bool
	exitErr  error
	exitedCh chan struct{}
}

// New returns an unstarted Driver.
func New(log *slog.Logger) *Driver {
	if log == nil {
		log = slog.Default()
	}
	return &Driver{log: log, BinPath: "ffmpeg", stderr: newLineRing(stderrTailLines), exitedCh: make(chan struct{})}
}

// Start spawns ffmpeg for the given descriptor over the given transport and
// waits up to startupWindow to see whether it dies immediately. On failure
// the returned error carries the captured stderr tail.
func (d *Driver) Start(ctx context.Context, desc descriptor.StreamDescriptor, transport descriptor.Transport) error {
	d.mu.Lock()
	if d.cmd != nil {
		d.mu.Unlock()
		return fmt.Errorf("driver already started")
	}

	bin := d.BinPath
	if bin == "" {
		bin = "ffmpeg"
	}
	args := buildArgs(desc, transport)
	cmd := exec.CommandContext(ctx, bin, args...)
	setProcessGroup(cmd)

	// Own the stdout pipe ourselves rather than using cmd.StdoutPipe():
	// Wait() closes a StdoutPipe-created pipe on process exit, which races
	// a concurrent in-flight Read() on it. With our own pipe, the read end
	// only ever sees EOF once every write end (the child's, after it
	// exits) is closed, independent of when Wait() runs.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		d.mu.Unlock()
		stdoutR.Close()
		stdoutW.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		d.mu.Unlock()
		stdoutR.Close()
		stdoutW.Close()
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	// The child has its own copy of the write end; close ours so Read on
	// stdoutR observes EOF once the child's copy closes.
	stdoutW.Close()

	d.cmd = cmd
	d.stdout = stdoutR
	d.mu.Unlock()

	go d.scanStderr(stderrPipe)
	go d.waitForExit()

	select {
	case <-time.After(startupWindow):
		return nil
	case <-d.exitedCh:
		tail := d.stderr.Lines()
		return fmt.Errorf("ffmpeg exited immediately (transport=%s): %v: stderr tail: %s",
			transport, d.exitErrLocked(), strings.Join(tail, " | "))
	}
}

func (d *Driver) exitErrLocked() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exitErr
}

func (d *Driver) scanStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	// FFmpeg progress lines can be long; raise the default token limit.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1<<20)
	for scanner.Scan() {
		d.stderr.Add(scanner.Text())
	}
}

func (d *Driver) waitForExit() {
	d.mu.Lock()
	cmd := d.cmd
	d.mu.Unlock()

	err := cmd.Wait()

	d.mu.Lock()
	d.exited = true
	d.exitErr = err
	d.mu.Unlock()
	close(d.exitedCh)
}

// Read reads up to len(p) decoded bytes from the decoder's stdout. It
// blocks like a normal pipe read.
func (d *Driver) Read(p []byte) (int, error) {
	d.mu.Lock()
	stdout := d.stdout
	d.mu.Unlock()
	if stdout == nil {
		return 0, fmt.Errorf("driver not started")
	}
	return stdout.Read(p)
}

// Exited reports whether the decoder process has exited.
func (d *Driver) Exited() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exited
}

// ExitedCh is closed once the decoder process has exited.
func (d *Driver) ExitedCh() <-chan struct{} {
	return d.exitedCh
}

// StderrTail returns the most recent stderr lines, for diagnostics.
func (d *Driver) StderrTail() []string {
	return d.stderr.Lines()
}

// Stop requests graceful termination (SIGTERM to the process group), waits
// up to timeout, then force-kills (SIGKILL to the process group).
func (d *Driver) Stop(timeout time.Duration) {
	d.mu.Lock()
	cmd := d.cmd
	alreadyExited := d.exited
	d.mu.Unlock()

	if cmd == nil || cmd.Process == nil || alreadyExited {
		return
	}

	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	if err := terminateGroup(cmd); err != nil {
		d.log.Debug("terminate signal failed, process likely already gone", "err", err)
	}

	select {
	case <-d.exitedCh:
		return
	case <-time.After(timeout):
		if err := killGroup(cmd); err != nil {
			d.log.Debug("kill signal failed, process likely already gone", "err", err)
		}
		<-d.exitedCh
	}
}

// buildArgs builds the FFmpeg argument list for the given descriptor and
// transport. Design-level per spec section 4.2: select transport, request
// low-latency flags, disable audio, output MJPEG to stdout, scale to target
// width preserving aspect, cap frame rate, set JPEG quality.
func buildArgs(desc descriptor.StreamDescriptor, transport descriptor.Transport) []string {
	desc = desc.WithDefaults()
	return []string{
		"-rtsp_transport", string(transport),
		"-fflags", "nobuffer",
		"-flags", "low_delay",
		"-i", desc.URL,
		"-an",
		"-f", "mjpeg",
		"-q:v", fmt.Sprintf("%d", desc.JPEGQuality),
		"-vf", fmt.Sprintf("scale=%d:-1,fps=%d", desc.TargetWidth, desc.TargetFPS),
		"-vsync", "passthrough",
		"-flush_packets", "1",
		"-",
	}
}

// lineRing is a fixed-capacity ring buffer of recent stderr lines.
type lineRing struct {
	mu    sync.Mutex
	lines []string
	cap   int
	next  int
	full  bool
}

func newLineRing(capacity int) *lineRing {
	return &lineRing{lines: make([]string, capacity), cap: capacity}
}

func (r *lineRing) Add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cap == 0 {
		return
	}
	r.lines[r.next] = line
	r.next = (r.next + 1) % r.cap
	if r.next == 0 {
		r.full = true
	}
}

func (r *lineRing) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]string, r.next)
		copy(out, r.lines[:r.next])
		return out
	}
	out := make([]string, r.cap)
	copy(out, r.lines[r.next:])
	copy(out[r.cap-r.next:], r.lines[:r.next])
	return out
}
