// Package manager implements the Session Manager (spec section 4.4): the
// registry that maps stream ids to Stream Sessions, creates sessions lazily
// on first subscribe, and runs the health monitor that restarts frozen
// streams.
package manager

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rtsprelay/rtsprelay/internal/catalog"
	"github.com/rtsprelay/rtsprelay/internal/descriptor"
	"github.com/rtsprelay/rtsprelay/internal/session"
	"github.com/rtsprelay/rtsprelay/internal/sessionerr"
	"github.com/rtsprelay/rtsprelay/internal/sink"
)

// Config configures a Manager.
type Config struct {
	HealthCheckInterval time.Duration
	FreezeThreshold     time.Duration
	SessionTunables     session.Tunables

	// DescriptorDefaults are applied to every session created by Subscribe
	// (spec section 6: default_target_fps, default_target_width,
	// default_jpeg_quality, transport_order). A catalog entry never
	// overrides these itself, so every stream this Manager creates uses
	// the configured values.
	DescriptorDefaults descriptor.StreamDescriptor
}

func (c Config) normalized() Config {
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 10 * time.Second
	}
	if c.FreezeThreshold <= 0 {
		c.FreezeThreshold = 10 * time.Second
	}
	c.DescriptorDefaults = c.DescriptorDefaults.WithDefaults()
	return c
}

// Recorder receives manager-level events for metrics (spec section 11's
// domain stack wires prometheus here; see internal/metrics).
type Recorder interface {
	SessionStarted(streamID string)
	SessionStopped(streamID string)
	SessionRestarted(streamID string)
	DecoderStartFailure(streamID string)
}

type nopRecorder struct{}

func (nopRecorder) SessionStarted(string)      {}
func (nopRecorder) SessionStopped(string)      {}
func (nopRecorder) SessionRestarted(string)    {}
func (nopRecorder) DecoderStartFailure(string) {}

// Manager owns the stream-id -> Stream Session registry. Lock order is
// fixed (spec section 5): the Manager lock is acquired first, and a
// Session's own lock is never held while acquiring the Manager lock.
type Manager struct {
	cfg       Config
	catalog   catalog.Catalog
	sink      sink.Sink
	log       *slog.Logger
	newDriver func() session.Driver
	recorder  Recorder

	mu        sync.Mutex
	sessions  map[string]*registration
	nextEpoch uint64
}

type registration struct {
	session *session.Session
	epoch   uint64
}

// New constructs a Manager. newDriver builds a fresh session.Driver (backed
// by *decoder.Driver in production) for each connect attempt.
func New(cat catalog.Catalog, snk sink.Sink, cfg Config, log *slog.Logger, newDriver func() session.Driver, recorder Recorder) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Manager{
		cfg:       cfg.normalized(),
		catalog:   cat,
		sink:      snk,
		log:       log,
		newDriver: newDriver,
		recorder:  recorder,
		sessions:  make(map[string]*registration),
	}
}

// Subscribe resolves streamID against the catalog, lazily creates its
// Stream Session if one doesn't already exist, joins it, and returns it
// along with any cached last frame for immediate replay (spec section 9).
func (m *Manager) Subscribe(streamID string) (*session.Session, string, bool, error) {
	m.mu.Lock()
	reg, ok := m.sessions[streamID]
	if !ok {
		entry, err := m.catalog.Lookup(streamID)
		if err != nil {
			m.mu.Unlock()
			return nil, "", false, sessionerr.CatalogMiss(streamID)
		}

		m.nextEpoch++
		epoch := m.nextEpoch

		desc := m.cfg.DescriptorDefaults
		desc.StreamID = streamID
		desc.URL = entry.URL
		sess := session.New(desc, m.sink, m.cfg.SessionTunables, m.log, m.newDriver)
		sess.Epoch = epoch
		sess.Deregister = func(e uint64) { m.handleDeregister(streamID, e) }
		sess.OnDecoderStartFailure = func() { m.recorder.DecoderStartFailure(streamID) }

		reg = &registration{session: sess, epoch: epoch}
		m.sessions[streamID] = reg
		m.log.Info("stream session created", "stream_id", streamID)
	}
	m.mu.Unlock()

	wasRunning := reg.session.Status().Running
	reg.session.Join()
	if !wasRunning {
		m.recorder.SessionStarted(streamID)
	}

	last, hasLast := reg.session.LastFrame()
	return reg.session, last, hasLast, nil
}

// Unsubscribe decrements streamID's client count, arming grace shutdown if
// it reaches zero.
func (m *Manager) Unsubscribe(streamID string) error {
	m.mu.Lock()
	reg, ok := m.sessions[streamID]
	m.mu.Unlock()
	if !ok {
		return sessionerr.CatalogMiss(streamID)
	}
	reg.session.Leave()
	return nil
}

// Terminate forcibly stops and removes streamID's session, regardless of
// client count (spec section 4.3: admin-initiated force stop).
func (m *Manager) Terminate(streamID string) error {
	m.mu.Lock()
	reg, ok := m.sessions[streamID]
	if ok {
		delete(m.sessions, streamID)
	}
	m.mu.Unlock()
	if !ok {
		return sessionerr.CatalogMiss(streamID)
	}
	reg.session.Terminate()
	m.recorder.SessionStopped(streamID)
	return nil
}

// Status returns the current session status for a stream id, if any.
func (m *Manager) Status(streamID string) (session.Status, bool) {
	m.mu.Lock()
	reg, ok := m.sessions[streamID]
	m.mu.Unlock()
	if !ok {
		return session.Status{}, false
	}
	return reg.session.Status(), true
}

// AllStatuses returns a snapshot of every registered stream id's status,
// for the admin API's list/stats endpoints.
func (m *Manager) AllStatuses() map[string]session.Status {
	m.mu.Lock()
	regs := make(map[string]*registration, len(m.sessions))
	for id, r := range m.sessions {
		regs[id] = r
	}
	m.mu.Unlock()

	out := make(map[string]session.Status, len(regs))
	for id, r := range regs {
		out[id] = r.session.Status()
	}
	return out
}

func (m *Manager) handleDeregister(streamID string, epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.sessions[streamID]
	if !ok || reg.epoch != epoch {
		return // superseded by a concurrent re-subscribe; leave it alone
	}
	delete(m.sessions, streamID)
	m.log.Info("stream session deregistered after grace period", "stream_id", streamID)
	m.recorder.SessionStopped(streamID)
}

// HealthMonitor returns a supervisor.Service that restarts any stream whose
// pump has gone quiet for longer than FreezeThreshold while it still has
// subscribers (spec section 4.4).
func (m *Manager) HealthMonitor() *HealthMonitor {
	return &HealthMonitor{m: m}
}

// HealthMonitor implements supervisor.Service.
type HealthMonitor struct {
	m *Manager
}

func (h *HealthMonitor) Name() string { return "health-monitor" }

func (h *HealthMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.m.checkFreezes(h.m.cfg.FreezeThreshold)
		}
	}
}

// checkFreezes restarts any running, subscribed session whose last emitted
// frame is older than threshold.
func (m *Manager) checkFreezes(threshold time.Duration) {
	m.mu.Lock()
	regs := make([]*registration, 0, len(m.sessions))
	for _, r := range m.sessions {
		regs = append(regs, r)
	}
	m.mu.Unlock()

	now := time.Now()
	for _, r := range regs {
		status := r.session.Status()
		if !status.Running || status.ClientCount == 0 {
			continue
		}
		if status.LastEmitTime.IsZero() {
			continue // still connecting, hasn't emitted a first frame yet
		}
		if now.Sub(status.LastEmitTime) > threshold {
			m.log.Warn("stream frozen, restarting", "stream_id", r.session.Descriptor().StreamID, "stale_for", now.Sub(status.LastEmitTime))
			r.session.Restart()
			m.recorder.SessionRestarted(r.session.Descriptor().StreamID)
		}
	}
}
