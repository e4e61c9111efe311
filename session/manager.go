// Package session owns the process-wide kernel tracing session and the
// single goroutine that consumes its event stream. Every event is offered to
// every live capture; the manager self-heals a dead consumer on the next
// capture start.
package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/filetrace/kernel-collector/capture"
	"github.com/filetrace/kernel-collector/database"
	"github.com/filetrace/kernel-collector/platform"
	"github.com/filetrace/kernel-collector/process"
	"github.com/filetrace/kernel-collector/types"
)

// Loop states reported by Diagnostics.
const (
	LoopStateNone      = "none"
	LoopStateRunning   = "running"
	LoopStateCompleted = "completed"
	LoopStateFaulted   = "faulted"
)

const defaultProcCacheSize = 4096

// disposeJoinTimeout bounds how long Dispose waits for the consume goroutine.
// A goroutine that does not exit in time is abandoned; the process is
// shutting down anyway.
const disposeJoinTimeout = 2 * time.Second

// Config holds the manager's construction settings.
type Config struct {
	// Platform configures the underlying kernel session.
	Platform platform.Config
	// Open opens sessions; defaults to platform.Open.
	Open platform.Opener
	// Catalog receives capture lifecycle records; may be nil.
	Catalog *database.Catalog
	// ProcCacheSize bounds the process metadata cache.
	ProcCacheSize int
	// Registerer receives session metrics; defaults to the global registry.
	Registerer prometheus.Registerer
}

// Manager maintains exactly one active kernel session and broadcasts its
// events to all live captures.
type Manager struct {
	logger   *zap.Logger
	cfg      platform.Config
	open     platform.Opener
	registry *capture.Registry
	catalog  *database.Catalog
	procs    *process.Cache
	metrics  *Metrics

	// mu guards session lifecycle transitions (start/restart/dispose).
	mu       sync.Mutex
	sess     platform.Session
	loopDone chan struct{}

	procStartEvents atomic.Int64
	procExitEvents  atomic.Int64
	fileIOEvents    atomic.Int64
	imageLoadEvents atomic.Int64
	tcpEvents       atomic.Int64
	lostSamples     atomic.Int64
	decodeErrors    atomic.Int64
	handlerPanics   atomic.Int64
	restarts        atomic.Int64
	lastEventNano   atomic.Int64
	loopStartNano   atomic.Int64

	stateMu       sync.Mutex
	loopState     string
	lastLoopError string
}

// NewManager creates a manager. No session is opened until Start or the
// first StartCapture.
func NewManager(cfg Config, logger *zap.Logger) (*Manager, error) {
	open := cfg.Open
	if open == nil {
		open = platform.Open
	}
	cacheSize := cfg.ProcCacheSize
	if cacheSize <= 0 {
		cacheSize = defaultProcCacheSize
	}
	procs, err := process.NewCache(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create process cache: %w", err)
	}
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	return &Manager{
		logger:    logger.Named("session"),
		cfg:       cfg.Platform,
		open:      open,
		registry:  capture.NewRegistry(),
		catalog:   cfg.Catalog,
		procs:     procs,
		metrics:   NewMetrics(reg),
		loopState: LoopStateNone,
	}, nil
}

// Start opens the kernel session and spawns the consume goroutine. It is a
// no-op if a session already exists.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != nil {
		return nil
	}
	return m.startLocked()
}

func (m *Manager) startLocked() error {
	sess, err := m.open(m.cfg, m.logger)
	if err != nil {
		return err
	}

	m.sess = sess
	done := make(chan struct{})
	m.loopDone = done
	m.setLoopState(LoopStateRunning, "")
	m.loopStartNano.Store(time.Now().UnixNano())

	go m.consumeLoop(sess, done)
	return nil
}

// EnsureRunning is invoked before every capture start. A missing session is
// created; a session whose consume goroutine has died is disposed and
// recreated. Events in flight during the restart window are lost.
func (m *Manager) EnsureRunning() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil {
		return m.startLocked()
	}

	select {
	case <-m.loopDone:
		m.logger.Warn("event loop dead, restarting session",
			zap.String("loop_state", m.LoopState()))
		m.sess.Close()
		m.sess = nil
		m.restarts.Add(1)
		m.metrics.restartsTotal.Inc()
		return m.startLocked()
	default:
		return nil
	}
}

// consumeLoop drives the kernel event stream on a single dedicated goroutine
// for the lifetime of the session. It blocks in Read and only returns when
// the session is closed or the provider fails irrecoverably.
func (m *Manager) consumeLoop(sess platform.Session, done chan struct{}) {
	defer close(done)
	m.logger.Info("event loop started")

	for {
		rec, err := sess.Read()
		if err != nil {
			if errors.Is(err, platform.ErrSessionClosed) {
				m.setLoopState(LoopStateCompleted, "")
				m.logger.Info("event loop completed")
			} else {
				m.setLoopState(LoopStateFaulted, err.Error())
				m.logger.Error("event loop faulted", zap.Error(err))
			}
			return
		}

		if rec.LostSamples > 0 {
			m.lostSamples.Add(int64(rec.LostSamples))
			m.metrics.lostTotal.Add(float64(rec.LostSamples))
			continue
		}

		ev, err := types.Decode(rec.RawSample)
		if err != nil {
			m.decodeErrors.Add(1)
			m.metrics.decodeErrors.Inc()
			m.logger.Debug("failed to decode event", zap.Error(err))
			continue
		}

		m.handleEvent(ev)
	}
}

// handleEvent counts the event and offers it to every live capture. A panic
// from one malformed event must never kill the shared consume goroutine;
// that would silently stop tracing for every running analysis.
func (m *Manager) handleEvent(ev *types.KernelEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.handlerPanics.Add(1)
			m.metrics.handlerPanics.Inc()
			m.logger.Error("event handler panic", zap.Any("panic", r))
		}
	}()

	m.lastEventNano.Store(time.Now().UnixNano())

	switch ev.Kind {
	case types.EventProcessExec:
		m.procStartEvents.Add(1)
		m.metrics.eventsTotal.WithLabelValues("process").Inc()
		m.procs.Observe(ev)
	case types.EventProcessExit:
		m.procExitEvents.Add(1)
		m.metrics.eventsTotal.WithLabelValues("process").Inc()
	case types.EventFileRead, types.EventFileWrite, types.EventFileCreate, types.EventFileDelete:
		m.fileIOEvents.Add(1)
		m.metrics.eventsTotal.WithLabelValues("fileio").Inc()
		m.procs.Enrich(ev)
	case types.EventImageLoad:
		m.imageLoadEvents.Add(1)
		m.metrics.eventsTotal.WithLabelValues("image").Inc()
		m.procs.Enrich(ev)
	case types.EventTCPConnect, types.EventTCPSend, types.EventTCPRecv:
		m.tcpEvents.Add(1)
		m.metrics.eventsTotal.WithLabelValues("tcp").Inc()
		m.procs.Enrich(ev)
	}

	for _, c := range m.registry.Snapshot() {
		c.HandleEvent(ev)
	}
}

// StartCapture binds an analysis run to the session: ensures the session is
// alive, creates the capture artifacts, registers the capture, and writes the
// Capture/Start marker row.
func (m *Manager) StartCapture(analysisID, outputDir, targetExe string) error {
	if err := m.EnsureRunning(); err != nil {
		return err
	}

	// Reject duplicates before touching the filesystem: creating artifacts
	// for a rejected request would truncate the live capture's open files
	// when both point at the same output directory.
	if m.registry.Has(analysisID) {
		return fmt.Errorf("%w for analysis_id=%s", capture.ErrDuplicateCapture, analysisID)
	}

	c, err := capture.New(analysisID, outputDir, targetExe, m.logger)
	if err != nil {
		return err
	}

	if err := m.registry.Add(c); err != nil {
		c.Close()
		return err
	}

	c.WriteMarker("Capture", "Start")
	m.metrics.activeCaptures.Set(float64(m.registry.Len()))

	if m.catalog != nil {
		if err := m.catalog.RecordStart(analysisID, outputDir, targetExe); err != nil {
			m.logger.Warn("catalog start record failed", zap.Error(err))
		}
	}

	m.logger.Info("capture started",
		zap.String("analysis_id", analysisID),
		zap.String("output_dir", outputDir),
		zap.String("target_exe", targetExe))
	return nil
}

// TryStopCapture removes, finalizes and disposes a capture. It reports
// whether a capture was actually present; stopping an unknown analysis id is
// not an error here.
func (m *Manager) TryStopCapture(analysisID string) bool {
	c, ok := m.registry.Remove(analysisID)
	if !ok {
		return false
	}

	c.Finalize()
	if m.catalog != nil {
		if err := m.catalog.RecordStop(analysisID, c.TargetFound(), c.Rows()); err != nil {
			m.logger.Warn("catalog stop record failed", zap.Error(err))
		}
	}
	c.Close()

	m.metrics.activeCaptures.Set(float64(m.registry.Len()))
	m.logger.Info("capture stopped",
		zap.String("analysis_id", analysisID),
		zap.Bool("target_found", c.TargetFound()))
	return true
}

// StopCapture is the strict stop path: unknown analysis ids are an error.
func (m *Manager) StopCapture(analysisID string) error {
	if !m.TryStopCapture(analysisID) {
		return fmt.Errorf("%w for analysis_id=%s", capture.ErrCaptureNotFound, analysisID)
	}
	return nil
}

// Dispose finalizes all captures, tears down the session, and waits (bounded)
// for the consume goroutine to exit.
func (m *Manager) Dispose() {
	for _, c := range m.registry.Drain() {
		c.Finalize()
		c.Close()
	}
	m.metrics.activeCaptures.Set(0)

	m.mu.Lock()
	sess := m.sess
	done := m.loopDone
	m.sess = nil
	m.mu.Unlock()

	if sess != nil {
		sess.Close()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(disposeJoinTimeout):
			m.logger.Warn("event loop did not exit before timeout")
		}
	}
}

// Diagnostics is the health snapshot served by the control surface.
type Diagnostics struct {
	ProcStart      int64  `json:"proc_start"`
	ProcExit       int64  `json:"proc_exit"`
	FileIO         int64  `json:"fileio"`
	ImageLoad      int64  `json:"image_load"`
	TCP            int64  `json:"tcp"`
	LostSamples    int64  `json:"lost_samples"`
	DecodeErrors   int64  `json:"decode_errors"`
	HandlerPanics  int64  `json:"handler_panics"`
	Restarts       int64  `json:"restarts"`
	LastEventUTC   string `json:"last_event_utc,omitempty"`
	LoopStartedUTC string `json:"loop_started_utc,omitempty"`
	LoopState      string `json:"loop_state"`
	LastLoopError  string `json:"last_loop_error,omitempty"`
	ActiveCaptures int    `json:"active_captures"`
}

// Diagnostics returns the manager's current counters and loop state.
func (m *Manager) Diagnostics() Diagnostics {
	d := Diagnostics{
		ProcStart:      m.procStartEvents.Load(),
		ProcExit:       m.procExitEvents.Load(),
		FileIO:         m.fileIOEvents.Load(),
		ImageLoad:      m.imageLoadEvents.Load(),
		TCP:            m.tcpEvents.Load(),
		LostSamples:    m.lostSamples.Load(),
		DecodeErrors:   m.decodeErrors.Load(),
		HandlerPanics:  m.handlerPanics.Load(),
		Restarts:       m.restarts.Load(),
		ActiveCaptures: m.registry.Len(),
	}

	if n := m.lastEventNano.Load(); n != 0 {
		d.LastEventUTC = time.Unix(0, n).UTC().Format(time.RFC3339Nano)
	}
	if n := m.loopStartNano.Load(); n != 0 {
		d.LoopStartedUTC = time.Unix(0, n).UTC().Format(time.RFC3339Nano)
	}

	m.stateMu.Lock()
	d.LoopState = m.loopState
	d.LastLoopError = m.lastLoopError
	m.stateMu.Unlock()
	return d
}

// LoopState returns the consume goroutine's state.
func (m *Manager) LoopState() string {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.loopState
}

func (m *Manager) setLoopState(state, lastErr string) {
	m.stateMu.Lock()
	m.loopState = state
	if state == LoopStateRunning || lastErr != "" {
		m.lastLoopError = lastErr
	}
	m.stateMu.Unlock()
}
