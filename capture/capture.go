// Package capture demultiplexes the shared kernel event stream into
// per-analysis trace artifacts.
package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/filetrace/kernel-collector/trace"
	"github.com/filetrace/kernel-collector/types"
)

const (
	traceFileName   = "trace.csv"
	recordFileName  = "trace.json"
	procLogFileName = "process_debug.log"
)

// Capture owns one analysis run: its output files, its correlator, and the
// write gating between the event thread and a concurrent stop.
type Capture struct {
	analysisID string
	outputDir  string
	correlator *Correlator
	logger     *zap.Logger

	csvPath  string
	jsonPath string

	// writeMu serializes row writes against finalize/close: the event
	// goroutine writes rows while a control-surface stop may be flushing and
	// closing the same files.
	writeMu sync.Mutex
	closed  bool
	rows    *trace.Writer
	procLog *os.File

	writeErrors int64
}

// New creates the output directory and artifacts for one analysis run.
func New(analysisID, outputDir, targetExe string, logger *zap.Logger) (*Capture, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	c := &Capture{
		analysisID: analysisID,
		outputDir:  outputDir,
		correlator: NewCorrelator(targetExe),
		logger:     logger.With(zap.String("analysis_id", analysisID)),
		csvPath:    filepath.Join(outputDir, traceFileName),
		jsonPath:   filepath.Join(outputDir, recordFileName),
	}

	rows, err := trace.NewWriter(c.csvPath)
	if err != nil {
		return nil, err
	}
	c.rows = rows

	procLog, err := os.Create(filepath.Join(outputDir, procLogFileName))
	if err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to create process log: %w", err)
	}
	c.procLog = procLog
	fmt.Fprintf(procLog, "target_exe=%s target_exe_no_ext=%s\n",
		c.correlator.target.name, c.correlator.target.nameNoExt)

	return c, nil
}

// AnalysisID returns the capture's unique key.
func (c *Capture) AnalysisID() string {
	return c.analysisID
}

// TargetFound reports whether the target process was matched.
func (c *Capture) TargetFound() bool {
	return c.correlator.TargetFound()
}

// Rows returns the number of trace rows written so far.
func (c *Capture) Rows() int64 {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.rows.Rows()
}

// WriteMarker emits a synthetic row. The Capture/Start marker distinguishes a
// capture that observed zero kernel events from one that never started.
func (c *Capture) WriteMarker(eventName, eventType string) {
	c.writeRow(&trace.Row{
		EventName: eventName,
		EventType: eventType,
		TimeStamp: time.Now().UTC(),
		UserData:  fmt.Sprintf("analysis_id=%s", c.analysisID),
	})
}

// HandleEvent offers one kernel event to this capture. Called sequentially
// from the session's event goroutine.
func (c *Capture) HandleEvent(ev *types.KernelEvent) {
	switch ev.Kind {
	case types.EventProcessExec:
		c.onProcessStart(ev)
	case types.EventProcessExit:
		// Exits never shrink the tracked set; trailing events attributed to
		// the PID remain of interest.
	case types.EventFileRead, types.EventFileWrite, types.EventFileCreate, types.EventFileDelete:
		if !c.correlator.Tracked(ev.PID) {
			return
		}
		c.writeRow(&trace.Row{
			EventName:   "FileIo",
			EventType:   ev.Operation(),
			TimeStamp:   ev.Time,
			PID:         ev.PID,
			TID:         ev.TID,
			ProcessName: ev.Comm,
			Path:        ev.Path,
			UserData:    ev.Path,
		})
	case types.EventImageLoad:
		if !c.correlator.Tracked(ev.PID) {
			return
		}
		c.writeRow(&trace.Row{
			EventName:     "Image",
			EventType:     "Load",
			TimeStamp:     ev.Time,
			PID:           ev.PID,
			TID:           ev.TID,
			ProcessName:   ev.Comm,
			ImageFileName: ev.Path,
			Path:          ev.Path,
			UserData:      ev.Path,
		})
	case types.EventTCPConnect, types.EventTCPSend, types.EventTCPRecv:
		if !c.correlator.Tracked(ev.PID) {
			return
		}
		ud := fmt.Sprintf("%s:%d -> %s:%d", ev.SrcAddr, ev.SrcPort, ev.DstAddr, ev.DstPort)
		if ev.Size > 0 {
			ud = fmt.Sprintf("%s size=%d", ud, ev.Size)
		}
		c.writeRow(&trace.Row{
			EventName:   "TcpIp",
			EventType:   ev.Operation(),
			TimeStamp:   ev.Time,
			PID:         ev.PID,
			TID:         ev.TID,
			ProcessName: ev.Comm,
			UserData:    ud,
		})
	}
}

func (c *Capture) onProcessStart(ev *types.KernelEvent) {
	// Every observed start goes to the diagnostic log, never filtered. This
	// is the debugging aid for target-match failures.
	c.logProcess(ev)

	decision := c.correlator.ObserveProcessStart(ev.PID, ev.PPID, ev.Comm, ev.ExePath, ev.Cmdline)
	if !decision.Retained() {
		return
	}

	c.writeRow(&trace.Row{
		EventName:     "Process",
		EventType:     "Start",
		TimeStamp:     ev.Time,
		PID:           ev.PID,
		TID:           ev.TID,
		ProcessName:   ev.Comm,
		ImageFileName: ev.ExePath,
		CommandLine:   ev.Cmdline,
		UserData:      fmt.Sprintf("Parent=0x%X", ev.PPID),
	})
}

func (c *Capture) logProcess(ev *types.KernelEvent) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	_, err := fmt.Fprintf(c.procLog, "%s pid=%d ppid=%d proc=%s image=%s cmd=%s\n",
		ev.Time.Format(time.RFC3339Nano), ev.PID, ev.PPID, ev.Comm, ev.ExePath, ev.Cmdline)
	if err != nil {
		c.writeErrors++
		c.logger.Debug("process log write failed", zap.Error(err))
	}
}

func (c *Capture) writeRow(row *trace.Row) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	if err := c.rows.Write(row); err != nil {
		c.writeErrors++
		c.logger.Warn("trace row write failed", zap.Error(err))
	}
}

// Finalize flushes the row file and produces the record-array artifact.
// Conversion is best-effort; the row file remains authoritative.
func (c *Capture) Finalize() {
	c.writeMu.Lock()
	if err := c.rows.Flush(); err != nil {
		c.logger.Warn("trace flush failed", zap.Error(err))
	}
	c.writeMu.Unlock()

	if err := trace.ConvertFile(c.csvPath, c.jsonPath); err != nil {
		c.logger.Warn("record conversion failed", zap.Error(err))
	}
}

// Close releases the capture's files. Rows arriving afterwards are dropped.
func (c *Capture) Close() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if err := c.rows.Close(); err != nil {
		c.logger.Debug("trace close failed", zap.Error(err))
	}
	if err := c.procLog.Close(); err != nil {
		c.logger.Debug("process log close failed", zap.Error(err))
	}
}
