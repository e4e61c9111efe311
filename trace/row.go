// Package trace persists capture output: a row-oriented CSV trace file and a
// derived record-array JSON artifact keyed by the fixed header.
package trace

import (
	"encoding/csv"
	"fmt"
	"os"
	"time"
)

// Header is the fixed column set of the trace file. Column order and count
// must not change; downstream ETL consumers rely on the offsets.
// Provider/Task/Opcode/Flags/Level/Keywords are reserved and always empty.
var Header = []string{
	"Event Name", "Type", "TimeStamp", "Provider", "Task", "Opcode", "Flags",
	"Level", "Keywords", "PID", "TID", "ProcessName", "ImageFileName",
	"CommandLine", "Path", "User Data",
}

// Row is one observed kernel event relevant to a capture. Rows are immutable
// once written.
type Row struct {
	EventName     string
	EventType     string
	TimeStamp     time.Time
	PID           uint32
	TID           uint32
	ProcessName   string
	ImageFileName string
	CommandLine   string
	Path          string
	UserData      string
}

// Columns renders the row in header order.
func (r *Row) Columns() []string {
	return []string{
		r.EventName,
		r.EventType,
		r.TimeStamp.UTC().Format(time.RFC3339Nano),
		"", // Provider
		"", // Task
		"", // Opcode
		"", // Flags
		"", // Level
		"", // Keywords
		fmt.Sprintf("0x%X", r.PID),
		fmt.Sprintf("%d", r.TID),
		r.ProcessName,
		r.ImageFileName,
		r.CommandLine,
		r.Path,
		r.UserData,
	}
}

// Writer appends rows to a CSV trace file, flushing after every row so the
// file is usable even if the process dies mid-capture.
type Writer struct {
	file *os.File
	csv  *csv.Writer
	rows int64
}

// NewWriter creates the trace file and writes the header.
func NewWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace file: %w", err)
	}

	w := &Writer{file: f, csv: csv.NewWriter(f)}
	if err := w.csv.Write(Header); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write trace header: %w", err)
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to flush trace header: %w", err)
	}
	return w, nil
}

// Write appends one row and flushes it.
func (w *Writer) Write(r *Row) error {
	if err := w.csv.Write(r.Columns()); err != nil {
		return err
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return err
	}
	w.rows++
	return nil
}

// Rows returns the number of data rows written (header excluded).
func (w *Writer) Rows() int64 {
	return w.rows
}

// Flush forces buffered rows to disk.
func (w *Writer) Flush() error {
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return err
	}
	return w.file.Sync()
}

// Close flushes and closes the trace file.
func (w *Writer) Close() error {
	w.csv.Flush()
	return w.file.Close()
}
