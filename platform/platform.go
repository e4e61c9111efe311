// Package platform provides a platform-agnostic interface to the kernel
// tracing session.
//
// The architecture mirrors a split between a generic consumer loop and an
// OS-specific event source. On Linux the session is implemented with eBPF;
// other platforms get a stub so the control surface can still be exercised
// during development.
package platform

import (
	"errors"

	"go.uber.org/zap"
)

var (
	// ErrPermission is returned when the caller lacks the elevated privilege
	// required to enable kernel-level tracing.
	ErrPermission = errors.New("insufficient privilege to enable kernel tracing")

	// ErrResourceExhausted is returned when the OS tracing resource pool is
	// exhausted, typically by orphaned sessions from prior crashes.
	ErrResourceExhausted = errors.New("kernel tracing resources exhausted")

	// ErrSessionClosed is returned by Read when the session was closed.
	// Any other Read error is a provider fault.
	ErrSessionClosed = errors.New("kernel tracing session closed")
)

// Record represents one raw monitoring event record read from the session.
type Record struct {
	// RawSample contains the raw event data.
	RawSample []byte
	// LostSamples indicates how many samples were dropped by the kernel.
	LostSamples uint64
}

// Session is an active kernel tracing session. Read blocks on the kernel
// event stream; it returns an error once the session is closed or the
// provider fails irrecoverably.
type Session interface {
	Read() (Record, error)
	Close() error
}

// Config holds the settings needed to open a session.
type Config struct {
	// SessionName is the stable, non-randomized session identity. It must
	// not change across restarts so that the next process instance's sweep
	// can find and reclaim orphaned state.
	SessionName string
	// PinDir is the BPF filesystem directory holding pinned session state.
	PinDir string
	// ObjectPath is the compiled BPF object to load.
	ObjectPath string
}

// Opener opens a kernel tracing session. Indirection exists so the session
// manager can be driven by a fake source in tests.
type Opener func(cfg Config, logger *zap.Logger) (Session, error)
