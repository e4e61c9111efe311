package capture

import (
	"path/filepath"
	"strings"
	"sync"
)

// TargetSpec is the normalized match key for the process an analysis is meant
// to observe. The name actually seen inside the sandbox can differ from the
// caller-supplied one (wrapper scripts, renamed binaries, interpreters), so
// matching is heuristic and deliberately loose.
type TargetSpec struct {
	name      string
	nameNoExt string
}

// NewTargetSpec normalizes a caller-supplied executable name.
func NewTargetSpec(targetExe string) TargetSpec {
	name := strings.ToLower(strings.TrimSpace(targetExe))
	return TargetSpec{
		name:      name,
		nameNoExt: strings.TrimSuffix(name, filepath.Ext(name)),
	}
}

// Matches reports whether a process-start observation identifies the target.
// All comparisons are case-insensitive. Path suffix checks accept both
// separator styles since sandbox images may report Windows-style paths.
func (t TargetSpec) Matches(procName, imagePath, cmdline string) bool {
	procName = strings.ToLower(procName)
	imagePath = strings.ToLower(imagePath)
	cmdline = strings.ToLower(cmdline)

	if procName == t.name || procName == t.nameNoExt {
		return true
	}

	for _, sep := range []string{"/", "\\"} {
		if strings.HasSuffix(imagePath, sep+t.name) ||
			strings.HasSuffix(imagePath, sep+t.nameNoExt+".exe") {
			return true
		}
		if strings.Contains(imagePath, sep+t.name) ||
			strings.Contains(imagePath, sep+t.nameNoExt+".exe") {
			return true
		}
	}

	if strings.Contains(cmdline, t.name) || strings.Contains(cmdline, t.nameNoExt) {
		return true
	}

	return false
}

// Decision is the correlator's verdict on a single process-start event.
type Decision int

const (
	// DecisionDrop means the event does not belong to this capture.
	DecisionDrop Decision = iota
	// DecisionTarget means the event matched the target itself.
	DecisionTarget
	// DecisionChild means the event is a descendant of a tracked process.
	DecisionChild
	// DecisionDiscovery means the target has not been found yet and the event
	// is retained unfiltered as a diagnostic safety net.
	DecisionDiscovery
)

// Retained reports whether the decision results in a trace row.
func (d Decision) Retained() bool {
	return d != DecisionDrop
}

// Correlator decides, per kernel event, whether it belongs to one analysis's
// target process tree. The tracked set only grows for the lifetime of the
// capture; a process that exits stays of interest for trailing events
// attributed to its PID.
type Correlator struct {
	target TargetSpec

	mu          sync.Mutex
	targetFound bool
	tracked     map[uint32]struct{}
}

// NewCorrelator creates a correlator for the given target executable name.
func NewCorrelator(targetExe string) *Correlator {
	return &Correlator{
		target:  NewTargetSpec(targetExe),
		tracked: make(map[uint32]struct{}),
	}
}

// ObserveProcessStart applies the match heuristic to a process-start event
// and updates the tracked set.
func (c *Correlator) ObserveProcessStart(pid, ppid uint32, procName, imagePath, cmdline string) Decision {
	matched := c.target.Matches(procName, imagePath, cmdline)

	c.mu.Lock()
	defer c.mu.Unlock()

	if matched {
		c.targetFound = true
		c.tracked[pid] = struct{}{}
		return DecisionTarget
	}

	if _, ok := c.tracked[ppid]; ok {
		c.tracked[pid] = struct{}{}
		return DecisionChild
	}

	if !c.targetFound {
		return DecisionDiscovery
	}

	return DecisionDrop
}

// Tracked reports whether a PID belongs to the target lineage. This is a pure
// filter with no side effects on the tracked set.
func (c *Correlator) Tracked(pid uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tracked[pid]
	return ok
}

// TargetFound reports whether the target process has been matched.
func (c *Correlator) TargetFound() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targetFound
}

// TrackedCount returns the size of the tracked set.
func (c *Correlator) TrackedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tracked)
}
