//go:build linux

// Linux implementation of the kernel tracing session, built on eBPF. Process
// lifecycle comes from sched tracepoints, file I/O from vfs kprobes, image
// loads from security_mmap_file, and TCP activity from tcp_* kprobes. All
// programs emit fixed-layout records into a single perf buffer map named
// "events".
package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/perf"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// attachSpec binds a BPF program name to its kernel hook. Optional hooks may
// be missing on older kernels; the session still starts without them.
type attachSpec struct {
	program    string
	tracepoint [2]string // group, name; empty means kprobe
	kprobe     string
	optional   bool
}

var attachments = []attachSpec{
	{program: "handle_process_exec", tracepoint: [2]string{"sched", "sched_process_exec"}},
	{program: "handle_process_exit", tracepoint: [2]string{"sched", "sched_process_exit"}, optional: true},
	{program: "handle_file_read", kprobe: "vfs_read"},
	{program: "handle_file_write", kprobe: "vfs_write"},
	{program: "handle_file_create", kprobe: "vfs_create"},
	{program: "handle_file_delete", kprobe: "vfs_unlink"},
	{program: "handle_image_load", kprobe: "security_mmap_file"},
	{program: "handle_tcp_connect", kprobe: "tcp_connect"},
	{program: "handle_tcp_send", kprobe: "tcp_sendmsg"},
	{program: "handle_tcp_recv", kprobe: "tcp_cleanup_rbuf"},
}

type linuxSession struct {
	reader  *perf.Reader
	links   []link.Link
	coll    *ebpf.Collection
	pinPath string
	logger  *zap.Logger
}

// Open starts the kernel tracing session. It sweeps stale session state left
// by prior crashes before creating a new one, and retries the sweep once if
// creation fails with resource exhaustion.
func Open(cfg Config, logger *zap.Logger) (Session, error) {
	if !IsElevated() {
		return nil, fmt.Errorf("kernel session requires root: %w", ErrPermission)
	}

	SweepStaleSessions(cfg.PinDir, cfg.SessionName, logger)

	sess, err := openSession(cfg, logger)
	if err != nil && errors.Is(err, ErrResourceExhausted) {
		logger.Warn("session open hit resource exhaustion, sweeping and retrying", zap.Error(err))
		SweepStaleSessions(cfg.PinDir, cfg.SessionName, logger)
		sess, err = openSession(cfg, logger)
	}
	return sess, err
}

func openSession(cfg Config, logger *zap.Logger) (Session, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("failed to remove memlock: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(cfg.ObjectPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load BPF object %s: %w", cfg.ObjectPath, err)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, wrapOpenError("failed to load BPF collection", err)
	}

	s := &linuxSession{
		coll:    coll,
		pinPath: filepath.Join(cfg.PinDir, cfg.SessionName),
		logger:  logger,
	}

	eventsMap, ok := coll.Maps["events"]
	if !ok {
		s.Close()
		return nil, fmt.Errorf("BPF object has no events map")
	}

	reader, err := perf.NewReader(eventsMap, os.Getpagesize()*16)
	if err != nil {
		s.Close()
		return nil, wrapOpenError("failed to create perf reader", err)
	}
	s.reader = reader

	if err := os.MkdirAll(s.pinPath, 0700); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create pin directory: %w", err)
	}

	for _, a := range attachments {
		prog, ok := coll.Programs[a.program]
		if !ok {
			s.Close()
			return nil, fmt.Errorf("BPF object has no program %s", a.program)
		}

		var l link.Link
		if a.kprobe != "" {
			l, err = link.Kprobe(a.kprobe, prog, nil)
		} else {
			l, err = link.Tracepoint(a.tracepoint[0], a.tracepoint[1], prog, nil)
		}
		if err != nil {
			if a.optional {
				logger.Warn("optional hook not attached", zap.String("program", a.program), zap.Error(err))
				continue
			}
			s.Close()
			return nil, wrapOpenError(fmt.Sprintf("failed to attach %s", a.program), err)
		}
		s.links = append(s.links, l)

		// Pinned under the stable session name so a later sweep can reclaim
		// the attachment if this process dies without cleaning up.
		if err := l.Pin(filepath.Join(s.pinPath, a.program)); err != nil {
			logger.Debug("failed to pin link", zap.String("program", a.program), zap.Error(err))
		}
	}

	logger.Info("kernel session started",
		zap.String("object", cfg.ObjectPath),
		zap.String("pin_path", s.pinPath),
		zap.Int("hooks", len(s.links)))
	return s, nil
}

// Read implements Session by converting eBPF perf records to the
// platform-agnostic Record type.
func (s *linuxSession) Read() (Record, error) {
	rec, err := s.reader.Read()
	if err != nil {
		if errors.Is(err, perf.ErrClosed) {
			return Record{}, ErrSessionClosed
		}
		return Record{}, err
	}
	return Record{
		RawSample:   rec.RawSample,
		LostSamples: rec.LostSamples,
	}, nil
}

// Close detaches hooks and frees session resources in reverse order.
func (s *linuxSession) Close() error {
	for i := len(s.links) - 1; i >= 0; i-- {
		s.links[i].Unpin()
		s.links[i].Close()
	}
	s.links = nil
	if s.reader != nil {
		s.reader.Close()
		s.reader = nil
	}
	if s.coll != nil {
		s.coll.Close()
		s.coll = nil
	}
	if s.pinPath != "" {
		os.RemoveAll(s.pinPath)
	}
	return nil
}

// SweepStaleSessions force-removes pinned session state matching this
// application's name prefix. Kernel tracing attachments are a finite
// resource; orphans left by prior crashes would otherwise accumulate until
// every new session fails to start.
func SweepStaleSessions(pinDir, sessionName string, logger *zap.Logger) {
	entries, err := os.ReadDir(pinDir)
	if err != nil {
		logger.Debug("stale session sweep skipped", zap.String("pin_dir", pinDir), zap.Error(err))
		return
	}

	prefix := sessionPrefix(sessionName)
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		path := filepath.Join(pinDir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			logger.Warn("failed to remove stale session state", zap.String("path", path), zap.Error(err))
			continue
		}
		logger.Info("removed stale session state", zap.String("path", path))
	}
}

// sessionPrefix extracts the recognized application prefix from a session
// name, so the sweep also reclaims state written under older name variants.
func sessionPrefix(sessionName string) string {
	if i := strings.LastIndex(sessionName, "-"); i > 0 {
		return sessionName[:i]
	}
	return sessionName
}

func wrapOpenError(msg string, err error) error {
	if errors.Is(err, unix.ENOSPC) || errors.Is(err, unix.EMFILE) || errors.Is(err, unix.ENFILE) ||
		strings.Contains(err.Error(), "no space left") {
		return fmt.Errorf("%s: %v: %w", msg, err, ErrResourceExhausted)
	}
	if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) || errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%s: %v: %w", msg, err, ErrPermission)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
