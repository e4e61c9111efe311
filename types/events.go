// Package types defines the kernel event kinds emitted by the BPF layer and
// the fixed-layout wire structs used to decode perf buffer samples.
package types

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// Event type constants. These must match the event_type field written by the
// BPF programs.
const (
	EventProcessExec = 1
	EventProcessExit = 2
	EventFileRead    = 3
	EventFileWrite   = 4
	EventFileCreate  = 5
	EventFileDelete  = 6
	EventImageLoad   = 7
	EventTCPConnect  = 8
	EventTCPSend     = 9
	EventTCPRecv     = 10
)

// EventHeader is common to all event types
type EventHeader struct {
	EventType uint32
	Pid       uint32
	Ppid      uint32
	Tid       uint32
	Timestamp uint64
	Comm      [16]byte
}

// ProcessEvent represents a process exec/exit event from eBPF
type ProcessEvent struct {
	EventType uint32
	Pid       uint32
	Ppid      uint32
	Tid       uint32
	Timestamp uint64
	Comm      [16]byte
	UID       uint32
	GID       uint32
	ExitCode  uint32
	Pad       uint32
	ExePath   [256]byte
	Cmdline   [256]byte
}

// FileEvent represents a file I/O event from eBPF. The same layout is used
// for read, write, create and delete, and for image (shared object) loads.
type FileEvent struct {
	EventType uint32
	Pid       uint32
	Ppid      uint32
	Tid       uint32
	Timestamp uint64
	Comm      [16]byte
	Path      [256]byte
}

// NetworkEvent represents a TCP event from eBPF
type NetworkEvent struct {
	EventType uint32
	Pid       uint32
	Ppid      uint32
	Tid       uint32
	Timestamp uint64
	Comm      [16]byte
	SAddr     [4]uint32
	DAddr     [4]uint32
	SPort     uint16
	DPort     uint16
	IPVersion uint8
	Pad       [3]uint8
	Size      uint32
}

// KernelEvent is the decoded, platform-independent form handed to captures.
type KernelEvent struct {
	Kind      int
	Time      time.Time
	PID       uint32
	PPID      uint32
	TID       uint32
	Comm      string
	ExePath   string
	Cmdline   string
	Path      string
	SrcAddr   string
	DstAddr   string
	SrcPort   uint16
	DstPort   uint16
	Size      uint32
	ExitCode  uint32
}

// Name returns the trace row event name for the event's kind.
func (e *KernelEvent) Name() string {
	switch e.Kind {
	case EventProcessExec, EventProcessExit:
		return "Process"
	case EventFileRead, EventFileWrite, EventFileCreate, EventFileDelete:
		return "FileIo"
	case EventImageLoad:
		return "Image"
	case EventTCPConnect, EventTCPSend, EventTCPRecv:
		return "TcpIp"
	}
	return fmt.Sprintf("Unknown(%d)", e.Kind)
}

// Operation returns the trace row event type for the event's kind.
func (e *KernelEvent) Operation() string {
	switch e.Kind {
	case EventProcessExec:
		return "Start"
	case EventProcessExit:
		return "Stop"
	case EventFileRead:
		return "Read"
	case EventFileWrite:
		return "Write"
	case EventFileCreate:
		return "Create"
	case EventFileDelete:
		return "Delete"
	case EventImageLoad:
		return "Load"
	case EventTCPConnect:
		return "Connect"
	case EventTCPSend:
		return "Send"
	case EventTCPRecv:
		return "Recv"
	}
	return fmt.Sprintf("Unknown(%d)", e.Kind)
}

// bootTimeNano anchors kernel timestamps to the wall clock. BPF programs
// stamp events with bpf_ktime_get_ns, which counts nanoseconds of
// CLOCK_MONOTONIC since boot, not since the Unix epoch.
var bootTimeNano = func() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return time.Now().UnixNano()
	}
	return time.Now().UnixNano() - ts.Nano()
}()

// KtimeToWall converts a kernel monotonic timestamp to UTC wall-clock time.
func KtimeToWall(ns uint64) time.Time {
	return time.Unix(0, bootTimeNano+int64(ns)).UTC()
}

// Decode parses a raw perf buffer sample into a KernelEvent.
func Decode(raw []byte) (*KernelEvent, error) {
	var header EventHeader
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to parse event header: %w", err)
	}

	ev := &KernelEvent{
		Kind: int(header.EventType),
		Time: KtimeToWall(header.Timestamp),
		PID:  header.Pid,
		PPID: header.Ppid,
		TID:  header.Tid,
		Comm: BytesToString(header.Comm[:]),
	}

	switch header.EventType {
	case EventProcessExec, EventProcessExit:
		var pe ProcessEvent
		if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &pe); err != nil {
			return nil, fmt.Errorf("failed to parse process event: %w", err)
		}
		ev.ExePath = BytesToString(pe.ExePath[:])
		ev.Cmdline = BytesToString(pe.Cmdline[:])
		ev.ExitCode = pe.ExitCode

	case EventFileRead, EventFileWrite, EventFileCreate, EventFileDelete, EventImageLoad:
		var fe FileEvent
		if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &fe); err != nil {
			return nil, fmt.Errorf("failed to parse file event: %w", err)
		}
		ev.Path = BytesToString(fe.Path[:])

	case EventTCPConnect, EventTCPSend, EventTCPRecv:
		var ne NetworkEvent
		if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &ne); err != nil {
			return nil, fmt.Errorf("failed to parse network event: %w", err)
		}
		if ne.IPVersion == 6 {
			ev.SrcAddr = ipv6ToString(ne.SAddr)
			ev.DstAddr = ipv6ToString(ne.DAddr)
		} else {
			ev.SrcAddr = ipv4ToString(ne.SAddr[0])
			ev.DstAddr = ipv4ToString(ne.DAddr[0])
		}
		ev.SrcPort = ne.SPort
		ev.DstPort = ne.DPort
		ev.Size = ne.Size

	default:
		return nil, fmt.Errorf("unknown event type %d", header.EventType)
	}

	return ev, nil
}

// ipv4ToString converts a 32-bit IPv4 address to a string
func ipv4ToString(addr uint32) string {
	ip := make(net.IP, 4)
	binary.LittleEndian.PutUint32(ip, addr)
	return ip.String()
}

// ipv6ToString converts a 4x32-bit IPv6 address to a string
func ipv6ToString(addr [4]uint32) string {
	ip := make(net.IP, 16)
	for i := 0; i < 4; i++ {
		binary.BigEndian.PutUint32(ip[i*4:], addr[i])
	}
	return ip.String()
}

// BytesToString converts a byte array to a string, truncating at the first null byte
func BytesToString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
