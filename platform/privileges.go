package platform

import "os"

// IsElevated reports whether the process has the privilege required to enable
// kernel tracing providers. Loading BPF programs and attaching kprobes needs
// root (or CAP_BPF+CAP_PERFMON, which in practice means running under sudo).
func IsElevated() bool {
	return os.Geteuid() == 0
}
