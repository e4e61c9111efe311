// Package process maintains a bounded cache of process metadata used to
// enrich kernel events whose payloads carry no process name.
package process

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru"

	"github.com/filetrace/kernel-collector/types"
)

// Info holds the metadata retained per observed process.
type Info struct {
	PID     uint32
	PPID    uint32
	Comm    string
	ExePath string
	CmdLine string
}

// Cache is a size-constrained pid -> Info map with LRU eviction. Eviction is
// acceptable here: the cache only backs best-effort enrichment, never the
// capture retention decision.
type Cache struct {
	cache *lru.Cache
}

// NewCache creates a cache holding at most size entries.
func NewCache(size int) (*Cache, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Cache{cache: c}, nil
}

// Put records metadata for a pid.
func (c *Cache) Put(info *Info) {
	c.cache.Add(info.PID, info)
}

// Get retrieves metadata for a pid.
func (c *Cache) Get(pid uint32) (*Info, bool) {
	v, ok := c.cache.Get(pid)
	if !ok {
		return nil, false
	}
	return v.(*Info), true
}

// Observe ingests a process exec event, filling gaps from /proc when the
// kernel payload was truncated, and caches the result.
func (c *Cache) Observe(ev *types.KernelEvent) {
	info := &Info{
		PID:     ev.PID,
		PPID:    ev.PPID,
		Comm:    ev.Comm,
		ExePath: ev.ExePath,
		CmdLine: ev.Cmdline,
	}
	CollectProcMetadata(info)
	c.Put(info)

	if info.Comm != "" && ev.Comm == "" {
		ev.Comm = info.Comm
	}
	if info.ExePath != "" && ev.ExePath == "" {
		ev.ExePath = info.ExePath
	}
	if info.CmdLine != "" && ev.Cmdline == "" {
		ev.Cmdline = info.CmdLine
	}
}

// Enrich fills an event's empty process name from the cache.
func (c *Cache) Enrich(ev *types.KernelEvent) {
	if ev.Comm != "" {
		return
	}
	if info, ok := c.Get(ev.PID); ok {
		ev.Comm = info.Comm
	}
}

// CollectProcMetadata fills missing Info fields from /proc. The process may
// already be gone; whatever was read stays best-effort.
func CollectProcMetadata(info *Info) {
	procDir := fmt.Sprintf("/proc/%d", info.PID)
	if _, err := os.Stat(procDir); os.IsNotExist(err) {
		return
	}

	if info.ExePath == "" {
		if exePath, err := os.Readlink(filepath.Join(procDir, "exe")); err == nil {
			info.ExePath = exePath
		}
	}

	if info.Comm == "" && info.ExePath != "" {
		info.Comm = filepath.Base(info.ExePath)
	}

	if info.CmdLine == "" {
		if cmdlineBytes, err := os.ReadFile(filepath.Join(procDir, "cmdline")); err == nil && len(cmdlineBytes) > 0 {
			args := bytes.Split(cmdlineBytes, []byte{0})
			var cmdArgs []string
			for _, arg := range args {
				if len(arg) > 0 {
					cmdArgs = append(cmdArgs, string(arg))
				}
			}
			if len(cmdArgs) > 0 {
				info.CmdLine = strings.Join(cmdArgs, " ")
			}
		}
	}
}
