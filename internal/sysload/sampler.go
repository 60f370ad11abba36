// Package sysload samples processor and memory usage from /proc.
package sysload

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/procfs"

	"ble-locator.klederson.com/internal/config"
	"ble-locator.klederson.com/internal/model"
)

var errNoMemTotal = errors.New("meminfo: MemTotal missing")

// reader is the part of procfs.FS the sampler needs.
type reader interface {
	Stat() (procfs.Stat, error)
	Meminfo() (procfs.Meminfo, error)
}

// Options tunes the sampler. Zero values use the config defaults.
type Options struct {
	ProcPath         string
	Retries          int
	FailureThreshold int
	Logger           *slog.Logger
}

// Sampler reports load percentages. Reads are retried; once
// FailureThreshold consecutive samples failed, model.LoadUnavailable is
// reported until a read succeeds again. It never fails hard.
type Sampler struct {
	fs        reader
	retries   int
	threshold int
	logger    *slog.Logger

	mu       sync.Mutex
	prev     procfs.CPUStat
	hasPrev  bool
	last     model.Load
	hasLast  bool
	failures int
}

// New creates a sampler over opts.ProcPath. An unreadable mount point is
// logged and every sample then fails.
func New(opts Options) *Sampler {
	if opts.ProcPath == "" {
		opts.ProcPath = config.ProcPath
	}
	if opts.Retries == 0 {
		opts.Retries = config.LoadRetries
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = config.FailureThreshold
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "sysload")

	var r reader
	fs, err := procfs.NewFS(opts.ProcPath)
	if err != nil {
		logger.Warn("proc filesystem unavailable", "path", opts.ProcPath, "error", err)
		r = brokenFS{err: err}
	} else {
		r = fs
	}
	return newSampler(r, opts.Retries, opts.FailureThreshold, logger)
}

func newSampler(r reader, retries, threshold int, logger *slog.Logger) *Sampler {
	return &Sampler{fs: r, retries: retries, threshold: threshold, logger: logger}
}

// Sample returns the current load. Safe for concurrent use.
func (s *Sampler) Sample() model.Load {
	s.mu.Lock()
	defer s.mu.Unlock()

	load, err := s.read()
	if err == nil {
		s.failures = 0
		s.last, s.hasLast = load, true
		return load
	}

	s.failures++
	s.logger.Warn("load sample failed", "consecutive", s.failures, "error", err)
	if s.failures >= s.threshold || !s.hasLast {
		return model.Load{Memory: model.LoadUnavailable, Processor: model.LoadUnavailable}
	}
	return s.last
}

func (s *Sampler) read() (model.Load, error) {
	var (
		stat procfs.Stat
		mem  procfs.Meminfo
		err  error
	)
	for i := 0; i <= s.retries; i++ {
		if stat, err = s.fs.Stat(); err == nil {
			break
		}
	}
	if err != nil {
		return model.Load{}, fmt.Errorf("read stat: %w", err)
	}
	for i := 0; i <= s.retries; i++ {
		if mem, err = s.fs.Meminfo(); err == nil {
			break
		}
	}
	if err != nil {
		return model.Load{}, fmt.Errorf("read meminfo: %w", err)
	}

	memory, err := s.memoryPercent(mem)
	if err != nil {
		return model.Load{}, err
	}
	return model.Load{Memory: memory, Processor: s.cpuPercent(stat.CPUTotal)}, nil
}

// cpuPercent is the busy share since the previous sample, or since boot on
// the first one.
func (s *Sampler) cpuPercent(cur procfs.CPUStat) float32 {
	base := procfs.CPUStat{}
	if s.hasPrev {
		base = s.prev
	}
	s.prev, s.hasPrev = cur, true

	total := cpuTotal(cur) - cpuTotal(base)
	idle := (cur.Idle + cur.Iowait) - (base.Idle + base.Iowait)
	if total <= 0 {
		return 0
	}
	return float32((total - idle) / total * 100)
}

func cpuTotal(c procfs.CPUStat) float64 {
	return c.User + c.Nice + c.System + c.Idle + c.Iowait + c.IRQ + c.SoftIRQ + c.Steal
}

func (s *Sampler) memoryPercent(m procfs.Meminfo) (float32, error) {
	if m.MemTotal == nil || *m.MemTotal == 0 {
		return 0, errNoMemTotal
	}
	total := *m.MemTotal
	var avail uint64
	if m.MemAvailable != nil {
		avail = *m.MemAvailable
	} else {
		avail = deref(m.MemFree) + deref(m.Buffers) + deref(m.Cached)
	}
	if avail > total {
		avail = total
	}
	used := total - avail
	s.logger.Debug("memory", "used", humanize.IBytes(used*1024), "total", humanize.IBytes(total*1024))
	return float32(float64(used) / float64(total) * 100), nil
}

func deref(p *uint64) uint64 {
	if p == nil {
		return 0
	}
	return *p
}

type brokenFS struct{ err error }

func (b brokenFS) Stat() (procfs.Stat, error)       { return procfs.Stat{}, b.err }
func (b brokenFS) Meminfo() (procfs.Meminfo, error) { return procfs.Meminfo{}, b.err }
