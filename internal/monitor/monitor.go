// Package monitor samples host CPU and memory usage and exposes a
// soft-throttle signal the runner consults before dispatching tasks.
package monitor

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"golang.org/x/sync/singleflight"

	"github.com/skobayashi/convoy/internal/model"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Sample is one point-in-time resource reading.
type Sample struct {
	CPUPct    float64
	UsedMemMB uint64
	TakenAt   time.Time
}

// sampler abstracts gopsutil for tests.
type sampler func() (Sample, error)

// Monitor periodically samples resource usage. Concurrent callers of
// Check share a single in-flight sample via singleflight.
type Monitor struct {
	config   model.MonitorConfig
	sample   sampler
	logger   *log.Logger
	logLevel LogLevel

	group singleflight.Group

	mu   sync.Mutex
	last Sample
}

// New creates a Monitor using gopsutil for sampling.
func New(cfg model.MonitorConfig, logger *log.Logger, logLevel string) *Monitor {
	return &Monitor{
		config:   cfg,
		sample:   systemSample,
		logger:   logger,
		logLevel: parseLogLevel(logLevel),
	}
}

func systemSample() (Sample, error) {
	pcts, err := cpu.Percent(0, false)
	if err != nil {
		return Sample{}, fmt.Errorf("cpu percent: %w", err)
	}
	var cpuPct float64
	if len(pcts) > 0 {
		cpuPct = pcts[0]
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return Sample{}, fmt.Errorf("virtual memory: %w", err)
	}

	return Sample{
		CPUPct:    cpuPct,
		UsedMemMB: vm.Used / (1024 * 1024),
		TakenAt:   time.Now(),
	}, nil
}

// Check takes a fresh sample, records it, and logs threshold breaches.
// Simultaneous callers share one underlying read.
func (m *Monitor) Check() (Sample, error) {
	v, err, _ := m.group.Do("sample", func() (any, error) {
		s, err := m.sample()
		if err != nil {
			return Sample{}, err
		}
		m.mu.Lock()
		m.last = s
		m.mu.Unlock()

		if s.CPUPct > m.config.CPUThresholdPct {
			m.log(LogLevelWarn, "cpu usage %.1f%% exceeds threshold %.1f%%", s.CPUPct, m.config.CPUThresholdPct)
		}
		if s.UsedMemMB > m.config.MemThresholdMB {
			m.log(LogLevelWarn, "memory usage %dMB exceeds threshold %dMB", s.UsedMemMB, m.config.MemThresholdMB)
		}
		return s, nil
	})
	if err != nil {
		return Sample{}, err
	}
	return v.(Sample), nil
}

// Last returns the most recent sample without triggering a new read.
func (m *Monitor) Last() Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// OverThreshold reports whether the latest sample breaches either
// threshold. A sampling failure reads as not-over: resource pressure
// must never wedge the queue.
func (m *Monitor) OverThreshold() bool {
	if !m.config.Enabled {
		return false
	}
	s, err := m.Check()
	if err != nil {
		m.log(LogLevelWarn, "resource sample failed: %v", err)
		return false
	}
	return s.CPUPct > m.config.CPUThresholdPct || s.UsedMemMB > m.config.MemThresholdMB
}

// Watch samples at the configured interval until ctx is cancelled.
func (m *Monitor) Watch(ctx context.Context) {
	if !m.config.Enabled {
		return
	}
	ticker := time.NewTicker(time.Duration(m.config.IntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Check(); err != nil {
				m.log(LogLevelWarn, "resource sample failed: %v", err)
			}
		}
	}
}

func (m *Monitor) log(level LogLevel, format string, args ...any) {
	if level < m.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	m.logger.Printf("%s %s monitor: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
