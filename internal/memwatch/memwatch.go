// Package memwatch keeps a run's live heap under configured marks.
//
// Usage is read from runtime/metrics. Above the high-water mark the monitor
// runs the registered cleanup hooks and a GC; above the critical mark it also
// returns freed pages to the OS, and reports domain.ErrMemoryExhausted when
// usage stays critical after that.
package memwatch

import (
	"aquasim/pkg/domain"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"runtime/metrics"
	"sync"
)

// Level is the band usage fell into on the last check.
type Level string

// Levels, in increasing severity.
const (
	LevelOK        Level = "ok"
	LevelHighWater Level = "high_water"
	LevelCritical  Level = "critical"
)

// Status reports one check.
type Status struct {
	Level Level
	// Before and After are heap bytes around any cleanup.
	Before uint64
	After  uint64
}

const heapMetric = "/memory/classes/heap/objects:bytes"

// Monitor is safe for concurrent use. Check runs every cleanup hook on the
// calling goroutine, so each worker owns its monitor.
type Monitor struct {
	highWater uint64
	critical  uint64
	log       *slog.Logger

	mu       sync.Mutex
	cleanups []cleanup
	nextID   int
	read     func() uint64
	gc       func()
	release  func()
	checks   int
	actions  map[Level]int
}

// New returns a monitor with the given marks in bytes. A zero critical mark
// disables the monitor.
func New(highWater, critical uint64, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		highWater: highWater,
		critical:  critical,
		log:       logger,
		read:      heapBytes,
		gc:        runtime.GC,
		release:   debug.FreeOSMemory,
		actions:   make(map[Level]int),
	}
}

type cleanup struct {
	id int
	fn func()
}

// OnCleanup registers fn to run whenever usage crosses the high-water mark
// and returns a function that unregisters it. Hooks drop caches that can be
// rebuilt.
func (m *Monitor) OnCleanup(fn func()) (remove func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.cleanups = append(m.cleanups, cleanup{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, c := range m.cleanups {
			if c.id == id {
				m.cleanups = append(m.cleanups[:i], m.cleanups[i+1:]...)
				return
			}
		}
	}
}

// Check samples usage and acts on it.
func (m *Monitor) Check() (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks++
	used := m.read()
	st := Status{Level: LevelOK, Before: used, After: used}
	if m.critical == 0 || used < m.highWater {
		return st, nil
	}

	for _, c := range m.cleanups {
		c.fn()
	}
	m.gc()
	st.After = m.read()
	st.Level = LevelHighWater
	if st.After < m.critical {
		m.actions[LevelHighWater]++
		m.log.Debug("memory high-water cleanup", "before_mb", st.Before>>20, "after_mb", st.After>>20)
		return st, nil
	}

	st.Level = LevelCritical
	m.actions[LevelCritical]++
	m.release()
	st.After = m.read()
	m.log.Warn("memory critical, emergency cleanup", "before_mb", st.Before>>20, "after_mb", st.After>>20,
		"critical_mb", m.critical>>20)
	if st.After >= m.critical {
		return st, fmt.Errorf("memwatch: %d MiB live after cleanup, ceiling %d MiB: %w",
			st.After>>20, m.critical>>20, domain.ErrMemoryExhausted)
	}
	return st, nil
}

// Stats returns the number of checks and the actions taken per level.
func (m *Monitor) Stats() (checks int, actions map[Level]int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Level]int, len(m.actions))
	for k, v := range m.actions {
		out[k] = v
	}
	return m.checks, out
}

// Usage returns the current live heap in bytes.
func (m *Monitor) Usage() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read()
}

func heapBytes() uint64 {
	sample := []metrics.Sample{{Name: heapMetric}}
	metrics.Read(sample)
	if sample[0].Value.Kind() != metrics.KindUint64 {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		return ms.HeapAlloc
	}
	return sample[0].Value.Uint64()
}
