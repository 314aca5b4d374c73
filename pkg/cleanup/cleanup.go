// Package cleanup periodically prunes old per-TTY session logs, grounded
// on the teacher's idle-reaper ticker pattern and, optionally, a cron
// expression evaluated via adhocore/gronx for operators who want
// cron-grained control over the sweep schedule.
package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/aixterm/aixterm/pkg/logger"
)

// Policy mirrors config.CleanupPolicy's fields the manager needs.
type Policy struct {
	IntervalHours int
	MaxLogAgeDays int
	MaxLogFiles   int
	CronSchedule  string
}

// Stats accumulates what the most recent sweep(s) freed, surfaced via the
// service's "status" response.
type Stats struct {
	mu           sync.Mutex
	FilesDeleted int
	BytesFreed   int64
	LastSweep    time.Time
}

func (s *Stats) record(files int, bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FilesDeleted += files
	s.BytesFreed += bytes
	s.LastSweep = time.Now()
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{FilesDeleted: s.FilesDeleted, BytesFreed: s.BytesFreed, LastSweep: s.LastSweep}
}

// Manager runs the periodic sweep of a TTY log directory.
type Manager struct {
	TTYDir string
	Policy Policy
	Stats  *Stats
}

// NewManager returns a Manager over ttyDir governed by policy.
func NewManager(ttyDir string, policy Policy) *Manager {
	return &Manager{TTYDir: ttyDir, Policy: policy, Stats: &Stats{}}
}

// Run blocks, sweeping on the configured schedule until ctx is canceled.
// With no CronSchedule, it ticks every IntervalHours; with one set, it
// checks gronx.IsDue every minute instead.
func (m *Manager) Run(ctx context.Context) {
	if m.Policy.CronSchedule != "" {
		m.runCron(ctx)
		return
	}
	m.runInterval(ctx)
}

func (m *Manager) runInterval(ctx context.Context) {
	interval := time.Duration(m.Policy.IntervalHours) * time.Hour
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

func (m *Manager) runCron(ctx context.Context) {
	expr := gronx.New()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := expr.IsDue(m.Policy.CronSchedule)
			if err != nil {
				logger.WarnCF("cleanup", "invalid cron schedule", map[string]any{"schedule": m.Policy.CronSchedule, "error": err.Error()})
				continue
			}
			if due {
				m.Sweep()
			}
		}
	}
}

type logFile struct {
	path    string
	modTime time.Time
	size    int64
}

// Sweep performs one prune pass: delete files older than MaxLogAgeDays,
// then delete the oldest remaining files until the count is at most
// MaxLogFiles.
func (m *Manager) Sweep() {
	entries, err := os.ReadDir(m.TTYDir)
	if err != nil {
		logger.WarnCF("cleanup", "failed to list tty directory", map[string]any{"dir": m.TTYDir, "error": err.Error()})
		return
	}

	var files []logFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, logFile{path: filepath.Join(m.TTYDir, entry.Name()), modTime: info.ModTime(), size: info.Size()})
	}

	var deleted int
	var freed int64

	maxAge := time.Duration(m.Policy.MaxLogAgeDays) * 24 * time.Hour
	if maxAge > 0 {
		cutoff := time.Now().Add(-maxAge)
		remaining := files[:0]
		for _, f := range files {
			if f.modTime.Before(cutoff) {
				if m.remove(f) {
					deleted++
					freed += f.size
				}
				continue
			}
			remaining = append(remaining, f)
		}
		files = remaining
	}

	if m.Policy.MaxLogFiles > 0 && len(files) > m.Policy.MaxLogFiles {
		sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })
		excess := len(files) - m.Policy.MaxLogFiles
		for _, f := range files[:excess] {
			if m.remove(f) {
				deleted++
				freed += f.size
			}
		}
	}

	if deleted > 0 {
		logger.InfoCF("cleanup", "pruned session logs", map[string]any{"deleted": deleted, "bytes_freed": freed})
	}
	m.Stats.record(deleted, freed)
}

func (m *Manager) remove(f logFile) bool {
	if err := os.Remove(f.path); err != nil {
		logger.WarnCF("cleanup", "failed to remove log file", map[string]any{"path": f.path, "error": err.Error()})
		return false
	}
	return true
}
