package lifecycle

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/radcase/radcase/internal/config"
	"github.com/radcase/radcase/internal/patient"
)

const (
	// workDirTTL is how long a failed device-series work folder is kept.
	workDirTTL = 24 * time.Hour

	// tempFileTTL is the age after which an atomic-write leftover is stale.
	tempFileTTL = time.Hour
)

// Resident is an aggregate whose image payloads can be held in memory.
type Resident interface {
	ID() string
	LoadInMemory() error
	ReleaseFromMemory()
}

// Report summarizes the results of a sweep.
type Report struct {
	WorkDirs  int `json:"work_dirs"`
	TempFiles int `json:"temp_files"`
}

// Manager keeps at most one aggregate resident and cleans up leftovers of
// interrupted operations.
type Manager struct {
	prefs   *config.Preferences
	logger  *slog.Logger
	tempDir string
	now     func() time.Time

	focused Resident
}

// NewManager creates a new lifecycle manager.
func NewManager(prefs *config.Preferences, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		prefs:   prefs,
		logger:  logger,
		tempDir: os.TempDir(),
		now:     time.Now,
	}
}

// Focused returns the resident aggregate, if any.
func (m *Manager) Focused() Resident { return m.focused }

// Focus makes r the resident aggregate. The previously focused one is
// released first. When r fails to load it is released again and nothing
// stays focused.
func (m *Manager) Focus(r Resident) error {
	if m.focused == r {
		return nil
	}
	m.Release()
	if err := r.LoadInMemory(); err != nil {
		r.ReleaseFromMemory()
		return fmt.Errorf("focusing %s: %w", r.ID(), err)
	}
	m.focused = r
	m.logger.Info("aggregate focused", "id", r.ID())
	return nil
}

// Release drops the payloads of the focused aggregate.
func (m *Manager) Release() {
	if m.focused == nil {
		return
	}
	m.focused.ReleaseFromMemory()
	m.logger.Info("aggregate released", "id", m.focused.ID())
	m.focused = nil
}

// Sweep removes stale device-series work folders and temp files left by
// interrupted saves. With dryRun it only counts them.
func (m *Manager) Sweep(ctx context.Context, dryRun bool) (*Report, error) {
	report := &Report{}

	// 1. Device-series work folders
	n, err := m.sweepWorkDirs(ctx, dryRun)
	if err != nil {
		m.logger.Error("work folder sweep failed", "error", err)
	}
	report.WorkDirs = n

	// 2. Atomic-write leftovers in patient folders
	n, err = m.sweepTempFiles(ctx, dryRun)
	if err != nil {
		m.logger.Error("temp file sweep failed", "error", err)
	}
	report.TempFiles = n

	return report, ctx.Err()
}

func (m *Manager) sweepWorkDirs(ctx context.Context, dryRun bool) (int, error) {
	entries, err := os.ReadDir(m.tempDir)
	if err != nil {
		return 0, fmt.Errorf("listing %s: %w", m.tempDir, err)
	}
	now := m.now()
	removed := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		if !e.IsDir() || !strings.HasPrefix(e.Name(), patient.SeriesWorkPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) <= workDirTTL {
			continue
		}
		path := filepath.Join(m.tempDir, e.Name())
		m.logger.Info("removing stale work folder", "path", path, "modified", info.ModTime())
		if !dryRun {
			if err := os.RemoveAll(path); err != nil {
				m.logger.Error("removing work folder", "path", path, "error", err)
				continue
			}
		}
		removed++
	}
	return removed, nil
}

func (m *Manager) sweepTempFiles(ctx context.Context, dryRun bool) (int, error) {
	root := m.prefs.PatientsDir()
	if _, err := os.Stat(root); err != nil {
		return 0, nil
	}
	now := m.now()
	removed := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".tmp") {
			return nil
		}
		info, err := d.Info()
		if err != nil || now.Sub(info.ModTime()) <= tempFileTTL {
			return nil
		}
		m.logger.Info("removing stale temp file", "path", path, "modified", info.ModTime())
		if !dryRun {
			if err := os.Remove(path); err != nil {
				m.logger.Error("removing temp file", "path", path, "error", err)
				return nil
			}
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("walking %s: %w", root, err)
	}
	return removed, nil
}
