package study

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/radcase/radcase/internal/models"
)

// SnapshotLoader produces a fresh snapshot for a referenced patient. It is
// called concurrently and must not mutate shared state.
type SnapshotLoader func(ctx context.Context, ref PatientRef) (models.PatientSnapshot, error)

// RescanResult lists the patients a Rescan refreshed and those whose
// snapshot could not be produced.
type RescanResult struct {
	Refreshed []string
	Failed    map[string]error
}

// Rescan reloads every referenced patient's snapshot and rebuilds its rows.
// Loading runs concurrently with at most Study.RescanWorkers loaders; rows
// are rewritten afterwards on the calling goroutine. A patient that fails to
// load is left with no rows. Only context cancellation aborts the rescan.
func (s *Study) Rescan(ctx context.Context, load SnapshotLoader) (RescanResult, error) {
	refs := s.Patients()
	snaps := make([]*models.PatientSnapshot, len(refs))
	errs := make([]error, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, s.deps.Prefs.Study.RescanWorkers))
	for i, ref := range refs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			snap, err := load(gctx, ref)
			if err != nil {
				errs[i] = err
				return nil
			}
			snaps[i] = &snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return RescanResult{}, fmt.Errorf("rescanning study %s: %w", s.id, err)
	}

	res := RescanResult{Failed: make(map[string]error)}
	for i, ref := range refs {
		if errs[i] != nil {
			s.logger.Warn("patient snapshot failed", "patient", ref.ID, "folder", ref.Folder, "error", errs[i])
			res.Failed[ref.ID] = errs[i]
		} else {
			res.Refreshed = append(res.Refreshed, ref.ID)
		}
		if err := s.RefreshPatientStatistics(ref.ID, snaps[i]); err != nil {
			return res, err
		}
	}
	s.logger.Info("study rescanned", "refreshed", len(res.Refreshed), "failed", len(res.Failed))
	return res, nil
}
