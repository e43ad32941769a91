// Package store locates, creates and deletes patient and study folders in
// the managed tree.
package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/radcase/radcase/internal/config"
	"github.com/radcase/radcase/internal/models"
	"github.com/radcase/radcase/internal/patient"
	"github.com/radcase/radcase/internal/study"
)

// StudyEntry describes a study folder without keeping it open.
type StudyEntry struct {
	ID          string
	DisplayName string
	Folder      string
	Patients    int
}

// Store is the registry of the managed tree rooted at Storage.Root.
type Store struct {
	prefs  *config.Preferences
	logger *slog.Logger

	patientDeps patient.Deps
	studyDeps   study.Deps
}

// Option customises a Store.
type Option func(*Store)

// WithPatientDeps overrides the dependencies handed to every patient the
// store creates or opens. Prefs and Logger are always the store's own.
func WithPatientDeps(d patient.Deps) Option {
	return func(s *Store) { s.patientDeps = d }
}

// New creates a store over prefs.Storage.Root.
func New(prefs *config.Preferences, logger *slog.Logger, opts ...Option) (*Store, error) {
	if prefs == nil {
		return nil, models.Validationf("store needs preferences")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Store{prefs: prefs, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	s.patientDeps.Prefs = prefs
	s.patientDeps.Logger = logger
	s.studyDeps = study.Deps{Prefs: prefs, Logger: logger, Now: s.patientDeps.Now}
	return s, nil
}

// PatientDeps returns the dependencies the store hands to patients.
func (s *Store) PatientDeps() patient.Deps { return s.patientDeps }

// ListPatients returns the header of every patient folder under the managed
// tree, sorted by display name. Unreadable manifests are logged and skipped.
func (s *Store) ListPatients() ([]patient.Header, error) {
	manifests, err := s.manifests(s.prefs.PatientsDir(), patient.ManifestName)
	if err != nil {
		return nil, err
	}
	out := make([]patient.Header, 0, len(manifests))
	for _, m := range manifests {
		h, err := patient.ReadHeader(m)
		if err != nil {
			s.logger.Warn("skipping unreadable patient", "manifest", m, "error", err)
			continue
		}
		out = append(out, h)
	}
	slices.SortFunc(out, func(a, b patient.Header) int {
		return cmp.Or(cmp.Compare(a.DisplayName, b.DisplayName), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// CreatePatient creates a new patient folder.
func (s *Store) CreatePatient(name string) (*patient.Patient, error) {
	return patient.New(name, s.patientDeps)
}

// OpenPatient loads a patient named by id, folder name, folder path or
// manifest path.
func (s *Store) OpenPatient(ref string) (*patient.Patient, error) {
	path, err := s.locatePatient(ref)
	if err != nil {
		return nil, err
	}
	return patient.Load(path, s.patientDeps)
}

// DeletePatient removes a patient folder and everything inside it. Studies
// referencing the patient are not touched. It returns the removed folder.
func (s *Store) DeletePatient(ref string) (string, error) {
	path, err := s.locatePatient(ref)
	if err != nil {
		return "", err
	}
	folder := filepath.Dir(path)
	root, err := filepath.Abs(s.prefs.PatientsDir())
	if err != nil {
		return "", models.Storagef(err, "resolving %s", s.prefs.PatientsDir())
	}
	if filepath.Dir(folder) != root {
		return "", fmt.Errorf("%w: %s is outside %s", models.ErrInvalidLocation, folder, s.prefs.PatientsDir())
	}
	if err := os.RemoveAll(folder); err != nil {
		return "", models.Storagef(err, "removing patient folder %s", folder)
	}
	s.logger.Info("patient deleted", "folder", folder)
	return folder, nil
}

func (s *Store) locatePatient(ref string) (string, error) {
	if path, ok := manifestAt(ref, s.prefs.PatientsDir(), patient.ManifestName); ok {
		return path, nil
	}
	headers, err := s.ListPatients()
	if err != nil {
		return "", err
	}
	for _, h := range headers {
		if h.ID == ref {
			return filepath.Join(h.Folder, patient.ManifestName), nil
		}
	}
	return "", models.NotFoundf("patient", ref)
}

// ListStudies describes every study folder, sorted by display name.
func (s *Store) ListStudies() ([]StudyEntry, error) {
	manifests, err := s.manifests(s.prefs.StudiesDir(), study.ManifestName)
	if err != nil {
		return nil, err
	}
	out := make([]StudyEntry, 0, len(manifests))
	for _, m := range manifests {
		st, err := study.Load(m, s.studyDeps)
		if err != nil {
			s.logger.Warn("skipping unreadable study", "manifest", m, "error", err)
			continue
		}
		out = append(out, StudyEntry{
			ID:          st.ID(),
			DisplayName: st.DisplayName(),
			Folder:      st.Folder(),
			Patients:    len(st.Patients()),
		})
	}
	slices.SortFunc(out, func(a, b StudyEntry) int {
		return cmp.Or(cmp.Compare(a.DisplayName, b.DisplayName), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// CreateStudy creates a new study folder.
func (s *Store) CreateStudy(name string) (*study.Study, error) {
	return study.New(name, s.studyDeps)
}

// OpenStudy loads a study named by id, folder name, folder path or manifest
// path.
func (s *Store) OpenStudy(ref string) (*study.Study, error) {
	if path, ok := manifestAt(ref, s.prefs.StudiesDir(), study.ManifestName); ok {
		return study.Load(path, s.studyDeps)
	}
	entries, err := s.ListStudies()
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.ID == ref {
			return study.Load(filepath.Join(e.Folder, study.ManifestName), s.studyDeps)
		}
	}
	return nil, models.NotFoundf("study", ref)
}

// SnapshotLoader loads patients for a study rescan. A folder whose manifest
// now names a different patient counts as a failure.
func (s *Store) SnapshotLoader() study.SnapshotLoader {
	return func(ctx context.Context, ref study.PatientRef) (models.PatientSnapshot, error) {
		if err := ctx.Err(); err != nil {
			return models.PatientSnapshot{}, err
		}
		p, err := patient.Load(filepath.Join(ref.Folder, patient.ManifestName), s.patientDeps)
		if err != nil {
			return models.PatientSnapshot{}, err
		}
		if p.ID() != ref.ID {
			return models.PatientSnapshot{}, models.Referentialf("folder %s holds patient %s, not %s", ref.Folder, p.ID(), ref.ID)
		}
		return p.Snapshot()
	}
}

// manifests lists dir/*/name. A missing dir yields no entries.
func (s *Store) manifests(dir, name string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, models.Storagef(err, "listing %s", dir)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name(), name)
		if _, err := os.Stat(path); err == nil {
			out = append(out, path)
		}
	}
	return out, nil
}

// manifestAt resolves ref as a manifest path, a folder path, or a folder
// name under base.
func manifestAt(ref, base, name string) (string, bool) {
	if ref == "" {
		return "", false
	}
	candidates := []string{ref, filepath.Join(ref, name)}
	if filepath.Base(ref) == ref {
		candidates = append(candidates, filepath.Join(base, ref, name))
	}
	for _, c := range candidates {
		if filepath.Base(c) != name {
			continue
		}
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			abs, err := filepath.Abs(c)
			if err != nil {
				continue
			}
			return abs, true
		}
	}
	return "", false
}
