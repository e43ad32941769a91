// Package study implements the study aggregate: an ordered set of weak
// references to patient folders plus two statistics tables derived from
// patient snapshots.
//
// A Study never owns its patients. Removing a patient folder from disk does
// not update any study; Rescan or RefreshPatientStatistics does.
package study

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/radcase/radcase/internal/config"
	"github.com/radcase/radcase/internal/models"
)

// ManifestName is the file name of the study manifest inside its folder.
const ManifestName = "study.yaml"

// Side file names of the statistics tables.
const (
	AnnotationTableName = "annotation_statistics.csv"
	ReportTableName     = "report_statistics.csv"
)

// Deps carries the settings a Study consumes.
type Deps struct {
	Prefs  *config.Preferences
	Logger *slog.Logger
	Now    func() time.Time
}

func (d Deps) withDefaults() (Deps, error) {
	if d.Prefs == nil {
		return d, models.Validationf("study dependencies need preferences")
	}
	if d.Logger == nil {
		d.Logger = slog.New(slog.DiscardHandler)
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d, nil
}

// PatientRef is a weak reference to a patient folder.
type PatientRef struct {
	ID     string
	Folder string
}

// Study is the aggregate root of a cohort. Like Patient it has a
// single-writer contract.
type Study struct {
	id          string
	displayName string
	createdAt   time.Time
	editedAt    time.Time
	folder      string

	patients    []PatientRef
	annotations []AnnotationRow
	reports     []ReportRow

	persisted []byte

	deps   Deps
	logger *slog.Logger
}

// New creates an empty study folder under the managed studies tree.
func New(name string, deps Deps) (*Study, error) {
	deps, err := deps.withDefaults()
	if err != nil {
		return nil, err
	}
	slug := models.Slug(name)
	if slug == "" {
		return nil, models.Validationf("study name %q has no usable characters", name)
	}
	folder := filepath.Join(deps.Prefs.StudiesDir(), slug)
	if _, err := os.Stat(folder); err == nil {
		return nil, fmt.Errorf("%w: %s already exists", models.ErrNameCollision, folder)
	}
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return nil, models.Storagef(err, "creating study folder %s", folder)
	}
	s := &Study{
		id:          uuid.New().String(),
		displayName: name,
		folder:      folder,
		deps:        deps,
	}
	s.createdAt = deps.Now().UTC().Truncate(time.Second)
	s.editedAt = s.createdAt
	s.logger = deps.Logger.With("study", s.id)
	s.logger.Info("study created", "name", name, "folder", folder)
	return s, nil
}

func (s *Study) ID() string { return s.id }
func (s *Study) DisplayName() string { return s.displayName }
func (s *Study) Folder() string { return s.folder }
func (s *Study) CreatedAt() time.Time { return s.createdAt }
func (s *Study) EditedAt() time.Time { return s.editedAt }

// ManifestPath is where Save writes the manifest.
func (s *Study) ManifestPath() string { return filepath.Join(s.folder, ManifestName) }

// Patients returns the referenced patients in inclusion order.
func (s *Study) Patients() []PatientRef { return slices.Clone(s.patients) }

// Contains reports whether id is referenced.
func (s *Study) Contains(id string) bool { return s.indexOf(id) >= 0 }

// AnnotationRows returns a copy of the annotation statistics table.
func (s *Study) AnnotationRows() []AnnotationRow { return slices.Clone(s.annotations) }

// ReportRows returns a copy of the report statistics table.
// ReportRows returns the report table as it is written: every row carries a
// value for every column, empty when its report has no such key.
func (s *Study) ReportRows() []ReportRow {
	cols := reportColumns(s.reports)
	rows := slices.Clone(s.reports)
	for i, r := range rows {
		rows[i].Values = nil
		if len(cols) == 0 {
			continue
		}
		rows[i].Values = make(map[string]string, len(cols))
		for _, c := range cols {
			rows[i].Values[c] = r.Values[c]
		}
	}
	return rows
}

func (s *Study) indexOf(id string) int {
	return slices.IndexFunc(s.patients, func(r PatientRef) bool { return r.ID == id })
}

// IncludePatient records a weak reference to a patient and appends its
// statistics rows. It returns false when the patient is already included.
func (s *Study) IncludePatient(id, folder string, snap models.PatientSnapshot) bool {
	if s.Contains(id) {
		return false
	}
	s.patients = append(s.patients, PatientRef{ID: id, Folder: folder})
	s.appendRows(id, snap)
	s.logger.Info("patient included", "patient", id, "folder", folder)
	return true
}

// RemovePatient drops the reference to a patient and returns how many
// references were removed (0 or 1). Statistics rows and patient files are
// left untouched.
func (s *Study) RemovePatient(id string) int {
	i := s.indexOf(id)
	if i < 0 {
		return 0
	}
	s.patients = slices.Delete(s.patients, i, i+1)
	s.logger.Info("patient removed", "patient", id)
	return 1
}

// RefreshPatientStatistics replaces every row of a referenced patient with
// rows recomputed from snap. A nil snap only deletes.
func (s *Study) RefreshPatientStatistics(id string, snap *models.PatientSnapshot) error {
	if !s.Contains(id) {
		return models.NotFoundf("study patient", id)
	}
	s.dropRows(id)
	if snap != nil {
		s.appendRows(id, *snap)
	}
	return nil
}

func (s *Study) appendRows(id string, snap models.PatientSnapshot) {
	for _, a := range snap.Annotations {
		s.annotations = append(s.annotations, AnnotationRow{
			PatientID:    id,
			AnnotationID: a.ID,
			Timestamp:    a.Timestamp,
			Class:        a.Class,
			Provenance:   a.Provenance,
			VolumeML:     a.VolumeML,
		})
	}
	for _, r := range snap.Reports {
		s.reports = append(s.reports, ReportRow{
			PatientID: id,
			ReportID:  r.ID,
			Timestamp: r.Timestamp,
			Kind:      r.Kind,
			Values:    r.Values,
		})
	}
}

func (s *Study) dropRows(id string) {
	s.annotations = slices.DeleteFunc(s.annotations, func(r AnnotationRow) bool { return r.PatientID == id })
	s.reports = slices.DeleteFunc(s.reports, func(r ReportRow) bool { return r.PatientID == id })
}

// HasUnsavedChanges reports whether the manifest or either table differs
// from what was last saved or loaded.
func (s *Study) HasUnsavedChanges() bool {
	state, err := s.stateBytes()
	if err != nil {
		s.logger.Warn("rendering study for change check", "error", err)
		return true
	}
	return !bytes.Equal(state, s.persisted)
}
