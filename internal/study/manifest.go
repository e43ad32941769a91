package study

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/radcase/radcase/internal/metrics"
	"github.com/radcase/radcase/internal/models"
)

type manifest struct {
	Default    defaultRecord    `yaml:"Default"`
	Statistics statisticsRecord `yaml:"Statistics"`
	// Patients is a mapping node so inclusion order survives a round trip.
	Patients yaml.Node `yaml:"Patients"`
}

type defaultRecord struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	Created     string `yaml:"created"`
	Edited      string `yaml:"edited,omitempty"`
}

type statisticsRecord struct {
	Annotations string `yaml:"annotations"`
	Reports     string `yaml:"reports"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func parseTime(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, models.Manifestf("%s: %v", field, err)
	}
	return t, nil
}

func patientsNode(refs []PatientRef) yaml.Node {
	n := yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, r := range refs {
		n.Content = append(n.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: r.ID},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: r.Folder},
		)
	}
	return n
}

func decodePatients(n yaml.Node) ([]PatientRef, error) {
	switch n.Kind {
	case 0:
		return nil, nil
	case yaml.ScalarNode:
		if n.Tag == "!!null" {
			return nil, nil
		}
	case yaml.MappingNode:
		refs := make([]PatientRef, 0, len(n.Content)/2)
		seen := make(map[string]bool, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			id, folder := n.Content[i].Value, n.Content[i+1].Value
			if id == "" || seen[id] {
				return nil, models.Manifestf("Patients: empty or repeated id %q", id)
			}
			seen[id] = true
			refs = append(refs, PatientRef{ID: id, Folder: folder})
		}
		return refs, nil
	}
	return nil, models.Manifestf("Patients: expected a mapping at line %d", n.Line)
}

func (s *Study) record() manifest {
	return manifest{
		Default: defaultRecord{
			ID:          s.id,
			DisplayName: s.displayName,
			Created:     formatTime(s.createdAt),
			Edited:      formatTime(s.editedAt),
		},
		Statistics: statisticsRecord{
			Annotations: AnnotationTableName,
			Reports:     ReportTableName,
		},
		Patients: patientsNode(s.patients),
	}
}

// stateBytes renders everything Save persists, minus the edit time.
func (s *Study) stateBytes() ([]byte, error) {
	m := s.record()
	m.Default.Edited = ""
	head, err := yaml.Marshal(&m)
	if err != nil {
		return nil, err
	}
	ann, err := encodeAnnotations(s.annotations)
	if err != nil {
		return nil, err
	}
	rep, err := encodeReports(s.reports)
	if err != nil {
		return nil, err
	}
	return bytes.Join([][]byte{head, ann, rep}, []byte{0}), nil
}

// Save writes the manifest and both statistics tables.
func (s *Study) Save() error {
	ann, err := encodeAnnotations(s.annotations)
	if err != nil {
		return models.Storagef(err, "encoding annotation statistics")
	}
	rep, err := encodeReports(s.reports)
	if err != nil {
		return models.Storagef(err, "encoding report statistics")
	}
	if err := writeFileAtomic(filepath.Join(s.folder, AnnotationTableName), ann); err != nil {
		return models.Storagef(err, "writing %s", AnnotationTableName)
	}
	if err := writeFileAtomic(filepath.Join(s.folder, ReportTableName), rep); err != nil {
		return models.Storagef(err, "writing %s", ReportTableName)
	}

	prevEdited := s.editedAt
	s.editedAt = s.deps.Now().UTC().Truncate(time.Second)
	m := s.record()
	data, err := yaml.Marshal(&m)
	if err != nil {
		s.editedAt = prevEdited
		return models.Storagef(err, "encoding study manifest")
	}
	if err := writeFileAtomic(s.ManifestPath(), data); err != nil {
		s.editedAt = prevEdited
		return models.Storagef(err, "writing study manifest %s", s.ManifestPath())
	}
	if s.persisted, err = s.stateBytes(); err != nil {
		return models.Storagef(err, "encoding study state")
	}
	metrics.Inc(metrics.SaveTotal)
	s.logger.Info("study saved", "manifest", s.ManifestPath(), "patients", len(s.patients))
	return nil
}

// Load reads a study manifest and its statistics tables.
func Load(manifestPath string, deps Deps) (*Study, error) {
	deps, err := deps.withDefaults()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(manifestPath)
	if err != nil {
		return nil, models.Manifestf("manifest path %q: %v", manifestPath, err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", models.ErrManifest, abs, err)
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %w", models.ErrManifest, abs, err)
	}
	if m.Default.ID == "" {
		return nil, models.Manifestf("%s: Default.id is missing", abs)
	}

	s := &Study{
		id:          m.Default.ID,
		displayName: m.Default.DisplayName,
		folder:      filepath.Dir(abs),
		deps:        deps,
		logger:      deps.Logger.With("study", m.Default.ID),
	}
	if s.createdAt, err = parseTime("Default.created", m.Default.Created); err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	if s.editedAt, err = parseTime("Default.edited", m.Default.Edited); err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	if s.patients, err = decodePatients(m.Patients); err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	if s.annotations, err = loadTable(s.folder, m.Statistics.Annotations, decodeAnnotations); err != nil {
		return nil, err
	}
	if s.reports, err = loadTable(s.folder, m.Statistics.Reports, decodeReports); err != nil {
		return nil, err
	}
	if s.persisted, err = s.stateBytes(); err != nil {
		return nil, models.Manifestf("%s: %v", abs, err)
	}
	metrics.Inc(metrics.LoadTotal)
	s.logger.Info("study loaded", "manifest", abs, "patients", len(s.patients))
	return s, nil
}

// loadTable reads a side file named relative to the study folder. An empty
// name means the table was never written.
func loadTable[T any](folder, name string, decode func(io.Reader) ([]T, error)) ([]T, error) {
	if name == "" {
		return nil, nil
	}
	path := filepath.Join(folder, filepath.FromSlash(name))
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %w", models.ErrManifest, path, err)
	}
	defer func() { _ = f.Close() }()
	rows, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %w", models.ErrManifest, path, err)
	}
	return rows, nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Join(err, os.Remove(tmp))
	}
	return nil
}
