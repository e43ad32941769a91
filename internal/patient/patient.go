// Package patient implements the patient aggregate: the object graph of
// timestamps, volumes, annotations, atlases and reports for one clinical case,
// together with its on-disk folder and manifest.
//
// A Patient has a single-writer contract. It performs no locking; callers
// must not mutate one aggregate from more than one goroutine at a time.
package patient

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/radcase/radcase/internal/classifier"
	"github.com/radcase/radcase/internal/config"
	"github.com/radcase/radcase/internal/imaging"
	"github.com/radcase/radcase/internal/models"
)

// Deps carries the collaborators and settings a Patient consumes.
type Deps struct {
	Prefs      *config.Preferences
	Logger     *slog.Logger
	Classifier classifier.Classifier
	Converter  imaging.Converter
	Display    imaging.DisplayGenerator
	Now        func() time.Time
	// IntN returns a random integer in [0, n). Used for id prefixes.
	IntN func(n int) int
}

func (d Deps) withDefaults() (Deps, error) {
	if d.Prefs == nil {
		return d, models.Validationf("patient dependencies need preferences")
	}
	if d.Logger == nil {
		d.Logger = slog.New(slog.DiscardHandler)
	}
	if d.Classifier == nil {
		d.Classifier = classifier.NewClassifier(d.Logger)
	}
	if d.Converter == nil {
		d.Converter = imaging.NewConverter(d.Logger)
	}
	if d.Display == nil {
		d.Display = imaging.NewResampler(d.Prefs.Display.Spacing, d.Prefs.Display.MaxDim)
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.IntN == nil {
		d.IntN = rand.IntN
	}
	return d, nil
}

// Patient is the aggregate root for one case.
type Patient struct {
	id          string
	displayName string
	createdAt   time.Time
	editedAt    time.Time
	folder      string

	activeTimestamp models.TimestampID

	timestamps  map[models.TimestampID]*Timestamp
	volumes     map[models.VolumeID]*Volume
	annotations map[models.AnnotationID]*Annotation
	atlases     map[models.AtlasID]*Atlas
	reports     map[models.ReportID]*Report

	idx *reverseIndex

	// persisted is the manifest body as last written or read.
	persisted []byte
	resident  bool

	deps   Deps
	logger *slog.Logger
}

func newPatient(deps Deps) *Patient {
	return &Patient{
		timestamps:  make(map[models.TimestampID]*Timestamp),
		volumes:     make(map[models.VolumeID]*Volume),
		annotations: make(map[models.AnnotationID]*Annotation),
		atlases:     make(map[models.AtlasID]*Atlas),
		reports:     make(map[models.ReportID]*Report),
		idx:         newReverseIndex(),
		deps:        deps,
		logger:      deps.Logger,
	}
}

// New creates an empty patient folder under the managed patients tree.
func New(name string, deps Deps) (*Patient, error) {
	deps, err := deps.withDefaults()
	if err != nil {
		return nil, err
	}
	slug := models.Slug(name)
	if slug == "" {
		return nil, models.Validationf("patient name %q has no usable characters", name)
	}
	folder := filepath.Join(deps.Prefs.PatientsDir(), slug)
	if fileExists(folder) {
		return nil, fmt.Errorf("%w: %s already exists", models.ErrNameCollision, folder)
	}
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return nil, models.Storagef(err, "creating patient folder %s", folder)
	}

	p := newPatient(deps)
	p.id = uuid.New().String()
	p.displayName = name
	p.folder = folder
	p.createdAt = deps.Now().UTC().Truncate(time.Second)
	p.editedAt = p.createdAt
	p.logger = deps.Logger.With("patient", p.id)
	p.logger.Info("patient created", "name", name, "folder", folder)
	return p, nil
}

func (p *Patient) ID() string { return p.id }
func (p *Patient) DisplayName() string { return p.displayName }
func (p *Patient) Folder() string { return p.folder }
func (p *Patient) CreatedAt() time.Time { return p.createdAt }
func (p *Patient) EditedAt() time.Time { return p.editedAt }

// ManifestPath is where Save writes the manifest.
// Classify reports the category ImportData would assign to path.
func (p *Patient) Classify(path string) (models.Category, error) {
	return p.deps.Classifier.Classify(path)
}

func (p *Patient) ManifestPath() string { return filepath.Join(p.folder, ManifestName) }

// Volume looks up a volume by id.
func (p *Patient) Volume(id models.VolumeID) (*Volume, error) {
	v, ok := p.volumes[id]
	if !ok {
		return nil, models.NotFoundf("volume", id)
	}
	return v, nil
}

// Annotation looks up an annotation by id.
func (p *Patient) Annotation(id models.AnnotationID) (*Annotation, error) {
	a, ok := p.annotations[id]
	if !ok {
		return nil, models.NotFoundf("annotation", id)
	}
	return a, nil
}

// Atlas looks up an atlas by id.
func (p *Patient) Atlas(id models.AtlasID) (*Atlas, error) {
	a, ok := p.atlases[id]
	if !ok {
		return nil, models.NotFoundf("atlas", id)
	}
	return a, nil
}

// Report looks up a report by id.
func (p *Patient) Report(id models.ReportID) (*Report, error) {
	r, ok := p.reports[id]
	if !ok {
		return nil, models.NotFoundf("report", id)
	}
	return r, nil
}

// Volumes returns every volume sorted by id.
func (p *Patient) Volumes() []*Volume {
	out := make([]*Volume, 0, len(p.volumes))
	for _, id := range sortedKeys(p.volumes) {
		out = append(out, p.volumes[id])
	}
	return out
}

// Annotations returns every annotation sorted by id.
func (p *Patient) Annotations() []*Annotation {
	out := make([]*Annotation, 0, len(p.annotations))
	for _, id := range sortedKeys(p.annotations) {
		out = append(out, p.annotations[id])
	}
	return out
}

// Atlases returns every atlas sorted by id.
func (p *Patient) Atlases() []*Atlas {
	out := make([]*Atlas, 0, len(p.atlases))
	for _, id := range sortedKeys(p.atlases) {
		out = append(out, p.atlases[id])
	}
	return out
}

// Reports returns every report sorted by id.
func (p *Patient) Reports() []*Report {
	out := make([]*Report, 0, len(p.reports))
	for _, id := range sortedKeys(p.reports) {
		out = append(out, p.reports[id])
	}
	return out
}

// VolumesIn lists the volumes of one timestamp.
func (p *Patient) VolumesIn(ts models.TimestampID) []models.VolumeID {
	return p.idx.volumesByTimestamp.list(ts)
}

// AnnotationsOf lists the annotations whose parent is volume.
func (p *Patient) AnnotationsOf(volume models.VolumeID) []models.AnnotationID {
	return p.idx.annotationsByVolume.list(volume)
}

// AtlasesOf lists the atlases whose parent is volume.
func (p *Patient) AtlasesOf(volume models.VolumeID) []models.AtlasID {
	return p.idx.atlasesByVolume.list(volume)
}

// ReportsOf lists the reports whose parent is volume.
func (p *Patient) ReportsOf(volume models.VolumeID) []models.ReportID {
	return p.idx.reportsByVolume.list(volume)
}

// EntityCount is the number of volumes, annotations, atlases and reports.
func (p *Patient) EntityCount() int {
	return len(p.volumes) + len(p.annotations) + len(p.atlases) + len(p.reports)
}

// HasUnsavedChanges reports whether the in-memory aggregate differs from its
// persisted form: either the manifest body changed or a display cache has not
// been written yet.
func (p *Patient) HasUnsavedChanges() bool {
	if p.pendingCaches() {
		return true
	}
	body, err := p.manifestBody()
	if err != nil {
		p.logger.Warn("rendering manifest for change check", "error", err)
		return true
	}
	return !bytes.Equal(body, p.persisted)
}

func (p *Patient) pendingCaches() bool {
	for _, v := range p.volumes {
		if v.files.pendingCache() {
			return true
		}
	}
	for _, a := range p.annotations {
		if a.files.pendingCache() {
			return true
		}
	}
	for _, a := range p.atlases {
		if a.files.pendingCache() {
			return true
		}
	}
	return false
}

// Resident reports whether payloads are materialized.
func (p *Patient) Resident() bool { return p.resident }

// LoadInMemory materializes canonical and display payloads of every image
// entity. The first failure is returned after the remaining entities were tried.
func (p *Patient) LoadInMemory() error {
	var errs []error
	for _, v := range p.Volumes() {
		if err := v.files.load(p, v.render(p)); err != nil {
			errs = append(errs, fmt.Errorf("volume %s: %w", v.id, err))
		}
	}
	for _, a := range p.Annotations() {
		if err := a.files.load(p, a.render(p)); err != nil {
			errs = append(errs, fmt.Errorf("annotation %s: %w", a.id, err))
		}
	}
	for _, a := range p.Atlases() {
		if err := a.files.load(p, a.render(p)); err != nil {
			errs = append(errs, fmt.Errorf("atlas %s: %w", a.id, err))
		}
	}
	p.resident = true
	return errors.Join(errs...)
}

// ReleaseFromMemory drops every payload. Display arrays not yet written stay
// in memory until the next Save.
func (p *Patient) ReleaseFromMemory() {
	for _, v := range p.volumes {
		v.files.release()
	}
	for _, a := range p.annotations {
		a.files.release()
	}
	for _, a := range p.atlases {
		a.files.release()
		a.indicators = nil
	}
	p.resident = false
}

// residentFiles marks new entity files resident when the aggregate is.
func (p *Patient) residentFiles(f *imageFiles) {
	f.resident = p.resident
}
