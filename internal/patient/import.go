package patient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/radcase/radcase/internal/imaging"
	"github.com/radcase/radcase/internal/metrics"
	"github.com/radcase/radcase/internal/models"
	"github.com/radcase/radcase/internal/nifti"
)

// SeriesWorkPrefix names the temporary folders device series are converted
// in. A folder survives a failed import for inspection.
const SeriesWorkPrefix = "radcase-series-"

// ImportOptions refine ImportData. Zero values select defaults.
type ImportOptions struct {
	Timestamp   models.TimestampID
	Category    models.Category
	Parent      models.VolumeID
	Sequence    models.SequenceType
	Class       models.AnnotationClass
	Provenance  models.Provenance
	ReportKind  models.ReportKind
	DisplayName string
	// Description is a label,name table for atlases.
	Description string
}

// ImportData classifies source and registers it as a volume, annotation,
// atlas or report. A failed import leaves no files behind and does not
// affect already registered entities.
func (p *Patient) ImportData(source string, opts ImportOptions) (string, error) {
	abs, err := filepath.Abs(source)
	if err != nil {
		return "", models.Validationf("source %q: %v", source, err)
	}
	abs = filepath.Clean(abs)
	if info, err := os.Stat(abs); err != nil || info.IsDir() {
		metrics.Inc(metrics.ImportRejected)
		return "", models.Validationf("source %s is not a readable file", abs)
	}
	if owner := p.storedOwner(abs); owner != "" {
		metrics.Inc(metrics.ImportRejected)
		return "", fmt.Errorf("%w: %s already backs %s", models.ErrDuplicateSource, abs, owner)
	}

	category := opts.Category
	if category == "" {
		category, err = p.deps.Classifier.Classify(abs)
		if err != nil {
			metrics.Inc(metrics.ImportRejected)
			return "", err
		}
	}
	if !category.IsValid() {
		return "", models.Validationf("category %q", category)
	}
	if (category == models.CategoryAnnotation || category == models.CategoryAtlas) && len(p.volumes) == 0 {
		return "", models.Referentialf("cannot import %s %s without any volume", category, abs)
	}
	if opts.Parent != "" {
		if _, ok := p.volumes[opts.Parent]; !ok {
			return "", models.Referentialf("parent volume %s does not exist", opts.Parent)
		}
	}

	ts, created, err := p.importTimestamp(opts.Timestamp)
	if err != nil {
		return "", err
	}

	var id string
	switch category {
	case models.CategoryVolume:
		var vid models.VolumeID
		vid, err = p.importVolume(abs, p.adopt(abs), ts, opts)
		id = string(vid)
	case models.CategoryAnnotation:
		var aid models.AnnotationID
		aid, err = p.importAnnotation(abs, ts, opts)
		id = string(aid)
	case models.CategoryAtlas:
		var aid models.AtlasID
		aid, err = p.importAtlas(abs, ts, opts)
		id = string(aid)
	case models.CategoryReport:
		var rid models.ReportID
		rid, err = p.importReport(abs, ts, opts)
		id = string(rid)
	}
	if err != nil {
		if created {
			p.dropEmptyTimestamp(ts)
		}
		metrics.Inc(metrics.ImportRejected)
		p.logger.Warn("import failed", "source", abs, "category", category, "error", err)
		return "", err
	}

	metrics.Inc(metrics.ImportTotal)
	p.logger.Info("imported", "id", id, "category", category, "timestamp", ts, "source", abs)
	return id, nil
}

// importTimestamp resolves the target timestamp, creating one at the end of
// the sequence when none is given and none is active.
func (p *Patient) importTimestamp(id models.TimestampID) (models.TimestampID, bool, error) {
	if id != "" {
		if _, ok := p.timestamps[id]; !ok {
			return "", false, models.Referentialf("timestamp %s does not exist", id)
		}
		return id, false, nil
	}
	if _, ok := p.timestamps[p.activeTimestamp]; ok {
		return p.activeTimestamp, false, nil
	}
	created, err := p.InsertTimestamp(len(p.timestamps))
	if err != nil {
		return "", false, err
	}
	return created, true, nil
}

// dropEmptyTimestamp undoes a timestamp created by a failed import.
func (p *Patient) dropEmptyTimestamp(id models.TimestampID) {
	if _, err := p.RemoveTimestamp(id); err != nil {
		p.logger.Warn("rolling back timestamp", "timestamp", id, "error", err)
	}
}

// storedOwner returns the id of the entity that already stores abs, either
// as its raw source or as any file the patient wrote for it.
func (p *Patient) storedOwner(abs string) string {
	for id, paths := range p.storedFiles() {
		for _, sp := range paths {
			if p.resolve(sp) == abs {
				return id
			}
		}
	}
	return ""
}

// storedFiles lists, per entity id, every path the manifest records for it.
func (p *Patient) storedFiles() map[string][]StoredPath {
	files := make(map[string][]StoredPath)
	for id, v := range p.volumes {
		files[string(id)] = append(v.files.paths(), v.metadata)
	}
	for id, a := range p.annotations {
		files[string(id)] = append(a.files.paths(), slices.Collect(maps.Values(a.registered))...)
	}
	for id, a := range p.atlases {
		paths := append(a.files.paths(), a.description)
		files[string(id)] = append(paths, slices.Collect(maps.Values(a.registered))...)
	}
	for id, r := range p.reports {
		files[string(id)] = []StoredPath{r.raw, r.canonical}
	}
	return files
}

// convertImage writes the canonical file for id and returns its stored path
// and decoded content.
func (p *Patient) convertImage(source string, ts models.TimestampID, id string) (StoredPath, *nifti.Image, error) {
	dir := p.timestampDir(ts, rawDir)
	canon, err := p.deps.Converter.Convert(source, dir, id)
	if err != nil {
		return StoredPath{}, nil, models.Storagef(err, "converting %s", source)
	}
	sp := p.adopt(canon)
	img, err := nifti.Read(canon)
	if err != nil {
		_ = p.removeOwned(sp)
		return StoredPath{}, nil, models.Storagef(err, "reading canonical %s", canon)
	}
	return sp, img, nil
}

func displayPath(ts models.TimestampID, id string) StoredPath {
	return managedPath(ts, displayDir, id+"_display"+imaging.CanonicalExt)
}

func (p *Patient) importVolume(source string, raw StoredPath, ts models.TimestampID, opts ImportOptions) (models.VolumeID, error) {
	id, err := p.newID(source)
	if err != nil {
		return "", err
	}
	canonical, img, err := p.convertImage(source, ts, id)
	if err != nil {
		return "", err
	}
	lo, hi := img.MinMax()
	v := &Volume{
		id:          models.VolumeID(id),
		timestamp:   ts,
		displayName: opts.DisplayName,
		sequence:    opts.Sequence,
		window:      imaging.Window{Min: float64(lo), Max: float64(hi)},
		files: imageFiles{
			raw:       raw,
			canonical: canonical,
			display:   displayPath(ts, id),
			stale:     true,
		},
		logger: p.logger,
	}
	if v.displayName == "" {
		v.displayName = stem(source)
	}
	if v.sequence == "" {
		v.sequence = guessSequence(filepath.Base(source))
	}
	if !v.sequence.IsValid() {
		_ = p.removeOwned(canonical)
		return "", models.Validationf("sequence type %q", v.sequence)
	}
	p.residentFiles(&v.files)
	p.registerVolume(v)
	return v.id, nil
}

func (p *Patient) importParent(ts models.TimestampID, opts ImportOptions) (models.VolumeID, error) {
	if opts.Parent != "" {
		return opts.Parent, nil
	}
	parent, ok := p.firstVolume(ts)
	if !ok {
		return "", models.Referentialf("no volume to attach to")
	}
	return parent, nil
}

func (p *Patient) importAnnotation(source string, ts models.TimestampID, opts ImportOptions) (models.AnnotationID, error) {
	parent, err := p.importParent(ts, opts)
	if err != nil {
		return "", err
	}
	color, err := models.ColorFromSlice(p.deps.Prefs.Display.AnnotationColor)
	if err != nil {
		return "", err
	}
	id, err := p.newID(source)
	if err != nil {
		return "", err
	}
	a := &Annotation{
		id:          models.AnnotationID(id),
		timestamp:   ts,
		parent:      parent,
		displayName: opts.DisplayName,
		class:       opts.Class,
		provenance:  opts.Provenance,
		color:       color,
		opacity:     clampOpacity(p.deps.Prefs.Display.AnnotationOpacity),
		registered:  make(map[string]StoredPath),
		logger:      p.logger,
	}
	if a.displayName == "" {
		a.displayName = stem(source)
	}
	if a.class == "" {
		a.class = guessClass(filepath.Base(source))
	}
	if a.provenance == "" {
		a.provenance = models.ProvenanceManual
	}
	if !a.class.IsValid() {
		return "", models.Validationf("annotation class %q", a.class)
	}
	if !a.provenance.IsValid() {
		return "", models.Validationf("provenance %q", a.provenance)
	}
	canonical, _, err := p.convertImage(source, ts, id)
	if err != nil {
		return "", err
	}
	a.files = imageFiles{
		raw:       p.adopt(source),
		canonical: canonical,
		display:   displayPath(ts, id),
		stale:     true,
	}
	p.residentFiles(&a.files)
	p.registerAnnotation(a)
	return a.id, nil
}

func (p *Patient) importAtlas(source string, ts models.TimestampID, opts ImportOptions) (models.AtlasID, error) {
	parent, err := p.importParent(ts, opts)
	if err != nil {
		return "", err
	}
	provenance := opts.Provenance
	if provenance == "" {
		provenance = models.ProvenanceAutomatic
	}
	if !provenance.IsValid() {
		return "", models.Validationf("provenance %q", provenance)
	}
	id, err := p.newID(source)
	if err != nil {
		return "", err
	}

	names := map[int]string{}
	var description StoredPath
	if opts.Description != "" {
		names, err = readDescription(opts.Description)
		if err != nil {
			return "", models.Validationf("atlas description %s: %v", opts.Description, err)
		}
	}

	canonical, img, err := p.convertImage(source, ts, id)
	if err != nil {
		return "", err
	}
	if opts.Description != "" {
		description = managedPath(ts, rawDir, id+"_description.csv")
		if err := copyFile(opts.Description, p.resolve(description)); err != nil {
			_ = p.removeOwned(canonical)
			return "", models.Storagef(err, "copying atlas description %s", opts.Description)
		}
	}

	a := &Atlas{
		id:          models.AtlasID(id),
		timestamp:   ts,
		parent:      parent,
		displayName: opts.DisplayName,
		provenance:  provenance,
		description: description,
		names:       names,
		structures:  defaultStructures(img, clampOpacity(p.deps.Prefs.Display.AtlasOpacity)),
		registered:  make(map[string]StoredPath),
		files: imageFiles{
			raw:       p.adopt(source),
			canonical: canonical,
			display:   displayPath(ts, id),
			stale:     true,
		},
		logger: p.logger,
	}
	if a.displayName == "" {
		a.displayName = stem(source)
	}
	p.residentFiles(&a.files)
	p.registerAtlas(a)
	return a.id, nil
}

func (p *Patient) importReport(source string, ts models.TimestampID, opts ImportOptions) (models.ReportID, error) {
	kind := opts.ReportKind
	if kind == "" {
		kind = guessReportKind(filepath.Base(source))
	}
	if !kind.IsValid() {
		return "", models.Validationf("report kind %q", kind)
	}
	content, err := readReport(source)
	if err != nil {
		return "", models.Validationf("report %s: %v", source, err)
	}
	id, err := p.newID(source)
	if err != nil {
		return "", err
	}
	canonical := managedPath(ts, rawDir, id+filepath.Ext(source))
	if err := copyFile(source, p.resolve(canonical)); err != nil {
		return "", models.Storagef(err, "copying report %s", source)
	}
	r := &Report{
		id:          models.ReportID(id),
		timestamp:   ts,
		parent:      opts.Parent,
		displayName: opts.DisplayName,
		kind:        kind,
		raw:         p.adopt(source),
		canonical:   canonical,
		content:     content,
	}
	if r.displayName == "" {
		r.displayName = stem(source)
	}
	p.registerReport(r)
	return r.id, nil
}

// DeviceSeries is an acquisition series handed over by an imaging device or
// archive, before conversion.
type DeviceSeries struct {
	UID            string
	CorrelationKey string
	Date           time.Time
	Description    string
	Sequence       models.SequenceType
	Metadata       map[string]any
	Files          []string
}

// SeriesConverter turns a device series into one canonical-format file
// written inside workDir.
type SeriesConverter interface {
	ConvertSeries(ctx context.Context, series DeviceSeries, workDir string) (string, error)
}

// ImportDeviceSeries converts series and registers it as a volume. The series
// joins the timestamp sharing its correlation key, else a new timestamp is
// created. The intermediate conversion output is deleted once the volume is
// registered.
func (p *Patient) ImportDeviceSeries(ctx context.Context, series DeviceSeries, conv SeriesConverter) (models.VolumeID, error) {
	if series.UID != "" {
		for _, v := range p.volumes {
			if v.seriesUID == series.UID {
				metrics.Inc(metrics.ImportRejected)
				return "", fmt.Errorf("%w: series %s already backs %s", models.ErrDuplicateSource, series.UID, v.id)
			}
		}
	}
	if series.Sequence != "" && !series.Sequence.IsValid() {
		return "", models.Validationf("sequence type %q", series.Sequence)
	}

	workDir, err := os.MkdirTemp("", SeriesWorkPrefix+"*")
	if err != nil {
		return "", models.Storagef(err, "creating series work folder")
	}
	intermediate, err := conv.ConvertSeries(ctx, series, workDir)
	if err != nil {
		_ = os.RemoveAll(workDir)
		return "", models.Storagef(err, "converting series %s", series.UID)
	}

	ts := p.timestampByCorrelation(series.CorrelationKey)
	created := false
	if ts == nil {
		id, err := p.InsertTimestamp(len(p.timestamps))
		if err != nil {
			_ = os.RemoveAll(workDir)
			return "", err
		}
		ts = p.timestamps[id]
		ts.correlationKey = series.CorrelationKey
		ts.date = series.Date.UTC().Truncate(time.Second)
		created = true
	}

	name := series.Description
	if name == "" {
		name = series.UID
	}
	ext := intermediate[len(nifti.TrimExt(intermediate)):]
	source := filepath.Join(filepath.Dir(intermediate), models.Slug(name)+ext)
	if source != intermediate {
		if err := os.Rename(intermediate, source); err != nil {
			source = intermediate
		}
	}

	vid, err := p.importVolume(source, StoredPath{}, ts.id, ImportOptions{
		Sequence:    series.Sequence,
		DisplayName: series.Description,
	})
	if err == nil && len(series.Metadata) > 0 {
		err = p.writeSeriesMetadata(p.volumes[vid], series.Metadata)
		if err != nil {
			p.removeVolumeEntity(p.volumes[vid])
		}
	}
	if err != nil {
		if created {
			p.dropEmptyTimestamp(ts.id)
		}
		metrics.Inc(metrics.ImportRejected)
		p.logger.Warn("series import failed, keeping intermediate", "series", series.UID, "work_dir", workDir, "error", err)
		return "", err
	}
	p.volumes[vid].seriesUID = series.UID

	if err := os.RemoveAll(workDir); err != nil {
		p.logger.Warn("removing series work folder", "path", workDir, "error", err)
	}
	metrics.Inc(metrics.ImportTotal)
	p.logger.Info("imported device series", "id", vid, "series", series.UID, "timestamp", ts.id)
	return vid, nil
}

func (p *Patient) writeSeriesMetadata(v *Volume, meta map[string]any) error {
	data, err := yaml.Marshal(meta)
	if err != nil {
		return models.Validationf("series metadata: %v", err)
	}
	sp := managedPath(v.timestamp, rawDir, string(v.id)+"_metadata.yaml")
	if err := writeFileAtomic(p.resolve(sp), data); err != nil {
		return models.Storagef(err, "writing metadata for %s", v.id)
	}
	v.metadata = sp
	return nil
}

// copyFile copies src to dst through a temporary sibling file.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// writeFileAtomic writes data to a temporary sibling and renames it into place.
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
