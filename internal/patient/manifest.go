package patient

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/radcase/radcase/internal/imaging"
	"github.com/radcase/radcase/internal/metrics"
	"github.com/radcase/radcase/internal/models"
)

type manifest struct {
	Parameters  parameterRecord             `yaml:"Parameters"`
	Timestamps  map[string]timestampRecord  `yaml:"Timestamps"`
	Volumes     map[string]volumeRecord     `yaml:"Volumes"`
	Annotations map[string]annotationRecord `yaml:"Annotations"`
	Atlases     map[string]atlasRecord      `yaml:"Atlases"`
	Reports     map[string]reportRecord     `yaml:"Reports"`
}

type parameterRecord struct {
	ID              string `yaml:"id"`
	DisplayName     string `yaml:"display_name"`
	Created         string `yaml:"created"`
	Edited          string `yaml:"edited,omitempty"`
	ActiveTimestamp string `yaml:"active_timestamp,omitempty"`
}

type timestampRecord struct {
	Order          int    `yaml:"order"`
	DisplayName    string `yaml:"display_name"`
	Folder         string `yaml:"folder"`
	Date           string `yaml:"date,omitempty"`
	CorrelationKey string `yaml:"correlation_key,omitempty"`
}

type volumeRecord struct {
	Timestamp   string     `yaml:"timestamp"`
	DisplayName string     `yaml:"display_name"`
	Raw         string     `yaml:"raw,omitempty"`
	Canonical   string     `yaml:"canonical"`
	Display     string     `yaml:"display"`
	Sequence    string     `yaml:"sequence"`
	Contrast    [2]float64 `yaml:"contrast,flow"`
	SeriesUID   string     `yaml:"series_uid,omitempty"`
	Metadata    string     `yaml:"metadata,omitempty"`
}

type annotationRecord struct {
	Timestamp   string            `yaml:"timestamp"`
	Parent      string            `yaml:"parent"`
	DisplayName string            `yaml:"display_name"`
	Raw         string            `yaml:"raw,omitempty"`
	Canonical   string            `yaml:"canonical"`
	Display     string            `yaml:"display"`
	Class       string            `yaml:"class"`
	Provenance  string            `yaml:"provenance"`
	Color       []int             `yaml:"color,flow"`
	Opacity     float64           `yaml:"opacity"`
	Registered  map[string]string `yaml:"registered,omitempty"`
}

type structureRecord struct {
	Color   []int   `yaml:"color,flow"`
	Opacity float64 `yaml:"opacity"`
}

type atlasRecord struct {
	Timestamp   string                  `yaml:"timestamp"`
	Parent      string                  `yaml:"parent"`
	DisplayName string                  `yaml:"display_name"`
	Raw         string                  `yaml:"raw,omitempty"`
	Canonical   string                  `yaml:"canonical"`
	Display     string                  `yaml:"display"`
	Provenance  string                  `yaml:"provenance"`
	Description string                  `yaml:"description,omitempty"`
	Structures  map[int]structureRecord `yaml:"structures,omitempty"`
	Registered  map[string]string       `yaml:"registered,omitempty"`
}

type reportRecord struct {
	Timestamp   string `yaml:"timestamp"`
	Parent      string `yaml:"parent,omitempty"`
	DisplayName string `yaml:"display_name"`
	Raw         string `yaml:"raw,omitempty"`
	Canonical   string `yaml:"canonical"`
	Kind        string `yaml:"kind"`
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

func (p *Patient) encodeRegistered(reg map[string]StoredPath) map[string]string {
	if len(reg) == 0 {
		return nil
	}
	out := make(map[string]string, len(reg))
	for space, sp := range reg {
		out[space] = p.encodePath(sp)
	}
	return out
}

// record renders the in-memory aggregate as a manifest.
func (p *Patient) record() manifest {
	m := manifest{
		Parameters: parameterRecord{
			ID:              p.id,
			DisplayName:     p.displayName,
			Created:         formatTime(p.createdAt),
			Edited:          formatTime(p.editedAt),
			ActiveTimestamp: string(p.activeTimestamp),
		},
		Timestamps:  make(map[string]timestampRecord, len(p.timestamps)),
		Volumes:     make(map[string]volumeRecord, len(p.volumes)),
		Annotations: make(map[string]annotationRecord, len(p.annotations)),
		Atlases:     make(map[string]atlasRecord, len(p.atlases)),
		Reports:     make(map[string]reportRecord, len(p.reports)),
	}
	for id, ts := range p.timestamps {
		m.Timestamps[string(id)] = timestampRecord{
			Order:          ts.order,
			DisplayName:    ts.displayName,
			Folder:         ts.folderName,
			Date:           formatTime(ts.date),
			CorrelationKey: ts.correlationKey,
		}
	}
	for id, v := range p.volumes {
		m.Volumes[string(id)] = volumeRecord{
			Timestamp:   string(v.timestamp),
			DisplayName: v.displayName,
			Raw:         p.encodePath(v.files.raw),
			Canonical:   p.encodePath(v.files.canonical),
			Display:     p.encodePath(v.files.display),
			Sequence:    string(v.sequence),
			Contrast:    [2]float64{v.window.Min, v.window.Max},
			SeriesUID:   v.seriesUID,
			Metadata:    p.encodePath(v.metadata),
		}
	}
	for id, a := range p.annotations {
		m.Annotations[string(id)] = annotationRecord{
			Timestamp:   string(a.timestamp),
			Parent:      string(a.parent),
			DisplayName: a.displayName,
			Raw:         p.encodePath(a.files.raw),
			Canonical:   p.encodePath(a.files.canonical),
			Display:     p.encodePath(a.files.display),
			Class:       string(a.class),
			Provenance:  string(a.provenance),
			Color:       a.color[:],
			Opacity:     a.opacity,
			Registered:  p.encodeRegistered(a.registered),
		}
	}
	for id, a := range p.atlases {
		rec := atlasRecord{
			Timestamp:   string(a.timestamp),
			Parent:      string(a.parent),
			DisplayName: a.displayName,
			Raw:         p.encodePath(a.files.raw),
			Canonical:   p.encodePath(a.files.canonical),
			Display:     p.encodePath(a.files.display),
			Provenance:  string(a.provenance),
			Description: p.encodePath(a.description),
			Registered:  p.encodeRegistered(a.registered),
		}
		if len(a.structures) > 0 {
			rec.Structures = make(map[int]structureRecord, len(a.structures))
			for label, s := range a.structures {
				rec.Structures[label] = structureRecord{Color: s.Color[:], Opacity: s.Opacity}
			}
		}
		m.Atlases[string(id)] = rec
	}
	for id, r := range p.reports {
		m.Reports[string(id)] = reportRecord{
			Timestamp:   string(r.timestamp),
			Parent:      string(r.parent),
			DisplayName: r.displayName,
			Raw:         p.encodePath(r.raw),
			Canonical:   p.encodePath(r.canonical),
			Kind:        string(r.kind),
		}
	}
	return m
}

// body is the manifest without its volatile edit time, the form compared
// to detect unsaved changes.
func body(m manifest) ([]byte, error) {
	m.Parameters.Edited = ""
	return yaml.Marshal(m)
}

func (p *Patient) manifestBody() ([]byte, error) {
	return body(p.record())
}

// Save flushes pending display caches in dependency order, then writes the
// manifest atomically. Cache failures are logged and returned after the
// manifest is written; the affected caches stay pending.
func (p *Patient) Save() error {
	var errs []error
	for _, v := range p.Volumes() {
		if err := v.files.flush(p, v.render(p)); err != nil {
			p.logger.Error("flushing display cache", "volume", v.id, "error", err)
			errs = append(errs, fmt.Errorf("volume %s: %w", v.id, err))
		}
	}
	for _, a := range p.Annotations() {
		if err := a.files.flush(p, a.render(p)); err != nil {
			p.logger.Error("flushing display cache", "annotation", a.id, "error", err)
			errs = append(errs, fmt.Errorf("annotation %s: %w", a.id, err))
		}
	}
	for _, a := range p.Atlases() {
		if err := a.files.flush(p, a.render(p)); err != nil {
			p.logger.Error("flushing display cache", "atlas", a.id, "error", err)
			errs = append(errs, fmt.Errorf("atlas %s: %w", a.id, err))
		}
	}

	prevEdited := p.editedAt
	p.editedAt = p.deps.Now().UTC().Truncate(time.Second)
	m := p.record()
	data, err := yaml.Marshal(m)
	if err != nil {
		p.editedAt = prevEdited
		return models.Storagef(err, "encoding manifest")
	}
	if err := writeFileAtomic(p.ManifestPath(), data); err != nil {
		p.editedAt = prevEdited
		return models.Storagef(err, "writing manifest %s", p.ManifestPath())
	}
	persisted, err := body(m)
	if err != nil {
		return models.Storagef(err, "encoding manifest")
	}
	p.persisted = persisted
	metrics.Inc(metrics.SaveTotal)
	p.logger.Info("patient saved", "manifest", p.ManifestPath(), "entities", p.EntityCount())
	return errors.Join(errs...)
}

// Load rebuilds a patient from its manifest: timestamps first, then volumes,
// then annotations and atlases, then reports. Missing display caches are
// regenerated on demand and written by the next Save.
func Load(manifestPath string, deps Deps) (*Patient, error) {
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
	if m.Parameters.ID == "" {
		return nil, models.Manifestf("%s: Parameters.id is missing", abs)
	}

	p := newPatient(deps)
	p.folder = filepath.Dir(abs)
	p.logger = deps.Logger.With("patient", m.Parameters.ID)
	if err := p.apply(m); err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	p.persisted, err = body(m)
	if err != nil {
		return nil, models.Manifestf("%s: %v", abs, err)
	}
	metrics.Inc(metrics.LoadTotal)
	p.logger.Info("patient loaded", "manifest", abs, "entities", p.EntityCount())
	return p, nil
}

func (p *Patient) apply(m manifest) error {
	var err error
	p.id = m.Parameters.ID
	p.displayName = m.Parameters.DisplayName
	if p.createdAt, err = parseTime("Parameters.created", m.Parameters.Created); err != nil {
		return err
	}
	if p.editedAt, err = parseTime("Parameters.edited", m.Parameters.Edited); err != nil {
		return err
	}

	if err := p.applyTimestamps(m.Timestamps); err != nil {
		return err
	}
	p.activeTimestamp = models.TimestampID(m.Parameters.ActiveTimestamp)
	if _, ok := p.timestamps[p.activeTimestamp]; !ok && p.activeTimestamp != "" {
		p.logger.Warn("active timestamp does not exist, resetting", "timestamp", p.activeTimestamp)
		p.activeTimestamp = ""
		if all := p.Timestamps(); len(all) > 0 {
			p.activeTimestamp = all[0].id
		}
	}

	for _, id := range sortedKeys(m.Volumes) {
		if err := p.applyVolume(id, m.Volumes[id]); err != nil {
			return err
		}
	}
	for _, id := range sortedKeys(m.Annotations) {
		if err := p.applyAnnotation(id, m.Annotations[id]); err != nil {
			return err
		}
	}
	for _, id := range sortedKeys(m.Atlases) {
		if err := p.applyAtlas(id, m.Atlases[id]); err != nil {
			return err
		}
	}
	for _, id := range sortedKeys(m.Reports) {
		if err := p.applyReport(id, m.Reports[id]); err != nil {
			return err
		}
	}
	return nil
}

func (p *Patient) applyTimestamps(recs map[string]timestampRecord) error {
	for _, id := range sortedKeys(recs) {
		rec := recs[id]
		folder := rec.Folder
		if folder == "" {
			folder = id
		}
		if other := p.timestampByFolder(folder); other != nil {
			return models.Manifestf("timestamps %s and %s share folder %q", other.id, id, folder)
		}
		date, err := parseTime("Timestamps."+id+".date", rec.Date)
		if err != nil {
			return err
		}
		p.timestamps[models.TimestampID(id)] = &Timestamp{
			id:             models.TimestampID(id),
			order:          rec.Order,
			displayName:    rec.DisplayName,
			folderName:     folder,
			date:           date,
			correlationKey: rec.CorrelationKey,
		}
	}

	all := p.Timestamps()
	slices.SortStableFunc(all, func(a, b *Timestamp) int {
		if a.order != b.order {
			return a.order - b.order
		}
		return cmpStrings(string(a.id), string(b.id))
	})
	for i, ts := range all {
		if ts.order != i {
			p.logger.Warn("timestamp orders not contiguous, renumbering", "timestamp", ts.id, "order", ts.order, "new_order", i)
		}
		ts.order = i
	}
	return nil
}

func cmpStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (p *Patient) checkTimestamp(owner, id string) (models.TimestampID, error) {
	ts := models.TimestampID(id)
	if _, ok := p.timestamps[ts]; !ok {
		return "", models.Manifestf("%s references missing timestamp %q", owner, id)
	}
	return ts, nil
}

func (p *Patient) checkParent(owner, id string) (models.VolumeID, error) {
	v := models.VolumeID(id)
	if _, ok := p.volumes[v]; !ok {
		return "", models.Manifestf("%s references missing volume %q", owner, id)
	}
	return v, nil
}

func (p *Patient) decodeFiles(owner, raw, canonical, display string) (imageFiles, error) {
	var (
		f   imageFiles
		err error
	)
	if f.raw, err = p.decodePath(raw); err != nil {
		return f, fmt.Errorf("%s raw: %w", owner, err)
	}
	if f.canonical, err = p.decodePath(canonical); err != nil {
		return f, fmt.Errorf("%s canonical: %w", owner, err)
	}
	if f.canonical.IsZero() {
		return f, models.Manifestf("%s has no canonical path", owner)
	}
	if f.display, err = p.decodePath(display); err != nil {
		return f, fmt.Errorf("%s display: %w", owner, err)
	}
	if f.display.IsZero() {
		f.display = p.defaultDisplay(f.canonical, owner)
	}
	return f, f.checkOnLoad(p, owner)
}

// defaultDisplay places a missing display path next to its canonical file's
// timestamp, or in the first timestamp for external canonical files.
func (p *Patient) defaultDisplay(canonical StoredPath, owner string) StoredPath {
	ts := canonical.Timestamp
	if ts == "" {
		if all := p.Timestamps(); len(all) > 0 {
			ts = all[0].id
		}
	}
	return managedPath(ts, displayDir, models.Slug(owner)+"_display"+imaging.CanonicalExt)
}

func (p *Patient) decodeRegistered(owner string, recs map[string]string) (map[string]StoredPath, error) {
	out := make(map[string]StoredPath, len(recs))
	for space, s := range recs {
		sp, err := p.decodePath(s)
		if err != nil {
			return nil, fmt.Errorf("%s registered %s: %w", owner, space, err)
		}
		if !fileExists(p.resolve(sp)) {
			return nil, models.Manifestf("%s registered copy %s is missing", owner, p.resolve(sp))
		}
		out[space] = sp
	}
	return out, nil
}

func (p *Patient) applyVolume(id string, rec volumeRecord) error {
	owner := entityLabel("volume", id)
	ts, err := p.checkTimestamp(owner, rec.Timestamp)
	if err != nil {
		return err
	}
	files, err := p.decodeFiles(owner, rec.Raw, rec.Canonical, rec.Display)
	if err != nil {
		return err
	}
	metadata, err := p.decodePath(rec.Metadata)
	if err != nil {
		return fmt.Errorf("%s metadata: %w", owner, err)
	}
	seq, err := models.ParseSequenceType(rec.Sequence)
	if err != nil {
		p.logger.Warn("unknown sequence type, using default", "volume", id, "value", rec.Sequence)
		seq = models.SequenceUnknown
	}
	files.resident = p.resident
	p.registerVolume(&Volume{
		id:          models.VolumeID(id),
		timestamp:   ts,
		displayName: rec.DisplayName,
		sequence:    seq,
		window:      imaging.Window{Min: rec.Contrast[0], Max: rec.Contrast[1]},
		seriesUID:   rec.SeriesUID,
		metadata:    metadata,
		files:       files,
		logger:      p.logger,
	})
	return nil
}

func (p *Patient) applyAnnotation(id string, rec annotationRecord) error {
	owner := entityLabel("annotation", id)
	ts, err := p.checkTimestamp(owner, rec.Timestamp)
	if err != nil {
		return err
	}
	parent, err := p.checkParent(owner, rec.Parent)
	if err != nil {
		return err
	}
	files, err := p.decodeFiles(owner, rec.Raw, rec.Canonical, rec.Display)
	if err != nil {
		return err
	}
	registered, err := p.decodeRegistered(owner, rec.Registered)
	if err != nil {
		return err
	}
	class, err := models.ParseAnnotationClass(rec.Class)
	if err != nil {
		p.logger.Warn("unknown annotation class, using default", "annotation", id, "value", rec.Class)
		class = models.ClassOther
	}
	provenance, err := models.ParseProvenance(rec.Provenance)
	if err != nil {
		p.logger.Warn("unknown provenance, using default", "annotation", id, "value", rec.Provenance)
		provenance = models.ProvenanceManual
	}
	color, err := models.ColorFromSlice(rec.Color)
	if err != nil {
		p.logger.Warn("invalid annotation color, using default", "annotation", id, "value", rec.Color)
		color, _ = models.ColorFromSlice(p.deps.Prefs.Display.AnnotationColor)
	}
	files.resident = p.resident
	p.registerAnnotation(&Annotation{
		id:          models.AnnotationID(id),
		timestamp:   ts,
		parent:      parent,
		displayName: rec.DisplayName,
		class:       class,
		provenance:  provenance,
		color:       color,
		opacity:     clampOpacity(rec.Opacity),
		registered:  registered,
		files:       files,
		logger:      p.logger,
	})
	return nil
}

func (p *Patient) applyAtlas(id string, rec atlasRecord) error {
	owner := entityLabel("atlas", id)
	ts, err := p.checkTimestamp(owner, rec.Timestamp)
	if err != nil {
		return err
	}
	parent, err := p.checkParent(owner, rec.Parent)
	if err != nil {
		return err
	}
	files, err := p.decodeFiles(owner, rec.Raw, rec.Canonical, rec.Display)
	if err != nil {
		return err
	}
	registered, err := p.decodeRegistered(owner, rec.Registered)
	if err != nil {
		return err
	}
	description, err := p.decodePath(rec.Description)
	if err != nil {
		return fmt.Errorf("%s description: %w", owner, err)
	}
	names := map[int]string{}
	if !description.IsZero() {
		if names, err = readDescription(p.resolve(description)); err != nil {
			return models.Manifestf("%s description %s: %v", owner, p.resolve(description), err)
		}
	}
	provenance, err := models.ParseProvenance(rec.Provenance)
	if err != nil {
		p.logger.Warn("unknown provenance, using default", "atlas", id, "value", rec.Provenance)
		provenance = models.ProvenanceAutomatic
	}
	structures := make(map[int]Structure, len(rec.Structures))
	for label, s := range rec.Structures {
		color, err := models.ColorFromSlice(s.Color)
		if err != nil {
			p.logger.Warn("invalid structure color, using palette", "atlas", id, "label", label)
			color = imaging.PaletteColor(label)
		}
		structures[label] = Structure{Color: color, Opacity: clampOpacity(s.Opacity)}
	}
	files.resident = p.resident
	p.registerAtlas(&Atlas{
		id:          models.AtlasID(id),
		timestamp:   ts,
		parent:      parent,
		displayName: rec.DisplayName,
		provenance:  provenance,
		description: description,
		names:       names,
		structures:  structures,
		registered:  registered,
		files:       files,
		logger:      p.logger,
	})
	return nil
}

func (p *Patient) applyReport(id string, rec reportRecord) error {
	owner := entityLabel("report", id)
	ts, err := p.checkTimestamp(owner, rec.Timestamp)
	if err != nil {
		return err
	}
	var parent models.VolumeID
	if rec.Parent != "" {
		if parent, err = p.checkParent(owner, rec.Parent); err != nil {
			return err
		}
	}
	raw, err := p.decodePath(rec.Raw)
	if err != nil {
		return fmt.Errorf("%s raw: %w", owner, err)
	}
	canonical, err := p.decodePath(rec.Canonical)
	if err != nil {
		return fmt.Errorf("%s canonical: %w", owner, err)
	}
	if canonical.IsZero() || !fileExists(p.resolve(canonical)) {
		return models.Manifestf("%s: result file %s is missing", owner, p.resolve(canonical))
	}
	content, err := readReport(p.resolve(canonical))
	if err != nil {
		return models.Manifestf("%s: %v", owner, err)
	}
	kind, err := models.ParseReportKind(rec.Kind)
	if err != nil {
		p.logger.Warn("unknown report kind, using default", "report", id, "value", rec.Kind)
		kind = models.ReportCharacteristics
	}
	p.registerReport(&Report{
		id:          models.ReportID(id),
		timestamp:   ts,
		parent:      parent,
		displayName: rec.DisplayName,
		kind:        kind,
		raw:         raw,
		canonical:   canonical,
		content:     content,
	})
	return nil
}

// Header is the identifying part of a patient manifest.
type Header struct {
	ID          string
	DisplayName string
	Created     time.Time
	Folder      string
}

// ReadHeader parses only the Parameters section of a manifest. It does not
// check that referenced files exist.
func ReadHeader(manifestPath string) (Header, error) {
	abs, err := filepath.Abs(manifestPath)
	if err != nil {
		return Header{}, models.Manifestf("manifest path %q: %v", manifestPath, err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return Header{}, fmt.Errorf("%w: reading %s: %w", models.ErrManifest, abs, err)
	}
	var m struct {
		Parameters parameterRecord `yaml:"Parameters"`
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Header{}, fmt.Errorf("%w: parsing %s: %w", models.ErrManifest, abs, err)
	}
	if m.Parameters.ID == "" {
		return Header{}, models.Manifestf("%s: Parameters.id is missing", abs)
	}
	created, err := parseTime("Parameters.created", m.Parameters.Created)
	if err != nil {
		return Header{}, fmt.Errorf("%s: %w", abs, err)
	}
	return Header{
		ID:          m.Parameters.ID,
		DisplayName: m.Parameters.DisplayName,
		Created:     created,
		Folder:      filepath.Dir(abs),
	}, nil
}
