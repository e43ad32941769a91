package patient

import (
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/radcase/radcase/internal/imaging"
	"github.com/radcase/radcase/internal/models"
	"github.com/radcase/radcase/internal/nifti"
)

// Volume is one intensity image.
type Volume struct {
	id          models.VolumeID
	timestamp   models.TimestampID
	displayName string
	sequence    models.SequenceType
	window      imaging.Window
	seriesUID   string
	metadata    StoredPath
	files       imageFiles
	logger      *slog.Logger
}

func (v *Volume) ID() models.VolumeID { return v.id }
func (v *Volume) Timestamp() models.TimestampID { return v.timestamp }
func (v *Volume) DisplayName() string { return v.displayName }
func (v *Volume) Sequence() models.SequenceType { return v.sequence }
func (v *Volume) Contrast() imaging.Window { return v.window }
func (v *Volume) SeriesUID() string { return v.seriesUID }
func (v *Volume) Raw() StoredPath { return v.files.raw }
func (v *Volume) Canonical() StoredPath { return v.files.canonical }
func (v *Volume) Display() StoredPath { return v.files.display }
func (v *Volume) MetadataPath() StoredPath { return v.metadata }

// SetDisplayName changes the name shown for the volume.
func (v *Volume) SetDisplayName(name string) { v.displayName = name }

// SetSequence sets the acquisition sequence.
func (v *Volume) SetSequence(s models.SequenceType) error {
	if !s.IsValid() {
		return models.Validationf("sequence type %q", s)
	}
	v.sequence = s
	return nil
}

// SetSequenceName parses name and sets the sequence. Unknown names are logged
// and leave the sequence unchanged.
func (v *Volume) SetSequenceName(name string) error {
	s, err := models.ParseSequenceType(name)
	if err != nil {
		v.logger.Warn("ignoring sequence type", "volume", v.id, "value", name)
		return err
	}
	v.sequence = s
	return nil
}

// SetContrast changes the display window and invalidates the display cache.
func (v *Volume) SetContrast(lo, hi float64) error {
	w := imaging.Window{Min: lo, Max: hi}
	if !w.Valid() {
		return models.Validationf("contrast window [%g, %g] is empty", lo, hi)
	}
	if w == v.window {
		return nil
	}
	v.window = w
	v.files.invalidate()
	return nil
}

func (v *Volume) render(p *Patient) renderFunc {
	window := v.window
	return func(img *nifti.Image) *nifti.Image {
		return p.deps.Display.Intensity(img, window)
	}
}

// guessSequence derives a sequence tag from common file naming conventions.
func guessSequence(name string) models.SequenceType {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "t1ce"), strings.Contains(lower, "t1c"), strings.Contains(lower, "t1-ce"):
		return models.SequenceT1CE
	case strings.Contains(lower, "flair"):
		return models.SequenceFLAIR
	case strings.Contains(lower, "t1"):
		return models.SequenceT1W
	case strings.Contains(lower, "t2"):
		return models.SequenceT2
	case strings.Contains(lower, "_ct"), strings.HasPrefix(lower, "ct"):
		return models.SequenceCT
	}
	return models.SequenceUnknown
}

// VolumeMetadata reads the device metadata sidecar of a volume, if any.
func (p *Patient) VolumeMetadata(id models.VolumeID) (map[string]any, error) {
	v, err := p.Volume(id)
	if err != nil {
		return nil, err
	}
	if v.metadata.IsZero() {
		return nil, nil
	}
	path := p.resolve(v.metadata)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, models.Storagef(err, "reading metadata %s", path)
	}
	var out map[string]any
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, models.Storagef(err, "parsing metadata %s", path)
	}
	return out, nil
}

func (p *Patient) registerVolume(v *Volume) {
	p.volumes[v.id] = v
	p.idx.volumesByTimestamp.add(v.timestamp, v.id)
}

func (p *Patient) unregisterVolume(v *Volume) {
	delete(p.volumes, v.id)
	p.idx.volumesByTimestamp.remove(v.timestamp, v.id)
}

// firstVolume picks the default parent for annotations and atlases: the
// lowest volume id of ts, else the lowest volume id overall.
func (p *Patient) firstVolume(ts models.TimestampID) (models.VolumeID, bool) {
	if ids := p.idx.volumesByTimestamp.list(ts); len(ids) > 0 {
		return ids[0], true
	}
	if ids := sortedKeys(p.volumes); len(ids) > 0 {
		return ids[0], true
	}
	return "", false
}
