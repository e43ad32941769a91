package patient

import (
	"log/slog"
	"strings"

	"github.com/radcase/radcase/internal/models"
	"github.com/radcase/radcase/internal/nifti"
)

// Annotation is a binary segmentation drawn on, or derived from, a volume.
type Annotation struct {
	id          models.AnnotationID
	timestamp   models.TimestampID
	parent      models.VolumeID
	displayName string
	class       models.AnnotationClass
	provenance  models.Provenance
	color       models.Color
	opacity     float64
	registered  map[string]StoredPath
	files       imageFiles
	logger      *slog.Logger
}

func (a *Annotation) ID() models.AnnotationID { return a.id }
func (a *Annotation) Timestamp() models.TimestampID { return a.timestamp }
func (a *Annotation) Parent() models.VolumeID { return a.parent }
func (a *Annotation) DisplayName() string { return a.displayName }
func (a *Annotation) Class() models.AnnotationClass { return a.class }
func (a *Annotation) Provenance() models.Provenance { return a.provenance }
func (a *Annotation) Color() models.Color { return a.color }
func (a *Annotation) Opacity() float64 { return a.opacity }
func (a *Annotation) Raw() StoredPath { return a.files.raw }
func (a *Annotation) Canonical() StoredPath { return a.files.canonical }
func (a *Annotation) Display() StoredPath { return a.files.display }

// RegisteredSpaces lists the target spaces holding a registered copy.
func (a *Annotation) RegisteredSpaces() []string { return sortedKeys(a.registered) }

// SetDisplayName changes the name shown for the annotation.
func (a *Annotation) SetDisplayName(name string) { a.displayName = name }

// SetClass sets the semantic class.
func (a *Annotation) SetClass(c models.AnnotationClass) error {
	if !c.IsValid() {
		return models.Validationf("annotation class %q", c)
	}
	a.class = c
	return nil
}

// SetClassName parses name and sets the class. Unknown names are logged and
// leave the class unchanged.
func (a *Annotation) SetClassName(name string) error {
	c, err := models.ParseAnnotationClass(name)
	if err != nil {
		a.logger.Warn("ignoring annotation class", "annotation", a.id, "value", name)
		return err
	}
	a.class = c
	return nil
}

// SetProvenance records how the annotation was produced.
func (a *Annotation) SetProvenance(pv models.Provenance) error {
	if !pv.IsValid() {
		return models.Validationf("provenance %q", pv)
	}
	a.provenance = pv
	return nil
}

// SetProvenanceName parses name and sets the provenance. Unknown names are
// logged and leave the provenance unchanged.
func (a *Annotation) SetProvenanceName(name string) error {
	pv, err := models.ParseProvenance(name)
	if err != nil {
		a.logger.Warn("ignoring provenance", "annotation", a.id, "value", name)
		return err
	}
	a.provenance = pv
	return nil
}

// SetColor changes the display color.
func (a *Annotation) SetColor(c models.Color) error {
	if !c.Valid() {
		return models.Validationf("color %v out of range", c)
	}
	a.color = c
	return nil
}

// SetOpacity changes the display opacity, clamped to [0, 1].
func (a *Annotation) SetOpacity(o float64) { a.opacity = clampOpacity(o) }

func (a *Annotation) render(p *Patient) renderFunc {
	return p.deps.Display.Mask
}

func clampOpacity(o float64) float64 {
	return max(0, min(1, o))
}

// guessClass derives an annotation class from common file naming conventions.
func guessClass(name string) models.AnnotationClass {
	lower := strings.ToLower(name)
	for _, c := range models.ValidAnnotationClasses {
		if c == models.ClassOther {
			continue
		}
		if strings.Contains(lower, strings.ToLower(string(c))) {
			return c
		}
	}
	return models.ClassOther
}

// LinkAnnotation moves an annotation to another parent volume.
func (p *Patient) LinkAnnotation(id models.AnnotationID, parent models.VolumeID) error {
	a, err := p.Annotation(id)
	if err != nil {
		return err
	}
	if _, ok := p.volumes[parent]; !ok {
		return models.Referentialf("annotation %s cannot link to missing volume %s", id, parent)
	}
	p.idx.annotationsByVolume.remove(a.parent, a.id)
	a.parent = parent
	p.idx.annotationsByVolume.add(parent, a.id)
	return nil
}

func (p *Patient) registerAnnotation(a *Annotation) {
	p.annotations[a.id] = a
	p.idx.annotationsByVolume.add(a.parent, a.id)
	p.idx.annotationsByTimestamp.add(a.timestamp, a.id)
}

func (p *Patient) unregisterAnnotation(a *Annotation) {
	delete(p.annotations, a.id)
	p.idx.annotationsByVolume.remove(a.parent, a.id)
	p.idx.annotationsByTimestamp.remove(a.timestamp, a.id)
}

// maskVolumeML is the volume in millilitres of the positive voxels of img.
func maskVolumeML(img *nifti.Image) float64 {
	n := img.Count(func(v float32) bool { return v > 0 })
	return float64(n) * img.VoxelVolume() / 1000
}
