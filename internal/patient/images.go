package patient

import (
	"fmt"
	"path/filepath"

	"github.com/radcase/radcase/internal/models"
	"github.com/radcase/radcase/internal/nifti"
)

// imageEntity finds the file set and renderer of any image-backed entity.
// Ids are unique across kinds, so a plain string suffices.
func (p *Patient) imageEntity(id string) (*imageFiles, renderFunc, error) {
	if v, ok := p.volumes[models.VolumeID(id)]; ok {
		return &v.files, v.render(p), nil
	}
	if a, ok := p.annotations[models.AnnotationID(id)]; ok {
		return &a.files, a.render(p), nil
	}
	if a, ok := p.atlases[models.AtlasID(id)]; ok {
		return &a.files, a.render(p), nil
	}
	return nil, nil, models.NotFoundf("image entity", id)
}

// CanonicalImage returns the canonical array of a volume, annotation or atlas.
// Arrays are read from disk on demand unless the patient is resident.
func (p *Patient) CanonicalImage(id string) (*nifti.Image, error) {
	files, _, err := p.imageEntity(id)
	if err != nil {
		return nil, err
	}
	return files.canonicalImage(p)
}

// DisplayImage returns the display array, regenerating it when missing.
func (p *Patient) DisplayImage(id string) (*nifti.Image, error) {
	files, render, err := p.imageEntity(id)
	if err != nil {
		return nil, err
	}
	return files.displayImage(p, render)
}

// CanonicalPath returns the absolute path of the canonical file of any
// entity, reports included.
func (p *Patient) CanonicalPath(id string) (string, error) {
	if r, ok := p.reports[models.ReportID(id)]; ok {
		return p.resolve(r.canonical), nil
	}
	files, _, err := p.imageEntity(id)
	if err != nil {
		return "", err
	}
	return p.resolve(files.canonical), nil
}

// Resolve returns the absolute path of a stored path of this patient.
func (p *Patient) Resolve(sp StoredPath) string { return p.resolve(sp) }

// ImportRegisteredCopy stores a representation of annotation or atlas id that
// was already registered into the named target space. An existing copy for
// that space is replaced.
func (p *Patient) ImportRegisteredCopy(id, source, space string) error {
	slug := models.Slug(space)
	if slug == "" {
		return models.Validationf("space name %q has no usable characters", space)
	}
	var (
		ts         models.TimestampID
		registered map[string]StoredPath
	)
	if a, ok := p.annotations[models.AnnotationID(id)]; ok {
		ts, registered = a.timestamp, a.registered
	} else if a, ok := p.atlases[models.AtlasID(id)]; ok {
		ts, registered = a.timestamp, a.registered
	} else {
		return models.NotFoundf("annotation or atlas", id)
	}

	abs, err := filepath.Abs(source)
	if err != nil {
		return models.Validationf("source %q: %v", source, err)
	}
	canon, err := p.deps.Converter.Convert(abs, p.timestampDir(ts, rawDir), fmt.Sprintf("%s_%s", id, slug))
	if err != nil {
		return models.Storagef(err, "converting registered copy %s", abs)
	}
	registered[space] = p.adopt(canon)
	p.logger.Info("registered copy imported", "id", id, "space", space)
	return nil
}

// RegisteredCopy reads the registered copy of id in space.
func (p *Patient) RegisteredCopy(id, space string) (*nifti.Image, error) {
	var registered map[string]StoredPath
	if a, ok := p.annotations[models.AnnotationID(id)]; ok {
		registered = a.registered
	} else if a, ok := p.atlases[models.AtlasID(id)]; ok {
		registered = a.registered
	} else {
		return nil, models.NotFoundf("annotation or atlas", id)
	}
	sp, ok := registered[space]
	if !ok {
		return nil, models.NotFoundf("registered space", space)
	}
	img, err := nifti.Read(p.resolve(sp))
	if err != nil {
		return nil, models.Storagef(err, "reading registered copy %s", p.resolve(sp))
	}
	return img, nil
}
