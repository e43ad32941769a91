package patient

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/radcase/radcase/internal/models"
	"github.com/radcase/radcase/internal/nifti"
)

// maxIDAttempts bounds retries before the prefix range is treated as exhausted.
const maxIDAttempts = 10000

// newID composes "<prefix>_<base>" from a random prefix and the sanitised
// file name stem, retrying until no entity of any kind uses it.
func (p *Patient) newID(source string) (string, error) {
	base := models.Slug(stem(source))
	if base == "" {
		base = "entity"
	}
	bound := p.deps.Prefs.IDs.MaxPrefix
	for range maxIDAttempts {
		id := strconv.Itoa(p.deps.IntN(bound)) + "_" + base
		if !p.idTaken(id) {
			return id, nil
		}
	}
	return "", models.Validationf("no free id for %q after %d attempts", base, maxIDAttempts)
}

func (p *Patient) idTaken(id string) bool {
	if _, ok := p.volumes[models.VolumeID(id)]; ok {
		return true
	}
	if _, ok := p.annotations[models.AnnotationID(id)]; ok {
		return true
	}
	if _, ok := p.atlases[models.AtlasID(id)]; ok {
		return true
	}
	if _, ok := p.reports[models.ReportID(id)]; ok {
		return true
	}
	return false
}

// stem is the base file name without its image or document extension.
func stem(source string) string {
	name := filepath.Base(source)
	if nifti.IsNIfTI(name) {
		return nifti.TrimExt(name)
	}
	return strings.TrimSuffix(name, filepath.Ext(name))
}
