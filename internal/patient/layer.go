package patient

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/radcase/radcase/internal/metrics"
	"github.com/radcase/radcase/internal/models"
	"github.com/radcase/radcase/internal/nifti"
)

// renderFunc derives a display array from canonical data.
type renderFunc func(canonical *nifti.Image) *nifti.Image

// imageFiles is the file set and lazily materialized payload shared by
// volumes, annotations and atlases.
type imageFiles struct {
	raw       StoredPath
	canonical StoredPath
	display   StoredPath

	canonicalImg *nifti.Image
	displayImg   *nifti.Image
	resident     bool

	// stale: no valid display array exists in memory or on disk.
	// unwritten: displayImg is valid but not yet on disk.
	stale     bool
	unwritten bool
}

func (f *imageFiles) pendingCache() bool { return f.stale || f.unwritten }

// invalidate marks the display cache for regeneration.
func (f *imageFiles) invalidate() {
	f.stale = true
	f.unwritten = false
	f.displayImg = nil
}

func (f *imageFiles) canonicalImage(p *Patient) (*nifti.Image, error) {
	if f.canonicalImg != nil {
		return f.canonicalImg, nil
	}
	abs := p.resolve(f.canonical)
	img, err := nifti.Read(abs)
	if err != nil {
		return nil, models.Storagef(err, "reading canonical %s", abs)
	}
	if f.resident {
		f.canonicalImg = img
	}
	return img, nil
}

// regenerate recomputes the display array from canonical data.
func (f *imageFiles) regenerate(p *Patient, render renderFunc) error {
	img, err := f.canonicalImage(p)
	if err != nil {
		return err
	}
	f.displayImg = render(img)
	f.stale = false
	f.unwritten = true
	metrics.Inc(metrics.CacheRegenerated)
	return nil
}

// displayImage returns the display array, regenerating it if needed.
func (f *imageFiles) displayImage(p *Patient, render renderFunc) (*nifti.Image, error) {
	if f.stale {
		if err := f.regenerate(p, render); err != nil {
			return nil, err
		}
	}
	if f.displayImg != nil {
		return f.displayImg, nil
	}
	abs := p.resolve(f.display)
	img, err := nifti.Read(abs)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			p.logger.Warn("display cache unreadable, regenerating", "path", abs, "error", err)
		}
		if err := f.regenerate(p, render); err != nil {
			return nil, err
		}
		return f.displayImg, nil
	}
	if f.resident {
		f.displayImg = img
	}
	return img, nil
}

// flush writes a pending display cache to disk.
func (f *imageFiles) flush(p *Patient, render renderFunc) error {
	if f.stale {
		if err := f.regenerate(p, render); err != nil {
			return err
		}
	}
	if f.unwritten && f.displayImg != nil {
		abs := p.resolve(f.display)
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return models.Storagef(err, "creating display folder for %s", abs)
		}
		if err := nifti.Write(abs, f.displayImg); err != nil {
			return models.Storagef(err, "writing display cache %s", abs)
		}
		f.unwritten = false
	}
	if !f.resident {
		f.canonicalImg = nil
		f.displayImg = nil
	}
	return nil
}

func (f *imageFiles) load(p *Patient, render renderFunc) error {
	f.resident = true
	if _, err := f.canonicalImage(p); err != nil {
		return err
	}
	_, err := f.displayImage(p, render)
	return err
}

// release drops payloads. Unwritten display arrays are kept until flushed.
func (f *imageFiles) release() {
	f.resident = false
	f.canonicalImg = nil
	if !f.unwritten {
		f.displayImg = nil
	}
}

// checkOnLoad verifies the canonical file and flags a missing display cache.
func (f *imageFiles) checkOnLoad(p *Patient, owner string) error {
	if !fileExists(p.resolve(f.canonical)) {
		return models.Manifestf("%s: canonical file %s is missing", owner, p.resolve(f.canonical))
	}
	if !fileExists(p.resolve(f.display)) {
		p.logger.Info("display cache missing, will regenerate", "entity", owner)
		f.stale = true
	}
	return nil
}

func (f *imageFiles) paths() []StoredPath {
	return []StoredPath{f.raw, f.canonical, f.display}
}

// remove deletes every file the patient folder owns, best effort.
func (f *imageFiles) remove(p *Patient) error {
	var errs []error
	for _, sp := range f.paths() {
		if err := p.removeOwned(sp); err != nil {
			errs = append(errs, err)
		}
	}
	f.canonicalImg, f.displayImg = nil, nil
	return errors.Join(errs...)
}

func entityLabel(kind string, id any) string {
	return fmt.Sprintf("%s %v", kind, id)
}
