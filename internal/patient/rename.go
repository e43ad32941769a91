package patient

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/radcase/radcase/internal/models"
)

// Rename changes the display name and moves the patient folder to the
// matching slug under the managed patients tree. Managed paths need no
// rewrite; external paths pointing into the old folder are re-rooted.
func (p *Patient) Rename(name string) error {
	slug := models.Slug(name)
	if slug == "" {
		return models.Validationf("patient name %q has no usable characters", name)
	}
	root := filepath.Clean(p.deps.Prefs.PatientsDir())
	if filepath.Dir(p.folder) != root {
		return fmt.Errorf("%w: %s is not inside %s", models.ErrInvalidLocation, p.folder, root)
	}
	dest := filepath.Join(root, slug)
	if dest == p.folder {
		p.displayName = name
		return nil
	}
	if _, err := os.Lstat(dest); err == nil {
		return fmt.Errorf("%w: %s already exists", models.ErrNameCollision, dest)
	}
	if err := os.Rename(p.folder, dest); err != nil {
		return models.Storagef(err, "moving %s to %s", p.folder, dest)
	}

	old := p.folder
	p.folder = dest
	p.displayName = name
	p.rerootExternal(old, dest)
	p.logger.Info("patient renamed", "name", name, "from", old, "to", dest)
	return nil
}

// rerootExternal rewrites external paths that lived inside the old folder.
func (p *Patient) rerootExternal(old, dest string) {
	fix := func(sp *StoredPath) {
		if sp.Managed() || sp.External == "" {
			return
		}
		rel, err := filepath.Rel(old, sp.External)
		if err != nil || strings.HasPrefix(rel, "..") {
			return
		}
		*sp = p.adopt(filepath.Join(dest, rel))
	}
	for _, v := range p.volumes {
		fix(&v.files.raw)
		fix(&v.files.canonical)
		fix(&v.files.display)
		fix(&v.metadata)
	}
	for _, a := range p.annotations {
		fix(&a.files.raw)
		fix(&a.files.canonical)
		fix(&a.files.display)
		for space, sp := range a.registered {
			fix(&sp)
			a.registered[space] = sp
		}
	}
	for _, a := range p.atlases {
		fix(&a.files.raw)
		fix(&a.files.canonical)
		fix(&a.files.display)
		fix(&a.description)
		for space, sp := range a.registered {
			fix(&sp)
			a.registered[space] = sp
		}
	}
	for _, r := range p.reports {
		fix(&r.raw)
		fix(&r.canonical)
	}
}
