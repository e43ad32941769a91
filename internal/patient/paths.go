package patient

import (
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/radcase/radcase/internal/models"
)

// Sub-folders of every timestamp folder.
const (
	rawDir     = "raw"
	displayDir = "display"
)

// ManifestName is the file name of the patient manifest inside its folder.
const ManifestName = "manifest.yaml"

// StoredPath locates a file either inside the managed tree, as a timestamp
// plus a slash-separated suffix below that timestamp's folder, or outside it
// as an absolute path. Keeping the timestamp separate means folder renames
// never require rewriting stored strings.
type StoredPath struct {
	Timestamp models.TimestampID
	Suffix    string
	External  string
}

// Managed reports whether the file lives inside the patient folder.
func (sp StoredPath) Managed() bool { return sp.Timestamp != "" }

// IsZero reports whether no path is stored.
func (sp StoredPath) IsZero() bool { return sp.Timestamp == "" && sp.External == "" }

func managedPath(ts models.TimestampID, sub, name string) StoredPath {
	return StoredPath{Timestamp: ts, Suffix: path.Join(sub, name)}
}

func externalPath(abs string) StoredPath {
	return StoredPath{External: abs}
}

// resolve returns the absolute path of sp, or "" when nothing is stored.
func (p *Patient) resolve(sp StoredPath) string {
	switch {
	case sp.Managed():
		ts, ok := p.timestamps[sp.Timestamp]
		if !ok {
			return ""
		}
		return filepath.Join(p.folder, ts.folderName, filepath.FromSlash(sp.Suffix))
	case sp.External != "":
		return sp.External
	}
	return ""
}

// encodePath renders sp for the manifest: folder-relative when managed,
// absolute otherwise.
func (p *Patient) encodePath(sp StoredPath) string {
	if sp.Managed() {
		ts, ok := p.timestamps[sp.Timestamp]
		if !ok {
			return ""
		}
		return ts.folderName + "/" + sp.Suffix
	}
	return sp.External
}

// decodePath parses a manifest path. Absolute paths that point inside a
// timestamp folder are adopted as managed.
func (p *Patient) decodePath(s string) (StoredPath, error) {
	if s == "" {
		return StoredPath{}, nil
	}
	if filepath.IsAbs(s) {
		return p.adopt(s), nil
	}
	slashed := filepath.ToSlash(filepath.Clean(s))
	if strings.HasPrefix(slashed, "../") || slashed == ".." {
		return StoredPath{}, models.Manifestf("path %q escapes the patient folder", s)
	}
	folder, suffix, ok := strings.Cut(slashed, "/")
	if !ok || suffix == "" {
		return StoredPath{}, models.Manifestf("path %q has no timestamp folder", s)
	}
	ts := p.timestampByFolder(folder)
	if ts == nil {
		return StoredPath{}, models.Manifestf("path %q references unknown timestamp folder %q", s, folder)
	}
	return StoredPath{Timestamp: ts.id, Suffix: suffix}, nil
}

// adopt converts an absolute path into a managed one when it lies inside a
// timestamp folder of this patient.
func (p *Patient) adopt(abs string) StoredPath {
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(p.folder, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return externalPath(abs)
	}
	folder, suffix, ok := strings.Cut(filepath.ToSlash(rel), "/")
	if !ok || suffix == "" {
		return externalPath(abs)
	}
	if ts := p.timestampByFolder(folder); ts != nil {
		return StoredPath{Timestamp: ts.id, Suffix: suffix}
	}
	return externalPath(abs)
}

func (p *Patient) timestampDir(id models.TimestampID, sub string) string {
	ts, ok := p.timestamps[id]
	if !ok {
		return ""
	}
	return filepath.Join(p.folder, ts.folderName, sub)
}

// removeOwned deletes the file behind sp when the patient folder owns it.
// External files are never touched.
func (p *Patient) removeOwned(sp StoredPath) error {
	if !sp.Managed() {
		return nil
	}
	abs := p.resolve(sp)
	if abs == "" {
		return nil
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return models.Storagef(err, "removing %s", abs)
	}
	return nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
