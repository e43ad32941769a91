package patient

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radcase/radcase/internal/config"
	"github.com/radcase/radcase/internal/imaging"
	"github.com/radcase/radcase/internal/metrics"
	"github.com/radcase/radcase/internal/models"
	"github.com/radcase/radcase/internal/nifti"
)

// testDeps returns dependencies rooted in a temp dir whose id prefixes count
// up from 1, so ids are predictable.
func testDeps(t *testing.T) Deps {
	t.Helper()
	n := 0
	return Deps{
		Prefs: config.Default(t.TempDir()),
		IntN: func(int) int {
			n++
			return n
		},
	}
}

func newTestPatient(t *testing.T, name string) *Patient {
	t.Helper()
	p, err := New(name, testDeps(t))
	require.NoError(t, err)
	return p
}

func writeImage(t *testing.T, path string, dt nifti.Datatype, spacing float64, fill func(i int) float32) string {
	t.Helper()
	img := nifti.New([3]int{4, 4, 4}, [3]float64{spacing, spacing, spacing}, dt)
	for i := range img.Data {
		img.Data[i] = fill(i)
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, nifti.Write(path, img))
	return path
}

// writeVolume writes a fractional-valued intensity image.
func writeVolume(t *testing.T, dir, name string) string {
	t.Helper()
	return writeImage(t, filepath.Join(dir, name), nifti.Float32, 1, func(i int) float32 {
		return float32(i) + 0.25
	})
}

// writeMask writes a binary mask with n positive voxels.
func writeMask(t *testing.T, dir, name string, n int) string {
	t.Helper()
	return writeImage(t, filepath.Join(dir, name), nifti.Uint8, 1, func(i int) float32 {
		if i < n {
			return 1
		}
		return 0
	})
}

// writeAtlas writes a label image holding labels 1, 2 and 3.
func writeAtlas(t *testing.T, dir, name string) string {
	t.Helper()
	return writeImage(t, filepath.Join(dir, name), nifti.Int16, 1, func(i int) float32 {
		return float32(i % 4)
	})
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestScenario_ImportThenRemoveVolume(t *testing.T) {
	src := t.TempDir()
	p := newTestPatient(t, "P")

	ts, err := p.InsertTimestamp(0)
	require.NoError(t, err)
	assert.Equal(t, models.TimestampID("T0"), ts)

	vid, err := p.ImportData(writeVolume(t, src, "case.nii"), ImportOptions{Timestamp: ts})
	require.NoError(t, err)
	assert.Equal(t, "1_case", vid)

	aid, err := p.ImportData(writeMask(t, src, "case_seg.nii", 5), ImportOptions{Timestamp: ts})
	require.NoError(t, err)
	a, err := p.Annotation(models.AnnotationID(aid))
	require.NoError(t, err)
	assert.Equal(t, models.VolumeID(vid), a.Parent())

	canonical := p.Resolve(a.Canonical())
	assert.FileExists(t, canonical)

	removed, err := p.RemoveVolume(models.VolumeID(vid))
	require.NoError(t, err)
	assert.Equal(t, Removed{SectionAnnotations: {aid}}, removed)
	assert.Empty(t, p.Volumes())
	assert.Empty(t, p.Annotations())
	assert.NoFileExists(t, canonical)
}

func TestNew(t *testing.T) {
	deps := testDeps(t)
	p, err := New("Jane Doe", deps)
	require.NoError(t, err)

	assert.NotEmpty(t, p.ID())
	assert.Equal(t, "Jane Doe", p.DisplayName())
	assert.Equal(t, filepath.Join(deps.Prefs.PatientsDir(), "jane-doe"), p.Folder())
	assert.DirExists(t, p.Folder())
	assert.True(t, p.HasUnsavedChanges())

	_, err = New("jane doe", deps)
	assert.ErrorIs(t, err, models.ErrNameCollision)

	_, err = New("***", deps)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = New("x", Deps{})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestImportData_Doppelganger(t *testing.T) {
	src := t.TempDir()
	p := newTestPatient(t, "P")
	path := writeVolume(t, src, "case.nii")

	_, err := p.ImportData(path, ImportOptions{})
	require.NoError(t, err)
	before := p.EntityCount()

	_, err = p.ImportData(filepath.Join(src, ".", "case.nii"), ImportOptions{})
	assert.ErrorIs(t, err, models.ErrDuplicateSource)
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Equal(t, before, p.EntityCount())
}

func TestImportData_AnnotationNeedsVolume(t *testing.T) {
	src := t.TempDir()
	p := newTestPatient(t, "P")

	_, err := p.ImportData(writeMask(t, src, "case_seg.nii", 3), ImportOptions{})
	assert.ErrorIs(t, err, models.ErrReferential)
	assert.Zero(t, p.EntityCount())
	assert.Empty(t, p.Timestamps())
}

func TestImportData_Defaults(t *testing.T) {
	src := t.TempDir()
	p := newTestPatient(t, "P")

	vid, err := p.ImportData(writeVolume(t, src, "brain_flair.nii.gz"), ImportOptions{})
	require.NoError(t, err)
	require.Len(t, p.Timestamps(), 1)
	assert.Equal(t, models.TimestampID("T0"), p.ActiveTimestamp())

	v, err := p.Volume(models.VolumeID(vid))
	require.NoError(t, err)
	assert.Equal(t, models.TimestampID("T0"), v.Timestamp())
	assert.Equal(t, models.SequenceFLAIR, v.Sequence())
	assert.Equal(t, "brain_flair", v.DisplayName())
	assert.Equal(t, 0.25, v.Contrast().Min)
	assert.Equal(t, 63.25, v.Contrast().Max)
	assert.Equal(t, filepath.Join(p.Folder(), "T0", "raw", vid+imaging.CanonicalExt), p.Resolve(v.Canonical()))
	assert.True(t, v.Canonical().Managed())
	assert.False(t, v.Raw().Managed())

	aid, err := p.ImportData(writeMask(t, src, "tumor_mask.nii", 4), ImportOptions{})
	require.NoError(t, err)
	a, err := p.Annotation(models.AnnotationID(aid))
	require.NoError(t, err)
	assert.Equal(t, models.ClassTumor, a.Class())
	assert.Equal(t, models.ProvenanceManual, a.Provenance())
	assert.Equal(t, models.Color{255, 255, 0}, a.Color())
	assert.Equal(t, 0.5, a.Opacity())
	assert.Equal(t, []models.AnnotationID{models.AnnotationID(aid)}, p.AnnotationsOf(models.VolumeID(vid)))
}

func TestImportData_Errors(t *testing.T) {
	src := t.TempDir()
	p := newTestPatient(t, "P")

	_, err := p.ImportData(filepath.Join(src, "missing.nii"), ImportOptions{})
	assert.ErrorIs(t, err, models.ErrValidation)

	path := writeVolume(t, src, "case.nii")
	_, err = p.ImportData(path, ImportOptions{Timestamp: "T9"})
	assert.ErrorIs(t, err, models.ErrReferential)

	_, err = p.ImportData(path, ImportOptions{Parent: "nope"})
	assert.ErrorIs(t, err, models.ErrReferential)

	_, err = p.ImportData(writeFile(t, src, "notes.txt", "hello"), ImportOptions{})
	assert.ErrorIs(t, err, models.ErrValidation)

	// A failed conversion rolls back the timestamp it created.
	_, err = p.ImportData(writeFile(t, src, "broken.nii", "not an image"), ImportOptions{Category: models.CategoryVolume})
	assert.ErrorIs(t, err, models.ErrStorage)
	assert.Empty(t, p.Timestamps())
	assert.Zero(t, p.EntityCount())
}

func TestImportData_ParentDefaultsToTimestampVolume(t *testing.T) {
	src := t.TempDir()
	p := newTestPatient(t, "P")
	t0, err := p.InsertTimestamp(0)
	require.NoError(t, err)
	t1, err := p.InsertTimestamp(1)
	require.NoError(t, err)

	v0, err := p.ImportData(writeVolume(t, src, "a.nii"), ImportOptions{Timestamp: t0})
	require.NoError(t, err)
	v1, err := p.ImportData(writeVolume(t, src, "b.nii"), ImportOptions{Timestamp: t1})
	require.NoError(t, err)

	a1, err := p.ImportData(writeMask(t, src, "b_seg.nii", 2), ImportOptions{Timestamp: t1})
	require.NoError(t, err)
	ann, _ := p.Annotation(models.AnnotationID(a1))
	assert.Equal(t, models.VolumeID(v1), ann.Parent())

	t2, err := p.InsertTimestamp(2)
	require.NoError(t, err)
	a2, err := p.ImportData(writeMask(t, src, "c_seg.nii", 2), ImportOptions{Timestamp: t2})
	require.NoError(t, err)
	ann, _ = p.Annotation(models.AnnotationID(a2))
	assert.Equal(t, models.VolumeID(v0), ann.Parent(), "falls back to the lowest volume id")
}

func TestRemoveVolume_CascadeCount(t *testing.T) {
	src := t.TempDir()
	p := newTestPatient(t, "P")
	vid, err := p.ImportData(writeVolume(t, src, "case.nii"), ImportOptions{})
	require.NoError(t, err)
	other, err := p.ImportData(writeVolume(t, src, "other.nii"), ImportOptions{})
	require.NoError(t, err)

	parent := models.VolumeID(vid)
	a1, err := p.ImportData(writeMask(t, src, "one_seg.nii", 2), ImportOptions{Parent: parent})
	require.NoError(t, err)
	a2, err := p.ImportData(writeMask(t, src, "two_seg.nii", 3), ImportOptions{Parent: parent})
	require.NoError(t, err)
	at, err := p.ImportData(writeAtlas(t, src, "atlas.nii"), ImportOptions{Parent: parent})
	require.NoError(t, err)
	keep, err := p.ImportData(writeMask(t, src, "keep_seg.nii", 1), ImportOptions{Parent: models.VolumeID(other)})
	require.NoError(t, err)
	rid, err := p.ImportData(writeFile(t, src, "features.json", `{"a": 1}`), ImportOptions{Parent: parent})
	require.NoError(t, err)

	require.NoError(t, p.Save())
	require.False(t, p.HasUnsavedChanges())
	before := p.EntityCount()

	removed, err := p.RemoveVolume(parent)
	require.NoError(t, err)

	n, m := 2, 1
	assert.Equal(t, n+m, removed.Count())
	assert.Equal(t, before-(1+n+m), p.EntityCount())
	assert.ElementsMatch(t, []string{a1, a2}, removed[SectionAnnotations])
	assert.Equal(t, []string{at}, removed[SectionAtlases])
	assert.True(t, p.HasUnsavedChanges())

	_, err = p.Annotation(models.AnnotationID(keep))
	assert.NoError(t, err)
	r, err := p.Report(models.ReportID(rid))
	require.NoError(t, err)
	assert.Empty(t, r.Parent(), "reports are detached, not deleted")

	_, err = p.RemoveVolume(parent)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRemoveVolume_KeepsExternalFiles(t *testing.T) {
	src := t.TempDir()
	p := newTestPatient(t, "P")
	path := writeVolume(t, src, "case.nii")
	vid, err := p.ImportData(path, ImportOptions{})
	require.NoError(t, err)

	_, err = p.RemoveVolume(models.VolumeID(vid))
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestImportData_IntegerVolumeClassified(t *testing.T) {
	src := t.TempDir()
	p := newTestPatient(t, "P")
	path := writeImage(t, filepath.Join(src, "case.nii"), nifti.Int16, 1, func(i int) float32 {
		return float32(i * 3)
	})

	id, err := p.ImportData(path, ImportOptions{})
	require.NoError(t, err)
	_, err = p.Volume(models.VolumeID(id))
	require.NoError(t, err)
	assert.Len(t, p.Volumes(), 1)
	assert.Empty(t, p.Atlases())
}

func TestImportData_RejectsStoredFiles(t *testing.T) {
	src := t.TempDir()
	p := newTestPatient(t, "P")
	vid, err := p.ImportData(writeVolume(t, src, "case.nii"), ImportOptions{})
	require.NoError(t, err)
	aid, err := p.ImportData(writeMask(t, src, "case_seg.nii", 4), ImportOptions{})
	require.NoError(t, err)
	require.NoError(t, p.Save())

	v, err := p.Volume(models.VolumeID(vid))
	require.NoError(t, err)
	a, err := p.Annotation(models.AnnotationID(aid))
	require.NoError(t, err)
	canonical := p.Resolve(v.Canonical())

	for _, path := range []string{canonical, p.Resolve(v.Display()), p.Resolve(a.Canonical())} {
		_, err = p.ImportData(path, ImportOptions{Category: models.CategoryVolume})
		assert.ErrorIs(t, err, models.ErrDuplicateSource, path)
	}
	assert.Len(t, p.Volumes(), 1)
	assert.Len(t, p.Annotations(), 1)

	// A foreign file placed in the timestamp folder is still importable and
	// removing its entity leaves the other volume intact.
	dropped := writeVolume(t, filepath.Dir(canonical), "dropped.nii")
	other, err := p.ImportData(dropped, ImportOptions{})
	require.NoError(t, err)
	_, err = p.RemoveVolume(models.VolumeID(other))
	require.NoError(t, err)
	assert.FileExists(t, canonical)

	require.NoError(t, p.Save())
	q, err := Load(p.ManifestPath(), p.deps)
	require.NoError(t, err)
	assert.Len(t, q.Volumes(), 1)
}

func TestRemoveVolume_CountsCascade(t *testing.T) {
	src := t.TempDir()
	p := newTestPatient(t, "P")
	vid, err := p.ImportData(writeVolume(t, src, "case.nii"), ImportOptions{})
	require.NoError(t, err)
	_, err = p.ImportData(writeMask(t, src, "case_seg.nii", 2), ImportOptions{})
	require.NoError(t, err)

	before := metrics.CascadeRemoved.Value()
	_, err = p.RemoveVolume(models.VolumeID(vid))
	require.NoError(t, err)
	assert.Equal(t, before+2, metrics.CascadeRemoved.Value())
}

func TestTimestamps_Contiguity(t *testing.T) {
	p := newTestPatient(t, "P")

	orders := func() map[models.TimestampID]int {
		out := map[models.TimestampID]int{}
		for i, ts := range p.Timestamps() {
			assert.Equal(t, i, ts.Order())
			out[ts.ID()] = ts.Order()
		}
		return out
	}

	_, err := p.InsertTimestamp(0)
	require.NoError(t, err)
	_, err = p.InsertTimestamp(0)
	require.NoError(t, err)
	_, err = p.InsertTimestamp(1)
	require.NoError(t, err)
	assert.Equal(t, map[models.TimestampID]int{"T1": 0, "T2": 1, "T0": 2}, orders())

	_, err = p.RemoveTimestamp("T2")
	require.NoError(t, err)
	assert.Equal(t, map[models.TimestampID]int{"T1": 0, "T0": 1}, orders())

	id, err := p.InsertTimestamp(99)
	require.NoError(t, err)
	ts, err := p.Timestamp(id)
	require.NoError(t, err)
	assert.Equal(t, 2, ts.Order())
	orders()
}

func TestRemoveTimestamp_Cascades(t *testing.T) {
	src := t.TempDir()
	p := newTestPatient(t, "P")
	t0, _ := p.InsertTimestamp(0)
	t1, _ := p.InsertTimestamp(1)

	v0, err := p.ImportData(writeVolume(t, src, "a.nii"), ImportOptions{Timestamp: t0})
	require.NoError(t, err)
	v1, err := p.ImportData(writeVolume(t, src, "b.nii"), ImportOptions{Timestamp: t1})
	require.NoError(t, err)
	a0, err := p.ImportData(writeMask(t, src, "a_seg.nii", 2), ImportOptions{Timestamp: t0})
	require.NoError(t, err)
	// Lives in t1 but depends on a volume of t0.
	a1, err := p.ImportData(writeMask(t, src, "x_seg.nii", 2), ImportOptions{Timestamp: t1, Parent: models.VolumeID(v0)})
	require.NoError(t, err)
	require.NoError(t, p.SetActiveTimestamp(t0))

	folder := filepath.Join(p.Folder(), "T0")
	removed, err := p.RemoveTimestamp(t0)
	require.NoError(t, err)

	assert.Equal(t, []string{v0}, removed[SectionVolumes])
	assert.ElementsMatch(t, []string{a0, a1}, removed[SectionAnnotations])
	assert.NoDirExists(t, folder)
	assert.Equal(t, t1, p.ActiveTimestamp())
	assert.Equal(t, []models.VolumeID{models.VolumeID(v1)}, p.VolumesIn(t1))

	ts, err := p.Timestamp(t1)
	require.NoError(t, err)
	assert.Equal(t, 0, ts.Order())
	assertIntegrity(t, p)
}

// assertIntegrity checks that every link resolves to a live entity.
func assertIntegrity(t *testing.T, p *Patient) {
	t.Helper()
	for _, v := range p.Volumes() {
		_, err := p.Timestamp(v.Timestamp())
		assert.NoError(t, err, "volume %s", v.ID())
	}
	for _, a := range p.Annotations() {
		_, err := p.Timestamp(a.Timestamp())
		assert.NoError(t, err, "annotation %s", a.ID())
		_, err = p.Volume(a.Parent())
		assert.NoError(t, err, "annotation %s", a.ID())
	}
	for _, a := range p.Atlases() {
		_, err := p.Timestamp(a.Timestamp())
		assert.NoError(t, err, "atlas %s", a.ID())
		_, err = p.Volume(a.Parent())
		assert.NoError(t, err, "atlas %s", a.ID())
	}
	for _, r := range p.Reports() {
		_, err := p.Timestamp(r.Timestamp())
		assert.NoError(t, err, "report %s", r.ID())
		if r.Parent() != "" {
			_, err = p.Volume(r.Parent())
			assert.NoError(t, err, "report %s", r.ID())
		}
	}
}

func TestReferentialIntegrity_MixedSequence(t *testing.T) {
	src := t.TempDir()
	p := newTestPatient(t, "P")

	var vols []string
	for _, name := range []string{"a.nii", "b.nii", "c.nii"} {
		id, err := p.ImportData(writeVolume(t, src, name), ImportOptions{})
		require.NoError(t, err)
		vols = append(vols, id)
	}
	for i, name := range []string{"a_seg.nii", "b_seg.nii", "c_seg.nii"} {
		_, err := p.ImportData(writeMask(t, src, name, i+1), ImportOptions{Parent: models.VolumeID(vols[i])})
		require.NoError(t, err)
	}
	_, err := p.ImportData(writeAtlas(t, src, "atlas.nii"), ImportOptions{Parent: models.VolumeID(vols[1])})
	require.NoError(t, err)
	assertIntegrity(t, p)

	_, err = p.RemoveVolume(models.VolumeID(vols[1]))
	require.NoError(t, err)
	assertIntegrity(t, p)
	assert.Empty(t, p.Atlases())

	_, err = p.InsertTimestamp(0)
	require.NoError(t, err)
	_, err = p.RemoveTimestamp("T0")
	require.NoError(t, err)
	assertIntegrity(t, p)
	assert.Zero(t, p.EntityCount())
}

func TestRenameTimestamp(t *testing.T) {
	src := t.TempDir()
	p := newTestPatient(t, "P")
	vid, err := p.ImportData(writeVolume(t, src, "case.nii"), ImportOptions{})
	require.NoError(t, err)
	_, err = p.InsertTimestamp(1)
	require.NoError(t, err)

	require.NoError(t, p.RenameTimestamp("T0", "Pre Op"))
	ts, _ := p.Timestamp("T0")
	assert.Equal(t, "Pre Op", ts.DisplayName())
	assert.Equal(t, "pre-op", ts.FolderName())

	v, _ := p.Volume(models.VolumeID(vid))
	assert.Equal(t, filepath.Join(p.Folder(), "pre-op", "raw", vid+imaging.CanonicalExt), p.Resolve(v.Canonical()))
	assert.FileExists(t, p.Resolve(v.Canonical()))

	err = p.RenameTimestamp("T1", "pre op")
	assert.ErrorIs(t, err, models.ErrNameCollision)
}

func TestAnnotationMutators(t *testing.T) {
	src := t.TempDir()
	p := newTestPatient(t, "P")
	_, err := p.ImportData(writeVolume(t, src, "case.nii"), ImportOptions{})
	require.NoError(t, err)
	aid, err := p.ImportData(writeMask(t, src, "case_seg.nii", 3), ImportOptions{})
	require.NoError(t, err)
	a, _ := p.Annotation(models.AnnotationID(aid))

	assert.ErrorIs(t, a.SetClassName("banana"), models.ErrUnknownTag)
	assert.Equal(t, models.ClassOther, a.Class())
	require.NoError(t, a.SetClassName("edema"))
	assert.Equal(t, models.ClassEdema, a.Class())

	assert.ErrorIs(t, a.SetProvenanceName("robot"), models.ErrUnknownTag)
	require.NoError(t, a.SetProvenanceName("automatic"))
	assert.Equal(t, models.ProvenanceAutomatic, a.Provenance())

	assert.ErrorIs(t, a.SetColor(models.Color{0, 300, 0}), models.ErrValidation)
	require.NoError(t, a.SetColor(models.Color{1, 2, 3}))
	a.SetOpacity(2)
	assert.Equal(t, 1.0, a.Opacity())

	assert.ErrorIs(t, p.LinkAnnotation(a.ID(), "missing"), models.ErrReferential)
}

func TestVolumeContrast(t *testing.T) {
	src := t.TempDir()
	p := newTestPatient(t, "P")
	vid, err := p.ImportData(writeVolume(t, src, "case.nii"), ImportOptions{})
	require.NoError(t, err)
	require.NoError(t, p.Save())
	v, _ := p.Volume(models.VolumeID(vid))

	assert.ErrorIs(t, v.SetContrast(5, 5), models.ErrValidation)
	assert.False(t, p.HasUnsavedChanges())

	require.NoError(t, v.SetContrast(0, 10))
	assert.True(t, p.HasUnsavedChanges())

	img, err := p.DisplayImage(vid)
	require.NoError(t, err)
	_, hi := img.MinMax()
	assert.Equal(t, float32(255), hi)

	require.NoError(t, p.Save())
	assert.False(t, p.HasUnsavedChanges())
}

func TestAtlas(t *testing.T) {
	src := t.TempDir()
	p := newTestPatient(t, "P")
	_, err := p.ImportData(writeVolume(t, src, "case.nii"), ImportOptions{})
	require.NoError(t, err)
	desc := writeFile(t, src, "labels.csv", "label,name\n1,Thalamus\n2, Putamen\n3,Caudate\n")

	id, err := p.ImportData(writeAtlas(t, src, "subcortical.nii"), ImportOptions{Description: desc})
	require.NoError(t, err)
	a, err := p.Atlas(models.AtlasID(id))
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3}, a.Labels())
	assert.Equal(t, "Putamen", a.LabelName(2))
	label, err := a.LabelByName("caudate")
	require.NoError(t, err)
	assert.Equal(t, 3, label)
	_, err = a.LabelByName("Amygdala")
	assert.ErrorIs(t, err, models.ErrNotFound)

	c, err := a.StructureColor("Thalamus")
	require.NoError(t, err)
	assert.Equal(t, imaging.PaletteColor(1), c)
	require.NoError(t, a.SetStructureColor("Thalamus", models.Color{9, 9, 9}))
	c, _ = a.StructureColor("Thalamus")
	assert.Equal(t, models.Color{9, 9, 9}, c)

	require.NoError(t, a.SetStructureOpacity("Putamen", -1))
	s, _ := a.Structure(2)
	assert.Equal(t, 0.0, s.Opacity)
	s, _ = a.Structure(3)
	assert.Equal(t, 0.4, s.Opacity)

	stack, err := p.AtlasIndicators(a.ID())
	require.NoError(t, err)
	assert.Len(t, stack, 3)
	assert.FileExists(t, p.Resolve(a.Description()))
}

func TestReportFlatten(t *testing.T) {
	src := t.TempDir()
	p := newTestPatient(t, "P")
	path := writeFile(t, src, "surgical_result.json", `{"resection": {"extent": 0.9, "sites": ["left", "right"]}, "ok": true}`)

	id, err := p.ImportData(path, ImportOptions{})
	require.NoError(t, err)
	r, err := p.Report(models.ReportID(id))
	require.NoError(t, err)

	assert.Equal(t, models.ReportSurgical, r.Kind())
	assert.Equal(t, map[string]string{
		"resection.extent":  "0.9",
		"resection.sites.0": "left",
		"resection.sites.1": "right",
		"ok":                "true",
	}, r.Flatten())
	assert.Equal(t, []string{"ok", "resection.extent", "resection.sites.0", "resection.sites.1"}, r.FlatKeys())
	assert.FileExists(t, p.Resolve(r.Canonical()))
}

func TestRegisteredCopy(t *testing.T) {
	src := t.TempDir()
	p := newTestPatient(t, "P")
	_, err := p.ImportData(writeVolume(t, src, "case.nii"), ImportOptions{})
	require.NoError(t, err)
	aid, err := p.ImportData(writeMask(t, src, "case_seg.nii", 3), ImportOptions{})
	require.NoError(t, err)

	require.NoError(t, p.ImportRegisteredCopy(aid, writeMask(t, src, "mni_seg.nii", 6), "MNI"))
	a, _ := p.Annotation(models.AnnotationID(aid))
	assert.Equal(t, []string{"MNI"}, a.RegisteredSpaces())

	img, err := p.RegisteredCopy(aid, "MNI")
	require.NoError(t, err)
	assert.Equal(t, 6, img.Count(func(v float32) bool { return v > 0 }))

	_, err = p.RegisteredCopy(aid, "atlas-space")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.ErrorIs(t, p.ImportRegisteredCopy("nope", src, "MNI"), models.ErrNotFound)

	path := p.Resolve(a.registered["MNI"])
	_, err = p.RemoveAnnotation(a.ID())
	require.NoError(t, err)
	assert.NoFileExists(t, path)
}

func TestLoadInMemoryAndRelease(t *testing.T) {
	src := t.TempDir()
	p := newTestPatient(t, "P")
	vid, err := p.ImportData(writeVolume(t, src, "case.nii"), ImportOptions{})
	require.NoError(t, err)
	require.NoError(t, p.Save())

	require.NoError(t, p.LoadInMemory())
	assert.True(t, p.Resident())
	first, err := p.CanonicalImage(vid)
	require.NoError(t, err)
	second, err := p.CanonicalImage(vid)
	require.NoError(t, err)
	assert.Same(t, first, second)

	p.ReleaseFromMemory()
	assert.False(t, p.Resident())
	third, err := p.CanonicalImage(vid)
	require.NoError(t, err)
	assert.NotSame(t, first, third)

	_, err = p.CanonicalImage("missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSnapshot(t *testing.T) {
	src := t.TempDir()
	p := newTestPatient(t, "P")
	_, err := p.ImportData(writeVolume(t, src, "case.nii"), ImportOptions{})
	require.NoError(t, err)
	mask := writeImage(t, filepath.Join(src, "case_seg.nii"), nifti.Uint8, 2, func(i int) float32 {
		if i < 4 {
			return 1
		}
		return 0
	})
	aid, err := p.ImportData(mask, ImportOptions{Class: models.ClassTumor})
	require.NoError(t, err)
	rid, err := p.ImportData(writeFile(t, src, "result.yaml", "size: 12\n"), ImportOptions{})
	require.NoError(t, err)

	snap, err := p.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, p.ID(), snap.ID)
	require.Len(t, snap.Annotations, 1)
	assert.Equal(t, aid, snap.Annotations[0].ID)
	assert.Equal(t, "T0", snap.Annotations[0].Timestamp)
	assert.Equal(t, models.ClassTumor, snap.Annotations[0].Class)
	assert.InDelta(t, 0.032, snap.Annotations[0].VolumeML, 1e-9)
	require.Len(t, snap.Reports, 1)
	assert.Equal(t, rid, snap.Reports[0].ID)
	assert.Equal(t, models.ReportCharacteristics, snap.Reports[0].Kind)
	assert.Equal(t, map[string]string{"size": "12"}, snap.Reports[0].Values)
}

func TestRemove_DispatchesByKind(t *testing.T) {
	p, _ := populated(t)
	r := p.Reports()[0]
	removed, err := p.Remove(string(r.ID()))
	require.NoError(t, err)
	assert.Zero(t, removed.Count())
	_, err = p.Report(r.ID())
	assert.ErrorIs(t, err, models.ErrNotFound)

	ts := p.Timestamps()[0].ID()
	removed, err = p.Remove(string(ts))
	require.NoError(t, err)
	assert.Equal(t, 3, removed.Count(), "volume, annotation and atlas")
	assert.Zero(t, p.EntityCount())
	assert.Empty(t, p.Timestamps())

	_, err = p.Remove("ghost")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
