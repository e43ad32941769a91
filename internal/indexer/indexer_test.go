package indexer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radcase/radcase/internal/config"
	"github.com/radcase/radcase/internal/models"
	"github.com/radcase/radcase/internal/nifti"
	"github.com/radcase/radcase/internal/patient"
)

func writeImage(t *testing.T, path string, dt nifti.Datatype, fill func(i int) float32) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	img := nifti.New([3]int{4, 4, 4}, [3]float64{1, 1, 1}, dt)
	for i := range img.Data {
		img.Data[i] = fill(i)
	}
	require.NoError(t, nifti.Write(path, img))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func intensity(i int) float32 { return float32(i) + 0.25 }

func mask(i int) float32 {
	if i < 6 {
		return 1
	}
	return 0
}

// caseDir lays out a typical export: the mask sorts before its volume.
func caseDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeImage(t, filepath.Join(dir, "a_seg.nii"), nifti.Uint8, mask)
	writeImage(t, filepath.Join(dir, "b_t1.nii.gz"), nifti.Float32, intensity)
	writeFile(t, filepath.Join(dir, "results", "features.json"), `{"shape": {"volume": 6}}`)
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")
	writeImage(t, filepath.Join(dir, ".cache", "hidden.nii"), nifti.Float32, intensity)
	return dir
}

func newPatient(t *testing.T) *patient.Patient {
	t.Helper()
	p, err := patient.New("Indexed", patient.Deps{Prefs: config.Default(t.TempDir())})
	require.NoError(t, err)
	return p
}

func TestFindSourceFiles(t *testing.T) {
	dir := caseDir(t)
	files, err := FindSourceFiles(dir, false)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a_seg.nii"),
		filepath.Join(dir, "b_t1.nii.gz"),
		filepath.Join(dir, "results", "features.json"),
	}, files)

	shallow, err := FindSourceFiles(dir, true)
	require.NoError(t, err)
	assert.Len(t, shallow, 2)
}

func TestIndexDirectory_VolumesFirst(t *testing.T) {
	dir := caseDir(t)
	p := newPatient(t)
	idx := NewIndexer(nil, nil)

	outcomes, err := idx.IndexDirectory(context.Background(), p, dir, Options{})
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	for _, o := range outcomes {
		require.NoError(t, o.Err, o.Path)
	}
	assert.Equal(t, models.CategoryVolume, outcomes[0].Category)
	assert.Equal(t, models.CategoryAnnotation, outcomes[1].Category)
	assert.Equal(t, models.CategoryReport, outcomes[2].Category)

	a, err := p.Annotation(models.AnnotationID(outcomes[1].ID))
	require.NoError(t, err)
	assert.Equal(t, models.VolumeID(outcomes[0].ID), a.Parent())

	sum := Summarize(outcomes)
	assert.Equal(t, 1, sum.Imported[models.CategoryVolume])
	assert.Empty(t, sum.Failed)
}

func TestIndexDirectory_FailuresDoNotStopBatch(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, filepath.Join(dir, "only_seg.nii"), nifti.Uint8, mask)
	writeFile(t, filepath.Join(dir, "report.json"), `{"grade": "IV"}`)
	p := newPatient(t)

	outcomes, err := NewIndexer(nil, nil).IndexDirectory(context.Background(), p, dir, Options{})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	sum := Summarize(outcomes)
	require.Len(t, sum.Failed, 1)
	assert.ErrorIs(t, sum.Failed[0].Err, models.ErrReferential)
	assert.Equal(t, 1, sum.Rejected())
	assert.Equal(t, 1, sum.Imported[models.CategoryReport])
}

func TestIndexDirectory_Reimport(t *testing.T) {
	dir := caseDir(t)
	p := newPatient(t)
	idx := NewIndexer(nil, nil)
	_, err := idx.IndexDirectory(context.Background(), p, dir, Options{})
	require.NoError(t, err)

	outcomes, err := idx.IndexDirectory(context.Background(), p, dir, Options{})
	require.NoError(t, err)
	for _, o := range outcomes {
		assert.ErrorIs(t, o.Err, models.ErrDuplicateSource, o.Path)
	}
	assert.Equal(t, 3, p.EntityCount())
}

func TestIndexDirectory_UnknownTimestamp(t *testing.T) {
	dir := caseDir(t)
	p := newPatient(t)
	outcomes, err := NewIndexer(nil, nil).IndexDirectory(context.Background(), p, dir, Options{Timestamp: "T9"})
	require.NoError(t, err)
	for _, o := range outcomes {
		assert.ErrorIs(t, o.Err, models.ErrReferential)
	}
	assert.Zero(t, p.EntityCount())
}

func TestIndexDirectory_Canceled(t *testing.T) {
	dir := caseDir(t)
	p := newPatient(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewIndexer(nil, nil).IndexDirectory(ctx, p, dir, Options{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, p.EntityCount())
}

func TestIndexDirectory_MissingDir(t *testing.T) {
	_, err := NewIndexer(nil, nil).IndexDirectory(context.Background(), newPatient(t), filepath.Join(t.TempDir(), "nope"), Options{})
	assert.Error(t, err)
}
