package pipeline

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radcase/radcase/internal/config"
	"github.com/radcase/radcase/internal/models"
	"github.com/radcase/radcase/internal/nifti"
	"github.com/radcase/radcase/internal/patient"
)

func writeImage(t *testing.T, path string, dt nifti.Datatype, fill func(i int) float32) string {
	t.Helper()
	img := nifti.New([3]int{4, 4, 4}, [3]float64{1, 1, 1}, dt)
	for i := range img.Data {
		img.Data[i] = fill(i)
	}
	require.NoError(t, nifti.Write(path, img))
	return path
}

func mask(i int) float32 {
	if i < 4 {
		return 1
	}
	return 0
}

// patientWithVolume returns a patient holding one intensity volume.
func patientWithVolume(t *testing.T) (*patient.Patient, models.VolumeID) {
	t.Helper()
	p, err := patient.New("Pipeline", patient.Deps{Prefs: config.Default(t.TempDir())})
	require.NoError(t, err)
	src := writeImage(t, filepath.Join(t.TempDir(), "t1.nii"), nifti.Float32, func(i int) float32 { return float32(i) + 0.5 })
	id, err := p.ImportData(src, patient.ImportOptions{})
	require.NoError(t, err)
	return p, models.VolumeID(id)
}

func TestLoadDescriptor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: tumor segmentation
inputs: [1_t1]
steps:
  - name: segment
    command: segmenter
    args: ["{inputs}", "--out", "{out}"]
    produces: Annotation
`), 0o644))

	d, err := LoadDescriptor(path)
	require.NoError(t, err)
	assert.Equal(t, "tumor segmentation", d.Name)
	assert.Equal(t, []string{"1_t1"}, d.Inputs)
	require.Len(t, d.Steps, 1)
	assert.Equal(t, models.CategoryAnnotation, d.Steps[0].Produces)
}

func TestDescriptor_Validate(t *testing.T) {
	tests := []struct {
		name string
		desc Descriptor
		want error
	}{
		{"ok", Descriptor{Name: "x", Steps: []Step{{Command: "true"}}}, nil},
		{"no name", Descriptor{Steps: []Step{{Command: "true"}}}, models.ErrValidation},
		{"no steps", Descriptor{Name: "x"}, models.ErrValidation},
		{"no command", Descriptor{Name: "x", Steps: []Step{{Name: "s"}}}, models.ErrValidation},
		{"bad category", Descriptor{Name: "x", Steps: []Step{{Command: "true", Produces: "Mesh"}}}, models.ErrUnknownTag},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.desc.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestExpandArgs(t *testing.T) {
	got := expandArgs([]string{"-i", ArgInputs, "-o", ArgOutDir + "/seg.nii"}, []string{"/a", "/b"}, "/work")
	assert.Equal(t, []string{"-i", "/a", "/b", "-o", "/work/seg.nii"}, got)
}

// blockingExecutor finishes when release is closed or ctx is canceled.
type blockingExecutor struct {
	release chan struct{}
	outputs []Output
}

func (b *blockingExecutor) Run(ctx context.Context, _ []Step, _ []string) ([]Output, error) {
	select {
	case <-b.release:
		return b.outputs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestJob_WaitCancelOnlyStopsWaiting(t *testing.T) {
	be := &blockingExecutor{release: make(chan struct{}), outputs: []Output{{Path: "/x"}}}
	job := NewRunner(be, nil).Start(context.Background(), Descriptor{Name: "slow", Steps: []Step{{Command: "true"}}})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := job.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-job.Done():
		t.Fatal("job stopped when the waiter gave up")
	default:
	}

	close(be.release)
	out, err := job.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, be.outputs, out)
	assert.Equal(t, "slow", job.Name())
}

func TestJob_StartContextCancelsExecutor(t *testing.T) {
	be := &blockingExecutor{release: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	job := NewRunner(be, nil).Start(ctx, Descriptor{Name: "slow", Steps: []Step{{Command: "true"}}})
	cancel()
	_, err := job.Wait(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestJob_InvalidDescriptor(t *testing.T) {
	job := NewRunner(&blockingExecutor{}, nil).Start(context.Background(), Descriptor{})
	<-job.Done()
	_, err := job.Wait(context.Background())
	assert.ErrorIs(t, err, models.ErrValidation)
}

func requireTool(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available", name)
	}
}

func TestCommandExecutor_RunAndApply(t *testing.T) {
	requireTool(t, "cp")
	p, vid := patientWithVolume(t)
	ids := []string{string(vid)}
	ex, err := NewCommandExecutor(p, ids, t.TempDir(), nil)
	require.NoError(t, err)

	desc := Descriptor{
		Name:   "copy",
		Inputs: ids,
		Steps: []Step{{
			Name:    "Duplicate",
			Command: "cp",
			Args:    []string{ArgInputs, ArgOutDir + "/derived.nii.gz"},
		}},
	}
	out, err := NewRunner(ex, nil).Start(context.Background(), desc).Wait(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, string(vid), out[0].Parent)
	assert.Equal(t, "derived.nii.gz", filepath.Base(out[0].Path))

	applied, err := Apply(p, out)
	require.NoError(t, err)
	require.Len(t, applied, 1)
	v, err := p.Volume(models.VolumeID(applied[0]))
	require.NoError(t, err)
	orig, _ := p.Volume(vid)
	assert.Equal(t, orig.Timestamp(), v.Timestamp())
}

func TestCommandExecutor_StepFailure(t *testing.T) {
	requireTool(t, "false")
	p, vid := patientWithVolume(t)
	ex, err := NewCommandExecutor(p, []string{string(vid)}, t.TempDir(), nil)
	require.NoError(t, err)
	_, err = ex.Run(context.Background(), []Step{{Command: "false"}}, []string{string(vid)})
	assert.ErrorIs(t, err, models.ErrStorage)
}

func TestNewCommandExecutor_UnknownInput(t *testing.T) {
	p, _ := patientWithVolume(t)
	_, err := NewCommandExecutor(p, []string{"ghost"}, t.TempDir(), nil)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestApply_AttachesToParent(t *testing.T) {
	p, vid := patientWithVolume(t)
	_, err := p.InsertTimestamp(1)
	require.NoError(t, err)
	dir := t.TempDir()
	outputs := []Output{
		{Path: writeImage(t, filepath.Join(dir, "seg.nii"), nifti.Uint8, mask), Category: models.CategoryAnnotation, Parent: string(vid), Step: "segment"},
		{Path: filepath.Join(dir, "missing.nii"), Category: models.CategoryVolume, Step: "segment"},
	}

	ids, err := Apply(p, outputs)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrValidation))
	require.Len(t, ids, 1)
	a, err := p.Annotation(models.AnnotationID(ids[0]))
	require.NoError(t, err)
	assert.Equal(t, vid, a.Parent())
	orig, _ := p.Volume(vid)
	assert.Equal(t, orig.Timestamp(), a.Timestamp())
}

// nameClassifier classifies every file as one fixed category.
type nameClassifier struct{ category models.Category }

func (c nameClassifier) Classify(string) (models.Category, error) { return c.category, nil }

func TestApply_UsesPatientClassifier(t *testing.T) {
	p, err := patient.New("Pipeline", patient.Deps{
		Prefs:      config.Default(t.TempDir()),
		Classifier: nameClassifier{category: models.CategoryVolume},
	})
	require.NoError(t, err)
	dir := t.TempDir()
	// Mask content would read as an annotation with the default classifier.
	out := []Output{{Path: writeImage(t, filepath.Join(dir, "plain.nii"), nifti.Uint8, mask), Step: "derive"}}

	ids, err := Apply(p, out)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	_, err = p.Volume(models.VolumeID(ids[0]))
	assert.NoError(t, err)
}
