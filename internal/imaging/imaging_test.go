package imaging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radcase/radcase/internal/nifti"
)

func TestConverter_WritesCanonical(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "scan.nii")
	img := nifti.New([3]int{2, 2, 2}, [3]float64{1, 1, 1}, nifti.Int16)
	img.Data[3] = 42
	require.NoError(t, nifti.Write(src, img))

	conv := NewConverter(nil)
	out, err := conv.Convert(src, filepath.Join(dir, "raw"), "v1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "raw", "v1.nii.gz"), out)

	got, err := nifti.Read(out)
	require.NoError(t, err)
	assert.Equal(t, img.Data, got.Data)
}

func TestConverter_RejectsUnknownFormat(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "scan.mha")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	_, err := NewConverter(nil).Convert(src, dir, "v1")
	require.Error(t, err)
	assert.True(t, IsUnsupported(err))
}

func TestReorient_FlipsNegativeAxis(t *testing.T) {
	img := nifti.New([3]int{3, 1, 1}, [3]float64{1, 1, 1}, nifti.Float32)
	img.Affine[0][0] = -1
	img.Affine[0][3] = 2
	img.Data = []float32{10, 20, 30}

	out := Reorient(img)
	assert.Equal(t, []float32{30, 20, 10}, out.Data)
	assert.InDelta(t, 1, out.Affine[0][0], 1e-9)
	assert.InDelta(t, 0, out.Affine[0][3], 1e-9)
}

func TestReorient_PermutesAxes(t *testing.T) {
	img := nifti.New([3]int{2, 3, 1}, [3]float64{1, 2, 1}, nifti.Float32)
	img.Affine = [3][4]float64{{0, 2, 0, 0}, {1, 0, 0, 0}, {0, 0, 1, 0}}
	for i := range img.Data {
		img.Data[i] = float32(i)
	}
	out := Reorient(img)
	assert.Equal(t, [3]int{3, 2, 1}, out.Dims)
	assert.Equal(t, img.At(1, 2, 0), out.At(2, 1, 0))
}

func TestResample_IsotropicAndCapped(t *testing.T) {
	img := nifti.New([3]int{4, 4, 2}, [3]float64{1, 1, 2}, nifti.Float32)
	out := Resample(img, 1, 0)
	assert.Equal(t, [3]int{4, 4, 4}, out.Dims)
	assert.InDelta(t, 1, out.Spacing[2], 1e-9)

	capped := Resample(img, 1, 2)
	assert.Equal(t, [3]int{2, 2, 2}, capped.Dims)
}

func TestResampler_Intensity(t *testing.T) {
	img := nifti.New([3]int{3, 1, 1}, [3]float64{1, 1, 1}, nifti.Float32)
	img.Data = []float32{0, 50, 100}
	r := NewResampler(1, 512)

	out := r.Intensity(img, Window{Min: 0, Max: 100})
	assert.Equal(t, nifti.Uint8, out.Datatype)
	assert.Equal(t, []float32{0, 128, 255}, out.Data)

	clipped := r.Intensity(img, Window{Min: 40, Max: 60})
	assert.Equal(t, []float32{0, 128, 255}, clipped.Data)

	auto := r.Intensity(img, Window{})
	assert.Equal(t, []float32{0, 128, 255}, auto.Data)
}

func TestResampler_MaskAndLabels(t *testing.T) {
	img := nifti.New([3]int{3, 1, 1}, [3]float64{1, 1, 1}, nifti.Float32)
	img.Data = []float32{0, 2, 3.2}
	r := NewResampler(1, 512)
	assert.Equal(t, []float32{0, 1, 1}, r.Mask(img).Data)
	labels := r.Labels(img)
	assert.Equal(t, []float32{0, 2, 3}, labels.Data)

	stack := IndicatorStack(labels)
	require.Len(t, stack, 2)
	assert.Equal(t, []bool{false, true, false}, stack[2])
	assert.Equal(t, []bool{false, false, true}, stack[3])
}

func TestPaletteColor_DeterministicAndValid(t *testing.T) {
	for l := 1; l < 50; l++ {
		c := PaletteColor(l)
		assert.True(t, c.Valid())
		assert.Equal(t, c, PaletteColor(l))
	}
	assert.NotEqual(t, PaletteColor(1), PaletteColor(2))
}
