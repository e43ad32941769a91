// Package imaging holds the conversion and display-generation collaborators
// consumed by the patient aggregate, with NIfTI-backed default implementations.
package imaging

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/radcase/radcase/internal/models"
	"github.com/radcase/radcase/internal/nifti"
)

// CanonicalExt is the extension of every canonical and display file.
const CanonicalExt = ".nii.gz"

// Converter turns an arbitrary source file into the canonical array format.
type Converter interface {
	// Convert writes the canonical form of source into targetDir, naming it
	// after stem, and returns the written path.
	Convert(source, targetDir, stem string) (string, error)
}

// Window is an intensity contrast window.
type Window struct {
	Min float64
	Max float64
}

// Valid reports whether the window is non-empty.
func (w Window) Valid() bool { return w.Max > w.Min }

// DisplayGenerator produces resampled, orientation-normalized display arrays.
// Every method is a pure function of its inputs.
type DisplayGenerator interface {
	// Intensity rescales img through window into 8-bit grey levels.
	Intensity(img *nifti.Image, window Window) *nifti.Image
	// Mask binarizes img (any positive voxel becomes 1).
	Mask(img *nifti.Image) *nifti.Image
	// Labels keeps integer label values.
	Labels(img *nifti.Image) *nifti.Image
}

// NIfTIConverter reads any file the nifti codec understands and re-encodes it
// as a compressed, little-endian, sform-carrying canonical file.
type NIfTIConverter struct {
	logger *slog.Logger
}

// NewConverter creates the default converter.
func NewConverter(logger *slog.Logger) *NIfTIConverter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &NIfTIConverter{logger: logger}
}

// Convert implements Converter.
func (c *NIfTIConverter) Convert(source, targetDir, stem string) (string, error) {
	if !nifti.IsNIfTI(source) {
		return "", fmt.Errorf("converting %s: %w", source, nifti.ErrUnsupported)
	}
	img, err := nifti.Read(source)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", targetDir, err)
	}
	dest := filepath.Join(targetDir, stem+CanonicalExt)
	if err := nifti.Write(dest, img); err != nil {
		return "", fmt.Errorf("writing %s: %w", dest, err)
	}
	c.logger.Debug("converted source", "source", source, "canonical", dest, "dims", img.Dims)
	return dest, nil
}

// Resampler is the default DisplayGenerator. It reorients to RAS+ and
// resamples with nearest-neighbour interpolation to an isotropic grid.
type Resampler struct {
	Spacing float64
	MaxDim  int
}

// NewResampler creates a resampler targeting the given isotropic spacing.
func NewResampler(spacing float64, maxDim int) *Resampler {
	return &Resampler{Spacing: spacing, MaxDim: maxDim}
}

// Intensity implements DisplayGenerator.
func (r *Resampler) Intensity(img *nifti.Image, window Window) *nifti.Image {
	out := r.grid(img)
	if !window.Valid() {
		lo, hi := img.MinMax()
		window = Window{Min: float64(lo), Max: float64(hi)}
	}
	span := window.Max - window.Min
	for i, v := range out.Data {
		f := (float64(v) - window.Min) / span
		if span <= 0 {
			f = 0
		}
		out.Data[i] = float32(math.Round(255 * math.Max(0, math.Min(1, f))))
	}
	out.Datatype = nifti.Uint8
	return out
}

// Mask implements DisplayGenerator.
func (r *Resampler) Mask(img *nifti.Image) *nifti.Image {
	out := r.grid(img)
	for i, v := range out.Data {
		if v > 0 {
			out.Data[i] = 1
		} else {
			out.Data[i] = 0
		}
	}
	out.Datatype = nifti.Uint8
	return out
}

// Labels implements DisplayGenerator.
func (r *Resampler) Labels(img *nifti.Image) *nifti.Image {
	out := r.grid(img)
	for i, v := range out.Data {
		out.Data[i] = float32(math.Round(float64(v)))
	}
	out.Datatype = nifti.Int32
	return out
}

func (r *Resampler) grid(img *nifti.Image) *nifti.Image {
	return Resample(Reorient(img), r.Spacing, r.MaxDim)
}

// Reorient permutes and flips axes so that voxel axes follow world R, A, S
// in increasing order. Images whose affine has no dominant axis per column
// are returned as a copy.
func Reorient(img *nifti.Image) *nifti.Image {
	var perm [3]int
	var flip [3]bool
	used := [3]bool{}
	for i := 0; i < 3; i++ {
		best, bestAbs := 0, -1.0
		for j := 0; j < 3; j++ {
			if a := math.Abs(img.Affine[j][i]); a > bestAbs {
				best, bestAbs = j, a
			}
		}
		if used[best] {
			return img.Clone()
		}
		used[best] = true
		perm[best] = i
		flip[best] = img.Affine[best][i] < 0
	}

	var dims [3]int
	var spacing [3]float64
	for j := 0; j < 3; j++ {
		dims[j] = img.Dims[perm[j]]
		spacing[j] = img.Spacing[perm[j]]
	}
	out := nifti.New(dims, spacing, img.Datatype)
	for j := 0; j < 3; j++ {
		src := perm[j]
		sign := 1.0
		if flip[j] {
			sign = -1
		}
		for row := 0; row < 3; row++ {
			out.Affine[row][j] = img.Affine[row][src] * sign
		}
	}
	for row := 0; row < 3; row++ {
		t := img.Affine[row][3]
		for j := 0; j < 3; j++ {
			if flip[j] {
				t += img.Affine[row][perm[j]] * float64(img.Dims[perm[j]]-1)
			}
		}
		out.Affine[row][3] = t
	}

	var old [3]int
	for z := 0; z < dims[2]; z++ {
		for y := 0; y < dims[1]; y++ {
			for x := 0; x < dims[0]; x++ {
				u := [3]int{x, y, z}
				for j := 0; j < 3; j++ {
					if flip[j] {
						old[perm[j]] = dims[j] - 1 - u[j]
					} else {
						old[perm[j]] = u[j]
					}
				}
				out.Set(x, y, z, img.At(old[0], old[1], old[2]))
			}
		}
	}
	return out
}

// Resample maps img onto an isotropic grid of the given spacing using
// nearest-neighbour lookup, shrinking uniformly if any axis would exceed maxDim.
func Resample(img *nifti.Image, spacing float64, maxDim int) *nifti.Image {
	if spacing <= 0 {
		return img.Clone()
	}
	var dims [3]int
	for i := 0; i < 3; i++ {
		dims[i] = int(math.Max(1, math.Round(float64(img.Dims[i])*img.Spacing[i]/spacing)))
	}
	if maxDim > 0 {
		largest := max(dims[0], dims[1], dims[2])
		if largest > maxDim {
			scale := float64(maxDim) / float64(largest)
			for i := range dims {
				dims[i] = int(math.Max(1, math.Floor(float64(dims[i])*scale)))
			}
		}
	}
	if dims == img.Dims {
		return img.Clone()
	}

	var newSpacing [3]float64
	var ratio [3]float64
	for i := 0; i < 3; i++ {
		ratio[i] = float64(img.Dims[i]) / float64(dims[i])
		newSpacing[i] = img.Spacing[i] * ratio[i]
	}
	out := nifti.New(dims, newSpacing, img.Datatype)
	for row := 0; row < 3; row++ {
		for j := 0; j < 3; j++ {
			out.Affine[row][j] = img.Affine[row][j] * ratio[j]
		}
		t := img.Affine[row][3]
		for j := 0; j < 3; j++ {
			t += img.Affine[row][j] * (ratio[j]/2 - 0.5)
		}
		out.Affine[row][3] = t
	}

	lookup := func(u, axis int) int {
		v := int(math.Floor((float64(u) + 0.5) * ratio[axis]))
		return min(v, img.Dims[axis]-1)
	}
	for z := 0; z < dims[2]; z++ {
		oz := lookup(z, 2)
		for y := 0; y < dims[1]; y++ {
			oy := lookup(y, 1)
			for x := 0; x < dims[0]; x++ {
				out.Set(x, y, z, img.At(lookup(x, 0), oy, oz))
			}
		}
	}
	return out
}

// IndicatorStack splits a label image into one boolean mask per label.
func IndicatorStack(labels *nifti.Image) map[int][]bool {
	stack := make(map[int][]bool)
	for i, v := range labels.Data {
		if v <= 0 {
			continue
		}
		l := int(math.Round(float64(v)))
		mask, ok := stack[l]
		if !ok {
			mask = make([]bool, len(labels.Data))
			stack[l] = mask
		}
		mask[i] = true
	}
	return stack
}

// PaletteColor returns a deterministic, well-spread color for a label.
func PaletteColor(label int) models.Color {
	const golden = 0.618033988749895
	h := math.Mod(float64(label)*golden, 1)
	return hsvToRGB(h, 0.75, 0.95)
}

func hsvToRGB(h, s, v float64) models.Color {
	i := int(h * 6)
	f := h*6 - float64(i)
	p := v * (1 - s)
	q := v * (1 - f*s)
	t := v * (1 - (1-f)*s)
	var r, g, b float64
	switch i % 6 {
	case 0:
		r, g, b = v, t, p
	case 1:
		r, g, b = q, v, p
	case 2:
		r, g, b = p, v, t
	case 3:
		r, g, b = p, q, v
	case 4:
		r, g, b = t, p, v
	default:
		r, g, b = v, p, q
	}
	return models.Color{int(math.Round(r * 255)), int(math.Round(g * 255)), int(math.Round(b * 255))}
}

// IsUnsupported reports whether err came from a format the converter cannot read.
func IsUnsupported(err error) bool {
	return errors.Is(err, nifti.ErrUnsupported)
}
