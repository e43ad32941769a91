// Package nifti reads and writes the canonical on-disk array format: single
// file NIfTI-1 (.nii), optionally gzip-compressed (.nii.gz). Only the first
// 3D volume of a file is kept.
package nifti

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strings"
)

const (
	headerSize = 348
	dataOffset = 352
)

// Datatype is the NIfTI on-disk voxel encoding.
type Datatype int16

const (
	Uint8   Datatype = 2
	Int16   Datatype = 4
	Int32   Datatype = 8
	Float32 Datatype = 16
	Float64 Datatype = 64
	Uint16  Datatype = 512
)

// Size returns the byte width of one voxel, or 0 when unsupported.
func (d Datatype) Size() int {
	switch d {
	case Uint8:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Float32:
		return 4
	case Float64:
		return 8
	}
	return 0
}

// Integer reports whether the datatype stores whole numbers.
func (d Datatype) Integer() bool {
	return d == Uint8 || d == Int16 || d == Uint16 || d == Int32
}

// ErrUnsupported is returned for files this codec cannot decode.
var ErrUnsupported = errors.New("unsupported nifti file")

// header mirrors the 348-byte NIfTI-1 header field for field.
type header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XYZTUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// Image is a 3D array with its voxel-to-world affine. Data is stored with x
// varying fastest, then y, then z.
type Image struct {
	Dims     [3]int
	Spacing  [3]float64
	Affine   [3][4]float64
	Datatype Datatype
	Data     []float32
}

// New allocates a zero-filled image with a diagonal affine.
func New(dims [3]int, spacing [3]float64, dt Datatype) *Image {
	img := &Image{Dims: dims, Spacing: spacing, Datatype: dt}
	for i := 0; i < 3; i++ {
		img.Affine[i][i] = spacing[i]
	}
	img.Data = make([]float32, dims[0]*dims[1]*dims[2])
	return img
}

// Len is the voxel count.
func (img *Image) Len() int { return img.Dims[0] * img.Dims[1] * img.Dims[2] }

// Index returns the flat offset of voxel (x, y, z).
func (img *Image) Index(x, y, z int) int {
	return x + img.Dims[0]*(y+img.Dims[1]*z)
}

// At returns the value at voxel (x, y, z).
func (img *Image) At(x, y, z int) float32 { return img.Data[img.Index(x, y, z)] }

// Set assigns the value at voxel (x, y, z).
func (img *Image) Set(x, y, z int, v float32) { img.Data[img.Index(x, y, z)] = v }

// VoxelVolume is the physical volume of one voxel in mm³.
func (img *Image) VoxelVolume() float64 {
	return img.Spacing[0] * img.Spacing[1] * img.Spacing[2]
}

// MinMax returns the smallest and largest finite values.
func (img *Image) MinMax() (float32, float32) {
	lo, hi := float32(math.MaxFloat32), float32(-math.MaxFloat32)
	for _, v := range img.Data {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			continue
		}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if lo > hi {
		return 0, 0
	}
	return lo, hi
}

// Labels returns the sorted distinct positive integer values.
func (img *Image) Labels() []int {
	seen := make(map[int]struct{})
	for _, v := range img.Data {
		if v > 0 {
			seen[int(math.Round(float64(v)))] = struct{}{}
		}
	}
	out := make([]int, 0, len(seen))
	for l := range seen {
		out = append(out, l)
	}
	slices.Sort(out)
	return out
}

// Count returns the number of voxels for which keep returns true.
func (img *Image) Count(keep func(float32) bool) int {
	n := 0
	for _, v := range img.Data {
		if keep(v) {
			n++
		}
	}
	return n
}

// Clone returns a deep copy.
func (img *Image) Clone() *Image {
	out := *img
	out.Data = make([]float32, len(img.Data))
	copy(out.Data, img.Data)
	return &out
}

// IsNIfTI reports whether path carries a NIfTI file extension.
func IsNIfTI(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".nii") || strings.HasSuffix(lower, ".nii.gz")
}

// TrimExt strips a .nii or .nii.gz extension.
func TrimExt(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".nii.gz"):
		return name[:len(name)-len(".nii.gz")]
	case strings.HasSuffix(lower, ".nii"):
		return name[:len(name)-len(".nii")]
	}
	return name
}

// Read decodes the file at path.
func Read(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("opening gzip stream %s: %w", path, err)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}
	img, err := Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return img, nil
}

// Decode reads an uncompressed NIfTI-1 stream.
func Decode(r io.Reader) (*Image, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	var order binary.ByteOrder = binary.LittleEndian
	if int32(binary.LittleEndian.Uint32(raw[:4])) != headerSize {
		order = binary.BigEndian
		if int32(binary.BigEndian.Uint32(raw[:4])) != headerSize {
			return nil, fmt.Errorf("%w: bad header size", ErrUnsupported)
		}
	}
	var h header
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return nil, fmt.Errorf("parsing header: %w", err)
	}
	if string(h.Magic[:3]) != "n+1" {
		return nil, fmt.Errorf("%w: magic %q", ErrUnsupported, h.Magic[:3])
	}

	dt := Datatype(h.Datatype)
	if dt.Size() == 0 {
		return nil, fmt.Errorf("%w: datatype %d", ErrUnsupported, h.Datatype)
	}
	if h.Dim[0] < 1 || h.Dim[0] > 7 {
		return nil, fmt.Errorf("%w: rank %d", ErrUnsupported, h.Dim[0])
	}
	var dims [3]int
	for i := 0; i < 3; i++ {
		dims[i] = 1
		if int(h.Dim[0]) > i && h.Dim[i+1] > 0 {
			dims[i] = int(h.Dim[i+1])
		}
	}

	skip := int64(h.VoxOffset) - headerSize
	if skip < 0 {
		skip = dataOffset - headerSize
	}
	if _, err := io.CopyN(io.Discard, r, skip); err != nil {
		return nil, fmt.Errorf("skipping extensions: %w", err)
	}

	img := &Image{Dims: dims, Datatype: dt}
	for i := 0; i < 3; i++ {
		img.Spacing[i] = math.Abs(float64(h.Pixdim[i+1]))
		if img.Spacing[i] == 0 {
			img.Spacing[i] = 1
		}
	}
	img.Affine = affineFromHeader(&h, img.Spacing)

	n := img.Len()
	buf := make([]byte, n*dt.Size())
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("reading voxels: %w", err)
	}
	img.Data = make([]float32, n)
	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	if slope == 0 || math.IsNaN(slope) {
		slope, inter = 1, 0
	}
	sz := dt.Size()
	for i := 0; i < n; i++ {
		v := decodeVoxel(buf[i*sz:(i+1)*sz], dt, order)
		img.Data[i] = float32(v*slope + inter)
	}
	return img, nil
}

func decodeVoxel(b []byte, dt Datatype, order binary.ByteOrder) float64 {
	switch dt {
	case Uint8:
		return float64(b[0])
	case Int16:
		return float64(int16(order.Uint16(b)))
	case Uint16:
		return float64(order.Uint16(b))
	case Int32:
		return float64(int32(order.Uint32(b)))
	case Float32:
		return float64(math.Float32frombits(order.Uint32(b)))
	case Float64:
		return math.Float64frombits(order.Uint64(b))
	}
	return 0
}

func affineFromHeader(h *header, spacing [3]float64) [3][4]float64 {
	var a [3][4]float64
	switch {
	case h.SformCode > 0:
		for j := 0; j < 4; j++ {
			a[0][j] = float64(h.SrowX[j])
			a[1][j] = float64(h.SrowY[j])
			a[2][j] = float64(h.SrowZ[j])
		}
	case h.QformCode > 0:
		b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
		aa := 1 - (b*b + c*c + d*d)
		if aa < 1e-7 {
			aa = 0
		}
		aa = math.Sqrt(aa)
		qfac := float64(h.Pixdim[0])
		if qfac == 0 {
			qfac = 1
		}
		r := [3][3]float64{
			{aa*aa + b*b - c*c - d*d, 2 * (b*c - aa*d), 2 * (b*d + aa*c)},
			{2 * (b*c + aa*d), aa*aa + c*c - b*b - d*d, 2 * (c*d - aa*b)},
			{2 * (b*d - aa*c), 2 * (c*d + aa*b), aa*aa + d*d - c*c - b*b},
		}
		scale := [3]float64{spacing[0], spacing[1], spacing[2] * qfac}
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				a[i][j] = r[i][j] * scale[j]
			}
		}
		a[0][3], a[1][3], a[2][3] = float64(h.QoffsetX), float64(h.QoffsetY), float64(h.QoffsetZ)
	default:
		for i := 0; i < 3; i++ {
			a[i][i] = spacing[i]
		}
	}
	return a
}

// Write encodes img to path, gzip-compressing when path ends in .gz. The
// file is written to a temporary sibling first and renamed into place.
func Write(path string, img *Image) error {
	if img.Datatype.Size() == 0 {
		return fmt.Errorf("%w: datatype %d", ErrUnsupported, img.Datatype)
	}
	if len(img.Data) != img.Len() {
		return fmt.Errorf("image data has %d voxels, dims imply %d", len(img.Data), img.Len())
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp) }()

	bw := bufio.NewWriter(f)
	var w io.Writer = bw
	var gz *gzip.Writer
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		gz = gzip.NewWriter(bw)
		w = gz
	}
	if err := Encode(w, img); err != nil {
		_ = f.Close()
		return err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Encode writes img as an uncompressed little-endian NIfTI-1 stream.
func Encode(w io.Writer, img *Image) error {
	h := header{
		SizeofHdr: headerSize,
		Regular:   'r',
		Datatype:  int16(img.Datatype),
		Bitpix:    int16(img.Datatype.Size() * 8),
		VoxOffset: dataOffset,
		SclSlope:  1,
		XYZTUnits: 2, // mm
		SformCode: 1,
	}
	h.Dim[0] = 3
	h.Pixdim[0] = 1
	for i := 0; i < 3; i++ {
		h.Dim[i+1] = int16(img.Dims[i])
		h.Pixdim[i+1] = float32(img.Spacing[i])
	}
	for i := 4; i < 8; i++ {
		h.Dim[i] = 1
	}
	for j := 0; j < 4; j++ {
		h.SrowX[j] = float32(img.Affine[0][j])
		h.SrowY[j] = float32(img.Affine[1][j])
		h.SrowZ[j] = float32(img.Affine[2][j])
	}
	copy(h.Magic[:], "n+1\x00")

	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if _, err := w.Write(make([]byte, dataOffset-headerSize)); err != nil {
		return fmt.Errorf("writing extension block: %w", err)
	}

	sz := img.Datatype.Size()
	buf := make([]byte, len(img.Data)*sz)
	for i, v := range img.Data {
		encodeVoxel(buf[i*sz:(i+1)*sz], img.Datatype, v)
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing voxels: %w", err)
	}
	return nil
}

func encodeVoxel(b []byte, dt Datatype, v float32) {
	le := binary.LittleEndian
	switch dt {
	case Uint8:
		b[0] = uint8(clampRound(v, 0, math.MaxUint8))
	case Int16:
		le.PutUint16(b, uint16(int16(clampRound(v, math.MinInt16, math.MaxInt16))))
	case Uint16:
		le.PutUint16(b, uint16(clampRound(v, 0, math.MaxUint16)))
	case Int32:
		le.PutUint32(b, uint32(int32(clampRound(v, math.MinInt32, math.MaxInt32))))
	case Float32:
		le.PutUint32(b, math.Float32bits(v))
	case Float64:
		le.PutUint64(b, math.Float64bits(float64(v)))
	}
}

func clampRound(v float32, lo, hi float64) float64 {
	f := math.Round(float64(v))
	if math.IsNaN(f) {
		return 0
	}
	return math.Max(lo, math.Min(hi, f))
}
