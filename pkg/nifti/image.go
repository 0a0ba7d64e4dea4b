package nifti

import (
	"encoding/binary"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Image is a decoded NIfTI-1 file. Data always holds little endian voxels in
// the header's datatype, x varying fastest.
type Image struct {
	Header Header
	Data   []byte
}

// NDim returns the number of dimensions in use.
func (img *Image) NDim() int {
	return int(img.Header.Dim[0])
}

// Shape returns dim[1..ndim].
func (img *Image) Shape() []int {
	shape := make([]int, img.NDim())
	for i := range shape {
		shape[i] = int(img.Header.Dim[i+1])
	}
	return shape
}

// NumVoxels is the product of all dimensions in use.
func (img *Image) NumVoxels() int {
	n := 1
	for _, d := range img.Shape() {
		n *= d
	}
	return n
}

// NumVolumes returns the length of the 4th axis of a 4D image.
func (img *Image) NumVolumes() int {
	if img.NDim() < 4 {
		return 1
	}
	return int(img.Header.Dim[4])
}

// Shape3 returns the spatial grid size.
func (img *Image) Shape3() [3]int {
	var s [3]int
	for i := range s {
		s[i] = 1
		if i < img.NDim() {
			s[i] = int(img.Header.Dim[i+1])
		}
	}
	return s
}

// Float64s decodes the voxels, applying scl_slope and scl_inter when the
// slope is set.
func (img *Image) Float64s() ([]float64, error) {
	bp, err := bytesPerVoxel(img.Header.DataType)
	if err != nil {
		return nil, err
	}
	n := len(img.Data) / bp
	out := make([]float64, n)
	le := binary.LittleEndian
	d := img.Data

	switch img.Header.DataType {
	case DTUint8:
		for i := range out {
			out[i] = float64(d[i])
		}
	case DTInt8:
		for i := range out {
			out[i] = float64(int8(d[i]))
		}
	case DTInt16:
		for i := range out {
			out[i] = float64(int16(le.Uint16(d[i*2:])))
		}
	case DTUint16:
		for i := range out {
			out[i] = float64(le.Uint16(d[i*2:]))
		}
	case DTInt32:
		for i := range out {
			out[i] = float64(int32(le.Uint32(d[i*4:])))
		}
	case DTUint32:
		for i := range out {
			out[i] = float64(le.Uint32(d[i*4:]))
		}
	case DTFloat32:
		for i := range out {
			out[i] = float64(math.Float32frombits(le.Uint32(d[i*4:])))
		}
	case DTInt64:
		for i := range out {
			out[i] = float64(int64(le.Uint64(d[i*8:])))
		}
	case DTUint64:
		for i := range out {
			out[i] = float64(le.Uint64(d[i*8:]))
		}
	case DTFloat64:
		for i := range out {
			out[i] = math.Float64frombits(le.Uint64(d[i*8:]))
		}
	}

	slope, inter := float64(img.Header.SclSlope), float64(img.Header.SclInter)
	if slope != 0 && !math.IsNaN(slope) && (slope != 1 || inter != 0) {
		for i := range out {
			out[i] = out[i]*slope + inter
		}
	}
	return out, nil
}

// Affine returns the voxel to world transform. The sform wins when set, then
// the qform, otherwise voxel sizes on the diagonal.
func (img *Image) Affine() *mat.Dense {
	h := &img.Header
	if h.SFormCode > 0 {
		return mat.NewDense(4, 4, []float64{
			float64(h.SRowX[0]), float64(h.SRowX[1]), float64(h.SRowX[2]), float64(h.SRowX[3]),
			float64(h.SRowY[0]), float64(h.SRowY[1]), float64(h.SRowY[2]), float64(h.SRowY[3]),
			float64(h.SRowZ[0]), float64(h.SRowZ[1]), float64(h.SRowZ[2]), float64(h.SRowZ[3]),
			0, 0, 0, 1,
		})
	}
	if h.QFormCode > 0 {
		return qformAffine(h)
	}
	return mat.NewDense(4, 4, []float64{
		float64(h.PixDim[1]), 0, 0, 0,
		0, float64(h.PixDim[2]), 0, 0,
		0, 0, float64(h.PixDim[3]), 0,
		0, 0, 0, 1,
	})
}

// qformAffine builds the transform from the quaternion representation.
func qformAffine(h *Header) *mat.Dense {
	b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		// 180 degree rotation; renormalise b, c, d
		a = 1 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*a, c*a, d*a
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	qfac := 1.0
	if h.PixDim[0] < 0 {
		qfac = -1
	}
	dx, dy, dz := float64(h.PixDim[1]), float64(h.PixDim[2]), float64(h.PixDim[3])
	dz *= qfac

	return mat.NewDense(4, 4, []float64{
		(a*a + b*b - c*c - d*d) * dx, 2 * (b*c - a*d) * dy, 2 * (b*d + a*c) * dz, float64(h.QOffsetX),
		2 * (b*c + a*d) * dx, (a*a + c*c - b*b - d*d) * dy, 2 * (c*d - a*b) * dz, float64(h.QOffsetY),
		2 * (b*d - a*c) * dx, 2 * (c*d + a*b) * dy, (a*a + d*d - c*c - b*b) * dz, float64(h.QOffsetZ),
		0, 0, 0, 1,
	})
}

// SameSpace reports whether a and b share their spatial grid and affine.
func SameSpace(a, b *Image) bool {
	return a.Shape3() == b.Shape3() && mat.EqualApprox(a.Affine(), b.Affine(), 1e-6)
}

// Volume returns the 3D image at index ix of the last axis. Datatype,
// scaling and spatial header fields are kept; spatial units become mm.
func (img *Image) Volume(ix int) (*Image, error) {
	if img.NDim() != 4 {
		return nil, fmt.Errorf("%w: expected a 4D image, got %d dimensions", ErrInvalidHeader, img.NDim())
	}
	n := img.NumVolumes()
	if ix < 0 || ix >= n {
		return nil, fmt.Errorf("%w: index %d, image has %d volumes", ErrIndexOutOfRange, ix, n)
	}

	bp, err := bytesPerVoxel(img.Header.DataType)
	if err != nil {
		return nil, err
	}
	s := img.Shape3()
	size := s[0] * s[1] * s[2] * bp

	out := &Image{Header: img.Header}
	out.Data = make([]byte, size)
	copy(out.Data, img.Data[ix*size:(ix+1)*size])

	out.Header.Dim[0] = 3
	for i := 4; i < len(out.Header.Dim); i++ {
		out.Header.Dim[i] = 1
	}
	out.Header.setXYZTUnits(UnitsMM)
	out.Header.VoxOffset = dataOffset
	return out, nil
}

// NewLike builds a float32 image on src's spatial grid from data.
func NewLike(src *Image, data []float64) (*Image, error) {
	s := src.Shape3()
	n := s[0] * s[1] * s[2]
	if len(data) != n {
		return nil, fmt.Errorf("%w: %d values for a %dx%dx%d grid", ErrShapeMismatch, len(data), s[0], s[1], s[2])
	}

	h := src.Header
	h.Dim = [8]int16{3, int16(s[0]), int16(s[1]), int16(s[2]), 1, 1, 1, 1}
	h.DataType = DTFloat32
	h.BitPix = 32
	h.SclSlope = 1
	h.SclInter = 0
	h.CalMax = 0
	h.CalMin = 0
	h.VoxOffset = dataOffset

	buf := make([]byte, n*4)
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(v)))
	}
	return &Image{Header: h, Data: buf}, nil
}

// FromFloat64s builds a float32 image of the given shape. The affine is stored
// as an aligned sform; voxel sizes are the lengths of its first three columns.
func FromFloat64s(shape []int, data []float64, affine *mat.Dense) (*Image, error) {
	if len(shape) < 1 || len(shape) > 7 {
		return nil, fmt.Errorf("%w: %d dimensions", ErrInvalidHeader, len(shape))
	}
	var h Header
	h.SizeOfHdr = headerSize
	h.Magic = singleFileMagic
	h.VoxOffset = dataOffset
	h.Dim = [8]int16{int16(len(shape)), 1, 1, 1, 1, 1, 1, 1}
	n := 1
	for i, d := range shape {
		if d < 1 || d > math.MaxInt16 {
			return nil, fmt.Errorf("%w: dim %d is %d", ErrInvalidHeader, i+1, d)
		}
		h.Dim[i+1] = int16(d)
		n *= d
	}
	if len(data) != n {
		return nil, fmt.Errorf("%w: %d values for %d voxels", ErrShapeMismatch, len(data), n)
	}

	h.DataType = DTFloat32
	h.BitPix = 32
	h.SclSlope = 1
	h.PixDim = [8]float32{1, 1, 1, 1, 1, 1, 1, 1}
	h.setXYZTUnits(UnitsMM)

	if affine != nil {
		h.SFormCode = 2
		rows := [3]*[4]float32{&h.SRowX, &h.SRowY, &h.SRowZ}
		for r, row := range rows {
			for c := 0; c < 4; c++ {
				row[c] = float32(affine.At(r, c))
			}
		}
		for c := 0; c < 3; c++ {
			col := mat.Col(nil, c, affine)[:3]
			h.PixDim[c+1] = float32(math.Sqrt(col[0]*col[0] + col[1]*col[1] + col[2]*col[2]))
		}
	}

	buf := make([]byte, n*4)
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(v)))
	}
	return &Image{Header: h, Data: buf}, nil
}
