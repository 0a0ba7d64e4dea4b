// Package nifti reads and writes single-file NIfTI-1 images (.nii and
// .nii.gz) and extracts 3D volumes from 4D series.
//
// Header layout follows the official nifti1.h definition,
// https://nifti.nimh.nih.gov/pub/dist/src/niftilib/nifti1.h
package nifti

import (
	"errors"
	"fmt"
)

// Header is the on-disk NIfTI-1 header.
//
// Type translation from the C header:
//
//	C     Go
//	-------------
//	int   int32
//	float float32
//	short int16
//	char  uint8
type Header struct {
	SizeOfHdr          int32     // Must be 348
	UnusedDataType     [10]uint8 // Unused
	UnusedDbName       [18]uint8 // Unused
	UnusedExtents      int32     // Unused
	UnusedSessionError int16     // Unused
	UnusedRegular      uint8     // Unused
	DimInfo            uint8     // MRI slice ordering

	Dim           [8]int16   // Data array dimensions
	IntentP1      float32    // 1st intent parameter
	IntentP2      float32    // 2nd intent parameter
	IntentP3      float32    // 3rd intent parameter
	IntentCode    int16      // NIFTI_INTENT_* code
	DataType      int16      // Defines data type
	BitPix        int16      // Number bits/voxel
	SliceStart    int16      // First slice index
	PixDim        [8]float32 // Grid spacing
	VoxOffset     float32    // Offset into .nii file
	SclSlope      float32    // Data scaling: slope
	SclInter      float32    // Data scaling: offset
	SliceEnd      int16      // Last slice index
	SliceCode     uint8      // Slice timing order
	XYZTUnits     uint8      // Units of pixdim[1..4]
	CalMax        float32    // Max display intensity
	CalMin        float32    // Min display intensity
	SliceDuration float32    // Time for 1 slice
	TOffset       float32    // Time axis shift
	UnusedGlmax   int32      // Unused
	UnusedGlmin   int32      // Unused

	Descrip [80]uint8 // Any text you like
	AuxFile [24]uint8 // Auxiliary filename

	QFormCode int16 // NIFTI_XFORM_* code
	SFormCode int16 // NIFTI_XFORM_* code

	QuaternB float32 // Quaternion b params
	QuaternC float32 // Quaternion c params
	QuaternD float32 // Quaternion d params
	QOffsetX float32 // Quaternion x shift
	QOffsetY float32 // Quaternion y shift
	QOffsetZ float32 // Quaternion z shift

	SRowX [4]float32 // 1st row affine transform
	SRowY [4]float32 // 2nd row affine transform
	SRowZ [4]float32 // 3rd row affine transform

	IntentName [16]uint8 // 'name' or meaning of data

	Magic [4]uint8 // "n+1\0" for single-file images
}

const (
	headerSize = 348
	// header plus the 4-byte extension flag
	dataOffset = 352
)

var singleFileMagic = [4]uint8{'n', '+', '1', 0}

// NIFTI_UNITS_* codes
const (
	UnitsUnknown = 0
	UnitsMeter   = 1
	UnitsMM      = 2
	UnitsMicron  = 3
)

// NIFTI_TYPE_* codes supported by this package
const (
	DTUint8   = 2
	DTInt16   = 4
	DTInt32   = 8
	DTFloat32 = 16
	DTFloat64 = 64
	DTInt8    = 256
	DTUint16  = 512
	DTUint32  = 768
	DTInt64   = 1024
	DTUint64  = 1280
)

var (
	ErrInvalidHeader   = errors.New("invalid nifti header")
	ErrUnsupportedType = errors.New("unsupported nifti datatype")
	ErrIndexOutOfRange = errors.New("volume index out of range")
	ErrShapeMismatch   = errors.New("image shapes differ")
)

// bytesPerVoxel returns the storage size of a datatype code.
func bytesPerVoxel(dt int16) (int, error) {
	switch dt {
	case DTUint8, DTInt8:
		return 1, nil
	case DTInt16, DTUint16:
		return 2, nil
	case DTInt32, DTUint32, DTFloat32:
		return 4, nil
	case DTFloat64, DTInt64, DTUint64:
		return 8, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrUnsupportedType, dt)
}

// validate checks the fields this package relies on.
func (h *Header) validate() error {
	switch {
	case h.SizeOfHdr != headerSize:
		return fmt.Errorf("%w: sizeof_hdr is %d", ErrInvalidHeader, h.SizeOfHdr)
	case h.Magic != singleFileMagic:
		return fmt.Errorf("%w: magic %q, data must be stored in the same file as the header",
			ErrInvalidHeader, string(h.Magic[:3]))
	case h.Dim[0] < 1 || h.Dim[0] > 7:
		return fmt.Errorf("%w: dim[0] is %d", ErrInvalidHeader, h.Dim[0])
	case h.VoxOffset < dataOffset:
		return fmt.Errorf("%w: vox_offset %v", ErrInvalidHeader, h.VoxOffset)
	}
	for i := 1; i <= int(h.Dim[0]); i++ {
		if h.Dim[i] < 1 {
			return fmt.Errorf("%w: dim[%d] is %d", ErrInvalidHeader, i, h.Dim[i])
		}
	}
	bp, err := bytesPerVoxel(h.DataType)
	if err != nil {
		return err
	}
	if int(h.BitPix) != bp*8 {
		return fmt.Errorf("%w: bitpix %d does not match datatype %d", ErrInvalidHeader, h.BitPix, h.DataType)
	}
	return nil
}

// setXYZTUnits stores the spatial unit code and clears the temporal one.
func (h *Header) setXYZTUnits(spatial uint8) {
	h.XYZTUnits = spatial & 0x07
}

// SpatialUnits returns the NIFTI_UNITS_* code of pixdim[1..3].
func (h *Header) SpatialUnits() int {
	return int(h.XYZTUnits & 0x07)
}
