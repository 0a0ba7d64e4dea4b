package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"

	"b0masks/pkg/fname"
)

// Load reads a .nii or .nii.gz file. Compression is detected from the
// stream, not the name.
func Load(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening image: %w", err)
	}
	defer f.Close()

	img, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// Read decodes an image from r, decompressing gzip input.
func Read(r io.Reader) (*Image, error) {
	br := bufio.NewReader(r)
	var src io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("error opening gzip stream: %w", err)
		}
		defer zr.Close()
		src = zr
	}

	raw, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("error reading image: %w", err)
	}
	h, order, err := decodeHeader(raw)
	if err != nil {
		return nil, err
	}

	img := &Image{Header: h}
	bp, _ := bytesPerVoxel(h.DataType)
	size := img.NumVoxels() * bp
	off := int(h.VoxOffset)
	if len(raw) < off+size {
		return nil, fmt.Errorf("%w: expected %d data bytes at offset %d, file has %d",
			ErrInvalidHeader, size, off, len(raw)-off)
	}

	img.Data = make([]byte, size)
	copy(img.Data, raw[off:off+size])
	if order == binary.BigEndian {
		swapBytes(img.Data, bp)
	}
	img.Header.VoxOffset = dataOffset
	return img, nil
}

// LoadHeader decodes only the header of path. The returned image has no
// voxel data.
func LoadHeader(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening image: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var src io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("%s: error opening gzip stream: %w", path, err)
		}
		defer zr.Close()
		src = zr
	}

	raw := make([]byte, headerSize)
	n, err := io.ReadFull(src, raw)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("%s: error reading header: %w", path, err)
	}
	h, _, err := decodeHeader(raw[:n])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &Image{Header: h}, nil
}

func decodeHeader(raw []byte) (Header, binary.ByteOrder, error) {
	var h Header
	if len(raw) < headerSize {
		return h, nil, fmt.Errorf("%w: file is %d bytes", ErrInvalidHeader, len(raw))
	}
	order, err := detectByteOrder(raw)
	if err != nil {
		return h, nil, err
	}
	if err := binary.Read(bytes.NewReader(raw[:headerSize]), order, &h); err != nil {
		return h, nil, fmt.Errorf("error decoding header: %w", err)
	}
	if err := h.validate(); err != nil {
		return h, nil, err
	}
	return h, order, nil
}

// detectByteOrder uses sizeof_hdr, which must read as 348.
func detectByteOrder(raw []byte) (binary.ByteOrder, error) {
	if int32(binary.LittleEndian.Uint32(raw)) == headerSize {
		return binary.LittleEndian, nil
	}
	if int32(binary.BigEndian.Uint32(raw)) == headerSize {
		return binary.BigEndian, nil
	}
	return nil, fmt.Errorf("%w: cannot infer byte order from sizeof_hdr", ErrInvalidHeader)
}

// swapBytes reverses each width-sized element in place.
func swapBytes(data []byte, width int) {
	if width == 1 {
		return
	}
	for i := 0; i+width <= len(data); i += width {
		for a, b := i, i+width-1; a < b; a, b = a+1, b-1 {
			data[a], data[b] = data[b], data[a]
		}
	}
}

// Write encodes img as an uncompressed single-file NIfTI-1 stream.
func (img *Image) Write(w io.Writer) error {
	h := img.Header
	h.SizeOfHdr = headerSize
	h.Magic = singleFileMagic
	h.VoxOffset = dataOffset

	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("error writing header: %w", err)
	}
	// no extensions
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return fmt.Errorf("error writing extension flag: %w", err)
	}
	if _, err := w.Write(img.Data); err != nil {
		return fmt.Errorf("error writing voxel data: %w", err)
	}
	return nil
}

// Save writes img to path, gzip-compressed when the name ends in .gz.
func (img *Image) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating image file: %w", err)
	}

	bw := bufio.NewWriter(f)
	var w io.Writer = bw
	var zw *gzip.Writer
	if fname.IsGzip(path) {
		zw = gzip.NewWriter(bw)
		w = zw
	}

	err = img.Write(w)
	if zw != nil {
		if cerr := zw.Close(); err == nil {
			err = cerr
		}
	}
	if ferr := bw.Flush(); err == nil {
		err = ferr
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
