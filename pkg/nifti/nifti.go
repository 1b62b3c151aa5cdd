// Package nifti reads and writes the single-file NIfTI-1 images exchanged
// with the external estimation tools. Only what tissue-fraction images need
// is supported: up to four dimensions, the fourth being the tissue channel.
package nifti

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"pvbench/internal/fsutil"
	"pvbench/internal/models"
)

const (
	headerSize = 348
	dataOffset = 352
)

// MaxValues caps voxels times channels of a decoded image. Header
// dimensions are trusted only up to this size.
const MaxValues = 1 << 28

// NIfTI datatype codes
const (
	DTUint8   = 2
	DTInt16   = 4
	DTInt32   = 8
	DTFloat32 = 16
	DTFloat64 = 64
	DTUint16  = 512
)

// header is the on-disk NIfTI-1 header. encoding/binary lays fields out
// without padding, matching the 348-byte file layout.
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
	TOffset       float32
	GLMax         int32
	GLMin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QOffsetX      float32
	QOffsetY      float32
	QOffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// Info summarises an image header
type Info struct {
	Space    models.ImageSpace
	Channels int
	Datatype int16
}

// Read loads a tissue-fraction image. Three-dimensional images are returned
// with a single channel.
func Read(path string) (*models.TissueImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, closeFn, err := openStream(f)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer closeFn()

	img, err := Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return img, nil
}

// ReadInfo reads only the header of an image
func ReadInfo(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()

	r, closeFn, err := openStream(f)
	if err != nil {
		return Info{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer closeFn()

	hdr, _, err := readHeader(r)
	if err != nil {
		return Info{}, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return hdr.info()
}

// Write stores an image as float32 data. Paths ending in .gz are gzip
// compressed. The file is replaced atomically.
func Write(path string, img *models.TissueImage) error {
	return fsutil.WriteAtomic(path, 0644, func(w io.Writer) error {
		if strings.HasSuffix(path, ".gz") {
			gz := gzip.NewWriter(w)
			if err := Encode(gz, img); err != nil {
				return err
			}
			return gz.Close()
		}
		bw := bufio.NewWriter(w)
		if err := Encode(bw, img); err != nil {
			return err
		}
		return bw.Flush()
	})
}

// openStream transparently decompresses gzip input
func openStream(f io.Reader) (io.Reader, func(), error) {
	br := bufio.NewReader(f)
	magic, err := br.Peek(2)
	if err != nil {
		return nil, nil, err
	}
	if magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, err
		}
		return gz, func() { gz.Close() }, nil
	}
	return br, func() {}, nil
}

func readHeader(r io.Reader) (*header, binary.ByteOrder, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, nil, fmt.Errorf("short header: %w", err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if int32(binary.LittleEndian.Uint32(raw[:4])) != headerSize {
		if int32(binary.BigEndian.Uint32(raw[:4])) != headerSize {
			return nil, nil, fmt.Errorf("not a NIfTI-1 file")
		}
		order = binary.BigEndian
	}

	hdr := &header{}
	if err := binary.Read(bytes.NewReader(raw), order, hdr); err != nil {
		return nil, nil, err
	}
	if string(hdr.Magic[:3]) != "n+1" {
		return nil, nil, fmt.Errorf("unsupported magic %q (only single-file images)", hdr.Magic[:3])
	}
	return hdr, order, nil
}

func (h *header) info() (Info, error) {
	ndim := int(h.Dim[0])
	if ndim < 3 || ndim > 4 {
		return Info{}, fmt.Errorf("unsupported dimensionality %d", ndim)
	}
	var space models.ImageSpace
	for i := 0; i < 3; i++ {
		if h.Dim[i+1] < 1 {
			return Info{}, fmt.Errorf("invalid dimension %d along axis %d", h.Dim[i+1], i)
		}
		space.Dims[i] = int(h.Dim[i+1])
		space.VoxelSize[i] = float64(h.Pixdim[i+1])
	}
	channels := 1
	if ndim == 4 {
		channels = int(h.Dim[4])
		if channels < 1 {
			return Info{}, fmt.Errorf("invalid channel count %d", channels)
		}
	}
	if h.SformCode > 0 {
		for i, row := range [3][4]float32{h.SrowX, h.SrowY, h.SrowZ} {
			for j := range row {
				space.Affine[i][j] = float64(row[j])
			}
		}
	} else {
		for i := 0; i < 3; i++ {
			space.Affine[i][i] = space.VoxelSize[i]
		}
	}
	return Info{Space: space, Channels: channels, Datatype: h.Datatype}, nil
}

// Decode reads an uncompressed NIfTI-1 stream
func Decode(r io.Reader) (*models.TissueImage, error) {
	hdr, order, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	info, err := hdr.info()
	if err != nil {
		return nil, err
	}

	skip := int64(hdr.VoxOffset) - headerSize
	if skip < 0 {
		return nil, fmt.Errorf("invalid vox_offset %v", hdr.VoxOffset)
	}
	if _, err := io.CopyN(io.Discard, r, skip); err != nil {
		return nil, fmt.Errorf("short extension block: %w", err)
	}

	nvox := info.Space.NumVoxels()
	total := nvox * info.Channels
	if total > MaxValues {
		return nil, fmt.Errorf("image of %v voxels and %d channels exceeds %d values", info.Space.Dims, info.Channels, MaxValues)
	}
	values, err := readValues(r, order, hdr.Datatype, total)
	if err != nil {
		return nil, err
	}

	slope, inter := float64(hdr.SclSlope), float64(hdr.SclInter)
	scaled := slope != 0 && !(slope == 1 && inter == 0)

	// Storage order is x fastest and channel slowest; images keep one row
	// per voxel.
	data := make([]float64, total)
	for c := 0; c < info.Channels; c++ {
		for v := 0; v < nvox; v++ {
			x := values[c*nvox+v]
			if scaled {
				x = x*slope + inter
			}
			data[v*info.Channels+c] = x
		}
	}
	return models.NewTissueImage(info.Space, info.Channels, data)
}

func readValues(r io.Reader, order binary.ByteOrder, datatype int16, n int) ([]float64, error) {
	out := make([]float64, n)
	br := bufio.NewReader(r)
	switch datatype {
	case DTUint8:
		buf := make([]uint8, n)
		if err := binary.Read(br, order, buf); err != nil {
			return nil, fmt.Errorf("short data: %w", err)
		}
		for i, v := range buf {
			out[i] = float64(v)
		}
	case DTInt16:
		buf := make([]int16, n)
		if err := binary.Read(br, order, buf); err != nil {
			return nil, fmt.Errorf("short data: %w", err)
		}
		for i, v := range buf {
			out[i] = float64(v)
		}
	case DTUint16:
		buf := make([]uint16, n)
		if err := binary.Read(br, order, buf); err != nil {
			return nil, fmt.Errorf("short data: %w", err)
		}
		for i, v := range buf {
			out[i] = float64(v)
		}
	case DTInt32:
		buf := make([]int32, n)
		if err := binary.Read(br, order, buf); err != nil {
			return nil, fmt.Errorf("short data: %w", err)
		}
		for i, v := range buf {
			out[i] = float64(v)
		}
	case DTFloat32:
		buf := make([]float32, n)
		if err := binary.Read(br, order, buf); err != nil {
			return nil, fmt.Errorf("short data: %w", err)
		}
		for i, v := range buf {
			out[i] = float64(v)
		}
	case DTFloat64:
		if err := binary.Read(br, order, out); err != nil {
			return nil, fmt.Errorf("short data: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported datatype %d", datatype)
	}
	return out, nil
}

// Encode writes an uncompressed little-endian float32 NIfTI-1 stream
func Encode(w io.Writer, img *models.TissueImage) error {
	nvox, channels := img.NumVoxels(), img.NumChannels()
	space := img.Space
	if nvox != space.NumVoxels() {
		return fmt.Errorf("image has %d voxels but its grid holds %d", nvox, space.NumVoxels())
	}
	for _, d := range space.Dims {
		if d > math.MaxInt16 {
			return fmt.Errorf("dimension %d exceeds the NIfTI-1 limit", d)
		}
	}

	hdr := header{
		SizeofHdr: headerSize,
		Regular:   'r',
		Datatype:  DTFloat32,
		Bitpix:    32,
		VoxOffset: dataOffset,
		SclSlope:  1,
		XYZTUnits: 2, // mm
		SformCode: 1,
		QformCode: 0,
	}
	copy(hdr.Magic[:], "n+1\x00")
	copy(hdr.Descrip[:], "pvbench tissue fractions")

	hdr.Dim[0] = 3
	if channels > 1 {
		hdr.Dim[0] = 4
	}
	hdr.Pixdim[0] = 1
	for i := 0; i < 3; i++ {
		hdr.Dim[i+1] = int16(space.Dims[i])
		hdr.Pixdim[i+1] = float32(space.VoxelSize[i])
	}
	hdr.Dim[4] = int16(channels)
	for i := 5; i < 8; i++ {
		hdr.Dim[i] = 1
	}
	rows := []*[4]float32{&hdr.SrowX, &hdr.SrowY, &hdr.SrowZ}
	for i, row := range rows {
		for j := 0; j < 4; j++ {
			row[j] = float32(space.Affine[i][j])
		}
	}

	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	// empty extension flag
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}

	buf := make([]float32, nvox*channels)
	for c := 0; c < channels; c++ {
		for v := 0; v < nvox; v++ {
			buf[c*nvox+v] = float32(img.Data.At(v, c))
		}
	}
	return binary.Write(w, binary.LittleEndian, buf)
}
