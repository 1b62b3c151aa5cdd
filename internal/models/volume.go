package models

import (
	"fmt"

	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/mat"
)

// ImageSpace describes the voxel grid a tissue-fraction image is defined on
type ImageSpace struct {
	// Dims is the number of voxels along x, y and z
	Dims [3]int

	// VoxelSize is the physical size of each voxel in mm
	VoxelSize [3]float64

	// Affine holds the first three rows of the voxel-to-world transform
	Affine [3][4]float64
}

// NumVoxels returns the number of voxels in the grid
func (s ImageSpace) NumVoxels() int {
	return s.Dims[0] * s.Dims[1] * s.Dims[2]
}

// gridTolerance bounds affine differences, in mm, that still count as the
// same grid. Headers store the affine in single precision.
const gridTolerance = 1e-4

// SameGrid reports whether two spaces have identical dimensions and agree
// on the voxel-to-world affine within gridTolerance
func (s ImageSpace) SameGrid(o ImageSpace) bool {
	if s.Dims != o.Dims {
		return false
	}
	for i := range s.Affine {
		for j := range s.Affine[i] {
			if !scalar.EqualWithinAbs(s.Affine[i][j], o.Affine[i][j], gridTolerance) {
				return false
			}
		}
	}
	return true
}

// NewReferenceSpace builds an isotropic grid with the given origin.
// The x axis is flipped (radiological storage), matching the reference
// grids the external tools are given.
func NewReferenceSpace(dims [3]int, r Resolution, origin [3]float64) ImageSpace {
	v := float64(r)
	return ImageSpace{
		Dims:      dims,
		VoxelSize: [3]float64{v, v, v},
		Affine: [3][4]float64{
			{-v, 0, 0, origin[0]},
			{0, v, 0, origin[1]},
			{0, 0, v, origin[2]},
		},
	}
}

// TissueImage is a tissue-fraction image. Data has one row per voxel (in
// storage order) and one column per channel; columns 0 and 1 are GM and WM,
// further columns hold residual fractions.
type TissueImage struct {
	Space ImageSpace
	Data  *mat.Dense
}

// NewTissueImage wraps voxel-major channel data in an image. data may be nil
// for a zero-filled image.
func NewTissueImage(space ImageSpace, channels int, data []float64) (*TissueImage, error) {
	n := space.NumVoxels()
	if n == 0 || channels < 1 {
		return nil, fmt.Errorf("empty image: %d voxels, %d channels", n, channels)
	}
	if data != nil && len(data) != n*channels {
		return nil, fmt.Errorf("image data has %d values, expected %d", len(data), n*channels)
	}
	return &TissueImage{Space: space, Data: mat.NewDense(n, channels, data)}, nil
}

// ZeroImage returns a zero-filled image on the given grid
func ZeroImage(space ImageSpace, channels int) *TissueImage {
	return &TissueImage{Space: space, Data: mat.NewDense(space.NumVoxels(), channels, nil)}
}

// NumVoxels returns the number of voxel rows
func (t *TissueImage) NumVoxels() int {
	r, _ := t.Data.Dims()
	return r
}

// NumChannels returns the number of channels
func (t *TissueImage) NumChannels() int {
	_, c := t.Data.Dims()
	return c
}

// Channel copies one channel out as a flat slice
func (t *TissueImage) Channel(c int) []float64 {
	return mat.Col(nil, c, t.Data)
}

// StackChannels concatenates the channels of images defined on the same grid
func StackChannels(images ...*TissueImage) (*TissueImage, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("nothing to stack")
	}
	space := images[0].Space
	total := 0
	for i, img := range images {
		if !img.Space.SameGrid(space) {
			return nil, fmt.Errorf("image %d grid %v does not match %v", i, img.Space.Dims, space.Dims)
		}
		total += img.NumChannels()
	}

	out := ZeroImage(space, total)
	col := 0
	for _, img := range images {
		for c := 0; c < img.NumChannels(); c++ {
			out.Data.SetCol(col, img.Channel(c))
			col++
		}
	}
	return out, nil
}
