package aggregation

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"pvbench/internal/models"
)

// Summer returns the physical volume of each tracked tissue: the channel
// sum scaled by the voxel volume of r. This is the only place the scale is
// applied.
func Summer(img *models.TissueImage, r models.Resolution) [models.NumTracked]float64 {
	var out [models.NumTracked]float64
	scale := r.Scale()
	for t := 0; t < models.NumTracked; t++ {
		out[t] = floats.Sum(img.Channel(t)) * scale
	}
	return out
}

// StructureVolume returns the physical volume of a single-structure image
func StructureVolume(img *models.TissueImage, r models.Resolution) float64 {
	return floats.Sum(img.Channel(0)) * r.Scale()
}

// Histogram partitions [0, 1] into equal-width bins
type Histogram struct {
	Edges []float64
}

// NewHistogram creates n = round(1/width) bins. Edge i is i/n, so the
// last edge is exactly 1.
func NewHistogram(width float64) (Histogram, error) {
	if width <= 0 || width > 1 {
		return Histogram{}, fmt.Errorf("bin width %v outside (0, 1]", width)
	}
	n := int(math.Round(1 / width))
	edges := make([]float64, n+1)
	for i := range edges {
		edges[i] = float64(i) / float64(n)
	}
	return Histogram{Edges: edges}, nil
}

// NumBins returns the number of bins
func (h Histogram) NumBins() int {
	return len(h.Edges) - 1
}

// Bin returns the bin of v. Bins are half-open [e_i, e_i+1) except the last,
// which is closed at 1 and also takes values above 1. Negative values and
// NaN return -1.
func (h Histogram) Bin(v float64) int {
	if math.IsNaN(v) || v < h.Edges[0] {
		return -1
	}
	n := h.NumBins()
	if v >= h.Edges[n] {
		return n - 1
	}
	// first edge strictly greater than v closes v's bin
	return sort.Search(len(h.Edges), func(i int) bool { return h.Edges[i] > v }) - 1
}

// Centers returns the midpoint of every bin
func (h Histogram) Centers() []float64 {
	out := make([]float64, h.NumBins())
	for i := range out {
		out[i] = (h.Edges[i] + h.Edges[i+1]) / 2
	}
	return out
}

// CoverageMask marks the voxels where the baseline reports grey matter
func CoverageMask(base *models.TissueImage) []bool {
	gm := base.Channel(int(models.GM))
	mask := make([]bool, len(gm))
	for v, x := range gm {
		mask[v] = x > 0
	}
	return mask
}

// BinnedDiffs holds the voxel-wise difference profile of one image pair
type BinnedDiffs struct {
	// Means is the mean of baseline minus comparison per tissue and bin;
	// empty bins hold 0
	Means [models.NumTracked][]float64

	// Counts is the number of voxels in each bin
	Counts []int
}

// VoxelDiffs bins the covered voxels by the baseline grey matter fraction
// and averages baseline minus comparison within each bin. Voxels outside
// the coverage mask contribute nothing.
func VoxelDiffs(base, other *models.TissueImage, h Histogram) (BinnedDiffs, error) {
	if base.NumVoxels() != other.NumVoxels() {
		return BinnedDiffs{}, fmt.Errorf("voxel counts differ: %d vs %d", base.NumVoxels(), other.NumVoxels())
	}

	nb := h.NumBins()
	out := BinnedDiffs{Counts: make([]int, nb)}
	for t := range out.Means {
		out.Means[t] = make([]float64, nb)
	}

	gm := base.Channel(int(models.GM))
	for v, mask := range CoverageMask(base) {
		if !mask {
			continue
		}
		b := h.Bin(gm[v])
		out.Counts[b]++
		for t := 0; t < models.NumTracked; t++ {
			out.Means[t][b] += base.Data.At(v, t) - other.Data.At(v, t)
		}
	}

	for b, n := range out.Counts {
		if n == 0 {
			continue
		}
		for t := range out.Means {
			out.Means[t][b] /= float64(n)
		}
	}
	return out, nil
}

// MaskedMeanAbsDiff returns the mean of |baseline - other| over the covered
// voxels, per tissue. An empty mask gives 0.
func MaskedMeanAbsDiff(base, other *models.TissueImage) ([models.NumTracked]float64, error) {
	var out [models.NumTracked]float64
	if base.NumVoxels() != other.NumVoxels() {
		return out, fmt.Errorf("voxel counts differ: %d vs %d", base.NumVoxels(), other.NumVoxels())
	}

	n := 0
	for v, mask := range CoverageMask(base) {
		if !mask {
			continue
		}
		n++
		for t := 0; t < models.NumTracked; t++ {
			out[t] += math.Abs(base.Data.At(v, t) - other.Data.At(v, t))
		}
	}
	if n == 0 {
		return out, nil
	}
	for t := range out {
		out[t] /= float64(n)
	}
	return out, nil
}
