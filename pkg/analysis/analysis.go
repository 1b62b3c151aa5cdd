// Package analysis collapses the result tensors across subjects: brain-volume
// weights, the weighted bias profile and test-retest differences.
package analysis

import (
	"errors"
	"fmt"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"pvbench/internal/models"
)

// ErrNoWeight is returned when every weight is zero
var ErrNoWeight = errors.New("all weights are zero")

// SubjectWeights derives one weight per subject from the sums tensor
// (subject x resolution x method x session x tissue): the mean across
// sessions of the summed volume of the given tissues at one resolution and
// method, divided by the largest such mean.
func SubjectWeights(sums *models.Tensor, resIdx, methodIdx int, tissues []models.Tissue) ([]float64, error) {
	if len(sums.Shape) != 5 {
		return nil, fmt.Errorf("sums tensor has rank %d, want 5", len(sums.Shape))
	}
	S, N := sums.Shape[0], sums.Shape[3]

	weights := make([]float64, S)
	for s := 0; s < S; s++ {
		total := 0.0
		for n := 0; n < N; n++ {
			for _, t := range tissues {
				total += sums.At(s, resIdx, methodIdx, n, int(t))
			}
		}
		weights[s] = total / float64(N)
	}

	if S == 0 {
		return weights, nil
	}
	max := floats.Max(weights)
	if max <= 0 {
		return nil, ErrNoWeight
	}
	floats.Scale(1/max, weights)
	return weights, nil
}

// ResolutionWeights returns SubjectWeights for every resolution of the sums
// tensor. A subject is weighted by its volume at the resolution being
// profiled, so a failed cell at one resolution does not remove the subject
// from the others. A resolution with no volume at all gets a nil row.
func ResolutionWeights(sums *models.Tensor, methodIdx int, tissues []models.Tissue) ([][]float64, error) {
	if len(sums.Shape) != 5 {
		return nil, fmt.Errorf("sums tensor has rank %d, want 5", len(sums.Shape))
	}
	out := make([][]float64, sums.Shape[1])
	found := false
	for r := range out {
		w, err := SubjectWeights(sums, r, methodIdx, tissues)
		if errors.Is(err, ErrNoWeight) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[r] = w
		found = true
	}
	if !found && len(out) > 0 {
		return nil, ErrNoWeight
	}
	return out, nil
}

// WeightedMean returns the weighted mean of values. Equal weights give the
// plain mean.
func WeightedMean(values, weights []float64) (float64, error) {
	if len(values) != len(weights) {
		return 0, fmt.Errorf("%d values but %d weights", len(values), len(weights))
	}
	if len(values) == 0 {
		return 0, stats.ErrEmptyInput
	}
	if floats.Sum(weights) == 0 {
		return 0, ErrNoWeight
	}
	return stat.Mean(values, weights), nil
}

// BiasProfile collapses the diffs tensor (subject x resolution x session x
// tissue x bin) into resolution x tissue x bin. Each subject's sessions are
// averaged first, then subjects are combined with the weighted mean using
// weights[r] at resolution r; a nil row leaves that resolution at zero. Cells
// flagged as not aggregated in cellOK (subject x resolution) and subjects
// with no voxels in a bin are left out of that bin's mean. counts may be nil.
func BiasProfile(diffs, counts, cellOK *models.Tensor, weights [][]float64) (*models.Tensor, error) {
	if len(diffs.Shape) != 5 {
		return nil, fmt.Errorf("diffs tensor has rank %d, want 5", len(diffs.Shape))
	}
	S, R, N, T, B := diffs.Shape[0], diffs.Shape[1], diffs.Shape[2], diffs.Shape[3], diffs.Shape[4]
	if len(weights) != R {
		return nil, fmt.Errorf("weights for %d resolutions, want %d", len(weights), R)
	}
	for r, w := range weights {
		if w != nil && len(w) != S {
			return nil, fmt.Errorf("%d weights for %d subjects at resolution %d", len(w), S, r)
		}
	}

	out := models.NewTensor(R, T, B)
	vals := make([]float64, 0, S)
	ws := make([]float64, 0, S)
	for r := 0; r < R; r++ {
		if weights[r] == nil {
			continue
		}
		for t := 0; t < T; t++ {
			for b := 0; b < B; b++ {
				vals, ws = vals[:0], ws[:0]
				for s := 0; s < S; s++ {
					if cellOK != nil && cellOK.At(s, r) == 0 {
						continue
					}
					sum, n := 0.0, 0
					for sess := 0; sess < N; sess++ {
						if counts != nil && counts.At(s, r, sess, b) == 0 {
							continue
						}
						sum += diffs.At(s, r, sess, t, b)
						n++
					}
					if n == 0 {
						continue
					}
					vals = append(vals, sum/float64(n))
					ws = append(ws, weights[r][s])
				}
				if m, err := WeightedMean(vals, ws); err == nil {
					out.Set(m, r, t, b)
				}
			}
		}
	}
	return out, nil
}

// RelativeDifference returns 100 * (other - ref) / ref. A zero reference has
// no relative difference and reports false.
func RelativeDifference(ref, other float64) (float64, bool) {
	if ref == 0 {
		return 0, false
	}
	return 100 * (other - ref) / ref, true
}

// SessionDifferences returns the retest-minus-test percentage difference of
// total volume per subject, method and tissue at one resolution, together
// with an integer mask of the cells that have a nonzero reference. The
// first session is always the reference.
func SessionDifferences(sums *models.Tensor, resIdx int) (diff, valid *models.Tensor) {
	S, M, T := sums.Shape[0], sums.Shape[2], sums.Shape[4]
	diff = models.NewTensor(S, M, T)
	valid = models.NewIntTensor(S, M, T)
	for s := 0; s < S; s++ {
		for m := 0; m < M; m++ {
			for t := 0; t < T; t++ {
				ref := sums.At(s, resIdx, m, int(models.SessionTest), t)
				other := sums.At(s, resIdx, m, int(models.SessionRetest), t)
				if d, ok := RelativeDifference(ref, other); ok {
					diff.Set(d, s, m, t)
					valid.Set(1, s, m, t)
				}
			}
		}
	}
	return diff, valid
}

// StructureDifferences is SessionDifferences for the structs tensor
// (subject x session x structure)
func StructureDifferences(structs *models.Tensor) (diff, valid *models.Tensor) {
	S, K := structs.Shape[0], structs.Shape[2]
	diff = models.NewTensor(S, K)
	valid = models.NewIntTensor(S, K)
	for s := 0; s < S; s++ {
		for k := 0; k < K; k++ {
			ref := structs.At(s, int(models.SessionTest), k)
			other := structs.At(s, int(models.SessionRetest), k)
			if d, ok := RelativeDifference(ref, other); ok {
				diff.Set(d, s, k)
				valid.Set(1, s, k)
			}
		}
	}
	return diff, valid
}

// Summary describes a sample
type Summary struct {
	N      int
	Mean   float64
	StdDev float64
	Median float64
	Q25    float64
	Q75    float64
	Min    float64
	Max    float64
}

// Summarize computes the descriptive statistics of a sample
func Summarize(values []float64) (Summary, error) {
	var s Summary
	var err error
	s.N = len(values)

	if s.Mean, err = stats.Mean(values); err != nil {
		return s, err
	}
	if s.StdDev, err = stats.StandardDeviation(values); err != nil {
		return s, err
	}
	if s.Median, err = stats.Median(values); err != nil {
		return s, err
	}
	if s.Q25, err = stats.PercentileNearestRank(values, 25); err != nil {
		return s, err
	}
	if s.Q75, err = stats.PercentileNearestRank(values, 75); err != nil {
		return s, err
	}
	if s.Min, err = stats.Min(values); err != nil {
		return s, err
	}
	if s.Max, err = stats.Max(values); err != nil {
		return s, err
	}
	return s, nil
}

// Masked returns the subject-axis sample of t at the given trailing indices,
// keeping only the subjects marked in valid. For a subject x method x tissue
// tensor, Masked(d, v, m, tissue) is one method and tissue across subjects.
func Masked(t, valid *models.Tensor, trailing ...int) []float64 {
	var out []float64
	for s := 0; s < t.Shape[0]; s++ {
		idx := append([]int{s}, trailing...)
		if valid.At(idx...) != 0 {
			out = append(out, t.At(idx...))
		}
	}
	return out
}
