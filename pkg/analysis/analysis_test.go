package analysis

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pvbench/internal/models"
)

func TestWeightedMeanEqualWeights(t *testing.T) {
	values := []float64{2, -1, 4.5, 0.25}
	got, err := WeightedMean(values, []float64{0.7, 0.7, 0.7, 0.7})
	require.NoError(t, err)
	assert.InDelta(t, (2-1+4.5+0.25)/4, got, 1e-12)

	_, err = WeightedMean(values, []float64{1})
	assert.Error(t, err)
	_, err = WeightedMean(values, []float64{0, 0, 0, 0})
	assert.ErrorIs(t, err, ErrNoWeight)
	_, err = WeightedMean(nil, nil)
	assert.Error(t, err)
}

// two subjects with 500 and 1000 cm3 of grey matter and mean differences
// of +2% and -1%
func TestVolumeWeightingChangesTheMean(t *testing.T) {
	sums := models.NewTensor(2, 1, 1, 2, 2)
	for sess := 0; sess < 2; sess++ {
		sums.Set(500, 0, 0, 0, sess, 0)
		sums.Set(1000, 1, 0, 0, sess, 0)
	}

	weights, err := SubjectWeights(sums, 0, 0, []models.Tissue{models.GM})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.5, 1.0}, weights, 1e-12)

	diffs := []float64{2, -1}
	unweighted, err := WeightedMean(diffs, []float64{1, 1})
	require.NoError(t, err)
	weighted, err := WeightedMean(diffs, weights)
	require.NoError(t, err)

	assert.InDelta(t, 0.5, unweighted, 1e-12)
	assert.InDelta(t, 0.0, weighted, 1e-12)
	assert.NotEqual(t, unweighted, weighted)
}

func TestSubjectWeightsAveragesSessions(t *testing.T) {
	sums := models.NewTensor(2, 2, 1, 2, 2)
	// subject 0: GM 400/600, WM 100/100 -> 600 ; subject 1: 1200
	sums.Set(400, 0, 0, 0, 0, 0)
	sums.Set(600, 0, 0, 0, 1, 0)
	sums.Set(100, 0, 0, 0, 0, 1)
	sums.Set(100, 0, 0, 0, 1, 1)
	sums.Set(1200, 1, 0, 0, 0, 0)
	sums.Set(1200, 1, 0, 0, 1, 0)
	// other resolutions must not matter
	sums.Set(1e6, 0, 1, 0, 0, 0)

	w, err := SubjectWeights(sums, 0, 0, models.Tissues())
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.5, 1.0}, w, 1e-12)

	_, err = SubjectWeights(models.NewTensor(2, 1, 1, 2, 2), 0, 0, models.Tissues())
	assert.ErrorIs(t, err, ErrNoWeight)
}

func TestBiasProfile(t *testing.T) {
	// 2 subjects, 1 resolution, 2 sessions, 1 tissue, 2 bins
	diffs := models.NewTensor(2, 1, 2, 1, 2)
	counts := models.NewIntTensor(2, 1, 2, 2)
	set := func(s, sess, b int, v float64) {
		diffs.Set(v, s, 0, sess, 0, b)
		counts.Set(1, s, 0, sess, b)
	}
	set(0, 0, 0, 0.1)
	set(0, 1, 0, 0.3)
	set(1, 0, 0, -0.2)
	set(1, 1, 0, -0.2)
	set(1, 0, 1, 0.4) // subject 0 has no voxels in bin 1

	weights := [][]float64{{0.5, 1.0}}
	profile, err := BiasProfile(diffs, counts, nil, weights)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 2}, profile.Shape)
	assert.InDelta(t, (0.5*0.2+1.0*-0.2)/1.5, profile.At(0, 0, 0), 1e-12)
	assert.InDelta(t, 0.4, profile.At(0, 0, 1), 1e-12)

	cellOK := models.NewIntTensor(2, 1)
	cellOK.Set(1, 0, 0)
	profile, err = BiasProfile(diffs, counts, cellOK, weights)
	require.NoError(t, err)
	assert.InDelta(t, 0.2, profile.At(0, 0, 0), 1e-12)
	assert.Zero(t, profile.At(0, 0, 1), "no subject left in the bin")

	_, err = BiasProfile(diffs, counts, nil, [][]float64{{1}})
	assert.Error(t, err)
	_, err = BiasProfile(diffs, counts, nil, nil)
	assert.Error(t, err)
}

func TestResolutionWeightsKeepSubjectsWithFailedFineCells(t *testing.T) {
	// subject 0 failed at the finest resolution and has no volume there
	sums := models.NewTensor(2, 2, 1, 2, 1)
	for sess := 0; sess < 2; sess++ {
		sums.Set(1000, 1, 0, 0, sess, 0)
		sums.Set(500, 0, 1, 0, sess, 0)
		sums.Set(1000, 1, 1, 0, sess, 0)
	}

	weights, err := ResolutionWeights(sums, 0, []models.Tissue{models.GM})
	require.NoError(t, err)
	require.Len(t, weights, 2)
	assert.InDeltaSlice(t, []float64{0, 1}, weights[0], 1e-12)
	assert.InDeltaSlice(t, []float64{0.5, 1}, weights[1], 1e-12)

	// both subjects differ by +0.2 and -0.2 at the coarse resolution
	diffs := models.NewTensor(2, 2, 2, 1, 1)
	counts := models.NewIntTensor(2, 2, 2, 1)
	cellOK := models.NewIntTensor(2, 2)
	for sess := 0; sess < 2; sess++ {
		diffs.Set(0.2, 0, 1, sess, 0, 0)
		diffs.Set(-0.2, 1, 1, sess, 0, 0)
		diffs.Set(0.1, 1, 0, sess, 0, 0)
		counts.Set(1, 0, 1, sess, 0)
		counts.Set(1, 1, 1, sess, 0)
		counts.Set(1, 1, 0, sess, 0)
	}
	cellOK.Set(1, 0, 1)
	cellOK.Set(1, 1, 0)
	cellOK.Set(1, 1, 1)

	profile, err := BiasProfile(diffs, counts, cellOK, weights)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, profile.At(0, 0, 0), 1e-12)
	assert.InDelta(t, (0.5*0.2+1.0*-0.2)/1.5, profile.At(1, 0, 0), 1e-12, "subject 0 still counts at the coarse resolution")

	_, err = ResolutionWeights(models.NewTensor(2, 2, 1, 2, 1), 0, []models.Tissue{models.GM})
	assert.ErrorIs(t, err, ErrNoWeight)
}

func TestRelativeDifference(t *testing.T) {
	d, ok := RelativeDifference(500, 510)
	assert.True(t, ok)
	assert.InDelta(t, 2.0, d, 1e-12)

	d, ok = RelativeDifference(0, 10)
	assert.False(t, ok)
	assert.Zero(t, d)
}

func TestSessionAndStructureDifferences(t *testing.T) {
	sums := models.NewTensor(2, 1, 1, 2, 2)
	sums.Set(500, 0, 0, 0, 0, 0)
	sums.Set(490, 0, 0, 0, 1, 0)
	sums.Set(0, 1, 0, 0, 0, 0) // zero reference
	sums.Set(10, 1, 0, 0, 1, 0)

	diff, valid := SessionDifferences(sums, 0)
	assert.InDelta(t, -2.0, diff.At(0, 0, 0), 1e-12)
	assert.Equal(t, 1.0, valid.At(0, 0, 0))
	assert.Equal(t, 0.0, valid.At(1, 0, 0))
	assert.Equal(t, []float64{-2}, Masked(diff, valid, 0, 0))

	structs := models.NewTensor(1, 2, 2)
	structs.Set(8, 0, 0, 0)
	structs.Set(10, 0, 1, 0)
	sd, sv := StructureDifferences(structs)
	assert.InDelta(t, 25.0, sd.At(0, 0), 1e-12)
	assert.Equal(t, []float64{1, 0}, sv.Data)
}

func TestSummarize(t *testing.T) {
	s, err := Summarize([]float64{1, 2, 3, 4, 5})
	require.NoError(t, err)
	assert.Equal(t, 5, s.N)
	assert.InDelta(t, 3.0, s.Mean, 1e-12)
	assert.InDelta(t, 3.0, s.Median, 1e-12)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 5.0, s.Max)
	assert.LessOrEqual(t, s.Q25, s.Median)
	assert.GreaterOrEqual(t, s.Q75, s.Median)

	one, err := Summarize([]float64{4})
	require.NoError(t, err, "single subjects still summarise")
	assert.Equal(t, 4.0, one.Q25)
	assert.Equal(t, 4.0, one.Q75)

	_, err = Summarize(nil)
	assert.Error(t, err)
}

func TestMeanRetestInterval(t *testing.T) {
	table := "Subject,Interval_Bin\n103818,2\n105923,8\n111312,11\n"
	got, err := MeanRetestInterval(strings.NewReader(table))
	require.NoError(t, err)
	assert.InDelta(t, (1.5+9+11)/3, got, 1e-12)

	_, err = MeanRetestInterval(strings.NewReader("Subject,Interval_Bin\n1,9\n"))
	assert.Error(t, err)
	_, err = MeanRetestInterval(strings.NewReader("Subject,Interval_Bin\n"))
	assert.Error(t, err)
}
