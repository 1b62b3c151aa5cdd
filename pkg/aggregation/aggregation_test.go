package aggregation

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pvbench/internal/apperr"
	"pvbench/internal/fsutil"
	"pvbench/internal/models"
	"pvbench/pkg/config"
	"pvbench/pkg/execution"
	"pvbench/pkg/grid"
	"pvbench/pkg/nifti"
)

func image(t *testing.T, dims [3]int, r models.Resolution, channels int, data []float64) *models.TissueImage {
	t.Helper()
	img, err := models.NewTissueImage(models.NewReferenceSpace(dims, r, [3]float64{}), channels, data)
	require.NoError(t, err)
	return img
}

func TestSummerScalesOnce(t *testing.T) {
	// channel sums: GM 1.5, WM 2.0, other ignored
	data := []float64{
		0.5, 1.0, 9,
		1.0, 0.5, 9,
		0.0, 0.5, 9,
	}
	for _, r := range []models.Resolution{0.7, 1.0, 1.4, 3.8} {
		img := image(t, [3]int{3, 1, 1}, r, 3, data)
		got := Summer(img, r)
		assert.InDelta(t, 1.5*float64(r)*float64(r)*float64(r), got[models.GM], 1e-12, "resolution %v", r)
		assert.InDelta(t, 2.0*float64(r)*float64(r)*float64(r), got[models.WM], 1e-12, "resolution %v", r)
	}
}

func TestHistogramEdges(t *testing.T) {
	h, err := NewHistogram(0.05)
	require.NoError(t, err)
	assert.Equal(t, 20, h.NumBins())
	assert.Equal(t, 0.0, h.Edges[0])
	assert.Equal(t, 1.0, h.Edges[20])
	assert.InDelta(t, 0.025, h.Centers()[0], 1e-12)

	_, err = NewHistogram(0)
	assert.Error(t, err)
}

func TestHistogramBin(t *testing.T) {
	h, err := NewHistogram(0.25)
	require.NoError(t, err)

	cases := []struct {
		v    float64
		want int
	}{
		{-0.1, -1},
		{0, 0},
		{0.1, 0},
		{0.25, 1}, // lower edge belongs to the upper bin
		{0.49, 1},
		{0.5, 2},
		{0.75, 3},
		{1.0, 3}, // the last bin is closed
		{1.3, 3}, // overshoot clamps
	}
	for _, c := range cases {
		assert.Equal(t, c.want, h.Bin(c.v), "Bin(%v)", c.v)
	}
}

func TestHistogramBinAtEdges(t *testing.T) {
	h, err := NewHistogram(0.05)
	require.NoError(t, err)

	// decimal fractions that sit exactly on an edge start that bin
	cases := map[float64]int{
		0.05: 1,
		0.15: 3,
		0.3:  6,
		0.35: 7,
		0.6:  12,
		0.7:  14,
		0.95: 19,
	}
	for v, want := range cases {
		assert.Equal(t, want, h.Bin(v), "Bin(%v)", v)
	}
	for i, e := range h.Edges {
		assert.Equal(t, float64(i)/20, e, "edge %d", i)
	}
}

func TestHistogramBinIsMonotonic(t *testing.T) {
	h, err := NewHistogram(0.05)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	values := make([]float64, 5000)
	for i := range values {
		values[i] = rng.Float64() * 1.1
	}
	sort.Float64s(values)

	prev := 0
	for _, v := range values {
		b := h.Bin(v)
		require.GreaterOrEqual(t, b, 0)
		require.Less(t, b, h.NumBins())
		require.GreaterOrEqual(t, b, prev, "bin of %v decreased", v)
		if v < 1 {
			assert.True(t, h.Edges[b] <= v && v < h.Edges[b+1], "%v outside its bin %d", v, b)
		}
		prev = b
	}
}

func TestVoxelDiffsUsesMaskedRowsOnly(t *testing.T) {
	h, _ := NewHistogram(0.5)
	// rows 2 and 3 have no baseline GM: whatever the comparison says there
	// must not reach any bin
	base := image(t, [3]int{4, 1, 1}, 1, 3, []float64{
		0.2, 0.6, 0.2,
		0.8, 0.1, 0.1,
		0, 0, 0,
		0, 0, 0,
	})
	other := image(t, [3]int{4, 1, 1}, 1, 3, []float64{
		0.1, 0.5, 0.4,
		0.6, 0.3, 0.1,
		0.9, 0.9, 0,
		0.7, 0.2, 0,
	})

	d, err := VoxelDiffs(base, other, h)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1}, d.Counts)
	assert.InDelta(t, 0.1, d.Means[models.GM][0], 1e-12)
	assert.InDelta(t, 0.1, d.Means[models.WM][0], 1e-12)
	assert.InDelta(t, 0.2, d.Means[models.GM][1], 1e-12)
	assert.InDelta(t, -0.2, d.Means[models.WM][1], 1e-12)

	mad, err := MaskedMeanAbsDiff(base, other)
	require.NoError(t, err)
	assert.InDelta(t, 0.15, mad[models.GM], 1e-12)

	_, err = VoxelDiffs(base, image(t, [3]int{2, 1, 1}, 1, 3, nil), h)
	assert.Error(t, err)
}

func TestVoxelDiffsEmptyBinsAreZero(t *testing.T) {
	h, _ := NewHistogram(0.25)
	base := image(t, [3]int{2, 1, 1}, 1, 3, []float64{0.9, 0, 0, 0.95, 0, 0})
	other := image(t, [3]int{2, 1, 1}, 1, 3, []float64{0.5, 0, 0, 0.55, 0, 0})

	d, err := VoxelDiffs(base, other, h)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0, 0, 2}, d.Counts)
	assert.Equal(t, []float64{0, 0, 0}, d.Means[models.GM][:3])
	assert.InDelta(t, 0.4, d.Means[models.GM][3], 1e-12)

	empty := image(t, [3]int{2, 1, 1}, 1, 3, nil)
	mad, err := MaskedMeanAbsDiff(empty, other)
	require.NoError(t, err)
	assert.Equal(t, [models.NumTracked]float64{}, mad)
}

func TestMaskedMeanAbsDiff(t *testing.T) {
	base := image(t, [3]int{3, 1, 1}, 1, 3, []float64{
		0.5, 0.2, 0.3,
		0.6, 0.2, 0.2,
		0, 0.9, 0.1,
	})
	other := image(t, [3]int{3, 1, 1}, 1, 3, []float64{
		0.4, 0.2, 0.4,
		0.9, 0.1, 0,
		0.8, 0.1, 0.1,
	})

	// GM differences 0.1 and 0.3 on the two covered voxels: the mean of
	// their magnitudes, not the root mean square 0.2236
	got, err := MaskedMeanAbsDiff(base, other)
	require.NoError(t, err)
	assert.InDelta(t, 0.2, got[models.GM], 1e-12)
	assert.InDelta(t, 0.05, got[models.WM], 1e-12)

	_, err = MaskedMeanAbsDiff(base, image(t, [3]int{2, 1, 1}, 1, 3, nil))
	assert.Error(t, err)
}

// study writes a small study: resolutions 1.0 (2x2x2) and 2.0 (1x1x1)
type study struct {
	cfg    *config.Config
	layout grid.Layout
}

var dims = map[models.Resolution][3]int{1.0: {2, 2, 2}, 2.0: {1, 1, 1}}

func newStudy(t *testing.T) *study {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Study.Root = t.TempDir()
	cfg.Resolutions = []float64{1.0, 2.0}
	cfg.Analysis.BinWidth = 0.5
	cfg.Analysis.Structures = []string{"L_Thal"}
	cfg.Stages[config.StageAggregation] = config.StageProfile{MaxParallel: 2, ThreadsPerUnit: 1}
	s := &study{cfg: cfg, layout: grid.NewLayout(cfg)}
	for r, d := range dims {
		s.write(t, s.layout.ReferencePath(r), r, d, 1, nil)
	}
	return s
}

func (s *study) write(t *testing.T, path string, r models.Resolution, d [3]int, channels int, data []float64) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, nifti.Write(path, image(t, d, r, channels, data)))
}

// writeSubject writes every artifact of a subject; every voxel of a method
// image holds (gm, wm, 1-gm-wm)
func (s *study) writeSubject(t *testing.T, subject models.Subject, gm map[models.Method]float64) {
	t.Helper()
	for _, sess := range models.Sessions() {
		for r, d := range dims {
			n := d[0] * d[1] * d[2]
			for m, g := range gm {
				data := make([]float64, 0, 3*n)
				for v := 0; v < n; v++ {
					data = append(data, g, 0.25, 0.75-g)
				}
				job := models.Job{Subject: subject, Session: sess, Method: m, Resolution: r}
				s.write(t, s.layout.OutputPath(job), r, d, 3, data)
			}
		}
		for k, name := range s.cfg.AllStructures() {
			data := make([]float64, 8)
			for v := range data {
				data[v] = float64(k+1) / 8
			}
			s.write(t, s.layout.StructurePath(subject, sess, name, 1.0), 1.0, dims[1.0], 1, data)
		}
	}
}

func (s *study) builder(t *testing.T, mode LoadMode) *Builder {
	t.Helper()
	loader := NewLoader(fsutil.OSFileSystem{}, s.layout, mode)
	b, err := NewBuilder(s.cfg, loader, execution.NewEngine(4, zap.NewNop()), zap.NewNop())
	require.NoError(t, err)
	return b
}

var allMethods = map[models.Method]float64{
	models.MethodSurface:      0.5,
	models.MethodSegmentation: 0.4,
	models.MethodRibbon:       0.3,
}

func TestLoaderModes(t *testing.T) {
	s := newStudy(t)
	job := models.Job{Subject: "x", Session: models.SessionTest, Method: models.MethodRibbon, Resolution: 2.0}

	_, err := NewLoader(fsutil.OSFileSystem{}, s.layout, Strict).Load(job)
	assert.True(t, apperr.Is(err, apperr.CodeMissingInput))

	img, err := NewLoader(fsutil.OSFileSystem{}, s.layout, Silent).Load(job)
	require.NoError(t, err)
	assert.Equal(t, 1, img.NumVoxels())
	assert.Equal(t, models.NumChannels, img.NumChannels())
	assert.Equal(t, 0.0, img.Data.At(0, 0))

	// an existing but unreadable artifact is a cache inconsistency
	require.NoError(t, os.MkdirAll(filepath.Dir(s.layout.OutputPath(job)), 0755))
	require.NoError(t, os.WriteFile(s.layout.OutputPath(job), []byte("truncated"), 0644))
	_, err = NewLoader(fsutil.OSFileSystem{}, s.layout, Strict).Load(job)
	assert.True(t, apperr.Is(err, apperr.CodeCacheInconsistency))

	mode, err := ParseLoadMode("silent")
	require.NoError(t, err)
	assert.Equal(t, Silent, mode)
	_, err = ParseLoadMode("loud")
	assert.Error(t, err)
}

func TestBuildFillsTensors(t *testing.T) {
	s := newStudy(t)
	s.writeSubject(t, "a", allMethods)

	res, out, err := s.builder(t, Strict).Build(context.Background(), []models.Subject{"a"})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Cells)
	assert.Equal(t, 2, out.Aggregated)
	assert.Empty(t, out.Failed)

	sums := res.Tensor(TensorSums)
	assert.Equal(t, []int{1, 2, 3, 2, 2}, sums.Shape)
	// 8 voxels of 0.5 GM at 1mm, 1 voxel at 2mm (8 mm3)
	assert.InDelta(t, 4.0, sums.At(0, 0, 0, 0, 0), 1e-6)
	assert.InDelta(t, 4.0, sums.At(0, 1, 0, 1, 0), 1e-6)
	assert.InDelta(t, 2.4, sums.At(0, 1, 2, 0, 0), 1e-6)
	assert.InDelta(t, 2.0, sums.At(0, 0, 1, 1, 1), 1e-6)

	voxs := res.Tensor(TensorVoxs)
	assert.Zero(t, voxs.At(0, 0, 0, 0, 0), "baseline against itself")
	assert.InDelta(t, 0.1, voxs.At(0, 0, 1, 0, 0), 1e-6)
	assert.InDelta(t, 0.2, voxs.At(0, 0, 2, 1, 0), 1e-6)

	// GM 0.5 sits in the upper bin [0.5, 1]
	diffs := res.Tensor(TensorDiffs)
	counts := res.Tensor(TensorDiffCounts)
	assert.Equal(t, []int{1, 2, 2, 2, 2}, diffs.Shape)
	assert.Equal(t, 8.0, counts.At(0, 0, 0, 1))
	assert.Equal(t, 0.0, counts.At(0, 0, 0, 0))
	assert.InDelta(t, 0.1, diffs.At(0, 0, 0, 0, 1), 1e-6)
	assert.InDelta(t, 0.0, diffs.At(0, 0, 0, 1, 1), 1e-6)

	structs := res.Tensor(TensorStructs)
	assert.Equal(t, []int{1, 2, 2}, structs.Shape)
	assert.InDelta(t, 1.0, structs.At(0, 0, 0), 1e-6)
	assert.InDelta(t, 2.0, structs.At(0, 1, 1), 1e-6)

	assert.Equal(t, []float64{1, 1}, res.Tensor(TensorCellOK).Data)
	assert.Equal(t, []float64{0, 0.5, 1}, res.Tensor(TensorHistBins).Data)
	assert.Equal(t, []string{"L_Thal", "cortex_GM"}, res.Axes.Structures)
}

func TestBuildSkipsIncompleteCells(t *testing.T) {
	s := newStudy(t)
	s.writeSubject(t, "a", allMethods)
	s.writeSubject(t, "b", allMethods)
	// drop one retest image of subject b at 2mm
	job := models.Job{Subject: "b", Session: models.SessionRetest, Method: models.MethodRibbon, Resolution: 2.0}
	require.NoError(t, os.Remove(s.layout.OutputPath(job)))

	res, out, err := s.builder(t, Strict).Build(context.Background(), []models.Subject{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, 3, out.Aggregated)
	require.Len(t, out.Failed, 1)
	assert.Equal(t, models.Subject("b"), out.Failed[0].Subject)
	assert.Equal(t, models.Resolution(2.0), out.Failed[0].Resolution)
	assert.True(t, apperr.Is(out.Failed[0].Err, apperr.CodeMissingInput))

	ok := res.Tensor(TensorCellOK)
	assert.Equal(t, 0.0, ok.At(1, 1))
	// nothing of the failed cell was written, not even its complete test session
	sums := res.Tensor(TensorSums)
	for m := 0; m < 3; m++ {
		for sess := 0; sess < 2; sess++ {
			assert.Zero(t, sums.At(1, 1, m, sess, 0))
		}
	}
	assert.InDelta(t, 4.0, sums.At(1, 0, 0, 0, 0), 1e-6)
}

func TestBuildSilentFillsZeros(t *testing.T) {
	s := newStudy(t)
	s.writeSubject(t, "a", map[models.Method]float64{models.MethodSurface: 0.5, models.MethodSegmentation: 0.4})

	res, out, err := s.builder(t, Silent).Build(context.Background(), []models.Subject{"a"})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Aggregated)
	assert.Zero(t, res.Tensor(TensorSums).At(0, 0, 2, 0, 0))
	assert.InDelta(t, 0.5, res.Tensor(TensorVoxs).At(0, 0, 2, 0, 0), 1e-6)
}

func TestBuildFailsWhenEveryCellFails(t *testing.T) {
	s := newStudy(t)
	_, out, err := s.builder(t, Strict).Build(context.Background(), []models.Subject{"ghost"})
	require.Error(t, err)
	assert.Equal(t, 0, out.Aggregated)
	assert.Len(t, out.Failed, 2)
}
