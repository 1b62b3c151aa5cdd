package aggregation

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"pvbench/internal/models"
	"pvbench/pkg/config"
	"pvbench/pkg/execution"
)

// Tensor names as stored in the result artifact
const (
	TensorSums       = "sums"
	TensorVoxs       = "voxs"
	TensorDiffs      = "diffs"
	TensorDiffCounts = "diff_counts"
	TensorStructs    = "structs"
	TensorCellOK     = "cell_ok"
	TensorHistBins   = "hist_bins"
)

// Axes labels every tensor dimension
type Axes struct {
	Subjects    []models.Subject
	Resolutions []models.Resolution
	Methods     []models.Method
	Sessions    []models.Session
	Tissues     []models.Tissue
	HistBins    []float64
	Structures  []string
}

// Result is the complete set of reduced tensors of one run.
//
//	sums        subject x resolution x method x session x tissue
//	voxs        subject x resolution x method x session x tissue
//	diffs       subject x resolution x session x tissue x bin
//	diff_counts subject x resolution x session x bin
//	structs     subject x session x structure
//	cell_ok     subject x resolution
//	hist_bins   bin edge
type Result struct {
	Axes    Axes
	Tensors map[string]*models.Tensor
}

// NewResult allocates zero-filled tensors for the axes
func NewResult(axes Axes) *Result {
	S, R, M := len(axes.Subjects), len(axes.Resolutions), len(axes.Methods)
	N, T, K := len(axes.Sessions), len(axes.Tissues), len(axes.Structures)
	B := len(axes.HistBins) - 1
	if B < 0 {
		B = 0
	}

	edges := models.NewTensor(len(axes.HistBins))
	copy(edges.Data, axes.HistBins)

	return &Result{
		Axes: axes,
		Tensors: map[string]*models.Tensor{
			TensorSums:       models.NewTensor(S, R, M, N, T),
			TensorVoxs:       models.NewTensor(S, R, M, N, T),
			TensorDiffs:      models.NewTensor(S, R, N, T, B),
			TensorDiffCounts: models.NewIntTensor(S, R, N, B),
			TensorStructs:    models.NewTensor(S, N, K),
			TensorCellOK:     models.NewIntTensor(S, R),
			TensorHistBins:   edges,
		},
	}
}

// Tensor returns a tensor by name
func (r *Result) Tensor(name string) *models.Tensor {
	return r.Tensors[name]
}

// CellFailure records a (subject, resolution) cell left at zero
type CellFailure struct {
	Subject    models.Subject
	Resolution models.Resolution
	Err        error
}

// Outcome summarises an aggregation
type Outcome struct {
	Cells      int
	Aggregated int
	Failed     []CellFailure
	Summary    execution.Summary
}

// Builder reduces the cached images of all subjects into a Result
type Builder struct {
	loader      *Loader
	engine      *execution.Engine
	profile     config.StageProfile
	hist        Histogram
	resolutions []models.Resolution
	methods     []models.Method
	comparison  int
	structures  []string
	log         *zap.Logger
}

// NewBuilder creates a builder from configuration
func NewBuilder(cfg *config.Config, loader *Loader, engine *execution.Engine, log *zap.Logger) (*Builder, error) {
	hist, err := NewHistogram(cfg.Analysis.BinWidth)
	if err != nil {
		return nil, err
	}
	methods := cfg.MethodList()

	// without an explicit choice the first alternative is compared
	comparison := -1
	for i, m := range methods {
		if i == 0 {
			continue
		}
		if string(m) == cfg.Methods.Comparison || (cfg.Methods.Comparison == "" && comparison < 0) {
			comparison = i
		}
	}

	return &Builder{
		loader:      loader,
		engine:      engine,
		profile:     cfg.Profile(config.StageAggregation),
		hist:        hist,
		resolutions: cfg.ResolutionList(),
		methods:     methods,
		comparison:  comparison,
		structures:  cfg.AllStructures(),
		log:         log,
	}, nil
}

// Histogram returns the bin partition in use
func (b *Builder) Histogram() Histogram {
	return b.hist
}

// Axes returns the axes of a result over the given subjects
func (b *Builder) Axes(subjects []models.Subject) Axes {
	return Axes{
		Subjects:    append([]models.Subject(nil), subjects...),
		Resolutions: append([]models.Resolution(nil), b.resolutions...),
		Methods:     append([]models.Method(nil), b.methods...),
		Sessions:    models.Sessions(),
		Tissues:     models.Tissues(),
		HistBins:    append([]float64(nil), b.hist.Edges...),
		Structures:  append([]string(nil), b.structures...),
	}
}

type cell struct {
	subject int
	res     int
}

// cellValues holds everything one cell contributes, computed before any
// tensor is touched
type cellValues struct {
	sums    [models.NumSessions][][models.NumTracked]float64
	voxs    [models.NumSessions][][models.NumTracked]float64
	diffs   [models.NumSessions]BinnedDiffs
	structs [models.NumSessions][]float64
	hasDiff bool
}

// Build aggregates every (subject, resolution) cell. Cells run in parallel
// under the aggregation profile. A cell either contributes all of its
// values or none; failed cells stay zero, are flagged in cell_ok and are
// reported in the outcome. Build fails only when no cell succeeds.
func (b *Builder) Build(ctx context.Context, subjects []models.Subject) (*Result, Outcome, error) {
	res := NewResult(b.Axes(subjects))
	cells := make([]cell, 0, len(subjects)*len(b.resolutions))
	for s := range subjects {
		for r := range b.resolutions {
			cells = append(cells, cell{subject: s, res: r})
		}
	}

	name := func(c cell) string {
		return fmt.Sprintf("%s@%s", subjects[c.subject], b.resolutions[c.res].Label())
	}

	var mu sync.Mutex
	summary := execution.Run(ctx, b.engine, config.StageAggregation, b.profile, cells, name,
		func(ctx context.Context, c cell) error {
			vals, err := b.compute(subjects[c.subject], c.res)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			b.commit(res, c, vals)
			return nil
		})

	byName := make(map[string]cell, len(cells))
	for _, c := range cells {
		byName[name(c)] = c
	}
	out := Outcome{Cells: len(cells), Aggregated: summary.Succeeded, Summary: summary}
	for _, f := range summary.Failed {
		c := byName[f.Unit]
		out.Failed = append(out.Failed, CellFailure{
			Subject:    subjects[c.subject],
			Resolution: b.resolutions[c.res],
			Err:        f.Err,
		})
		b.log.Warn("skipping cell",
			zap.String("subject", string(subjects[c.subject])),
			zap.String("resolution", b.resolutions[c.res].Label()),
			zap.Error(f.Err))
	}

	if err := ctx.Err(); err != nil {
		return nil, out, err
	}
	if len(cells) > 0 && out.Aggregated == 0 {
		return nil, out, fmt.Errorf("aggregation failed for all %d cells: %w", len(cells), summary.Err())
	}
	return res, out, nil
}

// compute loads all methods of both sessions for one cell and reduces them
func (b *Builder) compute(subject models.Subject, ri int) (*cellValues, error) {
	r := b.resolutions[ri]
	vals := &cellValues{hasDiff: b.comparison > 0}

	for _, s := range models.Sessions() {
		images := make([]*models.TissueImage, len(b.methods))
		for mi, m := range b.methods {
			img, err := b.loader.Load(models.Job{Subject: subject, Session: s, Method: m, Resolution: r})
			if err != nil {
				return nil, err
			}
			images[mi] = img
		}

		base := images[0]
		vals.sums[s] = make([][models.NumTracked]float64, len(images))
		vals.voxs[s] = make([][models.NumTracked]float64, len(images))
		for mi, img := range images {
			vals.sums[s][mi] = Summer(img, r)
			if mi == 0 {
				continue
			}
			mad, err := MaskedMeanAbsDiff(base, img)
			if err != nil {
				return nil, fmt.Errorf("%s %s: %w", s, b.methods[mi], err)
			}
			vals.voxs[s][mi] = mad
		}

		if vals.hasDiff {
			d, err := VoxelDiffs(base, images[b.comparison], b.hist)
			if err != nil {
				return nil, fmt.Errorf("%s %s: %w", s, b.methods[b.comparison], err)
			}
			vals.diffs[s] = d
		}

		// structures are measured on the baseline at the finest resolution only
		if ri == 0 {
			vals.structs[s] = make([]float64, len(b.structures))
			for k, name := range b.structures {
				img, err := b.loader.LoadStructure(subject, s, name, r)
				if err != nil {
					return nil, err
				}
				vals.structs[s][k] = StructureVolume(img, r)
			}
		}
	}
	return vals, nil
}

func (b *Builder) commit(res *Result, c cell, vals *cellValues) {
	sums, voxs := res.Tensor(TensorSums), res.Tensor(TensorVoxs)
	diffs, counts := res.Tensor(TensorDiffs), res.Tensor(TensorDiffCounts)
	structs := res.Tensor(TensorStructs)

	for s := 0; s < models.NumSessions; s++ {
		for m := range b.methods {
			for t := 0; t < models.NumTracked; t++ {
				sums.Set(vals.sums[s][m][t], c.subject, c.res, m, s, t)
				voxs.Set(vals.voxs[s][m][t], c.subject, c.res, m, s, t)
			}
		}
		if vals.hasDiff {
			for bin, n := range vals.diffs[s].Counts {
				counts.Set(float64(n), c.subject, c.res, s, bin)
				for t := 0; t < models.NumTracked; t++ {
					diffs.Set(vals.diffs[s].Means[t][bin], c.subject, c.res, s, t, bin)
				}
			}
		}
		for k, v := range vals.structs[s] {
			structs.Set(v, c.subject, s, k)
		}
	}
	res.Tensor(TensorCellOK).Set(1, c.subject, c.res)
}
