package tools

import (
	"context"
	"math"
	"path/filepath"
	"strings"

	"pvbench/internal/models"
	"pvbench/pkg/config"
	"pvbench/pkg/grid"
)

// ReferenceBuilder creates the empty reference grid of each resolution. All
// grids share an origin and cover the same field of view.
type ReferenceBuilder struct {
	inv         *Invoker
	layout      grid.Layout
	origin      [3]float64
	fieldOfView [3]float64
}

// NewReferenceBuilder creates a builder from the reference section of the configuration
func NewReferenceBuilder(inv *Invoker, layout grid.Layout, cfg *config.Config) *ReferenceBuilder {
	return &ReferenceBuilder{
		inv:         inv,
		layout:      layout,
		origin:      cfg.Reference.Origin,
		fieldOfView: cfg.Reference.FieldOfView,
	}
}

// Dims returns the voxel counts of the grid at resolution r
func (b *ReferenceBuilder) Dims(r models.Resolution) [3]int {
	var d [3]int
	for i, fov := range b.fieldOfView {
		// tolerate fields of view that are exact multiples up to rounding
		d[i] = int(math.Ceil(fov/float64(r) - 1e-9))
	}
	return d
}

// Build creates the reference grid for r unless it already exists
func (b *ReferenceBuilder) Build(ctx context.Context, r models.Resolution) error {
	path := b.layout.ReferencePath(r)
	if b.inv.fs.Exists(path) {
		return nil
	}
	if err := b.inv.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	d := b.Dims(r)
	p := Params{
		Out:     path,
		Res:     FormatMM(float64(r)),
		DimX:    d[0],
		DimY:    d[1],
		DimZ:    d[2],
		OriginX: FormatMM(b.origin[0]),
		OriginY: FormatMM(b.origin[1]),
		OriginZ: FormatMM(b.origin[2]),
	}
	return b.inv.Invoke(ctx, config.ToolVolumeCreate, p, "", path)
}

// SubcorticalSegmenter runs the subcortical structure segmentation the
// surface method depends on, once per subject and session.
type SubcorticalSegmenter struct {
	inv    *Invoker
	layout grid.Layout
}

// NewSubcorticalSegmenter creates a segmenter over the study layout
func NewSubcorticalSegmenter(inv *Invoker, layout grid.Layout) *SubcorticalSegmenter {
	return &SubcorticalSegmenter{inv: inv, layout: layout}
}

// Done reports whether the segmentation of a subject already completed
func (s *SubcorticalSegmenter) Done(subject models.Subject, session models.Session) bool {
	return s.inv.fs.Exists(s.layout.FirstMarker(subject, session))
}

// Segment runs the segmentation unless its completion marker exists
func (s *SubcorticalSegmenter) Segment(ctx context.Context, subject models.Subject, session models.Session) error {
	if s.Done(subject, session) {
		return nil
	}
	head := s.layout.HeadPath(subject, session)
	if err := s.inv.requireInputs(head); err != nil {
		return err
	}

	dir := s.layout.FirstDir(subject, session)
	if err := s.inv.fs.MkdirAll(dir, 0755); err != nil {
		return err
	}
	p := Params{
		Input:     head,
		OutPrefix: filepath.Join(dir, strings.TrimSuffix(filepath.Base(head), grid.ImageExt)),
	}
	return s.inv.Invoke(ctx, config.ToolSubcortical, p, "", s.layout.FirstMarker(subject, session))
}
