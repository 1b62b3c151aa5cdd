package tools

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"pvbench/internal/apperr"
	"pvbench/internal/models"
	"pvbench/pkg/config"
	"pvbench/pkg/grid"
	"pvbench/pkg/nifti"
)

// Request asks an estimator for one job's tissue-fraction image
type Request struct {
	Job models.Job

	// Reference is the grid the image is defined on
	Reference string

	// Output is where the combined image must be written
	Output string

	// Cores is the thread count the tool may use internally
	Cores int
}

// Estimator produces the tissue-fraction image of one job. Every method sits
// behind this contract regardless of how many commands it takes.
type Estimator interface {
	Method() models.Method
	Estimate(ctx context.Context, req Request) error
}

// NewEstimators builds one estimator per supported method
func NewEstimators(inv *Invoker, layout grid.Layout, log *zap.Logger) map[models.Method]Estimator {
	return map[models.Method]Estimator{
		models.MethodSurface:      &SurfaceEstimator{inv: inv, layout: layout, log: log},
		models.MethodSegmentation: &SegmentationEstimator{inv: inv, layout: layout, log: log},
		models.MethodRibbon:       &RibbonEstimator{inv: inv, layout: layout},
	}
}

// requireInputs returns a missing-input error for the first absent path
func (inv *Invoker) requireInputs(paths ...string) error {
	for _, p := range paths {
		if !inv.fs.Exists(p) {
			return apperr.MissingInput(p)
		}
	}
	return nil
}

type surfaces struct {
	LWS, LPS, RWS, RPS, LMS, RMS string
}

func surfacesOf(layout grid.Layout, job models.Job) surfaces {
	p := func(hemi, kind string) string { return layout.SurfacePath(job.Subject, job.Session, hemi, kind) }
	return surfaces{
		LWS: p("L", "white"), LPS: p("L", "pial"),
		RWS: p("R", "white"), RPS: p("R", "pial"),
		LMS: p("L", "mid"), RMS: p("R", "mid"),
	}
}

// SurfaceChannels are the per-tissue intermediates the surface tool writes,
// in the channel order of the combined image
var SurfaceChannels = []string{"all_GM", "all_WM", "all_nonbrain"}

// SurfaceEstimator drives the surface-based baseline. Besides the three
// channel images the tool writes one image per subcortical structure, which
// the structure volumes are later read from. When the channel images of a
// resolution already exist the combined image is restacked from them and
// the tool is not run.
type SurfaceEstimator struct {
	inv    *Invoker
	layout grid.Layout
	log    *zap.Logger
}

func (e *SurfaceEstimator) Method() models.Method { return models.MethodSurface }

func (e *SurfaceEstimator) Estimate(ctx context.Context, req Request) error {
	job := req.Job
	log := e.log.With(zap.String("job", job.Key()))

	stacked, err := e.restack(req)
	if err != nil {
		log.Warn("cannot restack existing channel images, re-estimating", zap.Error(err))
	}
	if stacked {
		log.Info("restacked channel images")
		return nil
	}

	s := surfacesOf(e.layout, job)
	t1 := e.layout.T1Path(job.Subject, job.Session)
	if err := e.inv.requireInputs(req.Reference, t1, s.LWS, s.LPS, s.RWS, s.RPS,
		e.layout.FirstMarker(job.Subject, job.Session)); err != nil {
		return err
	}

	channels := e.channelPaths(job)
	p := Params{
		Input:      t1,
		Ref:        req.Reference,
		OutPrefix:  filepath.Join(e.layout.OutputDir(job.Subject, job.Session), string(job.Method)),
		Res:        FormatMM(float64(job.Resolution)),
		LWS:        s.LWS,
		LPS:        s.LPS,
		RWS:        s.RWS,
		RPS:        s.RPS,
		FirstDir:   e.layout.FirstDir(job.Subject, job.Session),
		SubjectDir: e.layout.SubjectDir(job.Subject, job.Session),
		Cores:      req.Cores,
	}
	if err := e.inv.Invoke(ctx, config.ToolSurface, p, "", channels...); err != nil {
		return err
	}

	if _, err := e.restack(req); err != nil {
		return apperr.Wrap(apperr.CodeToolExecution, err, "surface outputs could not be combined")
	}
	return nil
}

func (e *SurfaceEstimator) channelPaths(job models.Job) []string {
	out := make([]string, len(SurfaceChannels))
	for i, key := range SurfaceChannels {
		out[i] = e.layout.IntermediatePath(job, key)
	}
	return out
}

// restack combines the channel images into the job's output. It reports
// false without error when a channel image is missing.
func (e *SurfaceEstimator) restack(req Request) (bool, error) {
	paths := e.channelPaths(req.Job)
	for _, p := range paths {
		if !e.inv.fs.Exists(p) {
			return false, nil
		}
	}

	images := make([]*models.TissueImage, len(paths))
	for i, p := range paths {
		img, err := nifti.Read(p)
		if err != nil {
			return false, err
		}
		images[i] = img
	}
	combined, err := models.StackChannels(images...)
	if err != nil {
		return false, err
	}
	if err := nifti.Write(req.Output, combined); err != nil {
		return false, err
	}
	return true, nil
}

// SegmentationEstimator drives the intensity-based segmentation. The tool
// runs once per subject and session on the native structural image; its
// grey and white matter maps are merged with the derived remainder, masked
// by the cortical ribbon and then resampled onto each reference grid.
type SegmentationEstimator struct {
	inv    *Invoker
	layout grid.Layout
	log    *zap.Logger
}

func (e *SegmentationEstimator) Method() models.Method { return models.MethodSegmentation }

// BasePath returns the masked native-space image shared by all resolutions
func (e *SegmentationEstimator) BasePath(subject models.Subject, s models.Session) string {
	return filepath.Join(e.layout.OutputDir(subject, s), fmt.Sprintf("%s_base_brain%s", models.MethodSegmentation, grid.ImageExt))
}

func (e *SegmentationEstimator) pvePath(subject models.Subject, s models.Session, class int) string {
	return filepath.Join(e.layout.SubjectDir(subject, s), fmt.Sprintf("%s_pve_%d%s", e.layout.T1Name, class, grid.ImageExt))
}

func (e *SegmentationEstimator) Estimate(ctx context.Context, req Request) error {
	job := req.Job
	if err := e.inv.requireInputs(req.Reference); err != nil {
		return err
	}
	base, err := e.ensureBase(ctx, job.Subject, job.Session)
	if err != nil {
		return err
	}

	refInfo, err := nifti.ReadInfo(req.Reference)
	if err != nil {
		return fmt.Errorf("failed to read reference %s: %w", req.Reference, err)
	}
	baseInfo, err := nifti.ReadInfo(base)
	if err != nil {
		return apperr.CacheInconsistency(base, err)
	}

	// the native grid needs no resampling
	if baseInfo.Space.SameGrid(refInfo.Space) {
		img, err := nifti.Read(base)
		if err != nil {
			return apperr.CacheInconsistency(base, err)
		}
		return nifti.Write(req.Output, img)
	}

	p := Params{Input: base, Ref: req.Reference, Out: req.Output, Res: FormatMM(float64(job.Resolution))}
	return e.inv.Invoke(ctx, config.ToolResample, p, "", req.Output)
}

func (e *SegmentationEstimator) ensureBase(ctx context.Context, subject models.Subject, s models.Session) (string, error) {
	base := e.BasePath(subject, s)
	if e.inv.fs.Exists(base) {
		return base, nil
	}

	t1 := e.layout.T1Path(subject, s)
	ribbon := e.layout.RibbonPath(subject, s)
	if err := e.inv.requireInputs(t1, ribbon); err != nil {
		return "", err
	}

	gmPath, wmPath := e.pvePath(subject, s, 1), e.pvePath(subject, s, 2)
	if !e.inv.fs.Exists(gmPath) || !e.inv.fs.Exists(wmPath) {
		e.log.Info("segmenting", zap.String("subject", string(subject)), zap.Stringer("session", s))
		dir := e.layout.SubjectDir(subject, s)
		if err := e.inv.Invoke(ctx, config.ToolSegmentation, Params{Input: t1}, dir, gmPath, wmPath); err != nil {
			return "", err
		}
	}

	gm, err := nifti.Read(gmPath)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeToolExecution, err, "unreadable grey matter map")
	}
	wm, err := nifti.Read(wmPath)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeToolExecution, err, "unreadable white matter map")
	}
	mask, err := nifti.Read(ribbon)
	if err != nil {
		return "", fmt.Errorf("failed to read brain mask %s: %w", ribbon, err)
	}

	merged, err := MergeSegmentation(gm, wm, mask)
	if err != nil {
		return "", err
	}
	if err := nifti.Write(base, merged); err != nil {
		return "", err
	}
	return base, nil
}

// MergeSegmentation combines single-channel grey and white matter maps into
// a three channel image whose last channel is the remainder 1 - GM - WM.
// Voxels outside the mask (label <= 0) are zero in every channel.
func MergeSegmentation(gm, wm, mask *models.TissueImage) (*models.TissueImage, error) {
	if !gm.Space.SameGrid(wm.Space) || !gm.Space.SameGrid(mask.Space) {
		return nil, fmt.Errorf("segmentation maps and mask are on different grids: %v %v %v",
			gm.Space.Dims, wm.Space.Dims, mask.Space.Dims)
	}

	g, w, m := gm.Channel(0), wm.Channel(0), mask.Channel(0)
	out := models.ZeroImage(gm.Space, models.NumChannels)
	for v := range g {
		if m[v] <= 0 {
			continue
		}
		out.Data.Set(v, int(models.GM), g[v])
		out.Data.Set(v, int(models.WM), w[v])
		out.Data.Set(v, models.NumTracked, 1-g[v]-w[v])
	}
	return out, nil
}

// RibbonEstimator drives the geometry-constrained method, one tool call per
// resolution writing the combined image directly.
type RibbonEstimator struct {
	inv    *Invoker
	layout grid.Layout
}

func (e *RibbonEstimator) Method() models.Method { return models.MethodRibbon }

func (e *RibbonEstimator) Estimate(ctx context.Context, req Request) error {
	s := surfacesOf(e.layout, req.Job)
	if err := e.inv.requireInputs(req.Reference, s.LWS, s.LPS, s.RWS, s.RPS, s.LMS, s.RMS); err != nil {
		return err
	}
	p := Params{
		Ref: req.Reference,
		Out: req.Output,
		Res: FormatMM(float64(req.Job.Resolution)),
		LWS: s.LWS, LPS: s.LPS, RWS: s.RWS, RPS: s.RPS, LMS: s.LMS, RMS: s.RMS,
		Cores: req.Cores,
	}
	return e.inv.Invoke(ctx, config.ToolRibbon, p, "", req.Output)
}
