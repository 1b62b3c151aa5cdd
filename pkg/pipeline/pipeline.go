// Package pipeline drives a complete evaluation run: tool checks, reference
// grids, per-session artifact production, aggregation and the result store.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"pvbench/internal/apperr"
	"pvbench/internal/fsutil"
	"pvbench/internal/models"
	"pvbench/pkg/aggregation"
	"pvbench/pkg/config"
	"pvbench/pkg/execution"
	"pvbench/pkg/grid"
	"pvbench/pkg/resultstore"
	"pvbench/pkg/tools"
)

// Report describes what a run did
type Report struct {
	Subjects     []models.Subject
	Jobs         int
	CachedBefore int
	CachedAfter  int
	Stages       []execution.Summary
	Aggregation  aggregation.Outcome
	ArtifactPath string
	RunID        string
	Elapsed      time.Duration
}

// Pipeline holds everything one run needs
type Pipeline struct {
	cfg        *config.Config
	log        *zap.Logger
	fs         fsutil.FileSystem
	runner     tools.CommandRunner
	lookPath   tools.LookPathFunc
	layout     grid.Layout
	gate       *grid.Gate
	engine     *execution.Engine
	estimators map[models.Method]tools.Estimator
	references *tools.ReferenceBuilder
	subcort    *tools.SubcorticalSegmenter
}

// Option customises a pipeline
type Option func(*Pipeline)

// WithRunner replaces the process runner used for external tools
func WithRunner(r tools.CommandRunner) Option {
	return func(p *Pipeline) { p.runner = r }
}

// WithFileSystem replaces the filesystem the cache gate inspects
func WithFileSystem(fsys fsutil.FileSystem) Option {
	return func(p *Pipeline) { p.fs = fsys }
}

// WithLookPath replaces the binary lookup of the tool check
func WithLookPath(look tools.LookPathFunc) Option {
	return func(p *Pipeline) { p.lookPath = look }
}

// New validates the configuration and assembles a pipeline
func New(cfg *config.Config, log *zap.Logger, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	p := &Pipeline{
		cfg:    cfg,
		log:    log,
		fs:     fsutil.OSFileSystem{},
		runner: tools.ExecRunner{},
	}
	for _, opt := range opts {
		opt(p)
	}

	inv, err := tools.NewInvoker(p.runner, p.fs, cfg.Tools, log.Named("tools"))
	if err != nil {
		return nil, err
	}

	p.layout = grid.NewLayout(cfg)
	p.gate = grid.NewGate(p.fs, p.layout)
	p.engine = execution.NewEngine(cfg.CPUBudget, log.Named("engine"))
	p.estimators = tools.NewEstimators(inv, p.layout, log.Named("estimate"))
	p.references = tools.NewReferenceBuilder(inv, p.layout, cfg)
	p.subcort = tools.NewSubcorticalSegmenter(inv, p.layout)
	return p, nil
}

// Run produces every missing artifact, then aggregates and stores the
// result. Unit failures during production are reported, not fatal; the
// aggregation decides which cells are usable.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	report, err := p.Produce(ctx)
	if err != nil {
		return report, err
	}

	p.log.Info("Step 5: Aggregating result tensors...")
	if err := p.aggregate(ctx, report); err != nil {
		return report, err
	}
	report.Elapsed = time.Since(start)
	return report, nil
}

// Produce checks the tools, builds the reference grids and runs every
// production stage for both sessions
func (p *Pipeline) Produce(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{}

	p.log.Info("Step 1: Checking external tools...", zap.Int("cpu_budget", p.engine.Capacity()))
	if err := tools.CheckBinaries(p.cfg, p.lookPath); err != nil {
		return report, err
	}

	p.log.Info("Step 2: Enumerating the job grid...")
	jobs, err := p.enumerate(report)
	if err != nil {
		return report, err
	}

	p.log.Info("Step 3: Building reference grids...")
	refs := execution.Run(ctx, p.engine, config.StageReferences, p.cfg.Profile(config.StageReferences),
		p.cfg.ResolutionList(), models.Resolution.Label,
		func(ctx context.Context, r models.Resolution) error {
			return p.references.Build(ctx, r)
		})
	p.record(report, refs)
	if err := ctx.Err(); err != nil {
		return report, err
	}
	// every method writes onto these grids
	if err := refs.Err(); err != nil {
		return report, err
	}

	p.log.Info("Step 4: Producing partial volume estimates...")
	for _, s := range models.Sessions() {
		sessionJobs := grid.Filter(jobs, func(j models.Job) bool { return j.Session == s })
		p.log.Info("session", zap.Stringer("session", s), zap.Int("pending", len(p.gate.Pending(sessionJobs))))

		if err := p.produceSession(ctx, report, sessionJobs); err != nil {
			return report, err
		}
	}

	report.CachedAfter = len(jobs) - len(p.gate.Pending(jobs))
	if report.CachedAfter < report.Jobs {
		p.log.Warn("artifacts still missing after production",
			zap.Int("missing", report.Jobs-report.CachedAfter),
			zap.Int("jobs", report.Jobs))
	}
	report.Elapsed = time.Since(start)
	return report, nil
}

// Aggregate reduces the cached artifacts of the current roster into the
// result store without producing anything
func (p *Pipeline) Aggregate(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{}
	if _, err := p.enumerate(report); err != nil {
		return report, err
	}
	if err := p.aggregate(ctx, report); err != nil {
		return report, err
	}
	report.Elapsed = time.Since(start)
	return report, nil
}

func (p *Pipeline) enumerate(report *Report) ([]models.Job, error) {
	roster := grid.Roster{
		Denylist:    p.cfg.Study.Denylist,
		SkipEntries: p.cfg.Study.SkipEntries,
		MaxSubjects: p.cfg.Study.MaxSubjects,
	}
	subjects, err := grid.DiscoverSubjects(p.fs, p.layout, roster)
	if err != nil {
		return nil, err
	}
	if len(subjects) == 0 {
		return nil, apperr.New(apperr.CodeMissingInput, fmt.Sprintf("no subjects in %s", p.layout.SessionDir(models.SessionTest)))
	}

	jobs, err := grid.Enumerate(p.layout, subjects, p.cfg.ResolutionList(), p.cfg.MethodList(), models.Sessions())
	if err != nil {
		return nil, err
	}

	report.Subjects = subjects
	report.Jobs = len(jobs)
	report.CachedBefore = len(jobs) - len(p.gate.Pending(jobs))
	p.log.Info("job grid",
		zap.Int("subjects", len(subjects)),
		zap.Int("jobs", len(jobs)),
		zap.Int("cached", report.CachedBefore))
	return jobs, nil
}

// stageOrder is the production order within a session, after subcortical
// segmentation
var stageOrder = []models.Method{models.MethodRibbon, models.MethodSegmentation, models.MethodSurface}

func (p *Pipeline) produceSession(ctx context.Context, report *Report, jobs []models.Job) error {
	pending := p.gate.Pending(jobs)
	if len(pending) == 0 {
		return nil
	}
	if err := p.gate.EnsureOutputDirs(pending); err != nil {
		return err
	}

	surface := grid.Filter(pending, func(j models.Job) bool { return j.Method == models.MethodSurface })
	if len(surface) > 0 {
		units := grid.BySubject(surface)
		summary := execution.Run(ctx, p.engine, config.StageSubcortical, p.cfg.Profile(config.StageSubcortical),
			units, grid.Unit.String,
			func(ctx context.Context, u grid.Unit) error {
				return p.subcort.Segment(ctx, u.Subject, u.Session)
			})
		p.record(report, summary)
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	for _, m := range stageOrder {
		est, ok := p.estimators[m]
		if !ok {
			continue
		}
		mjobs := grid.Filter(pending, func(j models.Job) bool { return j.Method == m })
		if len(mjobs) == 0 {
			continue
		}

		stage := config.StageForMethod(m)
		profile := p.cfg.Profile(stage)
		summary := execution.Run(ctx, p.engine, stage, profile, grid.BySubject(mjobs), grid.Unit.String,
			func(ctx context.Context, u grid.Unit) error {
				return p.produceUnit(ctx, est, u, profile.ThreadsPerUnit)
			})
		p.record(report, summary)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// produceUnit estimates a subject's resolutions in ascending order. Jobs
// finished by an earlier attempt are skipped on retry.
func (p *Pipeline) produceUnit(ctx context.Context, est tools.Estimator, u grid.Unit, cores int) error {
	for _, job := range u.Jobs {
		if p.gate.Cached(job) {
			continue
		}
		req := tools.Request{
			Job:       job,
			Reference: p.layout.ReferencePath(job.Resolution),
			Output:    p.layout.OutputPath(job),
			Cores:     cores,
		}
		if err := est.Estimate(ctx, req); err != nil {
			return fmt.Errorf("%s: %w", job.Resolution.Label(), err)
		}
	}
	return nil
}

func (p *Pipeline) record(report *Report, s execution.Summary) {
	s.Log(p.log)
	report.Stages = append(report.Stages, s)
}

func (p *Pipeline) aggregate(ctx context.Context, report *Report) error {
	mode, err := aggregation.ParseLoadMode(p.cfg.Analysis.LoadMode)
	if err != nil {
		return err
	}
	loader := aggregation.NewLoader(p.fs, p.layout, mode)
	builder, err := aggregation.NewBuilder(p.cfg, loader, p.engine, p.log.Named("aggregate"))
	if err != nil {
		return err
	}

	p.log.Info("aggregating",
		zap.Stringer("load_mode", loader.Mode()),
		zap.Int("bins", builder.Histogram().NumBins()),
		zap.Int("subjects", len(report.Subjects)))
	res, outcome, err := builder.Build(ctx, report.Subjects)
	report.Aggregation = outcome
	p.record(report, outcome.Summary)
	if err != nil {
		return err
	}

	p.log.Info("Step 6: Writing result store...", zap.String("path", p.cfg.ResultPath()))
	runID, err := resultstore.Write(ctx, p.cfg.ResultPath(), res)
	if err != nil {
		return fmt.Errorf("failed to write result store: %w", err)
	}
	report.ArtifactPath = p.cfg.ResultPath()
	report.RunID = runID
	p.log.Info("result stored",
		zap.String("run_id", runID),
		zap.Int("cells", outcome.Cells),
		zap.Int("aggregated", outcome.Aggregated),
		zap.Int("failed", len(outcome.Failed)))
	return nil
}
