package config

import (
	"math"
	"path/filepath"

	"pvbench/internal/apperr"
	"pvbench/internal/models"
)

// Validate checks the configuration for values no pipeline run could use.
// Every failure is a configuration error and therefore fatal.
func (c *Config) Validate() error {
	if c.Study.Root == "" {
		return apperr.Configuration("study root is not set")
	}
	if len(c.Study.SessionDirs) != models.NumSessions {
		return apperr.Configurationf("expected %d session directories, got %d",
			models.NumSessions, len(c.Study.SessionDirs))
	}
	if c.Study.SessionDirs[0] == c.Study.SessionDirs[1] {
		return apperr.Configurationf("session directories must differ, both are %q", c.Study.SessionDirs[0])
	}
	if c.Study.MaxSubjects < 0 {
		return apperr.Configurationf("maxSubjects must not be negative, got %d", c.Study.MaxSubjects)
	}

	if len(c.Resolutions) == 0 {
		return apperr.Configuration("no resolutions configured")
	}
	for i, r := range c.Resolutions {
		if r <= 0 {
			return apperr.Configurationf("resolution %v is not positive", r)
		}
		if i > 0 && r <= c.Resolutions[i-1] {
			return apperr.Configurationf("resolutions must be strictly ascending (%v after %v)", r, c.Resolutions[i-1])
		}
	}

	if len(c.Methods.Enabled) == 0 {
		return apperr.Configuration("no methods enabled")
	}
	seen := make(map[string]bool)
	for _, m := range c.Methods.Enabled {
		if !knownMethod(models.Method(m)) {
			return apperr.Configurationf("unknown method %q", m)
		}
		if seen[m] {
			return apperr.Configurationf("method %q listed twice", m)
		}
		seen[m] = true
	}
	if c.Methods.Enabled[0] != string(models.MethodSurface) {
		return apperr.Configurationf("the baseline method %q must be listed first", models.MethodSurface)
	}
	if c.Methods.Comparison != "" && !seen[c.Methods.Comparison] {
		return apperr.Configurationf("comparison method %q is not enabled", c.Methods.Comparison)
	}
	if c.Methods.Comparison == string(models.MethodSurface) {
		return apperr.Configuration("comparison method must differ from the baseline")
	}

	w := c.Analysis.BinWidth
	if w <= 0 || w > 1 {
		return apperr.Configurationf("bin width %v outside (0, 1]", w)
	}
	if n := 1 / w; math.Abs(n-math.Round(n)) > 1e-9 {
		return apperr.Configurationf("bin width %v does not divide [0, 1] evenly", w)
	}
	if c.Analysis.LoadMode != LoadStrict && c.Analysis.LoadMode != LoadSilent {
		return apperr.Configurationf("load mode must be %q or %q, got %q", LoadStrict, LoadSilent, c.Analysis.LoadMode)
	}
	if _, err := c.WeightTissues(); err != nil {
		return err
	}

	if c.CPUBudget < 1 {
		return apperr.Configurationf("cpu budget must be at least 1, got %d", c.CPUBudget)
	}
	for name, p := range c.Stages {
		if p.MaxParallel < 1 {
			return apperr.Configurationf("stage %s: maxParallel must be at least 1", name)
		}
		if p.ThreadsPerUnit < 1 {
			return apperr.Configurationf("stage %s: threadsPerUnit must be at least 1", name)
		}
		if p.Retries < 0 || p.Timeout < 0 {
			return apperr.Configurationf("stage %s: retries and timeout must not be negative", name)
		}
	}

	for _, m := range c.MethodList() {
		tool := ToolForMethod(m)
		if t, ok := c.Tools[tool]; !ok || t.Binary == "" {
			return apperr.Configurationf("method %s needs tool %q which is not configured", m, tool)
		}
	}

	return nil
}

func knownMethod(m models.Method) bool {
	switch m {
	case models.MethodSurface, models.MethodSegmentation, models.MethodRibbon:
		return true
	}
	return false
}

// ToolForMethod returns the tool key that produces a method's artifacts
func ToolForMethod(m models.Method) string {
	switch m {
	case models.MethodSurface:
		return ToolSurface
	case models.MethodSegmentation:
		return ToolSegmentation
	case models.MethodRibbon:
		return ToolRibbon
	}
	return ""
}

// StageForMethod returns the production stage of a method
func StageForMethod(m models.Method) string {
	switch m {
	case models.MethodSurface:
		return StageSurface
	case models.MethodSegmentation:
		return StageSegmentation
	case models.MethodRibbon:
		return StageRibbon
	}
	return ""
}

// ResolutionList returns the configured resolutions as typed values
func (c *Config) ResolutionList() []models.Resolution {
	out := make([]models.Resolution, len(c.Resolutions))
	for i, r := range c.Resolutions {
		out[i] = models.Resolution(r)
	}
	return out
}

// Finest returns the smallest configured resolution
func (c *Config) Finest() models.Resolution {
	return models.Resolution(c.Resolutions[0])
}

// MethodList returns the enabled methods in tensor axis order
func (c *Config) MethodList() []models.Method {
	out := make([]models.Method, len(c.Methods.Enabled))
	for i, m := range c.Methods.Enabled {
		out[i] = models.Method(m)
	}
	return out
}

// Baseline returns the baseline method
func (c *Config) Baseline() models.Method {
	return models.Method(c.Methods.Enabled[0])
}

// AllStructures returns the measured structures including the cortical aggregate
func (c *Config) AllStructures() []string {
	out := append([]string(nil), c.Analysis.Structures...)
	if c.Analysis.CortexStructure != "" {
		out = append(out, c.Analysis.CortexStructure)
	}
	return out
}

// WeightTissues resolves the tissues summed for subject weights
func (c *Config) WeightTissues() ([]models.Tissue, error) {
	if len(c.Analysis.WeightTissues) == 0 {
		return models.Tissues(), nil
	}
	var out []models.Tissue
	for _, name := range c.Analysis.WeightTissues {
		switch name {
		case "GM":
			out = append(out, models.GM)
		case "WM":
			out = append(out, models.WM)
		default:
			return nil, apperr.Configurationf("unknown weight tissue %q", name)
		}
	}
	return out, nil
}

// Profile returns the resource profile of a stage. Stages without a profile
// run sequentially.
func (c *Config) Profile(stage string) StageProfile {
	p, ok := c.Stages[stage]
	if !ok {
		return StageProfile{MaxParallel: 1, ThreadsPerUnit: 1, DurationClass: DurationShort}
	}
	if p.MaxParallel < 1 {
		p.MaxParallel = 1
	}
	if p.ThreadsPerUnit < 1 {
		p.ThreadsPerUnit = 1
	}
	return p
}

// ResultPath returns the absolute path of the exchange artifact
func (c *Config) ResultPath() string {
	if filepath.IsAbs(c.Output.ResultFile) {
		return c.Output.ResultFile
	}
	return filepath.Join(c.Study.Root, c.Output.ResultFile)
}
