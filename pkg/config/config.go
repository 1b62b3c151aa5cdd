// Package config provides configuration loading and management for pvbench.
// It handles loading configuration from YAML files, overlays environment
// variables and provides default values.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"pvbench/internal/apperr"
	"pvbench/internal/models"
)

// Stage names used as keys of Config.Stages
const (
	StageReferences   = "references"
	StageSubcortical  = "subcortical"
	StageRibbon       = "ribbon"
	StageSegmentation = "segmentation"
	StageSurface      = "surface"
	StageAggregation  = "aggregation"
)

// Tool names used as keys of Config.Tools
const (
	ToolVolumeCreate = "volumeCreate"
	ToolResample     = "resample"
	ToolSurface      = "surface"
	ToolSegmentation = "segmentation"
	ToolRibbon       = "ribbon"
	ToolSubcortical  = "subcortical"
)

// Load modes for cached artifacts
const (
	LoadStrict = "strict"
	LoadSilent = "silent"
)

// Duration classes of a stage profile
const (
	DurationShort    = "short"
	DurationLong     = "long"
	DurationVeryLong = "very_long"
)

// ToolConfig describes how to invoke one external command. Args are
// text/template strings rendered per invocation.
type ToolConfig struct {
	Binary string   `yaml:"binary"`
	Args   []string `yaml:"args"`

	// TransientExitCodes lists exit codes worth retrying
	TransientExitCodes []int `yaml:"transientExitCodes,omitempty"`
}

// StageProfile is the declarative resource profile of a pipeline stage
type StageProfile struct {
	// MaxParallel is the number of units the stage runs at once (1 = sequential)
	MaxParallel int `yaml:"maxParallel"`

	// ThreadsPerUnit is the CPU share one unit draws from the global budget
	ThreadsPerUnit int `yaml:"threadsPerUnit"`

	// DurationClass documents the expected runtime of one unit
	DurationClass string `yaml:"durationClass"`

	// Timeout bounds one unit of work; zero disables the timeout
	Timeout time.Duration `yaml:"timeout"`

	// Retries is the number of extra attempts after a transient tool failure
	Retries int `yaml:"retries"`
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Study layout and roster discovery
	Study struct {
		// Root is the directory holding the session directories and refs
		Root string `yaml:"root"`

		// SessionDirs names the directory of each session, reference session first
		SessionDirs []string `yaml:"sessionDirs"`

		// RefsDir is the shared directory of reference grids
		RefsDir string `yaml:"refsDir"`

		// SubjectSubdir is the per-subject directory holding the structural inputs
		SubjectSubdir string `yaml:"subjectSubdir"`

		// ProcessedDir is the output directory created inside SubjectSubdir
		ProcessedDir string `yaml:"processedDir"`

		// T1Name is the file name stem of the brain-extracted structural image
		T1Name string `yaml:"t1Name"`

		// Denylist excludes subjects from the roster
		Denylist []string `yaml:"denylist"`

		// SkipEntries are directory entries (glob patterns) that are never subjects
		SkipEntries []string `yaml:"skipEntries"`

		// MaxSubjects caps the roster; zero means no cap
		MaxSubjects int `yaml:"maxSubjects"`
	} `yaml:"study"`

	// Resolutions is the ascending sequence of voxel edge lengths in mm
	Resolutions []float64 `yaml:"resolutions"`

	// Reference grid construction parameters
	Reference struct {
		// Origin is the world position of voxel (0,0,0)
		Origin [3]float64 `yaml:"origin"`

		// FieldOfView is the physical extent of the grid in mm
		FieldOfView [3]float64 `yaml:"fieldOfView"`
	} `yaml:"reference"`

	// Methods selects the estimation procedures under comparison
	Methods struct {
		// Enabled lists methods in tensor axis order; the baseline comes first
		Enabled []string `yaml:"enabled"`

		// Comparison is the method subtracted from the baseline in the
		// voxel-wise difference histogram
		Comparison string `yaml:"comparison"`
	} `yaml:"methods"`

	// Tools maps tool names to their invocation
	Tools map[string]ToolConfig `yaml:"tools"`

	// Stages maps stage names to resource profiles
	Stages map[string]StageProfile `yaml:"stages"`

	// CPUBudget bounds the summed threads of all concurrently running units
	CPUBudget int `yaml:"cpuBudget"`

	// Analysis parameters
	Analysis struct {
		// BinWidth is the width of the reference tissue-fraction bins
		BinWidth float64 `yaml:"binWidth"`

		// Structures lists the named anatomical structures to measure
		Structures []string `yaml:"structures"`

		// CortexStructure is the synthetic cortical aggregate appended to Structures
		CortexStructure string `yaml:"cortexStructure"`

		// LoadMode is "strict" or "silent" (missing artifacts become zeros)
		LoadMode string `yaml:"loadMode"`

		// WeightTissues are summed to form each subject's brain-volume weight
		WeightTissues []string `yaml:"weightTissues"`
	} `yaml:"analysis"`

	// Output parameters
	Output struct {
		// ResultFile is the exchange artifact path, relative to the study root
		// unless absolute
		ResultFile string `yaml:"resultFile"`

		// LogLevel controls the level of logging output
		LogLevel string `yaml:"logLevel"`
	} `yaml:"output"`
}

// DefaultStructures are the subcortical structures measured per subject
var DefaultStructures = []string{
	"L_Accu", "L_Amyg", "L_Caud", "L_Hipp", "L_Pall", "L_Puta", "L_Thal",
	"R_Accu", "R_Amyg", "R_Caud", "R_Hipp", "R_Pall", "R_Puta", "R_Thal",
	"BrStem",
}

// DefaultResolutions returns 0.7mm followed by 1.0mm to 3.8mm in 0.4mm steps
func DefaultResolutions() []float64 {
	res := []float64{0.7}
	for i := 0; i < 8; i++ {
		res = append(res, math.Round((1.0+0.4*float64(i))*10)/10)
	}
	return res
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Study.SessionDirs = []string{"test", "retest"}
	cfg.Study.RefsDir = "refs"
	cfg.Study.SubjectSubdir = "T1w"
	cfg.Study.ProcessedDir = "processed"
	cfg.Study.T1Name = "T1w_acpc_dc_restore_brain"
	cfg.Study.SkipEntries = []string{"refs", "fast", "*.zip"}
	cfg.Study.MaxSubjects = 45

	cfg.Resolutions = DefaultResolutions()

	cfg.Reference.Origin = [3]float64{90, -126, -72}
	cfg.Reference.FieldOfView = [3]float64{260 * 0.7, 311 * 0.7, 260 * 0.7}

	cfg.Methods.Enabled = []string{
		string(models.MethodSurface),
		string(models.MethodSegmentation),
		string(models.MethodRibbon),
	}
	cfg.Methods.Comparison = string(models.MethodSegmentation)

	cfg.Tools = map[string]ToolConfig{
		ToolVolumeCreate: {
			Binary: "wb_command",
			Args: []string{"-volume-create", "{{.DimX}}", "{{.DimY}}", "{{.DimZ}}", "{{.Out}}",
				"-sform", "-{{.Res}}", "0", "0", "{{.OriginX}}",
				"0", "{{.Res}}", "0", "{{.OriginY}}",
				"0", "0", "{{.Res}}", "{{.OriginZ}}"},
		},
		ToolResample: {
			Binary: "wb_command",
			Args:   []string{"-volume-resample", "{{.Input}}", "{{.Ref}}", "TRILINEAR", "{{.Out}}"},
		},
		ToolSubcortical: {
			Binary: "run_first_all",
			Args:   []string{"-i", "{{.Input}}", "-o", "{{.OutPrefix}}"},
		},
		ToolSegmentation: {
			Binary: "fast",
			Args:   []string{"-N", "{{.Input}}"},
		},
		ToolSurface: {
			Binary: "toblerone",
			Args: []string{"-estimate-all", "-ref", "{{.Ref}}", "-struct2ref", "I",
				"-LWS", "{{.LWS}}", "-LPS", "{{.LPS}}", "-RWS", "{{.RWS}}", "-RPS", "{{.RPS}}",
				"-firstdir", "{{.FirstDir}}", "-fastdir", "{{.SubjectDir}}", "-struct", "{{.Input}}",
				"-out", "{{.OutPrefix}}", "-cores", "{{.Cores}}"},
		},
		ToolRibbon: {
			Binary: "rc_estimate",
			Args: []string{"-LWS", "{{.LWS}}", "-LPS", "{{.LPS}}", "-RWS", "{{.RWS}}", "-RPS", "{{.RPS}}",
				"-LMS", "{{.LMS}}", "-RMS", "{{.RMS}}", "-ref", "{{.Ref}}", "-vox", "{{.Res}}", "-out", "{{.Out}}"},
		},
	}

	cores := runtime.NumCPU()
	cfg.CPUBudget = cores
	cfg.Stages = map[string]StageProfile{
		StageReferences:   {MaxParallel: 1, ThreadsPerUnit: 1, DurationClass: DurationShort, Timeout: 10 * time.Minute},
		StageSubcortical:  {MaxParallel: 8, ThreadsPerUnit: 1, DurationClass: DurationLong, Timeout: 2 * time.Hour, Retries: 1},
		StageRibbon:       {MaxParallel: 1, ThreadsPerUnit: 1, DurationClass: DurationVeryLong, Timeout: 6 * time.Hour},
		StageSegmentation: {MaxParallel: 8, ThreadsPerUnit: 1, DurationClass: DurationLong, Timeout: 2 * time.Hour, Retries: 1},
		StageSurface:      {MaxParallel: 3, ThreadsPerUnit: 8, DurationClass: DurationVeryLong, Timeout: 6 * time.Hour},
		StageAggregation:  {MaxParallel: cores, ThreadsPerUnit: 1, DurationClass: DurationShort},
	}

	cfg.Analysis.BinWidth = 0.05
	cfg.Analysis.Structures = append([]string(nil), DefaultStructures...)
	cfg.Analysis.CortexStructure = "cortex_GM"
	cfg.Analysis.LoadMode = LoadStrict
	cfg.Analysis.WeightTissues = []string{"GM", "WM"}

	cfg.Output.ResultFile = "HCP_data.db"
	cfg.Output.LogLevel = "info"

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath == "" {
		return cfg, nil
	}

	// Check if config file exists
	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, apperr.Wrap(apperr.CodeConfiguration, err, "error parsing config file")
	}

	return cfg, nil
}

// LoadEnvFile loads a .env file into the process environment. A missing file
// is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("error loading %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides configuration values from PVBENCH_* environment variables
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("PVBENCH_ROOT"); v != "" {
		c.Study.Root = v
	}
	if v := os.Getenv("PVBENCH_RESULT_FILE"); v != "" {
		c.Output.ResultFile = v
	}
	if v := os.Getenv("PVBENCH_LOG_LEVEL"); v != "" {
		c.Output.LogLevel = v
	}
	if v := os.Getenv("PVBENCH_MAX_SUBJECTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return apperr.Configurationf("PVBENCH_MAX_SUBJECTS=%q is not an integer", v)
		}
		c.Study.MaxSubjects = n
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
