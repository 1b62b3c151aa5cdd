package tools

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"text/template"

	"go.uber.org/zap"

	"pvbench/internal/apperr"
	"pvbench/internal/fsutil"
	"pvbench/internal/models"
	"pvbench/pkg/config"
)

// Params are the values available to argument templates. Numeric fields
// that end up on a command line are preformatted strings.
type Params struct {
	Input     string
	Ref       string
	Out       string
	OutPrefix string

	Res     string
	OriginX string
	OriginY string
	OriginZ string
	DimX    int
	DimY    int
	DimZ    int

	LWS, LPS, RWS, RPS, LMS, RMS string

	FirstDir   string
	SubjectDir string
	Cores      int
}

// FormatMM formats a length in mm the way the tools expect it
func FormatMM(v float64) string {
	return fmt.Sprintf("%.3f", v)
}

type toolTemplate struct {
	cfg  config.ToolConfig
	args []*template.Template
}

// Invoker renders and runs configured tools
type Invoker struct {
	runner CommandRunner
	fs     fsutil.FileSystem
	log    *zap.Logger
	tools  map[string]toolTemplate
}

// NewInvoker parses the argument templates of every configured tool. A
// template that does not parse is a configuration error.
func NewInvoker(runner CommandRunner, fsys fsutil.FileSystem, tools map[string]config.ToolConfig, log *zap.Logger) (*Invoker, error) {
	inv := &Invoker{runner: runner, fs: fsys, log: log, tools: make(map[string]toolTemplate, len(tools))}
	for name, tc := range tools {
		tt := toolTemplate{cfg: tc}
		for i, a := range tc.Args {
			t, err := template.New(fmt.Sprintf("%s[%d]", name, i)).Option("missingkey=error").Parse(a)
			if err != nil {
				return nil, apperr.Wrap(apperr.CodeConfiguration, err, fmt.Sprintf("tool %s: bad argument template", name))
			}
			tt.args = append(tt.args, t)
		}
		inv.tools[name] = tt
	}
	return inv, nil
}

// Command renders the invocation of a tool
func (inv *Invoker) Command(tool string, p Params, dir string) (Command, error) {
	tt, ok := inv.tools[tool]
	if !ok || tt.cfg.Binary == "" {
		return Command{}, apperr.Configurationf("tool %q is not configured", tool)
	}
	cmd := Command{Tool: tool, Binary: tt.cfg.Binary, Dir: dir, Args: make([]string, 0, len(tt.args))}
	var sb strings.Builder
	for _, t := range tt.args {
		sb.Reset()
		if err := t.Execute(&sb, p); err != nil {
			return Command{}, apperr.Wrap(apperr.CodeConfiguration, err, fmt.Sprintf("tool %s: rendering %s", tool, t.Name()))
		}
		cmd.Args = append(cmd.Args, sb.String())
	}
	return cmd, nil
}

// Invoke runs a tool and checks its outcome. A non-zero exit or an expected
// output that did not appear is a tool execution error; exits listed as
// transient in the tool configuration, deaths by signal and timeouts are
// marked retryable.
func (inv *Invoker) Invoke(ctx context.Context, tool string, p Params, dir string, expected ...string) error {
	cmd, err := inv.Command(tool, p, dir)
	if err != nil {
		return err
	}

	inv.log.Debug("running tool", zap.String("tool", tool), zap.String("cmd", cmd.String()))
	res, err := inv.runner.Run(ctx, cmd)
	if err != nil {
		e := apperr.ToolExecution(cmd.Binary, err)
		e.Transient = errors.Is(ctx.Err(), context.DeadlineExceeded)
		return e
	}

	if res.ExitCode != 0 {
		return &apperr.Error{
			Code:      apperr.CodeToolExecution,
			Message:   fmt.Sprintf("%s exited with code %d", cmd.Binary, res.ExitCode),
			Cause:     fmt.Errorf("stderr: %s", tail(res.Stderr, 512)),
			Transient: res.ExitCode < 0 || transientExit(inv.tools[tool].cfg, res.ExitCode),
		}
	}

	for _, path := range expected {
		if !inv.fs.Exists(path) {
			return apperr.MissingArtifact(cmd.Binary, path)
		}
	}
	inv.log.Debug("tool finished", zap.String("tool", tool), zap.Duration("took", res.Duration))
	return nil
}

func transientExit(tc config.ToolConfig, code int) bool {
	for _, c := range tc.TransientExitCodes {
		if c == code {
			return true
		}
	}
	return false
}

// RequiredTools lists the tools a run with the given configuration invokes
func RequiredTools(cfg *config.Config) []string {
	need := map[string]bool{config.ToolVolumeCreate: true}
	for _, m := range cfg.MethodList() {
		need[config.ToolForMethod(m)] = true
		switch m {
		case models.MethodSurface:
			need[config.ToolSubcortical] = true
		case models.MethodSegmentation:
			need[config.ToolResample] = true
		}
	}
	out := make([]string, 0, len(need))
	for name := range need {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// LookPathFunc resolves a binary name, like exec.LookPath
type LookPathFunc func(file string) (string, error)

// CheckBinaries verifies every required tool is configured and resolvable.
// The first unavailable binary is a configuration error.
func CheckBinaries(cfg *config.Config, look LookPathFunc) error {
	if look == nil {
		look = exec.LookPath
	}
	for _, name := range RequiredTools(cfg) {
		tc, ok := cfg.Tools[name]
		if !ok || tc.Binary == "" {
			return apperr.Configurationf("tool %q is not configured", name)
		}
		if _, err := look(tc.Binary); err != nil {
			return apperr.Wrap(apperr.CodeConfiguration, err, fmt.Sprintf("tool %s: binary %q is not available", name, tc.Binary))
		}
	}
	return nil
}
