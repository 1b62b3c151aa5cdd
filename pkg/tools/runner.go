// Package tools wraps the external command-line programs that produce
// tissue-fraction images. Nothing here estimates anything: adapters render
// argument templates, run commands and check that outputs appeared.
package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Command is one fully rendered external invocation
type Command struct {
	// Tool is the configuration key the command was rendered from
	Tool   string
	Binary string
	Args   []string

	// Dir is the working directory; empty means the current directory
	Dir string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Binary + " " + strings.Join(c.Args, " "))
}

// Result is the observed outcome of a command that ran to completion
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// CommandRunner runs external commands. Run returns an error only when the
// command could not be started or was cancelled; a non-zero exit is
// reported through Result.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExecRunner runs commands as child processes in their own process group so
// that cancellation kills the whole tree, not only the direct child.
type ExecRunner struct{}

// Run starts the command and waits for it or for ctx
func (ExecRunner) Run(ctx context.Context, c Command) (Result, error) {
	cmd := exec.Command(c.Binary, c.Args...)
	cmd.Dir = c.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("failed to start %s: %w", c.Binary, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var err error
	select {
	case <-ctx.Done():
		// negative pid signals the process group
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		return Result{}, fmt.Errorf("%s cancelled: %w", c.Binary, ctx.Err())
	case err = <-done:
	}

	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), Duration: time.Since(start)}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return res, fmt.Errorf("failed to execute %s: %w", c.Binary, err)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	return res, nil
}

// tail returns the last n bytes of b as a trimmed string
func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.TrimSpace(string(b))
}
