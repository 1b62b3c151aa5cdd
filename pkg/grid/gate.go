package grid

import (
	"fmt"

	"pvbench/internal/fsutil"
	"pvbench/internal/models"
)

// Gate is the idempotent cache gate. A job is cached when its artifact
// exists; contents are not inspected, so a truncated artifact counts as done.
type Gate struct {
	fs     fsutil.FileSystem
	layout Layout
}

// NewGate creates a gate over a filesystem
func NewGate(fsys fsutil.FileSystem, layout Layout) *Gate {
	return &Gate{fs: fsys, layout: layout}
}

// Cached reports whether the job's artifact already exists
func (g *Gate) Cached(job models.Job) bool {
	return g.fs.Exists(g.layout.OutputPath(job))
}

// Pending returns the jobs whose artifacts are missing
func (g *Gate) Pending(jobs []models.Job) []models.Job {
	return Filter(jobs, func(j models.Job) bool { return !g.Cached(j) })
}

// Complete reports whether every job is cached
func (g *Gate) Complete(jobs []models.Job) bool {
	for _, j := range jobs {
		if !g.Cached(j) {
			return false
		}
	}
	return true
}

// EnsureOutputDirs creates the processed directory of every subject in jobs
func (g *Gate) EnsureOutputDirs(jobs []models.Job) error {
	done := make(map[string]bool)
	for _, j := range jobs {
		dir := g.layout.OutputDir(j.Subject, j.Session)
		if done[dir] {
			continue
		}
		if err := g.fs.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory %s: %w", dir, err)
		}
		done[dir] = true
	}
	return nil
}
