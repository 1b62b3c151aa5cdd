// Package aggregation folds the cached per-job images back into the result
// tensors: total tissue volumes, voxel-wise error summaries binned by the
// baseline tissue fraction, and per-structure volumes.
package aggregation

import (
	"fmt"

	"pvbench/internal/apperr"
	"pvbench/internal/fsutil"
	"pvbench/internal/models"
	"pvbench/pkg/config"
	"pvbench/pkg/grid"
	"pvbench/pkg/nifti"
)

// LoadMode selects what happens when a cached image cannot be loaded
type LoadMode int

const (
	// Strict fails: an absent image is a missing input, an unreadable one a
	// cache inconsistency
	Strict LoadMode = iota

	// Silent substitutes a zero-filled image shaped like the reference grid
	Silent
)

func (m LoadMode) String() string {
	if m == Silent {
		return config.LoadSilent
	}
	return config.LoadStrict
}

// ParseLoadMode parses the configuration spelling of a load mode
func ParseLoadMode(s string) (LoadMode, error) {
	switch s {
	case config.LoadStrict, "":
		return Strict, nil
	case config.LoadSilent:
		return Silent, nil
	}
	return Strict, apperr.Configurationf("unknown load mode %q", s)
}

// Loader reads cached images of the job grid
type Loader struct {
	fs     fsutil.FileSystem
	layout grid.Layout
	mode   LoadMode
}

// NewLoader creates a loader
func NewLoader(fsys fsutil.FileSystem, layout grid.Layout, mode LoadMode) *Loader {
	return &Loader{fs: fsys, layout: layout, mode: mode}
}

// Mode returns the loader's mode
func (l *Loader) Mode() LoadMode {
	return l.mode
}

// Load returns the tissue-fraction image of a job
func (l *Loader) Load(job models.Job) (*models.TissueImage, error) {
	img, err := l.read(l.layout.OutputPath(job), models.NumTracked)
	if err == nil {
		return img, nil
	}
	if l.mode == Strict {
		return nil, err
	}
	return l.zero(job.Resolution, models.NumChannels)
}

// LoadStructure returns the baseline image of one named structure
func (l *Loader) LoadStructure(subject models.Subject, s models.Session, structure string, r models.Resolution) (*models.TissueImage, error) {
	img, err := l.read(l.layout.StructurePath(subject, s, structure, r), 1)
	if err == nil {
		return img, nil
	}
	if l.mode == Strict {
		return nil, err
	}
	return l.zero(r, 1)
}

func (l *Loader) read(path string, minChannels int) (*models.TissueImage, error) {
	if !l.fs.Exists(path) {
		return nil, apperr.MissingInput(path)
	}
	img, err := nifti.Read(path)
	if err != nil {
		return nil, apperr.CacheInconsistency(path, err)
	}
	if img.NumChannels() < minChannels {
		return nil, apperr.CacheInconsistency(path,
			fmt.Errorf("%d channels, need at least %d", img.NumChannels(), minChannels))
	}
	return img, nil
}

// zero shapes an empty image from the reference grid of r
func (l *Loader) zero(r models.Resolution, channels int) (*models.TissueImage, error) {
	ref := l.layout.ReferencePath(r)
	info, err := nifti.ReadInfo(ref)
	if err != nil {
		return nil, fmt.Errorf("cannot shape a zero image without reference %s: %w", ref, err)
	}
	return models.ZeroImage(info.Space, channels), nil
}
