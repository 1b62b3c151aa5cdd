// Package grid enumerates the evaluation grid and decides which of its cells
// still need work. The on-disk layout defined here is the pipeline's only
// persistent state.
package grid

import (
	"fmt"
	"path/filepath"
	"strings"

	"pvbench/internal/models"
	"pvbench/pkg/config"
)

// ImageExt is the extension of every image artifact
const ImageExt = ".nii.gz"

// Layout maps grid coordinates to paths under the study root
type Layout struct {
	Root          string
	SessionDirs   [models.NumSessions]string
	RefsDir       string
	SubjectSubdir string
	ProcessedDir  string
	T1Name        string
	Baseline      models.Method
}

// NewLayout derives the layout from configuration
func NewLayout(cfg *config.Config) Layout {
	l := Layout{
		Root:          cfg.Study.Root,
		RefsDir:       cfg.Study.RefsDir,
		SubjectSubdir: cfg.Study.SubjectSubdir,
		ProcessedDir:  cfg.Study.ProcessedDir,
		T1Name:        cfg.Study.T1Name,
		Baseline:      cfg.Baseline(),
	}
	copy(l.SessionDirs[:], cfg.Study.SessionDirs)
	return l
}

// SessionDir returns the directory holding all subjects of a session
func (l Layout) SessionDir(s models.Session) string {
	return filepath.Join(l.Root, l.SessionDirs[s])
}

// SubjectDir returns the structural input directory of a subject
func (l Layout) SubjectDir(subject models.Subject, s models.Session) string {
	return filepath.Join(l.SessionDir(s), string(subject), l.SubjectSubdir)
}

// OutputDir returns the processed output directory of a subject
func (l Layout) OutputDir(subject models.Subject, s models.Session) string {
	return filepath.Join(l.SubjectDir(subject, s), l.ProcessedDir)
}

// ReferencePath returns the reference grid of a resolution
func (l Layout) ReferencePath(r models.Resolution) string {
	return filepath.Join(l.Root, l.RefsDir, fmt.Sprintf("ref_%s%s", r.Label(), ImageExt))
}

// OutputPath returns the artifact of a job: <method>_<resolution> inside the
// subject's processed directory. It depends on nothing but the job.
func (l Layout) OutputPath(job models.Job) string {
	return filepath.Join(l.OutputDir(job.Subject, job.Session),
		fmt.Sprintf("%s_%s%s", job.Method, job.Resolution.Label(), ImageExt))
}

// IntermediatePath returns a per-key intermediate artifact of a job, e.g.
// tob_all_GM_1.0 or tob_L_Thal_0.7.
func (l Layout) IntermediatePath(job models.Job, key string) string {
	return filepath.Join(l.OutputDir(job.Subject, job.Session),
		fmt.Sprintf("%s_%s_%s%s", job.Method, key, job.Resolution.Label(), ImageExt))
}

// StructurePath returns the baseline method's image of one named structure
func (l Layout) StructurePath(subject models.Subject, s models.Session, structure string, r models.Resolution) string {
	job := models.Job{Subject: subject, Session: s, Method: l.Baseline, Resolution: r}
	return l.IntermediatePath(job, structure)
}

// T1Path returns the brain-extracted structural image of a subject
func (l Layout) T1Path(subject models.Subject, s models.Session) string {
	return filepath.Join(l.SubjectDir(subject, s), l.T1Name+ImageExt)
}

// HeadPath returns the structural image before brain extraction, the input
// of subcortical segmentation
func (l Layout) HeadPath(subject models.Subject, s models.Session) string {
	return filepath.Join(l.SubjectDir(subject, s), l.headName()+ImageExt)
}

func (l Layout) headName() string {
	return strings.TrimSuffix(l.T1Name, "_brain")
}

// FirstDir returns the subcortical segmentation output directory
func (l Layout) FirstDir(subject models.Subject, s models.Session) string {
	return filepath.Join(l.OutputDir(subject, s), "first")
}

// FirstMarker returns the last file the subcortical segmentation writes;
// its presence means the segmentation completed.
func (l Layout) FirstMarker(subject models.Subject, s models.Session) string {
	return filepath.Join(l.FirstDir(subject, s), l.headName()+"-BrStem_first.vtk")
}

// RibbonPath returns the cortical ribbon label image used as a brain mask
func (l Layout) RibbonPath(subject models.Subject, s models.Session) string {
	return filepath.Join(l.SubjectDir(subject, s), "ribbon"+ImageExt)
}

// SurfacePath returns a native-space surface, e.g. hemi "L" and kind "white"
func (l Layout) SurfacePath(subject models.Subject, s models.Session, hemi, kind string) string {
	return filepath.Join(l.SubjectDir(subject, s), "Native",
		fmt.Sprintf("%s.%s.%s.native.surf.gii", subject, hemi, kind))
}
