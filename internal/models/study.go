package models

import "fmt"

// Session identifies one of the two repeated acquisitions of a subject.
// SessionTest is always the reference for relative differences.
type Session int

const (
	SessionTest Session = iota
	SessionRetest
)

// NumSessions is the number of acquisitions per subject
const NumSessions = 2

// Sessions lists the sessions in reference order
func Sessions() []Session {
	return []Session{SessionTest, SessionRetest}
}

func (s Session) String() string {
	switch s {
	case SessionTest:
		return "test"
	case SessionRetest:
		return "retest"
	}
	return fmt.Sprintf("session(%d)", int(s))
}

// Tissue is a tracked tissue channel of a tissue-fraction image
type Tissue int

const (
	GM Tissue = iota
	WM
)

// NumTracked is the number of tracked tissue channels. Images carry one
// further channel holding the residual ("other") fraction.
const NumTracked = 2

// NumChannels is the channel count of every tissue-fraction image
const NumChannels = 3

// Tissues lists the tracked tissues in channel order
func Tissues() []Tissue {
	return []Tissue{GM, WM}
}

func (t Tissue) String() string {
	switch t {
	case GM:
		return "GM"
	case WM:
		return "WM"
	}
	return fmt.Sprintf("tissue(%d)", int(t))
}

// Method names an estimation procedure
type Method string

const (
	// MethodSurface is the surface-based baseline ("native") method
	MethodSurface Method = "tob"

	// MethodSegmentation is the segmentation-based alternative
	MethodSegmentation Method = "fast"

	// MethodRibbon is the geometry-constrained (ribbon) alternative
	MethodRibbon Method = "rc"
)

// Resolution is an isotropic voxel edge length in mm
type Resolution float64

// Scale returns the physical volume of one voxel (edge length cubed)
func (r Resolution) Scale() float64 {
	v := float64(r)
	return v * v * v
}

// Label formats the resolution the way artifact names encode it
func (r Resolution) Label() string {
	return fmt.Sprintf("%1.1f", float64(r))
}

// Subject is a study participant identifier
type Subject string

// Job is one cell of the evaluation grid: a single method run for one
// subject, session and resolution.
type Job struct {
	Subject    Subject
	Session    Session
	Method     Method
	Resolution Resolution
}

// Key returns a unique, human readable identifier for the job
func (j Job) Key() string {
	return fmt.Sprintf("%s/%s/%s_%s", j.Session, j.Subject, j.Method, j.Resolution.Label())
}

func (j Job) String() string {
	return j.Key()
}
