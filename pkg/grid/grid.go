package grid

import (
	"fmt"
	"path/filepath"
	"sort"

	"pvbench/internal/apperr"
	"pvbench/internal/fsutil"
	"pvbench/internal/models"
)

// Roster describes how subjects are discovered
type Roster struct {
	// Denylist excludes subjects by identifier
	Denylist []string

	// SkipEntries are glob patterns of directory entries that are never subjects
	SkipEntries []string

	// MaxSubjects caps the roster; zero means no cap
	MaxSubjects int
}

// DiscoverSubjects lists the reference session directory and returns the
// sorted subject identifiers. Only directories count; skip patterns and the
// denylist are applied before the cap.
func DiscoverSubjects(fsys fsutil.FileSystem, layout Layout, roster Roster) ([]models.Subject, error) {
	dir := layout.SessionDir(models.SessionTest)
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		if fsutil.IsNotExist(err) {
			return nil, apperr.MissingInput(dir)
		}
		return nil, fmt.Errorf("failed to list subjects in %s: %w", dir, err)
	}

	deny := make(map[string]bool, len(roster.Denylist))
	for _, d := range roster.Denylist {
		deny[d] = true
	}

	var subjects []models.Subject
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || deny[name] || skipped(name, roster.SkipEntries) {
			continue
		}
		subjects = append(subjects, models.Subject(name))
	}

	sort.Slice(subjects, func(i, j int) bool { return subjects[i] < subjects[j] })

	if roster.MaxSubjects > 0 && len(subjects) > roster.MaxSubjects {
		subjects = subjects[:roster.MaxSubjects]
	}
	return subjects, nil
}

func skipped(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

// Enumerate builds the full job grid in a deterministic order: session,
// subject, method, resolution. Two jobs sharing an output path is an error.
func Enumerate(layout Layout, subjects []models.Subject, resolutions []models.Resolution,
	methods []models.Method, sessions []models.Session) ([]models.Job, error) {

	jobs := make([]models.Job, 0, len(subjects)*len(resolutions)*len(methods)*len(sessions))
	owners := make(map[string]models.Job, cap(jobs))

	for _, s := range sessions {
		for _, subject := range subjects {
			for _, m := range methods {
				for _, r := range resolutions {
					job := models.Job{Subject: subject, Session: s, Method: m, Resolution: r}
					path := layout.OutputPath(job)
					if prev, dup := owners[path]; dup {
						return nil, apperr.Configurationf("jobs %s and %s share output %s", prev, job, path)
					}
					owners[path] = job
					jobs = append(jobs, job)
				}
			}
		}
	}
	return jobs, nil
}

// Filter returns the jobs matching a predicate
func Filter(jobs []models.Job, keep func(models.Job) bool) []models.Job {
	var out []models.Job
	for _, j := range jobs {
		if keep(j) {
			out = append(out, j)
		}
	}
	return out
}

// BySubject groups jobs into per-(session, subject) units preserving order
func BySubject(jobs []models.Job) []Unit {
	var units []Unit
	index := make(map[unitKey]int)
	for _, j := range jobs {
		k := unitKey{j.Session, j.Subject}
		i, ok := index[k]
		if !ok {
			i = len(units)
			index[k] = i
			units = append(units, Unit{Session: j.Session, Subject: j.Subject})
		}
		units[i].Jobs = append(units[i].Jobs, j)
	}
	return units
}

type unitKey struct {
	session models.Session
	subject models.Subject
}

// Unit is one subject's worth of work within a session
type Unit struct {
	Session models.Session
	Subject models.Subject
	Jobs    []models.Job
}

func (u Unit) String() string {
	return fmt.Sprintf("%s/%s", u.Session, u.Subject)
}
