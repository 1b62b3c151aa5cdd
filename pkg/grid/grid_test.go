package grid

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pvbench/internal/apperr"
	"pvbench/internal/fsutil"
	"pvbench/internal/models"
	"pvbench/pkg/config"
)

func testLayout(t *testing.T) Layout {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Study.Root = t.TempDir()
	return NewLayout(cfg)
}

func mkdirs(t *testing.T, paths ...string) {
	t.Helper()
	for _, p := range paths {
		require.NoError(t, os.MkdirAll(p, 0755))
	}
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
}

func TestDiscoverSubjects(t *testing.T) {
	layout := testLayout(t)
	test := layout.SessionDir(models.SessionTest)
	mkdirs(t,
		filepath.Join(test, "211316"),
		filepath.Join(test, "103818"),
		filepath.Join(test, "105923"),
		filepath.Join(test, "refs"),
		filepath.Join(test, "fast"),
		filepath.Join(test, "bad_subject"),
	)
	touch(t, filepath.Join(test, "103818.zip"))
	touch(t, filepath.Join(test, "notes.txt"))

	got, err := DiscoverSubjects(fsutil.OSFileSystem{}, layout, Roster{
		Denylist:    []string{"bad_subject"},
		SkipEntries: []string{"refs", "fast", "*.zip"},
	})
	require.NoError(t, err)

	want := []models.Subject{"103818", "105923", "211316"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("roster mismatch (-want +got):\n%s", diff)
	}

	capped, err := DiscoverSubjects(fsutil.OSFileSystem{}, layout, Roster{
		Denylist:    []string{"bad_subject"},
		SkipEntries: []string{"refs", "fast", "*.zip"},
		MaxSubjects: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, []models.Subject{"103818", "105923"}, capped)
}

func TestDiscoverSubjectsMissingRoot(t *testing.T) {
	layout := testLayout(t)
	_, err := DiscoverSubjects(fsutil.OSFileSystem{}, layout, Roster{})
	assert.True(t, apperr.Is(err, apperr.CodeMissingInput))
}

func TestEnumerateCoversGrid(t *testing.T) {
	layout := testLayout(t)
	subjects := []models.Subject{"a", "b"}
	res := []models.Resolution{0.7, 1.0, 1.4}
	methods := []models.Method{models.MethodSurface, models.MethodSegmentation, models.MethodRibbon}

	jobs, err := Enumerate(layout, subjects, res, methods, models.Sessions())
	require.NoError(t, err)
	assert.Len(t, jobs, 2*3*3*2)

	paths := make(map[string]bool)
	for _, j := range jobs {
		p := layout.OutputPath(j)
		assert.False(t, paths[p], "duplicate path %s", p)
		paths[p] = true
		assert.Equal(t, p, layout.OutputPath(j), "path must be a pure function of the job")
	}

	first := jobs[0]
	assert.Equal(t, models.Job{Subject: "a", Session: models.SessionTest, Method: models.MethodSurface, Resolution: 0.7}, first)
	assert.Equal(t,
		filepath.Join(layout.Root, "test", "a", "T1w", "processed", "tob_0.7.nii.gz"),
		layout.OutputPath(first))
}

func TestEnumerateRejectsCollidingPaths(t *testing.T) {
	layout := testLayout(t)
	// 1.00 and 1.04 share the label "1.0"
	_, err := Enumerate(layout, []models.Subject{"a"}, []models.Resolution{1.0, 1.04},
		[]models.Method{models.MethodRibbon}, models.Sessions())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeConfiguration))
}

func TestGatePendingAndDirs(t *testing.T) {
	layout := testLayout(t)
	jobs, err := Enumerate(layout, []models.Subject{"a"}, []models.Resolution{1.0, 2.0},
		[]models.Method{models.MethodRibbon}, []models.Session{models.SessionTest})
	require.NoError(t, err)

	gate := NewGate(fsutil.OSFileSystem{}, layout)
	require.NoError(t, gate.EnsureOutputDirs(jobs))
	require.NoError(t, gate.EnsureOutputDirs(jobs), "re-creating directories is idempotent")
	assert.DirExists(t, layout.OutputDir("a", models.SessionTest))

	assert.Equal(t, jobs, gate.Pending(jobs))
	assert.False(t, gate.Complete(jobs))

	// any file counts, even a truncated one
	touch(t, layout.OutputPath(jobs[0]))
	assert.True(t, gate.Cached(jobs[0]))
	assert.Equal(t, jobs[1:], gate.Pending(jobs))

	touch(t, layout.OutputPath(jobs[1]))
	assert.Empty(t, gate.Pending(jobs))
	assert.True(t, gate.Complete(jobs))
}

func TestBySubjectGroupsUnits(t *testing.T) {
	layout := testLayout(t)
	jobs, err := Enumerate(layout, []models.Subject{"a", "b"}, []models.Resolution{1.0, 2.0},
		[]models.Method{models.MethodRibbon}, models.Sessions())
	require.NoError(t, err)

	units := BySubject(jobs)
	require.Len(t, units, 4)
	assert.Equal(t, "test/a", units[0].String())
	assert.Equal(t, "retest/b", units[3].String())
	for _, u := range units {
		assert.Len(t, u.Jobs, 2)
	}
}
