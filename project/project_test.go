package project

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeProjectID_Deterministic(t *testing.T) {
	dir := t.TempDir()

	first, err := ComputeProjectID("alice", dir)
	require.NoError(t, err)
	second, err := ComputeProjectID("alice", dir)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first, idLength)
}

func TestComputeProjectID_PathSpellings(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "repo")
	require.NoError(t, os.Mkdir(sub, 0755))

	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(sub, link))

	want, err := ComputeProjectID("alice", sub)
	require.NoError(t, err)

	tests := []struct {
		name string
		path string
	}{
		{"trailing slash", sub + string(filepath.Separator)},
		{"dot segments", filepath.Join(sub, ".", "..", "repo")},
		{"symlink", link},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ComputeProjectID("alice", tt.path)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestComputeProjectID_Distinct(t *testing.T) {
	root := t.TempDir()
	seen := make(map[string]string)

	for _, name := range []string{"a", "b", "c", "ab", "a-b", "a_b"} {
		dir := filepath.Join(root, name)
		require.NoError(t, os.Mkdir(dir, 0755))
		id, err := ComputeProjectID("alice", dir)
		require.NoError(t, err)
		if prev, ok := seen[id]; ok {
			t.Fatalf("id collision between %s and %s", prev, dir)
		}
		seen[id] = dir
	}

	a, err := ComputeProjectID("alice", root)
	require.NoError(t, err)
	b, err := ComputeProjectID("bob", root)
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "owners must not share ids")
}

func TestComputeProjectID_InvalidPath(t *testing.T) {
	_, err := ComputeProjectID("alice", filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, ErrInvalidPath)

	_, err = ComputeProjectID("alice", "")
	assert.ErrorIs(t, err, ErrInvalidPath)

	file := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	_, err = ComputeProjectID("alice", file)
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	dataRoot := t.TempDir()

	id, err := Resolve("alice", dir, dataRoot)
	require.NoError(t, err)

	again, err := Resolve("alice", dir, dataRoot)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, filepath.Join(dataRoot, "projects", id.ProjectID), id.DataDir)
	assert.True(t, filepath.IsAbs(id.AbsolutePath))
}
