package fileops

import (
	"context"
	"os"
	"testing"

	"github.com/fyrsmithlabs/agentd/internal/orchestrator"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const root = "/project"

func newTestWriter(t *testing.T, files map[string]string) (*Writer, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	for name, content := range files {
		require.NoError(t, afero.WriteFile(fs, root+"/"+name, []byte(content), 0o644))
	}
	return NewWriter(fs, root, zaptest.NewLogger(t)), fs
}

func readFile(t *testing.T, fs afero.Fs, name string) (string, bool) {
	t.Helper()
	data, err := afero.ReadFile(fs, root+"/"+name)
	if os.IsNotExist(err) {
		return "", false
	}
	require.NoError(t, err)
	return string(data), true
}

func TestWriter_Read(t *testing.T) {
	w, _ := newTestWriter(t, map[string]string{"pkg/a.go": "package pkg\n"})
	ctx := context.Background()

	content, ok, err := w.Read(ctx, "pkg/a.go")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "package pkg\n", content)

	_, ok, err = w.Read(ctx, "pkg/missing.go")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = w.Read(ctx, "pkg")
	assert.ErrorContains(t, err, "is a directory")
}

func TestWriter_RejectsPathsOutsideRoot(t *testing.T) {
	w, _ := newTestWriter(t, nil)
	ctx := context.Background()

	for _, p := range []string{"../etc/passwd", "/etc/passwd", "a/../../b", ".", ""} {
		_, _, err := w.Read(ctx, p)
		assert.Error(t, err, p)

		_, err = w.Write(ctx, orchestrator.FileOperation{Type: orchestrator.OpCreate, Path: p}, "x")
		assert.Error(t, err, p)
	}

	_, err := w.Write(ctx, orchestrator.FileOperation{Type: orchestrator.OpRename, Path: "a.go", NewPath: "../b.go"}, "")
	assert.ErrorIs(t, err, ErrOutsideRoot)
}

func TestWriter_CreateAndRestore(t *testing.T) {
	w, fs := newTestWriter(t, nil)
	ctx := context.Background()
	op := orchestrator.FileOperation{Type: orchestrator.OpCreate, Path: "internal/new/file.go"}

	snap, err := w.Write(ctx, op, "package new\n")
	require.NoError(t, err)
	assert.False(t, snap.Existed)

	content, ok := readFile(t, fs, "internal/new/file.go")
	require.True(t, ok)
	assert.Equal(t, "package new\n", content)

	entries, err := afero.ReadDir(fs, root+"/internal/new")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file cleaned up")

	require.NoError(t, w.Restore(ctx, op, *snap))
	_, ok = readFile(t, fs, "internal/new/file.go")
	assert.False(t, ok)
}

func TestWriter_ModifyRestoresByteExact(t *testing.T) {
	original := "line1\r\nline2\n\x00tail"
	w, fs := newTestWriter(t, map[string]string{"a.txt": original})
	ctx := context.Background()
	op := orchestrator.FileOperation{Type: orchestrator.OpModify, Path: "a.txt"}

	snap, err := w.Write(ctx, op, "replaced")
	require.NoError(t, err)
	assert.True(t, snap.Existed)
	assert.Equal(t, original, snap.Content)

	content, _ := readFile(t, fs, "a.txt")
	assert.Equal(t, "replaced", content)

	require.NoError(t, w.Restore(ctx, op, *snap))
	content, _ = readFile(t, fs, "a.txt")
	assert.Equal(t, original, content)
}

func TestWriter_PreservesFileMode(t *testing.T) {
	w, fs := newTestWriter(t, nil)
	require.NoError(t, afero.WriteFile(fs, root+"/run.sh", []byte("#!/bin/sh\n"), 0o755))
	ctx := context.Background()
	mode := func(name string) os.FileMode {
		info, err := fs.Stat(root + "/" + name)
		require.NoError(t, err)
		return info.Mode().Perm()
	}

	modify := orchestrator.FileOperation{Type: orchestrator.OpModify, Path: "run.sh"}
	snap, err := w.Write(ctx, modify, "#!/bin/sh\necho hi\n")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), snap.Mode)
	assert.Equal(t, os.FileMode(0o755), mode("run.sh"))

	remove := orchestrator.FileOperation{Type: orchestrator.OpDelete, Path: "run.sh"}
	delSnap, err := w.Write(ctx, remove, "")
	require.NoError(t, err)
	require.NoError(t, w.Restore(ctx, remove, *delSnap))
	assert.Equal(t, os.FileMode(0o755), mode("run.sh"))

	_, err = w.Write(ctx, orchestrator.FileOperation{Type: orchestrator.OpCreate, Path: "new.go"}, "package x\n")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), mode("new.go"))
}

func TestWriter_DeleteAndRestore(t *testing.T) {
	w, fs := newTestWriter(t, map[string]string{"old.go": "package old\n"})
	ctx := context.Background()
	op := orchestrator.FileOperation{Type: orchestrator.OpDelete, Path: "old.go"}

	snap, err := w.Write(ctx, op, "")
	require.NoError(t, err)
	_, ok := readFile(t, fs, "old.go")
	assert.False(t, ok)

	require.NoError(t, w.Restore(ctx, op, *snap))
	content, ok := readFile(t, fs, "old.go")
	assert.True(t, ok)
	assert.Equal(t, "package old\n", content)

	snap, err = w.Write(ctx, orchestrator.FileOperation{Type: orchestrator.OpDelete, Path: "gone.go"}, "")
	assert.ErrorIs(t, err, os.ErrNotExist)
	require.NotNil(t, snap, "snapshot returned on failure")
	assert.False(t, snap.Existed)
}

func TestWriter_RelocationRestoresBothPaths(t *testing.T) {
	w, fs := newTestWriter(t, map[string]string{
		"src/a.go": "package a\n",
		"dst/a.go": "existing target\n",
	})
	ctx := context.Background()
	op := orchestrator.FileOperation{Type: orchestrator.OpMove, Path: "src/a.go", NewPath: "dst/a.go"}

	snap, err := w.Write(ctx, op, "")
	require.NoError(t, err)
	assert.True(t, snap.TargetExisted)
	assert.Equal(t, "existing target\n", snap.TargetContent)

	_, ok := readFile(t, fs, "src/a.go")
	assert.False(t, ok)
	moved, _ := readFile(t, fs, "dst/a.go")
	assert.Equal(t, "package a\n", moved)

	require.NoError(t, w.Restore(ctx, op, *snap))
	src, _ := readFile(t, fs, "src/a.go")
	dst, _ := readFile(t, fs, "dst/a.go")
	assert.Equal(t, "package a\n", src)
	assert.Equal(t, "existing target\n", dst)
}

func TestWriter_RenameIntoNewDirectory(t *testing.T) {
	w, fs := newTestWriter(t, map[string]string{"a.go": "package a\n"})
	ctx := context.Background()
	op := orchestrator.FileOperation{Type: orchestrator.OpRename, Path: "a.go", NewPath: "nested/b.go"}

	snap, err := w.Write(ctx, op, "")
	require.NoError(t, err)
	assert.False(t, snap.TargetExisted)

	require.NoError(t, w.Restore(ctx, op, *snap))
	_, ok := readFile(t, fs, "nested/b.go")
	assert.False(t, ok)
	_, ok = readFile(t, fs, "a.go")
	assert.True(t, ok)
}

func TestWriter_CancelledContext(t *testing.T) {
	w, fs := newTestWriter(t, map[string]string{"a.go": "keep\n"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	snap, err := w.Write(ctx, orchestrator.FileOperation{Type: orchestrator.OpModify, Path: "a.go"}, "lost")
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, snap)
	content, _ := readFile(t, fs, "a.go")
	assert.Equal(t, "keep\n", content)
}
