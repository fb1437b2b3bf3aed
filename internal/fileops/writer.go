// Package fileops applies plan file operations to a filesystem and renders
// diffs of their effect.
package fileops

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/fyrsmithlabs/agentd/internal/orchestrator"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// ErrOutsideRoot is returned for paths that escape the project root.
var ErrOutsideRoot = errors.New("path escapes project root")

// Writer implements orchestrator.FileWriter over an afero filesystem.
// Paths are relative to the writer's root; writes go through a temp file
// and rename.
type Writer struct {
	fs     afero.Fs
	root   string
	logger *zap.Logger
}

// NewWriter returns a Writer confined to root on fs.
func NewWriter(fs afero.Fs, root string, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if root == "" {
		root = "."
	}
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return &Writer{
		fs:     afero.NewBasePathFs(fs, root),
		root:   root,
		logger: logger.Named("fileops"),
	}
}

// NewOSWriter returns a Writer on the host filesystem.
func NewOSWriter(root string, logger *zap.Logger) *Writer {
	return NewWriter(afero.NewOsFs(), root, logger)
}

// Root returns the directory paths are resolved against.
func (w *Writer) Root() string {
	return w.root
}

// clean normalizes a plan path and rejects anything outside the root.
func clean(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	slashed := filepath.ToSlash(p)
	if path.IsAbs(slashed) || filepath.IsAbs(p) {
		return "", fmt.Errorf("%s: %w", p, ErrOutsideRoot)
	}
	c := path.Clean(slashed)
	if c == ".." || strings.HasPrefix(c, "../") || c == "." {
		return "", fmt.Errorf("%s: %w", p, ErrOutsideRoot)
	}
	return "/" + c, nil
}

// Read returns the content of p and whether it exists.
func (w *Writer) Read(ctx context.Context, p string) (string, bool, error) {
	name, err := clean(p)
	if err != nil {
		return "", false, err
	}
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	content, existed, _, err := w.read(name)
	return content, existed, err
}

// read returns the content and permission bits of name.
func (w *Writer) read(name string) (string, bool, os.FileMode, error) {
	info, err := w.fs.Stat(name)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, 0, nil
	}
	if err != nil {
		return "", false, 0, fmt.Errorf("stat %s: %w", name, err)
	}
	if info.IsDir() {
		return "", false, 0, fmt.Errorf("%s is a directory", name)
	}
	data, err := afero.ReadFile(w.fs, name)
	if err != nil {
		return "", false, 0, fmt.Errorf("read %s: %w", name, err)
	}
	return string(data), true, info.Mode().Perm(), nil
}

// Write applies op. The snapshot is taken before any mutation and returned
// even when the write fails.
func (w *Writer) Write(ctx context.Context, op orchestrator.FileOperation, content string) (*orchestrator.Snapshot, error) {
	src, err := clean(op.Path)
	if err != nil {
		return nil, err
	}
	var dst string
	if op.Type.IsRelocation() {
		if dst, err = clean(op.NewPath); err != nil {
			return nil, err
		}
	}

	snap := &orchestrator.Snapshot{}
	if snap.Content, snap.Existed, snap.Mode, err = w.read(src); err != nil {
		return nil, err
	}
	if dst != "" {
		if snap.TargetContent, snap.TargetExisted, snap.TargetMode, err = w.read(dst); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return snap, err
	}

	switch op.Type {
	case orchestrator.OpCreate, orchestrator.OpModify:
		err = w.put(src, content, snap.Mode)
	case orchestrator.OpDelete:
		if !snap.Existed {
			return snap, fmt.Errorf("delete %s: %w", op.Path, os.ErrNotExist)
		}
		err = w.fs.Remove(src)
	case orchestrator.OpRename, orchestrator.OpMove:
		if !snap.Existed {
			return snap, fmt.Errorf("%s %s: %w", op.Type, op.Path, os.ErrNotExist)
		}
		err = w.relocate(src, dst)
	default:
		err = fmt.Errorf("unsupported operation %q", op.Type)
	}
	if err != nil {
		return snap, err
	}

	w.logger.Debug("file operation applied",
		zap.String("operation", string(op.Type)),
		zap.String("path", op.Path),
		zap.String("new_path", op.NewPath))
	return snap, nil
}

// Restore puts every path op touched back into the state held in snap.
func (w *Writer) Restore(ctx context.Context, op orchestrator.FileOperation, snap orchestrator.Snapshot) error {
	src, err := clean(op.Path)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if op.Type.IsRelocation() {
		dst, err := clean(op.NewPath)
		if err != nil {
			return err
		}
		if err := w.reset(dst, snap.TargetExisted, snap.TargetContent, snap.TargetMode); err != nil {
			return err
		}
	}
	if err := w.reset(src, snap.Existed, snap.Content, snap.Mode); err != nil {
		return err
	}

	w.logger.Debug("file operation restored",
		zap.String("operation", string(op.Type)),
		zap.String("path", op.Path))
	return nil
}

func (w *Writer) reset(name string, existed bool, content string, mode os.FileMode) error {
	if existed {
		return w.put(name, content, mode)
	}
	if err := w.fs.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

// put writes content to a temp file beside name and renames it over name.
// A zero mode writes a new file with the default permissions.
func (w *Writer) put(name, content string, mode os.FileMode) error {
	if mode == 0 {
		mode = filePerm
	}
	dir := path.Dir(name)
	if err := w.fs.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(w.fs, dir, "."+path.Base(name)+".tmp-")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", name, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		_ = w.fs.Remove(tmpName)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = w.fs.Remove(tmpName)
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := w.fs.Chmod(tmpName, mode); err != nil {
		_ = w.fs.Remove(tmpName)
		return fmt.Errorf("chmod %s: %w", name, err)
	}
	if err := w.fs.Rename(tmpName, name); err != nil {
		_ = w.fs.Remove(tmpName)
		return fmt.Errorf("rename into %s: %w", name, err)
	}
	return nil
}

func (w *Writer) relocate(src, dst string) error {
	dir := path.Dir(dst)
	if err := w.fs.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	if err := w.fs.Rename(src, dst); err != nil {
		return fmt.Errorf("rename %s to %s: %w", src, dst, err)
	}
	return nil
}

var _ orchestrator.FileWriter = (*Writer)(nil)
