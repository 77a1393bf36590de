package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrInvalidName is returned for references that could escape their root.
var ErrInvalidName = errors.New("invalid file name")

// Mirror receives a copy of every finalized artifact.
type Mirror interface {
	Upload(ctx context.Context, name, path string) error
}

// Layout owns the input, output and work roots on local disk.
type Layout struct {
	inputRoot  string
	outputRoot string
	workRoot   string
	mirror     Mirror
}

// NewLayout creates the roots if needed. An empty workRoot defaults to a
// hidden directory inside the output root so finalizing is a rename.
func NewLayout(inputRoot, outputRoot, workRoot string, mirror Mirror) (*Layout, error) {
	if workRoot == "" {
		workRoot = filepath.Join(outputRoot, ".work")
	}
	for _, dir := range []string{inputRoot, outputRoot, workRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir %s: %w", dir, err)
		}
	}
	return &Layout{inputRoot: inputRoot, outputRoot: outputRoot, workRoot: workRoot, mirror: mirror}, nil
}

func (l *Layout) InputRoot() string  { return l.inputRoot }
func (l *Layout) OutputRoot() string { return l.outputRoot }
func (l *Layout) WorkRoot() string   { return l.workRoot }

// StageInput persists an upload as <uuid><ext> and returns the reference.
// Bytes land in a hidden temp file first, so a partial upload never
// resolves through InputPath.
func (l *Layout) StageInput(r io.Reader, ext string) (string, error) {
	ext = normalizeExt(ext)
	tmp, err := os.CreateTemp(l.inputRoot, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create staging file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write staged input: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close staged input: %w", err)
	}

	ref := uuid.NewString() + ext
	if err := os.Rename(tmp.Name(), filepath.Join(l.inputRoot, ref)); err != nil {
		return "", fmt.Errorf("publish staged input: %w", err)
	}
	return ref, nil
}

// InputPath resolves a staged reference to an absolute path.
func (l *Layout) InputPath(ref string) (string, error) {
	return resolve(l.inputRoot, ref)
}

// OutputPath resolves an artifact name to an absolute path.
func (l *Layout) OutputPath(name string) (string, error) {
	return resolve(l.outputRoot, name)
}

// Exists reports whether the named artifact is present in the output root.
func (l *Layout) Exists(name string) bool {
	p, err := l.OutputPath(name)
	if err != nil {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// RemoveInputs deletes staged inputs. Missing files are ignored.
func (l *Layout) RemoveInputs(refs []string) {
	for _, ref := range refs {
		p, err := l.InputPath(ref)
		if err != nil {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("input", ref).Msg("Failed to remove staged input")
		}
	}
}

// NewWorkDir creates a per-attempt scratch directory <base>-<uuid>.
func (l *Layout) NewWorkDir(base string) (string, error) {
	base = strings.TrimSuffix(filepath.Base(base), filepath.Ext(base))
	base = strings.TrimLeft(base, ".")
	if base == "" {
		base = "job"
	}
	dir := filepath.Join(l.workRoot, base+"-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return dir, nil
	}
	return abs, nil
}

// Finalize moves a finished file into the output root under a fresh
// <uuid><ext> name and returns that name. An existing artifact is never
// overwritten.
func (l *Layout) Finalize(ctx context.Context, localPath string) (string, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return "", fmt.Errorf("stat output: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("output %s is not a regular file", localPath)
	}

	name := uuid.NewString() + normalizeExt(filepath.Ext(localPath))
	dst := filepath.Join(l.outputRoot, name)
	if _, err := os.Stat(dst); err == nil {
		return "", fmt.Errorf("output %s already exists", name)
	}
	if err := os.Rename(localPath, dst); err != nil {
		// work root on another filesystem
		if err := copyFile(localPath, dst); err != nil {
			return "", fmt.Errorf("finalize output: %w", err)
		}
		_ = os.Remove(localPath)
	}

	if l.mirror != nil {
		if err := l.mirror.Upload(ctx, name, dst); err != nil {
			log.Warn().Err(err).Str("output", name).Msg("Output mirror upload failed")
		}
	}
	return name, nil
}

// SweepWorkDirs removes work directories untouched for longer than maxAge
// and returns how many were removed.
func (l *Layout) SweepWorkDirs(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(l.workRoot)
	if err != nil {
		return 0, fmt.Errorf("read work root: %w", err)
	}
	now := time.Now()
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < maxAge {
			continue
		}
		if err := os.RemoveAll(filepath.Join(l.workRoot, e.Name())); err != nil {
			log.Warn().Err(err).Str("dir", e.Name()).Msg("Failed to remove orphaned work dir")
			continue
		}
		removed++
	}
	return removed, nil
}

func resolve(root, name string) (string, error) {
	if !validName(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	abs, err := filepath.Abs(filepath.Join(root, name))
	if err != nil {
		return "", err
	}
	return abs, nil
}

func validName(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && !strings.ContainsRune(name, 0)
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	if strings.ContainsAny(ext[1:], `./\`) || len(ext) > 16 {
		return ""
	}
	return ext
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}
