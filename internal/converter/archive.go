package converter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

var (
	// ErrNoPieces is returned when a fan-out step leaves nothing to bundle.
	ErrNoPieces = errors.New("no output pieces produced")
	// ErrArchiveTooLarge is returned once extraction passes its limits.
	ErrArchiveTooLarge = errors.New("archive exceeds extraction limits")
)

// Extraction defaults applied to zero ExtractLimits fields.
const (
	DefaultExtractBytes   = 2 << 30
	DefaultExtractEntries = 10000
)

// ExtractLimits bounds what ExtractZip writes to disk.
type ExtractLimits struct {
	MaxBytes   int64
	MaxEntries int
}

func (l ExtractLimits) withDefaults() ExtractLimits {
	if l.MaxBytes <= 0 {
		l.MaxBytes = DefaultExtractBytes
	}
	if l.MaxEntries <= 0 {
		l.MaxEntries = DefaultExtractEntries
	}
	return l
}

// BundleDir zips every regular file under dir into zipPath, using paths
// relative to dir. Returns the number of files written.
func BundleDir(dir, zipPath string) (int, error) {
	out, err := os.Create(zipPath)
	if err != nil {
		return 0, fmt.Errorf("create bundle: %w", err)
	}
	zw := zip.NewWriter(out)

	count := 0
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if err := addFile(zw, path, filepath.ToSlash(rel)); err != nil {
			return err
		}
		count++
		return nil
	})
	closeErr := zw.Close()
	if err := out.Close(); err != nil && closeErr == nil {
		closeErr = err
	}

	switch {
	case walkErr != nil:
		_ = os.Remove(zipPath)
		return 0, fmt.Errorf("bundle pieces: %w", walkErr)
	case closeErr != nil:
		_ = os.Remove(zipPath)
		return 0, fmt.Errorf("finish bundle: %w", closeErr)
	case count == 0:
		_ = os.Remove(zipPath)
		return 0, ErrNoPieces
	}
	return count, nil
}

func addFile(zw *zip.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

// ExtractZip unpacks src into dest. Entries resolving outside dest are
// rejected, and extraction stops with ErrArchiveTooLarge once the entry
// count or the decompressed bytes pass limits.
func ExtractZip(src, dest string, limits ExtractLimits) (int, error) {
	limits = limits.withDefaults()
	zr, err := zip.OpenReader(src)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	if len(zr.File) > limits.MaxEntries {
		return 0, fmt.Errorf("%w: %d entries", ErrArchiveTooLarge, len(zr.File))
	}
	root, err := filepath.Abs(dest)
	if err != nil {
		return 0, err
	}
	n := 0
	budget := limits.MaxBytes
	for _, f := range zr.File {
		target := filepath.Join(root, filepath.FromSlash(f.Name))
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return n, fmt.Errorf("archive entry %q escapes destination", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return n, err
			}
			continue
		}
		if !f.Mode().IsRegular() {
			continue
		}
		written, err := extractEntry(f, target, budget)
		if err != nil {
			return n, fmt.Errorf("extract %s: %w", f.Name, err)
		}
		budget -= written
		n++
	}
	return n, nil
}

// extractEntry writes at most budget bytes of f to target.
func extractEntry(f *zip.File, target string, budget int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	rc, err := f.Open()
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	written, err := io.Copy(out, io.LimitReader(rc, budget+1))
	if err != nil {
		out.Close()
		return written, err
	}
	if written > budget {
		out.Close()
		return written, ErrArchiveTooLarge
	}
	return written, out.Close()
}

// ExtractArchive is the in-process counterpart of Unzip.
func (t *Toolchain) ExtractArchive() Op {
	return func(_ context.Context, inv Invocation) error {
		_, err := ExtractZip(inv.Input(), filepath.Join(inv.PiecesDir, inv.BaseName()+"_extracted"), t.Extract)
		return err
	}
}
