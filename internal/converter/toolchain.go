package converter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Invocation is what an operation receives. Paths are absolute.
type Invocation struct {
	Inputs []string
	// Output is the single file the operation must produce.
	Output  string
	WorkDir string
	// PiecesDir receives the files of fan-out operations.
	PiecesDir string
	// Keep lists the 1-based pages a page-selection operation retains.
	Keep []int
}

// Input returns the first input, or "" when there is none.
func (inv Invocation) Input() string {
	if len(inv.Inputs) == 0 {
		return ""
	}
	return inv.Inputs[0]
}

// BaseName is the first input's file name without extension.
func (inv Invocation) BaseName() string {
	b := filepath.Base(inv.Input())
	return strings.TrimSuffix(b, filepath.Ext(b))
}

// Op is one conversion operation.
type Op func(ctx context.Context, inv Invocation) error

// Binaries names the programs a Toolchain calls.
type Binaries struct {
	ImageMagick string
	HeifConvert string
	Ghostscript string
	PDFUnite    string
	PDFSeparate string
	PDFInfo     string
	FFmpeg      string
	Unzip       string
}

// DefaultBinaries expects every program on PATH.
func DefaultBinaries() Binaries {
	return Binaries{
		ImageMagick: "convert",
		HeifConvert: "heif-convert",
		Ghostscript: "gs",
		PDFUnite:    "pdfunite",
		PDFSeparate: "pdfseparate",
		PDFInfo:     "pdfinfo",
		FFmpeg:      "ffmpeg",
		Unzip:       "unzip",
	}
}

// Programs lists the configured binaries, for dependency checks.
func (b Binaries) Programs() []string {
	return []string{b.ImageMagick, b.HeifConvert, b.Ghostscript, b.PDFUnite, b.PDFSeparate, b.PDFInfo, b.FFmpeg, b.Unzip}
}

// Toolchain builds operations over external programs and in-process
// libraries.
type Toolchain struct {
	Runner  Runner
	Bin     Binaries
	Extract ExtractLimits
}

func NewToolchain(r Runner, bin Binaries) *Toolchain {
	if r == nil {
		r = ExecRunner{}
	}
	return &Toolchain{Runner: r, Bin: bin}
}

func (t *Toolchain) run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	return t.Runner.Run(ctx, Command{Name: name, Args: args, Dir: dir})
}

// Magick converts the first input: convert <in> <args...> <out>.
func (t *Toolchain) Magick(args ...string) Op {
	return func(ctx context.Context, inv Invocation) error {
		argv := append([]string{inv.Input()}, args...)
		_, err := t.run(ctx, inv.WorkDir, t.Bin.ImageMagick, append(argv, inv.Output)...)
		return err
	}
}

// MagickCombine feeds every input, in order, into one output document.
func (t *Toolchain) MagickCombine(args ...string) Op {
	return func(ctx context.Context, inv Invocation) error {
		argv := append(append([]string{}, inv.Inputs...), args...)
		_, err := t.run(ctx, inv.WorkDir, t.Bin.ImageMagick, append(argv, inv.Output)...)
		return err
	}
}

// MagickFirstPage rasterizes page one of a PDF.
func (t *Toolchain) MagickFirstPage() Op {
	return func(ctx context.Context, inv Invocation) error {
		_, err := t.run(ctx, inv.WorkDir, t.Bin.ImageMagick,
			"-density", "150", inv.Input()+"[0]", "-quality", "90", inv.Output)
		return err
	}
}

func (t *Toolchain) HeifConvert() Op {
	return func(ctx context.Context, inv Invocation) error {
		_, err := t.run(ctx, inv.WorkDir, t.Bin.HeifConvert, inv.Input(), inv.Output)
		return err
	}
}

// GhostscriptCompress rewrites a PDF with the /ebook preset.
func (t *Toolchain) GhostscriptCompress() Op {
	return func(ctx context.Context, inv Invocation) error {
		_, err := t.run(ctx, inv.WorkDir, t.Bin.Ghostscript,
			"-sDEVICE=pdfwrite", "-dCompatibilityLevel=1.4", "-dPDFSETTINGS=/ebook",
			"-dNOPAUSE", "-dQUIET", "-dBATCH", "-sOutputFile="+inv.Output, inv.Input())
		return err
	}
}

func (t *Toolchain) PDFUnite() Op {
	return func(ctx context.Context, inv Invocation) error {
		return t.unite(ctx, inv.WorkDir, inv.Inputs, inv.Output)
	}
}

func (t *Toolchain) GhostscriptMerge() Op {
	return func(ctx context.Context, inv Invocation) error {
		return t.gsMerge(ctx, inv.WorkDir, inv.Inputs, inv.Output)
	}
}

// PDFSeparate writes one PDF per page into the pieces directory.
func (t *Toolchain) PDFSeparate() Op {
	return func(ctx context.Context, inv Invocation) error {
		pattern := filepath.Join(inv.PiecesDir, inv.BaseName()+"-%03d.pdf")
		_, err := t.run(ctx, inv.WorkDir, t.Bin.PDFSeparate, inv.Input(), pattern)
		return err
	}
}

// GhostscriptSplit counts pages, then extracts each one with Ghostscript.
func (t *Toolchain) GhostscriptSplit() Op {
	return func(ctx context.Context, inv Invocation) error {
		n, err := t.PageCount(ctx, inv.Input())
		if err != nil {
			return err
		}
		for p := 1; p <= n; p++ {
			if err := t.gsPage(ctx, inv, p, pagePath(inv.PiecesDir, inv.BaseName(), p)); err != nil {
				return err
			}
		}
		return nil
	}
}

// SelectPagesPoppler separates every page, then unites the kept ones.
func (t *Toolchain) SelectPagesPoppler() Op {
	return func(ctx context.Context, inv Invocation) error {
		dir, err := pagesDir(inv)
		if err != nil {
			return err
		}
		pattern := filepath.Join(dir, inv.BaseName()+"-%03d.pdf")
		if _, err := t.run(ctx, inv.WorkDir, t.Bin.PDFSeparate, inv.Input(), pattern); err != nil {
			return err
		}
		kept := make([]string, 0, len(inv.Keep))
		for _, p := range inv.Keep {
			kept = append(kept, pagePath(dir, inv.BaseName(), p))
		}
		return t.joinPages(ctx, inv, kept, t.unite)
	}
}

// SelectPagesGhostscript extracts each kept page and merges them.
func (t *Toolchain) SelectPagesGhostscript() Op {
	return func(ctx context.Context, inv Invocation) error {
		dir, err := pagesDir(inv)
		if err != nil {
			return err
		}
		kept := make([]string, 0, len(inv.Keep))
		for _, p := range inv.Keep {
			out := pagePath(dir, inv.BaseName(), p)
			if err := t.gsPage(ctx, inv, p, out); err != nil {
				return err
			}
			kept = append(kept, out)
		}
		return t.joinPages(ctx, inv, kept, t.gsMerge)
	}
}

// FFmpeg transcodes the first input: ffmpeg -y -i <in> <args...> <out>.
func (t *Toolchain) FFmpeg(args ...string) Op {
	return func(ctx context.Context, inv Invocation) error {
		argv := append([]string{"-y", "-i", inv.Input()}, args...)
		_, err := t.run(ctx, inv.WorkDir, t.Bin.FFmpeg, append(argv, inv.Output)...)
		return err
	}
}

// Unzip extracts the archive under <base>_extracted in the pieces directory.
func (t *Toolchain) Unzip() Op {
	return func(ctx context.Context, inv Invocation) error {
		dest := filepath.Join(inv.PiecesDir, inv.BaseName()+"_extracted")
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return err
		}
		_, err := t.run(ctx, inv.WorkDir, t.Bin.Unzip, "-o", inv.Input(), "-d", dest)
		return err
	}
}

func (t *Toolchain) unite(ctx context.Context, dir string, inputs []string, out string) error {
	_, err := t.run(ctx, dir, t.Bin.PDFUnite, append(append([]string{}, inputs...), out)...)
	return err
}

func (t *Toolchain) gsMerge(ctx context.Context, dir string, inputs []string, out string) error {
	argv := []string{"-dBATCH", "-dNOPAUSE", "-q", "-sDEVICE=pdfwrite", "-sOutputFile=" + out}
	_, err := t.run(ctx, dir, t.Bin.Ghostscript, append(argv, inputs...)...)
	return err
}

func (t *Toolchain) gsPage(ctx context.Context, inv Invocation, page int, out string) error {
	_, err := t.run(ctx, inv.WorkDir, t.Bin.Ghostscript,
		"-dBATCH", "-dNOPAUSE", "-q", "-sDEVICE=pdfwrite",
		fmt.Sprintf("-dFirstPage=%d", page), fmt.Sprintf("-dLastPage=%d", page),
		"-sOutputFile="+out, inv.Input())
	return err
}

// joinPages merges page files into the output. A single kept page is
// already the whole document and is copied without running a merge.
func (t *Toolchain) joinPages(ctx context.Context, inv Invocation, pages []string,
	merge func(context.Context, string, []string, string) error) error {
	switch len(pages) {
	case 0:
		return errors.New("no pages to write")
	case 1:
		return copyFile(pages[0], inv.Output)
	default:
		return merge(ctx, inv.WorkDir, pages, inv.Output)
	}
}

func pagesDir(inv Invocation) (string, error) {
	dir, err := os.MkdirTemp(inv.WorkDir, "pages-")
	if err != nil {
		return "", fmt.Errorf("create pages dir: %w", err)
	}
	return dir, nil
}

func pagePath(dir, base string, page int) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%03d.pdf", base, page))
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
