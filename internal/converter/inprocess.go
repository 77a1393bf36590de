package converter

import (
	"context"
	"fmt"
	"image/jpeg"
	"os"

	"github.com/gen2brain/go-fitz"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/rs/zerolog/log"
)

// OptimizePDF rewrites a PDF with pdfcpu's optimizer.
func (t *Toolchain) OptimizePDF() Op {
	return func(_ context.Context, inv Invocation) error {
		if err := api.OptimizeFile(inv.Input(), inv.Output, nil); err != nil {
			return fmt.Errorf("pdfcpu optimize: %w", err)
		}
		return nil
	}
}

// RenderFirstPage rasterizes page one with MuPDF at 150 DPI.
func (t *Toolchain) RenderFirstPage() Op {
	return func(_ context.Context, inv Invocation) error {
		return renderPageJPEG(inv.Input(), inv.Output, 0, 150, 90)
	}
}

func renderPageJPEG(pdfPath, outPath string, page int, dpi float64, quality int) error {
	doc, err := fitz.New(pdfPath)
	if err != nil {
		return fmt.Errorf("failed to open PDF: %w", err)
	}
	defer doc.Close()

	img, err := doc.ImageDPI(page, dpi)
	if err != nil {
		return fmt.Errorf("failed to render page %d: %w", page+1, err)
	}

	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(out, img, &jpeg.Options{Quality: quality}); err != nil {
		out.Close()
		return fmt.Errorf("failed to encode JPEG: %w", err)
	}
	b := img.Bounds()
	log.Debug().Int("width", b.Dx()).Int("height", b.Dy()).Float64("dpi", dpi).Msg("Rendered page to JPEG")
	return out.Close()
}
