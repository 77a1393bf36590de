package converter

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/rs/zerolog/log"
)

// ErrPageCountUnavailable means neither pdfcpu nor pdfinfo produced a
// positive page count.
var ErrPageCountUnavailable = errors.New("unable to determine page count")

var pdfinfoPages = regexp.MustCompile(`(?i)Pages:\s+(\d+)`)

// PageCount reads the page count in-process with pdfcpu and falls back to
// parsing pdfinfo output.
func (t *Toolchain) PageCount(ctx context.Context, path string) (int, error) {
	n, err := api.PageCountFile(path)
	if err == nil && n > 0 {
		return n, nil
	}
	log.Debug().Err(err).Str("file", path).Msg("pdfcpu page count failed, trying pdfinfo")

	out, runErr := t.run(ctx, "", t.Bin.PDFInfo, path)
	if runErr != nil {
		return 0, fmt.Errorf("%w: %v", ErrPageCountUnavailable, runErr)
	}
	n = parsePdfinfoPages(out)
	if n <= 0 {
		return 0, ErrPageCountUnavailable
	}
	return n, nil
}

func parsePdfinfoPages(out []byte) int {
	m := pdfinfoPages.FindSubmatch(out)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return 0
	}
	return n
}
