package filetype

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
)

// sniffLen matches mimetype's default read limit.
const sniffLen = 3072

// FileTypeInfo contains detected file type information
type FileTypeInfo struct {
	MIMEType  string
	Extension string
}

// Sniff detects the type of a stream from its magic bytes. The returned
// reader yields the full original stream.
func Sniff(r io.Reader) (*FileTypeInfo, io.Reader, error) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("failed to read upload header: %w", err)
	}
	head = head[:n]

	mtype := mimetype.Detect(head)
	info := &FileTypeInfo{MIMEType: mtype.String(), Extension: mtype.Extension()}
	log.Debug().Str("mime", info.MIMEType).Str("ext", info.Extension).Msg("detected file type")

	return info, io.MultiReader(bytes.NewReader(head), r), nil
}

// Extension returns the lowercased extension of name, or one sniffed from
// the content when name has none.
func Extension(name string, r io.Reader) (string, io.Reader, error) {
	if ext := strings.ToLower(filepath.Ext(name)); ext != "" {
		return ext, r, nil
	}
	info, body, err := Sniff(r)
	if err != nil {
		return "", nil, err
	}
	return info.Extension, body, nil
}
