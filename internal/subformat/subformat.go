// Package subformat serializes documents to subtitle file formats. The ASS
// writer is lossless (styles, script info, extradata); SRT and TXT are lossy
// exports. Format selection is by file extension.
package subformat

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"sub2mcp/internal/document"
)

// Writer serializes a document to one subtitle format.
type Writer interface {
	Write(w io.Writer, doc *document.Document) error
}

var writers = map[string]Writer{
	".ass": assWriter{},
	".srt": srtWriter{},
	".txt": txtWriter{},
}

// ForFilename resolves a writer by the path's extension.
func ForFilename(path string) (Writer, error) {
	ext := strings.ToLower(filepath.Ext(path))
	w, ok := writers[ext]
	if !ok {
		return nil, fmt.Errorf("unsupported subtitle format: %q", ext)
	}
	return w, nil
}

// Extensions lists the supported extensions, for error messages and docs.
func Extensions() []string {
	return []string{".ass", ".srt", ".txt"}
}
