package subformat

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"sub2mcp/internal/document"
)

type srtWriter struct{}

// Write emits SubRip. Comment events are skipped and override blocks are
// stripped; \N and \n become real newlines, \h becomes a space.
func (srtWriter) Write(w io.Writer, doc *document.Document) error {
	bw := bufio.NewWriter(w)
	n := 0
	doc.Each(func(_ int, ev *document.Event) bool {
		if ev.Comment {
			return true
		}
		n++
		fmt.Fprintf(bw, "%d\n%s --> %s\n%s\n\n",
			n, srtTime(ev.Start), srtTime(ev.End), srtText(ev))
		return true
	})
	return bw.Flush()
}

func srtTime(ms int) string {
	if ms < 0 {
		ms = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d,%03d",
		ms/3600000, (ms/60000)%60, (ms/1000)%60, ms%1000)
}

func srtText(ev *document.Event) string {
	s := ev.StrippedText()
	r := strings.NewReplacer("\\N", "\n", "\\n", "\n", "\\h", " ")
	return r.Replace(s)
}
