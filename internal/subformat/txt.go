package subformat

import (
	"bufio"
	"fmt"
	"io"

	"sub2mcp/internal/document"
)

type txtWriter struct{}

// Write emits plain text, one event per line, prefixed with the actor name
// when set. Comment events are prefixed with "# ".
func (txtWriter) Write(w io.Writer, doc *document.Document) error {
	bw := bufio.NewWriter(w)
	doc.Each(func(_ int, ev *document.Event) bool {
		if ev.Comment {
			fmt.Fprint(bw, "# ")
		}
		if ev.Actor != "" {
			fmt.Fprintf(bw, "%s: ", ev.Actor)
		}
		fmt.Fprintln(bw, srtText(ev))
		return true
	})
	return bw.Flush()
}
