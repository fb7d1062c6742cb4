package subformat

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"sub2mcp/internal/document"
)

type assWriter struct{}

const styleFormat = "Format: Name, Fontname, Fontsize, PrimaryColour, SecondaryColour, OutlineColour, BackColour, Bold, Italic, Underline, StrikeOut, ScaleX, ScaleY, Spacing, Angle, BorderStyle, Outline, Shadow, Alignment, MarginL, MarginR, MarginV, Encoding"

const eventFormat = "Format: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text"

func (assWriter) Write(w io.Writer, doc *document.Document) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintln(bw, "[Script Info]")
	for _, e := range doc.ScriptInfo() {
		fmt.Fprintf(bw, "%s: %s\n", e.Key, e.Value)
	}
	fmt.Fprintln(bw)

	fmt.Fprintln(bw, "[V4+ Styles]")
	fmt.Fprintln(bw, styleFormat)
	for _, s := range doc.Styles() {
		fmt.Fprintln(bw, styleLine(s))
	}
	fmt.Fprintln(bw)

	if extra := doc.AllExtradata(); len(extra) > 0 {
		fmt.Fprintln(bw, "[Aegisub Extradata]")
		for _, e := range extra {
			fmt.Fprintf(bw, "Data: %d,%s,e%s\n", e.ID, inlineEncode(e.Key), inlineEncode(e.Value))
		}
		fmt.Fprintln(bw)
	}

	fmt.Fprintln(bw, "[Events]")
	fmt.Fprintln(bw, eventFormat)
	doc.Each(func(_ int, ev *document.Event) bool {
		fmt.Fprintln(bw, dialogueLine(ev))
		return true
	})
	return bw.Flush()
}

func styleLine(s *document.Style) string {
	return fmt.Sprintf("Style: %s,%s,%s,%s,%s,%s,%s,%d,%d,%d,%d,%s,%s,%s,%s,%d,%s,%s,%d,%d,%d,%d,%d",
		s.Name, s.FontName, trimFloat(s.FontSize),
		s.Primary, s.Secondary, s.Outline, s.Shadow,
		assBool(s.Bold), assBool(s.Italic), assBool(s.Underline), assBool(s.StrikeOut),
		trimFloat(s.ScaleX), trimFloat(s.ScaleY), trimFloat(s.Spacing), trimFloat(s.Angle),
		s.BorderStyle, trimFloat(s.OutlineW), trimFloat(s.ShadowW),
		s.Alignment, s.Margin[0], s.Margin[1], s.Margin[2], s.Encoding)
}

func dialogueLine(ev *document.Event) string {
	kind := "Dialogue"
	if ev.Comment {
		kind = "Comment"
	}
	text := ev.Text
	if len(ev.Extradata) > 0 {
		var b strings.Builder
		b.WriteString("{")
		for _, id := range ev.Extradata {
			fmt.Fprintf(&b, "=%d", id)
		}
		b.WriteString("}")
		b.WriteString(text)
		text = b.String()
	}
	return fmt.Sprintf("%s: %d,%s,%s,%s,%s,%d,%d,%d,%s,%s",
		kind, ev.Layer, FormatTime(ev.Start), FormatTime(ev.End),
		ev.Style, ev.Actor, ev.Margin[0], ev.Margin[1], ev.Margin[2], ev.Effect, text)
}

func assBool(v bool) int {
	if v {
		return -1
	}
	return 0
}

func trimFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// FormatTime renders milliseconds as H:MM:SS.CC, truncating to centiseconds.
func FormatTime(ms int) string {
	if ms < 0 {
		ms = 0
	}
	cs := ms / 10
	return fmt.Sprintf("%d:%02d:%02d.%02d", cs/360000, (cs/6000)%60, (cs/100)%60, cs%100)
}

// ParseTime reads H:MM:SS.CC (or MM:SS.CC) into milliseconds.
func ParseTime(s string) (int, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("bad timestamp: %q", s)
	}
	total := 0
	for _, p := range parts[:len(parts)-1] {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return 0, fmt.Errorf("bad timestamp: %q", s)
		}
		total = total*60 + n
	}
	sec, err := strconv.ParseFloat(strings.TrimSpace(parts[len(parts)-1]), 64)
	if err != nil {
		return 0, fmt.Errorf("bad timestamp: %q", s)
	}
	return total*60*1000 + int(sec*1000+0.5), nil
}

func inlineEncode(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case ',', '\\', '{', '}', '\n', '\r', '#':
			fmt.Fprintf(&b, "#%02X", r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func inlineDecode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '#' && i+2 < len(s) {
			if n, err := strconv.ParseUint(s[i+1:i+3], 16, 8); err == nil {
				b.WriteByte(byte(n))
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// LoadASS parses an ASS file into the document, replacing its events, styles,
// script info and extradata. Unknown sections are skipped.
func LoadASS(r io.Reader, doc *document.Document) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		section string
		info    []document.InfoEntry
		styles  []*document.Style
		events  []*document.Event
		extra   []document.ExtradataEntry
	)
	for sc.Scan() {
		line := strings.TrimSpace(strings.TrimPrefix(sc.Text(), "\ufeff"))
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(line[1 : len(line)-1])
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimLeft(value, " ")
		switch section {
		case "script info":
			info = append(info, document.InfoEntry{Key: key, Value: value})
		case "v4+ styles", "v4 styles+":
			if key == "Style" {
				if s, err := parseStyle(value); err == nil {
					styles = append(styles, s)
				}
			}
		case "aegisub extradata":
			if key == "Data" {
				if e, ok := parseExtradata(value); ok {
					extra = append(extra, e)
				}
			}
		case "events":
			if key == "Dialogue" || key == "Comment" {
				ev, err := parseDialogue(value, key == "Comment")
				if err != nil {
					return err
				}
				events = append(events, ev)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if len(styles) == 0 {
		styles = []*document.Style{document.DefaultStyle()}
	}
	doc.Replace(info, styles, events, extra)
	return nil
}

func parseStyle(value string) (*document.Style, error) {
	f := strings.Split(value, ",")
	if len(f) < 23 {
		return nil, fmt.Errorf("short style line")
	}
	s := &document.Style{
		Name:      strings.TrimSpace(f[0]),
		FontName:  strings.TrimSpace(f[1]),
		Primary:   strings.TrimSpace(f[3]),
		Secondary: strings.TrimSpace(f[4]),
		Outline:   strings.TrimSpace(f[5]),
		Shadow:    strings.TrimSpace(f[6]),
	}
	s.FontSize, _ = strconv.ParseFloat(strings.TrimSpace(f[2]), 64)
	s.Bold = parseASSBool(f[7])
	s.Italic = parseASSBool(f[8])
	s.Underline = parseASSBool(f[9])
	s.StrikeOut = parseASSBool(f[10])
	s.ScaleX, _ = strconv.ParseFloat(strings.TrimSpace(f[11]), 64)
	s.ScaleY, _ = strconv.ParseFloat(strings.TrimSpace(f[12]), 64)
	s.Spacing, _ = strconv.ParseFloat(strings.TrimSpace(f[13]), 64)
	s.Angle, _ = strconv.ParseFloat(strings.TrimSpace(f[14]), 64)
	s.BorderStyle, _ = strconv.Atoi(strings.TrimSpace(f[15]))
	s.OutlineW, _ = strconv.ParseFloat(strings.TrimSpace(f[16]), 64)
	s.ShadowW, _ = strconv.ParseFloat(strings.TrimSpace(f[17]), 64)
	s.Alignment, _ = strconv.Atoi(strings.TrimSpace(f[18]))
	s.Margin[0], _ = strconv.Atoi(strings.TrimSpace(f[19]))
	s.Margin[1], _ = strconv.Atoi(strings.TrimSpace(f[20]))
	s.Margin[2], _ = strconv.Atoi(strings.TrimSpace(f[21]))
	s.Encoding, _ = strconv.Atoi(strings.TrimSpace(f[22]))
	return s, nil
}

func parseASSBool(s string) bool {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n != 0
}

func parseExtradata(value string) (document.ExtradataEntry, bool) {
	f := strings.SplitN(value, ",", 3)
	if len(f) != 3 {
		return document.ExtradataEntry{}, false
	}
	id, err := strconv.ParseUint(strings.TrimSpace(f[0]), 10, 32)
	if err != nil {
		return document.ExtradataEntry{}, false
	}
	if len(f[2]) == 0 || f[2][0] != 'e' {
		// only the inline encoding is produced here; skip anything else
		return document.ExtradataEntry{}, false
	}
	return document.ExtradataEntry{
		ID:    uint32(id),
		Key:   inlineDecode(f[1]),
		Value: inlineDecode(f[2][1:]),
	}, true
}

func parseDialogue(value string, comment bool) (*document.Event, error) {
	f := strings.SplitN(value, ",", 10)
	if len(f) < 10 {
		return nil, fmt.Errorf("short event line: %q", value)
	}
	ev := &document.Event{Comment: comment}
	ev.Layer, _ = strconv.Atoi(strings.TrimSpace(f[0]))
	var err error
	if ev.Start, err = ParseTime(f[1]); err != nil {
		return nil, err
	}
	if ev.End, err = ParseTime(f[2]); err != nil {
		return nil, err
	}
	ev.Style = strings.TrimSpace(f[3])
	ev.Actor = strings.TrimSpace(f[4])
	ev.Margin[0], _ = strconv.Atoi(strings.TrimSpace(f[5]))
	ev.Margin[1], _ = strconv.Atoi(strings.TrimSpace(f[6]))
	ev.Margin[2], _ = strconv.Atoi(strings.TrimSpace(f[7]))
	ev.Effect = strings.TrimSpace(f[8])
	ev.Extradata, ev.Text = splitExtradataRefs(f[9])
	return ev, nil
}

// splitExtradataRefs peels a leading {=id=id...} block off the event text.
func splitExtradataRefs(text string) ([]uint32, string) {
	if !strings.HasPrefix(text, "{=") {
		return nil, text
	}
	end := strings.IndexByte(text, '}')
	if end < 0 {
		return nil, text
	}
	var ids []uint32
	for _, part := range strings.Split(text[1:end], "=") {
		if part == "" {
			continue
		}
		n, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return nil, text
		}
		ids = append(ids, uint32(n))
	}
	return ids, text[end+1:]
}
