package subformat

import (
	"bytes"
	"strings"
	"testing"

	"sub2mcp/internal/document"
)

func sampleDoc(t *testing.T) *document.Document {
	t.Helper()
	d := document.New()
	ids := d.Insert(-1,
		&document.Event{Start: 0, End: 2000, Style: "Default", Actor: "Alice", Text: "Hello there"},
		&document.Event{Start: 2500, End: 4000, Style: "Default", Text: `{\i1}emphasis{\i0} plain`},
		&document.Event{Start: 4000, End: 5000, Style: "Default", Comment: true, Text: "note to self"},
	)
	d.AttachExtradata(d.ByID(ids[0]), "stt", "Hello, transcription")
	return d
}

func TestASSRoundTrip(t *testing.T) {
	d := sampleDoc(t)
	var buf bytes.Buffer
	w, err := ForFilename("out.ass")
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Write(&buf, d); err != nil {
		t.Fatalf("Write: %v", err)
	}

	loaded := document.New()
	if err := LoadASS(bytes.NewReader(buf.Bytes()), loaded); err != nil {
		t.Fatalf("LoadASS: %v", err)
	}
	if loaded.Len() != 3 {
		t.Fatalf("loaded %d events, want 3", loaded.Len())
	}
	ev := loaded.At(0)
	if ev.Start != 0 || ev.End != 2000 || ev.Actor != "Alice" || ev.Text != "Hello there" {
		t.Fatalf("event 0 = %+v", ev)
	}
	if !loaded.At(2).Comment {
		t.Fatal("comment flag lost")
	}
	entries := loaded.GetExtradata(ev.Extradata)
	if len(entries) != 1 || entries[0].Key != "stt" || entries[0].Value != "Hello, transcription" {
		t.Fatalf("extradata = %v", entries)
	}
	// the extradata ref must not leak into the text
	if strings.Contains(ev.Text, "{=") {
		t.Fatalf("ref left in text: %q", ev.Text)
	}
}

func TestASSRoundTripInlineEscapes(t *testing.T) {
	d := document.New()
	ids := d.Insert(-1, &document.Event{End: 1000, Style: "Default", Text: "x"})
	value := "commas, braces {and} hash # back\\slash\nnewline"
	d.AttachExtradata(d.ByID(ids[0]), "stt", value)

	var buf bytes.Buffer
	if err := (assWriter{}).Write(&buf, d); err != nil {
		t.Fatal(err)
	}
	loaded := document.New()
	if err := LoadASS(bytes.NewReader(buf.Bytes()), loaded); err != nil {
		t.Fatal(err)
	}
	entries := loaded.GetExtradata(loaded.At(0).Extradata)
	if len(entries) != 1 || entries[0].Value != value {
		t.Fatalf("escaped value round trip failed: %q", entries[0].Value)
	}
}

func TestASSWriterSections(t *testing.T) {
	d := sampleDoc(t)
	var buf bytes.Buffer
	if err := (assWriter{}).Write(&buf, d); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, section := range []string{"[Script Info]", "[V4+ Styles]", "[Aegisub Extradata]", "[Events]"} {
		if !strings.Contains(out, section) {
			t.Fatalf("missing section %s in output", section)
		}
	}
	if !strings.Contains(out, "Dialogue: 0,0:00:00.00,0:00:02.00,Default,Alice,") {
		t.Fatalf("unexpected dialogue line:\n%s", out)
	}
	if !strings.Contains(out, "Comment: 0,") {
		t.Fatal("comment event not written as Comment")
	}
}

func TestFormatAndParseTime(t *testing.T) {
	cases := []struct {
		ms   int
		text string
	}{
		{0, "0:00:00.00"},
		{1500, "0:00:01.50"},
		{3723450, "1:02:03.45"},
	}
	for _, c := range cases {
		if got := FormatTime(c.ms); got != c.text {
			t.Fatalf("FormatTime(%d) = %q, want %q", c.ms, got, c.text)
		}
		back, err := ParseTime(c.text)
		if err != nil {
			t.Fatalf("ParseTime(%q): %v", c.text, err)
		}
		if back != c.ms {
			t.Fatalf("ParseTime(%q) = %d, want %d", c.text, back, c.ms)
		}
	}
	if _, err := ParseTime("garbage"); err == nil {
		t.Fatal("expected error for bad timestamp")
	}
	if got := FormatTime(-50); got != "0:00:00.00" {
		t.Fatalf("negative time = %q", got)
	}
}

func TestSRTWriter(t *testing.T) {
	d := sampleDoc(t)
	var buf bytes.Buffer
	w, err := ForFilename("out.srt")
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Write(&buf, d); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "1\n00:00:00,000 --> 00:00:02,000\nHello there\n") {
		t.Fatalf("srt block missing:\n%s", out)
	}
	// override tags stripped, comments skipped
	if strings.Contains(out, `{\i1}`) {
		t.Fatal("override tags not stripped")
	}
	if strings.Contains(out, "note to self") {
		t.Fatal("comment event leaked into srt")
	}
	if !strings.Contains(out, "emphasis plain") {
		t.Fatalf("stripped text missing:\n%s", out)
	}
}

func TestTXTWriter(t *testing.T) {
	d := sampleDoc(t)
	var buf bytes.Buffer
	w, err := ForFilename("out.txt")
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Write(&buf, d); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "Alice: Hello there\n") {
		t.Fatalf("actor prefix missing:\n%s", out)
	}
	if !strings.Contains(out, "# note to self\n") {
		t.Fatalf("comment prefix missing:\n%s", out)
	}
}

func TestForFilenameUnknownExtension(t *testing.T) {
	if _, err := ForFilename("movie.sub"); err == nil {
		t.Fatal("expected error for unsupported extension")
	}
	if _, err := ForFilename("UPPER.ASS"); err != nil {
		t.Fatalf("extension matching must be case-insensitive: %v", err)
	}
}

func TestLoadASSDefaultsStyleWhenMissing(t *testing.T) {
	src := "[Events]\nFormat: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text\n" +
		"Dialogue: 0,0:00:00.00,0:00:01.00,Default,,0,0,0,,Only line\n"
	d := document.New()
	if err := LoadASS(strings.NewReader(src), d); err != nil {
		t.Fatalf("LoadASS: %v", err)
	}
	if len(d.Styles()) != 1 || d.Styles()[0].Name != "Default" {
		t.Fatalf("styles = %v", d.Styles())
	}
	if d.Len() != 1 || d.At(0).Text != "Only line" {
		t.Fatalf("events not loaded")
	}
}
