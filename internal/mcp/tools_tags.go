package mcp

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"sub2mcp/internal/document"
	"sub2mcp/internal/protocol"
)

// ============================================================
// tags
// ============================================================

func (s *Server) tagsTool() toolDefinition {
	return toolDefinition{
		Name: protocol.ToolNameTags,
		Description: "ASS override tags & karaoke operations.\n" +
			"Actions:\n" +
			"- parse: Parse a line into blocks (plain/comment/drawing/override with tags)\n" +
			"- strip: Remove all ASS tags from lines, leaving plain text\n" +
			"- parse_karaoke: Parse karaoke syllable timing from a line\n" +
			"- set_karaoke: Set karaoke timing on a line",
		InputSchema: objectSchema(map[string]interface{}{
			"action":    enumProp("Operation to perform", "parse", "strip", "parse_karaoke", "set_karaoke"),
			"index":     prop("integer", "Line index (for parse/parse_karaoke/set_karaoke)"),
			"indices":   arrayProp("integer", "Line indices (for strip)"),
			"syllables": arrayProp("object", "Karaoke syllables [{duration, text}] (for set_karaoke)"),
			"tag_type":  enumProp("Karaoke tag type (for set_karaoke, default: k)", "k", "kf", "ko"),
		}, "action"),
		runOnOwner: true,
		handler:    s.handleTagsTool,
	}
}

func (s *Server) handleTagsTool(_ context.Context, args map[string]interface{}) (interface{}, error) {
	action, err := actionOf(args)
	if err != nil {
		return nil, err
	}
	doc := s.sess.Doc

	switch action {
	case "parse":
		index, err := requiredInt(args, "index")
		if err != nil {
			return nil, err
		}
		ev := doc.At(index)
		if ev == nil {
			return nil, fmt.Errorf("Line index out of range")
		}
		blocks := parseBlocks(ev.Text)
		out := make([]map[string]interface{}, 0, len(blocks))
		for _, block := range blocks {
			entry := map[string]interface{}{"type": block.kind}
			if block.kind == "override" {
				tags := make([]map[string]interface{}, 0, len(block.tags))
				for _, tag := range block.tags {
					tags = append(tags, map[string]interface{}{"name": tag.name, "params": tag.params})
				}
				entry["tags"] = tags
			} else {
				entry["text"] = block.text
			}
			out = append(out, entry)
		}
		return map[string]interface{}{"blocks": out}, nil

	case "strip":
		indices, err := requiredIntSlice(args, "indices")
		if err != nil {
			return nil, err
		}
		stripped := 0
		for _, idx := range indices {
			ev := doc.At(idx)
			if ev == nil {
				continue
			}
			ev.Text = ev.StrippedText()
			stripped++
		}
		if stripped > 0 {
			doc.Commit("strip tags", document.CommitText)
		}
		return map[string]interface{}{"stripped": stripped}, nil

	case "parse_karaoke":
		index, err := requiredInt(args, "index")
		if err != nil {
			return nil, err
		}
		ev := doc.At(index)
		if ev == nil {
			return nil, fmt.Errorf("Line index out of range")
		}
		syls := parseKaraoke(ev)
		out := make([]map[string]interface{}, 0, len(syls))
		for _, syl := range syls {
			out = append(out, map[string]interface{}{
				"start_time": syl.startMS,
				"duration":   syl.durationMS,
				"text":       syl.text,
				"tag_type":   syl.tagType,
			})
		}
		return map[string]interface{}{"syllables": out, "count": len(out)}, nil

	case "set_karaoke":
		index, err := requiredInt(args, "index")
		if err != nil {
			return nil, err
		}
		ev := doc.At(index)
		if ev == nil {
			return nil, fmt.Errorf("Line index out of range")
		}
		tagType, err := optionalString(args, "tag_type", "k")
		if err != nil {
			return nil, err
		}
		if tagType != "k" && tagType != "kf" && tagType != "ko" {
			return nil, fmt.Errorf("tag_type must be one of k, kf, ko")
		}
		syls, err := requiredObjectSlice(args, "syllables")
		if err != nil {
			return nil, err
		}
		var b strings.Builder
		for _, syl := range syls {
			dur, err := requiredInt(syl, "duration")
			if err != nil {
				return nil, err
			}
			text, err := requiredString(syl, "text")
			if err != nil {
				return nil, err
			}
			fmt.Fprintf(&b, "{\\%s%d}%s", tagType, dur, text)
		}
		ev.Text = b.String()
		doc.Commit("set karaoke", document.CommitText)
		return map[string]interface{}{"index": index, "text": ev.Text}, nil
	}
	return nil, unknownAction(action)
}

// ============================================================
// block and tag parsing
// ============================================================

type overrideTag struct {
	name   string
	params []interface{}
}

type textBlock struct {
	kind string // plain, comment, drawing, override
	text string
	tags []overrideTag
}

// tagNames is ordered longest-first so prefix matching picks \fscx over \fs
// and \kf over \k.
var tagNames = []string{
	"alpha", "iclip", "xbord", "ybord", "xshad", "yshad",
	"blur", "bord", "fade", "fscx", "fscy", "move",
	"clip", "fad", "fax", "fay", "frx", "fry", "frz", "fsp", "pbo",
	"pos", "org", "shad", "1a", "2a", "3a", "4a", "1c", "2c", "3c", "4c",
	"an", "be", "fn", "fr", "fs", "kf", "ko", "kt",
	"a", "b", "c", "i", "k", "K", "p", "q", "r", "s", "t", "u",
}

// parseBlocks splits event text into plain/comment/drawing/override blocks.
// A braced block is an override when it contains a backslash, a comment
// otherwise. Plain text after a \p tag with a positive scale is a drawing.
func parseBlocks(text string) []textBlock {
	var blocks []textBlock
	drawing := false
	i := 0
	for i < len(text) {
		if text[i] == '{' {
			end := strings.IndexByte(text[i:], '}')
			if end < 0 {
				// unterminated brace: the rest is plain text
				break
			}
			body := text[i+1 : i+end]
			if strings.ContainsRune(body, '\\') {
				tags := parseOverrideTags(body)
				blocks = append(blocks, textBlock{kind: "override", tags: tags})
				for _, tag := range tags {
					if tag.name == "p" && len(tag.params) == 1 {
						scale, ok := tag.params[0].(int)
						drawing = ok && scale > 0
					}
				}
			} else {
				blocks = append(blocks, textBlock{kind: "comment", text: body})
			}
			i += end + 1
			continue
		}
		next := strings.IndexByte(text[i:], '{')
		if next < 0 {
			next = len(text) - i
		}
		kind := "plain"
		if drawing {
			kind = "drawing"
		}
		blocks = append(blocks, textBlock{kind: kind, text: text[i : i+next]})
		i += next
	}
	if i < len(text) {
		kind := "plain"
		if drawing {
			kind = "drawing"
		}
		blocks = append(blocks, textBlock{kind: kind, text: text[i:]})
	}
	return blocks
}

func parseOverrideTags(body string) []overrideTag {
	var tags []overrideTag
	i := 0
	for i < len(body) {
		if body[i] != '\\' {
			i++
			continue
		}
		i++
		name := matchTagName(body[i:])
		if name == "" {
			continue
		}
		i += len(name)
		var raw string
		if i < len(body) && body[i] == '(' {
			depth := 0
			j := i
			for ; j < len(body); j++ {
				if body[j] == '(' {
					depth++
				} else if body[j] == ')' {
					depth--
					if depth == 0 {
						break
					}
				}
			}
			if j < len(body) {
				raw = body[i+1 : j]
				i = j + 1
			} else {
				raw = body[i+1:]
				i = len(body)
			}
			tags = append(tags, overrideTag{name: name, params: splitTagParams(raw)})
			continue
		}
		end := strings.IndexByte(body[i:], '\\')
		if end < 0 {
			raw = body[i:]
			i = len(body)
		} else {
			raw = body[i : i+end]
			i += end
		}
		tag := overrideTag{name: name, params: []interface{}{}}
		if raw != "" {
			tag.params = append(tag.params, parseTagParam(raw))
		}
		tags = append(tags, tag)
	}
	return tags
}

func matchTagName(rest string) string {
	for _, name := range tagNames {
		if strings.HasPrefix(rest, name) {
			return name
		}
	}
	return ""
}

func splitTagParams(raw string) []interface{} {
	params := make([]interface{}, 0, 4)
	depth := 0
	last := 0
	for i := 0; i < len(raw); i++ {
		switch raw[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				params = append(params, parseTagParam(raw[last:i]))
				last = i + 1
			}
		}
	}
	params = append(params, parseTagParam(raw[last:]))
	return params
}

func parseTagParam(raw string) interface{} {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

// ============================================================
// karaoke
// ============================================================

type karaokeSyllable struct {
	startMS    int
	durationMS int
	text       string
	tagType    string
}

var karaokeTags = map[string]bool{"k": true, "K": true, "kf": true, "ko": true}

// parseKaraoke walks the line's blocks and groups plain text into syllables
// at each karaoke tag. Tag values are centiseconds; reported durations and
// start times are milliseconds, starts absolute from the line start.
func parseKaraoke(ev *document.Event) []karaokeSyllable {
	var syls []karaokeSyllable
	cur := karaokeSyllable{startMS: ev.Start, tagType: "k"}
	sawTag := false
	for _, block := range parseBlocks(ev.Text) {
		switch block.kind {
		case "plain", "drawing":
			cur.text += block.text
		case "override":
			for _, tag := range block.tags {
				if !karaokeTags[tag.name] {
					continue
				}
				durMS := 0
				if len(tag.params) == 1 {
					if cs, ok := tag.params[0].(int); ok {
						durMS = cs * 10
					}
				}
				if !sawTag && cur.text == "" {
					// fold the first tag into the implicit leading syllable
					cur.durationMS = durMS
					cur.tagType = tag.name
				} else {
					syls = append(syls, cur)
					cur = karaokeSyllable{
						startMS:    cur.startMS + cur.durationMS,
						durationMS: durMS,
						tagType:    tag.name,
					}
				}
				sawTag = true
			}
		}
	}
	if !sawTag {
		cur.durationMS = ev.Duration()
	}
	return append(syls, cur)
}

// ============================================================
// cleanup
// ============================================================

func (s *Server) cleanupTool() toolDefinition {
	return toolDefinition{
		Name: protocol.ToolNameCleanup,
		Description: "Subtitle cleanup operations.\n" +
			"Actions:\n" +
			"- recombine_overlaps: Split overlapping lines into non-overlapping segments\n" +
			"- merge_identical: Merge sequential lines with identical text",
		InputSchema: objectSchema(map[string]interface{}{
			"action": enumProp("Operation to perform", "recombine_overlaps", "merge_identical"),
		}, "action"),
		runOnOwner: true,
		handler:    s.handleCleanupTool,
	}
}

func (s *Server) handleCleanupTool(_ context.Context, args map[string]interface{}) (interface{}, error) {
	action, err := actionOf(args)
	if err != nil {
		return nil, err
	}
	doc := s.sess.Doc

	switch action {
	case "recombine_overlaps":
		before := doc.Len()
		recombineOverlaps(doc)
		selectFirst(doc)
		doc.Commit("recombine overlaps",
			document.CommitAddRem|document.CommitTime|document.CommitText|document.CommitOrder)
		return map[string]interface{}{
			"recombined":   true,
			"lines_before": before,
			"lines_after":  doc.Len(),
		}, nil

	case "merge_identical":
		before := doc.Len()
		mergeIdentical(doc)
		selectFirst(doc)
		doc.Commit("merge identical", document.CommitAddRem|document.CommitTime)
		return map[string]interface{}{
			"merged":       true,
			"lines_before": before,
			"lines_after":  doc.Len(),
		}, nil
	}
	return nil, unknownAction(action)
}

func selectFirst(doc *document.Document) {
	if first := doc.At(0); first != nil {
		doc.SetSelection([]document.EventID{first.ID}, first.ID)
	}
}

// recombineOverlaps rewrites overlapping dialogue into non-overlapping
// segments: the exclusive leads keep their own text, the shared interval
// carries both texts joined with \N. Comment lines pass through untouched.
func recombineOverlaps(doc *document.Document) {
	var segs []document.Event
	var ids []document.EventID
	doc.Each(func(_ int, ev *document.Event) bool {
		segs = append(segs, *ev)
		ids = append(ids, ev.ID)
		return true
	})

	for changed := true; changed; {
		changed = false
		sort.SliceStable(segs, func(i, j int) bool {
			if segs[i].Start != segs[j].Start {
				return segs[i].Start < segs[j].Start
			}
			return segs[i].End < segs[j].End
		})
		for i := 0; i+1 < len(segs); i++ {
			a, b := segs[i], segs[i+1]
			if a.Comment || b.Comment || a.End <= b.Start {
				continue
			}
			out := make([]document.Event, 0, 4)
			if a.Start < b.Start {
				lead := a
				lead.End = b.Start
				out = append(out, lead)
			}
			overlapEnd := min(a.End, b.End)
			shared := a
			shared.Start = b.Start
			shared.End = overlapEnd
			if a.Text != b.Text {
				shared.Text = a.Text + "\\N" + b.Text
			}
			out = append(out, shared)
			if a.End > overlapEnd {
				tail := a
				tail.Start = overlapEnd
				out = append(out, tail)
			} else if b.End > overlapEnd {
				tail := b
				tail.Start = overlapEnd
				out = append(out, tail)
			}
			segs = append(segs[:i], append(out, segs[i+2:]...)...)
			changed = true
			break
		}
	}

	events := make([]*document.Event, 0, len(segs))
	for i := range segs {
		if segs[i].Start >= segs[i].End {
			continue
		}
		ev := segs[i]
		ev.ID = 0
		ev.Extradata = nil
		events = append(events, &ev)
	}
	doc.Remove(ids...)
	doc.Insert(-1, events...)
}

// mergeIdentical folds adjacent or overlapping lines carrying the same text
// into one line spanning both ranges.
func mergeIdentical(doc *document.Document) {
	doc.Sort(document.SortStart, nil)
	var doomed []document.EventID
	var prev *document.Event
	doc.Each(func(_ int, ev *document.Event) bool {
		if ev.Comment {
			return true
		}
		if prev != nil && prev.Text == ev.Text && ev.Start <= prev.End {
			if ev.End > prev.End {
				prev.End = ev.End
			}
			doomed = append(doomed, ev.ID)
			return true
		}
		prev = ev
		return true
	})
	doc.Remove(doomed...)
}
