package mcp

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"unicode"

	"sub2mcp/internal/document"
	"sub2mcp/internal/media"
	"sub2mcp/internal/protocol"
	"sub2mcp/internal/subformat"
)

const maxSegmentMS = 30000

// ============================================================
// audio
// ============================================================

func (s *Server) audioTool() toolDefinition {
	return toolDefinition{
		Name: protocol.ToolNameAudio,
		Description: "Audio access.\n" +
			"Actions:\n" +
			"- get_peaks: Get waveform peak values for a time range\n" +
			"- get_segment: Get a WAV clip of a time range as base64 (max 30 seconds)",
		InputSchema: objectSchema(map[string]interface{}{
			"action":    enumProp("Operation to perform", "get_peaks", "get_segment"),
			"start_ms":  prop("integer", "Range start in milliseconds"),
			"end_ms":    prop("integer", "Range end in milliseconds"),
			"num_peaks": prop("integer", "Number of peak buckets (1-10000, for get_peaks)"),
		}, "action", "start_ms", "end_ms"),
		runOnOwner: true,
		handler:    s.handleAudioTool,
	}
}

func (s *Server) handleAudioTool(_ context.Context, args map[string]interface{}) (interface{}, error) {
	action, err := actionOf(args)
	if err != nil {
		return nil, err
	}
	src := s.sess.Audio
	if src == nil {
		return nil, fmt.Errorf("No audio loaded")
	}
	startMS, err := requiredInt(args, "start_ms")
	if err != nil {
		return nil, err
	}
	endMS, err := requiredInt(args, "end_ms")
	if err != nil {
		return nil, err
	}
	if startMS >= endMS {
		return nil, fmt.Errorf("start_ms must be < end_ms")
	}

	switch action {
	case "get_peaks":
		numPeaks, err := optionalInt(args, "num_peaks", 100)
		if err != nil {
			return nil, err
		}
		if numPeaks < 1 || numPeaks > 10000 {
			return nil, fmt.Errorf("num_peaks must be 1-10000")
		}
		peaks, err := media.Peaks(src, startMS, endMS, numPeaks)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"peaks":       peaks,
			"sample_rate": src.SampleRate(),
			"channels":    src.Channels(),
			"duration_ms": endMS - startMS,
			"peak_count":  len(peaks),
		}, nil

	case "get_segment":
		if endMS-startMS > maxSegmentMS {
			return nil, fmt.Errorf("Maximum duration is 30 seconds")
		}
		wav, err := media.BuildWAV(src, startMS, endMS)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"data":            base64.StdEncoding.EncodeToString(wav),
			"format":          "wav",
			"sample_rate":     src.SampleRate(),
			"channels":        src.Channels(),
			"bits_per_sample": src.BytesPerSample() * 8,
			"duration_ms":     endMS - startMS,
			"size_bytes":      len(wav),
		}, nil
	}
	return nil, unknownAction(action)
}

// ============================================================
// text_analysis
// ============================================================

const (
	minLineDurationMS = 500
	maxLineDurationMS = 10000
	maxLineChars      = 45
	minGapMS          = 200
)

func (s *Server) textAnalysisTool() toolDefinition {
	return toolDefinition{
		Name: protocol.ToolNameTextAnalysis,
		Description: "Text analysis.\n" +
			"Actions:\n" +
			"- get_line_length: Per-line character counts (override tags stripped)\n" +
			"- validate: Check lines for timing and length issues",
		InputSchema: objectSchema(map[string]interface{}{
			"action":             enumProp("Operation to perform", "get_line_length", "validate"),
			"indices":            arrayProp("integer", "Line indices to check (default: all)"),
			"ignore_whitespace":  prop("boolean", "Exclude whitespace from counts (for get_line_length)"),
			"ignore_punctuation": prop("boolean", "Exclude punctuation from counts (for get_line_length)"),
		}, "action"),
		runOnOwner: true,
		handler:    s.handleTextAnalysisTool,
	}
}

func (s *Server) handleTextAnalysisTool(_ context.Context, args map[string]interface{}) (interface{}, error) {
	action, err := actionOf(args)
	if err != nil {
		return nil, err
	}
	doc := s.sess.Doc

	indices := make([]int, 0, doc.Len())
	if raw, ok := args["indices"]; ok {
		indices, err = toIntSlice(raw, "indices")
		if err != nil {
			return nil, err
		}
	} else {
		for i := 0; i < doc.Len(); i++ {
			indices = append(indices, i)
		}
	}

	switch action {
	case "get_line_length":
		ignoreWS, err := optionalBool(args, "ignore_whitespace", false)
		if err != nil {
			return nil, err
		}
		ignorePunct, err := optionalBool(args, "ignore_punctuation", false)
		if err != nil {
			return nil, err
		}
		results := make([]map[string]interface{}, 0, len(indices))
		for _, idx := range indices {
			ev := doc.At(idx)
			if ev == nil {
				continue
			}
			maxLen, total := lineLengths(ev.StrippedText(), ignoreWS, ignorePunct)
			results = append(results, map[string]interface{}{
				"index":           idx,
				"max_line_length": maxLen,
				"character_count": total,
			})
		}
		return map[string]interface{}{"results": results}, nil

	case "validate":
		issues := make([]map[string]interface{}, 0)
		add := func(index int, typ, detail string) {
			issues = append(issues, map[string]interface{}{
				"index":  index,
				"type":   typ,
				"detail": detail,
			})
		}
		for _, idx := range indices {
			ev := doc.At(idx)
			if ev == nil || ev.Comment {
				continue
			}
			dur := ev.Duration()
			if dur < minLineDurationMS {
				add(idx, "short_duration", fmt.Sprintf("duration %dms is under %dms", dur, minLineDurationMS))
			}
			if dur > maxLineDurationMS {
				add(idx, "long_duration", fmt.Sprintf("duration %dms is over %dms", dur, maxLineDurationMS))
			}
			if maxLen, _ := lineLengths(ev.StrippedText(), false, false); maxLen > maxLineChars {
				add(idx, "long_line", fmt.Sprintf("line of %d characters exceeds %d", maxLen, maxLineChars))
			}
			next := doc.At(idx + 1)
			if next == nil || next.Comment {
				continue
			}
			gap := next.Start - ev.End
			if gap < 0 {
				add(idx, "overlap", fmt.Sprintf("overlaps next line by %dms", -gap))
			} else if gap > 0 && gap < minGapMS {
				add(idx, "small_gap", fmt.Sprintf("gap of %dms to next line is under %dms", gap, minGapMS))
			}
		}
		return map[string]interface{}{"issues": issues, "issue_count": len(issues)}, nil
	}
	return nil, unknownAction(action)
}

// lineLengths splits on \N and returns the longest physical line and the
// total character count, both in runes.
func lineLengths(stripped string, ignoreWS, ignorePunct bool) (maxLen, total int) {
	for _, line := range strings.Split(stripped, "\\N") {
		n := 0
		for _, r := range line {
			if ignoreWS && unicode.IsSpace(r) {
				continue
			}
			if ignorePunct && (unicode.IsPunct(r) || unicode.IsSymbol(r)) {
				continue
			}
			n++
		}
		total += n
		if n > maxLen {
			maxLen = n
		}
	}
	return maxLen, total
}

// ============================================================
// file
// ============================================================

func (s *Server) fileTool() toolDefinition {
	return toolDefinition{
		Name: protocol.ToolNameFile,
		Description: "File operations.\n" +
			"Actions:\n" +
			"- open: Load an ASS subtitle file, replacing the current document\n" +
			"- save: Write the document as ASS (path optional after first save)\n" +
			"- export: Write the document in a format chosen by file extension (.ass/.srt/.txt)\n" +
			"- export_ass: Return the full ASS serialization as text\n" +
			"- undo: Undo the most recent change",
		InputSchema: objectSchema(map[string]interface{}{
			"action": enumProp("Operation to perform", "open", "save", "export", "export_ass", "undo"),
			"path":   prop("string", "File path (for open/save/export)"),
		}, "action"),
		runOnOwner: true,
		handler:    s.handleFileTool,
	}
}

func (s *Server) handleFileTool(_ context.Context, args map[string]interface{}) (interface{}, error) {
	action, err := actionOf(args)
	if err != nil {
		return nil, err
	}
	doc := s.sess.Doc

	switch action {
	case "open":
		path, err := requiredString(args, "path")
		if err != nil {
			return nil, err
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open file: %v", err)
		}
		defer f.Close()
		if err := subformat.LoadASS(f, doc); err != nil {
			return nil, fmt.Errorf("failed to parse file: %v", err)
		}
		doc.Filename = path
		s.sess.STT.Clear()
		s.sess.STT.LoadFromExtradata()
		doc.Commit("open file", document.CommitAddRem|document.CommitStyles|document.CommitScriptInfo|document.CommitExtradata)
		return map[string]interface{}{"opened": path, "line_count": doc.Len()}, nil

	case "save":
		path, err := optionalString(args, "path", doc.Filename)
		if err != nil {
			return nil, err
		}
		if path == "" {
			return nil, fmt.Errorf("No file path set; provide 'path'")
		}
		var buf bytes.Buffer
		writer, err := subformat.ForFilename("file.ass")
		if err != nil {
			return nil, err
		}
		if err := writer.Write(&buf, doc); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
			return nil, fmt.Errorf("failed to write file: %v", err)
		}
		doc.Filename = path
		return map[string]interface{}{"saved": path, "size_bytes": buf.Len()}, nil

	case "export":
		path, err := requiredString(args, "path")
		if err != nil {
			return nil, err
		}
		writer, err := subformat.ForFilename(path)
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		if err := writer.Write(&buf, doc); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
			return nil, fmt.Errorf("failed to write file: %v", err)
		}
		return map[string]interface{}{"exported": path, "size_bytes": buf.Len()}, nil

	case "export_ass":
		writer, err := subformat.ForFilename("file.ass")
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		if err := writer.Write(&buf, doc); err != nil {
			return nil, err
		}
		return toolCallResult{
			Content: []toolContentItem{{Type: "text", Text: buf.String()}},
		}, nil

	case "undo":
		if !doc.Undo() {
			return nil, fmt.Errorf("Nothing to undo")
		}
		return map[string]interface{}{"undone": true, "can_undo": doc.CanUndo()}, nil
	}
	return nil, unknownAction(action)
}

// ============================================================
// video
// ============================================================

func (s *Server) videoTool() toolDefinition {
	return toolDefinition{
		Name: protocol.ToolNameVideo,
		Description: "Frame timing queries.\n" +
			"Actions:\n" +
			"- convert_time: Convert between frame number and milliseconds (provide exactly one)\n" +
			"- get_keyframes: List keyframes with frame numbers and times",
		InputSchema: objectSchema(map[string]interface{}{
			"action":  enumProp("Operation to perform", "convert_time", "get_keyframes"),
			"frame":   prop("integer", "Frame number (for convert_time)"),
			"time_ms": prop("integer", "Time in milliseconds (for convert_time)"),
		}, "action"),
		runOnOwner: true,
		handler:    s.handleVideoTool,
	}
}

func (s *Server) handleVideoTool(_ context.Context, args map[string]interface{}) (interface{}, error) {
	action, err := actionOf(args)
	if err != nil {
		return nil, err
	}
	timing := s.sess.Timing
	if timing == nil {
		return nil, fmt.Errorf("No video loaded")
	}

	switch action {
	case "convert_time":
		frame, hasFrame, err := presentInt(args, "frame")
		if err != nil {
			return nil, err
		}
		timeMS, hasTime, err := presentInt(args, "time_ms")
		if err != nil {
			return nil, err
		}
		if hasFrame == hasTime {
			return nil, fmt.Errorf("Provide exactly one of 'frame' or 'time_ms'")
		}
		if hasFrame {
			timeMS = timing.TimeAtFrame(frame)
		} else {
			frame = timing.FrameAtTime(timeMS)
		}
		return map[string]interface{}{"frame": frame, "time_ms": timeMS}, nil

	case "get_keyframes":
		kfs := timing.Keyframes()
		out := make([]map[string]interface{}, 0, len(kfs))
		for _, kf := range kfs {
			out = append(out, map[string]interface{}{
				"frame":   kf,
				"time_ms": timing.TimeAtFrame(kf),
			})
		}
		return map[string]interface{}{"keyframes": out, "count": len(out)}, nil
	}
	return nil, unknownAction(action)
}
