package mcp

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"sub2mcp/internal/document"
	"sub2mcp/internal/media"
	"sub2mcp/internal/protocol"
)

type toolHandler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

type toolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
	handler     toolHandler            `json:"-"`

	// runOnOwner routes the whole handler through the owner goroutine.
	// Worker tools make their own owner hops for document access.
	runOnOwner bool `json:"-"`
}

type toolCallResult struct {
	Content []toolContentItem `json:"content"`
	IsError bool              `json:"isError,omitempty"`
}

type toolContentItem struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MIMEType string `json:"mimeType,omitempty"`
}

func (s *Server) buildToolRegistry() (map[string]toolDefinition, []string) {
	defs := []toolDefinition{
		s.projectTool(),
		s.stylesTool(),
		s.linesTool(),
		s.timingTool(),
		s.selectionTool(),
		s.audioTool(),
		s.tagsTool(),
		s.textAnalysisTool(),
		s.cleanupTool(),
		s.fileTool(),
		s.videoTool(),
		s.sttTool(),
		s.audioLLMTool(),
	}
	registry := make(map[string]toolDefinition, len(defs))
	order := make([]string, 0, len(defs))
	for _, def := range defs {
		registry[def.Name] = def
		order = append(order, def.Name)
	}
	return registry, order
}

// ============================================================
// Argument helpers. JSON numbers arrive as float64.
// ============================================================

func requiredString(args map[string]interface{}, key string) (string, error) {
	raw, ok := args[key]
	if !ok {
		return "", fmt.Errorf("'%s' is required", key)
	}
	value, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("'%s' must be a string", key)
	}
	return value, nil
}

func optionalString(args map[string]interface{}, key, def string) (string, error) {
	raw, ok := args[key]
	if !ok {
		return def, nil
	}
	value, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("'%s' must be a string", key)
	}
	return value, nil
}

func toInt(raw interface{}, key string) (int, error) {
	switch v := raw.(type) {
	case float64:
		if math.Trunc(v) != v {
			return 0, fmt.Errorf("'%s' must be an integer", key)
		}
		return int(v), nil
	case int:
		return v, nil
	default:
		return 0, fmt.Errorf("'%s' must be an integer", key)
	}
}

func requiredInt(args map[string]interface{}, key string) (int, error) {
	raw, ok := args[key]
	if !ok {
		return 0, fmt.Errorf("'%s' is required", key)
	}
	return toInt(raw, key)
}

func optionalInt(args map[string]interface{}, key string, def int) (int, error) {
	raw, ok := args[key]
	if !ok {
		return def, nil
	}
	return toInt(raw, key)
}

func presentInt(args map[string]interface{}, key string) (int, bool, error) {
	raw, ok := args[key]
	if !ok {
		return 0, false, nil
	}
	v, err := toInt(raw, key)
	return v, true, err
}

func optionalBool(args map[string]interface{}, key string, def bool) (bool, error) {
	raw, ok := args[key]
	if !ok {
		return def, nil
	}
	value, ok := raw.(bool)
	if !ok {
		return false, fmt.Errorf("'%s' must be a boolean", key)
	}
	return value, nil
}

func requiredIntSlice(args map[string]interface{}, key string) ([]int, error) {
	raw, ok := args[key]
	if !ok {
		return nil, fmt.Errorf("'%s' is required", key)
	}
	return toIntSlice(raw, key)
}

func toIntSlice(raw interface{}, key string) ([]int, error) {
	items, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("'%s' must be an array of integers", key)
	}
	out := make([]int, 0, len(items))
	for _, item := range items {
		n, err := toInt(item, key)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func requiredObjectSlice(args map[string]interface{}, key string) ([]map[string]interface{}, error) {
	raw, ok := args[key]
	if !ok {
		return nil, fmt.Errorf("'%s' is required", key)
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("'%s' must be an array of objects", key)
	}
	out := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("'%s' entries must be objects", key)
		}
		out = append(out, obj)
	}
	return out, nil
}

func actionOf(args map[string]interface{}) (string, error) {
	return requiredString(args, "action")
}

func unknownAction(action string) error {
	return fmt.Errorf("Unknown action: %s", action)
}

// schema helpers

func objectSchema(properties map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	req := make([]interface{}, 0, len(required))
	for _, r := range required {
		req = append(req, r)
	}
	schema["required"] = req
	return schema
}

func prop(typ, description string) map[string]interface{} {
	p := map[string]interface{}{"type": typ}
	if description != "" {
		p["description"] = description
	}
	return p
}

func enumProp(description string, values ...string) map[string]interface{} {
	vals := make([]interface{}, 0, len(values))
	for _, v := range values {
		vals = append(vals, v)
	}
	return map[string]interface{}{"type": "string", "enum": vals, "description": description}
}

func arrayProp(itemType, description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "array",
		"items":       map[string]interface{}{"type": itemType},
		"description": description,
	}
}

// ============================================================
// Shared event helpers
// ============================================================

func eventToJSON(ev *document.Event, index int) map[string]interface{} {
	return map[string]interface{}{
		"index":         index,
		"start_time":    ev.Start,
		"end_time":      ev.End,
		"style":         ev.Style,
		"actor":         ev.Actor,
		"text":          ev.Text,
		"text_stripped": ev.StrippedText(),
		"effect":        ev.Effect,
		"comment":       ev.Comment,
		"layer":         ev.Layer,
		"margin_l":      ev.Margin[0],
		"margin_r":      ev.Margin[1],
		"margin_t":      ev.Margin[2],
	}
}

func applyEventFields(ev *document.Event, obj map[string]interface{}) (document.CommitMask, error) {
	var mask document.CommitMask
	if raw, ok := obj["text"]; ok {
		text, ok := raw.(string)
		if !ok {
			return 0, fmt.Errorf("'text' must be a string")
		}
		ev.Text = text
		mask |= document.CommitText
	}
	if n, present, err := presentInt(obj, "start_time"); err != nil {
		return 0, err
	} else if present {
		ev.Start = n
		mask |= document.CommitTime
	}
	if n, present, err := presentInt(obj, "end_time"); err != nil {
		return 0, err
	} else if present {
		ev.End = n
		mask |= document.CommitTime
	}
	for key, dst := range map[string]*string{"style": &ev.Style, "actor": &ev.Actor, "effect": &ev.Effect} {
		if raw, ok := obj[key]; ok {
			value, ok := raw.(string)
			if !ok {
				return 0, fmt.Errorf("'%s' must be a string", key)
			}
			*dst = value
			mask |= document.CommitMeta
		}
	}
	if raw, ok := obj["comment"]; ok {
		value, ok := raw.(bool)
		if !ok {
			return 0, fmt.Errorf("'comment' must be a boolean")
		}
		ev.Comment = value
		mask |= document.CommitMeta
	}
	if n, present, err := presentInt(obj, "layer"); err != nil {
		return 0, err
	} else if present {
		ev.Layer = n
		mask |= document.CommitMeta
	}
	for i, key := range []string{"margin_l", "margin_r", "margin_t"} {
		if n, present, err := presentInt(obj, key); err != nil {
			return 0, err
		} else if present {
			ev.Margin[i] = n
			mask |= document.CommitMeta
		}
	}
	return mask, nil
}

func eventFromJSON(obj map[string]interface{}) (*document.Event, error) {
	ev := &document.Event{End: 5000, Style: "Default"}
	if _, err := applyEventFields(ev, obj); err != nil {
		return nil, err
	}
	return ev, nil
}

// ============================================================
// project
// ============================================================

func (s *Server) projectTool() toolDefinition {
	return toolDefinition{
		Name: protocol.ToolNameProject,
		Description: "Project & metadata operations.\n" +
			"Actions:\n" +
			"- get_info: Get project info (version, line/style count, media status, resolution, script_info)\n" +
			"- set_script_info: Set a script info key/value (e.g. Title, PlayResX)\n" +
			"- load_media: Load a WAV audio file and/or attach frame timing (fps + keyframes)",
		InputSchema: objectSchema(map[string]interface{}{
			"action":     enumProp("Operation to perform", "get_info", "set_script_info", "load_media"),
			"key":        prop("string", "Script info key (for set_script_info)"),
			"value":      prop("string", "Script info value (for set_script_info)"),
			"audio_path": prop("string", "WAV file path (for load_media)"),
			"fps_num":    prop("integer", "Frame rate numerator (for load_media, e.g. 24000)"),
			"fps_den":    prop("integer", "Frame rate denominator (for load_media, e.g. 1001)"),
			"keyframes":  arrayProp("integer", "Keyframe frame numbers (for load_media)"),
		}, "action"),
		runOnOwner: true,
		handler:    s.handleProjectTool,
	}
}

func (s *Server) handleProjectTool(_ context.Context, args map[string]interface{}) (interface{}, error) {
	action, err := actionOf(args)
	if err != nil {
		return nil, err
	}
	doc := s.sess.Doc

	switch action {
	case "get_info":
		result := map[string]interface{}{
			"version":       protocol.ServerVersion,
			"has_subtitles": true,
			"line_count":    doc.Len(),
			"style_count":   len(doc.Styles()),
			"subtitle_file": doc.Filename,
			"has_audio":     s.sess.Audio != nil,
			"has_video":     s.sess.Timing != nil,
		}
		if s.sess.Audio != nil {
			result["audio_file"] = s.sess.AudioFile
			result["audio_sample_rate"] = s.sess.Audio.SampleRate()
			result["audio_channels"] = s.sess.Audio.Channels()
		}
		if s.sess.Timing != nil {
			result["video_file"] = s.sess.VideoFile
			if cfr, ok := s.sess.Timing.(*media.CFRTiming); ok {
				result["video_fps"] = cfr.FPS()
			}
		}
		x, y := doc.Resolution()
		result["resolution_x"] = x
		result["resolution_y"] = y
		info := map[string]interface{}{}
		for _, entry := range doc.ScriptInfo() {
			info[entry.Key] = entry.Value
		}
		result["script_info"] = info
		return result, nil

	case "set_script_info":
		key, err := requiredString(args, "key")
		if err != nil {
			return nil, err
		}
		value, err := requiredString(args, "value")
		if err != nil {
			return nil, err
		}
		doc.SetScriptInfo(key, value)
		doc.Commit("set script info", document.CommitScriptInfo)
		return map[string]interface{}{"key": key, "value": value, "set": true}, nil

	case "load_media":
		result := map[string]interface{}{}
		if path, err := optionalString(args, "audio_path", ""); err != nil {
			return nil, err
		} else if path != "" {
			src, err := media.LoadWAV(path)
			if err != nil {
				return nil, fmt.Errorf("failed to load audio: %v", err)
			}
			s.sess.Audio = src
			s.sess.AudioFile = path
			s.sess.STT.Clear()
			result["audio_loaded"] = path
		}
		if num, present, err := presentInt(args, "fps_num"); err != nil {
			return nil, err
		} else if present {
			den, err := optionalInt(args, "fps_den", 1)
			if err != nil {
				return nil, err
			}
			var keyframes []int
			if raw, ok := args["keyframes"]; ok {
				keyframes, err = toIntSlice(raw, "keyframes")
				if err != nil {
					return nil, err
				}
			}
			s.sess.Timing = media.NewCFRTiming(int64(num), int64(den), keyframes)
			result["timing_loaded"] = true
		}
		if len(result) == 0 {
			return nil, fmt.Errorf("No audio_path or timing provided")
		}
		return result, nil
	}
	return nil, unknownAction(action)
}

// ============================================================
// styles
// ============================================================

func (s *Server) stylesTool() toolDefinition {
	return toolDefinition{
		Name: protocol.ToolNameStyles,
		Description: "Subtitle style management.\n" +
			"Actions:\n" +
			"- list: Get all style definitions\n" +
			"- create: Create a new style (name required, other props optional)\n" +
			"- update: Update an existing style by name (partial update)",
		InputSchema: objectSchema(map[string]interface{}{
			"action":      enumProp("Operation to perform", "list", "create", "update"),
			"name":        prop("string", "Style name (for create/update)"),
			"fontname":    prop("string", ""),
			"fontsize":    prop("number", ""),
			"color1":      prop("string", "Primary color (ASS format)"),
			"color3":      prop("string", "Outline color"),
			"color4":      prop("string", "Shadow color"),
			"bold":        prop("boolean", ""),
			"italic":      prop("boolean", ""),
			"underline":   prop("boolean", ""),
			"strikeout":   prop("boolean", ""),
			"scale_x":     prop("number", ""),
			"scale_y":     prop("number", ""),
			"spacing":     prop("number", ""),
			"angle":       prop("number", ""),
			"borderstyle": prop("integer", ""),
			"outline":     prop("number", ""),
			"shadow":      prop("number", ""),
			"alignment":   prop("integer", ""),
			"margin_l":    prop("integer", ""),
			"margin_r":    prop("integer", ""),
			"margin_t":    prop("integer", ""),
			"encoding":    prop("integer", ""),
		}, "action"),
		runOnOwner: true,
		handler:    s.handleStylesTool,
	}
}

func styleToJSON(st *document.Style) map[string]interface{} {
	return map[string]interface{}{
		"name":        st.Name,
		"fontname":    st.FontName,
		"fontsize":    st.FontSize,
		"color1":      st.Primary,
		"color2":      st.Secondary,
		"color3":      st.Outline,
		"color4":      st.Shadow,
		"bold":        st.Bold,
		"italic":      st.Italic,
		"underline":   st.Underline,
		"strikeout":   st.StrikeOut,
		"scale_x":     st.ScaleX,
		"scale_y":     st.ScaleY,
		"spacing":     st.Spacing,
		"angle":       st.Angle,
		"borderstyle": st.BorderStyle,
		"outline":     st.OutlineW,
		"shadow":      st.ShadowW,
		"alignment":   st.Alignment,
		"margin_l":    st.Margin[0],
		"margin_r":    st.Margin[1],
		"margin_t":    st.Margin[2],
		"encoding":    st.Encoding,
	}
}

func applyStyleProps(st *document.Style, args map[string]interface{}) error {
	for key, dst := range map[string]*string{
		"fontname": &st.FontName,
		"color1":   &st.Primary,
		"color3":   &st.Outline,
		"color4":   &st.Shadow,
	} {
		if raw, ok := args[key]; ok {
			value, ok := raw.(string)
			if !ok {
				return fmt.Errorf("'%s' must be a string", key)
			}
			*dst = value
		}
	}
	for key, dst := range map[string]*bool{
		"bold":      &st.Bold,
		"italic":    &st.Italic,
		"underline": &st.Underline,
		"strikeout": &st.StrikeOut,
	} {
		if raw, ok := args[key]; ok {
			value, ok := raw.(bool)
			if !ok {
				return fmt.Errorf("'%s' must be a boolean", key)
			}
			*dst = value
		}
	}
	for key, dst := range map[string]*float64{
		"fontsize": &st.FontSize,
		"scale_x":  &st.ScaleX,
		"scale_y":  &st.ScaleY,
		"spacing":  &st.Spacing,
		"angle":    &st.Angle,
		"outline":  &st.OutlineW,
		"shadow":   &st.ShadowW,
	} {
		if raw, ok := args[key]; ok {
			value, ok := raw.(float64)
			if !ok {
				return fmt.Errorf("'%s' must be a number", key)
			}
			*dst = value
		}
	}
	for key, dst := range map[string]*int{
		"borderstyle": &st.BorderStyle,
		"alignment":   &st.Alignment,
		"encoding":    &st.Encoding,
		"margin_l":    &st.Margin[0],
		"margin_r":    &st.Margin[1],
		"margin_t":    &st.Margin[2],
	} {
		if n, present, err := presentInt(args, key); err != nil {
			return err
		} else if present {
			*dst = n
		}
	}
	return nil
}

func (s *Server) handleStylesTool(_ context.Context, args map[string]interface{}) (interface{}, error) {
	action, err := actionOf(args)
	if err != nil {
		return nil, err
	}
	doc := s.sess.Doc

	switch action {
	case "list":
		styles := make([]map[string]interface{}, 0, len(doc.Styles()))
		for _, st := range doc.Styles() {
			styles = append(styles, styleToJSON(st))
		}
		return map[string]interface{}{"styles": styles}, nil

	case "create":
		name, err := requiredString(args, "name")
		if err != nil {
			return nil, err
		}
		if doc.FindStyle(name) != nil {
			return nil, fmt.Errorf("Style already exists: %s", name)
		}
		st := document.DefaultStyle()
		st.Name = name
		if err := applyStyleProps(st, args); err != nil {
			return nil, err
		}
		if err := doc.AddStyle(st); err != nil {
			return nil, err
		}
		doc.Commit("create style", document.CommitStyles)
		return map[string]interface{}{"name": name, "created": true}, nil

	case "update":
		name, err := requiredString(args, "name")
		if err != nil {
			return nil, err
		}
		st := doc.FindStyle(name)
		if st == nil {
			return nil, fmt.Errorf("Style not found: %s", name)
		}
		if err := applyStyleProps(st, args); err != nil {
			return nil, err
		}
		doc.Commit("update style", document.CommitStyles)
		return map[string]interface{}{"name": name, "updated": true}, nil
	}
	return nil, unknownAction(action)
}

// ============================================================
// lines
// ============================================================

func (s *Server) linesTool() toolDefinition {
	return toolDefinition{
		Name: protocol.ToolNameLines,
		Description: "Subtitle line operations.\n" +
			"Actions:\n" +
			"- get: Get lines with optional pagination (start, count) and filtering (filter_style, filter_actor)\n" +
			"- insert: Insert new lines (lines array required, position optional)\n" +
			"- update: Batch update lines (updates array with index + fields to modify)\n" +
			"- delete: Delete lines by indices\n" +
			"- merge: Merge multiple lines into one (text concatenated with \\N)\n" +
			"- split: Split a line at a time point\n" +
			"- sort: Sort lines by field (start_time, end_time, style, actor, effect, layer)\n" +
			"- find_replace: Find and replace text across lines",
		InputSchema: objectSchema(map[string]interface{}{
			"action":         enumProp("Operation to perform", "get", "insert", "update", "delete", "merge", "split", "sort", "find_replace"),
			"start":          prop("integer", "Start index for get (0-based)"),
			"count":          prop("integer", "Number of lines for get"),
			"filter_style":   prop("string", "Filter by style (for get)"),
			"filter_actor":   prop("string", "Filter by actor (for get)"),
			"lines":          arrayProp("object", "Lines to insert (for insert)"),
			"position":       prop("integer", "Insert position (for insert)"),
			"updates":        arrayProp("object", "Update objects with index + fields (for update)"),
			"indices":        arrayProp("integer", "Line indices (for delete/merge)"),
			"index":          prop("integer", "Line index (for split)"),
			"split_time":     prop("integer", "Split time in ms (for split)"),
			"first_text":     prop("string", "Text for first part (for split)"),
			"second_text":    prop("string", "Text for second part (for split)"),
			"field":          prop("string", "Sort field"),
			"selection_only": prop("boolean", "Only affect selected lines (for sort)"),
			"find":           prop("string", "Text to find (for find_replace)"),
			"replace":        prop("string", "Replacement text (for find_replace)"),
		}, "action"),
		runOnOwner: true,
		handler:    s.handleLinesTool,
	}
}

func (s *Server) handleLinesTool(_ context.Context, args map[string]interface{}) (interface{}, error) {
	action, err := actionOf(args)
	if err != nil {
		return nil, err
	}
	doc := s.sess.Doc

	switch action {
	case "get":
		start, err := optionalInt(args, "start", 0)
		if err != nil {
			return nil, err
		}
		count, err := optionalInt(args, "count", -1)
		if err != nil {
			return nil, err
		}
		filterStyle, err := optionalString(args, "filter_style", "")
		if err != nil {
			return nil, err
		}
		filterActor, err := optionalString(args, "filter_actor", "")
		if err != nil {
			return nil, err
		}
		lines := make([]map[string]interface{}, 0)
		returned := 0
		doc.Each(func(index int, ev *document.Event) bool {
			if index < start {
				return true
			}
			if count >= 0 && returned >= count {
				return false
			}
			if filterStyle != "" && ev.Style != filterStyle {
				return true
			}
			if filterActor != "" && ev.Actor != filterActor {
				return true
			}
			lines = append(lines, eventToJSON(ev, index))
			returned++
			return true
		})
		return map[string]interface{}{"lines": lines, "total": doc.Len()}, nil

	case "insert":
		objs, err := requiredObjectSlice(args, "lines")
		if err != nil {
			return nil, err
		}
		position, err := optionalInt(args, "position", -1)
		if err != nil {
			return nil, err
		}
		events := make([]*document.Event, 0, len(objs))
		for _, obj := range objs {
			ev, err := eventFromJSON(obj)
			if err != nil {
				return nil, err
			}
			events = append(events, ev)
		}
		doc.Insert(position, events...)
		doc.Commit("insert lines", document.CommitAddRem)
		return map[string]interface{}{"inserted": len(events)}, nil

	case "update":
		updates, err := requiredObjectSlice(args, "updates")
		if err != nil {
			return nil, err
		}
		var mask document.CommitMask
		updated := 0
		for _, upd := range updates {
			index, err := requiredInt(upd, "index")
			if err != nil {
				return nil, err
			}
			ev := doc.At(index)
			if ev == nil {
				continue
			}
			m, err := applyEventFields(ev, upd)
			if err != nil {
				return nil, err
			}
			mask |= m
			updated++
		}
		if mask != 0 {
			doc.Commit("batch update", mask)
		}
		return map[string]interface{}{"updated": updated}, nil

	case "delete":
		indices, err := requiredIntSlice(args, "indices")
		if err != nil {
			return nil, err
		}
		ids := make([]document.EventID, 0, len(indices))
		minIndex := doc.Len()
		for _, idx := range indices {
			if ev := doc.At(idx); ev != nil {
				ids = append(ids, ev.ID)
				if idx < minIndex {
					minIndex = idx
				}
			}
		}
		deleted := doc.Remove(ids...)
		if deleted == 0 {
			return map[string]interface{}{"deleted": 0}, nil
		}
		// a document never goes empty; mirror fresh-file behavior
		if doc.Len() == 0 {
			doc.Insert(-1, &document.Event{End: 5000, Style: "Default"})
		}
		if minIndex >= doc.Len() {
			minIndex = doc.Len() - 1
		}
		next := doc.At(minIndex)
		doc.SetSelection([]document.EventID{next.ID}, next.ID)
		doc.Commit("delete lines", document.CommitAddRem)
		return map[string]interface{}{"deleted": deleted}, nil

	case "merge":
		indices, err := requiredIntSlice(args, "indices")
		if err != nil {
			return nil, err
		}
		if len(indices) < 2 {
			return nil, fmt.Errorf("Need at least 2 lines to merge")
		}
		sort.Ints(indices)
		events := make([]*document.Event, 0, len(indices))
		for _, idx := range indices {
			ev := doc.At(idx)
			if ev == nil {
				return nil, fmt.Errorf("Line index out of range: %d", idx)
			}
			events = append(events, ev)
		}
		first := events[0]
		text := first.Text
		minStart, maxEnd := first.Start, first.End
		doomed := make([]document.EventID, 0, len(events)-1)
		for _, ev := range events[1:] {
			text += "\\N" + ev.Text
			if ev.Start < minStart {
				minStart = ev.Start
			}
			if ev.End > maxEnd {
				maxEnd = ev.End
			}
			doomed = append(doomed, ev.ID)
		}
		first.Text = text
		first.Start = minStart
		first.End = maxEnd
		doc.Remove(doomed...)
		doc.Commit("merge lines", document.CommitAddRem|document.CommitText|document.CommitTime)
		return map[string]interface{}{"merged_into_index": indices[0]}, nil

	case "split":
		index, err := requiredInt(args, "index")
		if err != nil {
			return nil, err
		}
		splitTime, err := requiredInt(args, "split_time")
		if err != nil {
			return nil, err
		}
		ev := doc.At(index)
		if ev == nil {
			return nil, fmt.Errorf("Line index out of range")
		}
		if splitTime <= ev.Start || splitTime >= ev.End {
			return nil, fmt.Errorf("split_time must be between line start and end time")
		}
		second := *ev
		second.ID = 0
		second.Extradata = append([]uint32(nil), ev.Extradata...)
		second.Start = splitTime
		ev.End = splitTime
		_, hasFirst := args["first_text"]
		if hasFirst {
			if ev.Text, err = requiredString(args, "first_text"); err != nil {
				return nil, err
			}
		}
		if _, ok := args["second_text"]; ok {
			if second.Text, err = requiredString(args, "second_text"); err != nil {
				return nil, err
			}
		} else if !hasFirst {
			second.Text = ""
		}
		doc.Insert(index+1, &second)
		doc.Commit("split line", document.CommitAddRem|document.CommitTime)
		return map[string]interface{}{
			"first_index":  index,
			"second_index": index + 1,
			"first_end":    splitTime,
			"second_start": splitTime,
		}, nil

	case "sort":
		field, err := requiredString(args, "field")
		if err != nil {
			return nil, err
		}
		selOnly, err := optionalBool(args, "selection_only", false)
		if err != nil {
			return nil, err
		}
		var limit map[document.EventID]struct{}
		if selOnly {
			limit = map[document.EventID]struct{}{}
			for _, id := range doc.SelectedIDs() {
				limit[id] = struct{}{}
			}
		}
		if !doc.Sort(document.SortField(field), limit) {
			return nil, fmt.Errorf("Unknown sort field: %s", field)
		}
		doc.Commit("sort lines", document.CommitOrder)
		return map[string]interface{}{"sorted": true, "field": field}, nil

	case "find_replace":
		find, err := requiredString(args, "find")
		if err != nil {
			return nil, err
		}
		if find == "" {
			return nil, fmt.Errorf("'find' must be a non-empty string")
		}
		replace, err := requiredString(args, "replace")
		if err != nil {
			return nil, err
		}
		replacements := 0
		changed := false
		doc.Each(func(_ int, ev *document.Event) bool {
			n := strings.Count(ev.Text, find)
			if n > 0 {
				ev.Text = strings.ReplaceAll(ev.Text, find, replace)
				replacements += n
				changed = true
			}
			return true
		})
		if changed {
			doc.Commit("find/replace", document.CommitText)
		}
		return map[string]interface{}{"replacements": replacements}, nil
	}
	return nil, unknownAction(action)
}

// ============================================================
// timing
// ============================================================

func (s *Server) timingTool() toolDefinition {
	return toolDefinition{
		Name: protocol.ToolNameTiming,
		Description: "Timeline & timing operations.\n" +
			"Actions:\n" +
			"- shift: Shift start/end times by offset_ms\n" +
			"- snap_to_keyframe: Snap times to nearest keyframe\n" +
			"- make_continuous: Remove gaps between adjacent lines\n" +
			"- add_lead_in_out: Extend start earlier and/or end later\n" +
			"- generate_from_text: Create timed lines from text array",
		InputSchema: objectSchema(map[string]interface{}{
			"action":      enumProp("Operation to perform", "shift", "snap_to_keyframe", "make_continuous", "add_lead_in_out", "generate_from_text"),
			"indices":     arrayProp("integer", ""),
			"offset_ms":   prop("integer", ""),
			"target":      prop("string", "start/end/both"),
			"direction":   enumProp("", "prev", "next", "nearest"),
			"lead_in_ms":  prop("integer", ""),
			"lead_out_ms": prop("integer", ""),
			"lines":       arrayProp("object", ""),
			"start_ms":    prop("integer", ""),
			"end_ms":      prop("integer", ""),
			"gap_ms":      prop("integer", ""),
		}, "action"),
		runOnOwner: true,
		handler:    s.handleTimingTool,
	}
}

func (s *Server) handleTimingTool(_ context.Context, args map[string]interface{}) (interface{}, error) {
	action, err := actionOf(args)
	if err != nil {
		return nil, err
	}
	doc := s.sess.Doc

	switch action {
	case "shift":
		indices, err := requiredIntSlice(args, "indices")
		if err != nil {
			return nil, err
		}
		offset, err := requiredInt(args, "offset_ms")
		if err != nil {
			return nil, err
		}
		shifted := 0
		for _, idx := range indices {
			ev := doc.At(idx)
			if ev == nil {
				continue
			}
			ev.Start = max(0, ev.Start+offset)
			ev.End = max(0, ev.End+offset)
			shifted++
		}
		if shifted > 0 {
			doc.Commit("shift times", document.CommitTime)
		}
		return map[string]interface{}{"shifted": shifted}, nil

	case "snap_to_keyframe":
		indices, err := requiredIntSlice(args, "indices")
		if err != nil {
			return nil, err
		}
		target, err := requiredString(args, "target")
		if err != nil {
			return nil, err
		}
		direction, err := requiredString(args, "direction")
		if err != nil {
			return nil, err
		}
		timing := s.sess.Timing
		if timing == nil {
			return nil, fmt.Errorf("No video loaded")
		}
		keyframes := timing.Keyframes()
		if len(keyframes) == 0 {
			return nil, fmt.Errorf("No keyframes")
		}
		times := make([]int, 0, len(keyframes))
		for _, kf := range keyframes {
			times = append(times, timing.TimeAtFrame(kf))
		}
		sort.Ints(times)
		snapped := 0
		for _, idx := range indices {
			ev := doc.At(idx)
			if ev == nil {
				continue
			}
			if target == "start" || target == "both" {
				ev.Start = snapTime(times, ev.Start, direction)
			}
			if target == "end" || target == "both" {
				ev.End = snapTime(times, ev.End, direction)
			}
			snapped++
		}
		if snapped > 0 {
			doc.Commit("snap to keyframe", document.CommitTime)
		}
		return map[string]interface{}{"snapped": snapped}, nil

	case "make_continuous":
		indices, err := requiredIntSlice(args, "indices")
		if err != nil {
			return nil, err
		}
		target, err := requiredString(args, "target")
		if err != nil {
			return nil, err
		}
		if len(indices) < 2 {
			return nil, fmt.Errorf("Need at least 2 lines")
		}
		sort.Ints(indices)
		events := make([]*document.Event, 0, len(indices))
		for _, idx := range indices {
			ev := doc.At(idx)
			if ev == nil {
				return nil, fmt.Errorf("Index out of range: %d", idx)
			}
			events = append(events, ev)
		}
		adjusted := 0
		if target == "start" {
			for i := 1; i < len(events); i++ {
				events[i].Start = events[i-1].End
				adjusted++
			}
		} else {
			for i := 0; i+1 < len(events); i++ {
				events[i].End = events[i+1].Start
				adjusted++
			}
		}
		if adjusted > 0 {
			doc.Commit("make continuous", document.CommitTime)
		}
		return map[string]interface{}{"adjusted": adjusted}, nil

	case "add_lead_in_out":
		indices, err := requiredIntSlice(args, "indices")
		if err != nil {
			return nil, err
		}
		leadIn, err := optionalInt(args, "lead_in_ms", 0)
		if err != nil {
			return nil, err
		}
		leadOut, err := optionalInt(args, "lead_out_ms", 0)
		if err != nil {
			return nil, err
		}
		adjusted := 0
		for _, idx := range indices {
			ev := doc.At(idx)
			if ev == nil {
				continue
			}
			if leadIn > 0 {
				ev.Start = max(0, ev.Start-leadIn)
			}
			if leadOut > 0 {
				ev.End += leadOut
			}
			adjusted++
		}
		if adjusted > 0 {
			doc.Commit("add lead in/out", document.CommitTime)
		}
		return map[string]interface{}{"adjusted": adjusted}, nil

	case "generate_from_text":
		objs, err := requiredObjectSlice(args, "lines")
		if err != nil {
			return nil, err
		}
		startMS, err := requiredInt(args, "start_ms")
		if err != nil {
			return nil, err
		}
		endMS, err := requiredInt(args, "end_ms")
		if err != nil {
			return nil, err
		}
		gapMS, err := optionalInt(args, "gap_ms", 0)
		if err != nil {
			return nil, err
		}
		if len(objs) == 0 {
			return nil, fmt.Errorf("lines array is empty")
		}
		if endMS <= startMS {
			return nil, fmt.Errorf("end_ms must be > start_ms")
		}
		n := len(objs)
		totalDur := endMS - startMS - gapMS*(n-1)
		if totalDur <= 0 {
			return nil, fmt.Errorf("Not enough time")
		}
		lengths := make([]int, 0, n)
		totalLen := 0
		texts := make([]string, 0, n)
		for _, obj := range objs {
			text, err := requiredString(obj, "text")
			if err != nil {
				return nil, err
			}
			texts = append(texts, text)
			l := max(1, len(text))
			lengths = append(lengths, l)
			totalLen += l
		}
		cur := startMS
		created := 0
		events := make([]*document.Event, 0, n)
		for i := 0; i < n; i++ {
			dur := totalDur * lengths[i] / totalLen
			if i == n-1 {
				dur = endMS - cur
			}
			ev := &document.Event{Start: cur, End: cur + dur, Text: texts[i], Style: "Default"}
			if style, err := optionalString(objs[i], "style", ""); err != nil {
				return nil, err
			} else if style != "" {
				ev.Style = style
			}
			if actor, err := optionalString(objs[i], "actor", ""); err != nil {
				return nil, err
			} else if actor != "" {
				ev.Actor = actor
			}
			events = append(events, ev)
			cur += dur + gapMS
			created++
		}
		doc.Insert(-1, events...)
		doc.Commit("generate timing", document.CommitAddRem)
		return map[string]interface{}{"created": created}, nil
	}
	return nil, unknownAction(action)
}

func snapTime(sorted []int, t int, direction string) int {
	i := sort.SearchInts(sorted, t)
	switch direction {
	case "prev":
		// greatest keyframe time <= t
		j := sort.Search(len(sorted), func(k int) bool { return sorted[k] > t })
		if j == 0 {
			return sorted[0]
		}
		return sorted[j-1]
	case "next":
		if i == len(sorted) {
			return sorted[len(sorted)-1]
		}
		return sorted[i]
	default: // nearest
		if i == len(sorted) {
			return sorted[len(sorted)-1]
		}
		if i == 0 {
			return sorted[0]
		}
		if t-sorted[i-1] <= sorted[i]-t {
			return sorted[i-1]
		}
		return sorted[i]
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// ============================================================
// selection
// ============================================================

func (s *Server) selectionTool() toolDefinition {
	return toolDefinition{
		Name: protocol.ToolNameSelection,
		Description: "Selection management.\n" +
			"Actions:\n" +
			"- get: Get selected line indices and active line\n" +
			"- set: Set selection and optionally active line",
		InputSchema: objectSchema(map[string]interface{}{
			"action":  enumProp("Operation to perform", "get", "set"),
			"indices": arrayProp("integer", "Line indices to select (for set)"),
			"active":  prop("integer", "Active line index (for set)"),
		}, "action"),
		runOnOwner: true,
		handler:    s.handleSelectionTool,
	}
}

func (s *Server) handleSelectionTool(_ context.Context, args map[string]interface{}) (interface{}, error) {
	action, err := actionOf(args)
	if err != nil {
		return nil, err
	}
	doc := s.sess.Doc

	switch action {
	case "get":
		indices := make([]int, 0)
		for _, id := range doc.SelectedIDs() {
			if idx := doc.IndexOf(id); idx >= 0 {
				indices = append(indices, idx)
			}
		}
		sort.Ints(indices)
		activeIndex := -1
		if id := doc.ActiveID(); id >= 0 {
			activeIndex = doc.IndexOf(id)
		}
		return map[string]interface{}{"selected_indices": indices, "active_index": activeIndex}, nil

	case "set":
		indices, err := requiredIntSlice(args, "indices")
		if err != nil {
			return nil, err
		}
		defActive := -1
		if len(indices) > 0 {
			defActive = indices[0]
		}
		activeIdx, err := optionalInt(args, "active", defActive)
		if err != nil {
			return nil, err
		}
		ids := make([]document.EventID, 0, len(indices))
		for _, idx := range indices {
			if ev := doc.At(idx); ev != nil {
				ids = append(ids, ev.ID)
			}
		}
		active := document.EventID(-1)
		if ev := doc.At(activeIdx); ev != nil {
			active = ev.ID
		}
		doc.SetSelection(ids, active)
		return map[string]interface{}{"selected": len(indices)}, nil
	}
	return nil, unknownAction(action)
}
