package mcp

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"sub2mcp/internal/document"
	"sub2mcp/internal/llm"
	"sub2mcp/internal/media"
	"sub2mcp/internal/protocol"
	"sub2mcp/internal/stt"
)

// stt and audio_llm run on the worker pool: their provider calls block for
// up to minutes and must not stall the owner goroutine. Document access
// inside them hops through Queue.Sync.

const maxLLMAudioMS = 300000

// ============================================================
// stt
// ============================================================

func (s *Server) sttTool() toolDefinition {
	return toolDefinition{
		Name: protocol.ToolNameSTT,
		Description: "Speech-to-text transcription with per-line caching.\n" +
			"Actions:\n" +
			"- get_config: Get STT configuration (API key masked)\n" +
			"- set_config: Update STT configuration fields\n" +
			"- transcribe: Transcribe lines by index using their times; cached results are reused\n" +
			"- transcribe_audio: Transcribe a raw time range into new timed lines\n" +
			"- get_cache: List cached transcriptions (all, or just the given indices)\n" +
			"- clear_cache: Drop cached transcriptions (all, or just the given indices)",
		InputSchema: objectSchema(map[string]interface{}{
			"action":          enumProp("Operation to perform", "get_config", "set_config", "transcribe", "transcribe_audio", "get_cache", "clear_cache"),
			"base_url":        prop("string", "API base URL (for set_config)"),
			"api_key":         prop("string", "API key (for set_config)"),
			"model":           prop("string", "Model name (for set_config)"),
			"language":        prop("string", "Language hint, or 'Auto' (for set_config/transcribe_audio)"),
			"prompt":          prop("string", "Transcription prompt (for set_config/transcribe_audio)"),
			"enabled":         prop("boolean", "Enable background transcription (for set_config)"),
			"lookahead_lines": prop("integer", "Lines to prefetch after the requested one (for set_config)"),
			"indices":         arrayProp("integer", "Line indices (for transcribe/get_cache/clear_cache)"),
			"start_ms":        prop("integer", "Range start in ms (for transcribe_audio)"),
			"end_ms":          prop("integer", "Range end in ms (for transcribe_audio)"),
		}, "action"),
		handler: s.handleSTTTool,
	}
}

func (s *Server) handleSTTTool(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	action, err := actionOf(args)
	if err != nil {
		return nil, err
	}
	opts := s.sess.Opts
	service := s.sess.STT

	switch action {
	case "get_config":
		return map[string]interface{}{
			"enabled":         opts.GetBool("stt/enabled"),
			"base_url":        opts.GetString("stt/base_url"),
			"api_key_set":     opts.GetString("stt/api_key") != "",
			"model":           opts.GetString("stt/model"),
			"language":        opts.GetString("stt/language"),
			"prompt":          opts.GetString("stt/prompt"),
			"lookahead_lines": opts.GetInt("stt/lookahead_lines"),
		}, nil

	case "set_config":
		return setConfigFields(args, map[string]string{
			"base_url":        "stt/base_url",
			"api_key":         "stt/api_key",
			"model":           "stt/model",
			"language":        "stt/language",
			"prompt":          "stt/prompt",
			"enabled":         "stt/enabled",
			"lookahead_lines": "stt/lookahead_lines",
		}, opts)

	case "transcribe":
		indices, err := requiredIntSlice(args, "indices")
		if err != nil {
			return nil, err
		}
		if !service.Client().IsConfigured() {
			return nil, fmt.Errorf("STT is not configured. Set API key and base URL first.")
		}
		results := make([]map[string]interface{}, 0, len(indices))
		for _, idx := range indices {
			entry := s.transcribeLine(ctx, idx)
			results = append(results, entry)
		}
		return map[string]interface{}{"results": results, "count": len(results)}, nil

	case "transcribe_audio":
		return s.transcribeAudioRange(ctx, args)

	case "get_cache":
		results := make([]map[string]interface{}, 0)
		err := s.sess.Queue.Sync(func() error {
			if raw, ok := args["indices"]; ok {
				indices, err := toIntSlice(raw, "indices")
				if err != nil {
					return err
				}
				for _, idx := range indices {
					ev := s.sess.Doc.At(idx)
					if ev == nil || !service.HasText(ev.ID) {
						continue
					}
					results = append(results, map[string]interface{}{"index": idx, "text": service.GetCachedText(ev.ID)})
				}
				return nil
			}
			type cacheEntry struct {
				index int
				text  string
			}
			var entries []cacheEntry
			for id, text := range service.CachedAll() {
				if idx := s.sess.Doc.IndexOf(id); idx >= 0 {
					entries = append(entries, cacheEntry{index: idx, text: text})
				}
			}
			sort.Slice(entries, func(i, j int) bool { return entries[i].index < entries[j].index })
			for _, e := range entries {
				results = append(results, map[string]interface{}{"index": e.index, "text": e.text})
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"results": results, "count": len(results)}, nil

	case "clear_cache":
		var cleared int
		err := s.sess.Queue.Sync(func() error {
			if raw, ok := args["indices"]; ok {
				indices, err := toIntSlice(raw, "indices")
				if err != nil {
					return err
				}
				for _, idx := range indices {
					ev := s.sess.Doc.At(idx)
					if ev == nil || !service.HasText(ev.ID) {
						continue
					}
					service.InvalidateCache(ev.ID)
					cleared++
				}
				return nil
			}
			cleared = len(service.CachedAll())
			service.Clear()
			return nil
		})
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"cleared": cleared}, nil
	}
	return nil, unknownAction(action)
}

// transcribeLine resolves one line on the owner goroutine, validates its
// duration, and transcribes it. Failures become per-line entries so one bad
// line does not abort a batch.
func (s *Server) transcribeLine(ctx context.Context, idx int) map[string]interface{} {
	fail := func(msg string) map[string]interface{} {
		return map[string]interface{}{"index": idx, "error": msg}
	}

	var (
		id             document.EventID
		startMS, endMS int
		fromCache      bool
	)
	err := s.sess.Queue.Sync(func() error {
		ev := s.sess.Doc.At(idx)
		if ev == nil {
			return fmt.Errorf("Line index out of range")
		}
		id = ev.ID
		startMS = ev.Start
		endMS = ev.End
		fromCache = s.sess.STT.HasText(id)
		return nil
	})
	if err != nil {
		return fail(err.Error())
	}
	if !fromCache {
		if endMS <= startMS {
			return fail("Invalid duration")
		}
		if endMS-startMS > stt.MaxDurationMS {
			return fail("Duration exceeds 60s limit")
		}
	}
	text, err := s.sess.STT.TranscribeSync(ctx, id, startMS, endMS)
	if err != nil {
		return fail(err.Error())
	}
	return map[string]interface{}{
		"index":      idx,
		"start_time": startMS,
		"end_time":   endMS,
		"text":       text,
		"from_cache": fromCache,
	}
}

func (s *Server) transcribeAudioRange(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	startMS, err := requiredInt(args, "start_ms")
	if err != nil {
		return nil, err
	}
	endMS, err := requiredInt(args, "end_ms")
	if err != nil {
		return nil, err
	}
	if endMS <= startMS {
		return nil, fmt.Errorf("Invalid duration")
	}
	if endMS-startMS > maxLLMAudioMS {
		return nil, fmt.Errorf("Maximum audio duration is 300 seconds (5 minutes). Split into smaller segments.")
	}
	client := s.sess.STT.Client()
	if !client.IsConfigured() {
		return nil, fmt.Errorf("STT is not configured. Set API key and base URL first.")
	}
	language, err := optionalString(args, "language", "")
	if err != nil {
		return nil, err
	}
	prompt, err := optionalString(args, "prompt", "")
	if err != nil {
		return nil, err
	}

	var src media.AudioSource
	if err := s.sess.Queue.Sync(func() error {
		src = s.sess.Audio
		return nil
	}); err != nil {
		return nil, err
	}
	if src == nil {
		return nil, fmt.Errorf("No audio loaded")
	}

	wavPath := filepath.Join(os.TempDir(), fmt.Sprintf("sub2mcp_stt_%d_%s.wav", time.Now().UnixNano(), uuid.NewString()))
	if err := media.SaveClip(src, wavPath, startMS, endMS); err != nil {
		return nil, err
	}
	defer os.Remove(wavPath)

	segments, err := client.TranscribeVerbose(ctx, wavPath, language, prompt)
	if err != nil {
		return nil, err
	}

	var lines []map[string]interface{}
	err = s.sess.Queue.Sync(func() error {
		events := make([]*document.Event, 0, len(segments))
		for _, seg := range segments {
			text := strings.TrimSpace(seg.Text)
			if text == "" {
				continue
			}
			start := startMS + int(seg.Start*1000)
			end := startMS + int(seg.End*1000)
			if end <= start {
				end = endMS
			}
			events = append(events, &document.Event{Start: start, End: end, Text: text, Style: "Default"})
		}
		if len(events) == 0 {
			return nil
		}
		base := s.sess.Doc.Len()
		s.sess.Doc.Insert(-1, events...)
		s.sess.Doc.Commit("transcribe audio", document.CommitAddRem)
		for i, ev := range events {
			lines = append(lines, map[string]interface{}{
				"index":      base + i,
				"start_time": ev.Start,
				"end_time":   ev.End,
				"text":       ev.Text,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"lines_created": len(lines), "lines": lines}, nil
}

// ============================================================
// audio_llm
// ============================================================

func (s *Server) audioLLMTool() toolDefinition {
	return toolDefinition{
		Name: protocol.ToolNameAudioLLM,
		Description: "Audio-capable LLM access (Gemini or OpenAI-compatible).\n" +
			"Actions:\n" +
			"- get_config: Get provider configuration (API key masked)\n" +
			"- set_config: Update provider configuration fields\n" +
			"- call: Send a prompt, optionally with an audio clip from the loaded file",
		InputSchema: objectSchema(map[string]interface{}{
			"action":        enumProp("Operation to perform", "get_config", "set_config", "call"),
			"provider":      enumProp("Provider name (for set_config)", "gemini", "openai"),
			"base_url":      prop("string", "API base URL (for set_config)"),
			"api_key":       prop("string", "API key (for set_config)"),
			"model":         prop("string", "Model name (for set_config)"),
			"http_proxy":    prop("string", "HTTP proxy URL (for set_config)"),
			"system_prompt": prop("string", "System instruction (for call)"),
			"text":          prop("string", "User text (for call)"),
			"start_ms":      prop("integer", "Audio range start in ms (for call, optional)"),
			"end_ms":        prop("integer", "Audio range end in ms (for call, optional)"),
		}, "action"),
		handler: s.handleAudioLLMTool,
	}
}

func (s *Server) handleAudioLLMTool(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	action, err := actionOf(args)
	if err != nil {
		return nil, err
	}
	opts := s.sess.Opts

	switch action {
	case "get_config":
		return map[string]interface{}{
			"provider":    opts.GetString("audio_llm/provider"),
			"base_url":    opts.GetString("audio_llm/base_url"),
			"api_key_set": opts.GetString("audio_llm/api_key") != "",
			"model":       opts.GetString("audio_llm/model"),
			"http_proxy":  opts.GetString("audio_llm/http_proxy"),
		}, nil

	case "set_config":
		return setConfigFields(args, map[string]string{
			"provider":   "audio_llm/provider",
			"base_url":   "audio_llm/base_url",
			"api_key":    "audio_llm/api_key",
			"model":      "audio_llm/model",
			"http_proxy": "audio_llm/http_proxy",
		}, opts)

	case "call":
		systemPrompt, err := requiredString(args, "system_prompt")
		if err != nil {
			return nil, fmt.Errorf("'system_prompt' and 'text' are required for call action")
		}
		text, err := requiredString(args, "text")
		if err != nil {
			return nil, fmt.Errorf("'system_prompt' and 'text' are required for call action")
		}
		if opts.GetString("audio_llm/api_key") == "" || opts.GetString("audio_llm/base_url") == "" {
			return nil, fmt.Errorf("Audio LLM is not configured. Set API key and base URL first.")
		}

		req := llm.Request{SystemPrompt: systemPrompt, UserText: text}
		audioDurationMS := 0

		startMS, hasStart, err := presentInt(args, "start_ms")
		if err != nil {
			return nil, err
		}
		endMS, hasEnd, err := presentInt(args, "end_ms")
		if err != nil {
			return nil, err
		}
		if hasStart && hasEnd {
			if endMS <= startMS {
				return nil, fmt.Errorf("start_ms must be < end_ms")
			}
			if endMS-startMS > maxLLMAudioMS {
				return nil, fmt.Errorf("Maximum audio duration is 300 seconds (5 minutes). Split into smaller segments.")
			}
			var src media.AudioSource
			if err := s.sess.Queue.Sync(func() error {
				src = s.sess.Audio
				return nil
			}); err != nil {
				return nil, err
			}
			if src == nil {
				return nil, fmt.Errorf("No audio loaded")
			}
			wav, err := media.BuildWAV(src, startMS, endMS)
			if err != nil {
				return nil, err
			}
			req.AudioBase64 = base64.StdEncoding.EncodeToString(wav)
			req.AudioMIME = "audio/wav"
			audioDurationMS = endMS - startMS
		} else if hasStart != hasEnd {
			return nil, fmt.Errorf("Provide both 'start_ms' and 'end_ms' or neither")
		}

		provider := llm.New(opts)
		resp := provider.Call(ctx, req)
		if !resp.OK {
			return nil, fmt.Errorf("LLM call failed: %s", resp.Err)
		}
		return map[string]interface{}{
			"response":          resp.Text,
			"model":             opts.GetString("audio_llm/model"),
			"provider":          opts.GetString("audio_llm/provider"),
			"audio_duration_ms": audioDurationMS,
		}, nil
	}
	return nil, unknownAction(action)
}

// setConfigFields applies present args to option keys. Booleans and integers
// are stored through their typed setters, everything else as strings.
func setConfigFields(args map[string]interface{}, fields map[string]string, opts optionSetter) (interface{}, error) {
	updated := make([]string, 0, len(fields))
	for arg, key := range fields {
		raw, ok := args[arg]
		if !ok {
			continue
		}
		var err error
		switch v := raw.(type) {
		case string:
			err = opts.SetString(key, v)
		case bool:
			err = opts.SetBool(key, v)
		case float64:
			n, convErr := toInt(v, arg)
			if convErr != nil {
				return nil, convErr
			}
			err = opts.SetInt(key, n)
		default:
			return nil, fmt.Errorf("'%s' has an unsupported type", arg)
		}
		if err != nil {
			return nil, err
		}
		updated = append(updated, arg)
	}
	if len(updated) == 0 {
		return nil, fmt.Errorf("No config fields provided")
	}
	sort.Strings(updated)
	return map[string]interface{}{"updated": updated}, nil
}

type optionSetter interface {
	SetString(key, value string) error
	SetInt(key string, value int) error
	SetBool(key string, value bool) error
}
