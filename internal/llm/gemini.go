package llm

import (
	"context"
	"encoding/json"

	"sub2mcp/internal/options"
)

type geminiProvider struct {
	opts options.Getter
}

type geminiInlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
}

type geminiResponse struct {
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func (p *geminiProvider) ProviderName() string { return "gemini" }

func (p *geminiProvider) IsConfigured() bool {
	return p.opts.GetString("audio_llm/api_key") != "" && p.opts.GetString("audio_llm/base_url") != ""
}

func (p *geminiProvider) Call(ctx context.Context, req Request) Response {
	baseURL := p.opts.GetString("audio_llm/base_url")
	apiKey := p.opts.GetString("audio_llm/api_key")
	model := p.opts.GetString("audio_llm/model")
	if apiKey == "" || baseURL == "" {
		return failure("Gemini API key or base URL not configured")
	}

	url := baseURL + "/models/" + model + ":generateContent?key=" + apiKey

	var parts []geminiPart
	if req.AudioBase64 != "" {
		mime := req.AudioMIME
		if mime == "" {
			mime = "audio/wav"
		}
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{MIMEType: mime, Data: req.AudioBase64}})
	}
	parts = append(parts, geminiPart{Text: req.UserText})

	wire := geminiRequest{Contents: []geminiContent{{Parts: parts}}}
	if req.SystemPrompt != "" {
		wire.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.SystemPrompt}}}
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return failure("failed to encode request: %v", err)
	}

	raw, err := postJSON(ctx, url, body, "", p.opts.GetString("audio_llm/http_proxy"))
	if err != nil {
		return failure("%v", err)
	}
	if len(raw) == 0 {
		return failure("Empty response from Gemini API")
	}

	var resp geminiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return failure("Failed to parse response: %v", err)
	}
	if resp.Error != nil {
		msg := resp.Error.Message
		if msg == "" {
			msg = "Unknown Gemini API error"
		}
		return failure("%s", msg)
	}
	if len(resp.Candidates) == 0 {
		return failure("No candidates in Gemini response")
	}
	var text string
	for _, part := range resp.Candidates[0].Content.Parts {
		text += part.Text
	}
	return success(text)
}
