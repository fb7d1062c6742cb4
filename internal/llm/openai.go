package llm

import (
	"context"
	"encoding/json"

	"sub2mcp/internal/options"
)

type openAIProvider struct {
	opts options.Getter
}

type openAIInputAudio struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

type openAIContentPart struct {
	Type       string            `json:"type"`
	Text       string            `json:"text,omitempty"`
	InputAudio *openAIInputAudio `json:"input_audio,omitempty"`
}

// Content is a plain string for system messages and a part array for user
// messages, so it stays an interface{}.
type openAIMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type openAIRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
}

type openAIResponse struct {
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (p *openAIProvider) ProviderName() string { return "openai" }

func (p *openAIProvider) IsConfigured() bool {
	return p.opts.GetString("audio_llm/api_key") != "" && p.opts.GetString("audio_llm/base_url") != ""
}

func (p *openAIProvider) Call(ctx context.Context, req Request) Response {
	baseURL := p.opts.GetString("audio_llm/base_url")
	apiKey := p.opts.GetString("audio_llm/api_key")
	model := p.opts.GetString("audio_llm/model")
	if apiKey == "" || baseURL == "" {
		return failure("OpenAI API key or base URL not configured")
	}

	var messages []openAIMessage
	if req.SystemPrompt != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.SystemPrompt})
	}

	var userContent []openAIContentPart
	if req.AudioBase64 != "" {
		userContent = append(userContent, openAIContentPart{
			Type:       "input_audio",
			InputAudio: &openAIInputAudio{Data: req.AudioBase64, Format: "wav"},
		})
	}
	userContent = append(userContent, openAIContentPart{Type: "text", Text: req.UserText})
	messages = append(messages, openAIMessage{Role: "user", Content: userContent})

	body, err := json.Marshal(openAIRequest{Model: model, Messages: messages})
	if err != nil {
		return failure("failed to encode request: %v", err)
	}

	raw, err := postJSON(ctx, baseURL+"/chat/completions", body, "Bearer "+apiKey, p.opts.GetString("audio_llm/http_proxy"))
	if err != nil {
		return failure("%v", err)
	}
	if len(raw) == 0 {
		return failure("Empty response from OpenAI API")
	}

	var resp openAIResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return failure("Failed to parse response: %v", err)
	}
	if resp.Error != nil {
		msg := resp.Error.Message
		if msg == "" {
			msg = "Unknown OpenAI API error"
		}
		return failure("%s", msg)
	}
	if len(resp.Choices) == 0 {
		return failure("No choices in OpenAI response")
	}
	return success(resp.Choices[0].Message.Content)
}
