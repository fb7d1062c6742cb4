package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sub2mcp/internal/llm"
	"sub2mcp/internal/options"
)

const clientTimeout = 5 * time.Minute

// Client is a whisper-compatible transcription client. Endpoint, key, model,
// language and prompt come from the options store on every call.
type Client struct {
	opts       options.Getter
	HTTPClient *http.Client
}

// NewClient builds a client over the given options store.
func NewClient(opts options.Getter) *Client {
	return &Client{
		opts:       opts,
		HTTPClient: &http.Client{Timeout: clientTimeout},
	}
}

// IsConfigured reports whether base URL and API key are both set.
func (c *Client) IsConfigured() bool {
	return c.opts.GetString("stt/base_url") != "" && c.opts.GetString("stt/api_key") != ""
}

// Segment is one timed span of a verbose transcription. Times are relative
// to the start of the submitted clip, in seconds.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type verboseResponse struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
}

// Transcribe uploads the WAV file and returns plain text. Language is
// skipped when empty or "Auto". A body that is not valid JSON degrades to
// the trimmed raw text; losing formatting beats losing the transcript.
func (c *Client) Transcribe(ctx context.Context, wavPath string) (string, error) {
	body, err := c.post(ctx, wavPath, "text", "", "")
	if err != nil {
		return "", err
	}
	if text, ok := extractTextField(string(body)); ok {
		return text, nil
	}
	return strings.TrimRight(string(body), "\n\r "), nil
}

// TranscribeVerbose uploads the WAV file with response_format=verbose_json
// and returns the decoded segments. language overrides the configured one
// when non-empty.
func (c *Client) TranscribeVerbose(ctx context.Context, wavPath, language, prompt string) ([]Segment, error) {
	body, err := c.post(ctx, wavPath, "verbose_json", language, prompt)
	if err != nil {
		return nil, err
	}
	var parsed verboseResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &llm.ProviderError{Code: "STT_FAILED", Message: "failed to decode verbose transcription response", Cause: err}
	}
	if len(parsed.Segments) == 0 && strings.TrimSpace(parsed.Text) != "" {
		return []Segment{{Text: parsed.Text}}, nil
	}
	return parsed.Segments, nil
}

func (c *Client) post(ctx context.Context, wavPath, responseFormat, language, prompt string) ([]byte, error) {
	baseURL := strings.TrimRight(c.opts.GetString("stt/base_url"), "/")
	apiKey := c.opts.GetString("stt/api_key")
	model := c.opts.GetString("stt/model")
	if language == "" {
		language = c.opts.GetString("stt/language")
	}
	if prompt == "" {
		prompt = c.opts.GetString("stt/prompt")
	}
	if apiKey == "" || baseURL == "" {
		return nil, &llm.ProviderError{Code: "STT_AUTH", Message: "transcription base URL or API key not configured"}
	}

	data, err := os.ReadFile(wavPath)
	if err != nil {
		return nil, &llm.ProviderError{Code: "STT_FAILED", Message: "failed to read audio clip", Cause: err}
	}

	var reqBody bytes.Buffer
	writer := multipart.NewWriter(&reqBody)
	part, err := writer.CreateFormFile("file", filepath.Base(wavPath))
	if err != nil {
		return nil, &llm.ProviderError{Code: "STT_FAILED", Message: "failed to build request body", Cause: err}
	}
	if _, err := part.Write(data); err != nil {
		return nil, &llm.ProviderError{Code: "STT_FAILED", Message: "failed to write audio payload", Cause: err}
	}
	if err := writer.WriteField("model", model); err != nil {
		return nil, &llm.ProviderError{Code: "STT_FAILED", Message: "failed to set model field", Cause: err}
	}
	if err := writer.WriteField("response_format", responseFormat); err != nil {
		return nil, &llm.ProviderError{Code: "STT_FAILED", Message: "failed to set response_format field", Cause: err}
	}
	if language != "" && language != "Auto" {
		if err := writer.WriteField("language", language); err != nil {
			return nil, &llm.ProviderError{Code: "STT_FAILED", Message: "failed to set language field", Cause: err}
		}
	}
	if prompt != "" {
		if err := writer.WriteField("prompt", prompt); err != nil {
			return nil, &llm.ProviderError{Code: "STT_FAILED", Message: "failed to set prompt field", Cause: err}
		}
	}
	if err := writer.Close(); err != nil {
		return nil, &llm.ProviderError{Code: "STT_FAILED", Message: "failed to finalize request body", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/audio/transcriptions", bytes.NewReader(reqBody.Bytes()))
	if err != nil {
		return nil, &llm.ProviderError{Code: "STT_FAILED", Message: "failed to build request", Cause: err}
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: clientTimeout}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, &llm.ProviderError{Code: "STT_FAILED", Message: "transcription request failed", Retryable: true, Cause: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &llm.ProviderError{Code: "STT_FAILED", Message: "failed to read response", Retryable: true, StatusCode: resp.StatusCode, Cause: err}
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		message := strings.TrimSpace(string(respBody))
		if message == "" {
			message = fmt.Sprintf("transcription endpoint returned status %d", resp.StatusCode)
		}
		return nil, &llm.ProviderError{
			Code:       "STT_FAILED",
			Message:    message,
			Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError,
			StatusCode: resp.StatusCode,
		}
	}
	return respBody, nil
}

// extractTextField scans for a "text" field in a JSON-ish body and returns
// its unescaped value. Only the escapes whisper endpoints actually emit are
// handled; anything else passes through verbatim.
func extractTextField(body string) (string, bool) {
	pos := strings.Index(body, `"text"`)
	if pos < 0 {
		return "", false
	}
	start := strings.IndexByte(body[pos+6:], '"')
	if start < 0 {
		return "", false
	}
	start += pos + 7
	var b strings.Builder
	for i := start; i < len(body); i++ {
		if body[i] == '\\' && i+1 < len(body) {
			switch body[i+1] {
			case '"':
				b.WriteByte('"')
			case '\\':
				b.WriteByte('\\')
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(body[i+1])
			}
			i++
			continue
		}
		if body[i] == '"' {
			break
		}
		b.WriteByte(body[i])
	}
	return b.String(), true
}
