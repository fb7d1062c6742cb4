// Package llm adapts remote multimodal backends behind one Provider
// interface. Adapters are stateless and read their configuration from the
// options store on every call, so configuration changes take effect on the
// next invocation without rewiring.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sub2mcp/internal/options"
)

// Request carries everything a backend call needs. AudioBase64 is optional;
// when set, AudioMIME defaults to audio/wav.
type Request struct {
	SystemPrompt string
	UserText     string
	AudioBase64  string
	AudioMIME    string
}

// Response is the single normalized result shape. On failure Text is empty
// and Err carries a human-readable message.
type Response struct {
	Text string
	OK   bool
	Err  string
}

// Provider is a remote multimodal backend.
type Provider interface {
	Call(ctx context.Context, req Request) Response
	IsConfigured() bool
	ProviderName() string
}

// New selects the adapter by the audio_llm/provider option. Unknown values
// fall back to gemini.
func New(opts options.Getter) Provider {
	if opts.GetString("audio_llm/provider") == "openai" {
		return &openAIProvider{opts: opts}
	}
	return &geminiProvider{opts: opts}
}

// callTimeout is generous because inline audio payloads can be large.
const callTimeout = 5 * time.Minute

func failure(format string, args ...interface{}) Response {
	return Response{Err: fmt.Sprintf(format, args...)}
}

func success(text string) Response {
	return Response{Text: text, OK: true}
}

// postJSON performs an HTTP POST with a JSON body and returns the raw
// response bytes. authHeader is the full Authorization value, empty to skip.
func postJSON(ctx context.Context, rawURL string, body []byte, authHeader, proxy string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, &ProviderError{Code: "LLM_FAILED", Message: "failed to build request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}

	client := &http.Client{Timeout: callTimeout}
	if proxy = strings.TrimSpace(proxy); proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, &ProviderError{Code: "LLM_FAILED", Message: "invalid http proxy", Cause: err}
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	log.Printf("[llm] POST %s body_size=%d", truncate(rawURL, 80), len(body))

	resp, err := client.Do(req)
	if err != nil {
		return nil, &ProviderError{Code: "LLM_FAILED", Message: "request failed", Retryable: true, Cause: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Code: "LLM_FAILED", Message: "failed to read response", Retryable: true, StatusCode: resp.StatusCode, Cause: err}
	}
	log.Printf("[llm] response status=%d size=%d", resp.StatusCode, len(out))
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
