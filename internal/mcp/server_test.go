package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"sub2mcp/internal/dispatch"
	"sub2mcp/internal/document"
	"sub2mcp/internal/media"
	"sub2mcp/internal/options"
	"sub2mcp/internal/protocol"
	"sub2mcp/internal/stt"
)

// newTestServer builds a server around a fresh session with a running owner
// queue and ten seconds of silent audio.
func newTestServer(t *testing.T) (*Server, *Session) {
	t.Helper()
	opts, err := options.Open("")
	if err != nil {
		t.Fatal(err)
	}
	doc := document.New()
	queue := dispatch.New(16)
	ctx, cancel := context.WithCancel(context.Background())
	go queue.Run(ctx)
	t.Cleanup(cancel)

	sess := &Session{Doc: doc, Queue: queue, Opts: opts}
	sess.Audio = media.Silence(16000, 10000)
	sess.STT = stt.NewService(doc, queue, opts, stt.NewClient(opts), func() media.AudioSource { return sess.Audio })
	return NewServer(sess), sess
}

func post(t *testing.T, srv *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v body=%s", err, rr.Body.String())
	}
	return resp
}

func TestInitialize(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := post(t, srv, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05"}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	resp := decodeResponse(t, rr)
	result, ok := resp["result"].(map[string]any)
	if !ok {
		t.Fatalf("result = %#v", resp)
	}
	if result["protocolVersion"] != protocol.Version {
		t.Fatalf("protocolVersion = %v", result["protocolVersion"])
	}
	info := result["serverInfo"].(map[string]any)
	if info["name"] != protocol.ServerName || info["version"] != protocol.ServerVersion {
		t.Fatalf("serverInfo = %v", info)
	}
	caps := result["capabilities"].(map[string]any)
	if _, ok := caps["tools"]; !ok {
		t.Fatalf("capabilities = %v", caps)
	}
	if rr.Header().Get(protocol.MCPSessionHeader) == "" {
		t.Fatal("session id header missing after initialize")
	}
}

func TestSessionIDIsStable(t *testing.T) {
	srv, _ := newTestServer(t)
	rr1 := post(t, srv, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	rr2 := post(t, srv, `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	id1 := rr1.Header().Get(protocol.MCPSessionHeader)
	id2 := rr2.Header().Get(protocol.MCPSessionHeader)
	if id1 == "" || id1 != id2 {
		t.Fatalf("session ids: %q vs %q", id1, id2)
	}
}

func TestToolsList(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := post(t, srv, `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`)
	resp := decodeResponse(t, rr)
	tools := resp["result"].(map[string]any)["tools"].([]any)
	if len(tools) != 13 {
		t.Fatalf("tool count = %d", len(tools))
	}
	names := make([]string, 0, len(tools))
	for _, raw := range tools {
		tool := raw.(map[string]any)
		names = append(names, tool["name"].(string))
		if tool["description"] == "" {
			t.Fatalf("tool %v missing description", tool["name"])
		}
		schema := tool["inputSchema"].(map[string]any)
		if schema["type"] != "object" {
			t.Fatalf("tool %v schema = %v", tool["name"], schema)
		}
		props := schema["properties"].(map[string]any)
		if _, ok := props["action"]; !ok {
			t.Fatalf("tool %v schema missing action", tool["name"])
		}
	}
	if names[0] != protocol.ToolNameProject || names[len(names)-1] != protocol.ToolNameAudioLLM {
		t.Fatalf("tool order = %v", names)
	}
	if names[6] != protocol.ToolNameTags || names[8] != protocol.ToolNameCleanup {
		t.Fatalf("tool order = %v", names)
	}
}

func TestNotificationGetsNoResponse(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := post(t, srv, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rr.Code)
	}
	if rr.Body.Len() != 0 {
		t.Fatalf("body = %q, want empty", rr.Body.String())
	}
}

func TestUnknownMethodNotificationIsSilent(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := post(t, srv, `{"jsonrpc":"2.0","method":"no/such/method"}`)
	if rr.Code != http.StatusAccepted || rr.Body.Len() != 0 {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestBatchOfNotificationsIs202(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := post(t, srv, `[{"jsonrpc":"2.0","method":"notifications/initialized"},{"jsonrpc":"2.0","method":"notifications/initialized"}]`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rr.Code)
	}
	if rr.Body.Len() != 0 {
		t.Fatalf("body = %q", rr.Body.String())
	}
}

func TestMixedBatchAnswersOnlyRequests(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := post(t, srv, `[{"jsonrpc":"2.0","id":1,"method":"ping"},{"jsonrpc":"2.0","method":"notifications/initialized"},{"jsonrpc":"2.0","id":2,"method":"ping"}]`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var responses []map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &responses); err != nil {
		t.Fatalf("unmarshal: %v body=%s", err, rr.Body.String())
	}
	if len(responses) != 2 {
		t.Fatalf("got %d responses, want 2", len(responses))
	}
}

func TestParseError(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := post(t, srv, `{not json`)
	resp := decodeResponse(t, rr)
	errObj := resp["error"].(map[string]any)
	if int(errObj["code"].(float64)) != protocol.CodeParseError {
		t.Fatalf("code = %v", errObj["code"])
	}
	if resp["id"] != nil {
		t.Fatalf("id = %v, want null", resp["id"])
	}
}

func TestInvalidRequestMissingVersion(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := post(t, srv, `{"id":1,"method":"ping"}`)
	resp := decodeResponse(t, rr)
	errObj := resp["error"].(map[string]any)
	if int(errObj["code"].(float64)) != protocol.CodeInvalidRequest {
		t.Fatalf("code = %v", errObj["code"])
	}
	// the id still echoes back
	if resp["id"].(float64) != 1 {
		t.Fatalf("id = %v", resp["id"])
	}
}

func TestMethodNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := post(t, srv, `{"jsonrpc":"2.0","id":9,"method":"resources/list"}`)
	resp := decodeResponse(t, rr)
	errObj := resp["error"].(map[string]any)
	if int(errObj["code"].(float64)) != protocol.CodeMethodNotFound {
		t.Fatalf("code = %v", errObj["code"])
	}
	if !strings.Contains(errObj["message"].(string), "resources/list") {
		t.Fatalf("message = %v", errObj["message"])
	}
}

func TestUnknownToolIsResultNotRPCError(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := post(t, srv, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"bogus","arguments":{}}}`)
	resp := decodeResponse(t, rr)
	if resp["error"] != nil {
		t.Fatalf("got RPC error for unknown tool: %v", resp["error"])
	}
	result := resp["result"].(map[string]any)
	if result["isError"] != true {
		t.Fatalf("result = %v", result)
	}
	content := result["content"].([]any)
	text := content[0].(map[string]any)["text"].(string)
	if text != "Unknown tool: bogus" {
		t.Fatalf("text = %q", text)
	}
}

func TestToolFailureIsResultNotRPCError(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := post(t, srv, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"lines","arguments":{"action":"merge","indices":[0]}}}`)
	resp := decodeResponse(t, rr)
	if resp["error"] != nil {
		t.Fatalf("tool failure must not be an RPC error: %v", resp["error"])
	}
	result := resp["result"].(map[string]any)
	if result["isError"] != true {
		t.Fatalf("result = %v", result)
	}
	text := result["content"].([]any)[0].(map[string]any)["text"].(string)
	if text != "Error: Need at least 2 lines to merge" {
		t.Fatalf("text = %q", text)
	}
}

func TestPing(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := post(t, srv, `{"jsonrpc":"2.0","id":7,"method":"ping"}`)
	resp := decodeResponse(t, rr)
	result, ok := resp["result"].(map[string]any)
	if !ok || len(result) != 0 {
		t.Fatalf("result = %#v", resp["result"])
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if strings.TrimSpace(rr.Body.String()) != `{"status":"ok"}` {
		t.Fatalf("body = %q", rr.Body.String())
	}
	// POST is not allowed on health
	req = httptest.NewRequest(http.MethodPost, "/health", nil)
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestGetOnMCPPathRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rr.Code)
	}
}
