// Package mcp implements the JSON-RPC control endpoint an agent drives the
// subtitle session through, plus the tool registry behind tools/call.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"sub2mcp/internal/dispatch"
	"sub2mcp/internal/document"
	"sub2mcp/internal/media"
	"sub2mcp/internal/options"
	"sub2mcp/internal/protocol"
	"sub2mcp/internal/stt"
)

// Session bundles the collaborators a tool handler may touch. The mutable
// fields (Audio, Timing, the document itself) are owner-goroutine state:
// handlers reach them only from inside Queue tasks.
type Session struct {
	Doc   *document.Document
	Queue *dispatch.Queue
	Opts  *options.Store
	STT   *stt.Service

	Audio     media.AudioSource
	AudioFile string
	Timing    media.Timing
	VideoFile string
}

// Server is the HTTP front end. One instance serves one session.
type Server struct {
	sess *Session

	listenAddr string
	mcpPath    string

	tools     map[string]toolDefinition
	toolOrder []string

	mu          sync.Mutex
	sessionID   string
	initialized bool

	httpServer *http.Server
}

// NewServer builds a server around the session. Listen address and endpoint
// path come from the options store.
func NewServer(sess *Session) *Server {
	s := &Server{
		sess:       sess,
		listenAddr: sess.Opts.GetString("server/listen"),
		mcpPath:    sess.Opts.GetString("server/mcp_path"),
	}
	if s.listenAddr == "" {
		s.listenAddr = protocol.DefaultListenAddr
	}
	if s.mcpPath == "" {
		s.mcpPath = protocol.DefaultMCPPath
	}
	s.tools, s.toolOrder = s.buildToolRegistry()
	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.listenAddr }

// Handler returns the HTTP handler, exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.mcpPath, s.handleMCP)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Serve runs the HTTP server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("mcp: listen on %s: %w", s.listenAddr, err)
	}
	s.httpServer = &http.Server{Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[mcp] serving on http://%s%s", s.listenAddr, s.mcpPath)
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		return <-errCh
	}
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

var nullID = json.RawMessage("null")

func errorResponse(id json.RawMessage, code int, message string) *rpcResponse {
	if len(id) == 0 {
		id = nullID
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeResponse(w, errorResponse(nil, protocol.CodeParseError, "Parse error: cannot read body"))
		return
	}

	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(body, &batch); err != nil {
			writeResponse(w, errorResponse(nil, protocol.CodeParseError, "Parse error: "+err.Error()))
			return
		}
		responses := make([]*rpcResponse, 0, len(batch))
		for _, item := range batch {
			if resp := s.processOne(r.Context(), item); resp != nil {
				responses = append(responses, resp)
			}
		}
		if len(responses) == 0 {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		s.writeSessionHeader(w)
		writeResponse(w, responses)
		return
	}

	var single json.RawMessage
	if err := json.Unmarshal(body, &single); err != nil {
		writeResponse(w, errorResponse(nil, protocol.CodeParseError, "Parse error: "+err.Error()))
		return
	}
	resp := s.processOne(r.Context(), single)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	s.writeSessionHeader(w)
	writeResponse(w, resp)
}

func (s *Server) writeSessionHeader(w http.ResponseWriter) {
	s.mu.Lock()
	id := s.sessionID
	s.mu.Unlock()
	if id != "" {
		w.Header().Set(protocol.MCPSessionHeader, id)
	}
}

func writeResponse(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[mcp] failed to write response: %v", err)
	}
}

// processOne handles a single JSON-RPC message. A nil return means no
// response should be sent (notifications).
func (s *Server) processOne(ctx context.Context, raw json.RawMessage) *rpcResponse {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return errorResponse(nil, protocol.CodeInvalidRequest, "Invalid Request")
	}

	id, hasID := fields["id"]

	var version string
	if err := json.Unmarshal(fields["jsonrpc"], &version); err != nil || version != "2.0" {
		return errorResponse(id, protocol.CodeInvalidRequest, "Invalid Request: missing jsonrpc 2.0")
	}
	var method string
	if err := json.Unmarshal(fields["method"], &method); err != nil || method == "" {
		return errorResponse(id, protocol.CodeInvalidRequest, "Invalid Request: missing method")
	}
	params := fields["params"]

	var (
		result interface{}
		err    error
	)
	switch method {
	case "initialize":
		result = s.handleInitialize()
	case "notifications/initialized":
		return nil
	case "ping":
		result = map[string]interface{}{}
	case "tools/list":
		result = s.handleToolsList()
	case "tools/call":
		result, err = s.handleToolsCall(ctx, params)
	default:
		if !hasID {
			return nil
		}
		return errorResponse(id, protocol.CodeMethodNotFound, "Method not found: "+method)
	}
	if err != nil {
		if !hasID {
			return nil
		}
		return errorResponse(id, protocol.CodeInternalError, "Internal error: "+err.Error())
	}
	if !hasID {
		return nil
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func (s *Server) handleInitialize() interface{} {
	s.mu.Lock()
	s.initialized = true
	if s.sessionID == "" {
		s.sessionID = uuid.NewString()
	}
	s.mu.Unlock()

	return map[string]interface{}{
		"protocolVersion": protocol.Version,
		"capabilities": map[string]interface{}{
			"tools": map[string]interface{}{},
		},
		"serverInfo": map[string]interface{}{
			"name":    protocol.ServerName,
			"version": protocol.ServerVersion,
		},
	}
}

func (s *Server) handleToolsList() interface{} {
	list := make([]map[string]interface{}, 0, len(s.toolOrder))
	for _, name := range s.toolOrder {
		def := s.tools[name]
		list = append(list, map[string]interface{}{
			"name":        def.Name,
			"description": def.Description,
			"inputSchema": def.InputSchema,
		})
	}
	return map[string]interface{}{"tools": list}
}

type toolsCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

func (s *Server) handleToolsCall(ctx context.Context, rawParams json.RawMessage) (interface{}, error) {
	var params toolsCallParams
	if len(rawParams) > 0 {
		if err := json.Unmarshal(rawParams, &params); err != nil {
			return nil, fmt.Errorf("invalid tools/call params")
		}
	}
	params.Name = strings.TrimSpace(params.Name)
	if params.Name == "" {
		return nil, fmt.Errorf("missing tool name")
	}
	if params.Arguments == nil {
		params.Arguments = map[string]interface{}{}
	}

	def, ok := s.tools[params.Name]
	if !ok {
		return toolErrorResult("Unknown tool: " + params.Name), nil
	}

	var (
		result interface{}
		err    error
	)
	if def.runOnOwner {
		// handler errors travel through Sync; panics come back as errors too
		syncErr := s.sess.Queue.Sync(func() error {
			var handlerErr error
			result, handlerErr = def.handler(ctx, params.Arguments)
			return handlerErr
		})
		err = syncErr
	} else {
		result, err = runToolRecovered(def.handler, ctx, params.Arguments)
	}
	if err != nil {
		return toolErrorResult("Error: " + err.Error()), nil
	}

	// handlers returning a prebuilt content result pass through unwrapped
	if pre, ok := result.(toolCallResult); ok {
		return pre, nil
	}
	text, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		return toolErrorResult("Error: failed to encode tool result"), nil
	}
	return toolCallResult{Content: []toolContentItem{{Type: "text", Text: string(text)}}}, nil
}

func runToolRecovered(h toolHandler, ctx context.Context, args map[string]interface{}) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return h(ctx, args)
}

func toolErrorResult(message string) toolCallResult {
	return toolCallResult{
		IsError: true,
		Content: []toolContentItem{{Type: "text", Text: message}},
	}
}
