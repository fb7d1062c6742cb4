package protocol

// Version is the MCP protocol revision implemented by the server.
const Version = "2024-11-05"

const (
	ServerName    = "sub2mcp"
	ServerVersion = "0.4.1"
)

const (
	ToolNameProject      = "project"
	ToolNameStyles       = "styles"
	ToolNameLines        = "lines"
	ToolNameTiming       = "timing"
	ToolNameSelection    = "selection"
	ToolNameAudio        = "audio"
	ToolNameTags         = "tags"
	ToolNameTextAnalysis = "text_analysis"
	ToolNameCleanup      = "cleanup"
	ToolNameFile         = "file"
	ToolNameVideo        = "video"
	ToolNameSTT          = "stt"
	ToolNameAudioLLM     = "audio_llm"
)

const (
	DefaultListenAddr = "127.0.0.1:8602"
	DefaultMCPPath    = "/mcp"

	MCPSessionHeader = "Mcp-Session-Id"
)

// JSON-RPC 2.0 error codes used by the transport layer. Tool-level failures
// never use these; they surface as successful results carrying an error flag.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603
)
