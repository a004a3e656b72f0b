// Package acp implements the client side of the Agent Client Protocol: a
// JSON-RPC 2.0 conversation with a code-generation engine subprocess over
// newline-delimited JSON on its stdin/stdout.
//
// The client owns one engine process and its sessions. Updates streamed by
// the engine during a turn are normalized into Update values; permission
// and file-system requests issued by the engine mid-turn are resolved
// locally and never surfaced to the caller.
package acp

import "encoding/json"

// ProtocolVersion is the ACP protocol version this client speaks.
const ProtocolVersion = 1

// Method names used on the wire.
const (
	methodInitialize        = "initialize"
	methodSessionNew        = "session/new"
	methodSessionPrompt     = "session/prompt"
	methodSessionUpdate     = "session/update"
	methodRequestPermission = "session/request_permission"
	methodReadTextFile      = "fs/read_text_file"
	methodWriteTextFile     = "fs/write_text_file"
)

// FileSystemCapability advertises which file-system requests the client
// will service.
type FileSystemCapability struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

// ClientCapabilities advertises client capabilities at initialize time.
type ClientCapabilities struct {
	FS FileSystemCapability `json:"fs"`
}

// InitializeParams is the payload of the initialize request.
type InitializeParams struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientCapabilities ClientCapabilities `json:"clientCapabilities"`
}

// InitializeResult is the engine's initialize response.
type InitializeResult struct {
	ProtocolVersion int `json:"protocolVersion"`
}

// MCPServer describes an auxiliary tool server offered to a session.
// Sessions are always created with an empty list.
type MCPServer struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// NewSessionParams is the payload of session/new.
type NewSessionParams struct {
	Cwd        string      `json:"cwd"`
	MCPServers []MCPServer `json:"mcpServers"`
}

// NewSessionResult carries the opaque session identifier issued by the
// engine.
type NewSessionResult struct {
	SessionID string `json:"sessionId"`
}

// ContentBlock is one piece of prompt or update content.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// textBlock builds a text content block.
func textBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// PromptParams is the payload of session/prompt.
type PromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// PromptResult is the engine's end-of-turn response.
type PromptResult struct {
	StopReason string `json:"stopReason"`
}

// sessionNotification is the payload of a session/update notification.
type sessionNotification struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}

// sessionUpdate is the inner update payload. The sessionUpdate field
// discriminates the variant.
type sessionUpdate struct {
	SessionUpdate string       `json:"sessionUpdate"`
	Content       ContentBlock `json:"content"`
	Title         string       `json:"title"`
	Status        string       `json:"status"`
}

// Update variant discriminators on the wire.
const (
	updateAgentMessageChunk = "agent_message_chunk"
	updateAgentThoughtChunk = "agent_thought_chunk"
	updateToolCall          = "tool_call"
	updateToolCallUpdate    = "tool_call_update"
)

// UpdateKind classifies a normalized engine update.
type UpdateKind string

const (
	// UpdateMessage is a chunk of assistant response text.
	UpdateMessage UpdateKind = "message"

	// UpdateThought is a chunk of the engine's reasoning trace.
	UpdateThought UpdateKind = "thought"

	// UpdateToolCall describes a tool invocation.
	UpdateToolCall UpdateKind = "tool_call"
)

// Update is a normalized unit of engine progress within a turn. Immutable
// once constructed.
type Update struct {
	Kind UpdateKind
	Text string
}

// permissionParams is the payload of session/request_permission.
type permissionParams struct {
	SessionID string `json:"sessionId"`
	ToolCall  struct {
		Title string `json:"title"`
	} `json:"toolCall"`
	Options []permissionOption `json:"options"`
}

type permissionOption struct {
	ID   string `json:"optionId"`
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// permissionResult is the response to session/request_permission.
type permissionResult struct {
	Outcome permissionOutcome `json:"outcome"`
}

type permissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

// readTextFileParams is the payload of fs/read_text_file.
type readTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
}

// readTextFileResult is the response to fs/read_text_file.
type readTextFileResult struct {
	Content string `json:"content"`
}

// writeTextFileParams is the payload of fs/write_text_file.
type writeTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

// writeTextFileResult is the response to fs/write_text_file. The ok flag
// reports write failures without raising them.
type writeTextFileResult struct {
	OK bool `json:"ok"`
}
