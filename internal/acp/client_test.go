package acp

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/coderd/internal/approval"
	"github.com/fyrsmithlabs/coderd/internal/logging"
)

// recordingBridge is an in-memory file-system bridge.
type recordingBridge struct {
	mu      sync.Mutex
	files   map[string]string
	reads   []string
	writes  []string
	writeOK bool
}

func newRecordingBridge() *recordingBridge {
	return &recordingBridge{files: map[string]string{}, writeOK: true}
}

func (b *recordingBridge) ReadText(_ context.Context, path string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reads = append(b.reads, path)
	return b.files[path]
}

func (b *recordingBridge) WriteText(_ context.Context, path, content string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes = append(b.writes, path)
	if b.writeOK {
		b.files[path] = content
	}
	return b.writeOK
}

// newTestClient wires a Client to a fake engine over in-memory pipes,
// bypassing the subprocess spawn.
func newTestClient(t *testing.T, bridge *recordingBridge) (*Client, *fakePeer) {
	t.Helper()

	engineOut, connIn := io.Pipe() // engine -> client
	connOut, engineIn := io.Pipe() // client -> engine

	client := NewClient(Config{Command: "fake-engine"}, approval.AllowFirst{}, bridge, logging.NewNop())
	client.start(engineOut, engineIn)
	t.Cleanup(func() { _ = engineIn.Close() })

	return client, attachPeer(t, connOut, connIn)
}

// updateFrame builds a session/update notification.
func updateFrame(sessionID string, update any) rpcMessage {
	inner, _ := json.Marshal(update)
	params, _ := json.Marshal(map[string]json.RawMessage{
		"sessionId": json.RawMessage(`"` + sessionID + `"`),
		"update":    inner,
	})
	return rpcMessage{Method: methodSessionUpdate, Params: params}
}

func TestClientInitializeAndNewSession(t *testing.T) {
	client, peer := newTestClient(t, newRecordingBridge())
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- client.initialize(ctx) }()

	req := peer.next()
	assert.Equal(t, methodInitialize, req.Method)
	var params InitializeParams
	require.NoError(t, json.Unmarshal(req.Params, &params))
	assert.Equal(t, ProtocolVersion, params.ProtocolVersion)
	assert.True(t, params.ClientCapabilities.FS.ReadTextFile)
	assert.True(t, params.ClientCapabilities.FS.WriteTextFile)
	peer.respond(req, InitializeResult{ProtocolVersion: ProtocolVersion})
	require.NoError(t, <-done)

	type sessionResult struct {
		sess *Session
		err  error
	}
	sessDone := make(chan sessionResult, 1)
	go func() {
		sess, err := client.NewSession(ctx, "/work/project")
		sessDone <- sessionResult{sess, err}
	}()

	req = peer.next()
	assert.Equal(t, methodSessionNew, req.Method)
	var newParams NewSessionParams
	require.NoError(t, json.Unmarshal(req.Params, &newParams))
	assert.Equal(t, "/work/project", newParams.Cwd)
	assert.Empty(t, newParams.MCPServers)
	peer.respond(req, NewSessionResult{SessionID: "sess-42"})

	got := <-sessDone
	require.NoError(t, got.err)
	assert.Equal(t, "sess-42", got.sess.ID())
}

// A full turn: the engine streams message, thought and tool updates, asks
// permission, reads and writes files, then ends the turn. The caller sees
// the normalized updates in order; the side requests are resolved silently.
func TestClientPromptFullTurn(t *testing.T) {
	bridge := newRecordingBridge()
	bridge.files["/work/main.go"] = "package main"
	client, peer := newTestClient(t, bridge)
	sess := &Session{client: client, id: "sess-1", cwd: "/work"}

	ch, err := sess.Prompt(context.Background(), "add a Dockerfile")
	require.NoError(t, err)

	req := peer.next()
	assert.Equal(t, methodSessionPrompt, req.Method)
	var params PromptParams
	require.NoError(t, json.Unmarshal(req.Params, &params))
	assert.Equal(t, "sess-1", params.SessionID)
	require.Len(t, params.Prompt, 1)
	assert.Equal(t, "add a Dockerfile", params.Prompt[0].Text)

	peer.send(updateFrame("sess-1", map[string]any{
		"sessionUpdate": updateAgentThoughtChunk,
		"content":       map[string]any{"type": "text", "text": "inspecting the project"},
	}))
	peer.send(updateFrame("sess-1", map[string]any{
		"sessionUpdate": updateToolCall,
		"title":         "Read main.go",
	}))

	// Engine reads a file mid-turn.
	readID := int64(100)
	peer.send(rpcMessage{ID: &readID, Method: methodReadTextFile,
		Params: json.RawMessage(`{"sessionId":"sess-1","path":"/work/main.go"}`)})

	resp := peer.next()
	require.NotNil(t, resp.ID)
	assert.Equal(t, readID, *resp.ID)
	var readResult readTextFileResult
	require.NoError(t, json.Unmarshal(resp.Result, &readResult))
	assert.Equal(t, "package main", readResult.Content)

	// Engine asks permission to write; AllowFirst picks the first allow.
	permID := int64(101)
	peer.send(rpcMessage{ID: &permID, Method: methodRequestPermission,
		Params: json.RawMessage(`{
			"sessionId": "sess-1",
			"toolCall": {"title": "Write Dockerfile"},
			"options": [
				{"optionId": "reject", "name": "Reject", "kind": "reject_once"},
				{"optionId": "allow", "name": "Allow", "kind": "allow_once"}
			]
		}`)})

	resp = peer.next()
	require.NotNil(t, resp.ID)
	assert.Equal(t, permID, *resp.ID)
	var perm permissionResult
	require.NoError(t, json.Unmarshal(resp.Result, &perm))
	assert.Equal(t, "selected", perm.Outcome.Outcome)
	assert.Equal(t, "allow", perm.Outcome.OptionID)

	// Engine writes the file.
	writeID := int64(102)
	peer.send(rpcMessage{ID: &writeID, Method: methodWriteTextFile,
		Params: json.RawMessage(`{"sessionId":"sess-1","path":"/work/Dockerfile","content":"FROM scratch"}`)})

	resp = peer.next()
	assert.Equal(t, writeID, *resp.ID)
	var writeResult writeTextFileResult
	require.NoError(t, json.Unmarshal(resp.Result, &writeResult))
	assert.True(t, writeResult.OK)

	peer.send(updateFrame("sess-1", map[string]any{
		"sessionUpdate": updateToolCallUpdate,
		"status":        "completed",
	}))
	peer.send(updateFrame("sess-1", map[string]any{
		"sessionUpdate": updateAgentMessageChunk,
		"content":       map[string]any{"type": "text", "text": "Dockerfile written"},
	}))
	peer.respond(req, PromptResult{StopReason: "end_turn"})

	var updates []Update
	for u := range ch {
		updates = append(updates, u)
	}
	assert.Equal(t, []Update{
		{Kind: UpdateThought, Text: "inspecting the project"},
		{Kind: UpdateToolCall, Text: "Read main.go"},
		{Kind: UpdateToolCall, Text: "Completed"},
		{Kind: UpdateMessage, Text: "Dockerfile written"},
	}, updates)

	assert.Equal(t, "FROM scratch", bridge.files["/work/Dockerfile"])
	assert.Equal(t, []string{"/work/main.go"}, bridge.reads)
}

// One malformed update inside a turn is dropped; updates before and after
// it still reach the caller and the turn completes.
func TestClientPromptMalformedUpdateDropped(t *testing.T) {
	client, peer := newTestClient(t, newRecordingBridge())
	sess := &Session{client: client, id: "sess-1", cwd: "/work"}

	ch, err := sess.Prompt(context.Background(), "hello")
	require.NoError(t, err)
	req := peer.next()

	peer.send(updateFrame("sess-1", map[string]any{
		"sessionUpdate": updateAgentMessageChunk,
		"content":       map[string]any{"type": "text", "text": "before"},
	}))
	peer.send(rpcMessage{Method: methodSessionUpdate,
		Params: json.RawMessage(`{"sessionId":"sess-1","update":"not an object"}`)})
	peer.send(updateFrame("sess-1", map[string]any{
		"sessionUpdate": updateAgentMessageChunk,
		"content":       map[string]any{"type": "text", "text": "after"},
	}))
	peer.respond(req, PromptResult{StopReason: "end_turn"})

	var texts []string
	for u := range ch {
		texts = append(texts, u.Text)
	}
	assert.Equal(t, []string{"before", "after"}, texts)
}

func TestClientPromptEmptyTurn(t *testing.T) {
	client, peer := newTestClient(t, newRecordingBridge())
	sess := &Session{client: client, id: "sess-1", cwd: "/work"}

	ch, err := sess.Prompt(context.Background(), "hello")
	require.NoError(t, err)
	peer.respond(peer.next(), PromptResult{StopReason: "end_turn"})

	var updates []Update
	for u := range ch {
		updates = append(updates, u)
	}
	assert.Empty(t, updates)
}

func TestClientPromptSessionBusy(t *testing.T) {
	client, peer := newTestClient(t, newRecordingBridge())
	sess := &Session{client: client, id: "sess-1", cwd: "/work"}

	ch, err := sess.Prompt(context.Background(), "first")
	require.NoError(t, err)
	req := peer.next()

	_, err = sess.Prompt(context.Background(), "second")
	require.ErrorIs(t, err, ErrSessionBusy)

	peer.respond(req, PromptResult{StopReason: "end_turn"})
	for range ch {
	}

	// The session is free again after the turn ends.
	ch2, err := sess.Prompt(context.Background(), "third")
	require.NoError(t, err)
	peer.respond(peer.next(), PromptResult{StopReason: "end_turn"})
	for range ch2 {
	}
}

func TestClientPermissionWithoutAllowOptionCancelled(t *testing.T) {
	_, peer := newTestClient(t, newRecordingBridge())

	id := int64(5)
	peer.send(rpcMessage{ID: &id, Method: methodRequestPermission,
		Params: json.RawMessage(`{
			"sessionId": "sess-1",
			"toolCall": {"title": "Delete everything"},
			"options": [{"optionId": "reject", "name": "Reject", "kind": "reject_once"}]
		}`)})

	resp := peer.next()
	var perm permissionResult
	require.NoError(t, json.Unmarshal(resp.Result, &perm))
	assert.Equal(t, "cancelled", perm.Outcome.Outcome)
	assert.Empty(t, perm.Outcome.OptionID)
}

func TestClientUpdateForIdleSessionDropped(t *testing.T) {
	client, peer := newTestClient(t, newRecordingBridge())
	sess := &Session{client: client, id: "sess-1", cwd: "/work"}

	// No active turn: the update is discarded without blocking the loop.
	peer.send(updateFrame("sess-1", map[string]any{
		"sessionUpdate": updateAgentMessageChunk,
		"content":       map[string]any{"type": "text", "text": "stray"},
	}))

	// The read loop handles frames in order, so a request round-trip
	// guarantees the stray update was dispatched before the turn starts.
	barrierID := int64(99)
	peer.send(rpcMessage{ID: &barrierID, Method: "ping"})
	peer.next()

	ch, err := sess.Prompt(context.Background(), "hello")
	require.NoError(t, err)
	peer.respond(peer.next(), PromptResult{StopReason: "end_turn"})

	var updates []Update
	for u := range ch {
		updates = append(updates, u)
	}
	assert.Empty(t, updates)
}
