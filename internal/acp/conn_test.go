package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/coderd/internal/logging"
)

// fakePeer is the engine end of an in-memory connection: it reads frames
// the conn writes and can inject frames for the conn to read.
type fakePeer struct {
	t      *testing.T
	in     *json.Encoder // frames delivered to the conn
	frames chan rpcMessage
}

func newFakePeer(t *testing.T, handler Handler) (*Conn, *fakePeer) {
	t.Helper()

	engineOut, connIn := io.Pipe() // peer -> conn
	connOut, engineIn := io.Pipe() // conn -> peer

	conn := NewConn(engineOut, engineIn, handler, logging.NewNop())
	t.Cleanup(func() { _ = engineIn.Close() })
	return conn, attachPeer(t, connOut, connIn)
}

// attachPeer builds the engine end of an in-memory connection: connOut is
// the stream the conn writes, connIn the stream it reads.
func attachPeer(t *testing.T, connOut io.Reader, connIn io.WriteCloser) *fakePeer {
	t.Helper()

	peer := &fakePeer{
		t:      t,
		in:     json.NewEncoder(connIn),
		frames: make(chan rpcMessage, 16),
	}

	go func() {
		scanner := bufio.NewScanner(connOut)
		scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
		for scanner.Scan() {
			var msg rpcMessage
			if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
				t.Errorf("peer received undecodable frame: %v", err)
				continue
			}
			peer.frames <- msg
		}
		close(peer.frames)
	}()

	t.Cleanup(func() { _ = connIn.Close() })

	return peer
}

// next returns the next frame the conn wrote.
func (p *fakePeer) next() rpcMessage {
	p.t.Helper()
	select {
	case msg, ok := <-p.frames:
		if !ok {
			p.t.Fatal("connection closed before expected frame")
		}
		return msg
	case <-time.After(2 * time.Second):
		p.t.Fatal("timed out waiting for frame")
	}
	return rpcMessage{}
}

// send injects a frame into the conn's read loop.
func (p *fakePeer) send(msg rpcMessage) {
	p.t.Helper()
	msg.JSONRPC = jsonrpcVersion
	require.NoError(p.t, p.in.Encode(msg))
}

// respond answers a request frame with the given result.
func (p *fakePeer) respond(req rpcMessage, result any) {
	p.t.Helper()
	raw, err := json.Marshal(result)
	require.NoError(p.t, err)
	p.send(rpcMessage{ID: req.ID, Result: raw})
}

type recordingHandler struct {
	mu            sync.Mutex
	notifications []string
	requests      []string
	result        any
}

func (h *recordingHandler) HandleRequest(_ context.Context, method string, _ json.RawMessage) (any, *RPCError) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests = append(h.requests, method)
	return h.result, nil
}

func (h *recordingHandler) HandleNotification(_ context.Context, method string, _ json.RawMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notifications = append(h.notifications, method)
}

func (h *recordingHandler) notified() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.notifications...)
}

func TestConnCallRoundtrip(t *testing.T) {
	conn, peer := newFakePeer(t, &recordingHandler{})

	done := make(chan error, 1)
	var result NewSessionResult
	go func() {
		done <- conn.Call(context.Background(), methodSessionNew,
			NewSessionParams{Cwd: "/work", MCPServers: []MCPServer{}}, &result)
	}()

	req := peer.next()
	require.NotNil(t, req.ID)
	assert.Equal(t, methodSessionNew, req.Method)

	var params NewSessionParams
	require.NoError(t, json.Unmarshal(req.Params, &params))
	assert.Equal(t, "/work", params.Cwd)
	assert.NotNil(t, params.MCPServers)

	peer.respond(req, NewSessionResult{SessionID: "sess-1"})

	require.NoError(t, <-done)
	assert.Equal(t, "sess-1", result.SessionID)
}

func TestConnCallErrorResponse(t *testing.T) {
	conn, peer := newFakePeer(t, &recordingHandler{})

	done := make(chan error, 1)
	go func() {
		done <- conn.Call(context.Background(), methodSessionPrompt, PromptParams{}, nil)
	}()

	req := peer.next()
	peer.send(rpcMessage{ID: req.ID, Error: &RPCError{Code: codeInternalError, Message: "boom"}})

	err := <-done
	require.Error(t, err)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, codeInternalError, rpcErr.Code)
}

func TestConnCallContextCancelled(t *testing.T) {
	conn, peer := newFakePeer(t, &recordingHandler{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- conn.Call(ctx, methodInitialize, InitializeParams{}, nil)
	}()

	peer.next() // request is on the wire, never answered
	cancel()

	require.ErrorIs(t, <-done, context.Canceled)
}

// A corrupt frame between two good ones must not abort the stream: the
// notification before and the response after both get through.
func TestConnCorruptFrameRecovery(t *testing.T) {
	handler := &recordingHandler{}
	conn, peer := newFakePeer(t, handler)

	done := make(chan error, 1)
	go func() {
		done <- conn.Call(context.Background(), methodSessionPrompt, PromptParams{SessionID: "s"}, nil)
	}()
	req := peer.next()

	peer.send(rpcMessage{Method: methodSessionUpdate, Params: json.RawMessage(`{}`)})
	require.NoError(t, peer.in.Encode("this is not an object"))
	peer.respond(req, PromptResult{StopReason: "end_turn"})

	require.NoError(t, <-done)
	assert.Equal(t, []string{methodSessionUpdate}, handler.notified())
}

func TestConnDispatchesRequestsToHandler(t *testing.T) {
	handler := &recordingHandler{result: readTextFileResult{Content: "hello"}}
	_, peer := newFakePeer(t, handler)

	id := int64(7)
	peer.send(rpcMessage{ID: &id, Method: methodReadTextFile, Params: json.RawMessage(`{"path":"/x"}`)})

	resp := peer.next()
	require.NotNil(t, resp.ID)
	assert.Equal(t, id, *resp.ID)
	require.Nil(t, resp.Error)

	var result readTextFileResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "hello", result.Content)
}

func TestConnUnknownRequestReturnsError(t *testing.T) {
	handler := &clientHandler{client: NewClient(Config{}, nil, nil, nil)}
	_, peer := newFakePeer(t, handler)

	id := int64(3)
	peer.send(rpcMessage{ID: &id, Method: "session/unknown", Params: json.RawMessage(`{}`)})

	resp := peer.next()
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeMethodNotFound, resp.Error.Code)
}
