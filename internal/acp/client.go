package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/coderd/internal/approval"
	"github.com/fyrsmithlabs/coderd/internal/fsbridge"
	"github.com/fyrsmithlabs/coderd/internal/logging"
)

// updateBuffer is the size of a turn's update channel buffer. Consumers
// drain to completion, so the buffer only absorbs bursts.
const updateBuffer = 256

// Config describes how to start the engine subprocess.
type Config struct {
	Command string
	Args    []string

	// StartTimeout bounds the initialize handshake. Zero means no bound
	// beyond the caller's context.
	StartTimeout time.Duration
}

// Client owns one engine subprocess and the sessions opened on it.
// A Client serves one orchestrator invocation; concurrent invocations each
// create their own Client.
type Client struct {
	config Config
	policy approval.Policy
	fs     fsbridge.Bridge
	logger *logging.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser
	conn  *Conn

	mu     sync.Mutex
	sinks  map[string]chan Update // sessionID -> active turn sink
	closed bool
}

// NewClient creates a Client. policy and fs resolve the engine's inbound
// permission and file-system requests; logger may be nil.
func NewClient(cfg Config, policy approval.Policy, fs fsbridge.Bridge, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Client{
		config: cfg,
		policy: policy,
		fs:     fs,
		logger: logger.Named("acp"),
		sinks:  make(map[string]chan Update),
	}
}

// Start launches the engine subprocess and performs the initialize
// handshake. Returns ErrEngineUnavailable if the process cannot be started
// or the handshake fails.
func (c *Client) Start(ctx context.Context) error {
	cmd := exec.Command(c.config.Command, c.config.Args...)
	cmd.Stderr = nil // engine diagnostics are discarded

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: stdin pipe: %v", ErrEngineUnavailable, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: stdout pipe: %v", ErrEngineUnavailable, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: starting %s: %v", ErrEngineUnavailable, c.config.Command, err)
	}
	c.cmd = cmd
	c.stdin = stdin

	c.start(stdout, stdin)

	if c.config.StartTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.StartTimeout)
		defer cancel()
	}
	if err := c.initialize(ctx); err != nil {
		_ = c.Close()
		return err
	}

	c.logger.Info(ctx, "engine started", zap.String("command", c.config.Command))
	return nil
}

// start wires the connection over the given streams. Split from Start so
// tests can drive the client with in-memory pipes.
func (c *Client) start(r io.Reader, w io.Writer) {
	c.conn = NewConn(r, w, &clientHandler{client: c}, c.logger)
}

// initialize performs the protocol handshake, advertising file-system
// read/write capability.
func (c *Client) initialize(ctx context.Context) error {
	var result InitializeResult
	err := c.conn.Call(ctx, methodInitialize, InitializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientCapabilities: ClientCapabilities{
			FS: FileSystemCapability{ReadTextFile: true, WriteTextFile: true},
		},
	}, &result)
	if err != nil {
		return fmt.Errorf("%w: initialize: %v", ErrEngineUnavailable, err)
	}
	return nil
}

// NewSession opens a session rooted at cwd with an empty auxiliary-tool
// list. Returns ErrEngineUnavailable if the engine cannot be reached.
func (c *Client) NewSession(ctx context.Context, cwd string) (*Session, error) {
	var result NewSessionResult
	err := c.conn.Call(ctx, methodSessionNew, NewSessionParams{
		Cwd:        cwd,
		MCPServers: []MCPServer{},
	}, &result)
	if err != nil {
		return nil, fmt.Errorf("%w: session/new: %v", ErrEngineUnavailable, err)
	}

	c.logger.Info(ctx, "session opened",
		zap.String("session_id", result.SessionID), zap.String("cwd", cwd))

	return &Session{client: c, id: result.SessionID, cwd: cwd}, nil
}

// Close terminates the engine subprocess. Sessions opened on the client
// are discarded with it.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.stdin != nil {
		_ = c.stdin.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
		_ = c.cmd.Wait()
	}
	return nil
}

// Session is one conversation with the engine, scoped to a working
// directory. Owned exclusively by its Client for one invocation.
type Session struct {
	client *Client
	id     string
	cwd    string
}

// ID returns the engine-issued session identifier.
func (s *Session) ID() string { return s.id }

// Prompt sends one prompt into the session and returns a finite stream of
// normalized updates, closed when the engine signals end of turn. A stage
// that yields zero updates is valid.
//
// The stream must be drained: the caller consumes it fully before sending
// the next prompt. Only one turn may be active per session.
func (s *Session) Prompt(ctx context.Context, text string) (<-chan Update, error) {
	ch := make(chan Update, updateBuffer)

	c := s.client
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	if _, busy := c.sinks[s.id]; busy {
		c.mu.Unlock()
		return nil, ErrSessionBusy
	}
	c.sinks[s.id] = ch
	c.mu.Unlock()

	go func() {
		var result PromptResult
		err := c.conn.Call(ctx, methodSessionPrompt, PromptParams{
			SessionID: s.id,
			Prompt:    []ContentBlock{textBlock(text)},
		}, &result)

		// The end-of-turn response arrives after every update of the turn
		// on the same stream, so the sink is quiescent once Call returns.
		c.mu.Lock()
		delete(c.sinks, s.id)
		c.mu.Unlock()

		if err != nil {
			c.logger.Warn(ctx, "prompt turn ended with error",
				zap.String("session_id", s.id), zap.Error(err))
		} else {
			c.logger.Debug(ctx, "turn complete",
				zap.String("session_id", s.id),
				zap.String("stop_reason", result.StopReason))
		}
		close(ch)
	}()

	return ch, nil
}

// dispatchUpdate routes a session/update notification to the session's
// active sink. Malformed updates are logged and dropped without ending the
// stream.
func (c *Client) dispatchUpdate(ctx context.Context, raw json.RawMessage) {
	var note sessionNotification
	if err := json.Unmarshal(raw, &note); err != nil {
		c.logger.Warn(ctx, "discarding undecodable session update", zap.Error(err))
		return
	}

	var upd sessionUpdate
	if err := json.Unmarshal(note.Update, &upd); err != nil {
		c.logger.Warn(ctx, "discarding undecodable session update",
			zap.String("session_id", note.SessionID), zap.Error(err))
		return
	}

	update, ok := normalizeUpdate(upd)
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	sink, active := c.sinks[note.SessionID]
	if !active {
		c.logger.Debug(ctx, "update for session with no active turn",
			zap.String("session_id", note.SessionID))
		return
	}
	sink <- update
}

// normalizeUpdate maps a wire update onto the Update model. Variants that
// carry no caller-visible progress are skipped.
func normalizeUpdate(upd sessionUpdate) (Update, bool) {
	switch upd.SessionUpdate {
	case updateAgentMessageChunk:
		if upd.Content.Type == "text" {
			return Update{Kind: UpdateMessage, Text: upd.Content.Text}, true
		}
	case updateAgentThoughtChunk:
		if upd.Content.Type == "text" {
			return Update{Kind: UpdateThought, Text: upd.Content.Text}, true
		}
	case updateToolCall:
		return Update{Kind: UpdateToolCall, Text: upd.Title}, true
	case updateToolCallUpdate:
		if upd.Status == "completed" {
			return Update{Kind: UpdateToolCall, Text: "Completed"}, true
		}
	}
	return Update{}, false
}

// clientHandler resolves engine-issued requests against the client's
// approval policy and file-system bridge.
type clientHandler struct {
	client *Client
}

// HandleNotification implements Handler.
func (h *clientHandler) HandleNotification(ctx context.Context, method string, params json.RawMessage) {
	if method != methodSessionUpdate {
		h.client.logger.Debug(ctx, "ignoring notification", zap.String("method", method))
		return
	}
	h.client.dispatchUpdate(ctx, params)
}

// HandleRequest implements Handler.
func (h *clientHandler) HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, *RPCError) {
	c := h.client
	switch method {
	case methodRequestPermission:
		var req permissionParams
		if err := json.Unmarshal(params, &req); err != nil {
			// Undecodable permission request: resolve as cancelled rather
			// than failing the turn.
			c.logger.Warn(ctx, "undecodable permission request", zap.Error(err))
			return permissionResult{Outcome: permissionOutcome{Outcome: string(approval.OutcomeCancelled)}}, nil
		}

		options := make([]approval.Option, 0, len(req.Options))
		for _, o := range req.Options {
			options = append(options, approval.Option{ID: o.ID, Name: o.Name, Kind: approval.OptionKind(o.Kind)})
		}
		decision := c.policy.Decide(ctx, approval.Request{
			SessionID: req.SessionID,
			Title:     req.ToolCall.Title,
			Options:   options,
		})

		c.logger.Debug(ctx, "permission resolved",
			zap.String("session_id", req.SessionID),
			zap.String("title", req.ToolCall.Title),
			zap.String("outcome", string(decision.Outcome)))

		return permissionResult{Outcome: permissionOutcome{
			Outcome:  string(decision.Outcome),
			OptionID: decision.OptionID,
		}}, nil

	case methodReadTextFile:
		var req readTextFileParams
		if err := json.Unmarshal(params, &req); err != nil {
			return readTextFileResult{}, nil
		}
		return readTextFileResult{Content: c.fs.ReadText(ctx, req.Path)}, nil

	case methodWriteTextFile:
		var req writeTextFileParams
		if err := json.Unmarshal(params, &req); err != nil {
			return writeTextFileResult{OK: false}, nil
		}
		return writeTextFileResult{OK: c.fs.WriteText(ctx, req.Path, req.Content)}, nil

	default:
		return nil, &RPCError{Code: codeMethodNotFound, Message: "method not found: " + method}
	}
}
