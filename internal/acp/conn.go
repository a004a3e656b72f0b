package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/coderd/internal/logging"
)

const (
	// maxFrameSize bounds a single protocol line. Engine turns can carry
	// large file contents, so the limit is generous.
	maxFrameSize = 10 * 1024 * 1024

	jsonrpcVersion = "2.0"
)

// JSON-RPC error codes used by the conn.
const (
	codeMethodNotFound = -32601
	codeInternalError  = -32603
)

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// rpcMessage is the JSON-RPC 2.0 envelope. A message with a method and an
// id is a request; method without id is a notification; id without method
// is a response.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Handler receives requests and notifications issued by the engine.
// HandleRequest runs on the read loop; implementations must be local and
// synchronous and must not call back into the Conn.
type Handler interface {
	HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, *RPCError)
	HandleNotification(ctx context.Context, method string, params json.RawMessage)
}

// Conn is a JSON-RPC 2.0 peer over newline-delimited JSON. It does not own
// the underlying streams.
//
// A line that fails to decode is logged and discarded; the read loop
// continues with the next line so a single corrupt frame cannot abort the
// session.
type Conn struct {
	w       io.Writer
	handler Handler
	logger  *logging.Logger

	wmu sync.Mutex // serializes writes

	mu      sync.Mutex
	pending map[int64]chan rpcMessage
	nextID  int64

	done    chan struct{}
	readErr error
}

// NewConn creates a Conn reading from r and writing to w, and starts the
// read loop. handler must not be nil.
func NewConn(r io.Reader, w io.Writer, handler Handler, logger *logging.Logger) *Conn {
	if logger == nil {
		logger = logging.NewNop()
	}
	c := &Conn{
		w:       w,
		handler: handler,
		logger:  logger.Named("conn"),
		pending: make(map[int64]chan rpcMessage),
		done:    make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

// Call sends a request and blocks until the response arrives, the context
// is cancelled, or the connection ends.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", method, ErrEngineUnavailable)
	default:
	}
	c.nextID++
	id := c.nextID
	ch := make(chan rpcMessage, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	raw, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}
	if err := c.write(rpcMessage{JSONRPC: jsonrpcVersion, ID: &id, Method: method, Params: raw}); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return fmt.Errorf("%s: %w", method, resp.Error)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-c.done:
		return fmt.Errorf("%s: %w", method, ErrEngineUnavailable)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the read loop ends (engine exit or stream error).
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the read loop ended, nil on clean EOF.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}

func (c *Conn) readLoop(r io.Reader) {
	ctx := context.Background()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			// Corrupt frame: drop it and keep the stream alive.
			c.logger.Warn(ctx, "discarding undecodable frame", zap.Error(err))
			continue
		}

		switch {
		case msg.Method != "" && msg.ID != nil:
			c.handleRequest(ctx, msg)
		case msg.Method != "":
			c.handler.HandleNotification(ctx, msg.Method, msg.Params)
		case msg.ID != nil:
			c.deliverResponse(msg)
		default:
			c.logger.Warn(ctx, "discarding frame with neither method nor id")
		}
	}

	c.mu.Lock()
	c.readErr = scanner.Err()
	c.mu.Unlock()
	close(c.done)
}

func (c *Conn) handleRequest(ctx context.Context, msg rpcMessage) {
	result, rpcErr := c.handler.HandleRequest(ctx, msg.Method, msg.Params)

	resp := rpcMessage{JSONRPC: jsonrpcVersion, ID: msg.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		raw, err := marshalParams(result)
		if err != nil {
			resp.Error = &RPCError{Code: codeInternalError, Message: err.Error()}
		} else {
			resp.Result = raw
		}
	}

	if err := c.write(resp); err != nil {
		c.logger.Warn(ctx, "failed to send response",
			zap.String("method", msg.Method), zap.Error(err))
	}
}

func (c *Conn) deliverResponse(msg rpcMessage) {
	c.mu.Lock()
	ch, ok := c.pending[*msg.ID]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn(context.Background(), "response for unknown call id",
			zap.Int64("id", *msg.ID))
		return
	}
	ch <- msg
}

func (c *Conn) write(msg rpcMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.w.Write(data)
	return err
}

// marshalParams marshals v to a raw message, mapping nil to an empty
// object so the field is always present on the wire.
func marshalParams(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage(`{}`), nil
	}
	return json.Marshal(v)
}
