package appserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/oxvale/drover/internal/logger"
)

var ErrConnClosed = errors.New("app-server connection closed")

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// envelope is one incoming JSON-RPC frame: a response when ID is set
// and Method is empty, a server request when both are set, and a
// notification when only Method is set.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Conn speaks newline-delimited JSON-RPC 2.0 over a child process's
// stdio. Responses are routed to pending calls by id while server
// events keep flowing, so a notification interleaved with a call's
// response is never lost.
type Conn struct {
	wmu sync.Mutex
	w   io.Writer

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan *envelope
	closed  bool

	// Events carries server notifications and server-initiated
	// requests in arrival order.
	Events chan *envelope
}

// NewConn starts reading frames from r and writes frames to w.
func NewConn(w io.Writer, r io.Reader) *Conn {
	c := &Conn{
		w:       w,
		pending: make(map[int64]chan *envelope),
		Events:  make(chan *envelope, 256),
	}
	go c.readLoop(r)
	return c
}

func (c *Conn) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			logger.Warn("app-server sent undecodable frame: %v", err)
			continue
		}

		if env.Method == "" && env.ID != nil {
			c.mu.Lock()
			ch, ok := c.pending[*env.ID]
			if ok {
				delete(c.pending, *env.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- &env
			} else {
				logger.Warn("app-server response for unknown call id %d", *env.ID)
			}
			continue
		}

		c.Events <- &env
	}

	c.drainPending()
	close(c.Events)
}

// drainPending fails every in-flight call after the stream ends.
func (c *Conn) drainPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- &envelope{ID: &id, Error: &RPCError{Code: -32000, Message: ErrConnClosed.Error()}}
	}
}

func (c *Conn) writeFrame(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Call sends a request and waits for its response.
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *envelope, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	var rawParams json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to encode params: %w", err)
		}
		rawParams = data
	}

	req := envelope{JSONRPC: "2.0", ID: &id, Method: method, Params: rawParams}
	if err := c.writeFrame(req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Reply answers a server-initiated request.
func (c *Conn) Reply(id int64, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	return c.writeFrame(envelope{JSONRPC: "2.0", ID: &id, Result: data})
}
