package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ErrTimeout is returned when a Call's context deadline expires before a
// response arrives; the pending entry is removed before returning.
var ErrTimeout = errors.New("rpc: timeout")

// ErrClosed is the terminal error every in-flight Call receives once the
// underlying transport is closed or its recv loop fails.
var ErrClosed = errors.New("rpc: transport closed")

// wireError mirrors the JSON-RPC 2.0 error object.
type wireError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *wireError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
}

// Client is a JSON-RPC 2.0 request/response correlator over a Framer. One
// Client serves exactly one guest connection; it owns a background recv
// loop that demultiplexes responses to the Call that is waiting for them by
// numeric id.
type Client struct {
	framer Framer
	log    zerolog.Logger

	nextID int64

	mu      sync.Mutex
	pending map[int64]chan wireMessage
	closed  bool

	done chan struct{}
}

// NewClient starts the recv loop immediately; callers must Close when done.
func NewClient(framer Framer, log zerolog.Logger) *Client {
	c := &Client{
		framer:  framer,
		log:     log,
		pending: make(map[int64]chan wireMessage),
		done:    make(chan struct{}),
	}
	go c.recvLoop()
	return c
}

func (c *Client) recvLoop() {
	defer close(c.done)
	for {
		raw, err := c.framer.Recv(context.Background())
		if err != nil {
			c.failAllPending(ErrClosed)
			return
		}
		var msg wireMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Warn().Err(err).Msg("rpc: dropping malformed message")
			continue
		}
		if msg.ID == nil {
			c.log.Warn().Str("method", msg.Method).Msg("rpc: dropping message with no id")
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[*msg.ID]
		if ok {
			delete(c.pending, *msg.ID)
		}
		c.mu.Unlock()
		if !ok {
			c.log.Warn().Int64("id", *msg.ID).Msg("rpc: no pending call for response id")
			continue
		}
		ch <- msg
	}
}

func (c *Client) failAllPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		ch <- wireMessage{Error: &wireError{Code: -1, Message: err.Error()}}
		delete(c.pending, id)
	}
}

// Call sends method(params), waits for the correlated response, and decodes
// its result into out (which may be nil). ctx's deadline governs the wait;
// on expiry the pending entry is removed and ErrTimeout is returned.
func (c *Client) Call(ctx context.Context, method string, params, out interface{}) error {
	id := atomic.AddInt64(&c.nextID, 1)

	respCh := make(chan wireMessage, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[id] = respCh
	c.mu.Unlock()

	req := wireMessage{JSONRPC: "2.0", ID: &id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			c.removePending(id)
			return fmt.Errorf("marshal params for %s: %w", method, err)
		}
		req.Params = raw
	}
	payload, err := json.Marshal(req)
	if err != nil {
		c.removePending(id)
		return fmt.Errorf("marshal request for %s: %w", method, err)
	}

	if err := c.framer.Send(ctx, payload); err != nil {
		c.removePending(id)
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.removePending(id)
		return ErrTimeout
	case msg := <-respCh:
		if msg.Error != nil {
			// Only failAllPending delivers a message without an id.
			if msg.ID == nil {
				return ErrClosed
			}
			return msg.Error
		}
		if out == nil || len(msg.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(msg.Result, out); err != nil {
			return fmt.Errorf("decode result for %s: %w", method, err)
		}
		return nil
	}
}

func (c *Client) removePending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Close shuts down the transport and fails every pending Call.
func (c *Client) Close() error {
	err := c.framer.Close()
	<-c.done
	return err
}
