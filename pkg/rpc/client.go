package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/canopy-search/canopy/pkg/errors"
)

// ErrClientClosed is returned for calls in flight when the connection drops.
// Calls issued once the client is closed return the error that closed it:
// ErrClientClosed after Close, or the connection-lost error when the read
// loop saw the connection fail first.
var ErrClientClosed = errors.New("rpc client closed")

// Client is the broker's connection to one searcher shard. Calls from
// concurrent fanout goroutines are multiplexed over the single connection
// and matched to responses by request id.
type Client struct {
	shardID int
	conn    net.Conn
	encoder *json.Encoder
	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan responseFrame
	closed  bool
	readErr error
}

// Dial connects to the searcher that serves the given shard.
func Dial(addr string, shardID int) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing shard %d at %s: %w", shardID, addr, err)
	}
	c := &Client{
		shardID: shardID,
		conn:    conn,
		encoder: json.NewEncoder(conn),
		pending: make(map[uint64]chan responseFrame),
	}
	go c.readLoop()
	return c, nil
}

// ShardID returns the shard this client is bound to.
func (c *Client) ShardID() int { return c.shardID }

// Call sends one search and decodes the response body into result. The
// remaining ctx deadline travels in the frame header so the searcher bounds
// its own work; ctx cancellation abandons the call locally.
func (c *Client) Call(ctx context.Context, params any, result any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	req := requestFrame{
		ID:      c.nextID.Add(1),
		ShardID: c.shardID,
		Body:    body,
	}
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline).Milliseconds()
		if remaining <= 0 {
			return apperrors.ErrDeadline
		}
		req.DeadlineMillis = remaining
	}

	ch := make(chan responseFrame, 1)
	c.mu.Lock()
	if c.closed {
		err := c.readErr
		c.mu.Unlock()
		if err == nil {
			err = ErrClientClosed
		}
		return err
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err = c.encoder.Encode(req)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(req.ID)
		return fmt.Errorf("sending request to shard %d: %w", c.shardID, err)
	}

	select {
	case <-ctx.Done():
		c.forget(req.ID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return apperrors.ErrDeadline
		}
		return apperrors.ErrCancelled
	case resp, ok := <-ch:
		if !ok {
			return ErrClientClosed
		}
		if resp.ErrorKind != "" || resp.Error != "" {
			return apperrors.FromKind(resp.ErrorKind, resp.Error)
		}
		if result != nil {
			if err := json.Unmarshal(resp.Body, result); err != nil {
				return fmt.Errorf("unmarshaling response from shard %d: %w", c.shardID, err)
			}
		}
		return nil
	}
}

func (c *Client) readLoop() {
	decoder := json.NewDecoder(c.conn)
	for {
		var resp responseFrame
		if err := decoder.Decode(&resp); err != nil {
			c.failAll(fmt.Errorf("shard %d connection lost: %w", c.shardID, err))
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// failAll closes every pending call channel; callers observe the connection
// error instead of hanging.
func (c *Client) failAll(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.readErr = err
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Close closes the underlying TCP connection and fails pending calls.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.failAll(ErrClientClosed)
	return err
}
