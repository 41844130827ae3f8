package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	apperrors "github.com/canopy-search/canopy/pkg/errors"
)

type echoReq struct {
	Value string `json:"value"`
	Sleep int    `json:"sleep,omitempty"` // milliseconds
}

type echoResp struct {
	Value string `json:"value"`
}

func startServer(t *testing.T, shardID int, handler Handler) (*Server, string) {
	t.Helper()
	s := NewServer(shardID, handler)
	go func() {
		if err := s.Serve("127.0.0.1:0"); err != nil {
			t.Errorf("serve: %v", err)
		}
	}()
	t.Cleanup(s.Stop)
	for i := 0; i < 100; i++ {
		if addr := s.Addr(); addr != "" {
			return s, addr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server never bound")
	return nil, ""
}

func echoHandler(ctx context.Context, body json.RawMessage) (any, error) {
	var req echoReq
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	if req.Sleep > 0 {
		select {
		case <-time.After(time.Duration(req.Sleep) * time.Millisecond):
		case <-ctx.Done():
			return nil, apperrors.ErrDeadline
		}
	}
	return echoResp{Value: req.Value}, nil
}

func TestCallRoundTrip(t *testing.T) {
	_, addr := startServer(t, 0, echoHandler)
	c, err := Dial(addr, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	var resp echoResp
	if err := c.Call(context.Background(), echoReq{Value: "hello"}, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Value != "hello" {
		t.Errorf("echo = %q", resp.Value)
	}
}

func TestShardMismatchRejected(t *testing.T) {
	_, addr := startServer(t, 3, echoHandler)
	// Misconfigured client believes this address serves shard 1.
	c, err := Dial(addr, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	err = c.Call(context.Background(), echoReq{Value: "x"}, &echoResp{})
	if !errors.Is(err, apperrors.ErrInvalidQuery) {
		t.Errorf("error = %v, want ErrInvalidQuery", err)
	}
}

func TestErrorKindCrossesWire(t *testing.T) {
	_, addr := startServer(t, 0, func(ctx context.Context, body json.RawMessage) (any, error) {
		return nil, fmt.Errorf("%w: no permit", apperrors.ErrOverloaded)
	})
	c, err := Dial(addr, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	err = c.Call(context.Background(), echoReq{}, nil)
	if !errors.Is(err, apperrors.ErrOverloaded) {
		t.Errorf("error = %v, want ErrOverloaded via kind", err)
	}
}

func TestDeadlinePropagatedToHandler(t *testing.T) {
	var gotDeadline bool
	_, addr := startServer(t, 0, func(ctx context.Context, body json.RawMessage) (any, error) {
		_, gotDeadline = ctx.Deadline()
		return echoResp{}, nil
	})
	c, err := Dial(addr, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Call(ctx, echoReq{}, nil); err != nil {
		t.Fatal(err)
	}
	if !gotDeadline {
		t.Error("handler context carried no deadline")
	}
}

func TestCallDeadlineExpired(t *testing.T) {
	_, addr := startServer(t, 0, echoHandler)
	c, err := Dial(addr, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = c.Call(ctx, echoReq{Value: "slow", Sleep: 5000}, &echoResp{})
	if !errors.Is(err, apperrors.ErrDeadline) {
		t.Errorf("error = %v, want ErrDeadline", err)
	}
}

func TestConcurrentCallsMultiplex(t *testing.T) {
	_, addr := startServer(t, 0, echoHandler)
	c, err := Dial(addr, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := fmt.Sprintf("msg-%d", i)
			var resp echoResp
			if err := c.Call(context.Background(), echoReq{Value: want, Sleep: i % 4 * 5}, &resp); err != nil {
				errs[i] = err
				return
			}
			if resp.Value != want {
				errs[i] = fmt.Errorf("cross-wired response: got %q, want %q", resp.Value, want)
			}
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("call %d: %v", i, err)
		}
	}
}

func TestCallAfterClose(t *testing.T) {
	_, addr := startServer(t, 0, echoHandler)
	c, err := Dial(addr, 0)
	if err != nil {
		t.Fatal(err)
	}
	c.Close()
	if err := c.Call(context.Background(), echoReq{}, nil); err == nil {
		t.Error("call on closed client succeeded")
	}
}
