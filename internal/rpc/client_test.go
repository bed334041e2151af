package rpc

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// loopFramer is an in-memory Framer pair connected by a pipe, used to drive
// Client against a hand-written "guest" that echoes a canned response.
func newLoopFramers(t *testing.T) (Framer, Framer) {
	t.Helper()
	a, b := net.Pipe()
	return NewFramer(a), NewFramer(b)
}

func TestClientCallRoundTrip(t *testing.T) {
	clientSide, guestSide := newLoopFramers(t)
	defer clientSide.Close()

	go func() {
		raw, err := guestSide.Recv(context.Background())
		if err != nil {
			return
		}
		var req wireMessage
		require.NoError(t, json.Unmarshal(raw, &req))
		require.Equal(t, "health", req.Method)

		resultBytes, _ := json.Marshal(map[string]any{"status": "ok"})
		resp := wireMessage{JSONRPC: "2.0", ID: req.ID, Result: resultBytes}
		payload, _ := json.Marshal(resp)
		_ = guestSide.Send(context.Background(), payload)
	}()

	c := NewClient(clientSide, zerolog.Nop())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var out struct {
		Status string `json:"status"`
	}
	err := c.Call(ctx, "health", nil, &out)
	require.NoError(t, err)
	require.Equal(t, "ok", out.Status)
}

func TestClientCallTimeout(t *testing.T) {
	clientSide, guestSide := newLoopFramers(t)
	defer guestSide.Close()
	defer clientSide.Close()

	c := NewClient(clientSide, zerolog.Nop())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := c.Call(ctx, "health", nil, nil)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestClientCallFailsAllPendingOnClose(t *testing.T) {
	clientSide, guestSide := newLoopFramers(t)
	defer guestSide.Close()

	c := NewClient(clientSide, zerolog.Nop())

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Call(context.Background(), "health", nil, nil)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Call did not unblock after Close")
	}
}
