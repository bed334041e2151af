package rpc

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// DialVsockProxy connects to a Firecracker-style vsock Unix-domain-socket
// proxy and issues its text handshake: "CONNECT <port>\n" answered by
// "OK ...\n". Any bytes the proxy buffers after the OK line belong to the
// guest connection and must not be discarded, so the returned net.Conn
// reads through the same bufio.Reader used for the handshake line.
func DialVsockProxy(ctx context.Context, socketPath string, guestPort int) (net.Conn, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}

	d := net.Dialer{Deadline: deadline}
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial vsock proxy %s: %w", socketPath, err)
	}

	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}
	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", guestPort); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT %d: %w", guestPort, err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read vsock proxy handshake: %w", err)
	}
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "OK") {
		conn.Close()
		return nil, fmt.Errorf("vsock proxy CONNECT %d refused: %s", guestPort, line)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}
	return &bufferedConn{Conn: conn, reader: reader}, nil
}

// DialTCP connects directly to a guest IP and port — used when the backend
// exposes the guest on a routable network instead of proxying vsock.
func DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial guest tcp %s: %w", addr, err)
	}
	return conn, nil
}

// bufferedConn preserves bytes the vsock-proxy handshake read-ahead past
// the "OK ...\n" line, so the framer never loses the start of the guest's
// first message.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}
