package daemon

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rbright/sttd/internal/frame"
)

// Send dials path, writes one request frame, reads one response frame,
// and closes the connection — the one-shot request/reply pattern CLI
// clients need, built over the same persistent-connection wire protocol
// handleConn speaks; nothing stops a client from issuing many requests
// per dial, but the CLI only ever needs one.
func Send(ctx context.Context, path string, req Request, timeout time.Duration) (Response, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return Response{}, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	if err := frame.WriteJSON(conn, req); err != nil {
		return Response{}, fmt.Errorf("send request: %w", err)
	}

	var resp Response
	if err := frame.ReadJSON(bufio.NewReader(conn), &resp); err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	return resp, nil
}
