package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Client is a synchronous JSON-lines client. Calls are serialized.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
}

func Dial(ctx context.Context, network, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, r: bufio.NewReader(conn)}, nil
}

// Call sends one request and waits for its response. args may be nil.
func (c *Client) Call(ctx context.Context, op string, args any) (Response, error) {
	req := Request{ID: uuid.NewString(), Op: op}
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return Response{}, fmt.Errorf("encode args: %w", err)
		}
		req.Args = b
	}
	line, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultRequestTimeout + time.Second)
	}
	_ = c.conn.SetDeadline(deadline)
	defer c.conn.SetDeadline(time.Time{})

	if _, err := c.conn.Write(append(line, '\n')); err != nil {
		return Response{}, err
	}
	raw, err := c.r.ReadBytes('\n')
	if err != nil {
		return Response{}, err
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.ID != req.ID {
		return resp, fmt.Errorf("response id %q does not match request %q", resp.ID, req.ID)
	}
	return resp, nil
}

func (c *Client) Close() error { return c.conn.Close() }
