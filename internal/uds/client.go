package uds

import (
	"fmt"
	"net"
	"time"
)

// Client dials the daemon socket once per command. Every CLI subcommand
// except init and daemon run goes through here.
type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: 30 * time.Second}
}

// SetTimeout bounds both the dial and the full request/response exchange.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// SendCommand builds a request for command with the given params and sends it.
func (c *Client) SendCommand(command string, params any) (*Response, error) {
	req, err := NewRequest(command, params)
	if err != nil {
		return nil, err
	}
	return c.Send(req)
}

func (c *Client) Send(req *Request) (*Response, error) {
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &resp, nil
}

func (c *Client) dial() (net.Conn, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf(
			"connect to daemon at %s: %w\n"+
				"Is the daemon running? Start it with: sift daemon run",
			c.socketPath, err,
		)
	}
	conn.SetDeadline(time.Now().Add(c.timeout))
	return conn, nil
}
