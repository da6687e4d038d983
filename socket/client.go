package socket

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/mqtransport/helpers"
)

const readBufferSize = 4 << 10

// Client is plain TCP socket.
// Not safe for concurrent use, owner serializes calls.
type Client struct {
	opt       Options
	conn      net.Conn
	r         *bufio.Reader
	w         io.Writer
	connected bool
}

var _ Socket = &Client{}

func NewClient(opt Options) *Client {
	opt.normalize()
	return &Client{opt: opt}
}

// NewClientConn wraps already established connection, mostly for tests with net.Pipe.
func NewClientConn(conn net.Conn, opt Options) *Client {
	c := NewClient(opt)
	c.attach(conn)
	return c
}

func (c *Client) Connect(ctx context.Context, host string, port int) error {
	conn, err := c.dial(ctx, host, port)
	if err != nil {
		return err
	}
	c.attach(conn)
	return nil
}

func (c *Client) dial(ctx context.Context, host string, port int) (net.Conn, error) {
	if c.conn != nil {
		_ = c.Close()
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	d := net.Dialer{Timeout: c.opt.NetworkTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "dial %s", addr)
	}
	c.opt.Log.Debugf("socket connected addr=%s local=%s", addr, conn.LocalAddr())
	return conn, nil
}

func (c *Client) attach(conn net.Conn) {
	c.conn = conn
	var r io.Reader = conn
	var w io.Writer = conn
	if c.opt.Stat != nil {
		r = helpers.NewStatReader(conn, &c.opt.Stat.Rx)
		w = helpers.NewStatWriter(conn, &c.opt.Stat.Tx)
	}
	c.r = bufio.NewReaderSize(r, readBufferSize)
	c.w = w
	c.connected = true
}

func (c *Client) Write(b []byte) (int, error) {
	if c.conn == nil {
		return 0, ErrNotConnected
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opt.NetworkTimeout)); err != nil {
		return 0, err
	}
	n, err := c.w.Write(b)
	if err != nil {
		c.lost(err)
	}
	return n, err
}

// Read returns buffered bytes right away, otherwise waits up to NetworkTimeout.
// Timeout is reported as (0,nil) like a microcontroller read() without data.
func (c *Client) Read(b []byte) (int, error) {
	if c.conn == nil {
		return 0, ErrNotConnected
	}
	if c.r.Buffered() == 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.opt.NetworkTimeout)); err != nil {
			return 0, err
		}
	}
	n, err := c.r.Read(b)
	if err != nil {
		if isTimeout(err) {
			return n, nil
		}
		c.lost(err)
	}
	return n, err
}

func (c *Client) Available() int {
	if c.conn == nil {
		return 0
	}
	if n := c.r.Buffered(); n > 0 || !c.connected {
		return n
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(c.opt.PeekTimeout))
	_, err := c.r.Peek(1)
	_ = c.conn.SetReadDeadline(time.Time{})
	if err != nil && !isTimeout(err) {
		c.lost(err)
	}
	return c.r.Buffered()
}

func (c *Client) Connected() bool { return c.conn != nil && c.connected }

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.connected = false
	return err
}

func (c *Client) lost(err error) {
	if c.connected {
		c.opt.Log.Debugf("socket lost err=%v", err)
	}
	c.connected = false
}
