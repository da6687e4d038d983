// Package transport carries MQTT packets over a stream socket.
// Variants: Plain (TCP), Secure (TLS with fingerprint pinning), WebSocket (ws and wss).
//
// MQTT client calls, in this order:
// Create() once per connection, Connect(), Verify(), then Write()/Read() until done.
// Socket returned by Create() belongs to the caller who must Close() it.
// One transport instance serves one connection at a time and is not safe for concurrent use.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"time"

	"github.com/temoto/mqtransport/log2"
	"github.com/temoto/mqtransport/socket"
)

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultTimeout      = 1 * time.Second
	DefaultPath         = "/"
)

var (
	ErrNotSecure = fmt.Errorf("socket does not support TLS verification")
	// Read found nothing to return.
	ErrNoData = fmt.Errorf("no data")
)

type Transport interface {
	Create() socket.Socket
	Verify(s socket.Socket, host string) error
	Connect(ctx context.Context, s socket.Socket, host string, port int) error
	Write(s socket.Socket, b []byte) (int, error)
	Read(s socket.Socket, b []byte) (int, error)
}

// Buffered is implemented by transports that keep received bytes between Reads.
// Buffered() > 0 means next Read starts from kept bytes, not from socket.
type Buffered interface {
	Buffered() int
}

type Options struct {
	Log    *log2.Log
	Socket socket.Options
	TLS    *tls.Config
	// Hex digest of server certificate, see socket.SecureClient.Verify
	Fingerprint string

	// WebSocket only
	Path          string
	Subprotocol   string
	PollInterval  time.Duration
	Timeout       time.Duration
	StrictUpgrade bool
	Rand          io.Reader

	// NewSocket overrides Create(), tests inject socket.Mock here.
	NewSocket func() socket.Socket
}

func (opt *Options) normalize() {
	if opt.Path == "" {
		opt.Path = DefaultPath
	}
	if opt.PollInterval <= 0 {
		opt.PollInterval = DefaultPollInterval
	}
	if opt.Timeout <= 0 {
		opt.Timeout = DefaultTimeout
	}
	if opt.Socket.Log == nil {
		opt.Socket.Log = opt.Log
	}
}

// polls is number of PollInterval sleeps that fit in Timeout.
func (opt *Options) polls() int {
	n := int(opt.Timeout / opt.PollInterval)
	if n < 1 {
		n = 1
	}
	return n
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
