package transport

import (
	"context"

	"github.com/temoto/mqtransport/socket"
)

// Plain passes bytes to TCP socket unchanged.
type Plain struct {
	opt Options
}

var _ Transport = &Plain{}

func NewPlain(opt Options) *Plain {
	opt.normalize()
	return &Plain{opt: opt}
}

func (t *Plain) Create() socket.Socket {
	if t.opt.NewSocket != nil {
		return t.opt.NewSocket()
	}
	return socket.NewClient(t.opt.Socket)
}

// Verify is no-op, unencrypted transport has nothing to check.
func (t *Plain) Verify(socket.Socket, string) error { return nil }

func (t *Plain) Connect(ctx context.Context, s socket.Socket, host string, port int) error {
	return s.Connect(ctx, host, port)
}

func (t *Plain) Write(s socket.Socket, b []byte) (int, error) { return s.Write(b) }
func (t *Plain) Read(s socket.Socket, b []byte) (int, error)  { return s.Read(b) }
