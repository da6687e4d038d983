package transport

import (
	"context"

	"github.com/juju/errors"
	"github.com/temoto/mqtransport/socket"
)

// Secure is TLS transport, server is authenticated by certificate fingerprint only.
type Secure struct {
	opt         Options
	fingerprint string
}

var _ Transport = &Secure{}

func NewSecure(fingerprint string, opt Options) *Secure {
	opt.normalize()
	return &Secure{opt: opt, fingerprint: fingerprint}
}

func (t *Secure) Create() socket.Socket {
	if t.opt.NewSocket != nil {
		return t.opt.NewSocket()
	}
	return socket.NewSecureClient(t.opt.Socket, t.opt.TLS)
}

func (t *Secure) Verify(s socket.Socket, host string) error {
	return verifyFingerprint(s, t.fingerprint, host)
}

func (t *Secure) Connect(ctx context.Context, s socket.Socket, host string, port int) error {
	return s.Connect(ctx, host, port)
}

func (t *Secure) Write(s socket.Socket, b []byte) (int, error) { return s.Write(b) }
func (t *Secure) Read(s socket.Socket, b []byte) (int, error)  { return s.Read(b) }

func verifyFingerprint(s socket.Socket, fingerprint, host string) error {
	ss, ok := s.(socket.SecureSocket)
	if !ok {
		return errors.Annotatef(ErrNotSecure, "socket=%T", s)
	}
	if fingerprint == "" {
		return errors.NotValidf("empty fingerprint")
	}
	return errors.Annotatef(ss.Verify(fingerprint, host), "verify host=%s", host)
}
