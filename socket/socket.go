// Package socket is the stream socket capability transports are built upon.
// Semantics follow small network stacks found on microcontrollers:
// Available() tells how many bytes can be read without waiting,
// Connected() reports link state without doing IO.
package socket

import (
	"context"
	"expvar"
	"fmt"
	"net"
	"time"

	"github.com/temoto/mqtransport/log2"
)

const (
	DefaultNetworkTimeout = 30 * time.Second
	DefaultPeekTimeout    = 1 * time.Millisecond
)

var (
	ErrNotConnected        = fmt.Errorf("socket is not connected")
	ErrNoCertificate       = fmt.Errorf("peer presented no certificate")
	ErrFingerprintMismatch = fmt.Errorf("certificate fingerprint mismatch")
	ErrHostMismatch        = fmt.Errorf("certificate is not valid for host")
)

type Socket interface {
	Connect(ctx context.Context, host string, port int) error
	Write(b []byte) (int, error)
	// (0,nil) means no data right now.
	Read(b []byte) (int, error)
	Available() int
	Connected() bool
	Close() error
}

type SecureSocket interface {
	Socket
	Verify(fingerprint, host string) error
}

// Stat counts payload bytes crossing the socket, including TLS/WebSocket overhead
// above it but not TLS record overhead.
type Stat struct {
	Rx expvar.Int
	Tx expvar.Int
}

func (s *Stat) String() string {
	if s == nil {
		return "(nil)"
	}
	return fmt.Sprintf("rx=%d tx=%d", s.Rx.Value(), s.Tx.Value())
}

type Options struct {
	Log            *log2.Log
	NetworkTimeout time.Duration // dial and blocking read limit
	PeekTimeout    time.Duration // how long Available() may wait for first byte
	Stat           *Stat
}

func (opt *Options) normalize() {
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.PeekTimeout == 0 {
		opt.PeekTimeout = DefaultPeekTimeout
	}
}

func isTimeout(e error) bool {
	ne, ok := e.(net.Error)
	return ok && ne.Timeout()
}
