package socket

import (
	"bytes"
	"context"
	"io"
)

// Mock is scripted in-memory socket for transport tests.
// Each Read consumes at most one chunk, unread remainder of a chunk stays for next Read.
type Mock struct {
	Chunks     [][]byte
	ConnectErr error
	// Read result after Chunks are exhausted, nil means (0,nil) "no data".
	ReadErr  error
	WriteErr error
	// Available() reports 0 for this many first calls.
	SilentPolls int

	Host    string
	Port    int
	Written bytes.Buffer
	Reads   int
	Polls   int
	Closed  bool
	// Disconnected makes Connected() false.
	Disconnected bool
}

var _ Socket = &Mock{}

func NewMock(chunks ...[]byte) *Mock {
	return &Mock{Chunks: chunks}
}

// Feed appends bytes as separate chunk.
func (m *Mock) Feed(b []byte) { m.Chunks = append(m.Chunks, append([]byte(nil), b...)) }

func (m *Mock) Connect(ctx context.Context, host string, port int) error {
	m.Host, m.Port = host, port
	if m.ConnectErr != nil {
		return m.ConnectErr
	}
	return ctx.Err()
}

func (m *Mock) Write(b []byte) (int, error) {
	if m.Closed {
		return 0, io.ErrClosedPipe
	}
	if m.WriteErr != nil {
		return 0, m.WriteErr
	}
	return m.Written.Write(b)
}

func (m *Mock) Read(b []byte) (int, error) {
	m.Reads++
	if len(m.Chunks) == 0 {
		return 0, m.ReadErr
	}
	n := copy(b, m.Chunks[0])
	if n == len(m.Chunks[0]) {
		m.Chunks = m.Chunks[1:]
	} else {
		m.Chunks[0] = m.Chunks[0][n:]
	}
	return n, nil
}

func (m *Mock) Available() int {
	m.Polls++
	if m.Polls <= m.SilentPolls || len(m.Chunks) == 0 {
		return 0
	}
	return len(m.Chunks[0])
}

func (m *Mock) Connected() bool { return !m.Closed && !m.Disconnected }

func (m *Mock) Close() error {
	m.Closed = true
	return nil
}

// SecureMock adds scripted Verify to Mock.
type SecureMock struct {
	Mock
	VerifyErr         error
	VerifyFingerprint string
	VerifyHost        string
}

var _ SecureSocket = &SecureMock{}

func (m *SecureMock) Verify(fingerprint, host string) error {
	m.VerifyFingerprint, m.VerifyHost = fingerprint, host
	return m.VerifyErr
}
