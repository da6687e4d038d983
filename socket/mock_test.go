package socket

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMock(t *testing.T) {
	t.Parallel()

	m := NewMock([]byte("hello"), []byte("!"))
	m.SilentPolls = 1
	assert.NoError(t, m.Connect(context.Background(), "broker", 1883))
	assert.Equal(t, "broker", m.Host)
	assert.Equal(t, 0, m.Available())
	assert.Equal(t, 5, m.Available())

	buf := make([]byte, 3)
	n, err := m.Read(buf)
	assert.NoError(t, err)
	assert.Equal(t, "hel", string(buf[:n]))
	n, _ = m.Read(buf)
	assert.Equal(t, "lo", string(buf[:n]))
	n, _ = m.Read(buf)
	assert.Equal(t, "!", string(buf[:n]))
	n, err = m.Read(buf)
	assert.Equal(t, 0, n)
	assert.NoError(t, err)

	m.ReadErr = io.EOF
	_, err = m.Read(buf)
	assert.Equal(t, io.EOF, err)

	_, _ = m.Write([]byte("out"))
	assert.Equal(t, "out", m.Written.String())
	assert.True(t, m.Connected())
	_ = m.Close()
	assert.False(t, m.Connected())
	_, err = m.Write([]byte("x"))
	assert.Error(t, err)
}
