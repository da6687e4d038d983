package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/mqtransport/helpers"
	"github.com/temoto/mqtransport/log2"
	"github.com/temoto/mqtransport/socket"
)

// RFC 6455 section 1.3 example
const (
	sampleNonce  = "the sample nonce"
	sampleKey    = "dGhlIHNhbXBsZSBub25jZQ=="
	sampleAccept = "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
)

func testOptions(t testing.TB, m socket.Socket) Options {
	return Options{
		Log:          log2.NewTest(t, log2.LDebug),
		PollInterval: time.Millisecond,
		Timeout:      10 * time.Millisecond,
		Rand:         io.MultiReader(strings.NewReader(sampleNonce), helpers.RandUnix()),
		NewSocket:    func() socket.Socket { return m },
	}
}

func upgradeResponse(status, accept string) []byte {
	return []byte(status + "\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + accept + "\r\n" +
		"\r\n")
}

func TestAcceptKey(t *testing.T) {
	t.Parallel()
	assert.Equal(t, sampleAccept, AcceptKey(sampleKey))
	assert.NotEqual(t, sampleAccept, AcceptKey("AQIDBAUGBwgJCgsMDQ4PEC=="))
}

func TestWebSocketConnect(t *testing.T) {
	t.Parallel()

	const status101 = "HTTP/1.1 101 Switching Protocols"
	type Case struct {
		name      string
		prepare   func(m *socket.Mock, opt *Options)
		expectErr error
	}
	cases := []Case{
		{"ok", func(m *socket.Mock, opt *Options) {
			m.Feed(upgradeResponse(status101, sampleAccept))
		}, nil},
		{"ok/split-chunks", func(m *socket.Mock, opt *Options) {
			resp := upgradeResponse(status101, sampleAccept)
			for len(resp) > 0 {
				n := 7
				if n > len(resp) {
					n = len(resp)
				}
				m.Feed(resp[:n])
				resp = resp[n:]
			}
		}, nil},
		{"ok/lowercase-headers", func(m *socket.Mock, opt *Options) {
			m.Feed([]byte(status101 + "\r\nupgrade: WebSocket\r\nsec-websocket-accept: " + sampleAccept + "\r\n\r\n"))
		}, nil},
		{"ok/no-blank-line", func(m *socket.Mock, opt *Options) {
			m.Feed([]byte(status101 + "\r\nSec-WebSocket-Accept: " + sampleAccept + "\r\n"))
		}, nil},
		{"ok/late-response", func(m *socket.Mock, opt *Options) {
			m.SilentPolls = 10
			m.Feed(upgradeResponse(status101, sampleAccept))
		}, nil},
		{"ok/upgrade-not-required", func(m *socket.Mock, opt *Options) {
			m.Feed([]byte("HTTP/1.1 200 OK\r\nSec-WebSocket-Accept: " + sampleAccept + "\r\n\r\n"))
		}, nil},
		{"timeout/never", func(m *socket.Mock, opt *Options) {}, ErrHandshakeTimeout},
		{"timeout/too-late", func(m *socket.Mock, opt *Options) {
			m.SilentPolls = 11
			m.Feed(upgradeResponse(status101, sampleAccept))
		}, ErrHandshakeTimeout},
		{"accept-mismatch", func(m *socket.Mock, opt *Options) {
			m.Feed(upgradeResponse(status101, "HSmrc0sMlYUkAGmm5OPpG2HaGWk="))
		}, ErrAcceptMismatch},
		{"accept-missing", func(m *socket.Mock, opt *Options) {
			m.Feed([]byte(status101 + "\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n"))
		}, ErrAcceptMismatch},
		{"strict/status", func(m *socket.Mock, opt *Options) {
			opt.StrictUpgrade = true
			m.Feed([]byte("HTTP/1.1 200 OK\r\nUpgrade: websocket\r\nSec-WebSocket-Accept: " + sampleAccept + "\r\n\r\n"))
		}, ErrUpgradeMissing},
		{"strict/header", func(m *socket.Mock, opt *Options) {
			opt.StrictUpgrade = true
			m.Feed([]byte(status101 + "\r\nSec-WebSocket-Accept: " + sampleAccept + "\r\n\r\n"))
		}, ErrUpgradeMissing},
		{"strict/ok", func(m *socket.Mock, opt *Options) {
			opt.StrictUpgrade = true
			m.Feed(upgradeResponse(status101, sampleAccept))
		}, nil},
		{"line-too-long", func(m *socket.Mock, opt *Options) {
			m.Feed([]byte(status101 + "\r\nX-Junk: " + strings.Repeat("x", maxHandshakeLine)))
		}, ErrHandshakeInvalid},
		{"disconnected", func(m *socket.Mock, opt *Options) {
			m.Disconnected = true
		}, socket.ErrNotConnected},
		{"connect-error", func(m *socket.Mock, opt *Options) {
			m.ConnectErr = io.ErrClosedPipe
		}, io.ErrClosedPipe},
		{"write-error", func(m *socket.Mock, opt *Options) {
			m.WriteErr = io.ErrShortWrite
		}, io.ErrShortWrite},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			m := socket.NewMock()
			opt := testOptions(t, m)
			c.prepare(m, &opt)
			w := NewWebSocket(opt)
			s := w.Create()
			require.Equal(t, m, s)
			err := w.Connect(context.Background(), s, "broker.local", 8080)
			if c.expectErr != nil {
				require.Error(t, err)
				assert.Equal(t, c.expectErr, errors.Cause(err), errors.ErrorStack(err))
				return
			}
			require.NoError(t, err)
			assert.NoError(t, w.Verify(s, "broker.local"))
			assert.Equal(t, "broker.local", m.Host)
			assert.Equal(t, 8080, m.Port)
		})
	}
}

func TestWebSocketRequest(t *testing.T) {
	t.Parallel()

	m := socket.NewMock(upgradeResponse("HTTP/1.1 101 Switching Protocols", sampleAccept))
	opt := testOptions(t, m)
	w := NewWebSocket(opt)
	require.NoError(t, w.Connect(context.Background(), m, "broker.local", 80))
	assert.Equal(t, "GET / HTTP/1.1\r\n"+
		"Connection: Upgrade\r\n"+
		"Upgrade: websocket\r\n"+
		"Host: broker.local\r\n"+
		"Sec-WebSocket-Version: 13\r\n"+
		"Sec-WebSocket-Key: "+sampleKey+"\r\n"+
		"\r\n", m.Written.String())

	// new key per connection attempt
	m2 := socket.NewMock()
	require.Error(t, w.Connect(context.Background(), m2, "::1", 80))
	assert.NotEqual(t, sampleKey, w.key)
	assert.Len(t, w.key, 24)
	assert.Contains(t, m2.Written.String(), "Host: [::1]\r\n")

	m3 := socket.NewMock()
	opt3 := testOptions(t, m3)
	opt3.Path = "/mqtt"
	opt3.Subprotocol = "mqtt"
	_ = NewWebSocket(opt3).Connect(context.Background(), m3, "broker.local", 80)
	assert.True(t, strings.HasPrefix(m3.Written.String(), "GET /mqtt HTTP/1.1\r\n"))
	assert.Contains(t, m3.Written.String(), "Sec-WebSocket-Protocol: mqtt\r\n")
}

func TestWebSocketFrameAfterHandshake(t *testing.T) {
	t.Parallel()

	resp := upgradeResponse("HTTP/1.1 101 Switching Protocols", sampleAccept)
	m := socket.NewMock(append(resp, 0x82, 0x02, 0x20, 0x00))
	w := NewWebSocket(testOptions(t, m))
	require.NoError(t, w.Connect(context.Background(), m, "broker.local", 80))
	buf := make([]byte, 16)
	n, err := w.Read(m, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x20, 0x00}, buf[:n])
}

func TestWebSocketRoundTrip(t *testing.T) {
	t.Parallel()

	rnd := helpers.RandUnix()
	for _, size := range []int{0, 1, 2, 125, 126, 127, 1000, 65534, MaxPayloadLen} {
		size := size
		payload := make([]byte, size)
		_, _ = rnd.Read(payload)
		t.Run(fmt.Sprint(size), func(t *testing.T) {
			t.Parallel()

			out := socket.NewMock()
			w := NewWebSocket(testOptions(t, out))
			n, err := w.Write(out, payload)
			require.NoError(t, err)
			require.Equal(t, size, n)
			if size > frameLen7Max {
				require.Equal(t, frameMask|frameLen16, out.Written.Bytes()[1])
			}

			// same bytes seen by peer, in one piece and in small pieces
			for _, piece := range []int{0, 5} {
				in := socket.NewMock()
				frame := out.Written.Bytes()
				if piece == 0 {
					in.Feed(frame)
				} else {
					for i := 0; i < len(frame); i += piece {
						end := i + piece
						if end > len(frame) {
							end = len(frame)
						}
						in.Feed(frame[i:end])
					}
				}
				buf := make([]byte, size)
				r := NewWebSocket(Options{PollInterval: time.Millisecond, Timeout: 10 * time.Millisecond})
				n, err = r.Read(in, buf)
				require.NoError(t, err)
				require.Equal(t, size, n)
				require.True(t, bytes.Equal(payload, buf), "piece=%d", piece)
			}
		})
	}
}

func TestWebSocketRead(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		chunks    [][]byte
		readErr   error
		bufSize   int
		expect    []string
		expectErr error
	}
	cases := []Case{
		{"no-data", nil, nil, 8, nil, ErrNoData},
		{"eof", nil, io.EOF, 8, nil, io.EOF},
		{"unmasked", [][]byte{{0x82, 0x03, 'a', 'b', 'c'}}, nil, 8, []string{"abc"}, nil},
		{"masked", [][]byte{{0x82, 0x83, 1, 2, 3, 4, 'a' ^ 1, 'b' ^ 2, 'c' ^ 3}}, nil, 8, []string{"abc"}, nil},
		{"len64", [][]byte{{0x82, 127, 0, 0, 0, 0, 0, 0, 0, 3, 'x', 'y', 'z'}}, nil, 8, []string{"xyz"}, nil},
		{"overflow", [][]byte{{0x82, 127, 0, 0, 0, 1, 0, 0, 0, 0}}, nil, 8, nil, ErrLengthOverflow},
		{"two-frames-one-chunk", [][]byte{{0x82, 0x01, 'a', 0x82, 0x02, 'b', 'c'}}, nil, 8, []string{"a", "bc"}, nil},
		{"header-split", [][]byte{{0x82}, {0x02, 'h'}, {'i'}}, nil, 8, []string{"hi"}, nil},
		{"incomplete", [][]byte{{0x82, 0x05, 'a'}}, nil, 8, nil, io.ErrUnexpectedEOF},
		{"incomplete-eof", [][]byte{{0x82, 0x05, 'a'}}, io.EOF, 8, nil, io.EOF},
		{"short-buffer", [][]byte{{0x82, 0x05, 'a', 'b', 'c', 'd', 'e'}}, nil, 4, nil, io.ErrShortBuffer},
		{"close", [][]byte{{0x88, 0x00}}, nil, 8, nil, io.EOF},
		{"ping", [][]byte{{0x89, 0x00}}, nil, 8, nil, ErrFrameOpcode},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			m := socket.NewMock(c.chunks...)
			m.ReadErr = c.readErr
			m.Disconnected = c.readErr != nil
			w := NewWebSocket(testOptions(t, m))
			buf := make([]byte, c.bufSize)
			for _, expect := range c.expect {
				n, err := w.Read(m, buf)
				require.NoError(t, err)
				assert.Equal(t, expect, string(buf[:n]))
			}
			if c.expectErr != nil {
				_, err := w.Read(m, buf)
				require.Error(t, err)
				assert.Equal(t, c.expectErr, errors.Cause(err))
			}
		})
	}
}

func TestWebSocketReadResume(t *testing.T) {
	t.Parallel()

	t.Run("incomplete", func(t *testing.T) {
		t.Parallel()
		m := socket.NewMock([]byte{0x82, 0x85, 1, 2, 3, 4, 'a' ^ 1})
		w := NewWebSocket(testOptions(t, m))
		buf := make([]byte, 8)
		_, err := w.Read(m, buf)
		require.Error(t, err)
		assert.Equal(t, io.ErrUnexpectedEOF, errors.Cause(err))

		m.Feed([]byte{'b' ^ 2, 'c' ^ 3, 'd' ^ 4, 'e' ^ 1})
		n, err := w.Read(m, buf)
		require.NoError(t, err)
		assert.Equal(t, "abcde", string(buf[:n]))
	})
	t.Run("short-buffer", func(t *testing.T) {
		t.Parallel()
		m := socket.NewMock([]byte{0x82, 0x05, 'a', 'b', 'c', 'd', 'e', 0x82, 0x01, 'f'})
		w := NewWebSocket(testOptions(t, m))
		_, err := w.Read(m, make([]byte, 4))
		assert.Equal(t, io.ErrShortBuffer, errors.Cause(err))

		buf := make([]byte, 8)
		n, err := w.Read(m, buf)
		require.NoError(t, err)
		assert.Equal(t, "abcde", string(buf[:n]))
		n, err = w.Read(m, buf)
		require.NoError(t, err)
		assert.Equal(t, "f", string(buf[:n]))
	})
}

// Incomplete frame on a real socket must fail after Timeout, not after NetworkTimeout.
func TestWebSocketReadPipeTimeout(t *testing.T) {
	t.Parallel()

	client, peer := net.Pipe()
	defer peer.Close()
	s := socket.NewClientConn(client, socket.Options{NetworkTimeout: 5 * time.Second})
	defer s.Close()
	w := NewWebSocket(Options{
		Log:          log2.NewTest(t, log2.LDebug),
		PollInterval: 5 * time.Millisecond,
		Timeout:      50 * time.Millisecond,
	})

	feed := func(b []byte) {
		go func() { _, _ = peer.Write(b) }()
		for i := 0; i < 1000 && s.Available() == 0; i++ {
			time.Sleep(time.Millisecond)
		}
		require.NotZero(t, s.Available())
	}

	feed([]byte{0x82, 0x05, 'a'})
	buf := make([]byte, 8)
	started := time.Now()
	_, err := w.Read(s, buf)
	elapsed := time.Since(started)
	require.Error(t, err)
	assert.Equal(t, io.ErrUnexpectedEOF, errors.Cause(err))
	assert.Less(t, int64(elapsed), int64(time.Second), "elapsed=%v", elapsed)

	feed([]byte("bcde"))
	n, err := w.Read(s, buf)
	require.NoError(t, err)
	assert.Equal(t, "abcde", string(buf[:n]))
}

func TestWebSocketWriteErrors(t *testing.T) {
	t.Parallel()

	m := socket.NewMock()
	w := NewWebSocket(testOptions(t, m))
	n, err := w.Write(m, make([]byte, MaxPayloadLen+1))
	assert.Equal(t, 0, n)
	assert.Equal(t, ErrFrameTooLarge, errors.Cause(err))
	assert.Equal(t, 0, m.Written.Len())

	m.WriteErr = io.ErrClosedPipe
	_, err = w.Write(m, []byte{0xc0, 0x00})
	assert.Equal(t, io.ErrClosedPipe, errors.Cause(err))
}
