package transport

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/mqtransport/helpers"
	"github.com/temoto/mqtransport/socket"
)

// RFC 6455 section 1.3
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

const (
	websocketKeySize      = 16
	maxHandshakeLine      = 4 << 10
	headerUpgrade         = "Upgrade: websocket"
	headerWebsocketAccept = "Sec-WebSocket-Accept: "
)

var (
	ErrHandshakeTimeout = fmt.Errorf("websocket handshake response timeout")
	ErrHandshakeInvalid = fmt.Errorf("websocket handshake response is invalid")
	ErrAcceptMismatch   = fmt.Errorf("websocket accept key mismatch")
	ErrUpgradeMissing   = fmt.Errorf("websocket upgrade was not confirmed")
)

// WebSocket wraps MQTT packets into binary WebSocket frames, one packet per frame.
// Handshake key and unread frame bytes are per connection state,
// so use separate instance for each concurrent connection.
type WebSocket struct {
	opt         Options
	secure      bool
	fingerprint string

	key     string
	pending []byte
}

var _ Transport = &WebSocket{}
var _ Buffered = &WebSocket{}

func NewWebSocket(opt Options) *WebSocket {
	opt.normalize()
	if opt.Rand == nil {
		opt.Rand = rand.Reader
	}
	return &WebSocket{opt: opt}
}

// NewSecureWebSocket is wss transport, TLS server is pinned by fingerprint.
func NewSecureWebSocket(fingerprint string, opt Options) *WebSocket {
	w := NewWebSocket(opt)
	w.secure = true
	w.fingerprint = fingerprint
	return w
}

// AcceptKey is expected Sec-WebSocket-Accept value for client key.
func AcceptKey(key string) string {
	h := sha1.New() //nolint:gosec
	_, _ = io.WriteString(h, key)
	_, _ = io.WriteString(h, websocketGUID)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func (w *WebSocket) Create() socket.Socket {
	if w.opt.NewSocket != nil {
		return w.opt.NewSocket()
	}
	if w.secure {
		return socket.NewSecureClient(w.opt.Socket, w.opt.TLS)
	}
	return socket.NewClient(w.opt.Socket)
}

func (w *WebSocket) Verify(s socket.Socket, host string) error {
	if !w.secure {
		return nil
	}
	return verifyFingerprint(s, w.fingerprint, host)
}

// Connect opens socket and performs HTTP upgrade.
// Success requires Sec-WebSocket-Accept to match the key sent;
// with StrictUpgrade also status 101 and Upgrade header.
func (w *WebSocket) Connect(ctx context.Context, s socket.Socket, host string, port int) error {
	w.pending = nil
	if err := w.newKey(); err != nil {
		return err
	}
	w.opt.Log.Debugf("websocket key=%s", w.key)

	if err := s.Connect(ctx, host, port); err != nil {
		return errors.Annotate(err, "websocket connect")
	}
	req := w.request(host)
	w.opt.Log.Debugf("websocket request=%q", req)
	if err := helpers.WriteAll(s, req); err != nil {
		return errors.Annotate(err, "websocket send request")
	}

	resp, err := w.readResponse(ctx, s)
	if err != nil {
		return err
	}
	accept := AcceptKey(w.key)
	w.opt.Log.Debugf("websocket status=%q upgrade=%t accept=%s server=%s", resp.status, resp.upgrade, accept, resp.accept)
	if w.opt.StrictUpgrade && (!resp.upgrade || resp.code != 101) {
		return errors.Annotatef(ErrUpgradeMissing, "status=%q upgrade=%t", resp.status, resp.upgrade)
	}
	if accept != resp.accept {
		return errors.Annotatef(ErrAcceptMismatch, "expected=%s server=%s", accept, resp.accept)
	}
	return nil
}

func (w *WebSocket) Write(s socket.Socket, b []byte) (int, error) {
	frame, err := FrameMarshal(OpBinary, b, w.opt.Rand)
	if err != nil {
		return 0, err
	}
	w.opt.Log.HexDump("websocket write", frame)
	if err := helpers.WriteAll(s, frame); err != nil {
		return 0, errors.Annotate(err, "websocket write")
	}
	return len(b), nil
}

// Read returns payload of one frame.
// First socket read asks for len(b)+MaxFrameHeaderLen bytes hoping to get whole frame at once,
// rest of frame is awaited up to Timeout. Bytes past the frame are kept for next Read.
// Incomplete frame and payload larger than b keep received bytes too, so Read may be retried.
func (w *WebSocket) Read(s socket.Socket, b []byte) (int, error) {
	size := len(b) + MaxFrameHeaderLen
	if size < len(w.pending) {
		size = len(w.pending)
	}
	raw := make([]byte, size)
	have := copy(raw, w.pending)
	w.pending = nil
	if have == 0 {
		n, err := s.Read(raw)
		if n <= 0 {
			if err != nil {
				return 0, errors.Annotate(err, "websocket read")
			}
			return 0, ErrNoData
		}
		have = n
	}

	var h FrameHeader
	var err error
	for {
		h, err = ParseFrameHeader(raw[:have])
		if err != io.ErrUnexpectedEOF {
			break
		}
		if have, err = w.fill(s, raw, have); err != nil {
			return 0, w.keep(raw[:have], err)
		}
	}
	if err != nil {
		return 0, errors.Annotatef(err, "websocket header=%x", raw[:have])
	}
	w.opt.Log.Debugf("websocket read %s", h.String())
	if uint64(h.Length) > uint64(len(b)) {
		err = errors.Annotatef(io.ErrShortBuffer, "websocket payload length=%d buffer=%d", h.Length, len(b))
		return 0, w.keep(raw[:have], err)
	}

	end := h.Size + int(h.Length)
	for have < end {
		if have, err = w.fill(s, raw, have); err != nil {
			return 0, w.keep(raw[:have], err)
		}
	}
	if have > end {
		w.pending = append([]byte(nil), raw[end:have]...)
	}

	payload := raw[h.Size:end]
	if h.Masked {
		MaskBytes(h.Mask[:], payload)
	}
	switch h.Opcode {
	case OpBinary, OpText, OpContinuation:
		return copy(b, payload), nil
	case OpClose:
		return 0, io.EOF
	}
	return 0, errors.Annotatef(ErrFrameOpcode, "opcode=%d", h.Opcode)
}

// Buffered is number of received bytes not yet returned by Read.
func (w *WebSocket) Buffered() int { return len(w.pending) }

// keep stores partial frame for next Read when err is recoverable.
func (w *WebSocket) keep(partial []byte, err error) error {
	switch errors.Cause(err) {
	case io.ErrUnexpectedEOF, io.ErrShortBuffer:
		w.pending = append([]byte(nil), partial...)
	}
	return err
}

// fill reads more bytes into b[have:], polling Available() up to Timeout.
// Socket is read only when it has data or is gone.
func (w *WebSocket) fill(s socket.Socket, b []byte, have int) (int, error) {
	if have >= len(b) {
		return have, errors.Annotatef(io.ErrShortBuffer, "websocket frame buffer=%d", len(b))
	}
	limit := w.opt.polls()
	for polls := 0; ; polls++ {
		if s.Available() > 0 || !s.Connected() {
			n, err := s.Read(b[have:])
			if n > 0 {
				return have + n, nil
			}
			if err != nil {
				return have, errors.Annotate(err, "websocket read frame")
			}
		}
		if polls >= limit {
			return have, errors.Annotatef(io.ErrUnexpectedEOF, "websocket frame incomplete have=%d", have)
		}
		time.Sleep(w.opt.PollInterval)
	}
}

func (w *WebSocket) newKey() error {
	var raw [websocketKeySize]byte
	if _, err := io.ReadFull(w.opt.Rand, raw[:]); err != nil {
		return errors.Annotate(err, "websocket key")
	}
	w.key = base64.StdEncoding.EncodeToString(raw[:])
	return nil
}

func (w *WebSocket) request(host string) []byte {
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	var b bytes.Buffer
	b.Grow(256)
	b.WriteString("GET " + w.opt.Path + " HTTP/1.1\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Host: " + host + "\r\n")
	b.WriteString("Sec-WebSocket-Version: 13\r\n")
	b.WriteString("Sec-WebSocket-Key: " + w.key + "\r\n")
	if w.opt.Subprotocol != "" {
		b.WriteString("Sec-WebSocket-Protocol: " + w.opt.Subprotocol + "\r\n")
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

type handshakeResponse struct {
	status  string
	code    int
	upgrade bool
	accept  string
}

// readResponse waits up to Timeout for the first byte, then reads header lines
// until blank line or until socket stays silent for Timeout.
func (w *WebSocket) readResponse(ctx context.Context, s socket.Socket) (handshakeResponse, error) {
	resp := handshakeResponse{}
	if err := w.await(ctx, s); err != nil {
		return resp, err
	}

	line := make([]byte, 0, 128)
	var one [1]byte
	first := true
	for polls := 0; ; {
		if s.Available() <= 0 {
			if !s.Connected() || polls >= w.opt.polls() {
				// peer is done talking, judge what we got
				w.opt.Log.Debugf("websocket response ended without blank line")
				return resp, nil
			}
			polls++
			if err := sleepContext(ctx, w.opt.PollInterval); err != nil {
				return resp, errors.Annotate(err, "websocket read response")
			}
			continue
		}
		n, err := s.Read(one[:])
		if n <= 0 {
			if err != nil {
				return resp, errors.Annotate(err, "websocket read response")
			}
			continue
		}
		polls = 0
		line = append(line, one[0])
		if one[0] != '\n' {
			if len(line) > maxHandshakeLine {
				return resp, errors.Annotatef(ErrHandshakeInvalid, "line too long=%.64q", line)
			}
			continue
		}

		text := strings.TrimRight(string(line), "\r\n")
		line = line[:0]
		if first {
			first = false
			resp.status = text
			if fields := strings.Fields(text); len(fields) >= 2 {
				resp.code, _ = strconv.Atoi(fields[1])
			}
			continue
		}
		switch {
		case text == "":
			return resp, nil
		case !resp.upgrade && hasPrefixFold(text, headerUpgrade):
			resp.upgrade = true
		case hasPrefixFold(text, headerWebsocketAccept):
			resp.accept = strings.TrimSpace(text[len(headerWebsocketAccept):])
		}
	}
}

// await polls Available() every PollInterval until data arrives or Timeout passes.
func (w *WebSocket) await(ctx context.Context, s socket.Socket) error {
	limit := w.opt.polls()
	for polls := 0; s.Available() <= 0; polls++ {
		if !s.Connected() {
			return errors.Annotate(socket.ErrNotConnected, "websocket await response")
		}
		if polls >= limit {
			return errors.Annotatef(ErrHandshakeTimeout, "waited=%v", time.Duration(polls)*w.opt.PollInterval)
		}
		if err := sleepContext(ctx, w.opt.PollInterval); err != nil {
			return errors.Annotate(err, "websocket await response")
		}
	}
	return nil
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
