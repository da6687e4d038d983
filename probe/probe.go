// Package probe speaks minimal MQTT 3.1.1 over a transport.Transport:
// CONNECT, PINGREQ, QoS 0 PUBLISH, DISCONNECT.
// It is used to check that a broker is reachable through the configured transport.
package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/juju/errors"
	"github.com/temoto/mqtransport/helpers"
	"github.com/temoto/mqtransport/log2"
	"github.com/temoto/mqtransport/socket"
	"github.com/temoto/mqtransport/transport"
)

const (
	DefaultTimeout      = 5 * time.Second
	DefaultPollInterval = 10 * time.Millisecond
)

var (
	ErrConnectionDenied = fmt.Errorf("broker denied connection")
	ErrUnexpectedPacket = fmt.Errorf("unexpected packet")
	ErrPacketTooLarge   = fmt.Errorf("packet is too large")
	ErrReplyTimeout     = fmt.Errorf("broker reply timeout")
)

type Options struct {
	Log       *log2.Log
	ClientID  string
	Username  string
	Password  string
	KeepAlive time.Duration
	// Limit for waiting CONNACK and PINGRESP.
	Timeout      time.Duration
	PollInterval time.Duration
	// Largest packet accepted by Receive, also transport read buffer size.
	MaxPacketSize int
}

func (opt *Options) normalize() {
	if opt.Timeout <= 0 {
		opt.Timeout = DefaultTimeout
	}
	if opt.PollInterval <= 0 {
		opt.PollInterval = DefaultPollInterval
	}
	if opt.MaxPacketSize <= 0 {
		opt.MaxPacketSize = transport.MaxPayloadLen
	}
}

// Session is one MQTT connection. Not safe for concurrent use.
type Session struct {
	Connack *packet.Connack

	opt     Options
	t       transport.Transport
	s       socket.Socket
	pending []byte
	scratch []byte
}

// Dial creates socket with t, connects, verifies and completes MQTT CONNECT.
// Socket is closed on any error.
func Dial(ctx context.Context, t transport.Transport, host string, port int, opt Options) (*Session, error) {
	opt.normalize()
	if opt.KeepAlive < 0 || opt.KeepAlive/time.Second > 0xffff {
		return nil, errors.NotValidf("keepalive=%v", opt.KeepAlive)
	}
	sess := &Session{
		opt:     opt,
		t:       t,
		s:       t.Create(),
		scratch: make([]byte, opt.MaxPacketSize),
	}
	err := sess.connect(ctx, host, port)
	if err != nil {
		_ = sess.s.Close()
		return nil, err
	}
	return sess, nil
}

func (sess *Session) connect(ctx context.Context, host string, port int) error {
	if err := sess.t.Connect(ctx, sess.s, host, port); err != nil {
		return errors.Annotatef(err, "probe connect host=%s port=%d", host, port)
	}
	if err := sess.t.Verify(sess.s, host); err != nil {
		return errors.Annotatef(err, "probe verify host=%s", host)
	}

	conpkt := packet.NewConnect()
	conpkt.ClientID = sess.opt.ClientID
	conpkt.KeepAlive = uint16(sess.opt.KeepAlive / time.Second)
	conpkt.CleanSession = true
	conpkt.Username = sess.opt.Username
	conpkt.Password = sess.opt.Password
	if err := sess.Send(conpkt); err != nil {
		return err
	}

	pkt, err := sess.expect(ctx, packet.CONNACK)
	if err != nil {
		return errors.Annotate(err, "probe expect CONNACK")
	}
	connack := pkt.(*packet.Connack)
	sess.opt.Log.Debugf("probe CONNACK=%s", connack.String())
	if connack.ReturnCode != packet.ConnectionAccepted {
		return errors.Annotate(ErrConnectionDenied, connack.ReturnCode.String())
	}
	sess.Connack = connack
	return nil
}

// Ping sends PINGREQ and waits for PINGRESP, returns round trip time.
func (sess *Session) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := sess.Send(packet.NewPingreq()); err != nil {
		return 0, err
	}
	if _, err := sess.expect(ctx, packet.PINGRESP); err != nil {
		return 0, errors.Annotate(err, "probe expect PINGRESP")
	}
	return time.Since(start), nil
}

// Publish sends QoS 0 message, broker does not acknowledge it.
func (sess *Session) Publish(topic string, payload []byte, retain bool) error {
	if topic == "" {
		return errors.NotValidf("empty topic")
	}
	pub := packet.NewPublish()
	pub.Message = packet.Message{
		Topic:   topic,
		Payload: payload,
		QOS:     packet.QOSAtMostOnce,
		Retain:  retain,
	}
	return sess.Send(pub)
}

func (sess *Session) Send(pkt packet.Generic) error {
	b := make([]byte, pkt.Len())
	n, err := pkt.Encode(b)
	if err != nil {
		return errors.Annotatef(err, "probe encode %s", pkt.Type())
	}
	if n > sess.opt.MaxPacketSize {
		return errors.Annotatef(ErrPacketTooLarge, "probe send %s length=%d", pkt.Type(), n)
	}
	sess.opt.Log.Debugf("probe send %s", pkt.String())
	b = b[:n]
	for len(b) > 0 {
		n, err = sess.t.Write(sess.s, b)
		if err != nil {
			return errors.Annotatef(err, "probe send %s", pkt.Type())
		}
		b = b[n:]
	}
	return nil
}

// Receive returns next packet, reading transport until whole packet is buffered.
// Waits until ctx is done, use context deadline to limit.
// Transport is read only when socket or transport has bytes ready,
// so ctx is checked at least every PollInterval.
func (sess *Session) Receive(ctx context.Context) (packet.Generic, error) {
	for {
		if pkt, err := sess.decode(); pkt != nil || err != nil {
			return pkt, err
		}
		if sess.readable() {
			n, err := sess.t.Read(sess.s, sess.scratch)
			if n > 0 {
				sess.pending = append(sess.pending, sess.scratch[:n]...)
				continue
			}
			if err != nil && errors.Cause(err) != transport.ErrNoData {
				return nil, errors.Annotate(err, "probe receive")
			}
		}
		if !sess.s.Connected() {
			return nil, errors.Annotate(socket.ErrNotConnected, "probe receive")
		}
		select {
		case <-time.After(sess.opt.PollInterval):
		case <-ctx.Done():
			return nil, errors.Annotate(ctx.Err(), "probe receive")
		}
	}
}

func (sess *Session) Close() error {
	errs := make([]error, 0, 2)
	if sess.s.Connected() {
		if err := sess.Send(packet.NewDisconnect()); err != nil {
			errs = append(errs, err)
		}
	}
	if err := sess.s.Close(); err != nil {
		errs = append(errs, errors.Annotate(err, "probe close"))
	}
	return helpers.FoldErrors(errs)
}

func (sess *Session) readable() bool {
	if b, ok := sess.t.(transport.Buffered); ok && b.Buffered() > 0 {
		return true
	}
	return sess.s.Available() > 0 || !sess.s.Connected()
}

// decode returns nil,nil when pending bytes do not contain whole packet yet.
func (sess *Session) decode() (packet.Generic, error) {
	length, typ := packet.DetectPacket(sess.pending)
	if length == 0 {
		return nil, nil
	}
	if length > sess.opt.MaxPacketSize {
		return nil, errors.Annotatef(ErrPacketTooLarge, "probe receive %s length=%d", typ, length)
	}
	if length > len(sess.pending) {
		return nil, nil
	}
	b := sess.pending[:length:length]
	sess.pending = sess.pending[length:]
	pkt, err := typ.New()
	if err != nil {
		return nil, errors.Annotatef(err, "probe receive type=%d", typ)
	}
	if _, err = pkt.Decode(b); err != nil {
		return nil, errors.Annotatef(err, "probe decode %s", typ)
	}
	sess.opt.Log.Debugf("probe received %s", pkt.String())
	return pkt, nil
}

// expect skips packets of other types, broker may deliver PUBLISH anytime.
func (sess *Session) expect(ctx context.Context, typ packet.Type) (packet.Generic, error) {
	ctx, cancel := context.WithTimeout(ctx, sess.opt.Timeout)
	defer cancel()
	for {
		pkt, err := sess.Receive(ctx)
		if err != nil {
			if errors.Cause(err) == context.DeadlineExceeded {
				return nil, errors.Annotatef(ErrReplyTimeout, "waited=%v", sess.opt.Timeout)
			}
			return nil, err
		}
		if pkt.Type() == typ {
			return pkt, nil
		}
		if pkt.Type() != packet.PUBLISH {
			return nil, errors.Annotatef(ErrUnexpectedPacket, "expected=%s received=%s", typ, pkt.String())
		}
		sess.opt.Log.Debugf("probe skip %s while waiting %s", pkt.String(), typ)
	}
}
