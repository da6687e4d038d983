package transport

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

const (
	SchemeTCP = "tcp"
	SchemeTLS = "tls"
	SchemeWS  = "ws"
	SchemeWSS = "wss"
)

var defaultPorts = map[string]int{
	SchemeTCP: 1883,
	SchemeTLS: 8883,
	SchemeWS:  80,
	SchemeWSS: 443,
}

// Endpoint is parsed broker URL.
type Endpoint struct {
	Scheme string
	Host   string
	Port   int
	Path   string
}

func (e Endpoint) String() string {
	s := e.Scheme + "://" + net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
	if e.Scheme == SchemeWS || e.Scheme == SchemeWSS {
		s += e.Path
	}
	return s
}

// NormalizeScheme maps aliases: mqtt=tcp, mqtts|ssl=tls. Unknown scheme is returned as is.
func NormalizeScheme(s string) string {
	switch s = strings.ToLower(s); s {
	case "mqtt":
		return SchemeTCP
	case "mqtts", "ssl":
		return SchemeTLS
	}
	return s
}

// ParseURL accepts tcp://host[:port], tls://, ws://host[:port][/path], wss://
// and their aliases. Missing port is filled with scheme default.
func ParseURL(s string) (Endpoint, error) {
	e := Endpoint{}
	u, err := url.Parse(s)
	if err != nil {
		return e, errors.Annotatef(err, "broker url=%s", s)
	}
	e.Scheme = NormalizeScheme(u.Scheme)
	defPort, ok := defaultPorts[e.Scheme]
	if !ok {
		return e, errors.NotSupportedf("broker url=%s scheme=%s", s, u.Scheme)
	}
	if e.Host = u.Hostname(); e.Host == "" {
		return e, errors.NotValidf("broker url=%s without host", s)
	}
	e.Port = defPort
	if p := u.Port(); p != "" {
		if e.Port, err = strconv.Atoi(p); err != nil || e.Port <= 0 || e.Port > 65535 {
			return e, errors.NotValidf("broker url=%s port=%s", s, p)
		}
	}
	e.Path = u.EscapedPath()
	if e.Path == "" {
		e.Path = DefaultPath
	}
	if u.RawQuery != "" {
		e.Path += "?" + u.RawQuery
	}
	return e, nil
}

// New returns transport for scheme. Options.Fingerprint is required by tls and wss.
func New(scheme string, opt Options) (Transport, error) {
	switch NormalizeScheme(scheme) {
	case SchemeTCP:
		return NewPlain(opt), nil
	case SchemeTLS:
		return NewSecure(opt.Fingerprint, opt), nil
	case SchemeWS:
		return NewWebSocket(opt), nil
	case SchemeWSS:
		return NewSecureWebSocket(opt.Fingerprint, opt), nil
	}
	return nil, errors.NotSupportedf("transport scheme=%s", scheme)
}
