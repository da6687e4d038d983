// Package config reads HCL configuration of broker connection and MQTT session.
package config

import (
	"net/url"
	"path/filepath"
	"sync"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/mqtransport/helpers"
	"github.com/temoto/mqtransport/log2"
	"github.com/temoto/mqtransport/probe"
	"github.com/temoto/mqtransport/socket"
	"github.com/temoto/mqtransport/transport"
)

type Config struct {
	// includeSeen contains normalized paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []Source `hcl:"include"`

	Broker   BrokerConfig `hcl:"broker"`
	Mqtt     MqttConfig   `hcl:"mqtt"`
	LogDebug bool         `hcl:"log_debug"`

	_copy_guard sync.Mutex //nolint:unused
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

type BrokerConfig struct {
	// tcp|mqtt, tls|ssl|mqtts, ws, wss
	URL string `hcl:"url"`
	// Hex SHA-1 or SHA-256 of server certificate, required by tls and wss.
	Fingerprint        string `hcl:"fingerprint"`
	Subprotocol        string `hcl:"subprotocol"`
	StrictUpgrade      bool   `hcl:"strict_upgrade"`
	NetworkTimeoutSec  int    `hcl:"network_timeout_sec"`
	HandshakeTimeoutMs int    `hcl:"handshake_timeout_ms"`
	PollIntervalMs     int    `hcl:"poll_interval_ms"`
}

type MqttConfig struct {
	ClientID        string `hcl:"client_id"`
	Username        string `hcl:"username"`
	Password        string `hcl:"password"`
	KeepaliveSec    int    `hcl:"keepalive_sec"`
	ReplyTimeoutSec int    `hcl:"reply_timeout_sec"`
	Topic           string `hcl:"topic"`
}

func (c *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			*errs = append(*errs, errors.NotFoundf("config required name=%s path=%s", source.Name, norm))
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	if err = hcl.Unmarshal(bs, c); err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config unmarshal source=%s", source.Name))
		return
	}

	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		if _, ok := c.includeSeen[fs.Normalize(include.Name)]; ok {
			*errs = append(*errs, errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name))
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ReadConfig merges sources in order, later values overwrite earlier.
// With OsFullReader, other names and includes are relative to directory of the first name.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.NotValidf("ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		if err := osfs.SetBase(dir); err != nil {
			return nil, err
		}
		names = append([]string{name}, names[1:]...)
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	if err := helpers.FoldErrors(errs); err != nil {
		return nil, err
	}
	return c, nil
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}

// Validate reports all problems at once.
func (c *Config) Validate() error {
	errs := make([]error, 0, 8)
	if c.Broker.URL == "" {
		errs = append(errs, errors.NotValidf("broker.url empty"))
	} else if e, err := transport.ParseURL(c.Broker.URL); err != nil {
		errs = append(errs, err)
	} else if e.Scheme == transport.SchemeTLS || e.Scheme == transport.SchemeWSS {
		errs = append(errs, validateFingerprint(c.Broker.Fingerprint))
	}
	for _, x := range []struct {
		name  string
		value int
	}{
		{"broker.network_timeout_sec", c.Broker.NetworkTimeoutSec},
		{"broker.handshake_timeout_ms", c.Broker.HandshakeTimeoutMs},
		{"broker.poll_interval_ms", c.Broker.PollIntervalMs},
		{"mqtt.reply_timeout_sec", c.Mqtt.ReplyTimeoutSec},
	} {
		if x.value < 0 {
			errs = append(errs, errors.NotValidf("%s=%d", x.name, x.value))
		}
	}
	if c.Mqtt.KeepaliveSec < 0 || c.Mqtt.KeepaliveSec > 0xffff {
		errs = append(errs, errors.NotValidf("mqtt.keepalive_sec=%d", c.Mqtt.KeepaliveSec))
	}
	return helpers.FoldErrors(errs)
}

func validateFingerprint(s string) error {
	if s == "" {
		return errors.NotValidf("broker.fingerprint empty, required by tls and wss")
	}
	b, err := helpers.DecodeHexLoose(s)
	if err != nil {
		return errors.NotValidf("broker.fingerprint=%s hex", s)
	}
	if len(b) != 20 && len(b) != 32 {
		return errors.NotValidf("broker.fingerprint length=%d, expected SHA-1 or SHA-256", len(b))
	}
	return nil
}

// Transport validates config and returns broker endpoint with matching transport.
// Optional stat counts socket bytes.
func (c *Config) Transport(log *log2.Log, stat *socket.Stat) (transport.Transport, transport.Endpoint, error) {
	if err := c.Validate(); err != nil {
		return nil, transport.Endpoint{}, err
	}
	e, err := transport.ParseURL(c.Broker.URL)
	if err != nil {
		return nil, e, err
	}
	opt := transport.Options{
		Log: log,
		Socket: socket.Options{
			Log:            log,
			NetworkTimeout: helpers.IntSecondDefault(c.Broker.NetworkTimeoutSec, socket.DefaultNetworkTimeout),
			Stat:           stat,
		},
		Fingerprint:   c.Broker.Fingerprint,
		Path:          e.Path,
		Subprotocol:   c.Broker.Subprotocol,
		PollInterval:  helpers.IntMillisecondDefault(c.Broker.PollIntervalMs, transport.DefaultPollInterval),
		Timeout:       helpers.IntMillisecondDefault(c.Broker.HandshakeTimeoutMs, transport.DefaultTimeout),
		StrictUpgrade: c.Broker.StrictUpgrade,
	}
	t, err := transport.New(e.Scheme, opt)
	return t, e, err
}

// ProbeOptions returns MQTT session options, credentials in broker URL are used when mqtt block has none.
func (c *Config) ProbeOptions(log *log2.Log) probe.Options {
	opt := probe.Options{
		Log:       log,
		ClientID:  c.Mqtt.ClientID,
		Username:  c.Mqtt.Username,
		Password:  c.Mqtt.Password,
		KeepAlive: helpers.IntSecondDefault(c.Mqtt.KeepaliveSec, 0),
		Timeout:   helpers.IntSecondDefault(c.Mqtt.ReplyTimeoutSec, probe.DefaultTimeout),
	}
	if u, err := url.Parse(c.Broker.URL); err == nil && u.User != nil && opt.Username == "" && opt.Password == "" {
		opt.Username = u.User.Username()
		opt.Password, _ = u.User.Password()
	}
	return opt
}
