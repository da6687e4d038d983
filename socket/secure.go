package socket

import (
	"bytes"
	"context"
	"crypto/sha1" //nolint:gosec
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"

	"github.com/juju/errors"
	"github.com/temoto/mqtransport/helpers"
)

// SecureClient is TLS socket with certificate fingerprint pinning.
// Chain is not validated, Verify() after Connect() is the only authenticity check.
type SecureClient struct {
	Client
	config *tls.Config
}

var _ SecureSocket = &SecureClient{}

func NewSecureClient(opt Options, config *tls.Config) *SecureClient {
	if config == nil {
		config = new(tls.Config)
	} else {
		config = config.Clone()
	}
	config.InsecureSkipVerify = true //nolint:gosec
	c := &SecureClient{config: config}
	c.Client = *NewClient(opt)
	return c
}

func (c *SecureClient) Connect(ctx context.Context, host string, port int) error {
	conn, err := c.dial(ctx, host, port)
	if err != nil {
		return err
	}
	config := c.config
	if config.ServerName == "" {
		config = config.Clone()
		config.ServerName = host
	}
	tc := tls.Client(conn, config)
	hctx, cancel := context.WithTimeout(ctx, c.opt.NetworkTimeout)
	defer cancel()
	if err = tc.HandshakeContext(hctx); err != nil {
		_ = conn.Close()
		return errors.Annotatef(err, "tls handshake host=%s", host)
	}
	c.attach(tc)
	return nil
}

// Verify compares leaf certificate digest with fingerprint.
// 20 bytes fingerprint means SHA-1, 32 bytes SHA-256.
// Non-empty host must also match certificate names.
func (c *SecureClient) Verify(fingerprint, host string) error {
	tc, ok := c.conn.(*tls.Conn)
	if !ok {
		return ErrNotConnected
	}
	certs := tc.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return ErrNoCertificate
	}
	leaf := certs[0]

	want, err := helpers.DecodeHexLoose(fingerprint)
	if err != nil {
		return errors.NotValidf("fingerprint=%q", fingerprint)
	}
	got, err := Fingerprint(leaf.Raw, len(want))
	if err != nil {
		return err
	}
	if !bytes.Equal(want, got) {
		return errors.Annotatef(ErrFingerprintMismatch, "actual=%s", hex.EncodeToString(got))
	}
	if host != "" {
		if err := leaf.VerifyHostname(host); err != nil {
			return errors.Annotate(ErrHostMismatch, err.Error())
		}
	}
	c.opt.Log.Debugf("socket verified host=%s fingerprint=%x", host, got)
	return nil
}

// Fingerprint returns digest of DER certificate, size selects algorithm.
func Fingerprint(der []byte, size int) ([]byte, error) {
	switch size {
	case sha1.Size:
		sum := sha1.Sum(der) //nolint:gosec
		return sum[:], nil
	case sha256.Size:
		sum := sha256.Sum256(der)
		return sum[:], nil
	}
	return nil, errors.NotSupportedf("fingerprint length=%d", size)
}
