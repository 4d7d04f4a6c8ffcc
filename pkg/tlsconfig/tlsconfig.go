// Package tlsconfig builds the mutual-TLS crypto/tls.Config pairs
// pkg/transport's BindTLS/ConnectTLS install on a Root, spec.md §4.12:
// credentials loaded from PEM or a PKCS12 bundle, a CA trust file, and a
// certificate validity window check performed once at load time rather
// than left to fail later inside a handshake.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"
	"time"

	"golang.org/x/crypto/pkcs12"

	"github.com/flowbus/flowbus/pkg/xerrors"
)

// Credentials names the files backing one side's identity: either PEMCert
// and PEMKey, or a PKCS12 bundle (with optional password). TrustFile is a
// PEM bundle of CA certificates used to verify the peer.
type Credentials struct {
	PEMCert string
	PEMKey  string

	PKCS12Path     string
	PKCS12Password string

	TrustFile string

	// Now, if non-nil, overrides time.Now for the validity window check
	// (tests only; nil means "use time.Now").
	Now func() time.Time
}

func (c Credentials) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Credentials) loadCertificate() (tls.Certificate, error) {
	if c.PKCS12Path != "" {
		return loadPKCS12(c.PKCS12Path, c.PKCS12Password)
	}
	if c.PEMCert == "" || c.PEMKey == "" {
		return tls.Certificate{}, xerrors.NewTLSError("SignerNotFound", nil)
	}
	cert, err := tls.LoadX509KeyPair(c.PEMCert, c.PEMKey)
	if err != nil {
		return tls.Certificate{}, xerrors.NewTLSError("SignerNotFound", err)
	}
	return cert, nil
}

func loadPKCS12(path, password string) (tls.Certificate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, xerrors.NewTLSError("SignerNotFound", err)
	}
	key, cert, err := pkcs12.Decode(raw, password)
	if err != nil {
		return tls.Certificate{}, xerrors.NewTLSError("SignerNotFound", err)
	}
	return tls.Certificate{
		Certificate: [][]byte{cert.Raw},
		PrivateKey:  key,
		Leaf:        cert,
	}, nil
}

// checkValidity refuses a certificate that is expired or not yet valid,
// per spec.md §4.12 ("checked at load time; expired or not-yet-valid
// certs are refused").
func checkValidity(cert tls.Certificate, now time.Time) error {
	leaf := cert.Leaf
	var err error
	if leaf == nil {
		if len(cert.Certificate) == 0 {
			return xerrors.NewTLSError("SignerNotFound", nil)
		}
		leaf, err = x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return xerrors.NewTLSError("UnknownIssuer", err)
		}
	}
	if now.Before(leaf.NotBefore) {
		return xerrors.NewTLSError("NotYetActivated", nil)
	}
	if now.After(leaf.NotAfter) {
		return xerrors.NewTLSError("Expired", nil)
	}
	return nil
}

func loadTrust(trustFile string) (*x509.CertPool, error) {
	raw, err := os.ReadFile(trustFile)
	if err != nil {
		return nil, xerrors.NewTLSError("UnknownIssuer", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(raw) {
		return nil, xerrors.NewTLSError("UnknownIssuer", nil)
	}
	return pool, nil
}

// ServerConfig builds a *tls.Config for Queue.BindTLS: it requires and
// verifies a client certificate against creds.TrustFile (mutual TLS,
// spec.md §4.12's "Server requires client certificates").
func ServerConfig(creds Credentials) (*tls.Config, error) {
	cert, err := creds.loadCertificate()
	if err != nil {
		return nil, err
	}
	if err := checkValidity(cert, creds.now()); err != nil {
		return nil, err
	}
	pool, err := loadTrust(creds.TrustFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientConfig builds a *tls.Config for Queue.ConnectTLS: it presents the
// client's own certificate (the server verifies it, mutual TLS) and
// verifies the server's certificate against creds.TrustFile.
func ClientConfig(creds Credentials) (*tls.Config, error) {
	cert, err := creds.loadCertificate()
	if err != nil {
		return nil, err
	}
	if err := checkValidity(cert, creds.now()); err != nil {
		return nil, err
	}
	pool, err := loadTrust(creds.TrustFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClassifyHandshakeError maps a failed handshake onto a named reason
// (Expired, NotYetActivated, NotACA, UnknownIssuer, InsecureAlgorithm) and
// wraps it as a *xerrors.TLSError. Unrecognized causes fall back to
// "HandshakeFailed". Certificate revocation is not checked, so no failure
// is classified as revoked.
func ClassifyHandshakeError(err error) error {
	if err == nil {
		return nil
	}
	var certErr x509.CertificateInvalidError
	if errors.As(err, &certErr) {
		switch certErr.Reason {
		case x509.Expired:
			// crypto/x509 reports a not-yet-valid certificate as Expired too.
			if certErr.Cert != nil && time.Now().Before(certErr.Cert.NotBefore) {
				return xerrors.NewTLSError("NotYetActivated", err)
			}
			return xerrors.NewTLSError("Expired", err)
		case x509.NotAuthorizedToSign, x509.IncompatibleUsage:
			return xerrors.NewTLSError("NotACA", err)
		case x509.TooManyIntermediates:
			return xerrors.NewTLSError("UnknownIssuer", err)
		}
		return xerrors.NewTLSError("HandshakeFailed", err)
	}
	var unknownAuth x509.UnknownAuthorityError
	if errors.As(err, &unknownAuth) {
		return xerrors.NewTLSError("UnknownIssuer", err)
	}
	var algErr x509.InsecureAlgorithmError
	if errors.As(err, &algErr) {
		return xerrors.NewTLSError("InsecureAlgorithm", err)
	}
	return xerrors.NewTLSError("HandshakeFailed", err)
}
