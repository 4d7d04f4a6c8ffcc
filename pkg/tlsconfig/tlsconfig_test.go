package tlsconfig

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowbus/flowbus/pkg/xerrors"
)

// genCert writes a self-signed PEM cert+key pair to dir, valid from
// notBefore to notAfter, and returns their paths.
func genCert(t *testing.T, dir, name string, notBefore, notAfter time.Time) (certPath, keyPath string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	certPath = filepath.Join(dir, name+".crt")
	keyPath = filepath.Join(dir, name+".key")

	certOut, err := os.Create(certPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, certOut.Close())

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	keyOut, err := os.Create(keyPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	require.NoError(t, keyOut.Close())
	return certPath, keyPath
}

func TestServerConfigValid(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := genCert(t, dir, "server", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))

	cfg, err := ServerConfig(Credentials{
		PEMCert:   certPath,
		PEMKey:    keyPath,
		TrustFile: certPath,
	})
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
	assert.NotNil(t, cfg.ClientCAs)
	assert.Equal(t, tls.RequireAndVerifyClientCert, cfg.ClientAuth)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
}

func TestClientConfigValid(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := genCert(t, dir, "client", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))

	cfg, err := ClientConfig(Credentials{
		PEMCert:   certPath,
		PEMKey:    keyPath,
		TrustFile: certPath,
	})
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
	assert.NotNil(t, cfg.RootCAs)
}

func TestServerConfigExpiredCertRejected(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := genCert(t, dir, "expired", time.Now().Add(-2*time.Hour), time.Now().Add(-time.Hour))

	_, err := ServerConfig(Credentials{
		PEMCert:   certPath,
		PEMKey:    keyPath,
		TrustFile: certPath,
	})
	require.Error(t, err)
	var tlsErr *xerrors.TLSError
	require.ErrorAs(t, err, &tlsErr)
	assert.Equal(t, "Expired", tlsErr.Reason)
}

func TestServerConfigNotYetValidCertRejected(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := genCert(t, dir, "future", time.Now().Add(time.Hour), time.Now().Add(2*time.Hour))

	_, err := ServerConfig(Credentials{
		PEMCert:   certPath,
		PEMKey:    keyPath,
		TrustFile: certPath,
	})
	require.Error(t, err)
	var tlsErr *xerrors.TLSError
	require.ErrorAs(t, err, &tlsErr)
	assert.Equal(t, "NotYetActivated", tlsErr.Reason)
}

func TestServerConfigMissingFilesErrors(t *testing.T) {
	_, err := ServerConfig(Credentials{
		PEMCert:   "/nonexistent/cert.pem",
		PEMKey:    "/nonexistent/key.pem",
		TrustFile: "/nonexistent/ca.pem",
	})
	require.Error(t, err)
}

func TestServerConfigNoCredentialsErrors(t *testing.T) {
	_, err := ServerConfig(Credentials{})
	require.Error(t, err)
}

func TestClassifyHandshakeErrorNil(t *testing.T) {
	assert.NoError(t, ClassifyHandshakeError(nil))
}

func TestClassifyHandshakeErrorUnknownAuthority(t *testing.T) {
	err := ClassifyHandshakeError(x509.UnknownAuthorityError{})
	var tlsErr *xerrors.TLSError
	require.ErrorAs(t, err, &tlsErr)
	assert.Equal(t, "UnknownIssuer", tlsErr.Reason)
}
