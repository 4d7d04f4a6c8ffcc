// Package testutil holds small fixtures shared by this module's test
// files: self-signed TLS certificate generation for pkg/tlsconfig and
// pkg/transport's TLS-over-loopback tests, and a convenience builder for
// a matched pair of mutually-trusting Credentials.
package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowbus/flowbus/pkg/tlsconfig"
)

// GenCert writes a self-signed PEM cert+key pair named name to dir, valid
// from notBefore to notAfter, and returns their paths. Adapted from
// pkg/tlsconfig's own test helper so every package needing a throwaway
// certificate builds one the same way.
func GenCert(t *testing.T, dir, name string, notBefore, notAfter time.Time) (certPath, keyPath string) {
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

// LoopbackTLSCredentials generates two self-signed certificates, one per
// endpoint, under t.TempDir and returns a Credentials pair ready for
// tlsconfig.ServerConfig/ClientConfig — one per side of a loopback TLS
// test. Each side presents its own certificate and uses the other side's
// certificate as its trust root (GenCert's template is already self-CA).
func LoopbackTLSCredentials(t *testing.T) (server, client tlsconfig.Credentials) {
	t.Helper()
	dir := t.TempDir()

	serverCert, serverKey := GenCert(t, dir, "server", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	clientCert, clientKey := GenCert(t, dir, "client", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))

	server = tlsconfig.Credentials{
		PEMCert:   serverCert,
		PEMKey:    serverKey,
		TrustFile: clientCert,
	}
	client = tlsconfig.Credentials{
		PEMCert:   clientCert,
		PEMKey:    clientKey,
		TrustFile: serverCert,
	}
	return server, client
}
