package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flowbus/flowbus/pkg/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
duplicate_cache_ttl: 15m
max_open_incoming_files: 64
peers:
  - identity: alice
    role: connector
    accept_addrs: ["10.0.0.1:9000"]
    active_connector: true
    filter_pattern: "\\.csv$"
    archive_dir: /tmp/archive
    error_dir: /tmp/errors
    keepalive: 30
    tls:
      pem_cert: /etc/flowbus/cert.pem
      pem_key: /etc/flowbus/key.pem
      trust_file: /etc/flowbus/ca.pem
  - identity: bob
    role: listener
    bind_addr: 0.0.0.0:9000
`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flowbusd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))
	return path
}

func TestLoadParsesPeersAndTopLevelSettings(t *testing.T) {
	cfg, err := Load(writeSample(t))
	require.NoError(t, err)

	assert.Equal(t, Duration(15*time.Minute), cfg.DuplicateCacheTTL)
	assert.Equal(t, 64, cfg.MaxOpenIncomingFiles)
	require.Len(t, cfg.Peers, 2)
	assert.Equal(t, "alice", cfg.Peers[0].Identity)
	assert.Equal(t, "connector", cfg.Peers[0].Role)
}

func TestLoadAppliesDefaultsWhenUnset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minimal.yaml")
	require.NoError(t, os.WriteFile(path, []byte("peers: []\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Duration(10*time.Minute), cfg.DuplicateCacheTTL)
	assert.Equal(t, 32, cfg.MaxOpenIncomingFiles)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestPeerConfigsConvertsRoles(t *testing.T) {
	cfg, err := Load(writeSample(t))
	require.NoError(t, err)

	peers, err := cfg.PeerConfigs()
	require.NoError(t, err)
	require.Len(t, peers, 2)

	assert.Equal(t, peer.RoleConnector, peers[0].Role)
	assert.Equal(t, peer.RoleListener, peers[1].Role)
	assert.NotNil(t, peers[0].TLS)
	assert.Nil(t, peers[1].TLS)
}

func TestPeerConfigsRejectsBadRole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("peers:\n  - identity: x\n    role: bogus\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	_, err = cfg.PeerConfigs()
	assert.Error(t, err)
}
