// Package config reads the daemon's single YAML configuration document,
// SPEC_FULL.md §1.3: the minimum needed to populate the peer directory
// (spec.md §4.8) and TLS credentials (spec.md §4.12) at startup. This is
// deliberately not a general CLI flag system; cmd/flowbusd's subcommands
// each take one --config path and nothing else.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v2"

	"github.com/flowbus/flowbus/pkg/peer"
	"github.com/flowbus/flowbus/pkg/tlsconfig"
)

// Duration unmarshals a YAML scalar like "10m" or "30s" into a
// time.Duration; yaml.v2 has no native support for the type, so this
// wraps the usual ParseDuration-on-UnmarshalYAML pattern used throughout
// the ecosystem for this exact gap.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// TLSConfig is the YAML shape of one TLS credential set, spec.md §4.12.
type TLSConfig struct {
	PEMCert        string `yaml:"pem_cert"`
	PEMKey         string `yaml:"pem_key"`
	PKCS12Path     string `yaml:"pkcs12_path"`
	PKCS12Password string `yaml:"pkcs12_password"`
	TrustFile      string `yaml:"trust_file"`
}

func (t TLSConfig) credentials() *tlsconfig.Credentials {
	if t == (TLSConfig{}) {
		return nil
	}
	return &tlsconfig.Credentials{
		PEMCert:        t.PEMCert,
		PEMKey:         t.PEMKey,
		PKCS12Path:     t.PKCS12Path,
		PKCS12Password: t.PKCS12Password,
		TrustFile:      t.TrustFile,
	}
}

// PeerConfig is the YAML shape of one configured peer, spec.md §3.6/§4.8.
type PeerConfig struct {
	Identity        string    `yaml:"identity"`
	Role            string    `yaml:"role"` // "connector" or "listener"
	BindAddr        string    `yaml:"bind_addr"`
	AcceptAddrs     []string  `yaml:"accept_addrs"`
	ActiveConnector bool      `yaml:"active_connector"`
	FilterPattern   string    `yaml:"filter_pattern"`
	ArchiveDir      string    `yaml:"archive_dir"`
	ErrorDir        string    `yaml:"error_dir"`
	DestDir         string    `yaml:"dest_dir"`
	Keepalive       int       `yaml:"keepalive"`
	BandwidthLimit  int       `yaml:"bandwidth_limit_bytes_per_sec"`
	TLS             TLSConfig `yaml:"tls"`
}

// Config is the daemon's top-level YAML document.
type Config struct {
	Peers                []PeerConfig `yaml:"peers"`
	DuplicateCacheTTL    Duration     `yaml:"duplicate_cache_ttl"`
	DuplicateStorePath   string       `yaml:"duplicate_store_path"`
	MaxOpenIncomingFiles int          `yaml:"max_open_incoming_files"`
}

// Load reads and parses the YAML document at path, expanding a leading
// "~" the way the teacher resolves its default config directory.
func Load(path string) (*Config, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("config: expand path %q: %w", path, err)
	}
	raw, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", expanded, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", expanded, err)
	}
	if cfg.DuplicateCacheTTL <= 0 {
		cfg.DuplicateCacheTTL = Duration(10 * time.Minute)
	}
	if cfg.MaxOpenIncomingFiles <= 0 {
		cfg.MaxOpenIncomingFiles = 32
	}
	if cfg.DuplicateStorePath != "" {
		expandedStore, err := homedir.Expand(cfg.DuplicateStorePath)
		if err != nil {
			return nil, fmt.Errorf("config: expand duplicate_store_path: %w", err)
		}
		cfg.DuplicateStorePath = expandedStore
	}
	return &cfg, nil
}

// PeerConfigs converts the YAML peer list into pkg/peer.Config values,
// expanding each peer's archive/error/dest directories.
func (c *Config) PeerConfigs() ([]peer.Config, error) {
	out := make([]peer.Config, 0, len(c.Peers))
	for _, pc := range c.Peers {
		role, err := parseRole(pc.Role)
		if err != nil {
			return nil, fmt.Errorf("config: peer %q: %w", pc.Identity, err)
		}
		archiveDir, err := homedir.Expand(pc.ArchiveDir)
		if err != nil {
			return nil, fmt.Errorf("config: peer %q: archive_dir: %w", pc.Identity, err)
		}
		errorDir, err := homedir.Expand(pc.ErrorDir)
		if err != nil {
			return nil, fmt.Errorf("config: peer %q: error_dir: %w", pc.Identity, err)
		}
		destDir, err := homedir.Expand(pc.DestDir)
		if err != nil {
			return nil, fmt.Errorf("config: peer %q: dest_dir: %w", pc.Identity, err)
		}
		out = append(out, peer.Config{
			Identity:        pc.Identity,
			Role:            role,
			BindAddr:        pc.BindAddr,
			AcceptAddrs:     pc.AcceptAddrs,
			ActiveConnector: pc.ActiveConnector,
			FilterPattern:   pc.FilterPattern,
			ArchiveDir:      archiveDir,
			ErrorDir:        errorDir,
			DestDir:         destDir,
			TLS:                       pc.TLS.credentials(),
			Keepalive:                 pc.Keepalive,
			BandwidthLimitBytesPerSec: pc.BandwidthLimit,
		})
	}
	return out, nil
}

func parseRole(s string) (peer.Role, error) {
	switch s {
	case "connector":
		return peer.RoleConnector, nil
	case "listener":
		return peer.RoleListener, nil
	default:
		return 0, fmt.Errorf("role must be \"connector\" or \"listener\", got %q", s)
	}
}
