package testutil

import (
	"path/filepath"
	"testing"

	"os"
)

// Dirs bundles the three per-peer disposition/destination directories
// spec.md §4.11 requires to exist and be writable, each created fresh
// under t.TempDir().
type Dirs struct {
	ArchiveDir string
	ErrorDir   string
	DestDir    string
}

// NewDirs creates ArchiveDir/ErrorDir/DestDir as sibling directories
// under a fresh temp root, for tests exercising pkg/xfer's disposition
// and delivery paths without hand-rolling os.MkdirAll at every call
// site.
func NewDirs(t *testing.T) Dirs {
	t.Helper()
	root := t.TempDir()
	d := Dirs{
		ArchiveDir: filepath.Join(root, "archive"),
		ErrorDir:   filepath.Join(root, "error"),
		DestDir:    filepath.Join(root, "dest"),
	}
	for _, dir := range []string{d.ArchiveDir, d.ErrorDir, d.DestDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("testutil: mkdir %q: %v", dir, err)
		}
	}
	return d
}
