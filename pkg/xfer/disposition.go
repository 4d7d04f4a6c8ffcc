package xfer

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/flowbus/flowbus/pkg/flog"
)

// Disposition is the per-peer success/error file-handling policy,
// spec.md §4.11 (C11): where a file goes after a successful transfer
// (sender side) or after it is fully written (receiver side), where it
// goes on any error, and an optional hook command run after a
// successful archive.
type Disposition struct {
	// ArchiveDir receives the source file on success; empty means
	// delete it instead (spec.md's "deletes or moves it to an archive
	// directory").
	ArchiveDir string
	// ErrorDir receives the file whenever Error is called: on the sender
	// side after a RejectFile answer or a read failure, on the receiver
	// side after a protocol abort or I/O failure mid-file. The receiver
	// applies its filter before NewFileReady, and a duplicate that races
	// an in-flight transfer is not detected.
	ErrorDir string
	// PostArchiveHook, if set, is spawned asynchronously (its own
	// goroutine; failures are logged, never block disposition) after a
	// file lands in ArchiveDir.
	PostArchiveHook string
}

// Validate checks ArchiveDir/ErrorDir exist and are writable, per
// spec.md §4.11's "validated at startup for existence and writability".
func (d Disposition) Validate() error {
	for _, dir := range []string{d.ArchiveDir, d.ErrorDir} {
		if dir == "" {
			continue
		}
		if err := checkWritableDir(dir); err != nil {
			return err
		}
	}
	return nil
}

func checkWritableDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("xfer: disposition directory %q: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("xfer: disposition path %q is not a directory", dir)
	}
	probe := filepath.Join(dir, ".flowbus-writable-probe")
	f, err := os.Create(probe)
	if err != nil {
		return fmt.Errorf("xfer: disposition directory %q is not writable: %w", dir, err)
	}
	_ = f.Close()
	_ = os.Remove(probe)
	return nil
}

// Success disposes srcPath after a completed transfer: moved to
// ArchiveDir if configured, deleted otherwise, then the hook (if any) is
// spawned.
func (d Disposition) Success(obj any, srcPath string) error {
	if d.ArchiveDir == "" {
		if err := os.Remove(srcPath); err != nil {
			flog.Errorf(obj, "failed to remove delivered file: %v", err)
			return err
		}
		return nil
	}
	dst := filepath.Join(d.ArchiveDir, filepath.Base(srcPath))
	if err := os.Rename(srcPath, dst); err != nil {
		flog.Errorf(obj, "failed to archive delivered file: %v", err)
		return err
	}
	if d.PostArchiveHook != "" {
		go d.runHook(obj, dst)
	}
	return nil
}

// Error disposes srcPath after a failed transfer, moving it to ErrorDir
// if configured; with no ErrorDir configured the file is deleted.
func (d Disposition) Error(obj any, srcPath string) error {
	if d.ErrorDir == "" {
		flog.Logf(obj, "Removing partially written file on error")
		return os.Remove(srcPath)
	}
	dst := filepath.Join(d.ErrorDir, filepath.Base(srcPath))
	if err := os.Rename(srcPath, dst); err != nil {
		flog.Errorf(obj, "failed to move failed file to error dir: %v", err)
		return err
	}
	return nil
}

func (d Disposition) runHook(obj any, archivedPath string) {
	cmd := exec.Command(d.PostArchiveHook, archivedPath)
	if err := cmd.Run(); err != nil {
		flog.Errorf(obj, "post-archive hook failed: %v", err)
	}
}
