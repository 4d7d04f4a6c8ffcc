package xfer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestDispositionSuccessDeletesWithNoArchiveDir(t *testing.T) {
	dir := t.TempDir()
	src := writeTemp(t, dir, "report.csv", "data")

	d := Disposition{}
	require.NoError(t, d.Success(nil, src))

	_, err := os.Stat(src)
	assert.True(t, os.IsNotExist(err))
}

func TestDispositionSuccessMovesToArchiveDir(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "archive")
	require.NoError(t, os.Mkdir(archive, 0o755))
	src := writeTemp(t, dir, "report.csv", "data")

	d := Disposition{ArchiveDir: archive}
	require.NoError(t, d.Success(nil, src))

	_, err := os.Stat(src)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(archive, "report.csv"))
	assert.NoError(t, err)
}

func TestDispositionErrorMovesToErrorDir(t *testing.T) {
	dir := t.TempDir()
	errDir := filepath.Join(dir, "errors")
	require.NoError(t, os.Mkdir(errDir, 0o755))
	src := writeTemp(t, dir, "report.csv", "data")

	d := Disposition{ErrorDir: errDir}
	require.NoError(t, d.Error(nil, src))

	_, err := os.Stat(filepath.Join(errDir, "report.csv"))
	assert.NoError(t, err)
}

func TestDispositionErrorDeletesWithNoErrorDir(t *testing.T) {
	dir := t.TempDir()
	src := writeTemp(t, dir, "report.csv", "data")

	d := Disposition{}
	require.NoError(t, d.Error(nil, src))

	_, err := os.Stat(src)
	assert.True(t, os.IsNotExist(err))
}

func TestDispositionValidateRejectsMissingDir(t *testing.T) {
	d := Disposition{ArchiveDir: "/nonexistent/flowbus/archive"}
	assert.Error(t, d.Validate())
}

func TestDispositionValidateAcceptsWritableDirs(t *testing.T) {
	dir := t.TempDir()
	d := Disposition{ArchiveDir: dir, ErrorDir: dir}
	assert.NoError(t, d.Validate())
}
