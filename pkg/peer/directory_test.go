package peer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustPeer(t *testing.T, id string) *Peer {
	t.Helper()
	p, err := New(Config{Identity: id})
	require.NoError(t, err)
	return p
}

func TestDirectoryRegisterLookup(t *testing.T) {
	d := NewDirectory()
	p := mustPeer(t, "site-a")
	require.NoError(t, d.Register(p))

	got, ok := d.Lookup("site-a")
	require.True(t, ok)
	assert.Same(t, p, got)

	_, ok = d.Lookup("missing")
	assert.False(t, ok)
}

func TestDirectoryRejectsDuplicateIdentity(t *testing.T) {
	d := NewDirectory()
	require.NoError(t, d.Register(mustPeer(t, "site-a")))
	err := d.Register(mustPeer(t, "site-a"))
	assert.Error(t, err)
}

func TestDirectorySortedIteration(t *testing.T) {
	d := NewDirectory()
	for _, id := range []string{"charlie", "alpha", "bravo"} {
		require.NoError(t, d.Register(mustPeer(t, id)))
	}

	var seen []string
	d.Each(func(p *Peer) bool {
		seen = append(seen, p.Identity())
		return true
	})
	assert.Equal(t, []string{"alpha", "bravo", "charlie"}, seen)
}

func TestDirectoryEachStopsEarly(t *testing.T) {
	d := NewDirectory()
	for _, id := range []string{"alpha", "bravo", "charlie"} {
		require.NoError(t, d.Register(mustPeer(t, id)))
	}

	var seen []string
	d.Each(func(p *Peer) bool {
		seen = append(seen, p.Identity())
		return p.Identity() != "bravo"
	})
	assert.Equal(t, []string{"alpha", "bravo"}, seen)
}

func TestDirectoryRemove(t *testing.T) {
	d := NewDirectory()
	require.NoError(t, d.Register(mustPeer(t, "site-a")))
	require.NoError(t, d.Register(mustPeer(t, "site-b")))
	assert.Equal(t, 2, d.Len())

	d.Remove("site-a")
	assert.Equal(t, 1, d.Len())
	_, ok := d.Lookup("site-a")
	assert.False(t, ok)

	d.Remove("does-not-exist")
	assert.Equal(t, 1, d.Len())
}
