package ordermap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetDel(t *testing.T) {
	m := New[string]()
	m.Set(5, "five")
	v, ok := m.Get(5)
	require.True(t, ok)
	assert.Equal(t, "five", v)

	m.Del(5)
	_, ok = m.Get(5)
	assert.False(t, ok)
}

func TestSetOverwritesExistingKeyWithoutDuplicatingIndex(t *testing.T) {
	m := New[int]()
	m.Set(1, 100)
	m.Set(1, 200)
	assert.Equal(t, 1, m.Len())
	v, ok := m.Get(1)
	require.True(t, ok)
	assert.Equal(t, 200, v)
}

func TestGetFirstAndLast(t *testing.T) {
	m := New[int]()
	m.Set(5, 5)
	m.Set(1, 1)
	m.Set(9, 9)

	k, v, ok := m.GetFirst()
	require.True(t, ok)
	assert.Equal(t, int32(1), k)
	assert.Equal(t, 1, v)

	k, v, ok = m.GetLast()
	require.True(t, ok)
	assert.Equal(t, int32(9), k)
	assert.Equal(t, 9, v)
}

func TestGetFirstEmptyMap(t *testing.T) {
	m := New[int]()
	_, _, ok := m.GetFirst()
	assert.False(t, ok)
}

func TestGetNextAndPrev(t *testing.T) {
	m := New[int]()
	for _, k := range []int32{1, 3, 5, 7} {
		m.Set(k, int(k))
	}

	nextKey, _, ok := m.GetNext(3)
	require.True(t, ok)
	assert.Equal(t, int32(5), nextKey)

	prevKey, _, ok := m.GetPrev(5)
	require.True(t, ok)
	assert.Equal(t, int32(3), prevKey)

	_, _, ok = m.GetNext(7)
	assert.False(t, ok)

	_, _, ok = m.GetPrev(1)
	assert.False(t, ok)
}

func TestIterateAscendingOrderAndEarlyStop(t *testing.T) {
	m := New[int]()
	for _, k := range []int32{3, 1, 2} {
		m.Set(k, int(k))
	}

	var seen []int32
	m.Iterate(func(key int32, value int) bool {
		seen = append(seen, key)
		return key != 2
	})
	assert.Equal(t, []int32{1, 2}, seen)
}

func TestLenTracksInsertsAndDeletes(t *testing.T) {
	m := New[int]()
	assert.Equal(t, 0, m.Len())
	m.Set(1, 1)
	m.Set(2, 2)
	assert.Equal(t, 2, m.Len())
	m.Del(1)
	assert.Equal(t, 1, m.Len())
	m.Del(1) // no-op
	assert.Equal(t, 1, m.Len())
}
