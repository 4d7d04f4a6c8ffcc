package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessageRejectsOversizePayload(t *testing.T) {
	_, err := NewMessage(1, 42, make([]byte, MaxPayload+1))
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestNewMessageSetsSizeFromPayload(t *testing.T) {
	m, err := NewMessage(7, 42, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, uint16(5), m.Header.Size)
	assert.Equal(t, uint16(7), m.Header.ChannelID)
	assert.Equal(t, uint16(42), m.Header.Type)
}

func TestEncodeDecodeHeaderRoundTrip(t *testing.T) {
	h := Header{ChannelID: 0x1234, Type: 0x5678, Size: 0x9abc}
	buf := EncodeHeader(h)
	assert.Len(t, buf, HeaderLen)

	got, err := DecodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestDecodeHeaderRejectsShortBuffer(t *testing.T) {
	_, err := DecodeHeader([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestEncodeHeaderDoesNotMutateCaller(t *testing.T) {
	h := Header{ChannelID: 1, Type: 2, Size: 3}
	original := h
	_ = EncodeHeader(h)
	assert.Equal(t, original, h)
}

func TestIsSystemType(t *testing.T) {
	assert.True(t, IsSystemType(TypeKeepalive))
	assert.True(t, IsSystemType(TypeChannelReply))
	assert.True(t, IsSystemType(SystemTypeFloor))
	assert.False(t, IsSystemType(SystemTypeFloor-1))
	assert.False(t, IsSystemType(0))
}

func TestScatterSizeSumsSegments(t *testing.T) {
	total, err := ScatterSize([][]byte{{1, 2, 3}, {4, 5}})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
}

func TestScatterSizeRejectsOverflow(t *testing.T) {
	_, err := ScatterSize([][]byte{make([]byte, MaxPayload), {1}})
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestSegmentsReturnsHeaderThenPayload(t *testing.T) {
	m, err := NewMessage(1, 2, []byte("abc"))
	require.NoError(t, err)
	segs := Segments(m)
	require.Len(t, segs, 2)
	assert.Len(t, segs[0], HeaderLen)
	assert.Equal(t, []byte("abc"), segs[1])
}
