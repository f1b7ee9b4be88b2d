// Growing stream tests

package netstream

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResizeBitStreamGrows(t *testing.T) {
	bs := CreateResizeBitStream(16, 0)
	assert.Equal(t, uint32(32), bs.GetStreamSize())

	// Fill past the initial buffer in validated bursts
	for i := 0; i < 100; i++ {
		bs.Validate()
		bs.WriteInt(uint32(i), 32)
		require.False(t, bs.GetError(), "write %d", i)
	}

	bs.Validate()
	assert.GreaterOrEqual(t, bs.GetStreamSize(), bs.GetPosition()+16)

	bs.SetCurPos(0)
	for i := 0; i < 100; i++ {
		assert.Equal(t, uint32(i), bs.ReadInt(32))
	}
	assert.False(t, bs.GetError())
}

func TestResizeBitStreamKeepsReserve(t *testing.T) {
	bs := CreateResizeBitStream(10, 4)

	bs.Validate()
	assert.GreaterOrEqual(t, bs.GetStreamSize(), bs.GetPosition()+10)

	bs.WriteBytes(make([]byte, 10))
	bs.Validate()
	assert.GreaterOrEqual(t, bs.GetStreamSize(), bs.GetPosition()+10)
}

func TestInfiniteBitStream(t *testing.T) {
	bs := CreateInfiniteBitStream(8, 0)

	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}

	bs.Validate(uint32(len(payload)))
	bs.WriteBytes(payload)
	require.False(t, bs.GetError())

	var sink bytes.Buffer
	require.NoError(t, bs.WriteToStream(&sink))
	assert.Equal(t, payload, sink.Bytes())

	// Compact shrinks back down to the used prefix plus headroom
	bs.Compact()
	assert.Equal(t, bs.GetPosition()+16, bs.GetStreamSize())

	bs.SetCurPos(0)
	got := make([]byte, 300)
	bs.ReadBytes(got)
	assert.Equal(t, payload, got)

	bs.Reset()
	assert.Equal(t, uint32(0), bs.GetPosition())
}

func TestInfiniteBitStreamPartialByteFlush(t *testing.T) {
	bs := CreateInfiniteBitStream(8, 0)

	bs.Validate(1)
	bs.WriteFlag(true)
	bs.WriteInt(3, 2)

	// A partially filled byte still goes out
	var sink bytes.Buffer
	require.NoError(t, bs.WriteToStream(&sink))
	assert.Equal(t, []byte{0x07}, sink.Bytes())
}
