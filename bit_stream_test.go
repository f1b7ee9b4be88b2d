// Bit stream tests

package netstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFlagThenInt(t *testing.T) {
	buffer := make([]byte, 16)
	bs := CreateBitStream(buffer)

	assert.True(t, bs.WriteFlag(true))
	bs.WriteInt(0x12345678, 32)

	require.False(t, bs.GetError())
	assert.Equal(t, uint32(33), bs.GetCurPos())
	assert.Equal(t, uint32(5), bs.GetPosition())

	// Flag bit merged with the shifted-up little endian integer
	assert.Equal(t, []byte{0xF1, 0xAC, 0x68, 0x24, 0x00, 0x00}, buffer[:6])

	bs.SetCurPos(0)
	assert.True(t, bs.ReadFlag())
	assert.Equal(t, uint32(0x12345678), bs.ReadInt(32))
	assert.False(t, bs.GetError())
}

func TestIntRoundTrip(t *testing.T) {
	buffer := make([]byte, 64)
	bs := CreateBitStream(buffer)

	values := []uint32{0, 1, 5, 0xAB, 0x1234, 0xDEADBEEF, 0xFFFFFFFF}

	for bits := uint32(1); bits <= 32; bits++ {
		for _, v := range values {
			bs.SetBuffer(buffer, 64, 64)
			bs.WriteInt(v, bits)
			bs.SetCurPos(0)

			var mask uint32 = 0xFFFFFFFF
			if bits < 32 {
				mask = (1 << bits) - 1
			}
			assert.Equal(t, v&mask, bs.ReadInt(bits), "bits=%d v=%x", bits, v)
			assert.Equal(t, bits, bs.GetCurPos())
		}
	}
}

func TestSignedIntRoundTrip(t *testing.T) {
	buffer := make([]byte, 64)
	bs := CreateBitStream(buffer)

	for _, v := range []int32{0, 1, -1, -5, 100, -100, 32767, -32767} {
		bs.SetBuffer(buffer, 64, 64)
		bs.WriteSignedInt(v, 16)
		bs.SetCurPos(0)
		assert.Equal(t, v, bs.ReadSignedInt(16), "v=%d", v)
	}
}

func TestSignedIntAdvancesExactly(t *testing.T) {
	buffer := make([]byte, 16)
	bs := CreateBitStream(buffer)

	bs.WriteSignedInt(-5, 8)
	assert.Equal(t, uint32(8), bs.GetCurPos())

	bs.SetCurPos(0)
	assert.Equal(t, int32(-5), bs.ReadSignedInt(8))
	assert.Equal(t, uint32(8), bs.GetCurPos())
}

func TestRangedU32(t *testing.T) {
	buffer := make([]byte, 16)
	bs := CreateBitStream(buffer)

	// Range of 8 values fits in 3 bits
	bs.WriteRangedU32(13, 10, 17)
	assert.Equal(t, uint32(3), bs.GetCurPos())

	bs.SetCurPos(0)
	assert.Equal(t, uint32(13), bs.ReadRangedU32(10, 17))

	// Single value range costs no bits
	bs.SetBuffer(buffer, 16, 16)
	bs.WriteRangedU32(7, 7, 7)
	assert.Equal(t, uint32(0), bs.GetCurPos())
	assert.Equal(t, uint32(7), bs.ReadRangedU32(7, 7))
}

func TestFloatQuantization(t *testing.T) {
	buffer := make([]byte, 16)
	bs := CreateBitStream(buffer)

	for _, bits := range []uint32{4, 8, 12, 16} {
		maxErr := 1.0 / (2.0 * float64((uint32(1)<<bits)-1))
		for _, f := range []float32{0, 0.25, 1.0 / 3.0, 0.5, 0.9, 1} {
			bs.SetBuffer(buffer, 16, 16)
			bs.WriteFloat(f, bits)
			bs.SetCurPos(0)
			got := bs.ReadFloat(bits)
			assert.InDelta(t, f, got, maxErr+1e-6, "bits=%d f=%f", bits, f)
		}
	}
}

func TestSignedFloatQuantization(t *testing.T) {
	buffer := make([]byte, 16)
	bs := CreateBitStream(buffer)

	for _, bits := range []uint32{4, 8, 12} {
		maxErr := 1.0 / float64((uint32(1)<<bits)-1)
		for _, f := range []float32{-1, -0.7, -0.25, 0, 0.3, 0.99, 1} {
			bs.SetBuffer(buffer, 16, 16)
			bs.WriteSignedFloat(f, bits)
			bs.SetCurPos(0)
			got := bs.ReadSignedFloat(bits)
			assert.InDelta(t, f, got, maxErr+1e-6, "bits=%d f=%f", bits, f)
		}
	}
}

func TestF32RoundTrip(t *testing.T) {
	buffer := make([]byte, 16)
	bs := CreateBitStream(buffer)

	bs.WriteFlag(true) // unalign on purpose
	bs.WriteF32(3.14159)
	bs.WriteF32(-1234.5)

	bs.SetCurPos(1)
	assert.Equal(t, float32(3.14159), bs.ReadF32())
	assert.Equal(t, float32(-1234.5), bs.ReadF32())
}

func TestOnesAtEveryAlignment(t *testing.T) {
	ones := []byte{0xFF, 0xFF, 0xFF, 0xFF}

	for align := uint32(0); align < 8; align++ {
		for _, k := range []uint32{1, 3, 8, 13, 24, 31} {
			buffer := make([]byte, 16)
			bs := CreateBitStream(buffer)
			bs.SetCurPos(align)

			bs.WriteBits(k, ones)
			require.False(t, bs.GetError())

			for i := uint32(0); i < k; i++ {
				assert.True(t, bs.TestBit(align+i), "align=%d k=%d bit=%d", align, k, i)
			}

			bs.SetCurPos(align)
			var mask uint32 = 0xFFFFFFFF
			if k < 32 {
				mask = (1 << k) - 1
			}
			assert.Equal(t, mask, bs.ReadInt(k), "align=%d k=%d", align, k)
		}
	}
}

func TestBitsBeyondWritesStayZero(t *testing.T) {
	buffer := make([]byte, 32)
	bs := CreateBitStream(buffer)

	bs.WriteFlag(true)
	bs.WriteInt(0xFFFFFFFF, 11)
	bs.WriteSignedInt(-3000, 13)
	bs.WriteFloat(1.0, 7)

	written := bs.GetCurPos()
	require.False(t, bs.GetError())

	for i := written; i < 32*8; i++ {
		assert.False(t, bs.TestBit(i), "bit %d", i)
	}
}

func TestPositionRoundsUp(t *testing.T) {
	buffer := make([]byte, 16)
	bs := CreateBitStream(buffer)

	assert.Equal(t, uint32(0), bs.GetPosition())
	bs.WriteFlag(true)
	assert.Equal(t, uint32(1), bs.GetPosition())
	bs.WriteInt(0, 7)
	assert.Equal(t, uint32(1), bs.GetPosition())
	bs.WriteInt(0, 3)
	assert.Equal(t, uint32(2), bs.GetPosition())

	bs.SetPosition(5)
	assert.Equal(t, uint32(40), bs.GetCurPos())
	assert.Equal(t, uint32(5), bs.GetPosition())
}

func TestOverflowSetsStickyError(t *testing.T) {
	buffer := make([]byte, 2)
	bs := CreateBitStream(buffer)

	bs.WriteInt(0xFFFF, 16)
	require.False(t, bs.GetError())

	pos := bs.GetCurPos()
	bs.WriteFlag(true)
	assert.True(t, bs.GetError())
	assert.Equal(t, pos, bs.GetCurPos(), "failed write must not advance")

	// Still set after more operations
	bs.WriteInt(1, 8)
	assert.True(t, bs.GetError())

	// Reads past the limit behave the same
	bs.SetCurPos(8)
	bs.ReadInt(16)
	assert.True(t, bs.GetError())

	// Only rebinding clears it
	bs.SetBuffer(buffer, 2, 2)
	assert.False(t, bs.GetError())
}

func TestReadPastEndReturnsZero(t *testing.T) {
	buffer := make([]byte, 4)
	bs := CreateBitStream(buffer)
	bs.WriteInt(0xFFFFFFFF, 32)

	bs.SetCurPos(30)
	assert.Equal(t, uint32(0), bs.ReadInt(8))
	assert.True(t, bs.GetError())
}

func TestWriteMaxSizeHeadroom(t *testing.T) {
	buffer := make([]byte, 8)
	bs := &BitStream{}
	bs.SetBuffer(buffer, 4, 8)

	// Reads stop at size, writes may run into the headroom
	bs.SetCurPos(0)
	bs.WriteInt(0, 32)
	bs.WriteInt(0, 32)
	assert.False(t, bs.GetError())

	bs.SetCurPos(32)
	bs.ReadInt(8)
	assert.True(t, bs.GetError())
}

func TestBytesBlit(t *testing.T) {
	buffer := make([]byte, 32)
	bs := CreateBitStream(buffer)

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01}

	bs.WriteFlag(true)
	bs.WriteBytes(payload)

	bs.SetCurPos(1)
	got := make([]byte, 5)
	bs.ReadBytes(got)
	assert.Equal(t, payload, got)
}

func TestSetBitTestBitClear(t *testing.T) {
	buffer := make([]byte, 4)
	bs := CreateBitStream(buffer)

	bs.SetBit(13, true)
	assert.True(t, bs.TestBit(13))
	assert.Equal(t, uint32(0), bs.GetCurPos(), "SetBit must not move the cursor")

	bs.SetBit(13, false)
	assert.False(t, bs.TestBit(13))

	bs.SetBit(0, true)
	bs.SetBit(31, true)
	bs.Clear()
	assert.False(t, bs.TestBit(0))
	assert.False(t, bs.TestBit(31))
}

func TestStreamAccessors(t *testing.T) {
	buffer := make([]byte, 10)
	bs := CreateBitStream(buffer)

	assert.Equal(t, uint32(10), bs.GetStreamSize())

	bs.WriteInt(0xAABB, 16)
	assert.Equal(t, uint32(8), bs.GetReadByteSize())
	assert.Equal(t, buffer[2:], bs.GetBytePtr())
}
