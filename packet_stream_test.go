// Packet staging tests

package netstream

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPacketStream(t *testing.T) {
	bs := GetPacketStream(0)

	assert.Equal(t, uint32(MaxPacketDataSize), bs.GetStreamSize())
	assert.Equal(t, uint32(0), bs.GetPosition())
	assert.False(t, bs.GetError())

	bs.WriteInt(42, 32)
	assert.Equal(t, uint32(4), bs.GetPosition())

	// Reacquiring rebinds at position 0
	bs = GetPacketStream(100)
	assert.Equal(t, uint32(0), bs.GetPosition())
	assert.Equal(t, uint32(100), bs.GetStreamSize())

	// Oversized requests clamp to the packet buffer
	bs = GetPacketStream(MaxPacketDataSize * 2)
	assert.Equal(t, uint32(MaxPacketDataSize), bs.GetStreamSize())
}

func TestPacketStreamString(t *testing.T) {
	p := builtProcessor()

	bs := GetPacketStream(0)
	bs.WriteString("hello", 32)
	require.False(t, bs.GetError())

	var strBits uint32
	for _, c := range []byte("hello") {
		strBits += uint32(p.huffLeaves[c].numBits)
	}
	assert.Equal(t, (1+8+strBits+7)/8, bs.GetPosition())

	bs.SetCurPos(0)
	assert.Equal(t, "hello", bs.ReadString())
}

func TestPacketStreamWriteLimit(t *testing.T) {
	bs := GetPacketStream(4)

	bs.WriteInt(0, 32)
	assert.False(t, bs.GetError())
	bs.WriteFlag(true)
	assert.True(t, bs.GetError())
}

func TestSendPacketStream(t *testing.T) {
	recv, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer recv.Close()

	send, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer send.Close()

	bs := GetPacketStream(0)
	bs.WriteFlag(true)
	bs.WriteInt(0xCAFE, 16)
	bs.WriteString("ping", 32)
	sentLen := bs.GetPosition()

	addr := recv.LocalAddr().(*net.UDPAddr)
	require.NoError(t, SendPacketStream(send, addr))

	buf := make([]byte, MaxPacketDataSize)
	recv.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := recv.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, int(sentLen), n)

	rs := CreateBitStream(buf[:n])
	assert.True(t, rs.ReadFlag())
	assert.Equal(t, uint32(0xCAFE), rs.ReadInt(16))
	assert.Equal(t, "ping", rs.ReadString())
}
