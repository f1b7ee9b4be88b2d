// Process-wide packet staging stream

package netstream

import (
	"net"
)

// Maximum datagram payload size (bytes)
const MaxPacketDataSize = 1500

var gPacketStream = &BitStream{}
var gPacketBuffer [MaxPacketDataSize]byte

// Returns the shared packet staging stream, rebound over the
// shared packet buffer at position 0. writeSize caps the writable
// size, 0 meaning the full buffer. Not reentrant: one packet is
// staged at a time.
func GetPacketStream(writeSize uint32) *BitStream {
	if writeSize == 0 || writeSize > MaxPacketDataSize {
		writeSize = MaxPacketDataSize
	}

	gPacketStream.SetBuffer(gPacketBuffer[:], writeSize, writeSize)
	gPacketStream.SetPosition(0)

	return gPacketStream
}

// Hands the staged packet to the transport. The length is the
// current byte position, counting a partially filled last byte.
func SendPacketStream(conn *net.UDPConn, addr *net.UDPAddr) error {
	_, err := conn.WriteToUDP(gPacketBuffer[:gPacketStream.GetPosition()], addr)
	return err
}
