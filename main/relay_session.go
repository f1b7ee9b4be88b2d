// Relay session

package main

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/nebulagames/netstream"
)

// The packet staging stream is process-wide and not reentrant,
// so every packet assembly happens under this mutex
var packet_mutex = &sync.Mutex{}

// Stores the status of a relay session (one game client)
type RelaySession struct {
	server *RelayServer // Reference to the server

	addr *net.UDPAddr // Remote address of the client

	id uint64 // Session ID

	mutex *sync.Mutex // Mutex to control access to the session status data

	name     string // Player name
	room     string // Room ID
	playerId uint32 // Player ID within the room

	joined bool // True if the client completed the join handshake

	lastActivity int64 // Last datagram time (unix milliseconds)

	readStringBuffer  []byte // Prefix slot for strings coming from this client
	writeStringBuffer []byte // Prefix slot for strings going to this client

	classId  uint32            // Class of the object the client controls
	position netstream.Point3F // Last known position
	facing   netstream.Point3F // Last known facing direction
	velocity netstream.Point3F // Last known velocity
}

// Creates a relay session
// server - Server that received the datagram
// id - Session ID
// addr - Remote address of the client
// Returns the session
func CreateRelaySession(server *RelayServer, id uint64, addr *net.UDPAddr) *RelaySession {
	return &RelaySession{
		server:       server,
		addr:         addr,
		id:           id,
		mutex:        &sync.Mutex{},
		joined:       false,
		lastActivity: time.Now().UnixMilli(),
	}
}

// Handles a datagram received from the client
func (s *RelaySession) HandleDatagram(data []byte) {
	s.mutex.Lock()
	s.lastActivity = time.Now().UnixMilli()
	s.mutex.Unlock()

	bs := netstream.CreateBitStream(data)
	opcode := bs.ReadInt(NET_OPCODE_BITS)

	if !s.joined && opcode != NET_PACKET_JOIN {
		netstream.LogDebugSession(s.id, s.addr.String(), "Packet before join, opcode: "+strconv.Itoa(int(opcode)))
		return
	}

	switch opcode {
	case NET_PACKET_JOIN:
		s.HandleJoin(bs)
	case NET_PACKET_STATE:
		s.HandleState(bs)
	case NET_PACKET_CHAT:
		s.HandleChat(bs)
	case NET_PACKET_PING:
		s.HandlePing(bs)
	case NET_PACKET_LEAVE:
		s.HandleLeave()
	default:
		netstream.LogDebugSession(s.id, s.addr.String(), "Unknown opcode: "+strconv.Itoa(int(opcode)))
	}

	if bs.GetError() {
		netstream.LogDebugSession(s.id, s.addr.String(), "Truncated datagram, opcode: "+strconv.Itoa(int(opcode)))
	}
}

// Handles the join handshake
func (s *RelaySession) HandleJoin(bs *netstream.BitStream) {
	version := bs.ReadInt(8)
	roomId := bs.ReadString()
	name := bs.ReadString()

	if bs.GetError() || version != NET_PROTOCOL_VERSION {
		s.SendDenied("version")
		return
	}

	if s.joined {
		return // Duplicate join, the JOINED packet probably got lost
	}

	if !validateRelayName(roomId, s.server.nameMaxLength) || !validateRelayName(name, s.server.nameMaxLength) {
		s.SendDenied("invalid-name")
		return
	}

	if s.server.FindPlayer(roomId, name) != nil {
		s.SendDenied("name-taken")
		return
	}

	// The coordinator has the last word, when configured
	accepted := s.server.websocketControlConnection.RequestJoin(roomId, name, s.addr.IP.String())
	if !accepted {
		netstream.LogSession(s.id, s.addr.String(), "Join denied by coordinator: "+roomId+"/"+name)
		s.SendDenied("unauthorized")
		return
	}

	room := s.server.JoinRoom(s, roomId)
	if room == nil {
		s.SendDenied("room-full")
		return
	}

	s.mutex.Lock()
	s.joined = true
	s.room = roomId
	s.name = name
	s.readStringBuffer = make([]byte, netstream.StringBufferSize)
	s.writeStringBuffer = make([]byte, netstream.StringBufferSize)
	s.mutex.Unlock()

	netstream.LogSession(s.id, s.addr.String(), "Joined room "+roomId+" as "+name+" (player "+strconv.Itoa(int(s.playerId))+")")

	packet_mutex.Lock()
	ps := netstream.GetPacketStream(0)
	ps.WriteInt(NET_PACKET_JOINED, NET_OPCODE_BITS)
	ps.WriteRangedU32(s.playerId, 0, MAX_PLAYERS_PER_ROOM-1)
	netstream.MathWritePoint3F(ps, room.origin)
	ps.WriteF32(POSITION_SCALE)
	s.Send()
	packet_mutex.Unlock()

	s.server.BroadcastToSpectators(room, "join "+name)
}

// Handles a state update and relays it to the rest of the room
func (s *RelaySession) HandleState(bs *netstream.BitStream) {
	s.server.mutex.Lock()
	room := s.server.rooms[s.room]
	s.server.mutex.Unlock()

	if room == nil {
		return
	}

	bs.SetCompressionPoint(room.origin)

	classId := bs.ReadClassId(netstream.NetClassTypeObject, netstream.NetClassGroupGame)
	position := bs.ReadCompressedPoint(POSITION_SCALE)
	facing := bs.ReadNormalVectorZ(FACING_ANGLE_BITS, FACING_Z_BITS)
	velocity := bs.ReadVector(VELOCITY_MIN, VELOCITY_MAX, VELOCITY_MAG_BITS, FACING_ANGLE_BITS, FACING_Z_BITS)

	if bs.GetError() || classId < 0 {
		netstream.LogDebugSession(s.id, s.addr.String(), "Malformed state update")
		return
	}

	s.mutex.Lock()
	s.classId = uint32(classId)
	s.position = position
	s.facing = facing
	s.velocity = velocity
	s.mutex.Unlock()

	members := s.server.GetRoomMembers(room, s.playerId)
	if len(members) == 0 {
		return
	}

	// The update is identical for every member: stage once, send many
	packet_mutex.Lock()
	ps := netstream.GetPacketStream(0)
	ps.WriteInt(NET_PACKET_STATE_UPDATE, NET_OPCODE_BITS)
	ps.WriteRangedU32(s.playerId, 0, MAX_PLAYERS_PER_ROOM-1)
	ps.WriteClassId(uint32(classId), netstream.NetClassTypeObject, netstream.NetClassGroupGame)
	ps.SetCompressionPoint(room.origin)
	ps.WriteCompressedPoint(position, POSITION_SCALE)
	ps.WriteNormalVectorZ(facing, FACING_ANGLE_BITS, FACING_Z_BITS)
	ps.WriteVector(velocity, VELOCITY_MIN, VELOCITY_MAX, VELOCITY_MAG_BITS, FACING_ANGLE_BITS, FACING_Z_BITS)

	if ps.GetError() {
		netstream.LogDebugSession(s.id, s.addr.String(), "State update overflowed the packet buffer")
		packet_mutex.Unlock()
		return
	}

	for _, member := range members {
		member.Send()
	}
	packet_mutex.Unlock()
}

// Handles a chat message and relays it to the rest of the room
func (s *RelaySession) HandleChat(bs *netstream.BitStream) {
	s.server.mutex.Lock()
	room := s.server.rooms[s.room]
	s.server.mutex.Unlock()

	if room == nil {
		return
	}

	packet_mutex.Lock()

	bs.SetStringBuffer(s.readStringBuffer)
	msg := bs.ReadString()

	if bs.GetError() {
		packet_mutex.Unlock()
		return
	}

	// Chat strings carry a prefix slot per receiver,
	// so each member gets its own encoding
	for _, member := range s.server.GetRoomMembers(room, s.playerId) {
		ps := netstream.GetPacketStream(0)
		ps.WriteInt(NET_PACKET_CHAT_RELAY, NET_OPCODE_BITS)
		ps.WriteRangedU32(s.playerId, 0, MAX_PLAYERS_PER_ROOM-1)
		ps.SetStringBuffer(member.writeStringBuffer)
		ps.WriteString(msg, 255)
		member.Send()
	}

	packet_mutex.Unlock()

	netstream.LogSession(s.id, s.addr.String(), "[CHAT] "+s.name+": "+msg)
	s.server.BroadcastToSpectators(room, "chat "+s.name+" "+msg)
}

// Answers a ping, echoing the client clock
func (s *RelaySession) HandlePing(bs *netstream.BitStream) {
	echo := bs.ReadInt(32)
	if bs.GetError() {
		return
	}

	packet_mutex.Lock()
	ps := netstream.GetPacketStream(0)
	ps.WriteInt(NET_PACKET_PONG, NET_OPCODE_BITS)
	ps.WriteInt(echo, 32)
	s.Send()
	packet_mutex.Unlock()
}

// Handles a voluntary leave
func (s *RelaySession) HandleLeave() {
	s.BroadcastLeft()
	s.server.RemoveSession(s)
}

// Tells the rest of the room a player left
func (s *RelaySession) BroadcastLeft() {
	s.server.mutex.Lock()
	room := s.server.rooms[s.room]
	s.server.mutex.Unlock()

	if room == nil {
		return
	}

	members := s.server.GetRoomMembers(room, s.playerId)

	packet_mutex.Lock()
	ps := netstream.GetPacketStream(0)
	ps.WriteInt(NET_PACKET_PLAYER_LEFT, NET_OPCODE_BITS)
	ps.WriteRangedU32(s.playerId, 0, MAX_PLAYERS_PER_ROOM-1)
	for _, member := range members {
		member.Send()
	}
	packet_mutex.Unlock()

	s.server.BroadcastToSpectators(room, "left "+s.name)
}

// Kicks the session with a reason string
func (s *RelaySession) Kick(reason string) {
	if s.joined {
		packet_mutex.Lock()
		ps := netstream.GetPacketStream(0)
		ps.WriteInt(NET_PACKET_KICK, NET_OPCODE_BITS)
		ps.SetStringBuffer(s.writeStringBuffer)
		ps.WriteString(reason, 255)
		s.Send()
		packet_mutex.Unlock()

		s.BroadcastLeft()
	}

	netstream.LogSession(s.id, s.addr.String(), "Kicked: "+reason)
	s.server.RemoveSession(s)
}

// Denies a join attempt
func (s *RelaySession) SendDenied(reason string) {
	packet_mutex.Lock()
	ps := netstream.GetPacketStream(0)
	ps.WriteInt(NET_PACKET_DENIED, NET_OPCODE_BITS)
	ps.WriteString(reason, 255)
	s.Send()
	packet_mutex.Unlock()

	s.server.RemoveSession(s)
}

// Sends the staged packet to this client.
// Callers hold packet_mutex.
func (s *RelaySession) Send() {
	err := netstream.SendPacketStream(s.server.conn, s.addr)
	if err != nil {
		netstream.LogError(err)
	}
}
