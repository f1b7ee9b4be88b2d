// Relay datagram protocol

package main

import (
	"regexp"

	"github.com/nebulagames/netstream"
)

/* Constants */

const NET_PROTOCOL_VERSION = 1

const NET_OPCODE_BITS = 4

/* Client -> relay opcodes */

const NET_PACKET_JOIN = 1
const NET_PACKET_STATE = 2
const NET_PACKET_CHAT = 3
const NET_PACKET_PING = 4
const NET_PACKET_LEAVE = 5

/* Relay -> client opcodes */

const NET_PACKET_JOINED = 8
const NET_PACKET_DENIED = 9
const NET_PACKET_STATE_UPDATE = 10
const NET_PACKET_CHAT_RELAY = 11
const NET_PACKET_PONG = 12
const NET_PACKET_PLAYER_LEFT = 13
const NET_PACKET_KICK = 14

const MAX_PLAYERS_PER_ROOM = 64

/* State update field widths */

const POSITION_SCALE = 0.01
const FACING_ANGLE_BITS = 10
const FACING_Z_BITS = 10
const VELOCITY_MIN = 0.01
const VELOCITY_MAX = 128.0
const VELOCITY_MAG_BITS = 12

/* Game object classes */

const GAME_CLASS_PLAYER = 0
const GAME_CLASS_PROJECTILE = 1
const GAME_CLASS_FLAG = 2

const GAME_CLASS_COUNT = 3

/* Control command classes */

const CONTROL_COMMAND_KICK = 0
const CONTROL_COMMAND_CLOSE_ROOM = 1

const CONTROL_COMMAND_COUNT = 2

// Registers the class counts the relay sends ids for.
// Must run before any datagram is parsed or staged.
func registerNetClasses() {
	netstream.SetNetClassCount(netstream.NetClassGroupGame, netstream.NetClassTypeObject, GAME_CLASS_COUNT)
	netstream.SetNetClassCount(netstream.NetClassGroupControl, netstream.NetClassTypeCommand, CONTROL_COMMAND_COUNT)
}

var NAME_PATTERN = regexp.MustCompile("^[A-Za-z0-9\\_\\-]+$")

// Validates player and room names
func validateRelayName(name string, maxLength int) bool {
	if name == "" || len(name) > maxLength {
		return false
	}
	return NAME_PATTERN.MatchString(name)
}
