// Relay server

package main

import (
	"crypto/tls"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	tls_certificate_loader "github.com/AgustinSRG/go-tls-certificate-loader"
	"github.com/gorilla/websocket"

	"github.com/nebulagames/netstream"
)

// Stores status data for a game room
type RelayRoom struct {
	room string // The room ID

	origin netstream.Point3F // Compression origin for position encoding, agreed at join time

	players map[uint32]*RelaySession // Members. Map: player ID -> session

	nextPlayerId uint32 // ID for the next player joining

	spectators map[uint64]*websocket.Conn // Websocket spectators watching the room
}

// Relay server
type RelayServer struct {
	host string // Hostname
	port int    // UDP port

	conn *net.UDPConn // UDP socket

	websocketControlConnection *ControlServerConnection // Connection to the coordinator server

	mutex *sync.Mutex // Mutex to access the status data (sessions, rooms)

	sessions map[string]*RelaySession // Active sessions. Map: remote address -> session
	rooms    map[string]*RelayRoom    // Active rooms. Map: room ID -> room

	nameMaxLength int // Max length for player names and room IDs

	ipLimit uint32            // Max number of active sessions per IP
	ipCount map[string]uint32 // Mapping IP -> Number of active sessions

	ip_mutex *sync.Mutex // Mutex for the IP count mapping

	next_session_id  uint64      // ID for the next incoming session
	session_id_mutex *sync.Mutex // Mutex to ensure session IDs are unique

	next_spectator_id uint64 // ID for the next spectator connection

	sessionTimeout time.Duration // Idle time before a session is dropped

	origin netstream.Point3F // Default compression origin for new rooms

	closed bool // True if the server is closed
}

const NAME_DEFAULT_MAX_LENGTH = 32
const SESSION_DEFAULT_TIMEOUT_SECONDS = 60
const IP_DEFAULT_LIMIT = 4
const RELAY_DEFAULT_PORT = 28000

// Creates a relay server using the configuration from the environment variables
func CreateRelayServer() *RelayServer {
	server := RelayServer{
		host:                       os.Getenv("RELAY_HOST"),
		conn:                       nil,
		mutex:                      &sync.Mutex{},
		session_id_mutex:           &sync.Mutex{},
		ip_mutex:                   &sync.Mutex{},
		sessions:                   make(map[string]*RelaySession),
		rooms:                      make(map[string]*RelayRoom),
		next_session_id:            1,
		closed:                     false,
		ipCount:                    make(map[string]uint32),
		ipLimit:                    IP_DEFAULT_LIMIT,
		websocketControlConnection: nil,
		nameMaxLength:              NAME_DEFAULT_MAX_LENGTH,
		sessionTimeout:             SESSION_DEFAULT_TIMEOUT_SECONDS * time.Second,
	}

	custom_ip_limit := os.Getenv("MAX_IP_CONCURRENT_SESSIONS")
	if custom_ip_limit != "" {
		cil, e := strconv.Atoi(custom_ip_limit)
		if e == nil {
			server.ipLimit = uint32(cil)
		}
	}

	custom_timeout := os.Getenv("SESSION_TIMEOUT_SECONDS")
	if custom_timeout != "" {
		ct, e := strconv.Atoi(custom_timeout)
		if e == nil && ct > 0 {
			server.sessionTimeout = time.Duration(ct) * time.Second
		}
	}

	custom_name_length := os.Getenv("NAME_MAX_LENGTH")
	if custom_name_length != "" {
		cnl, e := strconv.Atoi(custom_name_length)
		if e == nil && cnl > 0 && cnl <= 255 {
			server.nameMaxLength = cnl
		}
	}

	// Compression origin for the map this relay serves
	custom_origin := os.Getenv("COMPRESSION_ORIGIN")
	if custom_origin != "" {
		parts := strings.Split(custom_origin, ",")
		if len(parts) == 3 {
			x, e1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 32)
			y, e2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 32)
			z, e3 := strconv.ParseFloat(strings.TrimSpace(parts[2]), 32)
			if e1 == nil && e2 == nil && e3 == nil {
				server.origin.Set(float32(x), float32(y), float32(z))
			}
		}
	}

	bind_addr := os.Getenv("BIND_ADDRESS")

	// Setup UDP socket
	var udp_port int
	udp_port = RELAY_DEFAULT_PORT
	customUDPPort := os.Getenv("RELAY_PORT")
	if customUDPPort != "" {
		udpp, e := strconv.Atoi(customUDPPort)
		if e == nil {
			udp_port = udpp
		}
	}
	server.port = udp_port

	udpAddr, errAddr := net.ResolveUDPAddr("udp", bind_addr+":"+strconv.Itoa(udp_port))
	if errAddr != nil {
		netstream.LogError(errAddr)
		return nil
	}

	conn, errUDP := net.ListenUDP("udp", udpAddr)
	if errUDP != nil {
		netstream.LogError(errUDP)
		return nil
	}

	server.conn = conn
	netstream.LogInfo("[RELAY] Listening on " + bind_addr + ":" + strconv.Itoa(udp_port))

	return &server
}

// Starts the relay server
func (server *RelayServer) Start() {
	controlConnection := ControlServerConnection{}
	server.websocketControlConnection = &controlConnection
	controlConnection.Initialize(server)

	go server.RunSpectatorServer()
	go server.RunSessionSweep()

	server.RunReadLoop()
}

// Reads datagrams until the socket is closed
func (server *RelayServer) RunReadLoop() {
	buffer := make([]byte, netstream.MaxPacketDataSize)

	for !server.closed {
		n, addr, err := server.conn.ReadFromUDP(buffer)

		if err != nil {
			if server.closed {
				return
			}
			netstream.LogError(err)
			continue
		}

		if n <= 0 {
			continue
		}

		server.HandleDatagram(buffer[:n], addr)
	}
}

// Generates an unique ID for a session
func (server *RelayServer) NextSessionID() uint64 {
	server.session_id_mutex.Lock()
	defer server.session_id_mutex.Unlock()
	sessionId := server.next_session_id
	server.next_session_id++
	return sessionId
}

// Adds a session to the IP count, returns false if the IP has too many sessions
func (server *RelayServer) AddIP(ip string) bool {
	server.ip_mutex.Lock()
	defer server.ip_mutex.Unlock()

	c := server.ipCount[ip]

	if c >= server.ipLimit {
		return false
	}

	server.ipCount[ip] = c + 1
	return true
}

// Removes a session from the IP count
func (server *RelayServer) RemoveIP(ip string) {
	server.ip_mutex.Lock()
	defer server.ip_mutex.Unlock()

	c := server.ipCount[ip]

	if c <= 1 {
		delete(server.ipCount, ip)
	} else {
		server.ipCount[ip] = c - 1
	}
}

// Routes an incoming datagram to its session,
// creating one for unknown source addresses
func (server *RelayServer) HandleDatagram(data []byte, addr *net.UDPAddr) {
	addrKey := addr.String()

	server.mutex.Lock()
	session := server.sessions[addrKey]
	server.mutex.Unlock()

	if session == nil {
		if !server.AddIP(addr.IP.String()) {
			netstream.LogDebug("Too many sessions for IP: " + addr.IP.String())
			return
		}

		id := server.NextSessionID()
		session = CreateRelaySession(server, id, addr)

		server.mutex.Lock()
		server.sessions[addrKey] = session
		server.mutex.Unlock()

		netstream.LogSession(id, addrKey, "Session created")
	}

	session.HandleDatagram(data)
}

// Removes a session and its room membership
func (server *RelayServer) RemoveSession(session *RelaySession) {
	server.mutex.Lock()

	addrKey := session.addr.String()
	if server.sessions[addrKey] == session {
		delete(server.sessions, addrKey)
	}

	room := server.rooms[session.room]
	server.mutex.Unlock()

	if room != nil {
		server.LeaveRoom(session, room)
	}

	server.RemoveIP(session.addr.IP.String())

	netstream.LogSession(session.id, addrKey, "Session removed")
}

// Finds a room, creating it if needed. Returns nil when full.
func (server *RelayServer) JoinRoom(session *RelaySession, roomId string) *RelayRoom {
	server.mutex.Lock()
	defer server.mutex.Unlock()

	room := server.rooms[roomId]
	if room == nil {
		room = &RelayRoom{
			room:       roomId,
			origin:     server.origin,
			players:    make(map[uint32]*RelaySession),
			spectators: make(map[uint64]*websocket.Conn),
		}
		server.rooms[roomId] = room
		netstream.LogInfo("[RELAY] Room created: " + roomId)
	}

	if len(room.players) >= MAX_PLAYERS_PER_ROOM {
		return nil
	}

	// First free player ID at or after the last one handed out,
	// wrapping around at MAX_PLAYERS_PER_ROOM
	for room.players[room.nextPlayerId] != nil {
		room.nextPlayerId = (room.nextPlayerId + 1) % MAX_PLAYERS_PER_ROOM
	}

	session.playerId = room.nextPlayerId
	room.players[session.playerId] = session
	room.nextPlayerId = (room.nextPlayerId + 1) % MAX_PLAYERS_PER_ROOM

	return room
}

// Removes a session from its room, dropping the room when it empties
func (server *RelayServer) LeaveRoom(session *RelaySession, room *RelayRoom) {
	server.mutex.Lock()

	if room.players[session.playerId] == session {
		delete(room.players, session.playerId)
	}

	empty := len(room.players) == 0
	if empty {
		delete(server.rooms, room.room)
	}

	spectators := make([]*websocket.Conn, 0, len(room.spectators))
	if empty {
		for _, ws := range room.spectators {
			spectators = append(spectators, ws)
		}
		room.spectators = make(map[uint64]*websocket.Conn)
	}

	server.mutex.Unlock()

	if empty {
		netstream.LogInfo("[RELAY] Room removed: " + room.room)
		for _, ws := range spectators {
			ws.Close()
		}
	}
}

// Gets the members of a room, except for the given player ID
func (server *RelayServer) GetRoomMembers(room *RelayRoom, exceptId uint32) []*RelaySession {
	server.mutex.Lock()
	defer server.mutex.Unlock()

	members := make([]*RelaySession, 0, len(room.players))
	for id, s := range room.players {
		if id != exceptId {
			members = append(members, s)
		}
	}
	return members
}

// Finds a session by room and player name
func (server *RelayServer) FindPlayer(roomId string, name string) *RelaySession {
	server.mutex.Lock()
	defer server.mutex.Unlock()

	room := server.rooms[roomId]
	if room == nil {
		return nil
	}

	for _, s := range room.players {
		if s.name == name {
			return s
		}
	}
	return nil
}

// Kicks every member of a room
func (server *RelayServer) CloseRoom(roomId string, reason string) {
	server.mutex.Lock()
	room := server.rooms[roomId]
	var members []*RelaySession
	if room != nil {
		members = make([]*RelaySession, 0, len(room.players))
		for _, s := range room.players {
			members = append(members, s)
		}
	}
	server.mutex.Unlock()

	for _, s := range members {
		s.Kick(reason)
	}
}

// Kicks every session. Used when the coordinator connection resets,
// since the coordinator forgets this relay's state.
func (server *RelayServer) KillAllActiveSessions() {
	server.mutex.Lock()
	sessions := make([]*RelaySession, 0, len(server.sessions))
	for _, s := range server.sessions {
		sessions = append(sessions, s)
	}
	server.mutex.Unlock()

	for _, s := range sessions {
		s.Kick("relay-reset")
	}
}

// Session and room counts for the heartbeat
func (server *RelayServer) GetCounts() (sessions int, rooms int) {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	return len(server.sessions), len(server.rooms)
}

// Drops sessions that went silent
func (server *RelayServer) RunSessionSweep() {
	for !server.closed {
		time.Sleep(10 * time.Second)

		now := time.Now().UnixMilli()
		limit := server.sessionTimeout.Milliseconds()

		server.mutex.Lock()
		idle := make([]*RelaySession, 0)
		for _, s := range server.sessions {
			if now-s.lastActivity > limit {
				idle = append(idle, s)
			}
		}
		server.mutex.Unlock()

		for _, s := range idle {
			netstream.LogDebugSession(s.id, s.addr.String(), "Session timed out")
			server.RemoveSession(s)
		}
	}
}

var spectatorUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Serves the websocket endpoint where spectators watch room events.
// Uses TLS when certificates are configured.
func (server *RelayServer) RunSpectatorServer() {
	spectator_port := os.Getenv("SPECTATOR_PORT")
	if spectator_port == "" {
		return // Spectator endpoint disabled
	}

	port, e := strconv.Atoi(spectator_port)
	if e != nil {
		netstream.LogError(e)
		return
	}

	bind_addr := os.Getenv("BIND_ADDRESS")

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/spectate", server.HandleSpectator)

	httpServer := &http.Server{
		Addr:    bind_addr + ":" + strconv.Itoa(port),
		Handler: mux,
	}

	certFile := os.Getenv("SSL_CERT")
	keyFile := os.Getenv("SSL_KEY")

	if certFile != "" && keyFile != "" {
		checkReloadSeconds := 60

		customCheckReloadSeconds := os.Getenv("SSL_CHECK_RELOAD_SECONDS")
		if customCheckReloadSeconds != "" {
			n, e := strconv.Atoi(customCheckReloadSeconds)
			if e == nil {
				checkReloadSeconds = n

				if checkReloadSeconds < 1 {
					checkReloadSeconds = 1
				}
			}
		}

		cerLoader, err := tls_certificate_loader.NewTlsCertificateLoader(tls_certificate_loader.TlsCertificateLoaderConfig{
			CertificatePath:   certFile,
			KeyPath:           keyFile,
			CheckReloadPeriod: time.Duration(checkReloadSeconds) * time.Second,
			OnReload: func() {
				netstream.LogInfo("Reloaded SSL certificates")
			},
		})

		if err != nil {
			netstream.LogError(err)
			return
		}

		defer cerLoader.Close()

		httpServer.TLSConfig = &tls.Config{
			GetCertificate: cerLoader.GetCertificate,
		}

		netstream.LogInfo("[SPECTATOR] Listening on " + bind_addr + ":" + strconv.Itoa(port) + " (TLS)")
		err = httpServer.ListenAndServeTLS("", "")
		if err != nil {
			netstream.LogError(err)
		}
		return
	}

	netstream.LogInfo("[SPECTATOR] Listening on " + bind_addr + ":" + strconv.Itoa(port))
	err := httpServer.ListenAndServe()
	if err != nil {
		netstream.LogError(err)
	}
}

// Upgrades a spectator connection and parks it on its room
func (server *RelayServer) HandleSpectator(w http.ResponseWriter, r *http.Request) {
	roomId := r.URL.Query().Get("room")
	if !validateRelayName(roomId, server.nameMaxLength) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ws, err := spectatorUpgrader.Upgrade(w, r, nil)
	if err != nil {
		netstream.LogError(err)
		return
	}

	server.mutex.Lock()
	room := server.rooms[roomId]
	if room == nil {
		server.mutex.Unlock()
		ws.Close()
		return
	}
	server.next_spectator_id++
	spectatorId := server.next_spectator_id
	room.spectators[spectatorId] = ws
	server.mutex.Unlock()

	netstream.LogDebug("[SPECTATOR] Connected to room " + roomId)

	// Spectators only listen. Drain until they disconnect.
	for {
		_, _, err := ws.ReadMessage()
		if err != nil {
			break
		}
	}

	server.mutex.Lock()
	if room.spectators[spectatorId] == ws {
		delete(room.spectators, spectatorId)
	}
	server.mutex.Unlock()

	ws.Close()
}

// Pushes an event line to every spectator of a room
func (server *RelayServer) BroadcastToSpectators(room *RelayRoom, line string) {
	server.mutex.Lock()
	spectators := make([]*websocket.Conn, 0, len(room.spectators))
	for _, ws := range room.spectators {
		spectators = append(spectators, ws)
	}
	server.mutex.Unlock()

	for _, ws := range spectators {
		ws.WriteMessage(websocket.TextMessage, []byte(line))
	}
}
