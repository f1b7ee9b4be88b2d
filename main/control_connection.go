// Control server connection

package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	messages "github.com/AgustinSRG/go-simple-rpc-message"
	"github.com/gorilla/websocket"

	"github.com/nebulagames/netstream"
)

// Status data of the connection with the coordinator server
type ControlServerConnection struct {
	server *RelayServer // Reference to the relay server

	connectionURL string          // Connection URL
	connection    *websocket.Conn // Websocket connection

	lock *sync.Mutex // Mutex to control access to this struct

	nextRequestId uint64 // ID for the next request ID

	requests map[string]*ControlServerPendingRequest // Pending requests. Map: ID -> Request status data

	enabled bool // True if the connection is enabled (will reconnect)
}

// Status data for a pending request
type ControlServerPendingRequest struct {
	waiter chan JoinResponse // Channel to wait for the response
}

// Response for a join request
type JoinResponse struct {
	accepted bool // True if accepted, false if denied
}

// Initializes connection
// server - Reference to the relay server
func (c *ControlServerConnection) Initialize(server *RelayServer) {
	c.server = server
	c.lock = &sync.Mutex{}
	c.nextRequestId = 0
	c.requests = make(map[string]*ControlServerPendingRequest)

	baseURL := os.Getenv("CONTROL_BASE_URL")

	if baseURL == "" {
		netstream.LogWarning("CONTROL_BASE_URL not provided. The relay will run in stand-alone mode.")
		c.enabled = false
		return
	}

	connectionURL, err := url.Parse(baseURL)
	if err != nil {
		netstream.LogError(err)
		netstream.LogWarning("CONTROL_BASE_URL is invalid. The relay will run in stand-alone mode.")
		c.enabled = false
		return
	}
	pathURL, err := url.Parse("/ws/control/relay")
	if err != nil {
		netstream.LogError(err)
		c.enabled = false
		return
	}

	c.connectionURL = connectionURL.ResolveReference(pathURL).String()
	c.enabled = true

	go c.Connect()
	go c.RunHeartBeatLoop()
}

// Connect to the websocket server
func (c *ControlServerConnection) Connect() {
	c.lock.Lock()

	if c.connection != nil {
		c.lock.Unlock()
		return // Already connected
	}

	netstream.LogInfo("[WS-CONTROL] Connecting to " + c.connectionURL)

	headers := http.Header{}

	authToken := MakeWebsocketAuthenticationToken()

	if authToken != "" {
		headers.Set("x-control-auth-token", authToken)
	}

	externalIP := os.Getenv("EXTERNAL_IP")

	if externalIP != "" {
		headers.Set("x-external-ip", externalIP)
	}

	externalPort := os.Getenv("EXTERNAL_PORT")

	if externalPort != "" {
		headers.Set("x-custom-port", externalPort)
	}

	conn, _, err := websocket.DefaultDialer.Dial(c.connectionURL, headers)

	if err != nil {
		c.lock.Unlock()
		netstream.LogErrorMessage("[WS-CONTROL] Connection error: " + err.Error())
		go c.Reconnect()
		return
	}

	c.connection = conn

	c.lock.Unlock()

	// After a connection is established, any previous sessions must be killed,
	// since the coordinator server thinks the relay went down
	c.server.KillAllActiveSessions()

	c.SendRegister()

	go c.RunReaderLoop(conn)
}

// Waits 10 seconds and reconnects
func (c *ControlServerConnection) Reconnect() {
	netstream.LogInfo("[WS-CONTROL] Waiting 10 seconds to reconnect.")
	time.Sleep(10 * time.Second)
	c.Connect()
}

// Called when disconnected
// err - Disconnection error
func (c *ControlServerConnection) OnDisconnect(err error) {
	c.lock.Lock()
	c.connection = nil
	netstream.LogInfo("[WS-CONTROL] Disconnected: " + err.Error())
	c.lock.Unlock()

	go c.Connect() // Reconnect
}

// Sends a message
// msg - The message
// Returns true if the message was successfully sent
func (c *ControlServerConnection) Send(msg messages.RPCMessage) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.connection == nil {
		return false
	}

	c.connection.WriteMessage(websocket.TextMessage, []byte(msg.Serialize()))

	if netstream.LOG_DEBUG_ENABLED {
		netstream.LogDebug("[WS-CONTROL] >>>\n" + msg.Serialize())
	}

	return true
}

// Generates a new request-id
func (c *ControlServerConnection) GetNextRequestId() uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()

	requestId := c.nextRequestId

	c.nextRequestId++

	return requestId
}

// Reads messages until the connection is finished
// conn - Websocket connection
func (c *ControlServerConnection) RunReaderLoop(conn *websocket.Conn) {
	for {
		err := conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		if err != nil {
			conn.Close()
			c.OnDisconnect(err)
			return
		}

		_, message, err := conn.ReadMessage()

		if err != nil {
			conn.Close()
			c.OnDisconnect(err)
			return
		}

		msgStr := string(message)

		if netstream.LOG_DEBUG_ENABLED {
			netstream.LogDebug("[WS-CONTROL] <<<\n" + msgStr)
		}

		msg := messages.ParseRPCMessage(msgStr)

		c.ParseIncomingMessage(&msg)
	}
}

// Parses an incoming message
// msg - Received parsed message
func (c *ControlServerConnection) ParseIncomingMessage(msg *messages.RPCMessage) {
	switch msg.Method {
	case "ERROR":
		netstream.LogErrorMessage("[WS-CONTROL] Remote error. Code=" + msg.GetParam("Error-Code") + " / Details: " + msg.GetParam("Error-Message"))
	case "JOIN-ACCEPT":
		c.OnJoinAccept(msg.GetParam("Request-Id"))
	case "JOIN-DENY":
		c.OnJoinDeny(msg.GetParam("Request-Id"))
	case "PLAYER-KICK":
		c.OnPlayerKick(msg.GetParam("Room"), msg.GetParam("Player"))
	case "ROOM-CLOSE":
		c.OnRoomClose(msg.GetParam("Room"))
	}
}

// Handles a JOIN-ACCEPT message
// requestId - Request ID
func (c *ControlServerConnection) OnJoinAccept(requestId string) {
	c.lock.Lock()
	req := c.requests[requestId]
	c.lock.Unlock()

	if req == nil {
		return
	}

	req.waiter <- JoinResponse{accepted: true}
}

// Handles a JOIN-DENY message
// requestId - Request ID
func (c *ControlServerConnection) OnJoinDeny(requestId string) {
	c.lock.Lock()
	req := c.requests[requestId]
	c.lock.Unlock()

	if req == nil {
		return
	}

	req.waiter <- JoinResponse{accepted: false}
}

// Handles a PLAYER-KICK message
// room - Room ID
// player - Player name, or the * wildcard to close the room
func (c *ControlServerConnection) OnPlayerKick(room string, player string) {
	if player == "*" || player == "" {
		c.server.CloseRoom(room, "coordinator")
		return
	}

	session := c.server.FindPlayer(room, player)

	if session != nil {
		session.Kick("coordinator")
	}
}

// Handles a ROOM-CLOSE message
// room - Room ID
func (c *ControlServerConnection) OnRoomClose(room string) {
	c.server.CloseRoom(room, "room-closed")
}

// Announces this relay to the coordinator server
func (c *ControlServerConnection) SendRegister() bool {
	msgParams := make(map[string]string)

	msgParams["Relay-Port"] = strconv.Itoa(c.server.port)

	msg := messages.RPCMessage{
		Method: "RELAY-REGISTER",
		Params: msgParams,
	}

	return c.Send(msg)
}

// Sends heart-beat messages to keep the connection alive
func (c *ControlServerConnection) RunHeartBeatLoop() {
	for {
		time.Sleep(20 * time.Second)

		sessions, rooms := c.server.GetCounts()

		msgParams := make(map[string]string)

		msgParams["Session-Count"] = strconv.Itoa(sessions)
		msgParams["Room-Count"] = strconv.Itoa(rooms)

		heartbeatMessage := messages.RPCMessage{
			Method: "HEARTBEAT",
			Params: msgParams,
		}

		c.Send(heartbeatMessage)
	}
}

// Requests permission for a player to join a room
// room - Room ID
// player - Player name
// userIP - IP address of the client
// Returns true if the join was accepted
//
// This method waits for the server to return a response
func (c *ControlServerConnection) RequestJoin(room string, player string, userIP string) bool {
	if !c.enabled {
		return true
	}

	requestId := fmt.Sprint(c.GetNextRequestId())

	request := ControlServerPendingRequest{
		waiter: make(chan JoinResponse),
	}

	msgParams := make(map[string]string)

	msgParams["Request-ID"] = requestId
	msgParams["Room"] = room
	msgParams["Player"] = player
	msgParams["User-IP"] = userIP

	msg := messages.RPCMessage{
		Method: "JOIN-REQUEST",
		Params: msgParams,
	}

	c.lock.Lock()
	c.requests[requestId] = &request
	c.lock.Unlock()

	success := c.Send(msg)

	if !success {
		c.lock.Lock()
		delete(c.requests, requestId)
		c.lock.Unlock()

		return false
	}

	time.AfterFunc(20*time.Second, func() { request.waiter <- JoinResponse{accepted: false} }) // Timeout

	res := <-request.waiter // Wait

	c.lock.Lock()
	delete(c.requests, requestId)
	c.lock.Unlock()

	return res.accepted
}
