package main

import (
	"github.com/joho/godotenv"

	"github.com/nebulagames/netstream"
)

func main() {
	godotenv.Load() // Load configuration from the .env file, if present

	netstream.LogInfo("Netstream Relay Server (Version 1.0.0)")

	registerNetClasses()

	server := CreateRelayServer()

	go setupRedisCommandReceiver(server)

	if server != nil {
		server.Start()
	}
}
