// Redis commands

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nebulagames/netstream"
)

func setupRedisCommandReceiver(server *RelayServer) {
	useRedis := os.Getenv("REDIS_USE")

	if useRedis != "YES" {
		return // Not using redis
	}

	defer func() {
		if err := recover(); err != nil {
			switch x := err.(type) {
			case string:
				netstream.LogError(errors.New(x))
			case error:
				netstream.LogError(x)
			default:
				netstream.LogError(errors.New("could not connect to redis"))
			}
		}
		netstream.LogWarning("Connection to Redis lost!")
	}()

	redisHost := os.Getenv("REDIS_HOST")
	if redisHost == "" {
		redisHost = "localhost"
	}

	redisPort := os.Getenv("REDIS_PORT")
	if redisPort == "" {
		redisPort = "6379"
	}

	redisPassword := os.Getenv("REDIS_PASSWORD")
	redisChannel := os.Getenv("REDIS_CHANNEL")

	if redisChannel == "" {
		redisChannel = "relay_commands"
	}

	redisTLS := os.Getenv("REDIS_TLS")

	ctx := context.Background()

	var redisClient *redis.Client

	if redisTLS == "YES" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:      redisHost + ":" + redisPort,
			Password:  redisPassword,
			TLSConfig: &tls.Config{},
		})
	} else {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     redisHost + ":" + redisPort,
			Password: redisPassword,
		})
	}

	subscriber := redisClient.Subscribe(ctx, redisChannel)

	netstream.LogInfo("[REDIS] Listening for commands on channel '" + redisChannel + "'")

	for {
		msg, err := subscriber.ReceiveMessage(ctx)

		if err != nil {
			netstream.LogWarning("Could not connect to Redis: " + err.Error())
			time.Sleep(10 * time.Second)
		} else {
			// Parse message
			parseRedisCommand(server, msg.Payload)
		}
	}
}

func parseRedisCommand(server *RelayServer, cmd string) {
	defer func() {
		if err := recover(); err != nil {
			switch x := err.(type) {
			case string:
				netstream.LogError(errors.New(x))
			case error:
				netstream.LogError(x)
			default:
				netstream.LogError(errors.New("parsing error"))
			}
			netstream.LogWarning("Could not parse message: " + cmd)
		}
	}()

	parts := strings.Split(cmd, ">")
	if len(parts) != 2 {
		netstream.LogWarning("Invalid message from Redis: " + cmd)
		return // Invalid message
	}

	cmdName := parts[0]
	cmdArgs := strings.Split(parts[1], "|")

	switch cmdName {
	case "kick-player":
		if len(cmdArgs) < 2 {
			netstream.LogWarning("Invalid message from Redis: " + cmd)
			return
		}

		room := cmdArgs[0]
		player := cmdArgs[1]
		session := server.FindPlayer(room, player)

		if session != nil {
			session.Kick("operator")
		}
	case "close-room":
		if len(cmdArgs) < 1 {
			netstream.LogWarning("Invalid message from Redis: " + cmd)
			return
		}

		room := cmdArgs[0]
		server.CloseRoom(room, "operator")
	default:
		netstream.LogWarning("Unknown Redis command: " + cmd)
	}
}
