package websocket

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/spf13/viper"

	"github.com/relayforge/relayforge/lib/logging"
)

const textMessage = websocket.TextMessage

// BuildServer wires the websocket endpoint and the relay information
// document onto a fiber app. Every accepted connection gets its own
// Session; the read loop serializes that connection's commands.
func BuildServer(relay *Relay) *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	app.Use(handleRelayInfoRequests)

	app.Get("/", websocket.New(func(c *websocket.Conn) {
		session := NewSession(relay, c)
		defer session.Terminate()

		session.Activate()
		logging.Debugf("Session %s connected", session.ID())

		for {
			_, message, err := c.ReadMessage()
			if err != nil {
				logging.Debugf("Session %s disconnected: %v", session.ID(), err)
				return
			}
			session.HandleFrame(message)
		}
	}))

	return app
}

// StartServer listens on the configured port, walking upwards if the port
// is already taken.
func StartServer(app *fiber.App) error {
	port := viper.GetString("port")
	p, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("error parsing port %s: %w", port, err)
	}

	for {
		err = app.Listen(fmt.Sprintf(":%d", p))
		if err != nil && strings.Contains(err.Error(), "address already in use") {
			logging.Warnf("Port %d already in use, trying %d", p, p+1)
			p++
			continue
		}
		return err
	}
}

// handleRelayInfoRequests serves the relay information document to plain
// HTTP clients asking for it, before the websocket upgrade. Other plain HTTP
// traffic gets a short banner instead of an upgrade error.
func handleRelayInfoRequests(c *fiber.Ctx) error {
	if c.Method() == fiber.MethodGet && !websocket.IsWebSocketUpgrade(c) {
		if c.Get("Accept") == "application/nostr+json" {
			c.Set("Access-Control-Allow-Origin", "*")
			return c.JSON(GetRelayInfo())
		}
		return c.SendString("relayforge: connect with a websocket client")
	}
	return c.Next()
}

// GetRelayInfo builds the information document from config.
func GetRelayInfo() RelayInfo {
	return RelayInfo{
		Name:        viper.GetString("relay.name"),
		Description: viper.GetString("relay.description"),
		Pubkey:      viper.GetString("relay.pubkey"),
		Contact:     viper.GetString("relay.contact"),
		Software:    viper.GetString("relay.software"),
		Version:     viper.GetString("relay.version"),
	}
}
