package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/viper"

	"github.com/relayforge/relayforge/lib/config"
	"github.com/relayforge/relayforge/lib/index"
	"github.com/relayforge/relayforge/lib/logging"
	"github.com/relayforge/relayforge/lib/signing"
	stores_badger "github.com/relayforge/relayforge/lib/stores/badger"
	"github.com/relayforge/relayforge/lib/transports/websocket"
)

func main() {
	if err := config.InitConfig(); err != nil {
		logging.Fatalf("Failed to initialize config: %v", err)
	}

	if err := logging.InitLogger(); err != nil {
		logging.Fatalf("Failed to initialize logger: %v", err)
	}

	// Relay identity key: generate one on first run so the information
	// document can always carry a pubkey
	if viper.GetString("relay.pubkey") == "" {
		priv, err := signing.GeneratePrivateKey()
		if err != nil {
			logging.Fatalf("Unable to generate relay private key: %v", err)
		}
		serialized, err := signing.SerializePrivateKey(priv)
		if err != nil {
			logging.Fatalf("Unable to serialize relay private key: %v", err)
		}
		logging.Infof("Generated relay private key: %s", *serialized)
		logging.Info("Copy this key into config.yaml if you want to re-use it")
		viper.Set("relay.pubkey", signing.EventPubKeyHex(priv.PubKey()))
	}

	store, err := stores_badger.NewBadgerStore(viper.GetString("data"))
	if err != nil {
		logging.Fatalf("Failed to open event store: %v", err)
	}

	relay := &websocket.Relay{
		Store:            store,
		Index:            index.New(),
		QueueSize:        viper.GetInt("delivery.queue_size"),
		VerifySignatures: viper.GetBool("event_validation.verify_signatures"),
		MaxClockSkew:     viper.GetDuration("event_validation.max_clock_skew"),
	}

	app := websocket.BuildServer(relay)

	go func() {
		if err := websocket.StartServer(app); err != nil {
			logging.Fatalf("Relay server failed: %v", err)
		}
	}()

	logging.Infof("Relay listening on port %s", viper.GetString("port"))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info("Shutting down...")

	if err := app.Shutdown(); err != nil {
		logging.Errorf("Error shutting down server: %v", err)
	}
	websocket.TerminateAll()
	if err := store.Close(); err != nil {
		logging.Errorf("Error closing event store: %v", err)
	}
	logging.GetLogger().Close()
}
