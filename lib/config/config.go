package config

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

var (
	// Debounce timer for config file changes
	debounceTimer *time.Timer
	debounceMutex sync.Mutex
)

// InitConfig initializes the global viper configuration
func InitConfig() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("RELAYFORGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// No config file yet, create one with the defaults
			fmt.Println("No config.yaml found, creating default configuration...")
			if err := viper.WriteConfigAs("config.yaml"); err != nil {
				return fmt.Errorf("failed to create default config: %w", err)
			}
			if err := viper.ReadInConfig(); err != nil {
				return fmt.Errorf("failed to read created config: %w", err)
			}
		} else {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Watch for config file changes with debouncing so we never read a
	// partially written file on slower machines
	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		debounceMutex.Lock()
		defer debounceMutex.Unlock()

		if debounceTimer != nil {
			debounceTimer.Stop()
		}

		debounceTimer = time.AfterFunc(500*time.Millisecond, func() {
			log.Printf("Config file changed (debounced): %s", e.Name)
		})
	})

	return nil
}

func setDefaults() {
	viper.SetDefault("port", "9000")
	viper.SetDefault("data", "data")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.output", "stdout")
	viper.SetDefault("logging.dir", "logs")

	viper.SetDefault("relay.name", "relayforge")
	viper.SetDefault("relay.description", "A relayforge event relay")
	viper.SetDefault("relay.pubkey", "")
	viper.SetDefault("relay.contact", "")
	viper.SetDefault("relay.software", "https://github.com/relayforge/relayforge")
	viper.SetDefault("relay.version", "0.1.0")

	viper.SetDefault("event_validation.verify_signatures", true)
	// 0 disables the clock skew check
	viper.SetDefault("event_validation.max_clock_skew", 15*time.Minute)

	// Per-subscription delivery queue depth; overflow drops the oldest entry
	viper.SetDefault("delivery.queue_size", 64)

	viper.SetDefault("query.max_limit", 500)
}
