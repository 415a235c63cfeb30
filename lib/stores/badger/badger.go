// Package badger implements the event store gateway on raw BadgerDB keys.
// No ORM layer: every query dimension gets its own key prefix so historical
// queries walk the narrowest index available instead of scanning events.
package badger

import (
	"fmt"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"github.com/spf13/viper"

	"github.com/relayforge/relayforge/lib/logging"
)

// BadgerStore persists events in a single BadgerDB instance.
type BadgerStore struct {
	db *badger.DB

	// maxLimit caps query results when a filter names no limit of its own.
	maxLimit int
}

// NewBadgerStore opens (or creates) the event database under basepath.
// An empty basepath opens an in-memory database, used by tests.
func NewBadgerStore(basepath string) (*BadgerStore, error) {
	var opts badger.Options
	if basepath == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Join(basepath, "events"))
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open event database: %w", err)
	}

	maxLimit := viper.GetInt("query.max_limit")
	if maxLimit <= 0 {
		maxLimit = defaultMaxLimit
	}

	logging.Infof("Event store opened (in-memory=%v)", basepath == "")

	return &BadgerStore{db: db, maxLimit: maxLimit}, nil
}

// Close flushes and closes the underlying database.
func (store *BadgerStore) Close() error {
	return store.db.Close()
}
