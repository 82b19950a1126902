// Package kv provides ordered key/value stores behind a single interface: an in-memory
// btree plus badger, bbolt and pebble backed stores.
package kv

import (
	"fmt"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// Iterator walks keys in ascending order. Item returns io.EOF when there are no more keys.
// The key and val passed to fn are only valid for the duration of the call.
type Iterator interface {
	Item(fn func(key, val []byte) error) error
	Close()
}

// Updater batches changes which become visible atomically on Commit. Only one Updater
// may be outstanding per KV at a time.
type Updater interface {
	Get(key []byte, fn func(val []byte) error) error
	Set(key, val []byte) error
	Delete(key []byte) error
	Commit(sync bool) error
	Rollback()
}

// KV is an ordered key/value store. Get returns io.EOF if the key is not found.
type KV interface {
	Iterate(key []byte) (Iterator, error)
	Get(key []byte, fn func(val []byte) error) error
	Update() (Updater, error)
	Close() error
}

// Open returns the store named by kind: btree, badger, bbolt, or pebble. Persistent
// stores keep their files in a subdirectory of dataDir.
func Open(kind, dataDir string, logger *log.Logger) (KV, error) {
	switch kind {
	case "btree":
		return MakeBTreeKV(), nil
	case "badger":
		return MakeBadgerKV(filepath.Join(dataDir, "badger"), logger)
	case "bbolt":
		return MakeBBoltKV(dataDir)
	case "pebble":
		return MakePebbleKV(filepath.Join(dataDir, "pebble"), logger)
	}
	return nil, fmt.Errorf("kv: unknown store: %s", kind)
}
