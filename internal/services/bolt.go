package services

import (
	"context"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the credential source using a BoltDB backend. Only a key entered in the widget is
// stored, so it survives restarts; the configured key is held in memory and never persisted, so
// rotating it in the config or environment takes effect on the next start. Conversations are never
// persisted.
type BoltDB struct {
	db *bolt.DB

	configuredKey string
}

var (
	credentialsBucket = []byte("credentials")
	widgetAPIKeyKey   = []byte("widget_api_key")
)

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database
// with required buckets and returns an error if the database cannot be opened or initialized. The
// database file is created with 0600 permissions if it doesn't exist. configuredKey is returned by
// APIKey while no key has been entered in the widget.
func NewBoltDB(path, configuredKey string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(credentialsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create credentials bucket: %w", err)
	}

	return BoltDB{db: db, configuredKey: configuredKey}, nil
}

// APIKey returns the key entered in the widget, or the configured key if none was entered. The store
// is read on every call, so a key replaced with SetAPIKey is picked up by the next exchange.
func (b BoltDB) APIKey(context.Context) (string, error) {
	var key string
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(credentialsBucket)
		if bucket == nil {
			return nil
		}
		key = string(bucket.Get(widgetAPIKeyKey))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to read api key: %w", err)
	}
	if key == "" {
		return b.configuredKey, nil
	}
	return key, nil
}

// SetAPIKey stores a key entered in the widget. It takes precedence over the configured key.
func (b BoltDB) SetAPIKey(_ context.Context, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(credentialsBucket)
		if err != nil {
			return fmt.Errorf("failed to create credentials bucket: %w", err)
		}
		return bucket.Put(widgetAPIKeyKey, []byte(key))
	})
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}
