package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	apperrors "supportchat/internal/errors"
	"supportchat/internal/models"
)

// BoltStore keeps conversation documents in an embedded bbolt file, one bucket per collection.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) the bbolt file at path.
func OpenBolt(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create bolt dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(CollectionConversations))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init bolt buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close releases the bolt file lock.
func (b *BoltStore) Close() error {
	return b.db.Close()
}

// Create stores a new document under a sequence-prefixed id.
func (b *BoltStore) Create(_ context.Context, collection string, conv models.Conversation) (string, error) {
	if err := checkCollection(collection); err != nil {
		return "", apperrors.NewStoreError("create", collection, "", err)
	}
	var newID string
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(collection))
		if err != nil {
			return err
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}
		newID = fmt.Sprintf("%d-%s", seq, uuid.NewString())
		conv.ID = newID
		conv.Timestamp = stamp(conv.Timestamp)
		v, err := json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("marshal conversation: %w", err)
		}
		return bucket.Put([]byte(newID), v)
	})
	if err != nil {
		return "", apperrors.NewStoreError("create", collection, "", err)
	}
	return newID, nil
}

// Update replaces messages and timestamp of an existing document. The owner is kept.
func (b *BoltStore) Update(_ context.Context, collection, id string, conv models.Conversation) error {
	if err := checkCollection(collection); err != nil {
		return apperrors.NewStoreError("update", collection, id, err)
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(collection))
		if bucket == nil {
			return errNotFound
		}
		raw := bucket.Get([]byte(id))
		if raw == nil {
			return errNotFound
		}
		var stored models.Conversation
		if err := json.Unmarshal(raw, &stored); err != nil {
			return fmt.Errorf("decode conversation: %w", err)
		}
		stored.Messages = conv.Messages
		stored.Timestamp = stamp(conv.Timestamp)
		v, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("marshal conversation: %w", err)
		}
		return bucket.Put([]byte(id), v)
	})
	if err != nil {
		return apperrors.NewStoreError("update", collection, id, err)
	}
	return nil
}

// ListAll returns every document of the collection in key order.
func (b *BoltStore) ListAll(_ context.Context, collection string) ([]models.Conversation, error) {
	if err := checkCollection(collection); err != nil {
		return nil, apperrors.NewStoreError("list", collection, "", err)
	}
	var out []models.Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(collection))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			var conv models.Conversation
			if err := json.Unmarshal(v, &conv); err != nil {
				return fmt.Errorf("decode conversation: %w", err)
			}
			out = append(out, conv)
			return nil
		})
	})
	if err != nil {
		return nil, apperrors.NewStoreError("list", collection, "", err)
	}
	return out, nil
}
