package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "supportchat/internal/errors"
	"supportchat/internal/models"
)

// CollectionConversations holds chat transcripts.
const CollectionConversations = "conversations"

var errNotFound = errors.New("document not found")

// DocumentStore keeps conversation documents in the SQL database.
type DocumentStore struct {
	db *sql.DB
}

// NewDocumentStore builds a document store over an open, migrated database.
func NewDocumentStore(db *sql.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

// Create inserts a new document and returns the id assigned to it.
func (s *DocumentStore) Create(ctx context.Context, collection string, conv models.Conversation) (string, error) {
	if err := checkCollection(collection); err != nil {
		return "", apperrors.NewStoreError("create", collection, "", err)
	}
	body, err := json.Marshal(conv.Messages)
	if err != nil {
		return "", apperrors.NewStoreError("create", collection, "", fmt.Errorf("marshal messages: %w", err))
	}
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, owner, body, updated_at) VALUES (?, ?, ?, ?, ?)`,
		collection, id, conv.Owner, string(body), stamp(conv.Timestamp),
	)
	if err != nil {
		return "", apperrors.NewStoreError("create", collection, "", err)
	}
	return id, nil
}

// Update replaces the messages and timestamp of an existing document.
func (s *DocumentStore) Update(ctx context.Context, collection, id string, conv models.Conversation) error {
	if err := checkCollection(collection); err != nil {
		return apperrors.NewStoreError("update", collection, id, err)
	}
	body, err := json.Marshal(conv.Messages)
	if err != nil {
		return apperrors.NewStoreError("update", collection, id, fmt.Errorf("marshal messages: %w", err))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET body = ?, updated_at = ? WHERE collection = ? AND id = ?`,
		string(body), stamp(conv.Timestamp), collection, id,
	)
	if err != nil {
		return apperrors.NewStoreError("update", collection, id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperrors.NewStoreError("update", collection, id, fmt.Errorf("rows affected: %w", err))
	}
	if affected == 0 {
		return apperrors.NewStoreError("update", collection, id, errNotFound)
	}
	return nil
}

// ListAll returns every document of the collection in no particular order.
func (s *DocumentStore) ListAll(ctx context.Context, collection string) ([]models.Conversation, error) {
	if err := checkCollection(collection); err != nil {
		return nil, apperrors.NewStoreError("list", collection, "", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner, body, updated_at FROM documents WHERE collection = ?`,
		collection,
	)
	if err != nil {
		return nil, apperrors.NewStoreError("list", collection, "", err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		var (
			conv models.Conversation
			body string
		)
		if err := rows.Scan(&conv.ID, &conv.Owner, &body, &conv.Timestamp); err != nil {
			return nil, apperrors.NewStoreError("list", collection, "", fmt.Errorf("scan document: %w", err))
		}
		if err := json.Unmarshal([]byte(body), &conv.Messages); err != nil {
			return nil, apperrors.NewStoreError("list", collection, conv.ID, fmt.Errorf("decode messages: %w", err))
		}
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStoreError("list", collection, "", err)
	}
	return out, nil
}

func checkCollection(collection string) error {
	if strings.TrimSpace(collection) == "" {
		return errors.New("collection is required")
	}
	return nil
}

func stamp(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Now().UTC()
	}
	return ts.UTC()
}
