package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/ericfisherdev/plughub/internal/domain/model"
	"github.com/ericfisherdev/plughub/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.KnowledgeSink = (*KnowledgeRepo)(nil)

// KnowledgeRepo stores documents produced by knowledge-ingestion plugins.
type KnowledgeRepo struct {
	db *DB
}

// NewKnowledgeRepo creates a new KnowledgeRepo backed by the given DB.
func NewKnowledgeRepo(db *DB) *KnowledgeRepo {
	return &KnowledgeRepo{db: db}
}

// Upsert inserts or replaces a document keyed by (plugin, user, source).
func (r *KnowledgeRepo) Upsert(ctx context.Context, doc model.KnowledgeDocument) error {
	const query = `
		INSERT INTO knowledge_documents (plugin, user_id, source_id, title, text, content_type, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(plugin, user_id, source_id) DO UPDATE SET
			title = excluded.title,
			text = excluded.text,
			content_type = excluded.content_type,
			updated_at = excluded.updated_at
	`

	updatedAt := doc.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := r.db.Writer.ExecContext(ctx, query,
		doc.Plugin, doc.UserID, doc.SourceID, doc.Title, doc.Text, doc.ContentType, formatTime(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert document %s/%s: %w", doc.Plugin, doc.SourceID, err)
	}
	return nil
}

// Get returns a stored document, or nil if it does not exist.
func (r *KnowledgeRepo) Get(ctx context.Context, plugin, userID, sourceID string) (*model.KnowledgeDocument, error) {
	const query = `
		SELECT title, text, content_type, updated_at
		FROM knowledge_documents
		WHERE plugin = ? AND user_id = ? AND source_id = ?
	`

	doc := model.KnowledgeDocument{Plugin: plugin, UserID: userID, SourceID: sourceID}
	var updatedAt string
	rows, err := r.db.Reader.QueryContext(ctx, query, plugin, userID, sourceID)
	if err != nil {
		return nil, fmt.Errorf("get document %s/%s: %w", plugin, sourceID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	if err := rows.Scan(&doc.Title, &doc.Text, &doc.ContentType, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan document: %w", err)
	}
	if doc.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &doc, nil
}
