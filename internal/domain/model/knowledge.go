package model

import "time"

// KnowledgeDocument is a normalized text document ingested by a plugin.
type KnowledgeDocument struct {
	Plugin      string
	UserID      string
	SourceID    string
	Title       string
	Text        string
	ContentType string
	UpdatedAt   time.Time
}
