package driven

import (
	"context"

	"github.com/ericfisherdev/plughub/internal/domain/model"
)

// KnowledgeSink receives documents produced by knowledge-ingestion plugins.
type KnowledgeSink interface {
	Upsert(ctx context.Context, doc model.KnowledgeDocument) error
}
