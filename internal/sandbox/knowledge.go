package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ericfisherdev/plughub/internal/diagnostics"
	"github.com/ericfisherdev/plughub/internal/domain/model"
	"github.com/ericfisherdev/plughub/internal/domain/port/driven"
)

// Document formats accepted by Knowledge.Ingest.
const (
	FormatText     = "text"
	FormatMarkdown = "markdown"
	FormatHTML     = "html"
)

// ErrKnowledgeUnavailable is returned when the host was built without a sink.
var ErrKnowledgeUnavailable = errors.New("knowledge sink not configured")

// Document is a source document handed over by an ingestion plugin.
type Document struct {
	SourceID string
	Title    string
	Content  string
	// Format is one of FormatText, FormatMarkdown or FormatHTML. Empty means
	// text.
	Format string
}

type knowledgeCap struct {
	owner
	sink driven.KnowledgeSink
	diag *diagnostics.Recorder
	now  func() time.Time
}

// Ingest stores doc, replacing an earlier version with the same source id.
func (k *knowledgeCap) Ingest(ctx context.Context, doc Document) error {
	if k.sink == nil {
		return ErrKnowledgeUnavailable
	}
	if strings.TrimSpace(doc.SourceID) == "" {
		return errors.New("document source id is required")
	}

	format := strings.ToLower(doc.Format)
	var text string
	switch format {
	case "", FormatText:
		format = FormatText
		text = strings.TrimSpace(doc.Content)
	case FormatMarkdown:
		text = htmlToText(renderMarkdown(doc.Content))
	case FormatHTML:
		text = htmlToText(doc.Content)
	default:
		return fmt.Errorf("unsupported document format %q", doc.Format)
	}

	err := k.sink.Upsert(ctx, model.KnowledgeDocument{
		Plugin:      k.plugin,
		UserID:      k.userID,
		SourceID:    doc.SourceID,
		Title:       strings.TrimSpace(doc.Title),
		Text:        text,
		ContentType: format,
		UpdatedAt:   k.now(),
	})
	if err != nil {
		return fmt.Errorf("ingesting %q: %w", doc.SourceID, err)
	}

	k.diag.Emit(diagnostics.Event{
		Event:       diagnostics.EventKnowledgeIngested,
		Level:       slog.LevelInfo,
		Plugin:      k.plugin,
		UserID:      k.userID,
		ExecutionID: k.executionID,
		Fields:      map[string]any{"source_id": doc.SourceID, "bytes": len(text)},
	})
	return nil
}
