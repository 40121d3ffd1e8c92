package store

import (
	"context"
	"encoding/json"

	"github.com/arb-consulting/shallow-review-2025/internal/model"
)

// BatchFilter narrows batch selection within one phase table.
type BatchFilter struct {
	Statuses     []model.Status `json:"statuses,omitempty"`
	MinRelevancy *float64       `json:"min_relevancy,omitempty"`
	Limit        int            `json:"limit,omitempty"`
}

// Store defines the persistence interface for the review pipeline.
type Store interface {
	// Phase tables
	InsertCandidate(ctx context.Context, phase model.Phase, rec model.URLRecord) (bool, error)
	SelectBatch(ctx context.Context, phase model.Phase, filter BatchFilter) ([]model.URLRecord, error)
	MarkDone(ctx context.Context, phase model.Phase, hash string, payload json.RawMessage, score float64) error
	MarkError(ctx context.Context, phase model.Phase, hash string, status model.Status, msg string) error
	CountByStatus(ctx context.Context, phase model.Phase) (map[model.Status]int, error)
	FindURL(ctx context.Context, hash string) (model.Phase, *model.URLRecord, error)

	// Fetch cache
	GetFetch(ctx context.Context, hash string) (*model.FetchRecord, error)
	PutFetch(ctx context.Context, rec model.FetchRecord) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
