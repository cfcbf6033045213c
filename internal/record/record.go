package record

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sanchitmoh/DOCDUMP-sub002/internal/job"
)

var ErrDocumentNotFound = errors.New("document not found")

// PendingJob is a descriptor of a durable job row awaiting execution. The
// resync path turns these back into queue-store envelopes after a restart.
type PendingJob struct {
	ID       string
	Kind     job.Kind
	Payload  json.RawMessage
	Priority int
}

// Document is the projection the search-indexing handler pushes into the
// search index.
type Document struct {
	ID       string            `json:"id"`
	Title    string            `json:"title"`
	Text     string            `json:"text"`
	Tags     []string          `json:"tags,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Store is the durable system of record. It is the authority for terminal
// job status and survives process restarts and queue-store flushes.
type Store interface {
	GetPendingJobs(ctx context.Context, kind job.Kind, limit int) ([]PendingJob, error)
	MarkProcessing(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, reason string) error

	SaveExtractedText(ctx context.Context, fileID, text string) error
	GetDocument(ctx context.Context, fileID string) (Document, error)
}

// Noop satisfies Store for deployments without a durable backend. Terminal
// status is then only observable through the queue store's failed set.
type Noop struct{}

func (Noop) GetPendingJobs(context.Context, job.Kind, int) ([]PendingJob, error) { return nil, nil }
func (Noop) MarkProcessing(context.Context, string) error                        { return nil }
func (Noop) MarkCompleted(context.Context, string) error                         { return nil }
func (Noop) MarkFailed(context.Context, string, string) error                    { return nil }
func (Noop) SaveExtractedText(context.Context, string, string) error             { return nil }
func (Noop) GetDocument(ctx context.Context, fileID string) (Document, error) {
	return Document{ID: fileID, Metadata: map[string]string{"fetched_at": time.Now().UTC().Format(time.RFC3339)}}, nil
}
