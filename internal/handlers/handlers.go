package handlers

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/sanchitmoh/DOCDUMP-sub002/internal/dispatch"
	"github.com/sanchitmoh/DOCDUMP-sub002/internal/job"
	"github.com/sanchitmoh/DOCDUMP-sub002/internal/record"
)

// Provider clients are consumed as black boxes: one asynchronous call per
// operation, success or failure plus diagnostics.

// Extractor produces text content for a stored file (OCR or native).
type Extractor interface {
	Extract(ctx context.Context, fileID, method string) (string, error)
}

// Replicator reconciles a file's primary and backup storage locations.
type Replicator interface {
	Sync(ctx context.Context, fileID string) (SyncReport, error)
}

type SyncReport struct {
	Repaired int
	InSync   bool
}

// Index is the search backend. Upserts are keyed by document ID so
// re-running an indexing job cannot create duplicates.
type Index interface {
	Upsert(ctx context.Context, doc record.Document) error
	Delete(ctx context.Context, docID string) error
}

// Enqueuer lets a handler schedule explicit follow-up work.
type Enqueuer interface {
	Enqueue(ctx context.Context, env *job.Envelope) error
}

type Deps struct {
	Extractor  Extractor
	Replicator Replicator
	Index      Index
	Queue      Enqueuer
	Record     record.Store
	Log        zerolog.Logger
}

// Registry builds the kind-to-handler table the dispatcher executes from.
func Registry(d Deps) dispatch.Registry {
	if d.Record == nil {
		d.Record = record.Noop{}
	}
	return dispatch.Registry{
		job.KindExtraction:  Extraction(d),
		job.KindStorageSync: StorageSync(d),
		job.KindSearchIndex: SearchIndexing(d),
	}
}
