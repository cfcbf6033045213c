package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sanchitmoh/DOCDUMP-sub002/internal/dispatch"
	"github.com/sanchitmoh/DOCDUMP-sub002/internal/errors"
	"github.com/sanchitmoh/DOCDUMP-sub002/internal/job"
)

// SearchIndexing projects a document out of the system of record and
// upserts it into the search index, or removes it on a delete action.
func SearchIndexing(d Deps) dispatch.HandlerFunc {
	log := d.Log.With().Str("handler", "search-indexing").Logger()

	return func(ctx context.Context, env *job.Envelope) error {
		var p job.SearchIndexPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode search-index payload: %w", err)
		}
		if p.FileID == "" {
			return &errors.ValidationError{Field: "file_id", Message: "must not be empty"}
		}
		if p.Action == "" {
			p.Action = job.IndexUpsert
		}

		switch p.Action {
		case job.IndexDelete:
			if err := d.Index.Delete(ctx, p.FileID); err != nil {
				return fmt.Errorf("delete %s from index: %w", p.FileID, err)
			}
			log.Info().Str("file_id", p.FileID).Msg("document removed from index")
			return nil

		case job.IndexUpsert:
			doc, err := d.Record.GetDocument(ctx, p.FileID)
			if err != nil {
				return fmt.Errorf("load document %s: %w", p.FileID, err)
			}
			if err := d.Index.Upsert(ctx, doc); err != nil {
				return fmt.Errorf("upsert %s into index: %w", p.FileID, err)
			}
			log.Info().Str("file_id", p.FileID).Msg("document indexed")
			return nil
		}

		return &errors.ValidationError{Field: "action", Message: fmt.Sprintf("unknown index action %q", p.Action)}
	}
}
