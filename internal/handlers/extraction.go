package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sanchitmoh/DOCDUMP-sub002/internal/dispatch"
	"github.com/sanchitmoh/DOCDUMP-sub002/internal/errors"
	"github.com/sanchitmoh/DOCDUMP-sub002/internal/job"
)

// Follow-up indexing runs below the originating extraction so indexing
// latency never holds back extraction throughput.
const indexPriorityDelta = 10

// Extraction pulls text out of a referenced file, persists it to the system
// of record, and schedules the follow-up search-indexing job explicitly.
func Extraction(d Deps) dispatch.HandlerFunc {
	log := d.Log.With().Str("handler", "extraction").Logger()

	return func(ctx context.Context, env *job.Envelope) error {
		var p job.ExtractionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode extraction payload: %w", err)
		}
		if p.FileID == "" {
			return &errors.ValidationError{Field: "file_id", Message: "must not be empty"}
		}

		text, err := d.Extractor.Extract(ctx, p.FileID, p.Method)
		if err != nil {
			return fmt.Errorf("extract %s: %w", p.FileID, err)
		}

		if err := d.Record.SaveExtractedText(ctx, p.FileID, text); err != nil {
			return fmt.Errorf("persist extracted text for %s: %w", p.FileID, err)
		}

		log.Info().Str("file_id", p.FileID).Int("chars", len(text)).Msg("extraction persisted")

		followUp, err := job.New(job.KindSearchIndex, job.SearchIndexPayload{
			Action: job.IndexUpsert,
			FileID: p.FileID,
			OrgID:  p.OrgID,
		}, lowerPriority(env.Priority))
		if err == nil {
			err = d.Queue.Enqueue(ctx, followUp)
		}
		if err != nil {
			// Extraction itself landed; the missing index entry is a
			// degraded sub-operation, not a reason to redo the extraction.
			return &errors.PartialFailureError{
				Degraded: []string{"search-index enqueue"},
				Err:      err,
			}
		}

		return nil
	}
}

func lowerPriority(p int) int {
	p -= indexPriorityDelta
	if p < job.MinPriority {
		p = job.MinPriority
	}
	return p
}
