package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sanchitmoh/DOCDUMP-sub002/internal/dispatch"
	"github.com/sanchitmoh/DOCDUMP-sub002/internal/errors"
	"github.com/sanchitmoh/DOCDUMP-sub002/internal/job"
)

// StorageSync reconciles a file's primary and backup storage locations. The
// replicator call is sync-not-append, so replays after a timeout are safe.
func StorageSync(d Deps) dispatch.HandlerFunc {
	log := d.Log.With().Str("handler", "storage-sync").Logger()

	return func(ctx context.Context, env *job.Envelope) error {
		var p job.StorageSyncPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("decode storage-sync payload: %w", err)
		}
		if p.FileID == "" {
			return &errors.ValidationError{Field: "file_id", Message: "must not be empty"}
		}

		report, err := d.Replicator.Sync(ctx, p.FileID)
		if err != nil {
			return fmt.Errorf("sync %s: %w", p.FileID, err)
		}

		log.Info().Str("file_id", p.FileID).
			Bool("in_sync", report.InSync).
			Int("repaired", report.Repaired).
			Msg("storage reconciled")
		return nil
	}
}
