package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/ideacapture/internal/blob"
	"github.com/ashureev/ideacapture/internal/store"
)

const janitorInterval = 5 * time.Minute

// StartUploadJanitor runs a background goroutine that periodically removes
// upload locations that were never confirmed, together with their bytes.
func StartUploadJanitor(ctx context.Context, repo store.Repository, blobs *blob.Store, ttl time.Duration) {
	ticker := time.NewTicker(janitorInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Upload janitor started", "interval", janitorInterval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				sweepStaleUploads(ctx, repo, blobs, ttl)
			case <-ctx.Done():
				slog.Info("Upload janitor shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepStaleUploads(ctx context.Context, repo store.Repository, blobs *blob.Store, ttl time.Duration) int {
	refs, err := repo.DeleteStaleUploads(ctx, ttl)
	if err != nil {
		slog.Error("Upload janitor failed to delete stale uploads", "error", err)
		return 0
	}
	if len(refs) == 0 {
		return 0
	}

	for _, ref := range refs {
		if err := blobs.Delete(ref); err != nil {
			slog.Warn("Upload janitor failed to remove bytes", "error", err, "durable_ref", ref)
		}
	}
	slog.Info("Upload janitor cleanup completed", "count", len(refs))
	return len(refs)
}
