package backup

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/snapvault/backend/internal/database"
	"github.com/snapvault/backend/internal/models"
)

// worker consumes the queue until it is closed. Items are always carried to a
// terminal ledger state, even when the run is being cancelled: a dequeued file
// is never silently dropped.
func (e *Engine) worker(ctx context.Context, id int, sessionID string, queue <-chan FileWork, wg *sync.WaitGroup) {
	defer wg.Done()
	for work := range queue {
		e.processFile(ctx, id, sessionID, work)
	}
}

// processFile runs the per-file attempt loop: backup, and on failure retry up
// to the configured maximum. Between attempts the worker waits out the retry
// delay and then blocks until every enabled destination is reachable again,
// so a network outage does not burn through the retry budget.
func (e *Engine) processFile(ctx context.Context, workerID int, sessionID string, work FileWork) {
	start := time.Now()

	for attempt := 1; ; attempt++ {
		ok, err := e.backupFile(ctx, work)
		if err != nil {
			log.Printf("Worker %d: ledger error for %s: %v", workerID, work.Name, err)
		}

		if ok {
			e.completed.Add(1)
			e.transferred.Add(work.Size)
			if err := e.ledger.AddSessionCompleted(sessionID, work.Size); err != nil {
				log.Printf("Worker %d: failed to update session counters: %v", workerID, err)
			}
			log.Printf("Worker %d: completed %s (%d bytes, %s)",
				workerID, work.Name, work.Size, time.Since(start).Round(time.Millisecond))
			e.reportProgress(sessionID, work.Name)
			return
		}

		if attempt >= e.cfg.MaxRetries || ctx.Err() != nil {
			e.failed.Add(1)
			if err := e.ledger.AddSessionFailed(sessionID); err != nil {
				log.Printf("Worker %d: failed to update session counters: %v", workerID, err)
			}
			log.Printf("Worker %d: giving up on %s after %d attempts", workerID, work.Name, attempt)
			e.reportProgress(sessionID, work.Name)
			return
		}

		log.Printf("Worker %d: retrying %s (attempt %d/%d)", workerID, work.Name, attempt+1, e.cfg.MaxRetries)
		if !sleepContext(ctx, e.cfg.RetryDelay) {
			continue // cancelled; next iteration takes the give-up path
		}
		if err := e.waitForDestinations(ctx); err != nil {
			continue
		}
	}
}

// backupFile performs one attempt: upsert the record, upload to every enabled
// destination, optionally verify, and persist the outcome. The returned bool
// is the overall success of the attempt; the returned error only reports
// ledger failures.
func (e *Engine) backupFile(ctx context.Context, work FileWork) (bool, error) {
	record := &models.FileRecord{
		FilePath:     work.Path,
		FileName:     work.Name,
		FileSize:     work.Size,
		ContentHash:  work.ContentHash,
		SourceDevice: work.SourceDevice,
		Status:       models.FileStatusNew,
		BackupDate:   work.BackupDate,
	}
	id, err := e.ledger.AddFile(record)
	if err != nil {
		return false, err
	}
	if err := e.ledger.UpdateFileStatus(id, models.FileStatusBackingUp, nil); err != nil {
		return false, err
	}

	var (
		immichUploaded, shareUploaded bool
		assetID, sharePath            string
		immichErr, shareErr           error
	)

	uploadImmich := func() {
		assetID, immichErr = e.assets.Upload(ctx, work.Path, work.CreatedAt, work.SourceDevice)
		immichUploaded = immichErr == nil
		if immichErr != nil {
			log.Printf("Worker: Immich upload of %s failed: %v", work.Name, immichErr)
		}
	}
	uploadShare := func() {
		sharePath, shareErr = e.share.Upload(ctx, work.Path, work.BackupDate)
		shareUploaded = shareErr == nil
		if shareErr != nil {
			log.Printf("Worker: share upload of %s failed: %v", work.Name, shareErr)
		}
	}

	// A failure on one destination never aborts the other.
	if e.assets != nil && e.share != nil && e.cfg.Parallel {
		var uwg sync.WaitGroup
		uwg.Add(2)
		go func() { defer uwg.Done(); uploadImmich() }()
		go func() { defer uwg.Done(); uploadShare() }()
		uwg.Wait()
	} else {
		if e.assets != nil {
			uploadImmich()
		}
		if e.share != nil {
			uploadShare()
		}
	}

	// A disabled destination is vacuously satisfied.
	uploadSuccess := (e.assets == nil || immichUploaded) && (e.share == nil || shareUploaded)

	verified := true
	if uploadSuccess && e.cfg.VerifyChecksums {
		if e.assets != nil && !e.assets.Verify(ctx, assetID) {
			log.Printf("Worker: Immich verification failed for %s", work.Name)
			verified = false
		}
		if e.share != nil && !e.share.Verify(ctx, sharePath, work.Size) {
			log.Printf("Worker: share verification failed for %s", work.Name)
			verified = false
		}
	}

	success := uploadSuccess && verified

	status := models.FileStatusCompleted
	upd := &database.FileStatusUpdate{
		ImmichUploaded: &immichUploaded,
		ShareUploaded:  &shareUploaded,
	}
	if assetID != "" {
		upd.ImmichAssetID = &assetID
	}
	if sharePath != "" {
		upd.SharePath = &sharePath
	}
	if !success {
		status = models.FileStatusFailed
		msg := attemptError(uploadSuccess, immichErr, shareErr)
		upd.ErrorMessage = &msg
	}

	if err := e.ledger.UpdateFileStatus(id, status, upd); err != nil {
		return false, err
	}
	return success, nil
}

// attemptError builds the error_message persisted with a failed attempt.
func attemptError(uploadSuccess bool, immichErr, shareErr error) string {
	if uploadSuccess {
		return "verification failed"
	}
	var parts []string
	if immichErr != nil {
		parts = append(parts, "immich: "+immichErr.Error())
	}
	if shareErr != nil {
		parts = append(parts, "share: "+shareErr.Error())
	}
	if len(parts) == 0 {
		return "upload failed"
	}
	return strings.Join(parts, "; ")
}

// waitForDestinations blocks until every enabled destination reports
// reachable, polling at the configured interval.
func (e *Engine) waitForDestinations(ctx context.Context) error {
	for {
		if e.allDestinationsReachable(ctx) {
			return nil
		}
		log.Printf("Worker: destination unreachable, waiting %s before rechecking", e.cfg.ReachabilityPoll)
		if !sleepContext(ctx, e.cfg.ReachabilityPoll) {
			return ctx.Err()
		}
	}
}

// sleepContext sleeps for d unless the context is cancelled first. Returns
// false on cancellation.
func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
