package backup

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/snapvault/backend/internal/config"
	"github.com/snapvault/backend/internal/database"
	"github.com/snapvault/backend/internal/models"
)

// Engine orchestrates backup sessions: one scanner goroutine feeding a
// bounded queue, a pool of upload workers draining it, and a ledger recording
// every outcome. At most one session runs at a time.
type Engine struct {
	cfg       config.BackupConfig
	ledger    *database.Ledger
	scanner   *Scanner
	assets    AssetUploader     // nil when the asset server destination is disabled
	share     FileShareUploader // nil when the file share destination is disabled
	publisher StatusPublisher

	mu        sync.Mutex
	active    bool
	status    string
	sessionID string
	startedAt time.Time
	runWG     sync.WaitGroup

	// Live counters for progress reporting; the ledger holds the durable copy.
	total       atomic.Int64
	totalBytes  atomic.Int64
	completed   atomic.Int64
	failed      atomic.Int64
	transferred atomic.Int64
}

func NewEngine(cfg config.BackupConfig, ledger *database.Ledger, scanner *Scanner, assets AssetUploader, share FileShareUploader, publisher StatusPublisher) *Engine {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	e := &Engine{
		cfg:       cfg,
		ledger:    ledger,
		scanner:   scanner,
		assets:    assets,
		share:     share,
		publisher: publisher,
		status:    "idle",
	}
	scanner.onDiscovered = func(w FileWork) {
		e.total.Add(1)
		e.totalBytes.Add(w.Size)
	}
	return e
}

// Status returns the engine's current activity ("idle", "scanning" or
// "backing_up").
func (e *Engine) Status() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Active reports whether a session is currently running.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// StartBackup begins a session for the volume and returns its session ID
// immediately; the pipeline runs in the background. Returns
// ErrBackupInProgress if a session is already active.
func (e *Engine) StartBackup(ctx context.Context, vol Volume) (string, error) {
	e.mu.Lock()
	if e.active {
		e.mu.Unlock()
		return "", ErrBackupInProgress
	}
	sessionID := uuid.New().String()
	e.active = true
	e.status = models.SessionStatusScanning
	e.sessionID = sessionID
	e.startedAt = time.Now()
	e.total.Store(0)
	e.totalBytes.Store(0)
	e.completed.Store(0)
	e.failed.Store(0)
	e.transferred.Store(0)
	e.runWG.Add(1)
	e.mu.Unlock()

	session := &models.BackupSession{
		SessionID:  sessionID,
		DeviceName: vol.DeviceName,
		DevicePath: vol.DevicePath,
		MountPoint: vol.MountPoint,
		Status:     models.SessionStatusScanning,
	}
	if err := e.ledger.CreateSession(session); err != nil {
		e.finish("")
		return "", err
	}

	log.Printf("Engine: starting backup session %s for %s (%s)", sessionID, vol.DeviceName, vol.MountPoint)
	e.publisher.PublishStatus(models.SessionStatusScanning)

	go e.run(ctx, vol, sessionID)
	return sessionID, nil
}

// TriggerPath starts a session against an arbitrary directory, synthesizing a
// volume from the path. Used by the manual trigger endpoint.
func (e *Engine) TriggerPath(ctx context.Context, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("cannot access %s: %w", path, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", path)
	}
	vol := Volume{
		DeviceName: filepath.Base(path),
		MountPoint: path,
		Label:      filepath.Base(path),
	}
	return e.StartBackup(ctx, vol)
}

// Wait blocks until the current session, if any, has fully finished.
func (e *Engine) Wait() {
	e.runWG.Wait()
}

func (e *Engine) run(ctx context.Context, vol Volume, sessionID string) {
	defer e.finish(sessionID)

	if !e.allDestinationsReachable(ctx) {
		log.Printf("Engine: no backup destinations reachable, aborting session %s", sessionID)
		e.publisher.PublishError("no backup destinations reachable")
		if err := e.ledger.UpdateSession(sessionID, map[string]interface{}{
			"status":        models.SessionStatusFailed,
			"error_message": "no backup destinations reachable",
		}); err != nil {
			log.Printf("Engine: failed to mark session failed: %v", err)
		}
		return
	}

	queue := make(chan FileWork, e.cfg.QueueSize)

	var wg sync.WaitGroup
	for i := 0; i < e.cfg.ConcurrentFiles; i++ {
		wg.Add(1)
		go e.worker(ctx, i+1, sessionID, queue, &wg)
	}

	discovered, _, scanErr := e.scanner.Scan(ctx, vol, sessionID, queue)
	if discovered > 0 {
		e.setStatus(models.SessionStatusBackingUp)
		e.publisher.PublishStatus(models.SessionStatusBackingUp)
	}
	close(queue)
	wg.Wait()

	failed := e.failed.Load()
	final := models.SessionStatusCompleted
	if failed > 0 {
		final = models.SessionStatusCompletedWith
	}
	fields := map[string]interface{}{"status": final}

	// A scan cut short by cancellation still finalizes on the work that was
	// done; a scan that broke on a ledger or I/O error means the run cannot
	// vouch for the card and the session fails.
	if scanErr != nil {
		if errors.Is(scanErr, context.Canceled) {
			log.Printf("Engine: session %s scan interrupted: %v", sessionID, scanErr)
		} else {
			log.Printf("Engine: session %s scan failed: %v", sessionID, scanErr)
			final = models.SessionStatusFailed
			fields = map[string]interface{}{
				"status":        final,
				"error_message": scanErr.Error(),
			}
			e.publisher.PublishError(scanErr.Error())
		}
	}

	if err := e.ledger.UpdateSession(sessionID, fields); err != nil {
		log.Printf("Engine: failed to finalize session %s: %v", sessionID, err)
	}

	log.Printf("Engine: session %s finished: %d completed, %d failed of %d discovered",
		sessionID, e.completed.Load(), failed, discovered)

	if session, err := e.ledger.GetSession(sessionID); err == nil && session != nil {
		e.publisher.PublishSessionComplete(session)
	}
	e.publisher.PublishStatus(final)
	e.publisher.PublishStatus("idle")
}

// finish releases the single-session lock and resets the engine to idle.
func (e *Engine) finish(sessionID string) {
	e.mu.Lock()
	e.active = false
	e.status = "idle"
	if e.sessionID == sessionID || sessionID == "" {
		e.sessionID = ""
	}
	e.mu.Unlock()
	e.runWG.Done()
}

func (e *Engine) setStatus(status string) {
	e.mu.Lock()
	e.status = status
	e.mu.Unlock()
}

// allDestinationsReachable checks every enabled destination. With no
// destinations enabled it returns false; config validation prevents that
// state from ever starting the service.
func (e *Engine) allDestinationsReachable(ctx context.Context) bool {
	any := false
	if e.assets != nil {
		any = true
		if !e.assets.CheckReachable(ctx) {
			return false
		}
	}
	if e.share != nil {
		any = true
		if !e.share.CheckReachable(ctx) {
			return false
		}
	}
	return any
}

// reportProgress publishes a snapshot built from the live counters, including
// throughput and a naive bytes-remaining ETA.
func (e *Engine) reportProgress(sessionID, currentFile string) {
	e.mu.Lock()
	started := e.startedAt
	status := e.status
	e.mu.Unlock()

	elapsed := time.Since(started).Seconds()
	transferred := e.transferred.Load()
	totalBytes := e.totalBytes.Load()

	var rate, eta float64
	if elapsed > 0 && transferred > 0 {
		rate = float64(transferred) / elapsed
		if remaining := totalBytes - transferred; remaining > 0 {
			eta = float64(remaining) / rate
		}
	}

	e.publisher.PublishProgress(Progress{
		SessionID:        sessionID,
		Stage:            status,
		TotalFiles:       e.total.Load(),
		CompletedFiles:   e.completed.Load(),
		FailedFiles:      e.failed.Load(),
		TotalBytes:       totalBytes,
		TransferredBytes: transferred,
		CurrentFile:      currentFile,
		ElapsedSeconds:   elapsed,
		ETASeconds:       eta,
		BytesPerSecond:   rate,
	})
}
