package handlers

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/snapvault/backend/internal/backup"
	"github.com/snapvault/backend/internal/config"
	"github.com/snapvault/backend/internal/database"
	"github.com/snapvault/backend/internal/models"
	"github.com/snapvault/backend/internal/watcher"
)

type BackupHandler struct {
	// ctx is the service lifetime context. Backups started from a request
	// must outlive the request, so they never run under the request context.
	ctx    context.Context
	engine *backup.Engine
	ledger *database.Ledger
	gate   *watcher.ApprovalGate
	cfg    *config.Config
}

func NewBackupHandler(ctx context.Context, engine *backup.Engine, ledger *database.Ledger, gate *watcher.ApprovalGate, cfg *config.Config) *BackupHandler {
	return &BackupHandler{
		ctx:    ctx,
		engine: engine,
		ledger: ledger,
		gate:   gate,
		cfg:    cfg,
	}
}

// Health is the liveness endpoint
func (h *BackupHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// Status returns the service state and the active session, if any
func (h *BackupHandler) Status(c *fiber.Ctx) error {
	session, err := h.ledger.GetActiveSession()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "Failed to load active session"})
	}

	data := fiber.Map{
		"status":            h.engine.Status(),
		"backup_in_progress": h.engine.Active(),
		"destinations": fiber.Map{
			"immich": h.cfg.Immich.Enabled,
			"share":  h.cfg.Share.Enabled,
		},
	}
	if session != nil {
		data["active_session"] = session
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    data,
	})
}

// Sessions returns recent sessions, newest first
func (h *BackupHandler) Sessions(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}

	sessions, err := h.ledger.GetRecentSessions(limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "Failed to load sessions"})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    sessions,
	})
}

// Session returns one session by its ID
func (h *BackupHandler) Session(c *fiber.Ctx) error {
	session, err := h.ledger.GetSession(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "Failed to load session"})
	}
	if session == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"success": false, "message": "Session not found"})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    session,
	})
}

// Stats returns aggregate counters over the files table
func (h *BackupHandler) Stats(c *fiber.Ctx) error {
	stats, err := h.ledger.GetStats()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "Failed to load stats"})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    stats,
	})
}

// FailedFiles lists files whose last attempt ended in failure
func (h *BackupHandler) FailedFiles(c *fiber.Ctx) error {
	files, err := h.ledger.GetFilesByStatus(models.FileStatusFailed)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "Failed to load files"})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    files,
	})
}

// Trigger starts a backup of an arbitrary directory
func (h *BackupHandler) Trigger(c *fiber.Ctx) error {
	var req struct {
		Path string `json:"path"`
	}
	if err := c.BodyParser(&req); err != nil || req.Path == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": "A path is required"})
	}

	sessionID, err := h.engine.TriggerPath(h.ctx, req.Path)
	if err != nil {
		if errors.Is(err, backup.ErrBackupInProgress) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"success": false, "message": "A backup is already in progress"})
		}
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": err.Error()})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Backup started",
		"data":    fiber.Map{"session_id": sessionID},
	})
}

// Approvals lists insertions waiting for an operator decision
func (h *BackupHandler) Approvals(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"success": true,
		"data":    h.gate.Pending(),
	})
}

// Approve releases a held insertion and starts its backup
func (h *BackupHandler) Approve(c *fiber.Ctx) error {
	approval, err := h.gate.Approve(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"success": false, "message": "Approval not found or expired"})
	}

	sessionID, err := h.engine.StartBackup(h.ctx, approval.Volume)
	if err != nil {
		if errors.Is(err, backup.ErrBackupInProgress) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"success": false, "message": "A backup is already in progress"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": err.Error()})
	}

	log.Printf("API: approval %s accepted, session %s started", approval.ID, sessionID)
	return c.JSON(fiber.Map{
		"success": true,
		"message": "Backup started",
		"data":    fiber.Map{"session_id": sessionID},
	})
}

// Reject discards a held insertion
func (h *BackupHandler) Reject(c *fiber.Ctx) error {
	if err := h.gate.Reject(c.Params("id")); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"success": false, "message": "Approval not found or expired"})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Approval rejected",
	})
}

// RetryFile resets one failed file so the next scan of its device picks it
// up again
func (h *BackupHandler) RetryFile(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id < 1 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": "Invalid file ID"})
	}

	file, err := h.ledger.GetFile(uint(id))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "Failed to load file"})
	}
	if file == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"success": false, "message": "File not found"})
	}
	if file.Status != models.FileStatusFailed {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"success": false, "message": "Only failed files can be retried"})
	}

	if err := h.ledger.UpdateFileStatus(file.ID, models.FileStatusNew, nil); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "Failed to reset file"})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "File reset for retry",
		"data":    fiber.Map{"id": file.ID},
	})
}

// RetryFailed resets failed files so the next scan of their device picks
// them up again
func (h *BackupHandler) RetryFailed(c *fiber.Ctx) error {
	files, err := h.ledger.GetFilesByStatus(models.FileStatusFailed)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "Failed to load files"})
	}

	reset := 0
	for _, f := range files {
		if err := h.ledger.UpdateFileStatus(f.ID, models.FileStatusNew, nil); err != nil {
			log.Printf("API: failed to reset file %d: %v", f.ID, err)
			continue
		}
		reset++
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Failed files reset",
		"data":    fiber.Map{"reset": reset},
	})
}

// ResetDatabase erases every file record and session. Requires explicit
// confirmation in the request body.
func (h *BackupHandler) ResetDatabase(c *fiber.Ctx) error {
	if h.engine.Active() {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"success": false, "message": "Cannot reset while a backup is in progress"})
	}

	var req struct {
		Confirm bool `json:"confirm"`
	}
	if err := c.BodyParser(&req); err != nil || !req.Confirm {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": "Set confirm to true to reset the database"})
	}

	if err := h.ledger.Reset(); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "Failed to reset database"})
	}

	log.Println("API: database reset by operator request")
	return c.JSON(fiber.Map{
		"success": true,
		"message": "Database reset",
	})
}
