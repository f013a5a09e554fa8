package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/snapvault/backend/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Ledger is the single owner of persisted backup state. Every mutation goes
// through the storage engine's transaction mechanism; session counters are
// incremented with SQL expressions so concurrent workers never lose updates.
type Ledger struct {
	db *gorm.DB
}

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// FileKey identifies a file by name and size for the scanner's cheap
// pre-filter. It is advisory only; a duplicate is always confirmed by hash.
type FileKey struct {
	Name string
	Size int64
}

// Stats aggregates the files table.
type Stats struct {
	TotalFiles      int64 `json:"total_files"`
	TotalBytes      int64 `json:"total_bytes"`
	CompletedFiles  int64 `json:"completed_files"`
	FailedFiles     int64 `json:"failed_files"`
	InProgressFiles int64 `json:"in_progress_files"`
}

// FileStatusUpdate carries the optional fields of UpdateFileStatus. Nil
// pointers leave the column untouched.
type FileStatusUpdate struct {
	ErrorMessage   *string
	ImmichUploaded *bool
	ShareUploaded  *bool
	ImmichAssetID  *string
	SharePath      *string
}

// CreateSession inserts a new backup session. Fails if the session ID is
// already taken.
func (l *Ledger) CreateSession(session *models.BackupSession) error {
	if session.StartTime.IsZero() {
		session.StartTime = time.Now().UTC()
	}
	if err := l.db.Create(session).Error; err != nil {
		return fmt.Errorf("failed to create session %s: %w", session.SessionID, err)
	}
	return nil
}

// UpdateSession merges only the provided fields into a session row. Setting a
// terminal status also stamps end_time, exactly once. A call with no fields is
// a no-op.
func (l *Ledger) UpdateSession(sessionID string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	if status, ok := fields["status"].(string); ok && models.SessionStatusTerminal(status) {
		fields["end_time"] = gorm.Expr("COALESCE(end_time, ?)", time.Now().UTC())
	}
	return l.db.Model(&models.BackupSession{}).
		Where("session_id = ?", sessionID).
		Updates(fields).Error
}

// AddSessionTotals atomically grows a session's discovered totals. Used by the
// scanner so observers see totals increase during a long scan.
func (l *Ledger) AddSessionTotals(sessionID string, files, bytes int64) error {
	return l.db.Model(&models.BackupSession{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]interface{}{
			"total_files": gorm.Expr("total_files + ?", files),
			"total_bytes": gorm.Expr("total_bytes + ?", bytes),
		}).Error
}

// AddSessionCompleted atomically records one successfully backed up file.
func (l *Ledger) AddSessionCompleted(sessionID string, bytes int64) error {
	return l.db.Model(&models.BackupSession{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]interface{}{
			"completed_files":   gorm.Expr("completed_files + 1"),
			"transferred_bytes": gorm.Expr("transferred_bytes + ?", bytes),
		}).Error
}

// AddSessionFailed atomically records one failed file.
func (l *Ledger) AddSessionFailed(sessionID string) error {
	return l.db.Model(&models.BackupSession{}).
		Where("session_id = ?", sessionID).
		UpdateColumn("failed_files", gorm.Expr("failed_files + 1")).Error
}

func (l *Ledger) GetSession(sessionID string) (*models.BackupSession, error) {
	var session models.BackupSession
	err := l.db.Where("session_id = ?", sessionID).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// GetActiveSession returns the most recent session still in a non-terminal
// status, or nil when the service is idle.
func (l *Ledger) GetActiveSession() (*models.BackupSession, error) {
	var session models.BackupSession
	err := l.db.
		Where("status IN ?", []string{models.SessionStatusScanning, models.SessionStatusBackingUp}).
		Order("start_time DESC").
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (l *Ledger) GetRecentSessions(limit int) ([]models.BackupSession, error) {
	var sessions []models.BackupSession
	err := l.db.Order("start_time DESC").Limit(limit).Find(&sessions).Error
	return sessions, err
}

// FileExists reports whether a file with this content hash from this device
// has already been backed up. Only completed records count; failed or
// in-progress attempts stay eligible for another run.
func (l *Ledger) FileExists(contentHash, sourceDevice string) (bool, error) {
	var count int64
	err := l.db.Model(&models.FileRecord{}).
		Where("content_hash = ? AND source_device = ? AND status = ?",
			contentHash, sourceDevice, models.FileStatusCompleted).
		Count(&count).Error
	return count > 0, err
}

// ExistingFileMetadata returns the (name, size) pairs of every completed
// backup from a device, in one query. The scanner uses it to skip hashing
// files it has almost certainly seen before.
func (l *Ledger) ExistingFileMetadata(sourceDevice string) (map[FileKey]struct{}, error) {
	var rows []models.FileRecord
	err := l.db.Select("file_name", "file_size").
		Where("source_device = ? AND status = ?", sourceDevice, models.FileStatusCompleted).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[FileKey]struct{}, len(rows))
	for _, r := range rows {
		out[FileKey{Name: r.FileName, Size: r.FileSize}] = struct{}{}
	}
	return out, nil
}

// AddFile upserts a file record keyed by (content_hash, source_device).
// On conflict the existing row keeps its identity but takes the incoming
// status and path, clears its error, and bumps retry_count; this is how a
// retried file that previously failed re-enters the pipeline.
func (l *Ledger) AddFile(file *models.FileRecord) (uint, error) {
	err := l.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "content_hash"}, {Name: "source_device"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"status":        file.Status,
			"file_path":     file.FilePath,
			"error_message": "",
			"retry_count":   gorm.Expr("retry_count + 1"),
			"updated_at":    time.Now().UTC(),
		}),
	}).Create(file).Error
	if err != nil {
		return 0, fmt.Errorf("failed to upsert file %s: %w", file.FileName, err)
	}

	// On the conflict path the driver does not report the surviving row id;
	// look it up by key.
	var existing models.FileRecord
	err = l.db.Select("id").
		Where("content_hash = ? AND source_device = ?", file.ContentHash, file.SourceDevice).
		Take(&existing).Error
	if err != nil {
		return 0, err
	}
	file.ID = existing.ID
	return existing.ID, nil
}

// UpdateFileStatus sets a file's status plus any optional fields supplied in
// upd. Fields left nil are untouched.
func (l *Ledger) UpdateFileStatus(id uint, status string, upd *FileStatusUpdate) error {
	fields := map[string]interface{}{"status": status}
	if upd != nil {
		if upd.ErrorMessage != nil {
			fields["error_message"] = truncateError(*upd.ErrorMessage)
		}
		if upd.ImmichUploaded != nil {
			fields["immich_uploaded"] = *upd.ImmichUploaded
		}
		if upd.ShareUploaded != nil {
			fields["share_uploaded"] = *upd.ShareUploaded
		}
		if upd.ImmichAssetID != nil {
			fields["immich_asset_id"] = *upd.ImmichAssetID
		}
		if upd.SharePath != nil {
			fields["share_path"] = *upd.SharePath
		}
	}
	return l.db.Model(&models.FileRecord{}).Where("id = ?", id).Updates(fields).Error
}

func (l *Ledger) IncrementRetryCount(id uint) error {
	return l.db.Model(&models.FileRecord{}).
		Where("id = ?", id).
		UpdateColumn("retry_count", gorm.Expr("retry_count + 1")).Error
}

func (l *Ledger) GetFile(id uint) (*models.FileRecord, error) {
	var file models.FileRecord
	err := l.db.Where("id = ?", id).First(&file).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &file, nil
}

func (l *Ledger) GetFilesByStatus(status string) ([]models.FileRecord, error) {
	var files []models.FileRecord
	err := l.db.Where("status = ?", status).Order("created_at DESC").Find(&files).Error
	return files, err
}

func (l *Ledger) GetStats() (*Stats, error) {
	var stats Stats
	err := l.db.Model(&models.FileRecord{}).
		Select(
			"COUNT(*) as total_files, " +
				"COALESCE(SUM(file_size), 0) as total_bytes, " +
				"SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END) as completed_files, " +
				"SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END) as failed_files, " +
				"SUM(CASE WHEN status = 'backing_up' THEN 1 ELSE 0 END) as in_progress_files").
		Scan(&stats).Error
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// Reset erases all file records and sessions. Destructive; only reachable
// through an explicit operator action.
func (l *Ledger) Reset() error {
	return l.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM files").Error; err != nil {
			return err
		}
		return tx.Exec("DELETE FROM backup_sessions").Error
	})
}

// error_message column is capped at 500 chars
func truncateError(msg string) string {
	if len(msg) > 500 {
		return msg[:500]
	}
	return msg
}
