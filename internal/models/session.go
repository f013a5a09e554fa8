package models

import (
	"time"
)

// Session lifecycle statuses
const (
	SessionStatusScanning      = "scanning"
	SessionStatusBackingUp     = "backing_up"
	SessionStatusCompleted     = "completed"
	SessionStatusCompletedWith = "completed_with_errors"
	SessionStatusFailed        = "failed"
)

// SessionStatusTerminal reports whether a session status is final. Terminal
// transitions stamp end_time exactly once.
func SessionStatusTerminal(status string) bool {
	switch status {
	case SessionStatusCompleted, SessionStatusCompletedWith, SessionStatusFailed:
		return true
	}
	return false
}

// BackupSession represents one backup run, triggered by a card insertion or
// manually. At most one session is active per service instance; that rule is
// enforced by the engine, not the database.
type BackupSession struct {
	ID         uint   `json:"id" gorm:"column:id;primaryKey"`
	SessionID  string `json:"session_id" gorm:"column:session_id;size:36;not null;uniqueIndex:idx_sessions_session_id"`
	DeviceName string `json:"device_name" gorm:"column:device_name;size:255;not null"`
	DevicePath string `json:"device_path" gorm:"column:device_path;size:255;not null"`
	MountPoint string `json:"mount_point" gorm:"column:mount_point;size:255"`
	Status     string `json:"status" gorm:"column:status;size:30;not null;index:idx_sessions_status"` // scanning, backing_up, completed, completed_with_errors, failed

	// Counters; totals grow during scanning, the rest are updated by workers
	// with atomic SQL increments.
	TotalFiles       int64 `json:"total_files" gorm:"column:total_files;default:0"`
	CompletedFiles   int64 `json:"completed_files" gorm:"column:completed_files;default:0"`
	FailedFiles      int64 `json:"failed_files" gorm:"column:failed_files;default:0"`
	TotalBytes       int64 `json:"total_bytes" gorm:"column:total_bytes;default:0"`
	TransferredBytes int64 `json:"transferred_bytes" gorm:"column:transferred_bytes;default:0"`

	StartTime time.Time  `json:"start_time" gorm:"column:start_time"`
	EndTime   *time.Time `json:"end_time" gorm:"column:end_time"`

	ErrorMessage string `json:"error_message" gorm:"column:error_message;size:500"`
}

// TableName specifies the table name for BackupSession
func (BackupSession) TableName() string {
	return "backup_sessions"
}
