package models

import (
	"time"
)

// File lifecycle statuses
const (
	FileStatusNew       = "new"
	FileStatusBackingUp = "backing_up"
	FileStatusCompleted = "completed"
	FileStatusFailed    = "failed"
)

// FileRecord represents one distinct file seen on a source device. Identity is
// (content_hash, source_device): re-encountering the same content on the same
// device updates the existing row instead of creating a new one.
type FileRecord struct {
	ID           uint   `json:"id" gorm:"column:id;primaryKey"`
	FilePath     string `json:"file_path" gorm:"column:file_path;size:1024;not null"`
	FileName     string `json:"file_name" gorm:"column:file_name;size:255;not null"`
	FileSize     int64  `json:"file_size" gorm:"column:file_size;not null"`
	ContentHash  string `json:"content_hash" gorm:"column:content_hash;size:64;not null;uniqueIndex:idx_files_hash_device;index:idx_files_hash"`
	SourceDevice string `json:"source_device" gorm:"column:source_device;size:255;not null;uniqueIndex:idx_files_hash_device"`
	Status       string `json:"status" gorm:"column:status;size:20;not null;index:idx_files_status"` // new, backing_up, completed, failed

	// Per-destination results
	ImmichUploaded bool   `json:"immich_uploaded" gorm:"column:immich_uploaded;default:false"`
	ShareUploaded  bool   `json:"share_uploaded" gorm:"column:share_uploaded;default:false"`
	ImmichAssetID  string `json:"immich_asset_id" gorm:"column:immich_asset_id;size:64"`
	SharePath      string `json:"share_path" gorm:"column:share_path;size:1024"`

	BackupDate   string `json:"backup_date" gorm:"column:backup_date;size:10;not null"` // YYYY/MM/DD from file mtime
	ErrorMessage string `json:"error_message" gorm:"column:error_message;size:500"`
	RetryCount   int    `json:"retry_count" gorm:"column:retry_count;default:0"`

	CreatedAt time.Time `json:"created_at" gorm:"column:created_at"`
	UpdatedAt time.Time `json:"updated_at" gorm:"column:updated_at"`
}

// TableName specifies the table name for FileRecord
func (FileRecord) TableName() string {
	return "files"
}
