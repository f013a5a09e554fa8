package backup

import (
	"context"
	"errors"
	"time"

	"github.com/snapvault/backend/internal/models"
)

// ErrBackupInProgress is returned by StartBackup while another session is
// still running. At most one session is active per service instance.
var ErrBackupInProgress = errors.New("a backup session is already in progress")

// Volume describes a mounted source device. Insertion watchers produce these;
// manual triggers synthesize one from a directory path.
type Volume struct {
	DeviceName string `json:"device_name"`
	DevicePath string `json:"device_path"`
	MountPoint string `json:"mount_point"`
	Label      string `json:"label"`
	SizeBytes  int64  `json:"size_bytes"`
}

// FileWork is the transient unit passed from the scanner to the upload
// workers through the bounded queue. It mirrors the fields used to create a
// FileRecord and is never persisted on its own.
type FileWork struct {
	Path         string
	Name         string
	Size         int64
	ContentHash  string
	SourceDevice string
	BackupDate   string // YYYY/MM/DD from the file's modification time
	CreatedAt    time.Time
}

// Progress is a point-in-time snapshot reported to the status publisher.
type Progress struct {
	SessionID        string  `json:"session_id"`
	Stage            string  `json:"stage"` // scanning or backing_up
	ScannedFiles     int64   `json:"scanned_files"`
	TotalFiles       int64   `json:"total_files"`
	CompletedFiles   int64   `json:"completed_files"`
	FailedFiles      int64   `json:"failed_files"`
	TotalBytes       int64   `json:"total_bytes"`
	TransferredBytes int64   `json:"transferred_bytes"`
	CurrentFile      string  `json:"current_file"`
	ElapsedSeconds   float64 `json:"elapsed_seconds"`
	ETASeconds       float64 `json:"eta_seconds"`
	BytesPerSecond   float64 `json:"bytes_per_second"`
}

// AssetUploader is the media-asset server destination (Immich-compatible).
type AssetUploader interface {
	Upload(ctx context.Context, path string, createdAt time.Time, deviceID string) (assetID string, err error)
	Verify(ctx context.Context, assetID string) bool
	CheckReachable(ctx context.Context) bool
}

// FileShareUploader is the network file share destination.
type FileShareUploader interface {
	Upload(ctx context.Context, path string, datePartition string) (remotePath string, err error)
	Verify(ctx context.Context, remotePath string, expectedSize int64) bool
	CheckReachable(ctx context.Context) bool
}

// StatusPublisher receives state changes and progress for external observers
// (MQTT, dashboards). Implementations must not block the pipeline for long.
type StatusPublisher interface {
	PublishStatus(status string)
	PublishProgress(progress Progress)
	PublishSessionComplete(session *models.BackupSession)
	PublishError(message string)
}

// NopPublisher is the publisher used when no external status sink is
// configured.
type NopPublisher struct{}

func (NopPublisher) PublishStatus(string)                          {}
func (NopPublisher) PublishProgress(Progress)                      {}
func (NopPublisher) PublishSessionComplete(*models.BackupSession)  {}
func (NopPublisher) PublishError(string)                           {}
