package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"gorm.io/gorm"

	"github.com/snapvault/backend/internal/config"
	"github.com/snapvault/backend/internal/database"
	"github.com/snapvault/backend/internal/hasher"
	"github.com/snapvault/backend/internal/models"
)

func newTestLedger(t *testing.T) *database.Ledger {
	t.Helper()
	ledger, _ := newTestLedgerDB(t)
	return ledger
}

func newTestLedgerDB(t *testing.T) (*database.Ledger, *gorm.DB) {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return database.NewLedger(db), db
}

func newTestScanner(t *testing.T, ledger *database.Ledger) *Scanner {
	t.Helper()
	h, err := hasher.New("xxh64", 2)
	if err != nil {
		t.Fatalf("hasher.New: %v", err)
	}
	files := config.FilesConfig{
		Extensions: []string{".jpg", ".mp4"},
		MinSize:    1024,
	}
	return NewScanner(files, ledger, h, nil)
}

func writeTestFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := make([]byte, size)
	for i := range content {
		content[i] = byte(len(name) + i)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func startSession(t *testing.T, ledger *database.Ledger, id string) {
	t.Helper()
	if err := ledger.CreateSession(&models.BackupSession{
		SessionID:  id,
		DeviceName: "card",
		Status:     models.SessionStatusScanning,
	}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
}

func drain(out chan FileWork) []FileWork {
	var works []FileWork
	for w := range out {
		works = append(works, w)
	}
	return works
}

func TestScanFilters(t *testing.T) {
	ledger := newTestLedger(t)
	scanner := newTestScanner(t, ledger)
	dir := t.TempDir()

	writeTestFile(t, dir, "DCIM/IMG_0001.jpg", 2000)  // qualifies
	writeTestFile(t, dir, "DCIM/IMG_0002.JPG", 2000)  // qualifies, extension is case-insensitive
	writeTestFile(t, dir, "DCIM/small.jpg", 500)      // below minimum size
	writeTestFile(t, dir, "notes.txt", 2000)          // wrong extension
	writeTestFile(t, dir, "MISC/noext", 2000)         // no extension
	writeTestFile(t, dir, "VIDEO/clip.mp4", 5000)     // qualifies

	startSession(t, ledger, "s-1")
	out := make(chan FileWork, 32)
	vol := Volume{DeviceName: "card", MountPoint: dir}

	discovered, bytes, err := scanner.Scan(context.Background(), vol, "s-1", out)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	close(out)
	works := drain(out)

	if discovered != 3 || len(works) != 3 {
		t.Fatalf("discovered %d files (%d queued), want 3", discovered, len(works))
	}
	if bytes != 2000+2000+5000 {
		t.Errorf("discovered bytes = %d, want 9000", bytes)
	}

	names := make(map[string]bool)
	for _, w := range works {
		names[w.Name] = true
		if w.ContentHash == "" {
			t.Errorf("%s has no content hash", w.Name)
		}
		if w.SourceDevice != "card" {
			t.Errorf("%s source device = %q", w.Name, w.SourceDevice)
		}
	}
	for _, want := range []string{"IMG_0001.jpg", "IMG_0002.JPG", "clip.mp4"} {
		if !names[want] {
			t.Errorf("%s not discovered", want)
		}
	}

	// The session must have moved on from scanning
	session, err := ledger.GetSession("s-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if session.Status != models.SessionStatusBackingUp {
		t.Errorf("session status = %s, want %s", session.Status, models.SessionStatusBackingUp)
	}
	if session.TotalFiles != 3 {
		t.Errorf("session total_files = %d, want 3", session.TotalFiles)
	}
}

func TestScanSkipsCompletedFiles(t *testing.T) {
	ledger := newTestLedger(t)
	scanner := newTestScanner(t, ledger)
	dir := t.TempDir()

	writeTestFile(t, dir, "IMG_0001.jpg", 2000)
	vol := Volume{DeviceName: "card", MountPoint: dir}

	startSession(t, ledger, "s-1")
	out := make(chan FileWork, 8)
	discovered, _, err := scanner.Scan(context.Background(), vol, "s-1", out)
	if err != nil {
		t.Fatalf("first Scan: %v", err)
	}
	close(out)
	works := drain(out)
	if discovered != 1 {
		t.Fatalf("first scan discovered %d, want 1", discovered)
	}

	// Mark it backed up, as a worker would
	id, err := ledger.AddFile(&models.FileRecord{
		FileName:     works[0].Name,
		FileSize:     works[0].Size,
		ContentHash:  works[0].ContentHash,
		SourceDevice: works[0].SourceDevice,
		Status:       models.FileStatusNew,
	})
	if err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if err := ledger.UpdateFileStatus(id, models.FileStatusCompleted, nil); err != nil {
		t.Fatalf("UpdateFileStatus: %v", err)
	}

	// Rescanning the same card finds nothing new
	startSession(t, ledger, "s-2")
	out = make(chan FileWork, 8)
	discovered, _, err = scanner.Scan(context.Background(), vol, "s-2", out)
	if err != nil {
		t.Fatalf("second Scan: %v", err)
	}
	close(out)
	if discovered != 0 {
		t.Fatalf("second scan discovered %d, want 0", discovered)
	}

	// A zero-discovery session stays in scanning for the engine to finalize
	session, err := ledger.GetSession("s-2")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if session.Status != models.SessionStatusScanning {
		t.Errorf("session status = %s, want %s", session.Status, models.SessionStatusScanning)
	}
}

func TestScanFailedFileStaysEligible(t *testing.T) {
	ledger := newTestLedger(t)
	scanner := newTestScanner(t, ledger)
	dir := t.TempDir()

	writeTestFile(t, dir, "IMG_0001.jpg", 2000)
	vol := Volume{DeviceName: "card", MountPoint: dir}

	startSession(t, ledger, "s-1")
	out := make(chan FileWork, 8)
	_, _, err := scanner.Scan(context.Background(), vol, "s-1", out)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	close(out)
	works := drain(out)

	// Record a failed attempt
	id, err := ledger.AddFile(&models.FileRecord{
		FileName:     works[0].Name,
		FileSize:     works[0].Size,
		ContentHash:  works[0].ContentHash,
		SourceDevice: works[0].SourceDevice,
		Status:       models.FileStatusNew,
	})
	if err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if err := ledger.UpdateFileStatus(id, models.FileStatusFailed, nil); err != nil {
		t.Fatalf("UpdateFileStatus: %v", err)
	}

	startSession(t, ledger, "s-2")
	out = make(chan FileWork, 8)
	discovered, _, err := scanner.Scan(context.Background(), vol, "s-2", out)
	if err != nil {
		t.Fatalf("second Scan: %v", err)
	}
	close(out)
	if discovered != 1 {
		t.Fatalf("failed file not rediscovered: discovered %d, want 1", discovered)
	}
}

func TestScanCancelled(t *testing.T) {
	ledger := newTestLedger(t)
	scanner := newTestScanner(t, ledger)
	dir := t.TempDir()

	writeTestFile(t, dir, "IMG_0001.jpg", 2000)
	vol := Volume{DeviceName: "card", MountPoint: dir}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	startSession(t, ledger, "s-1")
	out := make(chan FileWork, 8)
	_, _, err := scanner.Scan(ctx, vol, "s-1", out)
	if err == nil {
		t.Fatal("expected error from cancelled scan")
	}
}
