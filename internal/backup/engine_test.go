package backup

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/snapvault/backend/internal/config"
	"github.com/snapvault/backend/internal/database"
	"github.com/snapvault/backend/internal/models"
)

// fakeAssets is an in-memory asset server destination.
type fakeAssets struct {
	mu            sync.Mutex
	reachable     atomic.Bool
	failNext      int32         // number of uploads to fail before succeeding
	downAfterFail bool          // a failed upload also takes the server down
	delay         time.Duration // artificial per-upload latency
	uploads       map[string]string
	attempts      atomic.Int32
}

func newFakeAssets() *fakeAssets {
	f := &fakeAssets{uploads: make(map[string]string)}
	f.reachable.Store(true)
	return f
}

func (f *fakeAssets) Upload(ctx context.Context, path string, createdAt time.Time, deviceID string) (string, error) {
	f.attempts.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if atomic.AddInt32(&f.failNext, -1) >= 0 {
		if f.downAfterFail {
			f.reachable.Store(false)
		}
		return "", errors.New("server returned 500")
	}
	atomic.StoreInt32(&f.failNext, -1)
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "asset-" + path
	f.uploads[path] = id
	return id, nil
}

func (f *fakeAssets) Verify(ctx context.Context, assetID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.uploads {
		if id == assetID {
			return true
		}
	}
	return false
}

func (f *fakeAssets) CheckReachable(ctx context.Context) bool {
	return f.reachable.Load()
}

// fakeShare is an in-memory file share destination.
type fakeShare struct {
	mu        sync.Mutex
	reachable atomic.Bool
	alwaysErr bool
	files     map[string]int64
}

func newFakeShare() *fakeShare {
	f := &fakeShare{files: make(map[string]int64)}
	f.reachable.Store(true)
	return f
}

func (f *fakeShare) Upload(ctx context.Context, path, datePartition string) (string, error) {
	if f.alwaysErr {
		return "", errors.New("connection reset")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	remote := "/backups/" + datePartition + "/" + path
	f.files[remote] = 1
	return remote, nil
}

func (f *fakeShare) Verify(ctx context.Context, remotePath string, expectedSize int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[remotePath]
	return ok
}

func (f *fakeShare) CheckReachable(ctx context.Context) bool {
	return f.reachable.Load()
}

func testBackupConfig() config.BackupConfig {
	return config.BackupConfig{
		Parallel:         true,
		ConcurrentFiles:  2,
		QueueSize:        4,
		VerifyChecksums:  true,
		MaxRetries:       3,
		RetryDelay:       time.Millisecond,
		ReachabilityPoll: time.Millisecond,
	}
}

func newTestEngine(t *testing.T, ledger *database.Ledger, assets AssetUploader, share FileShareUploader) *Engine {
	t.Helper()
	scanner := newTestScanner(t, ledger)
	return NewEngine(testBackupConfig(), ledger, scanner, assets, share, nil)
}

func runSession(t *testing.T, engine *Engine, dir string) *models.BackupSession {
	t.Helper()
	sessionID, err := engine.StartBackup(context.Background(), Volume{DeviceName: "card", MountPoint: dir})
	if err != nil {
		t.Fatalf("StartBackup: %v", err)
	}
	engine.Wait()

	session, err := engine.ledger.GetSession(sessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if session == nil {
		t.Fatal("session not found after run")
	}
	return session
}

func TestEngineBacksUpEverything(t *testing.T) {
	ledger := newTestLedger(t)
	assets := newFakeAssets()
	share := newFakeShare()
	engine := newTestEngine(t, ledger, assets, share)

	dir := t.TempDir()
	writeTestFile(t, dir, "DCIM/IMG_0001.jpg", 2000)
	writeTestFile(t, dir, "DCIM/IMG_0002.jpg", 3000)
	writeTestFile(t, dir, "VIDEO/clip.mp4", 5000)

	session := runSession(t, engine, dir)

	if session.Status != models.SessionStatusCompleted {
		t.Fatalf("session status = %s, want %s", session.Status, models.SessionStatusCompleted)
	}
	if session.CompletedFiles != 3 || session.FailedFiles != 0 {
		t.Errorf("completed=%d failed=%d, want 3/0", session.CompletedFiles, session.FailedFiles)
	}
	if session.TransferredBytes != 10000 {
		t.Errorf("transferred_bytes = %d, want 10000", session.TransferredBytes)
	}
	if session.EndTime == nil {
		t.Error("end_time not stamped")
	}

	files, err := ledger.GetFilesByStatus(models.FileStatusCompleted)
	if err != nil {
		t.Fatalf("GetFilesByStatus: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("expected 3 completed files, got %d", len(files))
	}
	for _, f := range files {
		if !f.ImmichUploaded || !f.ShareUploaded {
			t.Errorf("%s upload flags: immich=%v share=%v", f.FileName, f.ImmichUploaded, f.ShareUploaded)
		}
		if f.ImmichAssetID == "" || f.SharePath == "" {
			t.Errorf("%s missing destination references", f.FileName)
		}
	}
}

func TestEnginePartialDestinationFailure(t *testing.T) {
	ledger := newTestLedger(t)
	assets := newFakeAssets()
	share := newFakeShare()
	share.alwaysErr = true
	engine := newTestEngine(t, ledger, assets, share)

	dir := t.TempDir()
	writeTestFile(t, dir, "IMG_0001.jpg", 2000)

	session := runSession(t, engine, dir)

	if session.Status != models.SessionStatusCompletedWith {
		t.Fatalf("session status = %s, want %s", session.Status, models.SessionStatusCompletedWith)
	}
	if session.FailedFiles != 1 {
		t.Errorf("failed_files = %d, want 1", session.FailedFiles)
	}

	files, err := ledger.GetFilesByStatus(models.FileStatusFailed)
	if err != nil {
		t.Fatalf("GetFilesByStatus: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 failed file, got %d", len(files))
	}
	f := files[0]
	if !strings.Contains(f.ErrorMessage, "share:") {
		t.Errorf("error message %q does not name the failing destination", f.ErrorMessage)
	}
	// One destination failing never prevents the other from completing
	if !f.ImmichUploaded {
		t.Error("immich upload flag not set despite success")
	}
	if f.RetryCount == 0 {
		t.Error("retry count not bumped across attempts")
	}
}

func TestEngineRetriesTransientFailure(t *testing.T) {
	ledger := newTestLedger(t)
	assets := newFakeAssets()
	atomic.StoreInt32(&assets.failNext, 1) // first upload fails, then recover
	engine := newTestEngine(t, ledger, assets, nil)

	dir := t.TempDir()
	writeTestFile(t, dir, "IMG_0001.jpg", 2000)

	session := runSession(t, engine, dir)

	if session.Status != models.SessionStatusCompleted {
		t.Fatalf("session status = %s, want %s", session.Status, models.SessionStatusCompleted)
	}
	if got := assets.attempts.Load(); got < 2 {
		t.Errorf("upload attempts = %d, want at least 2", got)
	}
}

func TestEngineRetryWaitsForReachability(t *testing.T) {
	ledger := newTestLedger(t)
	assets := newFakeAssets()
	atomic.StoreInt32(&assets.failNext, 1)
	assets.downAfterFail = true // first upload fails and the server goes dark
	engine := newTestEngine(t, ledger, assets, nil)

	dir := t.TempDir()
	writeTestFile(t, dir, "IMG_0001.jpg", 2000)

	sessionID, err := engine.StartBackup(context.Background(), Volume{DeviceName: "card", MountPoint: dir})
	if err != nil {
		t.Fatalf("StartBackup: %v", err)
	}

	// While the destination is down the worker must sit in the reachability
	// wait, not burn retries against a dead server.
	time.Sleep(50 * time.Millisecond)
	if got := assets.attempts.Load(); got != 1 {
		t.Fatalf("upload attempts while unreachable = %d, want 1", got)
	}
	if !engine.Active() {
		t.Fatal("engine gave up while the destination was down")
	}

	assets.reachable.Store(true)
	engine.Wait()

	session, err := ledger.GetSession(sessionID)
	if err != nil || session == nil {
		t.Fatalf("GetSession: %v", err)
	}
	if session.Status != models.SessionStatusCompleted {
		t.Fatalf("session status = %s, want %s", session.Status, models.SessionStatusCompleted)
	}
	if got := assets.attempts.Load(); got < 2 {
		t.Errorf("upload attempts = %d, want at least 2", got)
	}
}

func TestEngineScanLedgerFailureFailsSession(t *testing.T) {
	ledger, db := newTestLedgerDB(t)
	assets := newFakeAssets()
	engine := newTestEngine(t, ledger, assets, nil)

	dir := t.TempDir()
	writeTestFile(t, dir, "IMG_0001.jpg", 2000)

	// Break the files table so the scanner's pre-filter query errors out
	if err := db.Exec("DROP TABLE files").Error; err != nil {
		t.Fatalf("drop table: %v", err)
	}

	session := runSession(t, engine, dir)

	if session.Status != models.SessionStatusFailed {
		t.Fatalf("session status = %s, want %s", session.Status, models.SessionStatusFailed)
	}
	if session.ErrorMessage == "" {
		t.Error("failed session has no error message")
	}
	if assets.attempts.Load() != 0 {
		t.Error("uploads attempted after the scan broke")
	}
}

func TestEngineDisabledDestinationIsVacuous(t *testing.T) {
	ledger := newTestLedger(t)
	share := newFakeShare()
	engine := newTestEngine(t, ledger, nil, share)

	dir := t.TempDir()
	writeTestFile(t, dir, "IMG_0001.jpg", 2000)

	session := runSession(t, engine, dir)

	if session.Status != models.SessionStatusCompleted {
		t.Fatalf("session status = %s, want %s", session.Status, models.SessionStatusCompleted)
	}

	files, err := ledger.GetFilesByStatus(models.FileStatusCompleted)
	if err != nil {
		t.Fatalf("GetFilesByStatus: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 completed file, got %d", len(files))
	}
	if files[0].ImmichUploaded {
		t.Error("immich flag set with the destination disabled")
	}
	if !files[0].ShareUploaded {
		t.Error("share flag not set")
	}
}

func TestEngineNoReachableDestinationFailsSession(t *testing.T) {
	ledger := newTestLedger(t)
	assets := newFakeAssets()
	assets.reachable.Store(false)
	engine := newTestEngine(t, ledger, assets, nil)

	dir := t.TempDir()
	writeTestFile(t, dir, "IMG_0001.jpg", 2000)

	session := runSession(t, engine, dir)

	if session.Status != models.SessionStatusFailed {
		t.Fatalf("session status = %s, want %s", session.Status, models.SessionStatusFailed)
	}
	if session.ErrorMessage == "" {
		t.Error("failed session has no error message")
	}
	if assets.attempts.Load() != 0 {
		t.Error("uploads attempted despite unreachable destination")
	}
}

func TestEngineEmptyVolumeCompletes(t *testing.T) {
	ledger := newTestLedger(t)
	engine := newTestEngine(t, ledger, newFakeAssets(), nil)

	session := runSession(t, engine, t.TempDir())

	if session.Status != models.SessionStatusCompleted {
		t.Fatalf("session status = %s, want %s", session.Status, models.SessionStatusCompleted)
	}
	if session.TotalFiles != 0 {
		t.Errorf("total_files = %d, want 0", session.TotalFiles)
	}
}

func TestEngineRejectsConcurrentSessions(t *testing.T) {
	ledger := newTestLedger(t)
	assets := newFakeAssets()
	assets.delay = 50 * time.Millisecond
	engine := newTestEngine(t, ledger, assets, nil)

	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		writeTestFile(t, dir, "IMG_000"+string(rune('0'+i))+".jpg", 2000)
	}

	sessionID, err := engine.StartBackup(context.Background(), Volume{DeviceName: "card", MountPoint: dir})
	if err != nil {
		t.Fatalf("StartBackup: %v", err)
	}
	_, err = engine.StartBackup(context.Background(), Volume{DeviceName: "card2", MountPoint: dir})
	if !errors.Is(err, ErrBackupInProgress) {
		t.Fatalf("second StartBackup error = %v, want ErrBackupInProgress", err)
	}
	engine.Wait()

	session, err := ledger.GetSession(sessionID)
	if err != nil || session == nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !models.SessionStatusTerminal(session.Status) {
		t.Errorf("session not terminal: %s", session.Status)
	}

	// A new session is allowed once the first finished
	if _, err := engine.StartBackup(context.Background(), Volume{DeviceName: "card", MountPoint: t.TempDir()}); err != nil {
		t.Fatalf("StartBackup after finish: %v", err)
	}
	engine.Wait()
}

func TestTriggerPathRejectsBadPaths(t *testing.T) {
	ledger := newTestLedger(t)
	engine := newTestEngine(t, ledger, newFakeAssets(), nil)

	if _, err := engine.TriggerPath(context.Background(), "/does/not/exist"); err == nil {
		t.Error("expected error for missing path")
	}

	file := writeTestFile(t, t.TempDir(), "IMG.jpg", 2000)
	if _, err := engine.TriggerPath(context.Background(), file); err == nil {
		t.Error("expected error for non-directory path")
	}
}
