package handlers

import (
	"context"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/snapvault/backend/internal/config"
	"github.com/snapvault/backend/internal/database"
	"github.com/snapvault/backend/internal/models"
	"github.com/snapvault/backend/internal/watcher"
)

func newTestApp(t *testing.T) (*fiber.App, *database.Ledger) {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	ledger := database.NewLedger(db)

	h := NewBackupHandler(context.Background(), nil, ledger, watcher.NewApprovalGate(time.Minute), config.Load())
	app := fiber.New()
	app.Post("/api/files/failed/retry", h.RetryFailed)
	app.Post("/api/files/:id/retry", h.RetryFile)
	return app, ledger
}

func addFileWithStatus(t *testing.T, ledger *database.Ledger, hash, status string) uint {
	t.Helper()
	id, err := ledger.AddFile(&models.FileRecord{
		FileName:     hash + ".jpg",
		FileSize:     1000,
		ContentHash:  hash,
		SourceDevice: "card",
		Status:       models.FileStatusNew,
	})
	if err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if err := ledger.UpdateFileStatus(id, status, nil); err != nil {
		t.Fatalf("UpdateFileStatus: %v", err)
	}
	return id
}

func TestRetryFile(t *testing.T) {
	app, ledger := newTestApp(t)
	id := addFileWithStatus(t, ledger, "h1", models.FileStatusFailed)

	resp, err := app.Test(httptest.NewRequest("POST", fmt.Sprintf("/api/files/%d/retry", id), nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	file, err := ledger.GetFile(id)
	if err != nil || file == nil {
		t.Fatalf("GetFile: %v", err)
	}
	if file.Status != models.FileStatusNew {
		t.Errorf("file status = %s, want %s", file.Status, models.FileStatusNew)
	}

	// Retrying a file that is not failed is rejected
	resp, err = app.Test(httptest.NewRequest("POST", fmt.Sprintf("/api/files/%d/retry", id), nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusConflict {
		t.Errorf("retry of non-failed file: status = %d, want 409", resp.StatusCode)
	}
}

func TestRetryFileNotFound(t *testing.T) {
	app, _ := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest("POST", "/api/files/9999/retry", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestRetryFailedResetsAll(t *testing.T) {
	app, ledger := newTestApp(t)
	addFileWithStatus(t, ledger, "h1", models.FileStatusFailed)
	addFileWithStatus(t, ledger, "h2", models.FileStatusFailed)
	completed := addFileWithStatus(t, ledger, "h3", models.FileStatusCompleted)

	resp, err := app.Test(httptest.NewRequest("POST", "/api/files/failed/retry", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	reset, err := ledger.GetFilesByStatus(models.FileStatusNew)
	if err != nil {
		t.Fatalf("GetFilesByStatus: %v", err)
	}
	if len(reset) != 2 {
		t.Errorf("reset %d files, want 2", len(reset))
	}

	file, err := ledger.GetFile(completed)
	if err != nil || file == nil {
		t.Fatalf("GetFile: %v", err)
	}
	if file.Status != models.FileStatusCompleted {
		t.Errorf("completed file touched by bulk retry: %s", file.Status)
	}
}
