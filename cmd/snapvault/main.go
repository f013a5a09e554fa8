package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/snapvault/backend/internal/backup"
	"github.com/snapvault/backend/internal/config"
	"github.com/snapvault/backend/internal/database"
	"github.com/snapvault/backend/internal/handlers"
	"github.com/snapvault/backend/internal/hasher"
	"github.com/snapvault/backend/internal/immich"
	"github.com/snapvault/backend/internal/middleware"
	"github.com/snapvault/backend/internal/models"
	"github.com/snapvault/backend/internal/mqtt"
	"github.com/snapvault/backend/internal/share"
	"github.com/snapvault/backend/internal/watcher"
)

func main() {
	// Load configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Connect to database
	if err := database.Connect(cfg); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	// Run migrations
	if err := models.AutoMigrate(database.DB); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	ledger := database.NewLedger(database.DB)

	h, err := hasher.New(cfg.Hash.Algorithm, cfg.Hash.Workers)
	if err != nil {
		log.Fatalf("Failed to initialize hasher: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Destinations: nil means disabled, the engine skips them
	var assets backup.AssetUploader
	if cfg.Immich.Enabled {
		client := immich.New(cfg.Immich.URL, cfg.Immich.APIKey, cfg.Immich.Timeout)
		if !client.CheckReachable(ctx) {
			log.Printf("Warning: Immich server %s not reachable at startup", cfg.Immich.URL)
		}
		assets = client
	}

	var fileShare backup.FileShareUploader
	if cfg.Share.Enabled {
		uploader, err := share.New(cfg.Share)
		if err != nil {
			log.Fatalf("Failed to initialize share uploader: %v", err)
		}
		if !uploader.CheckReachable(ctx) {
			log.Printf("Warning: file share (%s) not reachable at startup", cfg.Share.Protocol)
		}
		fileShare = uploader
	}

	// Status publisher
	var publisher backup.StatusPublisher = backup.NopPublisher{}
	var mqttPublisher *mqtt.Publisher
	if cfg.MQTT.Enabled {
		mqttPublisher, err = mqtt.New(cfg.MQTT)
		if err != nil {
			log.Printf("Warning: MQTT disabled, broker connection failed: %v", err)
		} else {
			defer mqttPublisher.Close()
			publisher = mqttPublisher
		}
	}

	scanner := backup.NewScanner(cfg.Files, ledger, h, publisher)
	engine := backup.NewEngine(cfg.Backup, ledger, scanner, assets, fileShare, publisher)
	publisher.PublishStatus("idle")

	gate := watcher.NewApprovalGate(cfg.Backup.ApprovalTTL)

	// Volume watcher
	if len(cfg.Watch.MountPoints) > 0 {
		events := make(chan watcher.Event, 4)
		pw := watcher.NewPollWatcher(cfg.Watch.MountPoints, cfg.Watch.PollInterval)
		go pw.Watch(ctx, events)
		go handleEvents(ctx, events, engine, gate, cfg, publisher)
		log.Printf("Watching %d mount points for insertions", len(cfg.Watch.MountPoints))
	} else {
		log.Println("No mount points configured, backups start via the API only")
	}

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "SnapVault API v1.0",
		ServerHeader: "SnapVault",
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"success": false,
				"message": err.Error(),
			})
		},
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(compress.New())
	app.Use(middleware.Logger())
	app.Use(middleware.CORS())

	backupHandler := handlers.NewBackupHandler(ctx, engine, ledger, gate, cfg)

	app.Get("/health", backupHandler.Health)

	api := app.Group("/api")
	api.Get("/status", backupHandler.Status)
	api.Get("/sessions", backupHandler.Sessions)
	api.Get("/session/:id", backupHandler.Session)
	api.Get("/stats", backupHandler.Stats)
	api.Get("/files/failed", backupHandler.FailedFiles)
	api.Post("/files/failed/retry", backupHandler.RetryFailed)
	api.Post("/files/:id/retry", backupHandler.RetryFile)
	api.Post("/backup/trigger", backupHandler.Trigger)
	api.Get("/approvals", backupHandler.Approvals)
	api.Post("/approvals/:id/approve", backupHandler.Approve)
	api.Post("/approvals/:id/reject", backupHandler.Reject)
	api.Post("/database/reset", backupHandler.ResetDatabase)

	// Graceful shutdown: stop accepting requests, then wait for the running
	// session so every dequeued file reaches a terminal state
	go func() {
		<-ctx.Done()
		log.Println("Shutting down server...")
		app.Shutdown()
		engine.Wait()
	}()

	addr := fmt.Sprintf(":%d", cfg.APIPort)
	log.Printf("Starting SnapVault API server on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// handleEvents drives the insertion pipeline: approved (or auto-approved)
// insertions start a backup, removals are logged and left to the scanner's
// own fail-soft handling.
func handleEvents(ctx context.Context, events <-chan watcher.Event, engine *backup.Engine, gate *watcher.ApprovalGate, cfg *config.Config, publisher backup.StatusPublisher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			switch ev.Type {
			case watcher.EventInserted:
				if cfg.Backup.RequireApproval {
					a := gate.Submit(ev.Volume)
					log.Printf("Insertion at %s held for approval %s (expires %s)",
						ev.Volume.MountPoint, a.ID, a.ExpiresAt.Format("15:04:05"))
					publisher.PublishStatus("awaiting_approval")
					continue
				}
				if _, err := engine.StartBackup(ctx, ev.Volume); err != nil {
					if errors.Is(err, backup.ErrBackupInProgress) {
						log.Printf("Ignoring insertion at %s, a backup is already running", ev.Volume.MountPoint)
						continue
					}
					log.Printf("Failed to start backup for %s: %v", ev.Volume.MountPoint, err)
					publisher.PublishError(err.Error())
				}
			case watcher.EventRemoved:
				log.Printf("Volume removed from %s", ev.Volume.MountPoint)
			}
		}
	}
}
