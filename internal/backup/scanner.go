package backup

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"path/filepath"
	"strings"

	"github.com/snapvault/backend/internal/config"
	"github.com/snapvault/backend/internal/database"
	"github.com/snapvault/backend/internal/hasher"
	"github.com/snapvault/backend/internal/models"
)

// How often the scanner reports progress and flushes discovered totals to the
// session row. Not every file: ledger writes during a 30k-file scan add up.
const (
	scanProgressEvery = 25
	scanTotalsEvery   = 10
)

// Scanner walks a mounted volume, filters files by extension and size, hashes
// the survivors and enqueues anything not already backed up. It is the single
// producer for the work queue.
type Scanner struct {
	files     config.FilesConfig
	ledger    *database.Ledger
	hasher    *hasher.Hasher
	publisher StatusPublisher

	extensions map[string]struct{}

	// onDiscovered is invoked for every enqueued item, before the queue push.
	onDiscovered func(FileWork)
}

func NewScanner(files config.FilesConfig, ledger *database.Ledger, h *hasher.Hasher, publisher StatusPublisher) *Scanner {
	exts := make(map[string]struct{}, len(files.Extensions))
	for _, e := range files.Extensions {
		exts[strings.ToLower(e)] = struct{}{}
	}
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &Scanner{
		files:      files,
		ledger:     ledger,
		hasher:     h,
		publisher:  publisher,
		extensions: exts,
	}
}

// Scan traverses the volume once and pushes qualifying files onto out. The
// push blocks when the queue is full, which is what bounds memory use to a
// handful of buffered items no matter how large the card is. Scan returns the
// number of files and bytes it enqueued.
//
// When at least one file was discovered, Scan moves the session from scanning
// to backing_up before returning; it does not wait for uploads.
func (s *Scanner) Scan(ctx context.Context, vol Volume, sessionID string, out chan<- FileWork) (int64, int64, error) {
	log.Printf("Scanner: scanning %s for files", vol.MountPoint)

	// Bulk (name, size) pre-filter so unchanged cards skip the hash step.
	known, err := s.ledger.ExistingFileMetadata(vol.DeviceName)
	if err != nil {
		return 0, 0, err
	}

	var (
		scanned         int64
		discovered      int64
		discoveredBytes int64
		pendingFiles    int64
		pendingBytes    int64
	)

	flushTotals := func() {
		if pendingFiles == 0 {
			return
		}
		if err := s.ledger.AddSessionTotals(sessionID, pendingFiles, pendingBytes); err != nil {
			log.Printf("Scanner: failed to update session totals: %v", err)
		}
		pendingFiles, pendingBytes = 0, 0
	}

	walkErr := filepath.WalkDir(vol.MountPoint, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			// Device pulled mid-walk: stop quietly, the orchestrator keeps
			// running with whatever was queued so far.
			if errors.Is(err, fs.ErrNotExist) {
				log.Printf("Scanner: %s disappeared during scan, stopping walk", path)
				return filepath.SkipAll
			}
			log.Printf("Scanner: skipping %s: %v", path, err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		scanned++
		if scanned%scanProgressEvery == 0 {
			s.publisher.PublishProgress(Progress{
				SessionID:    sessionID,
				Stage:        models.SessionStatusScanning,
				ScannedFiles: scanned,
				TotalFiles:   discovered,
				TotalBytes:   discoveredBytes,
				CurrentFile:  d.Name(),
			})
		}

		if !s.wantExtension(d.Name()) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			log.Printf("Scanner: failed to stat %s: %v", path, err)
			return nil
		}
		if !info.Mode().IsRegular() || info.Size() < s.files.MinSize {
			return nil
		}

		// Advisory pre-filter: same name and size as a completed backup means
		// almost certainly the same file. True duplicates are still confirmed
		// by hash below.
		if _, ok := known[database.FileKey{Name: d.Name(), Size: info.Size()}]; ok {
			return nil
		}

		hash, err := s.hasher.Hash(ctx, path)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("Scanner: failed to hash %s: %v", path, err)
			return nil
		}

		exists, err := s.ledger.FileExists(hash, vol.DeviceName)
		if err != nil {
			log.Printf("Scanner: dedup lookup failed for %s: %v", d.Name(), err)
			return nil
		}
		if exists {
			return nil
		}

		mtime := info.ModTime()
		work := FileWork{
			Path:         path,
			Name:         d.Name(),
			Size:         info.Size(),
			ContentHash:  hash,
			SourceDevice: vol.DeviceName,
			BackupDate:   mtime.Format("2006/01/02"),
			CreatedAt:    mtime,
		}

		if s.onDiscovered != nil {
			s.onDiscovered(work)
		}

		select {
		case out <- work:
		case <-ctx.Done():
			return ctx.Err()
		}

		discovered++
		discoveredBytes += work.Size
		pendingFiles++
		pendingBytes += work.Size
		if pendingFiles >= scanTotalsEvery {
			flushTotals()
		}
		return nil
	})

	flushTotals()

	if walkErr != nil && !errors.Is(walkErr, context.Canceled) {
		log.Printf("Scanner: walk of %s ended early: %v", vol.MountPoint, walkErr)
	}

	log.Printf("Scanner: finished %s, %d scanned, %d queued (%d bytes)",
		vol.MountPoint, scanned, discovered, discoveredBytes)

	if discovered > 0 {
		if err := s.ledger.UpdateSession(sessionID, map[string]interface{}{
			"status": models.SessionStatusBackingUp,
		}); err != nil {
			return discovered, discoveredBytes, err
		}
	}

	if walkErr != nil && errors.Is(walkErr, context.Canceled) {
		return discovered, discoveredBytes, walkErr
	}
	return discovered, discoveredBytes, nil
}

func (s *Scanner) wantExtension(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return false
	}
	_, ok := s.extensions[ext]
	return ok
}
