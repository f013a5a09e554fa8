package watcher

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/snapvault/backend/internal/backup"
)

// EventType distinguishes insertions from removals.
type EventType string

const (
	EventInserted EventType = "inserted"
	EventRemoved  EventType = "removed"
)

// Event is emitted when a watched mount point appears or disappears.
type Event struct {
	Type   EventType
	Volume backup.Volume
}

// PollWatcher watches a fixed set of candidate mount points by polling for
// their existence. It is deliberately filesystem-only: it needs no platform
// specific device APIs, so the same binary runs on any host that automounts
// cards under predictable paths.
type PollWatcher struct {
	mountPoints []string
	interval    time.Duration
	present     map[string]bool
}

func NewPollWatcher(mountPoints []string, interval time.Duration) *PollWatcher {
	return &PollWatcher{
		mountPoints: mountPoints,
		interval:    interval,
		present:     make(map[string]bool, len(mountPoints)),
	}
}

// Watch polls until the context is cancelled, sending an event for every
// mount point transition. The initial poll seeds state silently so a card
// already inserted at startup does not trigger a backup on its own.
func (w *PollWatcher) Watch(ctx context.Context, events chan<- Event) {
	for _, mp := range w.mountPoints {
		w.present[mp] = mountPresent(mp)
		if w.present[mp] {
			log.Printf("Watcher: %s already mounted at startup", mp)
		}
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, mp := range w.mountPoints {
			now := mountPresent(mp)
			was := w.present[mp]
			if now == was {
				continue
			}
			w.present[mp] = now

			if now {
				log.Printf("Watcher: volume inserted at %s", mp)
				ev := Event{Type: EventInserted, Volume: volumeFor(mp)}
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			} else {
				log.Printf("Watcher: volume removed from %s", mp)
				ev := Event{Type: EventRemoved, Volume: backup.Volume{
					DeviceName: filepath.Base(mp),
					MountPoint: mp,
				}}
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// mountPresent treats a non-empty directory as a mounted volume. A bare mount
// point directory with nothing in it is what an unmounted card looks like on
// most automount setups.
func mountPresent(mp string) bool {
	entries, err := os.ReadDir(mp)
	return err == nil && len(entries) > 0
}

func volumeFor(mp string) backup.Volume {
	vol := backup.Volume{
		DeviceName: filepath.Base(mp),
		MountPoint: mp,
		Label:      filepath.Base(mp),
	}
	if size, err := treeSize(mp); err == nil {
		vol.SizeBytes = size
	}
	return vol
}

// treeSize sums file sizes one level deep; enough for the event payload
// without walking a full card twice.
func treeSize(mp string) (int64, error) {
	entries, err := os.ReadDir(mp)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		if info, err := e.Info(); err == nil && info.Mode().IsRegular() {
			total += info.Size()
		}
	}
	return total, nil
}
