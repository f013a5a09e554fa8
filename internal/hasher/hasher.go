package hasher

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
)

// chunkSize keeps memory bounded regardless of file size.
const chunkSize = 1 << 20

// maxWorkers caps concurrent hashing so the CPU-bound step does not saturate
// random I/O on removable media.
const maxWorkers = 4

// Hasher streams files through a digest. A small semaphore bounds how many
// files hash at once, letting hashing overlap with the scanner's directory
// walk without monopolizing the card.
type Hasher struct {
	algorithm string
	slots     chan struct{}
}

// New creates a Hasher for the given algorithm (xxh64, sha256 or md5) with
// the given number of concurrent workers, clamped to 1-4.
func New(algorithm string, workers int) (*Hasher, error) {
	switch algorithm {
	case "xxh64", "sha256", "md5":
	default:
		return nil, fmt.Errorf("unknown hash algorithm %q", algorithm)
	}
	if workers < 1 {
		workers = 1
	}
	if workers > maxWorkers {
		workers = maxWorkers
	}
	return &Hasher{
		algorithm: algorithm,
		slots:     make(chan struct{}, workers),
	}, nil
}

// Hash returns the hex digest of the file at path. It blocks until a worker
// slot is free, so callers naturally queue behind the CPU pool; cancellation
// is honored while waiting.
func (h *Hasher) Hash(ctx context.Context, path string) (string, error) {
	select {
	case h.slots <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-h.slots }()

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	digest := h.newDigest()
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(digest, f, buf); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}

func (h *Hasher) newDigest() hash.Hash {
	switch h.algorithm {
	case "sha256":
		return sha256.New()
	case "md5":
		return md5.New()
	default:
		return xxhash.New()
	}
}
