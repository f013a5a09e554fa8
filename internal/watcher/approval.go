package watcher

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/snapvault/backend/internal/backup"
)

// Approval is a held insertion waiting for an operator decision.
type Approval struct {
	ID        string        `json:"id"`
	Volume    backup.Volume `json:"volume"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// ApprovalGate holds detected insertions until an operator approves them.
// Entries expire after the configured TTL; expired entries are pruned lazily
// on every access rather than by a background goroutine.
type ApprovalGate struct {
	mu      sync.Mutex
	ttl     time.Duration
	pending map[string]Approval
}

func NewApprovalGate(ttl time.Duration) *ApprovalGate {
	return &ApprovalGate{
		ttl:     ttl,
		pending: make(map[string]Approval),
	}
}

// Submit registers a volume for approval and returns the approval ID.
func (g *ApprovalGate) Submit(vol backup.Volume) Approval {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked()

	now := time.Now()
	a := Approval{
		ID:        uuid.New().String(),
		Volume:    vol,
		CreatedAt: now,
		ExpiresAt: now.Add(g.ttl),
	}
	g.pending[a.ID] = a
	return a
}

// Approve removes and returns the pending entry.
func (g *ApprovalGate) Approve(id string) (Approval, error) {
	return g.take(id)
}

// Reject discards the pending entry.
func (g *ApprovalGate) Reject(id string) error {
	_, err := g.take(id)
	return err
}

// Pending lists the live entries.
func (g *ApprovalGate) Pending() []Approval {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked()

	out := make([]Approval, 0, len(g.pending))
	for _, a := range g.pending {
		out = append(out, a)
	}
	return out
}

func (g *ApprovalGate) take(id string) (Approval, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked()

	a, ok := g.pending[id]
	if !ok {
		return Approval{}, fmt.Errorf("no pending approval %s", id)
	}
	delete(g.pending, id)
	return a, nil
}

func (g *ApprovalGate) pruneLocked() {
	now := time.Now()
	for id, a := range g.pending {
		if now.After(a.ExpiresAt) {
			delete(g.pending, id)
		}
	}
}
