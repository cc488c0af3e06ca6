package store

import (
	"context"
	"sync"

	"github.com/umar/chat-receipts/internal/models"
)

// MemoryPresence keeps presence flags in process. Entries never expire.
type MemoryPresence struct {
	mu    sync.RWMutex
	flags map[string]models.Presence
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{flags: make(map[string]models.Presence)}
}

func (p *MemoryPresence) SetOnline(ctx context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flags[userID] = models.Presence{Online: true, Active: true}
	return nil
}

func (p *MemoryPresence) SetOffline(ctx context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.flags, userID)
	return nil
}

func (p *MemoryPresence) SetActive(ctx context.Context, userID string, active bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	f := p.flags[userID]
	f.Active = active
	p.flags[userID] = f
	return nil
}

func (p *MemoryPresence) Refresh(ctx context.Context, userID string) error {
	return nil
}

func (p *MemoryPresence) Snapshot(ctx context.Context, userIDs []string) (map[string]models.Presence, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	snap := make(map[string]models.Presence, len(userIDs))
	for _, id := range userIDs {
		snap[id] = p.flags[id]
	}
	return snap, nil
}

func (p *MemoryPresence) OnlineCount(ctx context.Context) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, f := range p.flags {
		if f.Online {
			n++
		}
	}
	return n, nil
}
