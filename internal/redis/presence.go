package redisc

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/umar/chat-receipts/internal/models"
)

const (
	presenceTTL    = 120 * time.Second
	onlineUsersKey = "online_users"
)

func presenceKey(userID string) string {
	return "presence:" + userID
}

// Presence stores each user's flags in a hash that expires unless the
// connection keeps refreshing it, so a crashed server cannot leave users
// online forever.
type Presence struct {
	client *redis.Client
}

func NewPresence(client *redis.Client) *Presence {
	return &Presence{client: client}
}

func (p *Presence) SetOnline(ctx context.Context, userID string) error {
	pipe := p.client.TxPipeline()
	pipe.SAdd(ctx, onlineUsersKey, userID)
	pipe.HSet(ctx, presenceKey(userID), "online", "1", "active", "1")
	pipe.Expire(ctx, presenceKey(userID), presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set %s online: %w", userID, err)
	}
	return nil
}

func (p *Presence) SetOffline(ctx context.Context, userID string) error {
	pipe := p.client.TxPipeline()
	pipe.SRem(ctx, onlineUsersKey, userID)
	pipe.Del(ctx, presenceKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set %s offline: %w", userID, err)
	}
	return nil
}

func (p *Presence) SetActive(ctx context.Context, userID string, active bool) error {
	value := "0"
	if active {
		value = "1"
	}
	pipe := p.client.TxPipeline()
	pipe.HSet(ctx, presenceKey(userID), "active", value)
	pipe.Expire(ctx, presenceKey(userID), presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set %s active=%t: %w", userID, active, err)
	}
	return nil
}

func (p *Presence) Refresh(ctx context.Context, userID string) error {
	return p.client.Expire(ctx, presenceKey(userID), presenceTTL).Err()
}

func (p *Presence) Snapshot(ctx context.Context, userIDs []string) (map[string]models.Presence, error) {
	snap := make(map[string]models.Presence, len(userIDs))
	if len(userIDs) == 0 {
		return snap, nil
	}

	pipe := p.client.Pipeline()
	cmds := make([]*redis.SliceCmd, len(userIDs))
	for i, id := range userIDs {
		cmds[i] = pipe.HMGet(ctx, presenceKey(id), "online", "active")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read presence: %w", err)
	}

	for i, id := range userIDs {
		vals, err := cmds[i].Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read presence of %s: %w", id, err)
		}
		snap[id] = models.Presence{
			Online: vals[0] == "1",
			Active: vals[1] == "1",
		}
	}
	return snap, nil
}

// OnlineCount counts members of the online set. Users whose presence key
// expired without a logout stay counted until they log out or reconnect.
func (p *Presence) OnlineCount(ctx context.Context) (int, error) {
	n, err := p.client.SCard(ctx, onlineUsersKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count online users: %w", err)
	}
	return int(n), nil
}
