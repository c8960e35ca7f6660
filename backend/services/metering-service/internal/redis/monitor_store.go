package redisstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	monitorPrefix = "metering:active:"
	scanBatch     = 100
)

// MonitorStore records which accounts are being metered so a restarted process can
// resume them.
type MonitorStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewMonitorStore returns a redis-backed monitor registry. Entries expire after ttl.
func NewMonitorStore(client *redis.Client, ttl time.Duration) *MonitorStore {
	return &MonitorStore{client: client, ttl: ttl}
}

func (s *MonitorStore) key(accountID string) string {
	return monitorPrefix + accountID
}

// Save marks accountID as monitored.
func (s *MonitorStore) Save(ctx context.Context, accountID string) error {
	return s.client.Set(ctx, s.key(accountID), time.Now().UTC().Format(time.RFC3339), s.ttl).Err()
}

// Delete forgets accountID.
func (s *MonitorStore) Delete(ctx context.Context, accountID string) error {
	return s.client.Del(ctx, s.key(accountID)).Err()
}

// List returns every monitored account id.
func (s *MonitorStore) List(ctx context.Context) ([]string, error) {
	var (
		ids    []string
		cursor uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, monitorPrefix+"*", scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: scan monitors: %w", err)
		}
		for _, k := range keys {
			ids = append(ids, strings.TrimPrefix(k, monitorPrefix))
		}
		if next == 0 {
			return ids, nil
		}
		cursor = next
	}
}
