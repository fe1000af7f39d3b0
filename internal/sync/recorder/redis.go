package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/kimhsiao/scanqueue/internal/models"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisList is the list scans are pushed onto.
const DefaultRedisList = "scanqueue:collections"

// Envelope is the JSON document pushed for each scan.
type Envelope struct {
	Payload    string               `json:"payload"`
	Metadata   *models.ScanMetadata `json:"metadata,omitempty"`
	RecordedAt time.Time            `json:"recorded_at"`
}

// RedisRecorder hands scans to a server-side consumer through a Redis list.
type RedisRecorder struct {
	client *redis.Client
	list   string
	clock  clockwork.Clock
}

// NewRedisClient creates a client for addr. The client dials lazily.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// NewRedisRecorder creates a RedisRecorder pushing onto list.
func NewRedisRecorder(client *redis.Client, list string, clock clockwork.Clock) *RedisRecorder {
	if list == "" {
		list = DefaultRedisList
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RedisRecorder{client: client, list: list, clock: clock}
}

// Ping checks that the Redis server answers.
func (r *RedisRecorder) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Record appends the scan to the list.
func (r *RedisRecorder) Record(ctx context.Context, payload string, meta *models.ScanMetadata) error {
	data, err := json.Marshal(Envelope{
		Payload:    payload,
		Metadata:   meta,
		RecordedAt: r.clock.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	if err := r.client.RPush(ctx, r.list, data).Err(); err != nil {
		return fmt.Errorf("push to %s: %w", r.list, err)
	}
	return nil
}
