package recorder

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/kimhsiao/scanqueue/internal/models"
	syncpkg "github.com/kimhsiao/scanqueue/internal/sync"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ syncpkg.Recorder = (*RedisRecorder)(nil)

func TestRedisRecorder_Record(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewRedisClient(mr.Addr(), "", 0)
	defer client.Close()

	rec := NewRedisRecorder(client, "", clockwork.NewFakeClockAt(now))
	meta := &models.ScanMetadata{BoxID: "box-1", OperatorID: "op-2"}

	require.NoError(t, rec.Record(context.Background(), "KMB-1", meta))
	require.NoError(t, rec.Record(context.Background(), "KMB-2", nil))

	items, err := mr.List(DefaultRedisList)
	require.NoError(t, err)
	require.Len(t, items, 2)

	var first Envelope
	require.NoError(t, json.Unmarshal([]byte(items[0]), &first))
	assert.Equal(t, "KMB-1", first.Payload)
	assert.Equal(t, meta, first.Metadata)
	assert.True(t, first.RecordedAt.Equal(now))

	var second Envelope
	require.NoError(t, json.Unmarshal([]byte(items[1]), &second))
	assert.Equal(t, "KMB-2", second.Payload)
	assert.Nil(t, second.Metadata)
}

func TestRedisRecorder_Record_ServerDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()

	rec := NewRedisRecorder(client, "custom", nil)
	mr.Close()

	err := rec.Record(context.Background(), "KMB-1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "push to custom")
}

func TestRedisRecorder_Ping(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewRedisClient(mr.Addr(), "", 0)
	defer client.Close()
	rec := NewRedisRecorder(client, "", nil)

	require.NoError(t, rec.Ping(context.Background()))

	mr.Close()
	err := rec.Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping redis")
}

func TestNewRedisClient_DoesNotDial(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	client := NewRedisClient(addr, "", 0)
	defer client.Close()
	assert.Equal(t, addr, client.Options().Addr)
}
