package relay

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/dkeye/voicecall/internal/adapters/store"
	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseTransport checks what a subscriber may rely on from any relay:
// rows sent after Subscribe arrive in order and only for their receiver.
func exerciseTransport(t *testing.T, r core.SignalTransport) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	suffix := uuid.NewString()[:8]
	alice := domain.UserID("alice-" + suffix)
	bob := domain.UserID("bob-" + suffix)
	carol := domain.UserID("carol-" + suffix)

	in, err := r.Subscribe(ctx, bob)
	require.NoError(t, err)

	seq := []domain.SignalType{domain.SignalOffer, domain.SignalCandidate, domain.SignalEnd}
	for _, typ := range seq {
		require.NoError(t, r.Send(ctx, row(t, "c1", alice, bob, typ)))
	}
	require.NoError(t, r.Send(ctx, row(t, "c1", alice, carol, domain.SignalOffer)))

	got := receive(t, in, len(seq))
	assert.Equal(t, seq, types(got))
	for _, m := range got {
		assert.Equal(t, bob, m.ReceiverID)
		assert.Equal(t, alice, m.SenderID)
	}

	cancel()
	assert.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-in:
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, 10*time.Second, 10*time.Millisecond)
}

// exerciseReplay checks that rows sent shortly before Subscribe still reach
// the receiver, ahead of rows sent after it.
func exerciseReplay(t *testing.T, r core.SignalTransport) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	suffix := uuid.NewString()[:8]
	alice := domain.UserID("alice-" + suffix)
	bob := domain.UserID("bob-" + suffix)

	require.NoError(t, r.Send(ctx, row(t, "c1", alice, bob, domain.SignalOffer)))
	require.NoError(t, r.Send(ctx, row(t, "c1", alice, bob, domain.SignalCandidate)))
	in, err := r.Subscribe(ctx, bob)
	require.NoError(t, err)
	require.NoError(t, r.Send(ctx, row(t, "c1", alice, bob, domain.SignalEnd)))

	got := receive(t, in, 3)
	assert.Equal(t, []domain.SignalType{domain.SignalOffer, domain.SignalCandidate, domain.SignalEnd}, types(got))
}

func TestMemoryTransport(t *testing.T) {
	exerciseTransport(t, NewMemory())
}

func TestRedisTransport(t *testing.T) {
	addr := os.Getenv("VOICE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("VOICE_TEST_REDIS_ADDR not set")
	}
	r, err := OpenRedis(context.Background(), RedisConfig{Addr: addr, MaxLen: 100})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	exerciseTransport(t, r)
}

func TestMemoryReplaysEarlyRows(t *testing.T) {
	exerciseReplay(t, NewMemory())
}

func TestRedisReplaysEarlyRows(t *testing.T) {
	addr := os.Getenv("VOICE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("VOICE_TEST_REDIS_ADDR not set")
	}
	r, err := OpenRedis(context.Background(), RedisConfig{Addr: addr, MaxLen: 100, Replay: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	exerciseReplay(t, r)
}

func TestReplayStartID(t *testing.T) {
	now := time.UnixMilli(1_700_000_060_000)
	assert.Equal(t, "1700000029999-0", replayStartID(now, 30*time.Second))
	assert.Equal(t, "0-0", replayStartID(time.UnixMilli(10), time.Minute))
}

func TestOpenRedisNeedsAddr(t *testing.T) {
	_, err := OpenRedis(context.Background(), RedisConfig{})
	assert.Error(t, err)
}

func TestDecodeEntry(t *testing.T) {
	msg := row(t, "c1", "alice", "bob", domain.SignalEnd)
	raw := `{"call_id":"c1","sender_id":"alice","receiver_id":"bob","signal_type":"call-end","call_data":{"reason":"hangup"}}`

	got, err := decodeEntry(redis.XMessage{ID: "1-0", Values: map[string]any{redisField: raw}})
	require.NoError(t, err)
	assert.Equal(t, msg.CallID, got.CallID)
	assert.Equal(t, msg.Type, got.Type)
	assert.JSONEq(t, string(msg.Data), string(got.Data))

	_, err = decodeEntry(redis.XMessage{ID: "2-0", Values: map[string]any{"other": raw}})
	assert.Error(t, err)
	_, err = decodeEntry(redis.XMessage{ID: "3-0", Values: map[string]any{redisField: "{"}})
	assert.Error(t, err)
}

func TestPostgresTransport(t *testing.T) {
	dsn := os.Getenv("VOICE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOICE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := store.OpenPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	p := NewPostgres(pool)
	require.NoError(t, p.Migrate(ctx))
	exerciseTransport(t, p)
	exerciseReplay(t, NewPostgres(pool).WithReplay(time.Minute))
}
