package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	redisStreamPrefix = "voicecall:signals:"
	redisField        = "msg"
	redisBlock        = 5 * time.Second
)

type RedisConfig struct {
	Addr string
	// MaxLen caps each receiver stream, approximately. Zero keeps everything.
	MaxLen int64
	// Replay is how far back a new subscription starts reading.
	Replay time.Duration
}

// Redis keeps one stream per receiver. Send is XADD; Subscribe tails the
// stream.
type Redis struct {
	rdb    *redis.Client
	maxLen int64
	replay time.Duration
	logger zerolog.Logger
}

var _ core.SignalTransport = (*Redis)(nil)

// OpenRedis connects and validates the server with PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  redisBlock + 2*time.Second,
		WriteTimeout: 2 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedis(rdb, cfg.MaxLen).WithReplay(cfg.Replay), nil
}

func NewRedis(rdb *redis.Client, maxLen int64) *Redis {
	return &Redis{
		rdb:    rdb,
		maxLen: maxLen,
		logger: log.With().Str("module", "relay.redis").Logger(),
	}
}

// WithReplay makes new subscriptions start d before now instead of at the
// stream tail.
func (r *Redis) WithReplay(d time.Duration) *Redis {
	r.replay = d
	return r
}

func streamKey(user domain.UserID) string { return redisStreamPrefix + string(user) }

func (r *Redis) Send(ctx context.Context, msg domain.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: streamKey(msg.ReceiverID),
		Values: map[string]any{redisField: raw},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	if err := r.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", args.Stream, err)
	}
	return nil
}

// Subscribe reads user's stream from the start position onward. Without a
// replay window that is the current tail, so rows sent before the call are
// not seen; the memory and ws relays keep such rows for a late subscriber.
// With a window, rows added within it are delivered first. Entry ids carry
// the server's clock, so the window is only as exact as the clocks agree.
func (r *Redis) Subscribe(ctx context.Context, user domain.UserID) (<-chan domain.Message, error) {
	key := streamKey(user)
	last, err := r.startID(ctx, key)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.Message, 64)
	go func() {
		defer close(out)
		logger := r.logger.With().Str("stream", key).Logger()
		for {
			streams, err := r.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, last},
				Block:   redisBlock,
				Count:   100,
			}).Result()
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				logger.Warn().Err(err).Msg("xread")
				select {
				case <-time.After(time.Second):
					continue
				case <-ctx.Done():
					return
				}
			}
			for _, s := range streams {
				for _, entry := range s.Messages {
					last = entry.ID
					msg, err := decodeEntry(entry)
					if err != nil {
						logger.Warn().Err(err).Str("entry", entry.ID).Msg("skip malformed entry")
						continue
					}
					select {
					case out <- msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

func (r *Redis) startID(ctx context.Context, key string) (string, error) {
	if r.replay > 0 {
		return replayStartID(time.Now(), r.replay), nil
	}
	tail, err := r.rdb.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("read stream tail %s: %w", key, err)
	}
	if len(tail) > 0 {
		return tail[0].ID, nil
	}
	return "0-0", nil
}

// replayStartID is a stream id just before now-window. XREAD returns the
// entries after it.
func replayStartID(now time.Time, window time.Duration) string {
	ms := now.Add(-window).UnixMilli()
	if ms <= 0 {
		return "0-0"
	}
	return fmt.Sprintf("%d-0", ms-1)
}

func decodeEntry(entry redis.XMessage) (domain.Message, error) {
	var msg domain.Message
	raw, ok := entry.Values[redisField].(string)
	if !ok {
		return msg, fmt.Errorf("entry has no %q field", redisField)
	}
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return msg, err
	}
	return msg, nil
}

func (r *Redis) Close() error { return r.rdb.Close() }
