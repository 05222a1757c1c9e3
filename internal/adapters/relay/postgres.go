package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const pgChannel = "call_signals"

// pgSchema creates the signaling table and the trigger that announces each
// insert on pgChannel.
const pgSchema = `
CREATE TABLE IF NOT EXISTS call_signals (
	id          BIGSERIAL PRIMARY KEY,
	call_id     TEXT        NOT NULL,
	sender_id   TEXT        NOT NULL,
	receiver_id TEXT        NOT NULL,
	signal_type TEXT        NOT NULL,
	call_data   JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS call_signals_receiver_idx ON call_signals (receiver_id, id);

CREATE OR REPLACE FUNCTION notify_call_signal() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('call_signals', json_build_object('id', NEW.id, 'receiver_id', NEW.receiver_id)::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS call_signals_notify ON call_signals;
CREATE TRIGGER call_signals_notify AFTER INSERT ON call_signals
	FOR EACH ROW EXECUTE FUNCTION notify_call_signal();
`

// pgPoll bounds how long a missed notification can delay delivery.
const pgPoll = 10 * time.Second

// Postgres is the row-insert relay: Send inserts into call_signals and
// Subscribe follows inserts addressed to one user through LISTEN/NOTIFY.
type Postgres struct {
	pool   *pgxpool.Pool
	replay time.Duration
	logger zerolog.Logger
}

var _ core.SignalTransport = (*Postgres)(nil)

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool, logger: log.With().Str("module", "relay.postgres").Logger()}
}

// WithReplay makes new subscriptions deliver rows inserted within d before
// they started.
func (p *Postgres) WithReplay(d time.Duration) *Postgres {
	p.replay = d
	return p
}

// Migrate creates the table and notify trigger if they are missing.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("migrate call_signals: %w", err)
	}
	return nil
}

func (p *Postgres) Send(ctx context.Context, msg domain.Message) error {
	var data []byte
	if len(msg.Data) > 0 {
		data = msg.Data
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO call_signals (call_id, sender_id, receiver_id, signal_type, call_data) VALUES ($1, $2, $3, $4, $5)`,
		string(msg.CallID), string(msg.SenderID), string(msg.ReceiverID), string(msg.Type), data)
	if err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

type pgNotice struct {
	ID         int64  `json:"id"`
	ReceiverID string `json:"receiver_id"`
}

// Subscribe follows rows addressed to user. Without a replay window it starts
// at the newest existing row, so rows sent before the call are not seen; the
// memory and ws relays keep such rows for a late subscriber. With a window,
// rows inserted within it are delivered first.
func (p *Postgres) Subscribe(ctx context.Context, user domain.UserID) (<-chan domain.Message, error) {
	pc, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen conn: %w", err)
	}
	conn := pc.Hijack()
	if _, err := conn.Exec(ctx, "LISTEN "+pgChannel); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("listen %s: %w", pgChannel, err)
	}

	var last int64
	err = conn.QueryRow(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM call_signals
		  WHERE receiver_id = $1 AND created_at < now() - make_interval(secs => $2)`,
		string(user), p.replay.Seconds()).Scan(&last)
	if err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("read signal high-water mark: %w", err)
	}

	out := make(chan domain.Message, 64)
	logger := p.logger.With().Str("user", string(user)).Logger()
	go func() {
		defer close(out)
		defer conn.Close(context.Background())
		// Rows inside the window were never announced on this connection.
		var err error
		if last, err = p.fetch(ctx, conn, user, last, out); err != nil {
			if ctx.Err() == nil {
				logger.Error().Err(err).Msg("fetch signals")
			}
			return
		}
		for {
			waitCtx, cancel := context.WithTimeout(ctx, pgPoll)
			n, err := conn.WaitForNotification(waitCtx)
			cancel()
			if ctx.Err() != nil {
				return
			}
			if err != nil && !errors.Is(err, context.DeadlineExceeded) {
				logger.Error().Err(err).Msg("wait for notification")
				return
			}
			if n != nil {
				var notice pgNotice
				if err := json.Unmarshal([]byte(n.Payload), &notice); err != nil {
					logger.Warn().Err(err).Str("payload", n.Payload).Msg("bad notification payload")
				} else if notice.ReceiverID != string(user) || notice.ID <= last {
					continue
				}
			}
			last, err = p.fetch(ctx, conn, user, last, out)
			if err != nil {
				if ctx.Err() == nil {
					logger.Error().Err(err).Msg("fetch signals")
				}
				return
			}
		}
	}()
	return out, nil
}

// fetch forwards every row for user newer than after and returns the new mark.
func (p *Postgres) fetch(ctx context.Context, conn *pgx.Conn, user domain.UserID, after int64, out chan<- domain.Message) (int64, error) {
	rows, err := conn.Query(ctx,
		`SELECT id, call_id, sender_id, receiver_id, signal_type, call_data
		   FROM call_signals WHERE receiver_id = $1 AND id > $2 ORDER BY id`,
		string(user), after)
	if err != nil {
		return after, err
	}
	var batch []domain.Message
	for rows.Next() {
		var (
			id                       int64
			callID, sender, receiver string
			typ                      string
			data                     []byte
		)
		if err := rows.Scan(&id, &callID, &sender, &receiver, &typ, &data); err != nil {
			rows.Close()
			return after, err
		}
		after = id
		batch = append(batch, domain.Message{
			CallID:     domain.CallID(callID),
			SenderID:   domain.UserID(sender),
			ReceiverID: domain.UserID(receiver),
			Type:       domain.SignalType(typ),
			Data:       data,
		})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return after, err
	}
	for _, msg := range batch {
		select {
		case out <- msg:
		case <-ctx.Done():
			return after, ctx.Err()
		}
	}
	return after, nil
}
