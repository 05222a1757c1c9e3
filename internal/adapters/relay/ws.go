package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	wsWriteWait   = 5 * time.Second
	wsMaxBackoff  = 10 * time.Second
	wsReadLimit   = 64 << 10
	UserIDHeader  = "X-User-ID"
	wsOutboxDepth = 64
)

// WS is a client of the relay hub. One websocket carries both directions for
// the local user and is redialed when it breaks.
type WS struct {
	url    string
	self   domain.UserID
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	// wmu serializes writers; gorilla allows one concurrent writer.
	wmu sync.Mutex
}

var _ core.SignalTransport = (*WS)(nil)

func NewWS(url string, self domain.UserID) *WS {
	return &WS{
		url:    url,
		self:   self,
		dialer: &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		logger: log.With().Str("module", "relay.ws").Str("user", string(self)).Logger(),
	}
}

func (w *WS) dial(ctx context.Context) (*websocket.Conn, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		return w.conn, nil
	}
	header := http.Header{}
	header.Set(UserIDHeader, string(w.self))
	conn, resp, err := w.dialer.DialContext(ctx, w.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial relay hub: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)
	w.conn = conn
	w.logger.Info().Str("url", w.url).Msg("connected to relay hub")
	return conn, nil
}

func (w *WS) drop(conn *websocket.Conn) {
	w.mu.Lock()
	if w.conn == conn {
		w.conn = nil
	}
	w.mu.Unlock()
	_ = conn.Close()
}

func (w *WS) write(ctx context.Context, f domain.HubFrame) error {
	conn, err := w.dial(ctx)
	if err != nil {
		return err
	}
	w.wmu.Lock()
	defer w.wmu.Unlock()
	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		w.drop(conn)
		return err
	}
	if err := conn.WriteJSON(f); err != nil {
		w.drop(conn)
		return fmt.Errorf("write %s frame: %w", f.Type, err)
	}
	return nil
}

func (w *WS) Send(ctx context.Context, msg domain.Message) error {
	if msg.SenderID != w.self {
		return fmt.Errorf("relay ws: cannot send as %q", msg.SenderID)
	}
	return w.write(ctx, domain.HubFrame{Type: domain.FrameSignal, Signal: &msg})
}

// Subscribe only accepts the user the client was created for; the hub
// decides what a connection receives.
func (w *WS) Subscribe(ctx context.Context, user domain.UserID) (<-chan domain.Message, error) {
	if user != w.self {
		return nil, fmt.Errorf("relay ws: client is bound to %q", w.self)
	}
	if _, err := w.dial(ctx); err != nil {
		return nil, err
	}
	out := make(chan domain.Message, wsOutboxDepth)
	go w.run(ctx, out)
	return out, nil
}

func (w *WS) run(ctx context.Context, out chan<- domain.Message) {
	defer close(out)
	backoff := 250 * time.Millisecond
	for {
		conn, err := w.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn().Err(err).Dur("backoff", backoff).Msg("redial relay hub")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = min(backoff*2, wsMaxBackoff)
			continue
		}
		backoff = 250 * time.Millisecond

		err = w.readLoop(ctx, conn, out)
		w.drop(conn)
		if ctx.Err() != nil {
			return
		}
		w.logger.Warn().Err(err).Msg("relay hub connection lost")
	}
}

func (w *WS) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- domain.Message) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var f domain.HubFrame
		if err := json.Unmarshal(data, &f); err != nil {
			w.logger.Warn().Err(err).Msg("bad hub frame")
			continue
		}
		switch f.Type {
		case domain.FrameSignal:
			if f.Signal == nil {
				continue
			}
			select {
			case out <- *f.Signal:
			case <-ctx.Done():
				return ctx.Err()
			}
		case domain.FrameError:
			w.logger.Warn().Str("error", f.Error).Msg("hub rejected frame")
		case domain.FramePong, domain.FrameWhoAmI:
		default:
			w.logger.Debug().Str("type", f.Type).Msg("ignored hub frame")
		}
	}
}

// Close drops the current connection. A running subscription redials until
// its context is done.
func (w *WS) Close() error {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()
	if conn == nil {
		return nil
	}
	w.wmu.Lock()
	defer w.wmu.Unlock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return conn.Close()
}
