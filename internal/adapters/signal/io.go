package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dkeye/voicecall/internal/core"
	"github.com/dkeye/voicecall/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Str("conn", c.id).Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("conn", c.id).Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Str("conn", c.id).Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, user domain.UserID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("user", string(user)).Str("conn", c.id).Msg("readPump closing")
		cancel()
		c.Close()
		ctl.Orch.Disconnect(user, c.id)
		if ctl.opts.Limiter != nil && !ctl.Orch.Registry.Online(user) {
			ctl.opts.Limiter.Forget(user)
		}
	}()

	pongWait := ctl.opts.PingPeriod * 10 / 9
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warn().Err(err).Str("module", "signal").Str("user", string(user)).Msg("readPump read error")
				}
				return
			}
			_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
			ctl.handleFrame(user, c, data)
		}
	}
}

func (ctl *SignalWSController) handleFrame(user domain.UserID, c *WsSignalConn, data []byte) {
	var f domain.HubFrame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendError(c, "bad_json")
		return
	}

	switch f.Type {
	case domain.FrameSignal:
		ctl.handleRelay(user, c, f.Signal)
	case domain.FramePing:
		ctl.handlePing(c)
	case domain.FrameWhoAmI:
		ctl.handleWhoAmI(user, c)
	default:
		log.Warn().Str("module", "signal").Str("type", f.Type).Msg("unknown frame")
		ctl.sendError(c, "unknown_type")
	}
}

func (ctl *SignalWSController) handleRelay(user domain.UserID, c *WsSignalConn, msg *domain.Message) {
	if msg == nil {
		ctl.sendError(c, "missing_signal")
		return
	}
	if l := ctl.opts.Limiter; l != nil && !l.Allow(user) {
		log.Warn().Str("module", "signal").Str("user", string(user)).Msg("rate limited")
		ctl.sendError(c, "rate_limited")
		return
	}
	if err := ctl.Orch.Route(user, *msg); err != nil {
		log.Warn().Err(err).
			Str("module", "signal").
			Str("user", string(user)).
			Str("call_id", string(msg.CallID)).
			Str("type", string(msg.Type)).
			Msg("signal rejected")
		ctl.sendError(c, err.Error())
	}
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(core.Frame(b)); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("conn", c.id).Msg("sendJSON")
	}
}
