package signal

import "github.com/dkeye/voicecall/internal/domain"

func (ctl *SignalWSController) handlePing(conn *WsSignalConn) {
	ctl.sendJSON(conn, domain.HubFrame{Type: domain.FramePong})
}

func (ctl *SignalWSController) sendError(conn *WsSignalConn, msg string) {
	ctl.sendJSON(conn, domain.HubFrame{Type: domain.FrameError, Error: msg})
}
