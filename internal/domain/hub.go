package domain

// Relay hub websocket frame types.
const (
	FrameSignal = "signal"
	FramePing   = "ping"
	FramePong   = "pong"
	FrameWhoAmI = "whoami"
	FrameError  = "error"
)

// HubFrame is the envelope exchanged with the relay hub.
type HubFrame struct {
	Type   string   `json:"type"`
	Signal *Message `json:"signal,omitempty"`
	User   UserID   `json:"user,omitempty"`
	Error  string   `json:"error,omitempty"`
}
