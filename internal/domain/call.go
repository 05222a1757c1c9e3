package domain

import "time"

// CallID is assigned by the call record store on the caller side and
// learned from the inbound offer on the receiver side.
type CallID string

type Role int

const (
	RoleCaller Role = iota
	RoleReceiver
)

func (r Role) String() string {
	switch r {
	case RoleCaller:
		return "caller"
	case RoleReceiver:
		return "receiver"
	default:
		return "unknown"
	}
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// Status is the local lifecycle state of a call session.
type Status int

const (
	StatusIdle Status = iota
	StatusCalling
	StatusRingingLocally
	StatusActive
	StatusEnded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusCalling:
		return "calling"
	case StatusRingingLocally:
		return "ringing"
	case StatusActive:
		return "active"
	case StatusEnded:
		return "ended"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusEnded || s == StatusFailed
}

// RecordStatus is the persisted call_status column. Values are shared with
// the peer and must stay stable.
type RecordStatus string

const (
	RecordRinging  RecordStatus = "ringing"
	RecordActive   RecordStatus = "active"
	RecordDeclined RecordStatus = "declined"
	RecordEnded    RecordStatus = "ended"
)

func (s RecordStatus) Valid() bool {
	switch s {
	case RecordRinging, RecordActive, RecordDeclined, RecordEnded:
		return true
	}
	return false
}

// EndReason explains why a session reached a terminal state.
type EndReason string

const (
	EndHangup         EndReason = "hangup"
	EndRemoteHangup   EndReason = "remote-hangup"
	EndDeclined       EndReason = "declined"
	EndRemoteDeclined EndReason = "remote-declined"
	EndBusy           EndReason = "busy"
	EndTimeout        EndReason = "timeout"
	EndFailed         EndReason = "failed"
)

// CallRecord is one row per call attempt.
type CallRecord struct {
	ID                 CallID       `json:"id"`
	CallerID           UserID       `json:"caller_id"`
	ReceiverID         UserID       `json:"receiver_id,omitempty"`
	ReceiverBusinessID string       `json:"receiver_business_id,omitempty"`
	Status             RecordStatus `json:"call_status"`
	CreatedAt          time.Time    `json:"created_at"`
	AnsweredAt         *time.Time   `json:"answered_at,omitempty"`
	EndedAt            *time.Time   `json:"ended_at,omitempty"`
}

// Apply sets the status and the timestamp that goes with it.
func (r *CallRecord) Apply(status RecordStatus, at time.Time) {
	r.Status = status
	switch status {
	case RecordActive:
		if r.AnsweredAt == nil {
			r.AnsweredAt = &at
		}
	case RecordDeclined, RecordEnded:
		if r.EndedAt == nil {
			r.EndedAt = &at
		}
	}
}
