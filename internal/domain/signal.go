package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "ice-candidate"
	SignalDecline   SignalType = "call-decline"
	SignalEnd       SignalType = "call-end"
)

func (t SignalType) Valid() bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalCandidate, SignalDecline, SignalEnd:
		return true
	}
	return false
}

var ErrEmptyPayload = errors.New("empty call_data")

// Message is one signaling row on the relay. It is never mutated after creation.
type Message struct {
	CallID     CallID          `json:"call_id"`
	SenderID   UserID          `json:"sender_id"`
	ReceiverID UserID          `json:"receiver_id"`
	Type       SignalType      `json:"signal_type"`
	Data       json.RawMessage `json:"call_data,omitempty"`
}

// NewMessage marshals payload into call_data.
func NewMessage(id CallID, from, to UserID, t SignalType, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s: %w", t, err)
	}
	return Message{CallID: id, SenderID: from, ReceiverID: to, Type: t, Data: data}, nil
}

// Decode unmarshals call_data into v.
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return ErrEmptyPayload
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", m.Type, err)
	}
	return nil
}

// Description is an opaque session description produced by the media capability.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func (d Description) Empty() bool { return d.SDP == "" }

// Candidate is one connectivity-check proposal.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
}

// OfferData is the call_data of an offer row.
type OfferData struct {
	SDP                Description `json:"sdp"`
	CallerID           UserID      `json:"caller_id,omitempty"`
	CallerName         string      `json:"caller_name,omitempty"`
	ReceiverBusinessID string      `json:"receiver_business_id,omitempty"`
}

// AnswerData is the call_data of an answer row.
type AnswerData struct {
	SDP          Description `json:"sdp"`
	ReceiverName string      `json:"receiver_name,omitempty"`
}

// HangupData is the call_data of call-decline and call-end rows.
type HangupData struct {
	Reason EndReason `json:"reason,omitempty"`
}
