package domain

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageWireFormat(t *testing.T) {
	idx := uint16(0)
	msg, err := NewMessage("c1", "alice", "bob", SignalCandidate, Candidate{Candidate: "candidate:1", SDPMLineIndex: &idx})
	require.NoError(t, err)

	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"call_id": "c1",
		"sender_id": "alice",
		"receiver_id": "bob",
		"signal_type": "ice-candidate",
		"call_data": {"candidate": "candidate:1", "sdpMLineIndex": 0}
	}`, string(raw))

	var c Candidate
	require.NoError(t, msg.Decode(&c))
	assert.Equal(t, "candidate:1", c.Candidate)
	require.NotNil(t, c.SDPMLineIndex)
	assert.Nil(t, c.SDPMid)
}

func TestDecodeEmptyPayload(t *testing.T) {
	msg := Message{CallID: "c1", Type: SignalEnd}
	var d HangupData
	assert.ErrorIs(t, msg.Decode(&d), ErrEmptyPayload)

	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "call_data")
}

func TestSignalTypeValid(t *testing.T) {
	for _, typ := range []SignalType{SignalOffer, SignalAnswer, SignalCandidate, SignalDecline, SignalEnd} {
		assert.True(t, typ.Valid(), typ)
	}
	assert.False(t, SignalType("hangup").Valid())
	assert.False(t, SignalType("").Valid())
}

func TestStatusText(t *testing.T) {
	raw, err := json.Marshal(map[string]any{"status": StatusRingingLocally, "role": RoleReceiver})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status": "ringing", "role": "receiver"}`, string(raw))

	assert.True(t, StatusEnded.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.False(t, StatusActive.IsTerminal())
}

func TestCallRecordApplyKeepsFirstTimestamps(t *testing.T) {
	t0 := time.Unix(1000, 0)
	var rec CallRecord
	rec.Apply(RecordActive, t0)
	rec.Apply(RecordActive, t0.Add(time.Second))
	rec.Apply(RecordEnded, t0.Add(time.Minute))
	rec.Apply(RecordEnded, t0.Add(time.Hour))

	assert.Equal(t, RecordEnded, rec.Status)
	require.NotNil(t, rec.AnsweredAt)
	require.NotNil(t, rec.EndedAt)
	assert.Equal(t, t0, *rec.AnsweredAt)
	assert.Equal(t, t0.Add(time.Minute), *rec.EndedAt)
	assert.False(t, RecordStatus("missed").Valid())
}

func TestParseUserID(t *testing.T) {
	id, err := ParseUserID("  alice ")
	require.NoError(t, err)
	assert.Equal(t, UserID("alice"), id)

	_, err = ParseUserID("   ")
	assert.ErrorIs(t, err, ErrUserIDEmpty)
	_, err = ParseUserID(strings.Repeat("x", MaxUserIDLen+1))
	assert.ErrorIs(t, err, ErrUserIDTooLong)
}

func TestNewUser(t *testing.T) {
	u, err := NewUser("bob", "Bob")
	require.NoError(t, err)
	assert.Equal(t, UserID("bob"), u.ID)
	assert.Equal(t, "Bob", u.DisplayName)

	_, err = NewUser("bob", strings.Repeat("b", MaxUsernameLen+1))
	assert.ErrorIs(t, err, ErrUsernameTooLong)
}
