package client

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harshabose/simple_webrtc_comm/callclient/pkg/signaling"
)

func TestCallPaths(t *testing.T) {
	assert.Equal(t, "calls/abc", callPath("abc"))
	assert.Equal(t, "calls/abc/offerCandidates", candidatesPath("abc", RoleCaller))
	assert.Equal(t, "calls/abc/answerCandidates", candidatesPath("abc", RoleCallee))
}

func TestDecodeCallRecord(t *testing.T) {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	record := signaling.Record{ID: "abc", Fields: signaling.Fields{
		FieldCaller:    "alice",
		FieldCallee:    "bob",
		FieldStatus:    StatusAnswered,
		FieldCreatedAt: created,
		FieldOffer:     encodeDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP}),
		FieldAnswer:    encodeDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: testSDP}),
	}}

	call, err := decodeCallRecord(record)
	require.NoError(t, err)
	assert.Equal(t, "abc", call.ID)
	assert.Equal(t, "alice", call.Caller)
	assert.Equal(t, "bob", call.Callee)
	assert.Equal(t, StatusAnswered, call.Status)
	assert.Equal(t, created, call.CreatedAt)
	assert.False(t, call.Pending)
	require.NotNil(t, call.Offer)
	require.NotNil(t, call.Answer)
	assert.Equal(t, webrtc.SDPTypeOffer, call.Offer.Type)
	assert.Equal(t, webrtc.SDPTypeAnswer, call.Answer.Type)
}

func TestDecodeCallRecordPendingTimestamp(t *testing.T) {
	call, err := decodeCallRecord(signaling.Record{ID: "abc", Fields: signaling.Fields{
		FieldStatus: StatusOffering,
	}})
	require.NoError(t, err)
	assert.True(t, call.Pending)
	assert.Nil(t, call.Offer)
	assert.Nil(t, call.Answer)
}

func TestDecodeCallRecordRejectsBadDescriptions(t *testing.T) {
	tests := []struct {
		name  string
		field string
		blob  map[string]any
	}{
		{name: "missing sdp", field: FieldOffer, blob: map[string]any{FieldType: "offer"}},
		{name: "wrong type", field: FieldOffer, blob: map[string]any{FieldType: "answer", FieldSDP: testSDP}},
		{name: "malformed sdp", field: FieldAnswer, blob: map[string]any{FieldType: "answer", FieldSDP: "not sdp"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			call, err := decodeCallRecord(signaling.Record{ID: "abc", Fields: signaling.Fields{
				FieldStatus: StatusOffering,
				tt.field:    tt.blob,
			}})
			require.Error(t, err)
			assert.Equal(t, StatusOffering, call.Status, "status survives a bad description")
		})
	}
}

func TestCandidateRoundTripAcrossStoreNumberTypes(t *testing.T) {
	fragment := "ufrag"
	candidate := testCandidate("10.0.0.1")
	candidate.UsernameFragment = &fragment

	fields := encodeCandidate(candidate, 7)
	assert.Equal(t, int64(7), fields[FieldSeq])
	assert.True(t, signaling.IsServerTimestamp(fields[FieldAt]))

	for name, index := range map[string]any{"int64": int64(0), "int32": int32(0), "float64": float64(0)} {
		t.Run(name, func(t *testing.T) {
			stored := signaling.Fields{}
			for k, v := range fields {
				stored[k] = v
			}
			stored[FieldSDPMLineIndex] = index

			decoded, err := decodeCandidate(signaling.Record{ID: "c1", Fields: stored})
			require.NoError(t, err)
			assert.Equal(t, candidate.Candidate, decoded.Candidate)
			require.NotNil(t, decoded.SDPMid)
			assert.Equal(t, "0", *decoded.SDPMid)
			require.NotNil(t, decoded.SDPMLineIndex)
			assert.Equal(t, uint16(0), *decoded.SDPMLineIndex)
			require.NotNil(t, decoded.UsernameFragment)
			assert.Equal(t, "ufrag", *decoded.UsernameFragment)
		})
	}

	_, err := decodeCandidate(signaling.Record{ID: "empty", Fields: signaling.Fields{}})
	assert.Error(t, err)
}
