package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/harshabose/simple_webrtc_comm/callclient/pkg/signaling"
)

const (
	CollectionCalls            = "calls"
	CollectionOfferCandidates  = "offerCandidates"
	CollectionAnswerCandidates = "answerCandidates"

	FieldCaller    = "caller"
	FieldCallee    = "callee"
	FieldOffer     = "offer"
	FieldAnswer    = "answer"
	FieldSDP       = "sdp"
	FieldType      = "type"
	FieldStatus    = "status"
	FieldCreatedAt = "createdAt"

	FieldCandidate        = "candidate"
	FieldSDPMid           = "sdpMid"
	FieldSDPMLineIndex    = "sdpMLineIndex"
	FieldUsernameFragment = "usernameFragment"
	FieldAt               = "at"
	FieldSeq              = "seq"

	StatusOffering = "offering"
	StatusAnswered = "answered"
	StatusEnded    = "ended"
)

func callPath(callID string) string {
	return signaling.Join(CollectionCalls, callID)
}

func candidatesPath(callID string, role Role) string {
	if role == RoleCaller {
		return signaling.Join(CollectionCalls, callID, CollectionOfferCandidates)
	}
	return signaling.Join(CollectionCalls, callID, CollectionAnswerCandidates)
}

// callRecord is the decoded form of one document in the calls collection.
type callRecord struct {
	ID        string
	Caller    string
	Callee    string
	Offer     *webrtc.SessionDescription
	Answer    *webrtc.SessionDescription
	Status    string
	CreatedAt time.Time
	// Pending is true while the store has not yet resolved CreatedAt.
	Pending bool
}

func decodeCallRecord(r signaling.Record) (callRecord, error) {
	call := callRecord{
		ID:     r.ID,
		Caller: r.String(FieldCaller),
		Callee: r.String(FieldCallee),
		Status: r.String(FieldStatus),
	}

	var ok bool
	if call.CreatedAt, ok = r.Time(FieldCreatedAt); !ok {
		call.Pending = true
	}

	var err error
	if blob, exists := r.Map(FieldOffer); exists {
		if call.Offer, err = decodeDescription(blob, webrtc.SDPTypeOffer); err != nil {
			return call, fmt.Errorf("error while decoding offer of call %s: %w", r.ID, err)
		}
	}
	if blob, exists := r.Map(FieldAnswer); exists {
		if call.Answer, err = decodeDescription(blob, webrtc.SDPTypeAnswer); err != nil {
			return call, fmt.Errorf("error while decoding answer of call %s: %w", r.ID, err)
		}
	}

	return call, nil
}

func encodeDescription(desc webrtc.SessionDescription) map[string]any {
	return map[string]any{
		FieldSDP:  desc.SDP,
		FieldType: desc.Type.String(),
	}
}

func decodeDescription(blob map[string]any, expected webrtc.SDPType) (*webrtc.SessionDescription, error) {
	raw, _ := blob[FieldSDP].(string)
	if raw == "" {
		return nil, errors.New("session description without sdp")
	}

	if kind, _ := blob[FieldType].(string); kind != "" && webrtc.NewSDPType(kind) != expected {
		return nil, fmt.Errorf("unexpected session description type %q", kind)
	}

	parsed := &sdp.SessionDescription{}
	if err := parsed.UnmarshalString(raw); err != nil {
		return nil, fmt.Errorf("malformed sdp: %w", err)
	}

	return &webrtc.SessionDescription{Type: expected, SDP: raw}, nil
}

// encodeCandidate keeps the field names of RTCIceCandidate.toJSON so browser
// peers can read the same sub-collections.
func encodeCandidate(candidate webrtc.ICECandidateInit, seq uint64) signaling.Fields {
	fields := signaling.Fields{
		FieldCandidate: candidate.Candidate,
		FieldAt:        signaling.ServerTimestamp,
		FieldSeq:       int64(seq),
	}
	if candidate.SDPMid != nil {
		fields[FieldSDPMid] = *candidate.SDPMid
	}
	if candidate.SDPMLineIndex != nil {
		fields[FieldSDPMLineIndex] = int64(*candidate.SDPMLineIndex)
	}
	if candidate.UsernameFragment != nil {
		fields[FieldUsernameFragment] = *candidate.UsernameFragment
	}
	return fields
}

func decodeCandidate(r signaling.Record) (webrtc.ICECandidateInit, error) {
	candidate := webrtc.ICECandidateInit{Candidate: r.String(FieldCandidate)}
	if candidate.Candidate == "" {
		return candidate, fmt.Errorf("candidate record %s has no candidate", r.ID)
	}

	if mid, ok := r.Fields[FieldSDPMid].(string); ok {
		candidate.SDPMid = &mid
	}
	if index, ok := toUint16(r.Fields[FieldSDPMLineIndex]); ok {
		candidate.SDPMLineIndex = &index
	}
	if fragment, ok := r.Fields[FieldUsernameFragment].(string); ok {
		candidate.UsernameFragment = &fragment
	}
	return candidate, nil
}

// toUint16 accepts the integer shapes the different stores decode numbers to.
func toUint16(v any) (uint16, bool) {
	switch n := v.(type) {
	case int:
		return uint16(n), n >= 0
	case int32:
		return uint16(n), n >= 0
	case int64:
		return uint16(n), n >= 0
	case uint16:
		return n, true
	case float64:
		return uint16(n), n >= 0
	default:
		return 0, false
	}
}
