package client

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Stat is a snapshot of the transport of the current call.
type Stat struct {
	PeerConnectionStat     webrtc.PeerConnectionStats                    `json:"peer_connection_stat"`
	ICECandidatePairStat   webrtc.ICECandidatePairStats                  `json:"ice_candidate_pair_stat"`
	ICECandidateLocalStat  map[string]webrtc.ICECandidateStats           `json:"ice_candidate_local_stat"`
	ICECandidateRemoteStat map[string]webrtc.ICECandidateStats           `json:"ice_candidate_remote_stat"`
	CertificateStats       map[string]webrtc.CertificateStats            `json:"certificate_stats"`
	CodecStats             map[string]webrtc.CodecStats                  `json:"codec_stats"`
	ICETransportStat       webrtc.TransportStats                         `json:"ice_transport_stat"`
	InboundRTPStats        map[string]webrtc.InboundRTPStreamStats       `json:"inbound_rtp_stats"`
	OutboundRTPStats       map[string]webrtc.OutboundRTPStreamStats      `json:"outbound_rtp_stats"`
	RemoteInboundRTPStats  map[string]webrtc.RemoteInboundRTPStreamStats `json:"remote_inbound_rtp_stats"`
}

var errStatNotManaged = errors.New("stat type is not managed")

type stat struct {
	*Stat
	mux sync.RWMutex
}

func newStat() *stat {
	return &stat{
		Stat: &Stat{
			ICECandidateLocalStat:  make(map[string]webrtc.ICECandidateStats),
			ICECandidateRemoteStat: make(map[string]webrtc.ICECandidateStats),
			CertificateStats:       make(map[string]webrtc.CertificateStats),
			CodecStats:             make(map[string]webrtc.CodecStats),
			InboundRTPStats:        make(map[string]webrtc.InboundRTPStreamStats),
			OutboundRTPStats:       make(map[string]webrtc.OutboundRTPStreamStats),
			RemoteInboundRTPStats:  make(map[string]webrtc.RemoteInboundRTPStreamStats),
		},
	}
}

func (s *stat) Consume(stats webrtc.Stats) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	switch stat := stats.(type) {
	case webrtc.PeerConnectionStats:
		s.PeerConnectionStat = stat
		return nil

	case webrtc.ICECandidateStats:
		if stat.Type == webrtc.StatsTypeLocalCandidate {
			s.ICECandidateLocalStat[stat.ID] = stat
			return nil
		}

		if stat.Type == webrtc.StatsTypeRemoteCandidate {
			s.ICECandidateRemoteStat[stat.ID] = stat
			return nil
		}

		return errors.New("ICE candidate stat is neither local or remote")

	case webrtc.ICECandidatePairStats:
		// keep the nominated pair once there is one
		if stat.Nominated || !s.ICECandidatePairStat.Nominated {
			s.ICECandidatePairStat = stat
		}
		return nil

	case webrtc.CertificateStats:
		s.CertificateStats[stat.ID] = stat
		return nil

	case webrtc.CodecStats:
		s.CodecStats[stat.ID] = stat
		return nil

	case webrtc.TransportStats:
		s.ICETransportStat = stat
		return nil

	case webrtc.InboundRTPStreamStats:
		s.InboundRTPStats[stat.ID] = stat
		return nil

	case webrtc.OutboundRTPStreamStats:
		s.OutboundRTPStats[stat.ID] = stat
		return nil

	case webrtc.RemoteInboundRTPStreamStats:
		s.RemoteInboundRTPStats[stat.ID] = stat
		return nil

	default:
		return errStatNotManaged
	}
}

func (s *stat) Generate() Stat {
	s.mux.RLock()
	defer s.mux.RUnlock()

	return Stat{
		PeerConnectionStat:     s.PeerConnectionStat,
		ICECandidatePairStat:   s.ICECandidatePairStat,
		ICECandidateLocalStat:  copyMap(s.ICECandidateLocalStat),
		ICECandidateRemoteStat: copyMap(s.ICECandidateRemoteStat),
		CertificateStats:       copyMap(s.CertificateStats),
		CodecStats:             copyMap(s.CodecStats),
		ICETransportStat:       s.ICETransportStat,
		InboundRTPStats:        copyMap(s.InboundRTPStats),
		OutboundRTPStats:       copyMap(s.OutboundRTPStats),
		RemoteInboundRTPStats:  copyMap(s.RemoteInboundRTPStats),
	}
}

func copyMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
