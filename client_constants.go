package client

import (
	"time"

	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/webrtc/v4"
)

const (
	H264PayloadType    webrtc.PayloadType = 102
	H264RTXPayloadType webrtc.PayloadType = 103
	VP8PayloadType     webrtc.PayloadType = 96
	VP8RTXPayloadType  webrtc.PayloadType = 97
	OpusPayloadType    webrtc.PayloadType = 111
)

// Preset names a tuning of the RTP feedback interceptors for a kind of link.
type Preset string

const (
	PresetLowLatency   Preset = "low_latency"
	PresetDefault      Preset = "default"
	PresetHighQuality  Preset = "high_quality"
	PresetLowBandwidth Preset = "low_bandwidth"
)

type NACKGeneratorOptions []nack.GeneratorOption

type NACKResponderOptions []nack.ResponderOption

type TWCCSenderInterval time.Duration

type RTCPReportInterval time.Duration

type presetValues struct {
	nackGenerator NACKGeneratorOptions
	nackResponder NACKResponderOptions
	twcc          TWCCSenderInterval
	rtcpReports   RTCPReportInterval
}

var presets = map[Preset]presetValues{
	PresetLowLatency: {
		nackGenerator: NACKGeneratorOptions{nack.GeneratorSize(256), nack.GeneratorSkipLastN(2), nack.GeneratorMaxNacksPerPacket(1), nack.GeneratorInterval(10 * time.Millisecond)},
		nackResponder: NACKResponderOptions{nack.ResponderSize(256)},
		twcc:          TWCCSenderInterval(100 * time.Millisecond),
		rtcpReports:   RTCPReportInterval(1 * time.Second),
	},
	PresetDefault: {
		nackGenerator: NACKGeneratorOptions{nack.GeneratorSize(512), nack.GeneratorSkipLastN(5), nack.GeneratorMaxNacksPerPacket(2), nack.GeneratorInterval(50 * time.Millisecond)},
		nackResponder: NACKResponderOptions{nack.ResponderSize(1024)},
		twcc:          TWCCSenderInterval(200 * time.Millisecond),
		rtcpReports:   RTCPReportInterval(3 * time.Second),
	},
	PresetHighQuality: {
		nackGenerator: NACKGeneratorOptions{nack.GeneratorSize(4096), nack.GeneratorSkipLastN(10), nack.GeneratorMaxNacksPerPacket(5), nack.GeneratorInterval(100 * time.Millisecond)},
		nackResponder: NACKResponderOptions{nack.ResponderSize(4096)},
		twcc:          TWCCSenderInterval(300 * time.Millisecond),
		rtcpReports:   RTCPReportInterval(2 * time.Second),
	},
	PresetLowBandwidth: {
		nackGenerator: NACKGeneratorOptions{nack.GeneratorSize(256), nack.GeneratorSkipLastN(15), nack.GeneratorMaxNacksPerPacket(1), nack.GeneratorInterval(200 * time.Millisecond)},
		nackResponder: NACKResponderOptions{nack.ResponderSize(256)},
		twcc:          TWCCSenderInterval(500 * time.Millisecond),
		rtcpReports:   RTCPReportInterval(10 * time.Second),
	},
}

func (p Preset) values() (presetValues, bool) {
	v, ok := presets[p]
	return v, ok
}
