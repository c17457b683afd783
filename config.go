package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
)

type StoreBackend string

const (
	StoreMemory    StoreBackend = "memory"
	StoreFirestore StoreBackend = "firestore"
	StoreMongo     StoreBackend = "mongo"
)

type CaptureKind string

const (
	CaptureDevice CaptureKind = "device"
	CaptureSample CaptureKind = "sample"
)

// Duration reads either a Go duration string ("60s") or integer seconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err == nil {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}

	var seconds int64
	if err := json.Unmarshal(b, &seconds); err != nil {
		return fmt.Errorf("duration must be a string or seconds: %w", err)
	}
	*d = Duration(time.Duration(seconds) * time.Second)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

type ClientConfig struct {
	Name     string `json:"name"`
	Identity string `json:"identity"`

	Store   StoreConfig `json:"store"`
	Capture CaptureKind `json:"capture,omitempty"`

	StalenessWindow Duration          `json:"staleness_window,omitempty"`
	CandidateQueue  int               `json:"candidate_queue,omitempty"`
	ICEServers      []ICEServerConfig `json:"ice_servers,omitempty"`
	ListenAddr      string            `json:"listen_addr,omitempty"`

	// Media configuration
	H264 *H264Config `json:"h264,omitempty"`
	VP8  *VP8Config  `json:"vp8,omitempty"`
	Opus *OpusConfig `json:"opus,omitempty"`

	// Interceptor configurations
	NACK        *Preset `json:"nack,omitempty"`
	RTCPReports *Preset `json:"rtcp_reports,omitempty"`
	TWCC        *Preset `json:"twcc,omitempty"`

	// Feature flags
	SimulcastExtensions bool `json:"simulcast_extensions,omitempty"`
	TWCCHeaderExtension bool `json:"twcc_header_extension,omitempty"`
}

type StoreConfig struct {
	Backend          StoreBackend `json:"backend"`
	FirestoreProject string       `json:"firestore_project,omitempty"`
	MongoURI         string       `json:"mongo_uri,omitempty"`
	MongoDatabase    string       `json:"mongo_database,omitempty"`
	MongoCollection  string       `json:"mongo_collection,omitempty"`
}

type H264Config struct {
	ClockRate uint32 `json:"clock_rate"`
}

type VP8Config struct {
	ClockRate uint32 `json:"clock_rate"`
}

type OpusConfig struct {
	SampleRate    uint32 `json:"sample_rate"`
	ChannelLayout uint16 `json:"channel_layout"`
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Name:            "callclient",
		Store:           StoreConfig{Backend: StoreMemory},
		Capture:         CaptureDevice,
		StalenessWindow: Duration(DefaultStalenessWindow),
		CandidateQueue:  DefaultCandidateQueueSize,
		ListenAddr:      "127.0.0.1:8080",
	}
}

// LoadConfig reads the JSON file at path over the defaults, when path is not
// empty, then applies CALLCLIENT_* environment overrides.
func LoadConfig(path string) (ClientConfig, error) {
	config := DefaultClientConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return config, fmt.Errorf("error while reading config: %w", err)
		}
		if err := json.Unmarshal(raw, &config); err != nil {
			return config, fmt.Errorf("error while parsing config %s: %w", path, err)
		}
	}

	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return config, err
	}
	return config, config.Validate()
}

// ApplyEnv overrides fields from CALLCLIENT_* variables found through lookup.
func (c *ClientConfig) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	str("CALLCLIENT_IDENTITY", &c.Identity)
	str("CALLCLIENT_LISTEN_ADDR", &c.ListenAddr)
	str("CALLCLIENT_FIRESTORE_PROJECT", &c.Store.FirestoreProject)
	str("CALLCLIENT_MONGO_URI", &c.Store.MongoURI)
	str("CALLCLIENT_MONGO_DATABASE", &c.Store.MongoDatabase)

	var backend, capture string
	str("CALLCLIENT_STORE", &backend)
	str("CALLCLIENT_CAPTURE", &capture)
	if backend != "" {
		c.Store.Backend = StoreBackend(backend)
	}
	if capture != "" {
		c.Capture = CaptureKind(capture)
	}

	var merr error
	if v, ok := lookup("CALLCLIENT_STALENESS_WINDOW"); ok && v != "" {
		window, err := time.ParseDuration(v)
		if err != nil {
			merr = multierr.Append(merr, fmt.Errorf("CALLCLIENT_STALENESS_WINDOW: %w", err))
		} else {
			c.StalenessWindow = Duration(window)
		}
	}
	if v, ok := lookup("CALLCLIENT_CANDIDATE_QUEUE"); ok && v != "" {
		size, err := strconv.Atoi(v)
		if err != nil {
			merr = multierr.Append(merr, fmt.Errorf("CALLCLIENT_CANDIDATE_QUEUE: %w", err))
		} else {
			c.CandidateQueue = size
		}
	}
	return merr
}

func (c *ClientConfig) Validate() error {
	var merr error

	switch c.Store.Backend {
	case StoreMemory, StoreFirestore:
	case StoreMongo:
		if c.Store.MongoURI == "" {
			merr = multierr.Append(merr, errors.New("mongo store requires a uri"))
		}
	default:
		merr = multierr.Append(merr, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}

	switch c.Capture {
	case CaptureDevice, CaptureSample:
	default:
		merr = multierr.Append(merr, fmt.Errorf("unknown capture kind %q", c.Capture))
	}

	if c.StalenessWindow < 0 {
		merr = multierr.Append(merr, errors.New("negative staleness window"))
	}
	if c.CandidateQueue < 0 {
		merr = multierr.Append(merr, errors.New("negative candidate queue size"))
	}
	for _, preset := range []*Preset{c.NACK, c.RTCPReports, c.TWCC} {
		if preset == nil {
			continue
		}
		if _, ok := preset.values(); !ok {
			merr = multierr.Append(merr, fmt.Errorf("unknown preset %q", *preset))
		}
	}

	return merr
}

// RTCConfiguration returns the configured ICE servers, or the environment's
// when none are configured.
func (c *ClientConfig) RTCConfiguration() (webrtc.Configuration, error) {
	if len(c.ICEServers) == 0 {
		return GetRTCConfigurationFromEnv()
	}

	servers := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for i, server := range c.ICEServers {
		parsed, err := server.toICEServer()
		if err != nil {
			return webrtc.Configuration{}, fmt.Errorf("ice_servers[%d]: %w", i, err)
		}
		servers = append(servers, parsed)
	}
	return webrtc.Configuration{ICEServers: servers}, nil
}

type optionBuilder struct {
	options []ClientOption
}

func (ob *optionBuilder) add(option ClientOption) *optionBuilder {
	if option != nil {
		ob.options = append(ob.options, option)
	}
	return ob
}

// ToOptions converts the media, interceptor and negotiation settings. The
// store and capturer are built by the caller.
func (c *ClientConfig) ToOptions() []ClientOption {
	builder := &optionBuilder{}

	return builder.
		add(c.h264Option()).
		add(c.vp8Option()).
		add(c.opusOption()).
		add(c.nackOption()).
		add(c.rtcpReportsOption()).
		add(c.twccOption()).
		add(c.simulcastOption()).
		add(c.twccHeaderOption()).
		add(c.negotiatorOption()).
		options
}

func (c *ClientConfig) h264Option() ClientOption {
	if c.H264 == nil {
		return nil
	}
	return WithH264MediaEngine(c.H264.ClockRate)
}

func (c *ClientConfig) vp8Option() ClientOption {
	if c.VP8 == nil {
		return nil
	}
	return WithVP8MediaEngine(c.VP8.ClockRate)
}

func (c *ClientConfig) opusOption() ClientOption {
	if c.Opus == nil {
		return nil
	}
	return WithOpusMediaEngine(c.Opus.SampleRate, c.Opus.ChannelLayout)
}

func (c *ClientConfig) nackOption() ClientOption {
	if c.NACK == nil {
		return nil
	}

	values, ok := c.NACK.values()
	if !ok {
		return nil
	}
	return WithNACKInterceptor(values.nackGenerator, values.nackResponder)
}

func (c *ClientConfig) rtcpReportsOption() ClientOption {
	if c.RTCPReports == nil {
		return nil
	}

	values, ok := c.RTCPReports.values()
	if !ok {
		return nil
	}
	return WithRTCPReportsInterceptor(values.rtcpReports)
}

func (c *ClientConfig) twccOption() ClientOption {
	if c.TWCC == nil {
		return nil
	}

	values, ok := c.TWCC.values()
	if !ok {
		return nil
	}
	return WithTWCCSenderInterceptor(values.twcc)
}

func (c *ClientConfig) simulcastOption() ClientOption {
	if !c.SimulcastExtensions {
		return nil
	}
	return WithSimulcastExtensionHeaders()
}

func (c *ClientConfig) twccHeaderOption() ClientOption {
	if !c.TWCCHeaderExtension {
		return nil
	}
	return WithTWCCHeaderExtensionSender()
}

func (c *ClientConfig) negotiatorOption() ClientOption {
	return WithNegotiatorOptions(
		WithStalenessWindow(time.Duration(c.StalenessWindow)),
		WithCandidateQueueSize(c.CandidateQueue),
	)
}
