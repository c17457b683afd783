package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pion/webrtc/v4"
)

const envICEServersJSON = "ICE_SERVERS_JSON"

// DefaultSTUNServers are used when no ICE server is configured.
var DefaultSTUNServers = []string{
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

func GetDefaultRTCConfiguration() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: DefaultSTUNServers}},
	}
}

// GetFullRTCConfiguration builds STUN and TURN servers from the environment.
// Unset entries are skipped and an empty result falls back to the default
// STUN pair.
func GetFullRTCConfiguration() webrtc.Configuration {
	servers := stunFromEnv()

	username := os.Getenv("TURN_SERVER_USERNAME")
	password := os.Getenv("TURN_SERVER_PASSWORD")
	for _, key := range []string{"TURN_UDP_SERVER_URL", "TURN_TCP_SERVER_URL", "TURN_TLS_SERVER_URL"} {
		url := strings.TrimSpace(os.Getenv(key))
		if url == "" {
			continue
		}
		servers = append(servers, webrtc.ICEServer{
			URLs:           []string{url},
			Username:       username,
			Credential:     password,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}

	return withFallback(servers)
}

func GetSTUNOnlyRTCConfiguration() webrtc.Configuration {
	return withFallback(stunFromEnv())
}

// GetRTCConfigurationFromEnv prefers a JSON server list in ICE_SERVERS_JSON and
// otherwise reads the individual STUN/TURN variables.
func GetRTCConfigurationFromEnv() (webrtc.Configuration, error) {
	if raw := strings.TrimSpace(os.Getenv(envICEServersJSON)); raw != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return webrtc.Configuration{}, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return withFallback(servers), nil
	}
	return GetFullRTCConfiguration(), nil
}

func stunFromEnv() []webrtc.ICEServer {
	url := strings.TrimSpace(os.Getenv("STUN_SERVER_URL"))
	if url == "" {
		return nil
	}
	return []webrtc.ICEServer{{URLs: []string{url}}}
}

func withFallback(servers []webrtc.ICEServer) webrtc.Configuration {
	if len(servers) == 0 {
		return GetDefaultRTCConfiguration()
	}
	return webrtc.Configuration{ICEServers: servers}
}

type ICEServerConfig struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseICEServersJSON parses a browser style RTCIceServer list. TURN entries
// must carry credentials.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var servers []ICEServerConfig
	if err := json.Unmarshal([]byte(raw), &servers); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(servers))
	for i, server := range servers {
		parsed, err := server.toICEServer()
		if err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, parsed)
	}
	return out, nil
}

func (s ICEServerConfig) toICEServer() (webrtc.ICEServer, error) {
	server := webrtc.ICEServer{Username: strings.TrimSpace(s.Username)}
	for _, url := range s.URLs {
		if url = strings.TrimSpace(url); url != "" {
			server.URLs = append(server.URLs, url)
		}
	}
	if len(server.URLs) == 0 {
		return server, errors.New("no urls")
	}

	turn := false
	for _, url := range server.URLs {
		if !strings.HasPrefix(url, "stun:") && !strings.HasPrefix(url, "stuns:") && !strings.HasPrefix(url, "turn:") && !strings.HasPrefix(url, "turns:") {
			return server, fmt.Errorf("unsupported url %q", url)
		}
		if strings.HasPrefix(url, "turn") {
			turn = true
		}
	}

	if credential := strings.TrimSpace(s.Credential); credential != "" {
		server.Credential = credential
		server.CredentialType = webrtc.ICECredentialTypePassword
	}
	if turn && (server.Username == "" || server.Credential == nil) {
		return server, errors.New("turn server without username or credential")
	}
	return server, nil
}
