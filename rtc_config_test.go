package client

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearICEEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		envICEServersJSON, "STUN_SERVER_URL", "TURN_UDP_SERVER_URL", "TURN_TCP_SERVER_URL",
		"TURN_TLS_SERVER_URL", "TURN_SERVER_USERNAME", "TURN_SERVER_PASSWORD",
	} {
		t.Setenv(key, "")
	}
}

func TestRTCConfigurationFallsBackToDefaultSTUN(t *testing.T) {
	clearICEEnv(t)

	config, err := GetRTCConfigurationFromEnv()
	require.NoError(t, err)
	assert.Equal(t, GetDefaultRTCConfiguration(), config)
	assert.Equal(t, GetDefaultRTCConfiguration(), GetSTUNOnlyRTCConfiguration())
}

func TestFullRTCConfigurationSkipsUnsetServers(t *testing.T) {
	clearICEEnv(t)
	t.Setenv("STUN_SERVER_URL", "stun:stun.example.org:3478")
	t.Setenv("TURN_UDP_SERVER_URL", "turn:turn.example.org:3478?transport=udp")
	t.Setenv("TURN_SERVER_USERNAME", "user")
	t.Setenv("TURN_SERVER_PASSWORD", "secret")

	config := GetFullRTCConfiguration()
	require.Len(t, config.ICEServers, 2)
	assert.Equal(t, []string{"stun:stun.example.org:3478"}, config.ICEServers[0].URLs)

	turn := config.ICEServers[1]
	assert.Equal(t, []string{"turn:turn.example.org:3478?transport=udp"}, turn.URLs)
	assert.Equal(t, "user", turn.Username)
	assert.Equal(t, "secret", turn.Credential)
	assert.Equal(t, webrtc.ICECredentialTypePassword, turn.CredentialType)
}

func TestRTCConfigurationFromJSON(t *testing.T) {
	clearICEEnv(t)
	t.Setenv(envICEServersJSON, `[
		{"urls": ["stun:a.example.org", "stun:b.example.org"]},
		{"urls": "turns:turn.example.org:5349", "username": "u", "credential": "p"}
	]`)

	config, err := GetRTCConfigurationFromEnv()
	require.NoError(t, err)
	require.Len(t, config.ICEServers, 2)
	assert.Equal(t, []string{"stun:a.example.org", "stun:b.example.org"}, config.ICEServers[0].URLs)
	assert.Equal(t, "p", config.ICEServers[1].Credential)
}

func TestParseICEServersJSONRejectsBadEntries(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: `stun:a.example.org`},
		{name: "no urls", raw: `[{"urls": []}]`},
		{name: "unknown scheme", raw: `[{"urls": "http://a.example.org"}]`},
		{name: "turn without credentials", raw: `[{"urls": "turn:turn.example.org"}]`},
		{name: "turn without username", raw: `[{"urls": "turn:turn.example.org", "credential": "p"}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseICEServersJSON(tt.raw)
			assert.Error(t, err)
		})
	}
}
