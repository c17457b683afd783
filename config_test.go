package client

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestDurationAcceptsStringOrSeconds(t *testing.T) {
	var config struct {
		A Duration `json:"a"`
		B Duration `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"90s","b":45}`), &config))
	assert.Equal(t, Duration(90*time.Second), config.A)
	assert.Equal(t, Duration(45*time.Second), config.B)

	var d Duration
	assert.Error(t, json.Unmarshal([]byte(`"soon"`), &d))
	assert.Error(t, json.Unmarshal([]byte(`true`), &d))

	raw, err := json.Marshal(Duration(time.Minute))
	require.NoError(t, err)
	assert.JSONEq(t, `"1m0s"`, string(raw))
}

func TestApplyEnvOverridesFields(t *testing.T) {
	config := DefaultClientConfig()

	err := config.ApplyEnv(lookupFrom(map[string]string{
		"CALLCLIENT_IDENTITY":         " alice ",
		"CALLCLIENT_STORE":            "mongo",
		"CALLCLIENT_MONGO_URI":        "mongodb://localhost:27017",
		"CALLCLIENT_CAPTURE":          "sample",
		"CALLCLIENT_STALENESS_WINDOW": "30s",
		"CALLCLIENT_CANDIDATE_QUEUE":  "64",
		"CALLCLIENT_LISTEN_ADDR":      "",
	}))
	require.NoError(t, err)

	assert.Equal(t, "alice", config.Identity)
	assert.Equal(t, StoreMongo, config.Store.Backend)
	assert.Equal(t, "mongodb://localhost:27017", config.Store.MongoURI)
	assert.Equal(t, CaptureSample, config.Capture)
	assert.Equal(t, Duration(30*time.Second), config.StalenessWindow)
	assert.Equal(t, 64, config.CandidateQueue)
	assert.Equal(t, "127.0.0.1:8080", config.ListenAddr, "blank values keep the default")
	assert.NoError(t, config.Validate())
}

func TestApplyEnvReportsEveryBadValue(t *testing.T) {
	config := DefaultClientConfig()

	err := config.ApplyEnv(lookupFrom(map[string]string{
		"CALLCLIENT_STALENESS_WINDOW": "a minute",
		"CALLCLIENT_CANDIDATE_QUEUE":  "many",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CALLCLIENT_STALENESS_WINDOW")
	assert.Contains(t, err.Error(), "CALLCLIENT_CANDIDATE_QUEUE")
	assert.Equal(t, DefaultClientConfig().StalenessWindow, config.StalenessWindow)
}

func TestValidate(t *testing.T) {
	unknown := Preset("turbo")

	tests := []struct {
		name   string
		mutate func(*ClientConfig)
		errs   []string
	}{
		{name: "defaults", mutate: func(*ClientConfig) {}},
		{
			name:   "mongo without uri",
			mutate: func(c *ClientConfig) { c.Store.Backend = StoreMongo },
			errs:   []string{"mongo store requires a uri"},
		},
		{
			name: "several problems",
			mutate: func(c *ClientConfig) {
				c.Store.Backend = "redis"
				c.Capture = "screen"
				c.CandidateQueue = -1
				c.NACK = &unknown
			},
			errs: []string{`unknown store backend "redis"`, `unknown capture kind "screen"`, "negative candidate queue size", `unknown preset "turbo"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultClientConfig()
			tt.mutate(&config)

			err := config.Validate()
			if len(tt.errs) == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			for _, msg := range tt.errs {
				assert.Contains(t, err.Error(), msg)
			}
		})
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"identity": "bob",
		"store": {"backend": "firestore", "firestore_project": "calls-dev"},
		"capture": "sample",
		"staleness_window": "2m",
		"ice_servers": [{"urls": "stun:stun.example.org:3478"}],
		"nack": "low_latency"
	}`), 0o600))
	t.Setenv("CALLCLIENT_IDENTITY", "")

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "bob", config.Identity)
	assert.Equal(t, StoreFirestore, config.Store.Backend)
	assert.Equal(t, "calls-dev", config.Store.FirestoreProject)
	assert.Equal(t, Duration(2*time.Minute), config.StalenessWindow)
	assert.Equal(t, DefaultCandidateQueueSize, config.CandidateQueue)
	require.NotNil(t, config.NACK)
	assert.Equal(t, PresetLowLatency, *config.NACK)

	rtcConfig, err := config.RTCConfiguration()
	require.NoError(t, err)
	require.Len(t, rtcConfig.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun.example.org:3478"}, rtcConfig.ICEServers[0].URLs)

	assert.NotEmpty(t, config.ToOptions())
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}
