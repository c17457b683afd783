package client

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestLoggerFactoryScopesPionLogs(t *testing.T) {
	var buf bytes.Buffer
	factory := NewLoggerFactory(zerolog.New(&buf).Level(zerolog.InfoLevel))

	logger := factory.NewLogger("ice")
	logger.Debug("hidden")
	logger.Warnf("candidate %d dropped", 3)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"scope":"ice"`)
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, "candidate 3 dropped")
}
