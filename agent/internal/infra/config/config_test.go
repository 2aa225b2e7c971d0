package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you-humble/genrelay/agent/internal/pipeline"
)

const minimal = `
dispatch_url: http://localhost:3456
studio:
  addr: localhost:50051
`

func TestParseDefaults(t *testing.T) {
	cfg, err := parse([]byte(minimal))
	require.NoError(t, err)

	require.NotNil(t, cfg.MaxRetries)
	assert.Equal(t, pipeline.DefaultMaxRetries, *cfg.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Regexp(t, `^agent-[0-9a-f]{8}$`, cfg.ClientID)
}

func TestParseKeepsExplicitZeroRetries(t *testing.T) {
	cfg, err := parse([]byte(minimal + "max_retries: 0\n"))
	require.NoError(t, err)

	require.NotNil(t, cfg.MaxRetries)
	assert.Zero(t, *cfg.MaxRetries)
}

func TestParseRejects(t *testing.T) {
	for name, doc := range map[string]string{
		"no dispatch url":  "studio:\n  addr: x\n",
		"no studio addr":   "dispatch_url: http://x\n",
		"negative retries": minimal + "max_retries: -1\n",
		"negative delay":   minimal + "task_delay: -1s\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}
