package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalYAML = `
control:
  base_url: http://pbx:8088/api
  username: agent
  password: secret
asr:
  url: ws://asr:9000/stream
tts:
  url: ws://tts:9100/synthesize
llm:
  base_url: http://llm:8000
  model: vi-agent-7b
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "voip-ai-agent", cfg.Control.AppName)
	assert.Equal(t, 8000, cfg.Audio.SampleRate)
	assert.Equal(t, 20*time.Millisecond, cfg.Audio.FrameDuration)
	assert.Equal(t, uint8(118), cfg.Audio.PayloadType)
	assert.Equal(t, "vi-VN", cfg.ASR.Language)
	assert.Equal(t, 500*time.Millisecond, cfg.Session.TurnTimeout)
	assert.Equal(t, 0.6, cfg.Session.BargeInConfidence)
	assert.Equal(t, 2, cfg.Session.BargeInMinRunes)
	assert.Equal(t, ":8080", cfg.Ops.HTTPAddress)
	assert.Empty(t, cfg.Track.Path)
}

func TestLoadEnvOverridesSecrets(t *testing.T) {
	t.Setenv("CONTROL_PASSWORD", "from-env")
	t.Setenv("LLM_API_KEY", "sk-test")
	t.Setenv("OPS_HTTP_ADDRESS", ":9999")
	t.Setenv("KNOWLEDGE_BASE_URL", "http://kb:7700")

	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Control.Password)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, ":9999", cfg.Ops.HTTPAddress)
	assert.Equal(t, "http://kb:7700", cfg.Dialogue.KnowledgeBaseURL)
}

func TestLoadRejectsIncompleteConfig(t *testing.T) {
	cases := map[string]string{
		"missing control": `
asr:
  url: ws://asr:9000/stream
tts:
  url: ws://tts:9100/synthesize
llm:
  base_url: http://llm:8000
  model: vi-agent-7b
`,
		"missing asr url": `
control:
  base_url: http://pbx:8088/api
  username: agent
  password: secret
tts:
  url: ws://tts:9100/synthesize
llm:
  base_url: http://llm:8000
  model: vi-agent-7b
`,
		"bad sample rate": minimalYAML + `
audio:
  sample_rate: 44100
`,
		"bad barge-in confidence": minimalYAML + `
session:
  barge_in_confidence: 1.5
`,
	}
	for name, yaml := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
