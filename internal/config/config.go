// Package config loads and validates the agent configuration.
package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration passed into every component at construction.
type Config struct {
	Control  ControlConfig  `yaml:"control"`
	Audio    AudioConfig    `yaml:"audio"`
	ASR      ASRConfig      `yaml:"asr"`
	TTS      TTSConfig      `yaml:"tts"`
	LLM      LLMConfig      `yaml:"llm"`
	Dialogue DialogueConfig `yaml:"dialogue"`
	Session  SessionConfig  `yaml:"session"`
	Ops      OpsConfig      `yaml:"ops"`
	Track    TrackConfig    `yaml:"track"`
}

// ControlConfig describes the switch's control interface (REST + event websocket).
type ControlConfig struct {
	BaseURL  string `yaml:"base_url"` // e.g. http://localhost:8088/ari
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	AppName  string `yaml:"app_name"` // stasis application name on the switch
	// TransferTarget is the endpoint calls are bridged to on escalation.
	TransferTarget string `yaml:"transfer_target"`
}

// AudioConfig is the negotiated media format plus local RTP binding.
type AudioConfig struct {
	BindIP        string        `yaml:"bind_ip"`        // local bind for RTP receive sockets
	AdvertiseHost string        `yaml:"advertise_host"` // host handed to the switch for media fork
	SampleRate    int           `yaml:"sample_rate"`    // Hz, 8000 for telephony slin
	FrameDuration time.Duration `yaml:"frame_duration"` // 20ms
	PayloadType   uint8         `yaml:"payload_type"`   // RTP payload type for linear PCM
}

// ASRConfig configures the streaming transcription backend.
type ASRConfig struct {
	URL              string        `yaml:"url"` // wss endpoint
	Language         string        `yaml:"language"`
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`
	MaxReconnects    int           `yaml:"max_reconnects"`
	// SilenceTimeout promotes a stalled partial to a final when the backend
	// never marks the segment final.
	SilenceTimeout time.Duration `yaml:"silence_timeout"`
}

// TTSConfig configures the streaming synthesis backend.
type TTSConfig struct {
	URL         string        `yaml:"url"`
	Voice       string        `yaml:"voice"`
	Language    string        `yaml:"language"`
	IdleTimeout time.Duration `yaml:"idle_timeout"` // no-audio window before the stream is abandoned
	MaxDuration time.Duration `yaml:"max_duration"` // hard cap per utterance
}

// LLMConfig configures the dialogue language model backend.
type LLMConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// DialogueConfig bounds the dialogue engine.
type DialogueConfig struct {
	ToolTimeout time.Duration `yaml:"tool_timeout"`
	CRMBaseURL  string        `yaml:"crm_base_url"`
	// KnowledgeBaseURL points at the retrieval service behind the knowledge
	// search tool. Empty disables the tool.
	KnowledgeBaseURL string `yaml:"knowledge_base_url"`
}

// SessionConfig bounds the per-call state machine.
type SessionConfig struct {
	// TurnTimeout is the ASR-final-to-first-TTS-frame budget for one turn.
	TurnTimeout time.Duration `yaml:"turn_timeout"`
	// BargeInConfidence is the minimum partial-transcript confidence that
	// interrupts playback. Zero means any detected speech barges in.
	BargeInConfidence float64 `yaml:"barge_in_confidence"`
	// BargeInMinRunes ignores very short partials for barge-in.
	BargeInMinRunes int `yaml:"barge_in_min_runes"`
	// RepromptTimeout is the silent stretch after which the agent re-prompts.
	RepromptTimeout time.Duration `yaml:"reprompt_timeout"`
}

// OpsConfig configures the operational HTTP endpoints.
type OpsConfig struct {
	HTTPAddress string `yaml:"http_address"`
}

// TrackConfig configures turn logging. An empty path disables it.
type TrackConfig struct {
	Path string `yaml:"path"`
}

// Load reads the YAML file at path, applies env overrides and defaults, and
// validates the result. A .env file next to the process is honored first.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("config: no .env file loaded")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// applyEnv overrides secrets and addresses from the environment so they never
// have to live in the YAML file.
func (c *Config) applyEnv() {
	if v := os.Getenv("CONTROL_BASE_URL"); v != "" {
		c.Control.BaseURL = v
	}
	if v := os.Getenv("CONTROL_USERNAME"); v != "" {
		c.Control.Username = v
	}
	if v := os.Getenv("CONTROL_PASSWORD"); v != "" {
		c.Control.Password = v
	}
	if v := os.Getenv("ASR_URL"); v != "" {
		c.ASR.URL = v
	}
	if v := os.Getenv("TTS_URL"); v != "" {
		c.TTS.URL = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("CRM_BASE_URL"); v != "" {
		c.Dialogue.CRMBaseURL = v
	}
	if v := os.Getenv("KNOWLEDGE_BASE_URL"); v != "" {
		c.Dialogue.KnowledgeBaseURL = v
	}
	if v := os.Getenv("OPS_HTTP_ADDRESS"); v != "" {
		c.Ops.HTTPAddress = v
	}
}

func (c *Config) applyDefaults() {
	if c.Control.AppName == "" {
		c.Control.AppName = "voip-ai-agent"
	}
	if c.Audio.BindIP == "" {
		c.Audio.BindIP = "0.0.0.0"
	}
	if c.Audio.AdvertiseHost == "" {
		c.Audio.AdvertiseHost = "127.0.0.1"
	}
	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = 8000
	}
	if c.Audio.FrameDuration == 0 {
		c.Audio.FrameDuration = 20 * time.Millisecond
	}
	if c.Audio.PayloadType == 0 {
		c.Audio.PayloadType = 118 // dynamic payload type for slin
	}
	if c.ASR.Language == "" {
		c.ASR.Language = "vi-VN"
	}
	if c.ASR.ReconnectBackoff == 0 {
		c.ASR.ReconnectBackoff = 500 * time.Millisecond
	}
	if c.ASR.MaxReconnects == 0 {
		c.ASR.MaxReconnects = 5
	}
	if c.ASR.SilenceTimeout == 0 {
		c.ASR.SilenceTimeout = 700 * time.Millisecond
	}
	if c.TTS.Language == "" {
		c.TTS.Language = "vi"
	}
	if c.TTS.IdleTimeout == 0 {
		c.TTS.IdleTimeout = 400 * time.Millisecond
	}
	if c.TTS.MaxDuration == 0 {
		c.TTS.MaxDuration = 12 * time.Second
	}
	if c.Dialogue.ToolTimeout == 0 {
		c.Dialogue.ToolTimeout = 2 * time.Second
	}
	if c.Session.TurnTimeout == 0 {
		c.Session.TurnTimeout = 500 * time.Millisecond
	}
	if c.Session.BargeInConfidence == 0 {
		c.Session.BargeInConfidence = 0.6
	}
	if c.Session.BargeInMinRunes == 0 {
		c.Session.BargeInMinRunes = 2
	}
	if c.Session.RepromptTimeout == 0 {
		c.Session.RepromptTimeout = 6 * time.Second
	}
	if c.Ops.HTTPAddress == "" {
		c.Ops.HTTPAddress = ":8080"
	}
}

func (c *Config) validate() error {
	if c.Control.BaseURL == "" {
		return fmt.Errorf("control.base_url is required")
	}
	if c.Control.Username == "" || c.Control.Password == "" {
		return fmt.Errorf("control credentials are required")
	}
	if c.ASR.URL == "" {
		return fmt.Errorf("asr.url is required")
	}
	if c.TTS.URL == "" {
		return fmt.Errorf("tts.url is required")
	}
	if c.LLM.BaseURL == "" || c.LLM.Model == "" {
		return fmt.Errorf("llm.base_url and llm.model are required")
	}
	if c.Audio.SampleRate != 8000 && c.Audio.SampleRate != 16000 {
		return fmt.Errorf("audio.sample_rate must be 8000 or 16000, got %d", c.Audio.SampleRate)
	}
	if c.Audio.FrameDuration < 10*time.Millisecond || c.Audio.FrameDuration > 60*time.Millisecond {
		return fmt.Errorf("audio.frame_duration out of range: %s", c.Audio.FrameDuration)
	}
	if c.Session.BargeInConfidence < 0 || c.Session.BargeInConfidence > 1 {
		return fmt.Errorf("session.barge_in_confidence must be within [0,1]")
	}
	return nil
}
