package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vocalia-ai/vocalia/pkg/audio"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "openai-native", "mock"},
	"tts": {"elevenlabs", "mock"},
	"stt": {"whisper", "mock"},
	"vad": {"energy", "mock"},
}

var validSampleRates = []int{8000, 16000, 24000, 48000}

// Load reads the YAML configuration file at path, expands ${ENV} references,
// and returns a validated [Config] with defaults applied.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	cfg, err := LoadFromReader(strings.NewReader(os.ExpandEnv(string(raw))))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals. No environment expansion is performed.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = "text"
	}
	if cfg.Server.Audio.SampleRate == 0 {
		cfg.Server.Audio.SampleRate = audio.DefaultSampleRate
	}
	if cfg.Server.Audio.FrameDurationMs == 0 {
		cfg.Server.Audio.FrameDurationMs = audio.DefaultFrameDurationMs
	}
	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = "vocalia.session.analysis"
	}
	if cfg.Workflows.Dir == "" {
		cfg.Workflows.Dir = "workflows"
	}
	if cfg.Workflows.Default == "" {
		cfg.Workflows.Default = "chat.yaml"
	}
	if cfg.Workflows.Copilot == "" {
		cfg.Workflows.Copilot = "chat_copilot.yaml"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if f := cfg.Server.LogFormat; f != "" && f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", f))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}
	if !slices.Contains(validSampleRates, cfg.Server.Audio.SampleRate) {
		errs = append(errs, fmt.Errorf("server.audio.sample_rate %d is invalid; valid values: 8000, 16000, 24000, 48000", cfg.Server.Audio.SampleRate))
	}
	if d := cfg.Server.Audio.FrameDurationMs; d != 20 && d != 40 && d != 60 {
		errs = append(errs, fmt.Errorf("server.audio.frame_duration_ms %d is invalid; valid values: 20, 40, 60", d))
	}

	if cfg.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if cfg.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)

	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		slog.Warn("no TTS provider configured; sessions will receive text only")
	}
	if cfg.Providers.STT.Name == "" || cfg.Providers.VAD.Name == "" {
		slog.Warn("STT or VAD provider missing; voice input will be unavailable")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
