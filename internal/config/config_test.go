package config

import (
	"errors"
	"strings"
	"testing"

	"github.com/vocalia-ai/vocalia/pkg/provider/llm"
	llmmock "github.com/vocalia-ai/vocalia/pkg/provider/llm/mock"
)

const minimalYAML = `
auth:
  jwt_secret: test-secret
database:
  dsn: postgres://localhost/vocalia
providers:
  llm:
    name: mock
`

func TestLoadFromReaderAppliesDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != LogInfo {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.Server.LogFormat != "text" {
		t.Errorf("log_format = %q", cfg.Server.LogFormat)
	}
	if cfg.Server.Audio.SampleRate != 16000 || cfg.Server.Audio.FrameDurationMs != 60 {
		t.Errorf("audio defaults = %+v", cfg.Server.Audio)
	}
	if cfg.Workflows.Dir != "workflows" || cfg.Workflows.Default != "chat.yaml" || cfg.Workflows.Copilot != "chat_copilot.yaml" {
		t.Errorf("workflow defaults = %+v", cfg.Workflows)
	}
	if cfg.NATS.Subject != "vocalia.session.analysis" {
		t.Errorf("nats subject = %q", cfg.NATS.Subject)
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader(minimalYAML + "\nbogus_field: 1\n"))
	if err == nil {
		t.Fatal("want error for unknown field")
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := &Config{}
	cfg.Server.LogLevel = "loud"
	cfg.Server.LogFormat = "xml"
	cfg.Server.Audio.SampleRate = 44100
	cfg.Server.Audio.FrameDurationMs = 25

	err := Validate(cfg)
	if err == nil {
		t.Fatal("want validation errors")
	}
	for _, want := range []string{
		"server.log_level",
		"server.log_format",
		"server.audio.sample_rate",
		"server.audio.frame_duration_ms",
		"auth.jwt_secret",
		"database.dsn",
		"providers.llm.name",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error misses %q: %v", want, err)
		}
	}
}

func TestValidateTLSRequiresBothFiles(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Server.TLS = &TLSConfig{CertFile: "cert.pem"}
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "server.tls") {
		t.Errorf("want tls error, got %v", err)
	}
}

func TestRegistryRoundTrip(t *testing.T) {
	r := NewRegistry()
	r.RegisterLLM("mock", func(ProviderEntry) (llm.Provider, error) {
		return llmmock.New(), nil
	})

	p, err := r.CreateLLM(ProviderEntry{Name: "mock"})
	if err != nil {
		t.Fatalf("CreateLLM: %v", err)
	}
	if p == nil {
		t.Fatal("nil provider")
	}

	_, err = r.CreateLLM(ProviderEntry{Name: "ghost"})
	if !errors.Is(err, ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
	_, err = r.CreateTTS(ProviderEntry{Name: "ghost"})
	if !errors.Is(err, ErrProviderNotRegistered) {
		t.Errorf("tts err = %v", err)
	}
}
