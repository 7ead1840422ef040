// Command vocalia is the conversational agent server: it accepts WebSocket
// chat sessions, streams assistant text and synthesized audio back, and
// maintains durable per-agent history and long-term memory in Postgres.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/nats-io/nats.go"

	"github.com/vocalia-ai/vocalia/internal/app"
	"github.com/vocalia-ai/vocalia/internal/config"
	"github.com/vocalia-ai/vocalia/internal/observe"
	"github.com/vocalia-ai/vocalia/internal/resilience"
	"github.com/vocalia-ai/vocalia/internal/session"
	"github.com/vocalia-ai/vocalia/internal/store"
	"github.com/vocalia-ai/vocalia/internal/userdata"
	"github.com/vocalia-ai/vocalia/internal/workflow"
	"github.com/vocalia-ai/vocalia/pkg/provider/llm"
	"github.com/vocalia-ai/vocalia/pkg/provider/llm/anyllm"
	llmmock "github.com/vocalia-ai/vocalia/pkg/provider/llm/mock"
	llmopenai "github.com/vocalia-ai/vocalia/pkg/provider/llm/openai"
	"github.com/vocalia-ai/vocalia/pkg/provider/stt"
	sttmock "github.com/vocalia-ai/vocalia/pkg/provider/stt/mock"
	"github.com/vocalia-ai/vocalia/pkg/provider/stt/whisper"
	"github.com/vocalia-ai/vocalia/pkg/provider/tts"
	"github.com/vocalia-ai/vocalia/pkg/provider/tts/elevenlabs"
	ttsmock "github.com/vocalia-ai/vocalia/pkg/provider/tts/mock"
	"github.com/vocalia-ai/vocalia/pkg/provider/vad"
	"github.com/vocalia-ai/vocalia/pkg/provider/vad/energy"
	vadmock "github.com/vocalia-ai/vocalia/pkg/provider/vad/mock"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "vocalia: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "vocalia: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel, cfg.Server.LogFormat)
	slog.SetDefault(logger)
	slog.Info("vocalia starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "vocalia",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Storage ───────────────────────────────────────────────────────────────
	var storeOpts []store.Option
	if cfg.Database.MaxConns > 0 {
		storeOpts = append(storeOpts, store.WithMaxConns(cfg.Database.MaxConns))
	}
	st, err := store.New(ctx, cfg.Database.DSN, storeOpts...)
	if err != nil {
		slog.Error("failed to connect to database", "err", err)
		return 1
	}
	if err := st.Migrate(ctx); err != nil {
		slog.Error("migration failed", "err", err)
		return 1
	}

	// ── Analysis queue (optional) ─────────────────────────────────────────────
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL, nats.Name("vocalia"))
		if err != nil {
			slog.Error("failed to connect to nats", "url", cfg.NATS.URL, "err", err)
			return 1
		}
		slog.Info("analysis queue connected", "url", cfg.NATS.URL, "subject", cfg.NATS.Subject)
	}

	// ── Workflow graphs ───────────────────────────────────────────────────────
	graphs, err := loadGraphs(cfg.Workflows)
	if err != nil {
		slog.Error("failed to load workflow graphs", "err", err)
		return 1
	}

	// ── Session manager + HTTP server ─────────────────────────────────────────
	audio := session.AudioParams{
		SampleRate:      cfg.Server.Audio.SampleRate,
		FrameDurationMs: cfg.Server.Audio.FrameDurationMs,
	}
	mgrOpts := []session.Option{
		session.WithProviderResolver(agentProviders(reg, cfg)),
	}
	if nc != nil {
		mgrOpts = append(mgrOpts, session.WithPublisher(nc, cfg.NATS.Subject))
	}
	sessions := session.NewManager(st, providers, graphs, audio, mgrOpts...)

	appOpts := []app.Option{
		app.WithCloser(func(ctx context.Context) error {
			if nc != nil {
				nc.Close()
			}
			st.Close()
			return otelShutdown(ctx)
		}),
	}
	if nc != nil {
		appOpts = append(appOpts, app.WithNATS(nc))
	}
	application := app.New(cfg, st, sessions, appOpts...)

	slog.Info("server ready, press Ctrl+C to shut down")
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// loadGraphs parses the two session graph variants.
func loadGraphs(cfg config.WorkflowsConfig) (session.Graphs, error) {
	def, err := workflow.LoadGraph(filepath.Join(cfg.Dir, cfg.Default))
	if err != nil {
		return session.Graphs{}, fmt.Errorf("default graph: %w", err)
	}
	copilot, err := workflow.LoadGraph(filepath.Join(cfg.Dir, cfg.Copilot))
	if err != nil {
		return session.Graphs{}, fmt.Errorf("copilot graph: %w", err)
	}
	return session.Graphs{Default: def, Copilot: copilot}, nil
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// openai, anthropic, gemini, deepseek, mistral, groq and llamacpp share
	// the same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"openai", "anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// openai-native talks to the OpenAI API directly via the official SDK,
	// bypassing the any-llm abstraction.
	reg.RegisterLLM("openai-native", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []llmopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(entry.BaseURL))
		}
		return llmopenai.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterLLM("mock", func(config.ProviderEntry) (llm.Provider, error) {
		return llmmock.New(), nil
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if format := optString(entry.Options, "output_format"); format != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(format))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("mock", func(config.ProviderEntry) (tts.Provider, error) {
		return ttsmock.New(), nil
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("mock", func(config.ProviderEntry) (stt.Provider, error) {
		return sttmock.New(), nil
	})

	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Detector, error) {
		return energy.New(), nil
	})

	reg.RegisterVAD("mock", func(config.ProviderEntry) (vad.Detector, error) {
		return vadmock.New(), nil
	})
}

// buildProviders instantiates the providers named in cfg. Entries with
// fallbacks are wrapped in a failover group with per-backend circuit
// breakers.
func buildProviders(cfg *config.Config, reg *config.Registry) (session.Providers, error) {
	var ps session.Providers

	met := observe.DefaultMetrics()
	fbCfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, _, to resilience.State) {
				met.RecordBreakerTransition(context.Background(), name, to.String())
			},
		},
	}

	p, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return ps, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	ps.LLM = p
	if entries := cfg.Providers.LLM.Fallbacks; len(entries) > 0 {
		group := resilience.NewLLMFallback(p, cfg.Providers.LLM.Name, fbCfg)
		for _, entry := range entries {
			fb, err := reg.CreateLLM(entry)
			if err != nil {
				return ps, fmt.Errorf("create llm fallback %q: %w", entry.Name, err)
			}
			group.AddFallback(entry.Name, fb)
		}
		ps.LLM = group
	}
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name,
		"fallbacks", len(cfg.Providers.LLM.Fallbacks))

	if name := cfg.Providers.TTS.Name; name != "" {
		p, err := reg.CreateTTS(cfg.Providers.TTS)
		if err != nil {
			return ps, fmt.Errorf("create tts provider %q: %w", name, err)
		}
		ps.TTS = p
		if entries := cfg.Providers.TTS.Fallbacks; len(entries) > 0 {
			group := resilience.NewTTSFallback(p, name, fbCfg)
			for _, entry := range entries {
				fb, err := reg.CreateTTS(entry)
				if err != nil {
					return ps, fmt.Errorf("create tts fallback %q: %w", entry.Name, err)
				}
				group.AddFallback(entry.Name, fb)
			}
			ps.TTS = group
		}
		ps.Voice = tts.VoiceProfile{ID: cfg.Providers.TTS.Voice, Provider: name}
		slog.Info("provider created", "kind", "tts", "name", name, "voice", cfg.Providers.TTS.Voice)
	}

	if name := cfg.Providers.STT.Name; name != "" {
		p, err := reg.CreateSTT(cfg.Providers.STT)
		if err != nil {
			return ps, fmt.Errorf("create stt provider %q: %w", name, err)
		}
		ps.STT = p
		if entries := cfg.Providers.STT.Fallbacks; len(entries) > 0 {
			group := resilience.NewSTTFallback(p, name, fbCfg)
			for _, entry := range entries {
				fb, err := reg.CreateSTT(entry)
				if err != nil {
					return ps, fmt.Errorf("create stt fallback %q: %w", entry.Name, err)
				}
				group.AddFallback(entry.Name, fb)
			}
			ps.STT = group
		}
		slog.Info("provider created", "kind", "stt", "name", name)
	}

	if name := cfg.Providers.VAD.Name; name != "" {
		p, err := reg.CreateVAD(cfg.Providers.VAD)
		if err != nil {
			return ps, fmt.Errorf("create vad provider %q: %w", name, err)
		}
		ps.VAD = p
		slog.Info("provider created", "kind", "vad", "name", name)
	}

	return ps, nil
}

// agentProviders builds the per-agent resolver: an agent whose config
// carries an ai_providers section gets providers constructed from it on
// attach, while agents without one keep the server defaults. Each override
// starts from the server entry of the same kind, so credentials and options
// the agent does not name are inherited.
func agentProviders(reg *config.Registry, cfg *config.Config) session.ProviderResolver {
	return func(base session.Providers, user *userdata.UserData) (session.Providers, error) {
		resolved := base

		if override := providerOverride(user, "llm"); override != nil {
			entry := agentProviderEntry(cfg.Providers.LLM, override)
			p, err := reg.CreateLLM(entry)
			if err != nil {
				return base, fmt.Errorf("agent llm provider %q: %w", entry.Name, err)
			}
			resolved.LLM = p
		}
		if override := providerOverride(user, "tts"); override != nil {
			entry := agentProviderEntry(cfg.Providers.TTS, override)
			p, err := reg.CreateTTS(entry)
			if err != nil {
				return base, fmt.Errorf("agent tts provider %q: %w", entry.Name, err)
			}
			resolved.TTS = p
			resolved.Voice = tts.VoiceProfile{ID: entry.Voice, Provider: entry.Name}
		}
		if override := providerOverride(user, "stt"); override != nil {
			entry := agentProviderEntry(cfg.Providers.STT, override)
			p, err := reg.CreateSTT(entry)
			if err != nil {
				return base, fmt.Errorf("agent stt provider %q: %w", entry.Name, err)
			}
			resolved.STT = p
		}
		if override := providerOverride(user, "vad"); override != nil {
			entry := agentProviderEntry(cfg.Providers.VAD, override)
			p, err := reg.CreateVAD(entry)
			if err != nil {
				return base, fmt.Errorf("agent vad provider %q: %w", entry.Name, err)
			}
			resolved.VAD = p
		}
		return resolved, nil
	}
}

// providerOverride reads one kind's override block from the agent config.
func providerOverride(user *userdata.UserData, kind string) map[string]any {
	m, _ := user.Config("ai_providers." + kind).(map[string]any)
	return m
}

// agentProviderEntry layers the agent override over the server default
// entry. Fallback chains stay a server-level concern.
func agentProviderEntry(def config.ProviderEntry, override map[string]any) config.ProviderEntry {
	entry := def
	entry.Fallbacks = nil
	if v, ok := override["name"].(string); ok && v != "" {
		entry.Name = v
	}
	if v, ok := override["model"].(string); ok && v != "" {
		entry.Model = v
	}
	if v, ok := override["voice"].(string); ok && v != "" {
		entry.Voice = v
	}
	if v, ok := override["base_url"].(string); ok && v != "" {
		entry.BaseURL = v
	}
	if v, ok := override["api_key"].(string); ok && v != "" {
		entry.APIKey = v
	}
	return entry
}

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map. Returns ""
// if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}
