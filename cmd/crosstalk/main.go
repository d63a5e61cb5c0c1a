// Command crosstalk captures a two-party conversation from one microphone
// per speaker and publishes transcribed utterances over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"github.com/MrWong99/crosstalk/internal/app"
	"github.com/MrWong99/crosstalk/internal/config"
	"github.com/MrWong99/crosstalk/internal/observe"
	"github.com/MrWong99/crosstalk/internal/resilience"
	"github.com/MrWong99/crosstalk/pkg/audio"
	"github.com/MrWong99/crosstalk/pkg/audio/portaudio"
	"github.com/MrWong99/crosstalk/pkg/provider/stt"
	"github.com/MrWong99/crosstalk/pkg/provider/stt/deepgram"
	"github.com/MrWong99/crosstalk/pkg/provider/stt/google"
	"github.com/MrWong99/crosstalk/pkg/provider/stt/whisper"
	"github.com/MrWong99/crosstalk/pkg/provider/vad"
	"github.com/MrWong99/crosstalk/pkg/provider/vad/energy"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	listDevices := flag.Bool("list-devices", false, "print the available input devices and exit")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	if *listDevices {
		return printDevices()
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "crosstalk: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "crosstalk: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("crosstalk starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	promReg := prometheus.NewRegistry()
	shutdownTelemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Registry:       promReg,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStartupSummary(cfg, providers)

	opts := []app.Option{
		app.WithMetrics(metrics),
		app.WithMetricsHandler(observe.MetricsHandler(promReg)),
		app.WithLevelVar(&level),
	}
	if *watch {
		opts = append(opts, app.WithConfigWatch(*configPath, 0))
	}
	application, err := app.New(cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		if c, ok := providers.Source.(io.Closer); ok {
			_ = c.Close()
		}
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives its config section and constructs the provider from
// the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Capture ──────────────────────────────────────────────────────────────
	reg.RegisterCapture("portaudio", func(c config.CaptureConfig) (audio.Source, error) {
		return portaudio.New(
			portaudio.WithSampleRate(c.SampleRate),
			portaudio.WithFrameSize(c.FrameDuration()),
		)
	})

	// ── VAD ──────────────────────────────────────────────────────────────────
	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})

	// ── STT ──────────────────────────────────────────────────────────────────
	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})
	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		return whisper.NewNative(modelPath, opts...)
	})
	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})
	reg.RegisterSTT("google", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []google.Option
		if entry.Model != "" {
			opts = append(opts, google.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, google.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, google.WithEndpoint(entry.BaseURL))
		}
		return google.New(entry.APIKey, opts...)
	})

	for _, name := range reg.STTNames() {
		slog.Debug("registered provider", "kind", "stt", "name", name)
	}
}

// buildProviders instantiates the providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	transcriber, err := buildTranscriber(cfg, reg)
	if err != nil {
		return nil, err
	}

	detector, err := reg.CreateVAD(cfg.Providers.VAD)
	if err != nil {
		return nil, fmt.Errorf("create vad provider %q: %w", cfg.Providers.VAD.Name, err)
	}
	slog.Info("provider created", "kind", "vad", "name", cfg.Providers.VAD.Name)

	source, err := reg.CreateCapture(cfg.Capture)
	if err != nil {
		return nil, fmt.Errorf("create capture source %q: %w", cfg.Capture.Source.Name, err)
	}
	slog.Info("provider created", "kind", "capture", "name", cfg.Capture.Source.Name,
		"sample_rate", cfg.Capture.SampleRate,
		"frame", cfg.Capture.FrameDuration(),
	)

	return &app.Providers{
		Source:  source,
		VAD:     detector,
		STT:     transcriber,
		STTName: cfg.Providers.STT.Name,
	}, nil
}

// buildTranscriber creates the primary transcriber and every configured
// fallback, each behind its own circuit breaker. Fallbacks that fail to
// construct are skipped with a warning; the primary is required.
func buildTranscriber(cfg *config.Config, reg *config.Registry) (*resilience.TranscriberFallback, error) {
	primary, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)

	cb := cfg.Providers.CircuitBreaker
	chain := resilience.NewTranscriberFallback(primary, cfg.Providers.STT.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cb.MaxFailures,
			ResetTimeout: cb.ResetTimeout,
			HalfOpenMax:  cb.HalfOpenMax,
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("transcriber circuit changed", "backend", name, "from", from, "to", to)
			},
		},
		OnAttempt: func(name string, err error) {
			if err != nil {
				slog.Debug("transcriber attempt failed", "backend", name, "err", err)
			}
		},
	})

	for i, entry := range cfg.Providers.STTFallbacks {
		t, err := reg.CreateSTT(entry)
		if err != nil {
			slog.Warn("skipping stt fallback", "index", i, "name", entry.Name, "err", err)
			continue
		}
		name := entry.Name
		if slices.Contains(chain.Backends(), name) {
			name = fmt.Sprintf("%s#%d", name, i+1)
		}
		chain.AddFallback(name, t)
		slog.Info("provider created", "kind", "stt_fallback", "name", entry.Name)
	}
	return chain, nil
}

// ── Devices ───────────────────────────────────────────────────────────────────

func printDevices() int {
	src, err := portaudio.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "crosstalk: %v\n", err)
		return 1
	}
	defer src.Close()

	devs, err := src.Devices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "crosstalk: %v\n", err)
		return 1
	}
	for i, d := range devs {
		mark := " "
		if d.Default {
			mark = "*"
		}
		fmt.Printf("%s %2d  %-40s %-16s %d ch  %.0f Hz\n",
			mark, i, d.Name, d.HostAPI, d.MaxInputChannels, d.DefaultSampleRate)
	}
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, providers *app.Providers) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        crosstalk: startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Capture", cfg.Capture.Source.Name)
	printRow("VAD", cfg.Providers.VAD.Name)
	if chain, ok := providers.STT.(*resilience.TranscriberFallback); ok {
		for i, name := range chain.Backends() {
			kind := "STT"
			if i > 0 {
				kind = "STT fallback"
			}
			printRow(kind, name)
		}
	}
	for _, s := range cfg.Speakers {
		device := s.Device
		if device == "" {
			device = "(default)"
		}
		printRow("Speaker", s.Name+" @ "+device)
	}
	noise := "off"
	if cfg.Noise.IsEnabled() {
		noise = "on"
	}
	printRow("Noise chain", noise)
	printRow("Sample rate", fmt.Sprintf("%d Hz", cfg.Capture.SampleRate))
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
