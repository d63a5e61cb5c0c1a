// Package app wires the crosstalk subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects the
// conversation coordinator, the event feed and the HTTP surface, Run starts
// capture and serves HTTP until the context is cancelled, and Shutdown tears
// everything down in order.
//
// For testing, inject collaborators via functional options (WithMetrics,
// WithListener, WithCoordinatorOptions). When an option is not provided, New
// falls back to process-wide defaults.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/crosstalk/internal/config"
	"github.com/MrWong99/crosstalk/internal/conversation"
	"github.com/MrWong99/crosstalk/internal/device"
	"github.com/MrWong99/crosstalk/internal/eventfeed"
	"github.com/MrWong99/crosstalk/internal/health"
	"github.com/MrWong99/crosstalk/internal/observe"
	"github.com/MrWong99/crosstalk/internal/resilience"
	"github.com/MrWong99/crosstalk/internal/transcript"
	"github.com/MrWong99/crosstalk/pkg/audio"
	"github.com/MrWong99/crosstalk/pkg/provider/stt"
	"github.com/MrWong99/crosstalk/pkg/provider/vad"
)

// readHeaderTimeout bounds how long a client may take to send request
// headers.
const readHeaderTimeout = 10 * time.Second

// Providers holds the constructed collaborators. Populated by main.go via the
// config registry.
type Providers struct {
	// Source opens the capture devices. If it implements [io.Closer] it is
	// closed during Shutdown.
	Source audio.Source

	// VAD creates one voice activity session per speaker.
	VAD vad.Engine

	// STT transcribes finished recordings. Usually a
	// [resilience.TranscriberFallback].
	STT stt.Transcriber

	// STTName labels the transcriber in metrics and logs.
	STTName string
}

// backendStates is implemented by transcribers that report per-backend
// circuit breaker state.
type backendStates interface {
	States() map[string]resilience.State
}

// App owns every subsystem of a running crosstalk process.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics        *observe.Metrics
	metricsHandler http.Handler
	level          *slog.LevelVar
	listener       net.Listener
	coordOpts      []conversation.Option
	configPath     string
	watchInterval  time.Duration

	coordinator *conversation.Coordinator
	corrector   *transcript.VocabularyCorrector
	feed        *eventfeed.Feed
	health      *health.Handler
	server      *http.Server
	watcher     *config.Watcher

	// mu guards live, the configuration the running subsystems reflect.
	mu   sync.Mutex
	live *config.Config

	// closers are called in order during Shutdown.
	closers []func(ctx context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option configures an [App].
type Option func(*App)

// WithMetrics sets the instruments shared by all subsystems. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLevelVar lets configuration reloads change the log level of the
// process logger.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithListener serves HTTP on ln instead of listening on
// cfg.Server.ListenAddr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithCoordinatorOptions passes extra options to the conversation
// coordinator, after the ones App installs itself.
func WithCoordinatorOptions(opts ...conversation.Option) Option {
	return func(a *App) { a.coordOpts = append(a.coordOpts, opts...) }
}

// WithConfigWatch reloads the configuration file at path every interval and
// applies the changes that can take effect without a restart. A zero
// interval uses [config.DefaultWatchInterval].
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(a *App) {
		a.configPath = path
		a.watchInterval = interval
	}
}

// New creates an App from cfg and providers. It does not start capture or
// open any listener; call [App.Run] for that.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if providers == nil {
		return nil, errors.New("app: providers are required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
		live:      cfg,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.corrector = transcript.New(cfg.Transcription.Vocabulary)
	a.initFeed()
	if err := a.initCoordinator(); err != nil {
		return nil, err
	}
	a.initHTTP()
	if err := a.initWatcher(); err != nil {
		a.coordinator.Stop()
		a.feed.Close()
		return nil, err
	}
	if c, ok := providers.Source.(io.Closer); ok {
		a.closers = append(a.closers, func(context.Context) error { return c.Close() })
	}
	return a, nil
}

func (a *App) initFeed() {
	a.feed = eventfeed.New(
		eventfeed.WithCapacity(a.cfg.EventFeed.Capacity),
		eventfeed.WithMetrics(a.metrics),
		eventfeed.WithOriginPatterns(a.cfg.EventFeed.OriginPatterns...),
	)
}

func (a *App) initCoordinator() error {
	opts := []conversation.Option{
		conversation.OnUtterance(a.publish),
		conversation.OnSpeakingChanged(func(speaker string, speaking bool) {
			slog.Debug("speaking changed", "speaker", speaker, "speaking", speaking)
		}),
	}
	opts = append(opts, a.coordOpts...)

	coord, err := conversation.New(ConversationConfig(a.cfg), conversation.Deps{
		Source:          a.providers.Source,
		VAD:             a.providers.VAD,
		Transcriber:     a.providers.STT,
		TranscriberName: a.providers.STTName,
		Corrector:       a.corrector,
		Metrics:         a.metrics,
	}, opts...)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.coordinator = coord

	// Stop drains pending transcriptions into the feed, so it runs first.
	a.closers = append(a.closers,
		func(context.Context) error {
			a.coordinator.Stop()
			return nil
		},
		func(context.Context) error {
			a.feed.Close()
			return nil
		},
	)
	return nil
}

func (a *App) initHTTP() {
	hopts := []health.Option{
		health.WithChecker("devices", a.coordinator.CheckDevices),
		health.WithStatus(a.Status),
	}
	if _, ok := a.providers.STT.(backendStates); ok {
		hopts = append(hopts, health.WithChecker("stt", a.checkTranscriber))
	}
	a.health = health.New(hopts...)

	mux := http.NewServeMux()
	a.health.Register(mux)
	a.feed.Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}

	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	a.closers = append(a.closers, func(ctx context.Context) error {
		if err := a.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("app: http shutdown: %w", err)
		}
		return nil
	})
}

func (a *App) initWatcher() error {
	if a.configPath == "" {
		return nil
	}
	var opts []config.WatcherOption
	if a.watchInterval > 0 {
		opts = append(opts, config.WithInterval(a.watchInterval))
	}
	w, err := config.NewWatcher(a.configPath, func(_, new *config.Config) {
		a.ApplyConfig(new)
	}, opts...)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.watcher = w
	a.closers = append(a.closers, func(context.Context) error {
		w.Stop()
		return nil
	})
	return nil
}

// publish forwards a finished utterance to the event feed.
func (a *App) publish(u conversation.Utterance) {
	if err := a.feed.Publish(u); err != nil {
		slog.Warn("failed to publish utterance", "id", u.ID, "err", err)
	}
}

// Run starts capture and serves HTTP. It blocks until ctx is cancelled or
// the HTTP server fails, and returns ctx.Err() on cancellation.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	if err := a.coordinator.Start(ctx); err != nil {
		_ = ln.Close()
		return fmt.Errorf("app: start conversation: %w", err)
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errc <- err
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	}
}

// Shutdown tears down all subsystems in order: capture stops and drains its
// transcriptions, the feed disconnects its clients, the HTTP server and
// the config watcher stop, and finally the capture source is closed. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(ctx); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ApplyConfig applies the parts of new that can change while running: the
// log level, the noise reduction parameters and the correction vocabulary.
// Everything else is logged as requiring a restart.
func (a *App) ApplyConfig(new *config.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()

	d := config.Diff(a.live, new)
	if !d.HasChanges() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.NoiseChanged {
		if err := a.coordinator.ApplyNoise(d.NewNoise.Params()); err != nil {
			slog.Warn("failed to apply noise settings", "err", err)
		} else {
			slog.Info("noise settings applied", "params", d.NewNoise.Params())
		}
	}
	if d.VocabularyChanged {
		a.corrector.SetVocabulary(d.NewVocabulary)
		slog.Info("vocabulary updated", "terms", len(d.NewVocabulary))
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}

	// Sections that need a restart keep their running values so the warning
	// repeats until the process is restarted.
	merged := *a.live
	merged.Server.LogLevel = new.Server.LogLevel
	if d.NoiseChanged {
		merged.Noise = new.Noise
	}
	merged.Transcription.Vocabulary = slices.Clone(new.Transcription.Vocabulary)
	a.live = &merged
}

// Coordinator returns the conversation coordinator.
func (a *App) Coordinator() *conversation.Coordinator { return a.coordinator }

// Feed returns the utterance event feed.
func (a *App) Feed() *eventfeed.Feed { return a.feed }

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.server.Handler }

// SpeakerStatus is the JSON view of one speaker served at /status.
type SpeakerStatus struct {
	Name            string  `json:"name"`
	Device          string  `json:"device"`
	Connected       bool    `json:"connected"`
	Speaking        bool    `json:"speaking"`
	Loudness        float64 `json:"loudness"`
	LastAvgLoudness float64 `json:"last_avg_loudness"`
	Utterances      uint64  `json:"utterances"`
	Error           string  `json:"error,omitempty"`
}

// Status is the JSON document served at /status.
type Status struct {
	Speakers    []SpeakerStatus   `json:"speakers"`
	Transcriber map[string]string `json:"transcriber,omitempty"`
	FeedClients int               `json:"feed_clients"`
}

// Status returns a snapshot of the running pipeline.
func (a *App) Status() any {
	snap := a.coordinator.Snapshot()
	st := Status{
		Speakers:    make([]SpeakerStatus, 0, len(snap)),
		FeedClients: a.feed.Clients(),
	}
	for _, s := range snap {
		ss := SpeakerStatus{
			Name:            s.Speaker,
			Device:          s.DeviceID,
			Connected:       s.Connected,
			Speaking:        s.Speaking,
			Loudness:        s.Loudness,
			LastAvgLoudness: s.LastAvgLoudness,
			Utterances:      s.Utterances,
		}
		if s.Err != nil {
			ss.Error = s.Err.Error()
		}
		st.Speakers = append(st.Speakers, ss)
	}
	if bs, ok := a.providers.STT.(backendStates); ok {
		st.Transcriber = make(map[string]string)
		for name, state := range bs.States() {
			st.Transcriber[name] = state.String()
		}
	}
	return st
}

// checkTranscriber fails when every transcription backend has its circuit
// open.
func (a *App) checkTranscriber(context.Context) error {
	states := a.providers.STT.(backendStates).States()
	for _, s := range states {
		if s != resilience.StateOpen {
			return nil
		}
	}
	if len(states) == 0 {
		return nil
	}
	return errors.New("all transcription backends are unavailable")
}

// ConversationConfig translates the file configuration into the settings of
// the conversation coordinator.
func ConversationConfig(cfg *config.Config) conversation.Config {
	speakers := make([]conversation.Speaker, len(cfg.Speakers))
	for i, s := range cfg.Speakers {
		speakers[i] = conversation.Speaker{Name: s.Name, DeviceID: s.Device}
	}
	return conversation.Config{
		Speakers:          speakers,
		SampleRate:        cfg.Capture.SampleRate,
		VAD:               cfg.VADSettings(cfg.Capture.SampleRate),
		CollisionHold:     cfg.Collision.Hold,
		Noise:             cfg.Noise.Params(),
		DisableNoise:      !cfg.Noise.IsEnabled(),
		PreRoll:           cfg.Recorder.PreRollDuration(),
		MaxRecording:      cfg.Recorder.MaxDuration,
		Encodings:         slices.Clone(cfg.Recorder.Encodings),
		Language:          cfg.Transcription.Language,
		Keywords:          cfg.Transcription.Keywords(),
		FailureText:       cfg.Transcription.FailureText,
		TranscribeTimeout: cfg.Transcription.Timeout,
		DrainTimeout:      cfg.Transcription.DrainTimeout,
		QueueSize:         cfg.Transcription.QueueSize,
		Acquire: device.Policy{
			MaxAttempts: cfg.Capture.Retry.MaxAttempts,
			Backoff:     cfg.Capture.Retry.Backoff,
			MaxBackoff:  cfg.Capture.Retry.MaxBackoff,
		},
	}
}

// SlogLevel maps a config log level to its slog equivalent.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
