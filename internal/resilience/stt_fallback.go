package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/crosstalk/pkg/provider/stt"
)

// TranscriberFallback implements [stt.Transcriber] by trying several
// transcription backends in order.
type TranscriberFallback struct {
	group *FallbackGroup[stt.Transcriber]
}

var _ stt.Transcriber = (*TranscriberFallback)(nil)

// NewTranscriberFallback creates a fallback chain with primary tried first.
// Requests the backend cannot fix ([stt.ErrEmptyAudio]) are never retried on
// another backend.
func NewTranscriberFallback(primary stt.Transcriber, primaryName string, cfg FallbackConfig) *TranscriberFallback {
	if cfg.Permanent == nil {
		cfg.Permanent = func(err error) bool { return errors.Is(err, stt.ErrEmptyAudio) }
	}
	return &TranscriberFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend after the existing ones.
func (f *TranscriberFallback) AddFallback(name string, t stt.Transcriber) {
	f.group.AddFallback(name, t)
}

// Backends returns the backend names in trial order.
func (f *TranscriberFallback) Backends() []string { return f.group.Names() }

// States reports each backend's circuit state.
func (f *TranscriberFallback) States() map[string]State { return f.group.States() }

// Transcribe sends req to the first healthy backend that succeeds.
func (f *TranscriberFallback) Transcribe(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	return Do(ctx, f.group, func(ctx context.Context, t stt.Transcriber) (stt.Transcript, error) {
		return t.Transcribe(ctx, req)
	})
}
