// Package mock provides test doubles for the stt package interfaces.
//
// Use Transcriber to script transcripts or failures and inspect which
// requests were delivered.
//
// Example:
//
//	tr := &mock.Transcriber{Result: stt.Transcript{Text: "hello"}}
//	got, _ := tr.Transcribe(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/crosstalk/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Transcriber.Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Req is the Request passed to Transcribe.
	Req stt.Request
}

// Transcriber is a mock implementation of stt.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// Result is returned by Transcribe when no scripted result remains.
	Result stt.Transcript

	// Err, if non-nil, is returned by every Transcribe call once Errs is
	// exhausted.
	Err error

	// Errs is a queue of errors returned by successive calls before falling
	// back to Err/Result. A nil entry yields Result.
	Errs []error

	// Results is a queue of transcripts returned by successive successful
	// calls before falling back to Result.
	Results []stt.Transcript

	// Block, if non-nil, makes Transcribe wait until the channel is closed or
	// ctx is done.
	Block chan struct{}

	// Calls records every call to Transcribe in order.
	Calls []TranscribeCall

	// Started, if non-nil, receives one value per call as soon as the call
	// is recorded. Sends are non-blocking.
	Started chan struct{}
}

// Transcribe records the call and returns the scripted result.
func (t *Transcriber) Transcribe(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	t.mu.Lock()
	t.Calls = append(t.Calls, TranscribeCall{Ctx: ctx, Req: req})
	block := t.Block
	started := t.Started
	var err error
	if len(t.Errs) > 0 {
		err = t.Errs[0]
		t.Errs = t.Errs[1:]
	} else {
		err = t.Err
	}
	res := t.Result
	if err == nil && len(t.Results) > 0 {
		res = t.Results[0]
		t.Results = t.Results[1:]
	}
	t.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return stt.Transcript{}, ctx.Err()
		}
	}
	if err != nil {
		return stt.Transcript{}, err
	}
	return res, nil
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (t *Transcriber) CallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Calls)
}

// Requests returns a copy of every request received. Thread-safe.
func (t *Transcriber) Requests() []stt.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]stt.Request, len(t.Calls))
	for i, c := range t.Calls {
		out[i] = c.Req
	}
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (t *Transcriber) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Calls = nil
}

// Ensure Transcriber implements stt.Transcriber at compile time.
var _ stt.Transcriber = (*Transcriber)(nil)
