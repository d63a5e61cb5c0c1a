// Package portaudio implements [audio.Source] on top of the PortAudio C
// library, for capturing from local microphones.
//
// Device identifiers are device names as reported by PortAudio. A name is
// matched exactly first and then as a case-insensitive substring, so "USB"
// picks the first USB microphone. The empty identifier selects the system
// default input.
//
// Each opened stream runs one goroutine that performs blocking reads and
// delivers fixed-size mono frames. A read error other than an input overflow
// ends the stream, which callers observe as the Frames channel closing.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/crosstalk/pkg/audio"
)

const (
	defaultSampleRate = 48000
	defaultFrameSize  = 20 * time.Millisecond
	frameBuffer       = 64
)

// Compile-time interface assertions.
var (
	_ audio.Source = (*Source)(nil)
	_ audio.Stream = (*stream)(nil)
)

// Option configures a [Source].
type Option func(*Source)

// WithSampleRate sets the capture rate in Hz. Default: 48000.
func WithSampleRate(rate int) Option {
	return func(s *Source) {
		s.sampleRate = rate
	}
}

// WithFrameSize sets the duration of each delivered frame. Default: 20ms.
func WithFrameSize(d time.Duration) Option {
	return func(s *Source) {
		s.frameSize = d
	}
}

// WithChannels sets how many device channels are captured before
// down-mixing to mono. Default: 1.
func WithChannels(n int) Option {
	return func(s *Source) {
		s.channels = n
	}
}

// Source opens PortAudio input devices. Create it with [New] and release the
// library with [Source.Close] after every stream is closed.
type Source struct {
	sampleRate int
	frameSize  time.Duration
	channels   int

	mu     sync.Mutex
	closed bool
}

// New initialises PortAudio and returns a Source.
func New(opts ...Option) (*Source, error) {
	s := &Source{
		sampleRate: defaultSampleRate,
		frameSize:  defaultFrameSize,
		channels:   1,
	}
	for _, o := range opts {
		o(s)
	}
	if s.sampleRate <= 0 {
		return nil, fmt.Errorf("portaudio: invalid sample rate %d", s.sampleRate)
	}
	if s.channels <= 0 {
		return nil, fmt.Errorf("portaudio: invalid channel count %d", s.channels)
	}
	if s.framesPerBuffer() <= 0 {
		return nil, fmt.Errorf("portaudio: frame size %v too small for %d Hz", s.frameSize, s.sampleRate)
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	return s, nil
}

func (s *Source) framesPerBuffer() int {
	return int(int64(s.sampleRate) * int64(s.frameSize) / int64(time.Second))
}

// Close terminates PortAudio. Streams must be closed first.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return portaudio.Terminate()
}

// InputDevice describes a capture-capable device.
type InputDevice struct {
	Name              string
	HostAPI           string
	MaxInputChannels  int
	DefaultSampleRate float64
	Default           bool
}

// Devices lists every device with at least one input channel.
func (s *Source) Devices() ([]InputDevice, error) {
	devs, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	def, _ := portaudio.DefaultInputDevice()
	var out []InputDevice
	for _, d := range devs {
		if d.MaxInputChannels <= 0 {
			continue
		}
		info := InputDevice{
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
			Default:           def != nil && d.Name == def.Name,
		}
		if d.HostApi != nil {
			info.HostAPI = d.HostApi.Name
		}
		out = append(out, info)
	}
	return out, nil
}

// findDevice resolves deviceID to a PortAudio device.
func findDevice(deviceID string) (*portaudio.DeviceInfo, error) {
	if deviceID == "" {
		d, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("%w: no default input: %v", audio.ErrDeviceNotFound, err)
		}
		return d, nil
	}
	devs, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: list devices: %v", audio.ErrDeviceBusy, err)
	}
	var partial *portaudio.DeviceInfo
	needle := strings.ToLower(deviceID)
	for _, d := range devs {
		if d.MaxInputChannels <= 0 {
			continue
		}
		if d.Name == deviceID {
			return d, nil
		}
		if partial == nil && strings.Contains(strings.ToLower(d.Name), needle) {
			partial = d
		}
	}
	if partial != nil {
		return partial, nil
	}
	return nil, fmt.Errorf("%w: %q", audio.ErrDeviceNotFound, deviceID)
}

// Open starts capturing from deviceID.
func (s *Source) Open(ctx context.Context, deviceID string) (audio.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, errors.New("portaudio: source closed")
	}

	dev, err := findDevice(deviceID)
	if err != nil {
		return nil, err
	}
	channels := min(s.channels, dev.MaxInputChannels)
	fpb := s.framesPerBuffer()
	buf := make([]float32, fpb*channels)

	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = channels
	params.SampleRate = float64(s.sampleRate)
	params.FramesPerBuffer = fpb

	pa, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("%w: open %q: %v", audio.ErrDeviceBusy, dev.Name, err)
	}
	if err := pa.Start(); err != nil {
		_ = pa.Close()
		return nil, fmt.Errorf("%w: start %q: %v", audio.ErrDeviceBusy, dev.Name, err)
	}

	st := &stream{
		name:     dev.Name,
		pa:       pa,
		buf:      buf,
		channels: channels,
		rate:     s.sampleRate,
		frames:   make(chan audio.AudioFrame, frameBuffer),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	go st.run()

	slog.Info("capture device opened",
		"device_id", deviceID,
		"device", dev.Name,
		"sample_rate", s.sampleRate,
		"channels", channels,
		"frames_per_buffer", fpb,
	)
	return st, nil
}

// stream is one open PortAudio input.
type stream struct {
	name     string
	pa       *portaudio.Stream
	buf      []float32
	channels int
	rate     int

	frames    chan audio.AudioFrame
	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
}

func (s *stream) Frames() <-chan audio.AudioFrame { return s.frames }

func (s *stream) Format() audio.Format {
	return audio.Format{SampleRate: s.rate, Channels: 1}
}

// Close stops the read loop and waits for it to release the device.
func (s *stream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	<-s.exited
	return nil
}

func (s *stream) run() {
	defer close(s.exited)
	defer close(s.frames)
	defer func() {
		_ = s.pa.Stop()
		_ = s.pa.Close()
	}()

	var (
		pos     time.Duration
		dropped int
	)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		if err := s.pa.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				slog.Debug("capture input overflowed", "device", s.name)
			} else {
				slog.Warn("capture stream lost", "device", s.name, "err", err)
				return
			}
		}

		mono := audio.DownmixInterleaved(s.buf, s.channels)
		samples := make([]float32, len(mono))
		copy(samples, mono)
		frame := audio.AudioFrame{Samples: samples, SampleRate: s.rate, Timestamp: pos}
		pos += frame.Duration()

		select {
		case s.frames <- frame:
		case <-s.done:
			return
		default:
			dropped++
			if dropped%50 == 1 {
				slog.Warn("capture consumer too slow, dropping frames", "device", s.name, "dropped", dropped)
			}
		}
	}
}
