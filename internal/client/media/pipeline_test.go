package media

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanSource struct {
	frames chan []float32
	done   chan struct{}
	once   sync.Once
	closes atomic.Int32
}

func newChanSource() *chanSource {
	return &chanSource{frames: make(chan []float32), done: make(chan struct{})}
}

func (s *chanSource) SampleRate() int { return 48000 }

func (s *chanSource) ReadFrame(ctx context.Context) ([]float32, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, io.EOF
	}
}

func (s *chanSource) Close() error {
	s.closes.Add(1)
	s.once.Do(func() { close(s.done) })
	return nil
}

func ptr[T any](v T) *T { return &v }

func constFrame(v float32) []float32 {
	f := make([]float32, 960)
	for i := range f {
		f[i] = v
	}
	return f
}

func startPipeline(t *testing.T, src *chanSource) (*Pipeline, *clockwork.FakeClock, *LocalStream) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	p := NewPipeline(Options{
		Capturer: CapturerFunc(func(_ context.Context, c Constraints) (*Capture, error) {
			require.NotNil(t, c.Audio)
			assert.True(t, c.Audio.EchoCancellation)
			assert.Equal(t, 1, c.Audio.ChannelCount)
			return &Capture{Audio: src}, nil
		}),
		ThresholdDB: ptr(-40.0),
		Clock:       clock,
		StreamID:    "s1",
	})
	stream, err := p.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p, clock, stream
}

func TestPipelineGatesOnVoiceActivity(t *testing.T) {
	src := newChanSource()
	p, clock, stream := startPipeline(t, src)

	require.Len(t, stream.Tracks(), 1)
	assert.Zero(t, p.Gain(), "gate starts closed")
	assert.False(t, p.Speaking())

	changes := make(chan bool, 8)
	p.OnSpeakingChange(func(s bool) { changes <- s })

	src.frames <- constFrame(0.5)
	require.Eventually(t, func() bool { return p.analyser.LevelDB() > -40 }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		clock.Advance(DefaultPollInterval)
		return p.Speaking()
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, p.Gain())
	assert.True(t, <-changes)

	for range 3 {
		src.frames <- constFrame(0)
	}
	require.Eventually(t, func() bool { return p.analyser.LevelDB() == FloorDB }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		clock.Advance(DefaultPollInterval)
		return !p.Speaking()
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, p.Gain())
	assert.False(t, <-changes)
}

func TestPipelineThresholdSetter(t *testing.T) {
	src := newChanSource()
	p, _, _ := startPipeline(t, src)
	assert.Equal(t, -40.0, p.Threshold())
	p.SetThreshold(-55)
	assert.Equal(t, -55.0, p.Threshold())
}

func TestPipelineCloseReleasesEverything(t *testing.T) {
	src := newChanSource()
	p, _, stream := startPipeline(t, src)

	stream.SetAudioEnabled(false)
	assert.False(t, stream.AudioEnabled())
	stream.SetAudioEnabled(true)
	assert.True(t, stream.AudioEnabled())
	assert.False(t, stream.VideoEnabled(), "no video track to enable")
	stream.SetVideoEnabled(true)
	assert.False(t, stream.VideoEnabled())

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, int32(1), src.closes.Load())

	_, err := p.Start(context.Background())
	assert.ErrorIs(t, err, ErrPipeClosed)
}

func TestPipelineStartErrors(t *testing.T) {
	p := NewPipeline(Options{Capturer: CapturerFunc(func(context.Context, Constraints) (*Capture, error) {
		return nil, errors.New("permission denied")
	})})
	_, err := p.Start(context.Background())
	assert.ErrorContains(t, err, "permission denied")

	p = NewPipeline(Options{Capturer: CapturerFunc(func(context.Context, Constraints) (*Capture, error) {
		return &Capture{}, nil
	})})
	_, err = p.Start(context.Background())
	assert.ErrorIs(t, err, ErrNoMedia)
	assert.NoError(t, p.Close())
}

func TestPipelineStartRetriesAfterCaptureFailure(t *testing.T) {
	src := newChanSource()
	calls := 0
	p := NewPipeline(Options{
		Capturer: CapturerFunc(func(context.Context, Constraints) (*Capture, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("device busy")
			}
			return &Capture{Audio: src}, nil
		}),
		Clock: clockwork.NewFakeClock(),
	})
	t.Cleanup(func() { _ = p.Close() })

	_, err := p.Start(context.Background())
	require.ErrorContains(t, err, "device busy")

	stream, err := p.Start(context.Background())
	require.NoError(t, err)
	assert.Len(t, stream.Tracks(), 1)

	_, err = p.Start(context.Background())
	assert.ErrorIs(t, err, ErrStarted)
}

func TestPipelineThresholdDefaults(t *testing.T) {
	p := NewPipeline(Options{Capturer: CapturerFunc(func(context.Context, Constraints) (*Capture, error) {
		return nil, errors.New("unused")
	})})
	assert.Equal(t, DefaultThresholdDB, p.Threshold())

	p = NewPipeline(Options{ThresholdDB: ptr(0.0)})
	assert.Equal(t, 0.0, p.Threshold(), "0 dB is a valid threshold")
}
