package media

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ToneSource is a synthetic microphone: a sine tone in talk spurts, paced in
// real time by its clock. It stands in for a device on headless clients.
type ToneSource struct {
	clock     clockwork.Clock
	rate      int
	frame     int
	freq      float64
	amplitude float32
	on, off   time.Duration

	mu     sync.Mutex
	n      int
	start  time.Time
	closed chan struct{}
	once   sync.Once
}

type ToneOptions struct {
	SampleRate int
	Frame      time.Duration
	Frequency  float64
	Amplitude  float32
	// Talk and Pause shape the spurts; a zero Pause makes the tone continuous.
	Talk  time.Duration
	Pause time.Duration
}

func NewToneSource(clock clockwork.Clock, opts ToneOptions) *ToneSource {
	if opts.SampleRate == 0 {
		opts.SampleRate = 48000
	}
	if opts.Frame == 0 {
		opts.Frame = 20 * time.Millisecond
	}
	if opts.Frequency == 0 {
		opts.Frequency = 440
	}
	if opts.Amplitude == 0 {
		opts.Amplitude = 0.3
	}
	return &ToneSource{
		clock:     clock,
		rate:      opts.SampleRate,
		frame:     int(int64(opts.SampleRate) * int64(opts.Frame) / int64(time.Second)),
		freq:      opts.Frequency,
		amplitude: opts.Amplitude,
		on:        opts.Talk,
		off:       opts.Pause,
		start:     clock.Now(),
		closed:    make(chan struct{}),
	}
}

func (s *ToneSource) SampleRate() int { return s.rate }

func (s *ToneSource) ReadFrame(ctx context.Context) ([]float32, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, ErrPipeClosed
	case <-s.clock.After(frameDuration(s.frame, s.rate)):
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float32, s.frame)
	if s.talking(s.clock.Since(s.start)) {
		for i := range out {
			t := float64(s.n+i) / float64(s.rate)
			out[i] = s.amplitude * float32(math.Sin(2*math.Pi*s.freq*t))
		}
	}
	s.n += s.frame
	return out, nil
}

func (s *ToneSource) talking(elapsed time.Duration) bool {
	if s.off <= 0 || s.on <= 0 {
		return true
	}
	return elapsed%(s.on+s.off) < s.on
}

func (s *ToneSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// SyntheticCapturer serves a ToneSource for audio and, when videoPath is set,
// an IVF file for video.
func SyntheticCapturer(clock clockwork.Clock, tone ToneOptions, videoPath string) Capturer {
	return CapturerFunc(func(_ context.Context, c Constraints) (*Capture, error) {
		capture := &Capture{}
		if c.Audio != nil {
			if c.Audio.SampleRate > 0 {
				tone.SampleRate = c.Audio.SampleRate
			}
			capture.Audio = NewToneSource(clock, tone)
		}
		if c.Video != nil && videoPath != "" {
			video, err := OpenIVF(videoPath, clock)
			if err != nil {
				if capture.Audio != nil {
					_ = capture.Audio.Close()
				}
				return nil, err
			}
			capture.Video = video
		}
		return capture, nil
	})
}
