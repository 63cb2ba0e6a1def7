// Package media is the local capture and processing pipeline: it pulls raw
// audio and encoded video from a platform Capturer, gates the audio with a
// voice-activity detector and exposes the result as pion local tracks.
package media

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

type AudioConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	ChannelCount     int
	SampleRate       int
}

type VideoConstraints struct {
	Width     int
	Height    int
	FrameRate int
}

// Constraints is what the pipeline asks the platform for. A nil member means
// that kind is not requested.
type Constraints struct {
	Audio *AudioConstraints
	Video *VideoConstraints
}

func DefaultConstraints() Constraints {
	return Constraints{
		Audio: &AudioConstraints{
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
			ChannelCount:     1,
			SampleRate:       48000,
		},
		Video: &VideoConstraints{Width: 640, Height: 480, FrameRate: 30},
	}
}

// AudioSource yields mono float PCM frames in [-1, 1].
type AudioSource interface {
	ReadFrame(ctx context.Context) ([]float32, error)
	SampleRate() int
	Close() error
}

// VideoSource yields already encoded video samples.
type VideoSource interface {
	ReadSample(ctx context.Context) (pionmedia.Sample, error)
	Codec() webrtc.RTPCodecCapability
	Close() error
}

// Capture is what a Capturer hands back; either source may be nil.
type Capture struct {
	Audio AudioSource
	Video VideoSource
}

// Capturer is the platform's media-device access.
type Capturer interface {
	GetUserMedia(ctx context.Context, c Constraints) (*Capture, error)
}

// CapturerFunc adapts a function to Capturer.
type CapturerFunc func(ctx context.Context, c Constraints) (*Capture, error)

func (f CapturerFunc) GetUserMedia(ctx context.Context, c Constraints) (*Capture, error) {
	return f(ctx, c)
}

func frameDuration(samples, rate int) time.Duration {
	return time.Duration(samples) * time.Second / time.Duration(rate)
}
