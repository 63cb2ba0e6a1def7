package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const DefaultPollInterval = 50 * time.Millisecond

var (
	ErrStarted    = errors.New("pipeline already started")
	ErrNoMedia    = errors.New("capturer returned no media")
	ErrPipeClosed = errors.New("pipeline closed")
)

type Options struct {
	Capturer    Capturer
	Constraints *Constraints
	// ThresholdDB is the detection threshold; nil means DefaultThresholdDB.
	ThresholdDB *float64
	// PollInterval is how often the detector samples the analyser.
	PollInterval time.Duration
	Clock        clockwork.Clock
	StreamID     string
}

// Pipeline wires source -> analyser -> gain -> encoder for audio, and passes
// video through untouched. Gain starts at zero and follows the detector.
type Pipeline struct {
	capturer    Capturer
	constraints Constraints
	interval    time.Duration
	clock       clockwork.Clock
	streamID    string
	logger      zerolog.Logger

	analyser *Analyser
	gain     *Gain
	detector *Detector
	speaking atomic.Bool

	mu         sync.Mutex
	onSpeaking func(bool)
	stream     *LocalStream
	capture    *Capture
	cancel     context.CancelFunc
	group      *errgroup.Group
	ticker     clockwork.Ticker
	started    bool
	closed     bool
}

func NewPipeline(opts Options) *Pipeline {
	p := &Pipeline{
		capturer:    opts.Capturer,
		constraints: DefaultConstraints(),
		interval:    opts.PollInterval,
		clock:       opts.Clock,
		streamID:    opts.StreamID,
		analyser:    NewAnalyser(DefaultFFTSize),
		gain:        NewGain(),
		detector:    NewDetector(DefaultThresholdDB),
	}
	if opts.Constraints != nil {
		p.constraints = *opts.Constraints
	}
	if opts.ThresholdDB != nil {
		p.detector.SetThreshold(*opts.ThresholdDB)
	}
	if p.interval <= 0 {
		p.interval = DefaultPollInterval
	}
	if p.clock == nil {
		p.clock = clockwork.NewRealClock()
	}
	if p.streamID == "" {
		p.streamID = uuid.NewString()
	}
	p.logger = log.With().Str("module", "client.media").Str("stream", p.streamID).Logger()
	return p
}

// Start captures media and begins processing. The returned stream stays valid
// until Close.
func (p *Pipeline) Start(ctx context.Context) (*LocalStream, error) {
	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		return nil, ErrPipeClosed
	case p.started:
		p.mu.Unlock()
		return nil, ErrStarted
	}
	p.started = true
	p.mu.Unlock()

	stream, err := p.start(ctx)
	if err != nil {
		p.mu.Lock()
		p.started = false
		p.mu.Unlock()
		return nil, err
	}
	return stream, nil
}

func (p *Pipeline) start(ctx context.Context) (*LocalStream, error) {
	capture, err := p.capturer.GetUserMedia(ctx, p.constraints)
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}
	if capture == nil || (capture.Audio == nil && capture.Video == nil) {
		return nil, ErrNoMedia
	}

	var audio, video *webrtc.TrackLocalStaticSample
	if capture.Audio != nil {
		audio, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000}, "audio-"+p.streamID, p.streamID)
		if err != nil {
			closeCapture(capture)
			return nil, err
		}
	}
	if capture.Video != nil {
		video, err = webrtc.NewTrackLocalStaticSample(capture.Video.Codec(), "video-"+p.streamID, p.streamID)
		if err != nil {
			closeCapture(capture)
			return nil, err
		}
	}
	stream := newLocalStream(p.streamID, audio, video)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(runCtx)
	ticker := p.clock.NewTicker(p.interval)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		ticker.Stop()
		cancel()
		closeCapture(capture)
		return nil, ErrPipeClosed
	}
	p.stream, p.capture, p.cancel, p.group, p.ticker = stream, capture, cancel, g, ticker
	p.mu.Unlock()

	if capture.Audio != nil {
		g.Go(func() error { return p.pumpAudio(gctx, capture.Audio, stream) })
		g.Go(func() error { return p.detect(gctx, ticker) })
	}
	if capture.Video != nil {
		g.Go(func() error { return p.pumpVideo(gctx, capture.Video, stream) })
	}
	p.logger.Info().Bool("audio", audio != nil).Bool("video", video != nil).Msg("pipeline started")
	return stream, nil
}

func (p *Pipeline) Stream() *LocalStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stream
}

func (p *Pipeline) Speaking() bool { return p.speaking.Load() }

// SetThreshold sets the detection threshold in dBFS, e.g. -60 to 0.
func (p *Pipeline) SetThreshold(db float64) { p.detector.SetThreshold(db) }

func (p *Pipeline) Threshold() float64 { return p.detector.Threshold() }

func (p *Pipeline) OnSpeakingChange(fn func(bool)) {
	p.mu.Lock()
	p.onSpeaking = fn
	p.mu.Unlock()
}

// Gain reports the current gate value, 0 or 1.
func (p *Pipeline) Gain() float64 { return p.gain.Value() }

// Close stops the detector ticker and pumps and releases the capture sources.
// It returns once every goroutine has exited. Safe to call more than once.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancel, g, ticker, capture := p.cancel, p.group, p.ticker, p.capture
	p.onSpeaking = nil
	p.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
	}
	if cancel != nil {
		cancel()
	}
	var errs []error
	if capture != nil {
		errs = append(errs, closeCapture(capture))
	}
	if g != nil {
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	p.gain.Set(0)
	p.speaking.Store(false)
	p.logger.Info().Msg("pipeline closed")
	return errors.Join(errs...)
}

func (p *Pipeline) pumpAudio(ctx context.Context, src AudioSource, stream *LocalStream) error {
	rate := src.SampleRate()
	var buf []float32
	for {
		frame, err := src.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read audio: %w", err)
		}
		p.analyser.Write(frame)

		if cap(buf) < len(frame) {
			buf = make([]float32, len(frame))
		}
		buf = buf[:len(frame)]
		p.gain.Apply(buf, frame)

		if !stream.AudioEnabled() {
			continue
		}
		sample := pionmedia.Sample{Data: EncodePCMU(buf, rate), Duration: frameDuration(len(frame), rate)}
		if err := stream.audio.WriteSample(sample); err != nil {
			return fmt.Errorf("write audio: %w", err)
		}
	}
}

func (p *Pipeline) pumpVideo(ctx context.Context, src VideoSource, stream *LocalStream) error {
	for {
		sample, err := src.ReadSample(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read video: %w", err)
		}
		if !stream.VideoEnabled() {
			continue
		}
		if err := stream.video.WriteSample(sample); err != nil {
			return fmt.Errorf("write video: %w", err)
		}
	}
}

func (p *Pipeline) detect(ctx context.Context, ticker clockwork.Ticker) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
		speaking := p.detector.Update(p.analyser.LevelDB(), p.clock.Now())
		if speaking {
			p.gain.Set(1)
		} else {
			p.gain.Set(0)
		}
		if p.speaking.Swap(speaking) == speaking {
			continue
		}
		p.logger.Debug().Bool("speaking", speaking).Msg("voice activity")
		p.mu.Lock()
		fn := p.onSpeaking
		p.mu.Unlock()
		if fn != nil {
			fn(speaking)
		}
	}
}

func closeCapture(c *Capture) error {
	var errs []error
	if c.Audio != nil {
		errs = append(errs, c.Audio.Close())
	}
	if c.Video != nil {
		errs = append(errs, c.Video.Close())
	}
	return errors.Join(errs...)
}
