package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
)

// IVFSource replays an IVF file as a camera, looping at the end.
type IVFSource struct {
	clock    clockwork.Clock
	in       io.ReadSeeker
	closer   io.Closer
	codec    webrtc.RTPCodecCapability
	frameDur time.Duration

	mu     sync.Mutex
	reader *ivfreader.IVFReader
	closed bool
}

func OpenIVF(path string, clock clockwork.Clock) (*IVFSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	src, err := NewIVFSource(f, clock)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	src.closer = f
	return src, nil
}

func NewIVFSource(in io.ReadSeeker, clock clockwork.Clock) (*IVFSource, error) {
	reader, header, err := ivfreader.NewWith(in)
	if err != nil {
		return nil, err
	}
	codec, err := ivfCodec(header.FourCC)
	if err != nil {
		return nil, err
	}
	if header.TimebaseDenominator == 0 {
		return nil, errors.New("ivf: zero timebase")
	}
	frameDur := time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	if frameDur <= 0 {
		frameDur = time.Second / 30
	}
	return &IVFSource{clock: clock, in: in, codec: codec, frameDur: frameDur, reader: reader}, nil
}

func ivfCodec(fourCC string) (webrtc.RTPCodecCapability, error) {
	switch fourCC {
	case "VP80":
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, nil
	case "VP90":
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP9, ClockRate: 90000}, nil
	case "AV01":
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeAV1, ClockRate: 90000}, nil
	}
	return webrtc.RTPCodecCapability{}, fmt.Errorf("ivf: unsupported fourcc %q", fourCC)
}

func (s *IVFSource) Codec() webrtc.RTPCodecCapability { return s.codec }

func (s *IVFSource) FrameDuration() time.Duration { return s.frameDur }

func (s *IVFSource) ReadSample(ctx context.Context) (pionmedia.Sample, error) {
	select {
	case <-ctx.Done():
		return pionmedia.Sample{}, ctx.Err()
	case <-s.clock.After(s.frameDur):
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return pionmedia.Sample{}, ErrPipeClosed
	}
	frame, _, err := s.reader.ParseNextFrame()
	if errors.Is(err, io.EOF) {
		if err := s.rewind(); err != nil {
			return pionmedia.Sample{}, err
		}
		frame, _, err = s.reader.ParseNextFrame()
	}
	if err != nil {
		return pionmedia.Sample{}, err
	}
	return pionmedia.Sample{Data: frame, Duration: s.frameDur}, nil
}

func (s *IVFSource) rewind() error {
	if _, err := s.in.Seek(0, io.SeekStart); err != nil {
		return err
	}
	reader, _, err := ivfreader.NewWith(s.in)
	if err != nil {
		return err
	}
	s.reader = reader
	return nil
}

func (s *IVFSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
