// Package rtc wraps pion for the two media paths: a PeerConnection for the
// mesh path and an ORTC transport (ICE gatherer, ICE, DTLS, RTP senders and
// receivers) shared by the SFU client and server.
package rtc

import (
	"fmt"

	"github.com/dkeye/huddle/internal/protocol"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// DefaultCodecs is the codec set both ends register. Payload types follow
// pion's defaults so a mesh PeerConnection and an SFU transport agree.
func DefaultCodecs() []protocol.RTPCodec {
	return []protocol.RTPCodec{
		{Kind: protocol.KindAudio, MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2, SDPFmtpLine: "minptime=10;useinbandfec=1", PreferredPayloadType: 111},
		{Kind: protocol.KindAudio, MimeType: webrtc.MimeTypePCMU, ClockRate: 8000, PreferredPayloadType: 0},
		{Kind: protocol.KindVideo, MimeType: webrtc.MimeTypeVP8, ClockRate: 90000, PreferredPayloadType: 96},
	}
}

type APIOptions struct {
	Codecs       []protocol.RTPCodec
	UDPPortMin   uint16
	UDPPortMax   uint16
	Interceptors bool
}

// NewAPI builds a pion API restricted to opts.Codecs.
func NewAPI(opts APIOptions) (*webrtc.API, error) {
	codecs := opts.Codecs
	if len(codecs) == 0 {
		codecs = DefaultCodecs()
	}
	m, err := NewMediaEngine(codecs)
	if err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	if opts.UDPPortMin > 0 && opts.UDPPortMax > 0 {
		if err := se.SetEphemeralUDPPortRange(opts.UDPPortMin, opts.UDPPortMax); err != nil {
			return nil, fmt.Errorf("udp port range: %w", err)
		}
	}

	options := []func(*webrtc.API){webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se)}
	if opts.Interceptors {
		ir := &interceptor.Registry{}
		if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
			return nil, fmt.Errorf("register interceptors: %w", err)
		}
		options = append(options, webrtc.WithInterceptorRegistry(ir))
	}
	return webrtc.NewAPI(options...), nil
}

func NewMediaEngine(codecs []protocol.RTPCodec) (*webrtc.MediaEngine, error) {
	m := &webrtc.MediaEngine{}
	for _, c := range codecs {
		kind, err := CodecType(c.Kind)
		if err != nil {
			return nil, err
		}
		params := webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    c.MimeType,
				ClockRate:   c.ClockRate,
				Channels:    c.Channels,
				SDPFmtpLine: c.SDPFmtpLine,
			},
			PayloadType: webrtc.PayloadType(c.PreferredPayloadType),
		}
		if err := m.RegisterCodec(params, kind); err != nil {
			return nil, fmt.Errorf("register codec %s: %w", c.MimeType, err)
		}
	}
	return m, nil
}

// ICEServers turns configured urls into a single pion ICE server entry.
func ICEServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: urls}}
}
