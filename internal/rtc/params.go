package rtc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dkeye/huddle/internal/protocol"
	"github.com/pion/webrtc/v4"
)

var ErrUnknownKind = errors.New("unknown media kind")

func CodecType(kind protocol.MediaKind) (webrtc.RTPCodecType, error) {
	switch kind {
	case protocol.KindAudio:
		return webrtc.RTPCodecTypeAudio, nil
	case protocol.KindVideo:
		return webrtc.RTPCodecTypeVideo, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

func KindOf(t webrtc.RTPCodecType) protocol.MediaKind {
	if t == webrtc.RTPCodecTypeVideo {
		return protocol.KindVideo
	}
	return protocol.KindAudio
}

func iceParametersToWire(p webrtc.ICEParameters) protocol.ICEParameters {
	return protocol.ICEParameters{UsernameFragment: p.UsernameFragment, Password: p.Password, ICELite: p.ICELite}
}

func iceParametersFromWire(p protocol.ICEParameters) webrtc.ICEParameters {
	return webrtc.ICEParameters{UsernameFragment: p.UsernameFragment, Password: p.Password, ICELite: p.ICELite}
}

func candidatesToWire(in []webrtc.ICECandidate) []protocol.ICECandidate {
	out := make([]protocol.ICECandidate, 0, len(in))
	for _, c := range in {
		out = append(out, protocol.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
			TCPType:    c.TCPType,
		})
	}
	return out
}

func candidatesFromWire(in []protocol.ICECandidate) ([]webrtc.ICECandidate, error) {
	out := make([]webrtc.ICECandidate, 0, len(in))
	for _, c := range in {
		proto, err := webrtc.NewICEProtocol(c.Protocol)
		if err != nil {
			return nil, fmt.Errorf("candidate %s: %w", c.Foundation, err)
		}
		typ, err := webrtc.NewICECandidateType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("candidate %s: %w", c.Foundation, err)
		}
		out = append(out, webrtc.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.Address,
			Protocol:   proto,
			Port:       c.Port,
			Typ:        typ,
			Component:  1,
			TCPType:    c.TCPType,
		})
	}
	return out, nil
}

func dtlsParametersToWire(p webrtc.DTLSParameters) protocol.DTLSParameters {
	out := protocol.DTLSParameters{Role: dtlsRoleName(p.Role)}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, protocol.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

func dtlsParametersFromWire(p protocol.DTLSParameters) (webrtc.DTLSParameters, error) {
	role, err := dtlsRole(p.Role)
	if err != nil {
		return webrtc.DTLSParameters{}, err
	}
	if len(p.Fingerprints) == 0 {
		return webrtc.DTLSParameters{}, errors.New("dtls parameters without fingerprints")
	}
	out := webrtc.DTLSParameters{Role: role}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out, nil
}

func dtlsRoleName(r webrtc.DTLSRole) string {
	switch r {
	case webrtc.DTLSRoleClient:
		return "client"
	case webrtc.DTLSRoleServer:
		return "server"
	default:
		return "auto"
	}
}

func dtlsRole(name string) (webrtc.DTLSRole, error) {
	switch strings.ToLower(name) {
	case "", "auto":
		return webrtc.DTLSRoleAuto, nil
	case "client":
		return webrtc.DTLSRoleClient, nil
	case "server":
		return webrtc.DTLSRoleServer, nil
	}
	return webrtc.DTLSRoleAuto, fmt.Errorf("unknown dtls role %q", name)
}

// senderParameters describes what sender will put on the wire for track.
func senderParameters(sender *webrtc.RTPSender, track webrtc.TrackLocal) (protocol.RTPParameters, error) {
	params := sender.GetParameters()
	if len(params.Encodings) == 0 {
		return protocol.RTPParameters{}, errors.New("sender has no encodings")
	}
	mime := trackMimeType(track)
	for _, c := range params.Codecs {
		if mime != "" && !strings.EqualFold(c.MimeType, mime) {
			continue
		}
		return protocol.RTPParameters{
			MimeType:    c.MimeType,
			PayloadType: uint8(c.PayloadType),
			ClockRate:   c.ClockRate,
			Channels:    c.Channels,
			SDPFmtpLine: c.SDPFmtpLine,
			SSRC:        uint32(params.Encodings[0].SSRC),
		}, nil
	}
	return protocol.RTPParameters{}, fmt.Errorf("no registered codec for %q", mime)
}

type codecTrack interface {
	Codec() webrtc.RTPCodecCapability
}

func trackMimeType(track webrtc.TrackLocal) string {
	if ct, ok := track.(codecTrack); ok {
		return ct.Codec().MimeType
	}
	return ""
}
