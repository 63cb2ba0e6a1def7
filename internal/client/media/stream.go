package media

import (
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// LocalStream is the processed local media. Every outbound connection reads
// its tracks; enabling or disabling a track is the only mutation.
type LocalStream struct {
	id    string
	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample

	audioOn atomic.Bool
	videoOn atomic.Bool
}

func newLocalStream(id string, audio, video *webrtc.TrackLocalStaticSample) *LocalStream {
	s := &LocalStream{id: id, audio: audio, video: video}
	s.audioOn.Store(audio != nil)
	s.videoOn.Store(video != nil)
	return s
}

func (s *LocalStream) ID() string { return s.id }

// Tracks returns the audio track first, then video, skipping absent ones.
func (s *LocalStream) Tracks() []webrtc.TrackLocal {
	var out []webrtc.TrackLocal
	if s.audio != nil {
		out = append(out, s.audio)
	}
	if s.video != nil {
		out = append(out, s.video)
	}
	return out
}

func (s *LocalStream) AudioTrack() *webrtc.TrackLocalStaticSample { return s.audio }
func (s *LocalStream) VideoTrack() *webrtc.TrackLocalStaticSample { return s.video }

// SetAudioEnabled stops or resumes sending audio without tearing down the track.
func (s *LocalStream) SetAudioEnabled(on bool) { s.audioOn.Store(on && s.audio != nil) }
func (s *LocalStream) SetVideoEnabled(on bool) { s.videoOn.Store(on && s.video != nil) }

func (s *LocalStream) AudioEnabled() bool { return s.audioOn.Load() }
func (s *LocalStream) VideoEnabled() bool { return s.videoOn.Load() }
