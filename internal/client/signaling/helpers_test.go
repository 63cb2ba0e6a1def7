package signaling

import "github.com/pion/webrtc/v4"

func webrtcCandidate() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host"}
}
