package mesh

import (
	"errors"
	"slices"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// LocalClientID names the local participant in the visible client list and
// in ProvideMediaRef.
const LocalClientID = "local"

// maxPendingCandidates bounds the early-candidate queue of a single peer.
const maxPendingCandidates = 64

var (
	ErrDuplicatePeer = errors.New("peer already has a connection")
	ErrUnknownPeer   = errors.New("unknown peer")
	ErrPeerGone      = errors.New("peer removed during setup")
)

type PeerState int

const (
	StateAbsent PeerState = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s PeerState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "absent"
	}
}

// TrackSource is the local media every new connection sends.
type TrackSource interface {
	Tracks() []webrtc.TrackLocal
}

// Renderer is a render target supplied by the UI.
type Renderer interface {
	AttachLocal(TrackSource)
	AttachRemote(peerID string, audio, video RemoteTrack)
}

type peer struct {
	conn      Connection
	state     PeerState
	remoteSet bool
	audio     RemoteTrack
	video     RemoteTrack
}

func (p *peer) complete() bool { return p.audio != nil && p.video != nil }

// Registry maps remote peer ids to their connection and media for one room
// session. All methods are safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	local     TrackSource
	peers     map[string]*peer
	pending   map[string][]webrtc.ICECandidateInit
	visible   []string
	renderers map[string]Renderer
}

func NewRegistry(local TrackSource) *Registry {
	return &Registry{
		local:     local,
		peers:     make(map[string]*peer),
		pending:   make(map[string][]webrtc.ICECandidateInit),
		renderers: make(map[string]Renderer),
	}
}

func (r *Registry) Local() TrackSource {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.local
}

func (r *Registry) localTracks() []webrtc.TrackLocal {
	r.mu.Lock()
	local := r.local
	r.mu.Unlock()
	if local == nil {
		return nil
	}
	return local.Tracks()
}

// State reports where peerID is in its lifecycle. Removed peers are absent.
func (r *Registry) State(peerID string) PeerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[peerID]; ok {
		return p.state
	}
	return StateAbsent
}

// Peers lists every peer with a live entry, visible or not.
func (r *Registry) Peers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.peers))
	for id := range r.peers {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Clients is the visible client list: the local client first, then every peer
// whose audio and video have both arrived, in arrival order.
func (r *Registry) Clients() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{LocalClientID}, r.visible...)
}

// ProvideMediaRef binds a render target to a peer, or to LocalClientID.
// Media already present is attached right away.
func (r *Registry) ProvideMediaRef(id string, target Renderer) {
	r.mu.Lock()
	r.renderers[id] = target
	local := r.local
	var audio, video RemoteTrack
	if p, ok := r.peers[id]; ok && p.state == StateConnected {
		audio, video = p.audio, p.video
	}
	r.mu.Unlock()

	if target == nil {
		return
	}
	switch {
	case id == LocalClientID && local != nil:
		target.AttachLocal(local)
	case audio != nil && video != nil:
		target.AttachRemote(id, audio, video)
	}
}

func (r *Registry) reserve(peerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[peerID]; ok {
		return ErrDuplicatePeer
	}
	r.peers[peerID] = &peer{state: StateConnecting}
	return nil
}

func (r *Registry) attach(peerID string, conn Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[peerID]
	if !ok {
		return false
	}
	p.conn = conn
	return true
}

func (r *Registry) connection(peerID string) Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[peerID]; ok {
		return p.conn
	}
	return nil
}

// queueCandidate returns the connection to apply cand to, or queues cand when
// the connection or its remote description is not there yet.
func (r *Registry) queueCandidate(peerID string, cand webrtc.ICECandidateInit) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[peerID]; ok && p.conn != nil && p.remoteSet {
		return p.conn, true
	}
	q := r.pending[peerID]
	if len(q) >= maxPendingCandidates {
		log.Warn().Str("module", "client.mesh").Str("peer", peerID).Msg("pending candidate queue full, dropping oldest")
		q = q[1:]
	}
	r.pending[peerID] = append(q, cand)
	return nil, false
}

// remoteDescriptionSet marks peerID ready for candidates and hands back the
// ones that arrived early.
func (r *Registry) remoteDescriptionSet(peerID string) []webrtc.ICECandidateInit {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[peerID]
	if !ok {
		return nil
	}
	p.remoteSet = true
	q := r.pending[peerID]
	delete(r.pending, peerID)
	return q
}

type trackResult struct {
	visible  bool
	audio    RemoteTrack
	video    RemoteTrack
	renderer Renderer
}

func (r *Registry) addTrack(peerID string, track RemoteTrack) (trackResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[peerID]
	if !ok {
		return trackResult{}, ErrUnknownPeer
	}
	switch track.Kind() {
	case webrtc.RTPCodecTypeAudio:
		if p.audio != nil {
			return trackResult{}, errors.New("second audio track")
		}
		p.audio = track
	case webrtc.RTPCodecTypeVideo:
		if p.video != nil {
			return trackResult{}, errors.New("second video track")
		}
		p.video = track
	default:
		return trackResult{}, errors.New("track of unknown kind")
	}
	if !p.complete() || p.state == StateConnected {
		return trackResult{}, nil
	}
	p.state = StateConnected
	r.visible = append(r.visible, peerID)
	return trackResult{visible: true, audio: p.audio, video: p.video, renderer: r.renderers[peerID]}, nil
}

// remove forgets everything about peerID and returns its connection for the
// caller to close.
func (r *Registry) remove(peerID string) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, peerID)
	delete(r.renderers, peerID)
	r.visible = slices.DeleteFunc(r.visible, func(id string) bool { return id == peerID })
	p, ok := r.peers[peerID]
	if !ok {
		return nil, false
	}
	p.state = StateClosed
	delete(r.peers, peerID)
	return p.conn, true
}
