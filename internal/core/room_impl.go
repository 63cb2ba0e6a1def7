package core

import (
	"sort"
	"sync"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

// roomImpl is a threadsafe in-memory room.
// It never closes adapter-owned resources.
type roomImpl struct {
	room   *domain.Room
	mu     sync.RWMutex
	bySID  map[SessionID]MemberSession
	byUser map[domain.UserID][]SessionID
}

func NewRoomService(room *domain.Room) RoomService {
	return &roomImpl{
		room:   room,
		bySID:  make(map[SessionID]MemberSession),
		byUser: make(map[domain.UserID][]SessionID),
	}
}

func (r *roomImpl) Room() *domain.Room { return r.room }

func (r *roomImpl) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySID)
}

func (r *roomImpl) AddMember(sid SessionID, ms MemberSession) error {
	u := ms.Meta().User.ID
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bySID[sid]; ok {
		return ErrAlreadyMember
	}
	if r.room.MaxPeers > 0 && len(r.bySID) >= r.room.MaxPeers {
		return ErrRoomFull
	}
	r.bySID[sid] = ms
	r.byUser[u] = append(r.byUser[u], sid)
	log.Info().Str("module", "core.room").Str("room", string(r.room.Name)).Str("sid", string(sid)).Str("user", string(u)).Msg("member added")
	return nil
}

func (r *roomImpl) RemoveMember(sid SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms, ok := r.bySID[sid]
	if !ok {
		return false
	}
	u := ms.Meta().User.ID
	sids := r.byUser[u]
	for i, s := range sids {
		if s == sid {
			sids = append(sids[:i], sids[i+1:]...)
			break
		}
	}
	if len(sids) == 0 {
		delete(r.byUser, u)
	} else {
		r.byUser[u] = sids
	}
	delete(r.bySID, sid)
	log.Info().Str("module", "core.room").Str("room", string(r.room.Name)).Str("sid", string(sid)).Msg("member removed")
	return true
}

func (r *roomImpl) Member(sid SessionID) (MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ms, ok := r.bySID[sid]
	return ms, ok
}

// Members lists session IDs in a stable order.
func (r *roomImpl) Members() []SessionID {
	r.mu.RLock()
	out := make([]SessionID, 0, len(r.bySID))
	for sid := range r.bySID {
		out = append(out, sid)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *roomImpl) Broadcast(from SessionID, n Notification) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for sid, m := range r.bySID {
		if sid == from {
			continue
		}
		sc := m.Signal()
		if sc == nil {
			continue
		}
		if err := sc.TrySend(n); err != nil {
			res.Dropped = append(res.Dropped, m)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.room").Str("from", string(from)).Str("method", n.Method).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

func (r *roomImpl) SendTo(sid SessionID, n Notification) error {
	r.mu.RLock()
	m, ok := r.bySID[sid]
	r.mu.RUnlock()
	if !ok {
		return ErrNotInRoom
	}
	sc := m.Signal()
	if sc == nil {
		return ErrNoSignal
	}
	return sc.TrySend(n)
}

func (r *roomImpl) MembersSnapshot() []MemberDTO {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]MemberDTO, 0, len(r.bySID))
	for _, ms := range r.bySID {
		meta := ms.Meta()
		out = append(out, MemberDTO{PeerID: meta.PeerID, ID: meta.User.ID, Username: meta.User.Username})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}
