package app

import (
	"sort"
	"sync"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

type RoomManagerImpl struct {
	maxPeers int

	mu    sync.RWMutex
	rooms map[domain.RoomName]core.RoomService
}

// NewRoomManager creates rooms capped at maxPeers members; zero means no cap.
func NewRoomManager(maxPeers int) core.RoomManager {
	return &RoomManagerImpl{maxPeers: maxPeers, rooms: make(map[domain.RoomName]core.RoomService)}
}

func (f *RoomManagerImpl) GetOrCreate(name domain.RoomName) core.RoomService {
	f.mu.RLock()
	room, ok := f.rooms[name]
	f.mu.RUnlock()
	if ok {
		return room
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if room, ok = f.rooms[name]; ok {
		return room
	}
	room = core.NewRoomService(&domain.Room{Name: name, MaxPeers: f.maxPeers})
	f.rooms[name] = room
	return room
}

func (f *RoomManagerImpl) Get(name domain.RoomName) (core.RoomService, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	room, ok := f.rooms[name]
	return room, ok
}

func (f *RoomManagerImpl) List() []core.RoomInfo {
	f.mu.RLock()
	out := make([]core.RoomInfo, 0, len(f.rooms))
	for name, r := range f.rooms {
		out = append(out, core.RoomInfo{Name: name, MemberCount: r.MemberCount()})
	}
	f.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (f *RoomManagerImpl) StopRoom(name domain.RoomName) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rooms, name)
}
