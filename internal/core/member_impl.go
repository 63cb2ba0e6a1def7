package core

import (
	"sync"

	"github.com/dkeye/huddle/internal/domain"
)

// memberSession implements MemberSession by pairing meta + transport.
type memberSession struct {
	meta *domain.Member

	mu     sync.RWMutex
	signal SignalConnection
}

func NewMemberSession(meta *domain.Member) MemberSession {
	return &memberSession{meta: meta}
}

func (m *memberSession) Meta() *domain.Member { return m.meta }

func (m *memberSession) Signal() SignalConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.signal
}

func (m *memberSession) UpdateSignal(sc SignalConnection) MemberSession {
	m.mu.Lock()
	m.signal = sc
	m.mu.Unlock()
	return m
}
