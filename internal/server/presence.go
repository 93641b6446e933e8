package server

import "sync"

// PresenceTracker records which users currently hold at least one open
// connection to this gateway process. It is injected into the
// ChatServer so multi-instance deployments can later swap in a shared
// store without touching gateway logic.
type PresenceTracker interface {
	// MarkOnline records a new connection for the user and reports
	// whether the user transitioned from offline to online.
	MarkOnline(username string) bool
	// MarkOffline records a closed connection for the user and reports
	// whether the user transitioned from online to offline.
	MarkOffline(username string) bool
	IsOnline(username string) bool
	// Reset clears all presence state.
	Reset()
}

// PresenceSet is the in-process PresenceTracker. It counts connections
// per user, so a second concurrent connection is idempotent and a user
// only goes offline once their last connection closes. State is not
// persisted; every process restart starts with all users offline.
type PresenceSet struct {
	mu    sync.Mutex
	conns map[string]int
}

func NewPresenceSet() *PresenceSet {
	return &PresenceSet{
		conns: make(map[string]int),
	}
}

func (p *PresenceSet) MarkOnline(username string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.conns[username]++
	return p.conns[username] == 1
}

func (p *PresenceSet) MarkOffline(username string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	n, ok := p.conns[username]
	if !ok {
		return false
	}

	if n <= 1 {
		delete(p.conns, username)
		return true
	}

	p.conns[username] = n - 1
	return false
}

func (p *PresenceSet) IsOnline(username string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.conns[username] > 0
}

func (p *PresenceSet) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.conns = make(map[string]int)
}
