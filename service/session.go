package service

import (
	"crypto/rsa"
	"sync"

	"secure-voting/merkle"
)

// sessionRuntime is the in-memory state of one open or closed session.
type sessionRuntime struct {
	mu          sync.Mutex // serializes sequence allocation with the leaf append
	ledger      *merkle.Ledger
	pub         *rsa.PublicKey
	voters      map[string]int64 // voter hash -> latest sequence
	revocations int
}

func newSessionRuntime(sessionID string, pub *rsa.PublicKey) *sessionRuntime {
	return &sessionRuntime{
		ledger: merkle.NewLedger(sessionID),
		pub:    pub,
		voters: make(map[string]int64),
	}
}

func (rt *sessionRuntime) distinctVoters() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.voters)
}

func (rt *sessionRuntime) hasVoted(voterHash string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	_, ok := rt.voters[voterHash]
	return ok
}
