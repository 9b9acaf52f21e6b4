package client

import (
	"sync"

	"github.com/p-arndt/mcdriver/protocol"
)

// gpTable tracks the TCI of every session opened as a GP trusted
// application.
type gpTable struct {
	mu   sync.Mutex
	tcis map[uint32][]byte
}

func newGPTable() *gpTable {
	return &gpTable{tcis: make(map[uint32][]byte)}
}

func (t *gpTable) add(sessionID uint32, tci []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tcis[sessionID] = tci
}

func (t *gpTable) remove(sessionID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tcis, sessionID)
}

func (t *gpTable) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.tcis)
}

// cancel raises the cancellation flag in the session's TCI. It reports
// false for an unknown session or a TCI too short to carry the flag.
func (t *gpTable) cancel(sessionID uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	tci, ok := t.tcis[sessionID]
	if !ok {
		return false
	}
	// The trusted application clears it with its next command.
	return protocol.SetGPCancelled(tci)
}

func (t *gpTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tcis)
}
