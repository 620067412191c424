package signal

import (
	"sync"

	"github.com/petervdpas/callsig/internal/util"
)

// DefaultSeenSize bounds the dedupe set.
const DefaultSeenSize = 512

// seenSet remembers the most recent signal keys. The oldest key is forgotten
// when the ring is full.
type seenSet struct {
	mu   sync.Mutex
	ring *util.RingBuffer[string]
	keys map[string]struct{}
}

func newSeenSet(size int) *seenSet {
	if size <= 0 {
		size = DefaultSeenSize
	}
	return &seenSet{
		ring: util.NewRingBuffer[string](size),
		keys: make(map[string]struct{}, size),
	}
}

// Mark records key and reports whether it was already present.
func (s *seenSet) Mark(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; ok {
		return true
	}
	s.keys[key] = struct{}{}
	if old, evicted := s.ring.Push(key); evicted {
		delete(s.keys, old)
	}
	return false
}

func dedupeKey(sig Signal) string {
	key := sig.CallID + "|" + string(sig.Kind)
	if sig.Kind == KindICE && sig.Candidate != nil {
		key += "|" + sig.Candidate.Candidate
	}
	return key
}
