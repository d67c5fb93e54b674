package timeout

import (
	"sync"
	"time"

	"github.com/baxromumarov/rollout-engine/pkg/protocol"
)

// Stat summarises the timeouts seen against one participant.
type Stat struct {
	Count int       `json:"count"`
	Last  time.Time `json:"last"`
}

// Tracker records proxy-level timeouts per participant for diagnostics.
type Tracker struct {
	mu    sync.Mutex
	stats map[protocol.Identity]Stat
}

func NewTracker() *Tracker {
	return &Tracker{stats: make(map[protocol.Identity]Stat)}
}

func (t *Tracker) record(id protocol.Identity) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.stats[id]
	s.Count++
	s.Last = time.Now()
	t.stats[id] = s
}

// Detected reports whether a timeout was ever recorded for id.
func (t *Tracker) Detected(id protocol.Identity) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats[id].Count > 0
}

// Timeouts returns a snapshot of all recorded timeouts.
func (t *Tracker) Timeouts() map[protocol.Identity]Stat {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[protocol.Identity]Stat, len(t.stats))
	for id, s := range t.stats {
		out[id] = s
	}
	return out
}
