package quota

import "sync"

// Tier is the quality level used for an image generation call.
type Tier string

const (
	TierStandard Tier = "standard"
	TierReduced  Tier = "reduced"
)

// Tracker counts image generation calls per client between resets.
type Tracker struct {
	mu     sync.Mutex
	limit  int
	counts map[string]int
}

func NewTracker(limit int) *Tracker {
	return &Tracker{
		limit:  limit,
		counts: make(map[string]int),
	}
}

// RecordAndClassify returns the tier for clientID and then counts the call.
// A client is downgraded only once its prior count exceeds the limit, so
// limit+1 calls are served at the standard tier.
func (t *Tracker) RecordAndClassify(clientID string) Tier {
	t.mu.Lock()
	defer t.mu.Unlock()

	tier := TierStandard
	if t.counts[clientID] > t.limit {
		tier = TierReduced
	}
	t.counts[clientID]++
	return tier
}

// Reset zeroes every tracked count and returns how many clients were tracked.
func (t *Tracker) Reset() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id := range t.counts {
		t.counts[id] = 0
	}
	return len(t.counts)
}

func (t *Tracker) Count(clientID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[clientID]
}

func (t *Tracker) Limit() int {
	return t.limit
}

func (t *Tracker) Snapshot() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]int, len(t.counts))
	for id, n := range t.counts {
		out[id] = n
	}
	return out
}
