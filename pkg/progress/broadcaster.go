package progress

import "sync"

// Update is one progress snapshot emitted during the per-contract scanning
// phase. Current only ever increases within one scan.
type Update struct {
	Current                   int     `json:"current"`
	Total                     int     `json:"total"`
	Percentage                float64 `json:"percentage"`
	MatchesSoFar              int     `json:"matchesSoFar"`
	EstimatedSecondsRemaining float64 `json:"estimatedSecondsRemaining"`
}

// Broadcaster fans progress updates out to any number of subscribers. Each
// subscriber receives updates published after its registration, in
// publication order. There is no replay: late subscribers miss earlier
// updates. A subscriber that drains slower than the publish rate sees a gap
// rather than a stall: once its buffer fills, the oldest pending updates are
// dropped in favor of newer ones.
type Broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Update
	buffer int
}

// NewBroadcaster initializes a broadcaster. buffer is the per-subscriber
// channel depth; a subscriber that falls further behind than that loses the
// oldest pending update rather than stalling the scan.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 16
	}
	return &Broadcaster{
		subs:   make(map[int]chan Update),
		buffer: buffer,
	}
}

// Subscribe registers an observer. The returned cancel func removes it; it is
// safe to call at any time, any number of times.
func (b *Broadcaster) Subscribe() (<-chan Update, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Update, b.buffer)
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an update to every current subscriber. It never blocks:
// a full subscriber channel drops its oldest pending update first.
func (b *Broadcaster) Publish(u Update) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		for {
			select {
			case ch <- u:
			default:
				// Evict the oldest pending update and retry once. The
				// subscriber still converges on the latest state.
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// SubscriberCount returns the number of registered observers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// CloseAll removes and closes every subscriber, ending their range loops.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
