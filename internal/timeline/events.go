package timeline

import (
	"sync"

	"github.com/ashureev/aura-client/internal/domain"
)

// EventKind identifies a timeline change.
type EventKind string

const (
	EventReset    EventKind = "reset"
	EventAppended EventKind = "appended"
	EventResolved EventKind = "resolved"
	EventRetrying EventKind = "retrying"
	EventMerged   EventKind = "merged"
)

// Event describes one change. Entry is a copy and may be nil.
type Event struct {
	Kind       EventKind     `json:"kind"`
	IdentityID string        `json:"identity_id"`
	EntryID    string        `json:"entry_id,omitempty"`
	Entry      *domain.Entry `json:"entry,omitempty"`
	Added      int           `json:"added,omitempty"`
}

const defaultSubscriberBuffer = 32

type subscribers struct {
	mu     sync.Mutex
	nextID int
	chans  map[int]chan Event
}

func (s *subscribers) add(buf int) (int, chan Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chans == nil {
		s.chans = make(map[int]chan Event)
	}
	if buf <= 0 {
		buf = defaultSubscriberBuffer
	}
	s.nextID++
	ch := make(chan Event, buf)
	s.chans[s.nextID] = ch
	return s.nextID, ch
}

func (s *subscribers) remove(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.chans[id]; ok {
		delete(s.chans, id)
		close(ch)
	}
}

// publish never blocks; a subscriber that is not keeping up misses events.
// The reconciler calls it while holding its own lock so that events reach
// subscribers in mutation order.
func (s *subscribers) publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.chans {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of change events and a function that ends the
// subscription and closes the channel. buf <= 0 selects a default buffer.
func (r *Reconciler) Subscribe(buf int) (<-chan Event, func()) {
	id, ch := r.subs.add(buf)
	var once sync.Once
	return ch, func() {
		once.Do(func() { r.subs.remove(id) })
	}
}
