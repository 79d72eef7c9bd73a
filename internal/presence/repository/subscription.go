package repository

import (
	"context"
	"sync"

	"munchclub/pkg/model"
)

// subscription conflates snapshots per location so that producers never
// block on a slow consumer. A pump goroutine drains pending snapshots into
// the consumer channel in arrival order of their locations.
type subscription struct {
	locationID string // empty matches every location

	mu        sync.Mutex
	pending   map[string]model.Snapshot
	order     []string
	delivered map[string]model.Snapshot

	signal chan struct{}
	out    chan model.Snapshot
	done   chan struct{}
}

func newSubscription(locationID string) *subscription {
	return &subscription{
		locationID: locationID,
		pending:    make(map[string]model.Snapshot),
		delivered:  make(map[string]model.Snapshot),
		signal:     make(chan struct{}, 1),
		out:        make(chan model.Snapshot),
		done:       make(chan struct{}),
	}
}

func (s *subscription) matches(locationID string) bool {
	return s.locationID == "" || s.locationID == locationID
}

// offer queues snap unless something newer for the same location is
// already pending or delivered.
func (s *subscription) offer(snap model.Snapshot) {
	if !s.matches(snap.LocationID) {
		return
	}

	s.mu.Lock()
	if prev, ok := s.delivered[snap.LocationID]; ok && !snap.NewerThan(prev) {
		s.mu.Unlock()
		return
	}
	if prev, ok := s.pending[snap.LocationID]; ok {
		if snap.NewerThan(prev) {
			s.pending[snap.LocationID] = snap
		}
		s.mu.Unlock()
		return
	}
	s.pending[snap.LocationID] = snap
	s.order = append(s.order, snap.LocationID)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscription) next() (model.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.order) == 0 {
		return model.Snapshot{}, false
	}
	id := s.order[0]
	s.order = s.order[1:]
	snap := s.pending[id]
	delete(s.pending, id)
	s.delivered[id] = snap
	return snap, true
}

// run pumps snapshots until ctx is done, then closes the consumer channel
// and calls onClose.
func (s *subscription) run(ctx context.Context, onClose func()) {
	defer func() {
		close(s.done)
		if onClose != nil {
			onClose()
		}
		close(s.out)
	}()

	for {
		for {
			snap, ok := s.next()
			if !ok {
				break
			}
			select {
			case s.out <- snap:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-s.signal:
		case <-ctx.Done():
			return
		}
	}
}

// hub fans snapshots out to in-process subscriptions.
type hub struct {
	mu   sync.Mutex
	subs map[*subscription]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[*subscription]struct{})}
}

func (h *hub) add(sub *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[sub] = struct{}{}
}

func (h *hub) remove(sub *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, sub)
}

func (h *hub) publish(snap model.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		sub.offer(snap)
	}
}

// open registers a subscription, seeds it with the current state returned
// by load and starts its pump. Registering before loading means no write
// can fall between the two.
func (h *hub) open(ctx context.Context, locationID string, load func() ([]model.Snapshot, error)) (<-chan model.Snapshot, error) {
	sub := newSubscription(locationID)
	h.add(sub)

	initial, err := load()
	if err != nil {
		h.remove(sub)
		return nil, err
	}
	for _, snap := range initial {
		sub.offer(snap)
	}

	go sub.run(ctx, func() { h.remove(sub) })
	return sub.out, nil
}
