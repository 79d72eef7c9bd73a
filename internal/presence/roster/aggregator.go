// Package roster folds every location's membership into one ordered list
// of active counts.
package roster

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"munchclub/internal/presence/expiry"
	"munchclub/internal/presence/repository"
	"munchclub/pkg/logger"
	"munchclub/pkg/model"

	"github.com/jonboulle/clockwork"
)

const DefaultRefreshInterval = 30 * time.Second

type Entry struct {
	LocationID  string `json:"location_id"`
	Name        string `json:"name"`
	Order       int    `json:"order"`
	ActiveCount int    `json:"active_count"`
}

type Aggregator struct {
	locations []model.Location
	policy    expiry.Policy
	clock     clockwork.Clock
	log       *logger.Logger
	refresh   time.Duration

	mu        sync.Mutex
	snapshots model.Snapshots
	last      []Entry
	watchers  map[chan []Entry]struct{}
}

// New builds an aggregator over locations, which must already be in
// display order.
func New(locations []model.Location, policy expiry.Policy, clk clockwork.Clock, log *logger.Logger, refresh time.Duration) *Aggregator {
	if refresh <= 0 {
		refresh = DefaultRefreshInterval
	}
	a := &Aggregator{
		locations: slices.Clone(locations),
		policy:    policy,
		clock:     clk,
		log:       log,
		refresh:   refresh,
		snapshots: model.Snapshots{},
		watchers:  make(map[chan []Entry]struct{}),
	}
	a.last = a.compute()
	return a
}

// Start subscribes to every location. Besides store notifications the
// list is recomputed every refresh interval, because entries expire
// without any write happening.
func (a *Aggregator) Start(ctx context.Context, repo repository.MembershipRepository) error {
	updates, err := repo.SubscribeAll(ctx)
	if err != nil {
		return fmt.Errorf("roster aggregator: %w", err)
	}

	go func() {
		ticker := a.clock.NewTicker(a.refresh)
		defer ticker.Stop()
		defer a.closeWatchers()

		for {
			select {
			case snap, ok := <-updates:
				if !ok {
					return
				}
				a.Apply(snap)
			case <-ticker.Chan():
				a.Refresh()
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Apply folds in snap if it is newer than the held state and notifies
// watchers when any count changed.
func (a *Aggregator) Apply(snap model.Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.snapshots.Apply(snap) {
		a.updateLocked()
	}
}

// Refresh re-evaluates expiry against the current time.
func (a *Aggregator) Refresh() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.updateLocked()
}

// List returns the roster with counts evaluated now.
func (a *Aggregator) List() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.compute()
}

// Count is the active count for one location.
func (a *Aggregator) Count(locationID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.policy.CountActive(a.snapshots[locationID].Members, a.clock.Now())
}

// Watch streams the roster, starting with the current list. Slow readers
// only see the latest list.
func (a *Aggregator) Watch(ctx context.Context) <-chan []Entry {
	ch := make(chan []Entry, 1)

	a.mu.Lock()
	a.watchers[ch] = struct{}{}
	ch <- slices.Clone(a.last)
	a.mu.Unlock()

	go func() {
		<-ctx.Done()
		a.mu.Lock()
		defer a.mu.Unlock()
		if _, ok := a.watchers[ch]; ok {
			delete(a.watchers, ch)
			close(ch)
		}
	}()
	return ch
}

func (a *Aggregator) compute() []Entry {
	now := a.clock.Now()
	entries := make([]Entry, len(a.locations))
	for i, l := range a.locations {
		entries[i] = Entry{
			LocationID:  l.ID,
			Name:        l.Name,
			Order:       l.Order,
			ActiveCount: a.policy.CountActive(a.snapshots[l.ID].Members, now),
		}
	}
	return entries
}

func (a *Aggregator) updateLocked() {
	entries := a.compute()
	if slices.Equal(entries, a.last) {
		return
	}
	a.last = entries

	for ch := range a.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- slices.Clone(entries)
	}
}

func (a *Aggregator) closeWatchers() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for ch := range a.watchers {
		delete(a.watchers, ch)
		close(ch)
	}
}
