// Package exclusivity answers which location, if any, a user is currently
// present at, so that a second concurrent join can be refused.
package exclusivity

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"munchclub/internal/presence/expiry"
	"munchclub/internal/presence/repository"
	"munchclub/pkg/logger"
	"munchclub/pkg/model"

	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"
)

type Tracker struct {
	policy expiry.Policy
	clock  clockwork.Clock
	log    *logger.Logger
	order  map[string]int

	mu        sync.RWMutex
	snapshots model.Snapshots
}

// New builds a tracker. locations fixes the order in which locations are
// checked when a user transiently appears in more than one.
func New(locations []model.Location, policy expiry.Policy, clk clockwork.Clock, log *logger.Logger) *Tracker {
	order := make(map[string]int, len(locations))
	for i, l := range locations {
		order[l.ID] = i
	}
	return &Tracker{
		policy:    policy,
		clock:     clk,
		log:       log,
		order:     order,
		snapshots: model.Snapshots{},
	}
}

// Start subscribes to every location and keeps the tracker current until
// ctx is done.
func (t *Tracker) Start(ctx context.Context, repo repository.MembershipRepository) error {
	updates, err := repo.SubscribeAll(ctx)
	if err != nil {
		return fmt.Errorf("exclusivity tracker: %w", err)
	}

	go func() {
		for snap := range updates {
			t.Apply(snap)
		}
		t.log.Debug("Exclusivity tracker stopped")
	}()
	return nil
}

// Apply records snap if it is newer than what the tracker holds.
func (t *Tracker) Apply(snap model.Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snapshots.Apply(snap)
}

// ActiveLocationFor returns the location where userID has a non-stale
// entry. Staleness is judged at call time. If the user appears in several
// locations the first in catalog order wins; unknown locations come last,
// by id.
func (t *Tracker) ActiveLocationFor(userID string) (string, bool) {
	now := t.clock.Now()

	t.mu.RLock()
	defer t.mu.RUnlock()

	var found []string
	for id, snap := range t.snapshots {
		present := lo.ContainsBy(snap.Members, func(e model.MemberEntry) bool {
			return e.UserID == userID && !t.policy.IsStale(e, now)
		})
		if present {
			found = append(found, id)
		}
	}
	if len(found) == 0 {
		return "", false
	}

	sort.Slice(found, func(i, j int) bool {
		oi, iKnown := t.order[found[i]]
		oj, jKnown := t.order[found[j]]
		if iKnown != jKnown {
			return iKnown
		}
		if iKnown && oi != oj {
			return oi < oj
		}
		return found[i] < found[j]
	})
	if len(found) > 1 {
		t.log.Warn("User present at several locations", "user_id", userID, "locations", found)
	}
	return found[0], true
}
