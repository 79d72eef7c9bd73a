// Package session drives one user's presence at one location.
//
// A Session owns a single goroutine that serializes everything touching the
// location's membership record: store notifications, heartbeat ticks and
// join/leave requests. Writes are unguarded read-modify-write against a
// shared record, so concurrent sessions can overwrite each other. Each
// session repairs its own entry on the next notification it sees.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	presenceerrors "munchclub/internal/presence/errors"
	"munchclub/internal/presence/expiry"
	"munchclub/internal/presence/repository"
	"munchclub/pkg/logger"
	"munchclub/pkg/model"

	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultTeardownTimeout   = 5 * time.Second
)

type Options struct {
	Repository repository.MembershipRepository
	Policy     expiry.Policy
	Clock      clockwork.Clock
	Log        *logger.Logger

	HeartbeatInterval time.Duration
	TeardownTimeout   time.Duration

	// OnWrite, when set, receives every record this session wrote, as
	// acknowledged by the store.
	OnWrite func(model.Snapshot)

	// OnExpire, when set, runs on its own goroutine once the user's entry
	// has aged out of the expiry window. The session stays open; the
	// owner decides whether to close it.
	OnExpire func()
}

type commandKind int

const (
	cmdJoin commandKind = iota
	cmdLeave
)

type command struct {
	kind  commandKind
	ctx   context.Context
	reply chan result
}

type result struct {
	members []model.MemberEntry
	err     error
}

type Session struct {
	identity   model.Identity
	locationID string
	opts       Options
	log        *logger.Logger

	commands  chan command
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	// Loop-owned.
	wantPresent bool
	joinedAt    time.Time
	lastSeen    model.Snapshot

	mu       sync.RWMutex
	view     View
	state    State
	watchers map[chan View]struct{}
}

// Open subscribes to locationID and starts the session loop. The session
// lives until Close is called or ctx is done; either way the user leaves
// the location exactly once.
func Open(ctx context.Context, identity model.Identity, locationID string, opts Options) (*Session, error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}
	if opts.Policy.Window <= 0 {
		opts.Policy = expiry.New(expiry.DefaultWindow)
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = DefaultTeardownTimeout
	}

	ctx, cancel := context.WithCancel(ctx)
	updates, err := opts.Repository.Subscribe(ctx, locationID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", locationID, err)
	}

	s := &Session{
		identity:   identity,
		locationID: locationID,
		opts:       opts,
		log:        opts.Log.With("location_id", locationID, "user_id", identity.UserID),
		commands:   make(chan command),
		cancel:     cancel,
		done:       make(chan struct{}),
		lastSeen:   model.AbsentSnapshot(locationID),
		view: View{
			LocationID: locationID,
			State:      Absent.String(),
			Members:    []model.MemberEntry{},
		},
		watchers: make(map[chan View]struct{}),
	}

	go s.run(ctx, updates)
	return s, nil
}

func (s *Session) LocationID() string { return s.locationID }

func (s *Session) UserID() string { return s.identity.UserID }

func (s *Session) IsPresent() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view.IsPresent
}

// Members returns the active members from the latest observation.
func (s *Session) Members() []model.MemberEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return model.CloneMembers(s.view.Members)
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := s.view
	v.Members = model.CloneMembers(v.Members)
	return v
}

// Done is closed once the session has torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Join adds the user to the location and returns the active members as
// written. Exclusivity across locations is the caller's concern.
func (s *Session) Join(ctx context.Context) ([]model.MemberEntry, error) {
	res, err := s.do(ctx, cmdJoin)
	return res.members, err
}

// Leave removes the user from the location. Leaving when absent is a no-op.
func (s *Session) Leave(ctx context.Context) error {
	_, err := s.do(ctx, cmdLeave)
	return err
}

// Close tears the session down and waits for it to finish. Safe to call
// more than once and from any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(s.cancel)
	<-s.done
}

// Watch streams views, starting with the current one. Slow readers only
// see the latest view. The channel closes when ctx is done or the session
// ends.
func (s *Session) Watch(ctx context.Context) <-chan View {
	ch := make(chan View, 1)

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		close(ch)
		return ch
	default:
	}
	s.watchers[ch] = struct{}{}
	ch <- s.view
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		s.mu.Lock()
		if _, ok := s.watchers[ch]; ok {
			delete(s.watchers, ch)
			close(ch)
		}
		s.mu.Unlock()
	}()
	return ch
}

func (s *Session) do(ctx context.Context, kind commandKind) (result, error) {
	cmd := command{kind: kind, ctx: ctx, reply: make(chan result, 1)}

	select {
	case s.commands <- cmd:
	case <-s.done:
		return result{}, presenceerrors.ErrSessionClosed
	case <-ctx.Done():
		return result{}, ctx.Err()
	}

	// Once accepted the operation runs to completion even if ctx ends.
	select {
	case res := <-cmd.reply:
		return res, res.err
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

func (s *Session) run(ctx context.Context, updates <-chan model.Snapshot) {
	var ticker clockwork.Ticker
	var ticks <-chan time.Time

	defer func() {
		s.teardown(ctx)
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			s.observe(ctx, snap)
		case <-ticks:
			s.heartbeat(ctx)
		case cmd := <-s.commands:
			opCtx := context.WithoutCancel(cmd.ctx)
			switch cmd.kind {
			case cmdJoin:
				members, err := s.join(opCtx)
				cmd.reply <- result{members: members, err: err}
			case cmdLeave:
				cmd.reply <- result{err: s.leave(opCtx)}
			}
		case <-ctx.Done():
			return
		}

		// Heartbeats run only while present.
		switch present := s.IsPresent(); {
		case present && ticker == nil:
			ticker = s.opts.Clock.NewTicker(s.opts.HeartbeatInterval)
			ticks = ticker.Chan()
		case !present && ticker != nil:
			ticker.Stop()
			ticker, ticks = nil, nil
		}
	}
}

// teardown leaves the location on a context that outlives the session, so
// shutdown does not strand the user's entry.
func (s *Session) teardown(ctx context.Context) {
	leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.TeardownTimeout)
	defer cancel()

	if err := s.leave(leaveCtx); err != nil {
		s.log.Warn("Failed to leave location during teardown", "error", err)
	}

	s.mu.Lock()
	close(s.done)
	for ch := range s.watchers {
		delete(s.watchers, ch)
		close(ch)
	}
	s.mu.Unlock()

	s.log.Debug("Presence session closed")
}

func (s *Session) isSelf(entry model.MemberEntry) bool {
	return entry.UserID == s.identity.UserID
}

// observe handles one store notification. Stale entries are evicted with a
// best-effort corrective write, and a session that meant to be present but
// finds itself overwritten puts its entry back.
func (s *Session) observe(ctx context.Context, snap model.Snapshot) {
	if !snap.NewerThan(s.lastSeen) {
		return
	}
	s.lastSeen = snap

	now := s.opts.Clock.Now()
	active := dedupe(s.opts.Policy.FilterActive(snap.Members, now))
	s.publish(active, lo.ContainsBy(active, s.isSelf))
	s.expire(active, now)

	if !snap.Exists {
		return
	}

	heal := s.wantPresent &&
		!lo.ContainsBy(active, s.isSelf) &&
		!s.opts.Policy.IsStale(model.MemberEntry{JoinedAt: s.joinedAt}, now)
	if heal {
		if err := s.rejoin(ctx); err != nil {
			s.log.Warn("Failed to restore overwritten membership", "error", err)
		}
		return
	}

	if len(active) != len(snap.Members) {
		written, err := s.opts.Repository.Write(ctx, s.locationID, active, now)
		if err != nil {
			s.log.Warn("Failed to evict stale members", "error", err)
			return
		}
		s.acknowledge(written)
	}
}

func (s *Session) join(ctx context.Context) ([]model.MemberEntry, error) {
	prevState := s.State()
	s.setState(Joining)

	now := model.Timestamp(s.opts.Clock.Now())
	written, err := s.writeWithSelf(ctx, s.identity.Entry(now, now), now)
	if err != nil {
		s.setState(prevState)
		return nil, err
	}

	s.wantPresent = true
	s.joinedAt = now
	s.acknowledge(written)
	s.setState(Present)

	s.log.Info("Joined location", "members", len(written.Members))
	return model.CloneMembers(written.Members), nil
}

// rejoin restores the session's entry with its original JoinedAt.
func (s *Session) rejoin(ctx context.Context) error {
	now := model.Timestamp(s.opts.Clock.Now())
	written, err := s.writeWithSelf(ctx, s.identity.Entry(s.joinedAt, now), now)
	if err != nil {
		return err
	}
	s.acknowledge(written)
	s.log.Info("Restored membership after concurrent overwrite")
	return nil
}

// writeWithSelf reads the record, drops stale entries and any existing
// entry for the user, and writes the result with self appended.
func (s *Session) writeWithSelf(ctx context.Context, self model.MemberEntry, now time.Time) (*model.MembershipRecord, error) {
	var members []model.MemberEntry
	record, err := s.opts.Repository.Read(ctx, s.locationID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		members = record.Members
	}

	others := lo.Reject(dedupe(s.opts.Policy.FilterActive(members, now)), func(e model.MemberEntry, _ int) bool {
		return s.isSelf(e)
	})
	return s.opts.Repository.Write(ctx, s.locationID, append(others, self), now)
}

func (s *Session) leave(ctx context.Context) error {
	prevState := s.State()
	prevWant := s.wantPresent
	s.wantPresent = false
	s.setState(Leaving)

	restore := func() {
		s.wantPresent = prevWant
		s.setState(prevState)
	}

	record, err := s.opts.Repository.Read(ctx, s.locationID)
	if errors.Is(err, repository.ErrNotFound) {
		s.setState(Absent)
		return nil
	}
	if err != nil {
		restore()
		return err
	}
	if !lo.ContainsBy(record.Members, s.isSelf) {
		s.setState(Absent)
		return nil
	}

	now := s.opts.Clock.Now()
	remaining := lo.Reject(s.opts.Policy.FilterActive(record.Members, now), func(e model.MemberEntry, _ int) bool {
		return s.isSelf(e)
	})
	written, err := s.opts.Repository.Write(ctx, s.locationID, remaining, now)
	if err != nil {
		restore()
		return err
	}

	s.acknowledge(written)
	s.setState(Absent)
	s.log.Info("Left location")
	return nil
}

// heartbeat refreshes the user's LastHeartbeatAt. Other stale entries are
// dropped but the user's own entry is kept regardless of its age.
func (s *Session) heartbeat(ctx context.Context) {
	record, err := s.opts.Repository.Read(ctx, s.locationID)
	if errors.Is(err, repository.ErrNotFound) {
		return
	}
	if err != nil {
		s.log.Warn("Heartbeat read failed", "error", err)
		return
	}

	now := model.Timestamp(s.opts.Clock.Now())
	kept := lo.Filter(record.Members, func(e model.MemberEntry, _ int) bool {
		return s.isSelf(e) || !s.opts.Policy.IsStale(e, now)
	})
	for i := range kept {
		if s.isSelf(kept[i]) {
			kept[i].LastHeartbeatAt = now
		}
	}

	written, err := s.opts.Repository.Write(ctx, s.locationID, kept, now)
	if err != nil {
		s.log.Warn("Heartbeat write failed", "error", err)
		return
	}
	s.acknowledge(written)
}

// acknowledge folds a record this session wrote into its own view without
// waiting for the store to echo it back.
func (s *Session) acknowledge(written *model.MembershipRecord) {
	snap := model.SnapshotOf(written)
	if snap.NewerThan(s.lastSeen) {
		s.lastSeen = snap
		now := s.opts.Clock.Now()
		active := dedupe(s.opts.Policy.FilterActive(snap.Members, now))
		s.publish(active, lo.ContainsBy(active, s.isSelf))
		s.expire(active, now)
	}
	if s.opts.OnWrite != nil {
		s.opts.OnWrite(snap)
	}
}

// expire gives up on the location once the user's own entry is stale and
// no longer counted, so the session stops trying to restore it.
func (s *Session) expire(active []model.MemberEntry, now time.Time) {
	if !s.wantPresent || lo.ContainsBy(active, s.isSelf) {
		return
	}
	if !s.opts.Policy.IsStale(model.MemberEntry{JoinedAt: s.joinedAt}, now) {
		return
	}

	s.wantPresent = false
	s.log.Info("Presence expired", "joined_at", s.joinedAt)
	if s.opts.OnExpire != nil {
		go s.opts.OnExpire()
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.view.State = state.String()
}

func (s *Session) publish(active []model.MemberEntry, isPresent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Absent || s.state == Present {
		s.state = Absent
		if isPresent {
			s.state = Present
		}
	}
	s.view = View{
		LocationID: s.locationID,
		State:      s.state.String(),
		IsPresent:  isPresent,
		Members:    model.CloneMembers(active),
	}

	for ch := range s.watchers {
		select {
		case <-ch:
		default:
		}
		v := s.view
		v.Members = model.CloneMembers(active)
		ch <- v
	}
}

// dedupe keeps the first entry per user.
func dedupe(entries []model.MemberEntry) []model.MemberEntry {
	return lo.UniqBy(entries, func(e model.MemberEntry) string { return e.UserID })
}
