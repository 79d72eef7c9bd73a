package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"munchclub/internal/catalog"
	presenceerrors "munchclub/internal/presence/errors"
	"munchclub/internal/presence/events"
	"munchclub/internal/presence/exclusivity"
	"munchclub/internal/presence/expiry"
	"munchclub/internal/presence/repository"
	"munchclub/internal/presence/roster"
	"munchclub/pkg/config"
	apperrors "munchclub/pkg/errors"
	"munchclub/pkg/logger"
	"munchclub/pkg/model"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.MemberEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event events.MemberEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type+":"+e.UserID+"@"+e.LocationID)
	}
	return out
}

// flakyRepository fails reads while down is set and parks them while
// held.
type flakyRepository struct {
	repository.MembershipRepository
	down atomic.Bool

	mu      sync.Mutex
	gate    chan struct{}
	waiting chan struct{}
}

// hold parks every read until the returned func is called. The second
// return value receives a signal when a read is parked.
func (r *flakyRepository) hold() (func(), <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gate = make(chan struct{})
	r.waiting = make(chan struct{}, 1)

	gate := r.gate
	release := func() {
		r.mu.Lock()
		r.gate = nil
		r.mu.Unlock()
		close(gate)
	}
	return release, r.waiting
}

func (r *flakyRepository) Read(ctx context.Context, locationID string) (*model.MembershipRecord, error) {
	r.mu.Lock()
	gate, waiting := r.gate, r.waiting
	r.mu.Unlock()
	if gate != nil {
		select {
		case waiting <- struct{}{}:
		default:
		}
		<-gate
	}

	if r.down.Load() {
		return nil, fmt.Errorf("%w: connection reset", presenceerrors.ErrStoreUnavailable)
	}
	return r.MembershipRepository.Read(ctx, locationID)
}

type fixture struct {
	repo      *flakyRepository
	clock     *clockwork.FakeClock
	publisher *recordingPublisher
	service   PresenceService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := &config.Config{
		Log:                logger.Nop(),
		ExpiryWindow:       time.Hour,
		HeartbeatInterval:  30 * time.Second,
		TeardownTimeout:    time.Second,
		DefaultPhoneRegion: "US",
	}
	f := &fixture{
		repo:      &flakyRepository{MembershipRepository: repository.NewMemoryMembershipRepository()},
		clock:     clockwork.NewFakeClockAt(t0),
		publisher: &recordingPublisher{},
	}

	locations := catalog.StanfordDiningHalls()
	policy := expiry.New(cfg.ExpiryWindow)
	f.service = NewPresenceService(Dependencies{
		Repository: f.repo,
		Locations:  locations,
		Tracker:    exclusivity.New(locations, policy, f.clock, cfg.Log),
		Roster:     roster.New(locations, policy, f.clock, cfg.Log, time.Minute),
		Publisher:  f.publisher,
		Clock:      f.clock,
	}, cfg)

	t.Cleanup(func() {
		_ = f.service.Shutdown(context.Background())
	})
	return f
}

func (f *fixture) stored(t *testing.T, locationID string) []string {
	t.Helper()
	record, err := f.repo.MembershipRepository.Read(context.Background(), locationID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	require.NoError(t, err)
	ids := make([]string, 0, len(record.Members))
	for _, m := range record.Members {
		ids = append(ids, m.UserID)
	}
	return ids
}

// awaitHeartbeat blocks until n sessions have armed their heartbeat.
func (f *fixture) awaitHeartbeat(t *testing.T, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.clock.BlockUntilContext(ctx, n))
}

func (f *fixture) registered() int {
	svc := f.service.(*presenceService)
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return len(svc.sessions)
}

func user(id, name string) model.Identity {
	return model.Identity{UserID: id, DisplayName: name}
}

func TestJoin(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.service.Join(ctx, "arrillaga", user("ada", "Ada L."))
	req.NoError(err)
	req.Equal("arrillaga", res.LocationID)
	req.False(res.OthersPresent)
	req.Len(res.Members, 1)
	req.Equal("ada", res.Members[0].UserID)

	req.Equal([]string{"ada"}, f.stored(t, "arrillaga"))

	active, err := f.service.ActiveLocation("ada")
	req.NoError(err)
	req.Equal("arrillaga", active)

	entries := f.service.Roster()
	req.Equal("arrillaga", entries[0].LocationID)
	req.Equal(1, entries[0].ActiveCount)
}

func TestJoin_SameLocationTwiceKeepsOneEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Join(ctx, "stern", user("ada", "Ada L."))
	require.NoError(t, err)
	_, err = f.service.Join(ctx, "stern", user("ada", "Ada L."))
	require.NoError(t, err)

	require.Equal(t, []string{"ada"}, f.stored(t, "stern"))
}

func TestJoin_OthersPresent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Join(ctx, "wilbur", user("grace", "Grace H."))
	require.NoError(t, err)

	res, err := f.service.Join(ctx, "wilbur", user("ada", "Ada L."))
	require.NoError(t, err)
	require.True(t, res.OthersPresent)
	require.Len(t, res.Members, 2)

	require.NoError(t, f.service.Shutdown(ctx))

	f.publisher.mu.Lock()
	defer f.publisher.mu.Unlock()
	var joined *events.MemberEvent
	for i := range f.publisher.events {
		if f.publisher.events[i].Type == events.TypeMemberJoined && f.publisher.events[i].UserID == "ada" {
			joined = &f.publisher.events[i]
		}
	}
	require.NotNil(t, joined)
	require.Equal(t, []string{"grace"}, joined.OthersPresent)
}

func TestJoin_RefusedWhileActiveElsewhere(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Join(ctx, "arrillaga", user("ada", "Ada L."))
	req.NoError(err)
	_, err = f.service.Join(ctx, "wilbur", user("grace", "Grace H."))
	req.NoError(err)

	before, err := f.repo.Read(ctx, "wilbur")
	req.NoError(err)

	_, err = f.service.Join(ctx, "wilbur", user("ada", "Ada L."))
	req.Error(err)
	req.ErrorIs(err, presenceerrors.ErrExclusivityViolation)

	appErr := apperrors.AsAppError(err)
	req.NotNil(appErr)
	req.Equal(http.StatusConflict, appErr.StatusCode())
	req.Equal(apperrors.CodeActiveElsewhere, appErr.Code)
	req.Equal("arrillaga", appErr.Details["active_location_id"])

	after, err := f.repo.Read(ctx, "wilbur")
	req.NoError(err)
	req.Equal(before, after)
	req.Equal([]string{"ada"}, f.stored(t, "arrillaga"))
}

func TestJoin_AllowedAfterPreviousPresenceExpires(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Join(ctx, "arrillaga", user("ada", "Ada L."))
	req.NoError(err)

	f.clock.Advance(3601 * time.Second)

	_, err = f.service.ActiveLocation("ada")
	req.Equal(http.StatusNotFound, apperrors.AsAppError(err).StatusCode())

	members, err := f.service.Members(ctx, "arrillaga")
	req.NoError(err)
	req.Empty(members)

	_, err = f.service.Join(ctx, "wilbur", user("ada", "Ada L."))
	req.NoError(err)

	active, err := f.service.ActiveLocation("ada")
	req.NoError(err)
	req.Equal("wilbur", active)
	req.Empty(f.stored(t, "arrillaga"))
	req.Equal([]string{"ada"}, f.stored(t, "wilbur"))
}

func TestJoin_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		locationID string
		identity   model.Identity
		wantStatus int
		wantCode   string
		wantErr    error
	}{
		{"unknown location", "mordor", user("ada", "Ada L."), http.StatusNotFound, apperrors.CodeNotFound, presenceerrors.ErrUnknownLocation},
		{"bad location id", "no/slashes", user("ada", "Ada L."), http.StatusUnprocessableEntity, apperrors.CodeValidation, nil},
		{"missing display name", "arrillaga", user("ada", "   "), http.StatusUnprocessableEntity, apperrors.CodeValidation, presenceerrors.ErrInvalidIdentity},
		{"bad user id", "arrillaga", user("ada lovelace", "Ada L."), http.StatusUnprocessableEntity, apperrors.CodeValidation, presenceerrors.ErrInvalidIdentity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.Join(ctx, tt.locationID, tt.identity)
			appErr := apperrors.AsAppError(err)
			require.NotNil(t, appErr)
			require.Equal(t, tt.wantStatus, appErr.StatusCode())
			require.Equal(t, tt.wantCode, appErr.Code)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			}
		})
	}

	require.Empty(t, f.stored(t, "arrillaga"))
}

func TestJoin_StoreUnavailable(t *testing.T) {
	f := newFixture(t)
	f.repo.down.Store(true)

	_, err := f.service.Join(context.Background(), "arrillaga", user("ada", "Ada L."))
	appErr := apperrors.AsAppError(err)
	require.NotNil(t, appErr)
	require.Equal(t, http.StatusServiceUnavailable, appErr.StatusCode())
	require.ErrorIs(t, err, presenceerrors.ErrStoreUnavailable)

	f.repo.down.Store(false)
	_, err = f.service.ActiveLocation("ada")
	require.Error(t, err)
}

func TestLeave(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Join(ctx, "branner", user("ada", "Ada L."))
	req.NoError(err)

	req.NoError(f.service.Leave(ctx, "branner", "ada"))
	req.Empty(f.stored(t, "branner"))
	_, err = f.service.ActiveLocation("ada")
	req.Error(err)

	// Leaving again is a no-op.
	req.NoError(f.service.Leave(ctx, "branner", "ada"))

	req.NoError(f.service.Shutdown(ctx))
	req.ElementsMatch([]string{
		"member.joined:ada@branner",
		"member.left:ada@branner",
	}, f.publisher.types())
}

func TestLeave_WithoutLocalSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry := user("ada", "Ada L.").Entry(t0, t0)
	_, err := f.repo.Write(ctx, "casper", []model.MemberEntry{entry}, t0)
	require.NoError(t, err)

	require.NoError(t, f.service.Leave(ctx, "casper", "ada"))
	require.Empty(t, f.stored(t, "casper"))
}

func TestOpenSession_ReleaseLeaves(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()

	sess, release, err := f.service.OpenSession(ctx, "flomo", user("ada", "Ada L."))
	req.NoError(err)
	req.False(sess.IsPresent())

	_, err = f.service.Join(ctx, "flomo", user("ada", "Ada L."))
	req.NoError(err)
	req.True(sess.IsPresent())

	// An attached session survives a leave so the client can rejoin.
	req.NoError(f.service.Leave(ctx, "flomo", "ada"))
	req.False(sess.IsPresent())
	_, err = f.service.Join(ctx, "flomo", user("ada", "Ada L."))
	req.NoError(err)

	release()
	release()

	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatal("session not closed after release")
	}
	req.Empty(f.stored(t, "flomo"))
}

func TestShutdown_LeavesEveryLocation(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Join(ctx, "arrillaga", user("ada", "Ada L."))
	req.NoError(err)
	_, err = f.service.Join(ctx, "arrillaga", user("grace", "Grace H."))
	req.NoError(err)
	_, err = f.service.Join(ctx, "ricker", user("alan", "Alan T."))
	req.NoError(err)

	req.NoError(f.service.Shutdown(ctx))
	req.Empty(f.stored(t, "arrillaga"))
	req.Empty(f.stored(t, "ricker"))

	_, err = f.service.Join(ctx, "ricker", user("alan", "Alan T."))
	req.Equal(http.StatusServiceUnavailable, apperrors.AsAppError(err).StatusCode())
}

func TestMembers_FiltersStaleEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.repo.Write(ctx, "yost", []model.MemberEntry{
		user("old", "Old T.").Entry(t0.Add(-time.Hour), t0),
		user("new", "New T.").Entry(t0.Add(-time.Minute), t0),
	}, t0)
	require.NoError(t, err)

	members, err := f.service.Members(ctx, "yost")
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, "new", members[0].UserID)

	members, err = f.service.Members(ctx, "row")
	require.NoError(t, err)
	require.Empty(t, members)
}

func TestJoin_ExpiredSessionIsClosed(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Join(ctx, "arrillaga", user("ada", "Ada L."))
	req.NoError(err)
	req.Equal(1, f.registered())
	f.awaitHeartbeat(t, 1)

	f.clock.Advance(time.Hour + 30*time.Second)

	req.Eventually(func() bool {
		return f.registered() == 0 && len(f.stored(t, "arrillaga")) == 0
	}, 2*time.Second, 5*time.Millisecond)

	// The user can come back to the same location afterwards.
	res, err := f.service.Join(ctx, "arrillaga", user("ada", "Ada L."))
	req.NoError(err)
	req.Len(res.Members, 1)
	req.Equal([]string{"ada"}, f.stored(t, "arrillaga"))
}

func TestJoin_ExpiredSessionKeptWhileAttached(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()

	sess, release, err := f.service.OpenSession(ctx, "wilbur", user("ada", "Ada L."))
	req.NoError(err)
	defer release()

	_, err = f.service.Join(ctx, "wilbur", user("ada", "Ada L."))
	req.NoError(err)
	f.awaitHeartbeat(t, 1)

	f.clock.Advance(time.Hour + 30*time.Second)

	req.Eventually(func() bool { return !sess.IsPresent() }, 2*time.Second, 5*time.Millisecond)
	req.Never(func() bool {
		select {
		case <-sess.Done():
			return true
		default:
			return false
		}
	}, 100*time.Millisecond, 5*time.Millisecond)
	req.Equal(1, f.registered())
}

func TestLeave_WhileSessionClosing(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()

	sess, _, err := f.service.OpenSession(ctx, "stern", user("ada", "Ada L."))
	req.NoError(err)
	_, err = f.service.Join(ctx, "stern", user("ada", "Ada L."))
	req.NoError(err)

	// Park the teardown leave so the session is closing but not yet done.
	resume, waiting := f.repo.hold()
	go sess.Close()
	select {
	case <-waiting:
	case <-time.After(2 * time.Second):
		t.Fatal("teardown did not start")
	}

	errs := make(chan error, 1)
	go func() { errs <- f.service.Leave(ctx, "stern", "ada") }()
	time.Sleep(50 * time.Millisecond)
	resume()

	select {
	case err := <-errs:
		req.NoError(err)
	case <-time.After(2 * time.Second):
		t.Fatal("leave did not return")
	}
	req.Empty(f.stored(t, "stern"))
}

func TestOpenSession_ReleaseEndsRESTJoin(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Join(ctx, "lakeside", user("ada", "Ada L."))
	req.NoError(err)

	// A socket attaching to a REST join shares its session, so the last
	// release ends the presence.
	sess, release, err := f.service.OpenSession(ctx, "lakeside", user("ada", "Ada L."))
	req.NoError(err)
	req.True(sess.IsPresent())
	req.Equal(1, f.registered())

	release()

	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatal("session not closed after release")
	}
	req.Empty(f.stored(t, "lakeside"))
	_, err = f.service.ActiveLocation("ada")
	req.Error(err)

	req.NoError(f.service.Shutdown(ctx))
	req.ElementsMatch([]string{
		"member.joined:ada@lakeside",
		"member.left:ada@lakeside",
	}, f.publisher.types())
}
