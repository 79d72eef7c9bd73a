package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	presenceerrors "munchclub/internal/presence/errors"
	"munchclub/internal/presence/events"
	"munchclub/internal/presence/exclusivity"
	"munchclub/internal/presence/expiry"
	"munchclub/internal/presence/repository"
	"munchclub/internal/presence/roster"
	"munchclub/internal/presence/session"
	"munchclub/internal/presence/validator"
	"munchclub/pkg/config"
	apperrors "munchclub/pkg/errors"
	"munchclub/pkg/model"
	"munchclub/pkg/sanitizer"

	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"
)

const (
	storeName           = "membership store"
	eventPublishTimeout = 5 * time.Second
)

type PresenceService interface {
	Join(ctx context.Context, locationID string, identity model.Identity) (*JoinResult, error)
	Leave(ctx context.Context, locationID, userID string) error
	Members(ctx context.Context, locationID string) ([]model.MemberEntry, error)
	Roster() []roster.Entry
	WatchRoster(ctx context.Context) <-chan []roster.Entry
	ActiveLocation(userID string) (string, error)

	// OpenSession attaches a long-lived client, such as a socket, to the
	// user's session at a location. release must be called once the client
	// goes away; the last release leaves the location.
	OpenSession(ctx context.Context, locationID string, identity model.Identity) (sess *session.Session, release func(), err error)

	Location(locationID string) (model.Location, error)
	Ping(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// JoinResult is what a joining user sees: the location's active members
// right after the join, themselves included.
type JoinResult struct {
	LocationID    string              `json:"location_id"`
	Members       []model.MemberEntry `json:"members"`
	OthersPresent bool                `json:"others_present"`
}

type Dependencies struct {
	Repository repository.MembershipRepository
	Locations  []model.Location
	Tracker    *exclusivity.Tracker
	Roster     *roster.Aggregator
	Validator  *validator.IdentityValidator
	Publisher  events.Publisher
	Clock      clockwork.Clock
}

type sessionKey struct {
	userID     string
	locationID string
}

type registered struct {
	sess     *session.Session
	attached int
}

type presenceService struct {
	repo      repository.MembershipRepository
	locations map[string]model.Location
	tracker   *exclusivity.Tracker
	roster    *roster.Aggregator
	validator *validator.IdentityValidator
	publisher events.Publisher
	clock     clockwork.Clock
	policy    expiry.Policy
	cfg       *config.Config

	baseCtx context.Context
	stop    context.CancelFunc

	mu       sync.Mutex
	sessions map[sessionKey]*registered
	closed   bool

	userLocks sync.Map // userID -> *sync.Mutex
	pending   sync.WaitGroup
}

func NewPresenceService(deps Dependencies, cfg *config.Config) PresenceService {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Publisher == nil {
		deps.Publisher = events.NopPublisher{}
	}
	if deps.Validator == nil {
		deps.Validator = validator.NewIdentityValidator()
	}

	baseCtx, stop := context.WithCancel(context.Background())
	return &presenceService{
		repo: deps.Repository,
		locations: lo.SliceToMap(deps.Locations, func(l model.Location) (string, model.Location) {
			return l.ID, l
		}),
		tracker:   deps.Tracker,
		roster:    deps.Roster,
		validator: deps.Validator,
		publisher: deps.Publisher,
		clock:     deps.Clock,
		policy:    expiry.New(cfg.ExpiryWindow),
		cfg:       cfg,
		baseCtx:   baseCtx,
		stop:      stop,
		sessions:  make(map[sessionKey]*registered),
	}
}

func (s *presenceService) Join(ctx context.Context, locationID string, identity model.Identity) (*JoinResult, error) {
	if s.isClosed() {
		return nil, apperrors.Unavailable("presence service")
	}
	if _, err := s.Location(locationID); err != nil {
		return nil, err
	}
	if err := s.prepareIdentity(&identity); err != nil {
		return nil, err
	}

	unlock := s.lockUser(identity.UserID)
	defer unlock()

	if active, ok := s.tracker.ActiveLocationFor(identity.UserID); ok && active != locationID {
		s.cfg.Log.Warn("Join refused, user active elsewhere",
			"user_id", identity.UserID,
			"location_id", locationID,
			"active_location_id", active,
		)
		refusal := apperrors.ActiveElsewhere(active)
		refusal.Err = presenceerrors.ErrExclusivityViolation
		return nil, refusal
	}

	s.releaseOtherLocations(ctx, identity.UserID, locationID)

	sess, created, err := s.acquire(locationID, identity)
	if err != nil {
		return nil, err
	}

	members, err := sess.Join(ctx)
	if err != nil {
		if created {
			s.drop(sessionKey{identity.UserID, locationID}, sess)
		}
		s.cfg.Log.Error("Failed to join location",
			"user_id", identity.UserID,
			"location_id", locationID,
			"error", err,
		)
		return nil, s.storeError("Failed to join location", err)
	}

	members = s.policy.FilterActive(members, s.clock.Now())
	others := lo.FilterMap(members, func(e model.MemberEntry, _ int) (string, bool) {
		return e.UserID, e.UserID != identity.UserID
	})

	s.cfg.Log.Info("User joined location",
		"user_id", identity.UserID,
		"location_id", locationID,
		"others_present", len(others),
	)

	s.publish(events.MemberEvent{
		Type:          events.TypeMemberJoined,
		LocationID:    locationID,
		UserID:        identity.UserID,
		DisplayName:   identity.DisplayName,
		ContactRef:    identity.ContactRef,
		OthersPresent: others,
		OccurredAt:    s.clock.Now(),
	})

	return &JoinResult{
		LocationID:    locationID,
		Members:       members,
		OthersPresent: len(others) > 0,
	}, nil
}

func (s *presenceService) Leave(ctx context.Context, locationID, userID string) error {
	if s.isClosed() {
		return apperrors.Unavailable("presence service")
	}
	if _, err := s.Location(locationID); err != nil {
		return err
	}
	if userID == "" {
		return apperrors.InvalidInput("user_id cannot be empty")
	}

	unlock := s.lockUser(userID)
	defer unlock()

	key := sessionKey{userID, locationID}
	reg, ok := s.lookup(key)

	active, _ := s.tracker.ActiveLocationFor(userID)
	wasPresent := active == locationID

	var sess *session.Session
	if ok {
		sess = reg.sess
		wasPresent = wasPresent || sess.IsPresent()
	} else {
		// No local session: the entry may have been written by an earlier
		// process. A throwaway session removes it all the same.
		opened, err := s.openSession(locationID, model.Identity{UserID: userID})
		if err != nil {
			return s.storeError("Failed to leave location", err)
		}
		sess = opened
		defer sess.Close()
	}

	err := sess.Leave(ctx)
	if ok && errors.Is(err, presenceerrors.ErrSessionClosed) {
		// A concurrent release closed the session; its teardown left.
		err = nil
	}
	if err != nil {
		s.cfg.Log.Error("Failed to leave location",
			"user_id", userID,
			"location_id", locationID,
			"error", err,
		)
		return s.storeError("Failed to leave location", err)
	}

	if ok {
		s.mu.Lock()
		detached := reg.attached == 0
		s.mu.Unlock()
		if detached {
			s.drop(key, sess)
		}
	}

	if wasPresent {
		s.cfg.Log.Info("User left location", "user_id", userID, "location_id", locationID)
		s.publish(events.MemberEvent{
			Type:       events.TypeMemberLeft,
			LocationID: locationID,
			UserID:     userID,
			OccurredAt: s.clock.Now(),
		})
	}
	return nil
}

func (s *presenceService) Members(ctx context.Context, locationID string) ([]model.MemberEntry, error) {
	if _, err := s.Location(locationID); err != nil {
		return nil, err
	}

	record, err := s.repo.Read(ctx, locationID)
	if errors.Is(err, repository.ErrNotFound) {
		return []model.MemberEntry{}, nil
	}
	if err != nil {
		s.cfg.Log.Error("Failed to read members", "location_id", locationID, "error", err)
		return nil, s.storeError("Failed to read members", err)
	}

	active := s.policy.FilterActive(record.Members, s.clock.Now())
	return lo.UniqBy(active, func(e model.MemberEntry) string { return e.UserID }), nil
}

func (s *presenceService) Roster() []roster.Entry {
	return s.roster.List()
}

func (s *presenceService) WatchRoster(ctx context.Context) <-chan []roster.Entry {
	return s.roster.Watch(ctx)
}

func (s *presenceService) ActiveLocation(userID string) (string, error) {
	if userID == "" {
		return "", apperrors.InvalidInput("user_id cannot be empty")
	}
	active, ok := s.tracker.ActiveLocationFor(userID)
	if !ok {
		return "", apperrors.NotFoundWithID("Active location", userID)
	}
	return active, nil
}

func (s *presenceService) OpenSession(ctx context.Context, locationID string, identity model.Identity) (*session.Session, func(), error) {
	if s.isClosed() {
		return nil, nil, apperrors.Unavailable("presence service")
	}
	if _, err := s.Location(locationID); err != nil {
		return nil, nil, err
	}
	if err := s.prepareIdentity(&identity); err != nil {
		return nil, nil, err
	}

	sess, _, err := s.acquire(locationID, identity)
	if err != nil {
		return nil, nil, err
	}

	key := sessionKey{identity.UserID, locationID}
	s.mu.Lock()
	if reg, ok := s.sessions[key]; ok && reg.sess == sess {
		reg.attached++
	}
	s.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() { s.detach(key, sess) })
	}
	return sess, release, nil
}

func (s *presenceService) Location(locationID string) (model.Location, error) {
	if err := s.validator.ValidateLocationID(locationID); err != nil {
		return model.Location{}, s.validationError("Invalid location id", err)
	}
	loc, ok := s.locations[locationID]
	if !ok {
		notFound := apperrors.NotFoundWithID("Location", locationID)
		notFound.Err = presenceerrors.ErrUnknownLocation
		return model.Location{}, notFound
	}
	return loc, nil
}

func (s *presenceService) Ping(ctx context.Context) error {
	if err := s.repo.Ping(ctx); err != nil {
		return apperrors.UnavailableCause(storeName, err)
	}
	return nil
}

// Shutdown tears down every session, each leaving its location, and waits
// for in-flight event publishes.
func (s *presenceService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	all := lo.Values(s.sessions)
	s.sessions = make(map[sessionKey]*registered)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, reg := range all {
		wg.Add(1)
		go func(sess *session.Session) {
			defer wg.Done()
			sess.Close()
		}(reg.sess)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		s.pending.Wait()
		close(done)
	}()

	defer s.stop()
	select {
	case <-done:
		s.cfg.Log.Info("Presence sessions closed", "count", len(all))
	case <-ctx.Done():
		return fmt.Errorf("presence shutdown: %w", ctx.Err())
	}

	if err := s.publisher.Close(); err != nil {
		return fmt.Errorf("failed to close event publisher: %w", err)
	}
	return nil
}

func (s *presenceService) prepareIdentity(identity *model.Identity) error {
	sanitizer.SanitizeIdentity(identity, s.cfg.DefaultPhoneRegion)
	if err := s.validator.Validate(identity); err != nil {
		s.cfg.Log.Warn("Identity validation failed", "user_id", identity.UserID, "error", err)
		invalid := s.validationError("Identity validation failed", err)
		invalid.Err = fmt.Errorf("%w: %w", presenceerrors.ErrInvalidIdentity, err)
		return invalid
	}
	return nil
}

func (s *presenceService) validationError(message string, err error) *apperrors.AppError {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return apperrors.Validation(message, verrs.Details())
	}
	return apperrors.Validation(message, map[string]any{"error": err.Error()})
}

func (s *presenceService) storeError(message string, err error) error {
	switch {
	case errors.Is(err, presenceerrors.ErrStoreUnavailable):
		return apperrors.UnavailableCause(storeName, err)
	case errors.Is(err, presenceerrors.ErrSessionClosed):
		return apperrors.Unavailable("presence service")
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.Timeout(message)
	default:
		return apperrors.Internal(message, err)
	}
}

func (s *presenceService) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// lockUser serializes joins and leaves of one user so the exclusivity
// check and the write it guards cannot interleave with another request.
func (s *presenceService) lockUser(userID string) func() {
	m, _ := s.userLocks.LoadOrStore(userID, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *presenceService) lookup(key sessionKey) (*registered, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok := s.sessions[key]
	if !ok {
		return nil, false
	}
	select {
	case <-reg.sess.Done():
		delete(s.sessions, key)
		return nil, false
	default:
		return reg, true
	}
}

// acquire returns the registered session for the user at locationID,
// opening one if needed.
func (s *presenceService) acquire(locationID string, identity model.Identity) (*session.Session, bool, error) {
	key := sessionKey{identity.UserID, locationID}
	if reg, ok := s.lookup(key); ok {
		return reg.sess, false, nil
	}

	sess, err := s.openSession(locationID, identity)
	if err != nil {
		return nil, false, s.storeError("Failed to open presence session", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sess.Close()
		return nil, false, apperrors.Unavailable("presence service")
	}
	if reg, ok := s.sessions[key]; ok {
		s.mu.Unlock()
		sess.Close()
		return reg.sess, false, nil
	}
	s.sessions[key] = &registered{sess: sess}
	s.mu.Unlock()

	return sess, true, nil
}

func (s *presenceService) openSession(locationID string, identity model.Identity) (*session.Session, error) {
	var sess *session.Session
	key := sessionKey{identity.UserID, locationID}

	sess, err := session.Open(s.baseCtx, identity, locationID, session.Options{
		Repository:        s.repo,
		Policy:            s.policy,
		Clock:             s.clock,
		Log:               s.cfg.Log,
		HeartbeatInterval: s.cfg.HeartbeatInterval,
		TeardownTimeout:   s.cfg.TeardownTimeout,
		OnWrite: func(snap model.Snapshot) {
			s.tracker.Apply(snap)
			s.roster.Apply(snap)
		},
		OnExpire: func() { s.reap(key, sess) },
	})
	return sess, err
}

// reap closes a session whose presence expired, unless a client is still
// attached to it or the user has joined again in the meantime.
func (s *presenceService) reap(key sessionKey, sess *session.Session) {
	unlock := s.lockUser(key.userID)
	defer unlock()

	s.mu.Lock()
	reg, ok := s.sessions[key]
	if !ok || reg.sess != sess || reg.attached > 0 || sess.IsPresent() {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, key)
	s.mu.Unlock()

	sess.Close()
	s.cfg.Log.Info("Closed expired presence session",
		"user_id", key.userID,
		"location_id", key.locationID,
	)
}

// drop unregisters and closes sess, which leaves its location.
func (s *presenceService) drop(key sessionKey, sess *session.Session) {
	s.mu.Lock()
	if reg, ok := s.sessions[key]; ok && reg.sess == sess {
		delete(s.sessions, key)
	}
	s.mu.Unlock()
	sess.Close()
}

func (s *presenceService) detach(key sessionKey, sess *session.Session) {
	s.mu.Lock()
	reg, ok := s.sessions[key]
	if !ok || reg.sess != sess {
		s.mu.Unlock()
		return
	}
	reg.attached--
	last := reg.attached <= 0
	if last {
		delete(s.sessions, key)
	}
	s.mu.Unlock()

	if last {
		wasPresent := sess.IsPresent()
		sess.Close()
		if wasPresent {
			s.publish(events.MemberEvent{
				Type:       events.TypeMemberLeft,
				LocationID: key.locationID,
				UserID:     key.userID,
				OccurredAt: s.clock.Now(),
			})
		}
	}
}

// releaseOtherLocations leaves every other location the user still has a
// session at. Those entries have already expired, otherwise the
// exclusivity check would have refused the join.
func (s *presenceService) releaseOtherLocations(ctx context.Context, userID, locationID string) {
	s.mu.Lock()
	var stale []sessionKey
	for key := range s.sessions {
		if key.userID == userID && key.locationID != locationID {
			stale = append(stale, key)
		}
	}
	s.mu.Unlock()

	for _, key := range stale {
		reg, ok := s.lookup(key)
		if !ok {
			continue
		}
		if err := reg.sess.Leave(ctx); err != nil {
			s.cfg.Log.Warn("Failed to leave expired location",
				"user_id", userID,
				"location_id", key.locationID,
				"error", err,
			)
		}

		s.mu.Lock()
		detached := reg.attached == 0
		s.mu.Unlock()
		if detached {
			s.drop(key, reg.sess)
		}
	}
}

func (s *presenceService) publish(event events.MemberEvent) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()

		ctx, cancel := context.WithTimeout(s.baseCtx, eventPublishTimeout)
		defer cancel()
		if err := s.publisher.Publish(ctx, event); err != nil {
			s.cfg.Log.Warn("Failed to publish presence event",
				"type", event.Type,
				"user_id", event.UserID,
				"location_id", event.LocationID,
				"error", err,
			)
		}
	}()
}
