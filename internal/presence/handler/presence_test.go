package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"munchclub/internal/presence/roster"
	"munchclub/internal/presence/service"
	"munchclub/internal/presence/session"
	apperrors "munchclub/pkg/errors"
	httputil "munchclub/pkg/http"
	"munchclub/pkg/logger"
	"munchclub/pkg/model"

	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"
)

var joinedAt = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

type mockPresenceService struct {
	joinFunc           func(ctx context.Context, locationID string, identity model.Identity) (*service.JoinResult, error)
	leaveFunc          func(ctx context.Context, locationID, userID string) error
	membersFunc        func(ctx context.Context, locationID string) ([]model.MemberEntry, error)
	activeLocationFunc func(userID string) (string, error)
	pingFunc           func(ctx context.Context) error
	roster             []roster.Entry
}

func (m *mockPresenceService) Join(ctx context.Context, locationID string, identity model.Identity) (*service.JoinResult, error) {
	if m.joinFunc != nil {
		return m.joinFunc(ctx, locationID, identity)
	}
	return &service.JoinResult{LocationID: locationID}, nil
}

func (m *mockPresenceService) Leave(ctx context.Context, locationID, userID string) error {
	if m.leaveFunc != nil {
		return m.leaveFunc(ctx, locationID, userID)
	}
	return nil
}

func (m *mockPresenceService) Members(ctx context.Context, locationID string) ([]model.MemberEntry, error) {
	if m.membersFunc != nil {
		return m.membersFunc(ctx, locationID)
	}
	return []model.MemberEntry{}, nil
}

func (m *mockPresenceService) Roster() []roster.Entry { return m.roster }

func (m *mockPresenceService) WatchRoster(ctx context.Context) <-chan []roster.Entry {
	ch := make(chan []roster.Entry, 1)
	ch <- m.roster
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

func (m *mockPresenceService) ActiveLocation(userID string) (string, error) {
	if m.activeLocationFunc != nil {
		return m.activeLocationFunc(userID)
	}
	return "", apperrors.NotFoundWithID("Active location", userID)
}

func (m *mockPresenceService) OpenSession(context.Context, string, model.Identity) (*session.Session, func(), error) {
	return nil, nil, errors.New("not supported by mock")
}

func (m *mockPresenceService) Location(locationID string) (model.Location, error) {
	return model.Location{ID: locationID}, nil
}

func (m *mockPresenceService) Ping(ctx context.Context) error {
	if m.pingFunc != nil {
		return m.pingFunc(ctx)
	}
	return nil
}

func (m *mockPresenceService) Shutdown(context.Context) error { return nil }

func newRouter(svc service.PresenceService) *httprouter.Router {
	router := httprouter.New()
	NewPresenceHandler(svc, logger.Nop(), "US").RegisterRoutes(router)
	NewHealthHandler(svc, logger.Nop()).RegisterRoutes(router)
	return router
}

func serve(router http.Handler, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var resp struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp.Data
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apperrors.ErrorResponse {
	t.Helper()
	var resp apperrors.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestLocations(t *testing.T) {
	svc := &mockPresenceService{roster: []roster.Entry{
		{LocationID: "arrillaga", Name: "Arrillaga", Order: 1, ActiveCount: 2},
		{LocationID: "wilbur", Name: "Wilbur", Order: 3, ActiveCount: 0},
	}}

	rec := serve(newRouter(svc), http.MethodGet, "/api/v1/locations", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeData[[]roster.Entry](t, rec)
	require.Equal(t, svc.roster, entries)
}

func TestMembers_FormatsContact(t *testing.T) {
	svc := &mockPresenceService{
		membersFunc: func(_ context.Context, locationID string) ([]model.MemberEntry, error) {
			require.Equal(t, "wilbur", locationID)
			return []model.MemberEntry{{
				UserID:          "u1",
				DisplayName:     "Ann",
				ContactRef:      "+16502530000",
				JoinedAt:        joinedAt,
				LastHeartbeatAt: joinedAt,
			}}, nil
		},
	}

	rec := serve(newRouter(svc), http.MethodGet, "/api/v1/locations/wilbur/members", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	members := decodeData[[]MemberResponse](t, rec)
	require.Len(t, members, 1)
	require.Equal(t, "u1", members[0].UserID)
	require.Equal(t, "(650) 253-0000", members[0].Contact)
	require.True(t, members[0].JoinedAt.Equal(joinedAt))
}

func TestMembers_UnknownLocation(t *testing.T) {
	svc := &mockPresenceService{
		membersFunc: func(_ context.Context, locationID string) ([]model.MemberEntry, error) {
			return nil, apperrors.NotFoundWithID("Location", locationID)
		},
	}

	rec := serve(newRouter(svc), http.MethodGet, "/api/v1/locations/nowhere/members", nil, nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, apperrors.CodeNotFound, decodeError(t, rec).Code)
}

func TestJoin(t *testing.T) {
	var got model.Identity
	svc := &mockPresenceService{
		joinFunc: func(_ context.Context, locationID string, identity model.Identity) (*service.JoinResult, error) {
			got = identity
			return &service.JoinResult{
				LocationID: locationID,
				Members: []model.MemberEntry{
					{UserID: "u0", DisplayName: "Bo", JoinedAt: joinedAt, LastHeartbeatAt: joinedAt},
					identity.Entry(joinedAt, joinedAt),
				},
				OthersPresent: true,
			}, nil
		},
	}

	rec := serve(newRouter(svc), http.MethodPost, "/api/v1/locations/arrillaga/join",
		model.Identity{UserID: "u1", DisplayName: "Ann"}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "u1", got.UserID)
	resp := decodeData[JoinResponse](t, rec)
	require.Equal(t, "arrillaga", resp.LocationID)
	require.True(t, resp.OthersPresent)
	require.Len(t, resp.Members, 2)
}

func TestJoin_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		header     http.Header
		serviceErr error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "unknown field",
			body:       map[string]any{"user_id": "u1", "display_name": "Ann", "table": 4},
			wantStatus: http.StatusBadRequest,
			wantCode:   apperrors.CodeInvalidInput,
		},
		{
			name:       "caller mismatch",
			body:       model.Identity{UserID: "u1", DisplayName: "Ann"},
			header:     http.Header{httputil.UserIDHeader: {"u2"}},
			wantStatus: http.StatusForbidden,
			wantCode:   apperrors.CodeInvalidInput,
		},
		{
			name:       "active elsewhere",
			body:       model.Identity{UserID: "u1", DisplayName: "Ann"},
			serviceErr: apperrors.ActiveElsewhere("wilbur"),
			wantStatus: http.StatusConflict,
			wantCode:   apperrors.CodeActiveElsewhere,
		},
		{
			name:       "store down",
			body:       model.Identity{UserID: "u1", DisplayName: "Ann"},
			serviceErr: apperrors.Unavailable("membership store"),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   apperrors.CodeUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockPresenceService{
				joinFunc: func(_ context.Context, locationID string, _ model.Identity) (*service.JoinResult, error) {
					if tt.serviceErr != nil {
						return nil, tt.serviceErr
					}
					return &service.JoinResult{LocationID: locationID}, nil
				},
			}

			rec := serve(newRouter(svc), http.MethodPost, "/api/v1/locations/arrillaga/join", tt.body, tt.header)

			require.Equal(t, tt.wantStatus, rec.Code)
			require.Equal(t, tt.wantCode, decodeError(t, rec).Code)
		})
	}
}

func TestJoin_ActiveElsewhereCarriesLocation(t *testing.T) {
	svc := &mockPresenceService{
		joinFunc: func(context.Context, string, model.Identity) (*service.JoinResult, error) {
			return nil, apperrors.ActiveElsewhere("wilbur")
		},
	}

	rec := serve(newRouter(svc), http.MethodPost, "/api/v1/locations/arrillaga/join",
		model.Identity{UserID: "u1", DisplayName: "Ann"}, nil)

	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "wilbur", decodeError(t, rec).Details["active_location_id"])
}

func TestLeave(t *testing.T) {
	tests := []struct {
		name   string
		body   any
		header http.Header
	}{
		{name: "user in body", body: leaveRequest{UserID: "u1"}},
		{name: "user in header", header: http.Header{httputil.UserIDHeader: {"u1"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotLocation, gotUser string
			svc := &mockPresenceService{
				leaveFunc: func(_ context.Context, locationID, userID string) error {
					gotLocation, gotUser = locationID, userID
					return nil
				},
			}

			rec := serve(newRouter(svc), http.MethodPost, "/api/v1/locations/stern/leave", tt.body, tt.header)

			require.Equal(t, http.StatusNoContent, rec.Code)
			require.Equal(t, "stern", gotLocation)
			require.Equal(t, "u1", gotUser)
		})
	}
}

func TestLeave_CallerMismatch(t *testing.T) {
	called := false
	svc := &mockPresenceService{
		leaveFunc: func(context.Context, string, string) error {
			called = true
			return nil
		},
	}

	rec := serve(newRouter(svc), http.MethodPost, "/api/v1/locations/stern/leave",
		leaveRequest{UserID: "u1"}, http.Header{httputil.UserIDHeader: {"u2"}})

	require.Equal(t, http.StatusForbidden, rec.Code)
	require.False(t, called)
}

func TestActiveLocation(t *testing.T) {
	svc := &mockPresenceService{
		activeLocationFunc: func(userID string) (string, error) {
			if userID == "u1" {
				return "lakeside", nil
			}
			return "", apperrors.NotFoundWithID("Active location", userID)
		},
	}
	router := newRouter(svc)

	rec := serve(router, http.MethodGet, "/api/v1/users/u1/active-location", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, ActiveLocationResponse{UserID: "u1", LocationID: "lakeside"}, decodeData[ActiveLocationResponse](t, rec))

	rec = serve(router, http.MethodGet, "/api/v1/users/u2/active-location", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	rec := serve(newRouter(&mockPresenceService{}), http.MethodGet, "/health", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "ok", resp.Status)
}

func TestReady(t *testing.T) {
	tests := []struct {
		name       string
		pingErr    error
		wantStatus int
		wantStore  string
	}{
		{name: "store up", wantStatus: http.StatusOK, wantStore: "ok"},
		{name: "store down", pingErr: apperrors.Unavailable("membership store"), wantStatus: http.StatusServiceUnavailable, wantStore: "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockPresenceService{
				pingFunc: func(ctx context.Context) error {
					_, hasDeadline := ctx.Deadline()
					require.True(t, hasDeadline)
					return tt.pingErr
				},
			}

			rec := serve(newRouter(svc), http.MethodGet, "/ready", nil, nil)

			require.Equal(t, tt.wantStatus, rec.Code)
			var resp HealthResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			require.Equal(t, tt.wantStore, resp.Store)
		})
	}
}
