package handler

import (
	"net/http"
	"strings"
	"time"

	"munchclub/internal/presence/service"
	apperrors "munchclub/pkg/errors"
	httputil "munchclub/pkg/http"
	"munchclub/pkg/logger"
	"munchclub/pkg/model"
	"munchclub/pkg/sanitizer"

	"github.com/julienschmidt/httprouter"
)

type PresenceHandler struct {
	service service.PresenceService
	log     *logger.Logger
	region  string
}

func NewPresenceHandler(service service.PresenceService, log *logger.Logger, phoneRegion string) *PresenceHandler {
	return &PresenceHandler{
		service: service,
		log:     log,
		region:  phoneRegion,
	}
}

func (h *PresenceHandler) RegisterRoutes(router *httprouter.Router) {
	router.GET("/api/v1/locations", h.Locations)
	router.GET("/api/v1/locations/:id/members", h.Members)
	router.POST("/api/v1/locations/:id/join", h.Join)
	router.POST("/api/v1/locations/:id/leave", h.Leave)
	router.GET("/api/v1/users/:id/active-location", h.ActiveLocation)
}

// MemberResponse is a member as shown to other diners. Contact numbers are
// rendered in national format for the service's home region.
type MemberResponse struct {
	UserID          string    `json:"user_id"`
	DisplayName     string    `json:"display_name"`
	AvatarRef       string    `json:"avatar_ref,omitempty"`
	Contact         string    `json:"contact,omitempty"`
	JoinedAt        time.Time `json:"joined_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

type JoinResponse struct {
	LocationID    string           `json:"location_id"`
	Members       []MemberResponse `json:"members"`
	OthersPresent bool             `json:"others_present"`
}

type ActiveLocationResponse struct {
	UserID     string `json:"user_id"`
	LocationID string `json:"location_id"`
}

type leaveRequest struct {
	UserID string `json:"user_id"`
}

func (h *PresenceHandler) Locations(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := httputil.WriteSuccess(w, h.service.Roster()); err != nil {
		h.log.Error("failed to write success response", "handler", "Locations", "operation", "WriteSuccess", "error", err)
	}
}

func (h *PresenceHandler) Members(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	members, err := h.service.Members(r.Context(), ps.ByName("id"))
	if err != nil {
		h.writeError(w, "Members", err)
		return
	}

	if err := httputil.WriteSuccess(w, presentMembers(members, h.region)); err != nil {
		h.log.Error("failed to write success response", "handler", "Members", "operation", "WriteSuccess", "error", err)
	}
}

func (h *PresenceHandler) Join(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var identity model.Identity
	if err := httputil.DecodeJSON(r, &identity); err != nil {
		h.writeError(w, "Join", err)
		return
	}
	if err := checkCaller(r, identity.UserID); err != nil {
		h.writeError(w, "Join", err)
		return
	}

	res, err := h.service.Join(r.Context(), ps.ByName("id"), identity)
	if err != nil {
		h.writeError(w, "Join", err)
		return
	}

	if err := httputil.WriteSuccess(w, JoinResponse{
		LocationID:    res.LocationID,
		Members:       presentMembers(res.Members, h.region),
		OthersPresent: res.OthersPresent,
	}); err != nil {
		h.log.Error("failed to write success response", "handler", "Join", "operation", "WriteSuccess", "error", err)
	}
}

func (h *PresenceHandler) Leave(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req leaveRequest
	if r.ContentLength != 0 {
		if err := httputil.DecodeJSON(r, &req); err != nil {
			h.writeError(w, "Leave", err)
			return
		}
	}
	if req.UserID == "" {
		req.UserID = strings.TrimSpace(r.Header.Get(httputil.UserIDHeader))
	}
	if err := checkCaller(r, req.UserID); err != nil {
		h.writeError(w, "Leave", err)
		return
	}

	if err := h.service.Leave(r.Context(), ps.ByName("id"), req.UserID); err != nil {
		h.writeError(w, "Leave", err)
		return
	}
	httputil.WriteNoContent(w)
}

func (h *PresenceHandler) ActiveLocation(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	userID := ps.ByName("id")
	locationID, err := h.service.ActiveLocation(userID)
	if err != nil {
		h.writeError(w, "ActiveLocation", err)
		return
	}

	if err := httputil.WriteSuccess(w, ActiveLocationResponse{UserID: userID, LocationID: locationID}); err != nil {
		h.log.Error("failed to write success response", "handler", "ActiveLocation", "operation", "WriteSuccess", "error", err)
	}
}

func (h *PresenceHandler) writeError(w http.ResponseWriter, handler string, err error) {
	if appErr := apperrors.AsAppError(err); appErr.StatusCode() >= http.StatusInternalServerError {
		h.log.Error("request failed", "handler", handler, "error", err)
	}
	if writeErr := httputil.WriteError(w, err); writeErr != nil {
		h.log.Error("failed to write error response", "handler", handler, "operation", "WriteError", "error", writeErr)
	}
}

// checkCaller rejects requests acting for a user other than the one the
// identity provider authenticated, when it sent one.
func checkCaller(r *http.Request, userID string) error {
	caller := strings.TrimSpace(r.Header.Get(httputil.UserIDHeader))
	if caller != "" && caller != strings.TrimSpace(userID) {
		return apperrors.New(apperrors.CodeInvalidInput, "user_id does not match the authenticated user", http.StatusForbidden)
	}
	return nil
}

func presentMembers(members []model.MemberEntry, region string) []MemberResponse {
	out := make([]MemberResponse, 0, len(members))
	for _, m := range members {
		out = append(out, MemberResponse{
			UserID:          m.UserID,
			DisplayName:     m.DisplayName,
			AvatarRef:       m.AvatarRef,
			Contact:         sanitizer.FormatPhone(m.ContactRef, region),
			JoinedAt:        m.JoinedAt,
			LastHeartbeatAt: m.LastHeartbeatAt,
		})
	}
	return out
}
