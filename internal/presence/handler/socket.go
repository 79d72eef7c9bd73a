package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"munchclub/internal/presence/roster"
	"munchclub/internal/presence/service"
	"munchclub/internal/presence/session"
	apperrors "munchclub/pkg/errors"
	httputil "munchclub/pkg/http"
	"munchclub/pkg/logger"
	"munchclub/pkg/model"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
	sendBuffer     = 16

	ActionJoin  = "join"
	ActionLeave = "leave"

	MessageRoster  = "roster"
	MessageSession = "session"
	MessageError   = "error"
)

// SocketMessage is every frame the server sends.
type SocketMessage struct {
	Type    string                   `json:"type"`
	Roster  []roster.Entry           `json:"roster,omitempty"`
	Session *SessionView             `json:"session,omitempty"`
	Error   *apperrors.ErrorResponse `json:"error,omitempty"`
}

type SessionView struct {
	LocationID string           `json:"location_id"`
	State      string           `json:"state"`
	IsPresent  bool             `json:"is_present"`
	Members    []MemberResponse `json:"members"`
}

// SocketCommand is what a session client sends.
type SocketCommand struct {
	Action string `json:"action"`
}

// wsConn is the part of *websocket.Conn the pumps use.
type wsConn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

type SocketHandler struct {
	service  service.PresenceService
	log      *logger.Logger
	region   string
	upgrader websocket.Upgrader
}

func NewSocketHandler(service service.PresenceService, log *logger.Logger, phoneRegion string) *SocketHandler {
	return &SocketHandler{
		service: service,
		log:     log,
		region:  phoneRegion,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *SocketHandler) RegisterRoutes(router *httprouter.Router) {
	router.GET("/ws/roster", h.Roster)
	router.GET("/ws/locations/:id/session", h.Session)
}

// Roster streams the location roster until the client disconnects.
func (h *SocketHandler) Roster(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "handler", "Roster", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	send := make(chan SocketMessage, sendBuffer)
	go func() {
		defer close(send)
		for entries := range h.service.WatchRoster(ctx) {
			if !trySend(ctx, send, SocketMessage{Type: MessageRoster, Roster: entries}) {
				return
			}
		}
	}()

	go h.readPump(ctx, cancel, conn, func(SocketCommand) {})
	h.writePump(ctx, conn, send)
}

// Session attaches the client to the user's presence session at a
// location. The client joins and leaves with commands; closing the socket
// leaves the location.
func (h *SocketHandler) Session(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	locationID := ps.ByName("id")
	identity := identityFromQuery(r)
	if err := checkCaller(r, identity.UserID); err != nil {
		h.writeError(w, err)
		return
	}

	sess, release, err := h.service.OpenSession(r.Context(), locationID, identity)
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer release()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "handler", "Session", "error", err)
		return
	}

	log := h.log.With("location_id", locationID, "user_id", identity.UserID)
	log.Info("Presence socket connected")
	defer log.Info("Presence socket disconnected")

	// Request contexts end with the handler; the socket outlives neither.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	send := make(chan SocketMessage, sendBuffer)
	views := sess.Watch(ctx)
	commands := make(chan SocketCommand)

	go func() {
		defer close(send)
		for {
			select {
			case view, ok := <-views:
				if !ok {
					return
				}
				if !trySend(ctx, send, h.sessionMessage(view)) {
					return
				}
			case cmd := <-commands:
				if err := h.apply(ctx, locationID, identity, cmd); err != nil {
					resp := apperrors.AsAppError(err).Response()
					if !trySend(ctx, send, SocketMessage{Type: MessageError, Error: &resp}) {
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go h.readPump(ctx, cancel, conn, func(cmd SocketCommand) {
		select {
		case commands <- cmd:
		case <-ctx.Done():
		}
	})
	h.writePump(ctx, conn, send)
}

func (h *SocketHandler) apply(ctx context.Context, locationID string, identity model.Identity, cmd SocketCommand) error {
	switch cmd.Action {
	case ActionJoin:
		_, err := h.service.Join(ctx, locationID, identity)
		return err
	case ActionLeave:
		return h.service.Leave(ctx, locationID, identity.UserID)
	case "":
		return apperrors.InvalidInput("malformed command")
	default:
		return apperrors.InvalidInput("unknown action: " + cmd.Action)
	}
}

func (h *SocketHandler) sessionMessage(view session.View) SocketMessage {
	return SocketMessage{
		Type: MessageSession,
		Session: &SessionView{
			LocationID: view.LocationID,
			State:      view.State,
			IsPresent:  view.IsPresent,
			Members:    presentMembers(view.Members, h.region),
		},
	}
}

// readPump forwards client commands until the connection fails, then
// cancels the socket's context.
func (h *SocketHandler) readPump(ctx context.Context, cancel context.CancelFunc, conn wsConn, onCommand func(SocketCommand)) {
	defer cancel()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var cmd SocketCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			if isDecodeError(err) {
				onCommand(SocketCommand{})
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read failed", "error", err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		onCommand(cmd)
	}
}

// writePump owns every write to conn. It closes conn when send is closed
// or ctx is done.
func (h *SocketHandler) writePump(ctx context.Context, conn wsConn, send <-chan SocketMessage) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case msg, ok := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				h.log.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *SocketHandler) writeError(w http.ResponseWriter, err error) {
	if writeErr := httputil.WriteError(w, err); writeErr != nil {
		h.log.Error("failed to write error response", "handler", "Session", "operation", "WriteError", "error", writeErr)
	}
}

func trySend(ctx context.Context, send chan<- SocketMessage, msg SocketMessage) bool {
	select {
	case send <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func identityFromQuery(r *http.Request) model.Identity {
	q := r.URL.Query()
	return model.Identity{
		UserID:      q.Get("user_id"),
		DisplayName: q.Get("display_name"),
		AvatarRef:   q.Get("avatar_ref"),
		ContactRef:  q.Get("contact_ref"),
	}
}

// isDecodeError reports a frame that arrived intact but did not decode.
func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}
