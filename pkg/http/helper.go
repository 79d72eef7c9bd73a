package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	apperrors "munchclub/pkg/errors"
)

// UserIDHeader carries the caller's user id as asserted by the identity
// provider in front of the service.
const UserIDHeader = "X-User-ID"

// DecodeJSON decodes the request body into v, rejecting unknown fields and
// trailing data.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apperrors.New(apperrors.CodeInvalidInput,
				fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit),
				http.StatusRequestEntityTooLarge)
		}
		return apperrors.InvalidInput("Invalid request body: " + err.Error())
	}
	if dec.More() {
		return apperrors.InvalidInput("Invalid request body: unexpected trailing data")
	}
	return nil
}

// CallerKey identifies the caller for per-user limits. Sockets carry the
// user in the query string since browsers cannot set headers on upgrade.
func CallerKey(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(UserIDHeader)); id != "" {
		return "user:" + id
	}
	if id := strings.TrimSpace(r.URL.Query().Get("user_id")); id != "" {
		return "user:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}
