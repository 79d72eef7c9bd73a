package errors

import (
	"encoding/json"
	"net/http"
)

// WriteError writes err as a JSON ErrorResponse. Non-AppErrors become 500s
// without leaking their text.
func WriteError(w http.ResponseWriter, err error) error {
	appErr := AsAppError(err)
	return WriteSuccess(w, appErr.StatusCode(), appErr.Response())
}

func WriteSuccess(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data == nil {
		return nil
	}
	// No recovery possible after WriteHeader; caller logs.
	return json.NewEncoder(w).Encode(data)
}
