// Package transport contains the operational HTTP router and its middleware.
package transport

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the JSON error payload.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an error payload with the given status code.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	type errorResponse struct {
		Error ErrorBody `json:"error"`
	}
	WriteJSON(w, status, errorResponse{Error: ErrorBody{Code: code, Message: message}})
}
