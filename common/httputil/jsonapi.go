// Package httputil writes JSON:API responses for trustd.
package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// ContentType is the JSON:API media type.
const ContentType = "application/vnd.api+json"

// Resource is a single JSON:API resource object.
type Resource struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	Attributes any    `json:"attributes"`
}

// ErrorObject is a single JSON:API error.
type ErrorObject struct {
	Status     int    `json:"status"`
	Code       string `json:"code"`
	Title      string `json:"title"`
	Detail     string `json:"detail,omitempty"`
	Permission string `json:"permission,omitempty"`
}

// WriteJSONAPI encodes body with the JSON:API content type.
func WriteJSONAPI(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode JSON:API response", slog.String("error", err.Error()))
	}
}

// WriteResource writes {"data": resource}.
func WriteResource(w http.ResponseWriter, status int, resourceType, id string, attributes any) {
	WriteJSONAPI(w, status, map[string]any{
		"data": Resource{Type: resourceType, ID: id, Attributes: attributes},
	})
}

// WriteCollection writes {"data": [...], "meta": {"total": n}}.
func WriteCollection(w http.ResponseWriter, status int, resources []Resource) {
	if resources == nil {
		resources = []Resource{}
	}
	WriteJSONAPI(w, status, map[string]any{
		"data": resources,
		"meta": map[string]any{"total": len(resources)},
	})
}

// WriteErrors writes {"errors": [...]}.
func WriteErrors(w http.ResponseWriter, status int, errs ...ErrorObject) {
	WriteJSONAPI(w, status, map[string]any{"errors": errs})
}

// WriteError writes a single error whose code and title follow from status.
func WriteError(w http.ResponseWriter, status int, detail string) {
	code, title := StatusCode(status)
	WriteErrors(w, status, ErrorObject{Status: status, Code: code, Title: title, Detail: detail})
}

// StatusCode returns the error code and title used for status.
func StatusCode(status int) (string, string) {
	switch status {
	case http.StatusBadRequest:
		return "validation_failed", "Validation Failed"
	case http.StatusUnauthorized:
		return "unauthorized", "Unauthorized"
	case http.StatusForbidden:
		return "forbidden", "Forbidden"
	case http.StatusNotFound:
		return "not_found", "Resource Not Found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed", "Method Not Allowed"
	case http.StatusTooManyRequests:
		return "rate_limited", "Too Many Requests"
	case http.StatusServiceUnavailable:
		return "unavailable", "Service Unavailable"
	}
	return "internal_error", "Internal Server Error"
}
