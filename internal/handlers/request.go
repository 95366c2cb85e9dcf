package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/tariky/3S-sub000/internal/platform/httpx"
)

const defaultMaxBodySize = 64 * 1024

// decodeJSON reads at most limit bytes of JSON into dst, answering 413 or 400 itself on
// failure. The return value tells the handler whether to continue. An empty body is
// accepted, leaving dst untouched, only when optional is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, optional bool, dst any) bool {
	ctx := r.Context()
	if limit <= 0 {
		limit = defaultMaxBodySize
	}

	var raw []byte
	if r.Body != nil {
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
			return false
		case err != nil:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
			return false
		}
		raw = bytes.TrimSpace(data)
	}

	if len(raw) == 0 {
		if optional {
			return true
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}

// formatTime renders RFC 3339 UTC, or "" for the zero time so omitempty drops it.
func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339)
}
