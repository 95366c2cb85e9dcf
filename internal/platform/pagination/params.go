package pagination

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	// DefaultMaxLimit caps limit when Options leaves MaxLimit unset.
	DefaultMaxLimit = 100

	maxListValues     = 200
	maxListValueBytes = 128
)

var (
	ErrInvalidPage  = errors.New("pagination: invalid page")
	ErrInvalidLimit = errors.New("pagination: invalid limit")
	ErrInvalidList  = errors.New("pagination: invalid list parameter")
)

// Params holds the offset window requested by the client. Zero means the caller's default applies.
type Params struct {
	Page  int
	Limit int
}

// Offset returns the number of rows skipped before the page starts.
func (p Params) Offset() int {
	if p.Page <= 1 || p.Limit <= 0 {
		return 0
	}
	return (p.Page - 1) * p.Limit
}

// Options control how Parse behaves for a given handler.
type Options struct {
	MaxLimit int
}

// FromRequest parses page and limit from the request query.
func FromRequest(r *http.Request, opts Options) (Params, error) {
	if r == nil {
		return Params{}, errors.New("pagination: nil request")
	}
	return Parse(r.URL.Query(), opts)
}

// Parse reads page and limit. Both must be positive integers when present; limit is clamped.
func Parse(values url.Values, opts Options) (Params, error) {
	page, err := parsePositive(values.Get("page"))
	if err != nil {
		return Params{}, fmt.Errorf("%w: %v", ErrInvalidPage, err)
	}
	limit, err := parsePositive(values.Get("limit"))
	if err != nil {
		return Params{}, fmt.Errorf("%w: %v", ErrInvalidLimit, err)
	}

	maxLimit := opts.MaxLimit
	if maxLimit <= 0 {
		maxLimit = DefaultMaxLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return Params{Page: page, Limit: limit}, nil
}

func parsePositive(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("must be an integer")
	}
	if value <= 0 {
		return 0, errors.New("must be greater than zero")
	}
	return value, nil
}

// ListParam collects a repeated or comma separated query parameter, trimmed and deduplicated
// in first-seen order.
func ListParam(values url.Values, key string) ([]string, error) {
	var out []string
	seen := make(map[string]struct{})
	for _, raw := range values[key] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if len(part) > maxListValueBytes {
				return nil, fmt.Errorf("%w: %s value too long", ErrInvalidList, key)
			}
			if _, ok := seen[part]; ok {
				continue
			}
			seen[part] = struct{}{}
			out = append(out, part)
			if len(out) > maxListValues {
				return nil, fmt.Errorf("%w: too many %s values", ErrInvalidList, key)
			}
		}
	}
	return out, nil
}

// Meta describes an offset page in list responses.
type Meta struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	TotalCount int  `json:"totalCount"`
	TotalPages int  `json:"totalPages"`
	HasNext    bool `json:"hasNext"`
}

// NewMeta derives page counts from the served window and the total number of matches.
func NewMeta(page, limit, total int) Meta {
	meta := Meta{Page: page, Limit: limit, TotalCount: total}
	if limit > 0 {
		meta.TotalPages = (total + limit - 1) / limit
	}
	meta.HasNext = page < meta.TotalPages
	return meta
}
