package idempotency

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tariky/3S-sub000/internal/platform/auth"
	"github.com/tariky/3S-sub000/internal/platform/httpx"
	"github.com/tariky/3S-sub000/internal/platform/requestctx"
)

const (
	defaultHeaderName = "Idempotency-Key"
	replayHeaderName  = "X-Idempotent-Replay"
	maxKeyLength      = 255
	anonymousActor    = "anonymous"
)

type clockFunc func() time.Time

// MiddlewareOption customises middleware behaviour.
type MiddlewareOption func(*guard)

// WithHeader overrides the header carrying the key.
func WithHeader(name string) MiddlewareOption {
	return func(g *guard) {
		if name = strings.TrimSpace(name); name != "" {
			g.header = name
		}
	}
}

// WithTTL configures how long completed responses are retained.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(g *guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithOptionalKey lets requests without a key through unguarded.
func WithOptionalKey() MiddlewareOption {
	return func(g *guard) { g.optional = true }
}

// WithLogger sets the logger used when the request context carries none.
func WithLogger(logger *zap.Logger) MiddlewareOption {
	return func(g *guard) { g.logger = logger }
}

// WithClock overrides the time source.
func WithClock(clock clockFunc) MiddlewareOption {
	return func(g *guard) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// guard is the configured middleware. One guard wraps any number of handlers.
type guard struct {
	store    Store
	header   string
	ttl      time.Duration
	optional bool
	clock    clockFunc
	logger   *zap.Logger
}

// attempt identifies one guarded request: the actor-scoped key and the request fingerprint.
type attempt struct {
	key         string
	scoped      string
	fingerprint string
	actor       string
}

// Middleware replays the stored response of a mutating request that repeats an
// Idempotency-Key. Keys are scoped to the authenticated actor. Server errors are not
// stored so clients may retry them.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	g := &guard{store: store, header: defaultHeaderName, ttl: DefaultTTL, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			g.serve(next, w, r)
		})
	}
}

func (g *guard) serve(next http.Handler, w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		next.ServeHTTP(w, r)
		return
	}

	ctx := r.Context()
	key := strings.TrimSpace(r.Header.Get(g.header))
	if key == "" && g.optional {
		next.ServeHTTP(w, r)
		return
	}
	if key == "" {
		fail(ctx, w, http.StatusBadRequest, "idempotency_key_required", "missing "+g.header+" header")
		return
	}
	if len(key) > maxKeyLength {
		fail(ctx, w, http.StatusBadRequest, "idempotency_key_invalid", "idempotency key is too long")
		return
	}

	a, err := newAttempt(r, key)
	if err != nil {
		fail(ctx, w, http.StatusBadRequest, "idempotency_read_body_failed", "unable to read request body")
		return
	}
	logger := requestctx.LoggerOr(ctx, g.logger).With(zap.String("idempotency_key", key))

	reservation, err := g.store.Reserve(ctx, a.scoped, a.fingerprint, g.clock().UTC(), g.ttl)
	switch {
	case errors.Is(err, ErrFingerprintMismatch):
		fail(ctx, w, http.StatusConflict, "idempotency_key_conflict", "idempotency key already used for a different request")
		return
	case err != nil:
		logger.Error("idempotency store", zap.Error(err))
		fail(ctx, w, http.StatusServiceUnavailable, "idempotency_store_unavailable", "unable to process idempotency key")
		return
	case reservation.State == ReservationStateCompleted:
		logger.Debug("replaying stored response")
		replay(w, reservation.Record)
		return
	case reservation.State == ReservationStatePending:
		fail(ctx, w, http.StatusConflict, "idempotency_in_progress", "another request is processing this idempotency key")
		return
	}

	buf := &bufferedResponse{header: make(http.Header)}
	next.ServeHTTP(buf, r)

	if buf.status() < http.StatusInternalServerError {
		resp := Response{Status: buf.status(), Headers: buf.header.Clone(), Body: buf.body.Bytes()}
		if err := g.store.SaveResponse(ctx, a.scoped, a.fingerprint, resp, g.clock().UTC(), g.ttl); err != nil {
			logger.Error("persist idempotent response", zap.String("actor_id", a.actor), zap.Error(err))
			g.release(ctx, logger, a)
			fail(ctx, w, http.StatusInternalServerError, "idempotency_store_error", "unable to persist idempotency state")
			return
		}
	} else {
		g.release(ctx, logger, a)
	}
	if err := buf.flushTo(w); err != nil {
		logger.Warn("flush response", zap.Error(err))
	}
}

func (g *guard) release(ctx context.Context, logger *zap.Logger, a attempt) {
	if err := g.store.Release(ctx, a.scoped, a.fingerprint); err != nil {
		logger.Warn("release idempotency key", zap.Error(err))
	}
}

// newAttempt reads the body, leaving it readable for the handler, and derives the
// storage key and fingerprint.
func newAttempt(r *http.Request, key string) (attempt, error) {
	var body []byte
	if r.Body != nil {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return attempt{}, err
		}
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(data))
		body = data
	}

	actor := strings.TrimSpace(auth.ActorID(r.Context()))
	if actor == "" {
		actor = anonymousActor
	}
	bodyDigest := ""
	if len(body) > 0 {
		bodyDigest = digest(body)
	}
	shape := strings.Join([]string{
		strings.ToUpper(r.Method),
		r.URL.Path,
		r.URL.RawQuery,
		r.Header.Get("Content-Type"),
		actor,
		bodyDigest,
	}, "|")
	return attempt{
		key:         key,
		scoped:      key + "|" + actor,
		fingerprint: digest([]byte(shape)),
		actor:       actor,
	}, nil
}

func replay(w http.ResponseWriter, record Record) {
	dst := w.Header()
	clear(dst)
	for name, values := range record.replayHeaders() {
		dst[name] = append([]string(nil), values...)
	}
	dst.Set(replayHeaderName, "true")

	status := record.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(record.ResponseBody) > 0 {
		_, _ = w.Write(record.ResponseBody)
	}
}

func fail(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
}

// bufferedResponse holds the handler output until it is stored.
type bufferedResponse struct {
	header http.Header
	code   int
	body   bytes.Buffer
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(status int) {
	if b.code == 0 && status > 0 {
		b.code = status
	}
}

func (b *bufferedResponse) Write(data []byte) (int, error) {
	b.WriteHeader(http.StatusOK)
	return b.body.Write(data)
}

func (b *bufferedResponse) status() int {
	if b.code == 0 {
		return http.StatusOK
	}
	return b.code
}

func (b *bufferedResponse) flushTo(w http.ResponseWriter) error {
	dst := w.Header()
	for name, values := range b.header {
		dst[name] = append([]string(nil), values...)
	}
	w.WriteHeader(b.status())
	if b.body.Len() == 0 {
		return nil
	}
	_, err := w.Write(b.body.Bytes())
	return err
}
