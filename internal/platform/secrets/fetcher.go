// Package secrets resolves secret:// references in configuration through Secret Manager,
// with a developer fallback file for local runs.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	localEnvironment    = "local"
	defaultFallbackPath = ".secrets.local"
	meterName           = "github.com/tariky/3S-sub000/internal/platform/secrets"
)

var secretManagerClientFactory = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves references, caching values for the process lifetime. Outside the
// local environment the fallback file is never consulted.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool
	logger     *zap.Logger
	local      bool
	projectID  string
	fallback   *fallbackFile

	mu    sync.RWMutex
	cache map[string]string
	calls singleflight.Group

	latency   metric.Float64Histogram
	cacheHits metric.Int64Counter
}

type settings struct {
	logger     *zap.Logger
	env        string
	projectID  string
	fallback   string
	meter      metric.Meter
	client     secretManagerClient
	clientOpts []option.ClientOption
}

// Option customises Fetcher construction.
type Option func(*settings)

func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithEnvironment names the deployment environment. Only "local" may read the fallback file.
func WithEnvironment(env string) Option {
	return func(s *settings) {
		if env = strings.ToLower(strings.TrimSpace(env)); env != "" {
			s.env = env
		}
	}
}

// WithProject sets the Secret Manager project. Without one only the fallback file is used.
func WithProject(projectID string) Option {
	return func(s *settings) { s.projectID = strings.TrimSpace(projectID) }
}

func WithFallbackFile(path string) Option {
	return func(s *settings) {
		if path = strings.TrimSpace(path); path != "" {
			s.fallback = path
		}
	}
}

func WithMeter(m metric.Meter) Option {
	return func(s *settings) { s.meter = m }
}

// WithSecretManagerClient injects a client the Fetcher will not close.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(s *settings) { s.client = client }
}

// WithClientOptions is forwarded to secretmanager.NewClient.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(s *settings) { s.clientOpts = append(s.clientOpts, opts...) }
}

// NewFetcher builds a Fetcher. A Secret Manager client is only dialled when a project is set.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	s := settings{env: localEnvironment, fallback: defaultFallbackPath}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.meter == nil {
		s.meter = otel.GetMeterProvider().Meter(meterName)
	}

	f := &Fetcher{
		client:    s.client,
		logger:    s.logger.Named("secrets"),
		local:     s.env == localEnvironment,
		projectID: s.projectID,
		fallback:  &fallbackFile{path: s.fallback},
		cache:     make(map[string]string),
	}
	var err error
	if f.latency, err = s.meter.Float64Histogram("secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds for secret fetch attempts"),
	); err != nil {
		return nil, fmt.Errorf("secrets: register latency metric: %w", err)
	}
	if f.cacheHits, err = s.meter.Int64Counter("secrets.fetch.cache_hits",
		metric.WithDescription("Count of cache hits when resolving secrets"),
	); err != nil {
		return nil, fmt.Errorf("secrets: register cache hit metric: %w", err)
	}

	if f.client != nil || f.projectID == "" {
		return f, nil
	}
	client, err := secretManagerClientFactory(ctx, s.clientOpts...)
	switch {
	case err == nil:
		f.client, f.ownsClient = client, true
	case f.local:
		f.logger.Warn("secret manager unavailable; using fallback file", zap.Error(err))
	default:
		return nil, fmt.Errorf("secrets: create secret manager client: %w", err)
	}
	return f, nil
}

// Close releases the Secret Manager client when the fetcher created it.
func (f *Fetcher) Close() error {
	if !f.ownsClient || f.client == nil {
		return nil
	}
	return f.client.Close()
}

// ResolveSecret satisfies config.SecretResolver.
func (f *Fetcher) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f.Resolve(ctx, ref)
}

// Resolve returns the value behind ref: cache, then Secret Manager, then, locally and
// only for availability or permission failures, the fallback file.
func (f *Fetcher) Resolve(ctx context.Context, raw string) (string, error) {
	started := time.Now()
	ref, err := parseReference(raw)
	if err != nil {
		return "", err
	}

	f.mu.RLock()
	value, cached := f.cache[ref.key()]
	f.mu.RUnlock()
	if cached {
		f.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("secret", ref.masked())))
		f.observe(ctx, started, "cache", nil)
		return value, nil
	}

	value, source, err := f.load(ctx, ref)
	f.observe(ctx, started, source, err)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	f.cache[ref.key()] = value
	f.mu.Unlock()
	return value, nil
}

func (f *Fetcher) load(ctx context.Context, ref reference) (string, string, error) {
	project := ref.project
	if project == "" {
		project = f.projectID
	}

	if project != "" && f.client != nil {
		value, err := f.fetchRemote(ctx, ref.resource(project))
		if err == nil {
			return value, "remote", nil
		}
		if !f.local || !recoverable(err) {
			return "", "error", fmt.Errorf("secrets: fetch %s: %w", ref.canonical, err)
		}
		f.logger.Debug("falling back to local secrets", zap.String("secret", ref.masked()), zap.Error(err))
	}

	if !f.local {
		return "", "error", fmt.Errorf("secrets: no secret manager project configured for %s", ref.canonical)
	}
	value, ok, err := f.fallback.lookup(ref)
	switch {
	case err != nil:
		f.logger.Warn("fallback secrets unreadable", zap.Error(err))
		return "", "error", err
	case !ok:
		return "", "error", fmt.Errorf("secrets: fallback value not found for %s", ref.canonical)
	}
	return value, "fallback", nil
}

// fetchRemote coalesces concurrent reads of the same version into one call.
func (f *Fetcher) fetchRemote(ctx context.Context, resource string) (string, error) {
	v, err, _ := f.calls.Do(resource, func() (any, error) {
		resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource})
		if err != nil {
			return "", err
		}
		if resp.GetPayload() == nil {
			return "", errors.New("secret manager returned empty payload for " + resource)
		}
		return string(resp.GetPayload().GetData()), nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops every cached version of ref.
func (f *Fetcher) Invalidate(raw string) {
	ref, err := parseReference(raw)
	if err != nil {
		return
	}
	prefix := ref.canonical + "#"

	f.mu.Lock()
	defer f.mu.Unlock()
	for key := range f.cache {
		if strings.HasPrefix(key, prefix) {
			delete(f.cache, key)
		}
	}
}

func (f *Fetcher) observe(ctx context.Context, started time.Time, source string, err error) {
	attrs := []attribute.KeyValue{attribute.String("source", source)}
	if err != nil {
		attrs = append(attrs, attribute.String("error", status.Code(err).String()))
	}
	f.latency.Record(ctx, float64(time.Since(started))/float64(time.Millisecond), metric.WithAttributes(attrs...))
}

func recoverable(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}
