package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tariky/3S-sub000/internal/platform/config"
)

var _ config.SecretResolver = (*Fetcher)(nil)

const dbURLResource = "projects/test/secrets/ledger-db-url/versions/latest"

func writeFallback(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".secrets.local")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing fallback file: %v", err)
	}
	return path
}

func TestResolveCachesRemoteSecret(t *testing.T) {
	ctx := context.Background()

	client := newFakeSecretClient()
	client.values[dbURLResource] = "postgres://remote"

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithProject("test"),
		WithLogger(zap.NewNop()),
		WithMeter(noop.NewMeterProvider().Meter("test")),
	)
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}
	defer fetcher.Close()

	for range 2 {
		got, err := fetcher.ResolveSecret(ctx, "secret://ledger-db-url")
		if err != nil {
			t.Fatalf("Resolve returned error: %v", err)
		}
		if got != "postgres://remote" {
			t.Fatalf("expected remote value, got %s", got)
		}
	}

	if calls := client.callCount(dbURLResource); calls != 1 {
		t.Fatalf("expected remote fetch once, got %d", calls)
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	ctx := context.Background()

	client := newFakeSecretClient()
	client.values[dbURLResource] = "postgres://v1"

	fetcher, err := NewFetcher(ctx, WithSecretManagerClient(client), WithProject("test"))
	if err != nil {
		t.Fatalf("NewFetcher error: %v", err)
	}

	if _, err := fetcher.Resolve(ctx, "secret://ledger-db-url"); err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	client.set(dbURLResource, "postgres://v2")
	fetcher.Invalidate("sm://ledger-db-url")

	got, err := fetcher.Resolve(ctx, "secret://ledger-db-url")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if got != "postgres://v2" {
		t.Fatalf("expected rotated value, got %s", got)
	}
}

func TestResolveHonoursVersionAndProjectQuery(t *testing.T) {
	ctx := context.Background()

	client := newFakeSecretClient()
	pinned := "projects/other/secrets/ledger-db-url/versions/5"
	client.values[pinned] = "version-5"

	fetcher, err := NewFetcher(ctx, WithSecretManagerClient(client), WithProject("test"))
	if err != nil {
		t.Fatalf("NewFetcher error: %v", err)
	}

	got, err := fetcher.Resolve(ctx, "secret://ledger-db-url?version=5&project=other")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if got != "version-5" {
		t.Fatalf("expected version-5, got %s", got)
	}
	if calls := client.callCount(pinned); calls != 1 {
		t.Fatalf("expected fetch of version 5, got %d calls", calls)
	}
}

func TestResolveFallsBackWhenSecretManagerUnavailable(t *testing.T) {
	ctx := context.Background()
	fallbackPath := writeFallback(t, "# local\nsecret://ledger-db-url=postgres://local\n")

	client := newFakeSecretClient()
	client.errors[dbURLResource] = status.Error(codes.PermissionDenied, "denied")

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithProject("test"),
		WithFallbackFile(fallbackPath),
	)
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}

	got, err := fetcher.Resolve(ctx, "secret://ledger-db-url")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if got != "postgres://local" {
		t.Fatalf("expected fallback value, got %s", got)
	}
}

func TestResolveNeverFallsBackOutsideLocal(t *testing.T) {
	ctx := context.Background()
	fallbackPath := writeFallback(t, "secret://ledger-db-url=postgres://local\n")

	client := newFakeSecretClient()
	client.errors[dbURLResource] = status.Error(codes.Unavailable, "down")

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithProject("test"),
		WithEnvironment("PROD"),
		WithFallbackFile(fallbackPath),
	)
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}

	if _, err := fetcher.Resolve(ctx, "secret://ledger-db-url"); status.Code(errors.Unwrap(err)) != codes.Unavailable {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestResolveDoesNotFallbackOnNotFound(t *testing.T) {
	ctx := context.Background()
	fallbackPath := writeFallback(t, "secret://ledger-db-url=postgres://local\n")

	client := newFakeSecretClient()
	client.errors[dbURLResource] = status.Error(codes.NotFound, "missing")

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithProject("test"),
		WithFallbackFile(fallbackPath),
	)
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}

	if _, err := fetcher.Resolve(ctx, "secret://ledger-db-url"); err == nil {
		t.Fatal("expected error when secret is missing")
	}
}

func TestParseReference(t *testing.T) {
	cases := []struct {
		raw      string
		key      string
		resource string
		wantErr  bool
	}{
		{raw: "secret://ledger-db-url", key: "secret://ledger-db-url#latest", resource: "projects/p/secrets/ledger-db-url/versions/latest"},
		{raw: " sm://ledger-db-url?version=3 ", key: "secret://ledger-db-url#3", resource: "projects/p/secrets/ledger-db-url/versions/3"},
		{raw: "", wantErr: true},
		{raw: "https://example.com/x", wantErr: true},
		{raw: "secret://", wantErr: true},
	}
	for _, tc := range cases {
		ref, err := parseReference(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: unexpected error %v", tc.raw, err)
		}
		if ref.key() != tc.key {
			t.Fatalf("%q: expected key %s, got %s", tc.raw, tc.key, ref.key())
		}
		if got := ref.resource("p"); got != tc.resource {
			t.Fatalf("%q: expected resource %s, got %s", tc.raw, tc.resource, got)
		}
	}
}

func TestFallbackFileAnswersEveryVersion(t *testing.T) {
	path := writeFallback(t, "secret://signing-key = c2lnbg==\nnot a line\nhttps://x=y\n")

	fetcher, err := NewFetcher(context.Background(), WithFallbackFile(path))
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}
	for _, ref := range []string{"secret://signing-key", "secret://signing-key?version=2"} {
		got, err := fetcher.Resolve(context.Background(), ref)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", ref, err)
		}
		if got != "c2lnbg==" {
			t.Fatalf("%s: expected value with padding kept, got %s", ref, got)
		}
	}
}

func TestResolveWithoutFallbackValueFails(t *testing.T) {
	fetcher, err := NewFetcher(context.Background(), WithFallbackFile(filepath.Join(t.TempDir(), "none")))
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}
	if _, err := fetcher.Resolve(context.Background(), "secret://missing"); err == nil {
		t.Fatal("expected error for a secret absent from the fallback file")
	}
}

func TestNewFetcherWithoutCredentials(t *testing.T) {
	ctx := context.Background()

	originalFactory := secretManagerClientFactory
	secretManagerClientFactory = func(context.Context, ...option.ClientOption) (*secretmanager.Client, error) {
		return nil, errors.New("no credentials")
	}
	t.Cleanup(func() {
		secretManagerClientFactory = originalFactory
	})

	fallbackPath := writeFallback(t, "sm://ledger-db-url=postgres://local\n")

	fetcher, err := NewFetcher(ctx, WithProject("test"), WithFallbackFile(fallbackPath))
	if err != nil {
		t.Fatalf("NewFetcher returned error: %v", err)
	}
	defer fetcher.Close()

	value, err := fetcher.Resolve(ctx, "secret://ledger-db-url")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if value != "postgres://local" {
		t.Fatalf("expected local secret, got %s", value)
	}

	if _, err := NewFetcher(ctx, WithProject("test"), WithEnvironment("prod")); err == nil {
		t.Fatal("expected constructor error outside local without credentials")
	}
}

type fakeSecretClient struct {
	mu      sync.Mutex
	values  map[string]string
	errors  map[string]error
	counter map[string]int
}

func newFakeSecretClient() *fakeSecretClient {
	return &fakeSecretClient{
		values:  make(map[string]string),
		errors:  make(map[string]error),
		counter: make(map[string]int),
	}
}

func (f *fakeSecretClient) set(name, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[name] = value
}

func (f *fakeSecretClient) AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := req.GetName()
	f.counter[name]++

	if err, ok := f.errors[name]; ok && err != nil {
		return nil, err
	}
	if value, ok := f.values[name]; ok {
		return &secretmanagerpb.AccessSecretVersionResponse{
			Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
		}, nil
	}
	return nil, status.Error(codes.NotFound, "not found")
}

func (f *fakeSecretClient) Close() error {
	return nil
}

func (f *fakeSecretClient) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counter[name]
}
