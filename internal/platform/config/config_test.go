package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	env := map[string]string{
		"LEDGER_DATABASE_URL":        "postgres://ledger@localhost:5432/ledger",
		"LEDGER_FIREBASE_PROJECT_ID": "shop-dev",
	}

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Database.MaxConns != defaultDBMaxConns {
		t.Errorf("unexpected max conns: %d", cfg.Database.MaxConns)
	}
	if cfg.Database.TxAttempts != defaultDBTxAttempts {
		t.Errorf("unexpected tx attempts: %d", cfg.Database.TxAttempts)
	}
	if cfg.Firestore.ProjectID != "shop-dev" {
		t.Errorf("expected firestore project to default to firebase project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.PubSub.ProjectID != "shop-dev" {
		t.Errorf("expected pubsub project to default to firebase project, got %s", cfg.PubSub.ProjectID)
	}
	if cfg.PubSub.OrderEventsTopic != defaultOrderEventsTopic {
		t.Errorf("unexpected topic: %s", cfg.PubSub.OrderEventsTopic)
	}
	if cfg.Firebase.RoleClaim != "role" || cfg.Firebase.VerifyTimeout != 5*time.Second {
		t.Errorf("unexpected firebase defaults: %+v", cfg.Firebase)
	}
	if cfg.Orders.NumberPrefix != "SO" || cfg.Orders.Currency != "USD" || cfg.Orders.MutationRateLimit != defaultMutationRateLimit {
		t.Errorf("unexpected order defaults: %+v", cfg.Orders)
	}
	if cfg.Idempotency.Header != defaultIdempotencyHeader {
		t.Errorf("expected default idempotency header, got %s", cfg.Idempotency.Header)
	}
	if cfg.Secrets.Environment != "local" {
		t.Errorf("expected local secrets environment, got %s", cfg.Secrets.Environment)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"LEDGER_SERVER_PORT":                   "9090",
		"LEDGER_DATABASE_URL":                  "sm://ledger-db-url",
		"LEDGER_DATABASE_MAX_CONNS":            "40",
		"LEDGER_DATABASE_LOCK_TIMEOUT":         "2s",
		"LEDGER_DATABASE_AUTO_MIGRATE":         "yes",
		"LEDGER_ORDERS_NUMBER_PREFIX":          "WEB",
		"LEDGER_ORDERS_CURRENCY":               "eur",
		"LEDGER_STORAGE_IMAGES_BUCKET":         "shop-images",
		"LEDGER_STORAGE_SIGNED_URL_TTL":        "5m",
		"LEDGER_IDEMPOTENCY_TTL":               "48h",
		"LEDGER_PUBSUB_ORDER_EVENTS_TOPIC":     "orders",
		"LEDGER_PUBSUB_PROJECT_ID":             "shop-events",
		"LEDGER_FIREBASE_PROJECT_ID":           "shop-prod",
		"LEDGER_FIRESTORE_EMULATOR_HOST":       "localhost:8081",
		"LEDGER_SECRETS_ENVIRONMENT":           "PROD",
		"LEDGER_INVENTORY_LOW_STOCK_THRESHOLD": "3",
	}
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if ref == "secret://ledger-db-url" {
			return "postgres://prod", nil
		}
		return "", errors.New("unknown secret")
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""),
		WithSecretResolver(resolver), WithRequiredSecrets("Database.URL"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Database.URL != "postgres://prod" {
		t.Errorf("expected resolved database url, got %s", cfg.Database.URL)
	}
	if cfg.Database.MaxConns != 40 || cfg.Database.LockTimeout != 2*time.Second || !cfg.Database.AutoMigrate {
		t.Errorf("unexpected database config: %+v", cfg.Database)
	}
	if cfg.Orders.NumberPrefix != "WEB" || cfg.Orders.Currency != "EUR" || cfg.Orders.LowStockThreshold != 3 {
		t.Errorf("unexpected orders config: %+v", cfg.Orders)
	}
	if cfg.Storage.SignedURLTTL != 5*time.Minute {
		t.Errorf("unexpected signed url ttl: %s", cfg.Storage.SignedURLTTL)
	}
	if cfg.PubSub.ProjectID != "shop-events" || cfg.PubSub.OrderEventsTopic != "orders" {
		t.Errorf("unexpected pubsub config: %+v", cfg.PubSub)
	}
	if cfg.Secrets.Environment != "prod" {
		t.Errorf("expected lower-cased environment, got %s", cfg.Secrets.Environment)
	}
}

func TestLoadFailsValidation(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(map[string]string{
		"LEDGER_ORDERS_CURRENCY":       "EURO",
		"LEDGER_SERVER_READ_TIMEOUT":   "soon",
		"LEDGER_DATABASE_AUTO_MIGRATE": "maybe",
	}), WithoutSystemEnv(), WithEnvFile(""))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	fields := validation.Fields()
	want := map[string]bool{
		"Database.URL":                 false,
		"Orders.Currency":              false,
		"LEDGER_SERVER_READ_TIMEOUT":   false,
		"LEDGER_DATABASE_AUTO_MIGRATE": false,
	}
	for _, field := range fields {
		if _, ok := want[field]; ok {
			want[field] = true
		}
	}
	for field, seen := range want {
		if !seen {
			t.Errorf("expected %s in validation fields %v", field, fields)
		}
	}
}

func TestLoadSecretResolverMissing(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(map[string]string{
		"LEDGER_DATABASE_URL": "secret://db",
	}), WithoutSystemEnv(), WithEnvFile(""))
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected secret error, got %v", err)
	}
	if secretErr.Ref != "secret://db" {
		t.Fatalf("unexpected ref %s", secretErr.Ref)
	}
}

func TestLoadReadsDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# local overrides\nLEDGER_DATABASE_URL=\"postgres://dotenv\"\nexport LEDGER_SERVER_PORT=7070\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(path), WithoutSystemEnv(), WithEnvMap(map[string]string{
		"LEDGER_SERVER_PORT": "6060",
	}))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Database.URL != "postgres://dotenv" {
		t.Errorf("expected dotenv database url, got %s", cfg.Database.URL)
	}
	if cfg.Server.Port != "6060" {
		t.Errorf("expected env map to win over dotenv, got %s", cfg.Server.Port)
	}
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("A=dotenv\nB=dotenv\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	values, err := EnvironmentValues(WithEnvFile(path), WithoutSystemEnv(), WithEnvMap(map[string]string{"B": "map"}))
	if err != nil {
		t.Fatalf("EnvironmentValues: %v", err)
	}
	if values["A"] != "dotenv" || values["B"] != "map" {
		t.Fatalf("unexpected values %v", values)
	}
}
