package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ValidationError lists the fields that are missing or out of range and the keys whose
// values could not be parsed.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the offending field and key names.
func (e *ValidationError) Fields() []string {
	return slices.Clone(e.fields)
}

// SecretError wraps a failure to resolve a secret reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError names required secrets that resolved empty. Names are hashed.
type MissingSecretsError struct {
	redacted []string
}

func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.redacted) == 0 {
		return "missing required secrets"
	}
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.redacted, ", "))
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

func validate(cfg Config, malformed []string) error {
	checks := []struct {
		field string
		bad   bool
	}{
		{"Server.Port", cfg.Server.Port == ""},
		{"Database.URL", strings.TrimSpace(cfg.Database.URL) == ""},
		{"Database.MaxConns", cfg.Database.MaxConns <= 0 || cfg.Database.MinConns < 0 || cfg.Database.MinConns > cfg.Database.MaxConns},
		{"Database.TxAttempts", cfg.Database.TxAttempts <= 0},
		{"Orders.DefaultPageSize", cfg.Orders.DefaultPageSize <= 0 || cfg.Orders.MaxPageSize < cfg.Orders.DefaultPageSize},
		{"Orders.NumberPrefix", strings.TrimSpace(cfg.Orders.NumberPrefix) == ""},
		{"Orders.Currency", len(cfg.Orders.Currency) != 3},
		{"Orders.MutationRateLimit", cfg.Orders.MutationRateLimit < 0},
		{"Storage.SignedURLTTL", cfg.Storage.ImagesBucket != "" && cfg.Storage.SignedURLTTL <= 0},
		{"Idempotency.Header", strings.TrimSpace(cfg.Idempotency.Header) == ""},
		{"Idempotency.TTL", cfg.Idempotency.TTL <= 0},
		{"Idempotency.CleanupInterval", cfg.Idempotency.CleanupInterval <= 0},
		{"Idempotency.CleanupBatchSize", cfg.Idempotency.CleanupBatchSize <= 0},
	}

	fields := slices.Clone(malformed)
	for _, c := range checks {
		if c.bad {
			fields = append(fields, c.field)
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{fields: fields}
}

// resolveSecret returns value unchanged unless it is a secret:// or sm:// reference.
func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	ref := strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(ref, "sm://"); ok {
		ref = "secret://" + rest
	} else if !strings.HasPrefix(ref, "secret://") {
		return value, nil
	}

	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func missingSecrets(required []string, resolved map[string]string) error {
	var redacted []string
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" || resolved[name] != "" {
			continue
		}
		sum := sha256.Sum256([]byte(name))
		redacted = append(redacted, hex.EncodeToString(sum[:8]))
	}
	if len(redacted) == 0 {
		return nil
	}
	slices.Sort(redacted)
	return &MissingSecretsError{redacted: slices.Compact(redacted)}
}
