package config

import (
	"context"
	"strings"
	"time"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultShutdownTimeout      = 10 * time.Second
	defaultDBMaxConns           = 20
	defaultDBMinConns           = 2
	defaultDBMaxConnLifetime    = 30 * time.Minute
	defaultDBTxTimeout          = 15 * time.Second
	defaultDBTxAttempts         = 3
	defaultDBLockTimeout        = 5 * time.Second
	defaultOrderEventsTopic     = "order-events"
	defaultSignedURLTTL         = 15 * time.Minute
	defaultOrderNumberPrefix    = "SO"
	defaultCurrency             = "USD"
	defaultOrderPageSize        = 20
	defaultOrderMaxPageSize     = 100
	defaultLowStockThreshold    = 5
	defaultMutationRateLimit    = 120
	defaultRoleClaim            = "role"
	defaultVerifyTimeout        = 5 * time.Second
	defaultSecretsEnvironment   = "local"
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
)

// Config is the ledger service configuration, grouped by concern. Every key is read
// from LEDGER_* environment variables with .env overrides for local runs.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	PubSub      PubSubConfig
	Storage     StorageConfig
	Orders      OrdersConfig
	Secrets     SecretsConfig
	Idempotency IdempotencyConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig configures the Postgres pool backing the ledger.
type DatabaseConfig struct {
	URL             string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	TxTimeout       time.Duration
	TxAttempts      int
	LockTimeout     time.Duration
	AutoMigrate     bool
}

// FirebaseConfig stores Firebase project settings. Authentication is disabled when ProjectID is empty.
// RoleClaim names the custom claim carrying back office roles.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
	RoleClaim       string
	VerifyTimeout   time.Duration
}

// FirestoreConfig stores the idempotency store project. The memory store is used when ProjectID is empty.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// PubSubConfig configures domain event publishing. Publishing is disabled when ProjectID is empty.
type PubSubConfig struct {
	ProjectID        string
	OrderEventsTopic string
	EmulatorHost     string
}

// StorageConfig configures signed URLs for item images.
type StorageConfig struct {
	ImagesBucket          string
	SignerCredentialsFile string
	SignedURLTTL          time.Duration
}

// OrdersConfig tunes order numbering and listings.
type OrdersConfig struct {
	NumberPrefix      string
	Currency          string
	DefaultPageSize   int
	MaxPageSize       int
	LowStockThreshold int
	// MutationRateLimit caps order writes per actor per minute. Zero disables the limit.
	MutationRateLimit int
}

// SecretsConfig configures Secret Manager lookups for secret:// references.
type SecretsConfig struct {
	Environment  string
	ProjectID    string
	FallbackFile string
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// SecretResolver resolves secret:// references found in configuration values.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts a function to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

func defaultLoaderOptions(opts []Option) loaderOptions {
	o := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// WithEnvFile overrides the .env path. An empty path skips the file.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap injects values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv ignores the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets names fields, such as "Database.URL", that must resolve non-empty.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

// EnvironmentValues returns the merged key/value view Load reads from
// (dotenv < process env < explicit map). main uses it to set up the secret fetcher
// before Load runs.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	src, err := newSource(defaultLoaderOptions(opts))
	if err != nil {
		return nil, err
	}
	return src.snapshot(), nil
}

// Load reads, resolves and validates the configuration. Values that fail to parse are
// reported alongside missing ones in a ValidationError.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := defaultLoaderOptions(opts)
	src, err := newSource(options)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Port:            src.str("LEDGER_SERVER_PORT", defaultPort),
			ReadTimeout:     src.duration("LEDGER_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    src.duration("LEDGER_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     src.duration("LEDGER_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: src.duration("LEDGER_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		},
		Database: DatabaseConfig{
			URL:             src.str("LEDGER_DATABASE_URL", ""),
			MaxConns:        src.integer("LEDGER_DATABASE_MAX_CONNS", defaultDBMaxConns),
			MinConns:        src.integer("LEDGER_DATABASE_MIN_CONNS", defaultDBMinConns),
			MaxConnLifetime: src.duration("LEDGER_DATABASE_MAX_CONN_LIFETIME", defaultDBMaxConnLifetime),
			TxTimeout:       src.duration("LEDGER_DATABASE_TX_TIMEOUT", defaultDBTxTimeout),
			TxAttempts:      src.integer("LEDGER_DATABASE_TX_ATTEMPTS", defaultDBTxAttempts),
			LockTimeout:     src.duration("LEDGER_DATABASE_LOCK_TIMEOUT", defaultDBLockTimeout),
			AutoMigrate:     src.boolean("LEDGER_DATABASE_AUTO_MIGRATE", false),
		},
		Firebase: FirebaseConfig{
			ProjectID:       src.str("LEDGER_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: src.str("LEDGER_FIREBASE_CREDENTIALS_FILE", ""),
			RoleClaim:       src.str("LEDGER_FIREBASE_ROLE_CLAIM", defaultRoleClaim),
			VerifyTimeout:   src.duration("LEDGER_FIREBASE_VERIFY_TIMEOUT", defaultVerifyTimeout),
		},
		Firestore: FirestoreConfig{
			ProjectID:    src.str("LEDGER_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: src.str("LEDGER_FIRESTORE_EMULATOR_HOST", ""),
		},
		PubSub: PubSubConfig{
			ProjectID:        src.str("LEDGER_PUBSUB_PROJECT_ID", ""),
			OrderEventsTopic: src.str("LEDGER_PUBSUB_ORDER_EVENTS_TOPIC", defaultOrderEventsTopic),
			EmulatorHost:     src.str("LEDGER_PUBSUB_EMULATOR_HOST", ""),
		},
		Storage: StorageConfig{
			ImagesBucket:          src.str("LEDGER_STORAGE_IMAGES_BUCKET", ""),
			SignerCredentialsFile: src.str("LEDGER_STORAGE_SIGNER_CREDENTIALS_FILE", ""),
			SignedURLTTL:          src.duration("LEDGER_STORAGE_SIGNED_URL_TTL", defaultSignedURLTTL),
		},
		Orders: OrdersConfig{
			NumberPrefix:      src.str("LEDGER_ORDERS_NUMBER_PREFIX", defaultOrderNumberPrefix),
			Currency:          strings.ToUpper(src.str("LEDGER_ORDERS_CURRENCY", defaultCurrency)),
			DefaultPageSize:   src.integer("LEDGER_ORDERS_DEFAULT_PAGE_SIZE", defaultOrderPageSize),
			MaxPageSize:       src.integer("LEDGER_ORDERS_MAX_PAGE_SIZE", defaultOrderMaxPageSize),
			LowStockThreshold: src.integer("LEDGER_INVENTORY_LOW_STOCK_THRESHOLD", defaultLowStockThreshold),
			MutationRateLimit: src.integer("LEDGER_ORDERS_MUTATION_RATE_LIMIT", defaultMutationRateLimit),
		},
		Secrets: SecretsConfig{
			Environment:  strings.ToLower(src.str("LEDGER_SECRETS_ENVIRONMENT", defaultSecretsEnvironment)),
			ProjectID:    src.str("LEDGER_SECRETS_PROJECT_ID", ""),
			FallbackFile: src.str("LEDGER_SECRETS_FALLBACK_FILE", ""),
		},
		Idempotency: IdempotencyConfig{
			Header:           src.str("LEDGER_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              src.duration("LEDGER_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  src.duration("LEDGER_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: src.integer("LEDGER_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
	}

	// Firestore and Pub/Sub default to the Firebase project.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firebase.ProjectID
	}

	secretFields := map[string]*string{
		"Database.URL": &cfg.Database.URL,
	}
	resolved := make(map[string]string, len(secretFields))
	for name, field := range secretFields {
		value, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*field = value
		resolved[name] = strings.TrimSpace(value)
	}

	if err := validate(cfg, src.malformed); err != nil {
		return Config{}, err
	}
	if err := missingSecrets(options.requiredSecrets, resolved); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
