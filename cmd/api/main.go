package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/tariky/3S-sub000/internal/di"
	"github.com/tariky/3S-sub000/internal/handlers"
	"github.com/tariky/3S-sub000/internal/platform/auth"
	"github.com/tariky/3S-sub000/internal/platform/config"
	"github.com/tariky/3S-sub000/internal/platform/events"
	pfirestore "github.com/tariky/3S-sub000/internal/platform/firestore"
	"github.com/tariky/3S-sub000/internal/platform/idempotency"
	"github.com/tariky/3S-sub000/internal/platform/observability"
	ppostgres "github.com/tariky/3S-sub000/internal/platform/postgres"
	"github.com/tariky/3S-sub000/internal/platform/secrets"
	platformstorage "github.com/tariky/3S-sub000/internal/platform/storage"
	"github.com/tariky/3S-sub000/internal/repositories"
	pgrepo "github.com/tariky/3S-sub000/internal/repositories/postgres"
	"github.com/tariky/3S-sub000/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment values: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(envValues["LOG_LEVEL"])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("api")

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(fetcher),
		config.WithRequiredSecrets("Database.URL"),
	)
	if err != nil {
		var validation *config.ValidationError
		if errors.As(err, &validation) {
			logger.Fatal("invalid configuration", zap.Strings("fields", validation.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	pool, err := ppostgres.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	if cfg.Database.AutoMigrate {
		if err := ppostgres.Migrate(ctx, pool); err != nil {
			logger.Fatal("failed to apply migrations", zap.Error(err))
		}
	}
	uow := ppostgres.NewUnitOfWork(pool,
		ppostgres.WithTxAttempts(cfg.Database.TxAttempts),
		ppostgres.WithTxTimeout(cfg.Database.TxTimeout),
		ppostgres.WithLockTimeout(cfg.Database.LockTimeout),
	)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()
	var firestoreClient *firestore.Client
	if firestoreProvider.Enabled() {
		firestoreClient, err = firestoreProvider.Client(ctx)
		if err != nil {
			logger.Fatal("failed to initialise firestore client", zap.Error(err))
		}
	}

	integrations := di.Integrations{
		Build:  buildInfo,
		Logger: logger,
	}

	publisher, pubsubClient, err := newOrderEventPublisher(ctx, cfg.PubSub)
	if err != nil {
		logger.Fatal("failed to initialise order event publisher", zap.Error(err))
	}
	var eventsTopic *pubsub.Topic
	if publisher != nil {
		integrations.Events = publisher
		eventsTopic = pubsubClient.Topic(cfg.PubSub.OrderEventsTopic)
		defer func() {
			publisher.Stop()
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
	} else {
		logger.Info("order events disabled; pubsub project not configured")
	}

	healthRepo, err := newHealthRepository(pool.Ping, firestoreClient, eventsTopic)
	if err != nil {
		logger.Fatal("failed to initialise health checks", zap.Error(err))
	}
	registry, err := pgrepo.NewRegistry(pool, uow, healthRepo)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	imageSigner, err := newImageURLSigner(logger, cfg.Storage)
	if err != nil {
		logger.Fatal("failed to initialise image url signer", zap.Error(err))
	}
	if imageSigner != nil {
		integrations.ImageSigner = imageSigner
	}

	container, err := di.NewContainer(ctx, cfg, registry, integrations)
	if err != nil {
		logger.Fatal("failed to build container", zap.Error(err))
	}
	defer func() {
		if err := container.Close(context.Background()); err != nil {
			logger.Warn("container close error", zap.Error(err))
		}
	}()

	var idempotencyStore idempotency.Store
	if firestoreClient != nil {
		idempotencyStore = idempotency.NewFirestoreStore(firestoreClient)
	} else {
		logger.Warn("firestore not configured; idempotency keys are kept in memory")
		idempotencyStore = idempotency.NewMemoryStore()
	}
	idempotencyLogger := logger.Named("idempotency")
	requireKey := idempotency.Middleware(idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(idempotencyLogger),
	)
	optionalKey := idempotency.Middleware(idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(idempotencyLogger),
		idempotency.WithOptionalKey(),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	cleaner := idempotency.NewCleaner(idempotencyStore, cfg.Idempotency.CleanupInterval, cfg.Idempotency.CleanupBatchSize, logger)
	cleanupWG.Add(1)
	go func() {
		defer cleanupWG.Done()
		cleaner.Run(cleanupCtx)
	}()

	orderHandlers := handlers.NewOrderHandlers(container.Services.Orders,
		handlers.WithOrderIdempotency(requireKey, optionalKey),
		handlers.WithOrderMutationRateLimit(cfg.Orders.MutationRateLimit, time.Minute, nil),
	)
	inventoryHandlers := handlers.NewInventoryHandlers(container.Services.Inventory)

	healthOpts := []handlers.HealthOption{handlers.WithHealthBuildInfo(buildInfo)}
	if container.Services.System != nil {
		healthOpts = append(healthOpts, handlers.WithHealthSystemService(container.Services.System))
	}
	healthHandlers := handlers.NewHealthHandlers(healthOpts...)

	projectID := traceProjectID(cfg)
	httpLogger := logger.Named("http")
	opts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(httpLogger),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(httpLogger),
			observability.RequestLoggerMiddleware(cfg.Idempotency.Header),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithInventoryRoutes(inventoryHandlers.Routes),
	}

	if strings.TrimSpace(cfg.Firebase.ProjectID) != "" {
		verifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
		if err != nil {
			logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
		}
		authenticator := auth.NewAuthenticator(verifier,
			auth.WithRoleClaim(cfg.Firebase.RoleClaim),
			auth.WithVerificationTimeout(cfg.Firebase.VerifyTimeout),
		)
		opts = append(opts, handlers.WithProtectedMiddlewares(authenticator.RequireRoles(auth.RoleStaff, auth.RoleAdmin)))
	} else {
		logger.Warn("firebase project not configured; API routes are unauthenticated")
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handlers.NewRouter(opts...),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := httpLogger.With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("order ledger api listening", zap.String("version", buildInfo.Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["LEDGER_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["LEDGER_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Secrets.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

// newHealthRepository registers Postgres as the only critical dependency. Firestore and
// the order events topic degrade readiness but keep the service in rotation.
func newHealthRepository(ping func(context.Context) error, client *firestore.Client, topic *pubsub.Topic) (repositories.HealthRepository, error) {
	checks := []repositories.DependencyCheck{
		{Name: "postgres", Critical: true, Timeout: 2 * time.Second, Check: ping},
	}
	if client != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				_, err := client.Collections(ctx).Next()
				if errors.Is(err, iterator.Done) {
					return nil
				}
				return err
			},
		})
	}
	if topic != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "pubsub",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				ok, err := topic.Exists(ctx)
				if err == nil && !ok {
					err = fmt.Errorf("topic %s does not exist", topic.ID())
				}
				return err
			},
		})
	}
	return repositories.NewDependencyHealthRepository(checks)
}

func newOrderEventPublisher(ctx context.Context, cfg config.PubSubConfig) (*events.PubSubOrderEventPublisher, *pubsub.Client, error) {
	projectID := strings.TrimSpace(cfg.ProjectID)
	if projectID == "" {
		return nil, nil, nil
	}
	var opts []option.ClientOption
	if host := strings.TrimSpace(cfg.EmulatorHost); host != "" {
		opts = append(opts,
			option.WithEndpoint(host),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub: create client: %w", err)
	}
	publisher, err := events.NewPubSubOrderEventPublisher(client.Topic(cfg.OrderEventsTopic))
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return publisher, client, nil
}

func newImageURLSigner(logger *zap.Logger, cfg config.StorageConfig) (*platformstorage.ImageURLSigner, error) {
	if strings.TrimSpace(cfg.ImagesBucket) == "" || strings.TrimSpace(cfg.SignerCredentialsFile) == "" {
		return nil, nil
	}
	signer, err := platformstorage.LoadKeySigner(cfg.SignerCredentialsFile)
	if err != nil {
		return nil, err
	}
	logger.Info("image url signing enabled",
		zap.String("bucket", cfg.ImagesBucket),
		zap.String("signer", signer.Email()),
		zap.String("keyID", signer.KeyID()),
	)
	return platformstorage.NewImageURLSigner(signer, cfg.ImagesBucket, platformstorage.WithExpiry(cfg.SignedURLTTL))
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	environment := strings.ToLower(lookup("LEDGER_SECRETS_ENVIRONMENT"))
	if environment == "" {
		environment = "local"
	}
	project := lookup("LEDGER_SECRETS_PROJECT_ID")
	if project == "" {
		project = lookup("LEDGER_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("LEDGER_SECRETS_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithEnvironment(environment),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if project != "" {
		opts = append(opts, secrets.WithProject(project))
	}
	if credentialsFile := lookup("LEDGER_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}
