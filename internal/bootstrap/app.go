package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"

	"github.com/gin-gonic/gin"

	"docsteps-backend/internal/documents"
	"docsteps-backend/internal/executor"
	"docsteps-backend/internal/llm"
	openai "docsteps-backend/internal/llm/openai"
	"docsteps-backend/internal/queue"
	"docsteps-backend/internal/reprocess"
	"docsteps-backend/internal/shared/config"
	"docsteps-backend/internal/shared/server"
	"docsteps-backend/internal/shared/storage/db"
	"docsteps-backend/internal/shared/storage/object"
	localstore "docsteps-backend/internal/shared/storage/object/local"
	s3store "docsteps-backend/internal/shared/storage/object/s3"
	"docsteps-backend/internal/shared/tracing"
	"docsteps-backend/internal/steps"
)

// App holds shared dependencies.
type App struct {
	Config           config.Config
	Router           *gin.Engine
	DB               *sql.DB
	Store            object.ObjectStore
	Queue            queue.Client
	Provider         llm.Provider
	StepsRepo        steps.StateStore
	DocumentsRepo    documents.Repo
	Engine           *reprocess.Engine
	Reprocess        *reprocess.Service
	ReprocessHandler *reprocess.Handler
	// Shutdown flushes buffered spans.
	Shutdown func(context.Context) error
}

// Build connects storage and wires the reprocess service and router.
func Build(cfg config.Config) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}
	if strings.TrimSpace(cfg.ObjectStoreType) == "" {
		cfg.ObjectStoreType = "local"
	}
	ctx := context.Background()

	shutdownTracing, err := tracing.Init(ctx, tracing.Options{
		Endpoint:     cfg.OTLPEndpoint,
		Insecure:     cfg.OTLPInsecure,
		Environment:  cfg.Env,
		SamplingRate: cfg.TraceSamplingRate,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := buildDB(ctx, cfg)
	if err != nil {
		return nil, err
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	queueClient, err := buildQueue(ctx, cfg)
	if err != nil {
		return nil, err
	}

	provider, err := BuildProvider(cfg)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:   cfg,
		DB:       sqlDB,
		Store:    store,
		Queue:    queueClient,
		Provider: provider,
		Shutdown: shutdownTracing,
	}
	buildServices(app)

	deps := server.RouterDeps{
		Config:   app.Config,
		Handlers: []server.RouteRegistrar{app.ReprocessHandler},
	}
	if app.DB != nil {
		deps.Ping = app.DB.PingContext
	}
	app.Router = server.NewRouter(deps)

	return app, nil
}

func buildDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: DATABASE_URL empty; using in-memory repositories")
			return nil, nil
		}
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	var (
		sqlDB *sql.DB
		err   error
	)
	if db.IsLambdaRuntime() {
		opts := db.WithOverrides(db.DefaultLambdaOptions(), cfg)
		sqlDB, err = db.GetSingleton(ctx, cfg.DatabaseURL, opts)
	} else {
		opts := db.WithOverrides(db.DefaultServerOptions(), cfg)
		sqlDB, err = db.Connect(ctx, cfg.DatabaseURL, opts)
	}
	if err != nil {
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: database connect failed; using in-memory repositories: %v", err)
			return nil, nil
		}
		return nil, err
	}

	return sqlDB, nil
}

func buildStore(ctx context.Context, cfg config.Config) (object.ObjectStore, error) {
	switch cfg.ObjectStoreType {
	case "s3":
		if strings.TrimSpace(cfg.S3Bucket) == "" {
			return nil, fmt.Errorf("OBJECT_STORE=s3 requires S3_BUCKET")
		}
		return s3store.New(ctx, cfg.AWSRegion, cfg.S3Bucket, cfg.S3Prefix)
	default:
		return localstore.New(cfg.LocalStoreDir), nil
	}
}

func buildQueue(ctx context.Context, cfg config.Config) (queue.Client, error) {
	if cfg.SQSQueueURL == "" {
		return nil, nil
	}
	return queue.NewSQSClient(ctx, cfg.AWSRegion, cfg.SQSQueueURL)
}

// BuildProvider returns the configured LLM provider behind the shared pacing
// limiter and circuit breaker.
func BuildProvider(cfg config.Config) (llm.Provider, error) {
	var base llm.Provider = llm.PlaceholderProvider{}
	switch cfg.LLMProvider {
	case "openai":
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" && isDevLike(cfg.Env) {
			log.Printf("bootstrap: OPENAI_API_KEY empty; runs will stop at the first prompt")
			break
		}
		client, err := openai.NewClient(cfg.OpenAIAPIKey, cfg.LLMModel, cfg.LLMTimeout)
		if err != nil {
			return nil, err
		}
		base = client
	case "", "none":
	default:
		return nil, fmt.Errorf("unsupported LLM_PROVIDER %q", cfg.LLMProvider)
	}
	return llm.NewGuarded(base, llm.GuardOptions{
		Name:                cfg.LLMProvider,
		RatePerSecond:       cfg.LLMRatePerSecond,
		Burst:               cfg.LLMBurst,
		ConsecutiveFailures: cfg.LLMBreakerFailures,
		Cooldown:            cfg.LLMBreakerCooldown,
	}), nil
}

func isDevLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "local":
		return true
	default:
		return false
	}
}

func buildServices(app *App) {
	if app.DB != nil {
		app.StepsRepo = &steps.PGRepo{DB: app.DB}
		app.DocumentsRepo = &documents.PGRepo{DB: app.DB}
	} else {
		app.StepsRepo = steps.NewMemoryRepo()
		app.DocumentsRepo = documents.NewMemoryRepo()
	}

	app.Engine = &reprocess.Engine{
		Steps:     app.StepsRepo,
		Documents: app.DocumentsRepo,
		Objects:   app.Store,
		Executor:  executor.New(app.Provider, app.Config.LLMTemperature),
		BatchSize: app.Config.ReprocessBatchSize,
	}
	app.Reprocess = reprocess.NewService(app.Engine, app.StepsRepo, app.DocumentsRepo)
	app.ReprocessHandler = reprocess.NewHandler(app.Reprocess, app.Queue)
}
