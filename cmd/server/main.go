package main

import (
	"context"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/photoaiproxy/api/internal/adapter"
	"github.com/photoaiproxy/api/internal/artifact"
	"github.com/photoaiproxy/api/internal/auth"
	"github.com/photoaiproxy/api/internal/client"
	"github.com/photoaiproxy/api/internal/config"
	"github.com/photoaiproxy/api/internal/handler"
	"github.com/photoaiproxy/api/internal/logging"
	"github.com/photoaiproxy/api/internal/middleware"
	"github.com/photoaiproxy/api/internal/notify"
	"github.com/photoaiproxy/api/internal/secrets"
	"github.com/photoaiproxy/api/internal/server"
	"github.com/photoaiproxy/api/internal/service"
	"github.com/photoaiproxy/api/internal/store"
	ws "github.com/photoaiproxy/api/internal/websocket"
	"github.com/photoaiproxy/api/internal/worker"
)

func main() {
	// Local runs keep credentials in .env; deployed runs use the environment.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Server.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.HasSecretRefs() {
		resolver, err := secrets.NewResolver(ctx, cfg.Firebase.ProjectID, logger, googleOptions(cfg)...)
		if err != nil {
			logger.Fatal("failed to create secret resolver", zap.Error(err))
		}
		err = cfg.ResolveSecrets(ctx, resolver)
		_ = resolver.Close()
		if err != nil {
			logger.Fatal("failed to resolve secrets", zap.Error(err))
		}
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}

	// Job store
	var jobStore store.Store
	switch cfg.JobStore.Backend {
	case "firestore":
		fs, err := firestore.NewClient(ctx, cfg.Firebase.ProjectID, googleOptions(cfg)...)
		if err != nil {
			logger.Fatal("failed to create firestore client", zap.Error(err))
		}
		defer fs.Close()
		jobStore = store.NewFirestoreStore(fs, cfg.JobStore.Collection)
	case "memory":
		logger.Warn("using in-memory job store; jobs do not survive a restart")
		jobStore = store.NewMemoryStore()
	default:
		jobStore = store.NewRedisStore(redisClient, cfg.JobStore.TTL)
	}

	// Artifact storage
	var storage client.StorageClient
	switch cfg.Storage.Backend {
	case "r2":
		r2, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			logger.Fatal("failed to create R2 client", zap.Error(err))
		}
		storage = r2
	default:
		gcs, err := client.NewGCSClient(ctx, &cfg.GCS)
		if err != nil {
			logger.Fatal("failed to create GCS client", zap.Error(err))
		}
		defer gcs.Close()
		storage = gcs
	}
	artifacts := artifact.New(storage, logger)

	// Notification channels and token verifiers
	hub := ws.NewHub(logger)
	go hub.Run(ctx)
	notifyOpts := []notify.Option{notify.WithBroadcaster(hub)}

	var verifiers auth.Chain
	var pushEnabled bool
	if cfg.Firebase.ProjectID != "" {
		app, err := client.NewFirebaseApp(ctx, &cfg.Firebase)
		if err != nil {
			logger.Warn("firebase not initialised; push and firebase auth disabled", zap.Error(err))
		} else {
			if fcm, err := client.NewFCMClient(ctx, app); err != nil {
				logger.Warn("FCM client not initialised", zap.Error(err))
			} else {
				notifyOpts = append(notifyOpts, notify.WithPusher(fcm))
				pushEnabled = true
			}
			if cfg.Firebase.AuthEnabled {
				v, err := auth.NewFirebaseVerifier(ctx, app)
				if err != nil {
					logger.Fatal("failed to create firebase token verifier", zap.Error(err))
				}
				verifiers = append(verifiers, v)
			}
		}
	}
	if cfg.Zitadel.Issuer != "" {
		v, err := auth.NewJWKSVerifier(ctx, &cfg.Zitadel)
		if err != nil {
			logger.Warn("JWKS verifier not initialised", zap.Error(err))
		} else {
			verifiers = append(verifiers, v)
		}
	}
	defer verifiers.Close()

	if cfg.PubSub.Topic != "" {
		ps, err := pubsub.NewClient(ctx, cfg.Firebase.ProjectID, googleOptions(cfg)...)
		if err != nil {
			logger.Fatal("failed to create pubsub client", zap.Error(err))
		}
		defer ps.Close()
		topic := ps.Topic(cfg.PubSub.Topic)
		defer topic.Stop()
		publisher, err := client.NewEventPublisher(topic)
		if err != nil {
			logger.Fatal("failed to create event publisher", zap.Error(err))
		}
		notifyOpts = append(notifyOpts, notify.WithPublisher(publisher))
	}
	notifier := notify.New(logger, notifyOpts...)

	// Vendors and adapters
	falClient := client.NewFalClient(&cfg.Fal, logger)
	topazClient := client.NewTopazClient(&cfg.Topaz, logger)
	geminiClient := client.NewGeminiClient(&cfg.Gemini, logger)

	registry, err := adapter.NewDefaultRegistry(adapter.Vendors{
		Fal:       falClient,
		Topaz:     topazClient,
		Text:      geminiClient,
		Artifacts: artifacts,
	}, logger)
	if err != nil {
		logger.Fatal("failed to build adapter registry", zap.Error(err))
	}

	completion := service.NewCompletionService(jobStore, registry, artifacts, notifier, logger)

	var runner service.Runner
	switch cfg.Worker.Mode {
	case "inline":
		local := service.NewLocalRunner(completion, cfg.Worker.Timeout, logger)
		defer local.Wait()
		runner = local
	default:
		asynqClient := asynq.NewClient(redisOpt)
		defer asynqClient.Close()
		runner = service.NewAsynqRunner(asynqClient, cfg.Worker.Queue, cfg.Worker.Timeout)
		go startWorkerServer(ctx, cfg, redisOpt, completion, logger)
	}

	signer := service.NewWebhookSigner(cfg.Webhook.BaseURL, cfg.Webhook.Secret)
	if !signer.Enabled() {
		logger.Warn("WEBHOOK_BASE_URL not set; async jobs run in the background runner")
	}
	dispatcher := service.NewDispatcher(registry, jobStore, artifacts, completion, runner, signer, logger)

	// HTTP
	validate := handler.NewValidator()
	var tokenVerifier auth.TokenVerifier
	if len(verifiers) > 0 {
		tokenVerifier = verifiers
	}

	var apiAuth fiber.Handler
	if cfg.Gateway.Enabled {
		logger.Info("gateway mode enabled; using header-based auth")
		apiAuth = middleware.GatewayAuthMiddleware()
	} else {
		apiAuth = middleware.NewAuthMiddleware(tokenVerifier, cfg.JWT.Secret).Authenticate()
	}
	rateLimiter := middleware.NewRateLimiter(redisClient, logger)

	app := server.New(server.Options{
		Jobs:         handler.NewJobHandler(dispatcher, jobStore, validate),
		Webhook:      handler.NewWebhookHandler(completion, signer, logger),
		WS:           handler.NewWSHandler(hub, jobStore, logger),
		Auth:         handler.NewAuthHandler(tokenVerifier, cfg.JWT.Secret),
		Authenticate: apiAuth,
		RateLimit:    rateLimiter.JobsLimit(cfg.RateLimit.JobsPerMin),
		Health: func() fiber.Map {
			return fiber.Map{
				"fal":      falClient.IsConfigured(),
				"topaz":    topazClient.IsConfigured(),
				"gemini":   geminiClient.IsConfigured(),
				"storage":  cfg.Storage.Backend,
				"jobStore": cfg.JobStore.Backend,
				"webhooks": signer.Enabled(),
				"push":     pushEnabled,
				"auth":     tokenVerifier != nil || cfg.JWT.Secret != "" || cfg.Gateway.Enabled,
			}
		},
		AccessLog:      true,
		AccessLogDebug: strings.EqualFold(cfg.Server.LogLevel, "debug"),
	})

	go func() {
		<-ctx.Done()
		logger.Info("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	addr := ":" + cfg.Server.Port
	logger.Info("server starting", zap.String("addr", addr), zap.String("env", cfg.Server.Env))
	if err := app.Listen(addr); err != nil {
		logger.Error("server error", zap.Error(err))
	}
}

func startWorkerServer(ctx context.Context, cfg *config.Config, redisOpt asynq.RedisClientOpt, completion *service.CompletionService, logger *zap.Logger) {
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Worker.Concurrency,
		Queues: map[string]int{
			cfg.Worker.Queue: 1,
		},
		Logger:   logging.NewAsynqLogger(logger),
		LogLevel: logging.AsynqLevel(cfg.Server.LogLevel),
	})

	jobWorker := worker.NewJobWorker(completion, logger)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeExecute, jobWorker.ProcessTask)

	if err := srv.Start(mux); err != nil {
		logger.Error("asynq worker error", zap.Error(err))
		return
	}
	<-ctx.Done()
	srv.Shutdown()
}

func googleOptions(cfg *config.Config) []option.ClientOption {
	if cfg.Firebase.CredentialsFile != "" {
		return []option.ClientOption{option.WithCredentialsFile(cfg.Firebase.CredentialsFile)}
	}
	return nil
}
