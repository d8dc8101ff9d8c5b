package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	Fal       FalConfig
	Topaz     TopazConfig
	Gemini    GeminiConfig
	Storage   StorageConfig
	R2        R2Config
	GCS       GCSConfig
	JobStore  JobStoreConfig
	Firebase  FirebaseConfig
	Webhook   WebhookConfig
	PubSub    PubSubConfig
	Worker    WorkerConfig
	Zitadel   ZitadelConfig
	Gateway   GatewayConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	ApiDomain string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type RateLimitConfig struct {
	JobsPerMin int
}

type FalConfig struct {
	APIKey       string
	BaseURL      string
	QueueBaseURL string
	Timeout      time.Duration
	VideoTimeout time.Duration
}

type TopazConfig struct {
	APIKey       string
	BaseURL      string
	PollInterval time.Duration
	MaxWait      time.Duration
}

type GeminiConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// StorageConfig selects the artifact backend: "r2" or "gcs".
type StorageConfig struct {
	Backend string
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
	Endpoint        string
}

type GCSConfig struct {
	Bucket          string
	CredentialsFile string
}

// JobStoreConfig selects the job record backend: "redis", "firestore" or "memory".
type JobStoreConfig struct {
	Backend    string
	Collection string
	TTL        time.Duration
}

type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
	AuthEnabled     bool
}

type WebhookConfig struct {
	BaseURL string
	Secret  string
}

type PubSubConfig struct {
	Topic string
}

type WorkerConfig struct {
	// Mode is "asynq" (Redis-backed queue) or "inline" (in-process goroutines).
	Mode        string
	Concurrency int
	Queue       string
	Timeout     time.Duration
}

type ZitadelConfig struct {
	Domain   string
	ClientID string
	Issuer   string
}

type GatewayConfig struct {
	Enabled bool
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("FAL_API_KEY")
	readSecret("TOPAZ_API_KEY")
	readSecret("GEMINI_API_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("WEBHOOK_SECRET")
	readSecret("JWT_SECRET")
	readSecret("ZITADEL_CLIENT_ID")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables
	v.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	bindings := map[string]string{
		"server.port":               "SERVER_PORT",
		"server.env":                "SERVER_ENV",
		"server.log_level":          "LOG_LEVEL",
		"server.api_domain":         "API_DOMAIN",
		"redis.addr":                "REDIS_ADDR",
		"redis.password":            "REDIS_PASSWORD",
		"redis.db":                  "REDIS_DB",
		"jwt.secret":                "JWT_SECRET",
		"jwt.expiration":            "JWT_EXPIRATION",
		"ratelimit.jobs_per_min":    "RATELIMIT_JOBS_PER_MIN",
		"fal.api_key":               "FAL_API_KEY",
		"fal.base_url":              "FAL_BASE_URL",
		"fal.queue_base_url":        "FAL_QUEUE_BASE_URL",
		"fal.timeout":               "FAL_TIMEOUT",
		"fal.video_timeout":         "FAL_VIDEO_TIMEOUT",
		"topaz.api_key":             "TOPAZ_API_KEY",
		"topaz.base_url":            "TOPAZ_BASE_URL",
		"topaz.poll_interval":       "TOPAZ_POLL_INTERVAL",
		"topaz.max_wait":            "TOPAZ_MAX_WAIT",
		"gemini.api_key":            "GEMINI_API_KEY",
		"gemini.base_url":           "GEMINI_BASE_URL",
		"gemini.model":              "GEMINI_MODEL",
		"storage.backend":           "STORAGE_BACKEND",
		"r2.account_id":             "R2_ACCOUNT_ID",
		"r2.access_key_id":          "R2_ACCESS_KEY_ID",
		"r2.secret_access_key":      "R2_SECRET_ACCESS_KEY",
		"r2.bucket_name":            "R2_BUCKET_NAME",
		"r2.public_url":             "R2_PUBLIC_URL",
		"r2.endpoint":               "R2_ENDPOINT",
		"gcs.bucket":                "FIREBASE_STORAGE_BUCKET",
		"gcs.credentials_file":      "GOOGLE_APPLICATION_CREDENTIALS",
		"jobstore.backend":          "JOB_STORE_BACKEND",
		"jobstore.collection":       "JOB_STORE_COLLECTION",
		"jobstore.ttl":              "JOB_STORE_TTL",
		"firebase.project_id":       "FIREBASE_PROJECT_ID",
		"firebase.credentials_file": "FIREBASE_CREDENTIALS_FILE",
		"firebase.auth_enabled":     "FIREBASE_AUTH_ENABLED",
		"webhook.base_url":          "WEBHOOK_BASE_URL",
		"webhook.secret":            "WEBHOOK_SECRET",
		"pubsub.topic":              "PUBSUB_TOPIC",
		"worker.mode":               "WORKER_MODE",
		"worker.concurrency":        "WORKER_CONCURRENCY",
		"worker.queue":              "WORKER_QUEUE",
		"worker.timeout":            "WORKER_TIMEOUT",
		"zitadel.domain":            "ZITADEL_DOMAIN",
		"zitadel.client_id":         "ZITADEL_CLIENT_ID",
		"zitadel.issuer":            "ZITADEL_ISSUER",
		"gateway.enabled":           "GATEWAY_ENABLED",
	}
	for key, env := range bindings {
		_ = v.BindEnv(key, env)
	}

	// Defaults
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.expiration", 24)
	v.SetDefault("ratelimit.jobs_per_min", 20)

	// Vendor defaults
	v.SetDefault("fal.base_url", "https://fal.run")
	v.SetDefault("fal.queue_base_url", "https://queue.fal.run")
	v.SetDefault("fal.timeout", 2*time.Minute)
	v.SetDefault("fal.video_timeout", 10*time.Minute)
	v.SetDefault("topaz.base_url", "https://api.topazlabs.com/image/v1")
	v.SetDefault("topaz.poll_interval", 3*time.Second)
	v.SetDefault("topaz.max_wait", 5*time.Minute)
	v.SetDefault("gemini.base_url", "https://generativelanguage.googleapis.com/v1beta")
	v.SetDefault("gemini.model", "gemini-2.5-flash")

	// Storage and job store defaults
	v.SetDefault("storage.backend", "gcs")
	v.SetDefault("jobstore.backend", "redis")
	v.SetDefault("jobstore.collection", "jobs")
	v.SetDefault("jobstore.ttl", 7*24*time.Hour)
	v.SetDefault("firebase.auth_enabled", false)

	// Background runner defaults
	v.SetDefault("worker.mode", "asynq")
	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("worker.queue", "jobs")
	v.SetDefault("worker.timeout", 15*time.Minute)

	// Gateway defaults
	v.SetDefault("gateway.enabled", false)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      v.GetString("server.port"),
			Env:       v.GetString("server.env"),
			LogLevel:  v.GetString("server.log_level"),
			ApiDomain: v.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:     v.GetString("jwt.secret"),
			Expiration: v.GetInt("jwt.expiration"),
		},
		RateLimit: RateLimitConfig{
			JobsPerMin: v.GetInt("ratelimit.jobs_per_min"),
		},
		Fal: FalConfig{
			APIKey:       v.GetString("fal.api_key"),
			BaseURL:      v.GetString("fal.base_url"),
			QueueBaseURL: v.GetString("fal.queue_base_url"),
			Timeout:      v.GetDuration("fal.timeout"),
			VideoTimeout: v.GetDuration("fal.video_timeout"),
		},
		Topaz: TopazConfig{
			APIKey:       v.GetString("topaz.api_key"),
			BaseURL:      v.GetString("topaz.base_url"),
			PollInterval: v.GetDuration("topaz.poll_interval"),
			MaxWait:      v.GetDuration("topaz.max_wait"),
		},
		Gemini: GeminiConfig{
			APIKey:  v.GetString("gemini.api_key"),
			BaseURL: v.GetString("gemini.base_url"),
			Model:   v.GetString("gemini.model"),
		},
		Storage: StorageConfig{
			Backend: strings.ToLower(v.GetString("storage.backend")),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       v.GetString("r2.public_url"),
			Endpoint:        v.GetString("r2.endpoint"),
		},
		GCS: GCSConfig{
			Bucket:          v.GetString("gcs.bucket"),
			CredentialsFile: v.GetString("gcs.credentials_file"),
		},
		JobStore: JobStoreConfig{
			Backend:    strings.ToLower(v.GetString("jobstore.backend")),
			Collection: v.GetString("jobstore.collection"),
			TTL:        v.GetDuration("jobstore.ttl"),
		},
		Firebase: FirebaseConfig{
			ProjectID:       v.GetString("firebase.project_id"),
			CredentialsFile: v.GetString("firebase.credentials_file"),
			AuthEnabled:     v.GetBool("firebase.auth_enabled"),
		},
		Webhook: WebhookConfig{
			BaseURL: strings.TrimRight(v.GetString("webhook.base_url"), "/"),
			Secret:  v.GetString("webhook.secret"),
		},
		PubSub: PubSubConfig{
			Topic: v.GetString("pubsub.topic"),
		},
		Worker: WorkerConfig{
			Mode:        v.GetString("worker.mode"),
			Concurrency: v.GetInt("worker.concurrency"),
			Queue:       v.GetString("worker.queue"),
			Timeout:     v.GetDuration("worker.timeout"),
		},
		Zitadel: ZitadelConfig{
			Domain:   v.GetString("zitadel.domain"),
			ClientID: v.GetString("zitadel.client_id"),
			Issuer:   v.GetString("zitadel.issuer"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case "r2", "gcs":
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	switch c.JobStore.Backend {
	case "redis", "firestore", "memory":
	default:
		return fmt.Errorf("config: unknown job store backend %q", c.JobStore.Backend)
	}
	switch c.Worker.Mode {
	case "asynq", "inline":
	default:
		return fmt.Errorf("config: unknown worker mode %q", c.Worker.Mode)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("config: worker.concurrency must be positive")
	}
	return nil
}

// SecretResolver turns a secret reference into its value.
type SecretResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// IsSecretRef reports whether a config value points at Secret Manager.
func IsSecretRef(value string) bool {
	return strings.HasPrefix(value, "sm://") || strings.HasPrefix(value, "secret://")
}

// HasSecretRefs reports whether any credential field still holds a reference.
func (c *Config) HasSecretRefs() bool {
	for _, p := range c.secretFields() {
		if IsSecretRef(*p) {
			return true
		}
	}
	return false
}

// ResolveSecrets replaces every credential reference in place.
func (c *Config) ResolveSecrets(ctx context.Context, r SecretResolver) error {
	for _, p := range c.secretFields() {
		if !IsSecretRef(*p) {
			continue
		}
		val, err := r.Resolve(ctx, *p)
		if err != nil {
			return fmt.Errorf("config: resolve %s: %w", *p, err)
		}
		*p = val
	}
	return nil
}

func (c *Config) secretFields() []*string {
	return []*string{
		&c.Redis.Password,
		&c.JWT.Secret,
		&c.Fal.APIKey,
		&c.Topaz.APIKey,
		&c.Gemini.APIKey,
		&c.R2.AccessKeyID,
		&c.R2.SecretAccessKey,
		&c.Webhook.Secret,
	}
}
