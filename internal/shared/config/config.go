package config

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	Port            string
	CORSAllowOrigin []string
	Env             string
	LogLevel        string

	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration
	DBPingTimeout     time.Duration

	ObjectStoreType string
	LocalStoreDir   string
	AWSRegion       string
	S3Bucket        string
	S3Prefix        string

	LLMProvider         string
	LLMModel            string
	OpenAIAPIKey        string
	LLMTimeout          time.Duration
	LLMTemperature      float64
	LLMRatePerSecond    float64
	LLMBurst            int
	LLMBreakerFailures  int
	LLMBreakerCooldown  time.Duration
	ReprocessBatchSize  int
	SQSQueueURL         string
	WorkerConcurrency   int
	SQSVisibilitySecond int
	ShutdownTimeout     time.Duration

	OTLPEndpoint      string
	OTLPInsecure      bool
	TraceSamplingRate float64
}

// Load reads configuration from environment variables and an optional .env file.
func Load() Config {
	return LoadFrom(".env", "cmd/.env")
}

// LoadFrom is Load with explicit dotenv candidates. The first readable file wins.
func LoadFrom(envFiles ...string) Config {
	v := viper.New()
	setDefaults(v)
	readEnvFile(v, envFiles...)
	v.AutomaticEnv()

	env := normalizeEnv(v.GetString("ENV"))
	dbURL := strings.TrimSpace(v.GetString("DATABASE_URL"))
	if env == "production" && dbURL == "" {
		log.Printf("DATABASE_URL is required in production")
	}

	return Config{
		Port:                v.GetString("PORT"),
		CORSAllowOrigin:     splitAndTrim(v.GetString("CORS_ALLOW_ORIGINS")),
		Env:                 env,
		LogLevel:            v.GetString("LOG_LEVEL"),
		DatabaseURL:         dbURL,
		DBMaxOpenConns:      v.GetInt("DB_MAX_OPEN_CONNS"),
		DBMaxIdleConns:      v.GetInt("DB_MAX_IDLE_CONNS"),
		DBConnMaxLifetime:   v.GetDuration("DB_CONN_MAX_LIFETIME"),
		DBConnMaxIdleTime:   v.GetDuration("DB_CONN_MAX_IDLE_TIME"),
		DBPingTimeout:       v.GetDuration("DB_PING_TIMEOUT"),
		ObjectStoreType:     normalizeStoreType(v.GetString("OBJECT_STORE")),
		LocalStoreDir:       v.GetString("LOCAL_STORE_DIR"),
		AWSRegion:           v.GetString("AWS_REGION"),
		S3Bucket:            v.GetString("S3_BUCKET"),
		S3Prefix:            v.GetString("S3_PREFIX"),
		LLMProvider:         strings.ToLower(strings.TrimSpace(v.GetString("LLM_PROVIDER"))),
		LLMModel:            v.GetString("LLM_MODEL"),
		OpenAIAPIKey:        v.GetString("OPENAI_API_KEY"),
		LLMTimeout:          seconds(v.GetInt("OPENAI_TIMEOUT_SECONDS")),
		LLMTemperature:      v.GetFloat64("LLM_TEMPERATURE"),
		LLMRatePerSecond:    v.GetFloat64("LLM_RATE_PER_SECOND"),
		LLMBurst:            positive(v.GetInt("LLM_BURST"), 1),
		LLMBreakerFailures:  positive(v.GetInt("LLM_BREAKER_FAILURES"), 5),
		LLMBreakerCooldown:  seconds(v.GetInt("LLM_BREAKER_COOLDOWN_SECONDS")),
		ReprocessBatchSize:  positive(v.GetInt("REPROCESS_BATCH_SIZE"), 10),
		SQSQueueURL:         strings.TrimSpace(v.GetString("SQS_QUEUE_URL")),
		WorkerConcurrency:   positive(v.GetInt("WORKER_CONCURRENCY"), 2),
		SQSVisibilitySecond: positive(v.GetInt("SQS_VISIBILITY_TIMEOUT_SECONDS"), 1800),
		ShutdownTimeout:     seconds(v.GetInt("SHUTDOWN_TIMEOUT_SECONDS")),
		OTLPEndpoint:        strings.TrimSpace(v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT")),
		OTLPInsecure:        v.GetBool("OTEL_EXPORTER_OTLP_INSECURE"),
		TraceSamplingRate:   v.GetFloat64("TRACE_SAMPLING_RATE"),
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("CORS_ALLOW_ORIGINS", "http://localhost:5173")
	v.SetDefault("ENV", "dev")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("OBJECT_STORE", "local")
	v.SetDefault("LOCAL_STORE_DIR", "./data")
	v.SetDefault("AWS_REGION", "us-east-1")
	v.SetDefault("S3_BUCKET", "")
	v.SetDefault("S3_PREFIX", "")
	v.SetDefault("LLM_PROVIDER", "openai")
	v.SetDefault("LLM_MODEL", "gpt-4o-mini")
	v.SetDefault("OPENAI_API_KEY", "")
	v.SetDefault("OPENAI_TIMEOUT_SECONDS", 120)
	v.SetDefault("LLM_TEMPERATURE", 0.2)
	v.SetDefault("LLM_RATE_PER_SECOND", 10)
	v.SetDefault("LLM_BURST", 1)
	v.SetDefault("LLM_BREAKER_FAILURES", 5)
	v.SetDefault("LLM_BREAKER_COOLDOWN_SECONDS", 30)
	v.SetDefault("REPROCESS_BATCH_SIZE", 10)
	v.SetDefault("SQS_QUEUE_URL", "")
	v.SetDefault("WORKER_CONCURRENCY", 2)
	v.SetDefault("SQS_VISIBILITY_TIMEOUT_SECONDS", 1800)
	v.SetDefault("SHUTDOWN_TIMEOUT_SECONDS", 30)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("TRACE_SAMPLING_RATE", 1.0)
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

func positive(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeEnv(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod":
		return "production"
	case "staging":
		return "staging"
	case "local":
		return "local"
	default:
		return "dev"
	}
}

func normalizeStoreType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "s3":
		return "s3"
	default:
		return "local"
	}
}
