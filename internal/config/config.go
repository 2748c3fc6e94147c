package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	RedisAddr     string
	RedisPassword string

	SchedulerInterval time.Duration
	AdapterTimeout    time.Duration

	Kubernetes KubernetesConfig
	AWS        AWSConfig
	CloudRun   CloudRunConfig
}

// KubernetesConfig configures the container-orchestration adapter.
type KubernetesConfig struct {
	Kubeconfig       string
	DefaultNamespace string
}

// AWSConfig configures the serverless-function adapter.
type AWSConfig struct {
	Region        string
	ExecutionRole string
}

// CloudRunConfig configures the managed-container-platform adapter.
type CloudRunConfig struct {
	Project string
	Region  string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "agentloom"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "agentloom"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 4),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 32),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),

		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),

		SchedulerInterval: getenvDuration("SCHEDULER_INTERVAL", time.Hour),
		AdapterTimeout:    getenvDuration("ADAPTER_TIMEOUT", 20*time.Second),

		Kubernetes: KubernetesConfig{
			Kubeconfig:       getenv("KUBECONFIG", ""),
			DefaultNamespace: getenv("KUBE_NAMESPACE", "agents"),
		},
		AWS: AWSConfig{
			Region:        getenv("AWS_REGION", "us-east-1"),
			ExecutionRole: getenv("AWS_LAMBDA_ROLE", ""),
		},
		CloudRun: CloudRunConfig{
			Project: getenv("CLOUDRUN_PROJECT", ""),
			Region:  getenv("CLOUDRUN_REGION", "us-central1"),
		},
	}
}

// Module provides the configuration to the fx graph.
var Module = fx.Provide(Load)

func getenv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	raw := getenv(key, "")
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		log.Printf("config: invalid integer for %s: %q", key, raw)
		return fallback
	}
	return value
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	raw := getenv(key, "")
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		log.Printf("config: invalid duration for %s: %q", key, raw)
		return fallback
	}
	return value
}
