package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ILLUVRSE/model-release/internal/models"
)

type Config struct {
	Addr             string
	DatabaseURL      string
	EnvironmentsFile string
	SuitesFile       string
	RegistryURL      string
	ServingMode      string
	ExecutionRoleArn string
	InvokeBaseURL    string
	KafkaBrokers     []string
	KafkaTopic       string
	ArchiveBucket    string
	ArchivePrefix    string
	AuthSecret       string
	AllowDebugToken  bool
	DebugToken       string
}

const (
	defaultAddr       = ":8072"
	defaultKafkaTopic = "model-release.events"
)

func Load() (Config, error) {
	cfg := Config{
		Addr:             getEnv("RELEASE_ADDR", defaultAddr),
		DatabaseURL:      firstNonEmpty(os.Getenv("RELEASE_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		EnvironmentsFile: os.Getenv("RELEASE_ENVIRONMENTS_FILE"),
		SuitesFile:       os.Getenv("RELEASE_SUITES_FILE"),
		RegistryURL:      os.Getenv("RELEASE_REGISTRY_URL"),
		ServingMode:      getEnv("RELEASE_SERVING_MODE", "sagemaker"),
		ExecutionRoleArn: os.Getenv("RELEASE_EXECUTION_ROLE_ARN"),
		InvokeBaseURL:    os.Getenv("RELEASE_INVOKE_BASE_URL"),
		KafkaBrokers:     splitList(os.Getenv("RELEASE_KAFKA_BROKERS")),
		KafkaTopic:       getEnv("RELEASE_KAFKA_TOPIC", defaultKafkaTopic),
		ArchiveBucket:    os.Getenv("RELEASE_ARCHIVE_BUCKET"),
		ArchivePrefix:    getEnv("RELEASE_ARCHIVE_PREFIX", "reports"),
		AuthSecret:       os.Getenv("RELEASE_AUTH_SECRET"),
		AllowDebugToken:  getBool("RELEASE_ALLOW_DEBUG_TOKEN", false),
		DebugToken:       os.Getenv("RELEASE_DEBUG_TOKEN"),
	}
	if cfg.EnvironmentsFile == "" {
		return Config{}, fmt.Errorf("RELEASE_ENVIRONMENTS_FILE required")
	}
	if cfg.AuthSecret == "" && !cfg.AllowDebugToken {
		return Config{}, fmt.Errorf("RELEASE_AUTH_SECRET required when RELEASE_ALLOW_DEBUG_TOKEN unset")
	}
	nodeEnv := os.Getenv("NODE_ENV")
	if nodeEnv == "production" && cfg.AllowDebugToken {
		return Config{}, fmt.Errorf("RELEASE_ALLOW_DEBUG_TOKEN is forbidden in production")
	}
	if nodeEnv == "production" && cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL or RELEASE_DATABASE_URL required in production")
	}
	return cfg, nil
}

// LoadEnvironments reads the static environment definitions. The result is
// treated as immutable for the lifetime of the process.
func LoadEnvironments(path string) (map[string]models.Environment, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read environments file: %w", err)
	}
	var list []models.Environment
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("parse environments file: %w", err)
	}
	envs := make(map[string]models.Environment, len(list))
	for _, env := range list {
		if env.Name == "" {
			return nil, fmt.Errorf("environment with empty name in %s", path)
		}
		if _, dup := envs[env.Name]; dup {
			return nil, fmt.Errorf("duplicate environment %q in %s", env.Name, path)
		}
		if env.InstanceCount <= 0 {
			env.InstanceCount = 1
		}
		envs[env.Name] = env
	}
	if len(envs) == 0 {
		return nil, fmt.Errorf("no environments defined in %s", path)
	}
	return envs, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
