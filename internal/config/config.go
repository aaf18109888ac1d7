// Package config loads the immutable worker configuration from the
// environment once at process start.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is built once in main and passed down to every component by
// constructor injection. Nothing below this package reads os.Getenv again.
type Config struct {
	DatabaseURL string
	NATSURL     string

	// SecretKey is the 32-byte key used by the store package to encrypt
	// AgentInstance.api_key and ProjectEnvironmentSecret.value at rest.
	SecretKey [32]byte

	// RemoteExecutionEnabled mirrors USE_REMOTE_EXECUTION; when false no
	// AgentInstance may set use_lambda=true at validation time.
	RemoteExecutionEnabled bool
	AWSLambdaRegion        string
	LambdaAgentFunctionName string
	BedrockModelID         string

	// ProductionMode gates the loopback/RFC1918 rejection in the Input
	// Fetcher's URL validation.
	ProductionMode bool

	// S3Bucket is the bucket the Input Fetcher recognises as
	// "{bucket}.s3.amazonaws.com" without falling back to plain HTTP rules.
	S3Bucket string

	SchedulerScanInterval time.Duration
	WorkerPoolSize        int

	OTelEnabled       bool
	OTelServiceName   string
	OTelOTLPEndpoint  string
	OTelOTLPProtocol  string
	OTelResourceAttrs string

	// APIServerAddr is where the read-only health/metrics/task-lookup HTTP
	// surface listens. An unset or empty AGENTCORE_API_ADDR falls back to
	// ":8080", so the surface always listens.
	APIServerAddr  string
	APIServerToken string
}

// ErrConfig is returned when a required environment variable is missing or
// malformed.
type ErrConfig struct {
	Var string
	Err error
}

func (e *ErrConfig) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %v", e.Var, e.Err)
	}
	return fmt.Sprintf("config: %s is required", e.Var)
}

func (e *ErrConfig) Unwrap() error { return e.Err }

// Load builds the Config from the process environment.
func Load() (*Config, error) {
	databaseURL := getEnv("DATABASE_URL", "")
	if databaseURL == "" {
		return nil, &ErrConfig{Var: "DATABASE_URL"}
	}

	keyStr := getEnv("AGENTCORE_SECRET_KEY", "")
	if keyStr == "" {
		return nil, &ErrConfig{Var: "AGENTCORE_SECRET_KEY"}
	}
	key, err := decodeSecretKey(keyStr)
	if err != nil {
		return nil, &ErrConfig{Var: "AGENTCORE_SECRET_KEY", Err: err}
	}

	scanInterval := 60 * time.Second
	if v := getEnv("AGENTCORE_SCAN_INTERVAL_SECONDS", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, &ErrConfig{Var: "AGENTCORE_SCAN_INTERVAL_SECONDS", Err: err}
		}
		scanInterval = time.Duration(n) * time.Second
	}

	workerPoolSize := 4
	if v := getEnv("AGENTCORE_WORKER_POOL_SIZE", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, &ErrConfig{Var: "AGENTCORE_WORKER_POOL_SIZE", Err: err}
		}
		workerPoolSize = n
	}

	cfg := &Config{
		DatabaseURL:             databaseURL,
		NATSURL:                 getEnv("NATS_URL", "nats://localhost:4222"),
		SecretKey:               key,
		RemoteExecutionEnabled:  strings.EqualFold(getEnv("USE_REMOTE_EXECUTION", ""), "true"),
		AWSLambdaRegion:         getEnv("AWS_LAMBDA_REGION", ""),
		LambdaAgentFunctionName: getEnv("LAMBDA_AGENT_FUNCTION_NAME", ""),
		BedrockModelID:          getEnv("BEDROCK_MODEL_ID", ""),
		ProductionMode:          strings.EqualFold(getEnv("AGENTCORE_PRODUCTION", ""), "true"),
		S3Bucket:                getEnv("AGENTCORE_S3_BUCKET", ""),
		SchedulerScanInterval:   scanInterval,
		WorkerPoolSize:          workerPoolSize,
		OTelEnabled:             strings.EqualFold(getEnv("AGENTCORE_OTEL_ENABLED", ""), "true"),
		OTelServiceName: firstNonEmpty(
			getEnv("AGENTCORE_OTEL_SERVICE_NAME", ""),
			getEnv("OTEL_SERVICE_NAME", ""),
			"agentcore-worker",
		),
		OTelOTLPEndpoint: firstNonEmpty(
			getEnv("AGENTCORE_OTEL_OTLP_ENDPOINT", ""),
			getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		),
		OTelOTLPProtocol: strings.ToLower(firstNonEmpty(
			getEnv("AGENTCORE_OTEL_OTLP_PROTOCOL", ""),
			getEnv("OTEL_EXPORTER_OTLP_PROTOCOL", ""),
			"grpc",
		)),
		OTelResourceAttrs: firstNonEmpty(
			getEnv("AGENTCORE_OTEL_RESOURCE_ATTRIBUTES", ""),
			getEnv("OTEL_RESOURCE_ATTRIBUTES", ""),
		),
		APIServerAddr:  getEnv("AGENTCORE_API_ADDR", ":8080"),
		APIServerToken: getEnv("AGENTCORE_API_TOKEN", ""),
	}

	if cfg.BedrockModelID != "" && !cfg.RemoteExecutionEnabled {
		return nil, &ErrConfig{Var: "USE_REMOTE_EXECUTION", Err: fmt.Errorf("BEDROCK_MODEL_ID is set but remote execution is disabled")}
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
