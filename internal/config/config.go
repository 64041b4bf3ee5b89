package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Backend selects the durable store family used by the queue and shared stores.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendSQLite Backend = "sqlite"
	BackendAWS    Backend = "aws"
)

// StageMode selects how stage functions are invoked.
type StageMode string

// StageCallsPerRun is the most sequential stage calls one run makes: preprocess, intention,
// agent and generate. Each is bounded by the stage timeout.
const StageCallsPerRun = 4

const (
	StageModeEcho   StageMode = "echo"
	StageModeHTTP   StageMode = "http"
	StageModeLambda StageMode = "lambda"
)

const (
	EnvBackend               = "INTELLI_BACKEND"
	EnvSQLitePath            = "INTELLI_SQLITE_PATH"
	EnvLanes                 = "INTELLI_LANES"
	EnvLaneQueueCapacity     = "INTELLI_LANE_QUEUE_CAPACITY"
	EnvMaxAttempts           = "INTELLI_MAX_ATTEMPTS"
	EnvVisibilityTimeoutMS   = "INTELLI_VISIBILITY_TIMEOUT_MS"
	EnvStageTimeoutMS        = "INTELLI_STAGE_TIMEOUT_MS"
	EnvRetryBaseMS           = "INTELLI_RETRY_BASE_MS"
	EnvRetryMaxMS            = "INTELLI_RETRY_MAX_MS"
	EnvMaxAgentIterations    = "INTELLI_MAX_AGENT_ITERATIONS"
	EnvListenAddr            = "INTELLI_LISTEN_ADDR"
	EnvConnectionIdleMS      = "INTELLI_CONNECTION_IDLE_TIMEOUT_MS"
	EnvLogLevel              = "INTELLI_LOG_LEVEL"
	EnvAWSRegion             = "INTELLI_AWS_REGION"
	EnvSQSQueueURL           = "INTELLI_SQS_QUEUE_URL"
	EnvSQSDeadLetterQueueURL = "INTELLI_SQS_DLQ_URL"
	EnvDDBStopTable          = "INTELLI_DDB_STOP_TABLE"
	EnvDDBConnectionTable    = "INTELLI_DDB_CONNECTION_TABLE"
	EnvDDBLedgerTable        = "INTELLI_DDB_LEDGER_TABLE"
	EnvAPIGatewayEndpoint    = "INTELLI_APIGW_ENDPOINT"
	EnvStageMode             = "INTELLI_STAGE_MODE"
)

// Stage names used for INTELLI_STAGE_<NAME>_TARGET lookups.
var StageNames = []string{"preprocess", "intention", "agent", "generate", "tool"}

// RuntimeConfig captures env-configured runtime settings.
type RuntimeConfig struct {
	Backend            Backend
	SQLitePath         string
	Lanes              int
	LaneQueueCapacity  int
	MaxAttempts        int
	VisibilityTimeout  time.Duration
	StageTimeout       time.Duration
	RetryBase          time.Duration
	RetryMax           time.Duration
	MaxAgentIterations int
	ListenAddr         string
	ConnectionIdle     time.Duration
	LogLevel           string

	AWSRegion          string
	SQSQueueURL        string
	SQSDeadLetterURL   string
	DDBStopTable       string
	DDBConnectionTable string
	DDBLedgerTable     string
	APIGatewayEndpoint string

	StageMode    StageMode
	StageTargets map[string]string
}

// Default returns the runtime defaults.
func Default() RuntimeConfig {
	return RuntimeConfig{
		Backend:            BackendMemory,
		SQLitePath:         "intelli-agent.db",
		Lanes:              8,
		LaneQueueCapacity:  16,
		MaxAttempts:        50,
		VisibilityTimeout:  15 * time.Minute,
		StageTimeout:       2 * time.Minute,
		RetryBase:          time.Second,
		RetryMax:           5 * time.Minute,
		MaxAgentIterations: 5,
		ListenAddr:         ":8080",
		ConnectionIdle:     10 * time.Minute,
		LogLevel:           "info",
		AWSRegion:          "us-east-1",
		StageMode:          StageModeEcho,
		StageTargets:       map[string]string{},
	}
}

// RuntimeConfigFromEnv parses runtime config using getenv, falling back to defaults.
func RuntimeConfigFromEnv(getenv func(string) string) (RuntimeConfig, error) {
	if getenv == nil {
		return RuntimeConfig{}, fmt.Errorf("getenv is required")
	}
	cfg := Default()
	lookup := func(key string) string { return strings.TrimSpace(getenv(key)) }

	if raw := lookup(EnvBackend); raw != "" {
		cfg.Backend = Backend(strings.ToLower(raw))
	}
	if raw := lookup(EnvSQLitePath); raw != "" {
		cfg.SQLitePath = raw
	}
	if raw := lookup(EnvListenAddr); raw != "" {
		cfg.ListenAddr = raw
	}
	if raw := lookup(EnvLogLevel); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := lookup(EnvAWSRegion); raw != "" {
		cfg.AWSRegion = raw
	} else if raw := lookup("AWS_REGION"); raw != "" {
		cfg.AWSRegion = raw
	}
	cfg.SQSQueueURL = lookup(EnvSQSQueueURL)
	cfg.SQSDeadLetterURL = lookup(EnvSQSDeadLetterQueueURL)
	cfg.DDBStopTable = lookup(EnvDDBStopTable)
	cfg.DDBConnectionTable = lookup(EnvDDBConnectionTable)
	cfg.DDBLedgerTable = lookup(EnvDDBLedgerTable)
	cfg.APIGatewayEndpoint = lookup(EnvAPIGatewayEndpoint)
	if raw := lookup(EnvStageMode); raw != "" {
		cfg.StageMode = StageMode(strings.ToLower(raw))
	}
	for _, name := range StageNames {
		if target := lookup(StageTargetEnv(name)); target != "" {
			cfg.StageTargets[name] = target
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{EnvLanes, &cfg.Lanes},
		{EnvLaneQueueCapacity, &cfg.LaneQueueCapacity},
		{EnvMaxAttempts, &cfg.MaxAttempts},
		{EnvMaxAgentIterations, &cfg.MaxAgentIterations},
	}
	for _, entry := range ints {
		raw := lookup(entry.key)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return RuntimeConfig{}, fmt.Errorf("%s must be integer >=1", entry.key)
		}
		*entry.dst = v
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{EnvVisibilityTimeoutMS, &cfg.VisibilityTimeout},
		{EnvStageTimeoutMS, &cfg.StageTimeout},
		{EnvRetryBaseMS, &cfg.RetryBase},
		{EnvRetryMaxMS, &cfg.RetryMax},
		{EnvConnectionIdleMS, &cfg.ConnectionIdle},
	}
	for _, entry := range durations {
		raw := lookup(entry.key)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return RuntimeConfig{}, fmt.Errorf("%s must be integer >=1", entry.key)
		}
		*entry.dst = time.Duration(v) * time.Millisecond
	}

	if err := cfg.Validate(); err != nil {
		return RuntimeConfig{}, err
	}
	return cfg, nil
}

// StageTargetEnv returns the env key naming a stage's endpoint or function.
func StageTargetEnv(stage string) string {
	return "INTELLI_STAGE_" + strings.ToUpper(stage) + "_TARGET"
}

// Validate enforces backend and stage-mode specific requirements.
func (c RuntimeConfig) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("%s is required for sqlite backend", EnvSQLitePath)
		}
	case BackendAWS:
		missing := make([]string, 0, 5)
		if c.SQSQueueURL == "" {
			missing = append(missing, EnvSQSQueueURL)
		}
		if c.SQSDeadLetterURL == "" {
			missing = append(missing, EnvSQSDeadLetterQueueURL)
		}
		if c.DDBStopTable == "" {
			missing = append(missing, EnvDDBStopTable)
		}
		if c.DDBConnectionTable == "" {
			missing = append(missing, EnvDDBConnectionTable)
		}
		if c.DDBLedgerTable == "" {
			missing = append(missing, EnvDDBLedgerTable)
		}
		if len(missing) > 0 {
			return fmt.Errorf("aws backend requires %s", strings.Join(missing, ", "))
		}
	default:
		return fmt.Errorf("unsupported backend: %q", c.Backend)
	}

	switch c.StageMode {
	case StageModeEcho:
	case StageModeHTTP, StageModeLambda:
		for _, name := range []string{"preprocess", "intention", "agent", "generate"} {
			if c.StageTargets[name] == "" {
				return fmt.Errorf("%s is required for stage mode %s", StageTargetEnv(name), c.StageMode)
			}
		}
	default:
		return fmt.Errorf("unsupported stage mode: %q", c.StageMode)
	}

	if c.Lanes < 1 || c.MaxAttempts < 1 || c.MaxAgentIterations < 1 {
		return fmt.Errorf("lanes, max attempts, and max agent iterations must be >=1")
	}
	if c.RetryMax < c.RetryBase {
		return fmt.Errorf("%s must be >= %s", EnvRetryMaxMS, EnvRetryBaseMS)
	}
	if c.VisibilityTimeout <= StageCallsPerRun*c.StageTimeout {
		return fmt.Errorf("%s must exceed %d x %s", EnvVisibilityTimeoutMS, StageCallsPerRun, EnvStageTimeoutMS)
	}
	return nil
}
