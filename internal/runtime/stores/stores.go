// Package stores builds the queue, shared stores and stage chain selected by runtime config.
package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/aws-samples/Intelli-Agent-sub000/internal/awsclient"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/config"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/connection"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/delivery"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/dispatch"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/stage"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/state"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/stopsignal"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/sqlitedb"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// Queue is a dispatch queue that can report its depth.
type Queue interface {
	dispatch.Queue
	Depth(ctx context.Context) (int, error)
}

// Bundle holds the backends shared by the edge and the supervisor.
type Bundle struct {
	Backend  config.Backend
	Queue    Queue
	Registry connection.Registry
	Stops    stopsignal.Store
	Ledger   state.Ledger
	// Pusher is set when frames leave through API Gateway. Otherwise the websocket edge
	// supplies its own in-process pusher.
	Pusher delivery.Pusher
	Stages stage.Set

	db *sql.DB
}

// Options customizes Open.
type Options struct {
	OnDeadLetter func(dispatch.DeadLetter)
	// SkipStages leaves Stages empty for processes that never run the pipeline.
	SkipStages bool
}

// Open builds every backend named by cfg.
func Open(ctx context.Context, cfg config.RuntimeConfig, opts Options) (*Bundle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	queueOpts := dispatch.Options{
		MaxAttempts:       cfg.MaxAttempts,
		VisibilityTimeout: cfg.VisibilityTimeout,
		OnDeadLetter:      opts.OnDeadLetter,
	}
	loader := awsclient.NewLoader(cfg.AWSRegion)
	b := &Bundle{Backend: cfg.Backend}

	switch cfg.Backend {
	case config.BackendMemory:
		b.Queue = dispatch.NewMemoryQueue(queueOpts)
		b.Registry = connection.NewMemoryRegistry()
		b.Stops = stopsignal.NewMemoryStore()
		b.Ledger = state.NewMemoryLedger()
	case config.BackendSQLite:
		if err := b.openSQLite(cfg.SQLitePath, queueOpts); err != nil {
			return nil, err
		}
	case config.BackendAWS:
		if err := b.openAWS(ctx, loader, cfg, queueOpts); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported backend: %q", cfg.Backend)
	}

	if !opts.SkipStages {
		set, err := buildStages(ctx, loader, cfg)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.Stages = set
	}
	return b, nil
}

func (b *Bundle) openSQLite(path string, queueOpts dispatch.Options) error {
	db, err := sqlitedb.Open(path)
	if err != nil {
		return err
	}
	b.db = db
	queue, err := dispatch.NewSQLiteQueue(db, queueOpts)
	if err != nil {
		_ = db.Close()
		return err
	}
	stops, err := stopsignal.NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return err
	}
	ledger, err := state.NewSQLiteLedger(db)
	if err != nil {
		_ = db.Close()
		return err
	}
	b.Queue = queue
	b.Stops = stops
	b.Ledger = ledger
	// connections live on the websocket edge of this process
	b.Registry = connection.NewMemoryRegistry()
	return nil
}

func (b *Bundle) openAWS(ctx context.Context, loader *awsclient.Loader, cfg config.RuntimeConfig, queueOpts dispatch.Options) error {
	awsCfg, err := loader.Config(ctx)
	if err != nil {
		return err
	}
	ddb := dynamodb.NewFromConfig(awsCfg)

	queue, err := dispatch.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.SQSQueueURL, cfg.SQSDeadLetterURL, queueOpts)
	if err != nil {
		return err
	}
	registry, err := connection.NewDynamoRegistry(ddb, cfg.DDBConnectionTable)
	if err != nil {
		return err
	}
	stops, err := stopsignal.NewDynamoStore(ddb, cfg.DDBStopTable)
	if err != nil {
		return err
	}
	ledger, err := state.NewDynamoLedger(ddb, cfg.DDBLedgerTable)
	if err != nil {
		return err
	}
	b.Queue = queue
	b.Registry = registry
	b.Stops = stops
	b.Ledger = ledger

	if endpoint := strings.TrimSpace(cfg.APIGatewayEndpoint); endpoint != "" {
		client := apigatewaymanagementapi.NewFromConfig(awsCfg, func(o *apigatewaymanagementapi.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
		pusher, err := delivery.NewAPIGatewayPusher(client)
		if err != nil {
			return err
		}
		b.Pusher = pusher
	}
	return nil
}

func buildStages(ctx context.Context, loader *awsclient.Loader, cfg config.RuntimeConfig) (stage.Set, error) {
	targets := map[stage.Name]string{}
	for name, target := range cfg.StageTargets {
		targets[stage.Name(name)] = target
	}
	switch cfg.StageMode {
	case config.StageModeEcho:
		return stage.EchoSet(), nil
	case config.StageModeHTTP:
		stages, err := stage.NewHTTPStages(stage.HTTPConfig{Endpoints: targets})
		if err != nil {
			return stage.Set{}, err
		}
		return stages.Set(), nil
	case config.StageModeLambda:
		awsCfg, err := loader.Config(ctx)
		if err != nil {
			return stage.Set{}, err
		}
		stages, err := stage.NewLambdaStages(lambda.NewFromConfig(awsCfg), targets)
		if err != nil {
			return stage.Set{}, err
		}
		return stages.Set(), nil
	default:
		return stage.Set{}, fmt.Errorf("unsupported stage mode: %q", cfg.StageMode)
	}
}

// Close releases the queue and any database handle.
func (b *Bundle) Close() error {
	var errs []error
	if b.Queue != nil {
		errs = append(errs, b.Queue.Close())
	}
	if b.db != nil {
		errs = append(errs, b.db.Close())
	}
	return errors.Join(errs...)
}
