package stores

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws-samples/Intelli-Agent-sub000/api/chat"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/config"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/dispatch"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/stage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMemoryBundle(t *testing.T) {
	t.Parallel()

	b, err := Open(context.Background(), config.Default(), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	assert.Equal(t, config.BackendMemory, b.Backend)
	assert.NotNil(t, b.Registry)
	assert.Nil(t, b.Pusher)
	require.NoError(t, b.Stages.Validate())
}

func TestOpenSQLiteBundleSharesOneDatabase(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Backend = config.BackendSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "nested", "runtime.db")

	b, err := Open(context.Background(), cfg, Options{SkipStages: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	ctx := context.Background()
	require.NoError(t, b.Queue.Enqueue(ctx, dispatch.QueuedMessage{
		MessageID: "m1", SessionID: "s1", UserID: "u1", Role: chat.RoleEndUser, Payload: json.RawMessage(`"hi"`),
	}))
	depth, err := b.Queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	require.NoError(t, b.Stops.SetStop(ctx, "s1", chat.RoleEndUser))
	stopped, err := b.Stops.IsStopped(ctx, "s1", chat.RoleEndUser)
	require.NoError(t, err)
	assert.True(t, stopped)
	assert.Nil(t, b.Stages.Generator)
}

func TestOpenHTTPStageMode(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.StageMode = config.StageModeHTTP
	cfg.StageTargets = map[string]string{
		"preprocess": "http://stages/preprocess",
		"intention":  "http://stages/intention",
		"agent":      "http://stages/agent",
		"generate":   "http://stages/generate",
		"tool":       "http://stages/tool",
	}
	b, err := Open(context.Background(), cfg, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	_, ok := b.Stages.Generator.(*stage.HTTPStages)
	assert.True(t, ok)
	assert.NotNil(t, b.Stages.Tools)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Backend = config.BackendAWS
	cfg.VisibilityTimeout = time.Hour
	_, err := Open(context.Background(), cfg, Options{})
	require.Error(t, err)
}
