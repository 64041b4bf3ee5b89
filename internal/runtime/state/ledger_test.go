package state

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aws-samples/Intelli-Agent-sub000/internal/awsclient/awsfake"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/sqlitedb"
)

func ledgers(t *testing.T) map[string]Ledger {
	t.Helper()

	db, err := sqlitedb.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	sqliteLedger, err := NewSQLiteLedger(db)
	require.NoError(t, err)

	dynamoLedger, err := NewDynamoLedger(awsfake.NewDynamoDB(), "ledger")
	require.NoError(t, err)

	return map[string]Ledger{
		"memory": NewMemoryLedger(),
		"sqlite": sqliteLedger,
		"dynamo": dynamoLedger,
	}
}

func TestLedgerDedup(t *testing.T) {
	t.Parallel()

	for name, ledger := range ledgers(t) {
		ledger := ledger
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := Record{SessionID: "s1", MessageID: "m1", Outcome: "COMPLETE", ProcessedAt: time.UnixMilli(42)}

			fresh, err := ledger.MarkProcessed(ctx, rec)
			require.NoError(t, err)
			assert.True(t, fresh)

			rec.Outcome = "CANCELLED"
			fresh, err = ledger.MarkProcessed(ctx, rec)
			require.NoError(t, err)
			assert.False(t, fresh, "second mark must report duplicate")

			got, ok, err := ledger.Lookup(ctx, "s1", "m1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "COMPLETE", got.Outcome, "first outcome wins")
			assert.Equal(t, int64(42), got.ProcessedAt.UnixMilli())

			_, ok, err = ledger.Lookup(ctx, "s2", "m1")
			require.NoError(t, err)
			assert.False(t, ok, "records are scoped by session")
		})
	}
}

func TestLedgerRejectsIncompleteRecords(t *testing.T) {
	t.Parallel()

	for name, ledger := range ledgers(t) {
		ledger := ledger
		t.Run(name, func(t *testing.T) {
			for _, rec := range []Record{
				{MessageID: "m1", Outcome: "COMPLETE"},
				{SessionID: "s1", Outcome: "COMPLETE"},
				{SessionID: "s1", MessageID: "m1"},
			} {
				_, err := ledger.MarkProcessed(context.Background(), rec)
				assert.Error(t, err, "record %+v", rec)
			}
		})
	}
}

func TestMemoryLedgerConcurrentMarkHasOneWinner(t *testing.T) {
	t.Parallel()

	ledger := NewMemoryLedger()
	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fresh, err := ledger.MarkProcessed(context.Background(), Record{SessionID: "s1", MessageID: "m1", Outcome: "COMPLETE"})
			if err == nil && fresh {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}
