package execution

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/elscout/db"
	"github.com/ethpandaops/elscout/dbtypes"
	"github.com/ethpandaops/elscout/types"
	"github.com/ethpandaops/elscout/utils"
)

func initIndexerTestDb(t *testing.T) {
	t.Helper()

	cfg := &types.Config{}
	cfg.Database.Engine = "sqlite"
	cfg.Database.Sqlite.File = filepath.Join(t.TempDir(), "test.db")
	cfg.Indexer.WorkerPoolSize = 2
	cfg.Indexer.BlockQueueSizeMultiplier = 4
	cfg.Indexer.MaxConcurrentBlocks = 2
	cfg.Indexer.WorkerTimeoutSeconds = 5
	utils.Config = cfg

	db.MustInitDB()
	err := db.ApplyEmbeddedDbSchema(-2)
	require.NoError(t, err)

	t.Cleanup(db.MustCloseDB)
}

func newTestIndexer(t *testing.T) *Indexer {
	t.Helper()

	logger, _ := logrustest.NewNullLogger()
	indexerCtx := NewIndexerCtx(context.Background(), logrus.NewEntry(logger), nil, nil)
	return NewIndexer(indexerCtx, logrus.NewEntry(logger), nil)
}

func TestCheckpointAdvancesOverContiguousRun(t *testing.T) {
	initIndexerTestDb(t)

	ix := newTestIndexer(t)
	ix.checkpoint = 199

	// blocks 200 and 202 finish before 201
	ix.ackBlock(200)
	assert.Equal(t, int64(200), ix.Status().Checkpoint)

	ix.ackBlock(202)
	assert.Equal(t, int64(200), ix.Status().Checkpoint, "checkpoint must not move over the gap at 201")

	ix.ackBlock(201)
	assert.Equal(t, int64(202), ix.Status().Checkpoint, "checkpoint must jump over the contiguous run")

	checkpoint, found := db.GetCheckpoint()
	require.True(t, found)
	assert.Equal(t, uint64(202), checkpoint)
}

func TestCheckpointMonotonic(t *testing.T) {
	initIndexerTestDb(t)

	ix := newTestIndexer(t)
	ix.checkpoint = 100

	// a late ack for an already passed height does not move the
	// checkpoint backwards
	ix.ackBlock(95)
	assert.Equal(t, int64(100), ix.Status().Checkpoint)

	ix.ackBlock(101)
	assert.Equal(t, int64(101), ix.Status().Checkpoint)
}

func TestParkedBlockHoldsCheckpoint(t *testing.T) {
	initIndexerTestDb(t)

	ix := newTestIndexer(t)
	ix.checkpoint = 99
	ix.status = IndexerStatusRunning

	ix.parkBlock(100, assert.AnError)
	ix.ackBlock(101)
	ix.ackBlock(102)

	status := ix.Status()
	assert.Equal(t, int64(99), status.Checkpoint, "checkpoint must not advance past a parked block")
	assert.Equal(t, 1, status.ParkedCount)
	assert.Equal(t, IndexerStatusDegraded, status.Status)
}

func TestRetryParkedBlock(t *testing.T) {
	initIndexerTestDb(t)

	ix := newTestIndexer(t)
	ix.parkBlock(100, assert.AnError)

	require.True(t, ix.RetryParkedBlock(100))
	assert.Equal(t, 0, ix.Status().ParkedCount)
	assert.Equal(t, 1, ix.Status().InflightCount)

	// the block is queued again
	select {
	case blockNumber := <-ix.queue:
		assert.Equal(t, uint64(100), blockNumber)
	default:
		t.Fatal("expected block in queue")
	}

	assert.False(t, ix.RetryParkedBlock(100), "retrying a non parked block must fail")
}

func TestRecoverCheckpointFromStore(t *testing.T) {
	initIndexerTestDb(t)

	// blocks 100-102 and 104 committed before restart, 103 missing
	for _, number := range []uint64{100, 101, 102, 104} {
		err := db.RunDBTransaction(func(tx *sqlx.Tx) error {
			return db.InsertBlock(&dbtypes.Block{
				Number:     number,
				Hash:       "0xaa",
				ParentHash: "0xab",
				Timestamp:  1700000000,
			}, tx)
		})
		require.NoError(t, err)
	}

	ix := newTestIndexer(t)
	ix.startBlock = 100
	err := ix.recoverCheckpoint()
	require.NoError(t, err)

	assert.Equal(t, int64(102), ix.Status().Checkpoint)

	// block 104 is primed as completed, so committing 103 advances to 104
	ix.ackBlock(103)
	assert.Equal(t, int64(104), ix.Status().Checkpoint)
}

func TestRecoverCheckpointEmptyStore(t *testing.T) {
	initIndexerTestDb(t)

	ix := newTestIndexer(t)
	ix.startBlock = 100
	err := ix.recoverCheckpoint()
	require.NoError(t, err)

	assert.Equal(t, int64(99), ix.Status().Checkpoint)
}
