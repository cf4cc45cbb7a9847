package services

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/elscout/db"
	"github.com/ethpandaops/elscout/indexer/execution"
)

// StatsSnapshot holds the derived counters served to the read api. A
// snapshot is immutable; readers always get a consistent view without
// blocking the ingestion writers.
type StatsSnapshot struct {
	SnapshotId uint64

	LatestIndexedBlock int64
	TotalIndexedBlocks uint64
	TotalIndexedTxs    uint64
	TotalDeclaredTxs   uint64
	TotalBlockchainTxs *uint64
	TxCountIsEstimate  bool
	TotalAccounts      uint64
	TotalTokens        uint64
	StartBlock         uint64
	NetworkTip         uint64
	SyncPercentage     float64
	IndexerStatus      string
	ParkedBlocks       int
}

// StatsService periodically recomputes the counters from the store and
// the indexer state and caches the result in memory.
type StatsService struct {
	logger        logrus.FieldLogger
	indexer       *execution.Indexer
	txCountSource TxCountSource

	snapshot atomic.Pointer[StatsSnapshot]
}

var GlobalStatsService *StatsService

// StartStatsService is used to start the global stats service
func StartStatsService(ctx context.Context, logger logrus.FieldLogger, indexer *execution.Indexer) *StatsService {
	if GlobalStatsService != nil {
		return GlobalStatsService
	}

	GlobalStatsService = &StatsService{
		logger:        logger,
		indexer:       indexer,
		txCountSource: NewTxCountSource(logger),
	}
	GlobalStatsService.snapshot.Store(&StatsSnapshot{IndexerStatus: execution.IndexerStatusStopped})

	go GlobalStatsService.runRefreshLoop(ctx)

	return GlobalStatsService
}

// GetSnapshot returns the latest stats snapshot.
func (ss *StatsService) GetSnapshot() *StatsSnapshot {
	return ss.snapshot.Load()
}

func (ss *StatsService) runRefreshLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}

		snapshot, err := ss.computeSnapshot()
		if err != nil {
			ss.logger.WithError(err).Warnf("could not recompute stats")
			continue
		}
		ss.snapshot.Store(snapshot)
	}
}

func (ss *StatsService) computeSnapshot() (*StatsSnapshot, error) {
	previous := ss.snapshot.Load()
	snapshot := &StatsSnapshot{
		SnapshotId: previous.SnapshotId + 1,
	}

	indexerStatus := ss.indexer.Status()
	snapshot.IndexerStatus = indexerStatus.Status
	snapshot.StartBlock = indexerStatus.StartBlock
	snapshot.NetworkTip = indexerStatus.Tip
	snapshot.ParkedBlocks = indexerStatus.ParkedCount
	snapshot.LatestIndexedBlock = indexerStatus.Checkpoint

	blockCount, err := db.GetBlockCount()
	if err != nil {
		return nil, err
	}
	snapshot.TotalIndexedBlocks = blockCount

	txCount, err := db.GetTransactionCount()
	if err != nil {
		return nil, err
	}
	snapshot.TotalIndexedTxs = txCount

	declaredTxCount, err := db.GetDeclaredTransactionCount()
	if err != nil {
		return nil, err
	}
	snapshot.TotalDeclaredTxs = declaredTxCount

	accountCount, err := db.GetAccountCount()
	if err != nil {
		return nil, err
	}
	snapshot.TotalAccounts = accountCount

	tokenCount, err := db.GetTokenCount()
	if err != nil {
		return nil, err
	}
	snapshot.TotalTokens = tokenCount

	if indexerStatus.Tip > indexerStatus.StartBlock {
		indexable := float64(indexerStatus.Tip - indexerStatus.StartBlock + 1)
		indexed := float64(indexerStatus.Checkpoint - int64(indexerStatus.StartBlock) + 1)
		if indexed < 0 {
			indexed = 0
		}
		snapshot.SyncPercentage = indexed / indexable * 100
	}

	// historical tx count before the start block + indexed since; the
	// lookup is cached in the store and tolerated to stay null
	historicalTxCount := ss.resolveHistoricalTxCount(indexerStatus.StartBlock)
	if historicalTxCount != nil {
		totalTxs := *historicalTxCount + txCount
		snapshot.TotalBlockchainTxs = &totalTxs
		snapshot.TxCountIsEstimate = true
	}

	return snapshot, nil
}

func (ss *StatsService) resolveHistoricalTxCount(startBlock uint64) *uint64 {
	if startBlock == 0 {
		zero := uint64(0)
		return &zero
	}

	_, cached, found, err := db.GetStartBlockCache()
	if err != nil {
		ss.logger.WithError(err).Debugf("could not read start block cache")
		return nil
	}
	if found && cached != nil {
		return cached
	}

	count, _, err := ss.txCountSource.GetTransactionCountBefore(startBlock)
	if err != nil {
		ss.logger.WithError(err).Debugf("could not resolve historical transaction count")
		return nil
	}

	if found {
		err = db.RunDBTransaction(func(tx *sqlx.Tx) error {
			return db.SetHistoricalTransactionCount(startBlock, count, tx)
		})
		if err != nil {
			ss.logger.WithError(err).Debugf("could not cache historical transaction count")
		}
	}

	return &count
}
