package execution

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/ethpandaops/elscout/db"
	"github.com/ethpandaops/elscout/dbtypes"
	"github.com/ethpandaops/elscout/utils"
)

var balanceOfCallData = crypto.Keccak256([]byte("balanceOf(address)"))[:4]

const zeroAddress = "0x0000000000000000000000000000000000000000"

// BalanceIndexer refreshes token balances for (account, token) pairs
// touched by transfers. Refreshes run in the background after the block
// commit, bounded by a global concurrency cap and a minimum interval.
// Failures are swallowed with a warning; the pair is re-attempted on the
// next touch.
type BalanceIndexer struct {
	indexerCtx *IndexerCtx
	logger     logrus.FieldLogger

	queue   chan balanceRefreshJob
	limiter *rate.Limiter

	pendingMutex sync.Mutex
	pending      map[string]bool

	wg sync.WaitGroup
}

type balanceRefreshJob struct {
	accountAddress string
	tokenAddress   string
	blockNumber    uint64
}

// NewBalanceIndexer creates a new balance indexer
func NewBalanceIndexer(indexerCtx *IndexerCtx, logger logrus.FieldLogger) *BalanceIndexer {
	limit := rate.Inf
	if utils.Config.TokenService.BalanceUpdateIntervalMs > 0 {
		limit = rate.Every(time.Duration(utils.Config.TokenService.BalanceUpdateIntervalMs) * time.Millisecond)
	}

	return &BalanceIndexer{
		indexerCtx: indexerCtx,
		logger:     logger,
		queue:      make(chan balanceRefreshJob, 10000),
		limiter:    rate.NewLimiter(limit, 1),
		pending:    map[string]bool{},
	}
}

// Start launches the refresh workers and the stale balance sweeper.
func (bi *BalanceIndexer) Start() {
	workerCount := utils.Config.Indexer.MaxConcurrentBalanceFetches
	if workerCount <= 0 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		bi.wg.Add(1)
		go bi.runRefreshWorker()
	}

	bi.wg.Add(1)
	go bi.runStaleSweeper()
}

// Stop waits for the refresh workers and the stale sweeper to return. They
// exit once the indexer context is cancelled; jobs still queued are not
// processed.
func (bi *BalanceIndexer) Stop() {
	bi.wg.Wait()
}

// ScheduleRefresh queues a balance refresh for an (account, token) pair.
// Duplicate pending pairs and the zero address are skipped. A full queue
// drops the job; the pair is retried on its next touch.
func (bi *BalanceIndexer) ScheduleRefresh(accountAddress string, tokenAddress string, blockNumber uint64) {
	if accountAddress == zeroAddress {
		return
	}

	pairKey := accountAddress + "/" + tokenAddress
	bi.pendingMutex.Lock()
	if bi.pending[pairKey] {
		bi.pendingMutex.Unlock()
		return
	}
	bi.pending[pairKey] = true
	bi.pendingMutex.Unlock()

	select {
	case bi.queue <- balanceRefreshJob{accountAddress: accountAddress, tokenAddress: tokenAddress, blockNumber: blockNumber}:
	default:
		bi.clearPending(pairKey)
		bi.logger.Warnf("balance refresh queue full, dropping %v", pairKey)
	}
}

func (bi *BalanceIndexer) clearPending(pairKey string) {
	bi.pendingMutex.Lock()
	delete(bi.pending, pairKey)
	bi.pendingMutex.Unlock()
}

func (bi *BalanceIndexer) runRefreshWorker() {
	defer bi.wg.Done()

	for {
		select {
		case <-bi.indexerCtx.Ctx.Done():
			return
		case job := <-bi.queue:
			err := bi.limiter.Wait(bi.indexerCtx.Ctx)
			if err != nil {
				return
			}
			bi.refreshBalance(&job)
			bi.clearPending(job.accountAddress + "/" + job.tokenAddress)
		}
	}
}

func (bi *BalanceIndexer) refreshBalance(job *balanceRefreshJob) {
	balance, err := bi.fetchTokenBalance(bi.indexerCtx.Ctx, job.tokenAddress, job.accountAddress, job.blockNumber)
	if err != nil {
		bi.logger.WithError(err).Warnf("could not fetch balance of %v for token %v", job.accountAddress, job.tokenAddress)
		return
	}

	err = db.RunDBTransaction(func(tx *sqlx.Tx) error {
		return db.UpsertTokenBalance(&dbtypes.TokenBalance{
			AccountAddress:   job.accountAddress,
			TokenAddress:     job.tokenAddress,
			Balance:          balance,
			BlockNumber:      job.blockNumber,
			LastUpdatedBlock: job.blockNumber,
		}, tx)
	})
	if err != nil {
		bi.logger.WithError(err).Warnf("could not store balance of %v for token %v", job.accountAddress, job.tokenAddress)
	}
}

// fetchTokenBalance calls balanceOf(account) on the token contract at the
// given block tag.
func (bi *BalanceIndexer) fetchTokenBalance(ctx context.Context, tokenAddress string, accountAddress string, blockNumber uint64) (string, error) {
	callData := make([]byte, 4+32)
	copy(callData, balanceOfCallData)
	copy(callData[4+12:], common.HexToAddress(accountAddress).Bytes())

	result, err := bi.indexerCtx.ExecutionClient.Call(ctx, common.HexToAddress(tokenAddress), callData, new(big.Int).SetUint64(blockNumber))
	if err != nil {
		return "", err
	}
	return uint256FromData(result, 0).String(), nil
}

// runStaleSweeper periodically re-schedules balances whose last refresh
// is older than the stale threshold.
func (bi *BalanceIndexer) runStaleSweeper() {
	defer bi.wg.Done()

	sweepInterval := 5 * time.Minute
	refreshDelay := time.Duration(utils.Config.TokenService.RefreshIntervalMs) * time.Millisecond

	for {
		select {
		case <-bi.indexerCtx.Ctx.Done():
			return
		case <-time.After(sweepInterval):
		}

		currentBlock, found, err := db.GetLatestBlockNumber()
		if err != nil || !found {
			continue
		}

		// ~1 day of blocks
		staleAge := uint64(7200)
		if currentBlock < staleAge {
			continue
		}

		staleBalances, err := db.GetStaleTokenBalances(currentBlock-staleAge, 100)
		if err != nil {
			bi.logger.WithError(err).Warnf("could not fetch stale token balances")
			continue
		}

		for _, balance := range staleBalances {
			bi.ScheduleRefresh(balance.AccountAddress, balance.TokenAddress, currentBlock)
			if refreshDelay > 0 {
				select {
				case <-bi.indexerCtx.Ctx.Done():
					return
				case <-time.After(refreshDelay):
				}
			}
		}
	}
}
