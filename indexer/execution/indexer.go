package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/elscout/db"
	"github.com/ethpandaops/elscout/rpc"
	"github.com/ethpandaops/elscout/utils"
)

const (
	IndexerStatusRunning  = "running"
	IndexerStatusDegraded = "degraded"
	IndexerStatusStopped  = "stopped"
)

const (
	retryBaseDelay  = 50 * time.Millisecond
	retryMaxDelay   = 5 * time.Second
	retryMaxRounds  = 5
	rpcOutageWindow = 60 * time.Second
)

var (
	blocksCommittedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "elscout_indexer_blocks_committed_total",
		Help: "Number of committed blocks",
	})
	blocksParkedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "elscout_indexer_blocks_parked",
		Help: "Number of parked blocks",
	})
	blockQueueGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "elscout_indexer_block_queue_length",
		Help: "Number of queued block jobs",
	})
)

// Indexer drives the ingestion: it tracks the network tip, enqueues block
// numbers into a bounded channel and runs the worker pool consuming them.
// The checkpoint only advances over a contiguous run of committed blocks,
// out of order completion is tolerated.
type Indexer struct {
	indexerCtx *IndexerCtx
	logger     logrus.FieldLogger
	processor  *BlockProcessor

	cancel      context.CancelFunc
	workerCount int
	haltChan    chan struct{}
	halted      bool
	queue       chan uint64
	blockSem    chan struct{}
	wg          sync.WaitGroup

	stateMutex     sync.Mutex
	startBlock     uint64
	checkpoint     int64 // highest contiguously committed block, startBlock-1 initially
	tip            uint64
	nextToEnqueue  uint64
	inflight       map[uint64]bool
	completed      map[uint64]bool
	parked         map[uint64]error
	status         string
	rpcOutageSince time.Time
}

// NewIndexer creates a new execution indexer
func NewIndexer(indexerCtx *IndexerCtx, logger logrus.FieldLogger, processor *BlockProcessor) *Indexer {
	workerCount := utils.Config.Indexer.WorkerPoolSize
	if workerCount <= 0 {
		workerCount = 1
	}
	queueMultiplier := utils.Config.Indexer.BlockQueueSizeMultiplier
	if queueMultiplier <= 0 {
		queueMultiplier = 1
	}
	maxConcurrentBlocks := utils.Config.Indexer.MaxConcurrentBlocks
	if maxConcurrentBlocks <= 0 {
		maxConcurrentBlocks = workerCount
	}

	return &Indexer{
		indexerCtx:  indexerCtx,
		logger:      logger,
		processor:   processor,
		workerCount: workerCount,
		haltChan:    make(chan struct{}),
		queue:       make(chan uint64, workerCount*queueMultiplier),
		blockSem:    make(chan struct{}, maxConcurrentBlocks),
		inflight:    map[uint64]bool{},
		completed:   map[uint64]bool{},
		parked:      map[uint64]error{},
		status:      IndexerStatusStopped,
	}
}

// Start resolves the start block, recovers the checkpoint from the store
// and launches the scheduler and worker pool.
func (ix *Indexer) Start() error {
	startBlock, err := ix.resolveStartBlock()
	if err != nil {
		return err
	}
	ix.startBlock = startBlock

	err = ix.recoverCheckpoint()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ix.indexerCtx.Ctx)
	ix.cancel = cancel

	ix.stateMutex.Lock()
	ix.status = IndexerStatusRunning
	ix.nextToEnqueue = uint64(ix.checkpoint + 1)
	ix.stateMutex.Unlock()

	ix.logger.Infof("starting indexer: start_block=%v checkpoint=%v workers=%v queue=%v",
		ix.startBlock, ix.checkpoint, ix.workerCount, cap(ix.queue))

	for i := 0; i < ix.workerCount; i++ {
		ix.wg.Add(1)
		go ix.runWorker(ctx, i)
	}

	ix.wg.Add(1)
	go ix.runScheduler(ctx)

	return nil
}

// Stop stops enqueueing and cancels the scheduler and the workers, which
// aborts the RPC calls of in-flight jobs (a store commit already under way
// still completes), then waits up to the worker timeout for them to return.
// In-flight jobs are not given time to finish before the cancel.
func (ix *Indexer) Stop() {
	ix.stateMutex.Lock()
	ix.status = IndexerStatusStopped
	ix.stateMutex.Unlock()

	if ix.cancel != nil {
		ix.cancel()
	}

	done := make(chan struct{})
	go func() {
		ix.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Duration(utils.Config.Indexer.WorkerTimeoutSeconds) * time.Second):
		ix.logger.Warnf("timeout waiting for workers to finish, aborting")
	}
}

// resolveStartBlock applies the start block policy: a cached value in the
// store wins, otherwise a negative configured value is resolved relative
// to the network tip (clamped at 0) and cached.
func (ix *Indexer) resolveStartBlock() (uint64, error) {
	cachedStartBlock, _, found, err := db.GetStartBlockCache()
	if err != nil {
		return 0, fmt.Errorf("error reading start block cache: %w", err)
	}

	configured := utils.Config.Indexer.StartBlock

	if found {
		if configured != nil && *configured >= 0 && uint64(*configured) != cachedStartBlock {
			ix.logger.Warnf("start block mismatch: store has %v, environment has %v - using store value", cachedStartBlock, *configured)
		}
		ix.logger.Infof("using start block from store: %v", cachedStartBlock)
		return cachedStartBlock, nil
	}

	var startBlock uint64
	switch {
	case configured == nil:
		startBlock = 0
	case *configured >= 0:
		startBlock = uint64(*configured)
	default:
		tip, err := ix.indexerCtx.ExecutionClient.GetLatestBlockNumber(ix.indexerCtx.Ctx)
		if err != nil {
			return 0, fmt.Errorf("error resolving relative start block: %w", err)
		}
		relative := int64(tip) + *configured
		if relative < 0 {
			relative = 0
		}
		startBlock = uint64(relative)
		ix.logger.Infof("resolved START_BLOCK=%v to block %v (tip was %v)", *configured, startBlock, tip)
	}

	err = db.RunDBTransaction(func(tx *sqlx.Tx) error {
		return db.InitStartBlockCache(startBlock, tx)
	})
	if err != nil {
		return 0, fmt.Errorf("error initializing start block cache: %w", err)
	}

	return startBlock, nil
}

// recoverCheckpoint derives the checkpoint as the highest block m with
// all of [start_block..m] present. Committed blocks above the checkpoint
// are primed into the completed set so they are not re-processed; gaps
// below the last indexed block are re-enqueued naturally.
func (ix *Indexer) recoverCheckpoint() error {
	checkpoint := int64(ix.startBlock) - 1

	contiguous, found, err := db.GetHighestContiguousBlock(ix.startBlock)
	if err != nil {
		return fmt.Errorf("error recovering checkpoint: %w", err)
	}
	if found {
		checkpoint = int64(contiguous)
	}

	ix.stateMutex.Lock()
	ix.checkpoint = checkpoint
	ix.stateMutex.Unlock()

	// prime blocks committed out of order before a restart
	latest, hasBlocks, err := db.GetLatestBlockNumber()
	if err != nil {
		return err
	}
	if hasBlocks && int64(latest) > checkpoint {
		missing, err := db.GetMissingBlockNumbers(uint64(checkpoint+1), latest, uint32(latest-uint64(checkpoint+1)+1))
		if err != nil {
			return err
		}
		missingSet := map[uint64]bool{}
		for _, number := range missing {
			missingSet[number] = true
		}
		ix.stateMutex.Lock()
		for number := uint64(checkpoint + 1); number <= latest; number++ {
			if !missingSet[number] {
				ix.completed[number] = true
			}
		}
		ix.stateMutex.Unlock()
	}

	ix.logger.Infof("recovered checkpoint: %v", checkpoint)
	return nil
}

// runScheduler refreshes the tip and fills the block queue.
func (ix *Indexer) runScheduler(ctx context.Context) {
	defer ix.wg.Done()

	fetchInterval := time.Duration(utils.Config.Indexer.BlockFetchIntervalSeconds) * time.Second
	if fetchInterval == 0 {
		fetchInterval = 3 * time.Second
	}
	syncDelay := time.Duration(utils.Config.Indexer.SyncDelaySeconds) * time.Second
	if syncDelay == 0 {
		syncDelay = fetchInterval
	}

	for {
		caughtUp := ix.scheduleBlocks(ctx)

		delay := fetchInterval
		if caughtUp {
			delay = syncDelay
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// scheduleBlocks enqueues all missing block numbers up to the tip as long
// as the bounded queue has room. Returns true when caught up with the
// network.
func (ix *Indexer) scheduleBlocks(ctx context.Context) bool {
	tip, err := ix.indexerCtx.ExecutionClient.GetLatestBlockNumber(ctx)
	if err != nil {
		ix.logger.WithError(err).Warnf("could not refresh network tip")
		ix.noteRpcFailure()
		return false
	}
	ix.noteRpcSuccess()

	ix.stateMutex.Lock()
	ix.tip = tip
	ix.stateMutex.Unlock()

	for {
		ix.stateMutex.Lock()
		next := ix.nextToEnqueue
		if next > tip {
			ix.stateMutex.Unlock()
			return true
		}
		if ix.completed[next] || ix.parked[next] != nil {
			// already committed (out of order before restart) or parked
			ix.nextToEnqueue++
			ix.stateMutex.Unlock()
			ix.advanceCheckpoint()
			continue
		}
		ix.stateMutex.Unlock()

		select {
		case ix.queue <- next:
			ix.stateMutex.Lock()
			ix.inflight[next] = true
			ix.nextToEnqueue++
			ix.stateMutex.Unlock()
			blockQueueGauge.Set(float64(len(ix.queue)))
		case <-ctx.Done():
			return false
		default:
			// queue full, backpressure
			return false
		}
	}
}

// runWorker consumes block jobs, applies the per-job deadline and the
// retry policy and acknowledges the result to the orchestrator state.
func (ix *Indexer) runWorker(ctx context.Context, workerId int) {
	defer ix.wg.Done()

	logger := ix.logger.WithField("worker", workerId)
	workerTimeout := time.Duration(utils.Config.Indexer.WorkerTimeoutSeconds) * time.Second
	if workerTimeout == 0 {
		workerTimeout = 30 * time.Second
	}

	for {
		var blockNumber uint64
		select {
		case <-ctx.Done():
			return
		case blockNumber = <-ix.queue:
		}
		blockQueueGauge.Set(float64(len(ix.queue)))

		select {
		case ix.blockSem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		err := ix.processWithRetries(ctx, logger, blockNumber, workerTimeout)
		<-ix.blockSem

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WithError(err).Errorf("failed to process block %v", blockNumber)
			ix.parkBlock(blockNumber, err)
		} else {
			ix.ackBlock(blockNumber)
		}
	}
}

// processWithRetries retries transient failures with exponential backoff
// (50ms base, x2, cap 5s, 5 attempts). Non retryable errors surface
// immediately.
func (ix *Indexer) processWithRetries(ctx context.Context, logger logrus.FieldLogger, blockNumber uint64, timeout time.Duration) error {
	var lastErr error

	delay := retryBaseDelay
	for attempt := 0; attempt < retryMaxRounds; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > retryMaxDelay {
				delay = retryMaxDelay
			}
		}

		jobCtx, cancel := context.WithTimeout(ctx, timeout)
		err := ix.processor.ProcessBlock(jobCtx, blockNumber)
		cancel()

		if err == nil {
			ix.noteRpcSuccess()
			return nil
		}
		lastErr = err

		if !rpc.IsRetryableError(err) {
			return err
		}
		ix.noteRpcFailure()
		logger.WithError(err).Warnf("transient error processing block %v (attempt %v/%v)", blockNumber, attempt+1, retryMaxRounds)
	}

	return fmt.Errorf("retries exhausted: %w", lastErr)
}

// ackBlock marks a block committed and advances the checkpoint over the
// contiguous run of completed successors.
func (ix *Indexer) ackBlock(blockNumber uint64) {
	blocksCommittedCounter.Inc()

	ix.stateMutex.Lock()
	delete(ix.inflight, blockNumber)
	ix.completed[blockNumber] = true
	ix.stateMutex.Unlock()

	ix.advanceCheckpoint()
}

func (ix *Indexer) advanceCheckpoint() {
	ix.stateMutex.Lock()

	advanced := false
	for ix.completed[uint64(ix.checkpoint+1)] {
		ix.checkpoint++
		delete(ix.completed, uint64(ix.checkpoint))
		advanced = true
	}
	checkpoint := ix.checkpoint
	ix.stateMutex.Unlock()

	if !advanced {
		return
	}

	err := db.RunDBTransaction(func(tx *sqlx.Tx) error {
		return db.SetCheckpoint(uint64(checkpoint), tx)
	})
	if err != nil {
		ix.logger.WithError(err).Errorf("could not persist checkpoint %v", checkpoint)
	}
}

// parkBlock records a block the worker could not commit. The checkpoint
// never advances past a parked block, but subsequent heights keep being
// processed out of order.
func (ix *Indexer) parkBlock(blockNumber uint64, err error) {
	ix.stateMutex.Lock()
	delete(ix.inflight, blockNumber)
	ix.parked[blockNumber] = err
	parkedCount := len(ix.parked)
	if ix.status == IndexerStatusRunning {
		ix.status = IndexerStatusDegraded
	}
	ix.stateMutex.Unlock()

	blocksParkedGauge.Set(float64(parkedCount))
	ix.logger.Warnf("parked block %v (%v blocks parked)", blockNumber, parkedCount)
}

// RetryParkedBlock re-enqueues a parked block on demand.
func (ix *Indexer) RetryParkedBlock(blockNumber uint64) bool {
	ix.stateMutex.Lock()
	if ix.parked[blockNumber] == nil {
		ix.stateMutex.Unlock()
		return false
	}
	delete(ix.parked, blockNumber)
	ix.inflight[blockNumber] = true
	ix.stateMutex.Unlock()

	select {
	case ix.queue <- blockNumber:
		return true
	default:
		ix.stateMutex.Lock()
		delete(ix.inflight, blockNumber)
		ix.parked[blockNumber] = fmt.Errorf("requeue failed: queue full")
		ix.stateMutex.Unlock()
		return false
	}
}

func (ix *Indexer) noteRpcFailure() {
	ix.stateMutex.Lock()
	defer ix.stateMutex.Unlock()

	if ix.rpcOutageSince.IsZero() {
		ix.rpcOutageSince = time.Now()
		return
	}
	if time.Since(ix.rpcOutageSince) > rpcOutageWindow && !ix.halted {
		ix.halted = true
		ix.status = IndexerStatusStopped
		ix.logger.Errorf("rpc endpoints unreachable for more than %v, halting indexer", rpcOutageWindow)
		close(ix.haltChan)
		if ix.cancel != nil {
			ix.cancel()
		}
	}
}

func (ix *Indexer) noteRpcSuccess() {
	ix.stateMutex.Lock()
	ix.rpcOutageSince = time.Time{}
	ix.stateMutex.Unlock()
}

// Halted is closed when the indexer gives up on unreachable endpoints.
// The process is expected to exit non-zero so a supervisor can restart it.
func (ix *Indexer) Halted() <-chan struct{} {
	return ix.haltChan
}

// StatusSnapshot is a consistent view of the indexer state.
type StatusSnapshot struct {
	Status        string
	StartBlock    uint64
	Checkpoint    int64
	Tip           uint64
	InflightCount int
	ParkedCount   int
	QueueLength   int
}

// Status returns a snapshot of the indexer state.
func (ix *Indexer) Status() *StatusSnapshot {
	ix.stateMutex.Lock()
	defer ix.stateMutex.Unlock()

	return &StatusSnapshot{
		Status:        ix.status,
		StartBlock:    ix.startBlock,
		Checkpoint:    ix.checkpoint,
		Tip:           ix.tip,
		InflightCount: len(ix.inflight),
		ParkedCount:   len(ix.parked),
		QueueLength:   len(ix.queue),
	}
}
