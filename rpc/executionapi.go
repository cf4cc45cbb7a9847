package rpc

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/elscout/utils"
)

var logger = logrus.StandardLogger().WithField("module", "rpc")

// ExecutionClient provides typed access to the execution layer JSON-RPC.
// All calls go through the shared execution call gate.
type ExecutionClient struct {
	name        string
	endpoint    string
	rpcClient   *gethrpc.Client
	ethClient   *ethclient.Client
	gate        *CallGate
	batchSize   int
	callTimeout time.Duration

	chainId *big.Int
	signer  ethtypes.Signer
}

// NewExecutionClient is used to create a new execution client
func NewExecutionClient(name string, endpoint string, gate *CallGate) *ExecutionClient {
	batchSize := utils.Config.ExecutionApi.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}
	callTimeout := time.Duration(utils.Config.Indexer.WorkerTimeoutSeconds) * time.Second
	if callTimeout == 0 {
		callTimeout = 30 * time.Second
	}

	return &ExecutionClient{
		name:        name,
		endpoint:    endpoint,
		gate:        gate,
		batchSize:   batchSize,
		callTimeout: callTimeout,
	}
}

func (ec *ExecutionClient) Initialize(ctx context.Context) error {
	if ec.ethClient != nil {
		return nil
	}

	rpcClient, err := gethrpc.DialContext(ctx, ec.endpoint)
	if err != nil {
		return err
	}

	ec.rpcClient = rpcClient
	ec.ethClient = ethclient.NewClient(rpcClient)

	chainId, err := ec.ethClient.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("error fetching chain id: %w", err)
	}
	ec.chainId = chainId
	ec.signer = ethtypes.LatestSignerForChainID(chainId)

	return nil
}

func (ec *ExecutionClient) GetChainId() *big.Int {
	return ec.chainId
}

// TransactionSender recovers the sender address of a mined transaction.
func (ec *ExecutionClient) TransactionSender(tx *ethtypes.Transaction) (common.Address, error) {
	return ethtypes.Sender(ec.signer, tx)
}

// acquire wraps the call gate and the per-call deadline.
func (ec *ExecutionClient) acquire(ctx context.Context) (context.Context, func(), error) {
	release, err := ec.gate.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, ec.callTimeout)
	return callCtx, func() {
		cancel()
		release()
	}, nil
}

func (ec *ExecutionClient) noteErr(err error) {
	if IsRateLimitError(err) {
		logger.WithField("client", ec.name).Warnf("upstream rate limit hit, slowing down execution requests")
		ec.gate.Slowdown(30 * time.Second)
	}
}

func (ec *ExecutionClient) GetLatestBlockNumber(ctx context.Context) (uint64, error) {
	callCtx, done, err := ec.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer done()

	blockNumber, err := ec.ethClient.BlockNumber(callCtx)
	if err != nil {
		ec.noteErr(err)
		return 0, err
	}
	return blockNumber, nil
}

// GetBlockByNumber fetches a block with full transaction bodies. Returns
// ErrNotFound when the endpoint does not know the block.
func (ec *ExecutionClient) GetBlockByNumber(ctx context.Context, number uint64) (*ethtypes.Block, error) {
	callCtx, done, err := ec.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	t0 := time.Now()
	block, err := ec.ethClient.BlockByNumber(callCtx, new(big.Int).SetUint64(number))
	logger.WithField("client", ec.name).Debugf("RPC call eth_getBlockByNumber(%v) [%v ms]", number, time.Since(t0).Milliseconds())
	if err != nil {
		if err == ethereum.NotFound {
			return nil, fmt.Errorf("block %v: %w", number, ErrNotFound)
		}
		ec.noteErr(err)
		return nil, err
	}
	return block, nil
}

// GetBlockReceipts fetches all receipts of a block. It prefers the
// eth_getBlockReceipts endpoint and falls back to batched
// eth_getTransactionReceipt calls when the method is not supported.
func (ec *ExecutionClient) GetBlockReceipts(ctx context.Context, number uint64, txHashes []common.Hash) ([]*ethtypes.Receipt, error) {
	callCtx, done, err := ec.acquire(ctx)
	if err != nil {
		return nil, err
	}

	receipts, err := ec.ethClient.BlockReceipts(callCtx, gethrpc.BlockNumberOrHashWithNumber(gethrpc.BlockNumber(number)))
	done()
	if err == nil {
		return receipts, nil
	}
	if !IsMethodNotFoundError(err) {
		ec.noteErr(err)
		return nil, err
	}

	logger.WithField("client", ec.name).Debugf("eth_getBlockReceipts not supported, falling back to per-tx receipts")
	return ec.getTransactionReceiptsBatched(ctx, txHashes)
}

func (ec *ExecutionClient) getTransactionReceiptsBatched(ctx context.Context, txHashes []common.Hash) ([]*ethtypes.Receipt, error) {
	receipts := make([]*ethtypes.Receipt, len(txHashes))

	// cap the number of in-flight receipt requests; the call gate still
	// bounds the total rpc traffic across all workers
	maxInflight := utils.Config.Indexer.MaxConcurrentTxReceipts / ec.batchSize
	if maxInflight <= 0 {
		maxInflight = 1
	}
	semaphore := make(chan struct{}, maxInflight)

	var wg sync.WaitGroup
	var errMutex sync.Mutex
	var firstErr error

	for chunkStart := 0; chunkStart < len(txHashes); chunkStart += ec.batchSize {
		chunkEnd := chunkStart + ec.batchSize
		if chunkEnd > len(txHashes) {
			chunkEnd = len(txHashes)
		}
		chunk := txHashes[chunkStart:chunkEnd]

		batch := make([]gethrpc.BatchElem, len(chunk))
		for i, txHash := range chunk {
			receipt := &ethtypes.Receipt{}
			receipts[chunkStart+i] = receipt
			batch[i] = gethrpc.BatchElem{
				Method: "eth_getTransactionReceipt",
				Args:   []interface{}{txHash},
				Result: receipt,
			}
		}

		wg.Add(1)
		go func(batch []gethrpc.BatchElem, chunk []common.Hash) {
			defer wg.Done()

			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			callCtx, done, err := ec.acquire(ctx)
			if err == nil {
				err = ec.rpcClient.BatchCallContext(callCtx, batch)
				done()
			}
			if err == nil {
				for i := range batch {
					if batch[i].Error != nil {
						err = fmt.Errorf("error fetching receipt %v: %w", chunk[i].Hex(), batch[i].Error)
						break
					}
				}
			}
			if err != nil {
				ec.noteErr(err)
				errMutex.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMutex.Unlock()
			}
		}(batch, chunk)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return receipts, nil
}

// GetTransactionReceipt fetches a single receipt.
func (ec *ExecutionClient) GetTransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	callCtx, done, err := ec.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	receipt, err := ec.ethClient.TransactionReceipt(callCtx, txHash)
	if err != nil {
		if err == ethereum.NotFound {
			return nil, fmt.Errorf("receipt %v: %w", txHash.Hex(), ErrNotFound)
		}
		ec.noteErr(err)
		return nil, err
	}
	return receipt, nil
}

// GetBalance fetches an account balance at the given block, or at the
// latest block when blockNumber is nil.
func (ec *ExecutionClient) GetBalance(ctx context.Context, address common.Address, blockNumber *big.Int) (*big.Int, error) {
	callCtx, done, err := ec.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	balance, err := ec.ethClient.BalanceAt(callCtx, address, blockNumber)
	if err != nil {
		ec.noteErr(err)
		return nil, err
	}
	return balance, nil
}

// GetCode fetches the contract code of an address. An empty result means
// the address is an externally owned account.
func (ec *ExecutionClient) GetCode(ctx context.Context, address common.Address, blockNumber *big.Int) ([]byte, error) {
	callCtx, done, err := ec.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	code, err := ec.ethClient.CodeAt(callCtx, address, blockNumber)
	if err != nil {
		ec.noteErr(err)
		return nil, err
	}
	return code, nil
}

// Call performs a read-only contract call.
func (ec *ExecutionClient) Call(ctx context.Context, to common.Address, data []byte, blockNumber *big.Int) ([]byte, error) {
	callCtx, done, err := ec.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	result, err := ec.ethClient.CallContract(callCtx, ethereum.CallMsg{
		To:   &to,
		Data: data,
	}, blockNumber)
	if err != nil {
		ec.noteErr(err)
		return nil, err
	}
	return result, nil
}
