package execution

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/elscout/db"
	"github.com/ethpandaops/elscout/dbtypes"
	"github.com/ethpandaops/elscout/rpc"
	"github.com/ethpandaops/elscout/utils"
)

// ErrReorgDetected marks a parent hash mismatch that could not be resolved
// by re-ingesting the predecessor block.
var ErrReorgDetected = errors.New("reorg detected")

// BlockProcessor transforms a block number into one atomic store commit.
type BlockProcessor struct {
	indexerCtx     *IndexerCtx
	logger         logrus.FieldLogger
	tokenIndexer   *TokenIndexer
	balanceIndexer *BalanceIndexer
}

// NewBlockProcessor creates a new block processor
func NewBlockProcessor(indexerCtx *IndexerCtx, logger logrus.FieldLogger, tokenIndexer *TokenIndexer, balanceIndexer *BalanceIndexer) *BlockProcessor {
	return &BlockProcessor{
		indexerCtx:     indexerCtx,
		logger:         logger,
		tokenIndexer:   tokenIndexer,
		balanceIndexer: balanceIndexer,
	}
}

// ProcessBlock ingests a block. When the fetched block's parent hash does
// not match the stored predecessor, the predecessor is re-ingested first
// (single level reorg handling); deeper inconsistencies surface as
// ErrReorgDetected after 3 rounds.
func (bp *BlockProcessor) ProcessBlock(ctx context.Context, blockNumber uint64) error {
	for round := 0; round < 3; round++ {
		reorgBlock, err := bp.processBlock(ctx, blockNumber)
		if err != nil {
			return err
		}
		if reorgBlock == nil {
			return nil
		}

		bp.logger.Warnf("parent hash mismatch at block %v, re-ingesting block %v", blockNumber, *reorgBlock)
		_, err = bp.processBlock(ctx, *reorgBlock)
		if err != nil {
			return fmt.Errorf("error re-ingesting block %v after reorg: %w", *reorgBlock, err)
		}
	}

	return fmt.Errorf("block %v still inconsistent after 3 rounds: %w", blockNumber, ErrReorgDetected)
}

// processBlock performs one ingestion attempt. It returns the predecessor
// block number when a parent hash mismatch is detected.
func (bp *BlockProcessor) processBlock(ctx context.Context, blockNumber uint64) (*uint64, error) {
	block, err := bp.indexerCtx.ExecutionClient.GetBlockByNumber(ctx, blockNumber)
	if err != nil {
		return nil, fmt.Errorf("error fetching block %v: %w", blockNumber, err)
	}

	// reorg check against the stored predecessor
	if blockNumber > 0 {
		storedParent, err := db.GetBlock(blockNumber - 1)
		if err != nil {
			return nil, fmt.Errorf("error loading stored block %v: %w", blockNumber-1, err)
		}
		if storedParent != nil && !strings.EqualFold(storedParent.Hash, block.ParentHash().Hex()) {
			parentNumber := blockNumber - 1
			return &parentNumber, nil
		}
	}

	blockData, err := bp.collectBlockData(ctx, block)
	if err != nil {
		return nil, err
	}

	err = db.RunDBTransaction(func(tx *sqlx.Tx) error {
		if err := db.InsertBlock(blockData.block, tx); err != nil {
			return fmt.Errorf("error inserting block: %w", err)
		}
		if err := db.InsertTransactions(blockData.transactions, tx); err != nil {
			return fmt.Errorf("error inserting transactions: %w", err)
		}
		if err := db.InsertLogs(blockData.logs, tx); err != nil {
			return fmt.Errorf("error inserting logs: %w", err)
		}
		if err := db.InsertWithdrawals(blockData.withdrawals, tx); err != nil {
			return fmt.Errorf("error inserting withdrawals: %w", err)
		}
		if err := db.InsertTokenTransfers(blockData.tokenTransfers, tx); err != nil {
			return fmt.Errorf("error inserting token transfers: %w", err)
		}
		for _, token := range blockData.tokens {
			if err := db.UpsertToken(token, tx); err != nil {
				return fmt.Errorf("error upserting token %v: %w", token.Address, err)
			}
		}
		if err := db.UpsertAccounts(blockData.accounts, tx); err != nil {
			return fmt.Errorf("error upserting accounts: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// post-commit enrichment: token metadata and balance refreshes
	for _, token := range blockData.tokens {
		tokenAddress := token.Address
		go bp.tokenIndexer.EnsureTokenMetadata(bp.indexerCtx.Ctx, tokenAddress)
	}
	for _, transfer := range blockData.tokenTransfers {
		bp.balanceIndexer.ScheduleRefresh(transfer.FromAddress, transfer.TokenAddress, blockNumber)
		bp.balanceIndexer.ScheduleRefresh(transfer.ToAddress, transfer.TokenAddress, blockNumber)
	}

	bp.logger.Infof("committed block %v with %v transactions, %v logs, %v withdrawals, %v token transfers",
		blockNumber, len(blockData.transactions), len(blockData.logs), len(blockData.withdrawals), len(blockData.tokenTransfers))

	return nil, nil
}

type blockData struct {
	block          *dbtypes.Block
	transactions   []*dbtypes.Transaction
	logs           []*dbtypes.Log
	withdrawals    []*dbtypes.Withdrawal
	tokenTransfers []*dbtypes.TokenTransfer
	tokens         []*dbtypes.Token
	accounts       []*dbtypes.Account
}

func (bp *BlockProcessor) collectBlockData(ctx context.Context, block *ethtypes.Block) (*blockData, error) {
	blockNumber := block.NumberU64()

	blockTxs := block.Transactions()
	txHashes := make([]common.Hash, len(blockTxs))
	for i, tx := range blockTxs {
		txHashes[i] = tx.Hash()
	}

	var receipts []*ethtypes.Receipt
	if len(blockTxs) > 0 {
		var err error
		receipts, err = bp.indexerCtx.ExecutionClient.GetBlockReceipts(ctx, blockNumber, txHashes)
		if err != nil {
			return nil, fmt.Errorf("error fetching receipts for block %v: %w", blockNumber, err)
		}
		if len(receipts) != len(blockTxs) {
			return nil, fmt.Errorf("receipt count mismatch for block %v: %v != %v", blockNumber, len(receipts), len(blockTxs))
		}
	}

	// beacon enrichment is best effort
	var beaconData *rpc.BeaconBlockData
	if bp.indexerCtx.BeaconClient != nil {
		data, err := bp.indexerCtx.BeaconClient.GetBlockByExecutionHash(ctx, block.Hash().Hex(), block.Time())
		if err != nil {
			bp.logger.WithError(err).Debugf("could not fetch beacon data for block %v", blockNumber)
		} else {
			beaconData = data
		}
	}

	data := &blockData{
		transactions:   make([]*dbtypes.Transaction, 0, len(blockTxs)),
		logs:           []*dbtypes.Log{},
		withdrawals:    []*dbtypes.Withdrawal{},
		tokenTransfers: []*dbtypes.TokenTransfer{},
	}

	touchedAt := uint64(time.Now().Unix())
	accountTouches := map[string]*dbtypes.Account{}
	touchAccount := func(address string, txDelta uint64) {
		account := accountTouches[address]
		if account == nil {
			account = &dbtypes.Account{
				Address:        address,
				Balance:        "0",
				FirstSeenBlock: blockNumber,
				LastSeenBlock:  blockNumber,
				UpdatedAt:      touchedAt,
			}
			accountTouches[address] = account
		}
		account.TransactionCount += txDelta
	}

	baseFee := block.BaseFee()
	priorityFees := new(big.Int)
	rawLogs := []*ethtypes.Log{}

	for i, tx := range blockTxs {
		receipt := receipts[i]
		if receipt == nil {
			return nil, fmt.Errorf("missing receipt for tx %v in block %v", tx.Hash().Hex(), blockNumber)
		}

		fromAddress, err := bp.indexerCtx.ExecutionClient.TransactionSender(tx)
		if err != nil {
			return nil, fmt.Errorf("error recovering sender of tx %v: %w", tx.Hash().Hex(), err)
		}
		from := strings.ToLower(fromAddress.Hex())

		gasPrice := tx.GasPrice()
		if receipt.EffectiveGasPrice != nil {
			gasPrice = receipt.EffectiveGasPrice
		}

		transaction := &dbtypes.Transaction{
			Hash:             tx.Hash().Hex(),
			BlockNumber:      blockNumber,
			FromAddress:      from,
			Value:            tx.Value().String(),
			GasUsed:          receipt.GasUsed,
			GasPrice:         gasPrice.String(),
			Status:           receipt.Status,
			TransactionIndex: uint64(receipt.TransactionIndex),
		}
		touchAccount(from, 1)

		if tx.To() != nil {
			to := strings.ToLower(tx.To().Hex())
			transaction.ToAddress = &to
			touchAccount(to, 1)
		}

		data.transactions = append(data.transactions, transaction)

		for _, rawLog := range receipt.Logs {
			data.logs = append(data.logs, convertLog(rawLog, blockNumber))
			rawLogs = append(rawLogs, rawLog)
		}

		// priority fee share of this tx in big integer space
		if baseFee != nil && gasPrice.Cmp(baseFee) > 0 {
			tip := new(big.Int).Sub(gasPrice, baseFee)
			tip.Mul(tip, new(big.Int).SetUint64(receipt.GasUsed))
			priorityFees.Add(priorityFees, tip)
		}
	}

	touchAccount(strings.ToLower(block.Coinbase().Hex()), 0)

	for _, withdrawal := range block.Withdrawals() {
		address := strings.ToLower(withdrawal.Address.Hex())
		data.withdrawals = append(data.withdrawals, &dbtypes.Withdrawal{
			BlockNumber:     blockNumber,
			WithdrawalIndex: withdrawal.Index,
			ValidatorIndex:  withdrawal.Validator,
			Address:         address,
			Amount:          new(big.Int).SetUint64(withdrawal.Amount).String(),
		})
		touchAccount(address, 0)
	}

	data.tokenTransfers = bp.tokenIndexer.DeriveTransfers(ctx, blockNumber, rawLogs)
	data.tokens = bp.tokenIndexer.BuildTokenRows(data.tokenTransfers, blockNumber)

	err := bp.enrichAccounts(ctx, accountTouches, blockNumber)
	if err != nil {
		return nil, err
	}
	data.accounts = make([]*dbtypes.Account, 0, len(accountTouches))
	for _, account := range accountTouches {
		data.accounts = append(data.accounts, account)
	}

	data.block = bp.convertBlock(block, beaconData, priorityFees)
	return data, nil
}

// enrichAccounts resolves balances and account types for all touched
// addresses. Addresses are processed in batches of accountBatchSize, each
// batch fans out bounded by the balance fetch cap.
func (bp *BlockProcessor) enrichAccounts(ctx context.Context, accounts map[string]*dbtypes.Account, blockNumber uint64) error {
	fanout := utils.Config.Indexer.MaxConcurrentBalanceFetches
	if fanout <= 0 {
		fanout = 1
	}
	batchSize := utils.Config.Indexer.AccountBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	accountList := make([]*dbtypes.Account, 0, len(accounts))
	for _, account := range accounts {
		accountList = append(accountList, account)
	}

	semaphore := make(chan struct{}, fanout)

	for batchStart := 0; batchStart < len(accountList); batchStart += batchSize {
		batchEnd := batchStart + batchSize
		if batchEnd > len(accountList) {
			batchEnd = len(accountList)
		}

		var wg sync.WaitGroup
		for _, account := range accountList[batchStart:batchEnd] {
			wg.Add(1)
			go func(account *dbtypes.Account) {
				defer wg.Done()

				semaphore <- struct{}{}
				defer func() { <-semaphore }()

				address := common.HexToAddress(account.Address)
				account.Balance = bp.indexerCtx.GetBalance(ctx, address, blockNumber)
				account.AccountType = bp.indexerCtx.GetAccountType(ctx, address)
			}(account)
		}
		wg.Wait()
	}

	return nil
}

func (bp *BlockProcessor) convertBlock(block *ethtypes.Block, beaconData *rpc.BeaconBlockData, priorityFees *big.Int) *dbtypes.Block {
	header := block.Header()

	miner := strings.ToLower(block.Coinbase().Hex())
	difficulty := block.Difficulty().String()
	sizeBytes := block.Size()
	extraData := "0x" + hex.EncodeToString(block.Extra())
	stateRoot := block.Root().Hex()
	nonce := fmt.Sprintf("0x%016x", block.Nonce())
	priorityFeesStr := priorityFees.String()

	dbBlock := &dbtypes.Block{
		Number:           block.NumberU64(),
		Hash:             block.Hash().Hex(),
		ParentHash:       block.ParentHash().Hex(),
		Timestamp:        block.Time(),
		GasUsed:          block.GasUsed(),
		GasLimit:         block.GasLimit(),
		TransactionCount: uint64(len(block.Transactions())),
		Miner:            &miner,
		Difficulty:       &difficulty,
		SizeBytes:        &sizeBytes,
		ExtraData:        &extraData,
		StateRoot:        &stateRoot,
		Nonce:            &nonce,
		PriorityFees:     &priorityFeesStr,
	}

	if baseFee := block.BaseFee(); baseFee != nil {
		baseFeeStr := baseFee.String()
		dbBlock.BaseFeePerGas = &baseFeeStr

		// burnt fees in big integer space
		burntFees := new(big.Int).Mul(baseFee, new(big.Int).SetUint64(block.GasUsed()))
		burntFeesStr := burntFees.String()
		dbBlock.BurntFees = &burntFeesStr
	}

	if header.WithdrawalsHash != nil {
		withdrawalsRoot := header.WithdrawalsHash.Hex()
		dbBlock.WithdrawalsRoot = &withdrawalsRoot
		withdrawalCount := uint64(len(block.Withdrawals()))
		dbBlock.WithdrawalCount = &withdrawalCount
	}
	if header.BlobGasUsed != nil {
		blobGasUsed := *header.BlobGasUsed
		dbBlock.BlobGasUsed = &blobGasUsed
	}
	if header.ExcessBlobGas != nil {
		excessBlobGas := *header.ExcessBlobGas
		dbBlock.ExcessBlobGas = &excessBlobGas
	}

	if beaconData != nil {
		bd := beaconData
		slot := bd.Slot
		proposerIndex := bd.ProposerIndex
		epoch := bd.Epoch
		slotRoot := bd.SlotRoot
		parentRoot := bd.ParentRoot
		graffiti := bd.Graffiti
		randaoReveal := bd.RandaoReveal
		randaoMix := bd.RandaoMix

		dbBlock.Slot = &slot
		dbBlock.ProposerIndex = &proposerIndex
		dbBlock.Epoch = &epoch
		dbBlock.SlotRoot = &slotRoot
		dbBlock.ParentRoot = &parentRoot
		dbBlock.BeaconDepositCount = bd.BeaconDepositCount
		dbBlock.Graffiti = &graffiti
		dbBlock.RandaoReveal = &randaoReveal
		dbBlock.RandaoMix = &randaoMix
	} else if slot, ok := utils.SlotOfTimestamp(block.Time()); ok {
		// derive slot/epoch from the timestamp when the beacon block is
		// unavailable
		epoch := utils.EpochOfSlot(slot)
		dbBlock.Slot = &slot
		dbBlock.Epoch = &epoch
	}

	return dbBlock
}

func convertLog(rawLog *ethtypes.Log, blockNumber uint64) *dbtypes.Log {
	log := &dbtypes.Log{
		TransactionHash: rawLog.TxHash.Hex(),
		BlockNumber:     blockNumber,
		Address:         strings.ToLower(rawLog.Address.Hex()),
		LogIndex:        uint64(rawLog.Index),
	}

	topics := make([]*string, 4)
	for i := 0; i < len(rawLog.Topics) && i < 4; i++ {
		topic := rawLog.Topics[i].Hex()
		topics[i] = &topic
	}
	log.Topic0 = topics[0]
	log.Topic1 = topics[1]
	log.Topic2 = topics[2]
	log.Topic3 = topics[3]

	if len(rawLog.Data) > 0 {
		logData := "0x" + hex.EncodeToString(rawLog.Data)
		log.Data = &logData
	}

	return log
}
