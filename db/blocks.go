package db

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/ethpandaops/elscout/dbtypes"
)

const blockColumns = `number, hash, parent_hash, timestamp, gas_used, gas_limit, transaction_count,
	miner, difficulty, size_bytes, base_fee_per_gas, extra_data, state_root, nonce, withdrawals_root,
	withdrawal_count, blob_gas_used, excess_blob_gas, burnt_fees, priority_fees,
	slot, proposer_index, epoch, slot_root, parent_root, beacon_deposit_count, graffiti, randao_reveal, randao_mix`

func InsertBlock(block *dbtypes.Block, tx *sqlx.Tx) error {
	_, err := tx.Exec(EngineQuery(map[dbtypes.DBEngineType]string{
		dbtypes.DBEnginePgsql: `
			INSERT INTO blocks (` + blockColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29)
			ON CONFLICT (number) DO UPDATE SET
				hash = excluded.hash,
				parent_hash = excluded.parent_hash,
				timestamp = excluded.timestamp,
				gas_used = excluded.gas_used,
				gas_limit = excluded.gas_limit,
				transaction_count = excluded.transaction_count,
				miner = excluded.miner,
				difficulty = excluded.difficulty,
				size_bytes = excluded.size_bytes,
				base_fee_per_gas = excluded.base_fee_per_gas,
				extra_data = excluded.extra_data,
				state_root = excluded.state_root,
				nonce = excluded.nonce,
				withdrawals_root = excluded.withdrawals_root,
				withdrawal_count = excluded.withdrawal_count,
				blob_gas_used = excluded.blob_gas_used,
				excess_blob_gas = excluded.excess_blob_gas,
				burnt_fees = excluded.burnt_fees,
				priority_fees = excluded.priority_fees,
				slot = COALESCE(excluded.slot, blocks.slot),
				proposer_index = COALESCE(excluded.proposer_index, blocks.proposer_index),
				epoch = COALESCE(excluded.epoch, blocks.epoch),
				slot_root = COALESCE(excluded.slot_root, blocks.slot_root),
				parent_root = COALESCE(excluded.parent_root, blocks.parent_root),
				beacon_deposit_count = COALESCE(excluded.beacon_deposit_count, blocks.beacon_deposit_count),
				graffiti = COALESCE(excluded.graffiti, blocks.graffiti),
				randao_reveal = COALESCE(excluded.randao_reveal, blocks.randao_reveal),
				randao_mix = COALESCE(excluded.randao_mix, blocks.randao_mix)`,
		dbtypes.DBEngineSqlite: `
			INSERT INTO blocks (` + blockColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29)
			ON CONFLICT (number) DO UPDATE SET
				hash = excluded.hash,
				parent_hash = excluded.parent_hash,
				timestamp = excluded.timestamp,
				gas_used = excluded.gas_used,
				gas_limit = excluded.gas_limit,
				transaction_count = excluded.transaction_count,
				miner = excluded.miner,
				difficulty = excluded.difficulty,
				size_bytes = excluded.size_bytes,
				base_fee_per_gas = excluded.base_fee_per_gas,
				extra_data = excluded.extra_data,
				state_root = excluded.state_root,
				nonce = excluded.nonce,
				withdrawals_root = excluded.withdrawals_root,
				withdrawal_count = excluded.withdrawal_count,
				blob_gas_used = excluded.blob_gas_used,
				excess_blob_gas = excluded.excess_blob_gas,
				burnt_fees = excluded.burnt_fees,
				priority_fees = excluded.priority_fees,
				slot = COALESCE(excluded.slot, blocks.slot),
				proposer_index = COALESCE(excluded.proposer_index, blocks.proposer_index),
				epoch = COALESCE(excluded.epoch, blocks.epoch),
				slot_root = COALESCE(excluded.slot_root, blocks.slot_root),
				parent_root = COALESCE(excluded.parent_root, blocks.parent_root),
				beacon_deposit_count = COALESCE(excluded.beacon_deposit_count, blocks.beacon_deposit_count),
				graffiti = COALESCE(excluded.graffiti, blocks.graffiti),
				randao_reveal = COALESCE(excluded.randao_reveal, blocks.randao_reveal),
				randao_mix = COALESCE(excluded.randao_mix, blocks.randao_mix)`,
	}),
		block.Number, block.Hash, block.ParentHash, block.Timestamp, block.GasUsed, block.GasLimit, block.TransactionCount,
		block.Miner, block.Difficulty, block.SizeBytes, block.BaseFeePerGas, block.ExtraData, block.StateRoot, block.Nonce,
		block.WithdrawalsRoot, block.WithdrawalCount, block.BlobGasUsed, block.ExcessBlobGas, block.BurntFees, block.PriorityFees,
		block.Slot, block.ProposerIndex, block.Epoch, block.SlotRoot, block.ParentRoot, block.BeaconDepositCount,
		block.Graffiti, block.RandaoReveal, block.RandaoMix)
	if err != nil {
		return err
	}
	return nil
}

func GetBlock(number uint64) (*dbtypes.Block, error) {
	block := &dbtypes.Block{}
	err := ReaderDb.Get(block, `SELECT `+blockColumns+` FROM blocks WHERE number = $1`, number)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return block, nil
}

func GetBlockByHash(hash string) (*dbtypes.Block, error) {
	block := &dbtypes.Block{}
	err := ReaderDb.Get(block, `SELECT `+blockColumns+` FROM blocks WHERE hash = $1`, hash)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return block, nil
}

// GetLatestBlockNumber returns the highest indexed block number, or false
// when no block has been indexed yet.
func GetLatestBlockNumber() (uint64, bool, error) {
	var number sql.NullInt64
	err := ReaderDb.Get(&number, `SELECT MAX(number) FROM blocks`)
	if err != nil {
		return 0, false, err
	}
	if !number.Valid {
		return 0, false, nil
	}
	return uint64(number.Int64), true, nil
}

func GetBlocks(firstBlock uint64, limit uint32) []*dbtypes.Block {
	blocks := []*dbtypes.Block{}
	err := ReaderDb.Select(&blocks, `
	SELECT `+blockColumns+`
	FROM blocks
	WHERE number <= $1
	ORDER BY number DESC
	LIMIT $2
	`, firstBlock, limit)
	if err != nil {
		logger.Errorf("Error while fetching blocks: %v", err)
		return nil
	}
	return blocks
}

// GetBlocksSince returns blocks above the given number, newest first.
func GetBlocksSince(sinceBlock uint64, limit uint32) []*dbtypes.Block {
	blocks := []*dbtypes.Block{}
	err := ReaderDb.Select(&blocks, `
	SELECT `+blockColumns+`
	FROM blocks
	WHERE number > $1
	ORDER BY number DESC
	LIMIT $2
	`, sinceBlock, limit)
	if err != nil {
		logger.Errorf("Error while fetching blocks since %v: %v", sinceBlock, err)
		return nil
	}
	return blocks
}

func GetBlockCount() (uint64, error) {
	var count uint64
	err := ReaderDb.Get(&count, `SELECT COUNT(*) FROM blocks`)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// GetDeclaredTransactionCount returns the sum of the transaction_count
// column across all indexed blocks.
func GetDeclaredTransactionCount() (uint64, error) {
	var count sql.NullInt64
	err := ReaderDb.Get(&count, `SELECT SUM(transaction_count) FROM blocks`)
	if err != nil {
		return 0, err
	}
	if !count.Valid {
		return 0, nil
	}
	return uint64(count.Int64), nil
}

// GetHighestContiguousBlock returns the highest block m such that all
// blocks in [startBlock..m] are present. Gaps below the last indexed row
// must be re-enqueued, so the last row alone is not trusted.
func GetHighestContiguousBlock(startBlock uint64) (uint64, bool, error) {
	var exists uint64
	err := ReaderDb.Get(&exists, `SELECT COUNT(*) FROM blocks WHERE number = $1`, startBlock)
	if err != nil {
		return 0, false, err
	}
	if exists == 0 {
		return 0, false, nil
	}

	var result sql.NullInt64
	err = ReaderDb.Get(&result, `
	SELECT MIN(b1.number)
	FROM blocks b1
	LEFT JOIN blocks b2 ON b2.number = b1.number + 1
	WHERE b1.number >= $1 AND b2.number IS NULL
	`, startBlock)
	if err != nil {
		return 0, false, err
	}
	if !result.Valid {
		return 0, false, nil
	}
	return uint64(result.Int64), true, nil
}

// GetMissingBlockNumbers returns gaps in [startBlock..endBlock] up to limit.
func GetMissingBlockNumbers(startBlock uint64, endBlock uint64, limit uint32) ([]uint64, error) {
	present := []uint64{}
	err := ReaderDb.Select(&present, `
	SELECT number FROM blocks WHERE number >= $1 AND number <= $2 ORDER BY number ASC
	`, startBlock, endBlock)
	if err != nil {
		return nil, fmt.Errorf("error fetching block range: %v", err)
	}

	missing := []uint64{}
	presentIdx := 0
	for number := startBlock; number <= endBlock && uint32(len(missing)) < limit; number++ {
		for presentIdx < len(present) && present[presentIdx] < number {
			presentIdx++
		}
		if presentIdx >= len(present) || present[presentIdx] != number {
			missing = append(missing, number)
		}
	}
	return missing, nil
}
