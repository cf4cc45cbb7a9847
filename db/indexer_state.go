package db

import (
	"database/sql"
	"encoding/json"

	"github.com/jmoiron/sqlx"

	"github.com/ethpandaops/elscout/dbtypes"
)

func GetIndexerState(key string, returnValue interface{}) (interface{}, error) {
	entry := dbtypes.IndexerState{}
	err := ReaderDb.Get(&entry, `SELECT key, value FROM indexer_state WHERE key = $1`, key)
	if err != nil {
		return nil, err
	}
	err = json.Unmarshal([]byte(entry.Value), returnValue)
	if err != nil {
		return nil, err
	}
	return returnValue, nil
}

func SetIndexerState(key string, value interface{}, tx *sqlx.Tx) error {
	valueMarshal, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = tx.Exec(EngineQuery(map[dbtypes.DBEngineType]string{
		dbtypes.DBEnginePgsql: `
			INSERT INTO indexer_state (key, value)
			VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET
				value = excluded.value`,
		dbtypes.DBEngineSqlite: `
			INSERT OR REPLACE INTO indexer_state (key, value)
			VALUES ($1, $2)`,
	}), key, valueMarshal)
	if err != nil {
		return err
	}
	return nil
}

// SetCheckpoint durably stores the highest contiguously committed block.
func SetCheckpoint(blockNumber uint64, tx *sqlx.Tx) error {
	return SetIndexerState("indexer.checkpoint", blockNumber, tx)
}

// GetCheckpoint returns the stored checkpoint, or false when none is set.
func GetCheckpoint() (uint64, bool) {
	var checkpoint uint64
	_, err := GetIndexerState("indexer.checkpoint", &checkpoint)
	if err != nil {
		return 0, false
	}
	return checkpoint, true
}

// GetStartBlockCache returns the cached resolved start block and the
// optional historical transaction count before it.
func GetStartBlockCache() (uint64, *uint64, bool, error) {
	row := struct {
		StartBlock              uint64        `db:"start_block"`
		TotalTransactionsBefore sql.NullInt64 `db:"total_transactions_before"`
	}{}
	err := ReaderDb.Get(&row, `SELECT start_block, total_transactions_before FROM start_block_cache LIMIT 1`)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil, false, nil
		}
		return 0, nil, false, err
	}

	var txCount *uint64
	if row.TotalTransactionsBefore.Valid {
		count := uint64(row.TotalTransactionsBefore.Int64)
		txCount = &count
	}
	return row.StartBlock, txCount, true, nil
}

// InitStartBlockCache stores the resolved start block on first run.
func InitStartBlockCache(startBlock uint64, tx *sqlx.Tx) error {
	_, err := tx.Exec(EngineQuery(map[dbtypes.DBEngineType]string{
		dbtypes.DBEnginePgsql: `
			INSERT INTO start_block_cache (start_block, total_transactions_before)
			VALUES ($1, NULL)
			ON CONFLICT (start_block) DO NOTHING`,
		dbtypes.DBEngineSqlite: `
			INSERT OR IGNORE INTO start_block_cache (start_block, total_transactions_before)
			VALUES ($1, NULL)`,
	}), startBlock)
	return err
}

// SetHistoricalTransactionCount caches the historical tx count lookup for
// the configured start block.
func SetHistoricalTransactionCount(startBlock uint64, txCount uint64, tx *sqlx.Tx) error {
	_, err := tx.Exec(`UPDATE start_block_cache SET total_transactions_before = $2 WHERE start_block = $1`, startBlock, txCount)
	return err
}
