package db

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/ethpandaops/elscout/dbtypes"
)

const logColumns = "transaction_hash, block_number, address, topic0, topic1, topic2, topic3, data, log_index"

func InsertLogs(logs []*dbtypes.Log, tx *sqlx.Tx) error {
	if len(logs) == 0 {
		return nil
	}

	var sqlStr strings.Builder
	fmt.Fprint(&sqlStr, "INSERT INTO logs (", logColumns, ") VALUES ")

	argIdx := 0
	fieldCount := 9

	args := make([]any, len(logs)*fieldCount)
	for i, log := range logs {
		if i > 0 {
			fmt.Fprint(&sqlStr, ", ")
		}
		fmt.Fprint(&sqlStr, "(")
		for f := 0; f < fieldCount; f++ {
			if f > 0 {
				fmt.Fprint(&sqlStr, ", ")
			}
			fmt.Fprintf(&sqlStr, "$%v", argIdx+f+1)
		}
		fmt.Fprint(&sqlStr, ")")

		args[argIdx+0] = log.TransactionHash
		args[argIdx+1] = log.BlockNumber
		args[argIdx+2] = log.Address
		args[argIdx+3] = log.Topic0
		args[argIdx+4] = log.Topic1
		args[argIdx+5] = log.Topic2
		args[argIdx+6] = log.Topic3
		args[argIdx+7] = log.Data
		args[argIdx+8] = log.LogIndex
		argIdx += fieldCount
	}
	fmt.Fprint(&sqlStr, `
	ON CONFLICT (transaction_hash, log_index) DO UPDATE SET
		block_number = excluded.block_number,
		address = excluded.address,
		topic0 = excluded.topic0,
		topic1 = excluded.topic1,
		topic2 = excluded.topic2,
		topic3 = excluded.topic3,
		data = excluded.data`)

	_, err := tx.Exec(sqlStr.String(), args...)
	if err != nil {
		return err
	}
	return nil
}

func GetLogsByTransaction(txHash string) ([]*dbtypes.Log, error) {
	logs := []*dbtypes.Log{}
	err := ReaderDb.Select(&logs, `
	SELECT id, `+logColumns+`
	FROM logs
	WHERE transaction_hash = $1
	ORDER BY log_index ASC
	`, txHash)
	if err != nil {
		return nil, err
	}
	return logs, nil
}

func GetLogsByBlock(blockNumber uint64) ([]*dbtypes.Log, error) {
	logs := []*dbtypes.Log{}
	err := ReaderDb.Select(&logs, `
	SELECT id, `+logColumns+`
	FROM logs
	WHERE block_number = $1
	ORDER BY log_index ASC
	`, blockNumber)
	if err != nil {
		return nil, err
	}
	return logs, nil
}
