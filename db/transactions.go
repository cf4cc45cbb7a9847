package db

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/ethpandaops/elscout/dbtypes"
)

const transactionColumns = "hash, block_number, from_address, to_address, value, gas_used, gas_price, status, transaction_index"

func InsertTransactions(transactions []*dbtypes.Transaction, tx *sqlx.Tx) error {
	if len(transactions) == 0 {
		return nil
	}

	var sqlStr strings.Builder
	fmt.Fprint(&sqlStr, "INSERT INTO transactions (", transactionColumns, ") VALUES ")

	argIdx := 0
	fieldCount := 9

	args := make([]any, len(transactions)*fieldCount)
	for i, transaction := range transactions {
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

		args[argIdx+0] = transaction.Hash
		args[argIdx+1] = transaction.BlockNumber
		args[argIdx+2] = transaction.FromAddress
		args[argIdx+3] = transaction.ToAddress
		args[argIdx+4] = transaction.Value
		args[argIdx+5] = transaction.GasUsed
		args[argIdx+6] = transaction.GasPrice
		args[argIdx+7] = transaction.Status
		args[argIdx+8] = transaction.TransactionIndex
		argIdx += fieldCount
	}
	fmt.Fprint(&sqlStr, `
	ON CONFLICT (hash) DO UPDATE SET
		block_number = excluded.block_number,
		from_address = excluded.from_address,
		to_address = excluded.to_address,
		value = excluded.value,
		gas_used = excluded.gas_used,
		gas_price = excluded.gas_price,
		status = excluded.status,
		transaction_index = excluded.transaction_index`)

	_, err := tx.Exec(sqlStr.String(), args...)
	if err != nil {
		return err
	}
	return nil
}

func GetTransactionByHash(hash string) (*dbtypes.Transaction, error) {
	transaction := &dbtypes.Transaction{}
	err := ReaderDb.Get(transaction, `SELECT `+transactionColumns+` FROM transactions WHERE hash = $1`, hash)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return transaction, nil
}

func GetTransactionsByBlock(blockNumber uint64) ([]*dbtypes.Transaction, error) {
	transactions := []*dbtypes.Transaction{}
	err := ReaderDb.Select(&transactions, `
	SELECT `+transactionColumns+`
	FROM transactions
	WHERE block_number = $1
	ORDER BY transaction_index ASC
	`, blockNumber)
	if err != nil {
		return nil, err
	}
	return transactions, nil
}

func GetTransactionsByAddress(address string, offset uint64, limit uint32) ([]*dbtypes.Transaction, error) {
	transactions := []*dbtypes.Transaction{}
	err := ReaderDb.Select(&transactions, `
	SELECT `+transactionColumns+`
	FROM transactions
	WHERE from_address = $1 OR to_address = $1
	ORDER BY block_number DESC, transaction_index DESC
	LIMIT $2 OFFSET $3
	`, address, limit, offset)
	if err != nil {
		return nil, err
	}
	return transactions, nil
}

// GetTransactionsSince returns transactions above the given block number,
// newest first.
func GetTransactionsSince(sinceBlock uint64, limit uint32) []*dbtypes.Transaction {
	transactions := []*dbtypes.Transaction{}
	err := ReaderDb.Select(&transactions, `
	SELECT `+transactionColumns+`
	FROM transactions
	WHERE block_number > $1
	ORDER BY block_number DESC, transaction_index DESC
	LIMIT $2
	`, sinceBlock, limit)
	if err != nil {
		logger.Errorf("Error while fetching transactions since %v: %v", sinceBlock, err)
		return nil
	}
	return transactions
}

// GetTransactionsSinceHash returns transactions newer than the given
// transaction, newest first. The hash acts as a cursor resolved to its
// (block_number, transaction_index) position.
func GetTransactionsSinceHash(txHash string, limit uint32) ([]*dbtypes.Transaction, error) {
	cursor, err := GetTransactionByHash(txHash)
	if err != nil {
		return nil, err
	}
	if cursor == nil {
		return nil, fmt.Errorf("cursor transaction %v not found", txHash)
	}

	transactions := []*dbtypes.Transaction{}
	err = ReaderDb.Select(&transactions, `
	SELECT `+transactionColumns+`
	FROM transactions
	WHERE block_number > $1 OR (block_number = $1 AND transaction_index > $2)
	ORDER BY block_number DESC, transaction_index DESC
	LIMIT $3
	`, cursor.BlockNumber, cursor.TransactionIndex, limit)
	if err != nil {
		return nil, err
	}
	return transactions, nil
}

func GetTransactionsFiltered(offset uint64, limit uint32, filter *dbtypes.TransactionFilter) ([]*dbtypes.Transaction, error) {
	var sqlStr strings.Builder
	args := []any{}

	fmt.Fprint(&sqlStr, `SELECT `, transactionColumns, ` FROM transactions`)

	filterOp := "WHERE"
	if filter.Status != nil {
		args = append(args, *filter.Status)
		fmt.Fprintf(&sqlStr, " %v status = $%v", filterOp, len(args))
		filterOp = "AND"
	}
	if filter.FromBlock != nil {
		args = append(args, *filter.FromBlock)
		fmt.Fprintf(&sqlStr, " %v block_number >= $%v", filterOp, len(args))
		filterOp = "AND"
	}
	if filter.ToBlock != nil {
		args = append(args, *filter.ToBlock)
		fmt.Fprintf(&sqlStr, " %v block_number <= $%v", filterOp, len(args))
		filterOp = "AND"
	}
	if filter.MinValue != nil {
		args = append(args, *filter.MinValue)
		fmt.Fprintf(&sqlStr, " %v CAST(value AS NUMERIC) >= CAST($%v AS NUMERIC)", filterOp, len(args))
		filterOp = "AND"
	}
	if filter.MaxValue != nil {
		args = append(args, *filter.MaxValue)
		fmt.Fprintf(&sqlStr, " %v CAST(value AS NUMERIC) <= CAST($%v AS NUMERIC)", filterOp, len(args))
		filterOp = "AND"
	}

	args = append(args, limit)
	fmt.Fprintf(&sqlStr, " ORDER BY block_number DESC, transaction_index DESC LIMIT $%v", len(args))
	if offset > 0 {
		args = append(args, offset)
		fmt.Fprintf(&sqlStr, " OFFSET $%v", len(args))
	}

	transactions := []*dbtypes.Transaction{}
	err := ReaderDb.Select(&transactions, sqlStr.String(), args...)
	if err != nil {
		return nil, err
	}
	return transactions, nil
}

func GetTransactionCount() (uint64, error) {
	var count uint64
	err := ReaderDb.Get(&count, `SELECT COUNT(*) FROM transactions`)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func GetTransactionCountByBlock(blockNumber uint64) (uint64, error) {
	var count uint64
	err := ReaderDb.Get(&count, `SELECT COUNT(*) FROM transactions WHERE block_number = $1`, blockNumber)
	if err != nil {
		return 0, err
	}
	return count, nil
}
