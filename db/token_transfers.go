package db

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/ethpandaops/elscout/dbtypes"
)

const tokenTransferColumns = "transaction_hash, block_number, token_address, from_address, to_address, amount, token_type, token_id, log_index"

func InsertTokenTransfers(transfers []*dbtypes.TokenTransfer, tx *sqlx.Tx) error {
	if len(transfers) == 0 {
		return nil
	}

	var sqlStr strings.Builder
	fmt.Fprint(&sqlStr, "INSERT INTO token_transfers (", tokenTransferColumns, ") VALUES ")

	argIdx := 0
	fieldCount := 9

	args := make([]any, len(transfers)*fieldCount)
	for i, transfer := range transfers {
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

		args[argIdx+0] = transfer.TransactionHash
		args[argIdx+1] = transfer.BlockNumber
		args[argIdx+2] = transfer.TokenAddress
		args[argIdx+3] = transfer.FromAddress
		args[argIdx+4] = transfer.ToAddress
		args[argIdx+5] = transfer.Amount
		args[argIdx+6] = transfer.TokenType
		args[argIdx+7] = transfer.TokenId
		args[argIdx+8] = transfer.LogIndex
		argIdx += fieldCount
	}
	fmt.Fprint(&sqlStr, `
	ON CONFLICT (transaction_hash, log_index) DO UPDATE SET
		block_number = excluded.block_number,
		token_address = excluded.token_address,
		from_address = excluded.from_address,
		to_address = excluded.to_address,
		amount = excluded.amount,
		token_type = excluded.token_type,
		token_id = excluded.token_id`)

	_, err := tx.Exec(sqlStr.String(), args...)
	if err != nil {
		return err
	}
	return nil
}

func GetTokenTransfersByTransaction(txHash string) ([]*dbtypes.TokenTransfer, error) {
	transfers := []*dbtypes.TokenTransfer{}
	err := ReaderDb.Select(&transfers, `
	SELECT id, `+tokenTransferColumns+`
	FROM token_transfers
	WHERE transaction_hash = $1
	ORDER BY log_index ASC
	`, txHash)
	if err != nil {
		return nil, err
	}
	return transfers, nil
}

func GetTokenTransfersByBlock(blockNumber uint64) ([]*dbtypes.TokenTransfer, error) {
	transfers := []*dbtypes.TokenTransfer{}
	err := ReaderDb.Select(&transfers, `
	SELECT id, `+tokenTransferColumns+`
	FROM token_transfers
	WHERE block_number = $1
	ORDER BY log_index ASC
	`, blockNumber)
	if err != nil {
		return nil, err
	}
	return transfers, nil
}

func GetTokenTransfersFiltered(offset uint64, limit uint32, filter *dbtypes.TokenTransferFilter) ([]*dbtypes.TokenTransfer, error) {
	var sqlStr strings.Builder
	args := []any{}

	fmt.Fprint(&sqlStr, `SELECT id, `, tokenTransferColumns, ` FROM token_transfers`)

	filterOp := "WHERE"
	if filter.TokenAddress != "" {
		args = append(args, filter.TokenAddress)
		fmt.Fprintf(&sqlStr, " %v token_address = $%v", filterOp, len(args))
		filterOp = "AND"
	}
	if filter.FromAddress != "" {
		args = append(args, filter.FromAddress)
		fmt.Fprintf(&sqlStr, " %v from_address = $%v", filterOp, len(args))
		filterOp = "AND"
	}
	if filter.ToAddress != "" {
		args = append(args, filter.ToAddress)
		fmt.Fprintf(&sqlStr, " %v to_address = $%v", filterOp, len(args))
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

	args = append(args, limit)
	fmt.Fprintf(&sqlStr, " ORDER BY block_number DESC, log_index DESC LIMIT $%v", len(args))
	if offset > 0 {
		args = append(args, offset)
		fmt.Fprintf(&sqlStr, " OFFSET $%v", len(args))
	}

	transfers := []*dbtypes.TokenTransfer{}
	err := ReaderDb.Select(&transfers, sqlStr.String(), args...)
	if err != nil {
		return nil, err
	}
	return transfers, nil
}
