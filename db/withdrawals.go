package db

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/ethpandaops/elscout/dbtypes"
)

const withdrawalColumns = "block_number, withdrawal_index, validator_index, address, amount"

func InsertWithdrawals(withdrawals []*dbtypes.Withdrawal, tx *sqlx.Tx) error {
	if len(withdrawals) == 0 {
		return nil
	}

	var sqlStr strings.Builder
	fmt.Fprint(&sqlStr, "INSERT INTO withdrawals (", withdrawalColumns, ") VALUES ")

	argIdx := 0
	fieldCount := 5

	args := make([]any, len(withdrawals)*fieldCount)
	for i, withdrawal := range withdrawals {
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

		args[argIdx+0] = withdrawal.BlockNumber
		args[argIdx+1] = withdrawal.WithdrawalIndex
		args[argIdx+2] = withdrawal.ValidatorIndex
		args[argIdx+3] = withdrawal.Address
		args[argIdx+4] = withdrawal.Amount
		argIdx += fieldCount
	}
	fmt.Fprint(&sqlStr, `
	ON CONFLICT (block_number, withdrawal_index) DO UPDATE SET
		validator_index = excluded.validator_index,
		address = excluded.address,
		amount = excluded.amount`)

	_, err := tx.Exec(sqlStr.String(), args...)
	if err != nil {
		return err
	}
	return nil
}

func GetWithdrawalsByBlock(blockNumber uint64) ([]*dbtypes.Withdrawal, error) {
	withdrawals := []*dbtypes.Withdrawal{}
	err := ReaderDb.Select(&withdrawals, `
	SELECT id, `+withdrawalColumns+`
	FROM withdrawals
	WHERE block_number = $1
	ORDER BY withdrawal_index ASC
	`, blockNumber)
	if err != nil {
		return nil, err
	}
	return withdrawals, nil
}

func GetWithdrawalsByAddress(address string, offset uint64, limit uint32) ([]*dbtypes.Withdrawal, error) {
	withdrawals := []*dbtypes.Withdrawal{}
	err := ReaderDb.Select(&withdrawals, `
	SELECT id, `+withdrawalColumns+`
	FROM withdrawals
	WHERE address = $1
	ORDER BY block_number DESC, withdrawal_index DESC
	LIMIT $2 OFFSET $3
	`, address, limit, offset)
	if err != nil {
		return nil, err
	}
	return withdrawals, nil
}
