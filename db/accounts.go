package db

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/ethpandaops/elscout/dbtypes"
)

const accountColumns = "address, balance, transaction_count, account_type, first_seen_block, last_seen_block, updated_at"

// UpsertAccounts writes account touches. transaction_count carries the
// delta contributed by the touched block; the conflict clause only applies
// when the touch advances last_seen_block, so re-ingesting a block leaves
// existing rows untouched and last_seen_block never shrinks.
func UpsertAccounts(accounts []*dbtypes.Account, tx *sqlx.Tx) error {
	if len(accounts) == 0 {
		return nil
	}

	var sqlStr strings.Builder
	fmt.Fprint(&sqlStr, "INSERT INTO accounts (", accountColumns, ") VALUES ")

	argIdx := 0
	fieldCount := 7

	args := make([]any, len(accounts)*fieldCount)
	for i, account := range accounts {
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

		args[argIdx+0] = account.Address
		args[argIdx+1] = account.Balance
		args[argIdx+2] = account.TransactionCount
		args[argIdx+3] = account.AccountType
		args[argIdx+4] = account.FirstSeenBlock
		args[argIdx+5] = account.LastSeenBlock
		args[argIdx+6] = account.UpdatedAt
		argIdx += fieldCount
	}
	fmt.Fprint(&sqlStr, EngineQuery(map[dbtypes.DBEngineType]string{
		dbtypes.DBEnginePgsql: `
	ON CONFLICT (address) DO UPDATE SET
		balance = excluded.balance,
		transaction_count = accounts.transaction_count + excluded.transaction_count,
		account_type = CASE WHEN accounts.account_type = '' THEN excluded.account_type ELSE accounts.account_type END,
		last_seen_block = GREATEST(accounts.last_seen_block, excluded.last_seen_block),
		updated_at = GREATEST(accounts.updated_at, excluded.updated_at)
	WHERE excluded.last_seen_block > accounts.last_seen_block`,
		dbtypes.DBEngineSqlite: `
	ON CONFLICT (address) DO UPDATE SET
		balance = excluded.balance,
		transaction_count = accounts.transaction_count + excluded.transaction_count,
		account_type = CASE WHEN accounts.account_type = '' THEN excluded.account_type ELSE accounts.account_type END,
		last_seen_block = MAX(accounts.last_seen_block, excluded.last_seen_block),
		updated_at = MAX(accounts.updated_at, excluded.updated_at)
	WHERE excluded.last_seen_block > accounts.last_seen_block`,
	}))

	_, err := tx.Exec(sqlStr.String(), args...)
	if err != nil {
		return err
	}
	return nil
}

func GetAccount(address string) (*dbtypes.Account, error) {
	account := &dbtypes.Account{}
	err := ReaderDb.Get(account, `SELECT `+accountColumns+` FROM accounts WHERE address = $1`, address)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return account, nil
}

func GetAccountsFiltered(offset uint64, limit uint32, filter *dbtypes.AccountFilter) ([]*dbtypes.Account, error) {
	var sqlStr strings.Builder
	args := []any{}

	fmt.Fprint(&sqlStr, `SELECT `, accountColumns, ` FROM accounts`)

	filterOp := "WHERE"
	if filter.AccountType != "" {
		args = append(args, filter.AccountType)
		fmt.Fprintf(&sqlStr, " %v account_type = $%v", filterOp, len(args))
		filterOp = "AND"
	}
	if filter.MinBalance != nil {
		args = append(args, *filter.MinBalance)
		fmt.Fprintf(&sqlStr, " %v CAST(balance AS NUMERIC) >= CAST($%v AS NUMERIC)", filterOp, len(args))
		filterOp = "AND"
	}
	if filter.MinTxCount != nil {
		args = append(args, *filter.MinTxCount)
		fmt.Fprintf(&sqlStr, " %v transaction_count >= $%v", filterOp, len(args))
		filterOp = "AND"
	}

	args = append(args, limit)
	fmt.Fprintf(&sqlStr, " ORDER BY last_seen_block DESC LIMIT $%v", len(args))
	if offset > 0 {
		args = append(args, offset)
		fmt.Fprintf(&sqlStr, " OFFSET $%v", len(args))
	}

	accounts := []*dbtypes.Account{}
	err := ReaderDb.Select(&accounts, sqlStr.String(), args...)
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

func GetAccountCount() (uint64, error) {
	var count uint64
	err := ReaderDb.Get(&count, `SELECT COUNT(*) FROM accounts`)
	if err != nil {
		return 0, err
	}
	return count, nil
}
