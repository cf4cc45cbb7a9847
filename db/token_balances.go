package db

import (
	"github.com/jmoiron/sqlx"

	"github.com/ethpandaops/elscout/dbtypes"
)

const tokenBalanceColumns = "account_address, token_address, balance, block_number, last_updated_block"

// UpsertTokenBalance writes a fetched balance for an (account, token)
// pair. last_updated_block only moves forward; a late arriving fetch for
// an older block is dropped by the conflict guard.
func UpsertTokenBalance(balance *dbtypes.TokenBalance, tx *sqlx.Tx) error {
	_, err := tx.Exec(`
		INSERT INTO token_balances (`+tokenBalanceColumns+`)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_address, token_address) DO UPDATE SET
			balance = excluded.balance,
			block_number = excluded.block_number,
			last_updated_block = excluded.last_updated_block
		WHERE excluded.last_updated_block >= token_balances.last_updated_block`,
		balance.AccountAddress, balance.TokenAddress, balance.Balance,
		balance.BlockNumber, balance.LastUpdatedBlock)
	if err != nil {
		return err
	}
	return nil
}

func GetTokenBalance(accountAddress string, tokenAddress string) (*dbtypes.TokenBalance, error) {
	balance := &dbtypes.TokenBalance{}
	err := ReaderDb.Get(balance, `
	SELECT id, `+tokenBalanceColumns+`
	FROM token_balances
	WHERE account_address = $1 AND token_address = $2
	`, accountAddress, tokenAddress)
	if err != nil {
		return nil, err
	}
	return balance, nil
}

func GetTokenBalancesByAccount(accountAddress string) ([]*dbtypes.TokenBalance, error) {
	balances := []*dbtypes.TokenBalance{}
	err := ReaderDb.Select(&balances, `
	SELECT id, `+tokenBalanceColumns+`
	FROM token_balances
	WHERE account_address = $1
	ORDER BY token_address ASC
	`, accountAddress)
	if err != nil {
		return nil, err
	}
	return balances, nil
}

// GetStaleTokenBalances returns pairs whose last refresh is older than
// minBlock, oldest first.
func GetStaleTokenBalances(minBlock uint64, limit uint32) ([]*dbtypes.TokenBalance, error) {
	balances := []*dbtypes.TokenBalance{}
	err := ReaderDb.Select(&balances, `
	SELECT id, `+tokenBalanceColumns+`
	FROM token_balances
	WHERE last_updated_block < $1
	ORDER BY last_updated_block ASC
	LIMIT $2
	`, minBlock, limit)
	if err != nil {
		return nil, err
	}
	return balances, nil
}
