package db

import (
	"database/sql"

	"github.com/jmoiron/sqlx"

	"github.com/ethpandaops/elscout/dbtypes"
)

const tokenColumns = "address, name, symbol, decimals, token_type, first_seen_block, last_seen_block, total_transfers"

// UpsertToken merges a token row. Metadata fields only fill nulls, the
// token_type never regresses once set and last_seen_block / total_transfers
// grow monotonically. The conflict clause only applies when the sighting
// advances last_seen_block, so re-committing the same block does not
// double-count transfers.
func UpsertToken(token *dbtypes.Token, tx *sqlx.Tx) error {
	_, err := tx.Exec(EngineQuery(map[dbtypes.DBEngineType]string{
		dbtypes.DBEnginePgsql: `
			INSERT INTO tokens (` + tokenColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (address) DO UPDATE SET
				name = COALESCE(tokens.name, excluded.name),
				symbol = COALESCE(tokens.symbol, excluded.symbol),
				decimals = COALESCE(tokens.decimals, excluded.decimals),
				last_seen_block = GREATEST(tokens.last_seen_block, excluded.last_seen_block),
				total_transfers = tokens.total_transfers + excluded.total_transfers
			WHERE excluded.last_seen_block > tokens.last_seen_block`,
		dbtypes.DBEngineSqlite: `
			INSERT INTO tokens (` + tokenColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (address) DO UPDATE SET
				name = COALESCE(tokens.name, excluded.name),
				symbol = COALESCE(tokens.symbol, excluded.symbol),
				decimals = COALESCE(tokens.decimals, excluded.decimals),
				last_seen_block = MAX(tokens.last_seen_block, excluded.last_seen_block),
				total_transfers = tokens.total_transfers + excluded.total_transfers
			WHERE excluded.last_seen_block > tokens.last_seen_block`,
	}),
		token.Address, token.Name, token.Symbol, token.Decimals, token.TokenType,
		token.FirstSeenBlock, token.LastSeenBlock, token.TotalTransfers)
	if err != nil {
		return err
	}
	return nil
}

// UpdateTokenMetadata fills null metadata columns of an existing token row.
func UpdateTokenMetadata(token *dbtypes.Token, tx *sqlx.Tx) error {
	_, err := tx.Exec(`
		UPDATE tokens SET
			name = COALESCE(name, $2),
			symbol = COALESCE(symbol, $3),
			decimals = COALESCE(decimals, $4)
		WHERE address = $1`,
		token.Address, token.Name, token.Symbol, token.Decimals)
	if err != nil {
		return err
	}
	return nil
}

func GetToken(address string) (*dbtypes.Token, error) {
	token := &dbtypes.Token{}
	err := ReaderDb.Get(token, `SELECT `+tokenColumns+` FROM tokens WHERE address = $1`, address)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return token, nil
}

func GetTokens(offset uint64, limit uint32) ([]*dbtypes.Token, error) {
	tokens := []*dbtypes.Token{}
	err := ReaderDb.Select(&tokens, `
	SELECT `+tokenColumns+`
	FROM tokens
	ORDER BY total_transfers DESC
	LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

func GetTokenCount() (uint64, error) {
	var count uint64
	err := ReaderDb.Get(&count, `SELECT COUNT(*) FROM tokens`)
	if err != nil {
		return 0, err
	}
	return count, nil
}
