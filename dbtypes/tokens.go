package dbtypes

const (
	TokenTypeERC20   = "ERC20"
	TokenTypeERC721  = "ERC721"
	TokenTypeERC1155 = "ERC1155"
)

// Token represents a token contract. Metadata is best effort and stays
// nil when the contract does not answer the corresponding call.
type Token struct {
	Address        string  `db:"address"`
	Name           *string `db:"name"`
	Symbol         *string `db:"symbol"`
	Decimals       *uint8  `db:"decimals"`
	TokenType      string  `db:"token_type"`
	FirstSeenBlock uint64  `db:"first_seen_block"`
	LastSeenBlock  uint64  `db:"last_seen_block"`
	TotalTransfers uint64  `db:"total_transfers"`
}

// TokenTransfer represents one decoded transfer event. ERC-1155 batch
// events expand into one row per entry. Amount is kept in raw units.
type TokenTransfer struct {
	Id              uint64  `db:"id"`
	TransactionHash string  `db:"transaction_hash"`
	BlockNumber     uint64  `db:"block_number"`
	TokenAddress    string  `db:"token_address"`
	FromAddress     string  `db:"from_address"`
	ToAddress       string  `db:"to_address"`
	Amount          string  `db:"amount"`
	TokenType       string  `db:"token_type"`
	TokenId         *string `db:"token_id"`
	LogIndex        uint64  `db:"log_index"`
}

// TokenBalance tracks the last fetched balance per (account, token) pair.
// There is deliberately no foreign key to accounts: balances can be
// observed for addresses the indexer has not materialized yet.
type TokenBalance struct {
	Id               uint64 `db:"id"`
	AccountAddress   string `db:"account_address"`
	TokenAddress     string `db:"token_address"`
	Balance          string `db:"balance"`
	BlockNumber      uint64 `db:"block_number"`
	LastUpdatedBlock uint64 `db:"last_updated_block"`
}

// TokenTransferFilter represents filter options for transfer queries
type TokenTransferFilter struct {
	TokenAddress string
	FromAddress  string
	ToAddress    string
	FromBlock    *uint64
	ToBlock      *uint64
}
