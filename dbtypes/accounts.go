package dbtypes

const (
	AccountTypeUnknown  = ""
	AccountTypeEoa      = "eoa"
	AccountTypeContract = "contract"
)

// Account tracks every address seen as sender, recipient, miner or
// withdrawal target. Balance is a decimal wei string, UpdatedAt is the
// unix timestamp of the last touch that advanced last_seen_block.
type Account struct {
	Address          string `db:"address"`
	Balance          string `db:"balance"`
	TransactionCount uint64 `db:"transaction_count"`
	AccountType      string `db:"account_type"`
	FirstSeenBlock   uint64 `db:"first_seen_block"`
	LastSeenBlock    uint64 `db:"last_seen_block"`
	UpdatedAt        uint64 `db:"updated_at"`
}

// AccountFilter represents filter options for account queries
type AccountFilter struct {
	AccountType string
	MinBalance  *string
	MinTxCount  *uint64
}
