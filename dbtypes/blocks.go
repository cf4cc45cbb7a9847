package dbtypes

// Block represents one execution layer block enriched with the paired
// beacon block metadata. Beacon fields stay nil when the consensus layer
// data could not be fetched.
type Block struct {
	Number           uint64 `db:"number"`
	Hash             string `db:"hash"`
	ParentHash       string `db:"parent_hash"`
	Timestamp        uint64 `db:"timestamp"`
	GasUsed          uint64 `db:"gas_used"`
	GasLimit         uint64 `db:"gas_limit"`
	TransactionCount uint64 `db:"transaction_count"`

	Miner           *string `db:"miner"`
	Difficulty      *string `db:"difficulty"`
	SizeBytes       *uint64 `db:"size_bytes"`
	BaseFeePerGas   *string `db:"base_fee_per_gas"`
	ExtraData       *string `db:"extra_data"`
	StateRoot       *string `db:"state_root"`
	Nonce           *string `db:"nonce"`
	WithdrawalsRoot *string `db:"withdrawals_root"`
	WithdrawalCount *uint64 `db:"withdrawal_count"`
	BlobGasUsed     *uint64 `db:"blob_gas_used"`
	ExcessBlobGas   *uint64 `db:"excess_blob_gas"`
	BurntFees       *string `db:"burnt_fees"`
	PriorityFees    *string `db:"priority_fees"`

	Slot               *uint64 `db:"slot"`
	ProposerIndex      *uint64 `db:"proposer_index"`
	Epoch              *uint64 `db:"epoch"`
	SlotRoot           *string `db:"slot_root"`
	ParentRoot         *string `db:"parent_root"`
	BeaconDepositCount *uint64 `db:"beacon_deposit_count"`
	Graffiti           *string `db:"graffiti"`
	RandaoReveal       *string `db:"randao_reveal"`
	RandaoMix          *string `db:"randao_mix"`
}

// Withdrawal represents a post-Shanghai validator payout credited at the
// execution layer. Amount is in gwei.
type Withdrawal struct {
	Id              uint64 `db:"id"`
	BlockNumber     uint64 `db:"block_number"`
	WithdrawalIndex uint64 `db:"withdrawal_index"`
	ValidatorIndex  uint64 `db:"validator_index"`
	Address         string `db:"address"`
	Amount          string `db:"amount"`
}
