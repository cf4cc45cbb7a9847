package services

import (
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/elscout/utils"
)

// TxCountSource resolves the total number of transactions the chain
// carried before a given block. Implementations may query an external
// aggregate service; when none is configured the estimate table below is
// used and the result is flagged as an estimate.
type TxCountSource interface {
	GetTransactionCountBefore(blockNumber uint64) (uint64, bool, error)
}

type estimateTxCountSource struct {
	logger logrus.FieldLogger
}

// NewTxCountSource returns the configured historical transaction count
// source. Without external credentials the block range estimate is used.
func NewTxCountSource(logger logrus.FieldLogger) TxCountSource {
	if utils.Config.Historical.ServiceAccountPath != "" {
		logger.Warnf("external historical aggregate source configured but not available, using estimates")
	}
	return &estimateTxCountSource{logger: logger}
}

// GetTransactionCountBefore returns a rough estimate of the mainnet
// transaction count up to a block. The second return value marks the
// result as an estimate.
func (src *estimateTxCountSource) GetTransactionCountBefore(blockNumber uint64) (uint64, bool, error) {
	var estimated uint64
	switch {
	case blockNumber <= 1000000:
		estimated = 100_000
	case blockNumber <= 4000000:
		estimated = 50_000_000
	case blockNumber <= 8000000:
		estimated = 350_000_000
	case blockNumber <= 12000000:
		estimated = 950_000_000
	case blockNumber <= 15000000:
		estimated = 1_500_000_000
	case blockNumber <= 17000000:
		estimated = 1_800_000_000
	case blockNumber <= 20000000:
		estimated = 2_200_000_000
	default:
		estimated = 2_500_000_000
	}

	src.logger.Debugf("using estimated historical transaction count for block %v: %v", blockNumber, estimated)
	return estimated, true, nil
}
