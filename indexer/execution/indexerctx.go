package execution

import (
	"context"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/elscout/dbtypes"
	"github.com/ethpandaops/elscout/rpc"
)

// IndexerCtx is the shared context for the execution indexer components.
// It carries the rpc clients and the per-address contract code cache.
type IndexerCtx struct {
	Ctx             context.Context
	Logger          logrus.FieldLogger
	ExecutionClient *rpc.ExecutionClient
	BeaconClient    *rpc.BeaconClient

	accountTypeMutex sync.Mutex
	accountTypes     map[string]string
}

// NewIndexerCtx creates a new IndexerCtx
func NewIndexerCtx(ctx context.Context, logger logrus.FieldLogger, executionClient *rpc.ExecutionClient, beaconClient *rpc.BeaconClient) *IndexerCtx {
	return &IndexerCtx{
		Ctx:             ctx,
		Logger:          logger,
		ExecutionClient: executionClient,
		BeaconClient:    beaconClient,
		accountTypes:    map[string]string{},
	}
}

// GetAccountType returns whether an address is a contract or an externally
// owned account. Results are cached per address; lookup failures return
// AccountTypeUnknown and are not cached.
func (ictx *IndexerCtx) GetAccountType(ctx context.Context, address common.Address) string {
	addressHex := strings.ToLower(address.Hex())

	ictx.accountTypeMutex.Lock()
	accountType, found := ictx.accountTypes[addressHex]
	ictx.accountTypeMutex.Unlock()
	if found {
		return accountType
	}

	code, err := ictx.ExecutionClient.GetCode(ctx, address, nil)
	if err != nil {
		ictx.Logger.WithError(err).Debugf("could not fetch code for %v", addressHex)
		return dbtypes.AccountTypeUnknown
	}

	accountType = dbtypes.AccountTypeEoa
	if len(code) > 0 {
		accountType = dbtypes.AccountTypeContract
	}

	ictx.accountTypeMutex.Lock()
	ictx.accountTypes[addressHex] = accountType
	ictx.accountTypeMutex.Unlock()

	return accountType
}

// IsContract reports whether an address carries contract code.
func (ictx *IndexerCtx) IsContract(ctx context.Context, address common.Address) bool {
	return ictx.GetAccountType(ctx, address) == dbtypes.AccountTypeContract
}

// GetBalance fetches an address balance at a block as a decimal string.
// Failures are tolerated and return "0".
func (ictx *IndexerCtx) GetBalance(ctx context.Context, address common.Address, blockNumber uint64) string {
	balance, err := ictx.ExecutionClient.GetBalance(ctx, address, new(big.Int).SetUint64(blockNumber))
	if err != nil {
		ictx.Logger.WithError(err).Debugf("could not fetch balance for %v, using 0", address.Hex())
		return "0"
	}
	return balance.String()
}
