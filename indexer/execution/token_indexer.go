package execution

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/elscout/db"
	"github.com/ethpandaops/elscout/dbtypes"
)

var (
	// Transfer(address,address,uint256) - shared by ERC-20 and ERC-721
	transferEventSig = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	// TransferSingle(address,address,address,uint256,uint256)
	transferSingleEventSig = crypto.Keccak256Hash([]byte("TransferSingle(address,address,address,uint256,uint256)"))
	// TransferBatch(address,address,address,uint256[],uint256[])
	transferBatchEventSig = crypto.Keccak256Hash([]byte("TransferBatch(address,address,address,uint256[],uint256[])"))

	nameCallData     = crypto.Keccak256([]byte("name()"))[:4]
	symbolCallData   = crypto.Keccak256([]byte("symbol()"))[:4]
	decimalsCallData = crypto.Keccak256([]byte("decimals()"))[:4]
)

// TokenIndexer derives token transfers from logs and maintains token
// metadata. Metadata lookups are cached in memory, serialized per token
// address and never re-fetched while non-null.
type TokenIndexer struct {
	indexerCtx *IndexerCtx
	logger     logrus.FieldLogger

	cacheMutex    sync.Mutex
	metadataCache map[string]*tokenMetadataEntry
}

type tokenMetadata struct {
	Name     *string
	Symbol   *string
	Decimals *uint8
}

type tokenMetadataEntry struct {
	mutex    sync.Mutex
	metadata *tokenMetadata
}

// NewTokenIndexer creates a new token indexer
func NewTokenIndexer(indexerCtx *IndexerCtx, logger logrus.FieldLogger) *TokenIndexer {
	return &TokenIndexer{
		indexerCtx:    indexerCtx,
		logger:        logger,
		metadataCache: map[string]*tokenMetadataEntry{},
	}
}

// DeriveTransfers decodes all token transfer events from a block's logs.
// ERC-1155 batch events expand into one row per entry. Entries emitted by
// addresses without contract code are discarded.
func (ti *TokenIndexer) DeriveTransfers(ctx context.Context, blockNumber uint64, rawLogs []*ethtypes.Log) []*dbtypes.TokenTransfer {
	transfers := []*dbtypes.TokenTransfer{}

	for _, rawLog := range rawLogs {
		if len(rawLog.Topics) == 0 {
			continue
		}

		var decoded []*dbtypes.TokenTransfer
		switch rawLog.Topics[0] {
		case transferEventSig:
			decoded = ti.decodeTransferEvent(rawLog, blockNumber)
		case transferSingleEventSig:
			decoded = ti.decodeTransferSingleEvent(rawLog, blockNumber)
		case transferBatchEventSig:
			decoded = ti.decodeTransferBatchEvent(rawLog, blockNumber)
		}
		if len(decoded) == 0 {
			continue
		}

		if !ti.indexerCtx.IsContract(ctx, rawLog.Address) {
			ti.logger.Debugf("discarding transfer event from codeless address %v", rawLog.Address.Hex())
			continue
		}

		transfers = append(transfers, decoded...)
	}

	return transfers
}

// decodeTransferEvent handles the shared ERC-20/ERC-721 Transfer signature.
// ERC-20 carries the amount in the data field with 3 topics, ERC-721
// carries the token id as a 4th topic with empty data. Ambiguous shapes
// default to ERC-20.
func (ti *TokenIndexer) decodeTransferEvent(rawLog *ethtypes.Log, blockNumber uint64) []*dbtypes.TokenTransfer {
	if len(rawLog.Topics) < 3 {
		return nil
	}

	transfer := &dbtypes.TokenTransfer{
		TransactionHash: rawLog.TxHash.Hex(),
		BlockNumber:     blockNumber,
		TokenAddress:    strings.ToLower(rawLog.Address.Hex()),
		FromAddress:     addressFromTopic(rawLog.Topics[1]),
		ToAddress:       addressFromTopic(rawLog.Topics[2]),
		LogIndex:        uint64(rawLog.Index),
	}

	if len(rawLog.Topics) == 4 && len(rawLog.Data) == 0 {
		transfer.TokenType = dbtypes.TokenTypeERC721
		tokenId := new(big.Int).SetBytes(rawLog.Topics[3].Bytes()).String()
		transfer.TokenId = &tokenId
		transfer.Amount = "1"
	} else {
		transfer.TokenType = dbtypes.TokenTypeERC20
		transfer.Amount = uint256FromData(rawLog.Data, 0).String()
	}

	return []*dbtypes.TokenTransfer{transfer}
}

func (ti *TokenIndexer) decodeTransferSingleEvent(rawLog *ethtypes.Log, blockNumber uint64) []*dbtypes.TokenTransfer {
	if len(rawLog.Topics) < 4 || len(rawLog.Data) < 64 {
		return nil
	}

	tokenId := uint256FromData(rawLog.Data, 0).String()
	return []*dbtypes.TokenTransfer{{
		TransactionHash: rawLog.TxHash.Hex(),
		BlockNumber:     blockNumber,
		TokenAddress:    strings.ToLower(rawLog.Address.Hex()),
		FromAddress:     addressFromTopic(rawLog.Topics[2]),
		ToAddress:       addressFromTopic(rawLog.Topics[3]),
		Amount:          uint256FromData(rawLog.Data, 32).String(),
		TokenType:       dbtypes.TokenTypeERC1155,
		TokenId:         &tokenId,
		LogIndex:        uint64(rawLog.Index),
	}}
}

func (ti *TokenIndexer) decodeTransferBatchEvent(rawLog *ethtypes.Log, blockNumber uint64) []*dbtypes.TokenTransfer {
	if len(rawLog.Topics) < 4 {
		return nil
	}

	ids, values, err := decodeUint256PairArrays(rawLog.Data)
	if err != nil {
		ti.logger.WithError(err).Debugf("could not decode TransferBatch data in tx %v", rawLog.TxHash.Hex())
		return nil
	}

	transfers := make([]*dbtypes.TokenTransfer, 0, len(ids))
	for i := range ids {
		tokenId := ids[i].String()
		transfers = append(transfers, &dbtypes.TokenTransfer{
			TransactionHash: rawLog.TxHash.Hex(),
			BlockNumber:     blockNumber,
			TokenAddress:    strings.ToLower(rawLog.Address.Hex()),
			FromAddress:     addressFromTopic(rawLog.Topics[2]),
			ToAddress:       addressFromTopic(rawLog.Topics[3]),
			Amount:          values[i].String(),
			TokenType:       dbtypes.TokenTypeERC1155,
			TokenId:         &tokenId,
			LogIndex:        uint64(rawLog.Index),
		})
	}
	return transfers
}

// BuildTokenRows aggregates the transfers of a block into token upsert
// rows (first/last seen + transfer counts). Metadata stays null here and
// is filled asynchronously via EnsureTokenMetadata.
func (ti *TokenIndexer) BuildTokenRows(transfers []*dbtypes.TokenTransfer, blockNumber uint64) []*dbtypes.Token {
	tokenMap := map[string]*dbtypes.Token{}
	for _, transfer := range transfers {
		token := tokenMap[transfer.TokenAddress]
		if token == nil {
			token = &dbtypes.Token{
				Address:        transfer.TokenAddress,
				TokenType:      transfer.TokenType,
				FirstSeenBlock: blockNumber,
				LastSeenBlock:  blockNumber,
			}
			tokenMap[transfer.TokenAddress] = token
		}
		token.TotalTransfers++
	}

	tokens := make([]*dbtypes.Token, 0, len(tokenMap))
	for _, token := range tokenMap {
		tokens = append(tokens, token)
	}
	return tokens
}

// EnsureTokenMetadata fetches name/symbol/decimals for a token and fills
// the still-null columns. Each call is independently tolerated; a failed
// lookup leaves the field null and is retried on a later sighting.
func (ti *TokenIndexer) EnsureTokenMetadata(ctx context.Context, tokenAddress string) {
	ti.cacheMutex.Lock()
	entry := ti.metadataCache[tokenAddress]
	if entry == nil {
		entry = &tokenMetadataEntry{}
		ti.metadataCache[tokenAddress] = entry
	}
	ti.cacheMutex.Unlock()

	entry.mutex.Lock()
	defer entry.mutex.Unlock()

	if entry.metadata != nil && entry.metadata.Name != nil && entry.metadata.Symbol != nil && entry.metadata.Decimals != nil {
		return
	}

	metadata := entry.metadata
	if metadata == nil {
		metadata = &tokenMetadata{}
	}

	address := common.HexToAddress(tokenAddress)
	if metadata.Name == nil {
		if name, err := ti.fetchString(ctx, address, nameCallData); err == nil && name != "" {
			metadata.Name = &name
		}
	}
	if metadata.Symbol == nil {
		if symbol, err := ti.fetchString(ctx, address, symbolCallData); err == nil && symbol != "" {
			metadata.Symbol = &symbol
		}
	}
	if metadata.Decimals == nil {
		if decimals, err := ti.fetchDecimals(ctx, address); err == nil {
			metadata.Decimals = &decimals
		}
	}
	entry.metadata = metadata

	if metadata.Name == nil && metadata.Symbol == nil && metadata.Decimals == nil {
		ti.logger.Debugf("no metadata available for token %v", tokenAddress)
		return
	}

	err := db.RunDBTransaction(func(tx *sqlx.Tx) error {
		return db.UpdateTokenMetadata(&dbtypes.Token{
			Address:  tokenAddress,
			Name:     metadata.Name,
			Symbol:   metadata.Symbol,
			Decimals: metadata.Decimals,
		}, tx)
	})
	if err != nil {
		ti.logger.WithError(err).Warnf("could not store metadata for token %v", tokenAddress)
	}
}

func (ti *TokenIndexer) fetchString(ctx context.Context, address common.Address, callData []byte) (string, error) {
	result, err := ti.indexerCtx.ExecutionClient.Call(ctx, address, callData, nil)
	if err != nil {
		return "", err
	}
	return decodeStringResult(result), nil
}

func (ti *TokenIndexer) fetchDecimals(ctx context.Context, address common.Address) (uint8, error) {
	result, err := ti.indexerCtx.ExecutionClient.Call(ctx, address, decimalsCallData, nil)
	if err != nil {
		return 0, err
	}
	if len(result) < 32 {
		return 0, fmt.Errorf("short decimals() result")
	}
	return result[31], nil
}

func addressFromTopic(topic common.Hash) string {
	return strings.ToLower(common.BytesToAddress(topic.Bytes()).Hex())
}

func uint256FromData(data []byte, offset int) *big.Int {
	if len(data) < offset+32 {
		return new(big.Int)
	}
	return new(big.Int).SetBytes(data[offset : offset+32])
}

// decodeUint256PairArrays decodes the (uint256[], uint256[]) payload of a
// TransferBatch event.
func decodeUint256PairArrays(data []byte) ([]*big.Int, []*big.Int, error) {
	if len(data) < 64 {
		return nil, nil, fmt.Errorf("data too short for two array offsets")
	}

	idsOffset := uint256FromData(data, 0)
	valuesOffset := uint256FromData(data, 32)
	if !idsOffset.IsInt64() || !valuesOffset.IsInt64() {
		return nil, nil, fmt.Errorf("invalid array offsets")
	}

	ids, err := decodeUint256Array(data, int(idsOffset.Int64()))
	if err != nil {
		return nil, nil, err
	}
	values, err := decodeUint256Array(data, int(valuesOffset.Int64()))
	if err != nil {
		return nil, nil, err
	}
	if len(ids) != len(values) {
		return nil, nil, fmt.Errorf("id/value array length mismatch: %v != %v", len(ids), len(values))
	}
	return ids, values, nil
}

func decodeUint256Array(data []byte, offset int) ([]*big.Int, error) {
	if offset < 0 || len(data) < offset+32 {
		return nil, fmt.Errorf("array offset out of bounds")
	}
	length := uint256FromData(data, offset)
	if !length.IsInt64() || length.Int64() < 0 || length.Int64() > int64((len(data)-offset-32)/32) {
		return nil, fmt.Errorf("invalid array length")
	}
	result := make([]*big.Int, length.Int64())
	for i := range result {
		result[i] = uint256FromData(data, offset+32+i*32)
	}
	return result, nil
}

// decodeStringResult decodes an abi string return value. Some legacy
// tokens return a raw bytes32 instead; both shapes are handled.
func decodeStringResult(result []byte) string {
	if len(result) == 0 {
		return ""
	}

	if len(result) >= 64 {
		offset := uint256FromData(result, 0)
		if offset.IsInt64() && offset.Int64() == 32 {
			length := uint256FromData(result, 32)
			if length.IsInt64() && length.Int64() >= 0 && length.Int64() <= int64(len(result)-64) {
				return sanitizeString(string(result[64 : 64+length.Int64()]))
			}
		}
	}

	// bytes32 fallback, zero padded
	if len(result) == 32 {
		return sanitizeString(strings.TrimRight(string(result), "\x00"))
	}

	return ""
}

func sanitizeString(value string) string {
	value = strings.TrimRight(value, "\x00")
	if !utf8.ValidString(value) {
		return "0x" + hex.EncodeToString([]byte(value))
	}
	return value
}
