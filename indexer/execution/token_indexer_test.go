package execution

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/elscout/dbtypes"
)

func newTestTokenIndexer() *TokenIndexer {
	logger, _ := logrustest.NewNullLogger()
	logger.SetLevel(logrus.ErrorLevel)
	return NewTokenIndexer(nil, logrus.NewEntry(logger))
}

func topicAddress(address string) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(common.HexToAddress(address).Bytes(), 32))
}

func uint256Word(value int64) []byte {
	return common.LeftPadBytes(big.NewInt(value).Bytes(), 32)
}

func TestDecodeTransferEventERC20(t *testing.T) {
	ti := newTestTokenIndexer()

	rawLog := &ethtypes.Log{
		Address: common.HexToAddress("0x1234567890123456789012345678901234567890"),
		TxHash:  common.HexToHash("0x01"),
		Index:   5,
		Topics: []common.Hash{
			transferEventSig,
			topicAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
			topicAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"),
		},
		Data: uint256Word(1000),
	}

	transfers := ti.decodeTransferEvent(rawLog, 100)
	require.Len(t, transfers, 1)

	transfer := transfers[0]
	assert.Equal(t, dbtypes.TokenTypeERC20, transfer.TokenType)
	assert.Equal(t, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", transfer.FromAddress)
	assert.Equal(t, "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", transfer.ToAddress)
	assert.Equal(t, "1000", transfer.Amount)
	assert.Nil(t, transfer.TokenId)
	assert.Equal(t, uint64(5), transfer.LogIndex)
	assert.Equal(t, uint64(100), transfer.BlockNumber)
}

func TestDecodeTransferEventERC721(t *testing.T) {
	ti := newTestTokenIndexer()

	rawLog := &ethtypes.Log{
		Address: common.HexToAddress("0x1234567890123456789012345678901234567890"),
		TxHash:  common.HexToHash("0x01"),
		Topics: []common.Hash{
			transferEventSig,
			topicAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
			topicAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"),
			common.BytesToHash(uint256Word(42)),
		},
		Data: []byte{},
	}

	transfers := ti.decodeTransferEvent(rawLog, 100)
	require.Len(t, transfers, 1)

	transfer := transfers[0]
	assert.Equal(t, dbtypes.TokenTypeERC721, transfer.TokenType)
	require.NotNil(t, transfer.TokenId)
	assert.Equal(t, "42", *transfer.TokenId)
	assert.Equal(t, "1", transfer.Amount)
}

func TestDecodeTransferEventAmbiguousDefaultsToERC20(t *testing.T) {
	ti := newTestTokenIndexer()

	// 4 topics with a non-empty data field is not a valid ERC-721 shape
	rawLog := &ethtypes.Log{
		Address: common.HexToAddress("0x1234567890123456789012345678901234567890"),
		TxHash:  common.HexToHash("0x01"),
		Topics: []common.Hash{
			transferEventSig,
			topicAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
			topicAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"),
			common.BytesToHash(uint256Word(42)),
		},
		Data: uint256Word(77),
	}

	transfers := ti.decodeTransferEvent(rawLog, 100)
	require.Len(t, transfers, 1)
	assert.Equal(t, dbtypes.TokenTypeERC20, transfers[0].TokenType)
	assert.Equal(t, "77", transfers[0].Amount)
}

func TestDecodeTransferEventTooFewTopics(t *testing.T) {
	ti := newTestTokenIndexer()

	rawLog := &ethtypes.Log{
		Topics: []common.Hash{transferEventSig, topicAddress("0xaa")},
		Data:   uint256Word(1),
	}
	assert.Empty(t, ti.decodeTransferEvent(rawLog, 100))
}

func TestDecodeTransferSingleEvent(t *testing.T) {
	ti := newTestTokenIndexer()

	data := append(uint256Word(7), uint256Word(500)...)
	rawLog := &ethtypes.Log{
		Address: common.HexToAddress("0x1234567890123456789012345678901234567890"),
		TxHash:  common.HexToHash("0x02"),
		Index:   1,
		Topics: []common.Hash{
			transferSingleEventSig,
			topicAddress("0xcccccccccccccccccccccccccccccccccccccccc"), // operator
			topicAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
			topicAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"),
		},
		Data: data,
	}

	transfers := ti.decodeTransferSingleEvent(rawLog, 100)
	require.Len(t, transfers, 1)

	transfer := transfers[0]
	assert.Equal(t, dbtypes.TokenTypeERC1155, transfer.TokenType)
	assert.Equal(t, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", transfer.FromAddress)
	assert.Equal(t, "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", transfer.ToAddress)
	require.NotNil(t, transfer.TokenId)
	assert.Equal(t, "7", *transfer.TokenId)
	assert.Equal(t, "500", transfer.Amount)
}

func TestDecodeTransferBatchEventExpandsRows(t *testing.T) {
	ti := newTestTokenIndexer()

	// abi encoding of (uint256[]{1,2}, uint256[]{10,20})
	data := []byte{}
	data = append(data, uint256Word(64)...)  // offset of ids
	data = append(data, uint256Word(160)...) // offset of values
	data = append(data, uint256Word(2)...)   // ids length
	data = append(data, uint256Word(1)...)
	data = append(data, uint256Word(2)...)
	data = append(data, uint256Word(2)...) // values length
	data = append(data, uint256Word(10)...)
	data = append(data, uint256Word(20)...)

	rawLog := &ethtypes.Log{
		Address: common.HexToAddress("0x1234567890123456789012345678901234567890"),
		TxHash:  common.HexToHash("0x03"),
		Topics: []common.Hash{
			transferBatchEventSig,
			topicAddress("0xcccccccccccccccccccccccccccccccccccccccc"),
			topicAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
			topicAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"),
		},
		Data: data,
	}

	transfers := ti.decodeTransferBatchEvent(rawLog, 100)
	require.Len(t, transfers, 2)

	assert.Equal(t, "1", *transfers[0].TokenId)
	assert.Equal(t, "10", transfers[0].Amount)
	assert.Equal(t, "2", *transfers[1].TokenId)
	assert.Equal(t, "20", transfers[1].Amount)
	for _, transfer := range transfers {
		assert.Equal(t, dbtypes.TokenTypeERC1155, transfer.TokenType)
	}
}

func TestDecodeTransferBatchEventLengthMismatch(t *testing.T) {
	ti := newTestTokenIndexer()

	data := []byte{}
	data = append(data, uint256Word(64)...)
	data = append(data, uint256Word(128)...)
	data = append(data, uint256Word(1)...) // ids length 1
	data = append(data, uint256Word(1)...)
	data = append(data, uint256Word(0)...) // values length 0

	rawLog := &ethtypes.Log{
		TxHash: common.HexToHash("0x03"),
		Topics: []common.Hash{
			transferBatchEventSig,
			topicAddress("0xcc"), topicAddress("0xaa"), topicAddress("0xbb"),
		},
		Data: data,
	}

	assert.Empty(t, ti.decodeTransferBatchEvent(rawLog, 100))
}

func TestBuildTokenRows(t *testing.T) {
	ti := newTestTokenIndexer()

	transfers := []*dbtypes.TokenTransfer{
		{TokenAddress: "0xtoken1", TokenType: dbtypes.TokenTypeERC20},
		{TokenAddress: "0xtoken1", TokenType: dbtypes.TokenTypeERC20},
		{TokenAddress: "0xtoken2", TokenType: dbtypes.TokenTypeERC721},
	}

	tokens := ti.BuildTokenRows(transfers, 100)
	require.Len(t, tokens, 2)

	byAddress := map[string]*dbtypes.Token{}
	for _, token := range tokens {
		byAddress[token.Address] = token
	}
	assert.Equal(t, uint64(2), byAddress["0xtoken1"].TotalTransfers)
	assert.Equal(t, uint64(1), byAddress["0xtoken2"].TotalTransfers)
	assert.Equal(t, dbtypes.TokenTypeERC721, byAddress["0xtoken2"].TokenType)
	assert.Equal(t, uint64(100), byAddress["0xtoken1"].FirstSeenBlock)
}

func TestDecodeStringResult(t *testing.T) {
	// dynamic string encoding: offset 32, length 4, "Test"
	encoded := []byte{}
	encoded = append(encoded, uint256Word(32)...)
	encoded = append(encoded, uint256Word(4)...)
	encoded = append(encoded, common.RightPadBytes([]byte("Test"), 32)...)
	assert.Equal(t, "Test", decodeStringResult(encoded))

	// bytes32 fallback with zero padding
	assert.Equal(t, "MKR", decodeStringResult(common.RightPadBytes([]byte("MKR"), 32)))

	// empty result
	assert.Equal(t, "", decodeStringResult(nil))
}
