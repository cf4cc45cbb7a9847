package rpc

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/elscout/types"
	"github.com/ethpandaops/elscout/utils"
)

type rpcRequest struct {
	Id     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type rpcResponse struct {
	Id      json.RawMessage `json:"id"`
	Jsonrpc string          `json:"jsonrpc"`
	Result  interface{}     `json:"result,omitempty"`
	Error   interface{}     `json:"error,omitempty"`
}

// newMockRpcServer serves canned responses per json-rpc method.
func newMockRpcServer(t *testing.T, results map[string]interface{}) *httptest.Server {
	t.Helper()

	handle := func(req *rpcRequest) *rpcResponse {
		resp := &rpcResponse{Id: req.Id, Jsonrpc: "2.0"}
		result, found := results[req.Method]
		if !found {
			resp.Error = map[string]interface{}{"code": -32601, "message": "the method " + req.Method + " does not exist/is not available"}
			return resp
		}
		resp.Result = result
		return resp
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		w.Header().Set("Content-Type", "application/json")
		if len(body) > 0 && body[0] == '[' {
			batch := []*rpcRequest{}
			require.NoError(t, json.Unmarshal(body, &batch))
			responses := make([]*rpcResponse, len(batch))
			for i, req := range batch {
				responses[i] = handle(req)
			}
			json.NewEncoder(w).Encode(responses)
			return
		}

		req := &rpcRequest{}
		require.NoError(t, json.Unmarshal(body, req))
		json.NewEncoder(w).Encode(handle(req))
	}))
}

func newTestExecutionClient(t *testing.T, server *httptest.Server) *ExecutionClient {
	t.Helper()

	cfg := &types.Config{}
	cfg.ExecutionApi.BatchSize = 2
	cfg.Indexer.WorkerTimeoutSeconds = 5
	cfg.Indexer.MaxConcurrentTxReceipts = 10
	utils.Config = cfg

	gate := NewCallGate("test-execution", 4, 0)
	client := NewExecutionClient("test", server.URL, gate)
	require.NoError(t, client.Initialize(context.Background()))
	return client
}

func TestExecutionClientBasicCalls(t *testing.T) {
	server := newMockRpcServer(t, map[string]interface{}{
		"eth_chainId":     "0x1",
		"eth_blockNumber": "0x64",
		"eth_getBalance":  "0xde0b6b3a7640000",
		"eth_getCode":     "0x6001",
		"eth_call":        "0x0000000000000000000000000000000000000000000000000000000000000012",
	})
	defer server.Close()

	client := newTestExecutionClient(t, server)
	assert.Equal(t, "1", client.GetChainId().String())

	blockNumber, err := client.GetLatestBlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(100), blockNumber)

	balance, err := client.GetBalance(context.Background(), common.HexToAddress("0xaa"), nil)
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000", balance.String())

	code, err := client.GetCode(context.Background(), common.HexToAddress("0xaa"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x60, 0x01}, code)

	result, err := client.Call(context.Background(), common.HexToAddress("0xaa"), []byte{0x01}, nil)
	require.NoError(t, err)
	assert.Len(t, result, 32)
	assert.Equal(t, byte(0x12), result[31])
}

func TestExecutionClientReceiptFallback(t *testing.T) {
	receipt := map[string]interface{}{
		"transactionHash":   "0x1111111111111111111111111111111111111111111111111111111111111111",
		"transactionIndex":  "0x0",
		"blockHash":         "0x2222222222222222222222222222222222222222222222222222222222222222",
		"blockNumber":       "0x64",
		"from":              "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		"to":                "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		"cumulativeGasUsed": "0x5208",
		"gasUsed":           "0x5208",
		"contractAddress":   nil,
		"logs":              []interface{}{},
		"logsBloom":         "0x" + string(make2048Zeroes()),
		"status":            "0x1",
		"effectiveGasPrice": "0x3b9aca00",
		"type":              "0x2",
	}

	// eth_getBlockReceipts is absent, the client must fall back to batched
	// eth_getTransactionReceipt calls
	server := newMockRpcServer(t, map[string]interface{}{
		"eth_chainId":               "0x1",
		"eth_getTransactionReceipt": receipt,
	})
	defer server.Close()

	client := newTestExecutionClient(t, server)

	txHashes := []common.Hash{
		common.HexToHash("0x1111111111111111111111111111111111111111111111111111111111111111"),
	}
	receipts, err := client.GetBlockReceipts(context.Background(), 100, txHashes)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, uint64(1), receipts[0].Status)
	assert.Equal(t, uint64(0x5208), receipts[0].GasUsed)
	assert.Equal(t, "1000000000", receipts[0].EffectiveGasPrice.String())
}

func TestIsRetryableErrorClassification(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.False(t, IsRetryableError(ErrNotFound))
	assert.True(t, IsRetryableError(context.DeadlineExceeded))
	assert.True(t, IsRetryableError(assertErr("connection refused")))
	assert.True(t, IsRetryableError(assertErr("error parsing json response: unexpected token")))
	assert.False(t, IsRetryableError(assertErr("the method eth_getBlockReceipts does not exist/is not available")))
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

// make2048Zeroes returns the 512 hex digits of an all-zero 2048-bit bloom.
func make2048Zeroes() []byte {
	zeroes := make([]byte, 512)
	for i := range zeroes {
		zeroes[i] = '0'
	}
	return zeroes
}
