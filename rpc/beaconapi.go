package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethpandaops/elscout/utils"
)

// BeaconClient is a thin client over the beacon node REST API. Beacon data
// is optional enrichment, all lookups tolerate missing blocks.
type BeaconClient struct {
	name     string
	endpoint string
	client   *nethttp.Client
	gate     *CallGate
}

// NewBeaconClient is used to create a new beacon client
func NewBeaconClient(name string, endpoint string, gate *CallGate) *BeaconClient {
	callTimeout := time.Duration(utils.Config.Indexer.WorkerTimeoutSeconds) * time.Second
	if callTimeout == 0 {
		callTimeout = 30 * time.Second
	}

	return &BeaconClient{
		name:     name,
		endpoint: strings.TrimSuffix(endpoint, "/"),
		client:   &nethttp.Client{Timeout: callTimeout},
		gate:     gate,
	}
}

var errNotFound = errors.New("not found 404")

type httpStatusError struct {
	statusCode int
	body       string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http error %v: %s", e.statusCode, e.body)
}

func (bc *BeaconClient) getJson(ctx context.Context, requrl string, returnValue interface{}) error {
	release, err := bc.gate.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	logurl := utils.GetRedactedUrl(requrl)
	t0 := time.Now()
	defer func() {
		logger.WithField("client", bc.name).Debugf("RPC GET call (json): %v [%v ms]", logurl, time.Since(t0).Milliseconds())
	}()

	req, err := nethttp.NewRequestWithContext(ctx, "GET", requrl, nil)
	if err != nil {
		return err
	}

	resp, err := bc.client.Do(req)
	if err != nil {
		return err
	}

	defer resp.Body.Close()

	if resp.StatusCode != nethttp.StatusOK {
		if resp.StatusCode == nethttp.StatusNotFound {
			return errNotFound
		}
		if resp.StatusCode == nethttp.StatusTooManyRequests {
			bc.gate.Slowdown(30 * time.Second)
		}
		data, _ := io.ReadAll(resp.Body)
		logger.WithField("client", bc.name).Debugf("RPC Error %v: %v", resp.StatusCode, data)
		return &httpStatusError{statusCode: resp.StatusCode, body: string(data)}
	}

	dec := json.NewDecoder(resp.Body)
	err = dec.Decode(&returnValue)
	if err != nil {
		return fmt.Errorf("error parsing json response: %v", err)
	}

	return nil
}

type beaconBlockResponse struct {
	Data struct {
		Message struct {
			Slot          string `json:"slot"`
			ProposerIndex string `json:"proposer_index"`
			ParentRoot    string `json:"parent_root"`
			StateRoot     string `json:"state_root"`
			Body          struct {
				RandaoReveal string `json:"randao_reveal"`
				Graffiti     string `json:"graffiti"`
				Eth1Data     struct {
					DepositCount string `json:"deposit_count"`
				} `json:"eth1_data"`
				ExecutionPayload *struct {
					BlockHash   string `json:"block_hash"`
					BlockNumber string `json:"block_number"`
					PrevRandao  string `json:"prev_randao"`
					Timestamp   string `json:"timestamp"`
				} `json:"execution_payload"`
			} `json:"body"`
		} `json:"message"`
	} `json:"data"`
}

// BeaconBlockData is the consensus layer enrichment attached to an
// execution block.
type BeaconBlockData struct {
	Slot               uint64
	ProposerIndex      uint64
	Epoch              uint64
	SlotRoot           string
	ParentRoot         string
	BeaconDepositCount *uint64
	Graffiti           string
	RandaoReveal       string
	RandaoMix          string
}

// GetBlockBySlot fetches the beacon block at a slot and returns its
// enrichment data. Returns nil without error for empty (missed) slots.
func (bc *BeaconClient) GetBlockBySlot(ctx context.Context, slot uint64) (*BeaconBlockData, error) {
	block, err := bc.getBlockBySlot(ctx, slot)
	if err != nil || block == nil {
		return nil, err
	}
	return bc.buildBlockData(block), nil
}

// getBlockBySlot fetches a full beacon block. Returns nil without error for
// empty (missed) slots.
func (bc *BeaconClient) getBlockBySlot(ctx context.Context, slot uint64) (*beaconBlockResponse, error) {
	var block beaconBlockResponse
	err := bc.getJson(ctx, fmt.Sprintf("%s/eth/v2/beacon/blocks/%d", bc.endpoint, slot), &block)
	if err != nil {
		if err == errNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("error retrieving block for slot %v: %w", slot, err)
	}
	return &block, nil
}

// GetSlotForTimestamp derives the beacon slot an execution block timestamp
// belongs to. Returns false for pre-genesis timestamps.
func (bc *BeaconClient) GetSlotForTimestamp(timestamp uint64) (uint64, bool) {
	return utils.SlotOfTimestamp(timestamp)
}

// GetBlockByExecutionHash resolves the beacon block embedding the given
// execution block hash. The slot is derived from the execution timestamp;
// since missed slots shift the mapping, the neighbouring slots are probed
// when the payload hash does not match.
func (bc *BeaconClient) GetBlockByExecutionHash(ctx context.Context, executionHash string, timestamp uint64) (*BeaconBlockData, error) {
	slot, ok := bc.GetSlotForTimestamp(timestamp)
	if !ok {
		return nil, nil
	}

	candidates := []uint64{slot, slot + 1}
	if slot > 0 {
		candidates = append(candidates, slot-1)
	}

	for _, candidate := range candidates {
		block, err := bc.getBlockBySlot(ctx, candidate)
		if err != nil {
			return nil, err
		}
		if block == nil {
			continue
		}
		payload := block.Data.Message.Body.ExecutionPayload
		if payload == nil || !strings.EqualFold(payload.BlockHash, executionHash) {
			continue
		}
		return bc.buildBlockData(block), nil
	}

	return nil, nil
}

func (bc *BeaconClient) buildBlockData(block *beaconBlockResponse) *BeaconBlockData {
	message := &block.Data.Message
	slot, _ := strconv.ParseUint(message.Slot, 10, 64)
	proposerIndex, _ := strconv.ParseUint(message.ProposerIndex, 10, 64)

	data := &BeaconBlockData{
		Slot:          slot,
		ProposerIndex: proposerIndex,
		Epoch:         utils.EpochOfSlot(slot),
		SlotRoot:      message.StateRoot,
		ParentRoot:    message.ParentRoot,
		Graffiti:      utils.DecodeGraffiti(message.Body.Graffiti),
		RandaoReveal:  message.Body.RandaoReveal,
	}

	if depositCount, err := strconv.ParseUint(message.Body.Eth1Data.DepositCount, 10, 64); err == nil {
		data.BeaconDepositCount = &depositCount
	}
	if message.Body.ExecutionPayload != nil {
		data.RandaoMix = message.Body.ExecutionPayload.PrevRandao
	}

	return data
}
