// Package chain talks to the settlement layer over Ethereum JSON-RPC.
// The operator watches vault contract events for new tasks and stored
// orders, and submits matching proofs and task responses back on-chain.
package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/eigenvault/operator/pkg/config"
)

var (
	ErrRPCFailure     = errors.New("rpc call failed")
	ErrTxNotConfirmed = errors.New("transaction not confirmed")
	ErrShortReturn    = errors.New("return data too short")
)

// Event signatures emitted by the vault contracts.
var (
	topicTaskCreated = eventTopic("TaskCreated(uint32,string,uint32,uint256)")
	topicOrderStored = eventTopic("OrderStored(bytes32,address,bytes,uint256)")

	selRetrieveOrders   = functionSelector("retrieveOrdersForTask(uint32)")
	selSubmitProof      = functionSelector("submitMatchingProof(uint32,bytes,bytes32,bytes)")
	selRespondToTask    = functionSelector("respondToTask(uint32,bytes,bytes)")
	selRegisterOperator = functionSelector("registerOperator()")
)

// TaskCreatedEvent announces a matching task for a pool.
type TaskCreatedEvent struct {
	TaskIndex   uint32 `json:"task_index"`
	PoolKey     string `json:"pool_key"`
	OrderCount  uint32 `json:"order_count"`
	Deadline    int64  `json:"deadline"`
	BlockNumber uint64 `json:"block_number"`
}

// OrderStoredEvent announces an encrypted order deposited in the vault.
// The ciphertext rides in the log data so operators can feed it straight
// into the matching engine.
type OrderStoredEvent struct {
	OrderID        string `json:"order_id"`
	Trader         string `json:"trader"`
	EncryptedOrder []byte `json:"encrypted_order"`
	Timestamp      int64  `json:"timestamp"`
	BlockNumber    uint64 `json:"block_number"`
}

// Events is one poll's worth of decoded vault activity.
type Events struct {
	Tasks  []TaskCreatedEvent
	Orders []OrderStoredEvent
}

// StoredOrder is an encrypted order blob retrieved from the vault.
type StoredOrder struct {
	OrderID       string
	EncryptedData []byte
}

// Client is the settlement-layer RPC client.
type Client struct {
	cfg    config.EthereumConfig
	http   *http.Client
	logger log.Logger

	rpcSeq uint64

	mu        sync.Mutex
	lastBlock uint64
}

// NewClient creates a chain client. Polling starts at the current head
// on the first PollEvents call.
func NewClient(cfg config.EthereumConfig, logger log.Logger) *Client {
	return &Client{
		cfg:    cfg,
		logger: logger,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      uint64 `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcLog struct {
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	BlockNumber string   `json:"blockNumber"`
}

// call performs one JSON-RPC round trip.
func (c *Client) call(ctx context.Context, method string, params []any, result any) error {
	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      atomic.AddUint64(&c.rpcSeq, 1),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RPCURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRPCFailure, method, err)
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRPCFailure, method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("%w: %s: %s (code %d)", ErrRPCFailure, method, rpcResp.Error.Message, rpcResp.Error.Code)
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrRPCFailure, method, err)
		}
	}
	return nil
}

// BlockNumber returns the current head block.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var hexNum string
	if err := c.call(ctx, "eth_blockNumber", []any{}, &hexNum); err != nil {
		return 0, err
	}
	return parseHexUint(hexNum)
}

// PollEvents fetches vault logs since the previous poll and decodes
// them in ascending block order. The first call establishes the poll
// cursor at the current head without returning events.
func (c *Client) PollEvents(ctx context.Context) (*Events, error) {
	head, err := c.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	from := c.lastBlock + 1
	if c.lastBlock == 0 {
		c.lastBlock = head
		c.mu.Unlock()
		return &Events{}, nil
	}
	c.mu.Unlock()

	if from > head {
		return &Events{}, nil
	}

	filter := map[string]any{
		"fromBlock": toHexUint(from),
		"toBlock":   toHexUint(head),
		"address":   []string{c.cfg.ServiceManagerAddress, c.cfg.OrderVaultAddress},
	}
	var logs []rpcLog
	if err := c.call(ctx, "eth_getLogs", []any{filter}, &logs); err != nil {
		return nil, err
	}

	events := &Events{}
	for _, lg := range logs {
		if len(lg.Topics) == 0 {
			continue
		}
		blockNum, err := parseHexUint(lg.BlockNumber)
		if err != nil {
			continue
		}
		switch strings.ToLower(lg.Topics[0]) {
		case topicTaskCreated:
			if ev, err := decodeTaskCreated(lg, blockNum); err == nil {
				events.Tasks = append(events.Tasks, ev)
			} else {
				c.logger.Warn("Undecodable TaskCreated log", "block", blockNum, "error", err)
			}
		case topicOrderStored:
			if ev, err := decodeOrderStored(lg, blockNum); err == nil {
				events.Orders = append(events.Orders, ev)
			} else {
				c.logger.Warn("Undecodable OrderStored log", "block", blockNum, "error", err)
			}
		}
	}

	c.mu.Lock()
	c.lastBlock = head
	c.mu.Unlock()

	if len(events.Tasks) > 0 || len(events.Orders) > 0 {
		c.logger.Info("Chain events polled",
			"tasks", len(events.Tasks), "orders", len(events.Orders),
			"from", from, "to", head)
	}
	return events, nil
}

// RetrieveOrdersForTask calls the vault to fetch the encrypted order
// blobs bound to a task.
func (c *Client) RetrieveOrdersForTask(ctx context.Context, taskIndex uint32) ([]StoredOrder, error) {
	calldata := append(append([]byte(nil), selRetrieveOrders...), encodeUint(uint64(taskIndex))...)

	var ret string
	callObj := map[string]any{
		"to":   c.cfg.OrderVaultAddress,
		"data": "0x" + hex.EncodeToString(calldata),
	}
	if err := c.call(ctx, "eth_call", []any{callObj, "latest"}, &ret); err != nil {
		return nil, err
	}

	data, err := hexBytes(ret)
	if err != nil {
		return nil, err
	}
	blobs, err := decodeBytesArray(data)
	if err != nil {
		return nil, fmt.Errorf("decode vault return: %w", err)
	}

	orders := make([]StoredOrder, 0, len(blobs))
	for i, blob := range blobs {
		orders = append(orders, StoredOrder{
			OrderID:       fmt.Sprintf("task%d_order%d", taskIndex, i),
			EncryptedData: blob,
		})
	}
	return orders, nil
}

// SubmitMatchingProof publishes a settlement proof together with the
// result hash it commits to and the aggregated operator signatures.
func (c *Client) SubmitMatchingProof(ctx context.Context, taskIndex uint32, proof []byte, resultHash [32]byte, signatures []byte) (string, error) {
	proofEnc := encodeDynamicBytes(proof)
	headSize := uint64(4 * slotSize)

	calldata := append([]byte(nil), selSubmitProof...)
	calldata = append(calldata, encodeUint(uint64(taskIndex))...)
	calldata = append(calldata, encodeUint(headSize)...)
	calldata = append(calldata, resultHash[:]...)
	calldata = append(calldata, encodeUint(headSize+uint64(len(proofEnc)))...)
	calldata = append(calldata, proofEnc...)
	calldata = append(calldata, encodeDynamicBytes(signatures)...)

	txHash, err := c.sendTransaction(ctx, c.cfg.ServiceManagerAddress, calldata)
	if err != nil {
		return "", err
	}
	c.logger.Info("Matching proof submitted", "task", taskIndex, "proof_bytes", len(proof), "tx", txHash)
	return txHash, nil
}

// SubmitTaskResponse answers a matching task with the serialized match
// set and the proof covering it.
func (c *Client) SubmitTaskResponse(ctx context.Context, taskIndex uint32, matches, proof []byte) (string, error) {
	matchesEnc := encodeDynamicBytes(matches)
	headSize := uint64(3 * slotSize)

	calldata := append([]byte(nil), selRespondToTask...)
	calldata = append(calldata, encodeUint(uint64(taskIndex))...)
	calldata = append(calldata, encodeUint(headSize)...)
	calldata = append(calldata, encodeUint(headSize+uint64(len(matchesEnc)))...)
	calldata = append(calldata, matchesEnc...)
	calldata = append(calldata, encodeDynamicBytes(proof)...)

	txHash, err := c.sendTransaction(ctx, c.cfg.ServiceManagerAddress, calldata)
	if err != nil {
		return "", err
	}
	c.logger.Info("Task response submitted", "task", taskIndex, "matches_bytes", len(matches), "tx", txHash)
	return txHash, nil
}

// RegisterOperator registers this operator with the service manager.
func (c *Client) RegisterOperator(ctx context.Context) (string, error) {
	txHash, err := c.sendTransaction(ctx, c.cfg.ServiceManagerAddress, selRegisterOperator)
	if err != nil {
		return "", err
	}
	c.logger.Info("Operator registration submitted", "operator", c.cfg.OperatorAddress, "tx", txHash)
	return txHash, nil
}

// sendTransaction submits a transaction from the operator account.
func (c *Client) sendTransaction(ctx context.Context, to string, calldata []byte) (string, error) {
	tx := map[string]any{
		"from":     c.cfg.OperatorAddress,
		"to":       to,
		"gas":      toHexUint(c.cfg.GasLimit),
		"gasPrice": toHexUint(uint64(c.GasPriceWei().IntPart())),
		"data":     "0x" + hex.EncodeToString(calldata),
	}

	var txHash string
	if err := c.call(ctx, "eth_sendTransaction", []any{tx}, &txHash); err != nil {
		return "", err
	}
	return txHash, nil
}

// WaitForConfirmation polls for a receipt and waits the configured
// number of confirmation blocks on top of inclusion.
func (c *Client) WaitForConfirmation(ctx context.Context, txHash string) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		var receipt struct {
			BlockNumber string `json:"blockNumber"`
			Status      string `json:"status"`
		}
		err := c.call(ctx, "eth_getTransactionReceipt", []any{txHash}, &receipt)
		if err != nil || receipt.BlockNumber == "" {
			continue
		}
		if receipt.Status == "0x0" {
			return fmt.Errorf("%w: %s reverted", ErrTxNotConfirmed, txHash)
		}

		included, err := parseHexUint(receipt.BlockNumber)
		if err != nil {
			continue
		}
		head, err := c.BlockNumber(ctx)
		if err != nil {
			continue
		}
		if head >= included+c.cfg.ConfirmationBlocks {
			return nil
		}
	}
}

// GasPriceWei converts the configured gwei gas price to wei.
func (c *Client) GasPriceWei() decimal.Decimal {
	return decimal.NewFromInt(int64(c.cfg.GasPriceGwei)).Mul(decimal.New(1, 9))
}

// EstimateTxCostEth returns the worst-case transaction cost in ether.
func (c *Client) EstimateTxCostEth() decimal.Decimal {
	wei := c.GasPriceWei().Mul(decimal.NewFromInt(int64(c.cfg.GasLimit)))
	return wei.Div(decimal.New(1, 18))
}

// HealthCheck verifies the RPC endpoint responds.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.BlockNumber(ctx)
	return err
}

// LastBlock returns the poll cursor.
func (c *Client) LastBlock() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastBlock
}

// SetLastBlock seeds the poll cursor, typically from a persisted value
// after a restart.
func (c *Client) SetLastBlock(block uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastBlock = block
}
