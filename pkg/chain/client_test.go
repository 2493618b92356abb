package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigenvault/operator/pkg/config"
)

func testLogger() log.Logger {
	level, _ := log.ToLevel("error")
	return log.NewTestLogger(level)
}

// rpcHandler routes JSON-RPC methods to canned responders.
type rpcHandler struct {
	handlers map[string]func(params []json.RawMessage) any
}

func (h *rpcHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
		ID     uint64            `json:"id"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	fn, ok := h.handlers[req.Method]
	if !ok {
		json.NewEncoder(w).Encode(map[string]any{
			"id": req.ID, "error": map[string]any{"code": -32601, "message": "method not found"},
		})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"id": req.ID, "result": fn(req.Params)})
}

func testClient(t *testing.T, handlers map[string]func([]json.RawMessage) any) *Client {
	t.Helper()
	server := httptest.NewServer(&rpcHandler{handlers: handlers})
	t.Cleanup(server.Close)

	cfg := config.Default().Ethereum
	cfg.RPCURL = server.URL
	cfg.OperatorAddress = "0xabc0000000000000000000000000000000000001"
	return NewClient(cfg, testLogger())
}

// encodeTaskCreatedData builds the ABI data section of a TaskCreated log:
// string head offset, order count, deadline, then the string tail.
func encodeTaskCreatedData(poolKey string, orderCount, deadline uint64) string {
	data := encodeUint(3 * slotSize)
	data = append(data, encodeUint(orderCount)...)
	data = append(data, encodeUint(deadline)...)
	data = append(data, encodeDynamicBytes([]byte(poolKey))...)
	return "0x" + hex.EncodeToString(data)
}

// encodeOrderStoredData builds the ABI data section of an OrderStored
// log: encrypted bytes head offset, timestamp, then the bytes tail.
func encodeOrderStoredData(encrypted []byte, timestamp uint64) string {
	data := encodeUint(2 * slotSize)
	data = append(data, encodeUint(timestamp)...)
	data = append(data, encodeDynamicBytes(encrypted)...)
	return "0x" + hex.EncodeToString(data)
}

func TestBlockNumber(t *testing.T) {
	client := testClient(t, map[string]func([]json.RawMessage) any{
		"eth_blockNumber": func([]json.RawMessage) any { return "0x10" },
	})

	head, err := client.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(16), head)
}

func TestRPCErrorSurfaced(t *testing.T) {
	client := testClient(t, nil)
	_, err := client.BlockNumber(context.Background())
	assert.ErrorIs(t, err, ErrRPCFailure)
}

func TestPollEventsCursorAndDecoding(t *testing.T) {
	head := "0x64"
	var gotFilter map[string]any
	client := testClient(t, map[string]func([]json.RawMessage) any{
		"eth_blockNumber": func([]json.RawMessage) any { return head },
		"eth_getLogs": func(params []json.RawMessage) any {
			json.Unmarshal(params[0], &gotFilter)
			return []rpcLog{
				{
					Topics:      []string{topicTaskCreated, "0x7"},
					Data:        encodeTaskCreatedData("ETH_USDC_3000", 3, 1700003600),
					BlockNumber: "0x65",
				},
				{
					Topics: []string{
						topicOrderStored,
						"0xaa00000000000000000000000000000000000000000000000000000000000001",
						"0x000000000000000000000000bb00000000000000000000000000000000000002",
					},
					Data:        encodeOrderStoredData([]byte("sealed-order"), 1700003601),
					BlockNumber: "0x66",
				},
				{
					Topics:      []string{"0xdeadbeef"},
					Data:        "0x",
					BlockNumber: "0x66",
				},
			}
		},
	})

	// First poll only establishes the cursor.
	events, err := client.PollEvents(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events.Tasks)
	assert.Empty(t, events.Orders)
	assert.Equal(t, uint64(100), client.LastBlock())

	head = "0x66"
	events, err = client.PollEvents(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "0x65", gotFilter["fromBlock"])
	require.Len(t, events.Tasks, 1)
	task := events.Tasks[0]
	assert.Equal(t, uint32(7), task.TaskIndex)
	assert.Equal(t, "ETH_USDC_3000", task.PoolKey)
	assert.Equal(t, uint32(3), task.OrderCount)
	assert.Equal(t, int64(1700003600), task.Deadline)
	assert.Equal(t, uint64(0x65), task.BlockNumber)

	require.Len(t, events.Orders, 1)
	order := events.Orders[0]
	assert.Equal(t, "0xaa00000000000000000000000000000000000000000000000000000000000001", order.OrderID)
	assert.Equal(t, "0xbb00000000000000000000000000000000000000", order.Trader)
	assert.Equal(t, []byte("sealed-order"), order.EncryptedOrder)
	assert.Equal(t, int64(1700003601), order.Timestamp)

	assert.Equal(t, uint64(0x66), client.LastBlock())
}

func TestPollEventsNoNewBlocks(t *testing.T) {
	client := testClient(t, map[string]func([]json.RawMessage) any{
		"eth_blockNumber": func([]json.RawMessage) any { return "0x10" },
	})

	_, err := client.PollEvents(context.Background())
	require.NoError(t, err)
	events, err := client.PollEvents(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events.Tasks)
}

func TestRetrieveOrdersForTask(t *testing.T) {
	blobA := []byte("encrypted-order-a")
	blobB := []byte("encrypted-order-bb")

	// bytes[] return: array offset, count, per-element offsets, elements.
	payload := encodeUint(slotSize)
	payload = append(payload, encodeUint(2)...)
	elemA := encodeDynamicBytes(blobA)
	payload = append(payload, encodeUint(2*slotSize)...)
	payload = append(payload, encodeUint(uint64(2*slotSize+len(elemA)))...)
	payload = append(payload, elemA...)
	payload = append(payload, encodeDynamicBytes(blobB)...)

	var calldata string
	client := testClient(t, map[string]func([]json.RawMessage) any{
		"eth_call": func(params []json.RawMessage) any {
			var callObj map[string]string
			json.Unmarshal(params[0], &callObj)
			calldata = callObj["data"]
			return "0x" + hex.EncodeToString(payload)
		},
	})

	orders, err := client.RetrieveOrdersForTask(context.Background(), 9)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, blobA, orders[0].EncryptedData)
	assert.Equal(t, blobB, orders[1].EncryptedData)
	assert.Equal(t, "task9_order0", orders[0].OrderID)

	// Calldata starts with the retrieval selector.
	assert.Equal(t, "0x"+hex.EncodeToString(selRetrieveOrders), calldata[:10])
}

func TestSubmitTaskResponse(t *testing.T) {
	var sentTx map[string]string
	client := testClient(t, map[string]func([]json.RawMessage) any{
		"eth_sendTransaction": func(params []json.RawMessage) any {
			json.Unmarshal(params[0], &sentTx)
			return "0xtxhash"
		},
	})

	matches := []byte(`[{"match_id":"m1"}]`)
	proof := []byte{0xca, 0xfe}
	txHash, err := client.SubmitTaskResponse(context.Background(), 3, matches, proof)
	require.NoError(t, err)
	assert.Equal(t, "0xtxhash", txHash)
	assert.Equal(t, client.cfg.ServiceManagerAddress, sentTx["to"])
	assert.Equal(t, client.cfg.OperatorAddress, sentTx["from"])
	assert.Equal(t, "0x"+hex.EncodeToString(selRespondToTask), sentTx["data"][:10])

	// Both dynamic arguments survive the calldata round trip.
	data, err := hexBytes(sentTx["data"])
	require.NoError(t, err)
	args := data[4:]
	taskIndex, err := decodeUintAt(args, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), taskIndex)
	gotMatches, err := decodeDynamicAt(args, slotSize)
	require.NoError(t, err)
	assert.Equal(t, matches, gotMatches)
	gotProof, err := decodeDynamicAt(args, 2*slotSize)
	require.NoError(t, err)
	assert.Equal(t, proof, gotProof)
}

func TestSubmitMatchingProof(t *testing.T) {
	var sentTx map[string]string
	client := testClient(t, map[string]func([]json.RawMessage) any{
		"eth_sendTransaction": func(params []json.RawMessage) any {
			json.Unmarshal(params[0], &sentTx)
			return "0xproofhash"
		},
	})

	proof := []byte{1, 2, 3}
	signatures := []byte{4, 5, 6, 7}
	var resultHash [32]byte
	resultHash[0] = 0xab
	resultHash[31] = 0xcd

	txHash, err := client.SubmitMatchingProof(context.Background(), 1, proof, resultHash, signatures)
	require.NoError(t, err)
	assert.Equal(t, "0xproofhash", txHash)
	assert.Equal(t, "0x"+hex.EncodeToString(selSubmitProof), sentTx["data"][:10])

	data, err := hexBytes(sentTx["data"])
	require.NoError(t, err)
	args := data[4:]
	taskIndex, err := decodeUintAt(args, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), taskIndex)
	gotProof, err := decodeDynamicAt(args, slotSize)
	require.NoError(t, err)
	assert.Equal(t, proof, gotProof)
	assert.Equal(t, resultHash[:], args[2*slotSize:3*slotSize])
	gotSigs, err := decodeDynamicAt(args, 3*slotSize)
	require.NoError(t, err)
	assert.Equal(t, signatures, gotSigs)
}

func TestGasMath(t *testing.T) {
	cfg := config.Default().Ethereum
	cfg.GasPriceGwei = 20
	cfg.GasLimit = 500_000
	client := NewClient(cfg, testLogger())

	assert.Equal(t, "20000000000", client.GasPriceWei().String())
	// 20 gwei * 500k gas = 0.01 ETH.
	assert.Equal(t, "0.01", client.EstimateTxCostEth().String())
}

func TestHealthCheck(t *testing.T) {
	client := testClient(t, map[string]func([]json.RawMessage) any{
		"eth_blockNumber": func([]json.RawMessage) any { return "0x1" },
	})
	assert.NoError(t, client.HealthCheck(context.Background()))
}
