package chain

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/sha3"
)

const slotSize = 32

// eventTopic returns the keccak256 topic hash for an event signature,
// as a 0x-prefixed lowercase hex string.
func eventTopic(signature string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// functionSelector returns the 4-byte selector for a function signature.
func functionSelector(signature string) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return h.Sum(nil)[:4]
}

// encodeUint ABI-encodes an unsigned integer into one 32-byte slot.
func encodeUint(v uint64) []byte {
	slot := make([]byte, slotSize)
	for i := 0; i < 8; i++ {
		slot[slotSize-1-i] = byte(v >> (8 * i))
	}
	return slot
}

// encodeDynamicBytes ABI-encodes a bytes value: length slot followed by
// the content padded to slot boundaries.
func encodeDynamicBytes(data []byte) []byte {
	out := encodeUint(uint64(len(data)))
	out = append(out, data...)
	if rem := len(data) % slotSize; rem != 0 {
		out = append(out, make([]byte, slotSize-rem)...)
	}
	return out
}

// decodeUintAt reads a uint64 out of the 32-byte slot at offset.
func decodeUintAt(data []byte, offset int) (uint64, error) {
	if offset+slotSize > len(data) {
		return 0, ErrShortReturn
	}
	var v uint64
	for _, b := range data[offset+slotSize-8 : offset+slotSize] {
		v = v<<8 | uint64(b)
	}
	return v, nil
}

// decodeStringAt reads an ABI dynamic string whose head slot sits at
// headOffset.
func decodeStringAt(data []byte, headOffset int) (string, error) {
	raw, err := decodeDynamicAt(data, headOffset)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// decodeDynamicAt resolves a head slot to its dynamic content.
func decodeDynamicAt(data []byte, headOffset int) ([]byte, error) {
	tail, err := decodeUintAt(data, headOffset)
	if err != nil {
		return nil, err
	}
	length, err := decodeUintAt(data, int(tail))
	if err != nil {
		return nil, err
	}
	start := int(tail) + slotSize
	end := start + int(length)
	if end > len(data) {
		return nil, ErrShortReturn
	}
	return data[start:end], nil
}

// decodeBytesArray decodes an ABI-encoded bytes[] return value.
func decodeBytesArray(data []byte) ([][]byte, error) {
	arrayOffset, err := decodeUintAt(data, 0)
	if err != nil {
		return nil, err
	}
	base := int(arrayOffset)
	count, err := decodeUintAt(data, base)
	if err != nil {
		return nil, err
	}

	elemBase := base + slotSize
	out := make([][]byte, 0, count)
	for i := 0; i < int(count); i++ {
		elemOffset, err := decodeUintAt(data, elemBase+i*slotSize)
		if err != nil {
			return nil, err
		}
		length, err := decodeUintAt(data, elemBase+int(elemOffset))
		if err != nil {
			return nil, err
		}
		start := elemBase + int(elemOffset) + slotSize
		end := start + int(length)
		if end > len(data) {
			return nil, ErrShortReturn
		}
		out = append(out, append([]byte(nil), data[start:end]...))
	}
	return out, nil
}

// decodeTaskCreated parses a TaskCreated log. The task index is the
// first indexed topic; pool key, order count and deadline live in the
// data section.
func decodeTaskCreated(lg rpcLog, blockNum uint64) (TaskCreatedEvent, error) {
	if len(lg.Topics) < 2 {
		return TaskCreatedEvent{}, fmt.Errorf("task log needs 2 topics, got %d", len(lg.Topics))
	}
	taskIndex, err := parseHexUint(lg.Topics[1])
	if err != nil {
		return TaskCreatedEvent{}, err
	}

	data, err := hexBytes(lg.Data)
	if err != nil {
		return TaskCreatedEvent{}, err
	}
	poolKey, err := decodeStringAt(data, 0)
	if err != nil {
		return TaskCreatedEvent{}, err
	}
	orderCount, err := decodeUintAt(data, slotSize)
	if err != nil {
		return TaskCreatedEvent{}, err
	}
	deadline, err := decodeUintAt(data, 2*slotSize)
	if err != nil {
		return TaskCreatedEvent{}, err
	}

	return TaskCreatedEvent{
		TaskIndex:   uint32(taskIndex),
		PoolKey:     poolKey,
		OrderCount:  uint32(orderCount),
		Deadline:    int64(deadline),
		BlockNumber: blockNum,
	}, nil
}

// decodeOrderStored parses an OrderStored log. Order id and trader are
// indexed topics; the encrypted order bytes and the storage timestamp
// live in the data section.
func decodeOrderStored(lg rpcLog, blockNum uint64) (OrderStoredEvent, error) {
	if len(lg.Topics) < 3 {
		return OrderStoredEvent{}, fmt.Errorf("order log needs 3 topics, got %d", len(lg.Topics))
	}
	data, err := hexBytes(lg.Data)
	if err != nil {
		return OrderStoredEvent{}, err
	}
	encrypted, err := decodeDynamicAt(data, 0)
	if err != nil {
		return OrderStoredEvent{}, err
	}
	timestamp, err := decodeUintAt(data, slotSize)
	if err != nil {
		return OrderStoredEvent{}, err
	}

	return OrderStoredEvent{
		OrderID:        strings.ToLower(lg.Topics[1]),
		Trader:         topicAddress(lg.Topics[2]),
		EncryptedOrder: append([]byte(nil), encrypted...),
		Timestamp:      int64(timestamp),
		BlockNumber:    blockNum,
	}, nil
}

// topicAddress extracts the 20-byte address padded into an indexed topic.
func topicAddress(topic string) string {
	s := strings.ToLower(strings.TrimPrefix(topic, "0x"))
	if len(s) > 40 {
		s = s[len(s)-40:]
	}
	return "0x" + s
}

// parseHexUint parses a 0x-prefixed hex quantity.
func parseHexUint(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s) > 16 {
		// Quantities wider than 64 bits keep only the low bits.
		s = s[len(s)-16:]
	}
	return strconv.ParseUint(s, 16, 64)
}

// toHexUint renders a quantity as 0x-prefixed hex.
func toHexUint(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}

// hexBytes decodes a 0x-prefixed hex blob.
func hexBytes(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}
