// Package protocol defines the management wire protocol: message types,
// reserved opcodes, request/response envelopes and error codes.
package protocol

// ProtocolVersion is the highest management protocol version this module
// speaks. Requests carry the sender's version.
const ProtocolVersion int32 = 1

// Message type tags, the first byte of every message inside a transport frame.
const (
	TypeRequest  byte = 0x01
	TypeResponse byte = 0x02
)

// Response status byte.
const (
	StatusOK    byte = 0x00
	StatusError byte = 0x01
)

// NoBatchID marks a request that does not belong to a batch.
const NoBatchID int32 = -1

// Reserved opcodes are answered by the channel itself and never reach an
// installed operation handler.
const (
	OpCreateBatchID byte = 0xF0
	OpFreeBatchID   byte = 0xF1
	OpPing          byte = 0xF2
)

// IsReserved reports whether op is handled by the channel.
func IsReserved(op byte) bool {
	return op >= OpCreateBatchID && op <= OpPing
}

// OpNames maps reserved opcodes to identifiers for logging.
var OpNames = map[byte]string{
	OpCreateBatchID: "CREATE_BATCH_ID",
	OpFreeBatchID:   "FREE_BATCH_ID",
	OpPing:          "PING",
}
