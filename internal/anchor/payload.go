// Package anchor assembles the fixed-layout on-chain payload,
// records and confirms anchors, and binds commitments to the
// earliest anchor that covers them (spec §4.4).
package anchor

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PayloadSize is the fixed byte length of an anchor payload.
const PayloadSize = 79

// protocolID is the fixed 10-byte ASCII identifier at offset 0.
const protocolID = "BSV-ANCHOR"

// payloadVersion is the single byte at offset 10.
const payloadVersion = 0x01

// Errors returned while assembling or parsing a payload.
var (
	ErrEmptyTree         = errors.New("anchor: cannot anchor an empty tree")
	ErrNoNewCommitments  = errors.New("anchor: no commitments added since the last anchor")
	ErrMalformedPayload  = errors.New("anchor: malformed payload")
	ErrUnsupportedVersion = errors.New("anchor: unsupported payload version")
)

// BuildPayload assembles the fixed 79-byte anchor payload (spec §4.4,
// "Anchor-payload format"):
//
//	offset  size  field
//	0       10    protocol identifier "BSV-ANCHOR"
//	10      1     version (0x01)
//	11      32    root hash (raw bytes)
//	43      4     commitment count (big-endian)
//	47      32    previous anchor txid (raw bytes, zero for the first anchor)
func BuildPayload(rootHash [32]byte, commitmentCount uint64, previousTxid [32]byte) ([]byte, error) {
	if commitmentCount > 0xFFFFFFFF {
		return nil, fmt.Errorf("anchor: commitment count %d overflows 32 bits", commitmentCount)
	}

	buf := make([]byte, PayloadSize)
	copy(buf[0:10], protocolID)
	buf[10] = payloadVersion
	copy(buf[11:43], rootHash[:])
	binary.BigEndian.PutUint32(buf[43:47], uint32(commitmentCount))
	copy(buf[47:79], previousTxid[:])

	return buf, nil
}

// ParsePayload decodes a 79-byte anchor payload back into its fields.
func ParsePayload(data []byte) (rootHash [32]byte, commitmentCount uint64, previousTxid [32]byte, err error) {
	if len(data) != PayloadSize {
		return rootHash, 0, previousTxid, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedPayload, PayloadSize, len(data))
	}
	if string(data[0:10]) != protocolID {
		return rootHash, 0, previousTxid, fmt.Errorf("%w: bad protocol identifier", ErrMalformedPayload)
	}
	if data[10] != payloadVersion {
		return rootHash, 0, previousTxid, fmt.Errorf("%w: got %d", ErrUnsupportedVersion, data[10])
	}

	copy(rootHash[:], data[11:43])
	commitmentCount = uint64(binary.BigEndian.Uint32(data[43:47]))
	copy(previousTxid[:], data[47:79])

	return rootHash, commitmentCount, previousTxid, nil
}
