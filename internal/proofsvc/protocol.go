// Package proofsvc exposes the commitment store's query, proof, and
// push/ack handlers over a length-prefixed JSON protocol on a
// Unix-domain socket (spec §4 intro, §6 "Proof protocol").
package proofsvc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// ProtocolMagic identifies a proofsvc frame, guarding against a client
// speaking an unrelated protocol over the same socket.
const ProtocolMagic = 0x50524653 // "PRFS"

// ProtocolVersion is incremented on any wire-incompatible change.
const ProtocolVersion = 1

// maxPayloadSize bounds a single frame's JSON payload.
const maxPayloadSize = 16 * 1024 * 1024

// frameHeaderSize is the fixed size of the frame header: magic (4) +
// version (1) + length (4).
const frameHeaderSize = 9

// writeFrame writes a length-prefixed JSON frame: magic, version,
// payload length, payload bytes.
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("proofsvc: payload of %d bytes exceeds the %d byte limit", len(payload), maxPayloadSize)
	}
	buf := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], ProtocolMagic)
	buf[4] = ProtocolVersion
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(payload)))
	if _, err := w.Write(buf); err != nil {
		return err
	}
	if len(payload) > 0 {
		_, err := w.Write(payload)
		return err
	}
	return nil
}

// readFrame reads one length-prefixed JSON frame's payload.
func readFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	magic := binary.BigEndian.Uint32(header[0:4])
	if magic != ProtocolMagic {
		return nil, fmt.Errorf("proofsvc: bad frame magic %x", magic)
	}
	version := header[4]
	if version > ProtocolVersion {
		return nil, fmt.Errorf("proofsvc: unsupported protocol version %d", version)
	}

	length := binary.BigEndian.Uint32(header[5:9])
	if length > maxPayloadSize {
		return nil, fmt.Errorf("proofsvc: frame of %d bytes exceeds the %d byte limit", length, maxPayloadSize)
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// WriteMessage marshals v as JSON and writes it as one frame.
func WriteMessage(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("proofsvc: marshal message: %w", err)
	}
	return writeFrame(w, payload)
}

// ReadMessage reads one frame's raw JSON payload, for dispatch on its
// "kind" field before unmarshaling into a specific message type.
func ReadMessage(r io.Reader) (json.RawMessage, error) {
	return readFrame(r)
}

// kindEnvelope is the common field every message kind carries, used to
// peek at a frame's kind before fully decoding it.
type kindEnvelope struct {
	Kind Kind `json:"kind"`
}

// PeekKind reads a frame's "kind" field without decoding the rest.
func PeekKind(raw json.RawMessage) (Kind, error) {
	var env kindEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("proofsvc: decode message kind: %w", err)
	}
	return env.Kind, nil
}
