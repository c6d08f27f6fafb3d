package proofsvc

import (
	"bytes"
	"testing"
)

func TestWriteReadMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := &ProofRequest{Kind: KindProofRequest, RequestID: "r1", CommitmentID: "abc"}

	if err := WriteMessage(&buf, req); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	raw, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}

	kind, err := PeekKind(raw)
	if err != nil {
		t.Fatalf("PeekKind failed: %v", err)
	}
	if kind != KindProofRequest {
		t.Errorf("kind = %q, want %q", kind, KindProofRequest)
	}
}

func TestReadMessageRejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0, 1, 0, 0, 0, 0})

	if _, err := ReadMessage(&buf); err == nil {
		t.Error("expected error for bad magic")
	}
}

func TestReadMessageRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	header := make([]byte, frameHeaderSize)
	header[0], header[1], header[2], header[3] = 0x50, 0x52, 0x46, 0x53
	header[4] = ProtocolVersion
	header[5], header[6], header[7], header[8] = 0xff, 0xff, 0xff, 0xff
	buf.Write(header)

	if _, err := ReadMessage(&buf); err == nil {
		t.Error("expected error for oversized length")
	}
}

func TestReadMessageRejectsFutureVersion(t *testing.T) {
	var buf bytes.Buffer
	header := make([]byte, frameHeaderSize)
	header[0], header[1], header[2], header[3] = 0x50, 0x52, 0x46, 0x53
	header[4] = ProtocolVersion + 1
	buf.Write(header)

	if _, err := ReadMessage(&buf); err == nil {
		t.Error("expected error for unsupported future version")
	}
}
