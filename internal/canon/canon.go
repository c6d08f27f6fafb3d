// Package canon produces the deterministic byte image of a commitment used
// for signing and leaf hashing, and the domain-separated hash primitives the
// rest of the core builds on.
package canon

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Domain separation prefixes. A leaf hash and an internal node hash must
// never collide even if their inputs happen to coincide byte-for-byte.
const (
	LeafPrefix     byte = 0x00
	InternalPrefix byte = 0x01
)

// ErrInvalidValue is returned when a metadata value tree contains something
// that cannot be canonicalized (e.g. NaN, a channel, a function).
var ErrInvalidValue = errors.New("canon: value is not canonicalizable")

// Payload is the commitment payload shape from spec §3.
type Payload struct {
	Subject      string         `json:"subject"`
	Content      string         `json:"content"`
	Counterparty string         `json:"counterparty,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Image is the subset of commitment fields that participate in
// canonicalization. Field order here mirrors the fixed key order required
// by the canonical image: id, payload, signature, timestamp, type.
type Image struct {
	ID        string
	Payload   Payload
	Signature string
	Timestamp int64
	Type      string
}

// Unsigned returns the canonical byte image with signature forced empty.
// This is the exact input signed with the identity key.
func (img Image) Unsigned() ([]byte, error) {
	cp := img
	cp.Signature = ""
	return encode(cp)
}

// Signed returns the canonical byte image with the given signature hex
// substituted in. Its SHA-256, prefixed with LeafPrefix, is the leaf hash.
func (img Image) Signed(signatureHex string) ([]byte, error) {
	cp := img
	cp.Signature = signatureHex
	return encode(cp)
}

// encode renders an Image as the canonical textual object: keys in the
// fixed top-level order id, payload, signature, timestamp, type; nested
// object keys in code-point-sorted order. Integral numbers are written
// as plain integers, without fractional or exponential form; a
// non-integral number is written in plain decimal form with its
// fractional digits, not rejected.
func encode(img Image) ([]byte, error) {
	var buf strings.Builder
	buf.WriteByte('{')

	writeKey(&buf, "id", true)
	if err := writeString(&buf, img.ID); err != nil {
		return nil, err
	}

	buf.WriteByte(',')
	writeKey(&buf, "payload", false)
	if err := encodePayload(&buf, img.Payload); err != nil {
		return nil, err
	}

	buf.WriteByte(',')
	writeKey(&buf, "signature", false)
	if err := writeString(&buf, img.Signature); err != nil {
		return nil, err
	}

	buf.WriteByte(',')
	writeKey(&buf, "timestamp", false)
	buf.WriteString(strconv.FormatInt(img.Timestamp, 10))

	buf.WriteByte(',')
	writeKey(&buf, "type", false)
	if err := writeString(&buf, img.Type); err != nil {
		return nil, err
	}

	buf.WriteByte('}')
	return []byte(buf.String()), nil
}

func encodePayload(buf *strings.Builder, p Payload) error {
	type field struct {
		key   string
		write func() error
	}

	fields := []field{
		{"content", func() error { return writeString(buf, p.Content) }},
		{"subject", func() error { return writeString(buf, p.Subject) }},
	}
	if p.Counterparty != "" {
		fields = append(fields, field{"counterparty", func() error { return writeString(buf, p.Counterparty) }})
	}
	if p.Metadata != nil {
		fields = append(fields, field{"metadata", func() error { return encodeValue(buf, p.Metadata) }})
	}

	sort.Slice(fields, func(i, j int) bool { return fields[i].key < fields[j].key })

	buf.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeKey(buf, f.key, false)
		if err := f.write(); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// encodeValue canonicalizes an arbitrary metadata value tree: null, bool,
// number, string, array, or object (possibly nested), per spec §9's
// design note.
func encodeValue(buf *strings.Builder, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case string:
		return writeString(buf, val)
	case float64:
		return writeNumber(buf, val)
	case int:
		buf.WriteString(strconv.Itoa(val))
		return nil
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
		return nil
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeValue(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeKey(buf, k, false)
			if err := encodeValue(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	default:
		return fmt.Errorf("%w: %T", ErrInvalidValue, v)
	}
}

func writeNumber(buf *strings.Builder, f float64) error {
	if f != f { // NaN
		return ErrInvalidValue
	}
	if f == float64(int64(f)) {
		buf.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'f', -1, 64))
	return nil
}

func writeKey(buf *strings.Builder, key string, first bool) {
	_ = first
	b, _ := json.Marshal(key)
	buf.Write(b)
	buf.WriteByte(':')
}

func writeString(buf *strings.Builder, s string) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("canon: encode string: %w", err)
	}
	buf.Write(b)
	return nil
}

// HashLeaf computes SHA256(LeafPrefix || data), the domain-separated leaf
// hash of a signed canonical commitment image.
func HashLeaf(data []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte{LeafPrefix})
	h.Write(data)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// HashInternal computes SHA256(InternalPrefix || left || right), the
// domain-separated internal node hash. Order matters: HashInternal(L, R)
// != HashInternal(R, L).
func HashInternal(left, right [32]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte{InternalPrefix})
	h.Write(left[:])
	h.Write(right[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
