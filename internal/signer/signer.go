// Package signer handles secp256k1 identity-key management and
// commitment signing, compatible with standard Bitcoin-family compact
// signatures over double-SHA-256 message hashes.
package signer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// KeyType is the identity key file's declared algorithm.
const KeyType = "secp256k1"

// SignatureSize is the length of a compact secp256k1 signature.
const SignatureSize = 64

// Errors
var (
	ErrInvalidKeyFormat = errors.New("signer: invalid key format")
	ErrKeyNotFound      = errors.New("signer: identity key not found")
)

// Identity wraps a secp256k1 keypair persisted in a store's data
// directory, file mode restricted to the owner (spec §3, "Identity key").
type Identity struct {
	PrivateKey *btcec.PrivateKey
}

// keyFile is the textual record persisted to disk (spec §6, "Identity
// key file").
type keyFile struct {
	PrivateKey string `json:"privateKey"`
	PublicKey  string `json:"publicKey"`
	CreatedAt  int64  `json:"createdAt"`
	KeyType    string `json:"keyType"`
}

// GenerateIdentity creates a brand-new secp256k1 identity key.
func GenerateIdentity() (*Identity, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("signer: generate key: %w", err)
	}
	return &Identity{PrivateKey: priv}, nil
}

// LoadOrCreateIdentity loads the identity key file at path, creating one
// with 0600 permissions (and its parent directory with 0700) if absent.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	id, err := LoadIdentity(path)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}

	id, err = GenerateIdentity()
	if err != nil {
		return nil, err
	}
	if err := SaveIdentity(id, path); err != nil {
		return nil, err
	}
	return id, nil
}

// LoadIdentity reads an identity key file from disk.
func LoadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("signer: read key file: %w", err)
	}

	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	if kf.KeyType != KeyType {
		return nil, fmt.Errorf("%w: unsupported key type %q", ErrInvalidKeyFormat, kf.KeyType)
	}

	raw, err := hex.DecodeString(kf.PrivateKey)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("%w: malformed private key", ErrInvalidKeyFormat)
	}

	priv, _ := btcec.PrivKeyFromBytes(raw)
	return &Identity{PrivateKey: priv}, nil
}

// SaveIdentity persists an identity key file with owner-only permissions.
func SaveIdentity(id *Identity, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("signer: create key directory: %w", err)
	}

	kf := keyFile{
		PrivateKey: hex.EncodeToString(id.PrivateKey.Serialize()),
		PublicKey:  hex.EncodeToString(id.PublicKey()),
		CreatedAt:  time.Now().UnixMilli(),
		KeyType:    KeyType,
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("signer: marshal key file: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("signer: write key file: %w", err)
	}
	return nil
}

// PublicKey returns the compressed secp256k1 public key bytes.
func (id *Identity) PublicKey() []byte {
	return id.PrivateKey.PubKey().SerializeCompressed()
}

// PublicKeyHex returns the hex-encoded compressed public key.
func (id *Identity) PublicKeyHex() string {
	return hex.EncodeToString(id.PublicKey())
}

// doubleSHA256 hashes data twice with SHA-256, the Bitcoin-family
// message-hashing convention spec §3 requires.
func doubleSHA256(data []byte) [32]byte {
	first := sha256.Sum256(data)
	return sha256.Sum256(first[:])
}

// Sign produces a 64-byte compact secp256k1 signature over the
// double-SHA-256 hash of data.
func (id *Identity) Sign(data []byte) []byte {
	hash := doubleSHA256(data)
	sig := ecdsa.SignCompact(id.PrivateKey, hash[:], true)
	// btcec's compact format prefixes a 1-byte recovery/header code;
	// the wire contract here is the bare 64-byte (r,s) signature.
	return sig[1:]
}

// Verify checks a 64-byte compact signature (without the recovery byte)
// over data against a compressed public key.
func Verify(publicKey []byte, data []byte, signature []byte) (bool, error) {
	if len(signature) != SignatureSize {
		return false, fmt.Errorf("signer: signature must be %d bytes, got %d", SignatureSize, len(signature))
	}
	pub, err := btcec.ParsePubKey(publicKey)
	if err != nil {
		return false, fmt.Errorf("signer: invalid public key: %w", err)
	}

	var r, s btcec.ModNScalar
	if overflow := r.SetByteSlice(signature[:32]); overflow {
		return false, fmt.Errorf("%w: signature r overflows curve order", ErrInvalidKeyFormat)
	}
	if overflow := s.SetByteSlice(signature[32:]); overflow {
		return false, fmt.Errorf("%w: signature s overflows curve order", ErrInvalidKeyFormat)
	}

	hash := doubleSHA256(data)
	sig := ecdsa.NewSignature(&r, &s)
	return sig.Verify(hash[:], pub), nil
}
