package signer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	message := []byte("test message to sign")
	sig := id.Sign(message)
	require.Len(t, sig, SignatureSize)

	ok, err := Verify(id.PublicKey(), message, sig)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = Verify(id.PublicKey(), []byte("wrong message"), sig)
	require.NoError(t, err)
	require.False(t, ok)

	wrongSig := make([]byte, SignatureSize)
	ok, err = Verify(id.PublicKey(), message, wrongSig)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = Verify(id.PublicKey(), message, []byte("short"))
	require.Error(t, err)
}

func TestPublicKeySize(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)
	require.Len(t, id.PublicKey(), 33) // compressed secp256k1 point
}

func TestSaveAndLoadIdentity(t *testing.T) {
	tmpDir := t.TempDir()
	keyPath := filepath.Join(tmpDir, "identity.key")

	id, err := GenerateIdentity()
	require.NoError(t, err)
	require.NoError(t, SaveIdentity(id, keyPath))

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := LoadIdentity(keyPath)
	require.NoError(t, err)
	require.Equal(t, id.PublicKeyHex(), loaded.PublicKeyHex())

	sig := loaded.Sign([]byte("hello"))
	ok, err := Verify(id.PublicKey(), []byte("hello"), sig)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLoadOrCreateIdentityCreatesWhenAbsent(t *testing.T) {
	tmpDir := t.TempDir()
	keyPath := filepath.Join(tmpDir, "nested", "identity.key")

	id, err := LoadOrCreateIdentity(keyPath)
	require.NoError(t, err)
	require.FileExists(t, keyPath)

	again, err := LoadOrCreateIdentity(keyPath)
	require.NoError(t, err)
	require.Equal(t, id.PublicKeyHex(), again.PublicKeyHex())
}

func TestLoadIdentityRejectsMalformedFile(t *testing.T) {
	tmpDir := t.TempDir()
	keyPath := filepath.Join(tmpDir, "bad.key")
	require.NoError(t, os.WriteFile(keyPath, []byte("not json"), 0600))

	_, err := LoadIdentity(keyPath)
	require.ErrorIs(t, err, ErrInvalidKeyFormat)
}

func TestLoadIdentityMissingFile(t *testing.T) {
	_, err := LoadIdentity(filepath.Join(t.TempDir(), "missing.key"))
	require.ErrorIs(t, err, ErrKeyNotFound)
}
