package evm

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyFileRoundTrip(t *testing.T) {
	key := newKey(t)
	data, err := EncryptKey(key, "hunter2")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "admin.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	got, err := LoadKey(KeyConfig{File: path, Password: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, ethcrypto.FromECDSA(key), ethcrypto.FromECDSA(got))

	_, err = DecryptKey(data, "wrong")
	assert.ErrorContains(t, err, "wrong password")

	_, err = DecryptKey(data, "")
	assert.Error(t, err)
}

func TestLoadKey_Raw(t *testing.T) {
	key := newKey(t)
	raw := "0x" + hex.EncodeToString(ethcrypto.FromECDSA(key))

	got, err := LoadKey(KeyConfig{RawHex: raw, File: "/does/not/exist"})
	require.NoError(t, err)
	assert.Equal(t, ethcrypto.PubkeyToAddress(key.PublicKey), ethcrypto.PubkeyToAddress(got.PublicKey))

	_, err = LoadKey(KeyConfig{RawHex: "nothex"})
	assert.Error(t, err)

	_, err = LoadKey(KeyConfig{})
	assert.Error(t, err)
	assert.False(t, KeyConfig{}.Configured())
}
