// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package crypto_test

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/oliverandrich/go-mfa-server/internal/models"
	"codeberg.org/oliverandrich/go-mfa-server/internal/services/crypto"
)

func newProvider(t *testing.T, key []byte) *crypto.Provider {
	t.Helper()
	p, err := crypto.NewProvider(key)
	require.NoError(t, err)
	return p
}

func TestNewProvider_KeyLength(t *testing.T) {
	_, err := crypto.NewProvider(nil)
	assert.NoError(t, err)

	_, err = crypto.NewProvider(make([]byte, 32))
	assert.NoError(t, err)

	_, err = crypto.NewProvider(make([]byte, 16))
	assert.Error(t, err)
}

func TestGenerateKeyPair(t *testing.T) {
	p := newProvider(t, nil)

	priv, pub, err := p.GenerateKeyPair()
	require.NoError(t, err)
	assert.Len(t, priv, 32)
	assert.Len(t, pub, 65) // uncompressed P-256 point
	assert.Equal(t, byte(0x04), pub[0])

	assert.NoError(t, p.ValidatePublicKey(pub))
}

func TestValidatePublicKey_Invalid(t *testing.T) {
	p := newProvider(t, nil)

	assert.Error(t, p.ValidatePublicKey(nil))
	assert.Error(t, p.ValidatePublicKey([]byte{0x04, 0x01, 0x02}))
}

func TestMasterSecret_Symmetric(t *testing.T) {
	p := newProvider(t, nil)

	serverPriv, serverPub, err := p.GenerateKeyPair()
	require.NoError(t, err)
	devicePriv, devicePub, err := p.GenerateKeyPair()
	require.NoError(t, err)

	// Both sides derive the same secret.
	serverSide, err := p.MasterSecret(serverPriv, devicePub)
	require.NoError(t, err)
	deviceSide, err := p.MasterSecret(devicePriv, serverPub)
	require.NoError(t, err)

	assert.Equal(t, serverSide, deviceSide)
	assert.Len(t, serverSide, 32)
}

func TestSignatureKey_PerFactor(t *testing.T) {
	p := newProvider(t, nil)
	secret := make([]byte, 32)

	possession, err := p.SignatureKey(secret, models.FactorPossession)
	require.NoError(t, err)
	knowledge, err := p.SignatureKey(secret, models.FactorKnowledge)
	require.NoError(t, err)
	biometry, err := p.SignatureKey(secret, models.FactorBiometry)
	require.NoError(t, err)

	assert.NotEqual(t, possession, knowledge)
	assert.NotEqual(t, knowledge, biometry)
	assert.NotEqual(t, possession, biometry)
}

func TestComputeSignature_Base64(t *testing.T) {
	p := newProvider(t, nil)
	key := make([]byte, 32)
	ctr := make([]byte, 16)
	data := []byte("data")

	sig, err := p.ComputeSignature(data, ctr, [][]byte{key}, crypto.FormatBase64)
	require.NoError(t, err)
	assert.NotEmpty(t, sig)

	// Deterministic
	again, err := p.ComputeSignature(data, ctr, [][]byte{key}, crypto.FormatBase64)
	require.NoError(t, err)
	assert.Equal(t, sig, again)

	// Sensitive to counter and data
	ctr2 := make([]byte, 16)
	ctr2[0] = 1
	other, err := p.ComputeSignature(data, ctr2, [][]byte{key}, crypto.FormatBase64)
	require.NoError(t, err)
	assert.NotEqual(t, sig, other)
}

func TestComputeSignature_Decimal(t *testing.T) {
	p := newProvider(t, nil)
	keyA := make([]byte, 32)
	keyB := make([]byte, 32)
	keyB[0] = 1
	ctr := make([]byte, 16)

	sig, err := p.ComputeSignature([]byte("data"), ctr, [][]byte{keyA, keyB}, crypto.FormatDecimal)
	require.NoError(t, err)

	// Two 8-digit components separated by a dash.
	assert.Regexp(t, regexp.MustCompile(`^\d{8}-\d{8}$`), sig)
}

func TestComputeSignature_UnknownFormat(t *testing.T) {
	p := newProvider(t, nil)
	_, err := p.ComputeSignature([]byte("d"), make([]byte, 16), [][]byte{make([]byte, 32)}, crypto.SignatureFormat("hex"))
	assert.Error(t, err)
}

func TestVerifySignature(t *testing.T) {
	p := newProvider(t, nil)
	key := make([]byte, 32)
	ctr := make([]byte, 16)
	data := []byte("data")

	sig, err := p.ComputeSignature(data, ctr, [][]byte{key}, crypto.FormatBase64)
	require.NoError(t, err)

	ok, err := p.VerifySignature(data, ctr, [][]byte{key}, crypto.FormatBase64, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.VerifySignature([]byte("other"), ctr, [][]byte{key}, crypto.FormatBase64, sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSignVerifyECDSA(t *testing.T) {
	p := newProvider(t, nil)
	priv, pub, err := p.GenerateKeyPair()
	require.NoError(t, err)

	data := []byte("payload")
	sig, err := p.SignECDSA(priv, data)
	require.NoError(t, err)

	ok, err := p.VerifyECDSA(pub, data, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.VerifyECDSA(pub, []byte("tampered"), sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSignECDSA_InvalidScalar(t *testing.T) {
	p := newProvider(t, nil)
	_, err := p.SignECDSA(make([]byte, 32), []byte("data"))
	assert.Error(t, err)
}

func TestEncryptDecryptServerPrivateKey(t *testing.T) {
	masterKey := make([]byte, 32)
	masterKey[0] = 0x42
	p := newProvider(t, masterKey)

	priv, _, err := p.GenerateKeyPair()
	require.NoError(t, err)

	sealed, mode, err := p.EncryptServerPrivateKey(priv, "activation-1")
	require.NoError(t, err)
	assert.Equal(t, models.EncryptionAESGCM, mode)
	assert.NotEqual(t, priv, sealed)

	plain, err := p.DecryptServerPrivateKey(sealed, mode, "activation-1")
	require.NoError(t, err)
	assert.Equal(t, priv, plain)

	// The activation ID binds the ciphertext to its row.
	_, err = p.DecryptServerPrivateKey(sealed, mode, "activation-2")
	assert.Error(t, err)
}

func TestEncryptServerPrivateKey_NoMasterKey(t *testing.T) {
	p := newProvider(t, nil)
	priv := []byte("raw-key-material")

	stored, mode, err := p.EncryptServerPrivateKey(priv, "activation-1")
	require.NoError(t, err)
	assert.Equal(t, models.EncryptionNone, mode)
	assert.Equal(t, priv, stored)

	plain, err := p.DecryptServerPrivateKey(stored, mode, "activation-1")
	require.NoError(t, err)
	assert.Equal(t, priv, plain)
}

func TestDecryptServerPrivateKey_ModeMismatch(t *testing.T) {
	p := newProvider(t, nil)

	// AESGCM-marked data without a configured master key must fail.
	_, err := p.DecryptServerPrivateKey([]byte("sealed"), models.EncryptionAESGCM, "a")
	assert.Error(t, err)
}

func TestRandomBytes(t *testing.T) {
	a, err := crypto.RandomBytes(16)
	require.NoError(t, err)
	assert.Len(t, a, 16)

	b, err := crypto.RandomBytes(16)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
