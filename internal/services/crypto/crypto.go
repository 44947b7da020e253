// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package crypto is the cryptography provider of the engine: key pair
// generation, shared-secret derivation, factor-key derivation and signature
// component computation. The rest of the engine calls it as an opaque
// capability and treats every failure as fatal for the request.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
	"strings"

	"golang.org/x/crypto/hkdf"

	"codeberg.org/oliverandrich/go-mfa-server/internal/errs"
	"codeberg.org/oliverandrich/go-mfa-server/internal/models"
)

// Key-derivation indices. Factor indices 1-3 come from models.Factor; the
// transport key uses its own fixed index.
const (
	kdfIndexTransport = 1000

	masterSecretInfo = "mfa-master-secret"
	signatureKeyInfo = "mfa-signature-key-%d"
	transportKeyInfo = "mfa-transport-key"

	keySize = 32
)

// SignatureFormat selects the wire encoding of a computed signature.
type SignatureFormat string

const (
	FormatBase64  SignatureFormat = "base64"
	FormatDecimal SignatureFormat = "decimal"
)

// decimalComponentLength is the number of decimal digits per signature
// component in the decimal format.
const decimalComponentLength = 8

// Provider implements the cryptographic primitives over NIST P-256.
type Provider struct {
	// masterEncryptionKey encrypts server private keys at rest. Empty key
	// means keys are stored in the clear (EncryptionNone).
	masterEncryptionKey []byte
}

// NewProvider creates a provider. masterEncryptionKey must be empty or 32
// bytes.
func NewProvider(masterEncryptionKey []byte) (*Provider, error) {
	if len(masterEncryptionKey) != 0 && len(masterEncryptionKey) != keySize {
		return nil, fmt.Errorf("master encryption key must be %d bytes, got %d", keySize, len(masterEncryptionKey))
	}
	return &Provider{masterEncryptionKey: masterEncryptionKey}, nil
}

// GenerateKeyPair creates a new P-256 key pair. The private key is the raw
// scalar, the public key the uncompressed point.
func (p *Provider) GenerateKeyPair() (privateKey, publicKey []byte, err error) {
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, errs.Wrap(errs.CodeCryptoProvider, err)
	}
	return key.Bytes(), key.PublicKey().Bytes(), nil
}

// MasterSecret derives the shared master secret from the server private key
// and the device public key via ECDH + HKDF.
func (p *Provider) MasterSecret(serverPrivateKey, devicePublicKey []byte) ([]byte, error) {
	priv, err := ecdh.P256().NewPrivateKey(serverPrivateKey)
	if err != nil {
		return nil, errs.Wrap(errs.CodeCryptoProvider, err)
	}
	pub, err := ecdh.P256().NewPublicKey(devicePublicKey)
	if err != nil {
		return nil, errs.Wrap(errs.CodeCryptoProvider, err)
	}
	shared, err := priv.ECDH(pub)
	if err != nil {
		return nil, errs.Wrap(errs.CodeCryptoProvider, err)
	}
	return deriveKey(shared, masterSecretInfo)
}

// ValidatePublicKey checks that the bytes form a valid P-256 public key.
func (p *Provider) ValidatePublicKey(publicKey []byte) error {
	if _, err := ecdh.P256().NewPublicKey(publicKey); err != nil {
		return errs.Wrap(errs.CodeCryptoProvider, err)
	}
	return nil
}

// SignatureKey derives the signing key for a single factor from the master
// secret.
func (p *Provider) SignatureKey(masterSecret []byte, factor models.Factor) ([]byte, error) {
	return deriveKey(masterSecret, fmt.Sprintf(signatureKeyInfo, int(factor)))
}

// TransportKey derives the status-transport key from the master secret.
func (p *Provider) TransportKey(masterSecret []byte) ([]byte, error) {
	return deriveKey(masterSecret, transportKeyInfo)
}

// ComputeSignature computes the signature over data at the given counter
// value using one key per factor, encoded in the requested format.
func (p *Provider) ComputeSignature(data, ctrData []byte, factorKeys [][]byte, format SignatureFormat) (string, error) {
	components := make([][]byte, 0, len(factorKeys))
	for _, key := range factorKeys {
		derived := hmacSHA256(key, ctrData)
		components = append(components, hmacSHA256(derived, data))
	}
	switch format {
	case FormatBase64:
		var joined []byte
		for _, c := range components {
			joined = append(joined, c...)
		}
		return base64.StdEncoding.EncodeToString(joined), nil
	case FormatDecimal:
		parts := make([]string, 0, len(components))
		for _, c := range components {
			v := binary.BigEndian.Uint32(c[len(c)-4:]) & 0x7fffffff
			parts = append(parts, fmt.Sprintf("%0*d", decimalComponentLength, v%100000000))
		}
		return strings.Join(parts, "-"), nil
	default:
		return "", errs.Wrap(errs.CodeCryptoProvider, fmt.Errorf("unknown signature format %q", format))
	}
}

// VerifySignature compares a received signature against the expected value
// in constant time.
func (p *Provider) VerifySignature(data, ctrData []byte, factorKeys [][]byte, format SignatureFormat, signature string) (bool, error) {
	expected, err := p.ComputeSignature(data, ctrData, factorKeys, format)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(expected), []byte(signature)), nil
}

// SignECDSA computes an ECDSA P-256 signature (ASN.1 DER) over data with
// the given raw private key scalar.
func (p *Provider) SignECDSA(privateKey, data []byte) ([]byte, error) {
	key, err := ecdsaKeyFromScalar(privateKey)
	if err != nil {
		return nil, errs.Wrap(errs.CodeCryptoProvider, err)
	}
	digest := sha256.Sum256(data)
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		return nil, errs.Wrap(errs.CodeCryptoProvider, err)
	}
	return sig, nil
}

// VerifyECDSA verifies an ECDSA P-256 signature over data against an
// uncompressed public key point.
func (p *Provider) VerifyECDSA(publicKey, data, signature []byte) (bool, error) {
	x, y := elliptic.Unmarshal(elliptic.P256(), publicKey) //nolint:staticcheck // raw point format is the wire format
	if x == nil {
		return false, errs.Wrap(errs.CodeCryptoProvider, fmt.Errorf("invalid public key point"))
	}
	pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
	digest := sha256.Sum256(data)
	return ecdsa.VerifyASN1(pub, digest[:], signature), nil
}

// EncryptServerPrivateKey encrypts a server private key for storage. With no
// master encryption key configured the key is stored as-is.
func (p *Provider) EncryptServerPrivateKey(privateKey []byte, activationID string) ([]byte, models.EncryptionMode, error) {
	if len(p.masterEncryptionKey) == 0 {
		return privateKey, models.EncryptionNone, nil
	}
	block, err := aes.NewCipher(p.masterEncryptionKey)
	if err != nil {
		return nil, 0, errs.Wrap(errs.CodeCryptoProvider, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, 0, errs.Wrap(errs.CodeCryptoProvider, err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, 0, errs.Wrap(errs.CodeCryptoProvider, err)
	}
	// The activation ID binds the ciphertext to its row.
	sealed := gcm.Seal(nonce, nonce, privateKey, []byte(activationID))
	return sealed, models.EncryptionAESGCM, nil
}

// DecryptServerPrivateKey reverses EncryptServerPrivateKey according to the
// stored encryption mode.
func (p *Provider) DecryptServerPrivateKey(stored []byte, mode models.EncryptionMode, activationID string) ([]byte, error) {
	switch mode {
	case models.EncryptionNone:
		return stored, nil
	case models.EncryptionAESGCM:
		if len(p.masterEncryptionKey) == 0 {
			return nil, errs.Wrap(errs.CodeCryptoProvider, fmt.Errorf("no master encryption key configured"))
		}
		block, err := aes.NewCipher(p.masterEncryptionKey)
		if err != nil {
			return nil, errs.Wrap(errs.CodeCryptoProvider, err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, errs.Wrap(errs.CodeCryptoProvider, err)
		}
		if len(stored) < gcm.NonceSize() {
			return nil, errs.Wrap(errs.CodeCryptoProvider, fmt.Errorf("ciphertext too short"))
		}
		nonce, ciphertext := stored[:gcm.NonceSize()], stored[gcm.NonceSize():]
		plain, err := gcm.Open(nil, nonce, ciphertext, []byte(activationID))
		if err != nil {
			return nil, errs.Wrap(errs.CodeCryptoProvider, err)
		}
		return plain, nil
	default:
		return nil, errs.Wrap(errs.CodeCryptoProvider, fmt.Errorf("unknown encryption mode %d", mode))
	}
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, errs.Wrap(errs.CodeCryptoProvider, err)
	}
	return b, nil
}

func deriveKey(secret []byte, info string) ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, errs.Wrap(errs.CodeCryptoProvider, err)
	}
	return key, nil
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func ecdsaKeyFromScalar(scalar []byte) (*ecdsa.PrivateKey, error) {
	d := new(big.Int).SetBytes(scalar)
	if d.Sign() == 0 {
		return nil, fmt.Errorf("invalid private key scalar")
	}
	key := &ecdsa.PrivateKey{D: d}
	key.Curve = elliptic.P256()
	key.X, key.Y = key.Curve.ScalarBaseMult(scalar)
	return key, nil
}
