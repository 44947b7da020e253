// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package activation

import (
	"encoding/base32"
	"encoding/binary"
	"strings"

	"codeberg.org/oliverandrich/go-mfa-server/internal/errs"
	"codeberg.org/oliverandrich/go-mfa-server/internal/services/crypto"
)

// Activation codes are 20 Base32 characters in four dash-separated groups of
// five: Base32(10 random bytes + CRC-16 checksum). The checksum lets clients
// reject transcription typos before calling the server.
const (
	codeRandomBytes = 10
	codeLength      = 23
	shortIDLength   = 11
)

var codeEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// GenerateCode creates a fresh activation code.
func GenerateCode() (string, error) {
	random, err := crypto.RandomBytes(codeRandomBytes)
	if err != nil {
		return "", err
	}
	payload := make([]byte, codeRandomBytes+2)
	copy(payload, random)
	binary.BigEndian.PutUint16(payload[codeRandomBytes:], crc16(random))

	raw := codeEncoding.EncodeToString(payload)
	return raw[0:5] + "-" + raw[5:10] + "-" + raw[10:15] + "-" + raw[15:20], nil
}

// ValidateCode checks the format and checksum of an activation code.
func ValidateCode(code string) error {
	if len(code) != codeLength {
		return errs.New(errs.CodeInvalidRequest)
	}
	for _, i := range []int{5, 11, 17} {
		if code[i] != '-' {
			return errs.New(errs.CodeInvalidRequest)
		}
	}
	raw := strings.ReplaceAll(code, "-", "")
	payload, err := codeEncoding.DecodeString(raw)
	if err != nil || len(payload) != codeRandomBytes+2 {
		return errs.New(errs.CodeInvalidRequest)
	}
	if binary.BigEndian.Uint16(payload[codeRandomBytes:]) != crc16(payload[:codeRandomBytes]) {
		return errs.New(errs.CodeInvalidRequest)
	}
	return nil
}

// ShortID returns the 11-character prefix used by the legacy protocol
// variant to address pending activations.
func ShortID(code string) string {
	if len(code) < shortIDLength {
		return code
	}
	return code[:shortIDLength]
}

// crc16 is CRC-16/ARC (reflected polynomial 0xA001, zero init).
func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
