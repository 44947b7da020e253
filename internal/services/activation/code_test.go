// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package activation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/oliverandrich/go-mfa-server/internal/errs"
)

func TestGenerateCode_Format(t *testing.T) {
	code, err := GenerateCode()
	require.NoError(t, err)

	assert.Len(t, code, codeLength)
	parts := strings.Split(code, "-")
	require.Len(t, parts, 4)
	for _, p := range parts {
		assert.Len(t, p, 5)
	}

	// Base32 alphabet only
	raw := strings.ReplaceAll(code, "-", "")
	for _, c := range raw {
		assert.Contains(t, "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567", string(c))
	}
}

func TestGenerateCode_Unique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		code, err := GenerateCode()
		require.NoError(t, err)
		assert.False(t, seen[code])
		seen[code] = true
	}
}

func TestValidateCode_RoundTrip(t *testing.T) {
	for i := 0; i < 20; i++ {
		code, err := GenerateCode()
		require.NoError(t, err)
		assert.NoError(t, ValidateCode(code))
	}
}

func TestValidateCode_Rejections(t *testing.T) {
	valid, err := GenerateCode()
	require.NoError(t, err)

	tests := []struct {
		name string
		code string
	}{
		{"empty", ""},
		{"too short", valid[:10]},
		{"too long", valid + "A"},
		{"missing dashes", strings.ReplaceAll(valid, "-", "A")},
		{"lowercase", strings.ToLower(valid)},
		{"invalid base32", "11111-11111-11111-11111"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCode(tt.code)
			assert.True(t, errs.Is(err, errs.CodeInvalidRequest))
		})
	}
}

func TestValidateCode_ChecksumTamper(t *testing.T) {
	code, err := GenerateCode()
	require.NoError(t, err)

	// Flip one payload character to another alphabet character.
	b := []byte(code)
	if b[0] != 'A' {
		b[0] = 'A'
	} else {
		b[0] = 'B'
	}
	assert.True(t, errs.Is(ValidateCode(string(b)), errs.CodeInvalidRequest))
}

func TestShortID(t *testing.T) {
	code, err := GenerateCode()
	require.NoError(t, err)

	short := ShortID(code)
	assert.Len(t, short, shortIDLength)
	assert.Equal(t, code[:11], short)

	// Degenerate input passes through.
	assert.Equal(t, "short", ShortID("short"))
}

func TestCRC16(t *testing.T) {
	// CRC-16/ARC check value for "123456789".
	assert.Equal(t, uint16(0xBB3D), crc16([]byte("123456789")))
	assert.Equal(t, uint16(0), crc16(nil))
}
