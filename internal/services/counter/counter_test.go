// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package counter_test

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/oliverandrich/go-mfa-server/internal/services/counter"
)

func TestSeed(t *testing.T) {
	a, err := counter.Seed()
	require.NoError(t, err)
	assert.Len(t, a, counter.Size)

	b, err := counter.Seed()
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "two seeds should not collide")
}

func TestNext(t *testing.T) {
	seed, err := counter.Seed()
	require.NoError(t, err)

	next := counter.Next(seed)
	assert.Len(t, next, counter.Size)
	assert.NotEqual(t, seed, next)

	// Deterministic: same input, same output.
	assert.Equal(t, next, counter.Next(seed))

	// next = SHA256(prev) truncated.
	sum := sha256.Sum256(seed)
	assert.Equal(t, sum[:counter.Size], next)
}

func TestNext_ChainDiverges(t *testing.T) {
	seed, err := counter.Seed()
	require.NoError(t, err)

	seen := map[string]bool{string(seed): true}
	ctr := seed
	for i := 0; i < 100; i++ {
		ctr = counter.Next(ctr)
		assert.False(t, seen[string(ctr)], "chain cycled at step %d", i)
		seen[string(ctr)] = true
	}
}

func TestNumericData(t *testing.T) {
	data := counter.NumericData(0)
	assert.Len(t, data, counter.Size)
	assert.Equal(t, make([]byte, counter.Size), data)

	data = counter.NumericData(1)
	expected := make([]byte, counter.Size)
	expected[counter.Size-1] = 1
	assert.Equal(t, expected, data)

	assert.NotEqual(t, counter.NumericData(41), counter.NumericData(42))
}
