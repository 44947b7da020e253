// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package models

import (
	"fmt"
	"strings"
)

// Factor is a single authentication factor. The integer values double as
// key-derivation indices and must stay stable.
type Factor int

const (
	FactorPossession Factor = 1
	FactorKnowledge  Factor = 2
	FactorBiometry   Factor = 3
)

// SignatureType is a declared combination of factors used to compute a
// signature.
type SignatureType string

const (
	SignaturePossession                  SignatureType = "possession"
	SignatureKnowledge                   SignatureType = "knowledge"
	SignatureBiometry                    SignatureType = "biometry"
	SignaturePossessionKnowledge         SignatureType = "possession_knowledge"
	SignaturePossessionBiometry          SignatureType = "possession_biometry"
	SignaturePossessionKnowledgeBiometry SignatureType = "possession_knowledge_biometry"
)

// ParseSignatureType validates a wire value and returns the canonical type.
func ParseSignatureType(value string) (SignatureType, error) {
	st := SignatureType(strings.ToLower(value))
	switch st {
	case SignaturePossession, SignatureKnowledge, SignatureBiometry,
		SignaturePossessionKnowledge, SignaturePossessionBiometry,
		SignaturePossessionKnowledgeBiometry:
		return st, nil
	default:
		return "", fmt.Errorf("unknown signature type %q", value)
	}
}

// Factors returns the ordered factor list for the signature type.
func (s SignatureType) Factors() []Factor {
	switch s {
	case SignaturePossession:
		return []Factor{FactorPossession}
	case SignatureKnowledge:
		return []Factor{FactorKnowledge}
	case SignatureBiometry:
		return []Factor{FactorBiometry}
	case SignaturePossessionKnowledge:
		return []Factor{FactorPossession, FactorKnowledge}
	case SignaturePossessionBiometry:
		return []Factor{FactorPossession, FactorBiometry}
	case SignaturePossessionKnowledgeBiometry:
		return []Factor{FactorPossession, FactorKnowledge, FactorBiometry}
	default:
		return nil
	}
}

// HasBiometry reports whether the type includes the biometry factor.
func (s SignatureType) HasBiometry() bool {
	for _, f := range s.Factors() {
		if f == FactorBiometry {
			return true
		}
	}
	return false
}

func (s SignatureType) String() string {
	return string(s)
}
