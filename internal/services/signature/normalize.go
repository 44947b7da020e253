// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package signature

import (
	"encoding/base64"

	"codeberg.org/oliverandrich/go-mfa-server/internal/errs"
	"codeberg.org/oliverandrich/go-mfa-server/internal/services/crypto"
)

// strategy describes how one protocol version normalizes signed data. The
// table is keyed strictly by the declared version string; there is no
// heuristic fallback for unknown versions.
type strategy struct {
	// hashCounter selects the hash-chain counter; legacy versions derive
	// counter data from the plain numeric counter.
	hashCounter bool
	format      crypto.SignatureFormat
}

var strategies = map[string]strategy{
	"2.0": {hashCounter: false, format: crypto.FormatDecimal},
	"2.1": {hashCounter: false, format: crypto.FormatDecimal},
	"3.0": {hashCounter: true, format: crypto.FormatDecimal},
	"3.1": {hashCounter: true, format: crypto.FormatBase64},
	"3.2": {hashCounter: true, format: crypto.FormatBase64},
	"3.3": {hashCounter: true, format: crypto.FormatBase64},
}

// strategyFor resolves the normalization strategy for a declared protocol
// version.
func strategyFor(version string) (strategy, error) {
	s, ok := strategies[version]
	if !ok {
		return strategy{}, errs.New(errs.CodeVersionUnsupported)
	}
	return s, nil
}

// offlineAppSecret replaces the application secret in the offline signed
// data base string.
const offlineAppSecret = "offline"

// signedData builds the canonical signed-data base string:
// METHOD&base64(uriId)&base64(nonce)&base64(body)&appSecret.
func signedData(method, uriID string, nonce, body []byte, appSecret string) []byte {
	b64 := base64.StdEncoding.EncodeToString
	s := method +
		"&" + b64([]byte(uriID)) +
		"&" + b64(nonce) +
		"&" + b64(body) +
		"&" + appSecret
	return []byte(s)
}
