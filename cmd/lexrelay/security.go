package main

import (
	"crypto/hmac"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// verifyGatewaySignature authenticates a gateway webhook: the HMAC-SHA512
// of the raw body keyed with the shared secret must match the signature
// header, and the timestamp header must fall within the allowed skew so
// captured requests cannot be replayed later.
func verifyGatewaySignature(secret string, body []byte, signature, timestamp string, maxSkew time.Duration) error {
	if secret == "" {
		return fmt.Errorf("webhook secret is not configured")
	}
	if signature == "" {
		return fmt.Errorf("missing signature header")
	}

	if maxSkew > 0 {
		if timestamp == "" {
			return fmt.Errorf("missing timestamp header")
		}
		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid timestamp header")
		}
		// Gateways send milliseconds since epoch.
		sent := time.UnixMilli(ts)
		skew := time.Since(sent)
		if skew < 0 {
			skew = -skew
		}
		if skew > maxSkew {
			return fmt.Errorf("webhook timestamp outside allowed skew")
		}
	}

	expected, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding")
	}

	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), expected) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// verifySharedSecret compares a header-borne shared secret in constant
// time.
func verifySharedSecret(secret, presented string) bool {
	if secret == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(presented)) == 1
}
