package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// signaturePrefix tags the algorithm in signature headers: sha256=<hex>.
const signaturePrefix = "sha256="

// ComputeHMAC computes the HMAC-SHA256 of payload under secret.
func ComputeHMAC(secret, payload []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write(payload)
	return h.Sum(nil)
}

// Sign returns the header value for payload: "sha256=" + hex digest.
func Sign(secret, payload []byte) string {
	return signaturePrefix + hex.EncodeToString(ComputeHMAC(secret, payload))
}

// ParseSignature decodes a signature header. The "sha256=" prefix is
// optional.
func ParseSignature(header string) ([]byte, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, ErrMissingSignature
	}
	raw := strings.TrimPrefix(header, signaturePrefix)
	sig, err := hex.DecodeString(raw)
	if err != nil || len(sig) != sha256.Size {
		return nil, ErrMalformedSignature
	}
	return sig, nil
}

// VerifyHMAC compares digests in constant time.
func VerifyHMAC(expected, computed []byte) bool {
	return hmac.Equal(expected, computed)
}
