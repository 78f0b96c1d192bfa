package canonical

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
)

// SignaturePrefix tags signatures produced by SignHMAC.
const SignaturePrefix = "hmac-sha256:"

var (
	// ErrInvalidSignature indicates signature verification failed
	ErrInvalidSignature = errors.New("invalid HMAC signature")

	// ErrMissingSignature indicates the record carried no signature
	ErrMissingSignature = errors.New("missing signature")
)

// SignHMAC signs the canonical payload of record using HMAC-SHA256.
//
// Process:
//  1. Generate canonical payload (all fields but the signature)
//  2. HMAC-SHA256 the payload with the shared key
//  3. Return the prefixed base64 signature
//
// The keyed hash detects tampering between nodes sharing the key; it does
// not provide non-repudiation.
func SignHMAC(record map[string]any, key []byte) (string, error) {
	payload, err := SignaturePayload(record)
	if err != nil {
		return "", err
	}

	return SignaturePrefix + base64.StdEncoding.EncodeToString(mac(payload, key)), nil
}

// VerifyHMAC recomputes the signature of record and compares it with sig
// in constant time.
func VerifyHMAC(record map[string]any, sig string, key []byte) error {
	if sig == "" {
		return ErrMissingSignature
	}
	if !strings.HasPrefix(sig, SignaturePrefix) {
		return ErrInvalidSignature
	}

	payload, err := SignaturePayload(record)
	if err != nil {
		return err
	}

	got, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sig, SignaturePrefix))
	if err != nil {
		return ErrInvalidSignature
	}

	if !hmac.Equal(mac(payload, key), got) {
		return ErrInvalidSignature
	}

	return nil
}

func mac(payload, key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(payload)
	return h.Sum(nil)
}
