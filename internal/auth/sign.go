// Package auth covers the Atlassian OAuth flow and cookie-value signing.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
)

var ErrInvalidSignature = errors.New("invalid signature")

// SignValue returns value in a tamper-evident encoding suitable for a
// cookie: base64(value) + "." + hmac(value).
func SignValue(secret []byte, value string) string {
	payload := base64.RawURLEncoding.EncodeToString([]byte(value))
	return payload + "." + sign(secret, payload)
}

// VerifyValue checks the signature and returns the original value.
func VerifyValue(secret []byte, signed string) (string, error) {
	parts := strings.Split(signed, ".")
	if len(parts) != 2 {
		return "", ErrInvalidSignature
	}
	payload := parts[0]
	if !hmac.Equal([]byte(parts[1]), []byte(sign(secret, payload))) {
		return "", ErrInvalidSignature
	}
	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return "", ErrInvalidSignature
	}
	return string(decoded), nil
}

func sign(secret []byte, payload string) string {
	sum := hmac.New(sha256.New, secret)
	_, _ = sum.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(sum.Sum(nil))
}
