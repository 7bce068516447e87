package hooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMalformedSignature = errors.New("malformed signature header")
	ErrSignatureMismatch  = errors.New("signature does not match payload")
	ErrSignatureExpired   = errors.New("signature timestamp outside tolerance")
)

// ComputeSignature returns hex(HMAC-SHA256(secret, "<timestamp>.<body>")).
func ComputeSignature(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeaderValue formats the signature header: t=<unix>,v1=<hex>.
func SignatureHeaderValue(secret string, timestamp int64, body []byte) string {
	return fmt.Sprintf("t=%d,v1=%s", timestamp, ComputeSignature(secret, timestamp, body))
}

// VerifySignature checks a header produced by SignatureHeaderValue. A zero
// tolerance skips the timestamp check.
func VerifySignature(secret, header string, body []byte, tolerance time.Duration, now time.Time) error {
	var timestamp int64
	var signature string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return ErrMalformedSignature
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return ErrMalformedSignature
			}
			timestamp = ts
		case "v1":
			signature = value
		}
	}
	if timestamp == 0 || signature == "" {
		return ErrMalformedSignature
	}

	expected := ComputeSignature(secret, timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrSignatureMismatch
	}
	if tolerance > 0 {
		age := now.Sub(time.Unix(timestamp, 0))
		if age > tolerance || age < -tolerance {
			return ErrSignatureExpired
		}
	}
	return nil
}
