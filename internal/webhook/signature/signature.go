// Package signature implements HMAC-SHA256 signing for inbound
// webhooks and outbound callbacks. The signed message is
// "{timestamp}.{payload}" so a captured signature cannot be replayed
// with a different body or at a different time.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const prefix = "sha256="

// Header names shared by both webhook directions.
const (
	HeaderSignature = "X-Astrid-Signature"
	HeaderTimestamp = "X-Astrid-Timestamp"
	HeaderEvent     = "X-Astrid-Event"
)

var (
	ErrMissingSecret    = errors.New("signing secret not configured")
	ErrMissingSignature = errors.New("signature header missing")
	ErrMissingTimestamp = errors.New("timestamp header missing")
	ErrBadTimestamp     = errors.New("timestamp is not a unix epoch integer")
	ErrExpired          = errors.New("timestamp too old")
	ErrFuture           = errors.New("timestamp too far in the future")
	ErrMismatch         = errors.New("signature mismatch")
)

// Options bound how far a timestamp may drift from now.
type Options struct {
	MaxAge     time.Duration
	FutureSkew time.Duration
}

// DefaultOptions match the values the web app signs with.
func DefaultOptions() Options {
	return Options{
		MaxAge:     5 * time.Minute,
		FutureSkew: time.Minute,
	}
}

// Sign computes the hex HMAC-SHA256 of "{timestamp}.{payload}" and
// returns it with the sha256= prefix.
func Sign(secret string, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return prefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature against the payload. The sha256=
// prefix on the header value is optional. Comparison is constant time.
func Verify(secret, header, timestamp string, payload []byte, now time.Time, opts Options) error {
	if secret == "" {
		return ErrMissingSecret
	}
	if header == "" {
		return ErrMissingSignature
	}
	if timestamp == "" {
		return ErrMissingTimestamp
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrBadTimestamp
	}

	// Timestamps travel as epoch milliseconds.
	age := now.UnixMilli() - ts
	if age > opts.MaxAge.Milliseconds() {
		return ErrExpired
	}
	if age < -opts.FutureSkew.Milliseconds() {
		return ErrFuture
	}

	received := strings.TrimPrefix(header, prefix)
	expected := strings.TrimPrefix(Sign(secret, timestamp, payload), prefix)

	receivedMAC, err := hex.DecodeString(received)
	if err != nil {
		return ErrMismatch
	}
	expectedMAC, _ := hex.DecodeString(expected)

	if !hmac.Equal(receivedMAC, expectedMAC) {
		return ErrMismatch
	}
	return nil
}

// CallbackHeaders builds the signed headers for an outbound callback.
func CallbackHeaders(secret, event string, payload []byte, now time.Time) http.Header {
	timestamp := strconv.FormatInt(now.UnixMilli(), 10)
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set(HeaderSignature, Sign(secret, timestamp, payload))
	h.Set(HeaderTimestamp, timestamp)
	h.Set(HeaderEvent, event)
	return h
}

// Describe renders a verification error for responses without leaking
// signature material.
func Describe(err error) string {
	switch {
	case errors.Is(err, ErrMissingSecret):
		return "webhook secret not configured"
	case errors.Is(err, ErrMissingSignature), errors.Is(err, ErrMissingTimestamp):
		return "missing signature headers"
	case errors.Is(err, ErrBadTimestamp):
		return "invalid timestamp"
	case errors.Is(err, ErrExpired), errors.Is(err, ErrFuture):
		return "timestamp outside accepted window"
	default:
		return "invalid signature"
	}
}
