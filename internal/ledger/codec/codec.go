// Package codec converts domain values to and from the ledger's hex byte representation.
// The ledger stores every textual and temporal field as an untyped byte blob; on the wire
// each blob travels as lowercase hex with no separators.
package codec

import (
	"encoding/hex"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ehr/medledger/internal/ledger"
)

// EncodeText returns the lowercase hex encoding of s's UTF-8 bytes.
func EncodeText(s string) string {
	return hex.EncodeToString([]byte(s))
}

// DecodeText reverses EncodeText. An optional 0x prefix and upper-case digits are accepted.
// Odd length, non-hex characters and byte sequences that are not valid UTF-8 fail with
// ledger.ErrMalformedHex.
func DecodeText(h string) (string, error) {
	b, err := DecodeBytes(h)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", ledger.Errorf(ledger.KindMalformedHex, "decode text", "payload is not valid utf-8")
	}
	return string(b), nil
}

// DecodeBytes decodes h without interpreting the result.
func DecodeBytes(h string) ([]byte, error) {
	h = trimPrefix(h)
	if len(h)%2 != 0 {
		return nil, ledger.Errorf(ledger.KindMalformedHex, "decode hex", "odd length %d", len(h))
	}
	b, err := hex.DecodeString(h)
	if err != nil {
		return nil, ledger.E(ledger.KindMalformedHex, "decode hex", err)
	}
	return b, nil
}

// EncodeTimestamp encodes t as the hex of its decimal epoch-millisecond string.
func EncodeTimestamp(t time.Time) string {
	return EncodeText(strconv.FormatInt(t.UnixMilli(), 10))
}

// EncodeMillis is EncodeTimestamp for a raw epoch-millisecond value.
func EncodeMillis(ms int64) string {
	return EncodeText(strconv.FormatInt(ms, 10))
}

// DecodeTimestamp reverses EncodeTimestamp, returning a UTC time with millisecond precision.
func DecodeTimestamp(h string) (time.Time, error) {
	ms, err := DecodeMillis(h)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// DecodeMillis decodes the epoch-millisecond integer carried by h.
func DecodeMillis(h string) (int64, error) {
	s, err := DecodeText(h)
	if err != nil {
		return 0, err
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, ledger.Errorf(ledger.KindMalformedHex, "decode timestamp", "not a decimal epoch: %q", s)
	}
	return ms, nil
}

func trimPrefix(h string) string {
	if strings.HasPrefix(h, "0x") || strings.HasPrefix(h, "0X") {
		return h[2:]
	}
	return h
}
