package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Bytes is one hex-encoded call argument or storage field. The zero value is the ledger
// null sentinel, which is distinct from an encoded empty string: on update, null means
// "leave unchanged" while Text("") clears the field.
type Bytes struct {
	Hex   string
	Valid bool
}

// Null returns the null sentinel.
func Null() Bytes { return Bytes{} }

// Text encodes s.
func Text(s string) Bytes { return Bytes{Hex: EncodeText(s), Valid: true} }

// OptionalText encodes *s, or returns null when s is nil.
func OptionalText(s *string) Bytes {
	if s == nil {
		return Null()
	}
	return Text(*s)
}

// Timestamp encodes t.
func Timestamp(t time.Time) Bytes { return Bytes{Hex: EncodeTimestamp(t), Valid: true} }

// OptionalTimestamp encodes *t, or returns null when t is nil.
func OptionalTimestamp(t *time.Time) Bytes {
	if t == nil {
		return Null()
	}
	return Timestamp(*t)
}

// Text decodes b. ok is false for null.
func (b Bytes) Text() (s string, ok bool, err error) {
	if !b.Valid {
		return "", false, nil
	}
	s, err = DecodeText(b.Hex)
	return s, err == nil, err
}

// Timestamp decodes b. ok is false for null.
func (b Bytes) Timestamp() (t time.Time, ok bool, err error) {
	if !b.Valid {
		return time.Time{}, false, nil
	}
	t, err = DecodeTimestamp(b.Hex)
	return t, err == nil, err
}

func (b Bytes) String() string {
	if !b.Valid {
		return "null"
	}
	return "0x" + b.Hex
}

func (b Bytes) MarshalJSON() ([]byte, error) {
	if !b.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(b.Hex)
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*b = Bytes{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("codec bytes: %w", err)
	}
	*b = Bytes{Hex: trimPrefix(s), Valid: true}
	return nil
}
