package codec

import (
	"encoding/json"
	"errors"
	"testing"
	"testing/quick"
	"time"

	"github.com/ehr/medledger/internal/ledger"
)

func TestEncodeText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"A", "41"},
		{"abc", "616263"},
		{"Đ", "c490"},
		{"\n", "0a"},
	}
	for _, tt := range tests {
		if got := EncodeText(tt.in); got != tt.want {
			t.Errorf("EncodeText(%q): expected %q, got %q", tt.in, tt.want, got)
		}
	}
}

func TestDecodeText_VietnameseName(t *testing.T) {
	name := "Nguyễn Văn Đức"
	got, err := DecodeText(EncodeText(name))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != name {
		t.Fatalf("expected %q, got %q", name, got)
	}
}

func TestDecodeText_AcceptsPrefixAndUpperCase(t *testing.T) {
	for _, in := range []string{"0x616263", "0X616263", "616263"} {
		got, err := DecodeText(in)
		if err != nil {
			t.Fatalf("DecodeText(%q): unexpected error: %v", in, err)
		}
		if got != "abc" {
			t.Errorf("DecodeText(%q): expected abc, got %q", in, got)
		}
	}
	got, err := DecodeText("4E")
	if err != nil || got != "N" {
		t.Errorf("expected N, got %q (err %v)", got, err)
	}
}

func TestDecodeText_Malformed(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"odd length", "616"},
		{"odd length with prefix", "0x6"},
		{"non hex", "zz"},
		{"embedded space", "61 62"},
		{"invalid utf8", "ff"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeText(tt.in)
			if err == nil {
				t.Fatalf("expected error, got %q", got)
			}
			if !errors.Is(err, ledger.ErrMalformedHex) {
				t.Errorf("expected MalformedHex, got %v", err)
			}
			if got != "" {
				t.Errorf("expected no partial output, got %q", got)
			}
		})
	}
}

func TestTextRoundTrip(t *testing.T) {
	f := func(s string) bool {
		got, err := DecodeText(EncodeText(s))
		return err == nil && got == s
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestOddLengthAlwaysFails(t *testing.T) {
	f := func(s string) bool {
		h := EncodeText(s) + "a"
		_, err := DecodeText(h)
		return errors.Is(err, ledger.ErrMalformedHex)
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	f := func(ms int64) bool {
		ms %= 1 << 50
		got, err := DecodeTimestamp(EncodeMillis(ms))
		return err == nil && got.UnixMilli() == ms
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestEncodeTimestamp(t *testing.T) {
	ts := time.Date(2024, 3, 1, 8, 30, 0, 123_456_789, time.UTC)
	h := EncodeTimestamp(ts)

	s, err := DecodeText(h)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s != "1709281800123" {
		t.Errorf("expected decimal epoch millis, got %q", s)
	}

	back, err := DecodeTimestamp(h)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !back.Equal(ts.Truncate(time.Millisecond)) {
		t.Errorf("expected %v, got %v", ts.Truncate(time.Millisecond), back)
	}
	if back.Location() != time.UTC {
		t.Errorf("expected UTC, got %v", back.Location())
	}
}

func TestDecodeTimestamp_NotDecimal(t *testing.T) {
	_, err := DecodeTimestamp(EncodeText("yesterday"))
	if !errors.Is(err, ledger.ErrMalformedHex) {
		t.Fatalf("expected MalformedHex, got %v", err)
	}
}

func TestBytes_NullVersusEmpty(t *testing.T) {
	empty := ""
	tests := []struct {
		name string
		b    Bytes
		json string
	}{
		{"null", Null(), "null"},
		{"nil optional", OptionalText(nil), "null"},
		{"empty string", OptionalText(&empty), `""`},
		{"text", Text("hi"), `"6869"`},
		{"nil timestamp", OptionalTimestamp(nil), "null"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.b)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(data) != tt.json {
				t.Errorf("expected %s, got %s", tt.json, data)
			}
		})
	}
}

func TestBytes_Unmarshal(t *testing.T) {
	var v struct {
		Name Bytes `json:"name"`
		Note Bytes `json:"note"`
	}
	if err := json.Unmarshal([]byte(`{"name":"0x6869","note":null}`), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	s, ok, err := v.Name.Text()
	if err != nil || !ok || s != "hi" {
		t.Errorf("expected hi, got %q ok=%v err=%v", s, ok, err)
	}
	if _, ok, _ := v.Note.Text(); ok {
		t.Error("expected null note")
	}
	if err := json.Unmarshal([]byte(`{"name":12}`), &v); err == nil {
		t.Error("expected error for numeric field")
	}
}
