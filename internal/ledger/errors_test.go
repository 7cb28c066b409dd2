package ledger

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_IsMatchesKind(t *testing.T) {
	err := fmt.Errorf("create patient: %w", E(KindSubmissionRejected, "submit", errors.New("stale nonce")))

	if !errors.Is(err, ErrSubmissionRejected) {
		t.Error("expected wrapped error to match ErrSubmissionRejected")
	}
	if errors.Is(err, ErrConnectionLost) {
		t.Error("did not expect match against ErrConnectionLost")
	}
	if got := KindOf(err); got != KindSubmissionRejected {
		t.Errorf("expected kind %q, got %q", KindSubmissionRejected, got)
	}
}

func TestError_Message(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{"full", E(KindTimeout, "wait", errors.New("deadline")), "wait: timeout: deadline"},
		{"op only", E(KindAccountNotFound, "sign", nil), "sign: account_not_found"},
		{"kind only", &Error{Kind: KindMalformedHex}, "malformed_hex"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestKindOf_Plain(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != "" {
		t.Errorf("expected empty kind, got %q", got)
	}
}

func TestErrorKind_Retryable(t *testing.T) {
	for _, k := range []ErrorKind{KindSubmissionRejected, KindConnectionLost, KindTimeout} {
		if !k.Retryable() {
			t.Errorf("expected %s to be retryable", k)
		}
	}
	for _, k := range []ErrorKind{KindMalformedHex, KindDecryptionFailed, KindAccountNotFound} {
		if k.Retryable() {
			t.Errorf("expected %s not to be retryable", k)
		}
	}
}

func TestEntityKind_Calls(t *testing.T) {
	if got := KindClinicalTest.CreateCall(); got != "create_clinical_test" {
		t.Errorf("unexpected create call %q", got)
	}
	if got := KindPatient.CounterItem(); got != "PatientCounter" {
		t.Errorf("unexpected counter item %q", got)
	}
	if KindChangeHistory.Writable() {
		t.Error("change history must not be writable")
	}
	for _, k := range Kinds() {
		if !strings.HasPrefix(k.DeleteCall(), "delete_") {
			t.Errorf("unexpected delete call %q", k.DeleteCall())
		}
	}
}

func TestParseEntityKind(t *testing.T) {
	if _, err := ParseEntityKind("medical_record"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := ParseEntityKind("invoice"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestEntityKind_Relations(t *testing.T) {
	for _, k := range []EntityKind{KindClinicalTest, KindDiseaseProgression, KindMedicalRecord} {
		if k.Parent() != KindPatient {
			t.Errorf("%s: expected patient parent, got %q", k, k.Parent())
		}
		if k.SignerField() != "doctor" {
			t.Errorf("%s: expected doctor signer field, got %q", k, k.SignerField())
		}
	}
	if KindPatient.Parent() != "" || KindPatient.SignerField() != "" {
		t.Error("patient has no parent or signer field")
	}
}
