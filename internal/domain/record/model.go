package record

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/ehr/medledger/internal/domain/account"
	"github.com/ehr/medledger/internal/ledger"
	"github.com/ehr/medledger/internal/ledger/gateway"
)

// Audit is the creation and modification metadata the ledger stamps on every entity.
// The *Account fields are nil when the address belongs to no known account.
type Audit struct {
	CreatedBy        string           `json:"createdBy"`
	CreatedByAccount *account.Summary `json:"createdByAccount"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedBy        *string          `json:"updatedBy"`
	UpdatedByAccount *account.Summary `json:"updatedByAccount"`
	UpdatedAt        *time.Time       `json:"updatedAt"`
}

// Patient

type PatientFields struct {
	Name             string    `validate:"required,max=200"`
	DateOfBirth      time.Time `validate:"required"`
	Gender           string    `validate:"required,max=32"`
	Address          *string   `validate:"omitempty,max=500"`
	Phone            *string   `validate:"omitempty,max=32"`
	EmergencyContact *string   `validate:"omitempty,max=200"`
}

// PatientPatch updates a patient. Nil fields are left unchanged; a pointer to "" sets
// the field to the empty string.
type PatientPatch struct {
	Name             *string `validate:"omitempty,min=1,max=200"`
	DateOfBirth      *time.Time
	Gender           *string `validate:"omitempty,min=1,max=32"`
	Address          *string `validate:"omitempty,max=500"`
	Phone            *string `validate:"omitempty,max=32"`
	EmergencyContact *string `validate:"omitempty,max=200"`
}

type Patient struct {
	ID               uint64    `json:"id"`
	Name             string    `json:"name"`
	DateOfBirth      time.Time `json:"dateOfBirth"`
	Gender           string    `json:"gender"`
	Address          *string   `json:"address"`
	Phone            *string   `json:"phone"`
	EmergencyContact *string   `json:"emergencyContact"`
	Audit
}

// Clinical test

type ClinicalTestFields struct {
	PatientID uint64
	TestType  string    `validate:"required,max=200"`
	TestDate  time.Time `validate:"required"`
	Result    string    `validate:"required,max=4000"`
	Notes     *string   `validate:"omitempty,max=4000"`
}

type ClinicalTestPatch struct {
	TestType *string `validate:"omitempty,min=1,max=200"`
	TestDate *time.Time
	Result   *string `validate:"omitempty,min=1,max=4000"`
	Notes    *string `validate:"omitempty,max=4000"`
}

type ClinicalTest struct {
	ID            uint64           `json:"id"`
	PatientID     uint64           `json:"patientId"`
	Doctor        string           `json:"doctor"`
	DoctorAccount *account.Summary `json:"doctorAccount"`
	TestType      string           `json:"testType"`
	TestDate      time.Time        `json:"testDate"`
	Result        string           `json:"result"`
	Notes         *string          `json:"notes"`
	Audit
}

// Disease progression

type DiseaseProgressionFields struct {
	PatientID       uint64
	VisitDate       time.Time `validate:"required"`
	Symptoms        string    `validate:"required,max=4000"`
	Diagnosis       string    `validate:"required,max=4000"`
	Treatment       *string   `validate:"omitempty,max=4000"`
	Prescription    *string   `validate:"omitempty,max=4000"`
	NextAppointment *time.Time
}

type DiseaseProgressionPatch struct {
	VisitDate       *time.Time
	Symptoms        *string `validate:"omitempty,min=1,max=4000"`
	Diagnosis       *string `validate:"omitempty,min=1,max=4000"`
	Treatment       *string `validate:"omitempty,max=4000"`
	Prescription    *string `validate:"omitempty,max=4000"`
	NextAppointment *time.Time
}

type DiseaseProgression struct {
	ID              uint64           `json:"id"`
	PatientID       uint64           `json:"patientId"`
	Doctor          string           `json:"doctor"`
	DoctorAccount   *account.Summary `json:"doctorAccount"`
	VisitDate       time.Time        `json:"visitDate"`
	Symptoms        string           `json:"symptoms"`
	Diagnosis       string           `json:"diagnosis"`
	Treatment       *string          `json:"treatment"`
	Prescription    *string          `json:"prescription"`
	NextAppointment *time.Time       `json:"nextAppointment"`
	Audit
}

// Medical record

// MedicalRecordFields describes a record whose content lives off-ledger. ContentHash
// is the hex SHA-256 of that content; DataPointer says where to find it.
type MedicalRecordFields struct {
	PatientID   uint64
	ContentHash string  `validate:"required,hexadecimal,len=64"`
	DataPointer *string `validate:"omitempty,max=2048"`
	Diagnosis   string  `validate:"required,max=4000"`
	Treatment   *string `validate:"omitempty,max=4000"`
}

type MedicalRecordPatch struct {
	ContentHash *string `validate:"omitempty,hexadecimal,len=64"`
	DataPointer *string `validate:"omitempty,max=2048"`
	Diagnosis   *string `validate:"omitempty,min=1,max=4000"`
	Treatment   *string `validate:"omitempty,max=4000"`
}

type MedicalRecord struct {
	ID            uint64           `json:"id"`
	PatientID     uint64           `json:"patientId"`
	Doctor        string           `json:"doctor"`
	DoctorAccount *account.Summary `json:"doctorAccount"`
	ContentHash   string           `json:"contentHash"`
	DataPointer   *string          `json:"dataPointer"`
	Diagnosis     string           `json:"diagnosis"`
	Treatment     *string          `json:"treatment"`
	Audit
}

// HashContent returns the ContentHash for off-ledger record content.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Ack acknowledges a write that reached its milestone. It does not carry the entity:
// the committed value is observed by reading it back.
type Ack struct {
	Kind      ledger.EntityKind `json:"kind"`
	Call      string            `json:"call"`
	TxHash    string            `json:"txHash"`
	BlockHash string            `json:"blockHash"`
	Signer    string            `json:"signer"`
	Nonce     uint64            `json:"nonce"`
	Milestone string            `json:"milestone"`
}

func newAck(kind ledger.EntityKind, call string, r gateway.Receipt) *Ack {
	return &Ack{
		Kind:      kind,
		Call:      call,
		TxHash:    r.TxHash,
		BlockHash: r.BlockHash,
		Signer:    r.Signer,
		Nonce:     r.Nonce,
		Milestone: r.Milestone.String(),
	}
}

// Milestones is the completion contract per operation class.
type Milestones struct {
	Create gateway.Milestone
	Update gateway.Milestone
	Delete gateway.Milestone
}

// DefaultMilestones acknowledges creates and deletes once in a block and waits for
// finality on updates.
func DefaultMilestones() Milestones {
	return Milestones{
		Create: gateway.StatusInBlock,
		Update: gateway.StatusFinalized,
		Delete: gateway.StatusInBlock,
	}
}
