package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ehr/medledger/internal/ledger/codec"
	"github.com/ehr/medledger/internal/ledger/reader"
)

// fieldDecoder decodes stored fields, keeping the first failure.
type fieldDecoder struct {
	err error
}

func (d *fieldDecoder) fail(field string, err error) {
	if d.err == nil {
		d.err = fmt.Errorf("%s: %w", field, err)
	}
}

func (d *fieldDecoder) text(field string, b codec.Bytes) string {
	s, ok, err := b.Text()
	switch {
	case err != nil:
		d.fail(field, err)
	case !ok:
		d.fail(field, errMissing)
	}
	return s
}

func (d *fieldDecoder) optText(field string, b codec.Bytes) *string {
	s, ok, err := b.Text()
	if err != nil {
		d.fail(field, err)
		return nil
	}
	if !ok {
		return nil
	}
	return &s
}

func (d *fieldDecoder) timestamp(field string, b codec.Bytes) time.Time {
	t, ok, err := b.Timestamp()
	switch {
	case err != nil:
		d.fail(field, err)
	case !ok:
		d.fail(field, errMissing)
	}
	return t
}

func (d *fieldDecoder) optTimestamp(field string, b codec.Bytes) *time.Time {
	t, ok, err := b.Timestamp()
	if err != nil {
		d.fail(field, err)
		return nil
	}
	if !ok {
		return nil
	}
	return &t
}

var errMissing = errors.New("required field is null")

type storedAudit struct {
	CreatedBy string      `json:"createdBy"`
	CreatedAt codec.Bytes `json:"createdAt"`
	UpdatedBy *string     `json:"updatedBy"`
	UpdatedAt codec.Bytes `json:"updatedAt"`
}

func (s storedAudit) decode(ctx context.Context, d *fieldDecoder, names *reader.Names) (Audit, error) {
	a := Audit{
		CreatedBy: s.CreatedBy,
		CreatedAt: d.timestamp("createdAt", s.CreatedAt),
		UpdatedBy: s.UpdatedBy,
		UpdatedAt: d.optTimestamp("updatedAt", s.UpdatedAt),
	}
	if d.err != nil {
		return a, d.err
	}
	var err error
	if a.CreatedByAccount, err = names.Resolve(ctx, s.CreatedBy); err != nil {
		return a, err
	}
	if a.UpdatedByAccount, err = names.ResolveOptional(ctx, s.UpdatedBy); err != nil {
		return a, err
	}
	return a, nil
}

type storedPatient struct {
	ID               uint64      `json:"id"`
	Name             codec.Bytes `json:"name"`
	DateOfBirth      codec.Bytes `json:"dateOfBirth"`
	Gender           codec.Bytes `json:"gender"`
	Address          codec.Bytes `json:"address"`
	Phone            codec.Bytes `json:"phone"`
	EmergencyContact codec.Bytes `json:"emergencyContact"`
	storedAudit
}

func decodePatient(ctx context.Context, raw json.RawMessage, names *reader.Names) (*Patient, error) {
	var s storedPatient
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	var d fieldDecoder
	p := &Patient{
		ID:               s.ID,
		Name:             d.text("name", s.Name),
		DateOfBirth:      d.timestamp("dateOfBirth", s.DateOfBirth),
		Gender:           d.text("gender", s.Gender),
		Address:          d.optText("address", s.Address),
		Phone:            d.optText("phone", s.Phone),
		EmergencyContact: d.optText("emergencyContact", s.EmergencyContact),
	}
	audit, err := s.storedAudit.decode(ctx, &d, names)
	if err != nil {
		return nil, err
	}
	p.Audit = audit
	return p, nil
}

type storedClinicalTest struct {
	ID        uint64      `json:"id"`
	PatientID uint64      `json:"patientId"`
	Doctor    string      `json:"doctor"`
	TestType  codec.Bytes `json:"testType"`
	TestDate  codec.Bytes `json:"testDate"`
	Result    codec.Bytes `json:"result"`
	Notes     codec.Bytes `json:"notes"`
	storedAudit
}

func decodeClinicalTest(ctx context.Context, raw json.RawMessage, names *reader.Names) (*ClinicalTest, error) {
	var s storedClinicalTest
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	var d fieldDecoder
	ct := &ClinicalTest{
		ID:        s.ID,
		PatientID: s.PatientID,
		Doctor:    s.Doctor,
		TestType:  d.text("testType", s.TestType),
		TestDate:  d.timestamp("testDate", s.TestDate),
		Result:    d.text("result", s.Result),
		Notes:     d.optText("notes", s.Notes),
	}
	audit, err := s.storedAudit.decode(ctx, &d, names)
	if err != nil {
		return nil, err
	}
	ct.Audit = audit
	if ct.DoctorAccount, err = names.Resolve(ctx, s.Doctor); err != nil {
		return nil, err
	}
	return ct, nil
}

type storedDiseaseProgression struct {
	ID              uint64      `json:"id"`
	PatientID       uint64      `json:"patientId"`
	Doctor          string      `json:"doctor"`
	VisitDate       codec.Bytes `json:"visitDate"`
	Symptoms        codec.Bytes `json:"symptoms"`
	Diagnosis       codec.Bytes `json:"diagnosis"`
	Treatment       codec.Bytes `json:"treatment"`
	Prescription    codec.Bytes `json:"prescription"`
	NextAppointment codec.Bytes `json:"nextAppointment"`
	storedAudit
}

func decodeDiseaseProgression(ctx context.Context, raw json.RawMessage, names *reader.Names) (*DiseaseProgression, error) {
	var s storedDiseaseProgression
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	var d fieldDecoder
	dp := &DiseaseProgression{
		ID:              s.ID,
		PatientID:       s.PatientID,
		Doctor:          s.Doctor,
		VisitDate:       d.timestamp("visitDate", s.VisitDate),
		Symptoms:        d.text("symptoms", s.Symptoms),
		Diagnosis:       d.text("diagnosis", s.Diagnosis),
		Treatment:       d.optText("treatment", s.Treatment),
		Prescription:    d.optText("prescription", s.Prescription),
		NextAppointment: d.optTimestamp("nextAppointment", s.NextAppointment),
	}
	audit, err := s.storedAudit.decode(ctx, &d, names)
	if err != nil {
		return nil, err
	}
	dp.Audit = audit
	if dp.DoctorAccount, err = names.Resolve(ctx, s.Doctor); err != nil {
		return nil, err
	}
	return dp, nil
}

type storedMedicalRecord struct {
	ID          uint64      `json:"id"`
	PatientID   uint64      `json:"patientId"`
	Doctor      string      `json:"doctor"`
	ContentHash codec.Bytes `json:"contentHash"`
	DataPointer codec.Bytes `json:"dataPointer"`
	Diagnosis   codec.Bytes `json:"diagnosis"`
	Treatment   codec.Bytes `json:"treatment"`
	storedAudit
}

func decodeMedicalRecord(ctx context.Context, raw json.RawMessage, names *reader.Names) (*MedicalRecord, error) {
	var s storedMedicalRecord
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	var d fieldDecoder
	mr := &MedicalRecord{
		ID:          s.ID,
		PatientID:   s.PatientID,
		Doctor:      s.Doctor,
		ContentHash: d.text("contentHash", s.ContentHash),
		DataPointer: d.optText("dataPointer", s.DataPointer),
		Diagnosis:   d.text("diagnosis", s.Diagnosis),
		Treatment:   d.optText("treatment", s.Treatment),
	}
	audit, err := s.storedAudit.decode(ctx, &d, names)
	if err != nil {
		return nil, err
	}
	mr.Audit = audit
	if mr.DoctorAccount, err = names.Resolve(ctx, s.Doctor); err != nil {
		return nil, err
	}
	return mr, nil
}
