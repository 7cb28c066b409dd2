// Package record implements the ledger-backed medical record operations: writes are
// signed with the acting account's key and acknowledged at a configured milestone,
// reads re-query the ledger every time.
package record

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/medledger/internal/ledger"
	"github.com/ehr/medledger/internal/ledger/gateway"
	"github.com/ehr/medledger/internal/ledger/reader"
	"github.com/ehr/medledger/internal/ledger/vault"
)

// ErrInvalidInput wraps field validation failures.
var ErrInvalidInput = errors.New("invalid input")

// Signers hands out per-operation signing keys. *vault.Vault satisfies it.
type Signers interface {
	WithSigner(ctx context.Context, accountID uuid.UUID, fn func(*vault.Keypair) error) error
	Provision(ctx context.Context, accountID uuid.UUID) (string, error)
}

// Submitter submits signed calls. *gateway.Gateway satisfies it.
type Submitter interface {
	Submit(ctx context.Context, call gateway.Call, signer gateway.Signer) (*gateway.Handle, error)
	Await(ctx context.Context, h *gateway.Handle, m gateway.Milestone) (gateway.Receipt, error)
}

// Recorder observes completed writes. *telemetry.Metrics satisfies it.
type Recorder interface {
	ObserveWrite(call, outcome string, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ObserveWrite(string, string, time.Duration) {}

type Service struct {
	signers    Signers
	submitter  Submitter
	reader     *reader.Reader
	milestones Milestones
	validate   *validator.Validate
	recorder   Recorder
	logger     zerolog.Logger
}

func NewService(signers Signers, submitter Submitter, rd *reader.Reader, m Milestones, logger zerolog.Logger) *Service {
	return &Service{
		signers:    signers,
		submitter:  submitter,
		reader:     rd,
		milestones: m,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		recorder:   nopRecorder{},
		logger:     logger.With().Str("component", "record").Logger(),
	}
}

// WithRecorder sets where write outcomes are reported.
func (s *Service) WithRecorder(r Recorder) *Service {
	if r != nil {
		s.recorder = r
	}
	return s
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if k := ledger.KindOf(err); k != "" {
		return string(k)
	}
	return "error"
}

// CreateWallet generates fresh key material. The caller must encrypt and store the
// mnemonic exactly once; ProvisionWallet does both for an existing account.
func (s *Service) CreateWallet() (vault.Wallet, error) {
	return vault.CreateWallet()
}

// ProvisionWallet gives an account without a ledger identity a new wallet and returns
// its address.
func (s *Service) ProvisionWallet(ctx context.Context, accountID uuid.UUID) (string, error) {
	return s.signers.Provision(ctx, accountID)
}

func (s *Service) check(op string, v any) error {
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%s: %w: %s", op, ErrInvalidInput, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%s: %w: %v", op, ErrInvalidInput, err)
	}
	return nil
}

// write signs c with the account's key, submits it and waits for m. The key is only
// alive while the call is being signed and submitted.
func (s *Service) write(ctx context.Context, accountID uuid.UUID, kind ledger.EntityKind, c gateway.Call, m gateway.Milestone) (*Ack, error) {
	op := c.Method
	start := time.Now()
	ack, err := s.submitAndAwait(ctx, accountID, kind, c, m)
	s.recorder.ObserveWrite(op, outcome(err), time.Since(start))
	return ack, err
}

func (s *Service) submitAndAwait(ctx context.Context, accountID uuid.UUID, kind ledger.EntityKind, c gateway.Call, m gateway.Milestone) (*Ack, error) {
	op := c.Method

	var h *gateway.Handle
	err := s.signers.WithSigner(ctx, accountID, func(kp *vault.Keypair) error {
		var err error
		h, err = s.submitter.Submit(ctx, c, kp)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	receipt, err := s.submitter.Await(ctx, h, m)
	if err != nil {
		s.logger.Warn().Err(err).
			Str("call", op).
			Str("account_id", accountID.String()).
			Str("tx_hash", h.TxHash()).
			Msg("write not acknowledged")
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.logger.Info().
		Str("call", op).
		Str("account_id", accountID.String()).
		Str("tx_hash", receipt.TxHash).
		Str("milestone", receipt.Milestone.String()).
		Msg("ledger write acknowledged")
	return newAck(kind, op, receipt), nil
}

// Patients

func (s *Service) CreatePatient(ctx context.Context, accountID uuid.UUID, f PatientFields) (*Ack, error) {
	if err := s.check("create patient", f); err != nil {
		return nil, err
	}
	return s.write(ctx, accountID, ledger.KindPatient, f.call(), s.milestones.Create)
}

func (s *Service) UpdatePatient(ctx context.Context, accountID uuid.UUID, id uint64, p PatientPatch) (*Ack, error) {
	if err := s.check("update patient", p); err != nil {
		return nil, err
	}
	return s.write(ctx, accountID, ledger.KindPatient, p.call(id), s.milestones.Update)
}

func (s *Service) DeletePatient(ctx context.Context, accountID uuid.UUID, id uint64) (*Ack, error) {
	return s.write(ctx, accountID, ledger.KindPatient, deleteCall(ledger.KindPatient, id), s.milestones.Delete)
}

// GetPatientByID returns nil, nil when the patient does not exist or was deleted.
func (s *Service) GetPatientByID(ctx context.Context, id uint64) (*Patient, error) {
	return reader.Get(ctx, s.reader, ledger.KindPatient, id, decodePatient)
}

func (s *Service) ListAllPatients(ctx context.Context) ([]Patient, error) {
	return reader.ListAll(ctx, s.reader, ledger.KindPatient, decodePatient)
}

// PatientResults lists every patient slot with per-entry decode failures kept.
func (s *Service) PatientResults(ctx context.Context) ([]reader.Result[Patient], error) {
	return reader.ListAllResults(ctx, s.reader, ledger.KindPatient, decodePatient)
}

// Clinical tests

func (s *Service) CreateClinicalTest(ctx context.Context, accountID uuid.UUID, f ClinicalTestFields) (*Ack, error) {
	if err := s.check("create clinical test", f); err != nil {
		return nil, err
	}
	return s.write(ctx, accountID, ledger.KindClinicalTest, f.call(), s.milestones.Create)
}

func (s *Service) UpdateClinicalTest(ctx context.Context, accountID uuid.UUID, id uint64, p ClinicalTestPatch) (*Ack, error) {
	if err := s.check("update clinical test", p); err != nil {
		return nil, err
	}
	return s.write(ctx, accountID, ledger.KindClinicalTest, p.call(id), s.milestones.Update)
}

func (s *Service) DeleteClinicalTest(ctx context.Context, accountID uuid.UUID, id uint64) (*Ack, error) {
	return s.write(ctx, accountID, ledger.KindClinicalTest, deleteCall(ledger.KindClinicalTest, id), s.milestones.Delete)
}

func (s *Service) GetClinicalTestByID(ctx context.Context, id uint64) (*ClinicalTest, error) {
	return reader.Get(ctx, s.reader, ledger.KindClinicalTest, id, decodeClinicalTest)
}

func (s *Service) ListAllClinicalTests(ctx context.Context) ([]ClinicalTest, error) {
	return reader.ListAll(ctx, s.reader, ledger.KindClinicalTest, decodeClinicalTest)
}

// Disease progressions

func (s *Service) CreateDiseaseProgression(ctx context.Context, accountID uuid.UUID, f DiseaseProgressionFields) (*Ack, error) {
	if err := s.check("create disease progression", f); err != nil {
		return nil, err
	}
	return s.write(ctx, accountID, ledger.KindDiseaseProgression, f.call(), s.milestones.Create)
}

func (s *Service) UpdateDiseaseProgression(ctx context.Context, accountID uuid.UUID, id uint64, p DiseaseProgressionPatch) (*Ack, error) {
	if err := s.check("update disease progression", p); err != nil {
		return nil, err
	}
	return s.write(ctx, accountID, ledger.KindDiseaseProgression, p.call(id), s.milestones.Update)
}

func (s *Service) DeleteDiseaseProgression(ctx context.Context, accountID uuid.UUID, id uint64) (*Ack, error) {
	return s.write(ctx, accountID, ledger.KindDiseaseProgression, deleteCall(ledger.KindDiseaseProgression, id), s.milestones.Delete)
}

func (s *Service) GetDiseaseProgressionByID(ctx context.Context, id uint64) (*DiseaseProgression, error) {
	return reader.Get(ctx, s.reader, ledger.KindDiseaseProgression, id, decodeDiseaseProgression)
}

func (s *Service) ListAllDiseaseProgressions(ctx context.Context) ([]DiseaseProgression, error) {
	return reader.ListAll(ctx, s.reader, ledger.KindDiseaseProgression, decodeDiseaseProgression)
}

// Medical records

func (s *Service) CreateMedicalRecord(ctx context.Context, accountID uuid.UUID, f MedicalRecordFields) (*Ack, error) {
	if err := s.check("create medical record", f); err != nil {
		return nil, err
	}
	return s.write(ctx, accountID, ledger.KindMedicalRecord, f.call(), s.milestones.Create)
}

func (s *Service) UpdateMedicalRecord(ctx context.Context, accountID uuid.UUID, id uint64, p MedicalRecordPatch) (*Ack, error) {
	if err := s.check("update medical record", p); err != nil {
		return nil, err
	}
	return s.write(ctx, accountID, ledger.KindMedicalRecord, p.call(id), s.milestones.Update)
}

func (s *Service) DeleteMedicalRecord(ctx context.Context, accountID uuid.UUID, id uint64) (*Ack, error) {
	return s.write(ctx, accountID, ledger.KindMedicalRecord, deleteCall(ledger.KindMedicalRecord, id), s.milestones.Delete)
}

func (s *Service) GetMedicalRecordByID(ctx context.Context, id uint64) (*MedicalRecord, error) {
	return reader.Get(ctx, s.reader, ledger.KindMedicalRecord, id, decodeMedicalRecord)
}

func (s *Service) ListAllMedicalRecords(ctx context.Context) ([]MedicalRecord, error) {
	return reader.ListAll(ctx, s.reader, ledger.KindMedicalRecord, decodeMedicalRecord)
}

// Audit trail

// GetChangeHistory returns every change-history entry with old and new values decoded
// and the writer resolved to an account where one is known.
func (s *Service) GetChangeHistory(ctx context.Context) ([]reader.ChangeEntry, error) {
	return s.reader.ChangeHistory(ctx)
}
