package ledger

import "fmt"

// Pallet is the ledger module that owns every medical entity map.
const Pallet = "medical"

// EntityKind identifies one family of on-ledger entities.
type EntityKind string

const (
	KindPatient            EntityKind = "patient"
	KindClinicalTest       EntityKind = "clinical_test"
	KindDiseaseProgression EntityKind = "disease_progression"
	KindMedicalRecord      EntityKind = "medical_record"
	KindChangeHistory      EntityKind = "change_history"
)

type kindInfo struct {
	storage string
	counter string
	// change history is written by the pallet itself, never by a call
	writable bool
	// signerField is set by the pallet to the call origin on create.
	signerField string
	// parent must exist and not be deleted when an entity is created.
	parent EntityKind
}

var kinds = map[EntityKind]kindInfo{
	KindPatient:            {storage: "Patients", counter: "PatientCounter", writable: true},
	KindClinicalTest:       {storage: "ClinicalTests", counter: "ClinicalTestCounter", writable: true, signerField: "doctor", parent: KindPatient},
	KindDiseaseProgression: {storage: "DiseaseProgressions", counter: "DiseaseProgressionCounter", writable: true, signerField: "doctor", parent: KindPatient},
	KindMedicalRecord:      {storage: "MedicalRecords", counter: "MedicalRecordCounter", writable: true, signerField: "doctor", parent: KindPatient},
	KindChangeHistory:      {storage: "ChangeHistories", counter: "ChangeCounter"},
}

// Kinds lists every entity kind in a stable order.
func Kinds() []EntityKind {
	return []EntityKind{KindPatient, KindClinicalTest, KindDiseaseProgression, KindMedicalRecord, KindChangeHistory}
}

// ParseEntityKind validates s as a known entity kind.
func ParseEntityKind(s string) (EntityKind, error) {
	k := EntityKind(s)
	if _, ok := kinds[k]; !ok {
		return "", fmt.Errorf("unknown entity kind %q", s)
	}
	return k, nil
}

func (k EntityKind) info() kindInfo {
	info, ok := kinds[k]
	if !ok {
		panic(fmt.Sprintf("ledger: unknown entity kind %q", string(k)))
	}
	return info
}

// StorageItem is the name of the id-keyed storage map holding entities of this kind.
func (k EntityKind) StorageItem() string { return k.info().storage }

// CounterItem is the name of the storage value holding the next id for this kind.
func (k EntityKind) CounterItem() string { return k.info().counter }

// Writable reports whether the kind has create/update/delete calls.
func (k EntityKind) Writable() bool { return k.info().writable }

// SignerField names the field the pallet fills with the creating account, or "".
func (k EntityKind) SignerField() string { return k.info().signerField }

// Parent is the kind referenced through ParentField, or "" for top-level kinds.
func (k EntityKind) Parent() EntityKind { return k.info().parent }

// ParentField is the argument carrying the parent entity id.
const ParentField = "patientId"

// CreateCall, UpdateCall and DeleteCall name the pallet methods that write this kind.
func (k EntityKind) CreateCall() string { return "create_" + string(k) }
func (k EntityKind) UpdateCall() string { return "update_" + string(k) }
func (k EntityKind) DeleteCall() string { return "delete_" + string(k) }
