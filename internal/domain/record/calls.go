package record

import (
	"github.com/ehr/medledger/internal/ledger"
	"github.com/ehr/medledger/internal/ledger/codec"
	"github.com/ehr/medledger/internal/ledger/gateway"
)

func call(method string, args ...gateway.Arg) gateway.Call {
	return gateway.Call{Pallet: ledger.Pallet, Method: method, Args: args}
}

func arg(name string, v any) gateway.Arg { return gateway.Arg{Name: name, Value: v} }

func idArg(id uint64) gateway.Arg { return arg("id", id) }

func parentArg(id uint64) gateway.Arg { return arg(ledger.ParentField, id) }

func deleteCall(kind ledger.EntityKind, id uint64) gateway.Call {
	return call(kind.DeleteCall(), idArg(id))
}

func (f PatientFields) call() gateway.Call {
	return call(ledger.KindPatient.CreateCall(),
		arg("name", codec.Text(f.Name)),
		arg("dateOfBirth", codec.Timestamp(f.DateOfBirth)),
		arg("gender", codec.Text(f.Gender)),
		arg("address", codec.OptionalText(f.Address)),
		arg("phone", codec.OptionalText(f.Phone)),
		arg("emergencyContact", codec.OptionalText(f.EmergencyContact)),
	)
}

func (p PatientPatch) call(id uint64) gateway.Call {
	return call(ledger.KindPatient.UpdateCall(), idArg(id),
		arg("name", codec.OptionalText(p.Name)),
		arg("dateOfBirth", codec.OptionalTimestamp(p.DateOfBirth)),
		arg("gender", codec.OptionalText(p.Gender)),
		arg("address", codec.OptionalText(p.Address)),
		arg("phone", codec.OptionalText(p.Phone)),
		arg("emergencyContact", codec.OptionalText(p.EmergencyContact)),
	)
}

func (f ClinicalTestFields) call() gateway.Call {
	return call(ledger.KindClinicalTest.CreateCall(), parentArg(f.PatientID),
		arg("testType", codec.Text(f.TestType)),
		arg("testDate", codec.Timestamp(f.TestDate)),
		arg("result", codec.Text(f.Result)),
		arg("notes", codec.OptionalText(f.Notes)),
	)
}

func (p ClinicalTestPatch) call(id uint64) gateway.Call {
	return call(ledger.KindClinicalTest.UpdateCall(), idArg(id),
		arg("testType", codec.OptionalText(p.TestType)),
		arg("testDate", codec.OptionalTimestamp(p.TestDate)),
		arg("result", codec.OptionalText(p.Result)),
		arg("notes", codec.OptionalText(p.Notes)),
	)
}

func (f DiseaseProgressionFields) call() gateway.Call {
	return call(ledger.KindDiseaseProgression.CreateCall(), parentArg(f.PatientID),
		arg("visitDate", codec.Timestamp(f.VisitDate)),
		arg("symptoms", codec.Text(f.Symptoms)),
		arg("diagnosis", codec.Text(f.Diagnosis)),
		arg("treatment", codec.OptionalText(f.Treatment)),
		arg("prescription", codec.OptionalText(f.Prescription)),
		arg("nextAppointment", codec.OptionalTimestamp(f.NextAppointment)),
	)
}

func (p DiseaseProgressionPatch) call(id uint64) gateway.Call {
	return call(ledger.KindDiseaseProgression.UpdateCall(), idArg(id),
		arg("visitDate", codec.OptionalTimestamp(p.VisitDate)),
		arg("symptoms", codec.OptionalText(p.Symptoms)),
		arg("diagnosis", codec.OptionalText(p.Diagnosis)),
		arg("treatment", codec.OptionalText(p.Treatment)),
		arg("prescription", codec.OptionalText(p.Prescription)),
		arg("nextAppointment", codec.OptionalTimestamp(p.NextAppointment)),
	)
}

func (f MedicalRecordFields) call() gateway.Call {
	return call(ledger.KindMedicalRecord.CreateCall(), parentArg(f.PatientID),
		arg("contentHash", codec.Text(f.ContentHash)),
		arg("dataPointer", codec.OptionalText(f.DataPointer)),
		arg("diagnosis", codec.Text(f.Diagnosis)),
		arg("treatment", codec.OptionalText(f.Treatment)),
	)
}

func (p MedicalRecordPatch) call(id uint64) gateway.Call {
	return call(ledger.KindMedicalRecord.UpdateCall(), idArg(id),
		arg("contentHash", codec.OptionalText(p.ContentHash)),
		arg("dataPointer", codec.OptionalText(p.DataPointer)),
		arg("diagnosis", codec.OptionalText(p.Diagnosis)),
		arg("treatment", codec.OptionalText(p.Treatment)),
	)
}
