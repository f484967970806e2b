package sync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/josepinto1991/healthshield-api/internal/model"
	"github.com/josepinto1991/healthshield-api/internal/repository"
)

// fakeStore mimics the repository's upsert semantics in memory: lookup
// by server id first, then by cedula, insert otherwise.
type fakeStore struct {
	patients     map[string]model.Patient
	byCedula     map[string]string
	vaccinations map[string]model.Vaccination
	seq          int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		patients:     make(map[string]model.Patient),
		byCedula:     make(map[string]string),
		vaccinations: make(map[string]model.Vaccination),
	}
}

func (f *fakeStore) nextID() string {
	f.seq++
	return fmt.Sprintf("srv-%d", f.seq)
}

func (f *fakeStore) UpsertPatient(_ context.Context, in repository.PatientUpsert) (model.Patient, model.SyncAction, error) {
	if in.ServerID != nil {
		if patient, ok := f.patients[*in.ServerID]; ok {
			patient.NationalID = in.NationalID
			patient.FullName = in.FullName
			patient.BirthDate = in.BirthDate
			patient.Synced = true
			patient.UpdatedAt = time.Now().UTC()
			f.patients[patient.ID] = patient
			f.byCedula[patient.NationalID] = patient.ID
			return patient, model.ActionUpdated, nil
		}
	}
	if id, ok := f.byCedula[in.NationalID]; ok {
		patient := f.patients[id]
		patient.FullName = in.FullName
		patient.BirthDate = in.BirthDate
		patient.Synced = true
		patient.UpdatedAt = time.Now().UTC()
		f.patients[id] = patient
		return patient, model.ActionUpdated, nil
	}
	now := time.Now().UTC()
	patient := model.Patient{
		ID:         f.nextID(),
		NationalID: in.NationalID,
		FullName:   in.FullName,
		BirthDate:  in.BirthDate,
		Phone:      in.Phone,
		Address:    in.Address,
		Synced:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	f.patients[patient.ID] = patient
	f.byCedula[patient.NationalID] = patient.ID
	return patient, model.ActionCreated, nil
}

func (f *fakeStore) UpsertVaccination(_ context.Context, in repository.VaccinationUpsert) (model.Vaccination, model.SyncAction, error) {
	if in.ServerID != nil {
		if vaccination, ok := f.vaccinations[*in.ServerID]; ok {
			vaccination.PatientID = &in.PatientID
			vaccination.VaccineName = in.VaccineName
			vaccination.AppliedOn = in.AppliedOn
			vaccination.Synced = true
			vaccination.UpdatedAt = time.Now().UTC()
			f.vaccinations[vaccination.ID] = vaccination
			return vaccination, model.ActionUpdated, nil
		}
	}
	if _, ok := f.patients[in.PatientID]; !ok {
		return model.Vaccination{}, "", repository.ErrPatientNotFound
	}
	now := time.Now().UTC()
	patientID := in.PatientID
	vaccination := model.Vaccination{
		ID:          f.nextID(),
		PatientID:   &patientID,
		IsMinor:     in.IsMinor,
		GuardianID:  in.GuardianID,
		VaccineName: in.VaccineName,
		AppliedOn:   in.AppliedOn,
		LotNumber:   in.LotNumber,
		NextDose:    in.NextDose,
		AccountID:   in.AccountID,
		Synced:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	f.vaccinations[vaccination.ID] = vaccination
	return vaccination, model.ActionCreated, nil
}

func (f *fakeStore) GetPatientByID(_ context.Context, id string) (model.Patient, error) {
	patient, ok := f.patients[id]
	if !ok {
		return model.Patient{}, repository.ErrNotFound
	}
	return patient, nil
}

func (f *fakeStore) GetPatientByNationalID(_ context.Context, cedula string) (model.Patient, error) {
	id, ok := f.byCedula[cedula]
	if !ok {
		return model.Patient{}, repository.ErrNotFound
	}
	return f.patients[id], nil
}

func strPtr(s string) *string { return &s }

func int64Ptr(i int64) *int64 { return &i }

func TestProcessBatchNewPatientAndVaccine(t *testing.T) {
	store := newFakeStore()
	reconciler := NewReconciler(store, nil)

	batch := Batch{
		Patients: []PatientInput{{
			ClientLocalID:   101,
			Cedula:          "V-11111111",
			Nombre:          "Ana Pérez",
			FechaNacimiento: "1990-01-01",
		}},
		Vaccines: []VaccineInput{{
			ClientLocalID:   201,
			PacienteID:      int64Ptr(101),
			NombreVacuna:    "COVID-19",
			FechaAplicacion: "2024-03-01",
		}},
	}

	result := reconciler.ProcessBatch(context.Background(), batch, "acct-1")

	require.Empty(t, result.Conflicts)
	require.Equal(t, 1, result.PatientsSynced)
	require.Equal(t, 1, result.VaccinesSynced)
	require.Equal(t, model.ActionCreated, result.PatientMap["101"].Action)
	require.Equal(t, model.ActionCreated, result.VaccineMap["201"].Action)

	// The stored dose must point at the newly created patient's server
	// id, not at the literal client-local id.
	vaccination := store.vaccinations[result.VaccineMap["201"].ServerID]
	require.NotNil(t, vaccination.PatientID)
	require.Equal(t, result.PatientMap["101"].ServerID, *vaccination.PatientID)
}

func TestProcessBatchIdempotentUpload(t *testing.T) {
	store := newFakeStore()
	reconciler := NewReconciler(store, nil)

	batch := Batch{
		Patients: []PatientInput{{
			ClientLocalID:   1,
			Cedula:          "V-22222222",
			Nombre:          "Luis Rojas",
			FechaNacimiento: "1985-05-20",
		}},
	}

	first := reconciler.ProcessBatch(context.Background(), batch, "acct-1")
	second := reconciler.ProcessBatch(context.Background(), batch, "acct-1")

	require.Equal(t, first.PatientMap["1"].ServerID, second.PatientMap["1"].ServerID)
	require.Equal(t, model.ActionCreated, first.PatientMap["1"].Action)
	require.Equal(t, model.ActionUpdated, second.PatientMap["1"].Action)
	require.Len(t, store.patients, 1)
}

func TestProcessBatchNaturalKeyDedup(t *testing.T) {
	store := newFakeStore()
	reconciler := NewReconciler(store, nil)

	batch := Batch{
		Patients: []PatientInput{
			{ClientLocalID: 1, Cedula: "V-12345678", Nombre: "Maria Díaz", FechaNacimiento: "1970-07-07"},
			{ClientLocalID: 2, Cedula: "V-12345678", Nombre: "María Díaz", FechaNacimiento: "1970-07-07"},
		},
	}

	result := reconciler.ProcessBatch(context.Background(), batch, "acct-1")

	require.Len(t, store.patients, 1)
	require.Equal(t, result.PatientMap["1"].ServerID, result.PatientMap["2"].ServerID)
	require.Equal(t, model.ActionCreated, result.PatientMap["1"].Action)
	require.Equal(t, model.ActionUpdated, result.PatientMap["2"].Action)
}

func TestProcessBatchPartialFailureIsolation(t *testing.T) {
	store := newFakeStore()
	reconciler := NewReconciler(store, nil)

	batch := Batch{
		Patients: []PatientInput{
			{ClientLocalID: 1, Cedula: "V-10000001", Nombre: "Uno", FechaNacimiento: "1990-01-01"},
			{ClientLocalID: 2, Cedula: "not-a-cedula", Nombre: "Dos", FechaNacimiento: "1990-01-02"},
			{ClientLocalID: 3, Cedula: "V-10000003", Nombre: "Tres", FechaNacimiento: "1990-01-03"},
		},
	}

	result := reconciler.ProcessBatch(context.Background(), batch, "acct-1")

	require.Equal(t, 2, result.PatientsSynced)
	require.Len(t, result.Conflicts, 1)
	require.Equal(t, "patient", result.Conflicts[0].Type)
	require.Equal(t, int64(2), result.Conflicts[0].ClientLocalID)
	require.Contains(t, result.PatientMap, "1")
	require.Contains(t, result.PatientMap, "3")
	require.NotContains(t, result.PatientMap, "2")
}

func TestProcessBatchRoundTripUpdate(t *testing.T) {
	store := newFakeStore()
	reconciler := NewReconciler(store, nil)

	seed := Batch{Patients: []PatientInput{{
		ClientLocalID: 1, Cedula: "V-33333333", Nombre: "Carla Soto", FechaNacimiento: "2000-02-02",
	}}}
	seeded := reconciler.ProcessBatch(context.Background(), seed, "acct-1")
	serverID := seeded.PatientMap["1"].ServerID

	// Record pulled down, edited offline, pushed back with its server id.
	batch := Batch{Patients: []PatientInput{{
		ClientLocalID:   7,
		ServerID:        strPtr(serverID),
		Cedula:          "V-33333333",
		Nombre:          "Carla Soto de León",
		FechaNacimiento: "2000-02-02",
	}}}
	result := reconciler.ProcessBatch(context.Background(), batch, "acct-1")

	require.Equal(t, model.ActionUpdated, result.PatientMap["7"].Action)
	require.Equal(t, serverID, result.PatientMap["7"].ServerID)
	require.Len(t, store.patients, 1)
	require.Equal(t, "Carla Soto de León", store.patients[serverID].FullName)
}

func TestProcessBatchVaccineUnresolvedPatient(t *testing.T) {
	store := newFakeStore()
	reconciler := NewReconciler(store, nil)

	batch := Batch{Vaccines: []VaccineInput{{
		ClientLocalID:   5,
		PacienteID:      int64Ptr(99),
		NombreVacuna:    "Fiebre Amarilla",
		FechaAplicacion: "2024-01-15",
	}}}

	result := reconciler.ProcessBatch(context.Background(), batch, "acct-1")

	require.Equal(t, 0, result.VaccinesSynced)
	require.Len(t, result.Conflicts, 1)
	require.Equal(t, "vaccine", result.Conflicts[0].Type)
	require.Equal(t, int64(5), result.Conflicts[0].ClientLocalID)
	require.Empty(t, store.vaccinations)
}

func TestProcessBatchVaccineFallbackByCedula(t *testing.T) {
	store := newFakeStore()
	reconciler := NewReconciler(store, nil)

	seed := Batch{Patients: []PatientInput{{
		ClientLocalID: 1, Cedula: "V-44444444", Nombre: "Pedro León", FechaNacimiento: "1995-09-09",
	}}}
	seeded := reconciler.ProcessBatch(context.Background(), seed, "acct-1")

	// A later batch whose client lost the id mapping; only the cedula
	// travels on the vaccine record.
	batch := Batch{Vaccines: []VaccineInput{{
		ClientLocalID:   2,
		PacienteCedula:  strPtr("v-44444444"),
		NombreVacuna:    "Tétanos",
		FechaAplicacion: "2024-06-10",
	}}}
	result := reconciler.ProcessBatch(context.Background(), batch, "acct-1")

	require.Empty(t, result.Conflicts)
	vaccination := store.vaccinations[result.VaccineMap["2"].ServerID]
	require.Equal(t, seeded.PatientMap["1"].ServerID, *vaccination.PatientID)
}

func TestProcessBatchAuthorAttribution(t *testing.T) {
	store := newFakeStore()
	reconciler := NewReconciler(store, nil)

	batch := Batch{
		Patients: []PatientInput{{
			ClientLocalID: 1, Cedula: "V-55555555", Nombre: "Nora Gil", FechaNacimiento: "1988-03-03",
		}},
		Vaccines: []VaccineInput{
			{ClientLocalID: 2, PacienteID: int64Ptr(1), NombreVacuna: "Sarampión", FechaAplicacion: "2024-02-02"},
			{ClientLocalID: 3, PacienteID: int64Ptr(1), NombreVacuna: "Polio", FechaAplicacion: "2024-02-03", UsuarioID: strPtr("acct-other")},
		},
	}
	result := reconciler.ProcessBatch(context.Background(), batch, "acct-author")

	require.Empty(t, result.Conflicts)
	defaulted := store.vaccinations[result.VaccineMap["2"].ServerID]
	require.Equal(t, "acct-author", *defaulted.AccountID)
	explicit := store.vaccinations[result.VaccineMap["3"].ServerID]
	require.Equal(t, "acct-other", *explicit.AccountID)
}

func TestPatientInputValidation(t *testing.T) {
	cases := []struct {
		name  string
		input PatientInput
	}{
		{"empty cedula", PatientInput{Nombre: "X", FechaNacimiento: "1990-01-01"}},
		{"bad cedula", PatientInput{Cedula: "12345", Nombre: "X", FechaNacimiento: "1990-01-01"}},
		{"missing nombre", PatientInput{Cedula: "V-123456", FechaNacimiento: "1990-01-01"}},
		{"bad date", PatientInput{Cedula: "V-123456", Nombre: "X", FechaNacimiento: "01/01/1990"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.input.toUpsert()
			require.Error(t, err)
		})
	}

	valid := PatientInput{Cedula: " v-123456 ", Nombre: "X", FechaNacimiento: "1990-01-01"}
	upsert, err := valid.toUpsert()
	require.NoError(t, err)
	require.Equal(t, "V-123456", upsert.NationalID)
}
