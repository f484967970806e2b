package sync

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/josepinto1991/healthshield-api/internal/model"
	"github.com/josepinto1991/healthshield-api/internal/repository"
)

// Store is the slice of the repository the reconciler needs. The
// reconciler never talks to storage directly; everything goes through
// these idempotent operations.
type Store interface {
	UpsertPatient(ctx context.Context, in repository.PatientUpsert) (model.Patient, model.SyncAction, error)
	UpsertVaccination(ctx context.Context, in repository.VaccinationUpsert) (model.Vaccination, model.SyncAction, error)
	GetPatientByID(ctx context.Context, id string) (model.Patient, error)
	GetPatientByNationalID(ctx context.Context, cedula string) (model.Patient, error)
}

// PatientInput is one client-originated patient record. ClientLocalID is
// assigned by the offline client and unique only within the batch;
// ServerID is present when the record was synced in a prior batch.
type PatientInput struct {
	ClientLocalID   int64   `json:"client_local_id"`
	ServerID        *string `json:"server_id,omitempty"`
	Cedula          string  `json:"cedula"`
	Nombre          string  `json:"nombre"`
	FechaNacimiento string  `json:"fecha_nacimiento"`
	Telefono        *string `json:"telefono,omitempty"`
	Direccion       *string `json:"direccion,omitempty"`
}

// VaccineInput references its patient by in-batch client-local id
// (PacienteID), by server id, or by cedula as a last resort.
type VaccineInput struct {
	ClientLocalID       int64   `json:"client_local_id"`
	ServerID            *string `json:"server_id,omitempty"`
	PacienteID          *int64  `json:"paciente_id,omitempty"`
	PacienteServerID    *string `json:"paciente_server_id,omitempty"`
	PacienteCedula      *string `json:"paciente_cedula,omitempty"`
	NombreVacuna        string  `json:"nombre_vacuna"`
	FechaAplicacion     string  `json:"fecha_aplicacion"`
	Lote                *string `json:"lote,omitempty"`
	ProximaDosis        *string `json:"proxima_dosis,omitempty"`
	UsuarioID           *string `json:"usuario_id,omitempty"`
	EsMenor             bool    `json:"es_menor,omitempty"`
	CedulaRepresentante *string `json:"cedula_representante,omitempty"`
}

type Batch struct {
	Patients []PatientInput `json:"patients"`
	Vaccines []VaccineInput `json:"vaccines"`
}

// Outcome maps one client-local id to the durable server id and what the
// server did with the record.
type Outcome struct {
	ServerID string           `json:"server_id"`
	Action   model.SyncAction `json:"action"`
}

type Conflict struct {
	Type          string `json:"type"`
	ClientLocalID int64  `json:"client_local_id"`
	Error         string `json:"error"`
}

type BatchResult struct {
	PatientsSynced  int                `json:"patients_synced"`
	VaccinesSynced  int                `json:"vaccines_synced"`
	PatientMap      map[string]Outcome `json:"patient_map"`
	VaccineMap      map[string]Outcome `json:"vaccine_map"`
	Conflicts       []Conflict         `json:"conflicts"`
	ServerTimestamp time.Time          `json:"server_timestamp"`
}

var errPatientUnresolved = errors.New("referenced patient could not be resolved")

// Venezuelan cedula: nationality letter, optional dash, 6-9 digits.
var cedulaPattern = regexp.MustCompile(`^[VE]-?[0-9]{6,9}$`)

type Reconciler struct {
	store  Store
	logger *zap.Logger
}

func NewReconciler(store Store, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{store: store, logger: logger}
}

// ProcessBatch reconciles one client batch. Patients are processed
// strictly before vaccines so an in-batch vaccine can reference a
// brand-new patient by client-local id. A failing record becomes a
// conflict entry and never aborts its siblings; the batch is not one
// atomic transaction, partial success is the normal case.
func (r *Reconciler) ProcessBatch(ctx context.Context, batch Batch, authorAccountID string) BatchResult {
	result := BatchResult{
		PatientMap: make(map[string]Outcome, len(batch.Patients)),
		VaccineMap: make(map[string]Outcome, len(batch.Vaccines)),
	}

	for _, input := range batch.Patients {
		key := strconv.FormatInt(input.ClientLocalID, 10)
		upsert, err := input.toUpsert()
		if err != nil {
			result.Conflicts = append(result.Conflicts, Conflict{Type: "patient", ClientLocalID: input.ClientLocalID, Error: err.Error()})
			continue
		}
		patient, action, err := r.store.UpsertPatient(ctx, upsert)
		if err != nil {
			r.logger.Warn("patient sync failed",
				zap.Int64("client_local_id", input.ClientLocalID),
				zap.Error(err))
			result.Conflicts = append(result.Conflicts, Conflict{Type: "patient", ClientLocalID: input.ClientLocalID, Error: err.Error()})
			continue
		}
		result.PatientMap[key] = Outcome{ServerID: patient.ID, Action: action}
		result.PatientsSynced++
	}

	for _, input := range batch.Vaccines {
		key := strconv.FormatInt(input.ClientLocalID, 10)
		if err := input.validate(); err != nil {
			result.Conflicts = append(result.Conflicts, Conflict{Type: "vaccine", ClientLocalID: input.ClientLocalID, Error: err.Error()})
			continue
		}
		patientID, err := r.resolvePatient(ctx, input, result.PatientMap)
		if err != nil {
			r.logger.Warn("vaccine patient unresolved",
				zap.Int64("client_local_id", input.ClientLocalID),
				zap.Error(err))
			result.Conflicts = append(result.Conflicts, Conflict{Type: "vaccine", ClientLocalID: input.ClientLocalID, Error: err.Error()})
			continue
		}

		accountID := input.UsuarioID
		if accountID == nil && authorAccountID != "" {
			accountID = &authorAccountID
		}

		vaccination, action, err := r.store.UpsertVaccination(ctx, repository.VaccinationUpsert{
			ServerID:    input.ServerID,
			PatientID:   patientID,
			IsMinor:     input.EsMenor,
			GuardianID:  input.CedulaRepresentante,
			VaccineName: strings.TrimSpace(input.NombreVacuna),
			AppliedOn:   strings.TrimSpace(input.FechaAplicacion),
			LotNumber:   input.Lote,
			NextDose:    input.ProximaDosis,
			AccountID:   accountID,
		})
		if err != nil {
			r.logger.Warn("vaccine sync failed",
				zap.Int64("client_local_id", input.ClientLocalID),
				zap.Error(err))
			result.Conflicts = append(result.Conflicts, Conflict{Type: "vaccine", ClientLocalID: input.ClientLocalID, Error: err.Error()})
			continue
		}
		result.VaccineMap[key] = Outcome{ServerID: vaccination.ID, Action: action}
		result.VaccinesSynced++
	}

	result.ServerTimestamp = time.Now().UTC()

	r.logger.Info("sync batch processed",
		zap.Int("patients_synced", result.PatientsSynced),
		zap.Int("vaccines_synced", result.VaccinesSynced),
		zap.Int("conflicts", len(result.Conflicts)))

	return result
}

// resolvePatient tries, in order: the in-batch map keyed by the
// referenced client-local id, the server id carried on the vaccine, and
// the patient's cedula. If none resolves, the vaccine is rejected; the
// sync path never stores an unresolved patient reference.
func (r *Reconciler) resolvePatient(ctx context.Context, input VaccineInput, patientMap map[string]Outcome) (string, error) {
	if input.PacienteID != nil {
		if outcome, ok := patientMap[strconv.FormatInt(*input.PacienteID, 10)]; ok {
			return outcome.ServerID, nil
		}
	}
	if input.PacienteServerID != nil && *input.PacienteServerID != "" {
		patient, err := r.store.GetPatientByID(ctx, *input.PacienteServerID)
		if err == nil {
			return patient.ID, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return "", err
		}
	}
	if input.PacienteCedula != nil && *input.PacienteCedula != "" {
		patient, err := r.store.GetPatientByNationalID(ctx, normalizeCedula(*input.PacienteCedula))
		if err == nil {
			return patient.ID, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return "", err
		}
	}
	return "", errPatientUnresolved
}

func (p PatientInput) toUpsert() (repository.PatientUpsert, error) {
	cedula := normalizeCedula(p.Cedula)
	if !cedulaPattern.MatchString(cedula) {
		return repository.PatientUpsert{}, fmt.Errorf("invalid cedula %q", p.Cedula)
	}
	nombre := strings.TrimSpace(p.Nombre)
	if nombre == "" {
		return repository.PatientUpsert{}, errors.New("missing nombre")
	}
	fecha := strings.TrimSpace(p.FechaNacimiento)
	if _, err := time.Parse("2006-01-02", fecha); err != nil {
		return repository.PatientUpsert{}, fmt.Errorf("invalid fecha_nacimiento %q", p.FechaNacimiento)
	}
	return repository.PatientUpsert{
		ServerID:   p.ServerID,
		NationalID: cedula,
		FullName:   nombre,
		BirthDate:  fecha,
		Phone:      p.Telefono,
		Address:    p.Direccion,
	}, nil
}

func (v VaccineInput) validate() error {
	if strings.TrimSpace(v.NombreVacuna) == "" {
		return errors.New("missing nombre_vacuna")
	}
	fecha := strings.TrimSpace(v.FechaAplicacion)
	if _, err := time.Parse("2006-01-02", fecha); err != nil {
		return fmt.Errorf("invalid fecha_aplicacion %q", v.FechaAplicacion)
	}
	return nil
}

func normalizeCedula(cedula string) string {
	return strings.ToUpper(strings.TrimSpace(cedula))
}
