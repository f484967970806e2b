package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/josepinto1991/healthshield-api/internal/model"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a natural key (cedula, username,
	// email) is already taken by another row.
	ErrDuplicate = errors.New("duplicate natural key")
	// ErrPatientNotFound is returned when a vaccination write references
	// a patient that does not exist.
	ErrPatientNotFound = errors.New("referenced patient not found")
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const (
	accountColumns     = `id, server_id, username, email, password_hash, phone, is_professional, professional_license, is_verified, role, synced, created_at, updated_at`
	patientColumns     = `id, server_id, cedula, nombre, fecha_nacimiento, telefono, direccion, synced, created_at, updated_at`
	vaccinationColumns = `id, server_id, patient_id, is_minor, guardian_cedula, vaccine, applied_on, lot, next_dose, account_id, synced, created_at, updated_at`
)

// ==================== accounts ====================

func (s *Store) GetAccountByID(ctx context.Context, id string) (model.Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

func (s *Store) GetAccountByUsername(ctx context.Context, username string) (model.Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE username = $1`, username)
	return scanAccount(row)
}

func (s *Store) GetAccountByEmail(ctx context.Context, email string) (model.Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email)
	return scanAccount(row)
}

func (s *Store) ListAccounts(ctx context.Context, limit, offset int) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		ORDER BY created_at, id
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

func (s *Store) CreateAccount(ctx context.Context, account model.Account) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, account.ID, account.ServerID, account.Username, account.Email, account.PasswordHash,
		account.Phone, account.IsProfessional, account.ProfessionalLicense, account.IsVerified,
		account.Role, account.Synced, account.CreatedAt, account.UpdatedAt)
	return mapWriteError(err)
}

type AccountUpdate struct {
	Phone               *string
	IsProfessional      *bool
	ProfessionalLicense *string
}

func (s *Store) UpdateAccount(ctx context.Context, id string, update AccountUpdate) (model.Account, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE accounts
		SET phone = COALESCE($2, phone),
		    is_professional = COALESCE($3, is_professional),
		    professional_license = COALESCE($4, professional_license),
		    updated_at = now()
		WHERE id = $1
		RETURNING `+accountColumns,
		id, update.Phone, update.IsProfessional, update.ProfessionalLicense)
	return scanAccount(row)
}

func (s *Store) UpdateAccountPassword(ctx context.Context, id, passwordHash string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE accounts SET password_hash = $2, updated_at = now() WHERE id = $1
	`, id, passwordHash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// EnsureAdminAccount inserts the bootstrap administrator if the username
// is not taken yet. Safe to call on every startup.
func (s *Store) EnsureAdminAccount(ctx context.Context, username, email, passwordHash string) error {
	now := time.Now().UTC()
	license := "ADMIN-001"
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (id, username, email, password_hash, is_professional, professional_license, is_verified, role, synced, created_at, updated_at)
		VALUES ($1, $2, $3, $4, true, $5, true, 'admin', false, $6, $6)
		ON CONFLICT (username) DO NOTHING
	`, uuid.NewString(), username, email, passwordHash, license, now)
	return err
}

func (s *Store) CountAccounts(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM accounts`).Scan(&count)
	return count, err
}

// ==================== patients ====================

func (s *Store) GetPatientByID(ctx context.Context, id string) (model.Patient, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = $1`, id)
	return scanPatient(row)
}

func (s *Store) GetPatientByNationalID(ctx context.Context, cedula string) (model.Patient, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+patientColumns+` FROM patients WHERE cedula = $1`, cedula)
	return scanPatient(row)
}

func (s *Store) ListPatients(ctx context.Context, limit, offset int) ([]model.Patient, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		ORDER BY created_at, id
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPatients(rows)
}

// PatientUpsert carries the writable patient fields for both the direct
// create path and the sync create-or-update path.
type PatientUpsert struct {
	ServerID   *string
	NationalID string
	FullName   string
	BirthDate  string
	Phone      *string
	Address    *string
}

func (s *Store) CreatePatient(ctx context.Context, in PatientUpsert) (model.Patient, error) {
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO patients (id, cedula, nombre, fecha_nacimiento, telefono, direccion, synced, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, false, $7, $7)
		RETURNING `+patientColumns,
		uuid.NewString(), in.NationalID, in.FullName, in.BirthDate, in.Phone, in.Address, now)
	patient, err := scanPatient(row)
	if err != nil {
		return model.Patient{}, mapWriteError(err)
	}
	return patient, nil
}

type PatientUpdate struct {
	NationalID *string
	FullName   *string
	BirthDate  *string
	Phone      *string
	Address    *string
}

func (s *Store) UpdatePatient(ctx context.Context, id string, update PatientUpdate) (model.Patient, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE patients
		SET cedula = COALESCE($2, cedula),
		    nombre = COALESCE($3, nombre),
		    fecha_nacimiento = COALESCE($4, fecha_nacimiento),
		    telefono = COALESCE($5, telefono),
		    direccion = COALESCE($6, direccion),
		    updated_at = now()
		WHERE id = $1
		RETURNING `+patientColumns,
		id, update.NationalID, update.FullName, update.BirthDate, update.Phone, update.Address)
	patient, err := scanPatient(row)
	if err != nil {
		return model.Patient{}, mapWriteError(err)
	}
	return patient, nil
}

func (s *Store) DeletePatient(ctx context.Context, id string) (bool, error) {
	// Doses belong to the patient record; they go with it.
	if _, err := s.pool.Exec(ctx, `DELETE FROM vaccinations WHERE patient_id = $1`, id); err != nil {
		if errors.Is(mapWriteError(err), ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM patients WHERE id = $1`, id)
	if err != nil {
		if errors.Is(mapWriteError(err), ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// UpsertPatient is the sync path's create-or-update. Lookup order: the
// server id supplied by the client, then the cedula. The insert uses
// ON CONFLICT so a racing batch submitting the same cedula loses the
// insert and is retried as an update in the same call.
func (s *Store) UpsertPatient(ctx context.Context, in PatientUpsert) (model.Patient, model.SyncAction, error) {
	if in.ServerID != nil && *in.ServerID != "" {
		patient, err := s.syncUpdatePatientByID(ctx, *in.ServerID, in)
		if err == nil {
			return patient, model.ActionUpdated, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return model.Patient{}, "", err
		}
		// Stale server id (e.g. a re-provisioned database); fall back to
		// the natural key.
	}

	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO patients (id, cedula, nombre, fecha_nacimiento, telefono, direccion, synced, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, true, $7, $7)
		ON CONFLICT (cedula) DO NOTHING
		RETURNING `+patientColumns,
		uuid.NewString(), in.NationalID, in.FullName, in.BirthDate, in.Phone, in.Address, now)
	patient, err := scanPatient(row)
	if err == nil {
		return patient, model.ActionCreated, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return model.Patient{}, "", err
	}

	// A row with this cedula already exists: same real-world patient.
	row = s.pool.QueryRow(ctx, `
		UPDATE patients
		SET nombre = $2,
		    fecha_nacimiento = $3,
		    telefono = COALESCE($4, telefono),
		    direccion = COALESCE($5, direccion),
		    synced = true,
		    updated_at = $6
		WHERE cedula = $1
		RETURNING `+patientColumns,
		in.NationalID, in.FullName, in.BirthDate, in.Phone, in.Address, now)
	patient, err = scanPatient(row)
	if err != nil {
		return model.Patient{}, "", err
	}
	return patient, model.ActionUpdated, nil
}

func (s *Store) syncUpdatePatientByID(ctx context.Context, id string, in PatientUpsert) (model.Patient, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE patients
		SET cedula = $2,
		    nombre = $3,
		    fecha_nacimiento = $4,
		    telefono = COALESCE($5, telefono),
		    direccion = COALESCE($6, direccion),
		    synced = true,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+patientColumns,
		id, in.NationalID, in.FullName, in.BirthDate, in.Phone, in.Address)
	patient, err := scanPatient(row)
	if err != nil {
		return model.Patient{}, mapWriteError(err)
	}
	return patient, nil
}

func (s *Store) ListPatientsChangedSince(ctx context.Context, since time.Time, limit, offset int) ([]model.Patient, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE created_at > $1 OR updated_at > $1
		ORDER BY updated_at, id
		LIMIT $2 OFFSET $3
	`, since, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPatients(rows)
}

func (s *Store) CountPatients(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM patients`).Scan(&count)
	return count, err
}

func (s *Store) CountPatientsSince(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM patients WHERE created_at >= $1`, since).Scan(&count)
	return count, err
}

// ==================== vaccinations ====================

func (s *Store) GetVaccinationByID(ctx context.Context, id string) (model.Vaccination, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+vaccinationColumns+` FROM vaccinations WHERE id = $1`, id)
	return scanVaccination(row)
}

func (s *Store) ListVaccinations(ctx context.Context, limit, offset int) ([]model.Vaccination, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+vaccinationColumns+`
		FROM vaccinations
		ORDER BY created_at, id
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectVaccinations(rows)
}

func (s *Store) ListVaccinationsByPatient(ctx context.Context, patientID string) ([]model.Vaccination, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+vaccinationColumns+`
		FROM vaccinations
		WHERE patient_id = $1
		ORDER BY created_at, id
	`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectVaccinations(rows)
}

// VaccinationUpsert carries the writable vaccination fields. PatientID
// must already be resolved to a server id.
type VaccinationUpsert struct {
	ServerID    *string
	PatientID   string
	IsMinor     bool
	GuardianID  *string
	VaccineName string
	AppliedOn   string
	LotNumber   *string
	NextDose    *string
	AccountID   *string
	Synced      bool
}

func (s *Store) CreateVaccination(ctx context.Context, in VaccinationUpsert) (model.Vaccination, error) {
	if _, err := s.GetPatientByID(ctx, in.PatientID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return model.Vaccination{}, ErrPatientNotFound
		}
		return model.Vaccination{}, err
	}

	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO vaccinations (id, patient_id, is_minor, guardian_cedula, vaccine, applied_on, lot, next_dose, account_id, synced, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		RETURNING `+vaccinationColumns,
		uuid.NewString(), in.PatientID, in.IsMinor, in.GuardianID, in.VaccineName,
		in.AppliedOn, in.LotNumber, in.NextDose, in.AccountID, in.Synced, now)
	vaccination, err := scanVaccination(row)
	if err != nil {
		return model.Vaccination{}, mapWriteError(err)
	}
	return vaccination, nil
}

type VaccinationUpdate struct {
	VaccineName *string
	AppliedOn   *string
	LotNumber   *string
	NextDose    *string
}

func (s *Store) UpdateVaccination(ctx context.Context, id string, update VaccinationUpdate) (model.Vaccination, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE vaccinations
		SET vaccine = COALESCE($2, vaccine),
		    applied_on = COALESCE($3, applied_on),
		    lot = COALESCE($4, lot),
		    next_dose = COALESCE($5, next_dose),
		    updated_at = now()
		WHERE id = $1
		RETURNING `+vaccinationColumns,
		id, update.VaccineName, update.AppliedOn, update.LotNumber, update.NextDose)
	vaccination, err := scanVaccination(row)
	if err != nil {
		return model.Vaccination{}, mapWriteError(err)
	}
	return vaccination, nil
}

func (s *Store) DeleteVaccination(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM vaccinations WHERE id = $1`, id)
	if err != nil {
		if errors.Is(mapWriteError(err), ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// UpsertVaccination is the sync path's create-or-update. A vaccination
// has no natural key, so only a supplied server id turns this into an
// update; otherwise each submission inserts a new dose record.
func (s *Store) UpsertVaccination(ctx context.Context, in VaccinationUpsert) (model.Vaccination, model.SyncAction, error) {
	if in.ServerID != nil && *in.ServerID != "" {
		row := s.pool.QueryRow(ctx, `
			UPDATE vaccinations
			SET patient_id = $2,
			    is_minor = $3,
			    guardian_cedula = COALESCE($4, guardian_cedula),
			    vaccine = $5,
			    applied_on = $6,
			    lot = COALESCE($7, lot),
			    next_dose = COALESCE($8, next_dose),
			    account_id = COALESCE($9, account_id),
			    synced = true,
			    updated_at = now()
			WHERE id = $1
			RETURNING `+vaccinationColumns,
			*in.ServerID, in.PatientID, in.IsMinor, in.GuardianID, in.VaccineName,
			in.AppliedOn, in.LotNumber, in.NextDose, in.AccountID)
		vaccination, err := scanVaccination(row)
		if err == nil {
			return vaccination, model.ActionUpdated, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return model.Vaccination{}, "", mapWriteError(err)
		}
		// Stale server id; insert a fresh record below.
	}

	in.Synced = true
	vaccination, err := s.CreateVaccination(ctx, in)
	if err != nil {
		return model.Vaccination{}, "", err
	}
	return vaccination, model.ActionCreated, nil
}

func (s *Store) ListVaccinationsChangedSince(ctx context.Context, since time.Time, limit, offset int) ([]model.Vaccination, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+vaccinationColumns+`
		FROM vaccinations
		WHERE created_at > $1 OR updated_at > $1
		ORDER BY updated_at, id
		LIMIT $2 OFFSET $3
	`, since, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectVaccinations(rows)
}

func (s *Store) CountVaccinations(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM vaccinations`).Scan(&count)
	return count, err
}

func (s *Store) CountVaccinationsSince(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM vaccinations WHERE created_at >= $1`, since).Scan(&count)
	return count, err
}

// ==================== scanning and error mapping ====================

func scanAccount(row pgx.Row) (model.Account, error) {
	var account model.Account
	err := row.Scan(
		&account.ID,
		&account.ServerID,
		&account.Username,
		&account.Email,
		&account.PasswordHash,
		&account.Phone,
		&account.IsProfessional,
		&account.ProfessionalLicense,
		&account.IsVerified,
		&account.Role,
		&account.Synced,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return model.Account{}, mapScanError(err)
	}
	return account, nil
}

func scanPatient(row pgx.Row) (model.Patient, error) {
	var patient model.Patient
	err := row.Scan(
		&patient.ID,
		&patient.ServerID,
		&patient.NationalID,
		&patient.FullName,
		&patient.BirthDate,
		&patient.Phone,
		&patient.Address,
		&patient.Synced,
		&patient.CreatedAt,
		&patient.UpdatedAt,
	)
	if err != nil {
		return model.Patient{}, mapScanError(err)
	}
	return patient, nil
}

func scanVaccination(row pgx.Row) (model.Vaccination, error) {
	var vaccination model.Vaccination
	err := row.Scan(
		&vaccination.ID,
		&vaccination.ServerID,
		&vaccination.PatientID,
		&vaccination.IsMinor,
		&vaccination.GuardianID,
		&vaccination.VaccineName,
		&vaccination.AppliedOn,
		&vaccination.LotNumber,
		&vaccination.NextDose,
		&vaccination.AccountID,
		&vaccination.Synced,
		&vaccination.CreatedAt,
		&vaccination.UpdatedAt,
	)
	if err != nil {
		return model.Vaccination{}, mapScanError(err)
	}
	return vaccination, nil
}

func collectPatients(rows pgx.Rows) ([]model.Patient, error) {
	var patients []model.Patient
	for rows.Next() {
		patient, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		patients = append(patients, patient)
	}
	return patients, rows.Err()
}

func collectVaccinations(rows pgx.Rows) ([]model.Vaccination, error) {
	var vaccinations []model.Vaccination
	for rows.Next() {
		vaccination, err := scanVaccination(rows)
		if err != nil {
			return nil, err
		}
		vaccinations = append(vaccinations, vaccination)
	}
	return vaccinations, rows.Err()
}

func mapScanError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	// A malformed uuid in a caller-supplied id cannot match any row.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "22P02" {
		return ErrNotFound
	}
	return err
}

func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "22P02":
			return ErrNotFound
		case "23505":
			return ErrDuplicate
		case "23503":
			if strings.Contains(pgErr.ConstraintName, "patient") {
				return ErrPatientNotFound
			}
		}
	}
	return err
}
