package model

import "time"

// SyncAction describes what the server did with a synced record.
type SyncAction string

const (
	ActionCreated SyncAction = "created"
	ActionUpdated SyncAction = "updated"
)

type Account struct {
	ID                  string
	ServerID            *string
	Username            string
	Email               string
	PasswordHash        string
	Phone               *string
	IsProfessional      bool
	ProfessionalLicense *string
	IsVerified          bool
	Role                string
	Synced              bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Patient is identified internally by ID and deduplicated across sync
// batches by NationalID (cedula), its natural key.
type Patient struct {
	ID         string
	ServerID   *string
	NationalID string
	FullName   string
	BirthDate  string
	Phone      *string
	Address    *string
	Synced     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Vaccination is one administered dose. PatientID is nullable in storage
// for legacy rows, but the sync path never writes it unresolved.
type Vaccination struct {
	ID             string
	ServerID       *string
	PatientID      *string
	IsMinor        bool
	GuardianID     *string
	VaccineName    string
	AppliedOn      string
	LotNumber      *string
	NextDose       *string
	AccountID      *string
	Synced         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
