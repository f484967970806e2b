package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// InitSchema creates the tables on startup so a freshly provisioned
// database works without a separate migration step.
func InitSchema(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id UUID PRIMARY KEY,
			server_id TEXT,
			username TEXT NOT NULL UNIQUE,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			phone TEXT,
			is_professional BOOLEAN NOT NULL DEFAULT FALSE,
			professional_license TEXT,
			is_verified BOOLEAN NOT NULL DEFAULT FALSE,
			role TEXT NOT NULL DEFAULT 'health_worker',
			synced BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS patients (
			id UUID PRIMARY KEY,
			server_id TEXT,
			cedula TEXT NOT NULL UNIQUE,
			nombre TEXT NOT NULL,
			fecha_nacimiento TEXT NOT NULL,
			telefono TEXT,
			direccion TEXT,
			synced BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS vaccinations (
			id UUID PRIMARY KEY,
			server_id TEXT,
			patient_id UUID REFERENCES patients(id),
			is_minor BOOLEAN NOT NULL DEFAULT FALSE,
			guardian_cedula TEXT,
			vaccine TEXT NOT NULL,
			applied_on TEXT NOT NULL,
			lot TEXT,
			next_dose TEXT,
			account_id UUID REFERENCES accounts(id),
			synced BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_patients_updated_at ON patients (updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_vaccinations_updated_at ON vaccinations (updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_vaccinations_patient_id ON vaccinations (patient_id)`,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
