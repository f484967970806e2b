package sync

import (
	"context"
	"time"

	"github.com/josepinto1991/healthshield-api/internal/model"
)

// FeedStore is the read side the incremental feed needs.
type FeedStore interface {
	ListPatientsChangedSince(ctx context.Context, since time.Time, limit, offset int) ([]model.Patient, error)
	ListVaccinationsChangedSince(ctx context.Context, since time.Time, limit, offset int) ([]model.Vaccination, error)
}

type PatientChange struct {
	Patient model.Patient
	Action  model.SyncAction
}

type VaccinationChange struct {
	Vaccination model.Vaccination
	Action      model.SyncAction
}

type ChangeSet struct {
	Patients []PatientChange
	Vaccines []VaccinationChange
	HasMore  bool
}

type Feed struct {
	store FeedStore
}

func NewFeed(store FeedStore) *Feed {
	return &Feed{store: store}
}

// Changes returns every patient and vaccination created or updated
// strictly after the watermark. Delivery is at-least-once: a record
// updated after being fetched is delivered again, and the client is
// expected to overwrite idempotently by server id.
func (f *Feed) Changes(ctx context.Context, since time.Time, limit, offset int) (ChangeSet, error) {
	patients, err := f.store.ListPatientsChangedSince(ctx, since, limit, offset)
	if err != nil {
		return ChangeSet{}, err
	}
	vaccinations, err := f.store.ListVaccinationsChangedSince(ctx, since, limit, offset)
	if err != nil {
		return ChangeSet{}, err
	}

	set := ChangeSet{
		Patients: make([]PatientChange, 0, len(patients)),
		Vaccines: make([]VaccinationChange, 0, len(vaccinations)),
	}
	for _, patient := range patients {
		set.Patients = append(set.Patients, PatientChange{
			Patient: patient,
			Action:  changeAction(patient.CreatedAt, since),
		})
	}
	for _, vaccination := range vaccinations {
		set.Vaccines = append(set.Vaccines, VaccinationChange{
			Vaccination: vaccination,
			Action:      changeAction(vaccination.CreatedAt, since),
		})
	}

	// Either list filling the page means the client should come back for
	// the next one.
	set.HasMore = len(patients) == limit || len(vaccinations) == limit
	return set, nil
}

func changeAction(createdAt, since time.Time) model.SyncAction {
	if createdAt.After(since) {
		return model.ActionCreated
	}
	return model.ActionUpdated
}
