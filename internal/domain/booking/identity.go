package booking

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/clinicops/clinic/internal/platform/auth"
)

// Identity answers who a caller is acting for.
type Identity interface {
	// ResolvePatient returns the patient profile behind a patient actor.
	ResolvePatient(ctx context.Context, actor auth.Actor) (uuid.UUID, error)
	// CanAccess reports whether actor may act on appointments of patientID.
	CanAccess(actor auth.Actor, patientID uuid.UUID) bool
}

// ClaimsIdentity resolves identity from token claims alone: staff and the
// system act for anyone, a patient only for the patient_id in their token.
type ClaimsIdentity struct{}

func (ClaimsIdentity) ResolvePatient(_ context.Context, actor auth.Actor) (uuid.UUID, error) {
	if !actor.IsPatient() || actor.PatientID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("actor %q has no patient profile: %w", actor.Subject, ErrUnauthorized)
	}
	return actor.PatientID, nil
}

func (ClaimsIdentity) CanAccess(actor auth.Actor, patientID uuid.UUID) bool {
	switch {
	case actor.IsStaff(), actor.IsSystem():
		return true
	case actor.IsPatient():
		return actor.PatientID != uuid.Nil && actor.PatientID == patientID
	}
	return false
}
