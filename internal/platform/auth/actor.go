package auth

import (
	"context"

	"github.com/google/uuid"
)

// Roles recognised by the booking API.
const (
	RoleAdmin        = "admin"
	RoleReceptionist = "receptionist"
	RolePhysician    = "physician"
	RoleNurse        = "nurse"
	RolePatient      = "patient"
	RoleSystem       = "system"
)

// StaffRoles may act on any patient's bookings.
var StaffRoles = []string{RoleAdmin, RoleReceptionist, RolePhysician, RoleNurse}

// Actor is the authenticated caller of a booking operation.
type Actor struct {
	Subject   string
	Roles     []string
	PatientID uuid.UUID
}

// SystemActor is used by background jobs such as the expiry sweep.
func SystemActor() Actor {
	return Actor{Subject: "system", Roles: []string{RoleSystem}}
}

func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (a Actor) IsStaff() bool {
	for _, r := range StaffRoles {
		if a.HasRole(r) {
			return true
		}
	}
	return false
}

// IsPatient reports whether a acts as a patient. A caller holding both a
// staff and the patient role is treated as staff.
func (a Actor) IsPatient() bool {
	return a.HasRole(RolePatient) && !a.IsStaff()
}

func (a Actor) IsSystem() bool { return a.HasRole(RoleSystem) }

// ActorFromContext assembles the Actor placed in ctx by the auth middleware.
func ActorFromContext(ctx context.Context) Actor {
	return Actor{
		Subject:   UserIDFromContext(ctx),
		Roles:     RolesFromContext(ctx),
		PatientID: PatientIDFromContext(ctx),
	}
}

// WithActor returns ctx carrying a's identity, as the middleware would set it.
func WithActor(ctx context.Context, a Actor) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, a.Subject)
	ctx = context.WithValue(ctx, UserRolesKey, a.Roles)
	if a.PatientID != uuid.Nil {
		ctx = context.WithValue(ctx, PatientIDKey, a.PatientID)
	}
	return ctx
}
