// Package actor carries the caller identity into core operations as an
// explicit value instead of ambient request headers.
package actor

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleBilling Role = "billing"
	RoleViewer  Role = "viewer"
)

var (
	ErrForbidden     = errors.New("forbidden")
	ErrUnknownRole   = errors.New("unknown role")
	ErrMissingClinic = errors.New("clinic id is required")
)

// Actor identifies who performs an operation and on behalf of which clinic.
type Actor struct {
	ID       string    `json:"actor_id"`
	Role     Role      `json:"role"`
	ClinicID uuid.UUID `json:"clinic_id"`
}

// System is used by background workers.
func System(clinicID uuid.UUID) Actor {
	return Actor{ID: "system", Role: RoleAdmin, ClinicID: clinicID}
}

func New(id, role, clinicID string) (Actor, error) {
	r := Role(strings.ToLower(strings.TrimSpace(role)))
	switch r {
	case RoleAdmin, RoleManager, RoleBilling, RoleViewer:
	case "":
		r = RoleViewer
	default:
		return Actor{}, ErrUnknownRole
	}
	a := Actor{ID: strings.TrimSpace(id), Role: r}
	if clinicID != "" {
		cid, err := uuid.Parse(clinicID)
		if err != nil {
			return Actor{}, err
		}
		a.ClinicID = cid
	}
	if a.ClinicID == uuid.Nil && r != RoleAdmin {
		return Actor{}, ErrMissingClinic
	}
	return a, nil
}

// CanAccess reports whether the actor may see data of the given clinic.
func (a Actor) CanAccess(clinicID uuid.UUID) bool {
	return a.Role == RoleAdmin || a.ClinicID == clinicID
}

func (a Actor) CanWrite() bool {
	return a.Role == RoleAdmin || a.Role == RoleManager || a.Role == RoleBilling
}

// CanSettle covers approval and payment of batches.
func (a Actor) CanSettle() bool {
	return a.Role == RoleAdmin || a.Role == RoleManager
}
