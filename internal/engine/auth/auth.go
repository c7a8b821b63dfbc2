package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"aftflow/internal/domain"
)

// Actor is the identity acting on a request. Role is the role the actor chose
// for this call; PrimaryRole is used when Role is empty.
type Actor struct {
	ID          string
	Role        domain.Role
	PrimaryRole domain.Role
	DisplayName string
	Email       string
}

// EffectiveRole is the role eligibility is checked against.
func (a Actor) EffectiveRole() domain.Role {
	if a.Role != "" {
		return a.Role
	}
	return a.PrimaryRole
}

// IsAdmin reports whether the actor is acting as admin for this call. An admin who
// picked another active role gets that role's permissions only.
func (a Actor) IsAdmin() bool {
	return a.EffectiveRole() == domain.RoleAdmin
}

// ForbiddenError indicates the actor's role may not perform the operation at the current status.
type ForbiddenError struct {
	Operation string
	Status    domain.Status
	Role      domain.Role
}

func (e ForbiddenError) Error() string {
	role := string(e.Role)
	if role == "" {
		role = "none"
	}
	if e.Status == "" {
		return fmt.Sprintf("role %s cannot %s requests", role, e.Operation)
	}
	return fmt.Sprintf("role %s cannot %s a request in status %s", role, e.Operation, e.Status)
}

var (
	ErrUnknownActor   = errors.New("unknown actor")
	ErrRoleNotGranted = errors.New("role not granted to actor")
)

// Service resolves identities against the actors tables.
type Service struct {
	DB *sql.DB
}

// Resolve loads an actor and selects activeRole, which must be one of its granted roles.
// An empty activeRole selects the primary role.
func (s Service) Resolve(ctx context.Context, actorID string, activeRole domain.Role) (Actor, error) {
	var a Actor
	var email sql.NullString
	err := s.DB.QueryRowContext(ctx, `SELECT id, display_name, email, primary_role FROM actors WHERE id=?`, actorID).
		Scan(&a.ID, &a.DisplayName, &email, &a.PrimaryRole)
	if errors.Is(err, sql.ErrNoRows) {
		return Actor{}, ErrUnknownActor
	}
	if err != nil {
		return Actor{}, err
	}
	a.Email = email.String
	if activeRole == "" || activeRole == a.PrimaryRole {
		a.Role = a.PrimaryRole
		return a, nil
	}
	roles, err := s.GrantedRoles(ctx, actorID)
	if err != nil {
		return Actor{}, err
	}
	if !slices.Contains(roles, activeRole) {
		return Actor{}, fmt.Errorf("%w: %s", ErrRoleNotGranted, activeRole)
	}
	a.Role = activeRole
	return a, nil
}

func (s Service) GrantedRoles(ctx context.Context, actorID string) ([]domain.Role, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT role FROM actor_roles WHERE actor_id=?`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []domain.Role
	for rows.Next() {
		var r domain.Role
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}
