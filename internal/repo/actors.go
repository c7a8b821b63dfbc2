package repo

import (
	"context"
	"database/sql"
	"errors"

	"aftflow/internal/domain"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) conn(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

// InsertActor stores an actor and grants its primary role plus any extra roles.
func (r Repo) InsertActor(ctx context.Context, tx *sql.Tx, a domain.Actor) error {
	c := r.conn(tx)
	if _, err := c.ExecContext(ctx, `INSERT INTO actors(id, display_name, email, primary_role, created_at) VALUES (?,?,?,?,?)`,
		a.ID, a.DisplayName, nullable(a.Email), a.PrimaryRole, a.CreatedAt); err != nil {
		return err
	}
	roles := append([]domain.Role{a.PrimaryRole}, a.Roles...)
	for _, role := range roles {
		if err := r.GrantRole(ctx, tx, a.ID, role); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GrantRole(ctx context.Context, tx *sql.Tx, actorID string, role domain.Role) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(actor_id, role) VALUES (?,?)`, actorID, role)
	return err
}

// RevokeRole removes a granted role. The primary role cannot be revoked.
func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, actorID string, role domain.Role) error {
	_, err := r.conn(tx).ExecContext(ctx, `DELETE FROM actor_roles WHERE actor_id=? AND role=? AND role <> (SELECT primary_role FROM actors WHERE id=?)`, actorID, role, actorID)
	return err
}

func (r Repo) GetActor(ctx context.Context, id string) (domain.Actor, error) {
	var a domain.Actor
	var email sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id, display_name, email, primary_role, created_at FROM actors WHERE id=?`, id).
		Scan(&a.ID, &a.DisplayName, &email, &a.PrimaryRole, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Email = email.String
	a.Roles, err = r.actorRoles(ctx, id)
	return a, err
}

func (r Repo) ListActors(ctx context.Context) ([]domain.Actor, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, display_name, COALESCE(email,''), primary_role, created_at FROM actors ORDER BY id`)
	if err != nil {
		return nil, err
	}
	var res []domain.Actor
	for rows.Next() {
		var a domain.Actor
		if err := rows.Scan(&a.ID, &a.DisplayName, &a.Email, &a.PrimaryRole, &a.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		if res[i].Roles, err = r.actorRoles(ctx, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r Repo) actorRoles(ctx context.Context, actorID string) ([]domain.Role, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role FROM actor_roles WHERE actor_id=? ORDER BY role`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []domain.Role
	for rows.Next() {
		var role domain.Role
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}
