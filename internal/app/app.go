package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"aftflow/internal/domain"
	"aftflow/internal/repo"
)

// EnsureAdmin makes sure actorID exists and holds the admin role, creating it on the fly.
// A fresh workspace needs one admin to grant everyone else their roles.
func EnsureAdmin(ctx context.Context, r repo.Repo, actorID, displayName string, now time.Time) (domain.Actor, error) {
	if actorID == "" {
		actorID = "local-admin"
	}
	a, err := r.GetActor(ctx, actorID)
	if err == nil {
		for _, role := range a.Roles {
			if role == domain.RoleAdmin {
				return a, nil
			}
		}
		if err := r.GrantRole(ctx, nil, actorID, domain.RoleAdmin); err != nil {
			return domain.Actor{}, fmt.Errorf("grant admin: %w", err)
		}
		return r.GetActor(ctx, actorID)
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Actor{}, err
	}
	if displayName == "" {
		displayName = actorID
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Actor{}, err
	}
	defer tx.Rollback()
	if err := r.InsertActor(ctx, tx, domain.Actor{
		ID:          actorID,
		DisplayName: displayName,
		PrimaryRole: domain.RoleAdmin,
		CreatedAt:   now.UTC().Format(time.RFC3339),
	}); err != nil {
		return domain.Actor{}, fmt.Errorf("insert admin: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Actor{}, err
	}
	return r.GetActor(ctx, actorID)
}
