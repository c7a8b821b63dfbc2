package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"aftflow/internal/domain"
	"aftflow/internal/engine"
	"aftflow/internal/repo"
)

func registerActors(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-actors",
		Method:      http.MethodGet,
		Path:        "/actors",
		Summary:     "List actors and their granted roles",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ActorResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		actors, err := e.Repo.ListActors(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ActorResponse, 0, len(actors))
		for _, a := range actors {
			out = append(out, actorResponse(a))
		}
		return &struct {
			Body []ActorResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-actor",
		Method:        http.MethodPost,
		Path:          "/actors",
		Summary:       "Create an actor",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateActorBody `json:"body"`
	}) (*struct {
		Body ActorResponse `json:"body"`
	}, error) {
		caller, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireAdmin(caller); err != nil {
			return nil, err
		}
		id := strings.TrimSpace(input.Body.ID)
		if id == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		a := domain.Actor{
			ID:          id,
			DisplayName: strings.TrimSpace(input.Body.DisplayName),
			Email:       strings.TrimSpace(input.Body.Email),
			PrimaryRole: domain.Role(input.Body.PrimaryRole),
			CreatedAt:   e.Now().UTC().Format(time.RFC3339),
		}
		if a.DisplayName == "" {
			a.DisplayName = id
		}
		for _, r := range append([]string{input.Body.PrimaryRole}, input.Body.Roles...) {
			if !domain.ValidRole(r) {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown role "+r, map[string]any{"role": r})
			}
		}
		for _, r := range input.Body.Roles {
			a.Roles = append(a.Roles, domain.Role(r))
		}
		if _, err := e.Repo.GetActor(ctx, id); err == nil {
			return nil, newAPIError(http.StatusConflict, "conflict", "actor already exists", map[string]any{"id": id})
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Repo.InsertActor(ctx, tx, a); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		created, err := e.Repo.GetActor(ctx, id)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActorResponse `json:"body"`
		}{Body: actorResponse(created)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "grant-role",
		Method:      http.MethodPost,
		Path:        "/actors/{id}/roles",
		Summary:     "Grant a role to an actor",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string   `path:"id"`
		Body RoleBody `json:"body"`
	}) (*struct {
		Body ActorResponse `json:"body"`
	}, error) {
		caller, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireAdmin(caller); err != nil {
			return nil, err
		}
		if !domain.ValidRole(input.Body.Role) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown role "+input.Body.Role, nil)
		}
		if _, err := e.Repo.GetActor(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.GrantRole(ctx, nil, input.ID, domain.Role(input.Body.Role)); err != nil {
			return nil, handleError(err)
		}
		a, err := e.Repo.GetActor(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActorResponse `json:"body"`
		}{Body: actorResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-role",
		Method:      http.MethodDelete,
		Path:        "/actors/{id}/roles/{role}",
		Summary:     "Revoke a granted role; the primary role stays",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Role string `path:"role"`
	}) (*struct {
		Body ActorResponse `json:"body"`
	}, error) {
		caller, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireAdmin(caller); err != nil {
			return nil, err
		}
		if _, err := e.Repo.GetActor(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.RevokeRole(ctx, nil, input.ID, domain.Role(input.Role)); err != nil {
			return nil, handleError(err)
		}
		a, err := e.Repo.GetActor(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActorResponse `json:"body"`
		}{Body: actorResponse(a)}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Issue an API key for the caller",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body *CreateAPIKeyBody `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		name := ""
		if input.Body != nil {
			name = input.Body.Name
		}
		key, plain, err := e.Repo.IssueAPIKey(ctx, actor.ID, name, e.Now())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: apiKeyResponse(key, plain)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys; admins see every actor's keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		owner := actor.ID
		if actor.IsAdmin() {
			owner = ""
		}
		keys, err := e.Repo.ListAPIKeys(ctx, owner)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, apiKeyResponse(k, ""))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/api-keys/{id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !actor.IsAdmin() {
			keys, err := e.Repo.ListAPIKeys(ctx, actor.ID)
			if err != nil {
				return nil, handleError(err)
			}
			owned := false
			for _, k := range keys {
				owned = owned || k.ID == input.ID
			}
			if !owned {
				return nil, handleError(repo.ErrNotFound)
			}
		}
		if err := e.Repo.RevokeAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerDevAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for an existing actor",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actorID := strings.TrimSpace(input.Body.ActorID)
		if actorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		a, err := e.Repo.GetActor(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		role := strings.TrimSpace(input.Body.Role)
		if role != "" {
			granted := false
			for _, r := range a.Roles {
				granted = granted || string(r) == role
			}
			if !granted {
				return nil, newAPIError(http.StatusForbidden, "forbidden", "role not granted to actor", map[string]any{"role": role})
			}
		}
		token, exp, err := signDevToken(authCfg.JWTSecret, actorID, role, authCfg.TokenTTL, e.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token, ExpiresAt: exp.UTC().Format(time.RFC3339)}}, nil
	})
}
