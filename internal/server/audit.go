package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"aftflow/internal/audit"
	"aftflow/internal/domain"
	"aftflow/internal/engine"
)

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/requests/{id}/audit",
		Summary:     "List audit entries for a request, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    int64 `path:"id"`
		After int64 `query:"after"`
		Limit int   `query:"limit" default:"50"`
	}) (*struct {
		Body AuditListResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := loadVisible(ctx, e, actor, input.ID); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		entries, err := e.Repo.ListAudit(ctx, input.ID, limit+1, input.After)
		if err != nil {
			return nil, handleError(err)
		}
		resp := AuditListResponse{Items: []domain.AuditEntry{}}
		if len(entries) > limit {
			entries = entries[:limit]
			resp.NextAfter = entries[limit-1].ID
		}
		resp.Items = append(resp.Items, entries...)
		return &struct {
			Body AuditListResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-audit",
		Method:      http.MethodGet,
		Path:        "/requests/{id}/audit/verify",
		Summary:     "Verify the audit hash chain of a request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body AuditVerifyResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireAdmin(actor); err != nil {
			return nil, err
		}
		n, err := e.VerifyAudit(ctx, input.ID)
		resp := AuditVerifyResponse{RequestID: input.ID, Entries: n, Valid: err == nil}
		var chainErr audit.ChainError
		switch {
		case errors.As(err, &chainErr):
			resp.Error = chainErr.Error()
		case err != nil:
			return nil, handleError(err)
		}
		return &struct {
			Body AuditVerifyResponse `json:"body"`
		}{Body: resp}, nil
	})
}
