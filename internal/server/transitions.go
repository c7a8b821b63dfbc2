package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"aftflow/internal/domain"
	"aftflow/internal/engine"
	"aftflow/internal/engine/auth"
	"aftflow/internal/idempotency"
)

var transitionErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
}

type transitionFunc[B any] func(ctx context.Context, id int64, actor auth.Actor, body B) (domain.Request, error)

// registerTransition wires one lifecycle operation. The body is optional; a missing
// body runs the operation with the zero payload. A repeated Idempotency-Key from the
// same actor replays the first successful response instead of re-running it.
func registerTransition[B any](api huma.API, e engine.Engine, cache *idempotency.Cache, opID, route, summary string, run transitionFunc[B]) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        route,
		Summary:     summary,
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID             int64  `path:"id"`
		IdempotencyKey string `header:"Idempotency-Key"`
		Body           *B     `json:"body"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var body B
		if input.Body != nil {
			body = *input.Body
		}
		endpoint := fmt.Sprintf("%s:%d", opID, input.ID)
		fingerprint := idempotency.Fingerprint(body)
		var resp RequestResponse
		replayed, err := cache.Replay(actor.ID, input.IdempotencyKey, endpoint, fingerprint, &resp)
		if err != nil {
			return nil, handleError(err)
		}
		if !replayed {
			req, err := run(ctx, input.ID, actor, body)
			if err != nil {
				return nil, handleError(err)
			}
			resp = requestResponse(req)
			if err := cache.Save(actor.ID, input.IdempotencyKey, endpoint, fingerprint, resp); err != nil {
				e.Log().Warn("idempotency save failed", "endpoint", endpoint, "actor_id", actor.ID, "err", err)
			}
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerTransitions(api huma.API, e engine.Engine, cache *idempotency.Cache) {
	registerTransition(api, e, cache, "submit-request", "/requests/{id}/submit", "Submit a draft for approval",
		func(ctx context.Context, id int64, actor auth.Actor, b NotesBody) (domain.Request, error) {
			return e.Submit(ctx, id, actor, b.Notes)
		})
	registerTransition(api, e, cache, "approve-request", "/requests/{id}/approve", "Sign the current approval stage",
		func(ctx context.Context, id int64, actor auth.Actor, b SignatureBody) (domain.Request, error) {
			return e.Approve(ctx, id, actor, b.input())
		})
	registerTransition(api, e, cache, "reject-request", "/requests/{id}/reject", "Reject the request",
		func(ctx context.Context, id int64, actor auth.Actor, b ReasonBody) (domain.Request, error) {
			return e.Reject(ctx, id, actor, b.Reason)
		})
	registerTransition(api, e, cache, "cancel-request", "/requests/{id}/cancel", "Withdraw the request before transfer",
		func(ctx context.Context, id int64, actor auth.Actor, b ReasonBody) (domain.Request, error) {
			return e.Cancel(ctx, id, actor, b.Reason)
		})
	registerTransition(api, e, cache, "start-transfer", "/requests/{id}/start-transfer", "Begin the Section IV transfer",
		func(ctx context.Context, id int64, actor auth.Actor, b NotesBody) (domain.Request, error) {
			return e.StartTransfer(ctx, id, actor, b.Notes)
		})
	registerTransition(api, e, cache, "transfer-sign", "/requests/{id}/transfer-sign", "Sign the current transfer stage",
		func(ctx context.Context, id int64, actor auth.Actor, b SignatureBody) (domain.Request, error) {
			return e.TransferSign(ctx, id, actor, b.input())
		})
	registerTransition(api, e, cache, "transfer-complete", "/requests/{id}/transfer-complete", "Record the Section IV completion",
		func(ctx context.Context, id int64, actor auth.Actor, b TransferCompleteBody) (domain.Request, error) {
			return e.TransferComplete(ctx, id, actor, b.input())
		})
	registerTransition(api, e, cache, "media-disposition", "/requests/{id}/disposition", "Record media disposition and close the request",
		func(ctx context.Context, id int64, actor auth.Actor, b DispositionBody) (domain.Request, error) {
			return e.MediaDisposition(ctx, id, actor, b.input())
		})
	registerTransition(api, e, cache, "assign-request", "/requests/{id}/assign", "Set informational assignees",
		func(ctx context.Context, id int64, actor auth.Actor, b AssignBody) (domain.Request, error) {
			return e.Assign(ctx, id, actor, engine.AssignInput{
				DTAID:            b.DTAID,
				SMEID:            b.SMEID,
				ApproverID:       b.ApproverID,
				MediaCustodianID: b.MediaCustodianID,
				Notes:            b.Notes,
			})
		})
}
