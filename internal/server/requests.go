package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"aftflow/internal/domain"
	"aftflow/internal/engine"
	"aftflow/internal/engine/auth"
	"aftflow/internal/repo"
)

// visible reports whether actor may read req. Requestors only see their own requests.
func visible(actor auth.Actor, req domain.Request) bool {
	if actor.IsAdmin() || actor.EffectiveRole() != domain.RoleRequestor {
		return true
	}
	return req.RequestorID == actor.ID
}

func loadVisible(ctx context.Context, e engine.Engine, actor auth.Actor, id int64) (domain.Request, error) {
	req, err := e.Repo.GetRequest(ctx, id)
	if err != nil {
		return domain.Request{}, err
	}
	if !visible(actor, req) {
		return domain.Request{}, repo.ErrNotFound
	}
	return req, nil
}

func registerRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-request",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "Create a draft transfer request",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateRequestBody `json:"body"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.CreateRequest(ctx, actor, engine.CreateInput{
			Title:          input.Body.Title,
			Description:    input.Body.Description,
			TransferType:   domain.TransferType(input.Body.TransferType),
			Classification: input.Body.Classification,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "List requests, most recently updated first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status       string `query:"status"`
		TransferType string `query:"transfer_type"`
		RequestorID  string `query:"requestor_id"`
		Limit        int    `query:"limit" default:"50"`
		Cursor       string `query:"cursor"`
	}) (*struct {
		Body paginatedRequests `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Status != "" && !domain.ValidStatus(input.Status) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown status", map[string]any{"status": input.Status})
		}
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		filter := repo.RequestFilters{
			Status:          input.Status,
			TransferType:    input.TransferType,
			RequestorID:     input.RequestorID,
			Limit:           limit + 1,
			CursorUpdatedAt: cursorTS,
			CursorID:        cursorID,
		}
		if !actor.IsAdmin() && actor.EffectiveRole() == domain.RoleRequestor {
			filter.RequestorID = actor.ID
		}
		reqs, err := e.Repo.ListRequests(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedRequests{Items: []RequestResponse{}}
		if len(reqs) > limit {
			last := reqs[limit-1]
			resp.NextCursor = composeCursor(last.UpdatedAt, last.ID)
			reqs = reqs[:limit]
		}
		for _, r := range reqs {
			resp.Items = append(resp.Items, requestResponse(r))
		}
		return &struct {
			Body paginatedRequests `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-stats",
		Method:      http.MethodGet,
		Path:        "/requests/stats",
		Summary:     "Count requests by status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusCountsResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireAdmin(actor); err != nil {
			return nil, err
		}
		counts, err := e.Repo.CountRequestsByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusCountsResponse `json:"body"`
		}{Body: StatusCountsResponse{Counts: counts}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{id}",
		Summary:     "Get request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := loadVisible(ctx, e, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request-by-number",
		Method:      http.MethodGet,
		Path:        "/requests/by-number/{number}",
		Summary:     "Get request by request number",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Number string `path:"number"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.Repo.GetRequestByNumber(ctx, input.Number)
		if err == nil && !visible(actor, req) {
			err = repo.ErrNotFound
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "allowed-actions",
		Method:      http.MethodGet,
		Path:        "/requests/{id}/actions",
		Summary:     "Operations the caller may perform on the request now",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body AllowedActionsResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := loadVisible(ctx, e, actor, input.ID); err != nil {
			return nil, handleError(err)
		}
		req, ops, err := e.AllowedActions(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		actions := make([]string, 0, len(ops))
		for _, op := range ops {
			actions = append(actions, string(op))
		}
		return &struct {
			Body AllowedActionsResponse `json:"body"`
		}{Body: AllowedActionsResponse{RequestID: req.ID, Status: req.Status, Role: actor.EffectiveRole(), Actions: actions}}, nil
	})
}
