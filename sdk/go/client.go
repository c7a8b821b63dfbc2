package aftsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal AFT HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	// Role is sent as X-Active-Role; empty uses the actor's primary role.
	Role       string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// As returns a copy of the client acting under role.
func (c *Client) As(role string) *Client {
	cp := *c
	cp.Role = role
	return &cp
}

// Signature is one entry in the approval or transfer ledger.
type Signature struct {
	UserID              string               `json:"userId"`
	Name                string               `json:"name"`
	Role                string               `json:"role"`
	OnBehalfOf          string               `json:"onBehalfOf,omitempty"`
	Date                string               `json:"date"`
	Signature           string               `json:"signature"`
	SignedAt            string               `json:"signedAt"`
	TechnicalValidation *TechnicalValidation `json:"technicalValidation,omitempty"`
	TransferCompletion  *TransferCompletion  `json:"transferCompletion,omitempty"`
}

type TechnicalValidation struct {
	AntivirusScan  string `json:"antivirusScan,omitempty"`
	IntegrityCheck string `json:"integrityCheck,omitempty"`
	FormatCheck    string `json:"formatCheck,omitempty"`
	Notes          string `json:"notes,omitempty"`
}

type TransferCompletion struct {
	ActualStartDate     string `json:"actualStartDate,omitempty"`
	ActualEndDate       string `json:"actualEndDate,omitempty"`
	TransferMethod      string `json:"transferMethod,omitempty"`
	VerificationResults string `json:"verificationResults,omitempty"`
	FilesTransferred    int    `json:"filesTransferred,omitempty"`
	Notes               string `json:"notes,omitempty"`
}

type ApprovalData struct {
	RequiresDAOApproval bool                  `json:"requiresDAOApproval"`
	Signatures          map[string]*Signature `json:"signatures"`
	CompletedAt         *string               `json:"completedAt,omitempty"`
}

// Request is the API request model (partial).
type Request struct {
	ID             int64          `json:"id"`
	RequestNumber  string         `json:"request_number"`
	RequestorID    string         `json:"requestor_id"`
	Title          string         `json:"title"`
	TransferType   string         `json:"transfer_type"`
	Classification string         `json:"classification"`
	Status         string         `json:"status"`
	ApprovalData   ApprovalData   `json:"approval_data"`
	TransferData   map[string]any `json:"transfer_data,omitempty"`
	Version        int64          `json:"version"`
	UpdatedAt      string         `json:"updated_at"`
}

// SignInput is the approve and transfer-sign payload.
type SignInput struct {
	Signature           string               `json:"signature,omitempty"`
	Date                string               `json:"date,omitempty"`
	Notes               string               `json:"notes,omitempty"`
	TechnicalValidation *TechnicalValidation `json:"technicalValidation,omitempty"`
	TransferCompletion  *TransferCompletion  `json:"transferCompletion,omitempty"`
}

type SectionIV struct {
	FilesTransferred    int    `json:"filesTransferred"`
	DTAName             string `json:"dtaName"`
	DTASignature        string `json:"dtaSignature"`
	DTASignDate         string `json:"dtaSignDate"`
	TPIMaintained       bool   `json:"tpiMaintained"`
	TransferMethod      string `json:"transferMethod,omitempty"`
	VerificationResults string `json:"verificationResults,omitempty"`
	Notes               string `json:"notes,omitempty"`
}

type Disposition struct {
	OpticalDestroyed   string `json:"opticalDestroyed,omitempty"`
	OpticalRetained    string `json:"opticalRetained,omitempty"`
	SSDSanitized       string `json:"ssdSanitized,omitempty"`
	DispositionType    string `json:"dispositionType,omitempty"`
	CustodianName      string `json:"custodianName"`
	CustodianSignature string `json:"custodianSignature,omitempty"`
	Date               string `json:"date"`
	Notes              string `json:"notes,omitempty"`
}

// AuditEntry is one audit log row.
type AuditEntry struct {
	ID        int64  `json:"id"`
	ActorID   string `json:"actor_id"`
	ActorRole string `json:"actor_role"`
	Action    string `json:"action"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	Notes     string `json:"notes"`
	TS        string `json:"ts"`
	Hash      string `json:"hash"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedRequests wraps list responses with cursors.
type PaginatedRequests struct {
	Items      []Request `json:"items"`
	NextCursor string    `json:"next_cursor"`
}

func (c *Client) CreateRequest(ctx context.Context, title, transferType, classification string) (Request, error) {
	body := map[string]any{
		"title":          title,
		"transferType":   transferType,
		"classification": classification,
	}
	var resp Request
	err := c.do(ctx, http.MethodPost, "requests", "", body, &resp)
	return resp, err
}

func (c *Client) GetRequest(ctx context.Context, id int64) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("requests/%d", id), "", nil, &resp)
	return resp, err
}

// ListRequests returns one page of requests, optionally filtered by status.
func (c *Client) ListRequests(ctx context.Context, status string, limit int, cursor string) (PaginatedRequests, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "requests"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedRequests
	err := c.do(ctx, http.MethodGet, endpoint, "", nil, &resp)
	return resp, err
}

func (c *Client) Submit(ctx context.Context, id int64) (Request, error) {
	return c.transition(ctx, id, "submit", "", map[string]any{})
}

// Approve signs the current approval stage. A non-empty idempotencyKey makes retries safe.
func (c *Client) Approve(ctx context.Context, id int64, in SignInput, idempotencyKey string) (Request, error) {
	return c.transition(ctx, id, "approve", idempotencyKey, in)
}

func (c *Client) Reject(ctx context.Context, id int64, reason string) (Request, error) {
	return c.transition(ctx, id, "reject", "", map[string]any{"reason": reason})
}

func (c *Client) Cancel(ctx context.Context, id int64, reason string) (Request, error) {
	return c.transition(ctx, id, "cancel", "", map[string]any{"reason": reason})
}

func (c *Client) StartTransfer(ctx context.Context, id int64) (Request, error) {
	return c.transition(ctx, id, "start-transfer", "", map[string]any{})
}

func (c *Client) TransferSign(ctx context.Context, id int64, in SignInput) (Request, error) {
	return c.transition(ctx, id, "transfer-sign", "", in)
}

func (c *Client) TransferComplete(ctx context.Context, id int64, in SectionIV) (Request, error) {
	return c.transition(ctx, id, "transfer-complete", "", in)
}

func (c *Client) MediaDisposition(ctx context.Context, id int64, in Disposition) (Request, error) {
	return c.transition(ctx, id, "disposition", "", in)
}

// AllowedActions lists the operations the caller may perform on the request.
func (c *Client) AllowedActions(ctx context.Context, id int64) ([]string, error) {
	var resp struct {
		Actions []string `json:"actions"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("requests/%d/actions", id), "", nil, &resp)
	return resp.Actions, err
}

func (c *Client) Audit(ctx context.Context, id int64) ([]AuditEntry, error) {
	var resp struct {
		Items []AuditEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("requests/%d/audit?limit=200", id), "", nil, &resp)
	return resp.Items, err
}

func (c *Client) transition(ctx context.Context, id int64, op, idempotencyKey string, body any) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("requests/%d/%s", id, op), idempotencyKey, body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint, idempotencyKey string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	if c.Role != "" {
		req.Header.Set("X-Active-Role", c.Role)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
