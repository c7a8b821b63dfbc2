package server

import (
	"aftflow/internal/domain"
	"aftflow/internal/engine"
	"aftflow/internal/ledger"
)

// Request payloads

type CreateRequestBody struct {
	Title          string `json:"title,omitempty"`
	Description    string `json:"description,omitempty"`
	TransferType   string `json:"transferType,omitempty" doc:"low-to-low, low-to-high, high-to-low or high-to-high"`
	Classification string `json:"classification,omitempty"`
}

// SignatureBody is shared by approve and transfer-sign.
type SignatureBody struct {
	Signature           string                      `json:"signature,omitempty"`
	Date                string                      `json:"date,omitempty" doc:"YYYY-MM-DD, defaults to today"`
	Notes               string                      `json:"notes,omitempty"`
	TechnicalValidation *ledger.TechnicalValidation `json:"technicalValidation,omitempty"`
	TransferCompletion  *ledger.TransferCompletion  `json:"transferCompletion,omitempty"`
}

func (b SignatureBody) input() engine.SignInput {
	return engine.SignInput{
		Signature:           b.Signature,
		Date:                b.Date,
		Notes:               b.Notes,
		TechnicalValidation: b.TechnicalValidation,
		TransferCompletion:  b.TransferCompletion,
	}
}

type TransferCompleteBody struct {
	FilesTransferred    int    `json:"filesTransferred,omitempty"`
	DTAName             string `json:"dtaName,omitempty"`
	DTASignature        string `json:"dtaSignature,omitempty"`
	DTASignDate         string `json:"dtaSignDate,omitempty"`
	TPIMaintained       *bool  `json:"tpiMaintained,omitempty"`
	TransferMethod      string `json:"transferMethod,omitempty"`
	VerificationResults string `json:"verificationResults,omitempty"`
	Notes               string `json:"notes,omitempty"`
}

func (b TransferCompleteBody) input() ledger.SectionIVInput {
	return ledger.SectionIVInput{
		FilesTransferred:    b.FilesTransferred,
		DTAName:             b.DTAName,
		DTASignature:        b.DTASignature,
		DTASignDate:         b.DTASignDate,
		TPIMaintained:       b.TPIMaintained,
		TransferMethod:      b.TransferMethod,
		VerificationResults: b.VerificationResults,
		Notes:               b.Notes,
	}
}

type DispositionBody struct {
	OpticalDestroyed   string `json:"opticalDestroyed,omitempty" doc:"yes, no or na"`
	OpticalRetained    string `json:"opticalRetained,omitempty" doc:"yes, no or na"`
	SSDSanitized       string `json:"ssdSanitized,omitempty" doc:"yes, no or na"`
	DispositionType    string `json:"dispositionType,omitempty" doc:"legacy form: completed or disposed"`
	CustodianName      string `json:"custodianName,omitempty"`
	CustodianSignature string `json:"custodianSignature,omitempty"`
	Date               string `json:"date,omitempty"`
	Notes              string `json:"notes,omitempty"`
}

func (b DispositionBody) input() ledger.DispositionInput {
	return ledger.DispositionInput{
		OpticalDestroyed:   b.OpticalDestroyed,
		OpticalRetained:    b.OpticalRetained,
		SSDSanitized:       b.SSDSanitized,
		DispositionType:    b.DispositionType,
		CustodianName:      b.CustodianName,
		CustodianSignature: b.CustodianSignature,
		Date:               b.Date,
		Notes:              b.Notes,
	}
}

type NotesBody struct {
	Notes string `json:"notes,omitempty"`
}

type ReasonBody struct {
	Reason string `json:"reason,omitempty"`
}

type AssignBody struct {
	DTAID            *string `json:"dtaId,omitempty"`
	SMEID            *string `json:"smeId,omitempty"`
	ApproverID       *string `json:"approverId,omitempty"`
	MediaCustodianID *string `json:"mediaCustodianId,omitempty"`
	Notes            string  `json:"notes,omitempty"`
}

type CreateActorBody struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name,omitempty"`
	Email       string   `json:"email,omitempty"`
	PrimaryRole string   `json:"primary_role"`
	Roles       []string `json:"roles,omitempty"`
}

type RoleBody struct {
	Role string `json:"role"`
}

type CreateAPIKeyBody struct {
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role,omitempty"`
}

// Responses

type RequestResponse struct {
	ID               int64                  `json:"id"`
	RequestNumber    string                 `json:"request_number"`
	RequestorID      string                 `json:"requestor_id"`
	Title            string                 `json:"title"`
	Description      string                 `json:"description,omitempty"`
	TransferType     domain.TransferType    `json:"transfer_type"`
	Classification   string                 `json:"classification"`
	Status           domain.Status          `json:"status"`
	ApprovalData     ledger.ApprovalLedger  `json:"approval_data"`
	TransferData     *ledger.TransferLedger `json:"transfer_data,omitempty"`
	DTAID            *string                `json:"dta_id,omitempty"`
	SMEID            *string                `json:"sme_id,omitempty"`
	ApproverID       *string                `json:"approver_id,omitempty"`
	MediaCustodianID *string                `json:"media_custodian_id,omitempty"`
	Version          int64                  `json:"version"`
	CreatedAt        string                 `json:"created_at"`
	UpdatedAt        string                 `json:"updated_at"`
}

type paginatedRequests struct {
	Items      []RequestResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type AuditListResponse struct {
	Items     []domain.AuditEntry `json:"items"`
	NextAfter int64               `json:"next_after,omitempty"`
}

type AuditVerifyResponse struct {
	RequestID int64  `json:"request_id"`
	Entries   int    `json:"entries"`
	Valid     bool   `json:"valid"`
	Error     string `json:"error,omitempty"`
}

type AllowedActionsResponse struct {
	RequestID int64         `json:"request_id"`
	Status    domain.Status `json:"status"`
	Role      domain.Role   `json:"role"`
	Actions   []string      `json:"actions"`
}

type ActorResponse struct {
	ID          string        `json:"id"`
	DisplayName string        `json:"display_name"`
	Email       string        `json:"email,omitempty"`
	PrimaryRole domain.Role   `json:"primary_role"`
	Roles       []domain.Role `json:"roles"`
	CreatedAt   string        `json:"created_at"`
}

type WhoAmIResponse struct {
	ActorID     string        `json:"actor_id"`
	DisplayName string        `json:"display_name"`
	Role        domain.Role   `json:"role"`
	PrimaryRole domain.Role   `json:"primary_role"`
	Roles       []domain.Role `json:"roles"`
	Source      string        `json:"source"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
	Key       string `json:"key,omitempty" doc:"plaintext key, only returned on creation"`
}

type DevLoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

type StatusCountsResponse struct {
	Counts map[string]int `json:"counts"`
}

func requestResponse(req domain.Request) RequestResponse {
	approval, transfer := ledger.View(req)
	out := RequestResponse{
		ID:               req.ID,
		RequestNumber:    req.RequestNumber,
		RequestorID:      req.RequestorID,
		Title:            req.Title,
		Description:      req.Description,
		TransferType:     req.TransferType,
		Classification:   req.Classification,
		Status:           req.Status,
		ApprovalData:     approval,
		DTAID:            req.DTAID,
		SMEID:            req.SMEID,
		ApproverID:       req.ApproverID,
		MediaCustodianID: req.MediaCustodianID,
		Version:          req.Version,
		CreatedAt:        req.CreatedAt,
		UpdatedAt:        req.UpdatedAt,
	}
	if req.TransferJSON != nil {
		out.TransferData = &transfer
	}
	return out
}

func actorResponse(a domain.Actor) ActorResponse {
	roles := a.Roles
	if roles == nil {
		roles = []domain.Role{}
	}
	return ActorResponse{
		ID:          a.ID,
		DisplayName: a.DisplayName,
		Email:       a.Email,
		PrimaryRole: a.PrimaryRole,
		Roles:       roles,
		CreatedAt:   a.CreatedAt,
	}
}

func apiKeyResponse(k domain.APIKey, plain string) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt, Key: plain}
}
