package domain

// Status is the workflow position of an AFT request.
type Status string

const (
	StatusDraft                 Status = "draft"
	StatusSubmitted             Status = "submitted"
	StatusPendingDAO            Status = "pending_dao"
	StatusPendingApprover       Status = "pending_approver"
	StatusPendingCPSO           Status = "pending_cpso"
	StatusPendingDTA            Status = "pending_dta"
	StatusActiveTransfer        Status = "active_transfer"
	StatusPendingSMESignature   Status = "pending_sme_signature"
	StatusPendingSME            Status = "pending_sme"
	StatusPendingMediaCustodian Status = "pending_media_custodian"
	StatusCompleted             Status = "completed"
	StatusDisposed              Status = "disposed"
	StatusRejected              Status = "rejected"
	StatusCancelled             Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusDisposed, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// ApprovalPhase reports whether the request is waiting on a pre-transfer signature.
func (s Status) ApprovalPhase() bool {
	switch s {
	case StatusSubmitted, StatusPendingDAO, StatusPendingApprover, StatusPendingCPSO:
		return true
	}
	return false
}

// ValidStatus reports whether s is a known status value.
func ValidStatus(s string) bool {
	switch Status(s) {
	case StatusDraft, StatusSubmitted, StatusPendingDAO, StatusPendingApprover, StatusPendingCPSO,
		StatusPendingDTA, StatusActiveTransfer, StatusPendingSMESignature, StatusPendingSME,
		StatusPendingMediaCustodian, StatusCompleted, StatusDisposed, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// TransferType is the classification direction of a transfer.
type TransferType string

const (
	TransferLowToLow   TransferType = "low-to-low"
	TransferLowToHigh  TransferType = "low-to-high"
	TransferHighToLow  TransferType = "high-to-low"
	TransferHighToHigh TransferType = "high-to-high"
)

func ValidTransferType(t string) bool {
	switch TransferType(t) {
	case TransferLowToLow, TransferLowToHigh, TransferHighToLow, TransferHighToHigh:
		return true
	}
	return false
}

// Role is a workflow role held by an actor.
type Role string

const (
	RoleRequestor      Role = "requestor"
	RoleDAO            Role = "dao"
	RoleApprover       Role = "approver"
	RoleCPSO           Role = "cpso"
	RoleDTA            Role = "dta"
	RoleSME            Role = "sme"
	RoleMediaCustodian Role = "media_custodian"
	RoleAdmin          Role = "admin"
)

// Roles lists every role in a stable order.
var Roles = []Role{RoleRequestor, RoleDAO, RoleApprover, RoleCPSO, RoleDTA, RoleSME, RoleMediaCustodian, RoleAdmin}

func ValidRole(r string) bool {
	for _, role := range Roles {
		if string(role) == r {
			return true
		}
	}
	return false
}

// Request is the AFT request aggregate. ApprovalJSON and TransferJSON hold the raw
// persisted ledgers; decoding happens in the engine so malformed rows never fail a load.
type Request struct {
	ID               int64        `json:"id"`
	RequestNumber    string       `json:"request_number"`
	RequestorID      string       `json:"requestor_id"`
	Title            string       `json:"title"`
	Description      string       `json:"description,omitempty"`
	TransferType     TransferType `json:"transfer_type" enum:"low-to-low,low-to-high,high-to-low,high-to-high"`
	Classification   string       `json:"classification"`
	Status           Status       `json:"status"`
	ApprovalJSON     *string      `json:"approval_data_json,omitempty"`
	TransferJSON     *string      `json:"transfer_data_json,omitempty"`
	DTAID            *string      `json:"dta_id,omitempty"`
	SMEID            *string      `json:"sme_id,omitempty"`
	ApproverID       *string      `json:"approver_id,omitempty"`
	MediaCustodianID *string      `json:"media_custodian_id,omitempty"`
	Version          int64        `json:"version"`
	CreatedAt        string       `json:"created_at" format:"date-time"`
	UpdatedAt        string       `json:"updated_at" format:"date-time"`
}

// AuditEntry is one append-only audit log row.
type AuditEntry struct {
	ID        int64  `json:"id"`
	RequestID int64  `json:"request_id"`
	ActorID   string `json:"actor_id"`
	ActorRole string `json:"actor_role,omitempty"`
	Action    string `json:"action"`
	OldStatus string `json:"old_status,omitempty"`
	NewStatus string `json:"new_status,omitempty"`
	Notes     string `json:"notes,omitempty"`
	TS        string `json:"ts" format:"date-time"`
	PrevHash  string `json:"prev_hash,omitempty"`
	Hash      string `json:"hash"`
}

type Actor struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email,omitempty"`
	PrimaryRole Role   `json:"primary_role"`
	Roles       []Role `json:"roles"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
