package ledger

import (
	"fmt"
	"time"

	"aftflow/internal/domain"
)

type ApprovalSignatures struct {
	DAO      *SignatureRecord `json:"dao,omitempty"`
	Approver *SignatureRecord `json:"approver,omitempty"`
	CPSO     *SignatureRecord `json:"cpso,omitempty"`
}

// ApprovalLedger accumulates the pre-transfer approval signatures.
type ApprovalLedger struct {
	RequiresDAOApproval bool                `json:"requiresDAOApproval"`
	TransferType        domain.TransferType `json:"transferType,omitempty"`
	Signatures          ApprovalSignatures  `json:"signatures"`
	CompletedAt         *string             `json:"completedAt,omitempty"`
}

// NewApprovalLedger returns the ledger written at request creation.
func NewApprovalLedger(tt domain.TransferType) ApprovalLedger {
	return ApprovalLedger{
		RequiresDAOApproval: tt == domain.TransferHighToLow,
		TransferType:        tt,
	}
}

// RequiredApprovalRoles lists, in signing order, the roles whose signature is required.
func RequiredApprovalRoles(requiresDAO bool) []domain.Role {
	if requiresDAO {
		return []domain.Role{domain.RoleDAO, domain.RoleApprover, domain.RoleCPSO}
	}
	return []domain.Role{domain.RoleApprover, domain.RoleCPSO}
}

// PendingStatusFor maps an approval role to the status that waits on it.
func PendingStatusFor(role domain.Role) domain.Status {
	switch role {
	case domain.RoleDAO:
		return domain.StatusPendingDAO
	case domain.RoleApprover:
		return domain.StatusPendingApprover
	case domain.RoleCPSO:
		return domain.StatusPendingCPSO
	}
	return ""
}

func (l ApprovalLedger) Signature(role domain.Role) *SignatureRecord {
	switch role {
	case domain.RoleDAO:
		return l.Signatures.DAO
	case domain.RoleApprover:
		return l.Signatures.Approver
	case domain.RoleCPSO:
		return l.Signatures.CPSO
	}
	return nil
}

// MissingRoles returns the required roles that have not signed yet.
func (l ApprovalLedger) MissingRoles() []domain.Role {
	var missing []domain.Role
	for _, role := range RequiredApprovalRoles(l.RequiresDAOApproval) {
		if l.Signature(role) == nil {
			missing = append(missing, role)
		}
	}
	return missing
}

// NextApprovalStatus derives the status from the ledger alone. It does not mutate
// the ledger, so calling it repeatedly on the same ledger gives the same answer.
func NextApprovalStatus(l ApprovalLedger) domain.Status {
	missing := l.MissingRoles()
	if len(missing) > 0 {
		return PendingStatusFor(missing[0])
	}
	return domain.StatusPendingDTA
}

// ApplyApproval records sig under role and returns the updated ledger and next status.
// completedAt is stamped the first time all required signatures are present.
func ApplyApproval(l ApprovalLedger, role domain.Role, sig SignatureRecord, now time.Time) (ApprovalLedger, domain.Status, error) {
	if PendingStatusFor(role) == "" {
		return l, "", fmt.Errorf("role %s does not sign approvals", role)
	}
	if l.Signature(role) != nil {
		return l, "", fmt.Errorf("%s approval: %w", role, ErrAlreadySigned)
	}
	s := sig
	switch role {
	case domain.RoleDAO:
		l.Signatures.DAO = &s
	case domain.RoleApprover:
		l.Signatures.Approver = &s
	case domain.RoleCPSO:
		l.Signatures.CPSO = &s
	}
	next := NextApprovalStatus(l)
	if next == domain.StatusPendingDTA && l.CompletedAt == nil {
		l.CompletedAt = stamp(now)
	}
	return l, next, nil
}
