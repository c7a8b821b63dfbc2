package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"aftflow/internal/domain"
)

// ErrMalformed marks a persisted ledger that could not be decoded.
var ErrMalformed = errors.New("malformed ledger")

// ParseApproval decodes a persisted approval ledger. A missing or blank value yields
// the creation ledger for tt. A malformed value yields the same fresh ledger together
// with an error wrapping ErrMalformed so the caller can log it and proceed.
func ParseApproval(raw *string, tt domain.TransferType) (ApprovalLedger, error) {
	fresh := NewApprovalLedger(tt)
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return fresh, nil
	}
	var wire struct {
		RequiresDAOApproval *bool               `json:"requiresDAOApproval"`
		TransferType        domain.TransferType `json:"transferType"`
		Signatures          ApprovalSignatures  `json:"signatures"`
		CompletedAt         *string             `json:"completedAt"`
	}
	if err := json.Unmarshal([]byte(*raw), &wire); err != nil {
		return fresh, fmt.Errorf("%w: approval: %v", ErrMalformed, err)
	}
	l := ApprovalLedger{
		RequiresDAOApproval: fresh.RequiresDAOApproval,
		TransferType:        wire.TransferType,
		Signatures:          wire.Signatures,
		CompletedAt:         wire.CompletedAt,
	}
	// rows written before the flag existed fall back to the creation rule
	if wire.RequiresDAOApproval != nil {
		l.RequiresDAOApproval = *wire.RequiresDAOApproval
	}
	if l.TransferType == "" {
		l.TransferType = tt
	}
	if err := l.validate(); err != nil {
		return fresh, fmt.Errorf("%w: approval: %v", ErrMalformed, err)
	}
	return l, nil
}

func (l ApprovalLedger) validate() error {
	if !domain.ValidTransferType(string(l.TransferType)) {
		return fmt.Errorf("unknown transfer type %q", l.TransferType)
	}
	for _, role := range []domain.Role{domain.RoleDAO, domain.RoleApprover, domain.RoleCPSO} {
		if sig := l.Signature(role); sig != nil && sig.UserID == "" {
			return fmt.Errorf("%s signature without user", role)
		}
	}
	return nil
}

// ParseTransfer decodes a persisted transfer ledger with the same tolerance as ParseApproval.
func ParseTransfer(raw *string) (TransferLedger, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return TransferLedger{}, nil
	}
	var l TransferLedger
	if err := json.Unmarshal([]byte(*raw), &l); err != nil {
		return TransferLedger{}, fmt.Errorf("%w: transfer: %v", ErrMalformed, err)
	}
	if err := l.validate(); err != nil {
		return TransferLedger{}, fmt.Errorf("%w: transfer: %v", ErrMalformed, err)
	}
	return l, nil
}

func (l TransferLedger) validate() error {
	switch l.SecondarySignerType {
	case "", SignerDTA, SignerSME:
	default:
		return fmt.Errorf("unknown secondary signer type %q", l.SecondarySignerType)
	}
	if l.SecondarySigner != nil && l.SecondarySignerType == "" {
		return errors.New("secondary signer without type")
	}
	if md := l.MediaDisposition; md != nil {
		switch md.Outcome {
		case domain.StatusCompleted, domain.StatusDisposed:
		default:
			return fmt.Errorf("unknown disposition outcome %q", md.Outcome)
		}
	}
	return nil
}

// View decodes both ledgers of req for display. Malformed ledgers come back fresh
// without an error; the engine reports them when a transition touches the row.
func View(req domain.Request) (ApprovalLedger, TransferLedger) {
	approval, _ := ParseApproval(req.ApprovalJSON, req.TransferType)
	transfer, _ := ParseTransfer(req.TransferJSON)
	return approval, transfer
}

// Encode serializes a ledger for storage.
func Encode(v any) (*string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}
