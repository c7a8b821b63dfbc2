package ledger

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"aftflow/internal/domain"
)

// ErrAlreadySigned is returned when a ledger slot for the current stage is already filled.
var ErrAlreadySigned = errors.New("signature already recorded for this stage")

// FieldErrors maps payload field names to the reason they were rejected.
type FieldErrors map[string]string

func (f FieldErrors) Error() string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, f[k]))
	}
	return "invalid payload: " + strings.Join(parts, "; ")
}

func (f FieldErrors) orNil() error {
	if len(f) == 0 {
		return nil
	}
	return f
}

// TechnicalValidation holds the SME's antivirus, integrity and format check notes.
type TechnicalValidation struct {
	AntivirusScan  string `json:"antivirusScan,omitempty"`
	IntegrityCheck string `json:"integrityCheck,omitempty"`
	FormatCheck    string `json:"formatCheck,omitempty"`
	Notes          string `json:"notes,omitempty"`
}

// TransferCompletion is the DTA's record of the executed transfer.
type TransferCompletion struct {
	ActualStartDate     string `json:"actualStartDate,omitempty"`
	ActualEndDate       string `json:"actualEndDate,omitempty"`
	TransferMethod      string `json:"transferMethod,omitempty"`
	VerificationResults string `json:"verificationResults,omitempty"`
	FilesTransferred    int    `json:"filesTransferred,omitempty"`
	Notes               string `json:"notes,omitempty"`
}

// merge overlays the non-empty fields of other onto c.
func (c TransferCompletion) merge(other TransferCompletion) TransferCompletion {
	if other.ActualStartDate != "" {
		c.ActualStartDate = other.ActualStartDate
	}
	if other.ActualEndDate != "" {
		c.ActualEndDate = other.ActualEndDate
	}
	if other.TransferMethod != "" {
		c.TransferMethod = other.TransferMethod
	}
	if other.VerificationResults != "" {
		c.VerificationResults = other.VerificationResults
	}
	if other.FilesTransferred != 0 {
		c.FilesTransferred = other.FilesTransferred
	}
	if other.Notes != "" {
		c.Notes = other.Notes
	}
	return c
}

// SignatureRecord captures who signed, when, and any stage-specific data.
// Signature is an opaque token; it is not cryptographically verified.
type SignatureRecord struct {
	UserID              string               `json:"userId"`
	Name                string               `json:"name"`
	Email               string               `json:"email,omitempty"`
	Role                domain.Role          `json:"role"`
	OnBehalfOf          domain.Role          `json:"onBehalfOf,omitempty"`
	Date                string               `json:"date"`
	Signature           string               `json:"signature"`
	SignedAt            string               `json:"signedAt"`
	TechnicalValidation *TechnicalValidation `json:"technicalValidation,omitempty"`
	TransferCompletion  *TransferCompletion  `json:"transferCompletion,omitempty"`
}

// Signer identifies the actor producing a signature.
type Signer struct {
	UserID string
	Name   string
	Email  string
	Role   domain.Role
}

// SignatureInput is the caller-supplied part of a signature.
type SignatureInput struct {
	Date                string
	Signature           string
	TechnicalValidation *TechnicalValidation
	TransferCompletion  *TransferCompletion
}

// NewSignature builds a record, defaulting Date to the signing day.
func NewSignature(s Signer, in SignatureInput, now time.Time) (SignatureRecord, error) {
	fields := FieldErrors{}
	if strings.TrimSpace(s.UserID) == "" {
		fields["userId"] = "required"
	}
	if strings.TrimSpace(in.Signature) == "" {
		fields["signature"] = "required"
	}
	if err := fields.orNil(); err != nil {
		return SignatureRecord{}, err
	}
	date := strings.TrimSpace(in.Date)
	if date == "" {
		date = now.UTC().Format(time.DateOnly)
	}
	name := s.Name
	if name == "" {
		name = s.UserID
	}
	return SignatureRecord{
		UserID:              s.UserID,
		Name:                name,
		Email:               s.Email,
		Role:                s.Role,
		Date:                date,
		Signature:           in.Signature,
		SignedAt:            now.UTC().Format(time.RFC3339Nano),
		TechnicalValidation: in.TechnicalValidation,
		TransferCompletion:  in.TransferCompletion,
	}, nil
}

func stamp(now time.Time) *string {
	s := now.UTC().Format(time.RFC3339Nano)
	return &s
}
