package ledger

import (
	"fmt"
	"strings"
	"time"

	"aftflow/internal/disposition"
	"aftflow/internal/domain"
)

// SignerType discriminates the secondary transfer signature.
type SignerType string

const (
	SignerDTA SignerType = "dta"
	SignerSME SignerType = "sme"
)

// SectionIVCompletion is the single-DTA completion record written by transfer-complete.
type SectionIVCompletion struct {
	FilesTransferred    int    `json:"filesTransferred"`
	DTAName             string `json:"dtaName"`
	DTASignature        string `json:"dtaSignature"`
	DTASignDate         string `json:"dtaSignDate"`
	TPIMaintained       bool   `json:"tpiMaintained"`
	TransferMethod      string `json:"transferMethod,omitempty"`
	VerificationResults string `json:"verificationResults,omitempty"`
	Notes               string `json:"notes,omitempty"`
	RecordedBy          string `json:"recordedBy"`
	RecordedAt          string `json:"recordedAt"`
}

// SectionIVInput is the caller payload for transfer-complete. TPIMaintained is a
// pointer so an omitted flag is distinguishable from an explicit false.
type SectionIVInput struct {
	FilesTransferred    int
	DTAName             string
	DTASignature        string
	DTASignDate         string
	TPIMaintained       *bool
	TransferMethod      string
	VerificationResults string
	Notes               string
}

// DispositionForm tells which media disposition payload was used.
type DispositionForm string

const (
	FormStructured DispositionForm = "structured"
	FormLegacy     DispositionForm = "legacy"
)

type MediaDispositionRecord struct {
	Form               DispositionForm    `json:"form"`
	OpticalDestroyed   disposition.Answer `json:"opticalDestroyed,omitempty"`
	OpticalRetained    disposition.Answer `json:"opticalRetained,omitempty"`
	SSDSanitized       disposition.Answer `json:"ssdSanitized,omitempty"`
	DispositionType    string             `json:"dispositionType,omitempty"`
	CustodianName      string             `json:"custodianName"`
	CustodianSignature string             `json:"custodianSignature,omitempty"`
	Date               string             `json:"date"`
	Notes              string             `json:"notes,omitempty"`
	Outcome            domain.Status      `json:"outcome"`
	RecordedBy         string             `json:"recordedBy"`
	RecordedAt         string             `json:"recordedAt"`
}

// DispositionInput carries either the structured or the legacy disposition form.
// The structured form is chosen when any of the tri-state answers is set.
type DispositionInput struct {
	OpticalDestroyed   string
	OpticalRetained    string
	SSDSanitized       string
	DispositionType    string
	CustodianName      string
	CustodianSignature string
	Date               string
	Notes              string
}

// TransferLedger accumulates execution-phase signatures and records.
type TransferLedger struct {
	PrimaryDTA          *SignatureRecord        `json:"primaryDta,omitempty"`
	SecondarySigner     *SignatureRecord        `json:"secondarySigner,omitempty"`
	SecondarySignerType SignerType              `json:"secondarySignerType,omitempty"`
	StartedAt           *string                 `json:"startedAt,omitempty"`
	StartedBy           string                  `json:"startedBy,omitempty"`
	CompletedAt         *string                 `json:"completedAt,omitempty"`
	TransferCompletion  *SectionIVCompletion    `json:"transferCompletion,omitempty"`
	MediaDisposition    *MediaDispositionRecord `json:"mediaDisposition,omitempty"`
}

// Anomaly kinds reported alongside a fallback status.
const (
	AnomalySecondaryBeforePrimary = "secondary_before_primary"
	AnomalyMissingSectionIV       = "missing_section_iv_completion"
)

// Result is the outcome of a transfer ledger step. Anomaly is set when the
// ledger was in an unexpected shape and Next is the least-progressing status.
type Result struct {
	Ledger  TransferLedger
	Next    domain.Status
	Anomaly string
}

// SignPrimary records the primary DTA signature at pending_dta.
func SignPrimary(l TransferLedger, sig SignatureRecord) (Result, error) {
	if sig.TransferCompletion == nil && sig.TechnicalValidation == nil {
		return Result{Ledger: l}, FieldErrors{"transferCompletion": "transferCompletion or technicalValidation is required"}
	}
	if l.PrimaryDTA != nil {
		return Result{Ledger: l}, fmt.Errorf("primary dta: %w", ErrAlreadySigned)
	}
	s := sig
	l.PrimaryDTA = &s
	return Result{Ledger: l, Next: domain.StatusPendingSME}, nil
}

func requireLegData(kind SignerType, sig SignatureRecord) error {
	switch kind {
	case SignerDTA:
		if sig.TransferCompletion == nil {
			return FieldErrors{"transferCompletion": "required for dta signature"}
		}
	case SignerSME:
		if sig.TechnicalValidation == nil {
			return FieldErrors{"technicalValidation": "required for sme signature"}
		}
	default:
		return fmt.Errorf("unknown signer type %q", kind)
	}
	return nil
}

func writeSecondary(l TransferLedger, kind SignerType, sig SignatureRecord) (TransferLedger, error) {
	if err := requireLegData(kind, sig); err != nil {
		return l, err
	}
	if l.SecondarySigner != nil {
		return l, fmt.Errorf("secondary signer: %w", ErrAlreadySigned)
	}
	s := sig
	l.SecondarySigner = &s
	l.SecondarySignerType = kind
	return l, nil
}

// SignSecondary records the secondary signature at pending_sme. Without a primary
// signature the request falls back to pending_dta.
func SignSecondary(l TransferLedger, kind SignerType, sig SignatureRecord) (Result, error) {
	next, err := writeSecondary(l, kind, sig)
	if err != nil {
		return Result{Ledger: l}, err
	}
	if next.PrimaryDTA == nil {
		return Result{Ledger: next, Next: domain.StatusPendingDTA, Anomaly: AnomalySecondaryBeforePrimary}, nil
	}
	return Result{Ledger: next, Next: domain.StatusPendingMediaCustodian}, nil
}

// SignSectionIVSecondary records the secondary signature at pending_sme_signature.
// The Section-IV completion stands in for the primary leg.
func SignSectionIVSecondary(l TransferLedger, kind SignerType, sig SignatureRecord) (Result, error) {
	next, err := writeSecondary(l, kind, sig)
	if err != nil {
		return Result{Ledger: l}, err
	}
	if next.TransferCompletion == nil && next.PrimaryDTA == nil {
		return Result{Ledger: next, Next: domain.StatusActiveTransfer, Anomaly: AnomalyMissingSectionIV}, nil
	}
	return Result{Ledger: next, Next: domain.StatusPendingMediaCustodian}, nil
}

// SignFinal is the DTA completion leg at pending_media_custodian.
func SignFinal(l TransferLedger, sig SignatureRecord, now time.Time) (Result, error) {
	if sig.TransferCompletion == nil {
		return Result{Ledger: l}, FieldErrors{"transferCompletion": "required for final dta signature"}
	}
	if l.PrimaryDTA == nil {
		s := sig
		l.PrimaryDTA = &s
	} else {
		primary := *l.PrimaryDTA
		merged := sig.TransferCompletion
		if primary.TransferCompletion != nil {
			m := primary.TransferCompletion.merge(*sig.TransferCompletion)
			merged = &m
		}
		primary.TransferCompletion = merged
		l.PrimaryDTA = &primary
	}
	if l.CompletedAt == nil {
		l.CompletedAt = stamp(now)
	}
	return Result{Ledger: l, Next: domain.StatusCompleted}, nil
}

// Start stamps the start of the Section-IV transfer.
func Start(l TransferLedger, actorID string, now time.Time) Result {
	if l.StartedAt == nil {
		l.StartedAt = stamp(now)
		l.StartedBy = actorID
	}
	return Result{Ledger: l, Next: domain.StatusActiveTransfer}
}

// RecordSectionIV validates and stores the transfer-complete record.
func RecordSectionIV(l TransferLedger, in SectionIVInput, actorID string, now time.Time) (Result, error) {
	fields := FieldErrors{}
	if in.FilesTransferred < 1 {
		fields["filesTransferred"] = "must be at least 1"
	}
	if strings.TrimSpace(in.DTAName) == "" {
		fields["dtaName"] = "required"
	}
	if strings.TrimSpace(in.DTASignature) == "" {
		fields["dtaSignature"] = "required"
	}
	if strings.TrimSpace(in.DTASignDate) == "" {
		fields["dtaSignDate"] = "required"
	}
	if in.TPIMaintained == nil {
		fields["tpiMaintained"] = "required"
	} else if !*in.TPIMaintained {
		fields["tpiMaintained"] = "two-person integrity must be maintained"
	}
	if err := fields.orNil(); err != nil {
		return Result{Ledger: l}, err
	}
	if l.TransferCompletion != nil {
		return Result{Ledger: l}, fmt.Errorf("transfer completion: %w", ErrAlreadySigned)
	}
	l.TransferCompletion = &SectionIVCompletion{
		FilesTransferred:    in.FilesTransferred,
		DTAName:             strings.TrimSpace(in.DTAName),
		DTASignature:        in.DTASignature,
		DTASignDate:         strings.TrimSpace(in.DTASignDate),
		TPIMaintained:       true,
		TransferMethod:      in.TransferMethod,
		VerificationResults: in.VerificationResults,
		Notes:               in.Notes,
		RecordedBy:          actorID,
		RecordedAt:          now.UTC().Format(time.RFC3339Nano),
	}
	return Result{Ledger: l, Next: domain.StatusPendingSMESignature}, nil
}

// RecordDisposition stores the custodian's disposition and resolves the final status.
func RecordDisposition(l TransferLedger, in DispositionInput, actorID string, now time.Time) (Result, error) {
	structured := in.OpticalDestroyed != "" || in.OpticalRetained != "" || in.SSDSanitized != ""
	fields := FieldErrors{}
	if strings.TrimSpace(in.CustodianName) == "" {
		fields["custodianName"] = "required"
	}
	if strings.TrimSpace(in.Date) == "" {
		fields["date"] = "required"
	}
	rec := MediaDispositionRecord{
		CustodianName:      strings.TrimSpace(in.CustodianName),
		CustodianSignature: in.CustodianSignature,
		Date:               strings.TrimSpace(in.Date),
		Notes:              in.Notes,
		RecordedBy:         actorID,
		RecordedAt:         now.UTC().Format(time.RFC3339Nano),
	}
	if structured {
		rec.Form = FormStructured
		answers := map[string]string{
			"opticalDestroyed": in.OpticalDestroyed,
			"opticalRetained":  in.OpticalRetained,
			"ssdSanitized":     in.SSDSanitized,
		}
		parsed := map[string]disposition.Answer{}
		for field, raw := range answers {
			a, err := disposition.ParseAnswer(raw)
			if err != nil {
				fields[field] = "must be one of yes, no, na"
				continue
			}
			parsed[field] = a
		}
		if strings.TrimSpace(in.CustodianSignature) == "" {
			fields["custodianSignature"] = "required"
		}
		if err := fields.orNil(); err != nil {
			return Result{Ledger: l}, err
		}
		rec.OpticalDestroyed = parsed["opticalDestroyed"]
		rec.OpticalRetained = parsed["opticalRetained"]
		rec.SSDSanitized = parsed["ssdSanitized"]
		rec.Outcome = disposition.Resolve(rec.OpticalDestroyed, rec.OpticalRetained, rec.SSDSanitized)
	} else {
		rec.Form = FormLegacy
		switch domain.Status(in.DispositionType) {
		case domain.StatusCompleted, domain.StatusDisposed:
			rec.DispositionType = in.DispositionType
			rec.Outcome = domain.Status(in.DispositionType)
		case "":
			fields["dispositionType"] = "required"
		default:
			fields["dispositionType"] = "must be completed or disposed"
		}
		if err := fields.orNil(); err != nil {
			return Result{Ledger: l}, err
		}
	}
	if l.MediaDisposition != nil {
		return Result{Ledger: l}, fmt.Errorf("media disposition: %w", ErrAlreadySigned)
	}
	l.MediaDisposition = &rec
	return Result{Ledger: l, Next: rec.Outcome}, nil
}
