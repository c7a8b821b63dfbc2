package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"aftflow/internal/audit"
	"aftflow/internal/domain"
	"aftflow/internal/engine/auth"
	"aftflow/internal/ledger"
	"aftflow/internal/metrics"
)

// CreateInput describes a new request.
type CreateInput struct {
	Title          string
	Description    string
	TransferType   domain.TransferType
	Classification string
}

// SignInput is the payload for approve and transfer-sign.
type SignInput struct {
	Signature           string
	Date                string
	Notes               string
	TechnicalValidation *ledger.TechnicalValidation
	TransferCompletion  *ledger.TransferCompletion
}

func (in SignInput) ledgerInput() ledger.SignatureInput {
	return ledger.SignatureInput{
		Date:                in.Date,
		Signature:           in.Signature,
		TechnicalValidation: in.TechnicalValidation,
		TransferCompletion:  in.TransferCompletion,
	}
}

// AssignInput sets informational assignees. Nil leaves a field alone, empty clears it.
type AssignInput struct {
	DTAID            *string
	SMEID            *string
	ApproverID       *string
	MediaCustodianID *string
	Notes            string
}

// change is what a step decided: the next status and the audit text.
type change struct {
	next    domain.Status
	action  string
	notes   string
	anomaly string
}

type stepFunc func(req *domain.Request, rule Rule, now time.Time) (change, error)

func (e Engine) fail(op Operation, requestID int64, actor auth.Actor, err error) error {
	kind := Classify(err)
	metrics.TransitionFailures.WithLabelValues(string(op), string(kind)).Inc()
	level := e.Log().Info
	if kind == KindInternal {
		level = e.Log().Error
	}
	level("transition rejected", "op", op, "request_id", requestID, "actor", actor.ID, "role", actor.EffectiveRole(), "kind", kind, "err", err)
	return err
}

// transition runs one load, authorize, compute and conditional write cycle. The row
// update and its audit entry commit together or not at all.
func (e Engine) transition(ctx context.Context, op Operation, requestID int64, actor auth.Actor, step stepFunc) (domain.Request, error) {
	req, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return domain.Request{}, e.fail(op, requestID, actor, err)
	}
	rule, err := authorize(op, req, actor)
	if err != nil {
		return domain.Request{}, e.fail(op, requestID, actor, err)
	}
	now := e.now()
	updated := req
	ch, err := step(&updated, rule, now)
	if err != nil {
		return domain.Request{}, e.fail(op, requestID, actor, asValidation(err))
	}
	if ch.anomaly != "" {
		e.anomaly(req, ch.anomaly, nil)
		ch.notes = joinNotes(ch.notes, "anomaly: "+ch.anomaly)
	}
	updated.Status = ch.next
	updated.UpdatedAt = now.UTC().Format(time.RFC3339Nano)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, e.fail(op, requestID, actor, err)
	}
	defer tx.Rollback()
	saved, err := e.Repo.SaveRequestTx(ctx, tx, updated, req.Version)
	if err != nil {
		return domain.Request{}, e.fail(op, requestID, actor, err)
	}
	if _, err := e.auditWriter().Append(ctx, tx, audit.Entry{
		RequestID: req.ID,
		ActorID:   actor.ID,
		ActorRole: string(actor.EffectiveRole()),
		Action:    ch.action,
		OldStatus: req.Status,
		NewStatus: ch.next,
		Notes:     ch.notes,
	}); err != nil {
		return domain.Request{}, e.fail(op, requestID, actor, fmt.Errorf("append audit: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, e.fail(op, requestID, actor, err)
	}
	metrics.Transitions.WithLabelValues(string(op), string(req.Status), string(ch.next)).Inc()
	e.Log().Info("request transition", "op", op, "request_id", req.ID, "request_number", req.RequestNumber,
		"from", req.Status, "to", ch.next, "actor", actor.ID, "role", actor.EffectiveRole())
	return saved, nil
}

func (e Engine) newRequestNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("%s-%s-%s", e.numberPrefix(), now.UTC().Format("20060102"), suffix)
}

// CreateRequest stores a new draft owned by actor.
func (e Engine) CreateRequest(ctx context.Context, actor auth.Actor, in CreateInput) (domain.Request, error) {
	const op = Operation("create")
	role := actor.EffectiveRole()
	if role != domain.RoleRequestor && !actor.IsAdmin() {
		return domain.Request{}, e.fail(op, 0, actor, auth.ForbiddenError{Operation: string(op), Role: role})
	}
	fields := map[string]string{}
	if strings.TrimSpace(in.Title) == "" {
		fields["title"] = "required"
	}
	if strings.TrimSpace(in.Classification) == "" {
		fields["classification"] = "required"
	}
	if !domain.ValidTransferType(string(in.TransferType)) {
		fields["transferType"] = "must be one of low-to-low, low-to-high, high-to-low, high-to-high"
	}
	if len(fields) > 0 {
		return domain.Request{}, e.fail(op, 0, actor, &ValidationError{Fields: fields})
	}
	now := e.now()
	approval, err := ledger.Encode(ledger.NewApprovalLedger(in.TransferType))
	if err != nil {
		return domain.Request{}, err
	}
	ts := now.UTC().Format(time.RFC3339Nano)
	req := domain.Request{
		RequestNumber:  e.newRequestNumber(now),
		RequestorID:    actor.ID,
		Title:          strings.TrimSpace(in.Title),
		Description:    strings.TrimSpace(in.Description),
		TransferType:   in.TransferType,
		Classification: strings.TrimSpace(in.Classification),
		Status:         domain.StatusDraft,
		ApprovalJSON:   approval,
		Version:        1,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()
	id, err := e.Repo.InsertRequestTx(ctx, tx, req)
	if err != nil {
		return domain.Request{}, e.fail(op, 0, actor, fmt.Errorf("insert request: %w", err))
	}
	req.ID = id
	if _, err := e.auditWriter().Append(ctx, tx, audit.Entry{
		RequestID: id,
		ActorID:   actor.ID,
		ActorRole: string(role),
		Action:    "request.created",
		NewStatus: domain.StatusDraft,
		Notes:     string(in.TransferType),
	}); err != nil {
		return domain.Request{}, e.fail(op, id, actor, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, e.fail(op, id, actor, err)
	}
	metrics.Transitions.WithLabelValues(string(op), "", string(domain.StatusDraft)).Inc()
	e.Log().Info("request created", "request_id", id, "request_number", req.RequestNumber, "transfer_type", in.TransferType, "actor", actor.ID)
	return req, nil
}

func (e Engine) Submit(ctx context.Context, requestID int64, actor auth.Actor, notes string) (domain.Request, error) {
	return e.transition(ctx, OpSubmit, requestID, actor, func(req *domain.Request, rule Rule, now time.Time) (change, error) {
		return change{next: domain.StatusSubmitted, action: "request.submitted", notes: strings.TrimSpace(notes)}, nil
	})
}

func signerFor(actor auth.Actor, role domain.Role) ledger.Signer {
	return ledger.Signer{UserID: actor.ID, Name: actor.DisplayName, Email: actor.Email, Role: role}
}

// sign builds the signature for legRole. Under an admin override the record is
// attributed to admin and marks the role it stands in for.
func sign(actor auth.Actor, legRole domain.Role, override bool, in SignInput, now time.Time) (ledger.SignatureRecord, error) {
	role := legRole
	if override {
		role = domain.RoleAdmin
	}
	sig, err := ledger.NewSignature(signerFor(actor, role), in.ledgerInput(), now)
	if err != nil {
		return sig, err
	}
	if override {
		sig.OnBehalfOf = legRole
	}
	return sig, nil
}

func signNote(legRole domain.Role, override bool) string {
	if override {
		return fmt.Sprintf("admin signed on behalf of %s", legRole)
	}
	return fmt.Sprintf("%s signed", legRole)
}

// Approve records an approval signature and advances to the next missing approver.
func (e Engine) Approve(ctx context.Context, requestID int64, actor auth.Actor, in SignInput) (domain.Request, error) {
	return e.transition(ctx, OpApprove, requestID, actor, func(req *domain.Request, rule Rule, now time.Time) (change, error) {
		approval, _ := e.Ledgers(*req)
		override := !rule.permits(*req, actor)
		role := actor.EffectiveRole()
		if override {
			missing := approval.MissingRoles()
			if len(missing) == 0 {
				return change{}, fmt.Errorf("approval: %w", ErrAlreadySigned)
			}
			role = missing[0]
		}
		sig, err := sign(actor, role, override, in, now)
		if err != nil {
			return change{}, err
		}
		approval, next, err := ledger.ApplyApproval(approval, role, sig, now)
		if err != nil {
			return change{}, err
		}
		if req.ApprovalJSON, err = ledger.Encode(approval); err != nil {
			return change{}, err
		}
		return change{next: next, action: "approval.signed", notes: joinNotes(signNote(role, override), in.Notes)}, nil
	})
}

// secondaryKind picks the secondary leg. Regular signers sign as their role; an
// admin's leg follows the payload it supplied.
func secondaryKind(actor auth.Actor, override bool, in SignInput) (ledger.SignerType, domain.Role, error) {
	if !override {
		if actor.EffectiveRole() == domain.RoleSME {
			return ledger.SignerSME, domain.RoleSME, nil
		}
		return ledger.SignerDTA, domain.RoleDTA, nil
	}
	switch {
	case in.TechnicalValidation != nil:
		return ledger.SignerSME, domain.RoleSME, nil
	case in.TransferCompletion != nil:
		return ledger.SignerDTA, domain.RoleDTA, nil
	}
	return "", "", invalid("technicalValidation", "technicalValidation or transferCompletion is required")
}

// TransferSign applies the transfer-phase signature the current status calls for.
func (e Engine) TransferSign(ctx context.Context, requestID int64, actor auth.Actor, in SignInput) (domain.Request, error) {
	return e.transition(ctx, OpTransferSign, requestID, actor, func(req *domain.Request, rule Rule, now time.Time) (change, error) {
		_, transfer := e.Ledgers(*req)
		override := !rule.permits(*req, actor)
		var (
			res     ledger.Result
			legRole = domain.RoleDTA
			action  string
			err     error
		)
		switch rule.Step {
		case StepPrimaryDTA:
			sig, serr := sign(actor, legRole, override, in, now)
			if serr != nil {
				return change{}, serr
			}
			res, err = ledger.SignPrimary(transfer, sig)
			action = "transfer.primary_signed"
		case StepSecondary, StepSectionIVSecondary:
			var kind ledger.SignerType
			kind, legRole, err = secondaryKind(actor, override, in)
			if err != nil {
				return change{}, err
			}
			sig, serr := sign(actor, legRole, override, in, now)
			if serr != nil {
				return change{}, serr
			}
			if rule.Step == StepSecondary {
				res, err = ledger.SignSecondary(transfer, kind, sig)
			} else {
				res, err = ledger.SignSectionIVSecondary(transfer, kind, sig)
			}
			action = "transfer.secondary_signed"
		case StepFinalDTA:
			sig, serr := sign(actor, legRole, override, in, now)
			if serr != nil {
				return change{}, serr
			}
			res, err = ledger.SignFinal(transfer, sig, now)
			action = "transfer.final_signed"
		default:
			return change{}, auth.ForbiddenError{Operation: string(OpTransferSign), Status: req.Status, Role: actor.EffectiveRole()}
		}
		if err != nil {
			return change{}, err
		}
		if req.TransferJSON, err = ledger.Encode(res.Ledger); err != nil {
			return change{}, err
		}
		return change{next: res.Next, action: action, notes: joinNotes(signNote(legRole, override), in.Notes), anomaly: res.Anomaly}, nil
	})
}

// StartTransfer enters the Section-IV path from pending_dta.
func (e Engine) StartTransfer(ctx context.Context, requestID int64, actor auth.Actor, notes string) (domain.Request, error) {
	return e.transition(ctx, OpStartTransfer, requestID, actor, func(req *domain.Request, rule Rule, now time.Time) (change, error) {
		_, transfer := e.Ledgers(*req)
		res := ledger.Start(transfer, actor.ID, now)
		var err error
		if req.TransferJSON, err = ledger.Encode(res.Ledger); err != nil {
			return change{}, err
		}
		return change{next: res.Next, action: "transfer.started", notes: strings.TrimSpace(notes)}, nil
	})
}

// TransferComplete records the single-DTA Section-IV completion.
func (e Engine) TransferComplete(ctx context.Context, requestID int64, actor auth.Actor, in ledger.SectionIVInput) (domain.Request, error) {
	return e.transition(ctx, OpTransferComplete, requestID, actor, func(req *domain.Request, rule Rule, now time.Time) (change, error) {
		_, transfer := e.Ledgers(*req)
		res, err := ledger.RecordSectionIV(transfer, in, actor.ID, now)
		if err != nil {
			return change{}, err
		}
		if req.TransferJSON, err = ledger.Encode(res.Ledger); err != nil {
			return change{}, err
		}
		note := fmt.Sprintf("%d files transferred, TPI maintained", in.FilesTransferred)
		return change{next: res.Next, action: "transfer.completed", notes: joinNotes(note, in.Notes)}, nil
	})
}

// MediaDisposition records the custodian's disposition and closes the request.
func (e Engine) MediaDisposition(ctx context.Context, requestID int64, actor auth.Actor, in ledger.DispositionInput) (domain.Request, error) {
	return e.transition(ctx, OpDisposition, requestID, actor, func(req *domain.Request, rule Rule, now time.Time) (change, error) {
		_, transfer := e.Ledgers(*req)
		res, err := ledger.RecordDisposition(transfer, in, actor.ID, now)
		if err != nil {
			return change{}, err
		}
		if req.TransferJSON, err = ledger.Encode(res.Ledger); err != nil {
			return change{}, err
		}
		md := res.Ledger.MediaDisposition
		note := fmt.Sprintf("%s disposition: %s", md.Form, md.Outcome)
		return change{next: res.Next, action: "media.disposition_recorded", notes: joinNotes(note, in.Notes)}, nil
	})
}

// Reject ends the request during approval or before transfer. A reason is required.
func (e Engine) Reject(ctx context.Context, requestID int64, actor auth.Actor, reason string) (domain.Request, error) {
	return e.transition(ctx, OpReject, requestID, actor, func(req *domain.Request, rule Rule, now time.Time) (change, error) {
		if strings.TrimSpace(reason) == "" {
			return change{}, invalid("reason", "required")
		}
		return change{next: domain.StatusRejected, action: "request.rejected", notes: strings.TrimSpace(reason)}, nil
	})
}

// Cancel withdraws a request that has not entered the transfer phase.
func (e Engine) Cancel(ctx context.Context, requestID int64, actor auth.Actor, reason string) (domain.Request, error) {
	return e.transition(ctx, OpCancel, requestID, actor, func(req *domain.Request, rule Rule, now time.Time) (change, error) {
		return change{next: domain.StatusCancelled, action: "request.cancelled", notes: strings.TrimSpace(reason)}, nil
	})
}

// Assign updates informational assignees without changing status.
func (e Engine) Assign(ctx context.Context, requestID int64, actor auth.Actor, in AssignInput) (domain.Request, error) {
	return e.transition(ctx, OpAssign, requestID, actor, func(req *domain.Request, rule Rule, now time.Time) (change, error) {
		targets := []struct {
			field string
			val   *string
			dst   **string
		}{
			{"dtaId", in.DTAID, &req.DTAID},
			{"smeId", in.SMEID, &req.SMEID},
			{"approverId", in.ApproverID, &req.ApproverID},
			{"mediaCustodianId", in.MediaCustodianID, &req.MediaCustodianID},
		}
		var parts []string
		for _, t := range targets {
			if t.val == nil {
				continue
			}
			id := optionalString(*t.val)
			if id != nil {
				if err := e.actorExists(ctx, t.field, *id); err != nil {
					return change{}, err
				}
				parts = append(parts, t.field+"="+*id)
			} else {
				parts = append(parts, t.field+" cleared")
			}
			*t.dst = id
		}
		if len(parts) == 0 {
			return change{}, invalid("assignees", "at least one assignee is required")
		}
		return change{next: req.Status, action: "request.assigned", notes: joinNotes(strings.Join(parts, ", "), in.Notes)}, nil
	})
}

// AllowedActions loads a request and lists the operations actor may perform on it.
func (e Engine) AllowedActions(ctx context.Context, requestID int64, actor auth.Actor) (domain.Request, []Operation, error) {
	req, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return domain.Request{}, nil, err
	}
	return req, AllowedOperations(req, actor), nil
}

func joinNotes(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "; ")
}
