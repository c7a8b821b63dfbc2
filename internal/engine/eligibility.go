package engine

import (
	"slices"

	"aftflow/internal/domain"
	"aftflow/internal/engine/auth"
)

// Operation is a workflow action an actor can request.
type Operation string

const (
	OpSubmit           Operation = "submit"
	OpApprove          Operation = "approve"
	OpReject           Operation = "reject"
	OpCancel           Operation = "cancel"
	OpStartTransfer    Operation = "start_transfer"
	OpTransferSign     Operation = "transfer_sign"
	OpTransferComplete Operation = "transfer_complete"
	OpDisposition      Operation = "disposition"
	OpAssign           Operation = "assign"
)

// Operations lists every request-level operation in workflow order.
var Operations = []Operation{OpSubmit, OpApprove, OpReject, OpCancel, OpStartTransfer, OpTransferSign, OpTransferComplete, OpDisposition, OpAssign}

// Step names the ledger write a matched rule performs.
type Step string

const (
	StepSubmit             Step = "submit"
	StepApproval           Step = "approval"
	StepReject             Step = "reject"
	StepCancel             Step = "cancel"
	StepStartTransfer      Step = "start_transfer"
	StepPrimaryDTA         Step = "primary_dta"
	StepSecondary          Step = "secondary"
	StepFinalDTA           Step = "final_dta"
	StepSectionIV          Step = "section_iv"
	StepSectionIVSecondary Step = "section_iv_secondary"
	StepDisposition        Step = "disposition"
	StepAssign             Step = "assign"
)

// Rule grants roles an operation at one status. A rule with no roles is admin-only.
type Rule struct {
	Op     Operation
	Status domain.Status
	Roles  []domain.Role
	Step   Step
	// Owner restricts the rule to the request's requestor.
	Owner bool
	Guard func(domain.Request) bool
}

func notHighToLow(req domain.Request) bool {
	return req.TransferType != domain.TransferHighToLow
}

var (
	preTransfer = []domain.Status{
		domain.StatusDraft, domain.StatusSubmitted, domain.StatusPendingDAO, domain.StatusPendingApprover,
		domain.StatusPendingCPSO, domain.StatusPendingDTA,
	}
	nonTerminal = []domain.Status{
		domain.StatusDraft, domain.StatusSubmitted, domain.StatusPendingDAO, domain.StatusPendingApprover,
		domain.StatusPendingCPSO, domain.StatusPendingDTA, domain.StatusActiveTransfer, domain.StatusPendingSMESignature,
		domain.StatusPendingSME, domain.StatusPendingMediaCustodian,
	}
)

// Eligibility is the complete (operation, status, role) table. Admins may perform
// any operation at any status that has at least one rule for it.
var Eligibility = buildEligibility()

func buildEligibility() []Rule {
	rules := []Rule{
		{Op: OpSubmit, Status: domain.StatusDraft, Roles: []domain.Role{domain.RoleRequestor}, Step: StepSubmit, Owner: true},

		{Op: OpApprove, Status: domain.StatusSubmitted, Roles: []domain.Role{domain.RoleDAO}, Step: StepApproval},
		{Op: OpApprove, Status: domain.StatusSubmitted, Roles: []domain.Role{domain.RoleApprover}, Step: StepApproval, Guard: notHighToLow},
		{Op: OpApprove, Status: domain.StatusPendingDAO, Roles: []domain.Role{domain.RoleDAO}, Step: StepApproval},
		{Op: OpApprove, Status: domain.StatusPendingApprover, Roles: []domain.Role{domain.RoleApprover}, Step: StepApproval},
		{Op: OpApprove, Status: domain.StatusPendingCPSO, Roles: []domain.Role{domain.RoleCPSO}, Step: StepApproval},

		{Op: OpReject, Status: domain.StatusSubmitted, Roles: []domain.Role{domain.RoleDAO}, Step: StepReject},
		{Op: OpReject, Status: domain.StatusSubmitted, Roles: []domain.Role{domain.RoleApprover}, Step: StepReject, Guard: notHighToLow},
		{Op: OpReject, Status: domain.StatusPendingDAO, Roles: []domain.Role{domain.RoleDAO}, Step: StepReject},
		{Op: OpReject, Status: domain.StatusPendingApprover, Roles: []domain.Role{domain.RoleApprover}, Step: StepReject},
		{Op: OpReject, Status: domain.StatusPendingCPSO, Roles: []domain.Role{domain.RoleCPSO}, Step: StepReject},
		{Op: OpReject, Status: domain.StatusPendingDTA, Roles: []domain.Role{domain.RoleDTA}, Step: StepReject},

		{Op: OpStartTransfer, Status: domain.StatusPendingDTA, Roles: []domain.Role{domain.RoleDTA}, Step: StepStartTransfer},

		{Op: OpTransferSign, Status: domain.StatusPendingDTA, Roles: []domain.Role{domain.RoleDTA}, Step: StepPrimaryDTA},
		{Op: OpTransferSign, Status: domain.StatusPendingSME, Roles: []domain.Role{domain.RoleDTA, domain.RoleSME}, Step: StepSecondary},
		{Op: OpTransferSign, Status: domain.StatusPendingMediaCustodian, Roles: []domain.Role{domain.RoleDTA}, Step: StepFinalDTA},
		{Op: OpTransferSign, Status: domain.StatusPendingSMESignature, Roles: []domain.Role{domain.RoleDTA, domain.RoleSME}, Step: StepSectionIVSecondary},

		{Op: OpTransferComplete, Status: domain.StatusActiveTransfer, Roles: []domain.Role{domain.RoleDTA}, Step: StepSectionIV},

		{Op: OpDisposition, Status: domain.StatusPendingMediaCustodian, Roles: []domain.Role{domain.RoleMediaCustodian}, Step: StepDisposition},
	}
	for _, st := range preTransfer {
		rules = append(rules, Rule{Op: OpCancel, Status: st, Roles: []domain.Role{domain.RoleRequestor}, Step: StepCancel, Owner: true})
	}
	for _, st := range nonTerminal {
		rules = append(rules, Rule{Op: OpAssign, Status: st, Step: StepAssign})
	}
	return rules
}

func (r Rule) permits(req domain.Request, actor auth.Actor) bool {
	if !slices.Contains(r.Roles, actor.EffectiveRole()) {
		return false
	}
	if r.Owner && req.RequestorID != actor.ID {
		return false
	}
	return r.Guard == nil || r.Guard(req)
}

// Match finds the rule letting actor perform op on req in its current status.
// Admins match the first rule for (op, status) regardless of role, owner or guard.
func Match(op Operation, req domain.Request, actor auth.Actor) (Rule, bool) {
	var first *Rule
	for i := range Eligibility {
		r := Eligibility[i]
		if r.Op != op || r.Status != req.Status {
			continue
		}
		if first == nil {
			first = &Eligibility[i]
		}
		if r.permits(req, actor) {
			return r, true
		}
	}
	if first != nil && actor.IsAdmin() {
		return *first, true
	}
	return Rule{}, false
}

func authorize(op Operation, req domain.Request, actor auth.Actor) (Rule, error) {
	r, ok := Match(op, req, actor)
	if !ok {
		return Rule{}, auth.ForbiddenError{Operation: string(op), Status: req.Status, Role: actor.EffectiveRole()}
	}
	return r, nil
}

// AllowedOperations lists what actor may do with req right now.
func AllowedOperations(req domain.Request, actor auth.Actor) []Operation {
	var ops []Operation
	for _, op := range Operations {
		if _, ok := Match(op, req, actor); ok {
			ops = append(ops, op)
		}
	}
	return ops
}
