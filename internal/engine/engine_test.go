package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"aftflow/internal/audit"
	"aftflow/internal/config"
	"aftflow/internal/db"
	"aftflow/internal/domain"
	"aftflow/internal/engine"
	"aftflow/internal/engine/auth"
	"aftflow/internal/ledger"
	"aftflow/internal/migrate"
	"aftflow/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

var testActors = []domain.Actor{
	{ID: "req1", DisplayName: "Rita Requestor", PrimaryRole: domain.RoleRequestor},
	{ID: "req2", DisplayName: "Other Requestor", PrimaryRole: domain.RoleRequestor},
	{ID: "dao1", DisplayName: "Dana DAO", PrimaryRole: domain.RoleDAO},
	{ID: "appr1", DisplayName: "Avery Approver", PrimaryRole: domain.RoleApprover},
	{ID: "appr2", DisplayName: "Second Approver", PrimaryRole: domain.RoleApprover},
	{ID: "cpso1", DisplayName: "Casey CPSO", PrimaryRole: domain.RoleCPSO},
	{ID: "dta1", DisplayName: "Drew DTA", PrimaryRole: domain.RoleDTA},
	{ID: "dta2", DisplayName: "Second DTA", PrimaryRole: domain.RoleDTA},
	{ID: "sme1", DisplayName: "Sam SME", PrimaryRole: domain.RoleSME},
	{ID: "mc1", DisplayName: "Morgan Custodian", PrimaryRole: domain.RoleMediaCustodian},
	{ID: "admin1", DisplayName: "Ada Admin", PrimaryRole: domain.RoleAdmin},
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	var tick atomic.Int64
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return base.Add(time.Duration(tick.Add(1)) * time.Second) }
	ctx := context.Background()
	for _, a := range testActors {
		a.CreatedAt = base.Format(time.RFC3339)
		if err := eng.Repo.InsertActor(ctx, nil, a); err != nil {
			t.Fatalf("insert actor %s: %v", a.ID, err)
		}
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func actor(id string, role domain.Role) auth.Actor {
	return auth.Actor{ID: id, Role: role, PrimaryRole: role, DisplayName: id}
}

var (
	requestor = actor("req1", domain.RoleRequestor)
	dao       = actor("dao1", domain.RoleDAO)
	approver  = actor("appr1", domain.RoleApprover)
	cpso      = actor("cpso1", domain.RoleCPSO)
	dta       = actor("dta1", domain.RoleDTA)
	sme       = actor("sme1", domain.RoleSME)
	custodian = actor("mc1", domain.RoleMediaCustodian)
	admin     = actor("admin1", domain.RoleAdmin)
)

func signed(by string) engine.SignInput {
	return engine.SignInput{Signature: "sig:" + by}
}

func withCompletion(by string) engine.SignInput {
	in := signed(by)
	in.TransferCompletion = &ledger.TransferCompletion{TransferMethod: "data diode", FilesTransferred: 4}
	return in
}

func withValidation(by string) engine.SignInput {
	in := signed(by)
	in.TechnicalValidation = &ledger.TechnicalValidation{AntivirusScan: "clean", IntegrityCheck: "sha256 match"}
	return in
}

func (env testEnv) create(t *testing.T, tt domain.TransferType) domain.Request {
	t.Helper()
	req, err := env.Engine.CreateRequest(env.Ctx, requestor, engine.CreateInput{
		Title: "Quarterly logs", TransferType: tt, Classification: "SECRET",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	req, err = env.Engine.Submit(env.Ctx, req.ID, requestor, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return req
}

func (env testEnv) mustStatus(t *testing.T, req domain.Request, err error, want domain.Status) domain.Request {
	t.Helper()
	if err != nil {
		t.Fatalf("expected %s, got error %v", want, err)
	}
	if req.Status != want {
		t.Fatalf("status = %s, want %s", req.Status, want)
	}
	return req
}

func (env testEnv) toPendingDTA(t *testing.T, tt domain.TransferType) domain.Request {
	t.Helper()
	req := env.create(t, tt)
	var err error
	if tt == domain.TransferHighToLow {
		req, err = env.Engine.Approve(env.Ctx, req.ID, dao, signed("dao1"))
		req = env.mustStatus(t, req, err, domain.StatusPendingApprover)
	}
	req, err = env.Engine.Approve(env.Ctx, req.ID, approver, signed("appr1"))
	req = env.mustStatus(t, req, err, domain.StatusPendingCPSO)
	req, err = env.Engine.Approve(env.Ctx, req.ID, cpso, signed("cpso1"))
	return env.mustStatus(t, req, err, domain.StatusPendingDTA)
}

func (env testEnv) reload(t *testing.T, id int64) domain.Request {
	t.Helper()
	req, err := env.Engine.Repo.GetRequest(env.Ctx, id)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	return req
}

func (env testEnv) auditLog(t *testing.T, id int64) []domain.AuditEntry {
	t.Helper()
	entries, err := env.Engine.Repo.ListAudit(env.Ctx, id, 0, 0)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	return entries
}

func (env testEnv) exec(t *testing.T, query string, args ...any) {
	t.Helper()
	if _, err := env.Engine.DB.ExecContext(env.Ctx, query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

func TestCreateRequest(t *testing.T) {
	env := newTestEnv(t)
	req, err := env.Engine.CreateRequest(env.Ctx, requestor, engine.CreateInput{
		Title: "Logs", TransferType: domain.TransferHighToLow, Classification: "SECRET",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if req.Status != domain.StatusDraft || req.Version != 1 {
		t.Fatalf("unexpected request: %+v", req)
	}
	if !regexp.MustCompile(`^AFT-20260302-[0-9A-F]{8}$`).MatchString(req.RequestNumber) {
		t.Fatalf("request number %q", req.RequestNumber)
	}
	approval, _ := env.Engine.Ledgers(env.reload(t, req.ID))
	if !approval.RequiresDAOApproval || approval.TransferType != domain.TransferHighToLow {
		t.Fatalf("approval ledger not seeded: %+v", approval)
	}
	entries := env.auditLog(t, req.ID)
	if len(entries) != 1 || entries[0].Action != "request.created" || entries[0].NewStatus != "draft" {
		t.Fatalf("unexpected audit: %+v", entries)
	}

	_, err = env.Engine.CreateRequest(env.Ctx, requestor, engine.CreateInput{TransferType: "sideways"})
	var verr *engine.ValidationError
	if !errors.As(err, &verr) || verr.Fields["title"] == "" || verr.Fields["transferType"] == "" || verr.Fields["classification"] == "" {
		t.Fatalf("expected validation error, got %v", err)
	}
	_, err = env.Engine.CreateRequest(env.Ctx, cpso, engine.CreateInput{Title: "x", TransferType: domain.TransferLowToLow, Classification: "U"})
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestNonHighToLowNeverVisitsPendingDAO(t *testing.T) {
	for _, tt := range []domain.TransferType{domain.TransferLowToLow, domain.TransferLowToHigh, domain.TransferHighToHigh} {
		env := newTestEnv(t)
		req := env.toPendingDTA(t, tt)
		approval, _ := env.Engine.Ledgers(req)
		if approval.RequiresDAOApproval || approval.Signatures.DAO != nil {
			t.Fatalf("%s: dao required or signed: %+v", tt, approval)
		}
		for _, e := range env.auditLog(t, req.ID) {
			if e.NewStatus == string(domain.StatusPendingDAO) {
				t.Fatalf("%s: reached pending_dao", tt)
			}
		}
	}
}

func TestHighToLowRequiresAllThreeSignatures(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t, domain.TransferHighToLow)

	_, err := env.Engine.Approve(env.Ctx, req.ID, approver, signed("appr1"))
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) || forbidden.Status != domain.StatusSubmitted || forbidden.Role != domain.RoleApprover {
		t.Fatalf("approver at submitted on high-to-low: %v", err)
	}

	req, err = env.Engine.Approve(env.Ctx, req.ID, dao, signed("dao1"))
	req = env.mustStatus(t, req, err, domain.StatusPendingApprover)
	approval, _ := env.Engine.Ledgers(req)
	if approval.CompletedAt != nil {
		t.Fatalf("completedAt stamped early")
	}
	req, err = env.Engine.Approve(env.Ctx, req.ID, approver, signed("appr1"))
	req = env.mustStatus(t, req, err, domain.StatusPendingCPSO)
	req, err = env.Engine.Approve(env.Ctx, req.ID, cpso, signed("cpso1"))
	req = env.mustStatus(t, req, err, domain.StatusPendingDTA)

	approval, _ = env.Engine.Ledgers(req)
	for _, role := range []domain.Role{domain.RoleDAO, domain.RoleApprover, domain.RoleCPSO} {
		if approval.Signature(role) == nil {
			t.Fatalf("missing %s signature", role)
		}
	}
	if approval.CompletedAt == nil {
		t.Fatalf("completedAt not stamped")
	}
	if approval.Signatures.CPSO.Name != "cpso1" || approval.Signatures.CPSO.Role != domain.RoleCPSO {
		t.Fatalf("unexpected signature: %+v", approval.Signatures.CPSO)
	}
}

func TestForbiddenLeavesStateUntouched(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t, domain.TransferLowToLow)
	before := len(env.auditLog(t, req.ID))

	_, err := env.Engine.Approve(env.Ctx, req.ID, cpso, signed("cpso1"))
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if !strings.Contains(err.Error(), "submitted") || !strings.Contains(err.Error(), "cpso") {
		t.Fatalf("message should name status and role: %q", err.Error())
	}
	after := env.reload(t, req.ID)
	if after.Version != req.Version || after.Status != req.Status {
		t.Fatalf("state mutated: %+v", after)
	}
	if len(env.auditLog(t, req.ID)) != before {
		t.Fatalf("audit appended on forbidden call")
	}
	if _, err := env.Engine.Approve(env.Ctx, 9999, cpso, signed("cpso1")); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestApprovalSlotIsImmutable(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t, domain.TransferHighToLow)
	req, err := env.Engine.Approve(env.Ctx, req.ID, dao, signed("dao1"))
	env.mustStatus(t, req, err, domain.StatusPendingApprover)

	// force the row back so the dao is eligible again
	env.exec(t, `UPDATE requests SET status='pending_dao' WHERE id=?`, req.ID)
	_, err = env.Engine.Approve(env.Ctx, req.ID, dao, signed("dao-again"))
	if !errors.Is(err, engine.ErrAlreadySigned) {
		t.Fatalf("expected ErrAlreadySigned, got %v", err)
	}
	approval, _ := env.Engine.Ledgers(env.reload(t, req.ID))
	if approval.Signatures.DAO.Signature != "sig:dao1" {
		t.Fatalf("dao signature overwritten: %+v", approval.Signatures.DAO)
	}
}

func TestTransferSignDualPath(t *testing.T) {
	env := newTestEnv(t)
	req := env.toPendingDTA(t, domain.TransferLowToHigh)

	_, err := env.Engine.TransferSign(env.Ctx, req.ID, dta, signed("dta1"))
	var verr *engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error without leg data, got %v", err)
	}
	if env.reload(t, req.ID).Status != domain.StatusPendingDTA {
		t.Fatalf("status changed on validation failure")
	}

	req, err = env.Engine.TransferSign(env.Ctx, req.ID, dta, withValidation("dta1"))
	req = env.mustStatus(t, req, err, domain.StatusPendingSME)

	_, err = env.Engine.TransferSign(env.Ctx, req.ID, sme, signed("sme1"))
	if !errors.As(err, &verr) || verr.Fields["technicalValidation"] == "" {
		t.Fatalf("sme without technical validation: %v", err)
	}
	req, err = env.Engine.TransferSign(env.Ctx, req.ID, sme, withValidation("sme1"))
	req = env.mustStatus(t, req, err, domain.StatusPendingMediaCustodian)

	_, err = env.Engine.TransferSign(env.Ctx, req.ID, sme, withValidation("sme1"))
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("sme at pending_media_custodian: %v", err)
	}

	req, err = env.Engine.TransferSign(env.Ctx, req.ID, dta, withCompletion("dta1"))
	req = env.mustStatus(t, req, err, domain.StatusCompleted)
	_, transfer := env.Engine.Ledgers(req)
	if transfer.PrimaryDTA == nil || transfer.PrimaryDTA.TechnicalValidation == nil || transfer.PrimaryDTA.TransferCompletion == nil {
		t.Fatalf("final leg not merged into primary: %+v", transfer.PrimaryDTA)
	}
	if transfer.SecondarySignerType != ledger.SignerSME || transfer.CompletedAt == nil {
		t.Fatalf("unexpected transfer ledger: %+v", transfer)
	}
}

func TestTransferSignDTASecondary(t *testing.T) {
	env := newTestEnv(t)
	req := env.toPendingDTA(t, domain.TransferLowToLow)
	req, err := env.Engine.TransferSign(env.Ctx, req.ID, dta, withCompletion("dta1"))
	req = env.mustStatus(t, req, err, domain.StatusPendingSME)
	second := actor("dta2", domain.RoleDTA)
	req, err = env.Engine.TransferSign(env.Ctx, req.ID, second, withCompletion("dta2"))
	req = env.mustStatus(t, req, err, domain.StatusPendingMediaCustodian)
	_, transfer := env.Engine.Ledgers(req)
	if transfer.SecondarySignerType != ledger.SignerDTA || transfer.SecondarySigner.UserID != "dta2" {
		t.Fatalf("unexpected secondary: %+v", transfer)
	}
}

func TestSecondaryWithoutPrimaryFallsBack(t *testing.T) {
	env := newTestEnv(t)
	req := env.toPendingDTA(t, domain.TransferLowToLow)
	env.exec(t, `UPDATE requests SET status='pending_sme' WHERE id=?`, req.ID)

	req, err := env.Engine.TransferSign(env.Ctx, req.ID, sme, withValidation("sme1"))
	req = env.mustStatus(t, req, err, domain.StatusPendingDTA)
	entries := env.auditLog(t, req.ID)
	last := entries[len(entries)-1]
	if !strings.Contains(last.Notes, "anomaly: "+ledger.AnomalySecondaryBeforePrimary) {
		t.Fatalf("anomaly not recorded in audit: %+v", last)
	}
}

func TestSectionIVPath(t *testing.T) {
	env := newTestEnv(t)
	req := env.toPendingDTA(t, domain.TransferHighToLow)

	_, err := env.Engine.TransferComplete(env.Ctx, req.ID, dta, ledger.SectionIVInput{FilesTransferred: 1})
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("transfer-complete outside active_transfer: %v", err)
	}

	req, err = env.Engine.StartTransfer(env.Ctx, req.ID, dta, "")
	req = env.mustStatus(t, req, err, domain.StatusActiveTransfer)

	no, yes := false, true
	in := ledger.SectionIVInput{FilesTransferred: 12, DTAName: "Drew", DTASignature: "sig:dta1", DTASignDate: "2026-03-02", TPIMaintained: &no}
	_, err = env.Engine.TransferComplete(env.Ctx, req.ID, dta, in)
	var verr *engine.ValidationError
	if !errors.As(err, &verr) || verr.Fields["tpiMaintained"] == "" {
		t.Fatalf("expected tpi rejection, got %v", err)
	}
	if env.reload(t, req.ID).Status != domain.StatusActiveTransfer {
		t.Fatalf("status moved after tpi rejection")
	}

	in.TPIMaintained = &yes
	req, err = env.Engine.TransferComplete(env.Ctx, req.ID, dta, in)
	req = env.mustStatus(t, req, err, domain.StatusPendingSMESignature)

	req, err = env.Engine.TransferSign(env.Ctx, req.ID, sme, withValidation("sme1"))
	req = env.mustStatus(t, req, err, domain.StatusPendingMediaCustodian)

	req, err = env.Engine.MediaDisposition(env.Ctx, req.ID, custodian, ledger.DispositionInput{
		OpticalDestroyed: "yes", OpticalRetained: "no", SSDSanitized: "na",
		CustodianName: "Morgan", CustodianSignature: "sig:mc1", Date: "2026-03-03",
	})
	req = env.mustStatus(t, req, err, domain.StatusDisposed)
	_, transfer := env.Engine.Ledgers(req)
	if transfer.TransferCompletion == nil || transfer.TransferCompletion.FilesTransferred != 12 || transfer.StartedBy != "dta1" {
		t.Fatalf("section iv record missing: %+v", transfer)
	}
}

func TestMediaDispositionOutcomes(t *testing.T) {
	cases := []struct {
		name string
		in   ledger.DispositionInput
		want domain.Status
	}{
		{"retained", ledger.DispositionInput{OpticalDestroyed: "yes", OpticalRetained: "yes", SSDSanitized: "yes", CustodianName: "M", CustodianSignature: "s", Date: "d"}, domain.StatusCompleted},
		{"ssd only", ledger.DispositionInput{OpticalDestroyed: "na", OpticalRetained: "na", SSDSanitized: "yes", CustodianName: "M", CustodianSignature: "s", Date: "d"}, domain.StatusDisposed},
		{"no optical kept, ssd sanitized", ledger.DispositionInput{OpticalDestroyed: "na", OpticalRetained: "no", SSDSanitized: "yes", CustodianName: "M", CustodianSignature: "s", Date: "d"}, domain.StatusDisposed},
		{"nothing destroyed", ledger.DispositionInput{OpticalDestroyed: "no", OpticalRetained: "no", SSDSanitized: "no", CustodianName: "M", CustodianSignature: "s", Date: "d"}, domain.StatusCompleted},
		{"legacy disposed", ledger.DispositionInput{DispositionType: "disposed", CustodianName: "M", Date: "d"}, domain.StatusDisposed},
		{"legacy completed", ledger.DispositionInput{DispositionType: "completed", CustodianName: "M", Date: "d"}, domain.StatusCompleted},
	}
	for _, tc := range cases {
		env := newTestEnv(t)
		req := env.toPendingDTA(t, domain.TransferLowToLow)
		req, err := env.Engine.TransferSign(env.Ctx, req.ID, dta, withCompletion("dta1"))
		req = env.mustStatus(t, req, err, domain.StatusPendingSME)
		req, err = env.Engine.TransferSign(env.Ctx, req.ID, sme, withValidation("sme1"))
		req = env.mustStatus(t, req, err, domain.StatusPendingMediaCustodian)

		if _, err := env.Engine.MediaDisposition(env.Ctx, req.ID, dta, tc.in); err == nil {
			t.Fatalf("%s: dta recorded disposition", tc.name)
		}
		req, err = env.Engine.MediaDisposition(env.Ctx, req.ID, custodian, tc.in)
		if err != nil || req.Status != tc.want {
			t.Fatalf("%s: got %s, %v; want %s", tc.name, req.Status, err, tc.want)
		}
	}
}

func TestMalformedApprovalLedgerTreatedAsEmpty(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t, domain.TransferHighToLow)
	env.exec(t, `UPDATE requests SET approval_data='{"signatures": [oops' WHERE id=?`, req.ID)

	req, err := env.Engine.Approve(env.Ctx, req.ID, dao, signed("dao1"))
	req = env.mustStatus(t, req, err, domain.StatusPendingApprover)
	approval, _ := env.Engine.Ledgers(req)
	if !approval.RequiresDAOApproval || approval.Signatures.DAO == nil {
		t.Fatalf("ledger not rebuilt: %+v", approval)
	}
	if _, err := ledger.ParseApproval(req.ApprovalJSON, req.TransferType); err != nil {
		t.Fatalf("stored ledger still malformed: %v", err)
	}
}

func TestConcurrentApproverAndCPSO(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t, domain.TransferLowToLow)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, a := range []auth.Actor{approver, cpso} {
		wg.Add(1)
		go func(a auth.Actor) {
			defer wg.Done()
			for attempt := 0; attempt < 200; attempt++ {
				_, err := env.Engine.Approve(env.Ctx, req.ID, a, signed(a.ID))
				if err == nil {
					return
				}
				var forbidden auth.ForbiddenError
				if errors.Is(err, repo.ErrConflict) || errors.As(err, &forbidden) {
					time.Sleep(5 * time.Millisecond)
					continue
				}
				errs <- err
				return
			}
			errs <- errors.New(a.ID + " never succeeded")
		}(a)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	final := env.reload(t, req.ID)
	if final.Status != domain.StatusPendingDTA {
		t.Fatalf("final status %s", final.Status)
	}
	approval, _ := env.Engine.Ledgers(final)
	if approval.Signatures.Approver == nil || approval.Signatures.CPSO == nil {
		t.Fatalf("lost signature: %+v", approval.Signatures)
	}
	toDTA := 0
	for _, e := range env.auditLog(t, req.ID) {
		if e.NewStatus == string(domain.StatusPendingDTA) {
			toDTA++
		}
	}
	if toDTA != 1 {
		t.Fatalf("pending_dta reached %d times", toDTA)
	}
}

func TestConcurrentSameSlotOnlyOneWins(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t, domain.TransferLowToLow)
	signers := []auth.Actor{approver, actor("appr2", domain.RoleApprover)}

	var wg sync.WaitGroup
	var wins atomic.Int32
	start := make(chan struct{})
	for _, a := range signers {
		wg.Add(1)
		go func(a auth.Actor) {
			defer wg.Done()
			<-start
			if _, err := env.Engine.Approve(env.Ctx, req.ID, a, signed(a.ID)); err == nil {
				wins.Add(1)
			}
		}(a)
	}
	close(start)
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
	approvals := 0
	for _, e := range env.auditLog(t, req.ID) {
		if e.Action == "approval.signed" {
			approvals++
		}
	}
	if approvals != 1 {
		t.Fatalf("expected one approval audit entry, got %d", approvals)
	}
}

func TestRejectAndCancel(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t, domain.TransferLowToLow)
	req, err := env.Engine.Approve(env.Ctx, req.ID, approver, signed("appr1"))
	req = env.mustStatus(t, req, err, domain.StatusPendingCPSO)

	_, err = env.Engine.Reject(env.Ctx, req.ID, cpso, " ")
	var verr *engine.ValidationError
	if !errors.As(err, &verr) || verr.Fields["reason"] == "" {
		t.Fatalf("reject without reason: %v", err)
	}
	_, err = env.Engine.Reject(env.Ctx, req.ID, approver, "no")
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("approver reject at pending_cpso: %v", err)
	}
	req, err = env.Engine.Reject(env.Ctx, req.ID, cpso, "missing justification")
	env.mustStatus(t, req, err, domain.StatusRejected)
	if _, err := env.Engine.Cancel(env.Ctx, req.ID, requestor, ""); !errors.As(err, &forbidden) {
		t.Fatalf("cancel after rejection: %v", err)
	}

	other := env.create(t, domain.TransferLowToLow)
	if _, err := env.Engine.Cancel(env.Ctx, other.ID, actor("req2", domain.RoleRequestor), ""); !errors.As(err, &forbidden) {
		t.Fatalf("non-owner cancel: %v", err)
	}
	other, err = env.Engine.Cancel(env.Ctx, other.ID, requestor, "duplicate")
	env.mustStatus(t, other, err, domain.StatusCancelled)

	late := env.toPendingDTA(t, domain.TransferLowToLow)
	late, err = env.Engine.TransferSign(env.Ctx, late.ID, dta, withCompletion("dta1"))
	env.mustStatus(t, late, err, domain.StatusPendingSME)
	if _, err := env.Engine.Cancel(env.Ctx, late.ID, requestor, ""); !errors.As(err, &forbidden) {
		t.Fatalf("cancel during transfer: %v", err)
	}
	if _, err := env.Engine.Cancel(env.Ctx, late.ID, admin, ""); !errors.As(err, &forbidden) {
		t.Fatalf("admin cancel during transfer: %v", err)
	}
}

func TestAdminOverride(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t, domain.TransferHighToLow)
	req, err := env.Engine.Approve(env.Ctx, req.ID, admin, signed("admin1"))
	req = env.mustStatus(t, req, err, domain.StatusPendingApprover)
	approval, _ := env.Engine.Ledgers(req)
	if approval.Signatures.DAO == nil || approval.Signatures.DAO.Role != domain.RoleAdmin || approval.Signatures.DAO.OnBehalfOf != domain.RoleDAO {
		t.Fatalf("admin signature not attributed: %+v", approval.Signatures.DAO)
	}
	req, err = env.Engine.Approve(env.Ctx, req.ID, admin, signed("admin1"))
	req = env.mustStatus(t, req, err, domain.StatusPendingCPSO)
	req, err = env.Engine.Approve(env.Ctx, req.ID, admin, signed("admin1"))
	req = env.mustStatus(t, req, err, domain.StatusPendingDTA)

	req, err = env.Engine.TransferSign(env.Ctx, req.ID, admin, withCompletion("admin1"))
	req = env.mustStatus(t, req, err, domain.StatusPendingSME)
	req, err = env.Engine.TransferSign(env.Ctx, req.ID, admin, withValidation("admin1"))
	req = env.mustStatus(t, req, err, domain.StatusPendingMediaCustodian)
	_, transfer := env.Engine.Ledgers(req)
	if transfer.SecondarySignerType != ledger.SignerSME || transfer.SecondarySigner.OnBehalfOf != domain.RoleSME {
		t.Fatalf("admin secondary leg: %+v", transfer.SecondarySigner)
	}

	// an admin cannot sign where no transfer-sign step exists
	if _, err := env.Engine.Approve(env.Ctx, req.ID, admin, signed("admin1")); err == nil {
		t.Fatalf("admin approved outside approval phase")
	}
}

func TestAdminActingAsOtherRoleHasNoOverride(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t, domain.TransferHighToLow)
	asRequestor := auth.Actor{ID: "admin1", Role: domain.RoleRequestor, PrimaryRole: domain.RoleAdmin, DisplayName: "Ada Admin"}
	if asRequestor.IsAdmin() {
		t.Fatalf("admin acting as requestor reported as admin")
	}
	_, err := env.Engine.Approve(env.Ctx, req.ID, asRequestor, signed("admin1"))
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) || forbidden.Role != domain.RoleRequestor {
		t.Fatalf("expected forbidden for role requestor, got %v", err)
	}
	env.mustStatus(t, env.reload(t, req.ID), nil, domain.StatusSubmitted)
	if _, ops, err := env.Engine.AllowedActions(env.Ctx, req.ID, asRequestor); err != nil || len(ops) != 0 {
		t.Fatalf("admin acting as requestor on another's request: %v %v", opNames(ops), err)
	}
}

func TestAssign(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t, domain.TransferLowToLow)
	dtaID, unknown, empty := "dta1", "ghost", ""

	var forbidden auth.ForbiddenError
	if _, err := env.Engine.Assign(env.Ctx, req.ID, requestor, engine.AssignInput{DTAID: &dtaID}); !errors.As(err, &forbidden) {
		t.Fatalf("requestor assign: %v", err)
	}
	var verr *engine.ValidationError
	if _, err := env.Engine.Assign(env.Ctx, req.ID, admin, engine.AssignInput{SMEID: &unknown}); !errors.As(err, &verr) || verr.Fields["smeId"] == "" {
		t.Fatalf("unknown assignee: %v", err)
	}
	if _, err := env.Engine.Assign(env.Ctx, req.ID, admin, engine.AssignInput{}); !errors.As(err, &verr) {
		t.Fatalf("empty assign: %v", err)
	}

	updated, err := env.Engine.Assign(env.Ctx, req.ID, admin, engine.AssignInput{DTAID: &dtaID})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if updated.Status != req.Status || updated.DTAID == nil || *updated.DTAID != "dta1" || updated.Version != req.Version+1 {
		t.Fatalf("unexpected assign result: %+v", updated)
	}
	updated, err = env.Engine.Assign(env.Ctx, req.ID, admin, engine.AssignInput{DTAID: &empty})
	if err != nil || updated.DTAID != nil {
		t.Fatalf("clear assign: %+v %v", updated, err)
	}
	entries := env.auditLog(t, req.ID)
	if last := entries[len(entries)-1]; last.Action != "request.assigned" || last.OldStatus != last.NewStatus {
		t.Fatalf("unexpected audit: %+v", last)
	}
}

func TestAllowedActions(t *testing.T) {
	env := newTestEnv(t)
	req := env.create(t, domain.TransferHighToLow)
	cases := []struct {
		actor auth.Actor
		want  []engine.Operation
	}{
		{dao, []engine.Operation{engine.OpApprove, engine.OpReject}},
		{approver, nil},
		{requestor, []engine.Operation{engine.OpCancel}},
		{admin, []engine.Operation{engine.OpApprove, engine.OpReject, engine.OpCancel, engine.OpAssign}},
	}
	for _, tc := range cases {
		_, ops, err := env.Engine.AllowedActions(env.Ctx, req.ID, tc.actor)
		if err != nil {
			t.Fatalf("allowed: %v", err)
		}
		if strings.Join(opNames(ops), ",") != strings.Join(opNames(tc.want), ",") {
			t.Fatalf("%s: got %v want %v", tc.actor.ID, ops, tc.want)
		}
	}
}

func opNames(ops []engine.Operation) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = string(op)
	}
	return out
}

func TestAuditChain(t *testing.T) {
	env := newTestEnv(t)
	req := env.toPendingDTA(t, domain.TransferHighToLow)
	n, err := env.Engine.VerifyAudit(env.Ctx, req.ID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	// created, submitted, three approvals
	if n != 5 {
		t.Fatalf("expected 5 entries, got %d", n)
	}
	entries := env.auditLog(t, req.ID)
	env.exec(t, `UPDATE audit_log SET notes='edited' WHERE id=?`, entries[2].ID)
	_, err = env.Engine.VerifyAudit(env.Ctx, req.ID)
	var chainErr audit.ChainError
	if !errors.As(err, &chainErr) || chainErr.EntryID != entries[2].ID {
		t.Fatalf("expected chain error at %d, got %v", entries[2].ID, err)
	}
}

func TestEligibilityTableHasNoTerminalRules(t *testing.T) {
	for _, r := range engine.Eligibility {
		if r.Status.Terminal() {
			t.Fatalf("rule %s grants action at terminal status %s", r.Op, r.Status)
		}
		if r.Step == "" {
			t.Fatalf("rule %s@%s has no step", r.Op, r.Status)
		}
	}
}
