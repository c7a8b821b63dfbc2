package ledger

import (
	"errors"
	"testing"
	"time"

	"aftflow/internal/domain"
)

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func sig(t *testing.T, user string, role domain.Role, in SignatureInput) SignatureRecord {
	t.Helper()
	if in.Signature == "" {
		in.Signature = "signed-" + user
	}
	rec, err := NewSignature(Signer{UserID: user, Name: user, Role: role}, in, testNow)
	if err != nil {
		t.Fatalf("signature: %v", err)
	}
	return rec
}

func TestNewSignatureValidates(t *testing.T) {
	_, err := NewSignature(Signer{}, SignatureInput{}, testNow)
	var fe FieldErrors
	if !errors.As(err, &fe) {
		t.Fatalf("expected field errors, got %v", err)
	}
	if fe["userId"] == "" || fe["signature"] == "" {
		t.Fatalf("unexpected fields: %v", fe)
	}
	rec, err := NewSignature(Signer{UserID: "u1", Role: domain.RoleCPSO}, SignatureInput{Signature: "x"}, testNow)
	if err != nil {
		t.Fatalf("signature: %v", err)
	}
	if rec.Date != "2026-03-02" || rec.Name != "u1" {
		t.Fatalf("unexpected defaults: %+v", rec)
	}
}

func TestApprovalLowToHighNeverNeedsDAO(t *testing.T) {
	for _, tt := range []domain.TransferType{domain.TransferLowToLow, domain.TransferLowToHigh, domain.TransferHighToHigh} {
		l := NewApprovalLedger(tt)
		if l.RequiresDAOApproval {
			t.Fatalf("%s should not require dao", tt)
		}
		if got := NextApprovalStatus(l); got != domain.StatusPendingApprover {
			t.Fatalf("%s first status = %s", tt, got)
		}
		l, next, err := ApplyApproval(l, domain.RoleApprover, sig(t, "a", domain.RoleApprover, SignatureInput{}), testNow)
		if err != nil {
			t.Fatalf("approve: %v", err)
		}
		if next != domain.StatusPendingCPSO {
			t.Fatalf("after approver = %s", next)
		}
		_, next, err = ApplyApproval(l, domain.RoleCPSO, sig(t, "c", domain.RoleCPSO, SignatureInput{}), testNow)
		if err != nil {
			t.Fatalf("cpso: %v", err)
		}
		if next != domain.StatusPendingDTA {
			t.Fatalf("after cpso = %s", next)
		}
	}
}

func TestApprovalHighToLowAnyOrder(t *testing.T) {
	orders := [][]domain.Role{
		{domain.RoleDAO, domain.RoleApprover, domain.RoleCPSO},
		{domain.RoleCPSO, domain.RoleDAO, domain.RoleApprover},
		{domain.RoleApprover, domain.RoleCPSO, domain.RoleDAO},
	}
	for _, order := range orders {
		l := NewApprovalLedger(domain.TransferHighToLow)
		for i, role := range order {
			var next domain.Status
			var err error
			l, next, err = ApplyApproval(l, role, sig(t, string(role), role, SignatureInput{}), testNow.Add(time.Duration(i)*time.Minute))
			if err != nil {
				t.Fatalf("%v: %v", order, err)
			}
			if i < len(order)-1 {
				if next == domain.StatusPendingDTA {
					t.Fatalf("%v reached pending_dta early", order)
				}
				if l.CompletedAt != nil {
					t.Fatalf("%v stamped completedAt early", order)
				}
			} else if next != domain.StatusPendingDTA {
				t.Fatalf("%v final status = %s", order, next)
			}
		}
		if l.CompletedAt == nil || *l.CompletedAt != testNow.Add(2*time.Minute).Format(time.RFC3339Nano) {
			t.Fatalf("completedAt = %v", l.CompletedAt)
		}
	}
}

func TestNextApprovalStatusIsPure(t *testing.T) {
	l := NewApprovalLedger(domain.TransferHighToLow)
	l, _, _ = ApplyApproval(l, domain.RoleDAO, sig(t, "d", domain.RoleDAO, SignatureInput{}), testNow)
	before, _ := Encode(l)
	first := NextApprovalStatus(l)
	second := NextApprovalStatus(l)
	after, _ := Encode(l)
	if first != second || first != domain.StatusPendingApprover {
		t.Fatalf("derivation not stable: %s %s", first, second)
	}
	if *before != *after {
		t.Fatalf("derivation mutated ledger")
	}
}

func TestApplyApprovalAlreadySigned(t *testing.T) {
	l := NewApprovalLedger(domain.TransferLowToLow)
	l, _, _ = ApplyApproval(l, domain.RoleApprover, sig(t, "a", domain.RoleApprover, SignatureInput{}), testNow)
	_, _, err := ApplyApproval(l, domain.RoleApprover, sig(t, "b", domain.RoleApprover, SignatureInput{}), testNow)
	if !errors.Is(err, ErrAlreadySigned) {
		t.Fatalf("expected ErrAlreadySigned, got %v", err)
	}
	if l.Signatures.Approver.UserID != "a" {
		t.Fatalf("original signature overwritten")
	}
}

func TestSignPrimaryAcceptsEitherPayload(t *testing.T) {
	inputs := []SignatureInput{
		{TransferCompletion: &TransferCompletion{TransferMethod: "diode"}},
		{TechnicalValidation: &TechnicalValidation{AntivirusScan: "clean"}},
	}
	for _, in := range inputs {
		res, err := SignPrimary(TransferLedger{}, sig(t, "dta1", domain.RoleDTA, in))
		if err != nil {
			t.Fatalf("sign primary: %v", err)
		}
		if res.Next != domain.StatusPendingSME || res.Ledger.PrimaryDTA == nil {
			t.Fatalf("unexpected result: %+v", res)
		}
	}
	_, err := SignPrimary(TransferLedger{}, sig(t, "dta1", domain.RoleDTA, SignatureInput{}))
	var fe FieldErrors
	if !errors.As(err, &fe) {
		t.Fatalf("expected field errors, got %v", err)
	}
}

func TestSignSecondaryFallsBackWithoutPrimary(t *testing.T) {
	sme := sig(t, "sme1", domain.RoleSME, SignatureInput{TechnicalValidation: &TechnicalValidation{IntegrityCheck: "ok"}})
	res, err := SignSecondary(TransferLedger{}, SignerSME, sme)
	if err != nil {
		t.Fatalf("sign secondary: %v", err)
	}
	if res.Next != domain.StatusPendingDTA || res.Anomaly != AnomalySecondaryBeforePrimary {
		t.Fatalf("unexpected result: %+v", res)
	}

	primary := sig(t, "dta1", domain.RoleDTA, SignatureInput{TransferCompletion: &TransferCompletion{}})
	res, err = SignSecondary(TransferLedger{PrimaryDTA: &primary}, SignerSME, sme)
	if err != nil {
		t.Fatalf("sign secondary: %v", err)
	}
	if res.Next != domain.StatusPendingMediaCustodian || res.Anomaly != "" || res.Ledger.SecondarySignerType != SignerSME {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestSignSecondaryRequiresLegData(t *testing.T) {
	primary := sig(t, "dta1", domain.RoleDTA, SignatureInput{TransferCompletion: &TransferCompletion{}})
	l := TransferLedger{PrimaryDTA: &primary}
	if _, err := SignSecondary(l, SignerSME, sig(t, "sme1", domain.RoleSME, SignatureInput{})); err == nil {
		t.Fatalf("sme without technical validation accepted")
	}
	if _, err := SignSecondary(l, SignerDTA, sig(t, "dta2", domain.RoleDTA, SignatureInput{TechnicalValidation: &TechnicalValidation{}})); err == nil {
		t.Fatalf("dta secondary without transfer completion accepted")
	}
	res, err := SignSecondary(l, SignerDTA, sig(t, "dta2", domain.RoleDTA, SignatureInput{TransferCompletion: &TransferCompletion{}}))
	if err != nil {
		t.Fatalf("dta secondary: %v", err)
	}
	if _, err := SignSecondary(res.Ledger, SignerSME, sig(t, "sme1", domain.RoleSME, SignatureInput{TechnicalValidation: &TechnicalValidation{}})); !errors.Is(err, ErrAlreadySigned) {
		t.Fatalf("expected ErrAlreadySigned, got %v", err)
	}
}

func TestSignFinalMergesPrimary(t *testing.T) {
	primary := sig(t, "dta1", domain.RoleDTA, SignatureInput{TransferCompletion: &TransferCompletion{TransferMethod: "diode", FilesTransferred: 3}})
	final := sig(t, "dta1", domain.RoleDTA, SignatureInput{TransferCompletion: &TransferCompletion{ActualEndDate: "2026-03-02"}})
	res, err := SignFinal(TransferLedger{PrimaryDTA: &primary}, final, testNow)
	if err != nil {
		t.Fatalf("sign final: %v", err)
	}
	tc := res.Ledger.PrimaryDTA.TransferCompletion
	if res.Next != domain.StatusCompleted || tc.TransferMethod != "diode" || tc.FilesTransferred != 3 || tc.ActualEndDate != "2026-03-02" {
		t.Fatalf("unexpected merge: %+v", tc)
	}
	if res.Ledger.CompletedAt == nil {
		t.Fatalf("completedAt not stamped")
	}
	if primary.TransferCompletion.ActualEndDate != "" {
		t.Fatalf("input ledger mutated")
	}

	res, err = SignFinal(TransferLedger{}, final, testNow)
	if err != nil || res.Ledger.PrimaryDTA == nil {
		t.Fatalf("final without primary: %+v %v", res, err)
	}
}

func TestRecordSectionIV(t *testing.T) {
	yes, no := true, false
	in := SectionIVInput{FilesTransferred: 2, DTAName: "Dee", DTASignature: "sig", DTASignDate: "2026-03-02", TPIMaintained: &no}
	_, err := RecordSectionIV(TransferLedger{}, in, "dta1", testNow)
	var fe FieldErrors
	if !errors.As(err, &fe) || fe["tpiMaintained"] == "" {
		t.Fatalf("expected tpi rejection, got %v", err)
	}
	in.TPIMaintained = &yes
	in.FilesTransferred = 0
	if _, err := RecordSectionIV(TransferLedger{}, in, "dta1", testNow); err == nil {
		t.Fatalf("zero files accepted")
	}
	in.FilesTransferred = 2
	res, err := RecordSectionIV(TransferLedger{}, in, "dta1", testNow)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if res.Next != domain.StatusPendingSMESignature || res.Ledger.TransferCompletion.RecordedBy != "dta1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	sme := sig(t, "sme1", domain.RoleSME, SignatureInput{TechnicalValidation: &TechnicalValidation{}})
	next, err := SignSectionIVSecondary(res.Ledger, SignerSME, sme)
	if err != nil || next.Next != domain.StatusPendingMediaCustodian {
		t.Fatalf("section iv secondary: %+v %v", next, err)
	}
	next, err = SignSectionIVSecondary(TransferLedger{}, SignerSME, sme)
	if err != nil || next.Next != domain.StatusActiveTransfer || next.Anomaly != AnomalyMissingSectionIV {
		t.Fatalf("section iv fallback: %+v %v", next, err)
	}
}

func TestRecordDisposition(t *testing.T) {
	res, err := RecordDisposition(TransferLedger{}, DispositionInput{
		OpticalDestroyed: "yes", OpticalRetained: "no", SSDSanitized: "na",
		CustodianName: "Mo", CustodianSignature: "mo-sig", Date: "2026-03-02",
	}, "mc1", testNow)
	if err != nil {
		t.Fatalf("structured: %v", err)
	}
	if res.Next != domain.StatusDisposed || res.Ledger.MediaDisposition.Form != FormStructured {
		t.Fatalf("unexpected: %+v", res.Ledger.MediaDisposition)
	}
	if _, err := RecordDisposition(res.Ledger, DispositionInput{DispositionType: "completed", CustodianName: "Mo", Date: "2026-03-02"}, "mc1", testNow); !errors.Is(err, ErrAlreadySigned) {
		t.Fatalf("expected ErrAlreadySigned, got %v", err)
	}

	res, err = RecordDisposition(TransferLedger{}, DispositionInput{DispositionType: "completed", CustodianName: "Mo", Date: "2026-03-02"}, "mc1", testNow)
	if err != nil || res.Next != domain.StatusCompleted || res.Ledger.MediaDisposition.Form != FormLegacy {
		t.Fatalf("legacy: %+v %v", res, err)
	}

	_, err = RecordDisposition(TransferLedger{}, DispositionInput{OpticalDestroyed: "maybe", CustodianName: "Mo", CustodianSignature: "s", Date: "d"}, "mc1", testNow)
	var fe FieldErrors
	if !errors.As(err, &fe) || fe["opticalDestroyed"] == "" || fe["opticalRetained"] == "" {
		t.Fatalf("expected answer errors, got %v", err)
	}
	if _, err := RecordDisposition(TransferLedger{}, DispositionInput{DispositionType: "shredded", CustodianName: "Mo", Date: "d"}, "mc1", testNow); err == nil {
		t.Fatalf("unknown legacy type accepted")
	}
}

func TestParseApprovalTolerance(t *testing.T) {
	blank, junk := "  ", "{not json"
	for _, raw := range []*string{nil, &blank} {
		l, err := ParseApproval(raw, domain.TransferHighToLow)
		if err != nil || !l.RequiresDAOApproval {
			t.Fatalf("empty ledger: %+v %v", l, err)
		}
	}
	l, err := ParseApproval(&junk, domain.TransferLowToLow)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if l.RequiresDAOApproval || l.Signatures.Approver != nil {
		t.Fatalf("malformed ledger not reset: %+v", l)
	}

	// the stored flag wins over the transfer type
	stored := `{"requiresDAOApproval":false,"transferType":"high-to-low","signatures":{}}`
	l, err = ParseApproval(&stored, domain.TransferHighToLow)
	if err != nil || l.RequiresDAOApproval {
		t.Fatalf("stored flag not kept: %+v %v", l, err)
	}
}

func TestParseTransferRejectsUnknownSignerType(t *testing.T) {
	raw := `{"secondarySigner":{"userId":"x"},"secondarySignerType":"cpso"}`
	l, err := ParseTransfer(&raw)
	if !errors.Is(err, ErrMalformed) || l.SecondarySigner != nil {
		t.Fatalf("expected reset ledger with ErrMalformed, got %+v %v", l, err)
	}
	primary := sig(t, "dta1", domain.RoleDTA, SignatureInput{TransferCompletion: &TransferCompletion{}})
	enc, err := Encode(TransferLedger{PrimaryDTA: &primary})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	l, err = ParseTransfer(enc)
	if err != nil || l.PrimaryDTA == nil || l.PrimaryDTA.UserID != "dta1" {
		t.Fatalf("decode: %+v %v", l, err)
	}
}
