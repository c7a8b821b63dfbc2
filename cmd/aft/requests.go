package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"aftflow/internal/domain"
	"aftflow/internal/engine"
	"aftflow/internal/engine/auth"
	"aftflow/internal/ledger"
	"aftflow/internal/repo"
)

func requestCmd() *cobra.Command {
	req := &cobra.Command{Use: "request", Aliases: []string{"req"}, Short: "Manage AFT requests"}
	req.AddCommand(requestCreateCmd())
	req.AddCommand(requestListCmd())
	req.AddCommand(requestShowCmd())
	req.AddCommand(requestActionsCmd())
	req.AddCommand(requestStatsCmd())
	req.AddCommand(notesTransitionCmd("submit", "Submit a draft for approval", func(ctx context.Context, e engine.Engine, id int64, a auth.Actor, notes string) (domain.Request, error) {
		return e.Submit(ctx, id, a, notes)
	}))
	req.AddCommand(notesTransitionCmd("start-transfer", "Begin the Section IV transfer", func(ctx context.Context, e engine.Engine, id int64, a auth.Actor, notes string) (domain.Request, error) {
		return e.StartTransfer(ctx, id, a, notes)
	}))
	req.AddCommand(reasonTransitionCmd("reject", "Reject a request", func(ctx context.Context, e engine.Engine, id int64, a auth.Actor, reason string) (domain.Request, error) {
		return e.Reject(ctx, id, a, reason)
	}))
	req.AddCommand(reasonTransitionCmd("cancel", "Withdraw a request before transfer", func(ctx context.Context, e engine.Engine, id int64, a auth.Actor, reason string) (domain.Request, error) {
		return e.Cancel(ctx, id, a, reason)
	}))
	req.AddCommand(signTransitionCmd("approve", "Sign the current approval stage", func(ctx context.Context, e engine.Engine, id int64, a auth.Actor, in engine.SignInput) (domain.Request, error) {
		return e.Approve(ctx, id, a, in)
	}))
	req.AddCommand(signTransitionCmd("transfer-sign", "Sign the current transfer stage", func(ctx context.Context, e engine.Engine, id int64, a auth.Actor, in engine.SignInput) (domain.Request, error) {
		return e.TransferSign(ctx, id, a, in)
	}))
	req.AddCommand(requestTransferCompleteCmd())
	req.AddCommand(requestDispositionCmd())
	req.AddCommand(requestAssignCmd())
	return req
}

func requestCreateCmd() *cobra.Command {
	var in engine.CreateInput
	var transferType string
	var submit bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := currentActor(ctx, e)
				if err != nil {
					return err
				}
				in.TransferType = domain.TransferType(transferType)
				created, err := e.CreateRequest(ctx, a, in)
				if err != nil {
					return err
				}
				if submit {
					if created, err = e.Submit(ctx, created.ID, a, ""); err != nil {
						return err
					}
				}
				return printRequest(created)
			})
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "request title")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().StringVar(&transferType, "type", "", "transfer type: low-to-low, low-to-high, high-to-low, high-to-high")
	cmd.Flags().StringVar(&in.Classification, "classification", "", "classification marking")
	cmd.Flags().BoolVar(&submit, "submit", false, "submit right after creation")
	return cmd
}

func requestListCmd() *cobra.Command {
	var f repo.RequestFilters
	var mine bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.Status != "" && !domain.ValidStatus(f.Status) {
					return fmt.Errorf("unknown status %q", f.Status)
				}
				if mine {
					f.RequestorID = viper.GetString("actor-id")
				}
				items, err := e.Repo.ListRequests(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Number", "Title", "Type", "Status", "Requestor", "Updated"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.RequestNumber, r.Title, r.TransferType, r.Status, r.RequestorID, r.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.TransferType, "type", "", "transfer type filter")
	cmd.Flags().StringVar(&f.RequestorID, "requestor", "", "requestor filter")
	cmd.Flags().BoolVar(&mine, "mine", false, "only requests created by --actor-id")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func requestShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id|number>",
		Short: "Show a request with its ledgers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := requestRef(ctx, e, args[0])
				if err != nil {
					return err
				}
				req, err := e.Repo.GetRequest(ctx, id)
				if err != nil {
					return err
				}
				return printRequest(req)
			})
		},
	}
}

func requestActionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "actions <id|number>",
		Short: "List what the current actor and role may do next",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := currentActor(ctx, e)
				if err != nil {
					return err
				}
				id, err := requestRef(ctx, e, args[0])
				if err != nil {
					return err
				}
				req, ops, err := e.AllowedActions(ctx, id, a)
				if err != nil {
					return err
				}
				names := make([]string, 0, len(ops))
				for _, op := range ops {
					names = append(names, string(op))
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"request_id": req.ID, "status": req.Status, "role": a.EffectiveRole(), "actions": names})
				}
				if len(names) == 0 {
					fmt.Printf("%s (%s): nothing for role %s\n", req.RequestNumber, req.Status, a.EffectiveRole())
					return nil
				}
				fmt.Printf("%s (%s) as %s: %s\n", req.RequestNumber, req.Status, a.EffectiveRole(), strings.Join(names, ", "))
				return nil
			})
		},
	}
}

func requestStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count requests per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				counts, err := r.CountRequestsByStatus(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := newTable(table.Row{"Status", "Count"})
				for _, s := range []domain.Status{
					domain.StatusDraft, domain.StatusSubmitted, domain.StatusPendingDAO, domain.StatusPendingApprover,
					domain.StatusPendingCPSO, domain.StatusPendingDTA, domain.StatusActiveTransfer,
					domain.StatusPendingSMESignature, domain.StatusPendingSME, domain.StatusPendingMediaCustodian,
					domain.StatusCompleted, domain.StatusDisposed, domain.StatusRejected, domain.StatusCancelled,
				} {
					if n := counts[string(s)]; n > 0 {
						tw.AppendRow(table.Row{s, n})
					}
				}
				tw.Render()
				return nil
			})
		},
	}
}

type notesFunc func(ctx context.Context, e engine.Engine, id int64, a auth.Actor, notes string) (domain.Request, error)

func notesTransitionCmd(use, short string, run notesFunc) *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   use + " <id|number>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, id int64, a auth.Actor) (domain.Request, error) {
				return run(ctx, e, id, a, notes)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "notes for the audit log")
	return cmd
}

func reasonTransitionCmd(use, short string, run notesFunc) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   use + " <id|number>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, id int64, a auth.Actor) (domain.Request, error) {
				return run(ctx, e, id, a, reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit log")
	return cmd
}

type signFunc func(ctx context.Context, e engine.Engine, id int64, a auth.Actor, in engine.SignInput) (domain.Request, error)

func signTransitionCmd(use, short string, run signFunc) *cobra.Command {
	var in engine.SignInput
	var tv ledger.TechnicalValidation
	var tc ledger.TransferCompletion
	cmd := &cobra.Command{
		Use:   use + " <id|number>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if tv != (ledger.TechnicalValidation{}) {
				in.TechnicalValidation = &tv
			}
			if tc != (ledger.TransferCompletion{}) {
				in.TransferCompletion = &tc
			}
			return runTransition(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, id int64, a auth.Actor) (domain.Request, error) {
				return run(ctx, e, id, a, in)
			})
		},
	}
	cmd.Flags().StringVar(&in.Signature, "signature", "", "signature text (defaults to the actor's display name)")
	cmd.Flags().StringVar(&in.Date, "date", "", "signature date (defaults to today)")
	cmd.Flags().StringVar(&in.Notes, "notes", "", "notes for the audit log")
	cmd.Flags().StringVar(&tv.AntivirusScan, "antivirus-scan", "", "technical validation: antivirus scan result")
	cmd.Flags().StringVar(&tv.IntegrityCheck, "integrity-check", "", "technical validation: integrity check result")
	cmd.Flags().StringVar(&tv.FormatCheck, "format-check", "", "technical validation: format check result")
	cmd.Flags().StringVar(&tc.ActualStartDate, "start-date", "", "transfer completion: actual start date")
	cmd.Flags().StringVar(&tc.ActualEndDate, "end-date", "", "transfer completion: actual end date")
	cmd.Flags().StringVar(&tc.TransferMethod, "method", "", "transfer completion: transfer method")
	cmd.Flags().StringVar(&tc.VerificationResults, "verification", "", "transfer completion: verification results")
	cmd.Flags().IntVar(&tc.FilesTransferred, "files", 0, "transfer completion: files transferred")
	return cmd
}

func requestTransferCompleteCmd() *cobra.Command {
	var in ledger.SectionIVInput
	var tpi bool
	cmd := &cobra.Command{
		Use:   "transfer-complete <id|number>",
		Short: "Record the Section IV completion form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("tpi-maintained") {
				in.TPIMaintained = &tpi
			}
			return runTransition(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, id int64, a auth.Actor) (domain.Request, error) {
				return e.TransferComplete(ctx, id, a, in)
			})
		},
	}
	cmd.Flags().IntVar(&in.FilesTransferred, "files", 0, "files transferred")
	cmd.Flags().StringVar(&in.DTAName, "dta-name", "", "DTA name")
	cmd.Flags().StringVar(&in.DTASignature, "dta-signature", "", "DTA signature")
	cmd.Flags().StringVar(&in.DTASignDate, "sign-date", "", "DTA signature date")
	cmd.Flags().BoolVar(&tpi, "tpi-maintained", false, "two-person integrity was maintained")
	cmd.Flags().StringVar(&in.TransferMethod, "method", "", "transfer method")
	cmd.Flags().StringVar(&in.VerificationResults, "verification", "", "verification results")
	cmd.Flags().StringVar(&in.Notes, "notes", "", "notes")
	return cmd
}

func requestDispositionCmd() *cobra.Command {
	var in ledger.DispositionInput
	cmd := &cobra.Command{
		Use:   "disposition <id|number>",
		Short: "Record media disposition and close the request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransition(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, id int64, a auth.Actor) (domain.Request, error) {
				return e.MediaDisposition(ctx, id, a, in)
			})
		},
	}
	cmd.Flags().StringVar(&in.OpticalDestroyed, "optical-destroyed", "", "optical media destroyed: yes, no or na")
	cmd.Flags().StringVar(&in.OpticalRetained, "optical-retained", "", "optical media retained: yes, no or na")
	cmd.Flags().StringVar(&in.SSDSanitized, "ssd-sanitized", "", "SSD sanitized: yes, no or na")
	cmd.Flags().StringVar(&in.DispositionType, "type", "", "legacy form: completed or disposed")
	cmd.Flags().StringVar(&in.CustodianName, "custodian", "", "media custodian name")
	cmd.Flags().StringVar(&in.CustodianSignature, "custodian-signature", "", "media custodian signature")
	cmd.Flags().StringVar(&in.Date, "date", "", "disposition date")
	cmd.Flags().StringVar(&in.Notes, "notes", "", "notes")
	return cmd
}

func requestAssignCmd() *cobra.Command {
	var dta, sme, approver, custodian, notes string
	cmd := &cobra.Command{
		Use:   "assign <id|number>",
		Short: "Set informational assignees",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := engine.AssignInput{Notes: notes}
			if cmd.Flags().Changed("dta") {
				in.DTAID = &dta
			}
			if cmd.Flags().Changed("sme") {
				in.SMEID = &sme
			}
			if cmd.Flags().Changed("approver") {
				in.ApproverID = &approver
			}
			if cmd.Flags().Changed("custodian") {
				in.MediaCustodianID = &custodian
			}
			return runTransition(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, id int64, a auth.Actor) (domain.Request, error) {
				return e.Assign(ctx, id, a, in)
			})
		},
	}
	cmd.Flags().StringVar(&dta, "dta", "", "assigned DTA actor id (empty clears)")
	cmd.Flags().StringVar(&sme, "sme", "", "assigned SME actor id (empty clears)")
	cmd.Flags().StringVar(&approver, "approver", "", "assigned approver actor id (empty clears)")
	cmd.Flags().StringVar(&custodian, "custodian", "", "assigned media custodian actor id (empty clears)")
	cmd.Flags().StringVar(&notes, "notes", "", "notes for the audit log")
	return cmd
}

func runTransition(ctx context.Context, ref string, run func(context.Context, engine.Engine, int64, auth.Actor) (domain.Request, error)) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		a, err := currentActor(ctx, e)
		if err != nil {
			return err
		}
		id, err := requestRef(ctx, e, ref)
		if err != nil {
			return err
		}
		req, err := run(ctx, e, id, a)
		if err != nil {
			return err
		}
		return printRequest(req)
	})
}

type requestView struct {
	domain.Request
	ApprovalData ledger.ApprovalLedger  `json:"approval_data"`
	TransferData *ledger.TransferLedger `json:"transfer_data,omitempty"`
}

func printRequest(req domain.Request) error {
	approval, transfer := ledger.View(req)
	if viper.GetBool("json") {
		v := requestView{Request: req, ApprovalData: approval}
		v.ApprovalJSON, v.TransferJSON = nil, nil
		if req.TransferJSON != nil {
			v.TransferData = &transfer
		}
		return printJSON(v)
	}
	tw := newTable(table.Row{"Field", "Value"})
	tw.AppendRow(table.Row{"ID", req.ID})
	tw.AppendRow(table.Row{"Number", req.RequestNumber})
	tw.AppendRow(table.Row{"Title", req.Title})
	tw.AppendRow(table.Row{"Type", req.TransferType})
	tw.AppendRow(table.Row{"Classification", req.Classification})
	tw.AppendRow(table.Row{"Status", req.Status})
	tw.AppendRow(table.Row{"Requestor", req.RequestorID})
	tw.AppendRow(table.Row{"DAO required", approval.RequiresDAOApproval})
	tw.AppendRow(table.Row{"DAO", signedBy(approval.Signatures.DAO)})
	tw.AppendRow(table.Row{"Approver", signedBy(approval.Signatures.Approver)})
	tw.AppendRow(table.Row{"CPSO", signedBy(approval.Signatures.CPSO)})
	if req.TransferJSON != nil {
		tw.AppendRow(table.Row{"Primary DTA", signedBy(transfer.PrimaryDTA)})
		tw.AppendRow(table.Row{"Secondary", signedBy(transfer.SecondarySigner)})
	}
	tw.AppendRow(table.Row{"Assigned DTA", deref(req.DTAID)})
	tw.AppendRow(table.Row{"Assigned SME", deref(req.SMEID)})
	tw.AppendRow(table.Row{"Version", req.Version})
	tw.AppendRow(table.Row{"Updated", req.UpdatedAt})
	tw.Render()
	return nil
}

func signedBy(rec *ledger.SignatureRecord) string {
	if rec == nil {
		return ""
	}
	s := fmt.Sprintf("%s (%s) %s", rec.UserID, rec.Role, rec.SignedAt)
	if rec.OnBehalfOf != "" {
		s += " for " + string(rec.OnBehalfOf)
	}
	return s
}

func auditCmd() *cobra.Command {
	auditRoot := &cobra.Command{Use: "audit", Short: "Inspect request audit logs"}
	var n int
	tail := &cobra.Command{
		Use:   "tail <id|number>",
		Short: "Show the latest audit entries of a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := requestRef(ctx, e, args[0])
				if err != nil {
					return err
				}
				entries, err := e.Repo.ListAudit(ctx, id, 0, 0)
				if err != nil {
					return err
				}
				if n > 0 && len(entries) > n {
					entries = entries[len(entries)-n:]
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := newTable(table.Row{"ID", "TS", "Actor", "Role", "Action", "From", "To", "Notes"})
				for _, en := range entries {
					tw.AppendRow(table.Row{en.ID, en.TS, en.ActorID, en.ActorRole, en.Action, en.OldStatus, en.NewStatus, en.Notes})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of entries")
	verify := &cobra.Command{
		Use:   "verify <id|number>",
		Short: "Verify the audit hash chain of a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := requestRef(ctx, e, args[0])
				if err != nil {
					return err
				}
				count, err := e.VerifyAudit(ctx, id)
				if err != nil {
					return err
				}
				fmt.Printf("request %d: %d audit entries, chain intact\n", id, count)
				return nil
			})
		},
	}
	auditRoot.AddCommand(tail, verify)
	return auditRoot
}
