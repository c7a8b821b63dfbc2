package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"

	"aftflow/internal/audit"
	"aftflow/internal/config"
	"aftflow/internal/domain"
	"aftflow/internal/ledger"
	"aftflow/internal/metrics"
	"aftflow/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Audit  audit.Writer
	Config *config.Config
	Logger *slog.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, logger *slog.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Audit:  audit.Writer{},
		Config: cfg,
		Logger: logger,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Log is the injected logger, or the slog default when none was set.
func (e Engine) Log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) auditWriter() audit.Writer {
	w := e.Audit
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) numberPrefix() string {
	if e.Config != nil && e.Config.Requests.NumberPrefix != "" {
		return e.Config.Requests.NumberPrefix
	}
	return "AFT"
}

// Ledgers decodes both ledgers of req. Malformed ledgers come back empty and are
// reported as anomalies.
func (e Engine) Ledgers(req domain.Request) (ledger.ApprovalLedger, ledger.TransferLedger) {
	approval, err := ledger.ParseApproval(req.ApprovalJSON, req.TransferType)
	if err != nil {
		e.anomaly(req, "malformed_approval_ledger", err)
	}
	transfer, err := ledger.ParseTransfer(req.TransferJSON)
	if err != nil {
		e.anomaly(req, "malformed_transfer_ledger", err)
	}
	return approval, transfer
}

func (e Engine) anomaly(req domain.Request, kind string, err error) {
	metrics.LedgerAnomalies.WithLabelValues(kind).Inc()
	attrs := []any{"request_id", req.ID, "request_number", req.RequestNumber, "status", req.Status, "kind", kind}
	if err != nil {
		attrs = append(attrs, "err", err)
	}
	e.Log().Warn("ledger anomaly", attrs...)
}

// VerifyAudit checks the hash chain of a request's audit log.
func (e Engine) VerifyAudit(ctx context.Context, requestID int64) (int, error) {
	if _, err := e.Repo.GetRequest(ctx, requestID); err != nil {
		return 0, err
	}
	entries, err := e.Repo.ListAudit(ctx, requestID, 0, 0)
	if err != nil {
		return 0, err
	}
	return len(entries), audit.Verify(entries)
}

func (e Engine) actorExists(ctx context.Context, field, id string) error {
	if _, err := e.Repo.GetActor(ctx, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return invalid(field, "unknown actor "+id)
		}
		return err
	}
	return nil
}

func optionalString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
