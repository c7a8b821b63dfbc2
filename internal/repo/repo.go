package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"aftflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means the row changed since it was loaded; reload and retry.
	ErrConflict = errors.New("request was modified concurrently")
)

const requestColumns = `id,request_number,requestor_id,title,description,transfer_type,classification,status,approval_data,transfer_data,dta_id,sme_id,approver_id,media_custodian_id,version,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(s rowScanner) (domain.Request, error) {
	var req domain.Request
	var description, approval, transfer, dtaID, smeID, approverID, custodianID sql.NullString
	err := s.Scan(&req.ID, &req.RequestNumber, &req.RequestorID, &req.Title, &description, &req.TransferType, &req.Classification,
		&req.Status, &approval, &transfer, &dtaID, &smeID, &approverID, &custodianID, &req.Version, &req.CreatedAt, &req.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return req, ErrNotFound
	}
	if err != nil {
		return req, err
	}
	if description.Valid {
		req.Description = description.String
	}
	req.ApprovalJSON = stringPtr(approval)
	req.TransferJSON = stringPtr(transfer)
	req.DTAID = stringPtr(dtaID)
	req.SMEID = stringPtr(smeID)
	req.ApproverID = stringPtr(approverID)
	req.MediaCustodianID = stringPtr(custodianID)
	return req, nil
}

func (r Repo) GetRequest(ctx context.Context, id int64) (domain.Request, error) {
	return scanRequest(r.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=?`, id))
}

func (r Repo) GetRequestByNumber(ctx context.Context, number string) (domain.Request, error) {
	return scanRequest(r.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE request_number=?`, number))
}

// InsertRequestTx stores a new request and returns its id.
func (r Repo) InsertRequestTx(ctx context.Context, tx *sql.Tx, req domain.Request) (int64, error) {
	if req.Version == 0 {
		req.Version = 1
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO requests(request_number,requestor_id,title,description,transfer_type,classification,status,approval_data,transfer_data,dta_id,sme_id,approver_id,media_custodian_id,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		req.RequestNumber, req.RequestorID, req.Title, nullable(req.Description), req.TransferType, req.Classification, req.Status,
		nullableStringPtr(req.ApprovalJSON), nullableStringPtr(req.TransferJSON), nullableStringPtr(req.DTAID), nullableStringPtr(req.SMEID),
		nullableStringPtr(req.ApproverID), nullableStringPtr(req.MediaCustodianID), req.Version, req.CreatedAt, req.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// SaveRequestTx writes status, both ledgers, assignments and updated_at only if the
// stored version still equals expectedVersion. On success the returned request
// carries the bumped version.
func (r Repo) SaveRequestTx(ctx context.Context, tx *sql.Tx, req domain.Request, expectedVersion int64) (domain.Request, error) {
	res, err := tx.ExecContext(ctx, `UPDATE requests SET status=?, approval_data=?, transfer_data=?, dta_id=?, sme_id=?, approver_id=?, media_custodian_id=?, updated_at=?, version=version+1
WHERE id=? AND version=?`,
		req.Status, nullableStringPtr(req.ApprovalJSON), nullableStringPtr(req.TransferJSON), nullableStringPtr(req.DTAID), nullableStringPtr(req.SMEID),
		nullableStringPtr(req.ApproverID), nullableStringPtr(req.MediaCustodianID), req.UpdatedAt, req.ID, expectedVersion)
	if err != nil {
		return req, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return req, err
	}
	if affected == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM requests WHERE id=?`, req.ID).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
			return req, ErrNotFound
		}
		return req, ErrConflict
	}
	req.Version = expectedVersion + 1
	return req, nil
}

type RequestFilters struct {
	Status          string
	TransferType    string
	RequestorID     string
	Limit           int
	CursorUpdatedAt string
	CursorID        int64
}

// ListRequests returns requests most recently updated first.
func (r Repo) ListRequests(ctx context.Context, f RequestFilters) ([]domain.Request, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.TransferType != "" {
		clauses = append(clauses, "transfer_type=?")
		args = append(args, f.TransferType)
	}
	if f.RequestorID != "" {
		clauses = append(clauses, "requestor_id=?")
		args = append(args, f.RequestorID)
	}
	if f.CursorUpdatedAt != "" && f.CursorID > 0 {
		clauses = append(clauses, "(updated_at < ? OR (updated_at = ? AND id < ?))")
		args = append(args, f.CursorUpdatedAt, f.CursorUpdatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + requestColumns + ` FROM requests ` + where + ` ORDER BY updated_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

func (r Repo) CountRequestsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM requests GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// ListAudit returns a request's audit entries oldest first. afterID pages forward.
func (r Repo) ListAudit(ctx context.Context, requestID int64, limit int, afterID int64) ([]domain.AuditEntry, error) {
	query := `SELECT id,request_id,actor_id,COALESCE(actor_role,''),action,COALESCE(old_status,''),COALESCE(new_status,''),COALESCE(notes,''),ts,COALESCE(prev_hash,''),hash
FROM audit_log WHERE request_id=? AND id>? ORDER BY id ASC`
	args := []any{requestID, afterID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.RequestID, &e.ActorID, &e.ActorRole, &e.Action, &e.OldStatus, &e.NewStatus, &e.Notes, &e.TS, &e.PrevHash, &e.Hash); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
