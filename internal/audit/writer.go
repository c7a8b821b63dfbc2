// Package audit appends request audit entries and links each request's entries
// into a BLAKE3 hash chain so later tampering is detectable.
package audit

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/blake3"

	"aftflow/internal/domain"
)

// chainKey is the keyed-hash domain for audit entries, ASCII zero-padded to 32 bytes.
var chainKey = [32]byte{
	'a', 'f', 't', '.', 'a', 'u', 'd', 'i', 't', '.', 'c', 'h', 'a', 'i', 'n',
}

// Entry is what the caller knows about a transition; the writer fills in time and hashes.
type Entry struct {
	RequestID int64
	ActorID   string
	ActorRole string
	Action    string
	OldStatus domain.Status
	NewStatus domain.Status
	Notes     string
}

type Writer struct {
	Now func() time.Time
}

// Append inserts one audit row inside tx, chained to the request's previous row.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) (domain.AuditEntry, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	var prev sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT hash FROM audit_log WHERE request_id=? ORDER BY id DESC LIMIT 1`, e.RequestID).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return domain.AuditEntry{}, fmt.Errorf("read audit head: %w", err)
	}
	row := domain.AuditEntry{
		RequestID: e.RequestID,
		ActorID:   e.ActorID,
		ActorRole: e.ActorRole,
		Action:    e.Action,
		OldStatus: string(e.OldStatus),
		NewStatus: string(e.NewStatus),
		Notes:     e.Notes,
		TS:        w.Now().UTC().Format(time.RFC3339Nano),
		PrevHash:  prev.String,
	}
	row.Hash = Hash(row)
	res, err := tx.ExecContext(ctx, `INSERT INTO audit_log(request_id,actor_id,actor_role,action,old_status,new_status,notes,ts,prev_hash,hash) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		row.RequestID, row.ActorID, nullable(row.ActorRole), row.Action, nullable(row.OldStatus), nullable(row.NewStatus), nullable(row.Notes), row.TS, nullable(row.PrevHash), row.Hash)
	if err != nil {
		return domain.AuditEntry{}, err
	}
	row.ID, _ = res.LastInsertId()
	return row, nil
}

// Hash computes the chained digest of an entry. Fields are length-prefixed so
// adjacent values cannot be shifted into each other.
func Hash(e domain.AuditEntry) string {
	h, err := blake3.NewKeyed(chainKey[:])
	if err != nil {
		panic("audit: blake3 keyed init: " + err.Error())
	}
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], uint64(e.RequestID))
	h.Write(id[:])
	for _, f := range []string{e.PrevHash, e.ActorID, e.ActorRole, e.Action, e.OldStatus, e.NewStatus, e.Notes, e.TS} {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(f)))
		h.Write(n[:])
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ChainError points at the first entry whose hash or link does not match.
type ChainError struct {
	EntryID int64
	Reason  string
}

func (e ChainError) Error() string {
	return fmt.Sprintf("audit chain broken at entry %d: %s", e.EntryID, e.Reason)
}

// Verify checks a request's entries, oldest first.
func Verify(entries []domain.AuditEntry) error {
	prev := ""
	for _, e := range entries {
		if e.PrevHash != prev {
			return ChainError{EntryID: e.ID, Reason: "previous hash mismatch"}
		}
		if Hash(e) != e.Hash {
			return ChainError{EntryID: e.ID, Reason: "content hash mismatch"}
		}
		prev = e.Hash
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
