package directory

import (
	"context"
	"fmt"
	"time"
)

// AuditEntry is one change-audit row: which table changed and when.
type AuditEntry struct {
	Table     string
	ChangedAt time.Time
}

// AuditEntriesSince returns audit rows recorded at or after the given
// time, oldest first.
func (s *Store) AuditEntriesSince(ctx context.Context, since time.Time) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT table_name, changed_at FROM audit_log WHERE changed_at >= ? ORDER BY changed_at, id",
		since.Unix())
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var changedAt int64
		if err := rows.Scan(&e.Table, &changedAt); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		e.ChangedAt = time.Unix(changedAt, 0)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit rows: %w", err)
	}
	return out, nil
}
