package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Member roles as stored in the members table.
const (
	RoleGateway = "gateway"
	RoleClient  = "client"
)

// ErrMemberNotFound is returned when no member row matches an SDP id.
var ErrMemberNotFound = errors.New("directory: member not found")

// ErrDuplicateMember is returned when more than one member row matches an
// SDP id. The members table keys on sdp_id, so this indicates a corrupted
// directory and is treated as fatal by callers.
var ErrDuplicateMember = errors.New("directory: multiple rows for one SDP id")

// CertSubject holds the certificate subject attributes stored per member.
type CertSubject struct {
	Country  string
	State    string
	Locality string
	Org      string
	OrgUnit  string
	Email    string
	Serial   string
}

// Member is one identity row in the directory.
type Member struct {
	SDPID          uint32
	Role           string
	Valid          bool
	EncryptKey     string
	HMACKey        string
	LastCredUpdate time.Time
	CredUpdateDue  time.Time
	Subject        CertSubject
}

const memberColumns = `sdp_id, role, valid, encrypt_key, hmac_key,
	last_cred_update, cred_update_due,
	country, state, locality, org, org_unit, email, serial`

func scanMember(rows *sql.Rows) (*Member, error) {
	var m Member
	var valid int
	var lastUpdate, updateDue int64
	err := rows.Scan(&m.SDPID, &m.Role, &valid, &m.EncryptKey, &m.HMACKey,
		&lastUpdate, &updateDue,
		&m.Subject.Country, &m.Subject.State, &m.Subject.Locality,
		&m.Subject.Org, &m.Subject.OrgUnit, &m.Subject.Email, &m.Subject.Serial)
	if err != nil {
		return nil, err
	}
	m.Valid = valid != 0
	m.LastCredUpdate = time.Unix(lastUpdate, 0)
	m.CredUpdateDue = time.Unix(updateDue, 0)
	return &m, nil
}

// MemberBySDPID looks up one member. It scans all matching rows so a
// duplicate-row invariant violation is detected rather than masked.
func (s *Store) MemberBySDPID(ctx context.Context, sdpID uint32) (*Member, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+memberColumns+" FROM members WHERE sdp_id = ?", sdpID)
	if err != nil {
		return nil, fmt.Errorf("query member %d: %w", sdpID, err)
	}
	defer rows.Close()

	var member *Member
	for rows.Next() {
		if member != nil {
			return nil, ErrDuplicateMember
		}
		member, err = scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member %d: %w", sdpID, err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	if member == nil {
		return nil, ErrMemberNotFound
	}
	return member, nil
}

// UpdateMemberKeys persists rotated key material and the new rotation
// timestamps for one member.
func (s *Store) UpdateMemberKeys(ctx context.Context, sdpID uint32, encryptKey, hmacKey string, updated, due time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE members SET encrypt_key = ?, hmac_key = ?,
			last_cred_update = ?, cred_update_due = ?
		WHERE sdp_id = ?`,
		encryptKey, hmacKey, updated.Unix(), due.Unix(), sdpID)
	if err != nil {
		return fmt.Errorf("update keys for member %d: %w", sdpID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update keys for member %d: %w", sdpID, err)
	}
	if n == 0 {
		return ErrMemberNotFound
	}
	return nil
}

// InsertMember creates a new member row.
func (s *Store) InsertMember(ctx context.Context, m *Member) error {
	valid := 0
	if m.Valid {
		valid = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO members (sdp_id, role, valid, encrypt_key, hmac_key,
			last_cred_update, cred_update_due,
			country, state, locality, org, org_unit, email, serial)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.SDPID, m.Role, valid, m.EncryptKey, m.HMACKey,
		m.LastCredUpdate.Unix(), m.CredUpdateDue.Unix(),
		m.Subject.Country, m.Subject.State, m.Subject.Locality,
		m.Subject.Org, m.Subject.OrgUnit, m.Subject.Email, m.Subject.Serial)
	if err != nil {
		return fmt.Errorf("insert member %d: %w", m.SDPID, err)
	}
	if m.Role == RoleGateway {
		if _, err := s.db.ExecContext(ctx,
			"INSERT INTO gateways (sdp_id) VALUES (?)", m.SDPID); err != nil {
			return fmt.Errorf("insert gateway row for member %d: %w", m.SDPID, err)
		}
	}
	return nil
}

// ListMembers returns all member rows ordered by SDP id.
func (s *Store) ListMembers(ctx context.Context) ([]*Member, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+memberColumns+" FROM members ORDER BY sdp_id")
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var members []*Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return members, nil
}
