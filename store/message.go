package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const messageColumns = `
	id, message_id, direction, timestamp, status, adv_status,
	organization, partner, payload_name, payload_type, payload_file,
	compressed, encrypted, signed, mic, mdn_mode, mdn_id, retries, headers`

// CreateMessage inserts a new transmission record. A zero Timestamp is
// stamped with the current time. Returns ErrDuplicateID when the record
// key is already taken.
func (s *Store) CreateMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = m.MessageID
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.MessageID, m.Direction, m.Timestamp, m.Status, m.AdvStatus,
		m.Organization, m.Partner, m.PayloadName, m.PayloadType, m.PayloadFile,
		m.Compressed, m.Encrypted, m.Signed, m.MIC, m.MDNMode, m.MDNID,
		m.Retries, m.Headers,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: message %q", ErrDuplicateID, m.ID)
		}
		return fmt.Errorf("creating message record: %w", err)
	}

	s.screen.Add(CompositeID(m.MessageID, m.Organization, m.Partner))
	return nil
}

// UpdateMessage writes back every mutable field of a previously created
// record.
func (s *Store) UpdateMessage(ctx context.Context, m *Message) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET
			status = ?, adv_status = ?, organization = ?, partner = ?,
			payload_name = ?, payload_type = ?, payload_file = ?,
			compressed = ?, encrypted = ?, signed = ?, mic = ?,
			mdn_mode = ?, mdn_id = ?, retries = ?, headers = ?
		WHERE id = ?`,
		m.Status, m.AdvStatus, m.Organization, m.Partner,
		m.PayloadName, m.PayloadType, m.PayloadFile,
		m.Compressed, m.Encrypted, m.Signed, m.MIC,
		m.MDNMode, m.MDNID, m.Retries, m.Headers,
		m.ID,
	)
	if err != nil {
		return fmt.Errorf("updating message record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %q", ErrMessageNotFound, m.ID)
	}
	return nil
}

// GetMessage fetches a record by its key.
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrMessageNotFound, id)
	}
	return m, err
}

// FindMessage locates a record by its wire message id and trading
// relation, the lookup used to pair an incoming receipt with the
// transmission it acknowledges.
func (s *Store) FindMessage(ctx context.Context, wireID, org, partner string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE message_id = ? AND organization = ? AND partner = ?
		ORDER BY timestamp LIMIT 1`,
		wireID, org, partner)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrMessageNotFound, wireID)
	}
	return m, err
}

// SeenMessage reports whether a transmission with this wire id already
// exists for the trading relation. The bloom screen answers the common
// fresh-message case without touching the database.
func (s *Store) SeenMessage(ctx context.Context, wireID, org, partner string) (bool, error) {
	if !s.screen.MaybeContains(CompositeID(wireID, org, partner)) {
		return false, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE message_id = ? AND organization = ? AND partner = ?`,
		wireID, org, partner).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking for duplicate: %w", err)
	}
	return n > 0, nil
}

// ListMessages returns the records matching the filter, oldest first.
func (s *Store) ListMessages(ctx context.Context, f MessageFilter) ([]*Message, error) {
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.Direction != "" {
		conds = append(conds, "direction = ?")
		args = append(args, f.Direction)
	}
	if !f.Before.IsZero() {
		conds = append(conds, "timestamp < ?")
		args = append(args, f.Before)
	}

	q := `SELECT ` + messageColumns + ` FROM messages`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY timestamp"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing message records: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteMessage removes a record together with its logs and related
// receipt. Artifact files are the caller's to remove.
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var mdnID string
	err = tx.QueryRowContext(ctx, `SELECT mdn_id FROM messages WHERE id = ?`, id).Scan(&mdnID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %q", ErrMessageNotFound, id)
	}
	if err != nil {
		return err
	}

	if mdnID != "" {
		if _, err := tx.ExecContext(ctx, `DELETE FROM mdns WHERE message_id = ?`, mdnID); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM logs WHERE message_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// AddLog attaches a processing event to a message record.
func (s *Store) AddLog(ctx context.Context, messageID, status, text string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO logs (message_id, timestamp, status, text) VALUES (?, ?, ?, ?)`,
		messageID, time.Now().UTC(), status, text)
	if err != nil {
		return fmt.Errorf("adding log record: %w", err)
	}
	return nil
}

// Logs returns the processing events of a message, oldest first.
func (s *Store) Logs(ctx context.Context, messageID string) ([]Log, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, timestamp, status, text FROM logs
		WHERE message_id = ? ORDER BY id`, messageID)
	if err != nil {
		return nil, fmt.Errorf("listing log records: %w", err)
	}
	defer rows.Close()

	var out []Log
	for rows.Next() {
		var l Log
		if err := rows.Scan(&l.ID, &l.MessageID, &l.Timestamp, &l.Status, &l.Text); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	err := row.Scan(
		&m.ID, &m.MessageID, &m.Direction, &m.Timestamp, &m.Status, &m.AdvStatus,
		&m.Organization, &m.Partner, &m.PayloadName, &m.PayloadType, &m.PayloadFile,
		&m.Compressed, &m.Encrypted, &m.Signed, &m.MIC, &m.MDNMode, &m.MDNID,
		&m.Retries, &m.Headers,
	)
	if err != nil {
		return nil, err
	}
	m.Timestamp = m.Timestamp.UTC()
	return &m, nil
}

func isUniqueViolation(err error) bool {
	// modernc/sqlite reports constraint violations with the extended
	// result code in the message, e.g. "constraint failed: UNIQUE ...".
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
