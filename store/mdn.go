package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const mdnColumns = `message_id, timestamp, status, file, headers, return_url, signed, retries`

// CreateMDN inserts a receipt record. A zero Timestamp is stamped with the
// current time.
func (s *Store) CreateMDN(ctx context.Context, m *MDN) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mdns (`+mdnColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MessageID, m.Timestamp, m.Status, m.File, m.Headers, m.ReturnURL,
		m.Signed, m.Retries,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: mdn %q", ErrDuplicateID, m.MessageID)
		}
		return fmt.Errorf("creating mdn record: %w", err)
	}
	return nil
}

// UpdateMDN writes back the mutable fields of a receipt record.
func (s *Store) UpdateMDN(ctx context.Context, m *MDN) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mdns SET status = ?, file = ?, headers = ?, return_url = ?,
			signed = ?, retries = ?
		WHERE message_id = ?`,
		m.Status, m.File, m.Headers, m.ReturnURL, m.Signed, m.Retries,
		m.MessageID,
	)
	if err != nil {
		return fmt.Errorf("updating mdn record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %q", ErrMDNNotFound, m.MessageID)
	}
	return nil
}

// GetMDN fetches a receipt record by its message id.
func (s *Store) GetMDN(ctx context.Context, messageID string) (*MDN, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mdnColumns+` FROM mdns WHERE message_id = ?`, messageID)
	m, err := scanMDN(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrMDNNotFound, messageID)
	}
	return m, err
}

// ListMDNs returns the receipt records with the given status, oldest
// first. An empty status matches everything.
func (s *Store) ListMDNs(ctx context.Context, status string) ([]*MDN, error) {
	q := `SELECT ` + mdnColumns + ` FROM mdns`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY timestamp`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing mdn records: %w", err)
	}
	defer rows.Close()

	var out []*MDN
	for rows.Next() {
		m, err := scanMDN(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MessageForMDN finds the transmission a receipt record belongs to.
func (s *Store) MessageForMDN(ctx context.Context, mdnID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE mdn_id = ?`, mdnID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no message for mdn %q", ErrMessageNotFound, mdnID)
	}
	return m, err
}

func scanMDN(row rowScanner) (*MDN, error) {
	var m MDN
	err := row.Scan(
		&m.MessageID, &m.Timestamp, &m.Status, &m.File, &m.Headers,
		&m.ReturnURL, &m.Signed, &m.Retries,
	)
	if err != nil {
		return nil, err
	}
	m.Timestamp = m.Timestamp.UTC()
	return &m, nil
}
