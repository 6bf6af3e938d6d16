// Package store persists the message and receipt records of the engine and
// owns the on-disk artifact layout under the station root directory. The
// sqlite database indexes transmissions; the artifacts themselves (payloads,
// receipts, raw captures) live as plain files so operators can inspect and
// archive them with ordinary tools.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrMDNNotFound     = errors.New("mdn not found")
	ErrDuplicateID     = errors.New("record id already exists")
)

// Message lifecycle statuses.
const (
	StatusSuccess   = "S"
	StatusError     = "E"
	StatusWarning   = "W"
	StatusPending   = "P"
	StatusRetry     = "R"
	StatusInProcess = "IP"
)

// Receipt record statuses. Pending receipts are queued for asynchronous
// delivery and move to failed once the retry budget is exhausted.
const (
	MDNSent     = "S"
	MDNReceived = "R"
	MDNPending  = "P"
	MDNFailed   = "E"
)

// Transmission directions.
const (
	DirectionInbound  = "IN"
	DirectionOutbound = "OUT"
)

// IDSep joins the wire message id with the receiving and sending AS2 names
// to form the record key. Inbound ids are only unique per trading relation,
// so the key carries all three.
const IDSep = "#"

// CompositeID builds the record key for an inbound message. Empty name
// parts are kept as literal NONE so failed resolutions still produce a
// distinct, recognisable key.
func CompositeID(wireID, as2To, as2From string) string {
	if as2To == "" {
		as2To = "NONE"
	}
	if as2From == "" {
		as2From = "NONE"
	}
	return strings.Join([]string{wireID, as2To, as2From}, IDSep)
}

// WireID recovers the wire message id from a record key.
func WireID(id string) string {
	if i := strings.Index(id, IDSep); i >= 0 {
		return id[:i]
	}
	return id
}

// Message is one transmission, inbound or outbound.
type Message struct {
	// ID is the record key: the wire message id for outbound messages,
	// CompositeID for inbound ones (suffixed further for duplicates).
	ID           string
	MessageID    string // wire Message-ID without angle brackets
	Direction    string
	Timestamp    time.Time
	Status       string
	AdvStatus    string
	Organization string // local AS2 name
	Partner      string // remote AS2 name
	PayloadName  string
	PayloadType  string
	PayloadFile  string
	Compressed   bool
	Encrypted    bool
	Signed       bool
	MIC          string
	MDNMode      string
	MDNID        string // key of the related receipt record
	Retries      int
	Headers      string // transport headers as "key: value" lines, kept for resends
}

// MDN is a receipt record, either one we generated or one a partner
// returned for our outbound message.
type MDN struct {
	MessageID string // the receipt's own message id
	Timestamp time.Time
	Status    string
	File      string
	Headers   string
	ReturnURL string
	Signed    bool
	Retries   int
}

// Log is one processing event attached to a message.
type Log struct {
	ID        int64
	MessageID string
	Timestamp time.Time
	Status    string
	Text      string
}

// MessageFilter narrows ListMessages. Zero-valued fields match everything.
type MessageFilter struct {
	Status    string
	Direction string
	Before    time.Time
}

// Store is the sqlite-backed record index combined with the artifact file
// layout. Safe for concurrent use.
type Store struct {
	db     *sql.DB
	files  *FileStore
	screen *Screen
}

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id            TEXT PRIMARY KEY,
	message_id    TEXT NOT NULL,
	direction     TEXT NOT NULL,
	timestamp     TIMESTAMP NOT NULL,
	status        TEXT NOT NULL,
	adv_status    TEXT NOT NULL DEFAULT '',
	organization  TEXT NOT NULL DEFAULT '',
	partner       TEXT NOT NULL DEFAULT '',
	payload_name  TEXT NOT NULL DEFAULT '',
	payload_type  TEXT NOT NULL DEFAULT '',
	payload_file  TEXT NOT NULL DEFAULT '',
	compressed    BOOLEAN NOT NULL DEFAULT 0,
	encrypted     BOOLEAN NOT NULL DEFAULT 0,
	signed        BOOLEAN NOT NULL DEFAULT 0,
	mic           TEXT NOT NULL DEFAULT '',
	mdn_mode      TEXT NOT NULL DEFAULT '',
	mdn_id        TEXT NOT NULL DEFAULT '',
	retries       INTEGER NOT NULL DEFAULT 0,
	headers       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS messages_by_wire_id ON messages(message_id, organization, partner);
CREATE INDEX IF NOT EXISTS messages_by_status ON messages(status, direction);
CREATE INDEX IF NOT EXISTS messages_by_timestamp ON messages(timestamp);

CREATE TABLE IF NOT EXISTS mdns (
	message_id  TEXT PRIMARY KEY,
	timestamp   TIMESTAMP NOT NULL,
	status      TEXT NOT NULL,
	file        TEXT NOT NULL DEFAULT '',
	headers     TEXT NOT NULL DEFAULT '',
	return_url  TEXT NOT NULL DEFAULT '',
	signed      BOOLEAN NOT NULL DEFAULT 0,
	retries     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS mdns_by_status ON mdns(status);

CREATE TABLE IF NOT EXISTS logs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id  TEXT NOT NULL,
	timestamp   TIMESTAMP NOT NULL,
	status      TEXT NOT NULL,
	text        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS logs_by_message ON logs(message_id);
`

// Open opens (creating if necessary) the record database at dbPath and
// binds it to the artifact layout rooted at files. The duplicate screen is
// seeded from the existing records.
func Open(ctx context.Context, dbPath string, files *FileStore) (*Store, error) {
	dsn := "file:" + dbPath +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening record database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying record schema: %w", err)
	}

	s := &Store{db: db, files: files}
	if err := s.seedScreen(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) seedScreen(ctx context.Context) error {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
		return fmt.Errorf("counting records: %w", err)
	}

	s.screen = NewScreen(screenCapacity(count))

	rows, err := s.db.QueryContext(ctx, `SELECT message_id, organization, partner FROM messages`)
	if err != nil {
		return fmt.Errorf("seeding duplicate screen: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var wireID, org, partner string
		if err := rows.Scan(&wireID, &org, &partner); err != nil {
			return err
		}
		s.screen.Add(CompositeID(wireID, org, partner))
	}
	return rows.Err()
}

func screenCapacity(records int64) int {
	const floor = 1 << 16
	if records*2 > floor {
		return int(records * 2)
	}
	return floor
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Files exposes the artifact layout bound at Open.
func (s *Store) Files() *FileStore {
	return s.files
}
