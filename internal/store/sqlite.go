package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"tradegate/internal/errors"
	"tradegate/internal/models"
)

// SQLiteStore implements TokenStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	sealer *sealer
	now    func() time.Time
	logger zerolog.Logger
}

// Option configures a SQLiteStore.
type Option func(*storeOptions)

type storeOptions struct {
	passphrase string
	now        func() time.Time
	logger     zerolog.Logger
}

// WithPassphrase encrypts token payloads with a key derived from passphrase.
// An empty passphrase stores tokens in clear text.
func WithPassphrase(passphrase string) Option {
	return func(o *storeOptions) { o.passphrase = passphrase }
}

// WithClock overrides the clock used to stamp saved rows.
func WithClock(now func() time.Time) Option {
	return func(o *storeOptions) { o.now = now }
}

// WithLogger sets the store logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *storeOptions) { o.logger = logger }
}

// NewSQLiteStore opens (creating if needed) the token database at dbPath.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	o := storeOptions{now: time.Now, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(time.Hour)
	}

	s := &SQLiteStore{db: db, now: o.now, logger: o.logger}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if o.passphrase != "" {
		salt, err := s.salt()
		if err != nil {
			db.Close()
			return nil, err
		}
		if s.sealer, err = newSealer(o.passphrase, salt); err != nil {
			db.Close()
			return nil, err
		}
	}

	return s, nil
}

// initSchema creates all required tables.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- One row per user and broker kind
	CREATE TABLE IF NOT EXISTS broker_sessions (
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		client_code TEXT,
		payload TEXT NOT NULL,
		encrypted INTEGER DEFAULT 0,
		issued_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (user_id, kind)
	);

	-- Store-wide settings such as the key derivation salt
	CREATE TABLE IF NOT EXISTS store_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// salt returns the key derivation salt, creating it on first use.
func (s *SQLiteStore) salt() ([]byte, error) {
	var encoded string
	err := s.db.QueryRow(`SELECT value FROM store_meta WHERE key = 'salt'`).Scan(&encoded)
	switch {
	case err == sql.ErrNoRows:
		salt, err := newSalt()
		if err != nil {
			return nil, err
		}
		if _, err := s.db.Exec(`INSERT INTO store_meta (key, value) VALUES ('salt', ?)`,
			base64.StdEncoding.EncodeToString(salt)); err != nil {
			return nil, fmt.Errorf("failed to save salt: %w", err)
		}
		return salt, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read salt: %w", err)
	}

	return base64.StdEncoding.DecodeString(encoded)
}

// Encrypted reports whether new rows are written encrypted.
func (s *SQLiteStore) Encrypted() bool {
	return s.sealer != nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save stores tokens for the user and kind, replacing any previous row.
func (s *SQLiteStore) Save(ctx context.Context, userID string, kind models.BrokerKind, tokens models.Tokens) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.NewValidationError("user", userID, "user id is required")
	}
	if tokens.IsZero() {
		return errors.NewValidationError("tokens", "", "jwt token is required")
	}

	data, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("failed to encode tokens: %w", err)
	}

	payload := string(data)
	if s.sealer != nil {
		if payload, err = s.sealer.seal(data); err != nil {
			return err
		}
	}

	now := s.now()
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO broker_sessions
			(user_id, kind, client_code, payload, encrypted, issued_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, userID, string(kind), tokens.ClientCode, payload, boolToInt(s.sealer != nil), now, now)
	if err != nil {
		return fmt.Errorf("failed to save tokens: %w", err)
	}

	s.logger.Debug().
		Str("user", userID).
		Str("kind", string(kind)).
		Bool("encrypted", s.sealer != nil).
		Msg("Tokens saved")
	return nil
}

// Load returns the stored tokens and the time they were issued.
func (s *SQLiteStore) Load(ctx context.Context, userID string, kind models.BrokerKind) (models.Tokens, time.Time, error) {
	var (
		payload   string
		encrypted int
		issuedAt  time.Time
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT payload, encrypted, issued_at FROM broker_sessions
		WHERE user_id = ? AND kind = ?
	`, strings.TrimSpace(userID), string(kind)).Scan(&payload, &encrypted, &issuedAt)
	if err == sql.ErrNoRows {
		return models.Tokens{}, time.Time{}, errors.Wrapf(errors.ErrTokensNotFound, "user %q kind %s", userID, kind)
	}
	if err != nil {
		return models.Tokens{}, time.Time{}, fmt.Errorf("failed to load tokens: %w", err)
	}

	data := []byte(payload)
	if encrypted != 0 {
		if s.sealer == nil {
			return models.Tokens{}, time.Time{}, errors.Wrap(errors.ErrDecryptFailed, "store opened without a passphrase")
		}
		if data, err = s.sealer.open(payload); err != nil {
			return models.Tokens{}, time.Time{}, errors.Wrap(errors.ErrDecryptFailed, err.Error())
		}
	}

	var tokens models.Tokens
	if err := json.Unmarshal(data, &tokens); err != nil {
		return models.Tokens{}, time.Time{}, fmt.Errorf("failed to decode tokens: %w", err)
	}

	return tokens, issuedAt, nil
}

// Delete removes the stored tokens. Deleting a missing row is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, userID string, kind models.BrokerKind) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM broker_sessions WHERE user_id = ? AND kind = ?`,
		strings.TrimSpace(userID), string(kind))
	if err != nil {
		return fmt.Errorf("failed to delete tokens: %w", err)
	}
	return nil
}

// List returns every stored session ordered by user and kind.
func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, kind, COALESCE(client_code, ''), encrypted, issued_at, updated_at
		FROM broker_sessions ORDER BY user_id, kind
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r         Record
			kind      string
			encrypted int
		)
		if err := rows.Scan(&r.UserID, &kind, &r.ClientCode, &encrypted, &r.IssuedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		r.Kind = models.BrokerKind(kind)
		r.Encrypted = encrypted != 0
		records = append(records, r)
	}

	return records, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ TokenStore = (*SQLiteStore)(nil)
