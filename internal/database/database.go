package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"aquadrop/internal/constants"
	apperrors "aquadrop/internal/errors"
	"aquadrop/internal/migrations"
	"aquadrop/internal/models"
	"aquadrop/internal/security"

	_ "github.com/mattn/go-sqlite3"
)

// InterruptedSendError is stored on sends that were pending when the process stopped
const InterruptedSendError = "send interrupted"

// Database is the SQLite message store. Message bodies and errors are
// encrypted at rest when encryption is enabled.
type Database struct {
	db        *sql.DB
	encryptor *encryptor
	now       func() time.Time
}

func isMemoryPath(p string) bool {
	return p == ":memory:" || strings.HasPrefix(p, "file::memory:")
}

func New(dbPath string) (*Database, error) {
	if err := security.ValidateDBPath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	dsn := dbPath
	if !isMemoryPath(dbPath) {
		file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600) // #nosec G304 - Path validated by security.ValidateDBPath above
		if err != nil {
			return nil, fmt.Errorf("failed to create database file: %w", err)
		}
		if err := file.Close(); err != nil {
			return nil, fmt.Errorf("failed to close database file: %w", err)
		}
		dsn = fmt.Sprintf("%s?_busy_timeout=%d&_journal_mode=WAL", dbPath, constants.DefaultDatabaseBusyTimeoutMs)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if isMemoryPath(dbPath) {
		// every pooled connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		return nil, closeWith(db, fmt.Errorf("failed to ping database: %w", err))
	}
	if err := migrations.RunMigrations(db); err != nil {
		return nil, closeWith(db, fmt.Errorf("failed to initialize schema: %w", err))
	}

	enc, err := NewEncryptor()
	if err != nil {
		return nil, closeWith(db, fmt.Errorf("failed to initialize encryptor: %w", err))
	}

	return &Database{db: db, encryptor: enc, now: time.Now}, nil
}

func closeWith(db *sql.DB, err error) error {
	if closeErr := db.Close(); closeErr != nil {
		return fmt.Errorf("%w (close error: %v)", err, closeErr)
	}
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Ping checks the connection for health reporting
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// SaveMessage inserts or updates a message by local id. A negative position
// appends a new row and leaves an existing row where it is.
func (d *Database) SaveMessage(ctx context.Context, m *models.Message, position int) error {
	if m == nil || m.LocalID == "" {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "message local id is required")
	}

	body, err := d.encryptor.Encrypt(m.Body)
	if err != nil {
		return fmt.Errorf("failed to encrypt message body: %w", err)
	}
	errText, err := d.encryptor.Encrypt(m.Error)
	if err != nil {
		return fmt.Errorf("failed to encrypt message error: %w", err)
	}

	var pos any
	if position >= 0 {
		pos = int64(position)
	}
	var readAt any
	if m.ReadAt != nil {
		readAt = m.ReadAt.UTC()
	}

	return retryableDBOperationNoReturn(ctx, func() error {
		_, err := d.db.ExecContext(ctx, UpsertMessageQuery,
			m.LocalID,
			nullString(m.ID.String()),
			nullString(m.CorrelationID),
			m.ConversationID,
			m.SenderID,
			body,
			string(m.Status),
			pos, m.ConversationID,
			nullString(errText),
			m.CreatedAt.UTC(),
			m.UpdatedAt.UTC(),
			readAt,
			pos,
		)
		return err
	}, "save message")
}

// DeleteMessage removes a message. Missing rows are not an error.
func (d *Database) DeleteMessage(ctx context.Context, localID string) error {
	return retryableDBOperationNoReturn(ctx, func() error {
		_, err := d.db.ExecContext(ctx, DeleteMessageQuery, localID)
		return err
	}, "delete message")
}

// ListMessages returns a conversation in stored order
func (d *Database) ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	rows, err := d.db.QueryContext(ctx, SelectMessagesByConversationQuery, conversationID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list messages", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Message
	for rows.Next() {
		m, err := d.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("list messages", err)
	}
	return out, nil
}

// GetMessage returns a message by local id, or nil when it does not exist
func (d *Database) GetMessage(ctx context.Context, localID string) (*models.Message, error) {
	m, err := d.scanMessage(d.db.QueryRowContext(ctx, SelectMessageByLocalIDQuery, localID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

type scanner interface {
	Scan(dest ...any) error
}

func (d *Database) scanMessage(row scanner) (*models.Message, error) {
	var (
		m                     models.Message
		serverID, correlation sql.NullString
		encryptedBody, status string
		encryptedErr          sql.NullString
		readAt                sql.NullTime
	)
	err := row.Scan(&m.LocalID, &serverID, &correlation, &m.ConversationID, &m.SenderID,
		&encryptedBody, &status, &encryptedErr, &m.CreatedAt, &m.UpdatedAt, &readAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}

	m.ID = models.ID(serverID.String)
	m.CorrelationID = correlation.String
	m.Status = models.MessageStatus(status)
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	if readAt.Valid {
		t := readAt.Time.UTC()
		m.ReadAt = &t
	}

	if m.Body, err = d.encryptor.Decrypt(encryptedBody); err != nil {
		return nil, fmt.Errorf("failed to decrypt message body: %w", err)
	}
	if m.Error, err = d.encryptor.Decrypt(encryptedErr.String); err != nil {
		return nil, fmt.Errorf("failed to decrypt message error: %w", err)
	}
	return &m, nil
}

// GetStalePendingCount counts sends pending for longer than threshold
func (d *Database) GetStalePendingCount(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := d.now().Add(-threshold).UTC()
	var count int
	if err := d.db.QueryRowContext(ctx, CountStalePendingQuery, cutoff).Scan(&count); err != nil {
		return 0, apperrors.NewDatabaseError("count stale pending", err)
	}
	return count, nil
}

// MarkInterruptedSends fails every stored send the server never confirmed.
// Run it once at startup, before conversations are loaded.
func (d *Database) MarkInterruptedSends(ctx context.Context) (int64, error) {
	errText, err := d.encryptor.Encrypt(InterruptedSendError)
	if err != nil {
		return 0, err
	}
	var affected int64
	err = retryableDBOperationNoReturn(ctx, func() error {
		res, err := d.db.ExecContext(ctx, MarkInterruptedSendsQuery, errText)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	}, "mark interrupted sends")
	return affected, err
}

// CleanupOldRecords removes settled messages and order snapshots older than
// retentionDays. Unconfirmed sends are kept.
func (d *Database) CleanupOldRecords(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, apperrors.New(apperrors.ErrCodeInvalidInput, "retention days must be positive")
	}
	cutoff := d.now().AddDate(0, 0, -retentionDays).UTC()

	var removed int64
	err := retryableDBOperationNoReturn(ctx, func() error {
		res, err := d.db.ExecContext(ctx, DeleteOldMessagesQuery, cutoff)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		if err != nil {
			return err
		}
		_, err = d.db.ExecContext(ctx, DeleteOldOrderSnapshotsQuery, retentionDays)
		return err
	}, "cleanup old records")
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old records: %w", err)
	}
	return removed, nil
}

// SaveOrderSnapshot stores the latest view of an order
func (d *Database) SaveOrderSnapshot(ctx context.Context, snap models.OrderSnapshot) error {
	if snap.OrderID.IsZero() {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "order id is required")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode order snapshot: %w", err)
	}
	return retryableDBOperationNoReturn(ctx, func() error {
		_, err := d.db.ExecContext(ctx, UpsertOrderSnapshotQuery, snap.OrderID.String(), string(data))
		return err
	}, "save order snapshot")
}

// GetOrderSnapshot returns the stored view of an order, or nil when unknown
func (d *Database) GetOrderSnapshot(ctx context.Context, orderID string) (*models.OrderSnapshot, error) {
	var data string
	err := d.db.QueryRowContext(ctx, SelectOrderSnapshotQuery, orderID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get order snapshot", err)
	}
	var snap models.OrderSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("failed to decode order snapshot: %w", err)
	}
	return &snap, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
