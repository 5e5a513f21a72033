// Package store persists fetched messages and the rule execution history in SQLite.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/joshsymonds/mailtriage/internal/mail"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// StoreError wraps a failed persistence operation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

// Execution is one executed (or attempted) action in the history table.
type Execution struct {
	RunID       string
	Rule        string
	MessageID   string
	Action      string
	Destination string
	Succeeded   bool
	Error       string
	ExecutedAt  time.Time
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the SQLite-backed message store.
type Store struct {
	queries
	db     *sql.DB
	logger *slog.Logger
}

// Tx is a store transaction; see Store.InTx.
type Tx struct {
	queries
}

type queries struct {
	q     querier
	clock func() time.Time
}

// Open opens (creating if needed) the database at path and applies pending migrations.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	path = filepath.Clean(strings.TrimSpace(path))
	if path == "" || path == "." {
		return nil, errors.New("database path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one writer; transactions from concurrent workers queue on the pool
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL;`); err != nil {
		logger.Warn("failed to enable WAL journal", slog.Any("error", err))
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{
		queries: queries{q: db, clock: time.Now},
		db:      db,
		logger:  logger,
	}
	if err := s.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies all pending schema migrations.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("init migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	version, dirty, err := m.Version()
	if err == nil {
		s.logger.Debug("database schema ready", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InTx runs fn in a transaction: commit when fn returns nil, rollback on error or panic.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StoreError{Op: "begin", Err: err}
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Error("rollback failed", slog.Any("error", rbErr))
			}
			return
		}
		if cErr := sqlTx.Commit(); cErr != nil {
			err = &StoreError{Op: "commit", Err: cErr}
		}
	}()
	return fn(&Tx{queries: queries{q: sqlTx, clock: s.clock}})
}

const messageColumns = `id, thread_id, sender, recipient, subject, body, received_at, is_read, labels`

// Get returns the message with id; the bool is false when it is not stored.
func (q queries) Get(ctx context.Context, id string) (mail.Message, bool, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return mail.Message{}, false, nil
	}
	if err != nil {
		return mail.Message{}, false, &StoreError{Op: "get", Err: err}
	}
	return msg, true, nil
}

// Has reports whether a message id is stored.
func (q queries) Has(ctx context.Context, id string) (bool, error) {
	var n int
	if err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE id = ?`, id).Scan(&n); err != nil {
		return false, &StoreError{Op: "has", Err: err}
	}
	return n > 0, nil
}

// Upsert inserts msg or replaces the stored copy; the id itself is never rewritten.
func (q queries) Upsert(ctx context.Context, msg mail.Message) error {
	if msg.ID == "" {
		return &StoreError{Op: "upsert", Err: errors.New("message id is empty")}
	}
	if msg.ReceivedAt.IsZero() {
		return &StoreError{Op: "upsert", Err: fmt.Errorf("message %s has no received time", msg.ID)}
	}
	labels, err := json.Marshal(mail.NormalizeLabels(msg.Labels))
	if err != nil {
		return &StoreError{Op: "upsert", Err: err}
	}
	now := q.clock().UnixMilli()
	_, err = q.q.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			thread_id = excluded.thread_id,
			sender = excluded.sender,
			recipient = excluded.recipient,
			subject = excluded.subject,
			body = excluded.body,
			received_at = excluded.received_at,
			is_read = excluded.is_read,
			labels = excluded.labels,
			updated_at = excluded.updated_at`,
		msg.ID, msg.ThreadID, msg.Sender, msg.Recipient, msg.Subject, msg.Body,
		msg.ReceivedAt.UnixMilli(), msg.IsRead, string(labels), now, now,
	)
	if err != nil {
		return &StoreError{Op: "upsert", Err: err}
	}
	return nil
}

// All returns every stored message ordered by receipt time.
func (q queries) All(ctx context.Context) ([]mail.Message, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages ORDER BY received_at, id`)
	if err != nil {
		return nil, &StoreError{Op: "list", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var out []mail.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, &StoreError{Op: "list", Err: err}
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "list", Err: err}
	}
	return out, nil
}

// SetRead mirrors the read flag. A message that is not stored is left alone.
func (q queries) SetRead(ctx context.Context, id string, read bool) error {
	_, err := q.q.ExecContext(ctx,
		`UPDATE messages SET is_read = ?, updated_at = ? WHERE id = ?`,
		read, q.clock().UnixMilli(), id,
	)
	if err != nil {
		return &StoreError{Op: "set read", Err: err}
	}
	return nil
}

// RecordExecution appends to the execution history.
func (q queries) RecordExecution(ctx context.Context, e Execution) error {
	at := e.ExecutedAt
	if at.IsZero() {
		at = q.clock()
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO rule_executions (run_id, rule_name, message_id, action, destination, succeeded, error, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Rule, e.MessageID, e.Action, e.Destination, e.Succeeded, e.Error, at.UnixMilli(),
	)
	if err != nil {
		return &StoreError{Op: "record execution", Err: err}
	}
	return nil
}

// Executions lists the history for one message, oldest first.
func (q queries) Executions(ctx context.Context, messageID string) ([]Execution, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT run_id, rule_name, message_id, action, destination, succeeded, error, executed_at
		FROM rule_executions WHERE message_id = ? ORDER BY id`, messageID)
	if err != nil {
		return nil, &StoreError{Op: "list executions", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var out []Execution
	for rows.Next() {
		var (
			e  Execution
			at int64
		)
		if err := rows.Scan(&e.RunID, &e.Rule, &e.MessageID, &e.Action, &e.Destination, &e.Succeeded, &e.Error, &at); err != nil {
			return nil, &StoreError{Op: "list executions", Err: err}
		}
		e.ExecutedAt = time.UnixMilli(at).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "list executions", Err: err}
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (mail.Message, error) {
	var (
		msg      mail.Message
		received int64
		labels   string
	)
	if err := s.Scan(&msg.ID, &msg.ThreadID, &msg.Sender, &msg.Recipient, &msg.Subject, &msg.Body,
		&received, &msg.IsRead, &labels); err != nil {
		return mail.Message{}, err
	}
	msg.ReceivedAt = time.UnixMilli(received).UTC()
	if labels != "" {
		if err := json.Unmarshal([]byte(labels), &msg.Labels); err != nil {
			return mail.Message{}, fmt.Errorf("decode labels for %s: %w", msg.ID, err)
		}
	}
	return msg, nil
}
