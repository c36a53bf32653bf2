// Package store opens the embedded Record Store and owns its transaction
// discipline: every multi-row mutation runs through WriteTx, which
// serializes writers in-process and takes SQLite's write lock up front.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pressly/goose/v3"
	"golang.org/x/sync/semaphore"
	_ "modernc.org/sqlite"

	"github.com/dmitrijs2005/classbook/internal/common"
	"github.com/dmitrijs2005/classbook/internal/dbx"
	"github.com/dmitrijs2005/classbook/internal/filex"
	"github.com/dmitrijs2005/classbook/internal/logging"
	"github.com/dmitrijs2005/classbook/internal/store/migrations"
)

// maxOpenConns caps the pool. WAL lets readers run beside the one writer
// that WriteTx admits.
const maxOpenConns = 4

type Store struct {
	db     *sql.DB
	writer *semaphore.Weighted
}

// DSN builds a modernc sqlite DSN for path with the pragmas the store
// depends on. BEGIN is issued as BEGIN IMMEDIATE so a write transaction
// holds the database write lock from its first statement.
func DSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// Open creates the parent directory if needed, opens the database file and
// migrates it to the latest schema. Migration progress goes to log.
func Open(ctx context.Context, path string, log logging.Logger) (*Store, error) {
	if _, err := filex.EnsureDir(filepath.Dir(path), ""); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, common.Storage("ping", err)
	}

	if err := RunMigrations(ctx, db, log); err != nil {
		_ = db.Close()
		return nil, common.Storage("migrate", err)
	}

	return New(db), nil
}

// New wraps an already migrated database.
func New(db *sql.DB) *Store {
	return &Store{db: db, writer: semaphore.NewWeighted(1)}
}

// gooseUp is a test seam.
var gooseUp = goose.UpContext

// goose keeps its logger, FS and dialect in package globals.
var migrateMu sync.Mutex

// gooseLogger sends goose output to a logging.Logger at debug level.
type gooseLogger struct {
	ctx context.Context
	log logging.Logger
}

func (g gooseLogger) Printf(format string, v ...any) {
	g.log.Debug(g.ctx, strings.TrimSpace(fmt.Sprintf(format, v...)), "component", "migrations")
}

func (g gooseLogger) Fatalf(format string, v ...any) {
	g.log.Error(g.ctx, strings.TrimSpace(fmt.Sprintf(format, v...)), "component", "migrations")
}

func RunMigrations(ctx context.Context, db *sql.DB, log logging.Logger) error {
	if log == nil {
		log = logging.Nop{}
	}

	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetLogger(gooseLogger{ctx: ctx, log: log})
	goose.SetBaseFS(migrations.Migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}

	return gooseUp(ctx, db, ".")
}

// DB is the read handle. Writes must go through WriteTx.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// WriteTx runs fn inside one write transaction. Writers are admitted one at
// a time, so a deletion cascade and a changeset apply never interleave.
// Untyped errors from fn or from the driver surface as StorageFailure.
func (s *Store) WriteTx(ctx context.Context, fn func(ctx context.Context, tx dbx.DBTX) error) error {
	if err := s.writer.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.writer.Release(1)

	return common.Storage("write transaction", dbx.WithTx(ctx, s.db, nil, fn))
}

// ReadTx runs fn against a consistent snapshot. Used by exports that read
// several tables.
func (s *Store) ReadTx(ctx context.Context, fn func(ctx context.Context, tx dbx.DBTX) error) error {
	return common.Storage("read transaction", dbx.WithTx(ctx, s.db, &sql.TxOptions{ReadOnly: true}, fn))
}
