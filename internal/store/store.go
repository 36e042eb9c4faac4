// Package store persists telegrams into PostgreSQL through database/sql and pgx driver.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/juju/errors"
	"github.com/temoto/p1meter/internal/p1"
	"github.com/temoto/p1meter/log2"
)

const (
	DefaultTable = "telegram"

	pingTimeout    = 5 * time.Second
	maxOpenConns   = 2
	codeUniqueViol = "23505"
)

var reTable = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

type Config struct {
	Dsn   string
	Table string
}

// PersistenceError means database rejected the write or read.
type PersistenceError struct {
	Op        string
	Duplicate bool // unique key violation, telegram with same timestamp is stored already
	Err       error
}

func (e PersistenceError) Error() string {
	if e.Duplicate {
		return fmt.Sprintf("store %s duplicate: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}
func (e PersistenceError) Unwrap() error { return e.Err }

func IsPersistence(err error) bool {
	_, ok := errors.Cause(err).(PersistenceError)
	return ok
}

func IsDuplicate(err error) bool {
	pe, ok := errors.Cause(err).(PersistenceError)
	return ok && pe.Duplicate
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	pe := PersistenceError{Op: op, Err: err}
	if pgErr, ok := errors.Cause(err).(*pgconn.PgError); ok && pgErr.Code == codeUniqueViol {
		pe.Duplicate = true
	}
	return errors.Trace(pe)
}

type Store struct {
	db    *sql.DB
	log   *log2.Log
	table string

	qInsert string
	qFirst  string
}

func Open(ctx context.Context, log *log2.Log, c Config) (*Store, error) {
	if c.Dsn == "" {
		return nil, errors.NotValidf("store dsn empty")
	}
	db, err := sql.Open("pgx", c.Dsn)
	if err != nil {
		return nil, classify("open", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err = db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, classify("ping", err)
	}

	s, err := New(db, log, c.Table)
	if err != nil {
		db.Close()
		return nil, errors.Trace(err)
	}
	if err = s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, errors.Trace(err)
	}
	return s, nil
}

// New wraps opened database, schema is not touched.
func New(db *sql.DB, log *log2.Log, table string) (*Store, error) {
	if table == "" {
		table = DefaultTable
	}
	if !reTable.MatchString(table) {
		return nil, errors.NotValidf("store table=%q", table)
	}
	ident := pgx.Identifier{table}.Sanitize()
	return &Store{
		db:      db,
		log:     log,
		table:   ident,
		qInsert: "insert into " + ident + " (timestamp, actual, tar1, tar2, gas) values ($1, $2, $3, $4, $5)",
		qFirst:  "select tar1 + tar2 from " + ident + " where timestamp >= $1 order by timestamp limit 1",
	}, nil
}

func (self *Store) EnsureSchema(ctx context.Context) error {
	q := `create table if not exists ` + self.table + ` (
	timestamp bigint primary key,
	actual double precision not null default 0,
	tar1 double precision not null default 0,
	tar2 double precision not null default 0,
	gas double precision not null default 0
)`
	_, err := self.db.ExecContext(ctx, q)
	return classify("create schema", err)
}

func (self *Store) Insert(ctx context.Context, t p1.Telegram) error {
	_, err := self.db.ExecContext(ctx, self.qInsert, t.Epoch, t.Actual, t.Tariff1, t.Tariff2, t.Gas)
	if err != nil {
		return errors.Annotatef(classify("insert", err), "timestamp=%d", t.Epoch)
	}
	self.log.Debugf("store insert timestamp=%d", t.Epoch)
	return nil
}

// Consume makes Store a telegram sink.
func (self *Store) Consume(ctx context.Context, t p1.Telegram) error { return self.Insert(ctx, t) }

// FirstTotalSince returns Tariff1+Tariff2 of the earliest row at or after epoch.
// ok=false when there are no such rows.
func (self *Store) FirstTotalSince(ctx context.Context, epoch int64) (total float64, ok bool, err error) {
	err = self.db.QueryRowContext(ctx, self.qFirst, epoch).Scan(&total)
	switch err {
	case nil:
		return total, true, nil
	case sql.ErrNoRows:
		return 0, false, nil
	}
	return 0, false, classify("select first", err)
}

func (self *Store) Close() error {
	return classify("close", self.db.Close())
}
