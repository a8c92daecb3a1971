// Package sqlitelog stores recovery records in a SQLite database. It is an
// alternative to recoverylog.FileLog for hosts which already keep local state
// in SQLite.
//
// Each Open claims a fresh run number, and a Log writes only rows of its own
// run: one row per document id. Rows of lower runs are what LoadAll returns
// and Retire deletes, the way FileLog treats the slot files of earlier runs.
package sqlitelog

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/krisalay/doccache/recoverylog"
	"github.com/krisalay/doccache/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS recovery_runs (
	run       INTEGER PRIMARY KEY AUTOINCREMENT,
	opened_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS recovery_records (
	run        INTEGER NOT NULL,
	id         TEXT NOT NULL,
	collection TEXT NOT NULL,
	doc        TEXT,
	deleted    INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (run, id)
);`

// Log is a recoverylog.Log over SQLite.
type Log struct {
	db      *sql.DB
	run     int64
	retired []int64 // Runs of earlier processes which left records.
}

var _ recoverylog.Log = (*Log)(nil)
var _ recoverylog.Retirer = (*Log)(nil)

// Open creates or opens the database at path, and claims a run.
//
// The database runs in WAL mode with synchronous=FULL, so a committed Put
// or Remove survives a crash of the process or the host.
func Open(path string) (*Log, error) {
	var db, err = sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.WithMessage(err, "opening database")
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, errors.WithMessage(err, "connecting to database")
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err = db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.WithMessagef(err, "applying %q", pragma)
		}
	}
	if _, err = db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.WithMessage(err, "applying schema")
	}

	var l = &Log{db: db}
	if err = l.claim(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// claim allocates the run of l and lists the earlier runs with records.
// AUTOINCREMENT never hands out a run twice, even to concurrent processes.
func (l *Log) claim() error {
	var res, err = l.db.Exec(`INSERT INTO recovery_runs (opened_at) VALUES (?)`, time.Now().UnixNano())
	if err != nil {
		return errors.WithMessage(err, "claiming run")
	}
	if l.run, err = res.LastInsertId(); err != nil {
		return errors.WithMessage(err, "claiming run")
	}

	rows, err := l.db.Query(`SELECT DISTINCT run FROM recovery_records WHERE run < ? ORDER BY run`, l.run)
	if err != nil {
		return errors.WithMessage(err, "listing runs")
	}
	defer rows.Close()

	for rows.Next() {
		var run int64
		if err = rows.Scan(&run); err != nil {
			return errors.WithMessage(err, "listing runs")
		}
		l.retired = append(l.retired, run)
	}
	return errors.WithMessage(rows.Err(), "listing runs")
}

// Run returns the run claimed by l.
func (l *Log) Run() int64 { return l.run }

// Put upserts the row of rec.ID in this run.
func (l *Log) Put(rec recoverylog.Record) error {
	if rec.ID == "" {
		return errors.New("recovery record without id")
	}
	var doc sql.NullString
	if rec.Doc != nil {
		var b, err = json.Marshal(rec.Doc)
		if err != nil {
			return errors.WithMessage(err, "marshal document")
		}
		doc = sql.NullString{String: string(b), Valid: true}
	}

	var _, err = l.db.Exec(`
		INSERT INTO recovery_records (run, id, collection, doc, deleted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run, id) DO UPDATE SET
			collection = excluded.collection,
			doc        = excluded.doc,
			deleted    = excluded.deleted,
			updated_at = excluded.updated_at`,
		l.run, rec.ID, rec.Collection, doc, rec.Deleted, time.Now().UnixNano())
	return errors.WithMessagef(err, "put %s", rec.ID)
}

// Remove deletes the row of id in this run. Rows of earlier runs are
// dropped by Retire instead.
func (l *Log) Remove(id string) error {
	var _, err = l.db.Exec(`DELETE FROM recovery_records WHERE run = ? AND id = ?`, l.run, id)
	return errors.WithMessagef(err, "remove %s", id)
}

// LoadAll returns the records of earlier runs ordered by id. Of several
// rows of one id, the latest run's wins.
func (l *Log) LoadAll() ([]recoverylog.Record, error) {
	if len(l.retired) == 0 {
		return nil, nil
	}
	var in, args = inRuns(l.retired)

	var rows, err = l.db.Query(`
		SELECT r.id, r.collection, r.doc, r.deleted
		FROM recovery_records r
		WHERE r.run IN (`+in+`)
		AND r.run = (
			SELECT MAX(o.run) FROM recovery_records o
			WHERE o.id = r.id AND o.run IN (`+in+`))
		ORDER BY r.id`, append(args, args...)...)
	if err != nil {
		return nil, errors.WithMessage(err, "querying records")
	}
	defer rows.Close()

	var out []recoverylog.Record
	for rows.Next() {
		var rec recoverylog.Record
		var doc sql.NullString

		if err = rows.Scan(&rec.ID, &rec.Collection, &doc, &rec.Deleted); err != nil {
			return nil, errors.Wrap(recoverylog.ErrCorrupt, err.Error())
		}
		if doc.Valid {
			if rec.Doc, err = types.DecodeDocument([]byte(doc.String)); err != nil {
				return nil, errors.Wrapf(recoverylog.ErrCorrupt, "record %s: %s", rec.ID, err)
			}
		}
		out = append(out, rec)
	}
	return out, errors.WithMessage(rows.Err(), "iterating records")
}

// Retire deletes the rows of earlier runs.
func (l *Log) Retire() error {
	if len(l.retired) == 0 {
		return nil
	}
	var in, args = inRuns(l.retired)

	var tx, err = l.db.Begin()
	if err != nil {
		return errors.WithMessage(err, "retiring runs")
	}
	if _, err = tx.Exec(`DELETE FROM recovery_records WHERE run IN (`+in+`)`, args...); err == nil {
		_, err = tx.Exec(`DELETE FROM recovery_runs WHERE run IN (`+in+`)`, args...)
	}
	if err != nil {
		_ = tx.Rollback()
		return errors.WithMessage(err, "retiring runs")
	}
	if err = tx.Commit(); err != nil {
		return errors.WithMessage(err, "retiring runs")
	}
	l.retired = nil
	return nil
}

// Close closes the database. A run which holds no records is forgotten.
func (l *Log) Close() error {
	var _, err = l.db.Exec(`
		DELETE FROM recovery_runs WHERE run = ?
		AND NOT EXISTS (SELECT 1 FROM recovery_records WHERE run = ?)`, l.run, l.run)
	if cerr := l.db.Close(); err == nil {
		err = cerr
	}
	return errors.WithMessage(err, "closing recovery log")
}

func inRuns(runs []int64) (string, []any) {
	var args = make([]any, len(runs))
	for i, r := range runs {
		args[i] = r
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(runs)), ","), args
}
