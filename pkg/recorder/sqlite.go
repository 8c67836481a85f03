package recorder

import (
	"database/sql"
	"fmt"
	"strings"

	// Registers the sqlite3 driver.
	_ "github.com/mattn/go-sqlite3"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/cryoscan/cryoscan/pkg/channel"
)

// sqliteWriter stores each row as one record in a single table. Floats are
// stored as REAL and timestamps as TEXT in timeLayout.
type sqliteWriter struct {
	db         *sql.DB
	path       string
	table      string
	timeLayout string
	insert     *sql.Stmt
}

func newSQLiteWriter(path, table, timeLayout string) (*sqliteWriter, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to open database %s", path)
	}
	// One writer; keeps inserts ordered.
	db.SetMaxOpenConns(1)

	return &sqliteWriter{
		db:         db,
		path:       path,
		table:      table,
		timeLayout: timeLayout,
	}, nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func (w *sqliteWriter) WriteHeader(columns []string) error {
	defs := make([]string, 0, len(columns)+1)
	defs = append(defs, "seq INTEGER PRIMARY KEY AUTOINCREMENT")
	names := make([]string, 0, len(columns))
	marks := make([]string, 0, len(columns))
	for _, c := range columns {
		defs = append(defs, quoteIdent(c))
		names = append(names, quoteIdent(c))
		marks = append(marks, "?")
	}

	create := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(w.table), strings.Join(defs, ", "))
	if _, err := w.db.Exec(create); err != nil {
		return pkgerrors.Wrapf(err, "failed to create table %s", w.table)
	}

	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(w.table), strings.Join(names, ", "), strings.Join(marks, ", "))
	stmt, err := w.db.Prepare(insert)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to prepare insert")
	}
	w.insert = stmt
	return nil
}

func (w *sqliteWriter) WriteRow(row []channel.Value) error {
	args := make([]any, len(row))
	for i, v := range row {
		if f, ok := v.Float(); ok {
			args[i] = f
			continue
		}
		ts, _ := v.Time()
		args[i] = ts.Format(w.timeLayout)
	}
	_, err := w.insert.Exec(args...)
	return err
}

func (w *sqliteWriter) Close() error {
	var err error
	if w.insert != nil {
		err = multierr.Append(err, w.insert.Close())
	}
	err = multierr.Append(err, w.db.Close())
	return pkgerrors.Wrapf(err, "failed to close database %s", w.path)
}
