// Package recorder writes synchronized channel samples to an append-only
// record, one row per sample instant.
package recorder

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/cryoscan/cryoscan/pkg/channel"
)

// ErrRecorderClosed is returned by Append once the recorder is closed.
var ErrRecorderClosed = errors.New("recorder closed")

// RowWriter is the sink a Recorder appends to. WriteRow must make the row
// durable before returning.
type RowWriter interface {
	WriteHeader(columns []string) error
	WriteRow(row []channel.Value) error
	Close() error
}

// Recorder owns one output sink for the duration of a scan.
type Recorder struct {
	path    string
	columns []string

	mu     sync.Mutex
	w      RowWriter
	rows   int
	closed bool

	closeOnce sync.Once
	closeErr  error
}

// New wraps a custom sink and writes the header to it.
func New(w RowWriter, columns []string) (*Recorder, error) {
	if len(columns) == 0 {
		return nil, pkgerrors.New("recorder needs at least one column")
	}
	if err := w.WriteHeader(columns); err != nil {
		return nil, closeAfter(pkgerrors.Wrap(err, "failed to write header"), w)
	}
	return &Recorder{w: w, columns: slices.Clone(columns)}, nil
}

type options struct {
	overwrite  bool
	delimiter  string
	precision  int
	timeLayout string
	table      string
}

// Option configures Open.
type Option func(*options)

// WithOverwrite allows Open to replace an existing file.
func WithOverwrite() Option {
	return func(o *options) { o.overwrite = true }
}

// WithDelimiter sets the column separator of text records.
func WithDelimiter(d string) Option {
	return func(o *options) { o.delimiter = d }
}

// WithPrecision sets the number of significant digits for floats. A negative
// precision writes the shortest exact representation.
func WithPrecision(p int) Option {
	return func(o *options) { o.precision = p }
}

// WithTimeLayout sets the layout used for timestamp columns.
func WithTimeLayout(layout string) Option {
	return func(o *options) { o.timeLayout = layout }
}

// WithTable sets the table name of SQLite records.
func WithTable(name string) Option {
	return func(o *options) { o.table = name }
}

// DefaultPath returns a fresh record file name.
func DefaultPath() string {
	return "cryoscan_" + xid.New().String() + ".dat"
}

// Open creates the record at path. Paths ending in .sqlite3 or .db get a
// SQLite sink, anything else a delimited text table. An empty path picks a
// unique name in the working directory. Existing files are never replaced
// unless WithOverwrite is given.
func Open(path string, columns []string, opts ...Option) (*Recorder, error) {
	o := options{
		delimiter:  "\t",
		precision:  -1,
		timeLayout: time.RFC3339Nano,
		table:      "samples",
	}
	for _, opt := range opts {
		opt(&o)
	}

	if path == "" {
		path = DefaultPath()
	}

	if _, err := os.Stat(path); err == nil {
		if !o.overwrite {
			return nil, pkgerrors.Errorf("record %s already exists", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, pkgerrors.Wrapf(err, "failed to remove existing record %s", path)
		}
	}

	var (
		w   RowWriter
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".sqlite3", ".db":
		w, err = newSQLiteWriter(path, o.table, o.timeLayout)
	default:
		w, err = newTableWriter(path, o.delimiter, o.precision, o.timeLayout)
	}
	if err != nil {
		return nil, err
	}

	r, err := New(w, columns)
	if err != nil {
		return nil, err
	}
	r.path = path

	logrus.WithFields(logrus.Fields{
		"path":    path,
		"columns": columns,
	}).Info("recording started")

	return r, nil
}

// Path returns the file backing the record, or "" for custom sinks.
func (r *Recorder) Path() string { return r.path }

// Columns returns the header names in order.
func (r *Recorder) Columns() []string { return slices.Clone(r.columns) }

// Rows returns the number of rows appended so far.
func (r *Recorder) Rows() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows
}

// Append writes one complete row.
func (r *Recorder) Append(row []channel.Value) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRecorderClosed
	}
	if len(row) != len(r.columns) {
		return pkgerrors.Errorf("row has %d values, record has %d columns", len(row), len(r.columns))
	}
	if err := r.w.WriteRow(row); err != nil {
		return pkgerrors.Wrapf(err, "failed to write row %d", r.rows+1)
	}
	r.rows++
	return nil
}

// Close flushes and releases the sink. It is safe to call more than once;
// later calls return the result of the first.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.closed = true
		r.closeErr = r.w.Close()

		logrus.WithFields(logrus.Fields{
			"path": r.path,
			"rows": r.rows,
		}).Info("recording closed")
	})
	return r.closeErr
}

// closeAfter closes w after err and returns both failures.
func closeAfter(err error, w RowWriter) error {
	if cerr := w.Close(); cerr != nil {
		return multierr.Append(err, pkgerrors.Wrap(cerr, "failed to close record"))
	}
	return err
}
