package recorder

import (
	"bufio"
	"os"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/cryoscan/cryoscan/pkg/channel"
)

// tableWriter writes a delimited text table with a header line.
type tableWriter struct {
	f          *os.File
	buf        *bufio.Writer
	delimiter  string
	precision  int
	timeLayout string
}

func newTableWriter(path, delimiter string, precision int, timeLayout string) (*tableWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to create record %s", path)
	}
	return &tableWriter{
		f:          f,
		buf:        bufio.NewWriter(f),
		delimiter:  delimiter,
		precision:  precision,
		timeLayout: timeLayout,
	}, nil
}

func (t *tableWriter) WriteHeader(columns []string) error {
	return t.writeLine(strings.Join(columns, t.delimiter))
}

func (t *tableWriter) WriteRow(row []channel.Value) error {
	fields := make([]string, len(row))
	for i, v := range row {
		fields[i] = v.Format(t.precision, t.timeLayout)
	}
	return t.writeLine(strings.Join(fields, t.delimiter))
}

// writeLine flushes after every line so a crash never loses a finished row.
func (t *tableWriter) writeLine(line string) error {
	if _, err := t.buf.WriteString(line + "\n"); err != nil {
		return err
	}
	return t.buf.Flush()
}

func (t *tableWriter) Close() error {
	err := multierr.Combine(t.buf.Flush(), t.f.Sync(), t.f.Close())
	return pkgerrors.Wrapf(err, "failed to close record %s", t.f.Name())
}
