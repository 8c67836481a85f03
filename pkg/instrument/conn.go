package instrument

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gotmc/query"
	pkgerrors "github.com/pkg/errors"
)

// Conn is a command/response link to one instrument. *Transport and the
// simulators implement it.
type Conn interface {
	Command(ctx context.Context, cmd string) error
	Query(ctx context.Context, cmd string) (string, error)
}

// ErrDevice matches any *DeviceError.
var ErrDevice = errors.New("instrument error")

// ErrRejected is wrapped by writes the instrument or its binding refused.
var ErrRejected = errors.New("rejected by instrument")

// DeviceError reports a failed exchange with an instrument.
type DeviceError struct {
	Device string
	Op     string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Device, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

func (e *DeviceError) Is(target error) bool { return target == ErrDevice }

// boundQuerier adapts a Conn to query.Querier for a single call.
type boundQuerier struct {
	ctx  context.Context
	conn Conn
}

func (q boundQuerier) Query(cmd string) (string, error) {
	return q.conn.Query(q.ctx, cmd)
}

func queryFloat(ctx context.Context, c Conn, cmd string) (float64, error) {
	return query.Float64(boundQuerier{ctx: ctx, conn: c}, cmd)
}

// splitFloats parses a comma separated response into at least n floats.
func splitFloats(resp string, n int) ([]float64, error) {
	parts := strings.Split(strings.TrimSpace(resp), ",")
	if len(parts) < n {
		return nil, pkgerrors.Errorf("expected %d fields, got %q", n, resp)
	}
	out := make([]float64, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "field %d of %q", i, resp)
		}
		out[i] = f
	}
	return out, nil
}
