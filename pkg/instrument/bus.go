// Package instrument talks to the PPMS and the SR830 lock-in over GPIB through
// a Prologix USB adapter, and provides simulated versions of both.
package instrument

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
	"go.uber.org/multierr"
)

// Port is the byte stream to the Prologix adapter. go.bug.st/serial ports
// satisfy it.
type Port interface {
	io.ReadWriteCloser
}

// Bus is a Prologix GPIB controller in charge. Every instrument on the bus
// shares one serial port, so address switching and each command/response
// exchange happen under a single lock.
type Bus struct {
	mu      sync.Mutex
	port    Port
	timeout time.Duration
	addr    int
	used    map[int]struct{}
	buf     [256]byte
	pending []byte

	closeOnce sync.Once
	closeErr  error
}

// OpenBus opens the serial port of a Prologix adapter and configures it as
// controller in charge.
func OpenBus(path string, baud int, timeout time.Duration) (*Bus, error) {
	port, err := serial.Open(path, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open serial port %s", path)
	}
	// Short reads so a stuck instrument only costs the bus timeout.
	if err := port.SetReadTimeout(50 * time.Millisecond); err != nil {
		return nil, multierr.Append(errors.Wrap(err, "failed to set read timeout"), port.Close())
	}
	if err := port.ResetInputBuffer(); err != nil {
		return nil, multierr.Append(errors.Wrap(err, "failed to discard stale input"), port.Close())
	}

	logrus.WithFields(logrus.Fields{
		"port": path,
		"baud": baud,
	}).Info("opened GPIB adapter")

	b, err := NewBus(port, timeout)
	if err != nil {
		return nil, multierr.Append(err, port.Close())
	}
	return b, nil
}

// NewBus configures an already open port. timeout bounds the wait for every
// instrument response.
func NewBus(port Port, timeout time.Duration) (*Bus, error) {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	b := &Bus{
		port:    port,
		timeout: timeout,
		addr:    -1,
		used:    map[int]struct{}{},
	}

	cmds := []string{
		"savecfg 0",   // do not wear out the adapter EEPROM
		"mode 1",      // controller mode
		"auto 0",      // no read-after-write; we ask for responses explicitly
		"eoi 1",       // assert EOI with the last byte
		"eos 0",       // CR+LF GPIB terminator
		"eot_enable 1",
		fmt.Sprintf("eot_char %d", '\n'),
		"read_tmo_ms 500",
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, cmd := range cmds {
		if err := b.controller(cmd); err != nil {
			return nil, errors.Wrapf(err, "failed to configure adapter (%s)", cmd)
		}
	}
	return b, nil
}

// Device returns the transport for the instrument at a primary address.
func (b *Bus) Device(addr int) (*Transport, error) {
	if addr < 0 || addr > 30 {
		return nil, errors.Errorf("invalid GPIB primary address %d (must be 0-30)", addr)
	}
	return &Transport{bus: b, addr: addr}, nil
}

// Close returns every addressed instrument to front panel control and closes
// the port. Later calls return the result of the first.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() { b.closeErr = b.close() })
	return b.closeErr
}

func (b *Bus) close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var err error
	for addr := range b.used {
		err = multierr.Append(err, b.address(addr))
		err = multierr.Append(err, b.controller("loc"))
	}
	if r, ok := b.port.(interface{ ResetInputBuffer() error }); ok {
		err = multierr.Append(err, r.ResetInputBuffer())
	}
	err = multierr.Append(err, b.port.Close())
	return errors.Wrap(err, "failed to close GPIB adapter")
}

// controller sends a ++ command to the adapter itself. b.mu must be held.
func (b *Bus) controller(cmd string) error {
	line := "++" + strings.ToLower(strings.TrimSpace(cmd)) + "\n"
	logrus.WithField("cmd", strings.TrimSpace(line)).Trace("prologix command")
	_, err := b.port.Write([]byte(line))
	return err
}

// address switches the adapter to addr if needed. b.mu must be held.
func (b *Bus) address(addr int) error {
	if b.addr == addr {
		return nil
	}
	if err := b.controller(fmt.Sprintf("addr %d", addr)); err != nil {
		b.addr = -1
		return err
	}
	b.addr = addr
	b.used[addr] = struct{}{}
	return nil
}

func (b *Bus) write(ctx context.Context, addr int, cmd string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.address(addr); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"addr": addr,
		"cmd":  cmd,
	}).Trace("GPIB write")
	_, err := b.port.Write([]byte(strings.TrimSpace(cmd) + "\n"))
	return err
}

func (b *Bus) query(ctx context.Context, addr int, cmd string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.address(addr); err != nil {
		return "", err
	}
	b.pending = b.pending[:0]
	if _, err := b.port.Write([]byte(strings.TrimSpace(cmd) + "\n")); err != nil {
		return "", errors.Wrap(err, "error writing command")
	}
	if err := b.controller("read eoi"); err != nil {
		return "", errors.Wrap(err, "error requesting response")
	}
	resp, err := b.readLine(ctx)
	if err != nil {
		return "", err
	}

	logrus.WithFields(logrus.Fields{
		"addr": addr,
		"cmd":  cmd,
		"resp": resp,
	}).Trace("GPIB query")
	return resp, nil
}

// readLine reads up to the EOT character. The port returns empty reads on
// its own short timeout, so the loop enforces the bus timeout.
func (b *Bus) readLine(ctx context.Context) (string, error) {
	deadline := time.Now().Add(b.timeout)
	for {
		if i := bytes.IndexByte(b.pending, '\n'); i >= 0 {
			line := strings.TrimRight(string(b.pending[:i]), "\r")
			b.pending = b.pending[i+1:]
			return line, nil
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if time.Now().After(deadline) {
			return "", errors.Errorf("no response within %s", b.timeout)
		}
		n, err := b.port.Read(b.buf[:])
		b.pending = append(b.pending, b.buf[:n]...)
		if err != nil && !(err == io.EOF && n > 0) {
			return "", err
		}
	}
}

// Transport is one instrument on a Bus.
type Transport struct {
	bus  *Bus
	addr int
}

// Addr returns the GPIB primary address.
func (t *Transport) Addr() int { return t.addr }

// Command sends cmd without reading a response.
func (t *Transport) Command(ctx context.Context, cmd string) error {
	return t.bus.write(ctx, t.addr, cmd)
}

// Query sends cmd and returns the response line.
func (t *Transport) Query(ctx context.Context, cmd string) (string, error) {
	return t.bus.query(ctx, t.addr, cmd)
}
