package instrument

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePort records writes and answers every "++read eoi" with the next
// scripted response.
type fakePort struct {
	mu        sync.Mutex
	written   bytes.Buffer
	responses []string
	out       bytes.Buffer
	closed    bool
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written.Write(b)
	if string(b) == "++read eoi\n" && len(p.responses) > 0 {
		p.out.WriteString(p.responses[0])
		p.responses = p.responses[1:]
	}
	return len(b), nil
}

// Read never blocks; an empty read stands for the serial read timeout.
func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.out.Len() == 0 {
		return 0, nil
	}
	return p.out.Read(b)
}

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func (p *fakePort) lines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.Split(strings.TrimSuffix(p.written.String(), "\n"), "\n")
}

func (p *fakePort) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written.Reset()
}

func TestNewBusConfiguresAdapter(t *testing.T) {
	port := &fakePort{}
	_, err := NewBus(port, time.Second)
	require.NoError(t, err)

	lines := port.lines()
	assert.Contains(t, lines, "++mode 1")
	assert.Contains(t, lines, "++auto 0")
	assert.Contains(t, lines, "++eot_char 10")
	for _, l := range lines {
		assert.True(t, strings.HasPrefix(l, "++"), l)
	}
}

func TestBusAddressesOnlyOnSwitch(t *testing.T) {
	port := &fakePort{responses: []string{"1.5\r\n", "2.5\n", "3.5\n"}}
	bus, err := NewBus(port, time.Second)
	require.NoError(t, err)
	port.reset()

	lockin, err := bus.Device(10)
	require.NoError(t, err)
	ppms, err := bus.Device(15)
	require.NoError(t, err)

	ctx := context.Background()
	resp, err := lockin.Query(ctx, "OUTP? 1")
	require.NoError(t, err)
	assert.Equal(t, "1.5", resp)

	resp, err = lockin.Query(ctx, "OUTP? 2")
	require.NoError(t, err)
	assert.Equal(t, "2.5", resp)

	require.NoError(t, ppms.Command(ctx, "SHUTDOWN"))

	assert.Equal(t, []string{
		"++addr 10",
		"OUTP? 1",
		"++read eoi",
		"OUTP? 2",
		"++read eoi",
		"++addr 15",
		"SHUTDOWN",
	}, port.lines())
}

func TestBusQueryTimeout(t *testing.T) {
	port := &fakePort{}
	bus, err := NewBus(port, 20*time.Millisecond)
	require.NoError(t, err)
	dev, err := bus.Device(15)
	require.NoError(t, err)

	_, err = dev.Query(context.Background(), "GETDAT? 7")
	assert.Error(t, err)
}

func TestBusInvalidAddress(t *testing.T) {
	bus, err := NewBus(&fakePort{}, time.Second)
	require.NoError(t, err)
	_, err = bus.Device(31)
	assert.Error(t, err)
	_, err = bus.Device(-1)
	assert.Error(t, err)
}

func TestBusCloseReturnsLocalControl(t *testing.T) {
	port := &fakePort{}
	bus, err := NewBus(port, time.Second)
	require.NoError(t, err)
	dev, err := bus.Device(15)
	require.NoError(t, err)
	require.NoError(t, dev.Command(context.Background(), "SHUTDOWN"))
	port.reset()

	require.NoError(t, bus.Close())
	assert.True(t, port.closed)
	assert.Equal(t, []string{"++loc"}, port.lines())

	// The run closes the bus on return and again at process exit.
	port.reset()
	require.NoError(t, bus.Close())
	assert.Equal(t, []string{""}, port.lines())
}

func TestBusCancelledContext(t *testing.T) {
	port := &fakePort{}
	bus, err := NewBus(port, time.Second)
	require.NoError(t, err)
	dev, err := bus.Device(15)
	require.NoError(t, err)
	port.reset()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, dev.Command(ctx, "SHUTDOWN"), context.Canceled)
	assert.Equal(t, []string{""}, port.lines())
}
