package channel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDevice struct {
	values map[string]float64
	err    error
}

func (f *fakeDevice) Read(_ context.Context, property string) (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.values[property], nil
}

func (f *fakeDevice) Properties() []string {
	props := make([]string, 0, len(f.values))
	for k := range f.values {
		props = append(props, k)
	}
	return props
}

func TestPropertyChannel(t *testing.T) {
	dev := &fakeDevice{values: map[string]float64{"x": 1.5e-6}}

	ch, err := Property("lockin.x", dev, "x")
	require.NoError(t, err)
	assert.Equal(t, "lockin.x", ch.Name())

	v, err := ch.Read(context.Background())
	require.NoError(t, err)
	f, ok := v.Float()
	require.True(t, ok)
	assert.Equal(t, 1.5e-6, f)
}

func TestPropertyChannelUnknownProperty(t *testing.T) {
	dev := &fakeDevice{values: map[string]float64{"x": 0}}
	_, err := Property("lockin.z", dev, "z")
	assert.Error(t, err)
}

func TestPropertyChannelReadError(t *testing.T) {
	boom := errors.New("gpib timeout")
	dev := &fakeDevice{values: map[string]float64{"x": 0}}
	ch, err := Property("lockin.x", dev, "x")
	require.NoError(t, err)

	dev.err = boom
	_, err = ch.Read(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRead)
	assert.ErrorIs(t, err, boom)

	var re *ReadError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "lockin.x", re.Channel)
}

func TestClock(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ch := Clock("timestamp", func() time.Time { return at })

	v, err := ch.Read(context.Background())
	require.NoError(t, err)
	got, ok := v.Time()
	require.True(t, ok)
	assert.Equal(t, at, got)
	assert.Equal(t, "2024-03-01T12:00:00Z", v.Format(6, time.RFC3339))
}

func TestValueFormat(t *testing.T) {
	assert.Equal(t, "1.2346", Float(1.23456789).Format(5, ""))
	assert.Equal(t, "300", Float(300).Format(-1, ""))
	_, ok := Float(1).Time()
	assert.False(t, ok)
}

func TestCheckUnique(t *testing.T) {
	a := Clock("t", nil)
	b := Clock("t", nil)
	assert.Error(t, CheckUnique([]Channel{a, b}))
	assert.NoError(t, CheckUnique([]Channel{a}))
	assert.Equal(t, []string{"t", "t"}, Names([]Channel{a, b}))
}
