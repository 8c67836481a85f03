package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. CRYOSCAN_BUS_PORT.
const EnvPrefix = "CRYOSCAN"

var defaults = map[string]any{
	"simulate.enabled":     false,
	"simulate.speedup":     60.0,
	"simulate.temperature": 300.0,

	"bus.baud":    115200,
	"bus.timeout": 3 * time.Second,

	"instruments.ppms.address":   15,
	"instruments.lockin.address": 10,

	"stability.temperature.poll_interval": time.Second,
	"stability.temperature.tolerance":     0.05,
	"stability.temperature.samples":       5,
	"stability.temperature.timeout":       2 * time.Hour,
	"stability.field.poll_interval":       time.Second,
	"stability.field.tolerance":           1.0,
	"stability.field.samples":             3,
	"stability.field.timeout":             time.Hour,

	"scan.status_grace": 10 * time.Second,

	"record.delimiter":   "\t",
	"record.precision":   -1,
	"record.time_layout": time.RFC3339Nano,
	"record.table":       "samples",

	"monitor.enabled": true,
	"monitor.socket":  filepath.Join(os.TempDir(), "cryoscan.sock"),

	"archive.region": "us-east-1",

	"shutdown_timeout": time.Minute,
}

func newViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads a run file. The format follows the extension (yaml, json or
// toml). Environment variables override file values.
func Load(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to read run file %s", path)
	}
	return decode(v)
}

// Defaults returns the configuration an empty run file would produce.
func Defaults() (*Config, error) {
	return decode(newViper())
}

func decode(v *viper.Viper) (*Config, error) {
	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to decode run file")
	}
	// A scan block that only got defaults is no scan.
	if c.Scan != nil && c.Scan.Quantity == "" && len(c.Scan.Channels) == 0 {
		c.Scan = nil
	}
	if c.Simulate.Speedup <= 0 {
		c.Simulate.Speedup = 1
	}

	logrus.WithFields(logrus.Fields{
		"file":  v.ConfigFileUsed(),
		"steps": len(c.Steps),
	}).Debug("run file loaded")
	return c, nil
}
