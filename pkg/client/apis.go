package client

import (
	"encoding/json"
	"strings"

	pkgerrors "github.com/pkg/errors"

	"github.com/cryoscan/cryoscan/pkg/sequence"
)

// Status returns the state of the monitored run.
func (c *Client) Status() (sequence.Status, error) {
	ret, err := c.Get("/status")
	if err != nil {
		return sequence.Status{}, pkgerrors.Wrap(err, "failed to get run status")
	}
	var st sequence.Status
	if err := json.Unmarshal([]byte(ret), &st); err != nil {
		return sequence.Status{}, pkgerrors.Wrapf(err, "failed to unmarshal run status %q", ret)
	}
	return st, nil
}

// Abort asks the run to stop. The instruments are still shut down by the run
// itself.
func (c *Client) Abort() (string, error) {
	ret, err := c.Post("/abort", "")
	if err != nil {
		return "", err
	}
	return parseStringResponse(ret), nil
}

// Version returns the version of the running cryoscan.
func (c *Client) Version() (string, error) {
	ret, err := c.Get("/version")
	if err != nil {
		return "", pkgerrors.Wrap(err, "failed to get version")
	}
	return parseStringResponse(ret), nil
}

func parseStringResponse(s string) string {
	var out string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return strings.TrimSpace(s)
	}
	return out
}
