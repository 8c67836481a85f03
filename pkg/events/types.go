package events

import "encoding/json"

// Event names
const (
	RunPhase        = "run.phase"
	SetpointReached = "setpoint.reached"
	ScanRow         = "scan.row"
)

// Event is one server-sent event of a run.
type Event struct {
	Name string          // SSE event name
	Data json.RawMessage // Raw JSON payload
}

// PhaseEvent is the payload of run.phase.
type PhaseEvent struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Message string `json:"message,omitempty"`
	Ts      int64  `json:"ts"`
}

// SetpointEvent is the payload of setpoint.reached.
type SetpointEvent struct {
	Quantity string  `json:"quantity"`
	Target   float64 `json:"target"`
	Value    float64 `json:"value"`
	Ts       int64   `json:"ts"`
}

// RowEvent is the payload of scan.row. Values are formatted the way they are
// written to the record.
type RowEvent struct {
	Row     int      `json:"row"`
	Columns []string `json:"columns"`
	Values  []string `json:"values"`
	Ts      int64    `json:"ts"`
}

// DecodeAs unmarshals the payload of e into T. An empty payload yields the
// zero value of T.
//
//	row, err := events.DecodeAs[events.RowEvent](ev)
func DecodeAs[T any](e Event) (T, error) {
	var zero T
	if len(e.Data) == 0 {
		return zero, nil
	}
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return zero, err
	}
	return v, nil
}
