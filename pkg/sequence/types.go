package sequence

import "time"

// Phase is a stage of a run.
type Phase string

const (
	PhaseIdle      Phase = "Idle"
	PhaseConfigure Phase = "Configure"
	PhaseSetpoint  Phase = "Setpoint"
	PhaseScan      Phase = "Scan"
	PhaseShutdown  Phase = "Shutdown"
	PhaseDone      Phase = "Done"
	PhaseFailed    Phase = "Failed"
	PhaseAborted   Phase = "Aborted"
)

// Finished reports whether the run is over.
func (p Phase) Finished() bool {
	return p == PhaseDone || p == PhaseFailed || p == PhaseAborted
}

// Status is a snapshot of a run, returned by the monitor API. Setpoint and
// Value come from the scan and are only meaningful during PhaseScan.
type Status struct {
	RunID      string    `json:"runId"`
	Phase      Phase     `json:"phase"`
	Step       string    `json:"step,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	EndedAt    time.Time `json:"endedAt"`
	Rows       int       `json:"rows"`
	Setpoint   float64   `json:"setpoint,omitempty"`
	Value      float64   `json:"value,omitempty"`
	RecordPath string    `json:"recordPath,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
	CanAbort   bool      `json:"canAbort"`
}
