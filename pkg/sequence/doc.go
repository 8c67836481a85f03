// Package sequence runs one measurement: it configures the instruments, moves
// the controlled quantities to their starting setpoints, records a scan and
// always puts the instruments back into a safe state afterwards. It contains:
//
//   - Plan and its steps: what a run does, resolved before it starts
//   - Sequencer: executes a Plan with guaranteed shutdown
//   - Phase and Status: the run state shared with the monitor API and client
package sequence
