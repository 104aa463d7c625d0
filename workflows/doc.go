// Package workflows holds the demo business process: SimpleWorkflow runs
// SimulateWork, waits for the "continue" signal and finishes with
// FinalizeWork.
//
// SimpleWorkflow is a deterministic state machine over its history; all
// non-deterministic work happens in Activities.
package workflows
