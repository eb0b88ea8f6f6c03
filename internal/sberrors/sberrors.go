// Package sberrors defines the error taxonomy of §7: setup errors and
// protocol errors are fatal to a run; resource-limit verdicts and
// payload crashes are not Go errors at all, they are normal outcomes
// carried in RunStatistics.
package sberrors

import "fmt"

// SetupError wraps a failure constructing, configuring, or populating
// the cgroup, container, or namespaces. Fatal to the run.
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string { return fmt.Sprintf("setup: %s: %v", e.Op, e.Err) }
func (e *SetupError) Unwrap() error { return e.Err }

// Setup wraps err as a SetupError, or returns nil if err is nil.
func Setup(op string, err error) error {
	if err == nil {
		return nil
	}
	return &SetupError{Op: op, Err: err}
}

// ProtocolError wraps a failure in the outer/proxy rendezvous: a
// message-channel send/receive failure, or the proxy exiting
// abnormally.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("protocol: %s: %v", e.Op, e.Err) }
func (e *ProtocolError) Unwrap() error { return e.Err }

// Protocol wraps err as a ProtocolError, or returns nil if err is nil.
func Protocol(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ProtocolError{Op: op, Err: err}
}

// PayloadError describes a payload that exited non-zero or on a
// signal while still under a Finished verdict. A payload crash is a
// normal outcome carried in RunStatistics.ExitStatus, not a failure of
// the supervisor itself, so this type is never returned through the
// error interface by any function in this module. It exists to give
// log call sites something typed to format instead of an ad hoc
// string.
type PayloadError struct {
	Status string // e.g. "exited 1" or "signaled 11"
}

func (e *PayloadError) Error() string { return fmt.Sprintf("payload %s", e.Status) }
