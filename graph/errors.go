package graph

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors surfaced by graph construction and execution.
var (
	// ErrNoEntryPoint is returned when a graph is compiled without an entry point.
	ErrNoEntryPoint = errors.New("graph has no entry point")
	// ErrMaxStepsExceeded is returned when execution passes the hard step
	// ceiling, which indicates a routing defect rather than a business limit.
	ErrMaxStepsExceeded = errors.New("maximum execution steps exceeded")
	// ErrUnknownTarget is returned when a router names a node absent from its
	// path map.
	ErrUnknownTarget = errors.New("router result not in path map")
	// ErrNodeNotFound is returned when routing lands on an unregistered node.
	ErrNodeNotFound = errors.New("node not found")
)

func fmtNodeErr(what, id string) error {
	return fmt.Errorf("%w: %s %q", ErrNodeNotFound, what, id)
}

// Transient reports whether err looks like a recoverable infrastructure
// failure: a deadline, a net timeout, or a dropped connection. Callers use it
// to decide between checkpoint recovery and hard failure.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}
