package reconcile

import "fmt"

// ResourceReadError indicates current state could not be read, or was
// malformed. A run never mutates anything without a complete read.
type ResourceReadError struct {
	ResourceID string // empty when the listing itself failed
	Err        error
}

func (e *ResourceReadError) Error() string {
	if e.ResourceID != "" {
		return fmt.Sprintf("read resource %s: %v", e.ResourceID, e.Err)
	}
	return fmt.Sprintf("read resources: %v", e.Err)
}

func (e *ResourceReadError) Unwrap() error { return e.Err }

// CapacityError indicates the residual CIDRs do not fit into the remaining
// slots of the managed resources.
type CapacityError struct {
	Unallocated int
	Desired     int
	Resources   int
	Capacity    int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("not enough capacity: %d CIDRs unallocated (%d desired, %d resources x %d)",
		e.Unallocated, e.Desired, e.Resources, e.Capacity)
}

// Op names a mutating operation.
type Op string

const (
	OpRevoke    Op = "revoke"
	OpAuthorize Op = "authorize"
)

// MutationError is a failed provider call against one resource.
type MutationError struct {
	ResourceID string
	Op         Op
	Err        error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("%s on %s: %v", e.Op, e.ResourceID, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }
