// Package reconcile converges firewall ingress rules to a desired CIDR set:
// diff, capacity-aware allocation and the run orchestration around them.
package reconcile

import (
	"fmt"

	"github.com/dokzlo13/edgesync/internal/firewall"
)

// DefaultCapacity is the per-resource in-scope CIDR limit used when none is set.
const DefaultCapacity = 50

// Target describes the rule being managed. It is an immutable value for the
// duration of a run.
type Target struct {
	Service  string
	Port     int32
	Protocol string
	Capacity int

	// RevokeStale removes fragments that overlap the managed slot with the
	// wrong shape. Off by default: such fragments are left alone.
	RevokeStale bool
}

// Validate checks the target is usable.
func (t Target) Validate() error {
	if t.Service == "" {
		return fmt.Errorf("target service is required")
	}
	if t.Port < 1 || t.Port > 65535 {
		return fmt.Errorf("target port %d out of range", t.Port)
	}
	if firewall.NormalizeProtocol(t.Protocol) != firewall.ProtocolTCP {
		return fmt.Errorf("target protocol %q not supported, only tcp", t.Protocol)
	}
	if t.Capacity <= 0 {
		return fmt.Errorf("target capacity must be positive")
	}
	return nil
}

// LockKey identifies the run lock for this target.
func (t Target) LockKey() string {
	return fmt.Sprintf("edgesync:%s:%d", t.Service, t.Port)
}

// shape classifies a fragment relative to the target.
type shape int

const (
	shapeUnrelated shape = iota // left alone
	shapeInScope                // the managed single-port fragment
	shapeStale                  // overlaps the managed slot, revoked whole when RevokeStale is set
)

func (t Target) classify(f firewall.Fragment) shape {
	proto := firewall.NormalizeProtocol(f.Protocol)
	want := firewall.NormalizeProtocol(t.Protocol)
	exactPort := f.FromPort == t.Port && f.ToPort == t.Port

	switch {
	case exactPort && proto == want:
		return shapeInScope
	case !t.RevokeStale:
		return shapeUnrelated
	case exactPort:
		return shapeStale
	case proto == want && f.FromPort <= t.Port && t.Port <= f.ToPort:
		return shapeStale
	default:
		return shapeUnrelated
	}
}

// fragment returns an in-scope fragment for cidrs.
func (t Target) fragment(cidrs []string) firewall.Fragment {
	return firewall.Fragment{
		Protocol: firewall.NormalizeProtocol(t.Protocol),
		FromPort: t.Port,
		ToPort:   t.Port,
		CIDRs:    cidrs,
	}
}

// inScope returns the in-scope fragment of r, or nil if it has none. More than
// one in-scope fragment is malformed managed state.
func (t Target) inScope(r firewall.Resource) (*firewall.Fragment, error) {
	var found *firewall.Fragment
	for i := range r.Fragments {
		if t.classify(r.Fragments[i]) != shapeInScope {
			continue
		}
		if found != nil {
			return nil, &ResourceReadError{
				ResourceID: r.ID,
				Err:        fmt.Errorf("multiple %s/%d fragments", t.Protocol, t.Port),
			}
		}
		found = &r.Fragments[i]
	}
	return found, nil
}

// Revocation lists what to remove from one resource.
type Revocation struct {
	ResourceID string
	Fragments  []firewall.Fragment
	Retained   int // in-scope CIDRs left after the revocation
}

// Empty reports whether no call is needed.
func (r Revocation) Empty() bool { return len(r.Fragments) == 0 }

// CIDRCount is the number of CIDR entries across revoked fragments.
func (r Revocation) CIDRCount() int {
	n := 0
	for _, f := range r.Fragments {
		n += len(f.CIDRs)
	}
	return n
}

// RevocationPlan holds one entry per resource in listing order.
type RevocationPlan []Revocation

// Calls counts entries that require a provider call.
func (p RevocationPlan) Calls() int {
	n := 0
	for _, r := range p {
		if !r.Empty() {
			n++
		}
	}
	return n
}

// Addition is the in-scope fragment to authorize on one resource.
type Addition struct {
	ResourceID string
	Fragment   firewall.Fragment
}

// AdditionPlan holds only non-empty additions, in resource order.
type AdditionPlan []Addition

// CIDRCount is the number of CIDRs across all additions.
func (p AdditionPlan) CIDRCount() int {
	n := 0
	for _, a := range p {
		n += len(a.Fragment.CIDRs)
	}
	return n
}
