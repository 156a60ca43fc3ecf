// Package firewall defines the firewall resource model and the provider
// interface used to read and mutate it.
package firewall

import (
	"context"
	"strings"
)

// Protocol names. Numeric forms returned by some APIs are normalized to these.
const (
	ProtocolTCP = "tcp"
	ProtocolUDP = "udp"
	ProtocolAll = "-1"
)

// Fragment is one ingress permission: a protocol, a port range and the CIDRs
// allowed through it.
type Fragment struct {
	Protocol string   `json:"protocol"`
	FromPort int32    `json:"from_port"`
	ToPort   int32    `json:"to_port"`
	CIDRs    []string `json:"cidrs"`
}

// Resource is a firewall-like object holding a bounded list of fragments.
type Resource struct {
	ID        string            `json:"id"`
	Name      string            `json:"name,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	Fragments []Fragment        `json:"fragments"`
}

// Selector is a set of tag predicates; a resource matches when every key is
// present with the given value.
type Selector map[string]string

// Matches reports whether tags satisfy every predicate.
func (s Selector) Matches(tags map[string]string) bool {
	for k, v := range s {
		if got, ok := tags[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// Provider is the resource-management API.
type Provider interface {
	// ListMatching returns every resource whose tags satisfy selector.
	ListMatching(ctx context.Context, selector Selector) ([]Resource, error)

	// Revoke removes the given fragments from a resource. Fragments must match
	// the shape of existing ones so the API can identify them.
	Revoke(ctx context.Context, resourceID string, fragments []Fragment) error

	// Authorize adds the CIDRs of fragment to a resource.
	Authorize(ctx context.Context, resourceID string, fragment Fragment) error
}

// NormalizeProtocol maps protocol numbers and case variants to canonical names.
func NormalizeProtocol(p string) string {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case "6", "tcp":
		return ProtocolTCP
	case "17", "udp":
		return ProtocolUDP
	case "-1", "all":
		return ProtocolAll
	default:
		return strings.ToLower(p)
	}
}

// Clone returns a deep copy of the fragment.
func (f Fragment) Clone() Fragment {
	f.CIDRs = append([]string(nil), f.CIDRs...)
	return f
}

// Clone returns a deep copy of the resource.
func (r Resource) Clone() Resource {
	out := r
	if r.Tags != nil {
		out.Tags = make(map[string]string, len(r.Tags))
		for k, v := range r.Tags {
			out.Tags[k] = v
		}
	}
	out.Fragments = make([]Fragment, len(r.Fragments))
	for i, f := range r.Fragments {
		out.Fragments[i] = f.Clone()
	}
	return out
}
