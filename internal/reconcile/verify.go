package reconcile

import (
	"fmt"
	"net/netip"

	"go4.org/netipx"

	"github.com/dokzlo13/edgesync/internal/firewall"
	"github.com/dokzlo13/edgesync/internal/ranges"
)

// Drift describes how actual in-scope rules differ from the desired set.
type Drift struct {
	Missing      []string `json:"missing,omitempty"`
	Unexpected   []string `json:"unexpected,omitempty"`
	Duplicated   []string `json:"duplicated,omitempty"`
	OverCapacity []string `json:"over_capacity,omitempty"`

	// Equivalent is true when actual rules cover exactly the desired
	// addresses, even if the CIDR strings differ.
	Equivalent bool `json:"equivalent"`
}

// Converged reports whether actual state matches desired exactly.
func (d *Drift) Converged() bool {
	return len(d.Missing) == 0 && len(d.Unexpected) == 0 &&
		len(d.Duplicated) == 0 && len(d.OverCapacity) == 0
}

// Verify compares the in-scope CIDRs of resources against desired.
func Verify(desired *ranges.Set, resources []firewall.Resource, target Target) (*Drift, error) {
	d := &Drift{}
	seen := make(map[string]bool)
	var want, have netipx.IPSetBuilder

	for _, cidr := range desired.Items() {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("desired cidr %q: %w", cidr, err)
		}
		want.AddPrefix(p)
	}

	for _, r := range resources {
		f, err := target.inScope(r)
		if err != nil {
			return nil, err
		}
		if f == nil {
			continue
		}
		if len(f.CIDRs) > target.Capacity {
			d.OverCapacity = append(d.OverCapacity, r.ID)
		}
		for _, cidr := range f.CIDRs {
			if seen[cidr] {
				d.Duplicated = append(d.Duplicated, cidr)
				continue
			}
			seen[cidr] = true
			if !desired.Contains(cidr) {
				d.Unexpected = append(d.Unexpected, cidr)
			}
			if p, err := netip.ParsePrefix(cidr); err == nil {
				have.AddPrefix(p)
			}
		}
	}

	for _, cidr := range desired.Items() {
		if !seen[cidr] {
			d.Missing = append(d.Missing, cidr)
		}
	}

	wantSet, err := want.IPSet()
	if err != nil {
		return nil, err
	}
	haveSet, err := have.IPSet()
	if err != nil {
		return nil, err
	}
	d.Equivalent = wantSet.Equal(haveSet)

	return d, nil
}
