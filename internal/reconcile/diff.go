package reconcile

import (
	"github.com/dokzlo13/edgesync/internal/firewall"
	"github.com/dokzlo13/edgesync/internal/ranges"
)

// Diff compares desired against the in-scope CIDRs of every resource.
//
// Each in-scope CIDR still present in the residual is kept and consumed from
// it, up to target.Capacity per resource; anything else on the in-scope
// fragment is dropped. Desired CIDRs dropped for capacity stay in the residual
// so they are reallocated elsewhere. Stale-shaped fragments are revoked whole
// (only with target.RevokeStale) and everything else is left alone. The returned
// plan has one entry per resource in listing order, and the residual holds
// desired CIDRs not present anywhere, in desired order. desired is not modified.
func Diff(desired *ranges.Set, resources []firewall.Resource, target Target) (RevocationPlan, *ranges.Set, error) {
	residual := desired.Clone()
	plan := make(RevocationPlan, 0, len(resources))

	for _, r := range resources {
		if _, err := target.inScope(r); err != nil {
			return nil, nil, err
		}

		rev := Revocation{ResourceID: r.ID}
		for _, f := range r.Fragments {
			switch target.classify(f) {
			case shapeInScope:
				var drop []string
				for _, cidr := range f.CIDRs {
					if rev.Retained < target.Capacity && residual.Remove(cidr) {
						rev.Retained++
					} else {
						drop = append(drop, cidr)
					}
				}
				if len(drop) > 0 {
					rev.Fragments = append(rev.Fragments, firewall.Fragment{
						Protocol: f.Protocol,
						FromPort: f.FromPort,
						ToPort:   f.ToPort,
						CIDRs:    drop,
					})
				}
			case shapeStale:
				rev.Fragments = append(rev.Fragments, f.Clone())
			}
		}
		plan = append(plan, rev)
	}

	return plan, residual, nil
}

// Project returns copies of resources as they will look once plan has been
// applied successfully.
func Project(resources []firewall.Resource, plan RevocationPlan) []firewall.Resource {
	byID := make(map[string]Revocation, len(plan))
	for _, rev := range plan {
		byID[rev.ResourceID] = rev
	}

	out := make([]firewall.Resource, 0, len(resources))
	for _, r := range resources {
		c := r.Clone()
		if rev, ok := byID[r.ID]; ok && !rev.Empty() {
			c.Fragments = without(c.Fragments, rev.Fragments)
		}
		out = append(out, c)
	}
	return out
}

// without removes the CIDRs of revoked from fragments with the same shape,
// dropping fragments that end up empty.
func without(fragments, revoked []firewall.Fragment) []firewall.Fragment {
	type key struct {
		proto    string
		from, to int32
	}
	drop := make(map[key]map[string]bool)
	for _, f := range revoked {
		k := key{firewall.NormalizeProtocol(f.Protocol), f.FromPort, f.ToPort}
		if drop[k] == nil {
			drop[k] = make(map[string]bool)
		}
		for _, c := range f.CIDRs {
			drop[k][c] = true
		}
	}

	var out []firewall.Fragment
	for _, f := range fragments {
		d := drop[key{firewall.NormalizeProtocol(f.Protocol), f.FromPort, f.ToPort}]
		if d == nil {
			out = append(out, f)
			continue
		}
		var kept []string
		for _, c := range f.CIDRs {
			if !d[c] {
				kept = append(kept, c)
			}
		}
		if len(kept) > 0 {
			f.CIDRs = kept
			out = append(out, f)
		}
	}
	return out
}

// presentInScope lists every CIDR on an in-scope fragment across resources.
func presentInScope(resources []firewall.Resource, target Target) ([]string, error) {
	var out []string
	for _, r := range resources {
		f, err := target.inScope(r)
		if err != nil {
			return nil, err
		}
		if f != nil {
			out = append(out, f.CIDRs...)
		}
	}
	return out, nil
}
