package reconcile

import (
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/edgesync/internal/firewall"
	"github.com/dokzlo13/edgesync/internal/ranges"
)

// Allocate packs the residual into resources first-fit, in resource order and
// residual order. Each resource takes up to capacity minus the CIDRs its
// in-scope fragment currently holds. The whole residual must fit, otherwise a
// *CapacityError is returned and no plan.
func Allocate(residual *ranges.Set, resources []firewall.Resource, target Target) (AdditionPlan, error) {
	pending := residual.Items()
	if len(pending) == 0 {
		return nil, nil
	}

	var plan AdditionPlan
	for _, r := range resources {
		if len(pending) == 0 {
			break
		}

		f, err := target.inScope(r)
		if err != nil {
			return nil, err
		}
		used := 0
		if f != nil {
			used = len(f.CIDRs)
		}

		remaining := target.Capacity - used
		if remaining <= 0 {
			log.Debug().Str("resource", r.ID).Int("used", used).Msg("Resource full, skipping")
			continue
		}

		n := min(remaining, len(pending))
		cidrs := append([]string(nil), pending[:n]...)
		plan = append(plan, Addition{ResourceID: r.ID, Fragment: target.fragment(cidrs)})
		pending = pending[n:]
	}

	if len(pending) > 0 {
		return nil, &CapacityError{
			Unallocated: len(pending),
			Desired:     residual.Len(),
			Resources:   len(resources),
			Capacity:    target.Capacity,
		}
	}
	return plan, nil
}
