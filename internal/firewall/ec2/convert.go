package ec2

import (
	"net/netip"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/dokzlo13/edgesync/internal/firewall"
)

type ec2Permission = types.IpPermission

// tagFilters turns a selector into exact-match tag filters, sorted by key so
// requests are reproducible.
func tagFilters(selector firewall.Selector) []types.Filter {
	keys := make([]string, 0, len(selector))
	for k := range selector {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	filters := make([]types.Filter, 0, len(keys))
	for _, k := range keys {
		filters = append(filters, types.Filter{
			Name:   aws.String("tag:" + k),
			Values: []string{selector[k]},
		})
	}
	return filters
}

// fromSecurityGroup converts a security group. Permissions without CIDR
// ranges (security group or prefix-list references) are not represented.
func fromSecurityGroup(sg types.SecurityGroup) firewall.Resource {
	r := firewall.Resource{
		ID:   aws.ToString(sg.GroupId),
		Name: aws.ToString(sg.GroupName),
		Tags: make(map[string]string, len(sg.Tags)),
	}
	for _, t := range sg.Tags {
		r.Tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}

	for _, perm := range sg.IpPermissions {
		f := firewall.Fragment{
			Protocol: firewall.NormalizeProtocol(aws.ToString(perm.IpProtocol)),
			FromPort: portOrAll(perm.FromPort),
			ToPort:   portOrAll(perm.ToPort),
		}
		for _, rng := range perm.IpRanges {
			f.CIDRs = append(f.CIDRs, aws.ToString(rng.CidrIp))
		}
		for _, rng := range perm.Ipv6Ranges {
			f.CIDRs = append(f.CIDRs, aws.ToString(rng.CidrIpv6))
		}
		if len(f.CIDRs) == 0 {
			continue
		}
		r.Fragments = append(r.Fragments, f)
	}
	return r
}

// toPermission splits fragment CIDRs into IPv4 and IPv6 ranges.
func toPermission(f firewall.Fragment, description string) types.IpPermission {
	perm := types.IpPermission{IpProtocol: aws.String(f.Protocol)}
	if f.Protocol != firewall.ProtocolAll {
		perm.FromPort = aws.Int32(f.FromPort)
		perm.ToPort = aws.Int32(f.ToPort)
	}

	var desc *string
	if description != "" {
		desc = aws.String(description)
	}
	for _, c := range f.CIDRs {
		if p, err := netip.ParsePrefix(c); err == nil && p.Addr().Is6() {
			perm.Ipv6Ranges = append(perm.Ipv6Ranges, types.Ipv6Range{CidrIpv6: aws.String(c), Description: desc})
			continue
		}
		perm.IpRanges = append(perm.IpRanges, types.IpRange{CidrIp: aws.String(c), Description: desc})
	}
	return perm
}

func portOrAll(p *int32) int32 {
	if p == nil {
		return -1
	}
	return *p
}
