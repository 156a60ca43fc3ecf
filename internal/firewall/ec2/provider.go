// Package ec2 implements firewall.Provider on top of EC2 security groups.
package ec2

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/edgesync/internal/firewall"
)

// API is the subset of the EC2 client used by Provider.
type API interface {
	DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	RevokeSecurityGroupIngress(ctx context.Context, params *ec2.RevokeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.RevokeSecurityGroupIngressOutput, error)
	AuthorizeSecurityGroupIngress(ctx context.Context, params *ec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
}

// Provider manages ingress rules of tagged security groups.
type Provider struct {
	api         API
	description string // attached to every range we authorize
}

// New creates a Provider from an EC2 API client.
func New(api API, ruleDescription string) *Provider {
	return &Provider{api: api, description: ruleDescription}
}

// NewFromDefaultConfig loads the default AWS credential chain for region.
func NewFromDefaultConfig(ctx context.Context, region, ruleDescription string) (*Provider, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	log.Info().Str("region", cfg.Region).Msg("EC2 provider configured")
	return New(ec2.NewFromConfig(cfg), ruleDescription), nil
}

// ListMatching implements firewall.Provider.
func (p *Provider) ListMatching(ctx context.Context, selector firewall.Selector) ([]firewall.Resource, error) {
	input := &ec2.DescribeSecurityGroupsInput{Filters: tagFilters(selector)}
	paginator := ec2.NewDescribeSecurityGroupsPaginator(p.api, input)

	var out []firewall.Resource
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describe security groups: %w", err)
		}
		for _, sg := range page.SecurityGroups {
			r := fromSecurityGroup(sg)
			// Filters already narrow the result; re-check in case the API
			// returned a group through a looser match.
			if selector.Matches(r.Tags) {
				out = append(out, r)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Revoke implements firewall.Provider.
func (p *Provider) Revoke(ctx context.Context, resourceID string, fragments []firewall.Fragment) error {
	perms := make([]ec2Permission, 0, len(fragments))
	for _, f := range fragments {
		perms = append(perms, toPermission(f, ""))
	}
	_, err := p.api.RevokeSecurityGroupIngress(ctx, &ec2.RevokeSecurityGroupIngressInput{
		GroupId:       aws.String(resourceID),
		IpPermissions: perms,
	})
	if err != nil {
		return fmt.Errorf("revoke ingress on %s: %w", resourceID, err)
	}
	return nil
}

// Authorize implements firewall.Provider.
func (p *Provider) Authorize(ctx context.Context, resourceID string, fragment firewall.Fragment) error {
	_, err := p.api.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:       aws.String(resourceID),
		IpPermissions: []ec2Permission{toPermission(fragment, p.description)},
	})
	if err != nil {
		return fmt.Errorf("authorize ingress on %s: %w", resourceID, err)
	}
	return nil
}
