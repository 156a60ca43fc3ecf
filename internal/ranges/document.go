package ranges

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
)

// Prefix is an IPv4 entry of the published document.
type Prefix struct {
	IPPrefix           string `json:"ip_prefix"`
	Region             string `json:"region"`
	Service            string `json:"service"`
	NetworkBorderGroup string `json:"network_border_group"`
}

// IPv6Prefix is an IPv6 entry of the published document.
type IPv6Prefix struct {
	IPv6Prefix         string `json:"ipv6_prefix"`
	Region             string `json:"region"`
	Service            string `json:"service"`
	NetworkBorderGroup string `json:"network_border_group"`
}

// Document is the published range list (AWS ip-ranges.json layout).
type Document struct {
	SyncToken    string       `json:"syncToken"`
	CreateDate   string       `json:"createDate"`
	Prefixes     []Prefix     `json:"prefixes"`
	IPv6Prefixes []IPv6Prefix `json:"ipv6_prefixes"`
}

// ParseDocument decodes body. It does not check integrity; callers must do
// that first.
func ParseDocument(body []byte) (*Document, error) {
	var raw struct {
		Document
		Prefixes *[]Prefix `json:"prefixes"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &ParseError{Err: err}
	}
	if raw.Prefixes == nil {
		return nil, &ParseError{Field: "prefixes", Err: errors.New("missing")}
	}
	doc := raw.Document
	doc.Prefixes = *raw.Prefixes
	return &doc, nil
}

// Select returns the CIDRs tagged with service, in document order, deduplicated.
// IPv6 entries follow IPv4 entries when includeIPv6 is set. Every selected CIDR
// must parse as a prefix.
func (d *Document) Select(service string, includeIPv6 bool) (*Set, error) {
	set := NewSet()
	for i, p := range d.Prefixes {
		if p.Service != service {
			continue
		}
		if err := validatePrefix(p.IPPrefix, false); err != nil {
			return nil, &ParseError{Field: fmt.Sprintf("prefixes[%d].ip_prefix", i), Err: err}
		}
		set.Add(p.IPPrefix)
	}
	if !includeIPv6 {
		return set, nil
	}
	for i, p := range d.IPv6Prefixes {
		if p.Service != service {
			continue
		}
		if err := validatePrefix(p.IPv6Prefix, true); err != nil {
			return nil, &ParseError{Field: fmt.Sprintf("ipv6_prefixes[%d].ipv6_prefix", i), Err: err}
		}
		set.Add(p.IPv6Prefix)
	}
	return set, nil
}

func validatePrefix(s string, v6 bool) error {
	prefix, err := netip.ParsePrefix(s)
	if err != nil {
		return err
	}
	if prefix.Addr().Is6() != v6 {
		return fmt.Errorf("%q has the wrong address family", s)
	}
	return nil
}
