package state

import (
	"fmt"
	"regexp"

	"github.com/hashicorp/go-multierror"
)

var namePattern, _ = regexp.Compile("^[0-9a-z._-]+$")

func NameValidator(s string) error {
	if !namePattern.MatchString(s) {
		return fmt.Errorf("%s is not a valid name, must match pattern %s", s, namePattern.String())
	}
	if len(s) > 100 {
		return fmt.Errorf("len(\"%s\") = %d > 100 is too long", s, len(s))
	}
	return nil
}

// NodeConfigValidator reports every problem in the node configuration.
func NodeConfigValidator(node *NodeCfg) error {
	var result *multierror.Error
	if err := NameValidator(string(node.Id)); err != nil {
		result = multierror.Append(result, err)
	}
	if !node.RouterId.IsNone() && node.RouterId.Family() != FamilyV4 && node.RouterId.Family() != FamilyV6 {
		result = multierror.Append(result, fmt.Errorf("node %s: router id %s must be a v4 or v6 address", node.Id, node.RouterId))
	}
	if node.DefaultHopLimit < 0 || node.DefaultHopLimit > 255 {
		result = multierror.Append(result, fmt.Errorf("node %s: default hop limit %d out of range [0, 255]", node.Id, node.DefaultHopLimit))
	}
	switch node.TieBreak {
	case "", "insertion", "admin", "admin_distance":
	default:
		result = multierror.Append(result, fmt.Errorf("node %s: unknown tie break policy %q", node.Id, node.TieBreak))
	}

	names := make(map[string]bool)
	for _, itf := range node.Interfaces {
		if err := NameValidator(itf.Name); err != nil {
			result = multierror.Append(result, fmt.Errorf("node %s: %w", node.Id, err))
		}
		if names[itf.Name] {
			result = multierror.Append(result, fmt.Errorf("node %s: duplicate interface %s", node.Id, itf.Name))
		}
		names[itf.Name] = true
		if itf.MTU < 0 {
			result = multierror.Append(result, fmt.Errorf("node %s: interface %s has negative mtu", node.Id, itf.Name))
		}
		if _, err := itf.Build(); err != nil {
			result = multierror.Append(result, fmt.Errorf("node %s: %w", node.Id, err))
		}
	}
	for _, r := range node.Routes {
		if err := r.Destination.Validate(); err != nil {
			result = multierror.Append(result, fmt.Errorf("node %s: route %s: %w", node.Id, r.Destination, err))
		}
		if !names[r.Interface] {
			result = multierror.Append(result, fmt.Errorf("node %s: route %s uses unknown interface %q", node.Id, r.Destination, r.Interface))
		}
		if !r.NextHop.IsNone() && r.NextHop.Family() != r.Destination.Addr.Family() {
			result = multierror.Append(result, fmt.Errorf("node %s: route %s has next hop %s of another family", node.Id, r.Destination, r.NextHop))
		}
	}
	for i, r := range node.MulticastRoutes {
		if !r.Origin.Addr.IsNone() {
			if err := r.Origin.Validate(); err != nil {
				result = multierror.Append(result, fmt.Errorf("node %s: multicast route %d: origin %s: %w", node.Id, i, r.Origin, err))
			}
		}
		if !r.Group.Addr.IsNone() {
			if mc, err := r.Group.Addr.IsMulticast(); err != nil || !mc {
				result = multierror.Append(result, fmt.Errorf("node %s: multicast route %d: %s is not a multicast group", node.Id, i, r.Group))
			}
		}
		if r.Inbound != "" && !names[r.Inbound] {
			result = multierror.Append(result, fmt.Errorf("node %s: multicast route %d uses unknown interface %q", node.Id, i, r.Inbound))
		}
		for _, o := range r.Outbound {
			if !names[o] {
				result = multierror.Append(result, fmt.Errorf("node %s: multicast route %d uses unknown interface %q", node.Id, i, o))
			}
		}
	}
	for _, g := range node.Groups {
		if mc, err := g.IsMulticast(); err != nil || !mc {
			result = multierror.Append(result, fmt.Errorf("node %s: %s is not a multicast group", node.Id, g))
		}
	}
	for _, n := range node.Neighbours {
		if !names[n.Interface] {
			result = multierror.Append(result, fmt.Errorf("node %s: neighbour %s uses unknown interface %q", node.Id, n.Address, n.Interface))
		}
		if n.Link.Family() != FamilyLink {
			result = multierror.Append(result, fmt.Errorf("node %s: neighbour %s: %s is not a link-layer address", node.Id, n.Address, n.Link))
		}
	}
	return result.ErrorOrNil()
}

// TopologyConfigValidator reports every problem in the topology, including those of its nodes.
func TopologyConfigValidator(cfg *TopologyCfg) error {
	var result *multierror.Error
	ids := make(map[NodeId]bool)
	for i := range cfg.Nodes {
		node := &cfg.Nodes[i]
		if ids[node.Id] {
			result = multierror.Append(result, fmt.Errorf("duplicate node %s", node.Id))
		}
		ids[node.Id] = true
		if err := NodeConfigValidator(node); err != nil {
			result = multierror.Append(result, err)
		}
	}

	used := make(map[Pair[NodeId, string]]string)
	for _, link := range cfg.Links {
		if err := NameValidator(link.Name); err != nil {
			result = multierror.Append(result, fmt.Errorf("link: %w", err))
		}
		if len(link.Endpoints) < 2 {
			result = multierror.Append(result, fmt.Errorf("link %s must have at least two endpoints", link.Name))
		}
		if link.Delay < 0 {
			result = multierror.Append(result, fmt.Errorf("link %s has negative delay", link.Name))
		}
		for _, ep := range link.Endpoints {
			end, err := ParseEndpoint(ep)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("link %s: %w", link.Name, err))
				continue
			}
			if other, ok := used[end]; ok {
				result = multierror.Append(result, fmt.Errorf("link %s: endpoint %s already attached to link %s", link.Name, ep, other))
				continue
			}
			used[end] = link.Name
			node := cfg.GetNode(end.V1)
			if node == nil {
				result = multierror.Append(result, fmt.Errorf("link %s: node %s not defined", link.Name, end.V1))
			} else if node.GetInterface(end.V2) == nil {
				result = multierror.Append(result, fmt.Errorf("link %s: node %s has no interface %s", link.Name, end.V1, end.V2))
			}
		}
	}

	for i, d := range cfg.Datagrams {
		node := cfg.GetNode(d.From)
		if node == nil {
			result = multierror.Append(result, fmt.Errorf("datagram %d: node %s not defined", i, d.From))
		} else if d.Interface != "" && node.GetInterface(d.Interface) == nil {
			result = multierror.Append(result, fmt.Errorf("datagram %d: node %s has no interface %s", i, d.From, d.Interface))
		}
		if d.Dst.IsNone() {
			result = multierror.Append(result, fmt.Errorf("datagram %d: no destination", i))
		}
		if d.At < 0 {
			result = multierror.Append(result, fmt.Errorf("datagram %d: negative send time", i))
		}
	}
	return result.ErrorOrNil()
}
