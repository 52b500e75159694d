package state

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

type NodeId string

// InterfaceCfg configures one interface of a node. Addresses may hold at most one v4 prefix and
// one module id or module path; every v6 prefix is kept.
type InterfaceCfg struct {
	Name      string          `yaml:"name"`
	MTU       int             `yaml:"mtu,omitempty"`
	DataRate  uint64          `yaml:"data_rate,omitempty"` // bits per second
	Flags     []string        `yaml:"flags,omitempty"`     // broadcast, multicast, loopback, p2p
	Link      Address         `yaml:"link,omitempty"`
	Addresses []AddressPrefix `yaml:"addresses,omitempty"`
}

// RouteCfg is a static route. An empty next hop denotes a directly attached network.
type RouteCfg struct {
	Destination   AddressPrefix `yaml:"destination"`
	NextHop       Address       `yaml:"next_hop,omitempty"`
	Interface     string        `yaml:"interface"`
	Metric        int           `yaml:"metric,omitempty"`
	AdminDistance int           `yaml:"admin_distance,omitempty"`
}

// MulticastRouteCfg is a static multicast route. An omitted origin or group matches any, an
// omitted inbound interface accepts datagrams from every interface.
type MulticastRouteCfg struct {
	Origin   AddressPrefix `yaml:"origin,omitempty"`
	Group    AddressPrefix `yaml:"group,omitempty"`
	Inbound  string        `yaml:"inbound,omitempty"`
	Outbound []string      `yaml:"outbound,omitempty"`
	Metric   int           `yaml:"metric,omitempty"`
}

// NeighbourCfg is a static link-layer resolution entry.
type NeighbourCfg struct {
	Interface string  `yaml:"interface"`
	Address   Address `yaml:"address"`
	Link      Address `yaml:"link"`
}

type NodeCfg struct {
	Id                  NodeId  `yaml:"id"`
	RouterId            Address `yaml:"router_id,omitempty"`
	Forwarding          bool    `yaml:"forwarding,omitempty"`
	MulticastForwarding bool    `yaml:"multicast_forwarding,omitempty"`
	DefaultHopLimit     int     `yaml:"default_hop_limit,omitempty"`
	// LinkLocalMulticastHopLimitOne sends link-local multicast with a hop limit of 1 by default
	LinkLocalMulticastHopLimitOne bool                `yaml:"link_local_multicast_hop_limit_one,omitempty"`
	TieBreak                      string              `yaml:"tie_break,omitempty"` // insertion, admin_distance
	Interfaces                    []InterfaceCfg      `yaml:"interfaces"`
	Routes                        []RouteCfg          `yaml:"routes,omitempty"`
	MulticastRoutes               []MulticastRouteCfg `yaml:"multicast_routes,omitempty"`
	Groups                        []Address           `yaml:"groups,omitempty"`
	Neighbours                    []NeighbourCfg      `yaml:"neighbours,omitempty"`
}

// LinkCfg connects interfaces of different nodes. Endpoints are written as node/interface;
// a link with more than two endpoints is a shared segment.
type LinkCfg struct {
	Name      string        `yaml:"name"`
	Endpoints []string      `yaml:"endpoints"`
	Delay     time.Duration `yaml:"delay,omitempty"`
	Down      bool          `yaml:"down,omitempty"`
}

// DatagramCfg is a datagram sent by an upper layer of a node at a given simulation time.
type DatagramCfg struct {
	At        time.Duration `yaml:"at,omitempty"`
	From      NodeId        `yaml:"from"`
	Src       Address       `yaml:"src,omitempty"`
	Dst       Address       `yaml:"dst"`
	Protocol  ProtocolId    `yaml:"protocol,omitempty"`
	HopLimit  int           `yaml:"hop_limit,omitempty"`
	Interface string        `yaml:"interface,omitempty"`
	Payload   string        `yaml:"payload,omitempty"`
}

type TopologyCfg struct {
	Nodes     []NodeCfg     `yaml:"nodes"`
	Links     []LinkCfg     `yaml:"links,omitempty"`
	Datagrams []DatagramCfg `yaml:"datagrams,omitempty"`
	LogPath   string        `yaml:"log_path,omitempty"` // if not empty, logs are also written to this file
}

// ParseEndpoint splits a node/interface link endpoint.
func ParseEndpoint(s string) (Pair[NodeId, string], error) {
	node, itf, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || node == "" || itf == "" {
		return Pair[NodeId, string]{}, fmt.Errorf("invalid link endpoint %q, expected node/interface", s)
	}
	return Pair[NodeId, string]{NodeId(node), itf}, nil
}

var interfaceFlagNames = map[string]InterfaceFlags{
	"broadcast": FlagBroadcast,
	"multicast": FlagMulticast,
	"loopback":  FlagLoopback,
	"p2p":       FlagPointToPoint,
}

func ParseInterfaceFlags(names []string) (InterfaceFlags, error) {
	var f InterfaceFlags
	for _, n := range names {
		flag, ok := interfaceFlagNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return 0, fmt.Errorf("unknown interface flag %q", n)
		}
		f |= flag
	}
	return f, nil
}

// Build creates the Interface described by the configuration. The id is assigned when the
// interface is added to a table.
func (c *InterfaceCfg) Build() (*Interface, error) {
	flags, err := ParseInterfaceFlags(c.Flags)
	if err != nil {
		return nil, err
	}
	itf := &Interface{
		Name:     c.Name,
		MTU:      c.MTU,
		Flags:    flags,
		DataRate: c.DataRate,
	}
	if !c.Link.IsNone() {
		if c.Link.Family() != FamilyLink {
			return nil, fmt.Errorf("interface %s: %s is not a link-layer address", c.Name, c.Link)
		}
		itf.Addrs.Link = c.Link
	}
	for _, p := range c.Addresses {
		switch p.Addr.Family() {
		case FamilyV4:
			if !itf.Addrs.V4.Addr.IsNone() {
				return nil, fmt.Errorf("interface %s: more than one v4 address", c.Name)
			}
			itf.Addrs.V4 = p
		case FamilyV6:
			itf.Addrs.V6 = append(itf.Addrs.V6, p)
		case FamilyModuleId, FamilyModulePath:
			if !itf.Addrs.Module.IsNone() {
				return nil, fmt.Errorf("interface %s: more than one module address", c.Name)
			}
			itf.Addrs.Module = p.Addr
		default:
			return nil, fmt.Errorf("interface %s: unsupported address %s", c.Name, p)
		}
	}
	return itf, nil
}

func (c *TopologyCfg) GetNode(id NodeId) *NodeCfg {
	idx := slices.IndexFunc(c.Nodes, func(n NodeCfg) bool {
		return n.Id == id
	})
	if idx == -1 {
		return nil
	}
	return &c.Nodes[idx]
}

func (c *NodeCfg) GetInterface(name string) *InterfaceCfg {
	idx := slices.IndexFunc(c.Interfaces, func(i InterfaceCfg) bool {
		return i.Name == name
	})
	if idx == -1 {
		return nil
	}
	return &c.Interfaces[idx]
}

func ParseTopology(data []byte) (*TopologyCfg, error) {
	var cfg TopologyCfg
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ReadTopology loads and validates a topology file.
func ReadTopology(path string) (*TopologyCfg, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := ParseTopology(file)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := TopologyConfigValidator(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *TopologyCfg) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
