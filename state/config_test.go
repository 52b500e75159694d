package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTopology = `
nodes:
  - id: r1
    router_id: 1.1.1.1
    forwarding: true
    default_hop_limit: 32
    tie_break: admin_distance
    interfaces:
      - name: eth0
        mtu: 1400
        data_rate: 1000000000
        flags: [broadcast, multicast]
        link: "02:00:00:00:00:01"
        addresses: [10.0.0.1/24, "2001:db8::1/64"]
      - name: id0
        addresses: ["mp:1.2"]
    routes:
      - destination: 0.0.0.0/0
        next_hop: 10.0.0.254
        interface: eth0
        metric: 3
        admin_distance: 20
    groups: [224.0.0.9]
    neighbours:
      - interface: eth0
        address: 10.0.0.254
        link: "02:00:00:00:00:fe"
  - id: h1
    interfaces:
      - name: eth0
        addresses: [10.0.0.2/24]
links:
  - name: lan
    endpoints: [r1/eth0, h1/eth0]
    delay: 2ms
datagrams:
  - at: 1s
    from: h1
    dst: 8.8.8.8
    protocol: 17
    payload: hi
log_path: /tmp/netsim.log
`

func TestParseTopology(t *testing.T) {
	cfg, err := ParseTopology([]byte(sampleTopology))
	require.NoError(t, err)
	require.NoError(t, TopologyConfigValidator(cfg))

	r1 := cfg.GetNode("r1")
	require.NotNil(t, r1)
	want := NodeCfg{
		Id:              "r1",
		RouterId:        MustParseAddress("1.1.1.1"),
		Forwarding:      true,
		DefaultHopLimit: 32,
		TieBreak:        "admin_distance",
		Interfaces: []InterfaceCfg{
			{
				Name:     "eth0",
				MTU:      1400,
				DataRate: 1_000_000_000,
				Flags:    []string{"broadcast", "multicast"},
				Link:     MustParseAddress("02:00:00:00:00:01"),
				Addresses: []AddressPrefix{
					{Addr: MustParseAddress("10.0.0.1"), Len: 24},
					{Addr: MustParseAddress("2001:db8::1"), Len: 64},
				},
			},
			{
				Name:      "id0",
				Addresses: []AddressPrefix{{Addr: MustParseAddress("mp:1.2"), Len: 64}},
			},
		},
		Routes: []RouteCfg{{
			Destination:   AddressPrefix{Addr: MustParseAddress("0.0.0.0"), Len: 0},
			NextHop:       MustParseAddress("10.0.0.254"),
			Interface:     "eth0",
			Metric:        3,
			AdminDistance: 20,
		}},
		Groups: []Address{MustParseAddress("224.0.0.9")},
		Neighbours: []NeighbourCfg{{
			Interface: "eth0",
			Address:   MustParseAddress("10.0.0.254"),
			Link:      MustParseAddress("02:00:00:00:00:fe"),
		}},
	}
	if diff := cmp.Diff(want, *r1, cmpopts.EquateComparable(Address{})); diff != "" {
		t.Errorf("node r1 mismatch (-want +got):\n%s", diff)
	}

	require.Len(t, cfg.Links, 1)
	assert.Equal(t, 2*time.Millisecond, cfg.Links[0].Delay)
	require.Len(t, cfg.Datagrams, 1)
	assert.Equal(t, time.Second, cfg.Datagrams[0].At)
	assert.Equal(t, ProtoUDP, cfg.Datagrams[0].Protocol)
	assert.Equal(t, "/tmp/netsim.log", cfg.LogPath)
	assert.Nil(t, cfg.GetNode("r9"))
	assert.Nil(t, r1.GetInterface("eth9"))
}

func TestParseTopology_BadAddress(t *testing.T) {
	_, err := ParseTopology([]byte(`
nodes:
  - id: r1
    router_id: 1.1.1.300
`))
	assert.Error(t, err)
}

func TestTopology_MarshalIsStable(t *testing.T) {
	cfg, err := ParseTopology([]byte(sampleTopology))
	require.NoError(t, err)
	out, err := cfg.Marshal()
	require.NoError(t, err)

	again, err := ParseTopology(out)
	require.NoError(t, err)
	if diff := cmp.Diff(cfg, again, cmpopts.EquateComparable(Address{})); diff != "" {
		t.Errorf("topology changed after marshalling (-want +got):\n%s", diff)
	}
}

func TestReadTopology(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte(sampleTopology), 0600))
	cfg, err := ReadTopology(good)
	require.NoError(t, err)
	assert.Len(t, cfg.Nodes, 2)

	// parse errors and validation errors both surface
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("nodes:\n  - id: NOT VALID\n"), 0600))
	_, err = ReadTopology(bad)
	assert.ErrorContains(t, err, "not a valid name")

	_, err = ReadTopology(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestInterfaceCfg_Build(t *testing.T) {
	c := InterfaceCfg{
		Name:     "eth0",
		MTU:      9000,
		DataRate: 1_000_000,
		Flags:    []string{"Broadcast", " p2p "},
		Link:     MustParseAddress("02:00:00:00:00:01"),
		Addresses: []AddressPrefix{
			{Addr: MustParseAddress("10.0.0.1"), Len: 24},
			{Addr: MustParseAddress("fe80::1"), Len: 64},
			{Addr: MustParseAddress("2001:db8::1"), Len: 64},
			{Addr: MustParseAddress("12"), Len: 64},
		},
	}
	itf, err := c.Build()
	require.NoError(t, err)
	assert.Equal(t, FlagBroadcast|FlagPointToPoint, itf.Flags)
	assert.Equal(t, 9000, itf.MTU)
	assert.Equal(t, uint64(1_000_000), itf.DataRate)
	assert.Equal(t, NoInterface, itf.Id)
	assert.Equal(t, c.Addresses[0], itf.Addrs.V4)
	assert.Len(t, itf.Addrs.V6, 2)
	assert.Equal(t, MustParseAddress("12"), itf.Addrs.Module)

	bad := c
	bad.Addresses = append(bad.Addresses, AddressPrefix{Addr: MustParseAddress("10.0.0.2"), Len: 24})
	_, err = bad.Build()
	assert.ErrorContains(t, err, "more than one v4 address")

	bad = c
	bad.Link = MustParseAddress("10.9.9.9")
	_, err = bad.Build()
	assert.ErrorContains(t, err, "not a link-layer address")

	bad = c
	bad.Addresses = []AddressPrefix{{Addr: MustParseAddress("02:00:00:00:00:09"), Len: 48}}
	_, err = bad.Build()
	assert.ErrorContains(t, err, "unsupported address")

	bad = c
	bad.Flags = []string{"fddi"}
	_, err = bad.Build()
	assert.ErrorContains(t, err, "unknown interface flag")
}

func TestParseEndpoint(t *testing.T) {
	ep, err := ParseEndpoint(" r1/eth0 ")
	require.NoError(t, err)
	assert.Equal(t, Pair[NodeId, string]{V1: "r1", V2: "eth0"}, ep)

	for _, bad := range []string{"r1", "/eth0", "r1/", ""} {
		_, err := ParseEndpoint(bad)
		assert.Error(t, err, bad)
	}
}
