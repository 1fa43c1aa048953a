// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"fmt"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/logging"
)

type mapResolver struct {
	names map[uint32]string
	calls int
}

func (m *mapResolver) ImagePath(pid uint32) (string, error) {
	m.calls++
	if n, ok := m.names[pid]; ok {
		return n, nil
	}
	return "", fmt.Errorf("no such process %d", pid)
}

func newTestSet(res ProcessResolver) *RuleSet {
	return NewRuleSet(res, logging.New(logging.Config{Level: logging.LevelError}))
}

func tcpFlow(remote string) *FlowInfo {
	r := netip.MustParseAddrPort(remote)
	return &FlowInfo{
		ProcessID: 100,
		Protocol:  ProtoTCP,
		Family:    FamilyOf(r.Addr()),
		Direction: DirectionOut,
		Local:     netip.MustParseAddrPort("10.0.0.2:50000"),
		Remote:    r,
	}
}

func TestDefaultAllow(t *testing.T) {
	rs := newTestSet(nil)
	v := rs.FindByFlow(tcpFlow("1.1.1.1:443"))
	assert.Equal(t, FlagAllow, v.Flags)
	assert.Equal(t, -1, v.Rule)
	assert.Equal(t, Caps(0), rs.Capabilities())
}

func TestWildcardBlockWins(t *testing.T) {
	rs := newTestSet(nil)
	require.NoError(t, rs.Add(Rule{Flags: FlagBlock}, false))
	require.NoError(t, rs.Add(Rule{Protocol: ProtoTCP, RemotePort: PortRange{From: 443}, Flags: FlagAllow}, false))

	for _, remote := range []string{"1.1.1.1:443", "8.8.8.8:53", "[2001:db8::1]:80"} {
		v := rs.FindByFlow(tcpFlow(remote))
		assert.Equal(t, FlagBlock, v.Flags, remote)
		assert.Equal(t, 0, v.Rule)
	}
	udp := tcpFlow("9.9.9.9:53")
	udp.Protocol = ProtoUDP
	assert.Equal(t, FlagBlock, rs.FindByFlow(udp).Flags)
}

func TestTCP443Allow(t *testing.T) {
	rs := newTestSet(nil)
	require.NoError(t, rs.Add(Rule{Protocol: ProtoTCP, RemotePort: PortRange{From: 443}, Flags: FlagAllow}, false))
	require.NoError(t, rs.Add(Rule{Protocol: ProtoTCP, Flags: FlagFilter}, false))

	v := rs.FindByFlow(tcpFlow("93.184.216.34:443"))
	assert.Equal(t, FlagAllow, v.Flags)
	assert.Equal(t, 0, v.Rule)
	assert.False(t, v.Flags.Has(FlagFilter))

	v = rs.FindByFlow(tcpFlow("93.184.216.34:80"))
	assert.True(t, v.Flags.Has(FlagFilter))
}

func TestProcessNameSuffixWildcard(t *testing.T) {
	res := &mapResolver{names: map[uint32]string{
		1: `C:\Program Files\Bad\BadApp.exe`,
		2: `C:\Program Files\Good\goodapp.exe`,
	}}
	rs := newTestSet(res)
	require.NoError(t, rs.Add(Rule{Protocol: ProtoUDP, ProcessName: "bad*.exe", Flags: FlagBlock}, false))
	assert.True(t, rs.Capabilities().Has(CapProcessName))

	flow := func(pid uint32) *FlowInfo {
		return &FlowInfo{
			ProcessID: pid,
			Protocol:  ProtoUDP,
			Family:    FamilyV4,
			Direction: DirectionOut,
			Local:     netip.MustParseAddrPort("10.0.0.2:5353"),
			Remote:    netip.MustParseAddrPort("10.0.0.1:53"),
		}
	}

	bad := flow(1)
	assert.Equal(t, FlagBlock, rs.FindByFlow(bad).Flags)
	assert.Equal(t, `C:\Program Files\Bad\BadApp.exe`, bad.ProcessName, "resolved name is cached on the flow")

	good := flow(2)
	assert.Equal(t, FlagAllow, rs.FindByFlow(good).Flags)

	calls := res.calls
	rs.FindByFlow(bad)
	assert.Equal(t, calls, res.calls, "cached name skips the resolver")

	assert.Equal(t, FlagAllow, rs.FindByFlow(flow(3)).Flags, "unresolvable process never matches a name rule")
}

func TestMatchName(t *testing.T) {
	tests := []struct {
		pattern, subject string
		want             bool
	}{
		{"bad*.exe", "badapp.exe", true},
		{"bad*.exe", "/usr/bin/badapp.exe", true},
		{"bad*.exe", "goodapp.exe", false},
		{"app.exe", `C:\x\APP.EXE`, true},
		{"*", "anything", true},
		{"curl", "/usr/bin/curl", true},
		{"curl", "/usr/bin/curl-old", false},
		{"", "whatever", true},
		{`C:\apps\badapp.exe`, `C:\apps\badapp.exe`, true},
		{`apps\bad*.exe`, `C:\Apps\BadApp.exe`, true},
		{`apps\bad*.exe`, `C:\other\badapp.exe`, false},
		{"app[1].exe", `C:\x\app[1].exe`, true},
		{"app[1].exe", `C:\x\app1.exe`, false},
		{"a?b.exe", "a?b.exe", true},
		{"a?b.exe", "axb.exe", false},
		{"{a,b}.exe", "{a,b}.exe", true},
		{"{a,b}.exe", "a.exe", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.subject, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchName(tt.pattern, tt.subject))
		})
	}
}

func TestInspectorTrafficExempt(t *testing.T) {
	rs := newTestSet(nil)
	require.NoError(t, rs.Add(Rule{Flags: FlagBlock}, false))
	rs.SetInspector(100)
	assert.Equal(t, FlagAllow, rs.FindByFlow(tcpFlow("1.1.1.1:443")).Flags)
	rs.SetInspector(0)
	assert.Equal(t, FlagBlock, rs.FindByFlow(tcpFlow("1.1.1.1:443")).Flags)
}

func TestIPv6LoopbackExemption(t *testing.T) {
	rs := newTestSet(nil)
	require.NoError(t, rs.Add(Rule{Flags: FlagFilter}, false))

	lo := &FlowInfo{
		Protocol:  ProtoTCP,
		Family:    FamilyV6,
		Direction: DirectionOut,
		Local:     netip.MustParseAddrPort("[::1]:40000"),
		Remote:    netip.MustParseAddrPort("[::1]:8080"),
	}
	assert.Equal(t, FlagAllow, rs.FindByFlow(lo).Flags)

	require.NoError(t, rs.Add(Rule{LocalAddr: netip.MustParseAddr("::1"), Flags: FlagBlock}, true))
	assert.Equal(t, FlagBlock, rs.FindByFlow(lo).Flags)
}

func TestAddressMask(t *testing.T) {
	assert.True(t, MatchAddr(netip.MustParseAddr("10.1.0.0"), netip.MustParseAddr("255.255.0.0"), netip.MustParseAddr("10.1.2.3")))
	assert.False(t, MatchAddr(netip.MustParseAddr("10.1.0.0"), netip.MustParseAddr("255.255.0.0"), netip.MustParseAddr("10.2.2.3")))
	assert.False(t, MatchAddr(netip.MustParseAddr("10.1.0.0"), netip.Addr{}, netip.MustParseAddr("10.1.2.3")))
	assert.True(t, MatchAddr(netip.MustParseAddr("10.1.2.3"), netip.Addr{}, netip.MustParseAddr("::ffff:10.1.2.3")))
	assert.False(t, MatchAddr(netip.MustParseAddr("10.1.2.3"), netip.Addr{}, netip.MustParseAddr("2001:db8::1")))
	assert.True(t, MatchAddr(netip.MustParseAddr("2001:db8::"), netip.MustParseAddr("ffff:ffff::"), netip.MustParseAddr("2001:db8:1::5")))
	assert.True(t, MatchAddr(netip.Addr{}, netip.Addr{}, netip.MustParseAddr("1.2.3.4")))
}

func TestPortRange(t *testing.T) {
	assert.True(t, MatchPort(PortRange{}, 1))
	assert.True(t, MatchPort(PortRange{From: 80}, 80))
	assert.False(t, MatchPort(PortRange{From: 80}, 81))
	assert.True(t, MatchPort(PortRange{From: 1000, To: 2000}, 1500))
	assert.False(t, MatchPort(PortRange{From: 1000, To: 2000}, 2001))
}

func TestTempPromotion(t *testing.T) {
	rs := newTestSet(nil)
	require.NoError(t, rs.Add(Rule{Flags: FlagBlock}, false))
	require.NoError(t, rs.AddTemp(Rule{Protocol: ProtoUDP, Flags: FlagFilter}))

	assert.Equal(t, FlagBlock, rs.FindByFlow(tcpFlow("1.1.1.1:1")).Flags, "staged rules are inert")

	assert.Equal(t, 1, rs.PromoteTemp())
	assert.Equal(t, FlagAllow, rs.FindByFlow(tcpFlow("1.1.1.1:1")).Flags)
	assert.Equal(t, CapUDP, rs.Capabilities())
	assert.Len(t, rs.Rules(), 1)

	assert.Equal(t, 0, rs.PromoteTemp())
	assert.Empty(t, rs.Rules())
}

func TestCapabilities(t *testing.T) {
	rs := newTestSet(nil)
	require.NoError(t, rs.Replace([]Rule{
		{Protocol: ProtoTCP, Flags: FlagPendConnect},
		{Protocol: ProtoUDP, Flags: FlagFilter | FlagFilterAsIP},
	}))
	c := rs.Capabilities()
	assert.True(t, c.Has(CapTCP))
	assert.True(t, c.Has(CapUDP))
	assert.True(t, c.Has(CapIP))
	assert.True(t, c.Has(CapConnectRedirect))
	assert.False(t, c.Has(CapBind))

	require.NoError(t, rs.AddBind(BindRule{Flags: FlagRedirect}, false))
	assert.True(t, rs.Capabilities().Has(CapBind))

	rs.RemoveAll()
	rs.RemoveAllBind()
	assert.Equal(t, Caps(0), rs.Capabilities())
	assert.Equal(t, "none", rs.Capabilities().String())
}

func TestInvalidRulesRejected(t *testing.T) {
	rs := newTestSet(nil)
	err := rs.Add(Rule{LocalMask: netip.MustParseAddr("255.0.0.0")}, false)
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))

	err = rs.Replace([]Rule{{}, {RemotePort: PortRange{From: 10, To: 5}}})
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
	assert.Equal(t, 1, errors.GetAttributes(err)["index"])
}

func TestBindRewrite(t *testing.T) {
	rs := newTestSet(nil)
	require.NoError(t, rs.AddBindTemp(BindRule{
		Protocol:  ProtoTCP,
		LocalPort: 8080,
		Flags:     FlagRedirect,
		NewLocal:  netip.MustParseAddrPort("127.0.0.1:0"),
	}))
	assert.Equal(t, 1, rs.PromoteBindTemp())

	b := &BindInfo{ProcessID: 5, Protocol: ProtoTCP, Family: FamilyV4, Local: netip.MustParseAddrPort("0.0.0.0:8080")}
	assert.Equal(t, FlagRedirect, rs.FindByBindInfo(b))
	assert.Equal(t, netip.MustParseAddrPort("127.0.0.1:8080"), b.NewLocal)

	other := &BindInfo{ProcessID: 5, Protocol: ProtoTCP, Family: FamilyV4, Local: netip.MustParseAddrPort("0.0.0.0:9090")}
	assert.Equal(t, FlagAllow, rs.FindByBindInfo(other))
	assert.False(t, other.NewLocal.IsValid())
	assert.Len(t, rs.BindRules(), 1)
}

func TestReplaceBindIsAtomic(t *testing.T) {
	rs := newTestSet(nil)
	require.NoError(t, rs.AddBind(BindRule{LocalPort: 53, Flags: FlagBlock}, false))

	err := rs.ReplaceBind([]BindRule{
		{LocalPort: 80, Flags: FlagBlock},
		{LocalMask: netip.MustParseAddr("255.255.0.0"), Flags: FlagBlock},
	})
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
	require.Len(t, rs.BindRules(), 1)
	assert.Equal(t, uint16(53), rs.BindRules()[0].LocalPort)

	require.NoError(t, rs.ReplaceBind(nil))
	assert.Empty(t, rs.BindRules())
	assert.False(t, rs.Capabilities().Has(CapBind))
}

func TestFlagsRoundTrip(t *testing.T) {
	f, err := ParseFlags("filter|control_flow")
	require.NoError(t, err)
	assert.Equal(t, FlagFilter|FlagControlFlow, f)
	assert.Equal(t, "filter|control_flow", f.String())

	_, err = ParseFlags("explode")
	assert.Error(t, err)
	assert.Equal(t, "allow", FlagAllow.String())
}
