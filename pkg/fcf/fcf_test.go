package fcf

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nativu5/fcdisc/pkg/types"
)

const (
	fabricA types.WWN = 0x100000051e000001
	fabricB types.WWN = 0x100000051e000002
	switch1 types.WWN = 0x200000051e0000a1
)

func rec(index int, fabric types.WWN, prio uint8, boot bool) Record {
	return Record{
		Index:      index,
		FabricName: fabric,
		SwitchName: switch1,
		MAC:        net.HardwareAddr{0x0e, 0xfc, 0x00, 0x00, 0x00, byte(index)},
		Priority:   prio,
		AddrModes:  AddrFPMA,
		Available:  true,
		Valid:      true,
		Boot:       boot,
	}
}

func TestScan_BootBeatsPriority(t *testing.T) {
	table := []Record{
		rec(0, fabricA, 5, false),
		rec(1, fabricA, 2, false),
		rec(2, fabricA, 9, true),
	}
	sel, ok, err := Scan(NewSelector(nil, nil), table, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, sel.Record.Index)
	assert.Equal(t, AddrFPMA, sel.Match.AddrMode)
}

func TestScan_LowestPriorityWins(t *testing.T) {
	table := []Record{
		rec(0, fabricA, 5, false),
		rec(1, fabricA, 2, false),
		rec(2, fabricA, 2, false),
		rec(3, fabricA, 7, false),
	}
	sel, ok, err := Scan(NewSelector(nil, nil), table, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, sel.Record.Index, "ties keep the earliest candidate")
}

func TestScan_IneligibleSkipped(t *testing.T) {
	a := rec(0, fabricA, 1, false)
	a.Available = false
	b := rec(1, fabricA, 3, false)
	b.Valid = false

	_, ok, err := Scan(NewSelector(nil, nil), []Record{a, b}, nil)
	require.NoError(t, err)
	assert.False(t, ok, "no eligible forwarder means no selection")
}

func TestScan_DeterministicAcrossRestarts(t *testing.T) {
	table := []Record{
		rec(0, fabricA, 4, false),
		rec(1, fabricB, 1, false),
		rec(2, fabricA, 1, false),
		rec(3, fabricA, 8, true),
		rec(4, fabricB, 8, true),
	}
	conns := ConnList{{Flags: ConnValid | ConnFabricNameValid, FabricName: fabricA}}

	baseline, ok, err := Scan(NewSelector(conns, nil), table, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, baseline.Record.Index)

	for at := 0; at < len(table); at++ {
		s := NewSelector(conns, nil)
		interrupted := 0
		sel, ok, err := Scan(s, table, func(pos int) {
			if pos == at && interrupted < 3 {
				interrupted++
				s.Invalidate()
			}
		})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, baseline.Record.Index, sel.Record.Index, "interrupt at %d", at)
		assert.Equal(t, 3, interrupted)
	}
}

func TestScan_NeverSettles(t *testing.T) {
	s := NewSelector(nil, nil)
	_, ok, err := Scan(s, []Record{rec(0, fabricA, 1, false)}, func(int) { s.Invalidate() })
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestOffer_InUseReselectedImmediately(t *testing.T) {
	inUse := rec(3, fabricA, 9, false)
	s := NewSelector(nil, nil)
	s.SetInUse(&Selection{Record: inUse})

	gen := s.Begin()
	done, err := s.Offer(gen, rec(0, fabricA, 1, true))
	require.NoError(t, err)
	assert.False(t, done)

	// Same fabric, switch and MAC after a rescan, at a new index.
	again := inUse
	again.Index = 7
	done, err = s.Offer(gen, again)
	require.NoError(t, err)
	assert.True(t, done)

	done, err = s.Offer(gen, rec(8, fabricA, 0, true))
	require.NoError(t, err)
	assert.True(t, done, "later candidates are ignored")

	sel, ok, err := s.Finish(gen)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 7, sel.Record.Index)
}

func TestOffer_StaleGeneration(t *testing.T) {
	s := NewSelector(nil, nil)
	gen := s.Begin()
	s.Invalidate()
	_, err := s.Offer(gen, rec(0, fabricA, 1, false))
	assert.ErrorIs(t, err, ErrStaleScan)
	_, _, err = s.Finish(gen)
	assert.ErrorIs(t, err, ErrStaleScan)
	assert.Equal(t, gen+1, s.Generation())
}

func TestConnList_Match(t *testing.T) {
	vlanRec := rec(0, fabricA, 1, false)
	vlanRec.VLANs = []uint16{100, 200}
	spmaOnly := rec(1, fabricA, 1, false)
	spmaOnly.AddrModes = AddrSPMA

	tests := []struct {
		name   string
		conns  ConnList
		record Record
		ok     bool
		want   Match
	}{
		{
			name:   "empty list defaults to FPMA",
			record: vlanRec,
			ok:     true,
			want:   Match{AddrMode: AddrFPMA, VLANID: 100},
		},
		{
			name:   "empty list falls back to SPMA",
			record: spmaOnly,
			ok:     true,
			want:   Match{AddrMode: AddrSPMA, VLANID: NoVLAN},
		},
		{
			name:   "fabric name mismatch rejected",
			conns:  ConnList{{Flags: ConnValid | ConnFabricNameValid, FabricName: fabricB}},
			record: vlanRec,
		},
		{
			name:   "invalid entries are ignored",
			conns:  ConnList{{Flags: ConnFabricNameValid, FabricName: fabricB}},
			record: vlanRec,
			ok:     true,
			want:   Match{AddrMode: AddrFPMA, VLANID: 100},
		},
		{
			name:   "vlan requirement",
			conns:  ConnList{{Flags: ConnValid | ConnVLANValid, VLANID: 200}},
			record: vlanRec,
			ok:     true,
			want:   Match{AddrMode: AddrFPMA, VLANID: 200},
		},
		{
			name:   "vlan not carried",
			conns:  ConnList{{Flags: ConnValid | ConnVLANValid, VLANID: 300}},
			record: vlanRec,
		},
		{
			name:   "required SPMA unsupported",
			conns:  ConnList{{Flags: ConnValid | ConnAddrModeValid | ConnAddrModeSPMA}},
			record: vlanRec,
		},
		{
			name:   "preferred SPMA falls back",
			conns:  ConnList{{Flags: ConnValid | ConnAddrModeValid | ConnAddrModePref | ConnAddrModeSPMA}},
			record: vlanRec,
			ok:     true,
			want:   Match{AddrMode: AddrFPMA, VLANID: 100},
		},
		{
			name: "first matching entry decides",
			conns: ConnList{
				{Flags: ConnValid | ConnSwitchNameValid, SwitchName: 0x1},
				{Flags: ConnValid | ConnPref | ConnBoot | ConnSwitchNameValid, SwitchName: switch1},
			},
			record: vlanRec,
			ok:     true,
			want:   Match{Boot: true, Preferred: true, AddrMode: AddrFPMA, VLANID: 100},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ok := tt.conns.Match(tt.record)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, m)
			}
		})
	}
}

func TestScan_PreferredEntryFavored(t *testing.T) {
	table := []Record{
		rec(0, fabricB, 1, false),
		rec(1, fabricA, 6, false),
	}
	conns := ConnList{
		{Flags: ConnValid | ConnPref | ConnFabricNameValid, FabricName: fabricA},
		{Flags: ConnValid | ConnFabricNameValid, FabricName: fabricB},
	}
	sel, ok, err := Scan(NewSelector(conns, nil), table, nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, sel.Record.Index)
	assert.True(t, sel.Match.Preferred)
}
