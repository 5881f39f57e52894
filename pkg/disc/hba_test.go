package disc

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nativu5/fcdisc/pkg/fcf"
	"github.com/Nativu5/fcdisc/pkg/node"
	"github.com/Nativu5/fcdisc/pkg/types"
)

func TestOptions_WithDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, DefaultDevLossTimeout, o.DevLossTimeout)
	assert.Equal(t, DefaultRetryDelay, o.RetryDelay)
	assert.Equal(t, DefaultELSRetries, o.ELSRetries)
	assert.Equal(t, DefaultNSQueryRetries, o.NSQueryRetries)
	assert.Equal(t, DefaultDiscoveryThreads, o.DiscoveryThreads)
	assert.Equal(t, DefaultFastEventCap, o.FastEventCap)
	assert.Zero(t, o.ReauthInterval)

	// A negative retry count disables retries.
	o = Options{ELSRetries: -1, DevLossTimeout: 5 * time.Second}.withDefaults()
	assert.Zero(t, o.ELSRetries)
	assert.Equal(t, 5*time.Second, o.DevLossTimeout)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(testWWPN, testWWNN, Options{}, Deps{})
	assert.Error(t, err)
}

func TestFastEvents_Capped(t *testing.T) {
	x := newHarness(t, Options{FastEventCap: 2})

	require.NoError(t, x.h.PostVendorEvent(0, "a"))
	require.NoError(t, x.h.PostVendorEvent(0, "b"))
	assert.ErrorIs(t, x.h.PostVendorEvent(0, "c"), ErrFastEventLimit)
	assert.Equal(t, 2, x.h.FastEvents())

	x.process()
	assert.Zero(t, x.h.FastEvents())
	x.vendorMu.Lock()
	assert.Equal(t, []any{"a", "b"}, x.vendor)
	x.vendorMu.Unlock()

	x.h.Shutdown()
	assert.ErrorIs(t, x.h.PostVendorEvent(0, "d"), ErrShutdown)
	assert.Zero(t, x.h.FastEvents())
}

func TestNPIVVport_Lifecycle(t *testing.T) {
	x := newHarness(t, Options{})
	x.addPort(targetDID, targetWWPN, types.RoleTarget)
	x.linkUp()

	vp, err := x.h.CreateVport(0x10000000c9000002, 0x20000000c9000002)
	require.NoError(t, err)
	x.process()

	assert.Equal(t, uint16(1), vp.VPI())
	assert.Equal(t, types.LinkVportReady, vp.state)
	assert.Equal(t, types.DID(0x0a0002), vp.LocalDID())
	assert.Equal(t, 1, x.link.sent(types.ELSFDISC, types.FabricDID))
	assert.Equal(t, types.StateMapped, vp.reg.FindByDID(targetDID).State())
	// Each vport presents its own remote port.
	assert.Equal(t, 2, x.bind.bound(targetDID))

	// A reference held elsewhere does not keep the node in a deleted vport.
	held := vp.reg.FindByDID(targetDID).Get()
	require.NotNil(t, held)

	require.NoError(t, x.h.DeleteVport(vp.VPI()))
	assert.False(t, vp.reg.Linked(held))
	assert.Equal(t, node.Live, held.Life())
	held.Put()
	assert.Equal(t, node.Released, held.Life())
	assert.Equal(t, 1, x.bind.bound(targetDID))
	assert.Equal(t, 1, x.link.sent(types.ELSLOGO, types.FabricDID))
	assert.Equal(t, 1, x.link.mailboxes(types.MbxUnregVPI))
	assert.Zero(t, vp.reg.Len())
	x.process()

	_, err = x.h.Vport(vp.VPI())
	assert.ErrorIs(t, err, ErrUnknownVport)
	assert.ErrorIs(t, x.h.DeleteVport(vp.VPI()), ErrUnknownVport)
	assert.Error(t, x.h.DeleteVport(0))
	assert.Equal(t, types.StateMapped, x.nodeState(targetDID))
}

func TestNPIVVport_WaitsForPhysicalLogin(t *testing.T) {
	x := newHarness(t, Options{})
	vp, err := x.h.CreateVport(0x10000000c9000002, 0x20000000c9000002)
	require.NoError(t, err)
	x.process()
	assert.Equal(t, types.LinkDown, vp.state)
	assert.Zero(t, x.link.sent(types.ELSFDISC, types.FabricDID))

	x.linkUp()
	assert.Equal(t, types.LinkVportReady, vp.state)
	assert.Equal(t, 1, x.link.sent(types.ELSFDISC, types.FabricDID))
}

func TestNPIVVport_FabricWithoutNPIV(t *testing.T) {
	x := newHarness(t, Options{})
	x.fab.npiv = false
	x.linkUp()

	vp, err := x.h.CreateVport(0x10000000c9000002, 0x20000000c9000002)
	require.NoError(t, err)
	x.process()
	assert.Zero(t, x.link.sent(types.ELSFDISC, types.FabricDID))
	assert.Equal(t, types.LinkDown, vp.state)
}

func TestVportLimit(t *testing.T) {
	x := newHarness(t, Options{MaxVports: 2})
	_, err := x.h.CreateVport(0x10000000c9000002, 0x20000000c9000002)
	require.NoError(t, err)
	_, err = x.h.CreateVport(0x10000000c9000003, 0x20000000c9000003)
	assert.ErrorIs(t, err, ErrVportLimit)
}

func fcfRecord(index int, prio uint8) fcf.Record {
	return fcf.Record{
		Index:      index,
		FabricName: testFabricName,
		SwitchName: types.WWN(0x200000051e0000a0 + uint64(index)),
		MAC:        net.HardwareAddr{0x0e, 0xfc, 0x00, 0x00, 0x00, byte(index)},
		Priority:   prio,
		AddrModes:  fcf.AddrFPMA,
		Available:  true,
		Valid:      true,
	}
}

func TestFCoE_SelectsAndKeepsForwarder(t *testing.T) {
	x := newHarness(t, Options{FCoE: true})
	x.fab.fcfs = []fcf.Record{fcfRecord(0, 5), fcfRecord(1, 2)}
	x.addPort(targetDID, targetWWPN, types.RoleTarget)
	x.linkUp()

	snap := x.h.Snapshot()
	assert.True(t, snap.FCoE)
	assert.True(t, snap.FCFRegistered)
	assert.Equal(t, 1, snap.FCFIndex)
	assert.Equal(t, []int{1}, x.fab.regFCF)
	assert.Equal(t, types.StateMapped, x.nodeState(targetDID))

	// A table change that keeps the forwarder eligible changes nothing.
	x.h.FCFTableChanged()
	x.process()
	assert.Equal(t, []int{1}, x.fab.regFCF)
	assert.Zero(t, x.link.mailboxes(types.MbxUnregFCF))
	assert.Equal(t, 1, x.link.sent(types.ELSFLOGI, types.FabricDID))
	assert.Equal(t, types.StateMapped, x.nodeState(targetDID))
}

func TestFCoE_SwitchesWhenForwarderLost(t *testing.T) {
	x := newHarness(t, Options{FCoE: true})
	x.fab.fcfs = []fcf.Record{fcfRecord(0, 5), fcfRecord(1, 2)}
	x.addPort(targetDID, targetWWPN, types.RoleTarget)
	x.linkUp()
	n := x.node(targetDID)
	require.Equal(t, types.StateMapped, n.State())

	x.link.mu.Lock()
	x.fab.fcfs[1].Available = false
	x.link.mu.Unlock()
	x.h.FCFTableChanged()
	x.process()

	assert.Equal(t, []int{1, 0}, x.fab.regFCF)
	assert.Equal(t, 1, x.link.mailboxes(types.MbxUnregFCF))
	assert.Equal(t, 0, x.h.Snapshot().FCFIndex)
	assert.Equal(t, 2, x.link.sent(types.ELSFLOGI, types.FabricDID))
	assert.Equal(t, types.StateMapped, n.State())
	assert.Equal(t, 1, x.bind.bound(targetDID))
	assert.False(t, x.link.blocked[0])
	assert.Equal(t, types.LinkVportReady, x.vport(0).state)
}

func TestFCoE_LostWithoutReplacementTakesLinkDown(t *testing.T) {
	x := newHarness(t, Options{FCoE: true})
	x.fab.fcfs = []fcf.Record{fcfRecord(0, 5)}
	x.addPort(targetDID, targetWWPN, types.RoleTarget)
	x.linkUp()
	n := x.node(targetDID)
	require.Equal(t, types.StateMapped, n.State())

	x.link.mu.Lock()
	x.fab.fcfs[0].Available = false
	x.link.mu.Unlock()
	x.h.FCFTableChanged()
	x.process()

	snap := x.h.Snapshot()
	assert.False(t, snap.FCFRegistered)
	assert.Equal(t, -1, snap.FCFIndex)
	assert.Equal(t, 1, x.link.mailboxes(types.MbxUnregFCF))
	assert.Equal(t, types.StateNPR, n.State())
	assert.Zero(t, x.bind.bound(targetDID))
	assert.Equal(t, types.TimerArmed, n.DevLoss)
	assert.True(t, x.link.blocked[0])
	assert.Equal(t, types.LinkUp, x.vport(0).state)

	// The forwarder comes back and discovery runs again.
	x.link.mu.Lock()
	x.fab.fcfs[0].Available = true
	x.link.mu.Unlock()
	x.h.FCFTableChanged()
	x.process()

	assert.Equal(t, []int{0, 0}, x.fab.regFCF)
	assert.Equal(t, types.StateMapped, n.State())
	assert.Equal(t, 1, x.bind.bound(targetDID))
	assert.False(t, x.link.blocked[0])
	assert.Equal(t, types.LinkVportReady, x.vport(0).state)
}

func TestFCoE_BootRecordWins(t *testing.T) {
	x := newHarness(t, Options{FCoE: true})
	boot := fcfRecord(2, 9)
	boot.Boot = true
	x.fab.fcfs = []fcf.Record{fcfRecord(0, 1), fcfRecord(1, 1), boot}
	x.linkUp()

	assert.Equal(t, []int{2}, x.fab.regFCF)
	assert.Equal(t, 3, x.link.mailboxes(types.MbxReadFCF))
}

func TestFCoE_NoEligibleForwarder(t *testing.T) {
	x := newHarness(t, Options{FCoE: true})
	r := fcfRecord(0, 1)
	r.Valid = false
	x.fab.fcfs = []fcf.Record{r}
	x.linkUp()

	assert.Empty(t, x.fab.regFCF)
	assert.False(t, x.h.Snapshot().FCFRegistered)
	assert.Zero(t, x.link.mailboxes(types.MbxConfigLink))
	assert.Equal(t, types.LinkUp, x.vport(0).state)
}

func TestSnapshot_ReportsNodes(t *testing.T) {
	x := newHarness(t, Options{})
	x.addPort(targetDID, targetWWPN, types.RoleTarget)
	x.linkUp()

	snap := x.h.Snapshot()
	assert.True(t, snap.LinkUp)
	assert.Equal(t, types.TopologyFabric, snap.Topology)
	assert.Equal(t, -1, snap.FCFIndex)
	require.Len(t, snap.Vports, 1)
	vi := snap.Vports[0]
	assert.Equal(t, types.LinkVportReady, vi.State)

	var found bool
	for _, ni := range vi.Nodes {
		if ni.DID == targetDID {
			found = true
			assert.Equal(t, types.StateMapped, ni.State)
			assert.Equal(t, targetWWPN, ni.WWPN)
			assert.Equal(t, types.RoleTarget, ni.Roles)
		}
	}
	assert.True(t, found)
}
