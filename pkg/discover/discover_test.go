package discover

import (
	"bytes"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nativu5/fcdisc/pkg/fcf"
	"github.com/Nativu5/fcdisc/pkg/sim"
	"github.com/Nativu5/fcdisc/pkg/transport"
	"github.com/Nativu5/fcdisc/pkg/types"
)

func sampleHosts() ([]*types.FCHost, []*types.RemotePortInfo) {
	hosts := []*types.FCHost{
		{
			Name:       "host7",
			WWPN:       0x10000090fa000007,
			PortID:     0x0a0001,
			PortState:  "Online",
			Speed:      "16 Gbit",
			FabricName: 0x100000051e000001,
		},
		{
			Name:          "host10",
			WWPN:          0x10000090fa000010,
			PortState:     "Linkdown",
			IfName:        "eth2.100",
			LinkOperState: "down",
		},
	}
	rports := []*types.RemotePortInfo{
		{
			Name:      "rport-7:0-0",
			Host:      "host7",
			WWPN:      0x500000e0d0000001,
			PortID:    0x010200,
			Roles:     "FCP Target",
			PortState: "Online",
			Devices:   []string{"/dev/sdb"},
		},
	}
	return hosts, rports
}

func TestPrintHostsTable(t *testing.T) {
	var buf bytes.Buffer
	hosts, rports := sampleHosts()
	PrintHostsTable(&buf, hosts, rports)
	out := buf.String()

	for _, want := range []string{
		"HOST", "FABRIC", "host7", "10:00:00:90:fa:00:00:07", "0x0a0001",
		"eth2.100 (down)", "(native)", "rport-7:0-0", "/dev/sdb", "FCP Target",
	} {
		assert.Contains(t, out, want)
	}
}

func TestPrintHostsTable_NoRemotePorts(t *testing.T) {
	var buf bytes.Buffer
	hosts, _ := sampleHosts()
	PrintHostsTable(&buf, hosts, nil)
	assert.Contains(t, buf.String(), "No remote ports.")
}

func TestPrintHostsJSON(t *testing.T) {
	var buf bytes.Buffer
	hosts, rports := sampleHosts()
	require.NoError(t, PrintHostsJSON(&buf, hosts, rports))

	var parsed []map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &parsed))
	require.Len(t, parsed, 2)
	assert.Equal(t, "host7", parsed[0]["name"])
	assert.Equal(t, "10:00:00:90:fa:00:00:07", parsed[0]["wwpn"])
	assert.Len(t, parsed[0]["remote_ports"], 1)
	// Hosts without rports still carry an empty list.
	assert.Equal(t, []interface{}{}, parsed[1]["remote_ports"])
	assert.Equal(t, "eth2.100", parsed[1]["ifname"])
}

func TestPrintHostsJSON_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintHostsJSON(&buf, nil, nil))
	assert.JSONEq(t, "[]", buf.String())
}

func sampleSnapshot() types.FabricSnapshot {
	return types.FabricSnapshot{
		LinkUp:        true,
		Topology:      types.TopologyFabric,
		FCoE:          true,
		FCFRegistered: true,
		FCFIndex:      1,
		Vports: []types.VportInfo{
			{
				VPI:      0,
				State:    types.LinkVportReady,
				Degraded: true,
				Nodes: []types.NodeInfo{
					{DID: 0x010200, WWPN: 0x500000e0d0000001, State: types.StateMapped, Roles: types.RoleTarget},
					{DID: 0x010300, WWPN: 0x500000e0d0000002, State: types.StateNPR, DevLoss: types.TimerArmed},
				},
			},
			{VPI: 1, State: types.LinkFLOGI},
		},
	}
}

func TestPrintSnapshotTable(t *testing.T) {
	var buf bytes.Buffer
	PrintSnapshotTable(&buf, sampleSnapshot())
	out := buf.String()

	assert.Contains(t, out, "Link up, fabric, fcf 1")
	assert.Contains(t, out, "(degraded)")
	assert.Contains(t, out, "MAPPED")
	assert.Contains(t, out, "NPR")
	assert.Contains(t, out, "0x010300")
}

func TestPrintSnapshotTable_LinkDown(t *testing.T) {
	var buf bytes.Buffer
	PrintSnapshotTable(&buf, types.FabricSnapshot{})
	assert.Contains(t, buf.String(), "Link down")
}

func sampleReport() *sim.Report {
	snap := sampleSnapshot()
	return &sim.Report{
		Scenario: "demo",
		Steps: []sim.StepResult{
			{Index: 1, Step: "link-up", Events: 12, Snapshot: snap},
			{Index: 2, Step: "advance 30s", Elapsed: 30 * time.Second, Events: 3, Snapshot: snap},
		},
		Final: snap,
		Bound: []transport.Port{{
			Binding: types.Binding{Port: types.RemotePort{DID: 0x010200, WWPN: 0x500000e0d0000001, Roles: types.RoleTarget}},
		}},
		Requests: map[string]int{"PLOGI": 3, "FLOGI": 1},
	}
}

func TestPrintReportTable(t *testing.T) {
	var buf bytes.Buffer
	PrintReportTable(&buf, sampleReport())
	out := buf.String()

	assert.Contains(t, out, "Scenario demo")
	assert.Contains(t, out, "advance 30s")
	assert.Contains(t, out, "30s")
	assert.Contains(t, out, "0:VPORT_READY")
	assert.Contains(t, out, "Requests: FLOGI=1 PLOGI=3")
}

func TestPrintReportJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintReportJSON(&buf, sampleReport()))

	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &parsed))
	assert.Equal(t, "demo", parsed["scenario"])
	assert.Len(t, parsed["steps"], 2)
	bound := parsed["bound"].([]interface{})
	require.Len(t, bound, 1)
	port := bound[0].(map[string]interface{})["port"].(map[string]interface{})
	assert.Equal(t, "0x010200", port["did"])
}

func sampleRecords() []fcf.Record {
	return []fcf.Record{
		{Index: 0, FabricName: 0x100000051e000001, MAC: net.HardwareAddr{0x0e, 0xfc, 0, 0, 0, 0}, Priority: 5,
			AddrModes: fcf.AddrFPMA, Available: true, Valid: true},
		{Index: 1, FabricName: 0x100000051e000001, MAC: net.HardwareAddr{0x0e, 0xfc, 0, 0, 0, 1}, Priority: 2,
			VLANs: []uint16{100}, AddrModes: fcf.AddrFPMA, Available: true, Valid: true},
		{Index: 2, MAC: net.HardwareAddr{0x0e, 0xfc, 0, 0, 0, 2}, AddrModes: fcf.AddrFPMA, Valid: true},
	}
}

func TestPrintFCFTable(t *testing.T) {
	records := sampleRecords()
	sel := &fcf.Selection{Record: records[1], Match: fcf.Match{AddrMode: fcf.AddrFPMA, VLANID: 100}}

	var buf bytes.Buffer
	PrintFCFTable(&buf, records, nil, sel)
	out := buf.String()
	assert.Contains(t, out, "0e:fc:00:00:00:01")
	assert.Contains(t, out, "unavailable")
	assert.Contains(t, out, "*")
	assert.Contains(t, out, "Selected fcf 1 (FPMA, vlan 100)")
}

func TestPrintFCFTable_NoSelection(t *testing.T) {
	var buf bytes.Buffer
	PrintFCFTable(&buf, sampleRecords()[2:], nil, nil)
	assert.Contains(t, buf.String(), "No eligible forwarder.")
}

func TestPrintSelectionJSON(t *testing.T) {
	records := sampleRecords()
	var buf bytes.Buffer
	require.NoError(t, PrintSelectionJSON(&buf, &fcf.Selection{Record: records[0], Match: fcf.Match{VLANID: fcf.NoVLAN}}))

	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &parsed))
	rec := parsed["record"].(map[string]interface{})
	assert.Equal(t, float64(0), rec["index"])

	buf.Reset()
	require.NoError(t, PrintSelectionJSON(&buf, nil))
	assert.Equal(t, "null\n", buf.String())
}
