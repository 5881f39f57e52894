package doctor

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nativu5/fcdisc/pkg/types"
)

// fakeModules points sysModule at a temp dir holding the named modules.
func fakeModules(t *testing.T, mods ...string) {
	t.Helper()
	dir := t.TempDir()
	for _, m := range mods {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, m), 0755))
	}
	orig := sysModule
	sysModule = dir
	t.Cleanup(func() { sysModule = orig })
}

func onlineHost() *types.FCHost {
	return &types.FCHost{
		Name:       "host7",
		WWPN:       0x10000090fa000007,
		PortID:     0x0a0001,
		PortState:  "Online",
		Speed:      "16 Gbit",
		FabricName: 0x100000051e000001,
	}
}

func healthyTarget() *types.RemotePortInfo {
	return &types.RemotePortInfo{
		Name:       "rport-7:0-0",
		Host:       "host7",
		WWPN:       0x500000e0d0000001,
		PortID:     0x010200,
		Roles:      "FCP Target",
		PortState:  "Online",
		DevLossTmo: 30,
		Devices:    []string{"/dev/sdb"},
	}
}

func findCheck(r *Report, check, device string) *CheckResult {
	for i := range r.Results {
		if r.Results[i].Check == check && r.Results[i].Device == device {
			return &r.Results[i]
		}
	}
	return nil
}

// ───────────────────────────────────────────
//  Host checks
// ───────────────────────────────────────────

func TestDiagnoseHosts_Healthy(t *testing.T) {
	fakeModules(t, "scsi_transport_fc", "lpfc")

	report := DiagnoseHosts([]*types.FCHost{onlineHost()}, []*types.RemotePortInfo{healthyTarget()})
	assert.False(t, report.HasFail)
	assert.False(t, report.HasWarn)

	mods := findCheck(report, "kernel_modules", "")
	require.NotNil(t, mods)
	assert.Contains(t, mods.Message, "lpfc")
	assert.NotNil(t, findCheck(report, "rport_state", "rport-7:0-0"))
}

func TestDiagnoseHosts_NoHosts(t *testing.T) {
	fakeModules(t, "scsi_transport_fc", "qla2xxx")

	report := DiagnoseHosts(nil, nil)
	assert.True(t, report.HasFail)
	cr := findCheck(report, "fc_hosts", "")
	require.NotNil(t, cr)
	assert.Equal(t, Fail, cr.Severity)
}

func TestCheckKernelModules(t *testing.T) {
	tests := []struct {
		name string
		mods []string
		want Severity
	}{
		{name: "missing_transport", mods: []string{"lpfc"}, want: Fail},
		{name: "no_driver", mods: []string{"scsi_transport_fc"}, want: Warn},
		{name: "fcoe_stack", mods: []string{"scsi_transport_fc", "fcoe"}, want: Pass},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fakeModules(t, tc.mods...)
			report := &Report{}
			checkKernelModules(report)
			require.Len(t, report.Results, 1)
			assert.Equal(t, tc.want, report.Results[0].Severity)
		})
	}
}

func TestDiagnoseHosts_LinkDown(t *testing.T) {
	fakeModules(t, "scsi_transport_fc", "lpfc")

	h := onlineHost()
	h.PortState = "Linkdown"
	h.PortID = 0
	report := DiagnoseHosts([]*types.FCHost{h}, nil)

	cr := findCheck(report, "port_state", "host7")
	require.NotNil(t, cr)
	assert.Equal(t, Fail, cr.Severity)
	// Fabric and target checks only apply to online ports.
	assert.Nil(t, findCheck(report, "fabric", "host7"))
	assert.Nil(t, findCheck(report, "targets", "host7"))
}

func TestDiagnoseHosts_NoFabric(t *testing.T) {
	fakeModules(t, "scsi_transport_fc", "lpfc")

	h := onlineHost()
	h.FabricName = 0
	report := DiagnoseHosts([]*types.FCHost{h}, []*types.RemotePortInfo{healthyTarget()})

	cr := findCheck(report, "fabric", "host7")
	require.NotNil(t, cr)
	assert.Equal(t, Warn, cr.Severity)
}

func TestDiagnoseHosts_FCoELinkMissing(t *testing.T) {
	fakeModules(t, "scsi_transport_fc", "fcoe")

	h := onlineHost()
	h.IfName = "fcdisc-nosuch0"
	report := DiagnoseHosts([]*types.FCHost{h}, []*types.RemotePortInfo{healthyTarget()})

	cr := findCheck(report, "fcoe_link", "host7")
	require.NotNil(t, cr)
	assert.Equal(t, Warn, cr.Severity)
	assert.Contains(t, cr.Message, "fcdisc-nosuch0")
}

func TestCheckRemotePorts(t *testing.T) {
	h := onlineHost()

	tests := []struct {
		name   string
		mutate func(r *types.RemotePortInfo)
		check  string
		want   Severity
	}{
		{name: "online_with_luns", mutate: func(*types.RemotePortInfo) {}, check: "rport_state", want: Pass},
		{name: "blocked", mutate: func(r *types.RemotePortInfo) { r.PortState = "Blocked" }, check: "rport_state", want: Warn},
		{name: "not_present", mutate: func(r *types.RemotePortInfo) { r.PortState = "Not Present" }, check: "rport_state", want: Fail},
		{name: "no_luns", mutate: func(r *types.RemotePortInfo) { r.Devices = nil }, check: "rport_luns", want: Warn},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rp := healthyTarget()
			tc.mutate(rp)
			report := &Report{}
			checkRemotePorts(report, h, []*types.RemotePortInfo{rp})
			cr := findCheck(report, tc.check, "rport-7:0-0")
			require.NotNil(t, cr)
			assert.Equal(t, tc.want, cr.Severity)
		})
	}
}

func TestCheckRemotePorts_InitiatorsOnly(t *testing.T) {
	report := &Report{}
	checkRemotePorts(report, onlineHost(), []*types.RemotePortInfo{{
		Name:      "rport-7:0-1",
		Host:      "host7",
		Roles:     "FCP Initiator",
		PortState: "Online",
	}})
	require.Len(t, report.Results, 1)
	assert.Equal(t, "targets", report.Results[0].Check)
	assert.Equal(t, Warn, report.Results[0].Severity)
}

// ───────────────────────────────────────────
//  Discovery state checks
// ───────────────────────────────────────────

func TestDiagnoseSnapshot_LinkDown(t *testing.T) {
	report := DiagnoseSnapshot(types.FabricSnapshot{})
	assert.True(t, report.HasFail)
	require.Len(t, report.Results, 1)
	assert.Equal(t, "link", report.Results[0].Check)
}

func TestDiagnoseSnapshot(t *testing.T) {
	snap := types.FabricSnapshot{
		LinkUp:   true,
		Topology: types.TopologyFabric,
		FCoE:     true,
		Vports: []types.VportInfo{
			{
				VPI:      0,
				State:    types.LinkVportReady,
				Degraded: true,
				Nodes: []types.NodeInfo{
					{DID: types.FabricDID, State: types.StateUnmapped, Flags: types.FlagFabric},
					{DID: 0x010200, WWPN: 0x500000e0d0000001, State: types.StateMapped, Roles: types.RoleTarget},
					{DID: 0x010300, WWPN: 0x500000e0d0000002, State: types.StateNPR, DevLoss: types.TimerArmed},
				},
			},
			{VPI: 1, State: types.LinkFLOGI, DiscFailed: true},
		},
	}
	report := DiagnoseSnapshot(snap)
	assert.True(t, report.HasFail)
	assert.True(t, report.HasWarn)

	fcf := findCheck(report, "fcf", "")
	require.NotNil(t, fcf)
	assert.Equal(t, Fail, fcf.Severity)

	vp0 := findCheck(report, "discovery", "vport0")
	require.NotNil(t, vp0)
	assert.Equal(t, Warn, vp0.Severity)
	assert.Contains(t, vp0.Message, "degraded")

	vp1 := findCheck(report, "discovery", "vport1")
	require.NotNil(t, vp1)
	assert.Equal(t, Fail, vp1.Severity)

	mapped := findCheck(report, "node", "vport0/0x010200")
	require.NotNil(t, mapped)
	assert.Equal(t, Pass, mapped.Severity)

	lost := findCheck(report, "node", "vport0/0x010300")
	require.NotNil(t, lost)
	assert.Equal(t, Warn, lost.Severity)
	assert.Contains(t, lost.Message, "device-loss")

	// Fabric infrastructure nodes are not reported.
	assert.Nil(t, findCheck(report, "node", "vport0/"+types.FabricDID.String()))
}

// ───────────────────────────────────────────
//  Output
// ───────────────────────────────────────────

func sampleReport() *Report {
	r := &Report{}
	r.add(CheckResult{Check: "kernel_modules", Severity: Pass, Message: "Loaded: scsi_transport_fc, lpfc"})
	r.add(CheckResult{Check: "port_state", Severity: Fail, Message: "Port is Linkdown", Device: "host7"})
	r.add(CheckResult{Check: "rport_luns", Severity: Warn, Message: "no block devices", Device: "rport-7:0-0"})
	return r
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer
	PrintTable(&buf, sampleReport(), false)
	out := buf.String()
	assert.Contains(t, out, "✗ FAIL")
	assert.Contains(t, out, "! WARN")
	assert.NotContains(t, out, "kernel_modules")

	buf.Reset()
	PrintTable(&buf, sampleReport(), true)
	out = buf.String()
	assert.Contains(t, out, "✓ PASS")
	assert.Contains(t, out, "(host)")
}

func TestPrintTable_AllPassed(t *testing.T) {
	r := &Report{}
	r.add(CheckResult{Check: "link", Severity: Pass, Message: "ok"})
	var buf bytes.Buffer
	PrintTable(&buf, r, false)
	assert.Equal(t, "All checks passed.\n", buf.String())
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintJSON(&buf, sampleReport(), false))

	var parsed []CheckResult
	require.NoError(t, json.Unmarshal(buf.Bytes(), &parsed))
	assert.Len(t, parsed, 2)

	buf.Reset()
	require.NoError(t, PrintJSON(&buf, &Report{}, false))
	assert.JSONEq(t, "[]", buf.String())
}

func TestMergeReports(t *testing.T) {
	a := &Report{}
	a.add(CheckResult{Check: "a", Severity: Warn})
	b := &Report{}
	b.add(CheckResult{Check: "b", Severity: Fail})

	merged := MergeReports(a, b)
	assert.Len(t, merged.Results, 2)
	assert.True(t, merged.HasWarn)
	assert.True(t, merged.HasFail)
}
