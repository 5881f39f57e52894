// Package doctor provides Fibre Channel environment diagnostics.
// It checks transport kernel modules, FC host link state, FCoE interfaces,
// remote port health, and the discovery state of simulated adapters.
package doctor

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/vishvananda/netlink"

	"github.com/Nativu5/fcdisc/pkg/types"
)

// Severity levels for diagnostic checks.
type Severity string

const (
	Pass Severity = "PASS"
	Warn Severity = "WARN"
	Fail Severity = "FAIL"
)

var sysModule = "/sys/module"

// transportModule must be loaded for any FC host to exist.
const transportModule = "scsi_transport_fc"

// hbaDrivers are the low-level drivers that register FC hosts.
var hbaDrivers = []string{"lpfc", "qla2xxx", "bfa", "fnic", "fcoe", "bnx2fc", "qedf"}

// CheckResult represents one diagnostic check outcome.
type CheckResult struct {
	Check    string   `json:"check"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Device   string   `json:"device,omitempty"`
}

// Report holds all diagnostic results for a host or the whole machine.
type Report struct {
	Results []CheckResult `json:"results"`
	HasWarn bool          `json:"-"`
	HasFail bool          `json:"-"`
}

// add appends a result and updates summary flags.
func (r *Report) add(cr CheckResult) {
	r.Results = append(r.Results, cr)
	switch cr.Severity {
	case Warn:
		r.HasWarn = true
	case Fail:
		r.HasFail = true
	}
}

// filtered returns results, optionally excluding PASS entries.
func (r *Report) filtered(showPass bool) []CheckResult {
	if showPass {
		return r.Results
	}
	var out []CheckResult
	for _, cr := range r.Results {
		if cr.Severity != Pass {
			out = append(out, cr)
		}
	}
	return out
}

// ───────────────────────────────────────────
//  Host checks
// ───────────────────────────────────────────

// DiagnoseHosts runs machine-wide checks, then per-host and per-rport checks.
func DiagnoseHosts(hosts []*types.FCHost, rports []*types.RemotePortInfo) *Report {
	report := &Report{}
	checkKernelModules(report)

	if len(hosts) == 0 {
		report.add(CheckResult{
			Check:    "fc_hosts",
			Severity: Fail,
			Message:  "No FC hosts found",
		})
		return report
	}
	report.add(CheckResult{
		Check:    "fc_hosts",
		Severity: Pass,
		Message:  fmt.Sprintf("%d FC host(s) found", len(hosts)),
	})

	for _, h := range hosts {
		var own []*types.RemotePortInfo
		for _, r := range rports {
			if r.Host == h.Name {
				own = append(own, r)
			}
		}
		diagnoseHost(report, h, own)
	}
	return report
}

func diagnoseHost(report *Report, h *types.FCHost, rports []*types.RemotePortInfo) {
	if h.Online() {
		report.add(CheckResult{
			Check:    "port_state",
			Severity: Pass,
			Message:  fmt.Sprintf("Port %s is %s at %s (%s)", h.WWPN, h.PortState, h.PortID, h.Speed),
			Device:   h.Name,
		})
	} else {
		report.add(CheckResult{
			Check:    "port_state",
			Severity: Fail,
			Message:  fmt.Sprintf("Port %s is %s", h.WWPN, orUnknown(h.PortState)),
			Device:   h.Name,
		})
	}

	if h.Online() {
		if h.FabricName == 0 {
			report.add(CheckResult{
				Check:    "fabric",
				Severity: Warn,
				Message:  "Not attached to a fabric (loop or point-to-point); name server discovery is unavailable",
				Device:   h.Name,
			})
		} else {
			report.add(CheckResult{
				Check:    "fabric",
				Severity: Pass,
				Message:  fmt.Sprintf("Fabric %s", h.FabricName),
				Device:   h.Name,
			})
		}
	}

	if h.IfName != "" {
		checkFCoELink(report, h)
	}
	checkRemotePorts(report, h, rports)
}

// checkKernelModules verifies the FC transport class and at least one HBA
// driver are loaded.
func checkKernelModules(report *Report) {
	if !moduleLoaded(transportModule) {
		report.add(CheckResult{
			Check:    "kernel_modules",
			Severity: Fail,
			Message:  fmt.Sprintf("Missing kernel module: %s", transportModule),
		})
		return
	}
	var loaded []string
	for _, mod := range hbaDrivers {
		if moduleLoaded(mod) {
			loaded = append(loaded, mod)
		}
	}
	if len(loaded) == 0 {
		report.add(CheckResult{
			Check:    "kernel_modules",
			Severity: Warn,
			Message:  fmt.Sprintf("%s loaded but no known HBA driver (%s)", transportModule, strings.Join(hbaDrivers, ", ")),
		})
		return
	}
	report.add(CheckResult{
		Check:    "kernel_modules",
		Severity: Pass,
		Message:  fmt.Sprintf("Loaded: %s, %s", transportModule, strings.Join(loaded, ", ")),
	})
}

func moduleLoaded(name string) bool {
	_, err := os.Stat(filepath.Join(sysModule, name))
	return err == nil
}

// checkFCoELink uses netlink to inspect the Ethernet interface under an
// FCoE host.
func checkFCoELink(report *Report, h *types.FCHost) {
	link, err := netlink.LinkByName(h.IfName)
	if err != nil {
		report.add(CheckResult{
			Check:    "fcoe_link",
			Severity: Warn,
			Message:  fmt.Sprintf("Cannot query link %s: %v", h.IfName, err),
			Device:   h.Name,
		})
		return
	}
	attrs := link.Attrs()
	msg := fmt.Sprintf("Link %s is %s (MTU: %d)", h.IfName, attrs.OperState, attrs.MTU)
	switch {
	case attrs.OperState != netlink.OperUp:
		report.add(CheckResult{Check: "fcoe_link", Severity: Fail, Message: msg, Device: h.Name})
	case attrs.MTU < 2500:
		// A full FC frame does not fit below baby-jumbo size.
		report.add(CheckResult{Check: "fcoe_link", Severity: Warn, Message: msg + ", below 2500 needed for FCoE", Device: h.Name})
	default:
		report.add(CheckResult{Check: "fcoe_link", Severity: Pass, Message: msg, Device: h.Name})
	}
}

func checkRemotePorts(report *Report, h *types.FCHost, rports []*types.RemotePortInfo) {
	var targets int
	for _, r := range rports {
		if !r.IsTarget() {
			continue
		}
		targets++
		switch {
		case !strings.EqualFold(r.PortState, "Online"):
			sev := Warn
			if strings.EqualFold(r.PortState, "Not Present") {
				sev = Fail
			}
			report.add(CheckResult{
				Check:    "rport_state",
				Severity: sev,
				Message:  fmt.Sprintf("Target %s (%s) is %s, dev_loss_tmo %ds", r.WWPN, r.PortID, orUnknown(r.PortState), r.DevLossTmo),
				Device:   r.Name,
			})
		case len(r.Devices) == 0:
			report.add(CheckResult{
				Check:    "rport_luns",
				Severity: Warn,
				Message:  fmt.Sprintf("Target %s is online but exposes no block devices", r.WWPN),
				Device:   r.Name,
			})
		default:
			report.add(CheckResult{
				Check:    "rport_state",
				Severity: Pass,
				Message:  fmt.Sprintf("Target %s online with %d device(s)", r.WWPN, len(r.Devices)),
				Device:   r.Name,
			})
		}
	}
	if targets == 0 && h.Online() {
		report.add(CheckResult{
			Check:    "targets",
			Severity: Warn,
			Message:  "No target ports discovered (check zoning and LUN masking)",
			Device:   h.Name,
		})
	}
}

// ───────────────────────────────────────────
//  Discovery state checks
// ───────────────────────────────────────────

// DiagnoseSnapshot checks the discovery state of an adapter snapshot.
func DiagnoseSnapshot(snap types.FabricSnapshot) *Report {
	report := &Report{}
	if !snap.LinkUp {
		report.add(CheckResult{Check: "link", Severity: Fail, Message: "Link is down"})
		return report
	}
	report.add(CheckResult{Check: "link", Severity: Pass, Message: "Link is up (" + snap.Topology.String() + ")"})

	if snap.FCoE && !snap.FCFRegistered {
		report.add(CheckResult{Check: "fcf", Severity: Fail, Message: "No FCoE forwarder registered"})
	}

	for _, vp := range snap.Vports {
		dev := fmt.Sprintf("vport%d", vp.VPI)
		switch {
		case vp.DiscFailed:
			report.add(CheckResult{Check: "discovery", Severity: Fail, Message: fmt.Sprintf("Fabric discovery failed in %s", vp.State), Device: dev})
		case vp.State != types.LinkVportReady:
			report.add(CheckResult{Check: "discovery", Severity: Warn, Message: fmt.Sprintf("Discovery in progress (%s)", vp.State), Device: dev})
		case vp.Degraded:
			report.add(CheckResult{Check: "discovery", Severity: Warn, Message: "Discovery finished degraded", Device: dev})
		default:
			report.add(CheckResult{Check: "discovery", Severity: Pass, Message: "Vport ready", Device: dev})
		}

		for _, n := range vp.Nodes {
			if n.Flags&types.FlagFabric != 0 {
				continue
			}
			ndev := fmt.Sprintf("%s/%s", dev, n.DID)
			switch {
			case n.State == types.StateNPR && n.DevLoss == types.TimerArmed:
				report.add(CheckResult{Check: "node", Severity: Warn, Message: fmt.Sprintf("%s lost, device-loss timer running", n.WWPN), Device: ndev})
			case n.State == types.StateNPR:
				report.add(CheckResult{Check: "node", Severity: Warn, Message: fmt.Sprintf("%s not logged in", n.WWPN), Device: ndev})
			case n.State.Transitional():
				report.add(CheckResult{Check: "node", Severity: Warn, Message: fmt.Sprintf("%s login in progress (%s)", n.WWPN, n.State), Device: ndev})
			case n.State.Steady():
				report.add(CheckResult{Check: "node", Severity: Pass, Message: fmt.Sprintf("%s %s as %s", n.WWPN, n.State, n.Roles), Device: ndev})
			}
		}
	}
	return report
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// PrintTable renders the diagnostic report as a table.
// When showPass is false, only WARN/FAIL results are shown.
func PrintTable(w io.Writer, report *Report, showPass bool) {
	results := report.filtered(showPass)
	if len(results) == 0 {
		fmt.Fprintln(w, "All checks passed.")
		return
	}
	table := tablewriter.NewTable(w)
	table.Header("STATUS", "CHECK", "DEVICE", "MESSAGE")
	for _, r := range results {
		marker := "✓"
		switch r.Severity {
		case Warn:
			marker = "!"
		case Fail:
			marker = "✗"
		}
		dev := r.Device
		if dev == "" {
			dev = "(host)"
		}
		status := fmt.Sprintf("%s %s", marker, r.Severity)
		table.Append(status, r.Check, dev, r.Message)
	}
	table.Render()
}

// PrintJSON renders the diagnostic report as JSON.
// When showPass is false, only WARN/FAIL results are included.
func PrintJSON(w io.Writer, report *Report, showPass bool) error {
	results := report.filtered(showPass)
	if results == nil {
		results = []CheckResult{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

// MergeReports combines multiple reports into one.
func MergeReports(reports ...*Report) *Report {
	merged := &Report{}
	for _, r := range reports {
		for _, cr := range r.Results {
			merged.add(cr)
		}
	}
	return merged
}
