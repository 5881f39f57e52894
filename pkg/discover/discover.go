// Package discover provides output formatting for the discover and simulate
// subcommands: local FC hosts, their remote ports, and simulated fabric
// snapshots.
package discover

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/Nativu5/fcdisc/pkg/fcf"
	"github.com/Nativu5/fcdisc/pkg/sim"
	"github.com/Nativu5/fcdisc/pkg/types"
)

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func wwnOrNone(w types.WWN) string {
	if w == 0 {
		return "(none)"
	}
	return w.String()
}

// PrintHostsTable renders FC hosts and their remote ports.
func PrintHostsTable(w io.Writer, hosts []*types.FCHost, rports []*types.RemotePortInfo) {
	table := tablewriter.NewTable(w)
	table.Header("HOST", "WWPN", "PORT ID", "STATE", "SPEED", "FABRIC", "INTERFACE")
	for _, h := range hosts {
		ifname := "(native)"
		if h.IfName != "" {
			ifname = h.IfName
			if h.LinkOperState != "" {
				ifname += " (" + h.LinkOperState + ")"
			}
		}
		table.Append(h.Name, h.WWPN.String(), h.PortID.String(), orNone(h.PortState),
			orNone(h.Speed), wwnOrNone(h.FabricName), ifname)
	}
	table.Render()

	if len(rports) == 0 {
		fmt.Fprintln(w, "No remote ports.")
		return
	}
	ports := tablewriter.NewTable(w)
	ports.Header("HOST", "RPORT", "WWPN", "PORT ID", "ROLES", "STATE", "DEVICES")
	for _, r := range rports {
		ports.Append(r.Host, r.Name, r.WWPN.String(), r.PortID.String(), orNone(r.Roles),
			orNone(r.PortState), orNone(strings.Join(r.Devices, ", ")))
	}
	ports.Render()
}

// HostJSON is the JSON representation of one host and its remote ports.
type HostJSON struct {
	*types.FCHost
	RemotePorts []*types.RemotePortInfo `json:"remote_ports"`
}

// PrintHostsJSON renders hosts with their remote ports nested.
func PrintHostsJSON(w io.Writer, hosts []*types.FCHost, rports []*types.RemotePortInfo) error {
	out := make([]HostJSON, 0, len(hosts))
	for _, h := range hosts {
		hj := HostJSON{FCHost: h, RemotePorts: []*types.RemotePortInfo{}}
		for _, r := range rports {
			if r.Host == h.Name {
				hj.RemotePorts = append(hj.RemotePorts, r)
			}
		}
		out = append(out, hj)
	}
	return writeJSON(w, out)
}

// PrintSnapshotTable renders the vports and nodes of an adapter snapshot.
func PrintSnapshotTable(w io.Writer, snap types.FabricSnapshot) {
	link := "down"
	if snap.LinkUp {
		link = "up, " + snap.Topology.String()
	}
	if snap.FCoE {
		if snap.FCFRegistered {
			link += fmt.Sprintf(", fcf %d", snap.FCFIndex)
		} else {
			link += ", no fcf"
		}
	}
	fmt.Fprintf(w, "Link %s\n", link)

	table := tablewriter.NewTable(w)
	table.Header("VPI", "VPORT", "DID", "WWPN", "STATE", "ROLES", "FLAGS", "DEV LOSS")
	for _, vp := range snap.Vports {
		vstate := vp.State.String()
		switch {
		case vp.DiscFailed:
			vstate += " (failed)"
		case vp.Degraded:
			vstate += " (degraded)"
		}
		for _, n := range vp.Nodes {
			table.Append(fmt.Sprint(vp.VPI), vstate, n.DID.String(), wwnOrNone(n.WWPN),
				n.State.String(), n.Roles.String(), n.Flags.String(), n.DevLoss.String())
		}
		if len(vp.Nodes) == 0 {
			table.Append(fmt.Sprint(vp.VPI), vstate, "", "", "", "", "", "")
		}
	}
	table.Render()
}

// PrintReportTable renders a simulation run step by step, then the bound
// ports and request counters.
func PrintReportTable(w io.Writer, rep *sim.Report) {
	if rep.Scenario != "" {
		fmt.Fprintf(w, "Scenario %s\n", rep.Scenario)
	}
	steps := tablewriter.NewTable(w)
	steps.Header("#", "STEP", "ELAPSED", "EVENTS", "VPORTS")
	for _, st := range rep.Steps {
		var states []string
		for _, vp := range st.Snapshot.Vports {
			states = append(states, fmt.Sprintf("%d:%s", vp.VPI, vp.State))
		}
		steps.Append(fmt.Sprint(st.Index), st.Step, st.Elapsed.String(), fmt.Sprint(st.Events),
			strings.Join(states, " "))
	}
	steps.Render()

	PrintSnapshotTable(w, rep.Final)

	bound := tablewriter.NewTable(w)
	bound.Header("VPI", "DID", "WWPN", "ROLES", "BINDING")
	for _, p := range rep.Bound {
		bound.Append(fmt.Sprint(p.Port.VPI), p.Port.DID.String(), p.Port.WWPN.String(),
			p.Port.Roles.String(), p.ID.String())
	}
	bound.Render()

	var reqs []string
	for _, name := range sortedKeys(rep.Requests) {
		reqs = append(reqs, fmt.Sprintf("%s=%d", name, rep.Requests[name]))
	}
	fmt.Fprintf(w, "Requests: %s\n", strings.Join(reqs, " "))
}

// PrintFCFTable renders a forwarder table with the connection-list outcome
// of each record. The selected record, if any, is marked with "*".
func PrintFCFTable(w io.Writer, records []fcf.Record, conns fcf.ConnList, sel *fcf.Selection) {
	table := tablewriter.NewTable(w)
	table.Header("", "INDEX", "FABRIC", "SWITCH", "MAC", "PRI", "VLANS", "MODES", "MATCH")
	for _, r := range records {
		mark := ""
		if sel != nil && r.Index == sel.Record.Index {
			mark = "*"
		}
		match := "eligible"
		switch m, ok := conns.Match(r); {
		case !r.Eligible():
			match = "unavailable"
		case !ok:
			match = "filtered"
		case m.Boot:
			match = "boot"
		case m.Preferred:
			match = "preferred"
		}
		vlans := make([]string, 0, len(r.VLANs))
		for _, v := range r.VLANs {
			vlans = append(vlans, fmt.Sprint(v))
		}
		table.Append(mark, fmt.Sprint(r.Index), wwnOrNone(r.FabricName), wwnOrNone(r.SwitchName),
			r.MAC.String(), fmt.Sprint(r.Priority), orNone(strings.Join(vlans, ",")), r.AddrModes.String(), match)
	}
	table.Render()

	if sel == nil {
		fmt.Fprintln(w, "No eligible forwarder.")
		return
	}
	vlan := "untagged"
	if sel.Match.VLANID != fcf.NoVLAN {
		vlan = fmt.Sprintf("vlan %d", sel.Match.VLANID)
	}
	fmt.Fprintf(w, "Selected fcf %d (%s, %s)\n", sel.Record.Index, sel.Match.AddrMode, vlan)
}

// PrintSelectionJSON renders a forwarder selection as JSON; a nil selection
// is rendered as null.
func PrintSelectionJSON(w io.Writer, sel *fcf.Selection) error {
	return writeJSON(w, sel)
}

// PrintReportJSON renders a simulation report as JSON.
func PrintReportJSON(w io.Writer, rep *sim.Report) error {
	return writeJSON(w, rep)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
