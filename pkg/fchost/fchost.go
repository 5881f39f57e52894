// Package fchost reads the Fibre Channel transport classes the kernel
// exports in sysfs. It lists local FC hosts and the remote ports discovered
// behind them, and resolves the block devices of target ports.
package fchost

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/vishvananda/netlink"

	"github.com/Nativu5/fcdisc/pkg/types"
)

var (
	sysFCHost        = "/sys/class/fc_host"
	sysFCRemotePorts = "/sys/class/fc_remote_ports"
	devDir           = "/dev"
)

// Discoverer implements types.HostDiscoverer on sysfs and netlink.
type Discoverer struct{}

var _ types.HostDiscoverer = (*Discoverer)(nil)

// NewDiscoverer returns a sysfs backed discoverer.
func NewDiscoverer() *Discoverer {
	return &Discoverer{}
}

// ───────────────────────────────────────────
//  sysfs helpers
// ───────────────────────────────────────────

// readAttr reads a single sysfs attribute and trims whitespace.
func readAttr(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// readWWN parses a name attribute such as "0x10000090fa1b2c3d".
// Unset names read as 0xffffffffffffffff on some drivers and map to zero.
func readWWN(path string) types.WWN {
	s := readAttr(path)
	if s == "" {
		return 0
	}
	w, err := types.ParseWWN(s)
	if err != nil || w == ^types.WWN(0) {
		return 0
	}
	return w
}

func readDID(path string) types.DID {
	s := readAttr(path)
	if s == "" {
		return 0
	}
	d, err := types.ParseDID(s)
	if err != nil {
		return 0
	}
	return d
}

// ifNameFromSymbolic extracts the Ethernet interface from an FCoE symbolic
// name such as "fcoe v0.1 over eth2.100".
func ifNameFromSymbolic(sym string) string {
	i := strings.LastIndex(sym, " over ")
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(sym[i+len(" over "):])
}

// GetLinkOperState returns the netlink operational state of an interface.
func GetLinkOperState(ifName string) string {
	if ifName == "" {
		return ""
	}
	link, err := netlink.LinkByName(ifName)
	if err != nil {
		return ""
	}
	return link.Attrs().OperState.String()
}

// hostOfRport maps "rport-7:0-3" to "host7".
func hostOfRport(name string) string {
	s := strings.TrimPrefix(name, "rport-")
	i := strings.IndexByte(s, ':')
	if i <= 0 {
		return ""
	}
	return "host" + s[:i]
}

// ───────────────────────────────────────────
//  Discoverer methods
// ───────────────────────────────────────────

// Host reads one fc_host entry.
func (d *Discoverer) Host(name string) (*types.FCHost, error) {
	dir := filepath.Join(sysFCHost, name)
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("no fc_host %q: %w", name, err)
	}
	h := &types.FCHost{
		Name:       name,
		WWPN:       readWWN(filepath.Join(dir, "port_name")),
		WWNN:       readWWN(filepath.Join(dir, "node_name")),
		PortID:     readDID(filepath.Join(dir, "port_id")),
		PortState:  readAttr(filepath.Join(dir, "port_state")),
		PortType:   readAttr(filepath.Join(dir, "port_type")),
		Speed:      readAttr(filepath.Join(dir, "speed")),
		FabricName: readWWN(filepath.Join(dir, "fabric_name")),
		IfName:     ifNameFromSymbolic(readAttr(filepath.Join(dir, "symbolic_name"))),
	}
	h.LinkOperState = GetLinkOperState(h.IfName)
	return h, nil
}

// Hosts lists every fc_host, sorted by name.
func (d *Discoverer) Hosts() ([]*types.FCHost, error) {
	entries, err := os.ReadDir(sysFCHost)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s (is an FC driver loaded?): %w", sysFCHost, err)
	}
	hosts := make([]*types.FCHost, 0, len(entries))
	for _, e := range entries {
		h, err := d.Host(e.Name())
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	sort.Slice(hosts, func(i, j int) bool { return hostLess(hosts[i].Name, hosts[j].Name) })
	return hosts, nil
}

// HostByIfName returns the FCoE host running over ifName.
func (d *Discoverer) HostByIfName(ifName string) (*types.FCHost, error) {
	hosts, err := d.Hosts()
	if err != nil {
		return nil, err
	}
	for _, h := range hosts {
		if h.IfName == ifName {
			return h, nil
		}
	}
	return nil, fmt.Errorf("no FCoE host over interface %q", ifName)
}

// RemotePorts lists the rports of host, or of all hosts when host is empty.
func (d *Discoverer) RemotePorts(host string) ([]*types.RemotePortInfo, error) {
	entries, err := os.ReadDir(sysFCRemotePorts)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cannot read %s: %w", sysFCRemotePorts, err)
	}
	var out []*types.RemotePortInfo
	for _, e := range entries {
		name := e.Name()
		owner := hostOfRport(name)
		if host != "" && owner != host {
			continue
		}
		dir := filepath.Join(sysFCRemotePorts, name)
		tmo, _ := strconv.Atoi(readAttr(filepath.Join(dir, "dev_loss_tmo")))
		out = append(out, &types.RemotePortInfo{
			Name:       name,
			Host:       owner,
			WWPN:       readWWN(filepath.Join(dir, "port_name")),
			WWNN:       readWWN(filepath.Join(dir, "node_name")),
			PortID:     readDID(filepath.Join(dir, "port_id")),
			Roles:      readAttr(filepath.Join(dir, "roles")),
			PortState:  readAttr(filepath.Join(dir, "port_state")),
			DevLossTmo: tmo,
			Devices:    BlockDevices(name),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Host != out[j].Host {
			return hostLess(out[i].Host, out[j].Host)
		}
		return out[i].PortID < out[j].PortID
	})
	return out, nil
}

// BlockDevices returns the device nodes of the LUNs behind an rport, e.g.
// ["/dev/sdb", "/dev/sdc"].
func BlockDevices(rport string) []string {
	pattern := filepath.Join(sysFCRemotePorts, rport, "device", "target*", "*", "block", "*")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil
	}
	devs := make([]string, 0, len(matches))
	for _, m := range matches {
		devs = append(devs, filepath.Join(devDir, filepath.Base(m)))
	}
	sort.Strings(devs)
	return devs
}

// hostLess orders "host2" before "host10".
func hostLess(a, b string) bool {
	na, errA := strconv.Atoi(strings.TrimPrefix(a, "host"))
	nb, errB := strconv.Atoi(strings.TrimPrefix(b, "host"))
	if errA != nil || errB != nil {
		return a < b
	}
	return na < nb
}
