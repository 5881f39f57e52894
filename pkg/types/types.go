// Package types defines shared data types for the fcdisc tool.
// They carry no behaviour beyond formatting and small predicates so that
// every other package can depend on them without import cycles.
package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ───────────────────────────────────────────
//  Addresses and names
// ───────────────────────────────────────────

// DID is a 24-bit Fibre Channel port address (D_ID).
type DID uint32

// Well-known fabric addresses.
const (
	FabricDID     DID = 0xFFFFFE
	FabricCtlDID  DID = 0xFFFFFD
	NameServerDID DID = 0xFFFFFC
	FDMIDID       DID = 0xFFFFFA

	// DIDMask keeps the 24 address bits.
	DIDMask DID = 0xFFFFFF
)

// Domain returns the domain byte of the address.
func (d DID) Domain() uint8 { return uint8(d >> 16) }

// Area returns the area byte of the address.
func (d DID) Area() uint8 { return uint8(d >> 8) }

// ALPA returns the port (arbitrated loop physical address) byte.
func (d DID) ALPA() uint8 { return uint8(d) }

// IsWellKnown reports whether d is one of the 0xFFFFxx fabric service addresses.
func (d DID) IsWellKnown() bool { return d&0xFFFF00 == 0xFFFF00 }

// IsLoopLocal reports whether d has zero domain and area.
func (d DID) IsLoopLocal() bool { return d&0xFFFF00 == 0 }

func (d DID) String() string { return fmt.Sprintf("0x%06x", uint32(d&DIDMask)) }

// ParseDID parses "0x010203" or "010203" into a DID.
func ParseDID(s string) (DID, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid DID %q: %w", s, err)
	}
	if v > uint64(DIDMask) {
		return 0, fmt.Errorf("invalid DID %q: exceeds 24 bits", s)
	}
	return DID(v), nil
}

func (d DID) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *DID) UnmarshalText(b []byte) error {
	v, err := ParseDID(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// WWN is a 64-bit World-Wide Port or Node Name.
type WWN uint64

// String formats the name as eight colon separated hex bytes.
func (w WWN) String() string {
	b := make([]string, 8)
	for i := 0; i < 8; i++ {
		b[i] = fmt.Sprintf("%02x", uint8(w>>(56-8*i)))
	}
	return strings.Join(b, ":")
}

// ParseWWN accepts "20:00:00:25:b5:00:00:0a", "0x20000025b500000a" or plain hex.
func ParseWWN(s string) (WWN, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.TrimPrefix(s, "0x")
	s = strings.ReplaceAll(s, ":", "")
	if len(s) == 0 || len(s) > 16 {
		return 0, fmt.Errorf("invalid WWN %q", s)
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid WWN %q: %w", s, err)
	}
	return WWN(v), nil
}

func (w WWN) MarshalText() ([]byte, error) { return []byte(w.String()), nil }

func (w *WWN) UnmarshalText(b []byte) error {
	v, err := ParseWWN(string(b))
	if err != nil {
		return err
	}
	*w = v
	return nil
}

// ───────────────────────────────────────────
//  Node state machine vocabulary
// ───────────────────────────────────────────

// NodeState is the discovery state of a remote port.
type NodeState int

const (
	StateUnused NodeState = iota
	StatePLOGIIssue
	StateADISCIssue
	StateRegLoginIssue
	StatePRLIIssue
	StateUnmapped
	StateMapped
	StateNPR

	// NumNodeStates is the size of the closed state set.
	NumNodeStates
)

var nodeStateNames = [NumNodeStates]string{
	"UNUSED", "PLOGI_ISSUE", "ADISC_ISSUE", "REG_LOGIN_ISSUE",
	"PRLI_ISSUE", "UNMAPPED", "MAPPED", "NPR",
}

func (s NodeState) String() string {
	if s < 0 || s >= NumNodeStates {
		return fmt.Sprintf("STATE(%d)", int(s))
	}
	return nodeStateNames[s]
}

func (s NodeState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Steady reports whether s is MAPPED or UNMAPPED.
func (s NodeState) Steady() bool { return s == StateMapped || s == StateUnmapped }

// Transitional reports whether a login step is outstanding in s.
func (s NodeState) Transitional() bool {
	switch s {
	case StatePLOGIIssue, StateADISCIssue, StateRegLoginIssue, StatePRLIIssue:
		return true
	}
	return false
}

// NodeEvent is a protocol input to the node state machine.
type NodeEvent int

const (
	EvtRcvPLOGI NodeEvent = iota
	EvtCmplPLOGI
	EvtCmplADISC
	EvtCmplRegLogin
	EvtCmplPRLI
	EvtDeviceRM
	EvtDeviceRecovery
	EvtRcvLOGO

	// NumNodeEvents is the size of the closed event set.
	NumNodeEvents
)

var nodeEventNames = [NumNodeEvents]string{
	"RCV_PLOGI", "CMPL_PLOGI", "CMPL_ADISC", "CMPL_REG_LOGIN",
	"CMPL_PRLI", "DEVICE_RM", "DEVICE_RECOVERY", "RCV_LOGO",
}

func (e NodeEvent) String() string {
	if e < 0 || e >= NumNodeEvents {
		return fmt.Sprintf("EVENT(%d)", int(e))
	}
	return nodeEventNames[e]
}

// NodeFlag is a bitset gating transitions and cleanup ordering.
type NodeFlag uint32

const (
	// FlagLoginValid marks a registered login handle (RPI).
	FlagLoginValid NodeFlag = 1 << iota
	// FlagTransportBound marks an active remote-port binding.
	FlagTransportBound
	// FlagDevLossPending marks a node whose removal is pending device loss.
	FlagDevLossPending
	// FlagRSCN marks a node discovered through an RSCN.
	FlagRSCN
	// FlagNPR2BDisc marks a node that needs (re)discovery.
	FlagNPR2BDisc
	// FlagRcvPLOGI marks a node that sent us an unsolicited PLOGI.
	FlagRcvPLOGI
	// FlagDelayTmo marks an armed retry-delay timer.
	FlagDelayTmo
	// FlagFabric marks fabric-infrastructure nodes.
	FlagFabric
	// FlagNPRADisc selects ADISC instead of PLOGI on rediscovery.
	FlagNPRADisc
	// FlagDeferRM defers removal until an outstanding REG_LOGIN completes.
	FlagDeferRM
)

var nodeFlagNames = []string{
	"LOGIN_VALID", "BOUND", "DEVLOSS_PEND", "RSCN", "2B_DISC",
	"RCV_PLOGI", "DELAY_TMO", "FABRIC", "NPR_ADISC", "DEFER_RM",
}

func (f NodeFlag) String() string {
	if f == 0 {
		return "-"
	}
	var parts []string
	for i, name := range nodeFlagNames {
		if f&(1<<uint(i)) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}

func (f NodeFlag) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

// Role is the FC-4 role bitmask learned from PRLI.
type Role uint8

const (
	RoleInitiator Role = 1 << iota
	RoleTarget
)

func (r Role) String() string {
	switch r {
	case 0:
		return "none"
	case RoleInitiator:
		return "initiator"
	case RoleTarget:
		return "target"
	case RoleInitiator | RoleTarget:
		return "initiator|target"
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// ParseRole accepts "initiator", "target", "none" or a "|" separated
// combination.
func ParseRole(s string) (Role, error) {
	var r Role
	for _, part := range strings.Split(strings.ToLower(strings.TrimSpace(s)), "|") {
		switch strings.TrimSpace(part) {
		case "initiator":
			r |= RoleInitiator
		case "target":
			r |= RoleTarget
		case "none", "":
		default:
			return 0, fmt.Errorf("invalid role %q", s)
		}
	}
	return r, nil
}

func (r *Role) UnmarshalText(b []byte) error {
	v, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// LoginHandle is the link-layer handle of an established login (RPI).
type LoginHandle uint16

// DevLossState is the per-node device-loss timer state.
type DevLossState int

const (
	TimerIdle DevLossState = iota
	TimerArmed
	TimerFired
)

func (s DevLossState) String() string {
	switch s {
	case TimerIdle:
		return "idle"
	case TimerArmed:
		return "armed"
	case TimerFired:
		return "fired"
	}
	return "unknown"
}

func (s DevLossState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ───────────────────────────────────────────
//  Link level
// ───────────────────────────────────────────

// LinkState is the per-vport link-level discovery state.
type LinkState int

const (
	LinkDown LinkState = iota
	LinkUp
	LinkLocalCfg
	LinkFLOGI
	LinkFabricCfg
	LinkNSReg
	LinkNSQuery
	LinkDiscAuth
	LinkVportReady
)

var linkStateNames = []string{
	"DOWN", "UP", "LOCAL_CFG", "FLOGI", "FABRIC_CFG",
	"NS_REG", "NS_QUERY", "DISC_AUTH", "VPORT_READY",
}

func (s LinkState) String() string {
	if s < 0 || int(s) >= len(linkStateNames) {
		return fmt.Sprintf("LINK(%d)", int(s))
	}
	return linkStateNames[s]
}

func (s LinkState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Topology is the attachment discovered at link up.
type Topology int

const (
	TopologyFabric Topology = iota
	TopologyLoop
)

func (t Topology) String() string {
	if t == TopologyLoop {
		return "loop"
	}
	return "fabric"
}

func (t Topology) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Topology) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "fabric", "":
		*t = TopologyFabric
	case "loop":
		*t = TopologyLoop
	default:
		return fmt.Errorf("invalid topology %q", string(b))
	}
	return nil
}

// ───────────────────────────────────────────
//  Commands and completions
// ───────────────────────────────────────────

// ELSCommand identifies an extended link service (or CT) request.
type ELSCommand int

const (
	ELSFLOGI ELSCommand = iota
	ELSFDISC
	ELSPLOGI
	ELSADISC
	ELSPRLI
	ELSLOGO
	ELSAuth
	CTRFTID
	CTGIDFT
)

var elsNames = []string{"FLOGI", "FDISC", "PLOGI", "ADISC", "PRLI", "LOGO", "AUTH", "RFT_ID", "GID_FT"}

func (c ELSCommand) String() string {
	if c < 0 || int(c) >= len(elsNames) {
		return fmt.Sprintf("ELS(%d)", int(c))
	}
	return elsNames[c]
}

// MailboxCommand identifies a mailbox request to the adapter firmware.
type MailboxCommand int

const (
	MbxConfigLink MailboxCommand = iota
	MbxRegVPI
	MbxUnregVPI
	MbxRegLogin
	MbxUnregLogin
	MbxReadFCF
	MbxRegFCF
	MbxUnregFCF
)

var mbxNames = []string{"CONFIG_LINK", "REG_VPI", "UNREG_VPI", "REG_LOGIN", "UNREG_LOGIN", "READ_FCF", "REG_FCF", "UNREG_FCF"}

func (c MailboxCommand) String() string {
	if c < 0 || int(c) >= len(mbxNames) {
		return fmt.Sprintf("MBX(%d)", int(c))
	}
	return mbxNames[c]
}

// Status is the outcome class of an ELS or mailbox completion.
type Status int

const (
	StatusSuccess Status = iota
	// StatusLocalReject is a link-layer reject; Reason carries the cause.
	StatusLocalReject
	// StatusLSRJT is a remote LS_RJT.
	StatusLSRJT
	// StatusTimeout is an exchange timeout.
	StatusTimeout
	// StatusAborted is an exchange aborted by the core.
	StatusAborted
	// StatusFirmware is a mailbox/firmware error code in Reason.
	StatusFirmware
)

var statusNames = []string{"success", "local_reject", "ls_rjt", "timeout", "aborted", "firmware"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// Reject reasons carried with StatusLocalReject / StatusLSRJT.
const (
	ReasonNone        uint32 = 0
	ReasonLinkDown    uint32 = 0x1
	ReasonNoResources uint32 = 0x2
	ReasonLogicalBusy uint32 = 0x5
	ReasonUnsupported uint32 = 0xb
)

// Completion is delivered by the link layer for every issued request.
type Completion struct {
	Status Status
	Reason uint32
	// Resp is one of the *Response types below, or nil.
	Resp any
}

// Retryable reports whether the failure is transient.
func (c Completion) Retryable() bool {
	switch c.Status {
	case StatusTimeout:
		return true
	case StatusLSRJT:
		return c.Reason == ReasonLogicalBusy
	case StatusLocalReject:
		return c.Reason != ReasonLinkDown
	}
	return false
}

// FLOGIResponse is the payload of a successful FLOGI/FDISC.
type FLOGIResponse struct {
	LocalDID   DID
	FabricName WWN
	// FPort is false for a point-to-point or loop attachment without fabric.
	FPort bool
	NPIV  bool
}

// PLOGIResponse carries the remote port's names.
type PLOGIResponse struct {
	WWPN WWN
	WWNN WWN
}

// ADISCResponse carries the remote identity for address verification.
type ADISCResponse struct {
	WWPN WWN
	WWNN WWN
	DID  DID
}

// PRLIResponse carries the remote FC-4 roles.
type PRLIResponse struct {
	Roles Role
}

// GIDFTResponse lists the ports the name server knows for our FC-4 type.
type GIDFTResponse struct {
	DIDs []DID
}

// RegLoginResponse carries the login handle assigned by firmware.
type RegLoginResponse struct {
	Handle LoginHandle
}

// ───────────────────────────────────────────
//  RSCN
// ───────────────────────────────────────────

// RSCNFormat is the address format of one RSCN page.
type RSCNFormat uint8

const (
	RSCNPort RSCNFormat = iota
	RSCNArea
	RSCNDomain
	RSCNFabric
)

var rscnFormatNames = []string{"port", "area", "domain", "fabric"}

func (f RSCNFormat) String() string {
	if int(f) >= len(rscnFormatNames) {
		return fmt.Sprintf("format(%d)", uint8(f))
	}
	return rscnFormatNames[f]
}

func (f RSCNFormat) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (f *RSCNFormat) UnmarshalText(b []byte) error {
	for i, name := range rscnFormatNames {
		if strings.EqualFold(string(b), name) {
			*f = RSCNFormat(i)
			return nil
		}
	}
	return fmt.Errorf("invalid RSCN format %q", string(b))
}

// RSCNEntry is one affected-address page of an RSCN.
type RSCNEntry struct {
	Format RSCNFormat `json:"format"`
	DID    DID        `json:"did"`
}

// Matches reports whether did falls under the entry.
func (e RSCNEntry) Matches(did DID) bool {
	switch e.Format {
	case RSCNPort:
		return e.DID&DIDMask == did&DIDMask
	case RSCNArea:
		return e.DID&0xFFFF00 == did&0xFFFF00
	case RSCNDomain:
		return e.DID&0xFF0000 == did&0xFF0000
	case RSCNFabric:
		return true
	}
	return false
}

// RSCNPayload is the accumulated set of RSCN pages.
type RSCNPayload []RSCNEntry

// Contains reports whether any page covers did.
func (p RSCNPayload) Contains(did DID) bool {
	for _, e := range p {
		if e.Matches(did) {
			return true
		}
	}
	return false
}

// ───────────────────────────────────────────
//  Transport binding
// ───────────────────────────────────────────

// RemotePort is the identity presented to the transport layer.
type RemotePort struct {
	VPI   uint16 `json:"vpi"`
	DID   DID    `json:"did"`
	WWPN  WWN    `json:"wwpn"`
	WWNN  WWN    `json:"wwnn"`
	Roles Role   `json:"roles"`
}

// Binding is the handle returned by a transport binder.
type Binding struct {
	ID   uuid.UUID  `json:"id"`
	Port RemotePort `json:"port"`
}

// Valid reports whether b refers to a bound port.
func (b Binding) Valid() bool { return b.ID != uuid.Nil }

// ───────────────────────────────────────────
//  Snapshots
// ───────────────────────────────────────────

// NodeInfo is a read-only copy of one node.
type NodeInfo struct {
	DID         DID          `json:"did"`
	WWPN        WWN          `json:"wwpn"`
	WWNN        WWN          `json:"wwnn"`
	State       NodeState    `json:"state"`
	Flags       NodeFlag     `json:"flags"`
	Roles       Role         `json:"roles"`
	DevLoss     DevLossState `json:"dev_loss"`
	Refs        int32        `json:"refs"`
	LoginHandle LoginHandle  `json:"login_handle"`
}

// VportInfo is a read-only copy of one vport and its nodes.
type VportInfo struct {
	VPI        uint16     `json:"vpi"`
	WWPN       WWN        `json:"wwpn"`
	WWNN       WWN        `json:"wwnn"`
	DID        DID        `json:"did"`
	State      LinkState  `json:"state"`
	DiscFailed bool       `json:"disc_failed"`
	Degraded   bool       `json:"degraded"`
	Nodes      []NodeInfo `json:"nodes"`
}

// FabricSnapshot is a point-in-time view of an adapter.
type FabricSnapshot struct {
	TakenAt       time.Time   `json:"taken_at"`
	LinkUp        bool        `json:"link_up"`
	Topology      Topology    `json:"topology"`
	FCoE          bool        `json:"fcoe"`
	FCFRegistered bool        `json:"fcf_registered"`
	FCFIndex      int         `json:"fcf_index"`
	Vports        []VportInfo `json:"vports"`
}

// ───────────────────────────────────────────
//  Host-side (sysfs) records
// ───────────────────────────────────────────

// FCHost describes one fc_host instance exported by the kernel.
type FCHost struct {
	// Name is the SCSI host name (e.g. "host7").
	Name string `json:"name"`
	WWPN WWN    `json:"wwpn"`
	WWNN WWN    `json:"wwnn"`
	// PortID is the local N_Port ID, zero while the link is down.
	PortID DID `json:"port_id"`
	// PortState is the transport state (e.g. "Online", "Linkdown").
	PortState string `json:"port_state"`
	// PortType is the attachment type (e.g. "NPort (fabric via point-to-point)").
	PortType string `json:"port_type"`
	Speed    string `json:"speed"`
	// FabricName is zero when not attached to a fabric.
	FabricName WWN `json:"fabric_name"`
	// IfName is the Ethernet interface for FCoE hosts, empty for native FC.
	IfName string `json:"ifname,omitempty"`
	// LinkOperState is the netlink operational state of IfName.
	LinkOperState string `json:"link_oper_state,omitempty"`
}

// Online reports whether the transport considers the port usable.
func (h FCHost) Online() bool {
	return strings.EqualFold(h.PortState, "Online")
}

// RemotePortInfo describes one fc_remote_ports entry.
type RemotePortInfo struct {
	// Name is the rport name (e.g. "rport-7:0-3").
	Name      string `json:"name"`
	Host      string `json:"host"`
	WWPN      WWN    `json:"wwpn"`
	WWNN      WWN    `json:"wwnn"`
	PortID    DID    `json:"port_id"`
	Roles     string `json:"roles"`
	PortState string `json:"port_state"`
	// DevLossTmo is the transport dev_loss_tmo in seconds.
	DevLossTmo int `json:"dev_loss_tmo"`
	// Devices are the block device nodes behind the port.
	Devices []string `json:"devices,omitempty"`
}

// IsTarget reports whether the rport advertises an FCP target role.
func (r RemotePortInfo) IsTarget() bool {
	return strings.Contains(strings.ToLower(r.Roles), "target")
}

// HostDiscoverer enumerates the FC hosts of the machine and their remote
// ports.
type HostDiscoverer interface {
	Hosts() ([]*FCHost, error)
	// RemotePorts lists the rports of host, or of every host when host is
	// empty.
	RemotePorts(host string) ([]*RemotePortInfo, error)
}
