package disc

import (
	"errors"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/fcdisc/pkg/node"
	"github.com/Nativu5/fcdisc/pkg/timer"
	"github.com/Nativu5/fcdisc/pkg/types"
	"github.com/Nativu5/fcdisc/pkg/workq"
)

// vportFlag is the fabric flag word of a vport.
type vportFlag uint32

const (
	vpRSCNMode vportFlag = 1 << iota
	vpRSCNDeferred
	vpDiscFailed
	vpDegraded
	vpNPIV
	vpFabric
)

// Vport is one local N_Port identity: the physical port or an NPIV port.
type Vport struct {
	hba  *HBA
	vpi  uint16
	wwpn types.WWN
	wwnn types.WWN

	did   types.DID
	state types.LinkState
	flags vportFlag

	reg *node.Registry

	// rscn is the payload being processed; rscnDeferred accumulates pages
	// that arrive while discovery runs.
	rscn         types.RSCNPayload
	rscnDeferred types.RSCNPayload

	nsRetry   int
	linkRetry int
	discTmr   *timer.Timer
	discGen   uint64
	unloaded  atomic.Bool

	// pending maps a node to the request ID of its outstanding login step,
	// so completions of aborted requests are recognized.
	pending map[*node.Node]uint64

	log *log.Entry
}

func newVport(h *HBA, vpi uint16, wwpn, wwnn types.WWN) *Vport {
	vp := &Vport{
		hba:     h,
		vpi:     vpi,
		wwpn:    wwpn,
		wwnn:    wwnn,
		state:   types.LinkDown,
		pending: make(map[*node.Node]uint64),
		log:     h.log.WithFields(log.Fields{"vpi": vpi, "vport_wwpn": wwpn}),
	}
	if vpi != 0 {
		vp.flags |= vpNPIV
	}
	vp.reg = node.NewRegistry(vpi, vp, h.opts.MaxNodes, vp.log)
	vp.reg.SetReleaseHook(func(n *node.Node) {
		h.metrics.recordRelease()
		vp.log.WithField("did", n.DID()).Debug("node released")
	})
	return vp
}

// VPI returns the vport index.
func (vp *Vport) VPI() uint16 { return vp.vpi }

// WWPN returns the vport's port name.
func (vp *Vport) WWPN() types.WWN { return vp.wwpn }

// Registry returns the vport's node registry.
func (vp *Vport) Registry() *node.Registry { return vp.reg }

// LocalDID implements node.Owner.
func (vp *Vport) LocalDID() types.DID { return vp.did }

// Topology implements node.Owner.
func (vp *Vport) Topology() types.Topology { return vp.hba.topology }

// RSCNFilter implements node.Owner.
func (vp *Vport) RSCNFilter(did types.DID) (bool, bool) {
	if vp.flags&vpRSCNMode == 0 {
		return false, false
	}
	return true, vp.rscn.Contains(did)
}

func (vp *Vport) has(f vportFlag) bool { return vp.flags&f != 0 }

func (vp *Vport) loggedIn() bool {
	return vp.state >= types.LinkFabricCfg && !vp.has(vpDiscFailed)
}

func (vp *Vport) setLinkState(s types.LinkState) {
	if vp.state == s {
		return
	}
	vp.log.WithFields(log.Fields{"from": vp.state, "to": s}).Debug("link state")
	vp.state = s
}

// discoveryRunning reports whether a name server query or node logins are
// in progress, during which RSCNs are deferred.
func (vp *Vport) discoveryRunning() bool {
	return vp.state == types.LinkNSQuery || vp.state == types.LinkDiscAuth
}

// fabricNode returns the node for a well-known address, creating it and
// marking it as fabric infrastructure.
func (vp *Vport) fabricNode(did types.DID) (*node.Node, error) {
	n := vp.reg.FindByDID(did)
	if n == nil {
		var err error
		if n, err = vp.reg.CreateOrGet(did); err != nil {
			return nil, err
		}
		if n == nil {
			return nil, errors.New("fabric node filtered")
		}
	}
	n.Set(types.FlagFabric)
	return n, nil
}

// armDiscoveryTimer restarts the per-vport discovery timer.
func (vp *Vport) armDiscoveryTimer() {
	vp.cancelDiscoveryTimer()
	vp.discGen++
	gen := vp.discGen
	vpi := vp.vpi
	h := vp.hba
	vp.discTmr = h.timers.Arm(h.opts.DiscoveryTimeout, func() {
		h.enqueue(&discTimeoutEvent{vpi: vpi, gen: gen})
	})
}

func (vp *Vport) cancelDiscoveryTimer() {
	if vp.discTmr != nil {
		vp.discTmr.Cancel()
		vp.discTmr = nil
	}
	vp.discGen++
}

// armNodeTimer arms timer k of n. The fire takes a node reference for the
// queued event; fires for an unloading vport are dropped because teardown
// handles its nodes synchronously.
func (vp *Vport) armNodeTimer(n *node.Node, k node.TimerKind, kind workq.Kind, d time.Duration) {
	h := vp.hba
	vpi := vp.vpi
	n.ArmTimer(h.timers, k, d, func(seq uint64) {
		if vp.unloaded.Load() {
			return
		}
		ref := n.Get()
		if ref == nil {
			return
		}
		h.enqueue(&nodeTimerEvent{kind: kind, vpi: vpi, n: ref, timer: k, seq: seq})
	})
}

// teardown removes every node synchronously. Called with the HBA lock held.
func (vp *Vport) teardown() {
	vp.unloaded.Store(true)
	vp.cancelDiscoveryTimer()
	h := vp.hba

	if vp.has(vpNPIV) && h.linkUp && vp.loggedIn() {
		if n := vp.reg.FindByDID(types.FabricDID); n != nil {
			vp.issueELS(n, types.ELSLOGO)
		}
		vp.issueMailbox(&MailboxRequest{Cmd: types.MbxUnregVPI}, nil)
	}

	vp.reg.Each(func(n *node.Node) {
		if n.State() == types.StateUnused {
			return
		}
		if n.State().Transitional() {
			h.link.AbortExchanges(vp.vpi, n.DID())
		}
		vp.cleanupNode(n)
		vp.reg.Dequeue(n)
	})

	drained := h.q.Drain(func(ev workq.Event) bool {
		ve, ok := ev.(vportEvent)
		return ok && ve.vport() == vp.vpi
	})
	vp.setLinkState(types.LinkDown)
	vp.log.WithField("drained", drained).Info("vport torn down")
}

func (vp *Vport) info() types.VportInfo {
	vi := types.VportInfo{
		VPI:        vp.vpi,
		WWPN:       vp.wwpn,
		WWNN:       vp.wwnn,
		DID:        vp.did,
		State:      vp.state,
		DiscFailed: vp.has(vpDiscFailed),
		Degraded:   vp.has(vpDegraded),
	}
	for _, n := range vp.reg.Nodes() {
		vi.Nodes = append(vi.Nodes, n.Info())
	}
	return vi
}
