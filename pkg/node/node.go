// Package node holds the remote-port node object and the per-vport node
// registry.
//
// A Node is reference counted. The registry owns the initial reference;
// every scheduled callback, queued event, in-flight request and transport
// binding holds one more. Get refuses to resurrect a node whose count has
// reached zero, and the release callback runs exactly once.
package node

import (
	"sync/atomic"
	"time"

	"github.com/Nativu5/fcdisc/pkg/timer"
	"github.com/Nativu5/fcdisc/pkg/types"
)

// Life is the teardown guard of a node.
type Life int32

const (
	Live Life = iota
	Releasing
	Released
)

func (l Life) String() string {
	switch l {
	case Live:
		return "live"
	case Releasing:
		return "releasing"
	case Released:
		return "released"
	}
	return "unknown"
}

// TimerKind selects one of the independently cancelable node timers.
type TimerKind int

const (
	TimerDelay TimerKind = iota
	TimerDevLoss
	TimerReauth

	numTimers
)

func (k TimerKind) String() string {
	switch k {
	case TimerDelay:
		return "delay"
	case TimerDevLoss:
		return "dev_loss"
	case TimerReauth:
		return "reauth"
	}
	return "unknown"
}

// Armer schedules one-shot callbacks.
type Armer interface {
	Arm(d time.Duration, fn func()) *timer.Timer
}

// Node is one discovered or suspected remote port.
//
// Fields without accessors are owned by the discovery worker and must only
// be touched from it.
type Node struct {
	did  types.DID
	wwpn types.WWN
	wwnn types.WWN
	vpi  uint16

	state types.NodeState
	flags types.NodeFlag

	// Roles are the FC-4 roles learned from PRLI.
	Roles types.Role
	// LoginHandle is valid while FlagLoginValid is set.
	LoginHandle types.LoginHandle
	// Binding is the transport binding, zero when unbound.
	Binding types.Binding
	// TransportRef is set while the binding holds a node reference.
	TransportRef bool

	// Retry counts consecutive retries of LastELS.
	Retry   int
	LastELS types.ELSCommand

	// UnregTime is the time of the most recent transport unbind.
	UnregTime time.Time
	// DevLoss is the device-loss timer state.
	DevLoss types.DevLossState

	timers [numTimers]*timer.Timer
	seq    [numTimers]uint64

	refs    atomic.Int32
	life    atomic.Int32
	dropped atomic.Bool
	linked  bool

	onRelease func(*Node)
}

func newNode(vpi uint16, did types.DID, onRelease func(*Node)) *Node {
	n := &Node{
		vpi:       vpi,
		did:       did & types.DIDMask,
		state:     types.StateUnused,
		onRelease: onRelease,
	}
	n.refs.Store(1)
	return n
}

// New allocates an unlinked node with one reference, for callers that
// manage lifetime themselves (tests, tooling).
func New(vpi uint16, did types.DID, onRelease func(*Node)) *Node {
	return newNode(vpi, did, onRelease)
}

// DID returns the current port address.
func (n *Node) DID() types.DID { return n.did }

// SetDID reassigns the port address after rediscovery.
func (n *Node) SetDID(did types.DID) { n.did = did & types.DIDMask }

// VPI returns the index of the owning vport.
func (n *Node) VPI() uint16 { return n.vpi }

// WWPN returns the port name, zero until learned.
func (n *Node) WWPN() types.WWN { return n.wwpn }

// WWNN returns the node name, zero until learned.
func (n *Node) WWNN() types.WWN { return n.wwnn }

// SetNames records the names learned from PLOGI. Names are immutable once
// set; it reports false when a different non-zero name is already recorded.
func (n *Node) SetNames(wwpn, wwnn types.WWN) bool {
	if n.wwpn != 0 && (n.wwpn != wwpn || n.wwnn != wwnn) {
		return false
	}
	n.wwpn, n.wwnn = wwpn, wwnn
	return true
}

// State returns the discovery state.
func (n *Node) State() types.NodeState { return n.state }

// Flags returns the flag bitset.
func (n *Node) Flags() types.NodeFlag { return n.flags }

// Has reports whether every bit of f is set.
func (n *Node) Has(f types.NodeFlag) bool { return n.flags&f == f }

// Set sets the bits of f.
func (n *Node) Set(f types.NodeFlag) { n.flags |= f }

// Clear clears the bits of f.
func (n *Node) Clear(f types.NodeFlag) { n.flags &^= f }

// IsFabric reports whether the node is fabric infrastructure.
func (n *Node) IsFabric() bool {
	return n.Has(types.FlagFabric) || n.did.IsWellKnown()
}

// Refs returns the current reference count.
func (n *Node) Refs() int32 { return n.refs.Load() }

// Life returns the teardown guard state.
func (n *Node) Life() Life { return Life(n.life.Load()) }

// Dropped reports whether the registry reference has been given up.
func (n *Node) Dropped() bool { return n.dropped.Load() }

// Get takes a reference. It returns nil once the node has started
// releasing or its count has reached zero.
func (n *Node) Get() *Node {
	for {
		if n.Life() != Live {
			return nil
		}
		c := n.refs.Load()
		if c <= 0 {
			return nil
		}
		if n.refs.CompareAndSwap(c, c+1) {
			return n
		}
	}
}

// Put drops a reference and reports whether this call released the node.
func (n *Node) Put() bool {
	for {
		c := n.refs.Load()
		if c <= 0 {
			// Unbalanced put; the node is already gone.
			return false
		}
		if n.refs.CompareAndSwap(c, c-1) {
			if c-1 > 0 {
				return false
			}
			break
		}
	}
	if !n.life.CompareAndSwap(int32(Live), int32(Releasing)) {
		return false
	}
	if n.onRelease != nil {
		n.onRelease(n)
	}
	n.life.Store(int32(Released))
	return true
}

// Drop gives up the registry reference. Only the first call has effect.
func (n *Node) Drop() bool {
	if !n.dropped.CompareAndSwap(false, true) {
		return false
	}
	return n.Put()
}

// ArmTimer (re)arms timer k. fn runs on a timer goroutine with the
// sequence number of this arming, which TimerFired later checks.
func (n *Node) ArmTimer(a Armer, k TimerKind, d time.Duration, fn func(seq uint64)) {
	n.timers[k].Cancel()
	n.seq[k]++
	seq := n.seq[k]
	n.timers[k] = a.Arm(d, func() { fn(seq) })
}

// CancelTimer cancels timer k, waiting for a running callback, and reports
// whether it was armed. A fire already queued becomes stale.
func (n *Node) CancelTimer(k TimerKind) bool {
	t := n.timers[k]
	n.timers[k] = nil
	n.seq[k]++
	if t == nil {
		return false
	}
	t.Cancel()
	return true
}

// TimerPending reports whether timer k is armed and not yet consumed.
func (n *Node) TimerPending(k TimerKind) bool { return n.timers[k] != nil }

// TimerFired consumes a fire of timer k. It reports false for a fire that
// was canceled or re-armed after it was queued.
func (n *Node) TimerFired(k TimerKind, seq uint64) bool {
	if n.timers[k] == nil || n.seq[k] != seq {
		return false
	}
	n.timers[k] = nil
	return true
}

// CancelTimers cancels every node timer, waiting for callbacks already
// running, and invalidates queued fires.
func (n *Node) CancelTimers() {
	n.stopTimers(true)
}

// stopTimers is used by the release path, which may run on a timer
// goroutine and therefore must not wait for callbacks.
func (n *Node) stopTimers(wait bool) {
	for k := range n.timers {
		if wait {
			n.timers[k].Cancel()
		} else {
			n.timers[k].Stop()
		}
		n.timers[k] = nil
		n.seq[k]++
	}
	n.Clear(types.FlagDelayTmo)
	if n.DevLoss == types.TimerArmed {
		n.DevLoss = types.TimerIdle
	}
}

// Info returns a read-only copy for snapshots.
func (n *Node) Info() types.NodeInfo {
	return types.NodeInfo{
		DID:         n.did,
		WWPN:        n.wwpn,
		WWNN:        n.wwnn,
		State:       n.state,
		Flags:       n.flags,
		Roles:       n.Roles,
		DevLoss:     n.DevLoss,
		Refs:        n.refs.Load(),
		LoginHandle: n.LoginHandle,
	}
}
