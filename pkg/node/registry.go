package node

import (
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/fcdisc/pkg/types"
)

// ErrNodeAlloc is returned when the registry cannot allocate another node.
var ErrNodeAlloc = errors.New("node allocation failed")

// DefaultMaxNodes bounds the registry size when no limit is configured.
const DefaultMaxNodes = 2048

// Owner supplies the vport context the registry consults.
type Owner interface {
	// LocalDID is the vport's own address.
	LocalDID() types.DID
	// Topology is the current attachment.
	Topology() types.Topology
	// RSCNFilter reports whether RSCN processing is active and, if so,
	// whether did is covered by the current payload.
	RSCNFilter(did types.DID) (active, member bool)
}

// Registry is the authoritative node list of one vport.
type Registry struct {
	mu     sync.Mutex
	nodes  []*Node
	counts [types.NumNodeStates]int

	vpi   uint16
	owner Owner
	max   int
	log   *log.Entry

	onRelease func(*Node)
}

// NewRegistry returns an empty registry for vport vpi.
func NewRegistry(vpi uint16, owner Owner, maxNodes int, logger *log.Entry) *Registry {
	if maxNodes <= 0 {
		maxNodes = DefaultMaxNodes
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Registry{
		vpi:   vpi,
		owner: owner,
		max:   maxNodes,
		log:   logger.WithField("component", "registry"),
	}
}

// SetReleaseHook installs fn to run when a node's last reference is dropped,
// after the node has been unlinked. fn may run on any goroutine.
func (r *Registry) SetReleaseHook(fn func(*Node)) {
	r.mu.Lock()
	r.onRelease = fn
	r.mu.Unlock()
}

// matchDID reports whether a node addressed as nodeDID answers to did,
// allowing a public-loop device to be found by its AL_PA alone.
func matchDID(nodeDID, did, mydid types.DID, topo types.Topology) bool {
	if nodeDID == did {
		return true
	}
	if nodeDID.ALPA() != did.ALPA() {
		return false
	}
	sameArea := func(a, b types.DID) bool {
		return a.Domain() == b.Domain() && a.Area() == b.Area()
	}
	if sameArea(mydid, did) {
		// did is on our loop; match a node recorded by AL_PA only. A node
		// that moved from point-to-point to fabric must not alias.
		return nodeDID.IsLoopLocal() && nodeDID.ALPA() != 0 && topo == types.TopologyLoop
	}
	if sameArea(mydid, nodeDID) {
		return did.IsLoopLocal() && did.ALPA() != 0
	}
	return false
}

func (r *Registry) lookupLocked(did types.DID, includeInactive bool) *Node {
	var mydid types.DID
	topo := types.TopologyFabric
	if r.owner != nil {
		mydid = r.owner.LocalDID()
		topo = r.owner.Topology()
	}
	for _, n := range r.nodes {
		if !includeInactive && n.state == types.StateUnused {
			continue
		}
		if matchDID(n.did, did, mydid, topo) {
			return n
		}
	}
	return nil
}

// FindByDID returns the active node answering to did, or nil.
func (r *Registry) FindByDID(did types.DID) *Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookupLocked(did&types.DIDMask, false)
}

// FindByWWPN returns the active node with the given port name, or nil.
func (r *Registry) FindByWWPN(wwpn types.WWN) *Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.nodes {
		if n.state != types.StateUnused && n.wwpn == wwpn {
			return n
		}
	}
	return nil
}

// FindByWWNN returns the active node with the given node name, or nil.
func (r *Registry) FindByWWNN(wwnn types.WWN) *Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.nodes {
		if n.state != types.StateUnused && n.wwnn == wwnn {
			return n
		}
	}
	return nil
}

// CreateOrGet returns the node for did, re-activating an inactive one or
// allocating a new one in NPR. It returns (nil, nil) when RSCN processing is
// active and did is not covered by the payload, and ErrNodeAlloc when the
// registry is full.
func (r *Registry) CreateOrGet(did types.DID) (*Node, error) {
	return r.createOrGet(did, true)
}

// Attach is CreateOrGet without the RSCN filter, for nodes that announce
// themselves.
func (r *Registry) Attach(did types.DID) (*Node, error) {
	return r.createOrGet(did, false)
}

func (r *Registry) createOrGet(did types.DID, filter bool) (*Node, error) {
	did &= types.DIDMask

	r.mu.Lock()
	n := r.lookupLocked(did, true)
	if n != nil && n.state != types.StateUnused {
		r.mu.Unlock()
		return n, nil
	}

	if filter && r.owner != nil {
		if active, member := r.owner.RSCNFilter(did); active && !member {
			r.mu.Unlock()
			r.log.WithField("did", did).Debug("not in RSCN payload, skipping node creation")
			return nil, nil
		}
	}

	if n != nil {
		if r.reactivateLocked(n) {
			r.mu.Unlock()
			r.log.WithField("did", did).Debug("re-activated inactive node")
			return n, nil
		}
		// The old node is releasing and unlinks itself; allocate afresh.
	}

	if len(r.nodes) >= r.max {
		r.mu.Unlock()
		return nil, ErrNodeAlloc
	}
	n = newNode(r.vpi, did, r.release)
	r.enqueueLocked(n)
	r.setStateLocked(n, types.StateNPR)
	r.mu.Unlock()

	r.log.WithField("did", did).Debug("allocated node")
	return n, nil
}

func (r *Registry) reactivateLocked(n *Node) bool {
	if !n.dropped.Load() {
		return false
	}
	// The new reference becomes the registry reference again.
	if n.Get() == nil {
		return false
	}
	n.dropped.Store(false)
	r.setStateLocked(n, types.StateNPR)
	return true
}

// Enqueue links n into the list. Linking an already linked node is a no-op.
func (r *Registry) Enqueue(n *Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enqueueLocked(n)
}

func (r *Registry) enqueueLocked(n *Node) {
	if n.linked {
		return
	}
	n.linked = true
	r.nodes = append(r.nodes, n)
	r.counts[n.state]++
}

// Dequeue unlinks n, cancelling its timers and updating the state counters.
// It must not be called from a timer callback. Nodes removed by the state
// machine stay linked, and so findable for reactivation, until their last
// reference is dropped; Dequeue is for nodes that must not come back.
func (r *Registry) Dequeue(n *Node) {
	n.CancelTimers()
	r.mu.Lock()
	r.unlinkLocked(n)
	r.mu.Unlock()
}

func (r *Registry) unlinkLocked(n *Node) bool {
	if !n.linked {
		return false
	}
	for i, m := range r.nodes {
		if m == n {
			r.nodes = append(r.nodes[:i], r.nodes[i+1:]...)
			break
		}
	}
	n.linked = false
	r.counts[n.state]--
	return true
}

// release is the final-reference callback of every node the registry allocates.
func (r *Registry) release(n *Node) {
	n.stopTimers(false)
	r.mu.Lock()
	r.unlinkLocked(n)
	hook := r.onRelease
	r.mu.Unlock()
	if hook != nil {
		hook(n)
	}
}

// SetState moves n to s, maintaining the per-state counters, and returns the
// previous state.
func (r *Registry) SetState(n *Node, s types.NodeState) types.NodeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setStateLocked(n, s)
}

func (r *Registry) setStateLocked(n *Node, s types.NodeState) types.NodeState {
	old := n.state
	if n.linked {
		r.counts[old]--
		r.counts[s]++
	}
	n.state = s
	return old
}

// Linked reports whether n is currently in the list.
func (r *Registry) Linked(n *Node) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return n.linked
}

// Counts returns the number of linked nodes per state.
func (r *Registry) Counts() [types.NumNodeStates]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts
}

// InFlight returns the number of nodes with a login step outstanding.
func (r *Registry) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[types.StatePLOGIIssue] + r.counts[types.StateADISCIssue] +
		r.counts[types.StateRegLoginIssue] + r.counts[types.StatePRLIIssue]
}

// Len returns the number of linked nodes, active or not.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes)
}

// Nodes returns a copy of the list in insertion order.
func (r *Registry) Nodes() []*Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Node, len(r.nodes))
	copy(out, r.nodes)
	return out
}

// Each calls fn for every linked node in insertion order. The list may be
// modified by fn.
func (r *Registry) Each(fn func(*Node)) {
	for _, n := range r.Nodes() {
		fn(n)
	}
}
