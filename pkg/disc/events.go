package disc

import (
	"github.com/Nativu5/fcdisc/pkg/node"
	"github.com/Nativu5/fcdisc/pkg/types"
	"github.com/Nativu5/fcdisc/pkg/workq"
)

// nodeHolder is implemented by events that hold a node reference, so
// teardown can drain them.
type nodeHolder interface {
	heldNode() *node.Node
}

// vportEvent is implemented by events scoped to one vport.
type vportEvent interface {
	vport() uint16
}

type linkAttnEvent struct {
	ev    LinkEvent
	fatal bool
}

func (*linkAttnEvent) Kind() workq.Kind { return workq.KindLinkAttention }

type fcfRescanEvent struct{}

func (*fcfRescanEvent) Kind() workq.Kind { return workq.KindLinkAttention }

type elsCmplEvent struct {
	req  *ELSRequest
	cmpl types.Completion
}

func (*elsCmplEvent) Kind() workq.Kind       { return workq.KindELSCompletion }
func (e *elsCmplEvent) vport() uint16        { return e.req.VPI }
func (e *elsCmplEvent) heldNode() *node.Node { return e.req.node }

func (e *elsCmplEvent) Release() {
	if e.req.node != nil {
		e.req.node.Put()
		e.req.node = nil
	}
}

type mbxCmplEvent struct {
	req  *MailboxRequest
	cmpl types.Completion
}

func (*mbxCmplEvent) Kind() workq.Kind       { return workq.KindMailbox }
func (e *mbxCmplEvent) vport() uint16        { return e.req.VPI }
func (e *mbxCmplEvent) heldNode() *node.Node { return e.req.node }

func (e *mbxCmplEvent) Release() {
	if e.req.node != nil {
		e.req.node.Put()
		e.req.node = nil
	}
}

// unsolKind is the unsolicited request carried by an unsolEvent.
type unsolKind int

const (
	unsolPLOGI unsolKind = iota
	unsolLOGO
	unsolRSCN
)

type unsolEvent struct {
	vpi  uint16
	kind unsolKind
	did  types.DID
	wwpn types.WWN
	wwnn types.WWN
	rscn types.RSCNPayload
}

func (*unsolEvent) Kind() workq.Kind { return workq.KindUnsolicited }
func (e *unsolEvent) vport() uint16  { return e.vpi }

// plogiParams is the argument of RCV_PLOGI.
type plogiParams struct {
	wwpn types.WWN
	wwnn types.WWN
}

// nodeTimerEvent is the queued fire of a node timer.
type nodeTimerEvent struct {
	kind  workq.Kind
	vpi   uint16
	n     *node.Node
	timer node.TimerKind
	seq   uint64
}

func (e *nodeTimerEvent) Kind() workq.Kind     { return e.kind }
func (e *nodeTimerEvent) vport() uint16        { return e.vpi }
func (e *nodeTimerEvent) heldNode() *node.Node { return e.n }

// devLossKey identifies one arming of a node's device-loss timer.
type devLossKey struct {
	n   *node.Node
	seq uint64
}

// CoalesceKey keeps at most one device-loss item per arming queued.
func (e *nodeTimerEvent) CoalesceKey() any {
	if e.kind == workq.KindDevLoss {
		return devLossKey{e.n, e.seq}
	}
	return e
}

func (e *nodeTimerEvent) Release() {
	if e.n != nil {
		e.n.Put()
		e.n = nil
	}
}

type discTimeoutEvent struct {
	vpi uint16
	gen uint64
}

func (*discTimeoutEvent) Kind() workq.Kind { return workq.KindDiscoveryTimeout }
func (e *discTimeoutEvent) vport() uint16  { return e.vpi }

type vendorEvent struct {
	vpi     uint16
	payload any
	hba     *HBA
}

func (*vendorEvent) Kind() workq.Kind { return workq.KindFastEvent }
func (e *vendorEvent) vport() uint16  { return e.vpi }

// Release returns the fast-event slot, whether the event was delivered or
// drained.
func (e *vendorEvent) Release() {
	if e.hba != nil {
		e.hba.fastEvents.Add(-1)
		e.hba = nil
	}
}
