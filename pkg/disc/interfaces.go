package disc

import (
	"time"

	"github.com/Nativu5/fcdisc/pkg/node"
	"github.com/Nativu5/fcdisc/pkg/timer"
	"github.com/Nativu5/fcdisc/pkg/types"
)

// ELSRequest is an extended link service or CT request handed to the link
// layer. The link layer answers every accepted request exactly once through
// HBA.CompleteELS.
type ELSRequest struct {
	ID  uint64
	VPI uint16
	Cmd types.ELSCommand
	DID types.DID

	LocalDID  types.DID
	LocalWWPN types.WWN
	LocalWWNN types.WWN

	node *node.Node
}

// MailboxRequest is a firmware mailbox command. The link layer answers every
// accepted request exactly once through HBA.CompleteMailbox.
type MailboxRequest struct {
	ID  uint64
	VPI uint16
	Cmd types.MailboxCommand

	// DID addresses REG_LOGIN.
	DID types.DID
	// Handle is the login released by UNREG_LOGIN.
	Handle types.LoginHandle
	// FCFIndex is the record read by READ_FCF or registered by REG_FCF.
	FCFIndex int

	node *node.Node
	gen  uint64
}

// LinkLayer issues commands to the adapter. Calls must not block and must
// not call back into the HBA synchronously except through the Complete
// methods, which only enqueue.
type LinkLayer interface {
	IssueELS(req *ELSRequest) error
	IssueMailbox(req *MailboxRequest) error
	// AbortExchanges fails every outstanding exchange to did. Aborted
	// requests still complete, with types.StatusAborted.
	AbortExchanges(vpi uint16, did types.DID) int
	// BlockIO stops or resumes upper-layer I/O submission on a vport.
	BlockIO(vpi uint16, blocked bool)
}

// Binder presents logged-in remote ports to the upper transport layer.
type Binder interface {
	Bind(port types.RemotePort) (types.Binding, error)
	// Unbind must tolerate a binding that is already gone.
	Unbind(b types.Binding)
}

// TimerService arms one-shot timers.
type TimerService interface {
	node.Armer
	Now() time.Time
}

var _ TimerService = (*timer.Service)(nil)

// VendorSink receives fast-path vendor events.
type VendorSink func(vpi uint16, payload any)

// LinkEvent is a link attention reported by the adapter.
type LinkEvent struct {
	Up       bool
	Topology types.Topology
	// LoopMap lists the AL_PAs seen on a loop, in loop order.
	LoopMap []types.DID
	// LocalALPA is our loop address on a private loop.
	LocalALPA types.DID
}
