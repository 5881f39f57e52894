package disc

import (
	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/fcdisc/pkg/node"
	"github.com/Nativu5/fcdisc/pkg/types"
	"github.com/Nativu5/fcdisc/pkg/workq"
)

// smHandler handles one (state, event) pair and returns the node's state
// afterwards.
type smHandler func(vp *Vport, n *node.Node, arg any) types.NodeState

// smTable is total: init fills every pair, unexpected ones with smIgnore.
var smTable [types.NumNodeStates][types.NumNodeEvents]smHandler

func init() {
	for s := range smTable {
		for e := range smTable[s] {
			smTable[s][e] = smIgnore
		}
	}

	for _, s := range []types.NodeState{
		types.StateADISCIssue, types.StatePRLIIssue,
		types.StateUnmapped, types.StateMapped, types.StateNPR,
	} {
		smTable[s][types.EvtRcvPLOGI] = smRcvPLOGI
	}
	smTable[types.StatePLOGIIssue][types.EvtRcvPLOGI] = smRcvPLOGIPLOGIIssue
	smTable[types.StateRegLoginIssue][types.EvtRcvPLOGI] = smRcvPLOGIRegLoginIssue

	smTable[types.StatePLOGIIssue][types.EvtCmplPLOGI] = smCmplPLOGI
	smTable[types.StateADISCIssue][types.EvtCmplADISC] = smCmplADISC
	smTable[types.StatePRLIIssue][types.EvtCmplPRLI] = smCmplPRLI

	for s := range smTable {
		smTable[s][types.EvtCmplRegLogin] = smCmplRegLoginStray
	}
	smTable[types.StateRegLoginIssue][types.EvtCmplRegLogin] = smCmplRegLogin

	for s := types.StatePLOGIIssue; s < types.NumNodeStates; s++ {
		smTable[s][types.EvtDeviceRM] = smDeviceRM
		smTable[s][types.EvtDeviceRecovery] = smDeviceRecovery
		smTable[s][types.EvtRcvLOGO] = smRcvLOGO
	}
	smTable[types.StateRegLoginIssue][types.EvtDeviceRM] = smDeviceRMRegLoginIssue
	smTable[types.StateNPR][types.EvtDeviceRecovery] = smDeviceRecoveryNPR
}

// disc runs the state machine for one event.
func (vp *Vport) disc(n *node.Node, evt types.NodeEvent, arg any) types.NodeState {
	cur := n.State()
	if cur < 0 || cur >= types.NumNodeStates || evt < 0 || evt >= types.NumNodeEvents {
		vp.log.WithFields(log.Fields{"did": n.DID(), "state": cur, "event": evt}).Error("state machine input out of range")
		return cur
	}
	vp.hba.metrics.recordNodeEvent(evt)
	next := smTable[cur][evt](vp, n, arg)
	vp.log.WithFields(log.Fields{
		"did":   n.DID(),
		"event": evt,
		"state": cur,
		"next":  next,
		"flags": n.Flags(),
	}).Debug("node event")
	return next
}

// setState moves n to s and applies the entry and exit side effects.
func (vp *Vport) setState(n *node.Node, s types.NodeState) {
	old := vp.reg.SetState(n, s)
	if old != s {
		vp.hba.metrics.recordTransition(old, s)
	}

	if old == types.StateNPR && s != types.StateNPR {
		n.CancelTimer(node.TimerDelay)
		n.Clear(types.FlagDelayTmo)
	}
	if s != types.StateMapped {
		n.CancelTimer(node.TimerReauth)
	}
	if old.Steady() && !s.Steady() {
		vp.unbind(n)
		if s != types.StateUnused {
			n.UnregTime = vp.hba.timers.Now()
			vp.armDevLoss(n)
		}
	}

	switch {
	case s.Steady():
		n.Clear(types.FlagDevLossPending | types.FlagRcvPLOGI)
		vp.cancelDevLoss(n)
		vp.bind(n)
		if s == types.StateMapped && vp.hba.opts.ReauthInterval > 0 {
			vp.armNodeTimer(n, node.TimerReauth, workq.KindReauth, vp.hba.opts.ReauthInterval)
		}
	case s == types.StateNPR:
		n.Clear(types.FlagRcvPLOGI)
	}
}

// bind presents n to the transport, replacing a stale binding. The node
// reference owned by the binding is taken once and kept across rebinds.
func (vp *Vport) bind(n *node.Node) {
	b := vp.hba.binder
	if b == nil {
		return
	}
	if n.Has(types.FlagTransportBound) {
		b.Unbind(n.Binding)
		n.Binding = types.Binding{}
		n.Clear(types.FlagTransportBound)
	}
	binding, err := b.Bind(types.RemotePort{
		VPI:   vp.vpi,
		DID:   n.DID(),
		WWPN:  n.WWPN(),
		WWNN:  n.WWNN(),
		Roles: n.Roles,
	})
	if err != nil {
		vp.log.WithError(err).WithField("did", n.DID()).Warn("transport bind failed")
		vp.releaseTransportRef(n)
		return
	}
	n.Binding = binding
	n.Set(types.FlagTransportBound)
	if !n.TransportRef && n.Get() != nil {
		n.TransportRef = true
	}
}

// unbind detaches n from the transport. Unbinding an unbound node is a no-op.
func (vp *Vport) unbind(n *node.Node) {
	if n.Has(types.FlagTransportBound) {
		if b := vp.hba.binder; b != nil {
			b.Unbind(n.Binding)
		}
		n.Binding = types.Binding{}
		n.Clear(types.FlagTransportBound)
	}
	vp.releaseTransportRef(n)
}

func (vp *Vport) releaseTransportRef(n *node.Node) {
	if n.TransportRef {
		n.TransportRef = false
		n.Put()
	}
}

func (vp *Vport) armDevLoss(n *node.Node) {
	n.Set(types.FlagDevLossPending)
	if n.DevLoss == types.TimerArmed && n.TimerPending(node.TimerDevLoss) {
		return
	}
	vp.armNodeTimer(n, node.TimerDevLoss, workq.KindDevLoss, vp.hba.opts.DevLossTimeout)
	n.DevLoss = types.TimerArmed
}

func (vp *Vport) cancelDevLoss(n *node.Node) {
	n.CancelTimer(node.TimerDevLoss)
	n.DevLoss = types.TimerIdle
}

func (vp *Vport) armDelay(n *node.Node) {
	n.Set(types.FlagDelayTmo)
	vp.armNodeTimer(n, node.TimerDelay, workq.KindELSRetry, vp.hba.opts.RetryDelay)
}

// unregLogin invalidates the node's login with the adapter.
func (vp *Vport) unregLogin(n *node.Node) {
	if !n.Has(types.FlagLoginValid) {
		return
	}
	n.Clear(types.FlagLoginValid)
	vp.issueMailbox(&MailboxRequest{Cmd: types.MbxUnregLogin, DID: n.DID(), Handle: n.LoginHandle}, nil)
	n.LoginHandle = 0
}

func (vp *Vport) issuePLOGI(n *node.Node) {
	vp.setState(n, types.StatePLOGIIssue)
	vp.issueTracked(n, types.ELSPLOGI)
}

func (vp *Vport) issueADISC(n *node.Node) {
	vp.setState(n, types.StateADISCIssue)
	vp.issueTracked(n, types.ELSADISC)
}

func (vp *Vport) issuePRLI(n *node.Node) {
	vp.setState(n, types.StatePRLIIssue)
	vp.issueTracked(n, types.ELSPRLI)
}

func (vp *Vport) issueRegLogin(n *node.Node) {
	vp.setState(n, types.StateRegLoginIssue)
	req := &MailboxRequest{Cmd: types.MbxRegLogin, DID: n.DID()}
	if vp.issueMailbox(req, n) {
		vp.pending[n] = req.ID
	}
}

func roleState(n *node.Node) types.NodeState {
	if n.Roles&types.RoleTarget != 0 {
		return types.StateMapped
	}
	return types.StateUnmapped
}

// loginFailed applies the retry policy to a failed login step.
func (vp *Vport) loginFailed(n *node.Node, cmd types.ELSCommand, c *types.Completion) types.NodeState {
	return vp.stepFailed(n, cmd.String(), cmd, c)
}

// stepFailed applies the retry policy to the failed step named step; a
// retry starts over with the ELS command retry.
func (vp *Vport) stepFailed(n *node.Node, step string, retry types.ELSCommand, c *types.Completion) types.NodeState {
	h := vp.hba
	entry := vp.log.WithFields(log.Fields{
		"did":    n.DID(),
		"cmd":    step,
		"status": c.Status,
		"reason": c.Reason,
		"retry":  n.Retry,
	})
	if c.Retryable() && n.Retry < h.opts.ELSRetries {
		n.Retry++
		n.LastELS = retry
		vp.setState(n, types.StateNPR)
		vp.armDelay(n)
		entry.Info("login step failed, retrying after delay")
		return types.StateNPR
	}
	n.Retry = 0
	vp.setState(n, types.StateNPR)
	entry.Warn("login step failed")
	if n.IsFabric() && h.topology == types.TopologyFabric {
		vp.fabricFailed(step, c)
	}
	return types.StateNPR
}

// completion extracts the completion argument.
func completion(arg any) *types.Completion {
	if c, ok := arg.(*types.Completion); ok && c != nil {
		return c
	}
	return &types.Completion{Status: types.StatusFirmware}
}

func smIgnore(vp *Vport, n *node.Node, _ any) types.NodeState {
	return n.State()
}

func smRcvPLOGI(vp *Vport, n *node.Node, arg any) types.NodeState {
	p, _ := arg.(plogiParams)
	if n.WWPN() != 0 && n.WWPN() != p.wwpn {
		vp.log.WithFields(log.Fields{"did": n.DID(), "wwpn": p.wwpn, "known": n.WWPN()}).
			Warn("PLOGI from a different port name, rejected")
		return n.State()
	}
	n.SetNames(p.wwpn, p.wwnn)
	if n.State().Transitional() {
		vp.hba.link.AbortExchanges(vp.vpi, n.DID())
	}
	vp.unregLogin(n)
	n.Retry = 0
	vp.issueRegLogin(n)
	n.Set(types.FlagRcvPLOGI)
	return n.State()
}

// smRcvPLOGIPLOGIIssue resolves a PLOGI collision: the port with the higher
// port name wins.
func smRcvPLOGIPLOGIIssue(vp *Vport, n *node.Node, arg any) types.NodeState {
	p, _ := arg.(plogiParams)
	if p.wwpn <= vp.wwpn {
		vp.log.WithField("did", n.DID()).Debug("PLOGI collision, keeping ours")
		return n.State()
	}
	return smRcvPLOGI(vp, n, arg)
}

func smRcvPLOGIRegLoginIssue(vp *Vport, n *node.Node, arg any) types.NodeState {
	p, _ := arg.(plogiParams)
	if n.SetNames(p.wwpn, p.wwnn) {
		n.Set(types.FlagRcvPLOGI)
	}
	return n.State()
}

func smCmplPLOGI(vp *Vport, n *node.Node, arg any) types.NodeState {
	c := completion(arg)
	if c.Status != types.StatusSuccess {
		return vp.loginFailed(n, types.ELSPLOGI, c)
	}
	resp, ok := c.Resp.(*types.PLOGIResponse)
	if !ok {
		return vp.loginFailed(n, types.ELSPLOGI, &types.Completion{Status: types.StatusFirmware})
	}
	if !n.SetNames(resp.WWPN, resp.WWNN) {
		vp.log.WithFields(log.Fields{"did": n.DID(), "wwpn": resp.WWPN, "known": n.WWPN()}).
			Warn("port name changed behind DID")
		vp.setState(n, types.StateNPR)
		return types.StateNPR
	}
	// A node recovered from a steady state still holds its old handle.
	vp.unregLogin(n)
	n.Retry = 0
	vp.issueRegLogin(n)
	return n.State()
}

func smCmplADISC(vp *Vport, n *node.Node, arg any) types.NodeState {
	c := completion(arg)
	if c.Status != types.StatusSuccess {
		if c.Retryable() && n.Retry < vp.hba.opts.ELSRetries {
			return vp.loginFailed(n, types.ELSADISC, c)
		}
		return vp.adiscFallback(n)
	}
	resp, ok := c.Resp.(*types.ADISCResponse)
	if !ok || resp.WWPN != n.WWPN() || resp.WWNN != n.WWNN() || !n.Has(types.FlagLoginValid) {
		return vp.adiscFallback(n)
	}
	n.Retry = 0
	n.Clear(types.FlagNPRADisc)
	vp.setState(n, roleState(n))
	return n.State()
}

// adiscFallback drops the old login and logs in again from scratch.
func (vp *Vport) adiscFallback(n *node.Node) types.NodeState {
	vp.log.WithField("did", n.DID()).Info("ADISC did not confirm the login, falling back to PLOGI")
	n.Clear(types.FlagNPRADisc)
	vp.unregLogin(n)
	n.Retry = 0
	vp.issuePLOGI(n)
	return n.State()
}

func smCmplRegLogin(vp *Vport, n *node.Node, arg any) types.NodeState {
	c := completion(arg)
	if c.Status != types.StatusSuccess {
		if n.Has(types.FlagDeferRM) {
			n.Clear(types.FlagDeferRM)
			return vp.removeNode(n)
		}
		return vp.stepFailed(n, types.MbxRegLogin.String(), types.ELSPLOGI, c)
	}
	if resp, ok := c.Resp.(*types.RegLoginResponse); ok {
		n.LoginHandle = resp.Handle
	}
	n.Set(types.FlagLoginValid)

	if n.Has(types.FlagDeferRM) {
		n.Clear(types.FlagDeferRM)
		return vp.removeNode(n)
	}
	if n.IsFabric() {
		vp.setState(n, types.StateUnmapped)
		vp.fabricLoginDone(n)
		return n.State()
	}
	vp.issuePRLI(n)
	return n.State()
}

// smCmplRegLoginStray handles a REG_LOGIN completion the node no longer
// waits for; a handle it does not own is released again.
func smCmplRegLoginStray(vp *Vport, n *node.Node, arg any) types.NodeState {
	c := completion(arg)
	if c.Status != types.StatusSuccess {
		return n.State()
	}
	resp, ok := c.Resp.(*types.RegLoginResponse)
	if !ok {
		return n.State()
	}
	if n.Has(types.FlagLoginValid) && resp.Handle == n.LoginHandle {
		return n.State()
	}
	vp.log.WithFields(log.Fields{"did": n.DID(), "handle": resp.Handle}).Debug("releasing stray login")
	vp.issueMailbox(&MailboxRequest{Cmd: types.MbxUnregLogin, DID: n.DID(), Handle: resp.Handle}, nil)
	return n.State()
}

func smCmplPRLI(vp *Vport, n *node.Node, arg any) types.NodeState {
	c := completion(arg)
	if c.Status != types.StatusSuccess {
		return vp.loginFailed(n, types.ELSPRLI, c)
	}
	if resp, ok := c.Resp.(*types.PRLIResponse); ok {
		n.Roles = resp.Roles
	}
	n.Retry = 0
	vp.setState(n, roleState(n))
	return n.State()
}

func smDeviceRM(vp *Vport, n *node.Node, _ any) types.NodeState {
	if n.IsFabric() && !vp.unloaded.Load() {
		if n.State().Transitional() {
			vp.hba.link.AbortExchanges(vp.vpi, n.DID())
		}
		vp.unbind(n)
		vp.setState(n, types.StateNPR)
		return types.StateNPR
	}
	return vp.removeNode(n)
}

func smDeviceRMRegLoginIssue(vp *Vport, n *node.Node, _ any) types.NodeState {
	n.Set(types.FlagDeferRM)
	return n.State()
}

func smDeviceRecovery(vp *Vport, n *node.Node, _ any) types.NodeState {
	if n.State().Transitional() {
		vp.hba.link.AbortExchanges(vp.vpi, n.DID())
	}
	delete(vp.pending, n)
	vp.setState(n, types.StateNPR)
	n.Clear(types.FlagNPR2BDisc)
	n.Retry = 0
	return types.StateNPR
}

func smDeviceRecoveryNPR(vp *Vport, n *node.Node, _ any) types.NodeState {
	n.CancelTimer(node.TimerDelay)
	n.Clear(types.FlagDelayTmo | types.FlagNPR2BDisc)
	n.Retry = 0
	return types.StateNPR
}

func smRcvLOGO(vp *Vport, n *node.Node, _ any) types.NodeState {
	if n.State().Transitional() {
		vp.hba.link.AbortExchanges(vp.vpi, n.DID())
	}
	delete(vp.pending, n)
	vp.unregLogin(n)
	vp.setState(n, types.StateNPR)
	n.Retry = 0
	n.LastELS = types.ELSPLOGI
	if n.DID() == types.FabricDID {
		n.LastELS = vp.fabricLoginCmd()
	}
	vp.armDelay(n)
	return types.StateNPR
}

// removeNode is the full cleanup of DEVICE_RM.
func (vp *Vport) removeNode(n *node.Node) types.NodeState {
	if n.State().Transitional() {
		vp.hba.link.AbortExchanges(vp.vpi, n.DID())
	}
	vp.cleanupNode(n)
	return types.StateUnused
}

// cleanupNode invalidates the login, cancels timers, drains queued events
// and gives up the registry reference. The node stays linked, inactive,
// until the last holder lets go.
func (vp *Vport) cleanupNode(n *node.Node) {
	h := vp.hba
	delete(vp.pending, n)
	vp.unregLogin(n)
	vp.setState(n, types.StateUnused)
	vp.unbind(n)
	n.CancelTimers()
	n.DevLoss = types.TimerIdle
	h.q.Drain(func(ev workq.Event) bool {
		nh, ok := ev.(nodeHolder)
		return ok && nh.heldNode() == n
	})
	n.Clear(types.FlagRSCN | types.FlagNPR2BDisc | types.FlagRcvPLOGI |
		types.FlagNPRADisc | types.FlagDeferRM | types.FlagDevLossPending)
	n.Retry = 0
	vp.log.WithField("did", n.DID()).Info("node removed")
	n.Drop()
}
