package disc

import (
	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/fcdisc/pkg/node"
	"github.com/Nativu5/fcdisc/pkg/types"
	"github.com/Nativu5/fcdisc/pkg/workq"
)

func (vp *Vport) handleNodeTimer(e *nodeTimerEvent) {
	n := e.n
	if n == nil {
		return
	}
	switch e.kind {
	case workq.KindDevLoss:
		vp.devLossFired(n, e.seq)
	case workq.KindDevLossDelay:
		vp.devLossRecheck(n)
	case workq.KindELSRetry:
		vp.retryFired(n, e.seq)
	case workq.KindReauth:
		vp.reauthFired(n, e.seq)
	}
}

// devLossFired decides the fate of a node whose device-loss timer expired.
func (vp *Vport) devLossFired(n *node.Node, seq uint64) {
	h := vp.hba
	entry := vp.log.WithFields(log.Fields{"did": n.DID(), "state": n.State()})
	if n.State() == types.StateUnused {
		return
	}
	if !n.TimerFired(node.TimerDevLoss, seq) {
		entry.Debug("stale device-loss fire ignored")
		return
	}
	n.DevLoss = types.TimerFired

	if n.State() == types.StateMapped {
		entry.Debug("device-loss suppressed, node is mapped")
		n.DevLoss = types.TimerIdle
		n.Clear(types.FlagDevLossPending)
		return
	}

	now := h.timers.Now()
	if deadline := n.UnregTime.Add(h.opts.DevLossTimeout); now.Before(deadline) {
		entry.Debug("recently unregistered, re-arming device-loss")
		vp.armNodeTimer(n, node.TimerDevLoss, workq.KindDevLoss, deadline.Sub(now))
		n.DevLoss = types.TimerArmed
		return
	}

	if n.IsFabric() {
		vp.unbind(n)
		n.DevLoss = types.TimerIdle
		n.Clear(types.FlagDevLossPending)
		entry.Info("device-loss on fabric node, detached from transport")
		return
	}

	h.link.AbortExchanges(vp.vpi, n.DID())
	vp.unbind(n)
	if n.State().Transitional() {
		if ref := n.Get(); ref != nil {
			h.enqueue(&nodeTimerEvent{kind: workq.KindDevLossDelay, vpi: vp.vpi, n: ref})
		}
		return
	}
	vp.devLossRecheck(n)
}

// devLossRecheck removes a lost node unless discovery still wants it.
func (vp *Vport) devLossRecheck(n *node.Node) {
	if n.State() == types.StateUnused {
		return
	}
	if n.State().Steady() || n.Has(types.FlagDelayTmo) || n.Has(types.FlagNPR2BDisc) {
		n.DevLoss = types.TimerIdle
		n.Clear(types.FlagDevLossPending)
		vp.log.WithField("did", n.DID()).Debug("device-loss: node kept for rediscovery")
		return
	}
	if n.State().Transitional() {
		vp.log.WithField("did", n.DID()).Debug("device-loss: login still in flight, checking again later")
		vp.armNodeTimer(n, node.TimerDevLoss, workq.KindDevLoss, vp.hba.opts.RetryDelay)
		n.DevLoss = types.TimerArmed
		return
	}
	n.Clear(types.FlagDevLossPending)
	n.DevLoss = types.TimerIdle
	vp.log.WithField("did", n.DID()).Info("device lost")
	vp.disc(n, types.EvtDeviceRM, nil)
}

// retryFired re-issues the login step that failed.
func (vp *Vport) retryFired(n *node.Node, seq uint64) {
	if !n.TimerFired(node.TimerDelay, seq) {
		return
	}
	n.Clear(types.FlagDelayTmo)
	if n.State() != types.StateNPR {
		return
	}
	vp.log.WithFields(log.Fields{"did": n.DID(), "cmd": n.LastELS, "retry": n.Retry}).Debug("retrying login step")

	switch n.LastELS {
	case types.ELSFLOGI, types.ELSFDISC:
		if vp.state == types.LinkFLOGI {
			vp.startFabricLogin()
		}
	case types.ELSADISC:
		if n.Has(types.FlagLoginValid) {
			vp.issueADISC(n)
			return
		}
		vp.issuePLOGI(n)
	case types.ELSPRLI:
		if n.Has(types.FlagLoginValid) {
			vp.issuePRLI(n)
			return
		}
		vp.issuePLOGI(n)
	default:
		vp.issuePLOGI(n)
	}
}

func (vp *Vport) reauthFired(n *node.Node, seq uint64) {
	if !n.TimerFired(node.TimerReauth, seq) || n.State() != types.StateMapped {
		return
	}
	vp.issueELS(n, types.ELSAuth)
}

func (vp *Vport) cmplReauth(n *node.Node, c *types.Completion) {
	if n.State() != types.StateMapped {
		return
	}
	if c.Status == types.StatusSuccess {
		vp.armNodeTimer(n, node.TimerReauth, workq.KindReauth, vp.hba.opts.ReauthInterval)
		return
	}
	vp.log.WithFields(log.Fields{"did": n.DID(), "status": c.Status}).Warn("re-authentication failed, logging in again")
	vp.unregLogin(n)
	vp.disc(n, types.EvtDeviceRecovery, nil)
	n.Set(types.FlagNPR2BDisc)
	if vp.state == types.LinkVportReady {
		vp.setLinkState(types.LinkDiscAuth)
		vp.armDiscoveryTimer()
	}
}

// handleDiscoveryTimeout recovers a vport stuck in one discovery phase.
func (vp *Vport) handleDiscoveryTimeout(gen uint64) {
	h := vp.hba
	if gen != vp.discGen {
		return
	}
	vp.discTmr = nil
	entry := vp.log.WithField("state", vp.state)
	timeout := &types.Completion{Status: types.StatusTimeout}

	switch vp.state {
	case types.LinkLocalCfg:
		if vp.linkRetry < h.opts.ELSRetries {
			vp.linkRetry++
			entry.Warn("link configuration timed out, retrying")
			vp.startLinkConfig()
			return
		}
		vp.fabricFailed("CONFIG_LINK", timeout)

	case types.LinkFLOGI:
		if vp.linkRetry < h.opts.ELSRetries {
			vp.linkRetry++
			entry.Warn("fabric login timed out, retrying")
			h.link.AbortExchanges(vp.vpi, types.FabricDID)
			vp.startFabricLogin()
			return
		}
		vp.fabricFailed(vp.fabricLoginCmd().String(), timeout)

	case types.LinkFabricCfg:
		if vp.linkRetry < h.opts.ELSRetries {
			vp.linkRetry++
			entry.Warn("REG_VPI timed out, retrying")
			vp.armDiscoveryTimer()
			vp.issueMailbox(&MailboxRequest{Cmd: types.MbxRegVPI, DID: vp.did}, nil)
			return
		}
		vp.fabricFailed("REG_VPI", timeout)

	case types.LinkNSReg:
		ns := vp.reg.FindByDID(types.NameServerDID)
		if ns != nil && vp.linkRetry < h.opts.ELSRetries {
			vp.linkRetry++
			entry.Warn("name server login timed out, retrying")
			vp.armDiscoveryTimer()
			vp.disc(ns, types.EvtDeviceRecovery, nil)
			vp.issuePLOGI(ns)
			return
		}
		vp.fabricFailed("name server login", timeout)

	case types.LinkNSQuery:
		if vp.nsRetry < h.opts.NSQueryRetries {
			vp.nsRetry++
			entry.Warn("name server query timed out, retrying")
			vp.armDiscoveryTimer()
			vp.issueGIDFT()
			return
		}
		entry.Warn("name server query timed out, finishing discovery degraded")
		vp.flags |= vpDegraded
		vp.finishDiscovery("degraded")

	case types.LinkDiscAuth:
		aborted := 0
		vp.reg.Each(func(n *node.Node) {
			if n.IsFabric() {
				return
			}
			if n.State().Transitional() {
				aborted += h.link.AbortExchanges(vp.vpi, n.DID())
			}
			n.Clear(types.FlagNPR2BDisc)
		})
		entry.WithField("aborted", aborted).Warn("node discovery timed out, finishing degraded")
		vp.flags |= vpDegraded
		vp.finishDiscovery("degraded")
	}
}
