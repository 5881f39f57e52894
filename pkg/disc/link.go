package disc

import (
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/fcdisc/pkg/fcf"
	"github.com/Nativu5/fcdisc/pkg/node"
	"github.com/Nativu5/fcdisc/pkg/types"
)

// issueELS hands an ELS or CT request for n to the link layer. The request
// holds a node reference until its completion is dispatched. A request the
// link layer refuses completes with a local reject.
func (vp *Vport) issueELS(n *node.Node, cmd types.ELSCommand) (*ELSRequest, bool) {
	h := vp.hba
	ref := n.Get()
	if ref == nil {
		return nil, false
	}
	req := &ELSRequest{
		ID:        h.nextID(),
		VPI:       vp.vpi,
		Cmd:       cmd,
		DID:       n.DID(),
		LocalDID:  vp.did,
		LocalWWPN: vp.wwpn,
		LocalWWNN: vp.wwnn,
		node:      ref,
	}
	if err := h.link.IssueELS(req); err != nil {
		vp.log.WithError(err).WithFields(log.Fields{"did": n.DID(), "cmd": cmd}).Warn("ELS issue failed")
		h.CompleteELS(req, types.Completion{Status: types.StatusLocalReject, Reason: types.ReasonNoResources})
	}
	return req, true
}

// issueTracked issues a login-step ELS and records it as the node's
// outstanding request.
func (vp *Vport) issueTracked(n *node.Node, cmd types.ELSCommand) {
	n.LastELS = cmd
	if req, ok := vp.issueELS(n, cmd); ok {
		vp.pending[n] = req.ID
	}
}

// issueMailbox hands req to the link layer. When n is non-nil the request
// holds a reference to it.
func (vp *Vport) issueMailbox(req *MailboxRequest, n *node.Node) bool {
	h := vp.hba
	req.ID = h.nextID()
	req.VPI = vp.vpi
	if n != nil {
		ref := n.Get()
		if ref == nil {
			return false
		}
		req.node = ref
	}
	if err := h.link.IssueMailbox(req); err != nil {
		vp.log.WithError(err).WithField("cmd", req.Cmd).Warn("mailbox issue failed")
		h.CompleteMailbox(req, types.Completion{Status: types.StatusFirmware, Reason: types.ReasonNoResources})
	}
	return true
}

// current reports whether id is the outstanding login step of n, and
// forgets it when it is.
func (vp *Vport) current(n *node.Node, id uint64) bool {
	if vp.pending[n] != id {
		return false
	}
	delete(vp.pending, n)
	return true
}

func (vp *Vport) handleELS(req *ELSRequest, c types.Completion) {
	vp.hba.metrics.recordELS(req.Cmd, c.Status)
	n := req.node
	if n == nil {
		return
	}
	entry := vp.log.WithFields(log.Fields{"did": req.DID, "cmd": req.Cmd, "status": c.Status})

	switch req.Cmd {
	case types.ELSFLOGI, types.ELSFDISC, types.ELSPLOGI, types.ELSADISC, types.ELSPRLI:
		if !vp.current(n, req.ID) {
			entry.Debug("stale completion ignored")
			return
		}
	}

	switch req.Cmd {
	case types.ELSFLOGI, types.ELSFDISC:
		vp.cmplFabricLogin(n, req.Cmd, &c)
	case types.ELSPLOGI:
		vp.disc(n, types.EvtCmplPLOGI, &c)
	case types.ELSADISC:
		vp.disc(n, types.EvtCmplADISC, &c)
	case types.ELSPRLI:
		vp.disc(n, types.EvtCmplPRLI, &c)
	case types.CTRFTID:
		vp.cmplRFTID(&c)
	case types.CTGIDFT:
		vp.cmplGIDFT(&c)
	case types.ELSAuth:
		vp.cmplReauth(n, &c)
	default:
		entry.Debug("completion")
	}
}

func (h *HBA) handleMailbox(req *MailboxRequest, c types.Completion) {
	h.metrics.recordMailbox(req.Cmd, c.Status)
	switch req.Cmd {
	case types.MbxReadFCF:
		h.cmplReadFCF(req, &c)
		return
	case types.MbxRegFCF:
		h.cmplRegFCF(req, &c)
		return
	}

	vp := h.vports[req.VPI]
	switch req.Cmd {
	case types.MbxConfigLink:
		vp.cmplConfigLink(&c)
	case types.MbxRegVPI:
		vp.cmplRegVPI(&c)
	case types.MbxRegLogin:
		n := req.node
		if n == nil {
			return
		}
		if !vp.current(n, req.ID) {
			smCmplRegLoginStray(vp, n, &c)
			return
		}
		vp.disc(n, types.EvtCmplRegLogin, &c)
	default:
		if c.Status != types.StatusSuccess {
			vp.log.WithFields(log.Fields{"cmd": req.Cmd, "status": c.Status}).Warn("mailbox command failed")
		}
	}
}

func (h *HBA) handleLinkAttention(e *linkAttnEvent) {
	switch {
	case e.fatal:
		h.metrics.recordLink("adapter_error")
		h.linkDown()
	case !e.ev.Up:
		h.metrics.recordLink("down")
		h.linkDown()
	default:
		h.metrics.recordLink("up")
		if h.linkUp {
			h.linkDown()
		}
		h.linkUpHandler(e.ev)
	}
}

// linkDown demotes every non-fabric node to NPR; fabric nodes are
// revalidated on the next link up.
func (h *HBA) linkDown() {
	h.linkUp = false
	h.fcfScanning = false
	h.fcfPending = nil
	h.selector.Invalidate()
	for _, vp := range h.sortedVports() {
		vp.linkDown()
	}
	h.log.Info("link down")
}

func (vp *Vport) linkDown() {
	h := vp.hba
	h.link.BlockIO(vp.vpi, true)
	vp.cancelDiscoveryTimer()
	vp.setLinkState(types.LinkDown)
	vp.flags &^= vpRSCNMode | vpRSCNDeferred
	vp.rscn, vp.rscnDeferred = nil, nil
	vp.nsRetry, vp.linkRetry = 0, 0

	vp.reg.Each(func(n *node.Node) {
		if n.State() == types.StateUnused || n.IsFabric() {
			return
		}
		h.link.AbortExchanges(vp.vpi, n.DID())
		vp.unregLogin(n)
		vp.disc(n, types.EvtDeviceRecovery, nil)
	})
}

func (h *HBA) linkUpHandler(ev LinkEvent) {
	h.linkUp = true
	h.topology = ev.Topology
	h.loopMap = append([]types.DID(nil), ev.LoopMap...)
	h.loopALPA = ev.LocalALPA
	h.log.WithField("topology", ev.Topology).Info("link up")

	for _, vp := range h.sortedVports() {
		vp.flags &^= vpDiscFailed | vpDegraded | vpFabric
		vp.setLinkState(types.LinkUp)
		vp.revalidateFabricNodes()
		h.link.BlockIO(vp.vpi, false)
	}

	if h.opts.FCoE && !h.fcfRegistered {
		h.startFCFScan()
		return
	}
	h.vports[0].startLinkConfig()
}

// revalidateFabricNodes marks well-known nodes as fabric infrastructure and
// clears their stale logins.
func (vp *Vport) revalidateFabricNodes() {
	vp.reg.Each(func(n *node.Node) {
		if n.State() == types.StateUnused {
			return
		}
		if n.DID().IsWellKnown() {
			n.Set(types.FlagFabric)
		}
		if !n.IsFabric() {
			return
		}
		vp.unregLogin(n)
		vp.disc(n, types.EvtDeviceRecovery, nil)
	})
}

func (h *HBA) handleFCFRescan() {
	h.metrics.recordLink("fcf_rescan")
	if !h.opts.FCoE {
		return
	}
	h.selector.Invalidate()
	if h.linkUp {
		h.startFCFScan()
	}
}

func (h *HBA) startFCFScan() {
	gen := h.selector.Begin()
	h.fcfScanning = true
	h.log.WithField("gen", gen).Debug("fcf scan started")
	h.readFCF(gen, 0)
}

func (h *HBA) readFCF(gen uint64, index int) {
	h.vports[0].issueMailbox(&MailboxRequest{Cmd: types.MbxReadFCF, FCFIndex: index, gen: gen}, nil)
}

func (h *HBA) cmplReadFCF(req *MailboxRequest, c *types.Completion) {
	if !h.linkUp || !h.fcfScanning || req.gen != h.selector.Generation() {
		h.log.WithField("index", req.FCFIndex).Debug("stale READ_FCF completion")
		return
	}
	if c.Status != types.StatusSuccess {
		h.fcfScanning = false
		h.metrics.recordFCF("read_error")
		h.log.WithField("status", c.Status).Warn("reading the FCF table failed")
		return
	}
	resp, ok := c.Resp.(*fcf.ReadResponse)
	if !ok {
		h.fcfScanning = false
		h.metrics.recordFCF("read_error")
		return
	}

	done, err := h.selector.Offer(req.gen, resp.Record)
	if errors.Is(err, fcf.ErrStaleScan) {
		h.startFCFScan()
		return
	}
	if !done && resp.Next >= 0 {
		h.readFCF(req.gen, resp.Next)
		return
	}

	sel, found, err := h.selector.Finish(req.gen)
	if err != nil {
		h.startFCFScan()
		return
	}
	h.fcfScanning = false
	if !found {
		h.metrics.recordFCF("none")
		if cur, ok := h.selector.InUse(); ok && h.fcfRegistered {
			h.log.WithField("index", cur.Record.Index).Warn("registered FCF lost, no eligible replacement")
			h.dropFCF(cur)
			return
		}
		h.log.Warn("no eligible FCF, discovery not started")
		return
	}

	if cur, ok := h.selector.InUse(); ok && h.fcfRegistered {
		if cur.Record.SameForwarder(sel.Record) {
			h.metrics.recordFCF("kept")
			return
		}
		h.log.WithField("index", cur.Record.Index).Info("registered FCF lost, switching")
		h.dropFCF(cur)
	}

	h.metrics.recordFCF("selected")
	h.log.WithFields(log.Fields{
		"index":       sel.Record.Index,
		"fabric_name": sel.Record.FabricName,
		"boot":        sel.Match.Boot,
		"vlan":        sel.Match.VLANID,
	}).Info("FCF selected")
	h.fcfPending = &sel
	h.vports[0].issueMailbox(&MailboxRequest{Cmd: types.MbxRegFCF, FCFIndex: sel.Record.Index, gen: req.gen}, nil)
}

// dropFCF unregisters the forwarder in use and takes every vport through
// link down. The vports wait in link up with I/O blocked until a forwarder
// is registered again.
func (h *HBA) dropFCF(cur fcf.Selection) {
	h.vports[0].issueMailbox(&MailboxRequest{Cmd: types.MbxUnregFCF, FCFIndex: cur.Record.Index}, nil)
	h.fcfRegistered = false
	h.selector.SetInUse(nil)
	for _, vp := range h.sortedVports() {
		vp.linkDown()
		vp.setLinkState(types.LinkUp)
		vp.revalidateFabricNodes()
	}
}

func (h *HBA) cmplRegFCF(req *MailboxRequest, c *types.Completion) {
	sel := h.fcfPending
	if !h.linkUp || sel == nil || sel.Record.Index != req.FCFIndex {
		return
	}
	h.fcfPending = nil
	if c.Status != types.StatusSuccess {
		h.metrics.recordFCF("reg_error")
		h.log.WithField("index", req.FCFIndex).Warn("FCF registration failed")
		return
	}
	h.fcfRegistered = true
	h.selector.SetInUse(sel)
	for _, vp := range h.sortedVports() {
		h.link.BlockIO(vp.vpi, false)
	}
	h.vports[0].startLinkConfig()
}

// startLinkConfig configures the link on the physical port.
func (vp *Vport) startLinkConfig() {
	vp.setLinkState(types.LinkLocalCfg)
	vp.armDiscoveryTimer()
	vp.issueMailbox(&MailboxRequest{Cmd: types.MbxConfigLink}, nil)
}

func (vp *Vport) cmplConfigLink(c *types.Completion) {
	if vp.state != types.LinkLocalCfg {
		return
	}
	if c.Status != types.StatusSuccess {
		vp.fabricFailed("CONFIG_LINK", c)
		return
	}
	if vp.hba.topology == types.TopologyLoop {
		vp.startLoopDiscovery()
		return
	}
	vp.startFabricLogin()
}

func (vp *Vport) fabricLoginCmd() types.ELSCommand {
	if vp.has(vpNPIV) {
		return types.ELSFDISC
	}
	return types.ELSFLOGI
}

// startFDISC logs an NPIV vport into the fabric.
func (vp *Vport) startFDISC() {
	vp.hba.link.BlockIO(vp.vpi, false)
	vp.flags &^= vpDiscFailed | vpDegraded
	vp.startFabricLogin()
}

func (vp *Vport) startFabricLogin() {
	n, err := vp.fabricNode(types.FabricDID)
	if err != nil {
		vp.hba.metrics.recordAllocFailure()
		vp.fabricFailed("fabric node", &types.Completion{Status: types.StatusLocalReject, Reason: types.ReasonNoResources})
		return
	}
	vp.setLinkState(types.LinkFLOGI)
	vp.armDiscoveryTimer()
	if n.State() != types.StateNPR {
		vp.setState(n, types.StateNPR)
	}
	vp.issueTracked(n, vp.fabricLoginCmd())
}

func (vp *Vport) cmplFabricLogin(n *node.Node, cmd types.ELSCommand, c *types.Completion) {
	h := vp.hba
	if vp.state != types.LinkFLOGI {
		return
	}
	if c.Status != types.StatusSuccess {
		vp.loginFailed(n, cmd, c)
		return
	}
	resp, ok := c.Resp.(*types.FLOGIResponse)
	if !ok {
		vp.loginFailed(n, cmd, &types.Completion{Status: types.StatusFirmware})
		return
	}
	n.Retry = 0
	if !resp.FPort {
		if vp.has(vpNPIV) {
			vp.fabricFailed("FDISC without fabric", c)
			return
		}
		vp.log.Info("no fabric behind the link, switching to loop discovery")
		h.topology = types.TopologyLoop
		vp.startLoopDiscovery()
		return
	}

	vp.did = resp.LocalDID & types.DIDMask
	if !n.SetNames(resp.FabricName, resp.FabricName) {
		vp.log.WithField("fabric_name", resp.FabricName).Warn("fabric name changed")
	}
	n.Set(types.FlagLoginValid)
	vp.flags |= vpFabric
	if !vp.has(vpNPIV) {
		h.npiv = resp.NPIV
	}
	vp.setState(n, types.StateUnmapped)
	vp.setLinkState(types.LinkFabricCfg)
	vp.log.WithFields(log.Fields{"did": vp.did, "fabric_name": resp.FabricName}).Info("fabric login complete")
	vp.issueMailbox(&MailboxRequest{Cmd: types.MbxRegVPI, DID: vp.did}, nil)
}

func (vp *Vport) cmplRegVPI(c *types.Completion) {
	h := vp.hba
	if vp.state != types.LinkFabricCfg {
		return
	}
	if c.Status != types.StatusSuccess {
		vp.fabricFailed("REG_VPI", c)
		return
	}
	ns, err := vp.fabricNode(types.NameServerDID)
	if err != nil {
		h.metrics.recordAllocFailure()
		vp.fabricFailed("name server node", &types.Completion{Status: types.StatusLocalReject, Reason: types.ReasonNoResources})
		return
	}
	vp.setLinkState(types.LinkNSReg)
	vp.armDiscoveryTimer()
	if ns.State() != types.StateNPR {
		vp.disc(ns, types.EvtDeviceRecovery, nil)
	}
	vp.issuePLOGI(ns)

	if vp.vpi == 0 && h.npiv {
		for _, other := range h.sortedVports() {
			if other.vpi != 0 && other.state <= types.LinkUp {
				other.startFDISC()
			}
		}
	}
}

// fabricLoginDone continues discovery once a fabric node's login is
// registered.
func (vp *Vport) fabricLoginDone(n *node.Node) {
	if n.DID() != types.NameServerDID || vp.state != types.LinkNSReg {
		return
	}
	vp.issueELS(n, types.CTRFTID)
}

func (vp *Vport) cmplRFTID(c *types.Completion) {
	if vp.state != types.LinkNSReg {
		return
	}
	if c.Status != types.StatusSuccess {
		vp.log.WithField("status", c.Status).Warn("RFT_ID failed, querying the name server anyway")
	}
	vp.nsRetry = 0
	vp.startNSQuery()
}

func (vp *Vport) startNSQuery() {
	vp.setLinkState(types.LinkNSQuery)
	vp.armDiscoveryTimer()
	vp.issueGIDFT()
}

func (vp *Vport) issueGIDFT() {
	ns := vp.reg.FindByDID(types.NameServerDID)
	if ns == nil || !ns.Has(types.FlagLoginValid) {
		vp.fabricFailed("GID_FT", &types.Completion{Status: types.StatusLocalReject})
		return
	}
	vp.issueELS(ns, types.CTGIDFT)
}

func (vp *Vport) cmplGIDFT(c *types.Completion) {
	h := vp.hba
	if vp.state != types.LinkNSQuery {
		return
	}
	if c.Status != types.StatusSuccess {
		if vp.nsRetry < h.opts.NSQueryRetries {
			vp.nsRetry++
			vp.log.WithFields(log.Fields{"status": c.Status, "retry": vp.nsRetry}).Info("name server query failed, retrying")
			vp.issueGIDFT()
			return
		}
		vp.log.Warn("name server query failed, finishing discovery degraded")
		vp.flags |= vpDegraded
		vp.finishDiscovery("degraded")
		return
	}
	resp, _ := c.Resp.(*types.GIDFTResponse)
	vp.nsRetry = 0
	vp.setLinkState(types.LinkDiscAuth)
	vp.armDiscoveryTimer()
	if resp != nil {
		for _, did := range resp.DIDs {
			vp.setupDiscNode(did)
		}
	}
}

func (vp *Vport) startLoopDiscovery() {
	h := vp.hba
	if vp.has(vpNPIV) {
		vp.fabricFailed("NPIV on loop", &types.Completion{Status: types.StatusLocalReject, Reason: types.ReasonUnsupported})
		return
	}
	vp.did = h.loopALPA
	vp.setLinkState(types.LinkDiscAuth)
	vp.armDiscoveryTimer()
	for _, alpa := range h.loopMap {
		vp.setupDiscNode(alpa)
	}
}

// setupDiscNode marks did for discovery unless its node is already logged
// in, logging in or waiting for a retry.
func (vp *Vport) setupDiscNode(did types.DID) {
	h := vp.hba
	did &= types.DIDMask
	if did == vp.did || did.IsWellKnown() {
		return
	}
	n := vp.reg.FindByDID(did)
	if n == nil {
		var err error
		n, err = vp.reg.CreateOrGet(did)
		if err != nil {
			h.metrics.recordAllocFailure()
			vp.log.WithError(err).WithField("did", did).Warn("node allocation failed, skipping")
			return
		}
		if n == nil {
			return
		}
		if vp.has(vpRSCNMode) {
			n.Set(types.FlagRSCN)
		}
	}
	switch s := n.State(); {
	case s == types.StatePLOGIIssue || s == types.StateADISCIssue || n.Has(types.FlagRcvPLOGI):
		return
	case s.Transitional() || s.Steady():
		return
	case n.Has(types.FlagDelayTmo):
		return
	}
	n.Set(types.FlagNPR2BDisc)
	if h.opts.UseADISC && n.Has(types.FlagLoginValid) {
		n.Set(types.FlagNPRADisc)
	}
}

// discNext issues logins for marked NPR nodes up to the concurrency limit,
// then checks whether discovery is complete.
func (vp *Vport) discNext() {
	if vp.state != types.LinkDiscAuth || vp.unloaded.Load() {
		return
	}
	limit := vp.hba.opts.DiscoveryThreads
	for _, n := range vp.reg.Nodes() {
		if vp.reg.InFlight() >= limit {
			break
		}
		if n.State() != types.StateNPR || !n.Has(types.FlagNPR2BDisc) ||
			n.Has(types.FlagDelayTmo) || n.IsFabric() {
			continue
		}
		n.Clear(types.FlagNPR2BDisc)
		n.Retry = 0
		adisc := n.Has(types.FlagNPRADisc) && n.Has(types.FlagLoginValid)
		n.Clear(types.FlagNPRADisc)
		if adisc {
			vp.issueADISC(n)
		} else {
			vp.issuePLOGI(n)
		}
	}
	vp.checkDiscoveryDone()
}

func (vp *Vport) checkDiscoveryDone() {
	if vp.state != types.LinkDiscAuth || vp.reg.InFlight() > 0 {
		return
	}
	for _, n := range vp.reg.Nodes() {
		if n.State() == types.StateUnused || n.IsFabric() {
			continue
		}
		if n.Has(types.FlagNPR2BDisc) || n.Has(types.FlagDelayTmo) {
			return
		}
	}
	result := "complete"
	if vp.has(vpDegraded) {
		result = "degraded"
	}
	vp.finishDiscovery(result)
}

// finishDiscovery makes the vport ready, or starts on the RSCNs deferred
// while discovery ran.
func (vp *Vport) finishDiscovery(result string) {
	vp.cancelDiscoveryTimer()
	vp.flags &^= vpRSCNMode
	vp.rscn = nil
	vp.setLinkState(types.LinkVportReady)

	if vp.has(vpRSCNDeferred) {
		payload := vp.rscnDeferred
		vp.rscnDeferred = nil
		vp.flags &^= vpRSCNDeferred
		vp.log.WithField("entries", len(payload)).Debug("processing deferred RSCN")
		vp.processRSCN(payload)
		return
	}

	vp.hba.metrics.recordDiscovery(result)
	c := vp.reg.Counts()
	vp.log.WithFields(log.Fields{
		"result":   result,
		"mapped":   c[types.StateMapped],
		"unmapped": c[types.StateUnmapped],
		"npr":      c[types.StateNPR],
	}).Info("discovery finished")
}

func (vp *Vport) receiveRSCN(p types.RSCNPayload) {
	vp.hba.metrics.recordLink("rscn")
	switch {
	case !vp.has(vpFabric) || vp.state < types.LinkNSQuery || vp.has(vpDiscFailed):
		vp.log.Debug("RSCN without name server registration ignored")
	case vp.discoveryRunning():
		vp.rscnDeferred = append(vp.rscnDeferred, p...)
		vp.flags |= vpRSCNDeferred
		vp.log.WithField("entries", len(p)).Debug("RSCN deferred")
	default:
		vp.processRSCN(p)
	}
}

// processRSCN recovers the affected nodes and requeries the name server.
func (vp *Vport) processRSCN(p types.RSCNPayload) {
	vp.rscn = p
	vp.flags |= vpRSCNMode
	vp.reg.Each(func(n *node.Node) {
		if n.State() == types.StateUnused || n.IsFabric() || !p.Contains(n.DID()) {
			return
		}
		if s := n.State(); s == types.StatePLOGIIssue || s == types.StateADISCIssue || n.Has(types.FlagRcvPLOGI) {
			return
		}
		n.Set(types.FlagRSCN)
		vp.disc(n, types.EvtDeviceRecovery, nil)
	})
	vp.nsRetry = 0
	vp.startNSQuery()
}

func (vp *Vport) handleUnsolicited(e *unsolEvent) {
	switch e.kind {
	case unsolPLOGI:
		if vp.state == types.LinkDown {
			return
		}
		n, err := vp.reg.Attach(e.did)
		if err != nil {
			vp.hba.metrics.recordAllocFailure()
			vp.log.WithError(err).WithField("did", e.did).Warn("no node for unsolicited PLOGI")
			return
		}
		vp.disc(n, types.EvtRcvPLOGI, plogiParams{wwpn: e.wwpn, wwnn: e.wwnn})
	case unsolLOGO:
		if n := vp.reg.FindByDID(e.did); n != nil {
			vp.disc(n, types.EvtRcvLOGO, nil)
		}
	case unsolRSCN:
		vp.receiveRSCN(e.rscn)
	}
}

// fabricFailed stops discovery on the vport after a fabric-level failure.
func (vp *Vport) fabricFailed(what string, c *types.Completion) {
	vp.flags |= vpDiscFailed
	vp.cancelDiscoveryTimer()
	vp.hba.metrics.recordDiscovery("failed")
	vp.log.WithFields(log.Fields{
		"step":   what,
		"status": c.Status,
		"reason": c.Reason,
		"state":  vp.state,
	}).Error("fabric login failed, discovery stopped")
}
