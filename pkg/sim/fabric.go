// Package sim is a software fabric for the discovery core: a link layer
// that answers ELS, CT and mailbox requests the way a switch, its name
// server and the attached ports would, plus a scenario runner that drives
// an adapter through scripted fabric events on a mock clock.
package sim

import (
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/fcdisc/pkg/disc"
	"github.com/Nativu5/fcdisc/pkg/fcf"
	"github.com/Nativu5/fcdisc/pkg/types"
)

// Port is a remote N_Port attached to the simulated fabric.
type Port struct {
	DID   types.DID  `json:"did" validate:"required"`
	WWPN  types.WWN  `json:"wwpn" validate:"required"`
	WWNN  types.WWN  `json:"wwnn,omitempty"`
	Roles types.Role `json:"roles"`

	// PLOGIFailures PLOGIs time out before one is accepted.
	PLOGIFailures int `json:"plogi_failures,omitempty" validate:"gte=0"`
	// Silent ports never answer PLOGI; the exchange stays open until aborted.
	Silent     bool `json:"silent,omitempty"`
	RejectAuth bool `json:"reject_auth,omitempty"`
}

func (p Port) nodeName() types.WWN {
	if p.WWNN != 0 {
		return p.WWNN
	}
	return p.WWPN | 0x1000000000000000
}

// FabricConfig describes the switch side.
type FabricConfig struct {
	Name types.WWN
	// Domain is the domain byte of the addresses handed out at fabric login.
	Domain uint8
	// NoFabric answers FLOGI without an F_Port, as a point-to-point peer would.
	NoFabric    bool
	NPIV        bool
	RejectLogin bool
}

// Fabric implements disc.LinkLayer.
type Fabric struct {
	mu  sync.Mutex
	cfg FabricConfig
	h   *disc.HBA

	ports   map[types.DID]*Port
	fcfs    []fcf.Record
	held    []*disc.ELSRequest
	handle  types.LoginHandle
	blocked map[uint16]bool
	counts  map[string]int
	failNS  bool

	log *log.Entry
}

var _ disc.LinkLayer = (*Fabric)(nil)

// NewFabric returns an empty fabric.
func NewFabric(cfg FabricConfig, logger *log.Entry) *Fabric {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	if cfg.Domain == 0 {
		cfg.Domain = 0x0a
	}
	return &Fabric{
		cfg:     cfg,
		ports:   make(map[types.DID]*Port),
		blocked: make(map[uint16]bool),
		counts:  make(map[string]int),
		log:     logger.WithField("component", "sim"),
	}
}

// Attach connects the fabric to the adapter it answers.
func (f *Fabric) Attach(h *disc.HBA) {
	f.mu.Lock()
	f.h = h
	f.mu.Unlock()
}

// AddPort attaches p, replacing any port at the same address.
func (f *Fabric) AddPort(p Port) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := p
	f.ports[p.DID] = &cp
}

// RemovePort detaches the port at did. Its open exchanges stay open.
func (f *Fabric) RemovePort(did types.DID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.ports[did]
	delete(f.ports, did)
	return ok
}

func (f *Fabric) port(did types.DID) (Port, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.ports[did]
	if !ok {
		return Port{}, false
	}
	return *p, true
}

// SetFCFs replaces the forwarder table.
func (f *Fabric) SetFCFs(records []fcf.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fcfs = append([]fcf.Record(nil), records...)
}

// SetFCFAvailable changes the availability of the record with index.
func (f *Fabric) SetFCFAvailable(index int, available bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.fcfs {
		if f.fcfs[i].Index == index {
			f.fcfs[i].Available = available
			return true
		}
	}
	return false
}

// SetNameServerFailure makes GID_FT queries time out.
func (f *Fabric) SetNameServerFailure(fail bool) {
	f.mu.Lock()
	f.failNS = fail
	f.mu.Unlock()
}

// Count returns how many requests of the named command were issued.
// Names are the ELS, CT and mailbox command names, e.g. "PLOGI" or "REG_LOGIN".
func (f *Fabric) Count(cmd string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[cmd]
}

// Counts returns a copy of every request counter.
func (f *Fabric) Counts() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.counts))
	for k, v := range f.counts {
		out[k] = v
	}
	return out
}

// Blocked reports whether I/O is blocked on vpi.
func (f *Fabric) Blocked(vpi uint16) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocked[vpi]
}

// Held returns the number of exchanges left open.
func (f *Fabric) Held() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.held)
}

// IssueELS answers req, or keeps it open for silent ports.
func (f *Fabric) IssueELS(req *disc.ELSRequest) error {
	f.mu.Lock()
	f.counts[req.Cmd.String()]++
	c, answered := f.answerELS(req)
	if !answered {
		f.held = append(f.held, req)
	}
	h := f.h
	f.mu.Unlock()

	f.log.WithFields(log.Fields{
		"vpi":      req.VPI,
		"cmd":      req.Cmd,
		"did":      req.DID,
		"answered": answered,
		"status":   c.Status,
	}).Trace("els")
	if answered && h != nil {
		h.CompleteELS(req, c)
	}
	return nil
}

// answerELS is called with f.mu held.
func (f *Fabric) answerELS(req *disc.ELSRequest) (types.Completion, bool) {
	ok := types.Completion{Status: types.StatusSuccess}
	rjt := types.Completion{Status: types.StatusLSRJT, Reason: types.ReasonUnsupported}

	switch req.Cmd {
	case types.ELSFLOGI, types.ELSFDISC:
		if f.cfg.RejectLogin || (req.Cmd == types.ELSFDISC && !f.cfg.NPIV) {
			return rjt, true
		}
		ok.Resp = &types.FLOGIResponse{
			LocalDID:   types.DID(f.cfg.Domain)<<16 | types.DID(req.VPI+1),
			FabricName: f.cfg.Name,
			FPort:      !f.cfg.NoFabric,
			NPIV:       f.cfg.NPIV,
		}
		return ok, true
	case types.CTRFTID:
		return ok, true
	case types.CTGIDFT:
		if f.failNS {
			return types.Completion{Status: types.StatusTimeout}, true
		}
		dids := make([]types.DID, 0, len(f.ports))
		for did := range f.ports {
			if did != req.LocalDID {
				dids = append(dids, did)
			}
		}
		sort.Slice(dids, func(i, j int) bool { return dids[i] < dids[j] })
		ok.Resp = &types.GIDFTResponse{DIDs: dids}
		return ok, true
	}

	if req.DID.IsWellKnown() {
		switch req.Cmd {
		case types.ELSPLOGI:
			ok.Resp = &types.PLOGIResponse{WWPN: f.cfg.Name | 0x20fffc0000000000, WWNN: f.cfg.Name}
		case types.ELSLOGO:
		default:
			return rjt, true
		}
		return ok, true
	}

	p, present := f.ports[req.DID]
	if !present {
		return rjt, true
	}
	switch req.Cmd {
	case types.ELSPLOGI:
		if p.Silent {
			return types.Completion{}, false
		}
		if p.PLOGIFailures > 0 {
			p.PLOGIFailures--
			return types.Completion{Status: types.StatusTimeout}, true
		}
		ok.Resp = &types.PLOGIResponse{WWPN: p.WWPN, WWNN: p.nodeName()}
	case types.ELSADISC:
		ok.Resp = &types.ADISCResponse{WWPN: p.WWPN, WWNN: p.nodeName(), DID: p.DID}
	case types.ELSPRLI:
		ok.Resp = &types.PRLIResponse{Roles: p.Roles}
	case types.ELSAuth:
		if p.RejectAuth {
			return rjt, true
		}
	}
	return ok, true
}

// IssueMailbox answers req immediately.
func (f *Fabric) IssueMailbox(req *disc.MailboxRequest) error {
	f.mu.Lock()
	f.counts[req.Cmd.String()]++
	c := f.answerMailbox(req)
	h := f.h
	f.mu.Unlock()

	f.log.WithFields(log.Fields{"vpi": req.VPI, "cmd": req.Cmd, "status": c.Status}).Trace("mailbox")
	if h != nil {
		h.CompleteMailbox(req, c)
	}
	return nil
}

func (f *Fabric) answerMailbox(req *disc.MailboxRequest) types.Completion {
	ok := types.Completion{Status: types.StatusSuccess}
	switch req.Cmd {
	case types.MbxRegLogin:
		f.handle++
		ok.Resp = &types.RegLoginResponse{Handle: f.handle}
	case types.MbxReadFCF:
		if req.FCFIndex < 0 || req.FCFIndex >= len(f.fcfs) {
			return types.Completion{Status: types.StatusFirmware}
		}
		next := req.FCFIndex + 1
		if next >= len(f.fcfs) {
			next = -1
		}
		ok.Resp = &fcf.ReadResponse{Record: f.fcfs[req.FCFIndex], Next: next}
	}
	return ok
}

// AbortExchanges fails the open exchanges to did with StatusAborted.
func (f *Fabric) AbortExchanges(vpi uint16, did types.DID) int {
	f.mu.Lock()
	var kept, hit []*disc.ELSRequest
	for _, req := range f.held {
		if req.VPI == vpi && req.DID == did {
			hit = append(hit, req)
			continue
		}
		kept = append(kept, req)
	}
	f.held = kept
	h := f.h
	f.mu.Unlock()

	if h != nil {
		for _, req := range hit {
			h.CompleteELS(req, types.Completion{Status: types.StatusAborted})
		}
	}
	return len(hit)
}

// BlockIO records the I/O gate of vpi.
func (f *Fabric) BlockIO(vpi uint16, blocked bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked[vpi] = blocked
}
