package disc

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/Nativu5/fcdisc/pkg/fcf"
	"github.com/Nativu5/fcdisc/pkg/node"
	"github.com/Nativu5/fcdisc/pkg/timer"
	"github.com/Nativu5/fcdisc/pkg/types"
)

const (
	testWWPN       types.WWN = 0x10000000c9000001
	testWWNN       types.WWN = 0x20000000c9000001
	testFabricName types.WWN = 0x100000051e000001
)

type fakePort struct {
	wwpn  types.WWN
	wwnn  types.WWN
	roles types.Role

	// plogiFailures PLOGIs time out before one succeeds.
	plogiFailures int
	holdPLOGI     bool
	failAuth      bool
}

// fakeFabric answers requests the way a switch and its attached ports would.
type fakeFabric struct {
	ports       map[types.DID]*fakePort
	fabricName  types.WWN
	fport       bool
	npiv        bool
	rejectFLOGI bool
	failGIDFT   bool
	hold        map[types.ELSCommand]bool
	fcfs        []fcf.Record
	regFCF      []int
	handle      types.LoginHandle
}

func newFakeFabric() *fakeFabric {
	return &fakeFabric{
		ports:      make(map[types.DID]*fakePort),
		fabricName: testFabricName,
		fport:      true,
		npiv:       true,
		hold:       make(map[types.ELSCommand]bool),
	}
}

func (f *fakeFabric) answerELS(req *ELSRequest) (types.Completion, bool) {
	if f.hold[req.Cmd] {
		return types.Completion{}, false
	}
	ok := types.Completion{Status: types.StatusSuccess}
	rjt := types.Completion{Status: types.StatusLSRJT, Reason: types.ReasonUnsupported}

	switch req.Cmd {
	case types.ELSFLOGI, types.ELSFDISC:
		if f.rejectFLOGI {
			return rjt, true
		}
		ok.Resp = &types.FLOGIResponse{
			LocalDID:   0x0a0000 | types.DID(req.VPI+1),
			FabricName: f.fabricName,
			FPort:      f.fport,
			NPIV:       f.npiv,
		}
		return ok, true
	case types.CTRFTID, types.ELSLOGO:
		return ok, true
	case types.CTGIDFT:
		if f.failGIDFT {
			return types.Completion{Status: types.StatusTimeout}, true
		}
		dids := make([]types.DID, 0, len(f.ports))
		for did := range f.ports {
			dids = append(dids, did)
		}
		sort.Slice(dids, func(i, j int) bool { return dids[i] < dids[j] })
		ok.Resp = &types.GIDFTResponse{DIDs: dids}
		return ok, true
	}

	if req.DID == types.NameServerDID && req.Cmd == types.ELSPLOGI {
		ok.Resp = &types.PLOGIResponse{WWPN: 0x20fffc0000000001, WWNN: 0x20fffc0000000001}
		return ok, true
	}
	p, present := f.ports[req.DID]
	if !present {
		return rjt, true
	}
	switch req.Cmd {
	case types.ELSPLOGI:
		if p.holdPLOGI {
			return types.Completion{}, false
		}
		if p.plogiFailures > 0 {
			p.plogiFailures--
			return types.Completion{Status: types.StatusTimeout}, true
		}
		ok.Resp = &types.PLOGIResponse{WWPN: p.wwpn, WWNN: p.wwnn}
	case types.ELSADISC:
		ok.Resp = &types.ADISCResponse{WWPN: p.wwpn, WWNN: p.wwnn, DID: req.DID}
	case types.ELSPRLI:
		ok.Resp = &types.PRLIResponse{Roles: p.roles}
	case types.ELSAuth:
		if p.failAuth {
			return rjt, true
		}
	}
	return ok, true
}

func (f *fakeFabric) answerMailbox(req *MailboxRequest) types.Completion {
	ok := types.Completion{Status: types.StatusSuccess}
	switch req.Cmd {
	case types.MbxRegLogin:
		f.handle++
		ok.Resp = &types.RegLoginResponse{Handle: f.handle}
	case types.MbxReadFCF:
		if req.FCFIndex >= len(f.fcfs) {
			return types.Completion{Status: types.StatusFirmware}
		}
		next := req.FCFIndex + 1
		if next >= len(f.fcfs) {
			next = -1
		}
		ok.Resp = &fcf.ReadResponse{Record: f.fcfs[req.FCFIndex], Next: next}
	case types.MbxRegFCF:
		f.regFCF = append(f.regFCF, req.FCFIndex)
	}
	return ok
}

// fakeLink records every request and answers it from the fabric. Requests
// the fabric holds stay outstanding until aborted.
type fakeLink struct {
	mu      sync.Mutex
	h       *HBA
	fab     *fakeFabric
	els     []*ELSRequest
	mbx     []*MailboxRequest
	held    []*ELSRequest
	aborted map[types.DID]int
	blocked map[uint16]bool
}

func (l *fakeLink) IssueELS(req *ELSRequest) error {
	l.mu.Lock()
	l.els = append(l.els, req)
	c, answered := l.fab.answerELS(req)
	if !answered {
		l.held = append(l.held, req)
	}
	l.mu.Unlock()
	if answered {
		l.h.CompleteELS(req, c)
	}
	return nil
}

func (l *fakeLink) IssueMailbox(req *MailboxRequest) error {
	l.mu.Lock()
	l.mbx = append(l.mbx, req)
	c := l.fab.answerMailbox(req)
	l.mu.Unlock()
	l.h.CompleteMailbox(req, c)
	return nil
}

func (l *fakeLink) AbortExchanges(vpi uint16, did types.DID) int {
	l.mu.Lock()
	l.aborted[did]++
	var kept, hit []*ELSRequest
	for _, req := range l.held {
		if req.VPI == vpi && req.DID == did {
			hit = append(hit, req)
			continue
		}
		kept = append(kept, req)
	}
	l.held = kept
	l.mu.Unlock()
	for _, req := range hit {
		l.h.CompleteELS(req, types.Completion{Status: types.StatusAborted})
	}
	return len(hit)
}

func (l *fakeLink) BlockIO(vpi uint16, blocked bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocked[vpi] = blocked
}

// sent counts issued ELS requests of cmd to did.
func (l *fakeLink) sent(cmd types.ELSCommand, did types.DID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, req := range l.els {
		if req.Cmd == cmd && req.DID == did {
			n++
		}
	}
	return n
}

func (l *fakeLink) mailboxes(cmd types.MailboxCommand) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, req := range l.mbx {
		if req.Cmd == cmd {
			n++
		}
	}
	return n
}

// release completes every held request of cmd.
func (l *fakeLink) release(cmd types.ELSCommand, c types.Completion) int {
	l.mu.Lock()
	var kept, hit []*ELSRequest
	for _, req := range l.held {
		if req.Cmd == cmd {
			hit = append(hit, req)
			continue
		}
		kept = append(kept, req)
	}
	l.held = kept
	l.mu.Unlock()
	for _, req := range hit {
		l.h.CompleteELS(req, c)
	}
	return len(hit)
}

type fakeBinder struct {
	mu      sync.Mutex
	active  map[uuid.UUID]types.RemotePort
	binds   int
	unbinds int
}

func (b *fakeBinder) Bind(p types.RemotePort) (types.Binding, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.New()
	b.active[id] = p
	b.binds++
	return types.Binding{ID: id, Port: p}, nil
}

func (b *fakeBinder) Unbind(bd types.Binding) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.active[bd.ID]; ok {
		delete(b.active, bd.ID)
		b.unbinds++
	}
}

// bound returns the number of active bindings for did.
func (b *fakeBinder) bound(did types.DID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, p := range b.active {
		if p.DID == did {
			n++
		}
	}
	return n
}

type harness struct {
	t    *testing.T
	clk  *clock.Mock
	fab  *fakeFabric
	link *fakeLink
	bind *fakeBinder
	h    *HBA

	vendorMu sync.Mutex
	vendor   []any
}

func quietLogger() *log.Entry {
	l := log.New()
	l.SetLevel(log.PanicLevel)
	return log.NewEntry(l)
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	x := &harness{
		t:   t,
		clk: clock.NewMock(),
		fab: newFakeFabric(),
		bind: &fakeBinder{
			active: make(map[uuid.UUID]types.RemotePort),
		},
	}
	x.link = &fakeLink{
		fab:     x.fab,
		aborted: make(map[types.DID]int),
		blocked: make(map[uint16]bool),
	}
	h, err := New(testWWPN, testWWNN, opts, Deps{
		Link:    x.link,
		Binder:  x.bind,
		Timers:  timer.New(x.clk),
		Logger:  quietLogger(),
		Metrics: NewMetrics(nil),
		Vendor: func(vpi uint16, payload any) {
			x.vendorMu.Lock()
			x.vendor = append(x.vendor, payload)
			x.vendorMu.Unlock()
		},
	})
	require.NoError(t, err)
	x.link.h = h
	x.h = h
	t.Cleanup(h.Shutdown)
	return x
}

func (x *harness) addPort(did types.DID, wwpn types.WWN, roles types.Role) *fakePort {
	p := &fakePort{wwpn: wwpn, wwnn: wwpn | 0x1000000000000000, roles: roles}
	x.link.mu.Lock()
	x.fab.ports[did] = p
	x.link.mu.Unlock()
	return p
}

func (x *harness) process() {
	x.t.Helper()
	_, err := x.h.Process()
	require.NoError(x.t, err)
}

// eventually processes queued work until cond holds. Timer callbacks of the
// mock clock run on their own goroutines, so fires arrive asynchronously.
func (x *harness) eventually(cond func() bool) {
	x.t.Helper()
	require.Eventually(x.t, func() bool {
		if _, err := x.h.Process(); err != nil {
			return false
		}
		return cond()
	}, 2*time.Second, 2*time.Millisecond)
}

func (x *harness) linkUp() {
	x.h.LinkAttention(LinkEvent{Up: true, Topology: types.TopologyFabric})
	x.process()
}

func (x *harness) vport(vpi uint16) *Vport {
	vp, err := x.h.Vport(vpi)
	require.NoError(x.t, err)
	return vp
}

// nodeState returns the state of did on the physical port, or StateUnused
// when no active node exists.
func (x *harness) nodeState(did types.DID) types.NodeState {
	n := x.vport(0).Registry().FindByDID(did)
	if n == nil {
		return types.StateUnused
	}
	return n.State()
}

func (x *harness) node(did types.DID) *node.Node {
	x.t.Helper()
	n := x.vport(0).Registry().FindByDID(did)
	require.NotNil(x.t, n, "no node for %s", did)
	return n
}
