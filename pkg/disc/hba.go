// Package disc is the fabric discovery core: the per-adapter context, the
// node state machine, link event handling and the device-loss supervisor.
//
// Every state change happens on the worker that consumes the HBA's work
// queue. Producers (link layer completions, timer callbacks, unsolicited
// frames) only enqueue events.
package disc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/fcdisc/pkg/fcf"
	"github.com/Nativu5/fcdisc/pkg/node"
	"github.com/Nativu5/fcdisc/pkg/types"
	"github.com/Nativu5/fcdisc/pkg/workq"
)

var (
	// ErrUnknownVport is returned for a VPI that is not attached.
	ErrUnknownVport = errors.New("unknown vport")
	// ErrFastEventLimit is returned when too many vendor events are outstanding.
	ErrFastEventLimit = errors.New("fast event limit reached")
	// ErrVportLimit is returned when no VPI is left for a new vport.
	ErrVportLimit = errors.New("vport limit reached")
	// ErrShutdown is returned after Shutdown.
	ErrShutdown = errors.New("adapter shut down")
)

// Options tune discovery. Zero fields take the defaults.
type Options struct {
	DevLossTimeout   time.Duration
	RetryDelay       time.Duration
	ELSRetries       int
	NSQueryRetries   int
	DiscoveryTimeout time.Duration
	DiscoveryThreads int
	// ReauthInterval re-authenticates mapped nodes; zero disables it.
	ReauthInterval time.Duration
	UseADISC       bool
	FastEventCap   int
	MaxNodes       int
	MaxVports      int

	FCoE  bool
	Conns fcf.ConnList
}

// Defaults.
const (
	DefaultDevLossTimeout   = 30 * time.Second
	DefaultRetryDelay       = time.Second
	DefaultELSRetries       = 3
	DefaultNSQueryRetries   = 3
	DefaultDiscoveryTimeout = 20 * time.Second
	DefaultDiscoveryThreads = 32
	DefaultFastEventCap     = 64
	DefaultMaxVports        = 64
)

func (o Options) withDefaults() Options {
	if o.DevLossTimeout <= 0 {
		o.DevLossTimeout = DefaultDevLossTimeout
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.ELSRetries < 0 {
		o.ELSRetries = 0
	} else if o.ELSRetries == 0 {
		o.ELSRetries = DefaultELSRetries
	}
	if o.NSQueryRetries <= 0 {
		o.NSQueryRetries = DefaultNSQueryRetries
	}
	if o.DiscoveryTimeout <= 0 {
		o.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if o.DiscoveryThreads <= 0 {
		o.DiscoveryThreads = DefaultDiscoveryThreads
	}
	if o.FastEventCap <= 0 {
		o.FastEventCap = DefaultFastEventCap
	}
	if o.MaxNodes <= 0 {
		o.MaxNodes = node.DefaultMaxNodes
	}
	if o.MaxVports <= 0 {
		o.MaxVports = DefaultMaxVports
	}
	return o
}

// Deps are the collaborators of an HBA. Link and Timers are required.
type Deps struct {
	Link    LinkLayer
	Binder  Binder
	Timers  TimerService
	Logger  *log.Entry
	Metrics *Metrics
	Vendor  VendorSink
}

// HBA is the context of one physical adapter.
type HBA struct {
	// mu is held by the worker for each dispatched event and by readers
	// that need a consistent view.
	mu sync.Mutex

	opts    Options
	link    LinkLayer
	binder  Binder
	timers  TimerService
	log     *log.Entry
	metrics *Metrics
	vendor  VendorSink

	q *workq.Queue

	linkUp   bool
	topology types.Topology
	loopMap  []types.DID
	loopALPA types.DID
	npiv     bool

	selector      *fcf.Selector
	fcfScanning   bool
	fcfRegistered bool
	fcfPending    *fcf.Selection

	vports  map[uint16]*Vport
	nextVPI uint16

	reqID      atomic.Uint64
	fastEvents atomic.Int32
	shutdown   atomic.Bool
}

// New creates an adapter context with its physical vport (VPI 0).
func New(wwpn, wwnn types.WWN, opts Options, deps Deps) (*HBA, error) {
	if deps.Link == nil {
		return nil, errors.New("link layer is required")
	}
	if deps.Timers == nil {
		return nil, errors.New("timer service is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	opts = opts.withDefaults()

	h := &HBA{
		opts:    opts,
		link:    deps.Link,
		binder:  deps.Binder,
		timers:  deps.Timers,
		log:     logger.WithField("wwpn", wwpn),
		metrics: deps.Metrics,
		vendor:  deps.Vendor,
		vports:  make(map[uint16]*Vport),
	}
	h.q = workq.New(h.log, deps.Metrics)
	h.selector = fcf.NewSelector(opts.Conns, h.log)
	h.addVport(wwpn, wwnn)
	return h, nil
}

// Options returns the effective options.
func (h *HBA) Options() Options { return h.opts }

// Queue exposes the work queue, for diagnostics.
func (h *HBA) Queue() *workq.Queue { return h.q }

// Physical returns the physical port's vport.
func (h *HBA) Physical() *Vport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.vports[0]
}

// Vport returns the vport with the given VPI.
func (h *HBA) Vport(vpi uint16) (*Vport, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	vp, ok := h.vports[vpi]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVport, vpi)
	}
	return vp, nil
}

func (h *HBA) addVport(wwpn, wwnn types.WWN) *Vport {
	vpi := h.nextVPI
	h.nextVPI++
	vp := newVport(h, vpi, wwpn, wwnn)
	h.vports[vpi] = vp
	return vp
}

// sortedVports returns the vports in VPI order, physical first.
func (h *HBA) sortedVports() []*Vport {
	out := make([]*Vport, 0, len(h.vports))
	for _, vp := range h.vports {
		out = append(out, vp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].vpi < out[j].vpi })
	return out
}

// Run consumes work until ctx is canceled or the adapter is shut down.
func (h *HBA) Run(ctx context.Context) error {
	return h.q.Run(ctx, h.dispatch)
}

// Process handles every queued event on the calling goroutine, including
// follow-up work, and returns how many were handled.
func (h *HBA) Process() (int, error) {
	return h.q.ProcessPending(h.dispatch)
}

func (h *HBA) enqueue(ev workq.Event) bool {
	return h.q.Enqueue(ev)
}

// LinkAttention reports a link transition.
func (h *HBA) LinkAttention(ev LinkEvent) {
	h.enqueue(&linkAttnEvent{ev: ev})
}

// AdapterError reports that the adapter is wedged. It is handled as a
// link down; recovering the adapter is up to the caller.
func (h *HBA) AdapterError(err error) {
	h.log.WithError(err).Error("adapter error, forcing link down")
	h.enqueue(&linkAttnEvent{fatal: true})
}

// FCFTableChanged reports that the adapter's forwarder table changed.
// The table is rescanned; the registered forwarder is kept when it is
// still eligible.
func (h *HBA) FCFTableChanged() {
	h.enqueue(&fcfRescanEvent{})
}

// CompleteELS delivers the completion of req.
func (h *HBA) CompleteELS(req *ELSRequest, cmpl types.Completion) {
	h.enqueue(&elsCmplEvent{req: req, cmpl: cmpl})
}

// CompleteMailbox delivers the completion of req.
func (h *HBA) CompleteMailbox(req *MailboxRequest, cmpl types.Completion) {
	h.enqueue(&mbxCmplEvent{req: req, cmpl: cmpl})
}

// ReceivePLOGI delivers an unsolicited PLOGI from did.
func (h *HBA) ReceivePLOGI(vpi uint16, did types.DID, wwpn, wwnn types.WWN) {
	h.enqueue(&unsolEvent{vpi: vpi, kind: unsolPLOGI, did: did, wwpn: wwpn, wwnn: wwnn})
}

// ReceiveLOGO delivers an unsolicited LOGO from did.
func (h *HBA) ReceiveLOGO(vpi uint16, did types.DID) {
	h.enqueue(&unsolEvent{vpi: vpi, kind: unsolLOGO, did: did})
}

// ReceiveRSCN delivers an RSCN.
func (h *HBA) ReceiveRSCN(vpi uint16, payload types.RSCNPayload) {
	cp := append(types.RSCNPayload(nil), payload...)
	h.enqueue(&unsolEvent{vpi: vpi, kind: unsolRSCN, rscn: cp})
}

// PostVendorEvent queues a fast-path vendor event for the vendor sink.
func (h *HBA) PostVendorEvent(vpi uint16, payload any) error {
	if h.fastEvents.Add(1) > int32(h.opts.FastEventCap) {
		h.fastEvents.Add(-1)
		return ErrFastEventLimit
	}
	if !h.enqueue(&vendorEvent{vpi: vpi, payload: payload, hba: h}) {
		return ErrShutdown
	}
	return nil
}

// FastEvents returns the number of vendor events outstanding.
func (h *HBA) FastEvents() int { return int(h.fastEvents.Load()) }

// CreateVport adds an NPIV vport and starts its fabric login when the
// physical port is already logged in.
func (h *HBA) CreateVport(wwpn, wwnn types.WWN) (*Vport, error) {
	if h.shutdown.Load() {
		return nil, ErrShutdown
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.vports) >= h.opts.MaxVports {
		return nil, ErrVportLimit
	}
	vp := h.addVport(wwpn, wwnn)
	vp.log.Info("vport created")
	if h.linkUp && h.npiv && h.vports[0].loggedIn() {
		vp.startFDISC()
	}
	return vp, nil
}

// DeleteVport tears an NPIV vport down synchronously.
func (h *HBA) DeleteVport(vpi uint16) error {
	if vpi == 0 {
		return errors.New("the physical port cannot be deleted")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	vp, ok := h.vports[vpi]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownVport, vpi)
	}
	vp.teardown()
	delete(h.vports, vpi)
	return nil
}

// Shutdown tears every vport down and closes the work queue.
func (h *HBA) Shutdown() {
	if !h.shutdown.CompareAndSwap(false, true) {
		return
	}
	h.mu.Lock()
	vports := h.sortedVports()
	for i := len(vports) - 1; i >= 0; i-- {
		vports[i].teardown()
	}
	h.mu.Unlock()
	h.q.Close()
	h.log.Info("adapter shut down")
}

func (h *HBA) nextID() uint64 { return h.reqID.Add(1) }

// dispatch is the single entry point of the worker.
func (h *HBA) dispatch(ev workq.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ve, ok := ev.(vportEvent); ok {
		if _, attached := h.vports[ve.vport()]; !attached {
			h.log.WithFields(log.Fields{"kind": ev.Kind(), "vpi": ve.vport()}).Debug("event for detached vport dropped")
			return
		}
	}

	switch e := ev.(type) {
	case *linkAttnEvent:
		h.handleLinkAttention(e)
	case *fcfRescanEvent:
		h.handleFCFRescan()
	case *elsCmplEvent:
		h.vports[e.req.VPI].handleELS(e.req, e.cmpl)
	case *mbxCmplEvent:
		h.handleMailbox(e.req, e.cmpl)
	case *unsolEvent:
		h.vports[e.vpi].handleUnsolicited(e)
	case *nodeTimerEvent:
		h.vports[e.vpi].handleNodeTimer(e)
	case *discTimeoutEvent:
		h.vports[e.vpi].handleDiscoveryTimeout(e.gen)
	case *vendorEvent:
		if h.vendor != nil {
			h.vendor(e.vpi, e.payload)
		}
	default:
		h.log.WithField("kind", ev.Kind()).Warn("unhandled work event")
	}

	for _, vp := range h.sortedVports() {
		vp.discNext()
	}
}

// Snapshot returns a consistent copy of the adapter state.
func (h *HBA) Snapshot() types.FabricSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	snap := types.FabricSnapshot{
		TakenAt:       h.timers.Now(),
		LinkUp:        h.linkUp,
		Topology:      h.topology,
		FCoE:          h.opts.FCoE,
		FCFRegistered: h.fcfRegistered,
		FCFIndex:      -1,
	}
	if sel, ok := h.selector.InUse(); ok && h.fcfRegistered {
		snap.FCFIndex = sel.Record.Index
	}
	for _, vp := range h.sortedVports() {
		snap.Vports = append(snap.Vports, vp.info())
	}
	return snap
}
