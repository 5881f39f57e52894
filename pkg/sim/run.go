package sim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/fcdisc/pkg/disc"
	"github.com/Nativu5/fcdisc/pkg/fcf"
	"github.com/Nativu5/fcdisc/pkg/timer"
	"github.com/Nativu5/fcdisc/pkg/transport"
	"github.com/Nativu5/fcdisc/pkg/types"
)

var _ disc.Binder = (*transport.Registry)(nil)

// RunOptions configure a simulation run.
type RunOptions struct {
	Disc    disc.Options
	Logger  *log.Entry
	Metrics *disc.Metrics
	// StepTimeout bounds how long one step may take to settle.
	StepTimeout time.Duration
}

// StepResult is the adapter state after one step settled.
type StepResult struct {
	Index    int                  `json:"index"`
	Step     string               `json:"step"`
	Elapsed  time.Duration        `json:"elapsed"`
	Events   int                  `json:"events"`
	Snapshot types.FabricSnapshot `json:"snapshot"`
}

// Report is the outcome of a run.
type Report struct {
	Scenario string               `json:"scenario"`
	Steps    []StepResult         `json:"steps"`
	Final    types.FabricSnapshot `json:"final"`
	Bound    []transport.Port     `json:"bound"`
	Requests map[string]int       `json:"requests"`
}

// Env is a simulated adapter together with its fabric, binder and clock.
type Env struct {
	HBA     *disc.HBA
	Fabric  *Fabric
	Binder  *transport.Registry
	Clock   *clock.Mock
	Timers  *timer.Service
	started time.Time
	log     *log.Entry
	timeout time.Duration
}

// NewEnv builds an adapter on a simulated fabric described by sc.
func NewEnv(sc *Scenario, opts RunOptions) (*Env, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	clk := clock.NewMock()
	timers := timer.New(clk)

	fab := NewFabric(FabricConfig{
		Name:        sc.Fabric.Name,
		Domain:      sc.Fabric.Domain,
		NoFabric:    sc.Fabric.NoFabric,
		NPIV:        sc.Fabric.NPIV,
		RejectLogin: sc.Fabric.RejectLogin,
	}, logger)
	for _, p := range sc.Fabric.Ports {
		fab.AddPort(p)
	}
	records := make([]fcf.Record, 0, len(sc.Fabric.FCFs))
	for _, spec := range sc.Fabric.FCFs {
		r, err := spec.Record()
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	fab.SetFCFs(records)

	binder := transport.New(clk, logger)
	dopts := opts.Disc
	dopts.FCoE = dopts.FCoE || sc.Adapter.FCoE
	h, err := disc.New(sc.Adapter.WWPN, sc.Adapter.WWNN, dopts, disc.Deps{
		Link:    fab,
		Binder:  binder,
		Timers:  timers,
		Logger:  logger,
		Metrics: opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create adapter: %w", err)
	}
	fab.Attach(h)

	timeout := opts.StepTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Env{
		HBA:     h,
		Fabric:  fab,
		Binder:  binder,
		Clock:   clk,
		Timers:  timers,
		started: clk.Now(),
		log:     logger,
		timeout: timeout,
	}, nil
}

// Close shuts the adapter down.
func (e *Env) Close() {
	e.HBA.Shutdown()
}

// Settle handles queued work, including work produced by timers that are
// due on the mock clock, until nothing is left.
func (e *Env) Settle(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	total := 0
	for {
		n, err := e.HBA.Process()
		total += n
		if err != nil {
			return total, err
		}
		if err := e.Timers.Settle(ctx); err != nil {
			return total, fmt.Errorf("timers did not settle: %w", err)
		}
		if n == 0 && e.HBA.Queue().Len() == 0 {
			return total, nil
		}
	}
}

// Advance moves the mock clock forward in 100ms slices and settles after
// each, so timers armed by earlier fires also run within d.
func (e *Env) Advance(ctx context.Context, d time.Duration) (int, error) {
	const slice = 100 * time.Millisecond
	total := 0
	for d > 0 {
		step := slice
		if d < step {
			step = d
		}
		e.Clock.Add(step)
		d -= step
		n, err := e.Settle(ctx)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Apply performs one step without settling.
func (e *Env) Apply(ctx context.Context, st Step, sc *Scenario) error {
	h := e.HBA
	switch st.Action {
	case ActionLinkUp:
		h.LinkAttention(disc.LinkEvent{
			Up:        true,
			Topology:  sc.Fabric.Topology,
			LoopMap:   sc.Fabric.LoopMap,
			LocalALPA: sc.Fabric.LocalALPA,
		})
	case ActionLinkDown:
		h.LinkAttention(disc.LinkEvent{Up: false})
	case ActionAdvance:
		_, err := e.Advance(ctx, st.duration())
		return err
	case ActionAddPort:
		e.Fabric.AddPort(*st.Port)
		if st.Notify {
			h.ReceiveRSCN(st.VPI, types.RSCNPayload{{Format: types.RSCNPort, DID: st.Port.DID}})
		}
	case ActionRemovePort:
		if !e.Fabric.RemovePort(st.DID) {
			return fmt.Errorf("no port at %s", st.DID)
		}
		if st.Notify {
			h.ReceiveRSCN(st.VPI, types.RSCNPayload{{Format: types.RSCNPort, DID: st.DID}})
		}
	case ActionRSCN:
		h.ReceiveRSCN(st.VPI, st.Pages)
	case ActionLOGO:
		h.ReceiveLOGO(st.VPI, st.DID)
	case ActionPLOGI:
		p, ok := e.Fabric.port(st.DID)
		if !ok {
			return fmt.Errorf("no port at %s", st.DID)
		}
		h.ReceivePLOGI(st.VPI, p.DID, p.WWPN, p.nodeName())
	case ActionCreateVport:
		if _, err := h.CreateVport(st.WWPN, st.WWNN); err != nil {
			return err
		}
	case ActionDeleteVport:
		return h.DeleteVport(st.VPI)
	case ActionFCFAvailable:
		if !e.Fabric.SetFCFAvailable(st.FCF, st.Available) {
			return fmt.Errorf("no fcf with index %d", st.FCF)
		}
		h.FCFTableChanged()
	case ActionAdapterError:
		h.AdapterError(errors.New("simulated adapter error"))
	case ActionNSFailure:
		e.Fabric.SetNameServerFailure(st.Fail)
	default:
		return fmt.Errorf("unknown action %q", st.Action)
	}
	return nil
}

// Run executes sc and reports the state after every step.
func Run(ctx context.Context, sc *Scenario, opts RunOptions) (*Report, error) {
	env, err := NewEnv(sc, opts)
	if err != nil {
		return nil, err
	}
	defer env.Close()

	rep := &Report{Scenario: sc.Name}
	for i, st := range sc.Steps {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		entry := env.log.WithFields(log.Fields{"step": i + 1, "action": st.Action})
		entry.Debug("applying step")
		if err := env.Apply(ctx, st, sc); err != nil {
			return rep, fmt.Errorf("step %d (%s): %w", i+1, st, err)
		}
		n, err := env.Settle(ctx)
		if err != nil {
			return rep, fmt.Errorf("step %d (%s): %w", i+1, st, err)
		}
		rep.Steps = append(rep.Steps, StepResult{
			Index:    i + 1,
			Step:     st.String(),
			Elapsed:  env.Clock.Since(env.started),
			Events:   n,
			Snapshot: env.HBA.Snapshot(),
		})
	}
	rep.Final = env.HBA.Snapshot()
	rep.Bound = env.Binder.Ports()
	rep.Requests = env.Fabric.Counts()
	return rep, nil
}
