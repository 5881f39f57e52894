// Package transport keeps the remote ports presented to the upper SCSI/NVMe
// transport. Discovery binds a port when its node reaches a steady state and
// unbinds it when the node leaves it.
package transport

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/fcdisc/pkg/types"
)

var (
	// ErrInvalidPort is returned for a port without an address or name.
	ErrInvalidPort = errors.New("remote port needs a DID and a WWPN")
	// ErrDuplicatePort is returned when another binding already presents the
	// same port name on the vport.
	ErrDuplicatePort = errors.New("remote port already bound")
)

// Port is one bound remote port.
type Port struct {
	types.Binding
	BoundAt time.Time `json:"bound_at"`
}

// EventKind tells subscribers what happened to a binding.
type EventKind int

const (
	Bound EventKind = iota
	Unbound
)

func (k EventKind) String() string {
	if k == Unbound {
		return "unbound"
	}
	return "bound"
}

// Event is delivered to subscribers after the registry changed.
type Event struct {
	Kind EventKind
	Port Port
}

type portKey struct {
	vpi  uint16
	wwpn types.WWN
}

// Registry is an in-memory binder. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	ports  map[uuid.UUID]Port
	byName map[portKey]uuid.UUID
	subs   []func(Event)

	clock clock.Clock
	log   *log.Entry
}

// New returns an empty registry. A nil clock uses the wall clock.
func New(clk clock.Clock, logger *log.Entry) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Registry{
		ports:  make(map[uuid.UUID]Port),
		byName: make(map[portKey]uuid.UUID),
		clock:  clk,
		log:    logger.WithField("component", "transport"),
	}
}

// Subscribe registers fn for every later bind and unbind. Callbacks run
// synchronously, outside the registry lock.
func (r *Registry) Subscribe(fn func(Event)) {
	r.mu.Lock()
	r.subs = append(r.subs, fn)
	r.mu.Unlock()
}

// Bind presents p and returns its handle.
func (r *Registry) Bind(p types.RemotePort) (types.Binding, error) {
	if p.DID == 0 || p.WWPN == 0 {
		return types.Binding{}, fmt.Errorf("%w: did %s wwpn %s", ErrInvalidPort, p.DID, p.WWPN)
	}
	key := portKey{vpi: p.VPI, wwpn: p.WWPN}

	r.mu.Lock()
	if id, ok := r.byName[key]; ok {
		prev := r.ports[id]
		r.mu.Unlock()
		return types.Binding{}, fmt.Errorf("%w: %s at %s", ErrDuplicatePort, p.WWPN, prev.Port.DID)
	}
	port := Port{
		Binding: types.Binding{ID: uuid.New(), Port: p},
		BoundAt: r.clock.Now(),
	}
	r.ports[port.ID] = port
	r.byName[key] = port.ID
	subs := r.subs
	r.mu.Unlock()

	r.log.WithFields(log.Fields{
		"vpi":   p.VPI,
		"did":   p.DID,
		"wwpn":  p.WWPN,
		"roles": p.Roles,
		"id":    port.ID,
	}).Info("remote port bound")
	notify(subs, Event{Kind: Bound, Port: port})
	return port.Binding, nil
}

// Unbind removes b. Unknown or already removed bindings are ignored.
func (r *Registry) Unbind(b types.Binding) {
	if !b.Valid() {
		return
	}
	r.mu.Lock()
	port, ok := r.ports[b.ID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.ports, b.ID)
	delete(r.byName, portKey{vpi: port.Port.VPI, wwpn: port.Port.WWPN})
	subs := r.subs
	r.mu.Unlock()

	r.log.WithFields(log.Fields{
		"vpi":  port.Port.VPI,
		"did":  port.Port.DID,
		"wwpn": port.Port.WWPN,
		"held": r.clock.Since(port.BoundAt).String(),
	}).Info("remote port unbound")
	notify(subs, Event{Kind: Unbound, Port: port})
}

func notify(subs []func(Event), ev Event) {
	for _, fn := range subs {
		fn(ev)
	}
}

// Lookup returns the binding with the given handle.
func (r *Registry) Lookup(id uuid.UUID) (Port, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.ports[id]
	return p, ok
}

// ByWWPN returns the binding presenting wwpn on vpi.
func (r *Registry) ByWWPN(vpi uint16, wwpn types.WWN) (Port, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[portKey{vpi: vpi, wwpn: wwpn}]
	if !ok {
		return Port{}, false
	}
	return r.ports[id], true
}

// Len returns the number of bound ports.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ports)
}

// Ports returns every binding ordered by VPI and DID.
func (r *Registry) Ports() []Port {
	r.mu.RLock()
	out := make([]Port, 0, len(r.ports))
	for _, p := range r.ports {
		out = append(out, p)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Port.VPI != out[j].Port.VPI {
			return out[i].Port.VPI < out[j].Port.VPI
		}
		return out[i].Port.DID < out[j].Port.DID
	})
	return out
}

// Targets returns the bound ports that advertise the target role.
func (r *Registry) Targets() []types.RemotePort {
	var out []types.RemotePort
	for _, p := range r.Ports() {
		if p.Port.Roles&types.RoleTarget != 0 {
			out = append(out, p.Port)
		}
	}
	return out
}
