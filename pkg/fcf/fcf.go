// Package fcf selects the FCoE forwarder an adapter logs in through.
//
// Candidate records are offered one at a time, in table order, to a
// Selector. A scan can be invalidated at any point (link down, FCF table
// change); the next offer then reports the scan as stale and the caller
// restarts from the first record.
package fcf

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/fcdisc/pkg/types"
)

// AddrMode is the FCoE MAC addressing mode bitmask.
type AddrMode uint8

const (
	// AddrFPMA is fabric-provided MAC addressing.
	AddrFPMA AddrMode = 1 << iota
	// AddrSPMA is server-provided MAC addressing.
	AddrSPMA
)

func (m AddrMode) String() string {
	switch m {
	case AddrFPMA:
		return "FPMA"
	case AddrSPMA:
		return "SPMA"
	case AddrFPMA | AddrSPMA:
		return "FPMA|SPMA"
	}
	return "none"
}

// NoVLAN marks a selection without a VLAN tag.
const NoVLAN uint16 = 0xFFFF

// Record is one forwarder entry reported by the adapter.
type Record struct {
	Index      int              `json:"index"`
	FabricName types.WWN        `json:"fabric_name"`
	SwitchName types.WWN        `json:"switch_name"`
	MAC        net.HardwareAddr `json:"mac"`
	Priority   uint8            `json:"priority"`
	VLANs      []uint16         `json:"vlans,omitempty"`
	AddrModes  AddrMode         `json:"addr_modes"`
	Available  bool             `json:"available"`
	Valid      bool             `json:"valid"`
	Boot       bool             `json:"boot"`
}

// Eligible reports whether the record may be selected at all.
func (r Record) Eligible() bool { return r.Available && r.Valid }

func (r Record) hasVLAN(v uint16) bool {
	for _, x := range r.VLANs {
		if x == v {
			return true
		}
	}
	return false
}

// SameForwarder reports whether r and o describe the same physical FCF.
func (r Record) SameForwarder(o Record) bool {
	return r.FabricName == o.FabricName &&
		r.SwitchName == o.SwitchName &&
		bytes.Equal(r.MAC, o.MAC)
}

// ConnFlag is the flag word of a connection-list entry.
type ConnFlag uint16

const (
	ConnValid ConnFlag = 1 << iota
	ConnBoot
	ConnPref
	ConnFabricNameValid
	ConnSwitchNameValid
	ConnVLANValid
	ConnAddrModeValid
	// ConnAddrModePref makes the address mode a preference instead of a requirement.
	ConnAddrModePref
	// ConnAddrModeSPMA selects SPMA as the configured mode, FPMA otherwise.
	ConnAddrModeSPMA
)

// ConnEntry is one administrator-configured forwarder preference.
type ConnEntry struct {
	Flags      ConnFlag
	FabricName types.WWN
	SwitchName types.WWN
	VLANID     uint16
}

func (c ConnEntry) has(f ConnFlag) bool { return c.Flags&f == f }

// Match is the outcome of filtering a record through the connection list.
type Match struct {
	Boot      bool     `json:"boot"`
	Preferred bool     `json:"preferred"`
	AddrMode  AddrMode `json:"addr_mode"`
	VLANID    uint16   `json:"vlan_id"`
}

// ConnList is the ordered connection list. An empty list accepts every
// eligible record.
type ConnList []ConnEntry

// Match filters r. The first valid entry that r satisfies decides the
// outcome.
func (l ConnList) Match(r Record) (Match, bool) {
	if !r.Eligible() {
		return Match{}, false
	}
	valid := 0
	for _, c := range l {
		if !c.has(ConnValid) {
			continue
		}
		valid++
		if c.has(ConnFabricNameValid) && c.FabricName != r.FabricName {
			continue
		}
		if c.has(ConnSwitchNameValid) && c.SwitchName != r.SwitchName {
			continue
		}
		if c.has(ConnVLANValid) && !r.hasVLAN(c.VLANID) {
			continue
		}
		mode, ok := entryAddrMode(c, r.AddrModes)
		if !ok {
			continue
		}
		m := Match{
			Boot:      c.has(ConnBoot) || r.Boot,
			Preferred: c.has(ConnPref),
			AddrMode:  mode,
			VLANID:    NoVLAN,
		}
		if c.has(ConnVLANValid) {
			m.VLANID = c.VLANID
		} else if len(r.VLANs) > 0 {
			m.VLANID = r.VLANs[0]
		}
		return m, true
	}
	if valid > 0 {
		return Match{}, false
	}
	mode, ok := defaultAddrMode(r.AddrModes)
	if !ok {
		return Match{}, false
	}
	m := Match{Boot: r.Boot, AddrMode: mode, VLANID: NoVLAN}
	if len(r.VLANs) > 0 {
		m.VLANID = r.VLANs[0]
	}
	return m, true
}

func defaultAddrMode(supported AddrMode) (AddrMode, bool) {
	switch {
	case supported&AddrFPMA != 0:
		return AddrFPMA, true
	case supported&AddrSPMA != 0:
		return AddrSPMA, true
	case supported == 0:
		// Forwarders that do not report modes speak FPMA.
		return AddrFPMA, true
	}
	return 0, false
}

func entryAddrMode(c ConnEntry, supported AddrMode) (AddrMode, bool) {
	if !c.has(ConnAddrModeValid) {
		return defaultAddrMode(supported)
	}
	want := AddrFPMA
	if c.has(ConnAddrModeSPMA) {
		want = AddrSPMA
	}
	if supported == 0 || supported&want != 0 {
		return want, true
	}
	if c.has(ConnAddrModePref) {
		return defaultAddrMode(supported)
	}
	return 0, false
}

// Selection is a chosen record together with its match outcome.
type Selection struct {
	Record Record `json:"record"`
	Match  Match  `json:"match"`
}

// better reports whether candidate c ranks above the current best b.
// Equal candidates keep the earlier one.
func better(c, b Selection) bool {
	if c.Match.Boot != b.Match.Boot {
		return c.Match.Boot
	}
	if c.Match.Preferred != b.Match.Preferred {
		return c.Match.Preferred
	}
	return c.Record.Priority < b.Record.Priority
}

// ErrStaleScan is returned for offers made against an invalidated scan.
var ErrStaleScan = errors.New("fcf scan invalidated")

// Selector accumulates the best candidate of one scan.
type Selector struct {
	mu    sync.Mutex
	conns ConnList
	gen   uint64
	best  *Selection
	inUse *Selection
	done  bool
	log   *log.Entry
}

// NewSelector returns a selector filtering with conns.
func NewSelector(conns ConnList, logger *log.Entry) *Selector {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Selector{conns: conns, log: logger.WithField("component", "fcf")}
}

// SetConnList replaces the connection list. The current scan is invalidated.
func (s *Selector) SetConnList(conns ConnList) {
	s.mu.Lock()
	s.conns = conns
	s.mu.Unlock()
	s.Invalidate()
}

// SetInUse records the registered forwarder, or clears it when sel is nil.
func (s *Selector) SetInUse(sel *Selection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sel == nil {
		s.inUse = nil
		return
	}
	cp := *sel
	s.inUse = &cp
}

// InUse returns the registered forwarder, if any.
func (s *Selector) InUse() (Selection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inUse == nil {
		return Selection{}, false
	}
	return *s.inUse, true
}

// Begin starts a new scan and returns its generation.
func (s *Selector) Begin() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.best = nil
	s.done = false
	return s.gen
}

// Generation returns the current scan generation.
func (s *Selector) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Invalidate aborts the scan in progress.
func (s *Selector) Invalidate() {
	s.mu.Lock()
	s.gen++
	s.best = nil
	s.done = false
	s.mu.Unlock()
}

// Offer considers r for scan gen. It reports done when no later record can
// change the outcome, which happens when r is the in-use forwarder.
func (s *Selector) Offer(gen uint64, r Record) (done bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return false, ErrStaleScan
	}
	if s.done {
		return true, nil
	}
	m, ok := s.conns.Match(r)
	if !ok {
		s.log.WithField("index", r.Index).Debug("fcf record rejected")
		return false, nil
	}
	cand := Selection{Record: r, Match: m}
	if s.inUse != nil && r.SameForwarder(s.inUse.Record) {
		s.best = &cand
		s.done = true
		return true, nil
	}
	if s.best == nil || better(cand, *s.best) {
		s.best = &cand
	}
	return false, nil
}

// Finish ends scan gen and returns the selected record.
func (s *Selector) Finish(gen uint64) (Selection, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return Selection{}, false, ErrStaleScan
	}
	s.done = true
	if s.best == nil {
		return Selection{}, false, nil
	}
	return *s.best, true, nil
}

// maxRestarts bounds Scan when the table keeps changing under it.
const maxRestarts = 16

// Scan runs a complete selection over table. interrupt, when non-nil, is
// called before each offer and may invalidate the scan; Scan then restarts
// from the first record.
func Scan(s *Selector, table []Record, interrupt func(pos int)) (Selection, bool, error) {
	for restart := 0; restart <= maxRestarts; restart++ {
		gen := s.Begin()
		stale := false
		for i, r := range table {
			if interrupt != nil {
				interrupt(i)
			}
			done, err := s.Offer(gen, r)
			if errors.Is(err, ErrStaleScan) {
				stale = true
				break
			}
			if done {
				break
			}
		}
		if stale {
			s.log.WithField("restart", restart+1).Debug("fcf scan invalidated, restarting")
			continue
		}
		sel, ok, err := s.Finish(gen)
		if errors.Is(err, ErrStaleScan) {
			continue
		}
		return sel, ok, err
	}
	return Selection{}, false, fmt.Errorf("fcf scan did not settle after %d restarts", maxRestarts)
}

// ReadResponse is the payload of a READ_FCF mailbox completion.
type ReadResponse struct {
	Record Record
	// Next is the index of the following record, or -1 at the end of the table.
	Next int
}
