package sim

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"sigs.k8s.io/yaml"

	"github.com/Nativu5/fcdisc/pkg/fcf"
	"github.com/Nativu5/fcdisc/pkg/types"
)

// Action is one scripted fabric event.
type Action string

const (
	ActionLinkUp       Action = "link-up"
	ActionLinkDown     Action = "link-down"
	ActionAdvance      Action = "advance"
	ActionAddPort      Action = "add-port"
	ActionRemovePort   Action = "remove-port"
	ActionRSCN         Action = "rscn"
	ActionLOGO         Action = "logo"
	ActionPLOGI        Action = "plogi"
	ActionCreateVport  Action = "create-vport"
	ActionDeleteVport  Action = "delete-vport"
	ActionFCFAvailable Action = "fcf-available"
	ActionAdapterError Action = "adapter-error"
	ActionNSFailure    Action = "ns-failure"
)

// Scenario is a scripted simulation, usually loaded from YAML.
type Scenario struct {
	Name    string      `json:"name"`
	Adapter AdapterSpec `json:"adapter"`
	Fabric  FabricSpec  `json:"fabric"`
	Steps   []Step      `json:"steps" validate:"dive"`
}

// AdapterSpec is the local adapter.
type AdapterSpec struct {
	WWPN types.WWN `json:"wwpn" validate:"required"`
	WWNN types.WWN `json:"wwnn" validate:"required"`
	FCoE bool      `json:"fcoe,omitempty"`
}

// FabricSpec is the initial fabric.
type FabricSpec struct {
	Name        types.WWN      `json:"name"`
	Topology    types.Topology `json:"topology"`
	Domain      uint8          `json:"domain,omitempty"`
	NPIV        bool           `json:"npiv,omitempty"`
	NoFabric    bool           `json:"no_fabric,omitempty"`
	RejectLogin bool           `json:"reject_login,omitempty"`
	// LocalALPA and LoopMap describe a loop attachment.
	LocalALPA types.DID   `json:"local_alpa,omitempty"`
	LoopMap   []types.DID `json:"loop_map,omitempty"`
	Ports     []Port      `json:"ports" validate:"dive"`
	FCFs      []FCFSpec   `json:"fcfs,omitempty" validate:"dive"`
}

// FCFSpec is one forwarder of an FCoE fabric.
type FCFSpec struct {
	Index      int       `json:"index" validate:"gte=0"`
	FabricName types.WWN `json:"fabric_name"`
	SwitchName types.WWN `json:"switch_name"`
	MAC        string    `json:"mac" validate:"required,mac"`
	Priority   uint8     `json:"priority"`
	VLANs      []uint16  `json:"vlans,omitempty"`
	SPMA       bool      `json:"spma,omitempty"`
	Boot       bool      `json:"boot,omitempty"`
	// Unavailable records are listed but not selectable.
	Unavailable bool `json:"unavailable,omitempty"`
}

// Record converts the spec to a forwarder record.
func (s FCFSpec) Record() (fcf.Record, error) {
	mac, err := net.ParseMAC(s.MAC)
	if err != nil {
		return fcf.Record{}, fmt.Errorf("fcf %d: %w", s.Index, err)
	}
	modes := fcf.AddrFPMA
	if s.SPMA {
		modes |= fcf.AddrSPMA
	}
	return fcf.Record{
		Index:      s.Index,
		FabricName: s.FabricName,
		SwitchName: s.SwitchName,
		MAC:        mac,
		Priority:   s.Priority,
		VLANs:      s.VLANs,
		AddrModes:  modes,
		Available:  !s.Unavailable,
		Valid:      true,
		Boot:       s.Boot,
	}, nil
}

// Step is one entry of the script. Which fields apply depends on Action.
type Step struct {
	Action Action `json:"action" validate:"required,oneof=link-up link-down advance add-port remove-port rscn logo plogi create-vport delete-vport fcf-available adapter-error ns-failure"`
	VPI    uint16 `json:"vpi,omitempty"`

	// For advance: a Go duration such as "30s".
	Duration string `json:"duration,omitempty"`
	// For add-port.
	Port *Port `json:"port,omitempty"`
	// For remove-port, logo and plogi.
	DID types.DID `json:"did,omitempty"`
	// Notify sends an RSCN for the added or removed port.
	Notify bool `json:"notify,omitempty"`
	// For rscn.
	Pages types.RSCNPayload `json:"pages,omitempty"`
	// For create-vport.
	WWPN types.WWN `json:"wwpn,omitempty"`
	WWNN types.WWN `json:"wwnn,omitempty"`
	// For fcf-available and ns-failure.
	FCF       int  `json:"fcf,omitempty"`
	Available bool `json:"available,omitempty"`
	Fail      bool `json:"fail,omitempty"`
}

var validate = validator.New()

// Load reads and validates a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// Parse decodes and validates a YAML or JSON scenario.
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.UnmarshalStrict(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks the scenario for structural and per-action errors.
func (sc *Scenario) Validate() error {
	if err := validate.Struct(sc); err != nil {
		return fmt.Errorf("invalid scenario: %w", err)
	}
	var errs []error
	seen := make(map[types.DID]bool)
	for _, p := range sc.Fabric.Ports {
		if seen[p.DID] {
			errs = append(errs, fmt.Errorf("duplicate port %s", p.DID))
		}
		seen[p.DID] = true
	}
	for i, st := range sc.Steps {
		if err := st.check(); err != nil {
			errs = append(errs, fmt.Errorf("step %d (%s): %w", i+1, st.Action, err))
		}
	}
	return errors.Join(errs...)
}

func (st Step) check() error {
	switch st.Action {
	case ActionAdvance:
		d, err := time.ParseDuration(st.Duration)
		if err != nil {
			return err
		}
		if d <= 0 {
			return errors.New("duration must be positive")
		}
	case ActionAddPort:
		if st.Port == nil {
			return errors.New("port is required")
		}
		return validate.Struct(st.Port)
	case ActionRemovePort, ActionLOGO, ActionPLOGI:
		if st.DID == 0 {
			return errors.New("did is required")
		}
	case ActionRSCN:
		if len(st.Pages) == 0 {
			return errors.New("pages are required")
		}
	case ActionCreateVport:
		if st.WWPN == 0 || st.WWNN == 0 {
			return errors.New("wwpn and wwnn are required")
		}
	case ActionDeleteVport:
		if st.VPI == 0 {
			return errors.New("the physical port cannot be deleted")
		}
	}
	return nil
}

// duration returns the parsed duration of an advance step.
func (st Step) duration() time.Duration {
	d, _ := time.ParseDuration(st.Duration)
	return d
}

func (st Step) String() string {
	var b strings.Builder
	b.WriteString(string(st.Action))
	switch st.Action {
	case ActionAdvance:
		b.WriteString(" " + st.Duration)
	case ActionAddPort:
		b.WriteString(" " + st.Port.DID.String())
	case ActionRemovePort, ActionLOGO, ActionPLOGI:
		b.WriteString(" " + st.DID.String())
	case ActionCreateVport:
		b.WriteString(" " + st.WWPN.String())
	case ActionDeleteVport:
		fmt.Fprintf(&b, " %d", st.VPI)
	case ActionFCFAvailable:
		fmt.Fprintf(&b, " %d=%t", st.FCF, st.Available)
	}
	return b.String()
}

// recordFile is the layout accepted by LoadRecords: a top-level fcfs list,
// or a scenario whose fabric carries one.
type recordFile struct {
	FCFs   []FCFSpec `json:"fcfs" validate:"dive"`
	Fabric struct {
		FCFs []FCFSpec `json:"fcfs" validate:"dive"`
	} `json:"fabric"`
}

// LoadRecords reads a forwarder table from a records or scenario file.
func LoadRecords(path string) ([]fcf.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	var rf recordFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("%s: failed to parse records: %w", path, err)
	}
	if err := validate.Struct(&rf); err != nil {
		return nil, fmt.Errorf("%s: invalid records: %w", path, err)
	}
	specs := rf.FCFs
	if len(specs) == 0 {
		specs = rf.Fabric.FCFs
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("%s: no fcf records", path)
	}
	records := make([]fcf.Record, 0, len(specs))
	for _, s := range specs {
		r, err := s.Record()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		records = append(records, r)
	}
	return records, nil
}
