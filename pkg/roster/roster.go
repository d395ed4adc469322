// Locomotive roster loading

// Package roster loads a YAML locomotive list and registers it with
// the station at startup, so known locomotives are in the refresh
// cycle before the first client connects.
package roster

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"srcpd-go/pkg/ddl"
	"srcpd-go/pkg/log"
	"srcpd-go/pkg/protocol"
)

// Roster is the top-level roster file structure.
type Roster struct {
	Locomotives []Locomotive `yaml:"locomotives"`
}

// Locomotive is one roster entry. Missing decoder parameters get
// protocol defaults.
type Locomotive struct {
	Name       string `yaml:"name"`
	Address    uint32 `yaml:"address"`
	Protocol   string `yaml:"protocol"` // MM, DCC or MFX
	Version    int    `yaml:"version"`
	SpeedSteps int    `yaml:"speed_steps"`
	Functions  int    `yaml:"functions"`
	UID        uint32 `yaml:"uid"` // mfx decoder UID
}

// protoDefaults carries the per-protocol fallback decoder parameters.
type protoDefaults struct {
	proto      protocol.Protocol
	version    int
	speedSteps int
	functions  int
}

var protoTable = map[string]protoDefaults{
	"MM":  {protocol.ProtocolMM, 2, 14, 5},
	"DCC": {protocol.ProtocolDCC, 1, 128, 5},
	"MFX": {protocol.ProtocolMFX, 0, 127, 16},
}

// Load reads and validates a roster file.
func Load(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("roster %s: %w", path, err)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("roster %s: %w", path, err)
	}
	r.normalize()
	return &r, nil
}

// Validate checks the roster without mutating it.
func (r *Roster) Validate() error {
	seen := make(map[uint32]string)
	for _, l := range r.Locomotives {
		name := l.Name
		if name == "" {
			name = fmt.Sprintf("address %d", l.Address)
		}
		if l.Address == 0 {
			return fmt.Errorf("entry %q: address is required", name)
		}
		def, ok := protoTable[l.Protocol]
		if !ok {
			return fmt.Errorf("entry %q: unknown protocol %q", name, l.Protocol)
		}
		if def.proto == protocol.ProtocolMFX && l.UID == 0 {
			return fmt.Errorf("entry %q: mfx entries need the decoder uid", name)
		}
		if l.SpeedSteps < 0 || l.Functions < 0 || l.Version < 0 {
			return fmt.Errorf("entry %q: negative decoder parameter", name)
		}
		if prev, dup := seen[l.Address]; dup {
			return fmt.Errorf("address %d used by both %q and %q", l.Address, prev, name)
		}
		seen[l.Address] = name
	}
	return nil
}

// normalize fills missing decoder parameters with protocol defaults.
func (r *Roster) normalize() {
	for i := range r.Locomotives {
		l := &r.Locomotives[i]
		def := protoTable[l.Protocol]
		if l.Version == 0 {
			l.Version = def.version
		}
		if l.SpeedSteps == 0 {
			l.SpeedSteps = def.speedSteps
		}
		if l.Functions == 0 {
			l.Functions = def.functions
		}
	}
}

// Apply registers every roster entry with the station. A failing entry
// is logged and skipped; the rest of the roster still loads.
func (r *Roster) Apply(st *ddl.Station) int {
	logger := log.GetLogger("roster")
	applied := 0
	for _, l := range r.Locomotives {
		def := protoTable[l.Protocol]
		var params []string
		if l.Name != "" {
			params = []string{l.Name}
		}
		err := st.InitLoco(l.Address, def.proto, l.Version, l.SpeedSteps, l.Functions, l.UID, params)
		if err != nil {
			logger.Warn("roster entry %q not loaded: %v", l.Name, err)
			continue
		}
		applied++
	}
	return applied
}
