package engine

import (
	"fmt"
	"sort"

	"github.com/triage-ai/proximity/internal/evidence"
)

// Preset is a named weighting scheme for combining categories.
type Preset struct {
	Name            string
	Capabilities    float64
	Agents          float64
	Inputs          float64
	Security        float64
	SignpostWeights map[string]float64 // overrides Signpost.Weight
}

// CombinedCapabilities blends capabilities and agents into the
// capabilities side of the overall score:
//
//	(cap*wc + agents*wa) / (wc + wa)
//
// With both weights zero, capabilities is used alone.
func (p Preset) CombinedCapabilities(capabilities, agents float64) float64 {
	wc, wa := p.Capabilities, p.Agents
	if wc+wa <= 0 {
		return capabilities
	}
	return (capabilities*wc + agents*wa) / (wc + wa)
}

// SignpostWeight returns the preset override for sp, or sp's own weight.
func (p Preset) SignpostWeight(sp evidence.Signpost) float64 {
	if w, ok := p.SignpostWeights[sp.Code]; ok && w >= 0 {
		return w
	}
	return sp.EffectiveWeight()
}

// Built-in preset names.
const (
	PresetEqual         = "equal"
	PresetAschenbrenner = "aschenbrenner"
	PresetAI2027        = "ai2027"
)

// BuiltinPresets returns the shipped presets, keyed by name.
func BuiltinPresets() map[string]Preset {
	return map[string]Preset{
		PresetEqual:         {Name: PresetEqual, Capabilities: 0.25, Agents: 0.25, Inputs: 0.25, Security: 0.25},
		PresetAschenbrenner: {Name: PresetAschenbrenner, Capabilities: 0.6, Agents: 0.0, Inputs: 0.4, Security: 0.0},
		PresetAI2027:        {Name: PresetAI2027, Capabilities: 0.2, Agents: 0.3, Inputs: 0.3, Security: 0.2},
	}
}

// PresetConfig is a user-supplied override of a preset, loaded from config.
// All pointer fields use nil to mean "keep the built-in value".
type PresetConfig struct {
	Capabilities    *float64           `yaml:"capabilities" json:"capabilities"`
	Agents          *float64           `yaml:"agents" json:"agents"`
	Inputs          *float64           `yaml:"inputs" json:"inputs"`
	Security        *float64           `yaml:"security" json:"security"`
	SignpostWeights map[string]float64 `yaml:"signpost_weights" json:"signpost_weights"`
}

// Apply returns base with the non-nil overrides applied.
func (pc PresetConfig) Apply(base Preset) Preset {
	out := base
	if pc.Capabilities != nil {
		out.Capabilities = *pc.Capabilities
	}
	if pc.Agents != nil {
		out.Agents = *pc.Agents
	}
	if pc.Inputs != nil {
		out.Inputs = *pc.Inputs
	}
	if pc.Security != nil {
		out.Security = *pc.Security
	}
	if len(pc.SignpostWeights) > 0 {
		merged := make(map[string]float64, len(base.SignpostWeights)+len(pc.SignpostWeights))
		for k, v := range base.SignpostWeights {
			merged[k] = v
		}
		for k, v := range pc.SignpostWeights {
			merged[k] = v
		}
		out.SignpostWeights = merged
	}
	return out
}

// Presets is a resolved, read-only preset table.
type Presets struct {
	byName map[string]Preset
}

// NewPresets merges overrides into the built-ins. An override for an unknown
// name defines a new preset starting from all-zero weights.
func NewPresets(overrides map[string]PresetConfig) (*Presets, error) {
	byName := BuiltinPresets()
	for name, pc := range overrides {
		base, ok := byName[name]
		if !ok {
			base = Preset{Name: name}
		}
		p := pc.Apply(base)
		for _, w := range []float64{p.Capabilities, p.Agents, p.Inputs, p.Security} {
			if w < 0 {
				return nil, fmt.Errorf("preset %q: negative category weight", name)
			}
		}
		byName[name] = p
	}
	return &Presets{byName: byName}, nil
}

// Get returns the named preset.
func (ps *Presets) Get(name string) (Preset, bool) {
	p, ok := ps.byName[name]
	return p, ok
}

// Names returns preset names in sorted order.
func (ps *Presets) Names() []string {
	names := make([]string, 0, len(ps.byName))
	for n := range ps.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
