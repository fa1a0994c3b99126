// Package capabilities describes the declared compute capacity of a mesh
// node: memory, and per-precision FLOPS.
package capabilities

// Flops is the (fp32, fp16, int8) throughput triple a device declares,
// in floating point operations per second.
type Flops struct {
	FP32 float64 `json:"fp32"`
	FP16 float64 `json:"fp16"`
	Int8 float64 `json:"int8"`
}

// Total sums the three precisions. Used by partitioning strategies that
// treat FLOPS as a single scalar.
func (f Flops) Total() float64 {
	return f.FP32 + f.FP16 + f.Int8
}

// Capabilities is the capability set a node advertises during discovery.
type Capabilities struct {
	Model  string `json:"model"`
	Chip   string `json:"chip"`
	Memory uint64 `json:"memory"` // bytes
	Flops  Flops  `json:"flops"`
}

// Unknown is the distinguished sentinel used before real capabilities have
// been probed, or for a peer whose announcement omitted them.
var Unknown = Capabilities{Model: "Unknown Model", Chip: "Unknown Chip"}

// ToMap serializes the capabilities into a key-value mapping, matching the
// wire shape used in discovery announcements and tracker registration
// bodies (`device_capabilities`).
func (c Capabilities) ToMap() map[string]any {
	return map[string]any{
		"model":  c.Model,
		"chip":   c.Chip,
		"memory": c.Memory,
		"flops": map[string]any{
			"fp32": c.Flops.FP32,
			"fp16": c.Flops.FP16,
			"int8": c.Flops.Int8,
		},
	}
}

// FromMap reconstructs Capabilities from the mapping produced by ToMap (or
// an equivalent JSON object decoded into `map[string]any`). Unrecognized or
// missing keys are left at their zero value rather than erroring — wire
// compatibility requires tolerating unknown/absent fields.
func FromMap(m map[string]any) Capabilities {
	c := Capabilities{}
	if v, ok := m["model"].(string); ok {
		c.Model = v
	}
	if v, ok := m["chip"].(string); ok {
		c.Chip = v
	}
	c.Memory = toUint64(m["memory"])

	if fm, ok := m["flops"].(map[string]any); ok {
		c.Flops = Flops{
			FP32: toFloat64(fm["fp32"]),
			FP16: toFloat64(fm["fp16"]),
			Int8: toFloat64(fm["int8"]),
		}
	}
	return c
}

func toFloat64(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func toUint64(v any) uint64 {
	switch n := v.(type) {
	case float64:
		return uint64(n)
	case int:
		return uint64(n)
	case int64:
		return uint64(n)
	case uint64:
		return n
	default:
		return 0
	}
}
