package config

// Strategy bundles the knobs that differ by migration scale. The transfer
// protocol itself is identical across scales; only partition size and
// concurrency change.
type Strategy struct {
	Name        string
	Concurrency int
	BatchCount  int   // artifacts per batch, 0 = unbounded
	BatchBytes  int64 // bytes per batch, 0 = unbounded
}

const (
	smallAggregateBytes  = 256 << 20 // auto picks small up to here
	mediumAggregateBytes = 64 << 30  // and medium up to here
)

var presets = map[string]Strategy{
	// single slot, one artifact per batch, processed transactionally
	"small": {Name: "small", Concurrency: 1, BatchCount: 1},
	"medium": {
		Name:        "medium",
		Concurrency: 10,
		BatchCount:  32,
		BatchBytes:  512 << 20,
	},
	"large": {
		Name:        "large",
		Concurrency: 32,
		BatchCount:  256,
		BatchBytes:  4 << 30,
	},
}

// SelectStrategy resolves a strategy hint against the measured aggregate
// payload size. Explicit hints always win; "auto" measures.
func SelectStrategy(hint string, totalBytes int64) Strategy {
	if hint != "auto" {
		if s, ok := presets[hint]; ok {
			return s
		}
	}

	switch {
	case totalBytes <= smallAggregateBytes:
		return presets["small"]
	case totalBytes <= mediumAggregateBytes:
		return presets["medium"]
	default:
		return presets["large"]
	}
}

// Resolve applies explicit per-field overrides from the migration config on
// top of a selected preset.
func (m Migration) Resolve(s Strategy) Strategy {
	if m.Concurrency > 0 {
		s.Concurrency = m.Concurrency
	}
	if m.BatchCount > 0 {
		s.BatchCount = m.BatchCount
	}
	if m.BatchBytes > 0 {
		s.BatchBytes = m.BatchBytes
	}
	return s
}
