package catalog

import (
	"sort"

	"go.uber.org/zap"
)

// maxBitIndex is the highest usable category bit. The mask column is a
// signed 64-bit integer; bit 63 stays clear so no sign-extension can occur.
const maxBitIndex = 62

// Bitfield maps the currently active category definitions onto a 63-bit
// integer usable in indexed WHERE clauses. It is an immutable snapshot;
// the catalog rebuilds it whenever category definitions change.
type Bitfield struct {
	defs   []CategoryDefinition
	byName map[string]CategoryDefinition
	logger *zap.Logger
}

// NewBitfield builds a snapshot from the given definitions, keeping only
// active ones with a valid bit index, in ascending bit order.
func NewBitfield(defs []CategoryDefinition, logger *zap.Logger) Bitfield {
	if logger == nil {
		logger = zap.NewNop()
	}

	active := make([]CategoryDefinition, 0, len(defs))
	byName := make(map[string]CategoryDefinition, len(defs))
	for _, def := range defs {
		if !def.Active {
			continue
		}
		if def.BitIndex < 0 || def.BitIndex > maxBitIndex {
			logger.Warn("category definition has an out-of-range bit index",
				zap.String("category", def.Name), zap.Int("bit_index", def.BitIndex))
			continue
		}
		active = append(active, def)
		byName[def.Name] = def
	}
	sort.Slice(active, func(i, j int) bool { return active[i].BitIndex < active[j].BitIndex })

	return Bitfield{defs: active, byName: byName, logger: logger}
}

// Encode turns a category set into its mask. Names without a live active
// definition are skipped so a retired category in a user's set never aborts
// a save; each skip is logged at debug level.
func (b Bitfield) Encode(set CategorySet) int64 {
	var mask int64
	for name := range set {
		def, ok := b.byName[name]
		if !ok {
			b.log().Debug("skipping category without an active definition", zap.String("category", name))
			continue
		}
		mask |= 1 << def.BitIndex
	}
	return mask
}

// Decode turns a mask back into the set of active category names. Bits
// without a live definition are dropped; they stay latent in the stored
// mask and reappear if the definition is reactivated.
func (b Bitfield) Decode(mask int64) CategorySet {
	set := make(CategorySet)
	for _, def := range b.defs {
		if mask&(1<<def.BitIndex) != 0 {
			set[def.Name] = struct{}{}
		}
	}
	return set
}

// MaxBitIndex returns the highest active bit index, or -1 when no category
// is active.
func (b Bitfield) MaxBitIndex() int {
	if len(b.defs) == 0 {
		return -1
	}
	return b.defs[len(b.defs)-1].BitIndex
}

// ActiveDefinitions returns the snapshot's definitions in ascending bit
// order.
func (b Bitfield) ActiveDefinitions() []CategoryDefinition {
	out := make([]CategoryDefinition, len(b.defs))
	copy(out, b.defs)
	return out
}

func (b Bitfield) log() *zap.Logger {
	if b.logger == nil {
		return zap.NewNop()
	}
	return b.logger
}
