// Package catalog implements the patch catalog engine: the category
// bitfield, the filter compiler, the parameter-bound store, the merge
// pipeline and the async query facade, all on top of a single local SQLite
// file managed by internal/database.
package catalog

import (
	"crypto/md5" //nolint:gosec // import uids share the legacy md5 identity scheme
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/MarcoPoloResearchLab/patchvault/internal/synth"
)

// Favorite is the tri-state user rating stored with each patch.
type Favorite int

const (
	// FavoriteDontKnow means the user has not rated the patch; merges keep
	// the existing value.
	FavoriteDontKnow Favorite = -1
	// FavoriteNo is an explicit thumbs-down.
	FavoriteNo Favorite = 0
	// FavoriteYes is an explicit thumbs-up.
	FavoriteYes Favorite = 1
)

// UpdateChoice selects which columns a merge may touch on an existing row.
type UpdateChoice uint

const (
	UpdateName UpdateChoice = 1 << iota
	UpdateCategories
	UpdateHidden
	UpdateData
	UpdateFavorite
)

// UpdateAll touches every merge-controlled column.
const UpdateAll = UpdateName | UpdateCategories | UpdateHidden | UpdateData | UpdateFavorite

// CategorySet is a set of category names.
type CategorySet map[string]struct{}

// NewCategorySet builds a set from the given names.
func NewCategorySet(names ...string) CategorySet {
	s := make(CategorySet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s CategorySet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Names returns the members in sorted order.
func (s CategorySet) Names() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Union returns s ∪ other as a new set.
func (s CategorySet) Union(other CategorySet) CategorySet {
	out := make(CategorySet, len(s)+len(other))
	for n := range s {
		out[n] = struct{}{}
	}
	for n := range other {
		out[n] = struct{}{}
	}
	return out
}

// Intersect returns s ∩ other as a new set.
func (s CategorySet) Intersect(other CategorySet) CategorySet {
	out := make(CategorySet)
	for n := range s {
		if other.Has(n) {
			out[n] = struct{}{}
		}
	}
	return out
}

// Difference returns s − other as a new set.
func (s CategorySet) Difference(other CategorySet) CategorySet {
	out := make(CategorySet)
	for n := range s {
		if !other.Has(n) {
			out[n] = struct{}{}
		}
	}
	return out
}

// Equal reports whether both sets hold the same names.
func (s CategorySet) Equal(other CategorySet) bool {
	if len(s) != len(other) {
		return false
	}
	for n := range s {
		if !other.Has(n) {
			return false
		}
	}
	return true
}

// CategoryDefinition is one named tag and its position in the bitfield.
// Inactive definitions keep their bit index so historical masks stay
// meaningful if the category is reactivated.
type CategoryDefinition struct {
	BitIndex int
	Name     string
	Color    string
	Active   bool
}

// Source kinds recorded in patch provenance.
const (
	SourceKindEditBuffer = "editbuffer"
	SourceKindBankDump   = "bankdump"
	SourceKindFile       = "file"
)

// EditBufferImportID is the sentinel import shared by all transient
// edit-buffer captures, which carry no bank position of their own.
const (
	EditBufferImportID   = "EditBufferImport"
	editBufferImportName = "Edit buffer imports"
)

// SourceInfo is the serialized provenance of a patch: where the bytes came
// from when they entered the catalog.
type SourceInfo struct {
	Kind      string `json:"kind"`
	Source    string `json:"source,omitempty"`
	Bank      int    `json:"bank,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// IsZero reports whether no provenance was recorded.
func (s SourceInfo) IsZero() bool {
	return s.Kind == ""
}

// IsEditBuffer reports whether the patch was captured from the synth's edit
// buffer rather than a stored bank position.
func (s SourceInfo) IsEditBuffer() bool {
	return s.Kind == SourceKindEditBuffer
}

// DisplayString renders the provenance for humans, e.g. as an import name.
func (s SourceInfo) DisplayString(synthName string) string {
	switch s.Kind {
	case SourceKindEditBuffer:
		return editBufferImportName
	case SourceKindBankDump:
		return fmt.Sprintf("Bank dump bank %d from %s", s.Bank, synthName)
	case SourceKindFile:
		return fmt.Sprintf("Imported from file %s", s.Source)
	default:
		return fmt.Sprintf("Imported for %s", synthName)
	}
}

// ImportUID derives the stable import batch id for this provenance. Every
// patch sharing the same provenance on the same synth lands in the same
// import.
func (s SourceInfo) ImportUID(synthName string) string {
	canonical := fmt.Sprintf("%s|%s|%d|%s|%s", s.Kind, s.Source, s.Bank, s.Timestamp, synthName)
	sum := md5.Sum([]byte(canonical)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// String serializes the provenance for the sourceInfo column.
func (s SourceInfo) String() string {
	raw, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(raw)
}

// SourceInfoFromString parses a sourceInfo column value. Unparseable input
// yields a zero SourceInfo; very old rows legitimately carry none.
func SourceInfoFromString(raw string) SourceInfo {
	var s SourceInfo
	if raw == "" {
		return s
	}
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return SourceInfo{}
	}
	return s
}

// PatchHolder is one catalog entry: the opaque payload plus everything the
// catalog knows about it.
type PatchHolder struct {
	Synth         synth.Adapter
	Name          string
	Type          int
	Data          []byte
	Favorite      Favorite
	Hidden        bool
	SourceID      string
	SourceName    string
	SourceInfo    SourceInfo
	Bank          int
	Program       int
	Categories    CategorySet
	UserDecisions CategorySet
}

// SynthName returns the adapter name, the value of the synth column.
func (p PatchHolder) SynthName() string {
	if p.Synth == nil {
		return ""
	}
	return p.Synth.Name()
}

// Fingerprint computes the adapter-defined content hash of the payload.
// The engine never hashes patch bytes itself.
func (p PatchHolder) Fingerprint() string {
	if p.Synth == nil {
		return ""
	}
	return p.Synth.Fingerprint(p.Data)
}

// ImportInfo describes one import batch for listing in a browser.
type ImportInfo struct {
	ID          string
	Name        string
	Description string
}

// ListInfo identifies a user-curated patch list.
type ListInfo struct {
	ID   string
	Name string
}

// PatchList is a resolved list with its patches in stored order.
type PatchList struct {
	ID      string
	Name    string
	Patches []PatchHolder
}

// ReindexEntry reports a row whose stored fingerprint no longer matches the
// adapter's current algorithm.
type ReindexEntry struct {
	StoredFingerprint string
	Patch             PatchHolder
}

// ProgressHandler lets long operations report progress and check for
// cooperative cancellation between item boundaries.
type ProgressHandler interface {
	ShouldAbort() bool
	SetProgressPercentage(pct float64)
}
