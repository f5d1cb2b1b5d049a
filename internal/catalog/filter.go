package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/patchvault/internal/synth"
)

// OrderBy selects the row order of paginated queries.
type OrderBy int

const (
	// OrderDefault keeps the legacy order: import, then bank, then program.
	OrderDefault OrderBy = iota
	// OrderByName orders case-insensitively by patch name.
	OrderByName
	// OrderByImportID groups rows by import batch.
	OrderByImportID
	// OrderByListPlace follows the stored list position; it requires a list
	// filter and falls back to the default order without one.
	OrderByListPlace
)

// PatchFilter describes a composite catalog query. The synth map doubles as
// the per-call resolver for adapters; rows for synths absent from the map
// are skipped with a diagnostic.
type PatchFilter struct {
	Synths             map[string]synth.Adapter
	ImportID           string
	ListID             string
	Name               string
	OnlyFaves          bool
	OnlySpecificType   bool
	TypeID             int
	ShowHidden         bool
	OnlyUntagged       bool
	Categories         CategorySet
	AndCategories      bool
	OnlyDuplicateNames bool
	OrderBy            OrderBy
}

// AllForSynth returns a filter matching every patch of one synth, hidden
// ones included.
func AllForSynth(adapter synth.Adapter) PatchFilter {
	return AllPatches(adapter)
}

// AllPatches returns a filter matching every patch of the given synths,
// hidden ones included.
func AllPatches(adapters ...synth.Adapter) PatchFilter {
	synths := make(map[string]synth.Adapter, len(adapters))
	for _, a := range adapters {
		synths[a.Name()] = a
	}
	return PatchFilter{Synths: synths, ShowHidden: true}
}

// Equal reports whether two filters describe the same query. Callers use it
// to drop stale async results whose filter no longer matches the current
// one.
func (f PatchFilter) Equal(other PatchFilter) bool {
	if len(f.Synths) != len(other.Synths) {
		return false
	}
	for name := range f.Synths {
		if _, ok := other.Synths[name]; !ok {
			return false
		}
	}
	if !f.Categories.Equal(other.Categories) {
		return false
	}
	return f.ImportID == other.ImportID &&
		f.ListID == other.ListID &&
		f.Name == other.Name &&
		f.OnlyFaves == other.OnlyFaves &&
		f.OnlySpecificType == other.OnlySpecificType &&
		f.TypeID == other.TypeID &&
		f.ShowHidden == other.ShowHidden &&
		f.OnlyUntagged == other.OnlyUntagged &&
		f.AndCategories == other.AndCategories &&
		f.OnlyDuplicateNames == other.OnlyDuplicateNames &&
		f.OrderBy == other.OrderBy
}

// maxFilterSynths bounds the synth membership clause; the two-digit
// placeholder format admits no more.
const maxFilterSynths = 99

// whereClause is a compiled filter: a WHERE fragment, an ORDER BY fragment
// and the named binds both reference. The fragment is assembled from
// constants and placeholder names only; no input value is ever
// interpolated into the SQL text.
type whereClause struct {
	where string
	order string
	binds map[string]any
}

const listMembershipClause = " AND EXISTS (SELECT 1 FROM patch_in_list pil" +
	" WHERE pil.id = @LID AND pil.synth = patches.synth AND pil.md5 = patches.md5)"

const duplicateNamesClause = " AND name IN (SELECT name FROM patches GROUP BY synth, name HAVING count(*) > 1)"

const listPlaceOrder = "ORDER BY (SELECT pil.order_num FROM patch_in_list pil" +
	" WHERE pil.id = @LID AND pil.synth = patches.synth AND pil.md5 = patches.md5)"

// compileFilter translates a filter into a whereClause. Name matching is
// case-insensitive only when the caller opts in; count and delete keep the
// legacy case-sensitive comparison.
func compileFilter(f PatchFilter, bf Bitfield, caseInsensitiveName bool) (whereClause, error) {
	wc := whereClause{binds: make(map[string]any)}

	var sb strings.Builder
	sb.WriteString(" WHERE 1 == 1")

	if len(f.Synths) > 0 {
		if len(f.Synths) > maxFilterSynths {
			return whereClause{}, fmt.Errorf("catalog: filter selects %d synths, at most %d are supported",
				len(f.Synths), maxFilterSynths)
		}
		names := make([]string, 0, len(f.Synths))
		for name := range f.Synths {
			names = append(names, name)
		}
		sort.Strings(names)

		sb.WriteString(" AND synth IN (")
		for i, name := range names {
			if i > 0 {
				sb.WriteString(", ")
			}
			variable := synthVariable(i)
			sb.WriteString("@" + variable)
			wc.binds[variable] = name
		}
		sb.WriteString(")")
	}

	if f.ImportID != "" {
		sb.WriteString(" AND sourceID = @SID")
		wc.binds["SID"] = f.ImportID
	}

	if f.Name != "" {
		sb.WriteString(" AND name LIKE @NAM")
		if caseInsensitiveName {
			sb.WriteString(" COLLATE NOCASE")
		}
		wc.binds["NAM"] = "%" + f.Name + "%"
	}

	if f.OnlyFaves {
		sb.WriteString(" AND favorite == 1")
	}

	if f.OnlySpecificType {
		sb.WriteString(" AND type == @TYP")
		wc.binds["TYP"] = f.TypeID
	}

	if !f.ShowHidden {
		sb.WriteString(" AND (hidden IS NULL OR hidden != 1)")
	}

	if f.OnlyUntagged {
		sb.WriteString(" AND categories == 0")
	} else if len(f.Categories) > 0 {
		if f.AndCategories {
			sb.WriteString(" AND (categories & @CAT == @CAT)")
		} else {
			sb.WriteString(" AND (categories & @CAT != 0)")
		}
		wc.binds["CAT"] = bf.Encode(f.Categories)
	}

	if f.ListID != "" {
		sb.WriteString(listMembershipClause)
		wc.binds["LID"] = f.ListID
	}

	if f.OnlyDuplicateNames {
		sb.WriteString(duplicateNamesClause)
	}

	wc.where = sb.String()
	wc.order = compileOrder(f)
	return wc, nil
}

func compileOrder(f PatchFilter) string {
	switch f.OrderBy {
	case OrderByName:
		return "ORDER BY name COLLATE NOCASE"
	case OrderByListPlace:
		if f.ListID != "" {
			return listPlaceOrder
		}
	case OrderByImportID, OrderDefault:
	}
	return "ORDER BY sourceID, midiBankNo, midiProgramNo"
}

// synthVariable names the bind for the i-th synth in the membership clause.
func synthVariable(i int) string {
	return fmt.Sprintf("S%02d", i)
}
