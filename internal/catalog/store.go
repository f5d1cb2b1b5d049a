package catalog

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/patchvault/internal/synth"
)

// patchRow mirrors the patches table. Nullable columns stay nullable; old
// files predate several of them.
type patchRow struct {
	Synth                string        `gorm:"column:synth"`
	Md5                  string        `gorm:"column:md5"`
	Name                 string        `gorm:"column:name"`
	Type                 sql.NullInt64 `gorm:"column:type"`
	Data                 []byte        `gorm:"column:data"`
	Favorite             sql.NullInt64 `gorm:"column:favorite"`
	Hidden               sql.NullInt64 `gorm:"column:hidden"`
	SourceID             string        `gorm:"column:sourceID"`
	SourceName           string        `gorm:"column:sourceName"`
	SourceInfo           string        `gorm:"column:sourceInfo"`
	MidiBankNo           sql.NullInt64 `gorm:"column:midiBankNo"`
	MidiProgramNo        sql.NullInt64 `gorm:"column:midiProgramNo"`
	Categories           sql.NullInt64 `gorm:"column:categories"`
	CategoryUserDecision sql.NullInt64 `gorm:"column:categoryUserDecision"`
}

const insertPatchSQL = `INSERT INTO patches (synth, md5, name, type, data, favorite, hidden, sourceID, sourceName,` +
	` sourceInfo, midiBankNo, midiProgramNo, categories, categoryUserDecision)` +
	` VALUES (@SYN, @MD5, @NAM, @TYP, @DAT, @FAV, @HID, @SID, @SNM, @SRC, @BNK, @PRG, @CAT, @CUD)`

func (d *PatchDatabase) putPatch(tx *gorm.DB, bf Bitfield, p PatchHolder, sourceID string) bool {
	err := tx.Exec(insertPatchSQL, map[string]any{
		"SYN": p.SynthName(),
		"MD5": p.Fingerprint(),
		"NAM": p.Name,
		"TYP": p.Type,
		"DAT": p.Data,
		"FAV": int(p.Favorite),
		"HID": boolToInt(p.Hidden),
		"SID": sourceID,
		"SNM": p.SourceInfo.DisplayString(p.SynthName()),
		"SRC": p.SourceInfo.String(),
		"BNK": p.Bank,
		"PRG": p.Program,
		"CAT": bf.Encode(p.Categories),
		"CUD": bf.Encode(p.UserDecisions),
	}).Error
	if err != nil {
		d.logError(opPutPatch, reasonSQLFailed, err, zap.String("synth", p.SynthName()))
		return false
	}
	return true
}

// updatePatch writes the columns selected by choice onto the existing row.
// The SET list is rebuilt from the mask on every call; values only ever
// travel through named binds.
func (d *PatchDatabase) updatePatch(tx *gorm.DB, bf Bitfield, incoming, existing PatchHolder, choice UpdateChoice) bool {
	if choice == 0 {
		return true
	}

	var assignments []string
	binds := make(map[string]any)

	if choice&UpdateCategories != 0 {
		categories, decisions := mergedCategories(incoming, existing)
		assignments = append(assignments, "categories = @CAT, categoryUserDecision = @CUD")
		binds["CAT"] = bf.Encode(categories)
		binds["CUD"] = bf.Encode(decisions)
	}
	if choice&UpdateName != 0 {
		assignments = append(assignments, "name = @NAM")
		binds["NAM"] = incoming.Name
	}
	if choice&UpdateHidden != 0 {
		assignments = append(assignments, "hidden = @HID")
		binds["HID"] = boolToInt(incoming.Hidden)
	}
	if choice&UpdateData != 0 {
		assignments = append(assignments, "data = @DAT")
		binds["DAT"] = incoming.Data
	}
	if choice&UpdateFavorite != 0 {
		assignments = append(assignments, "favorite = @FAV")
		binds["FAV"] = int(mergedFavorite(incoming, existing))
	}

	binds["MD5"] = incoming.Fingerprint()
	binds["SYN"] = existing.SynthName()

	stmt := "UPDATE patches SET " + strings.Join(assignments, ", ") + " WHERE md5 = @MD5 AND synth = @SYN"
	result := tx.Exec(stmt, binds)
	if result.Error != nil {
		d.logError(opUpdatePatch, reasonSQLFailed, result.Error, zap.String("synth", existing.SynthName()))
		return false
	}
	if result.RowsAffected != 1 {
		d.logError(opUpdatePatch, "unexpected_row_count", nil,
			zap.Int64("rows", result.RowsAffected),
			zap.String("md5", incoming.Fingerprint()))
		return false
	}
	return true
}

func (d *PatchDatabase) getSinglePatch(tx *gorm.DB, bf Bitfield, adapter synth.Adapter, fingerprint string) (PatchHolder, bool) {
	var rows []patchRow
	err := tx.Raw("SELECT * FROM patches WHERE md5 = @MD5 AND synth = @SYN",
		map[string]any{"MD5": fingerprint, "SYN": adapter.Name()}).Scan(&rows).Error
	if err != nil {
		d.logError(opGetSinglePatch, reasonSQLFailed, err, zap.String("md5", fingerprint))
		return PatchHolder{}, false
	}
	if len(rows) == 0 {
		return PatchHolder{}, false
	}
	return d.decodeRow(bf, adapter, rows[0])
}

// decodeRow is the single row decoder every query result passes through.
// Rows the adapter cannot reconstitute are skipped with a diagnostic.
func (d *PatchDatabase) decodeRow(bf Bitfield, adapter synth.Adapter, row patchRow) (PatchHolder, bool) {
	program := int(row.MidiProgramNo.Int64)
	patch, ok := adapter.PatchFromData(row.Data, program)
	if !ok {
		d.logger.Warn("adapter rejected stored patch data, skipping row",
			zap.String("synth", row.Synth), zap.String("md5", row.Md5))
		return PatchHolder{}, false
	}

	favorite := FavoriteDontKnow
	if row.Favorite.Valid {
		favorite = Favorite(row.Favorite.Int64)
	}

	return PatchHolder{
		Synth:         adapter,
		Name:          row.Name,
		Type:          int(row.Type.Int64),
		Data:          patch.Data(),
		Favorite:      favorite,
		Hidden:        row.Hidden.Valid && row.Hidden.Int64 == 1,
		SourceID:      row.SourceID,
		SourceName:    row.SourceName,
		SourceInfo:    SourceInfoFromString(row.SourceInfo),
		Bank:          int(row.MidiBankNo.Int64),
		Program:       program,
		Categories:    bf.Decode(row.Categories.Int64),
		UserDecisions: bf.Decode(row.CategoryUserDecision.Int64),
	}, true
}

func (d *PatchDatabase) getPatches(tx *gorm.DB, bf Bitfield, filter PatchFilter, skip, limit int) ([]PatchHolder, []ReindexEntry) {
	wc, err := compileFilter(filter, bf, true)
	if err != nil {
		d.logError(opGetPatches, reasonBadFilter, err)
		return nil, nil
	}

	stmt := "SELECT * FROM patches" + wc.where + " " + wc.order
	if limit != -1 {
		stmt += " LIMIT @LIM OFFSET @OFS"
		wc.binds["LIM"] = limit
		wc.binds["OFS"] = skip
	}

	var rows []patchRow
	if err := tx.Raw(stmt, wc.binds).Scan(&rows).Error; err != nil {
		d.logError(opGetPatches, reasonSQLFailed, err)
		return nil, nil
	}

	var result []PatchHolder
	var needsReindex []ReindexEntry
	for _, row := range rows {
		adapter, ok := filter.Synths[row.Synth]
		if !ok || adapter == nil {
			d.logger.Warn("query returned a patch for a synth not in the filter, skipping row",
				zap.String("synth", row.Synth))
			continue
		}
		holder, ok := d.decodeRow(bf, adapter, row)
		if !ok {
			continue
		}
		result = append(result, holder)
		if recomputed := holder.Fingerprint(); recomputed != row.Md5 {
			needsReindex = append(needsReindex, ReindexEntry{StoredFingerprint: row.Md5, Patch: holder})
		}
	}
	return result, needsReindex
}

func (d *PatchDatabase) countPatches(tx *gorm.DB, bf Bitfield, filter PatchFilter) int {
	wc, err := compileFilter(filter, bf, false)
	if err != nil {
		d.logError(opGetPatchesCount, reasonBadFilter, err)
		return 0
	}

	var count int
	if err := tx.Raw("SELECT count(*) FROM patches"+wc.where, wc.binds).Scan(&count).Error; err != nil {
		d.logError(opGetPatchesCount, reasonSQLFailed, err)
		return 0
	}
	return count
}

func (d *PatchDatabase) deleteByFilter(tx *gorm.DB, bf Bitfield, filter PatchFilter) int {
	wc, err := compileFilter(filter, bf, false)
	if err != nil {
		d.logError(opDeletePatches, reasonBadFilter, err)
		return 0
	}

	result := tx.Exec("DELETE FROM patches"+wc.where, wc.binds)
	if result.Error != nil {
		d.logError(opDeletePatches, reasonSQLFailed, result.Error)
		return 0
	}
	return int(result.RowsAffected)
}

func (d *PatchDatabase) deleteByFingerprints(tx *gorm.DB, synthName string, fingerprints []string) int {
	deleted := 0
	for _, fp := range fingerprints {
		result := tx.Exec("DELETE FROM patches WHERE md5 = @MD5 AND synth = @SYN",
			map[string]any{"MD5": fp, "SYN": synthName})
		if result.Error != nil {
			d.logError(opDeletePatches, reasonSQLFailed, result.Error, zap.String("md5", fp))
			continue
		}
		deleted += int(result.RowsAffected)
	}
	return deleted
}

// bulkGetPatches probes which of the given patches already exist, returning
// a sparse projection (name and placement, no payload) keyed by synth and
// fingerprint. A nil map means the probe was cancelled.
func (d *PatchDatabase) bulkGetPatches(tx *gorm.DB, patches []PatchHolder, progress ProgressHandler) map[string]PatchHolder {
	result := make(map[string]PatchHolder)

	for i, p := range patches {
		if shouldAbort(progress) {
			return nil
		}
		if p.Synth == nil {
			continue
		}

		var rows []patchRow
		err := tx.Raw("SELECT md5, name, midiProgramNo, midiBankNo FROM patches WHERE md5 = @MD5 AND synth = @SYN",
			map[string]any{"MD5": p.Fingerprint(), "SYN": p.SynthName()}).Scan(&rows).Error
		if err != nil {
			d.logError(opBulkGetPatches, reasonSQLFailed, err, zap.String("synth", p.SynthName()))
			continue
		}
		if len(rows) > 0 {
			row := rows[0]
			result[probeKey(p.SynthName(), row.Md5)] = PatchHolder{
				Synth:   p.Synth,
				Name:    row.Name,
				Bank:    int(row.MidiBankNo.Int64),
				Program: int(row.MidiProgramNo.Int64),
			}
		}
		setProgress(progress, i, len(patches))
	}
	return result
}

func probeKey(synthName, fingerprint string) string {
	return synthName + "\x00" + fingerprint
}

// insertImportInfo records an import batch once per (synth, id); repeats
// are no-ops.
func (d *PatchDatabase) insertImportInfo(tx *gorm.DB, synthName, sourceID, importName string) bool {
	var existing int
	err := tx.Raw("SELECT count(*) FROM imports WHERE synth = @SYN AND id = @SID",
		map[string]any{"SYN": synthName, "SID": sourceID}).Scan(&existing).Error
	if err != nil {
		d.logError(opInsertImportInfo, reasonSQLFailed, err, zap.String("import", sourceID))
		return false
	}
	if existing > 0 {
		return false
	}

	err = tx.Exec("INSERT INTO imports (synth, name, id, date) VALUES (@SYN, @NAM, @SID, datetime('now'))",
		map[string]any{"SYN": synthName, "NAM": importName, "SID": sourceID}).Error
	if err != nil {
		d.logError(opInsertImportInfo, reasonSQLFailed, err, zap.String("import", sourceID))
		return false
	}
	return true
}

type importRow struct {
	Name       string `gorm:"column:name"`
	ID         string `gorm:"column:id"`
	PatchCount int    `gorm:"column:patchCount"`
}

func (d *PatchDatabase) importsList(tx *gorm.DB, synthName string) []ImportInfo {
	var rows []importRow
	err := tx.Raw("SELECT imports.name, id, count(patches.md5) AS patchCount FROM imports"+
		" JOIN patches ON imports.id == patches.sourceID"+
		" WHERE patches.synth = @SYN AND imports.synth = @SYN GROUP BY imports.id ORDER BY date",
		map[string]any{"SYN": synthName}).Scan(&rows).Error
	if err != nil {
		d.logError(opGetImportsList, reasonSQLFailed, err, zap.String("synth", synthName))
		return nil
	}

	result := make([]ImportInfo, 0, len(rows))
	for _, row := range rows {
		result = append(result, ImportInfo{
			ID:          row.ID,
			Name:        row.Name,
			Description: fmt.Sprintf("%s (%d)", row.Name, row.PatchCount),
		})
	}
	return result
}

type categoryRow struct {
	BitIndex int    `gorm:"column:bitIndex"`
	Name     string `gorm:"column:name"`
	Color    string `gorm:"column:color"`
	Active   int    `gorm:"column:active"`
}

func loadCategories(tx *gorm.DB) ([]CategoryDefinition, error) {
	var rows []categoryRow
	if err := tx.Raw("SELECT * FROM categories ORDER BY bitIndex").Scan(&rows).Error; err != nil {
		return nil, err
	}

	defs := make([]CategoryDefinition, 0, len(rows))
	for _, row := range rows {
		defs = append(defs, CategoryDefinition{
			BitIndex: row.BitIndex,
			Name:     row.Name,
			Color:    row.Color,
			Active:   row.Active != 0,
		})
	}
	return defs, nil
}

func nextFreeBitIndex(tx *gorm.DB) (int, error) {
	var next sql.NullInt64
	if err := tx.Raw("SELECT MAX(bitIndex) + 1 AS next FROM categories").Scan(&next).Error; err != nil {
		return -1, err
	}
	if !next.Valid {
		return 0, nil
	}
	if next.Int64 > maxBitIndex {
		return -1, nil
	}
	return int(next.Int64), nil
}

func upsertCategory(tx *gorm.DB, def CategoryDefinition) error {
	var existing int
	err := tx.Raw("SELECT count(*) FROM categories WHERE bitIndex = @BIT",
		map[string]any{"BIT": def.BitIndex}).Scan(&existing).Error
	if err != nil {
		return err
	}

	binds := map[string]any{
		"BIT": def.BitIndex,
		"NAM": def.Name,
		"COL": def.Color,
		"ACT": boolToInt(def.Active),
	}
	if existing > 0 {
		return tx.Exec("UPDATE categories SET name = @NAM, color = @COL, active = @ACT WHERE bitIndex = @BIT", binds).Error
	}
	return tx.Exec("INSERT INTO categories (bitIndex, name, color, active) VALUES (@BIT, @NAM, @COL, @ACT)", binds).Error
}

type listRow struct {
	ID   string `gorm:"column:id"`
	Name string `gorm:"column:name"`
}

func (d *PatchDatabase) allLists(tx *gorm.DB) []ListInfo {
	var rows []listRow
	if err := tx.Raw("SELECT * FROM lists").Scan(&rows).Error; err != nil {
		d.logError(opAllPatchLists, reasonSQLFailed, err)
		return nil
	}

	result := make([]ListInfo, 0, len(rows))
	for _, row := range rows {
		result = append(result, ListInfo{ID: row.ID, Name: row.Name})
	}
	return result
}

type listEntryRow struct {
	Synth string `gorm:"column:synth"`
	Md5   string `gorm:"column:md5"`
}

func (d *PatchDatabase) getList(tx *gorm.DB, bf Bitfield, info ListInfo, synths map[string]synth.Adapter) PatchList {
	list := PatchList{ID: info.ID, Name: info.Name}

	var rows []listEntryRow
	err := tx.Raw("SELECT synth, md5 FROM patch_in_list WHERE id = @ID ORDER BY order_num",
		map[string]any{"ID": info.ID}).Scan(&rows).Error
	if err != nil {
		d.logError(opGetPatchList, reasonSQLFailed, err, zap.String("list", info.ID))
		return list
	}

	for _, row := range rows {
		adapter, ok := synths[row.Synth]
		if !ok || adapter == nil {
			d.logger.Warn("list references a synth that is not registered, skipping entry",
				zap.String("list", info.ID), zap.String("synth", row.Synth))
			continue
		}
		if holder, ok := d.getSinglePatch(tx, bf, adapter, row.Md5); ok {
			list.Patches = append(list.Patches, holder)
		}
	}
	return list
}

// appendToList places the patch at the end of the list. Order numbers are
// assigned monotonically so stored order survives re-reads.
func (d *PatchDatabase) appendToList(tx *gorm.DB, info ListInfo, patch PatchHolder) bool {
	err := tx.Exec("INSERT INTO patch_in_list (id, synth, md5, order_num) VALUES (@ID, @SYN, @MD5,"+
		" (SELECT COALESCE(MAX(order_num) + 1, 0) FROM patch_in_list WHERE id = @ID))",
		map[string]any{"ID": info.ID, "SYN": patch.SynthName(), "MD5": patch.Fingerprint()}).Error
	if err != nil {
		d.logError(opAddPatchToList, reasonSQLFailed, err, zap.String("list", info.ID))
		return false
	}
	return true
}

func (d *PatchDatabase) createList(tx *gorm.DB, name string) (ListInfo, error) {
	info := ListInfo{ID: uuid.NewString(), Name: name}
	err := tx.Exec("INSERT INTO lists (id, name) VALUES (@ID, @NAM)",
		map[string]any{"ID": info.ID, "NAM": name}).Error
	if err != nil {
		return ListInfo{}, err
	}
	return info, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func shouldAbort(progress ProgressHandler) bool {
	return progress != nil && progress.ShouldAbort()
}

func setProgress(progress ProgressHandler, done, total int) {
	if progress != nil && total > 0 {
		progress.SetProgressPercentage(float64(done) / float64(total))
	}
}
