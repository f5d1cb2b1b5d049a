package catalog

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/patchvault/internal/database"
	"github.com/MarcoPoloResearchLab/patchvault/internal/synth"
)

// ServiceError is the coded error the catalog returns; the code names the
// failed operation and the reason so callers can branch without string
// matching the message.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opOpen             = "catalog.open"
	opClose            = "catalog.close"
	opSwitchFile       = "catalog.switch_database_file"
	opGetPatches       = "catalog.get_patches"
	opGetPatchesCount  = "catalog.get_patches_count"
	opGetSinglePatch   = "catalog.get_single_patch"
	opPutPatch         = "catalog.put_patch"
	opUpdatePatch      = "catalog.update_patch"
	opMergePatches     = "catalog.merge_patches"
	opBulkGetPatches   = "catalog.bulk_get_patches"
	opDeletePatches    = "catalog.delete_patches"
	opReindexPatches   = "catalog.reindex_patches"
	opGetCategories    = "catalog.get_categories"
	opUpdateCategories = "catalog.update_categories"
	opEnsureCategories = "catalog.ensure_categories_exist"
	opGetImportsList   = "catalog.get_imports_list"
	opAllPatchLists    = "catalog.all_patch_lists"
	opGetPatchList     = "catalog.get_patch_list"
	opAddPatchToList   = "catalog.add_patch_to_list"
	opCreateList       = "catalog.create_list"
	opInsertImportInfo = "catalog.insert_import_info"
	opMakeBackup       = "catalog.make_backup"

	reasonSQLFailed      = "sql_failed"
	reasonBadFilter      = "bad_filter"
	reasonBitsExhausted  = "bit_indexes_exhausted"
	reasonBadDefinition  = "bad_definition"
	reasonTooManySynths  = "too_many_synths"
	reasonBackupFailed   = "backup_failed"
	reasonMissingPayload = "missing_payload"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Config carries everything needed to open a catalog.
type Config struct {
	Path           string
	Mode           database.OpenMode
	Logger         *zap.Logger
	Workers        int
	BackupMaxCount int
	BackupMaxBytes int64
}

// PatchDatabase is the catalog facade. One instance owns one catalog file,
// the cached category definitions and the async query pool. All methods are
// safe for concurrent use; SQL itself is serialized on a single connection.
type PatchDatabase struct {
	mu   sync.Mutex
	db   *gorm.DB
	path string
	mode database.OpenMode

	categories []CategoryDefinition
	bitfield   Bitfield

	logger         *zap.Logger
	pool           *queryPool
	backupMaxCount int
	backupMaxBytes int64
}

// Open opens or creates the catalog at cfg.Path, migrates it if needed,
// prunes old rolling backups and starts the query workers.
func Open(cfg Config) (*PatchDatabase, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := cfg.Workers
	if workers < 1 {
		workers = 4
	}
	maxCount := cfg.BackupMaxCount
	if maxCount <= 0 {
		maxCount = 3
	}
	maxBytes := cfg.BackupMaxBytes
	if maxBytes <= 0 {
		maxBytes = 500_000_000
	}

	db, err := database.Open(cfg.Path, cfg.Mode, logger)
	if err != nil {
		return nil, newServiceError(opOpen, reasonSQLFailed, err)
	}

	d := &PatchDatabase{
		db:             db,
		path:           cfg.Path,
		mode:           cfg.Mode,
		logger:         logger,
		backupMaxCount: maxCount,
		backupMaxBytes: maxBytes,
	}
	d.refreshCategoriesLocked()

	if cfg.Mode == database.ReadWrite {
		database.PruneBackups(cfg.Path, maxCount, maxBytes, logger)
	}

	d.pool = newQueryPool(workers)
	return d, nil
}

// Close drains the query pool, takes a final rolling backup when the
// catalog was writable and releases the file.
func (d *PatchDatabase) Close() error {
	d.pool.close()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil
	}
	if d.mode == database.ReadWrite {
		if _, err := database.RollingBackup(d.db, d.path); err != nil {
			d.logger.Warn("rolling backup on close failed", zap.Error(err))
		} else {
			database.PruneBackups(d.path, d.backupMaxCount, d.backupMaxBytes, d.logger)
		}
	}

	sqlDB, err := d.db.DB()
	d.db = nil
	if err != nil {
		return newServiceError(opClose, reasonSQLFailed, err)
	}
	if err := sqlDB.Close(); err != nil {
		return newServiceError(opClose, reasonSQLFailed, err)
	}
	return nil
}

// Path returns the catalog file currently open.
func (d *PatchDatabase) Path() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.path
}

// SwitchDatabaseFile atomically swaps the catalog to another file. The new
// file is opened and migrated first; on failure the current catalog stays
// untouched and usable.
func (d *PatchDatabase) SwitchDatabaseFile(path string, mode database.OpenMode) error {
	newDB, err := database.Open(path, mode, d.logger)
	if err != nil {
		d.logger.Error("could not open replacement catalog, keeping current file",
			zap.String("path", path), zap.Error(err))
		return newServiceError(opSwitchFile, reasonSQLFailed, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db != nil {
		if d.mode == database.ReadWrite {
			if _, err := database.RollingBackup(d.db, d.path); err != nil {
				d.logger.Warn("rolling backup before switch failed", zap.Error(err))
			}
		}
		if sqlDB, err := d.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}

	d.db = newDB
	d.path = path
	d.mode = mode
	d.refreshCategoriesLocked()
	d.logger.Info("switched catalog file", zap.String("path", path))
	return nil
}

// handle returns the current gorm handle together with the category
// snapshot it should be read with.
func (d *PatchDatabase) handle() (*gorm.DB, Bitfield) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db, d.bitfield
}

func (d *PatchDatabase) snapshotBitfield() Bitfield {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bitfield
}

// refreshCategoriesLocked reloads the category cache and rebuilds the
// bitfield snapshot. Callers must hold d.mu.
func (d *PatchDatabase) refreshCategoriesLocked() {
	defs, err := loadCategories(d.db)
	if err != nil {
		d.logError(opGetCategories, reasonSQLFailed, err)
		return
	}
	d.categories = defs
	d.bitfield = NewBitfield(defs, d.logger)
}

func (d *PatchDatabase) logError(operation, reason string, cause error, fields ...zap.Field) {
	fields = append(fields, zap.String("operation", operation), zap.String("reason", reason))
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	d.logger.Error("catalog operation failed", fields...)
}

// GetPatchesCount counts the patches matching the filter.
func (d *PatchDatabase) GetPatchesCount(filter PatchFilter) int {
	db, bf := d.handle()
	return d.countPatches(db, bf, filter)
}

// GetPatches returns one page of patches matching the filter, together with
// the rows whose stored fingerprint no longer matches the adapter's current
// algorithm. A limit of -1 disables pagination entirely; skip is ignored
// then.
func (d *PatchDatabase) GetPatches(filter PatchFilter, skip, limit int) ([]PatchHolder, []ReindexEntry) {
	db, bf := d.handle()
	patches, needsReindex := d.getPatches(db, bf, filter, skip, limit)
	if len(needsReindex) > 0 {
		d.logger.Warn("query returned patches with outdated fingerprints, reindexing recommended",
			zap.Int("count", len(needsReindex)))
	}
	return patches, needsReindex
}

// GetPatchesAsync runs GetPatches on the worker pool. The callback receives
// the originating filter so stale results can be recognized and dropped;
// callbacks are serialized, never concurrent.
func (d *PatchDatabase) GetPatchesAsync(filter PatchFilter, skip, limit int, finished func(PatchFilter, []PatchHolder)) {
	d.pool.submit(func() {
		patches, _ := d.GetPatches(filter, skip, limit)
		d.pool.complete(completion{filter: filter, patches: patches, finished: finished})
	})
}

// GetSinglePatch looks up one patch by adapter and fingerprint.
func (d *PatchDatabase) GetSinglePatch(adapter synth.Adapter, fingerprint string) (PatchHolder, bool) {
	db, bf := d.handle()
	return d.getSinglePatch(db, bf, adapter, fingerprint)
}

// MergePatchesIntoDatabase merges a batch of patches into the catalog:
// unknown fingerprints are inserted under a synthesized import record,
// known ones are updated according to choice. It returns the patches that
// were actually inserted, in batch order, and their count.
func (d *PatchDatabase) MergePatchesIntoDatabase(patches []PatchHolder, progress ProgressHandler, choice UpdateChoice) ([]PatchHolder, int) {
	db, _ := d.handle()
	return d.mergePatches(db, patches, progress, choice, true)
}

// PutPatch stores a single patch, overwriting every merge-controlled column
// if it already exists.
func (d *PatchDatabase) PutPatch(patch PatchHolder) bool {
	if patch.Synth == nil || len(patch.Data) == 0 {
		d.logError(opPutPatch, reasonMissingPayload, nil, zap.String("name", patch.Name))
		return false
	}
	db, _ := d.handle()
	_, _ = d.mergePatches(db, []PatchHolder{patch}, nil, UpdateAll, true)
	return true
}

// DeletePatches removes every patch matching the filter and returns the
// number of deleted rows.
func (d *PatchDatabase) DeletePatches(filter PatchFilter) int {
	db, bf := d.handle()
	return d.deleteByFilter(db, bf, filter)
}

// DeletePatchesByFingerprint removes the given fingerprints for one synth.
func (d *PatchDatabase) DeletePatchesByFingerprint(synthName string, fingerprints []string) int {
	db, _ := d.handle()
	return d.deleteByFingerprints(db, synthName, fingerprints)
}

// ReindexPatches rewrites the fingerprints of all patches matching the
// filter after an adapter changed its algorithm. The filter must select
// exactly one synth. It returns the number of patches under the filter
// afterwards, or -1 on failure.
func (d *PatchDatabase) ReindexPatches(filter PatchFilter) int {
	if len(filter.Synths) != 1 {
		d.logError(opReindexPatches, reasonTooManySynths, nil, zap.Int("synths", len(filter.Synths)))
		return -1
	}
	var synthName string
	for name := range filter.Synths {
		synthName = name
	}

	db, bf := d.handle()
	patches, needsReindex := d.getPatches(db, bf, filter, 0, -1)
	if len(needsReindex) == 0 {
		d.logger.Info("no patches need reindexing", zap.String("synth", synthName))
		return len(patches)
	}

	stale := make([]string, 0, len(needsReindex))
	refresh := make([]PatchHolder, 0, len(needsReindex))
	for _, entry := range needsReindex {
		stale = append(stale, entry.StoredFingerprint)
		refresh = append(refresh, entry.Patch)
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		deleted := d.deleteByFingerprints(tx, synthName, stale)
		if deleted != len(stale) {
			return fmt.Errorf("expected to delete %d stale rows, deleted %d", len(stale), deleted)
		}
		d.mergePatches(tx, refresh, nil, UpdateAll, false)
		return nil
	})
	if err != nil {
		d.logError(opReindexPatches, reasonSQLFailed, err, zap.String("synth", synthName))
		return -1
	}

	d.logger.Info("reindexed patches",
		zap.String("synth", synthName), zap.Int("count", len(needsReindex)))
	return d.GetPatchesCount(filter)
}

// GetCategories returns the current category definitions, active and
// inactive, ordered by bit index.
func (d *PatchDatabase) GetCategories() []CategoryDefinition {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refreshCategoriesLocked()
	out := make([]CategoryDefinition, len(d.categories))
	copy(out, d.categories)
	return out
}

// ActiveCategories returns the active definitions the bitfield snapshot
// currently encodes with.
func (d *PatchDatabase) ActiveCategories() []CategoryDefinition {
	return d.snapshotBitfield().ActiveDefinitions()
}

// UpdateCategories writes the given definitions, inserting or updating by
// bit index, then rebuilds the cached bitfield. Definitions with an invalid
// bit index are rejected as a whole; the stored state stays unchanged.
func (d *PatchDatabase) UpdateCategories(defs []CategoryDefinition) error {
	for _, def := range defs {
		if def.BitIndex < 0 || def.BitIndex > maxBitIndex {
			err := newServiceError(opUpdateCategories, reasonBadDefinition,
				fmt.Errorf("category %q has bit index %d, valid range is 0..%d", def.Name, def.BitIndex, maxBitIndex))
			d.logError(opUpdateCategories, reasonBadDefinition, err, zap.String("category", def.Name))
			return err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	err := d.db.Transaction(func(tx *gorm.DB) error {
		for _, def := range defs {
			if err := upsertCategory(tx, def); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		d.logError(opUpdateCategories, reasonSQLFailed, err)
		return newServiceError(opUpdateCategories, reasonSQLFailed, err)
	}

	d.refreshCategoriesLocked()
	return nil
}

// NextFreeBitIndex returns the lowest bit index not yet assigned to any
// category, or -1 when all 63 are taken. In that case the only way forward
// is a second catalog file with its own category table.
func (d *PatchDatabase) NextFreeBitIndex() int {
	db, _ := d.handle()
	next, err := nextFreeBitIndex(db)
	if err != nil {
		d.logError(opGetCategories, reasonSQLFailed, err)
		return -1
	}
	if next == -1 {
		d.logger.Error("all category bit indexes are in use, consider splitting into a second catalog file",
			zap.String("operation", opUpdateCategories), zap.String("reason", reasonBitsExhausted))
	}
	return next
}

// EnsureCategoriesExist inserts any of the wanted categories that do not
// exist yet, assigning free bit indexes in order. Automatic categorizers
// call this before tagging so their vocabulary is always encodable.
func (d *PatchDatabase) EnsureCategoriesExist(wanted []CategoryDefinition) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	existing := make(map[string]struct{}, len(d.categories))
	for _, def := range d.categories {
		existing[def.Name] = struct{}{}
	}

	err := d.db.Transaction(func(tx *gorm.DB) error {
		for _, def := range wanted {
			if _, ok := existing[def.Name]; ok {
				continue
			}
			bit, err := nextFreeBitIndex(tx)
			if err != nil {
				return err
			}
			if bit == -1 {
				return fmt.Errorf("no free bit index for category %q", def.Name)
			}
			def.BitIndex = bit
			def.Active = true
			if err := upsertCategory(tx, def); err != nil {
				return err
			}
			existing[def.Name] = struct{}{}
		}
		return nil
	})
	if err != nil {
		d.logError(opEnsureCategories, reasonBitsExhausted, err)
		return newServiceError(opEnsureCategories, reasonBitsExhausted, err)
	}

	d.refreshCategoriesLocked()
	return nil
}

// GetImportsList returns the import batches recorded for one synth, oldest
// first, each with its patch count.
func (d *PatchDatabase) GetImportsList(adapter synth.Adapter) []ImportInfo {
	db, _ := d.handle()
	return d.importsList(db, adapter.Name())
}

// AllPatchLists returns every user-curated list.
func (d *PatchDatabase) AllPatchLists() []ListInfo {
	db, _ := d.handle()
	return d.allLists(db)
}

// GetPatchList resolves a list to its patches in stored order. Entries for
// synths missing from the resolver map are skipped with a diagnostic.
func (d *PatchDatabase) GetPatchList(info ListInfo, synths map[string]synth.Adapter) PatchList {
	db, bf := d.handle()
	return d.getList(db, bf, info, synths)
}

// AddPatchToList appends a patch to the end of a list.
func (d *PatchDatabase) AddPatchToList(info ListInfo, patch PatchHolder) bool {
	db, _ := d.handle()
	return d.appendToList(db, info, patch)
}

// CreateList creates a new empty list with a fresh id.
func (d *PatchDatabase) CreateList(name string) (ListInfo, error) {
	db, _ := d.handle()
	info, err := d.createList(db, name)
	if err != nil {
		d.logError(opCreateList, reasonSQLFailed, err, zap.String("name", name))
		return ListInfo{}, newServiceError(opCreateList, reasonSQLFailed, err)
	}
	return info, nil
}

// MakeBackup writes a consistent snapshot of the open catalog to the given
// destination file and returns its path.
func (d *PatchDatabase) MakeBackup(destination string) (string, error) {
	db, _ := d.handle()
	path, err := database.BackupTo(db, destination)
	if err != nil {
		d.logError(opMakeBackup, reasonBackupFailed, err, zap.String("destination", destination))
		return "", newServiceError(opMakeBackup, reasonBackupFailed, err)
	}
	d.logger.Info("catalog backup written", zap.String("path", path))
	return path, nil
}
