package catalog

import (
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/patchvault/internal/synth"
)

// mergedCategories combines the tag state of an incoming patch with the
// stored row. A tag the user explicitly set or cleared, on either side,
// outranks anything an automatic categorizer produced; automatic tags fill
// in only where no decision exists. The returned decision set is the union
// of both sides, so a decision once made stays sticky across re-imports.
func mergedCategories(incoming, existing PatchHolder) (CategorySet, CategorySet) {
	incomingDecided := incoming.Categories.Intersect(incoming.UserDecisions)
	incomingAutomatic := incoming.Categories.Difference(incoming.UserDecisions)
	existingDecided := existing.Categories.Intersect(existing.UserDecisions)

	categories := incomingDecided.
		Union(incomingAutomatic.Difference(existing.UserDecisions)).
		Union(existingDecided.Difference(incoming.UserDecisions))
	decisions := incoming.UserDecisions.Union(existing.UserDecisions)
	return categories, decisions
}

// mergedFavorite keeps the stored rating unless the incoming patch carries
// an explicit one.
func mergedFavorite(incoming, existing PatchHolder) Favorite {
	if incoming.Favorite == FavoriteDontKnow {
		return existing.Favorite
	}
	return incoming.Favorite
}

type importBatch struct {
	synthName string
	uid       string
	display   string
}

// mergePatches runs the full merge pipeline: probe which fingerprints exist,
// update the hits under the caller's update mask, insert the misses with
// synthesized import records, and dedupe within the batch itself. A
// cancelled merge commits what it has written so far and reports that count.
// The returned slice holds the inserted patches in batch order.
func (d *PatchDatabase) mergePatches(db *gorm.DB, patches []PatchHolder, progress ProgressHandler,
	choice UpdateChoice, useTransaction bool) ([]PatchHolder, int) {
	bf := d.snapshotBitfield()

	known := d.bulkGetPatches(db, patches, progress)
	if known == nil {
		return nil, 0
	}

	var newPatches []PatchHolder
	var insertedPatches []PatchHolder
	inserted := 0

	run := func(tx *gorm.DB) error {
		renamed := 0
		for i, patch := range patches {
			if shouldAbort(progress) {
				return nil
			}
			if patch.Synth == nil {
				d.logger.Warn("merge skipping patch without a synth adapter", zap.String("name", patch.Name))
				continue
			}

			existing, found := known[probeKey(patch.SynthName(), patch.Fingerprint())]
			if !found {
				newPatches = append(newPatches, patch)
				setProgress(progress, i, 2*len(patches))
				continue
			}

			// Never let a generated default name overwrite a name the
			// catalog already holds.
			mask := choice
			if synth.HasDefaultName(patch.Synth, patch.Name) {
				mask &^= UpdateName
			}
			if mask&UpdateName != 0 && patch.Name != existing.Name {
				renamed++
				d.logger.Info("merge renames existing patch",
					zap.String("synth", patch.SynthName()),
					zap.String("from", existing.Name),
					zap.String("to", patch.Name))
			}

			switch {
			case mask == 0:
				// Nothing left to touch.
			case mask == UpdateName:
				// The probe projection carries enough for a pure rename.
				d.updatePatch(tx, bf, patch, existing, UpdateName)
			default:
				full, ok := d.getSinglePatch(tx, bf, patch.Synth, patch.Fingerprint())
				if !ok {
					d.logger.Error("patch vanished between probe and update",
						zap.String("synth", patch.SynthName()),
						zap.String("md5", patch.Fingerprint()))
					continue
				}
				d.updatePatch(tx, bf, patch, full, mask)
			}
			setProgress(progress, i, 2*len(patches))
		}
		if renamed > 0 {
			d.logger.Info("merge renamed existing patches", zap.Int("count", renamed))
		}

		// Resolve each new patch to its import batch before inserting, so
		// every patch of one source lands under one import id. Pure updates
		// never create import records.
		imports := make(map[importBatch]struct{})
		importIDs := make(map[string]string)
		for _, patch := range newPatches {
			key := probeKey(patch.SynthName(), patch.Fingerprint())
			switch {
			case patch.SourceInfo.IsZero():
				// No provenance recorded; the row keeps whatever source id
				// the holder already carries.
			case patch.SourceInfo.IsEditBuffer():
				importIDs[key] = EditBufferImportID
				imports[importBatch{patch.SynthName(), EditBufferImportID, editBufferImportName}] = struct{}{}
			default:
				uid := patch.SourceInfo.ImportUID(patch.SynthName())
				importIDs[key] = uid
				imports[importBatch{patch.SynthName(), uid, patch.SourceInfo.DisplayString(patch.SynthName())}] = struct{}{}
			}
		}

		written := make(map[string]PatchHolder)
		for i, patch := range newPatches {
			if shouldAbort(progress) {
				return nil
			}
			key := probeKey(patch.SynthName(), patch.Fingerprint())

			if previous, dup := written[key]; dup {
				// Same content twice in one batch. Keep the better name.
				if synth.HasDefaultName(patch.Synth, previous.Name) && !synth.HasDefaultName(patch.Synth, patch.Name) {
					d.updatePatch(tx, bf, patch, previous, UpdateName)
					written[key] = patch
					d.logger.Debug("duplicate in batch promoted a real name",
						zap.String("synth", patch.SynthName()), zap.String("name", patch.Name))
				} else {
					d.logger.Debug("skipping duplicate patch within batch",
						zap.String("synth", patch.SynthName()), zap.String("md5", patch.Fingerprint()))
				}
				setProgress(progress, len(patches)+i, 2*len(patches))
				continue
			}

			sourceID := patch.SourceID
			if sourceID == "" {
				sourceID = importIDs[key]
			}
			if d.putPatch(tx, bf, patch, sourceID) {
				written[key] = patch
				insertedPatches = append(insertedPatches, patch)
				inserted++
			}
			setProgress(progress, len(patches)+i, 2*len(patches))
		}

		for batch := range imports {
			d.insertImportInfo(tx, batch.synthName, batch.uid, batch.display)
		}
		return nil
	}

	if useTransaction {
		if err := db.Transaction(run); err != nil {
			d.logError(opMergePatches, reasonSQLFailed, err)
			return nil, 0
		}
	} else {
		if err := run(db); err != nil {
			d.logError(opMergePatches, reasonSQLFailed, err)
			return nil, 0
		}
	}
	return insertedPatches, inserted
}
