package database

import (
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type migrationStep struct {
	to    int
	apply func(tx *gorm.DB) error
}

// migrations is the forward-only ledger. Steps run strictly in ascending
// order, each inside its own transaction that also bumps schema_version.
var migrations = []migrationStep{
	{to: 2, apply: func(tx *gorm.DB) error {
		return addColumn(tx, "patches", "hidden", "INTEGER")
	}},
	{to: 3, apply: func(tx *gorm.DB) error {
		return addColumn(tx, "patches", "type", "INTEGER")
	}},
	{to: 4, apply: func(tx *gorm.DB) error {
		return tx.Exec("UPDATE patches SET type = 0 WHERE type IS NULL").Error
	}},
	{to: 5, apply: func(tx *gorm.DB) error {
		return addColumn(tx, "patches", "midiBankNo", "INTEGER")
	}},
	{to: 6, apply: func(tx *gorm.DB) error {
		if !tableExists(tx, "categories") {
			if err := tx.Exec(createCategoriesTable).Error; err != nil {
				return err
			}
			return seedDefaultCategories(tx)
		}
		return nil
	}},
	{to: 7, apply: func(tx *gorm.DB) error {
		if err := tx.Exec(createListsTable).Error; err != nil {
			return err
		}
		return tx.Exec(createPatchInListTable).Error
	}},
}

func migrate(db *gorm.DB, from int, mode OpenMode, path string, logger *zap.Logger) error {
	backedUp := false

	for _, step := range migrations {
		if from >= step.to {
			continue
		}

		if !backedUp && mode == ReadWrite {
			backupPath, err := BackupTo(db, nextAvailable(path, beforeMigrationSuffix))
			if err != nil {
				return err
			}
			logger.Info("pre-migration backup written", zap.String("backup", backupPath))
			backedUp = true
		}

		err := db.Transaction(func(tx *gorm.DB) error {
			if err := step.apply(tx); err != nil {
				return err
			}
			return tx.Exec("UPDATE schema_version SET number = ?", step.to).Error
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func addColumn(tx *gorm.DB, table, column, columnType string) error {
	if columnExists(tx, table, column) {
		return nil
	}
	// Identifiers come from the compiled ledger above, never from input.
	return tx.Exec("ALTER TABLE " + table + " ADD COLUMN " + column + " " + columnType).Error
}
