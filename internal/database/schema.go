package database

import (
	"gorm.io/gorm"
)

// Column names match the historical on-disk format and must never change;
// existing catalog files are read without rewriting.
const (
	createPatchesTable = `CREATE TABLE IF NOT EXISTS patches (synth TEXT, md5 TEXT UNIQUE, name TEXT, type INTEGER,` +
		` data BLOB, favorite INTEGER, hidden INTEGER, sourceID TEXT, sourceName TEXT, sourceInfo TEXT,` +
		` midiBankNo INTEGER, midiProgramNo INTEGER, categories INTEGER, categoryUserDecision INTEGER)`
	createImportsTable       = `CREATE TABLE IF NOT EXISTS imports (synth TEXT, name TEXT, id TEXT, date TEXT)`
	createCategoriesTable    = `CREATE TABLE IF NOT EXISTS categories (bitIndex INTEGER UNIQUE, name TEXT, color TEXT, active INTEGER)`
	createSchemaVersionTable = `CREATE TABLE IF NOT EXISTS schema_version (number INTEGER)`
	createListsTable         = `CREATE TABLE IF NOT EXISTS lists (id TEXT UNIQUE NOT NULL, name TEXT)`
	createPatchInListTable   = `CREATE TABLE IF NOT EXISTS patch_in_list (id TEXT, synth TEXT, md5 TEXT,` +
		` order_num INTEGER NOT NULL, FOREIGN KEY(id) REFERENCES lists(id))`
)

type seedCategory struct {
	bitIndex int
	name     string
	color    string
}

// defaultCategories are seeded into a freshly created categories table so a
// new catalog starts with a usable tag set.
var defaultCategories = []seedCategory{
	{0, "Lead", "ff8dd3c7"},
	{1, "Pad", "ffffffb3"},
	{2, "Brass", "ff4a75b2"},
	{3, "Organ", "fffb8072"},
	{4, "Keys", "ff80b1d3"},
	{5, "Bass", "fffdb462"},
	{6, "Arp", "ffb3de69"},
	{7, "Pluck", "fffccde5"},
	{8, "Drone", "ffd9d9d9"},
	{9, "Drum", "ffbc80bd"},
	{10, "Bell", "ffccebc5"},
	{11, "SFX", "ffffed6f"},
	{12, "Ambient", "ff869cab"},
	{13, "Wind", "ff317469"},
	{14, "Voice", "ffa75781"},
}

func createTables(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		seedNeeded := !tableExists(tx, "categories")

		for _, stmt := range []string{
			createPatchesTable,
			createImportsTable,
			createCategoriesTable,
			createSchemaVersionTable,
			createListsTable,
			createPatchInListTable,
		} {
			if err := tx.Exec(stmt).Error; err != nil {
				return err
			}
		}

		if seedNeeded {
			return seedDefaultCategories(tx)
		}
		return nil
	})
}

func seedDefaultCategories(tx *gorm.DB) error {
	for _, c := range defaultCategories {
		err := tx.Exec("INSERT INTO categories (bitIndex, name, color, active) VALUES (?, ?, ?, 1)",
			c.bitIndex, c.name, c.color).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func tableExists(tx *gorm.DB, name string) bool {
	var count int
	tx.Raw("SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&count)
	return count > 0
}

func columnExists(tx *gorm.DB, table, column string) bool {
	var count int
	tx.Raw("SELECT count(*) FROM pragma_table_info(?) WHERE name = ?", table, column).Scan(&count)
	return count > 0
}
