package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

func TestGetSinglePatchRoundTrip(t *testing.T) {
	db := newTestCatalog(t)
	adapter := &fakeSynth{name: "TestSynth"}

	original := bankPatch(adapter, "Warm Pad", []byte{0x01, 0x02, 0x03}, 42)
	original.Bank = 2
	original.Categories = NewCategorySet("Pad", "Ambient")
	original.UserDecisions = NewCategorySet("Pad")
	original.Favorite = FavoriteYes
	original.Hidden = true

	db.MergePatchesIntoDatabase([]PatchHolder{original}, nil, UpdateAll)

	stored, ok := db.GetSinglePatch(adapter, adapter.Fingerprint(original.Data))
	if !ok {
		t.Fatalf("patch not found")
	}
	if stored.Name != original.Name {
		t.Fatalf("expected name %q, got %q", original.Name, stored.Name)
	}
	if !bytes.Equal(stored.Data, original.Data) {
		t.Fatalf("payload did not survive the round trip")
	}
	if stored.Bank != 2 || stored.Program != 42 {
		t.Fatalf("expected place 2/42, got %d/%d", stored.Bank, stored.Program)
	}
	if stored.Favorite != FavoriteYes || !stored.Hidden {
		t.Fatalf("flags did not survive: favorite %d hidden %v", stored.Favorite, stored.Hidden)
	}
	if !stored.Categories.Equal(original.Categories) {
		t.Fatalf("expected categories %v, got %v", original.Categories.Names(), stored.Categories.Names())
	}
	if !stored.UserDecisions.Equal(original.UserDecisions) {
		t.Fatalf("expected decisions %v, got %v", original.UserDecisions.Names(), stored.UserDecisions.Names())
	}
	if stored.SourceInfo != original.SourceInfo {
		t.Fatalf("provenance did not survive: %+v", stored.SourceInfo)
	}
}

func TestGetSinglePatchMissing(t *testing.T) {
	db := newTestCatalog(t)
	adapter := &fakeSynth{name: "TestSynth"}

	if _, ok := db.GetSinglePatch(adapter, "no-such-fingerprint"); ok {
		t.Fatalf("expected a miss for an unknown fingerprint")
	}
}

func seedFilterFixture(t *testing.T, db *PatchDatabase, adapter *fakeSynth) {
	t.Helper()
	warm := bankPatch(adapter, "Warm Pad", []byte{0x01}, 0)
	warm.Favorite = FavoriteYes
	warm.Categories = NewCategorySet("Pad")

	bass := bankPatch(adapter, "Big Bass", []byte{0x02}, 1)
	bass.Categories = NewCategorySet("Bass")

	hidden := bankPatch(adapter, "Broken Noise", []byte{0x03}, 2)
	hidden.Hidden = true

	if _, inserted := db.MergePatchesIntoDatabase([]PatchHolder{warm, bass, hidden}, nil, UpdateAll); inserted != 3 {
		t.Fatalf("fixture merge inserted %d rows", inserted)
	}
}

func TestFilterQueriesAgainstStore(t *testing.T) {
	db := newTestCatalog(t)
	adapter := &fakeSynth{name: "TestSynth"}
	seedFilterFixture(t, db, adapter)

	all := AllForSynth(adapter)
	if count := db.GetPatchesCount(all); count != 3 {
		t.Fatalf("expected 3 patches with hidden shown, got %d", count)
	}

	visible := all
	visible.ShowHidden = false
	if count := db.GetPatchesCount(visible); count != 2 {
		t.Fatalf("expected hidden patch excluded, got %d", count)
	}

	faves := all
	faves.OnlyFaves = true
	if count := db.GetPatchesCount(faves); count != 1 {
		t.Fatalf("expected 1 favorite, got %d", count)
	}

	named := all
	named.Name = "bass"
	patches, _ := db.GetPatches(named, 0, -1)
	if len(patches) != 1 || patches[0].Name != "Big Bass" {
		t.Fatalf("case-insensitive name search failed: %+v", patches)
	}

	tagged := all
	tagged.Categories = NewCategorySet("Pad", "Bass")
	if count := db.GetPatchesCount(tagged); count != 2 {
		t.Fatalf("expected 2 patches in either category, got %d", count)
	}

	tagged.AndCategories = true
	if count := db.GetPatchesCount(tagged); count != 0 {
		t.Fatalf("expected no patch in both categories, got %d", count)
	}

	untagged := all
	untagged.OnlyUntagged = true
	if count := db.GetPatchesCount(untagged); count != 1 {
		t.Fatalf("expected 1 untagged patch, got %d", count)
	}
}

func TestGetPatchesPagination(t *testing.T) {
	db := newTestCatalog(t)
	adapter := &fakeSynth{name: "TestSynth"}

	batch := make([]PatchHolder, 0, 5)
	for i := 0; i < 5; i++ {
		batch = append(batch, bankPatch(adapter, fmt.Sprintf("Patch %c", 'A'+i), []byte{byte(i + 1)}, i))
	}
	db.MergePatchesIntoDatabase(batch, nil, UpdateAll)

	filter := AllForSynth(adapter)
	filter.OrderBy = OrderByName

	page, _ := db.GetPatches(filter, 1, 2)
	if len(page) != 2 {
		t.Fatalf("expected a page of 2, got %d", len(page))
	}
	if page[0].Name != "Patch B" || page[1].Name != "Patch C" {
		t.Fatalf("unexpected page contents: %q, %q", page[0].Name, page[1].Name)
	}

	all, _ := db.GetPatches(filter, 3, -1)
	if len(all) != 5 {
		t.Fatalf("limit -1 must ignore skip and return every match, got %d", len(all))
	}
}

func TestDeletePatches(t *testing.T) {
	db := newTestCatalog(t)
	adapter := &fakeSynth{name: "TestSynth"}
	seedFilterFixture(t, db, adapter)

	hidden := AllForSynth(adapter)
	visible := hidden
	visible.ShowHidden = false

	if deleted := db.DeletePatches(visible); deleted != 2 {
		t.Fatalf("expected 2 deleted rows, got %d", deleted)
	}
	if count := db.GetPatchesCount(hidden); count != 1 {
		t.Fatalf("expected only the hidden patch to remain, got %d", count)
	}
}

func TestDeletePatchesByFingerprint(t *testing.T) {
	db := newTestCatalog(t)
	adapter := &fakeSynth{name: "TestSynth"}
	seedFilterFixture(t, db, adapter)

	deleted := db.DeletePatchesByFingerprint(adapter.Name(), []string{
		adapter.Fingerprint([]byte{0x01}),
		adapter.Fingerprint([]byte{0x02}),
		"not-a-real-fingerprint",
	})
	if deleted != 2 {
		t.Fatalf("expected 2 deleted rows, got %d", deleted)
	}
}

func TestReindexAfterFingerprintAlgorithmChange(t *testing.T) {
	db := newTestCatalog(t)
	adapter := &fakeSynth{name: "TestSynth", algoVersion: 1}

	batch := []PatchHolder{
		bankPatch(adapter, "Warm Pad", []byte{0x01}, 0),
		bankPatch(adapter, "Big Bass", []byte{0x02}, 1),
	}
	db.MergePatchesIntoDatabase(batch, nil, UpdateAll)
	oldFingerprint := adapter.Fingerprint([]byte{0x01})

	// The adapter ships a new fingerprint algorithm; stored hashes are now
	// stale.
	adapter.algoVersion = 2

	_, needsReindex := db.GetPatches(AllForSynth(adapter), 0, -1)
	if len(needsReindex) != 2 {
		t.Fatalf("expected 2 stale rows reported, got %d", len(needsReindex))
	}

	count := db.ReindexPatches(AllForSynth(adapter))
	if count != 2 {
		t.Fatalf("expected 2 patches after reindex, got %d", count)
	}

	_, needsReindex = db.GetPatches(AllForSynth(adapter), 0, -1)
	if len(needsReindex) != 0 {
		t.Fatalf("expected a clean catalog after reindex, got %d stale rows", len(needsReindex))
	}
	if _, ok := db.GetSinglePatch(adapter, oldFingerprint); ok {
		t.Fatalf("stale fingerprint still resolves after reindex")
	}
	if _, ok := db.GetSinglePatch(adapter, adapter.Fingerprint([]byte{0x01})); !ok {
		t.Fatalf("patch not reachable under its new fingerprint")
	}
}

func TestReindexRefusesMultipleSynths(t *testing.T) {
	db := newTestCatalog(t)
	first := &fakeSynth{name: "FirstSynth"}
	second := &fakeSynth{name: "SecondSynth"}

	if count := db.ReindexPatches(AllPatches(first, second)); count != -1 {
		t.Fatalf("expected refusal for a multi-synth filter, got %d", count)
	}
}

func TestDefaultCategoriesSeeded(t *testing.T) {
	db := newTestCatalog(t)

	defs := db.GetCategories()
	if len(defs) != 15 {
		t.Fatalf("expected 15 seeded categories, got %d", len(defs))
	}
	if defs[0].Name != "Lead" || defs[0].BitIndex != 0 {
		t.Fatalf("unexpected first category %+v", defs[0])
	}
	if next := db.NextFreeBitIndex(); next != 15 {
		t.Fatalf("expected next free bit index 15, got %d", next)
	}
}

func TestUpdateCategoriesRejectsInvalidBitIndex(t *testing.T) {
	db := newTestCatalog(t)

	err := db.UpdateCategories([]CategoryDefinition{{BitIndex: 63, Name: "Overflow", Color: "ff000000", Active: true}})
	if err == nil {
		t.Fatalf("expected an error for bit index 63")
	}
	if len(db.GetCategories()) != 15 {
		t.Fatalf("category table changed after a rejected update")
	}
}

func TestUpdateCategoriesUpsertsAndRefreshesBitfield(t *testing.T) {
	db := newTestCatalog(t)
	adapter := &fakeSynth{name: "TestSynth"}

	err := db.UpdateCategories([]CategoryDefinition{
		{BitIndex: 0, Name: "Solo Lead", Color: "ff8dd3c7", Active: true},
		{BitIndex: 15, Name: "Granular", Color: "ff123456", Active: true},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(db.GetCategories()) != 16 {
		t.Fatalf("expected 16 categories after upsert, got %d", len(db.GetCategories()))
	}

	tagged := bankPatch(adapter, "Grain Cloud", []byte{0x0f}, 0)
	tagged.Categories = NewCategorySet("Granular")
	db.MergePatchesIntoDatabase([]PatchHolder{tagged}, nil, UpdateAll)

	stored, _ := db.GetSinglePatch(adapter, adapter.Fingerprint(tagged.Data))
	if !stored.Categories.Has("Granular") {
		t.Fatalf("new category not usable after update: %v", stored.Categories.Names())
	}
}

func TestNextFreeBitIndexExhaustion(t *testing.T) {
	db := newTestCatalog(t)

	defs := make([]CategoryDefinition, 0, 48)
	for bit := 15; bit <= 62; bit++ {
		defs = append(defs, CategoryDefinition{BitIndex: bit, Name: fmt.Sprintf("Extra %d", bit), Color: "ff000000", Active: true})
	}
	if err := db.UpdateCategories(defs); err != nil {
		t.Fatalf("unexpected error filling the bitfield: %v", err)
	}

	if next := db.NextFreeBitIndex(); next != -1 {
		t.Fatalf("expected exhaustion, got bit index %d", next)
	}

	err := db.EnsureCategoriesExist([]CategoryDefinition{{Name: "One Too Many", Color: "ff000000"}})
	if err == nil {
		t.Fatalf("expected EnsureCategoriesExist to refuse a 64th category")
	}
}

func TestEnsureCategoriesExist(t *testing.T) {
	db := newTestCatalog(t)

	err := db.EnsureCategoriesExist([]CategoryDefinition{
		{Name: "Lead", Color: "ffffffff"},
		{Name: "Granular", Color: "ff123456"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	defs := db.GetCategories()
	if len(defs) != 16 {
		t.Fatalf("expected exactly one new category, got %d total", len(defs))
	}
	last := defs[len(defs)-1]
	if last.Name != "Granular" || last.BitIndex != 15 || !last.Active {
		t.Fatalf("unexpected new category %+v", last)
	}
}

func TestPatchLists(t *testing.T) {
	db := newTestCatalog(t)
	adapter := &fakeSynth{name: "TestSynth"}
	seedFilterFixture(t, db, adapter)

	info, err := db.CreateList("Live Set")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.ID == "" {
		t.Fatalf("expected a generated list id")
	}

	bass, _ := db.GetSinglePatch(adapter, adapter.Fingerprint([]byte{0x02}))
	warm, _ := db.GetSinglePatch(adapter, adapter.Fingerprint([]byte{0x01}))
	if !db.AddPatchToList(info, bass) || !db.AddPatchToList(info, warm) {
		t.Fatalf("failed to append patches to the list")
	}

	lists := db.AllPatchLists()
	if len(lists) != 1 || lists[0].Name != "Live Set" {
		t.Fatalf("unexpected lists %+v", lists)
	}

	resolved := db.GetPatchList(info, AllForSynth(adapter).Synths)
	if len(resolved.Patches) != 2 {
		t.Fatalf("expected 2 patches in the list, got %d", len(resolved.Patches))
	}
	if resolved.Patches[0].Name != "Big Bass" || resolved.Patches[1].Name != "Warm Pad" {
		t.Fatalf("list order not preserved: %q, %q", resolved.Patches[0].Name, resolved.Patches[1].Name)
	}

	byList := AllForSynth(adapter)
	byList.ListID = info.ID
	byList.OrderBy = OrderByListPlace
	patches, _ := db.GetPatches(byList, 0, -1)
	if len(patches) != 2 || patches[0].Name != "Big Bass" {
		t.Fatalf("list-place query failed: %+v", patches)
	}
}

func TestPutPatchOverwritesExistingRow(t *testing.T) {
	db := newTestCatalog(t)
	adapter := &fakeSynth{name: "TestSynth"}
	data := []byte{0x01, 0x02}

	db.MergePatchesIntoDatabase([]PatchHolder{bankPatch(adapter, "Warm Pad", data, 0)}, nil, UpdateAll)

	edited := bankPatch(adapter, "Warmer Pad", data, 0)
	edited.Favorite = FavoriteYes
	edited.Hidden = true
	if !db.PutPatch(edited) {
		t.Fatalf("PutPatch failed")
	}

	stored, _ := db.GetSinglePatch(adapter, adapter.Fingerprint(data))
	if stored.Name != "Warmer Pad" || stored.Favorite != FavoriteYes || !stored.Hidden {
		t.Fatalf("PutPatch did not overwrite: %+v", stored)
	}
}

func TestPutPatchRejectsEmptyPayload(t *testing.T) {
	db := newTestCatalog(t)
	adapter := &fakeSynth{name: "TestSynth"}

	if db.PutPatch(PatchHolder{Synth: adapter, Name: "Empty"}) {
		t.Fatalf("expected PutPatch to reject an empty payload")
	}
}

func TestServiceErrorCode(t *testing.T) {
	err := newServiceError(opUpdateCategories, reasonBadDefinition, nil)
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected a ServiceError")
	}
	if serviceErr.Code() != "catalog.update_categories.bad_definition" {
		t.Fatalf("unexpected code %q", serviceErr.Code())
	}
}
