package catalog

import (
	"crypto/md5"
	"encoding/hex"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/patchvault/internal/database"
	"github.com/MarcoPoloResearchLab/patchvault/internal/synth"
)

// fakeSynth is a test adapter whose fingerprint algorithm can be bumped to
// simulate an adapter update, and which treats names starting with "INIT"
// as generated defaults.
type fakeSynth struct {
	name        string
	algoVersion byte
}

type fakePatch struct {
	data []byte
}

func (p fakePatch) Data() []byte { return p.data }

func (f *fakeSynth) Name() string { return f.name }

func (f *fakeSynth) PatchFromData(data []byte, program int) (synth.Patch, bool) {
	if len(data) == 0 {
		return nil, false
	}
	return fakePatch{data: data}, true
}

func (f *fakeSynth) Fingerprint(data []byte) string {
	salted := append([]byte{f.algoVersion}, data...)
	sum := md5.Sum(salted)
	return hex.EncodeToString(sum[:])
}

func (f *fakeSynth) IsDefaultName(name string) bool {
	return strings.HasPrefix(name, "INIT")
}

func newTestCatalog(t *testing.T) *PatchDatabase {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.db3")
	db, err := Open(Config{Path: path, Mode: database.ReadWriteNoBackups, Workers: 2})
	if err != nil {
		t.Fatalf("failed to open test catalog: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("failed to close test catalog: %v", err)
		}
	})
	return db
}

func bankPatch(adapter synth.Adapter, name string, data []byte, program int) PatchHolder {
	return PatchHolder{
		Synth:    adapter,
		Name:     name,
		Data:     data,
		Favorite: FavoriteDontKnow,
		Program:  program,
		SourceInfo: SourceInfo{
			Kind:      SourceKindBankDump,
			Source:    "unit-test",
			Timestamp: "2026-01-01T00:00:00Z",
		},
	}
}

// abortAfter is a progress handler that cancels once the given number of
// abort checks has passed.
type abortAfter struct {
	remaining int
}

func (a *abortAfter) ShouldAbort() bool {
	a.remaining--
	return a.remaining < 0
}

func (a *abortAfter) SetProgressPercentage(float64) {}
