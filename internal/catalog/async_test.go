package catalog

import (
	"testing"
	"time"
)

func TestGetPatchesAsyncDeliversResultWithFilter(t *testing.T) {
	db := newTestCatalog(t)
	adapter := &fakeSynth{name: "TestSynth"}
	seedFilterFixture(t, db, adapter)

	requested := AllForSynth(adapter)
	done := make(chan struct{})

	db.GetPatchesAsync(requested, 0, -1, func(filter PatchFilter, patches []PatchHolder) {
		if !filter.Equal(requested) {
			t.Errorf("callback received a foreign filter")
		}
		if len(patches) != 3 {
			t.Errorf("expected 3 patches, got %d", len(patches))
		}
		close(done)
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("async query never completed")
	}
}

func TestGetPatchesAsyncCallbacksAreSerialized(t *testing.T) {
	db := newTestCatalog(t)
	adapter := &fakeSynth{name: "TestSynth"}
	seedFilterFixture(t, db, adapter)

	// The callback mutates shared state without locking; this only works
	// because the dispatcher runs callbacks one at a time. The race
	// detector will flag a violation.
	const queries = 20
	delivered := 0
	done := make(chan struct{}, queries)

	for i := 0; i < queries; i++ {
		db.GetPatchesAsync(AllForSynth(adapter), 0, -1, func(PatchFilter, []PatchHolder) {
			delivered++
			done <- struct{}{}
		})
	}

	for i := 0; i < queries; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d callbacks arrived", i, queries)
		}
	}
	if delivered != queries {
		t.Fatalf("expected %d deliveries, got %d", queries, delivered)
	}
}

func TestQueryPoolCloseDrainsPendingJobs(t *testing.T) {
	pool := newQueryPool(2)

	ran := 0
	done := make(chan struct{}, 8)
	for i := 0; i < 8; i++ {
		pool.submit(func() {
			pool.complete(completion{finished: func(PatchFilter, []PatchHolder) {
				ran++
				done <- struct{}{}
			}})
		})
	}
	pool.close()

	if ran != 8 {
		t.Fatalf("expected all queued jobs to run before close returns, got %d", ran)
	}

	if pool.submit(func() { t.Errorf("job ran after close") }) {
		t.Fatalf("submit after close must be rejected")
	}
}
