package btree

import (
	"math/rand"
	"path/filepath"
	"sync"
	"testing"

	"driftdb/pkg/buffer"
	"driftdb/pkg/disk"
	"driftdb/pkg/rid"
)

func newTestTree(t *testing.T) *Tree {
	t.Helper()
	d, err := disk.Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("disk.Open: %v", err)
	}
	pool := buffer.New(d, 64, nil, nil)
	tree, err := Open(pool)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return tree
}

func TestInsertFindDuplicateRejected(t *testing.T) {
	tree := newTestTree(t)
	ok, err := tree.Insert(5, rid.New(1, 0))
	if err != nil || !ok {
		t.Fatalf("Insert(5) = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = tree.Insert(5, rid.New(2, 0))
	if err != nil || ok {
		t.Fatalf("Insert(5) duplicate = (%v, %v), want (false, nil)", ok, err)
	}
	got, found, err := tree.Find(5)
	if err != nil || !found || got != rid.New(1, 0) {
		t.Fatalf("Find(5) = (%v, %v, %v), want (rid(1,0), true, nil)", got, found, err)
	}
}

// TestInsertRemoveRoundTrip inserts 1..1000 then removes 1..1000 in a
// random order, checking presence and absence as it goes.
func TestInsertRemoveRoundTrip(t *testing.T) {
	const n = 1000
	tree := newTestTree(t)

	for k := 1; k <= n; k++ {
		ok, err := tree.Insert(int64(k), rid.New(int32(k), 0))
		if err != nil || !ok {
			t.Fatalf("Insert(%d) = (%v, %v)", k, ok, err)
		}
		if got, found, err := tree.Find(int64(k)); err != nil || !found || got != rid.New(int32(k), 0) {
			t.Fatalf("Find(%d) after insert = (%v, %v, %v)", k, got, found, err)
		}
	}

	order := rand.New(rand.NewSource(1)).Perm(n)
	for _, idx := range order {
		k := int64(idx + 1)
		if err := tree.Remove(k); err != nil {
			t.Fatalf("Remove(%d): %v", k, err)
		}
		if _, found, err := tree.Find(k); err != nil || found {
			t.Fatalf("Find(%d) after remove = (found=%v, err=%v), want not found", k, found, err)
		}
	}
}

func TestIteratorVisitsInOrder(t *testing.T) {
	tree := newTestTree(t)
	keys := []int64{5, 1, 3, 4, 2}
	for _, k := range keys {
		if ok, err := tree.Insert(k, rid.New(int32(k), 0)); err != nil || !ok {
			t.Fatalf("Insert(%d) = (%v, %v)", k, ok, err)
		}
	}
	it, err := tree.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer it.Close()
	var got []int64
	for it.Valid() {
		got = append(got, it.Key())
		it.Next()
	}
	want := []int64{1, 2, 3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("iterator visited %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("iterator visited %v, want %v", got, want)
		}
	}
}

func TestRemoveNonexistentIsNoop(t *testing.T) {
	tree := newTestTree(t)
	if ok, err := tree.Insert(1, rid.New(1, 0)); err != nil || !ok {
		t.Fatalf("Insert(1) = (%v, %v)", ok, err)
	}
	if err := tree.Remove(999); err != nil {
		t.Fatalf("Remove(999): %v", err)
	}
	if _, found, err := tree.Find(1); err != nil || !found {
		t.Fatalf("Find(1) after unrelated remove = (found=%v, err=%v)", found, err)
	}
}

// TestConcurrentCrabbing drives many goroutines through Insert, Find, and
// Remove against one shared tree at once, exercising both the optimistic
// shared-latch descent and the pessimistic exclusive-latch fallback under
// contention. It doesn't assert a particular interleaving, only that the
// tree survives concurrent crabbing with no surviving key lost and no
// removed key left behind.
func TestConcurrentCrabbing(t *testing.T) {
	tree := newTestTree(t)

	const workers = 8
	const perWorker = 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			base := int64(w * perWorker)
			for i := 0; i < perWorker; i++ {
				k := base + int64(i)
				if _, err := tree.Insert(k, rid.New(int32(k), 0)); err != nil {
					t.Errorf("worker %d Insert(%d): %v", w, k, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	// Concurrent finders and removers race over the same key range while
	// the removals keep merging/redistributing nodes underneath the
	// finders, forcing both readers and writers to crab past each other.
	var wg2 sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg2.Add(1)
		go func(w int) {
			defer wg2.Done()
			base := int64(w * perWorker)
			for i := 0; i < perWorker; i++ {
				k := base + int64(i)
				if _, _, err := tree.Find(k); err != nil {
					t.Errorf("worker %d Find(%d): %v", w, k, err)
					return
				}
			}
		}(w)
	}
	for w := 0; w < workers; w += 2 {
		wg2.Add(1)
		go func(w int) {
			defer wg2.Done()
			base := int64(w * perWorker)
			for i := 0; i < perWorker; i++ {
				k := base + int64(i)
				if err := tree.Remove(k); err != nil {
					t.Errorf("worker %d Remove(%d): %v", w, k, err)
					return
				}
			}
		}(w)
	}
	wg2.Wait()

	for w := 1; w < workers; w += 2 {
		base := int64(w * perWorker)
		for i := 0; i < perWorker; i++ {
			k := base + int64(i)
			if _, found, err := tree.Find(k); err != nil || !found {
				t.Fatalf("surviving key %d missing after concurrent removal pass: found=%v err=%v", k, found, err)
			}
		}
	}
	for w := 0; w < workers; w += 2 {
		base := int64(w * perWorker)
		for i := 0; i < perWorker; i++ {
			k := base + int64(i)
			if _, found, err := tree.Find(k); err != nil || found {
				t.Fatalf("removed key %d still present: found=%v err=%v", k, found, err)
			}
		}
	}
}
