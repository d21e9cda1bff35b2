package registry

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/amorison/pipeline/internal/digest"
	"github.com/amorison/pipeline/internal/protocol"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.db")
	reg, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func sampleSpec(hash string) protocol.FileSpec {
	return protocol.FileSpec{
		ClientName:     "c1",
		RelativeSubdir: "sub",
		FileName:       "a.mrc",
		Digest:         digest.Digest{Kind: digest.Full, Hex: hash},
	}
}

func TestInsertLookupStatus(t *testing.T) {
	reg := openTestRegistry(t)
	spec := sampleSpec("h1")

	ok, err := reg.Contains(spec.Digest.Hex)
	if err != nil {
		t.Fatalf("Contains: %v", err)
	}
	if ok {
		t.Fatalf("expected missing record to report false")
	}

	if err := reg.InsertNew(spec); err != nil {
		t.Fatalf("InsertNew: %v", err)
	}

	ok, err = reg.Contains(spec.Digest.Hex)
	if err != nil || !ok {
		t.Fatalf("Contains after insert: ok=%v err=%v", ok, err)
	}

	st, err := reg.Status(spec.Digest.Hex)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st != AwaitFromClient {
		t.Fatalf("got status %s, want AwaitFromClient", st)
	}
}

func TestInsertNewFailsOnDuplicate(t *testing.T) {
	reg := openTestRegistry(t)
	spec := sampleSpec("dup")
	if err := reg.InsertNew(spec); err != nil {
		t.Fatalf("first InsertNew: %v", err)
	}
	if err := reg.InsertNew(spec); err != ErrAlreadyExists {
		t.Fatalf("second InsertNew: got %v, want ErrAlreadyExists", err)
	}
}

func TestUpdateStatusOnMissingIsNotFound(t *testing.T) {
	reg := openTestRegistry(t)
	if err := reg.UpdateStatus("nope", Done); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	reg := openTestRegistry(t)
	spec := sampleSpec("life")
	if err := reg.InsertNew(spec); err != nil {
		t.Fatalf("InsertNew: %v", err)
	}

	for _, next := range []Status{Processing, Done} {
		if err := reg.UpdateStatus(spec.Digest.Hex, next); err != nil {
			t.Fatalf("UpdateStatus(%s): %v", next, err)
		}
		got, err := reg.Status(spec.Digest.Hex)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if got != next {
			t.Fatalf("got %s, want %s", got, next)
		}
	}
}

func TestTasksWithStatusAndContent(t *testing.T) {
	reg := openTestRegistry(t)
	for i, h := range []string{"a", "b", "c"} {
		spec := sampleSpec(h)
		if err := reg.InsertNew(spec); err != nil {
			t.Fatalf("InsertNew(%s): %v", h, err)
		}
		if i < 2 {
			if err := reg.UpdateStatus(h, Failed); err != nil {
				t.Fatalf("UpdateStatus: %v", err)
			}
		}
	}

	failed, err := reg.TasksWithStatus(Failed)
	if err != nil {
		t.Fatalf("TasksWithStatus: %v", err)
	}
	if len(failed) != 2 {
		t.Fatalf("got %d failed tasks, want 2", len(failed))
	}

	all, err := reg.Content()
	if err != nil {
		t.Fatalf("Content: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d total records, want 3", len(all))
	}
}

func TestRemove(t *testing.T) {
	reg := openTestRegistry(t)
	spec := sampleSpec("gone")
	if err := reg.InsertNew(spec); err != nil {
		t.Fatalf("InsertNew: %v", err)
	}
	if err := reg.Remove(spec.Digest.Hex); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	ok, err := reg.Contains(spec.Digest.Hex)
	if err != nil {
		t.Fatalf("Contains: %v", err)
	}
	if ok {
		t.Fatalf("expected record to be gone after Remove")
	}
}

// TestConcurrentInsertOnlyOneWins exercises the invariant that for a
// given hash, only the first of several concurrent InsertNew calls
// succeeds, and every loser observes ErrAlreadyExists specifically
// rather than some other error bubbling up from a lost race.
func TestConcurrentInsertOnlyOneWins(t *testing.T) {
	reg := openTestRegistry(t)
	spec := sampleSpec("race")

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = reg.InsertNew(spec)
		}(i)
	}
	wg.Wait()

	wins, losses := 0, 0
	for _, err := range errs {
		switch err {
		case nil:
			wins++
		case ErrAlreadyExists:
			losses++
		default:
			t.Fatalf("unexpected error from InsertNew race: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly 1 winning insert, got %d", wins)
	}
	if losses != n-1 {
		t.Fatalf("expected %d losers to get ErrAlreadyExists, got %d", n-1, losses)
	}
}

// TestConcurrentTryBeginProcessingOnlyOneWins exercises the invariant
// backing process()'s at-most-once-in-flight guarantee: when several
// goroutines race to begin processing the same hash (the shape a
// max_processing > 1 semaphore permits), only one observes won == true.
func TestConcurrentTryBeginProcessingOnlyOneWins(t *testing.T) {
	reg := openTestRegistry(t)
	spec := sampleSpec("proc-race")
	if err := reg.InsertNew(spec); err != nil {
		t.Fatalf("InsertNew: %v", err)
	}

	const n = 8
	var wg sync.WaitGroup
	wons := make([]bool, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wons[i], errs[i] = reg.TryBeginProcessing(spec.Digest.Hex)
		}(i)
	}
	wg.Wait()

	wins := 0
	for i, won := range wons {
		if errs[i] != nil {
			t.Fatalf("unexpected error from TryBeginProcessing race: %v", errs[i])
		}
		if won {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly 1 goroutine to win TryBeginProcessing, got %d", wins)
	}

	st, err := reg.Status(spec.Digest.Hex)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st != Processing {
		t.Fatalf("got status %s, want Processing", st)
	}
}

func TestReadOnlyHandleSeesCommittedRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")
	reg, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reg.Close()

	spec := sampleSpec("ro")
	if err := reg.InsertNew(spec); err != nil {
		t.Fatalf("InsertNew: %v", err)
	}

	ro, err := OpenReadOnly(path, nil)
	if err != nil {
		t.Fatalf("OpenReadOnly: %v", err)
	}
	defer ro.Close()

	ok, err := ro.Contains(spec.Digest.Hex)
	if err != nil {
		t.Fatalf("Contains: %v", err)
	}
	if !ok {
		t.Fatalf("expected read-only handle to see record inserted by the writer")
	}
}
