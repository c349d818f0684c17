package job

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/skiff-sh/skiff/internal/domain"
)

// orderedIDs returns two UUIDv7 ids whose embedded timestamps are strictly
// increasing. The generator has millisecond resolution, so spacing the calls
// guarantees distinct creation times.
func orderedIDs(t *testing.T) (older, newer string) {
	t.Helper()
	first, err := uuid.NewV7()
	if err != nil {
		t.Fatalf("new v7: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	second, err := uuid.NewV7()
	if err != nil {
		t.Fatalf("new v7: %v", err)
	}
	return first.String(), second.String()
}

func newTestResolver(projects *fakeProjectRepo) Resolver {
	return NewResolver(projects, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestResolvePromotesFirstDeploy(t *testing.T) {
	projects := newFakeProjectRepo()
	projects.add(&domain.Project{ID: "proj-1"})
	resolver := newTestResolver(projects)

	older, _ := orderedIDs(t)
	if err := resolver.Resolve(context.Background(), "proj-1", older); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if active := projects.activeRevision("proj-1"); active == nil || *active != older {
		t.Fatalf("active = %v, want %s", active, older)
	}
}

func TestResolveNewerReplacesOlder(t *testing.T) {
	projects := newFakeProjectRepo()
	older, newer := orderedIDs(t)
	projects.add(&domain.Project{ID: "proj-1", ActiveRevisionID: &older})
	resolver := newTestResolver(projects)

	if err := resolver.Resolve(context.Background(), "proj-1", newer); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if active := projects.activeRevision("proj-1"); active == nil || *active != newer {
		t.Fatalf("active = %v, want %s", active, newer)
	}
}

func TestResolveStaleCompletionIgnored(t *testing.T) {
	projects := newFakeProjectRepo()
	older, newer := orderedIDs(t)
	projects.add(&domain.Project{ID: "proj-1", ActiveRevisionID: &newer})
	resolver := newTestResolver(projects)

	// The older deploy finishing late must not regress the live revision.
	if err := resolver.Resolve(context.Background(), "proj-1", older); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if active := projects.activeRevision("proj-1"); active == nil || *active != newer {
		t.Fatalf("active = %v, want %s kept", active, newer)
	}
}

func TestResolveRetriesLostSwap(t *testing.T) {
	projects := newFakeProjectRepo()
	projects.add(&domain.Project{ID: "proj-1"})
	projects.denySwaps = 1
	resolver := newTestResolver(projects)

	_, newer := orderedIDs(t)
	if err := resolver.Resolve(context.Background(), "proj-1", newer); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if projects.swapCalls != 2 {
		t.Errorf("swap calls = %d, want 2 (one lost race, one success)", projects.swapCalls)
	}
	if active := projects.activeRevision("proj-1"); active == nil || *active != newer {
		t.Fatalf("active = %v, want %s", active, newer)
	}
}

func TestResolveGivesUpAfterRepeatedConflicts(t *testing.T) {
	projects := newFakeProjectRepo()
	projects.add(&domain.Project{ID: "proj-1"})
	projects.denySwaps = swapAttempts
	resolver := newTestResolver(projects)

	_, newer := orderedIDs(t)
	err := resolver.Resolve(context.Background(), "proj-1", newer)
	if !errors.Is(err, ErrRevisionConflict) {
		t.Fatalf("err = %v, want ErrRevisionConflict", err)
	}
}

func TestResolveRejectsMalformedCandidate(t *testing.T) {
	projects := newFakeProjectRepo()
	projects.add(&domain.Project{ID: "proj-1"})
	resolver := newTestResolver(projects)

	if err := resolver.Resolve(context.Background(), "proj-1", "not-a-uuid"); err == nil {
		t.Fatal("expected parse error for malformed candidate id")
	}
}
