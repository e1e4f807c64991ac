package allocation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stratushq/stratus/internal/domain"
	"github.com/stratushq/stratus/internal/locking"
	"github.com/stratushq/stratus/internal/storage/memory"
)

func newTestLedger(t *testing.T) (*Ledger, *memory.Store, *domain.Node) {
	t.Helper()
	store := memory.New()
	node := &domain.Node{
		ID:          "node-1",
		Name:        "node-1",
		Host:        "10.0.0.5",
		Port:        9000,
		Status:      domain.StatusOnline,
		Allocations: []domain.Allocation{},
		CreatedAt:   time.Now(),
	}
	if err := store.CreateNode(context.Background(), node); err != nil {
		t.Fatalf("seeding node: %v", err)
	}
	return New(store, locking.New()), store, node
}

func nodeAllocs(t *testing.T, store *memory.Store, nodeID string) []domain.Allocation {
	t.Helper()
	node, err := store.GetNode(context.Background(), nodeID)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	return node.Allocations
}

func TestAddSinglePort(t *testing.T) {
	ledger, store, node := newTestLedger(t)
	ctx := context.Background()

	added, err := ledger.Add(ctx, node.ID, &domain.AddAllocationsRequest{IP: "10.0.0.5", Ports: "25565"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(added) != 1 || added[0].Port != 25565 {
		t.Fatalf("added = %v, want one allocation on 25565", added)
	}
	if got := nodeAllocs(t, store, node.ID); len(got) != 1 {
		t.Fatalf("node holds %d allocations, want 1", len(got))
	}
}

func TestAddSinglePortDuplicateConflicts(t *testing.T) {
	ledger, _, node := newTestLedger(t)
	ctx := context.Background()

	if _, err := ledger.Add(ctx, node.ID, &domain.AddAllocationsRequest{IP: "10.0.0.5", Ports: "25565"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	_, err := ledger.Add(ctx, node.ID, &domain.AddAllocationsRequest{IP: "10.0.0.5", Ports: "25565"})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("duplicate single port: got %v, want ErrConflict", err)
	}
}

func TestAddRangeSkipsDuplicates(t *testing.T) {
	ledger, store, node := newTestLedger(t)
	ctx := context.Background()

	if _, err := ledger.Add(ctx, node.ID, &domain.AddAllocationsRequest{IP: "10.0.0.5", Ports: "25565-25567"}); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	// Re-adding the same range must be a no-op, not an error and not a
	// duplication.
	added, err := ledger.Add(ctx, node.ID, &domain.AddAllocationsRequest{IP: "10.0.0.5", Ports: "25565-25567"})
	if err != nil {
		t.Fatalf("second Add: %v", err)
	}
	if len(added) != 0 {
		t.Fatalf("second Add added %d allocations, want 0", len(added))
	}
	if got := nodeAllocs(t, store, node.ID); len(got) != 3 {
		t.Fatalf("node holds %d allocations, want 3", len(got))
	}
}

func TestAddOverlappingRange(t *testing.T) {
	ledger, store, node := newTestLedger(t)
	ctx := context.Background()

	if _, err := ledger.Add(ctx, node.ID, &domain.AddAllocationsRequest{IP: "10.0.0.5", Ports: "25565-25567"}); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	added, err := ledger.Add(ctx, node.ID, &domain.AddAllocationsRequest{IP: "10.0.0.5", Ports: "25566-25568"})
	if err != nil {
		t.Fatalf("overlapping Add: %v", err)
	}
	if len(added) != 1 || added[0].Port != 25568 {
		t.Fatalf("added = %v, want just 25568", added)
	}
	if got := nodeAllocs(t, store, node.ID); len(got) != 4 {
		t.Fatalf("node holds %d allocations, want 4", len(got))
	}
}

func TestAddSamePortDifferentIP(t *testing.T) {
	ledger, store, node := newTestLedger(t)
	ctx := context.Background()

	if _, err := ledger.Add(ctx, node.ID, &domain.AddAllocationsRequest{IP: "10.0.0.5", Ports: "25565"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := ledger.Add(ctx, node.ID, &domain.AddAllocationsRequest{IP: "10.0.0.6", Ports: "25565"}); err != nil {
		t.Fatalf("same port on a different ip should be allowed: %v", err)
	}
	if got := nodeAllocs(t, store, node.ID); len(got) != 2 {
		t.Fatalf("node holds %d allocations, want 2", len(got))
	}
}

func TestAddInvalidInput(t *testing.T) {
	ledger, _, node := newTestLedger(t)
	ctx := context.Background()

	if _, err := ledger.Add(ctx, node.ID, &domain.AddAllocationsRequest{IP: "nope", Ports: "25565"}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("bad ip: got %v, want ErrInvalidInput", err)
	}
	if _, err := ledger.Add(ctx, node.ID, &domain.AddAllocationsRequest{IP: "10.0.0.5", Ports: "9000-8000"}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("inverted range: got %v, want ErrInvalidInput", err)
	}
}

func TestClaimAndOwnershipRules(t *testing.T) {
	ledger, _, node := newTestLedger(t)
	ctx := context.Background()

	added, err := ledger.Add(ctx, node.ID, &domain.AddAllocationsRequest{IP: "10.0.0.5", Ports: "25565-25566"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	claimed, err := ledger.Claim(ctx, node.ID, added[0].ID, "srv-a", domain.RolePrimary)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed.ServerID != "srv-a" || claimed.Role != domain.RolePrimary {
		t.Fatalf("claimed = %+v", claimed)
	}

	// Another server cannot take an owned allocation.
	if _, err := ledger.Claim(ctx, node.ID, added[0].ID, "srv-b", domain.RoleSecondary); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("foreign claim: got %v, want ErrConflict", err)
	}

	// The same server cannot hold two primaries on one node.
	if _, err := ledger.Claim(ctx, node.ID, added[1].ID, "srv-a", domain.RolePrimary); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("second primary: got %v, want ErrConflict", err)
	}

	// A secondary claim on the free allocation is fine.
	if _, err := ledger.Claim(ctx, node.ID, added[1].ID, "srv-a", domain.RoleSecondary); err != nil {
		t.Fatalf("secondary claim: %v", err)
	}
}

func TestSetPrimaryRoleFlips(t *testing.T) {
	ledger, store, node := newTestLedger(t)
	ctx := context.Background()

	added, _ := ledger.Add(ctx, node.ID, &domain.AddAllocationsRequest{IP: "10.0.0.5", Ports: "25565-25566"})
	if _, err := ledger.Claim(ctx, node.ID, added[0].ID, "srv-a", domain.RolePrimary); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := ledger.Claim(ctx, node.ID, added[1].ID, "srv-a", domain.RoleSecondary); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	if err := ledger.SetPrimaryRole(ctx, node.ID, "srv-a", 25566); err != nil {
		t.Fatalf("SetPrimaryRole: %v", err)
	}

	primaries := 0
	for _, a := range nodeAllocs(t, store, node.ID) {
		if a.Role == domain.RolePrimary {
			primaries++
			if a.Port != 25566 {
				t.Errorf("primary on port %d, want 25566", a.Port)
			}
		}
	}
	if primaries != 1 {
		t.Fatalf("found %d primaries, want exactly 1", primaries)
	}
}

func TestEditPortCollision(t *testing.T) {
	ledger, _, node := newTestLedger(t)
	ctx := context.Background()

	added, _ := ledger.Add(ctx, node.ID, &domain.AddAllocationsRequest{IP: "10.0.0.5", Ports: "25565-25566"})

	port := 25566
	if _, err := ledger.Edit(ctx, node.ID, added[0].ID, &domain.EditAllocationRequest{Port: &port}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("colliding edit: got %v, want ErrConflict", err)
	}

	free := 25600
	alloc, err := ledger.Edit(ctx, node.ID, added[0].ID, &domain.EditAllocationRequest{Port: &free})
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if alloc.Port != 25600 {
		t.Fatalf("alloc.Port = %d, want 25600", alloc.Port)
	}
}

func TestReleaseOwned(t *testing.T) {
	ledger, store, node := newTestLedger(t)
	ctx := context.Background()

	added, _ := ledger.Add(ctx, node.ID, &domain.AddAllocationsRequest{IP: "10.0.0.5", Ports: "25565-25567"})
	ledger.Claim(ctx, node.ID, added[0].ID, "srv-a", domain.RolePrimary)
	ledger.Claim(ctx, node.ID, added[1].ID, "srv-a", domain.RoleSecondary)
	ledger.Claim(ctx, node.ID, added[2].ID, "srv-b", domain.RolePrimary)

	freed, err := ledger.ReleaseOwned(ctx, node.ID, "srv-a")
	if err != nil {
		t.Fatalf("ReleaseOwned: %v", err)
	}
	if len(freed) != 2 {
		t.Fatalf("freed %v, want two ports", freed)
	}

	for _, a := range nodeAllocs(t, store, node.ID) {
		switch a.Port {
		case 25565, 25566:
			if !a.Free() {
				t.Errorf("port %d still owned by %q", a.Port, a.ServerID)
			}
		case 25567:
			if a.ServerID != "srv-b" {
				t.Errorf("port 25567 lost its owner")
			}
		}
	}
}

func TestRemoveOwnedConflicts(t *testing.T) {
	ledger, store, node := newTestLedger(t)
	ctx := context.Background()

	added, _ := ledger.Add(ctx, node.ID, &domain.AddAllocationsRequest{IP: "10.0.0.5", Ports: "25565"})
	ledger.Claim(ctx, node.ID, added[0].ID, "srv-a", domain.RolePrimary)

	if err := ledger.Remove(ctx, node.ID, added[0].ID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("removing owned allocation: got %v, want ErrConflict", err)
	}
	if err := ledger.Release(ctx, node.ID, added[0].ID); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := ledger.Remove(ctx, node.ID, added[0].ID); err != nil {
		t.Fatalf("Remove after release: %v", err)
	}
	if got := nodeAllocs(t, store, node.ID); len(got) != 0 {
		t.Fatalf("node still holds %d allocations", len(got))
	}
	if err := ledger.Remove(ctx, node.ID, added[0].ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("removing twice: got %v, want ErrNotFound", err)
	}
}
