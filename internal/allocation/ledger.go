// Package allocation keeps the per-node inventory of claimable network
// endpoints and enforces the ownership rules on every claim.
package allocation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stratushq/stratus/internal/domain"
	"github.com/stratushq/stratus/internal/locking"
	"github.com/stratushq/stratus/internal/storage"
	"github.com/stratushq/stratus/internal/validation"
)

// insertChunkSize bounds how many allocations a single storage write adds
// when expanding a large port range. The resulting inventory is identical
// regardless of the chunk size.
const insertChunkSize = 100

// Ledger owns every mutation of a node's allocation list. All writes go
// through the node's keyed lock and are persisted as a full replacement of
// the list, so concurrent claims cannot double-assign an endpoint.
type Ledger struct {
	store storage.Storage
	locks *locking.Keyed
}

// New creates a new Ledger. The keyed lock set is shared with the
// lifecycle manager so all allocation mutations for one node serialize.
func New(store storage.Storage, locks *locking.Keyed) *Ledger {
	return &Ledger{store: store, locks: locks}
}

// Add inventories a single port or an inclusive "start-end" range on a
// node. A duplicate (ip, port) fails with Conflict for a single port and
// is silently skipped when expanding a range. Returns the allocations that
// were actually added.
func (l *Ledger) Add(ctx context.Context, nodeID string, req *domain.AddAllocationsRequest) ([]domain.Allocation, error) {
	if err := validation.ValidateIP(req.IP); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	ports, err := validation.ParsePortSpec(req.Ports)
	if err != nil {
		return nil, err
	}
	isRange := strings.Contains(req.Ports, "-")

	unlock := l.locks.Lock(nodeID)
	defer unlock()

	node, err := l.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	taken := make(map[string]bool, len(node.Allocations))
	for _, a := range node.Allocations {
		taken[endpointKey(a.IP, a.Port)] = true
	}

	now := time.Now()
	added := make([]domain.Allocation, 0, len(ports))
	for _, port := range ports {
		if taken[endpointKey(req.IP, port)] {
			if !isRange {
				return nil, fmt.Errorf("%w: %s:%d already allocated", domain.ErrConflict, req.IP, port)
			}
			continue
		}
		added = append(added, domain.Allocation{
			ID:        uuid.New().String(),
			IP:        req.IP,
			Domain:    req.Domain,
			Port:      port,
			Role:      domain.RoleNone,
			CreatedAt: now,
		})
	}

	// Chunked full-list replacements: each write persists everything added
	// so far, so an interrupted insert leaves a consistent prefix.
	list := node.Allocations
	for start := 0; start < len(added); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(added) {
			end = len(added)
		}
		list = append(list, added[start:end]...)
		if err := l.store.ReplaceNodeAllocations(ctx, nodeID, list); err != nil {
			return nil, err
		}
	}
	return added, nil
}

// Edit patches an allocation's ip, domain, or port. A port change is
// re-validated for collision against every other allocation on the node.
func (l *Ledger) Edit(ctx context.Context, nodeID, allocID string, req *domain.EditAllocationRequest) (*domain.Allocation, error) {
	unlock := l.locks.Lock(nodeID)
	defer unlock()

	node, err := l.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	alloc := node.Allocation(allocID)
	if alloc == nil {
		return nil, fmt.Errorf("%w: allocation %s", domain.ErrNotFound, allocID)
	}

	ip := alloc.IP
	if req.IP != nil {
		if err := validation.ValidateIP(*req.IP); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
		}
		ip = *req.IP
	}
	port := alloc.Port
	if req.Port != nil {
		if err := validation.ValidatePort(*req.Port); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
		}
		port = *req.Port
	}

	if ip != alloc.IP || port != alloc.Port {
		for _, other := range node.Allocations {
			if other.ID != allocID && other.IP == ip && other.Port == port {
				return nil, fmt.Errorf("%w: %s:%d already allocated", domain.ErrConflict, ip, port)
			}
		}
	}

	alloc.IP = ip
	alloc.Port = port
	if req.Domain != nil {
		alloc.Domain = *req.Domain
	}

	if err := l.store.ReplaceNodeAllocations(ctx, nodeID, node.Allocations); err != nil {
		return nil, err
	}
	out := *alloc
	return &out, nil
}

// Claim assigns an allocation to a server. An allocation owned by a
// different server cannot be claimed, and a server may hold at most one
// primary allocation per node.
func (l *Ledger) Claim(ctx context.Context, nodeID, allocID, serverID string, role domain.AllocationRole) (*domain.Allocation, error) {
	unlock := l.locks.Lock(nodeID)
	defer unlock()

	node, err := l.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	alloc := node.Allocation(allocID)
	if alloc == nil {
		return nil, fmt.Errorf("%w: allocation %s", domain.ErrNotFound, allocID)
	}
	if !alloc.Free() && alloc.ServerID != serverID {
		return nil, fmt.Errorf("%w: allocation %s owned by another server", domain.ErrConflict, allocID)
	}
	if role == domain.RolePrimary {
		for _, other := range node.Allocations {
			if other.ID != allocID && other.ServerID == serverID && other.Role == domain.RolePrimary {
				return nil, fmt.Errorf("%w: server already holds a primary allocation on this node", domain.ErrConflict)
			}
		}
	}

	alloc.ServerID = serverID
	alloc.Role = role

	if err := l.store.ReplaceNodeAllocations(ctx, nodeID, node.Allocations); err != nil {
		return nil, err
	}
	out := *alloc
	return &out, nil
}

// SetPrimaryRole flips roles across all of a server's allocations on the
// node so that exactly the allocation holding port becomes primary. The
// allocation must already be owned by the server.
func (l *Ledger) SetPrimaryRole(ctx context.Context, nodeID, serverID string, port int) error {
	unlock := l.locks.Lock(nodeID)
	defer unlock()

	node, err := l.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}

	var target *domain.Allocation
	for i := range node.Allocations {
		a := &node.Allocations[i]
		if a.ServerID == serverID && a.Port == port {
			target = a
			break
		}
	}
	if target == nil {
		return fmt.Errorf("%w: server holds no allocation for port %d", domain.ErrNotFound, port)
	}

	for i := range node.Allocations {
		a := &node.Allocations[i]
		if a.ServerID != serverID {
			continue
		}
		if a.Port == port {
			a.Role = domain.RolePrimary
		} else {
			a.Role = domain.RoleSecondary
		}
	}
	return l.store.ReplaceNodeAllocations(ctx, nodeID, node.Allocations)
}

// Release clears an allocation's ownership, leaving the endpoint itself in
// the inventory.
func (l *Ledger) Release(ctx context.Context, nodeID, allocID string) error {
	unlock := l.locks.Lock(nodeID)
	defer unlock()

	node, err := l.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	alloc := node.Allocation(allocID)
	if alloc == nil {
		return fmt.Errorf("%w: allocation %s", domain.ErrNotFound, allocID)
	}
	alloc.ServerID = ""
	alloc.Role = domain.RoleNone
	return l.store.ReplaceNodeAllocations(ctx, nodeID, node.Allocations)
}

// ReleaseOwned clears every allocation on the node owned by the given
// server and returns the freed ports.
func (l *Ledger) ReleaseOwned(ctx context.Context, nodeID, serverID string) ([]int, error) {
	unlock := l.locks.Lock(nodeID)
	defer unlock()

	node, err := l.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	var freed []int
	for i := range node.Allocations {
		a := &node.Allocations[i]
		if a.ServerID == serverID {
			freed = append(freed, a.Port)
			a.ServerID = ""
			a.Role = domain.RoleNone
		}
	}
	if len(freed) == 0 {
		return nil, nil
	}
	return freed, l.store.ReplaceNodeAllocations(ctx, nodeID, node.Allocations)
}

// Remove hard-deletes an allocation from the node's inventory. An owned
// allocation cannot be removed; release it first.
func (l *Ledger) Remove(ctx context.Context, nodeID, allocID string) error {
	unlock := l.locks.Lock(nodeID)
	defer unlock()

	node, err := l.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	kept := node.Allocations[:0]
	found := false
	for _, a := range node.Allocations {
		if a.ID == allocID {
			if !a.Free() {
				return fmt.Errorf("%w: allocation %s is owned by server %s", domain.ErrConflict, allocID, a.ServerID)
			}
			found = true
			continue
		}
		kept = append(kept, a)
	}
	if !found {
		return fmt.Errorf("%w: allocation %s", domain.ErrNotFound, allocID)
	}
	return l.store.ReplaceNodeAllocations(ctx, nodeID, kept)
}

func endpointKey(ip string, port int) string {
	return fmt.Sprintf("%s:%d", ip, port)
}
