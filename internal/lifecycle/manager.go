// Package lifecycle orchestrates server create/edit/suspend/delete against
// node agents while keeping the node, allocation, and canonical server
// records consistent under partial failure.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stratushq/stratus/internal/agent"
	"github.com/stratushq/stratus/internal/allocation"
	"github.com/stratushq/stratus/internal/domain"
	"github.com/stratushq/stratus/internal/locking"
	"github.com/stratushq/stratus/internal/storage"
	"github.com/stratushq/stratus/internal/validation"
)

// Manager drives the server lifecycle. Mutations to one canonical server
// serialize through a per-server lock; allocation-list writes go through
// the ledger's per-node lock. Lock order is always server before node.
type Manager struct {
	store       storage.Storage
	agents      agent.API
	ledger      *allocation.Ledger
	serverLocks *locking.Keyed
	log         *zap.Logger
}

// New creates a new Manager.
func New(store storage.Storage, agents agent.API, ledger *allocation.Ledger, log *zap.Logger) *Manager {
	return &Manager{
		store:       store,
		agents:      agents,
		ledger:      ledger,
		serverLocks: locking.New(),
		log:         log,
	}
}

// Create provisions a server against a free allocation. The remote create
// runs before anything is persisted: a remote failure leaves no local
// state behind and the allocation stays free.
func (m *Manager) Create(ctx context.Context, actorID string, req *domain.CreateServerRequest) (*domain.Server, error) {
	if err := validation.ValidateName(req.Name); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	image, err := m.store.GetImage(ctx, req.ImageID)
	if err != nil {
		return nil, fmt.Errorf("image %s: %w", req.ImageID, err)
	}
	node, err := m.store.GetNode(ctx, req.NodeID)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", req.NodeID, err)
	}
	owner, err := m.store.GetUser(ctx, req.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", req.OwnerID, err)
	}
	alloc := node.Allocation(req.AllocationID)
	if alloc == nil {
		return nil, fmt.Errorf("%w: allocation %s", domain.ErrNotFound, req.AllocationID)
	}
	if !alloc.Free() {
		return nil, fmt.Errorf("%w: allocation %s is owned", domain.ErrConflict, req.AllocationID)
	}

	env := MergeEnv(image, req.Env)
	serverID := uuid.New().String()

	resp, err := m.agents.CreateServer(ctx, node, &agent.CreateRequest{
		Name:         req.Name,
		Image:        image.DockerImage,
		RAM:          req.RAM,
		Cores:        req.Cores,
		Disk:         req.Disk,
		IP:           alloc.IP,
		Port:         alloc.Port,
		Env:          env,
		Files:        resolveFiles(image.Files, env),
		StartCommand: image.StartCommand,
		StopCommand:  image.StopCommand,
	})
	if err != nil {
		return nil, err
	}

	if _, err := m.ledger.Claim(ctx, node.ID, alloc.ID, serverID, domain.RolePrimary); err != nil {
		// The allocation was taken while the remote create was in flight.
		// Undo the remote side so the workload doesn't leak.
		if derr := m.agents.DeleteServer(ctx, node, resp.TaskID); derr != nil {
			m.log.Warn("orphaned remote workload after claim conflict",
				zap.String("node", node.ID), zap.String("idt", resp.TaskID), zap.Error(derr))
		}
		return nil, err
	}

	server := &domain.Server{
		ID:      serverID,
		OwnerID: owner.ID,
		Name:    req.Name,
		Node: domain.NodeRef{
			ID:      node.ID,
			Name:    node.Name,
			Address: node.Host,
		},
		AllocationID: alloc.ID,
		ImageID:      image.ID,
		Image: domain.ImageRef{
			ID:          image.ID,
			Name:        image.Name,
			DockerImage: image.DockerImage,
		},
		RAM:         req.RAM,
		Cores:       req.Cores,
		Disk:        req.Disk,
		ContainerID: resp.ContainerID,
		TaskID:      resp.TaskID,
		Env:         env,
		Ports:       []int{alloc.Port},
		PrimaryPort: alloc.Port,
		CreatedAt:   time.Now(),
	}
	appendAudit(server, actorID, "server created")

	if err := m.store.CreateServer(ctx, server); err != nil {
		if rerr := m.ledger.Release(ctx, node.ID, alloc.ID); rerr != nil {
			m.log.Warn("releasing allocation after failed persist", zap.Error(rerr))
		}
		if derr := m.agents.DeleteServer(ctx, node, resp.TaskID); derr != nil {
			m.log.Warn("orphaned remote workload after failed persist",
				zap.String("idt", resp.TaskID), zap.Error(derr))
		}
		return nil, err
	}

	m.syncEmbedded(ctx, server)
	return server, nil
}

// Get returns a canonical server record.
func (m *Manager) Get(ctx context.Context, serverID string) (*domain.Server, error) {
	return m.store.GetServer(ctx, serverID)
}

// Edit patches a server. Supplied env entries merge onto the server's
// existing environment, not onto image defaults. A port change is never
// accepted here: network endpoints move only through the allocation
// claim/release operations. The remote push is advisory; local state
// converges even when the node is unreachable.
func (m *Manager) Edit(ctx context.Context, actorID, serverID string, req *domain.EditServerRequest) (*domain.Server, error) {
	unlock := m.serverLocks.Lock(serverID)
	defer unlock()

	server, err := m.store.GetServer(ctx, serverID)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		if err := validation.ValidateName(*req.Name); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
		}
		server.Name = *req.Name
	}
	if req.RAM != nil {
		server.RAM = *req.RAM
	}
	if req.Cores != nil {
		server.Cores = *req.Cores
	}
	if req.Disk != nil {
		server.Disk = *req.Disk
	}
	if server.Env == nil {
		server.Env = make(map[string]string)
	}
	for k, v := range req.Env {
		server.Env[k] = v
	}

	// File templates and start/stop commands come from the image record;
	// if the image was deleted since, push the edit without them.
	var files []agent.File
	var startCmd, stopCmd string
	if image, err := m.store.GetImage(ctx, server.ImageID); err == nil {
		files = resolveFiles(image.Files, server.Env)
		startCmd = image.StartCommand
		stopCmd = image.StopCommand
	}

	node, err := m.store.GetNode(ctx, server.Node.ID)
	if err != nil {
		m.log.Warn("edit: node record missing, applying locally only",
			zap.String("server", serverID), zap.Error(err))
	} else {
		containerID, err := m.agents.EditServer(ctx, node, server.TaskID, &agent.EditRequest{
			Name:         server.Name,
			Image:        server.Image.DockerImage,
			RAM:          server.RAM,
			Cores:        server.Cores,
			Disk:         server.Disk,
			Env:          server.Env,
			Files:        files,
			StartCommand: startCmd,
			StopCommand:  stopCmd,
		})
		if err != nil {
			m.log.Warn("edit: remote push failed, applying locally",
				zap.String("server", serverID), zap.Error(err))
		} else if containerID != "" {
			server.ContainerID = containerID
		}
	}

	appendAudit(server, actorID, "server edited")
	if err := m.store.UpdateServer(ctx, server); err != nil {
		return nil, err
	}
	m.syncEmbedded(ctx, server)
	return server, nil
}

// Suspend flips the suspended flag. The remote stop is advisory: the flag
// changes even when the node is unreachable, so visibility and billing
// state never depend on node reachability.
func (m *Manager) Suspend(ctx context.Context, actorID, serverID string) (*domain.Server, error) {
	return m.setSuspended(ctx, actorID, serverID, true)
}

// Unsuspend clears the suspended flag; the remote start is advisory.
func (m *Manager) Unsuspend(ctx context.Context, actorID, serverID string) (*domain.Server, error) {
	return m.setSuspended(ctx, actorID, serverID, false)
}

func (m *Manager) setSuspended(ctx context.Context, actorID, serverID string, suspended bool) (*domain.Server, error) {
	unlock := m.serverLocks.Lock(serverID)
	defer unlock()

	server, err := m.store.GetServer(ctx, serverID)
	if err != nil {
		return nil, err
	}
	server.Suspended = suspended

	action, power := "server unsuspended", "start"
	if suspended {
		action, power = "server suspended", "stop"
	}
	if node, err := m.store.GetNode(ctx, server.Node.ID); err == nil {
		if err := m.agents.Power(ctx, node, server.TaskID, power); err != nil {
			m.log.Warn("suspend: remote power request failed",
				zap.String("server", serverID), zap.String("action", power), zap.Error(err))
		}
	}

	appendAudit(server, actorID, action)
	if err := m.store.UpdateServer(ctx, server); err != nil {
		return nil, err
	}
	m.syncEmbedded(ctx, server)
	return server, nil
}

// Reinstall rebuilds the container behind the server's stable task
// identifier. Only the ephemeral container id changes.
func (m *Manager) Reinstall(ctx context.Context, actorID, serverID string) (*domain.Server, error) {
	unlock := m.serverLocks.Lock(serverID)
	defer unlock()

	server, err := m.store.GetServer(ctx, serverID)
	if err != nil {
		return nil, err
	}
	node, err := m.store.GetNode(ctx, server.Node.ID)
	if err != nil {
		return nil, err
	}
	containerID, err := m.agents.ReinstallServer(ctx, node, server.TaskID)
	if err != nil {
		return nil, err
	}
	server.ContainerID = containerID
	appendAudit(server, actorID, "server reinstalled")
	if err := m.store.UpdateServer(ctx, server); err != nil {
		return nil, err
	}
	m.syncEmbedded(ctx, server)
	return server, nil
}

// Delete tears a server down step by step: best-effort remote delete,
// release of owned allocations, detach from the owner's embedded list,
// then removal of the canonical record. Each step proceeds regardless of
// the previous step's outcome; the per-step results are returned to the
// caller. Deleting an already-deleted id is an idempotent NotFound.
func (m *Manager) Delete(ctx context.Context, actorID, serverID string) (*DeleteOutcome, error) {
	unlock := m.serverLocks.Lock(serverID)
	defer unlock()
	return m.deleteLocked(ctx, serverID)
}

func (m *Manager) deleteLocked(ctx context.Context, serverID string) (*DeleteOutcome, error) {
	server, err := m.store.GetServer(ctx, serverID)
	if err != nil {
		return nil, err
	}
	outcome := &DeleteOutcome{ServerID: serverID}

	node, nodeErr := m.store.GetNode(ctx, server.Node.ID)
	if nodeErr != nil {
		outcome.RemoteDelete = stepSkipped()
		outcome.ReleasePorts = stepSkipped()
	} else {
		if err := m.agents.DeleteServer(ctx, node, server.TaskID); err != nil {
			m.log.Warn("delete: remote detach failed",
				zap.String("server", serverID), zap.Error(err))
			outcome.RemoteDelete = stepFailed(err)
		} else {
			outcome.RemoteDelete = stepOK()
		}

		if _, err := m.ledger.ReleaseOwned(ctx, node.ID, serverID); err != nil {
			m.log.Warn("delete: releasing allocations failed",
				zap.String("server", serverID), zap.Error(err))
			outcome.ReleasePorts = stepFailed(err)
		} else {
			outcome.ReleasePorts = stepOK()
		}
	}

	if err := m.removeEmbedded(ctx, server); err != nil {
		outcome.OwnerDetach = stepFailed(err)
	} else {
		outcome.OwnerDetach = stepOK()
	}

	if err := m.store.DeleteServer(ctx, serverID); err != nil {
		outcome.CanonicalDrop = stepFailed(err)
		return outcome, err
	}
	outcome.CanonicalDrop = stepOK()
	return outcome, nil
}

// DeleteNode cascades the delete sequence over every server bound to the
// node, then removes the node record regardless of individual outcomes.
// Servers are matched by node id, address, or name because the embedded
// node snapshot can be stale. The cascade runs strictly sequentially to
// bound load on the node agent.
func (m *Manager) DeleteNode(ctx context.Context, actorID, nodeID string) (*CascadeOutcome, error) {
	node, err := m.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	servers, err := m.store.ListServers(ctx)
	if err != nil {
		return nil, err
	}

	outcome := &CascadeOutcome{}
	for _, server := range servers {
		ref := server.Node
		if ref.ID != node.ID && ref.Address != node.Host && ref.Name != node.Name {
			continue
		}
		unlock := m.serverLocks.Lock(server.ID)
		del, err := m.deleteLocked(ctx, server.ID)
		unlock()
		if err != nil {
			m.log.Warn("node cascade: server cleanup incomplete",
				zap.String("node", nodeID), zap.String("server", server.ID), zap.Error(err))
		}
		if del != nil {
			outcome.Servers = append(outcome.Servers, del)
		}
		outcome.Deleted++
	}

	if err := m.store.DeleteNode(ctx, nodeID); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// DeleteUser cascades the delete sequence over every server the user owns,
// then removes the user record. An admin deleting their own account is
// rejected.
func (m *Manager) DeleteUser(ctx context.Context, actorID, userID string) (*CascadeOutcome, error) {
	if actorID == userID {
		return nil, fmt.Errorf("%w: cannot delete own account", domain.ErrForbidden)
	}
	if _, err := m.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}

	servers, err := m.store.ListServersByOwner(ctx, userID)
	if err != nil {
		return nil, err
	}

	outcome := &CascadeOutcome{}
	for _, server := range servers {
		unlock := m.serverLocks.Lock(server.ID)
		del, err := m.deleteLocked(ctx, server.ID)
		unlock()
		if err != nil {
			m.log.Warn("user cascade: server cleanup incomplete",
				zap.String("user", userID), zap.String("server", server.ID), zap.Error(err))
		}
		if del != nil {
			outcome.Servers = append(outcome.Servers, del)
		}
		outcome.Deleted++
	}

	if err := m.store.DeleteUser(ctx, userID); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// AddAllocation claims the node allocation holding the given port for the
// server. The remote network-add runs first; ownership is only recorded
// after the node accepted the endpoint.
func (m *Manager) AddAllocation(ctx context.Context, actorID, serverID string, port int) (*domain.Server, error) {
	unlock := m.serverLocks.Lock(serverID)
	defer unlock()

	server, err := m.store.GetServer(ctx, serverID)
	if err != nil {
		return nil, err
	}
	node, err := m.store.GetNode(ctx, server.Node.ID)
	if err != nil {
		return nil, err
	}
	alloc := node.AllocationByPort(port)
	if alloc == nil {
		return nil, fmt.Errorf("%w: no allocation for port %d", domain.ErrNotFound, port)
	}
	if !alloc.Free() {
		return nil, fmt.Errorf("%w: allocation %s:%d is owned", domain.ErrConflict, alloc.IP, alloc.Port)
	}

	role := domain.RoleSecondary
	if server.PrimaryPort == 0 {
		role = domain.RolePrimary
	}

	if err := m.agents.NetworkAdd(ctx, node, server.TaskID, port); err != nil {
		return nil, err
	}
	if _, err := m.ledger.Claim(ctx, node.ID, alloc.ID, serverID, role); err != nil {
		return nil, err
	}

	server.Ports = append(server.Ports, port)
	if role == domain.RolePrimary {
		server.PrimaryPort = port
	}
	appendAudit(server, actorID, fmt.Sprintf("allocation %d added", port))
	if err := m.store.UpdateServer(ctx, server); err != nil {
		return nil, err
	}
	m.syncEmbedded(ctx, server)
	return server, nil
}

// SetPrimary promotes one of the server's owned ports to primary; roles
// flip across all of the server's allocations on the node so exactly one
// stays primary.
func (m *Manager) SetPrimary(ctx context.Context, actorID, serverID string, port int) (*domain.Server, error) {
	unlock := m.serverLocks.Lock(serverID)
	defer unlock()

	server, err := m.store.GetServer(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if !server.HasPort(port) {
		return nil, fmt.Errorf("%w: server does not hold port %d", domain.ErrNotFound, port)
	}
	node, err := m.store.GetNode(ctx, server.Node.ID)
	if err != nil {
		return nil, err
	}

	if err := m.agents.NetworkSetPrimary(ctx, node, server.TaskID, port); err != nil {
		return nil, err
	}
	if err := m.ledger.SetPrimaryRole(ctx, node.ID, serverID, port); err != nil {
		return nil, err
	}

	server.PrimaryPort = port
	appendAudit(server, actorID, fmt.Sprintf("primary allocation set to %d", port))
	if err := m.store.UpdateServer(ctx, server); err != nil {
		return nil, err
	}
	m.syncEmbedded(ctx, server)
	return server, nil
}

// RemoveAllocation releases one of the server's owned ports. If the
// primary port goes away the primary is re-derived from the remaining
// owned ports, or cleared when none remain.
func (m *Manager) RemoveAllocation(ctx context.Context, actorID, serverID string, port int) (*domain.Server, error) {
	unlock := m.serverLocks.Lock(serverID)
	defer unlock()

	server, err := m.store.GetServer(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if !server.HasPort(port) {
		return nil, fmt.Errorf("%w: server does not hold port %d", domain.ErrNotFound, port)
	}
	node, err := m.store.GetNode(ctx, server.Node.ID)
	if err != nil {
		return nil, err
	}

	var alloc *domain.Allocation
	for i := range node.Allocations {
		a := &node.Allocations[i]
		if a.ServerID == serverID && a.Port == port {
			alloc = a
			break
		}
	}
	if alloc == nil {
		return nil, fmt.Errorf("%w: server does not own port %d", domain.ErrNotFound, port)
	}

	if err := m.agents.NetworkRemove(ctx, node, server.TaskID, port); err != nil {
		return nil, err
	}
	if err := m.ledger.Release(ctx, node.ID, alloc.ID); err != nil {
		return nil, err
	}

	kept := server.Ports[:0]
	for _, p := range server.Ports {
		if p != port {
			kept = append(kept, p)
		}
	}
	server.Ports = kept

	if server.PrimaryPort == port {
		server.PrimaryPort = 0
		if len(server.Ports) > 0 {
			server.PrimaryPort = server.Ports[0]
			if err := m.ledger.SetPrimaryRole(ctx, node.ID, serverID, server.PrimaryPort); err != nil {
				m.log.Warn("re-deriving primary allocation role",
					zap.String("server", serverID), zap.Error(err))
			}
		}
	}

	appendAudit(server, actorID, fmt.Sprintf("allocation %d removed", port))
	if err := m.store.UpdateServer(ctx, server); err != nil {
		return nil, err
	}
	m.syncEmbedded(ctx, server)
	return server, nil
}

// AddSubuser grants a user access to the server. The user gains an
// embedded copy of the record and appears in the audit fan-out from then
// on.
func (m *Manager) AddSubuser(ctx context.Context, actorID, serverID, userID string) (*domain.Server, error) {
	unlock := m.serverLocks.Lock(serverID)
	defer unlock()

	server, err := m.store.GetServer(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if _, err := m.store.GetUser(ctx, userID); err != nil {
		return nil, fmt.Errorf("user %s: %w", userID, err)
	}
	if userID == server.OwnerID {
		return nil, fmt.Errorf("%w: user already owns this server", domain.ErrConflict)
	}
	for _, id := range server.SubuserIDs {
		if id == userID {
			return nil, fmt.Errorf("%w: user is already a subuser", domain.ErrConflict)
		}
	}

	server.SubuserIDs = append(server.SubuserIDs, userID)
	appendAudit(server, actorID, "subuser added")
	if err := m.store.UpdateServer(ctx, server); err != nil {
		return nil, err
	}

	// The new subuser has no embedded copy yet; seed one before the
	// regular fan-out patches it.
	if user, err := m.store.GetUser(ctx, userID); err == nil {
		user.Servers = append(user.Servers, *server.Clone())
		if err := m.store.UpdateUser(ctx, user); err != nil {
			m.log.Warn("seeding embedded server copy",
				zap.String("server", serverID), zap.String("user", userID), zap.Error(err))
		}
	}
	m.syncEmbedded(ctx, server)
	return server, nil
}

// RemoveSubuser revokes a user's access to the server and drops their
// embedded copy.
func (m *Manager) RemoveSubuser(ctx context.Context, actorID, serverID, userID string) (*domain.Server, error) {
	unlock := m.serverLocks.Lock(serverID)
	defer unlock()

	server, err := m.store.GetServer(ctx, serverID)
	if err != nil {
		return nil, err
	}
	kept := server.SubuserIDs[:0]
	found := false
	for _, id := range server.SubuserIDs {
		if id == userID {
			found = true
			continue
		}
		kept = append(kept, id)
	}
	if !found {
		return nil, fmt.Errorf("%w: user is not a subuser", domain.ErrNotFound)
	}
	server.SubuserIDs = kept

	appendAudit(server, actorID, "subuser removed")
	if err := m.store.UpdateServer(ctx, server); err != nil {
		return nil, err
	}

	if user, err := m.store.GetUser(ctx, userID); err == nil {
		if idx := user.ServerIndex(serverID); idx >= 0 {
			user.Servers = append(user.Servers[:idx], user.Servers[idx+1:]...)
			if err := m.store.UpdateUser(ctx, user); err != nil {
				m.log.Warn("dropping embedded server copy",
					zap.String("server", serverID), zap.String("user", userID), zap.Error(err))
			}
		}
	}
	m.syncEmbedded(ctx, server)
	return server, nil
}

// appendAudit records an action on the server's append-only journal. The
// entry travels with the canonical record and reaches the embedded copies
// through syncEmbedded.
func appendAudit(server *domain.Server, actorID, action string) {
	server.Audit = append(server.Audit, domain.AuditEntry{
		ID:        uuid.New().String(),
		ActorID:   actorID,
		Action:    action,
		CreatedAt: time.Now(),
	})
}

// syncEmbedded patches the embedded copy of the server held by its owner
// and subusers. Fan-out addresses only those users, never the whole user
// table. Failures are advisory; the canonical record already holds the
// truth.
func (m *Manager) syncEmbedded(ctx context.Context, server *domain.Server) {
	for _, userID := range append([]string{server.OwnerID}, server.SubuserIDs...) {
		user, err := m.store.GetUser(ctx, userID)
		if err != nil {
			m.log.Warn("syncing embedded server copy",
				zap.String("server", server.ID), zap.String("user", userID), zap.Error(err))
			continue
		}
		if idx := user.ServerIndex(server.ID); idx >= 0 {
			user.Servers[idx] = *server.Clone()
		} else if userID == server.OwnerID {
			user.Servers = append(user.Servers, *server.Clone())
		} else {
			continue
		}
		if err := m.store.UpdateUser(ctx, user); err != nil {
			m.log.Warn("persisting embedded server copy",
				zap.String("server", server.ID), zap.String("user", userID), zap.Error(err))
		}
	}
}

// removeEmbedded drops the embedded copy of the server from its owner and
// subusers.
func (m *Manager) removeEmbedded(ctx context.Context, server *domain.Server) error {
	var firstErr error
	for _, userID := range append([]string{server.OwnerID}, server.SubuserIDs...) {
		user, err := m.store.GetUser(ctx, userID)
		if err != nil {
			continue
		}
		idx := user.ServerIndex(server.ID)
		if idx < 0 {
			continue
		}
		user.Servers = append(user.Servers[:idx], user.Servers[idx+1:]...)
		if err := m.store.UpdateUser(ctx, user); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
