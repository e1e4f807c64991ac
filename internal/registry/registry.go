// Package registry tracks node descriptors and their liveness.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stratushq/stratus/internal/agent"
	"github.com/stratushq/stratus/internal/domain"
	"github.com/stratushq/stratus/internal/storage"
	"github.com/stratushq/stratus/internal/validation"
)

// Registry manages node records and drives health probes against the
// agents. Node deletion lives on the lifecycle manager because it has to
// cascade over the node's servers first.
type Registry struct {
	store  storage.Storage
	agents agent.API
	log    *zap.Logger
}

// New creates a new Registry.
func New(store storage.Storage, agents agent.API, log *zap.Logger) *Registry {
	return &Registry{store: store, agents: agents, log: log}
}

// Register creates a node record with a fresh id and shared secret. Nodes
// start offline until the first probe says otherwise.
func (r *Registry) Register(ctx context.Context, req *domain.CreateNodeRequest) (*domain.Node, error) {
	if err := validation.ValidateName(req.Name); err != nil {
		return nil, domain.ErrInvalidInput
	}
	if err := validation.ValidatePort(req.Port); err != nil {
		return nil, domain.ErrInvalidInput
	}
	if req.Host == "" {
		return nil, domain.ErrInvalidInput
	}

	secret, err := newSecret()
	if err != nil {
		return nil, err
	}

	node := &domain.Node{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Host:        req.Host,
		Port:        req.Port,
		Secret:      secret,
		RAM:         req.RAM,
		Cores:       req.Cores,
		Status:      domain.StatusOffline,
		Allocations: []domain.Allocation{},
		CreatedAt:   time.Now(),
	}
	if err := r.store.CreateNode(ctx, node); err != nil {
		return nil, err
	}
	return node, nil
}

// Get returns a node by id.
func (r *Registry) Get(ctx context.Context, id string) (*domain.Node, error) {
	return r.store.GetNode(ctx, id)
}

// Probe asks the node's health endpoint for its status. Every failure mode
// collapses to offline: a probe never returns an error.
func (r *Registry) Probe(ctx context.Context, node *domain.Node) domain.NodeStatus {
	status, err := r.agents.Health(ctx, node)
	if err != nil {
		r.log.Debug("node probe failed", zap.String("node", node.ID), zap.Error(err))
		return domain.StatusOffline
	}
	switch status {
	case "online":
		return domain.StatusOnline
	case "dockernotrunning":
		return domain.StatusDockerNotRunning
	default:
		return domain.StatusOffline
	}
}

// List returns all nodes. With refresh set, every node is probed
// concurrently and a status change is persisted only when it differs from
// the stored value.
func (r *Registry) List(ctx context.Context, refresh bool) ([]*domain.Node, error) {
	nodes, err := r.store.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	if !refresh {
		return nodes, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, node := range nodes {
		node := node
		g.Go(func() error {
			status := r.Probe(gctx, node)
			if status == node.Status {
				return nil
			}
			node.Status = status
			if err := r.store.UpdateNodeStatus(gctx, node.ID, status); err != nil {
				r.log.Warn("persisting node status",
					zap.String("node", node.ID), zap.Error(err))
			}
			return nil
		})
	}
	// Probes never return errors; Wait only propagates context cancellation.
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return nodes, nil
}

// Version fetches the agent's version payload.
func (r *Registry) Version(ctx context.Context, nodeID string) (json.RawMessage, error) {
	node, err := r.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	return r.agents.Version(ctx, node)
}

// Stats fetches the agent's host statistics.
func (r *Registry) Stats(ctx context.Context, nodeID string) (json.RawMessage, error) {
	node, err := r.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	return r.agents.Stats(ctx, node)
}

// newSecret generates the shared secret issued to a node at registration.
func newSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
