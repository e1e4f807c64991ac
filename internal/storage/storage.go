package storage

import (
	"context"

	"github.com/stratushq/stratus/internal/domain"
)

// Storage defines the interface for the storage layer.
// Implementations must be safe for concurrent use.
//
// Allocation lists are only ever written as a full replacement of the
// owning node's list, never as a partial patch; callers serialize those
// writes per node.
type Storage interface {
	// Close closes the storage connection.
	Close() error

	// API Keys
	CreateAPIKey(ctx context.Context, key *domain.APIKey) error
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error)
	ListAPIKeys(ctx context.Context) ([]*domain.APIKey, error)
	DeleteAPIKey(ctx context.Context, id string) error
	UpdateAPIKeyLastUsed(ctx context.Context, id string) error
	CountAPIKeys(ctx context.Context) (int, error)

	// Nodes
	CreateNode(ctx context.Context, node *domain.Node) error
	GetNode(ctx context.Context, id string) (*domain.Node, error)
	ListNodes(ctx context.Context) ([]*domain.Node, error)
	UpdateNode(ctx context.Context, node *domain.Node) error
	UpdateNodeStatus(ctx context.Context, id string, status domain.NodeStatus) error
	ReplaceNodeAllocations(ctx context.Context, nodeID string, allocations []domain.Allocation) error
	DeleteNode(ctx context.Context, id string) error

	// Servers (canonical records)
	CreateServer(ctx context.Context, server *domain.Server) error
	GetServer(ctx context.Context, id string) (*domain.Server, error)
	ListServers(ctx context.Context) ([]*domain.Server, error)
	ListServersByOwner(ctx context.Context, ownerID string) ([]*domain.Server, error)
	UpdateServer(ctx context.Context, server *domain.Server) error
	DeleteServer(ctx context.Context, id string) error

	// Users
	CreateUser(ctx context.Context, user *domain.User) error
	GetUser(ctx context.Context, id string) (*domain.User, error)
	ListUsers(ctx context.Context) ([]*domain.User, error)
	UpdateUser(ctx context.Context, user *domain.User) error
	DeleteUser(ctx context.Context, id string) error

	// Images
	CreateImage(ctx context.Context, image *domain.Image) error
	GetImage(ctx context.Context, id string) (*domain.Image, error)
	ListImages(ctx context.Context) ([]*domain.Image, error)
	UpdateImage(ctx context.Context, image *domain.Image) error
	DeleteImage(ctx context.Context, id string) error

	// Settings
	GetSetting(ctx context.Context, key string) (string, error)
	PutSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error
	ListSettings(ctx context.Context) ([]*domain.Setting, error)
}
