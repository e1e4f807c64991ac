package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stratushq/stratus/internal/domain"
)

// Store is an in-memory implementation of the storage interface for testing.
// Records are deep-copied on the way in and out so callers never alias the
// stored state.
type Store struct {
	mu sync.RWMutex

	apiKeys  map[string]*domain.APIKey
	nodes    map[string]*domain.Node
	servers  map[string]*domain.Server
	users    map[string]*domain.User
	images   map[string]*domain.Image
	settings map[string]string
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		apiKeys:  make(map[string]*domain.APIKey),
		nodes:    make(map[string]*domain.Node),
		servers:  make(map[string]*domain.Server),
		users:    make(map[string]*domain.User),
		images:   make(map[string]*domain.Image),
		settings: make(map[string]string),
	}
}

func (s *Store) Close() error { return nil }

// ============================================
// API Keys
// ============================================

func (s *Store) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.apiKeys[key.ID]; exists {
		return domain.ErrConflict
	}
	s.apiKeys[key.ID] = key.Clone()
	return nil
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, key := range s.apiKeys {
		if key.KeyHash == keyHash {
			return key.Clone(), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *Store) ListAPIKeys(ctx context.Context) ([]*domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]*domain.APIKey, 0, len(s.apiKeys))
	for _, key := range s.apiKeys {
		keys = append(keys, key.Clone())
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.After(keys[j].CreatedAt) })
	return keys, nil
}

func (s *Store) DeleteAPIKey(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.apiKeys[id]; !exists {
		return domain.ErrNotFound
	}
	delete(s.apiKeys, id)
	return nil
}

func (s *Store) UpdateAPIKeyLastUsed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, exists := s.apiKeys[id]
	if !exists {
		return domain.ErrNotFound
	}
	now := time.Now()
	key.LastUsedAt = &now
	return nil
}

func (s *Store) CountAPIKeys(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.apiKeys), nil
}

// ============================================
// Nodes
// ============================================

func (s *Store) CreateNode(ctx context.Context, node *domain.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.nodes[node.ID]; exists {
		return domain.ErrConflict
	}
	s.nodes[node.ID] = node.Clone()
	return nil
}

func (s *Store) GetNode(ctx context.Context, id string) (*domain.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, exists := s.nodes[id]
	if !exists {
		return nil, domain.ErrNotFound
	}
	return node.Clone(), nil
}

func (s *Store) ListNodes(ctx context.Context) ([]*domain.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nodes := make([]*domain.Node, 0, len(s.nodes))
	for _, node := range s.nodes {
		nodes = append(nodes, node.Clone())
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	return nodes, nil
}

func (s *Store) UpdateNode(ctx context.Context, node *domain.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.nodes[node.ID]; !exists {
		return domain.ErrNotFound
	}
	s.nodes[node.ID] = node.Clone()
	return nil
}

func (s *Store) UpdateNodeStatus(ctx context.Context, id string, status domain.NodeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, exists := s.nodes[id]
	if !exists {
		return domain.ErrNotFound
	}
	node.Status = status
	return nil
}

func (s *Store) ReplaceNodeAllocations(ctx context.Context, nodeID string, allocations []domain.Allocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, exists := s.nodes[nodeID]
	if !exists {
		return domain.ErrNotFound
	}
	node.Allocations = append([]domain.Allocation(nil), allocations...)
	return nil
}

func (s *Store) DeleteNode(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.nodes[id]; !exists {
		return domain.ErrNotFound
	}
	delete(s.nodes, id)
	return nil
}

// ============================================
// Servers
// ============================================

func (s *Store) CreateServer(ctx context.Context, server *domain.Server) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.servers[server.ID]; exists {
		return domain.ErrConflict
	}
	s.servers[server.ID] = server.Clone()
	return nil
}

func (s *Store) GetServer(ctx context.Context, id string) (*domain.Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	server, exists := s.servers[id]
	if !exists {
		return nil, domain.ErrNotFound
	}
	return server.Clone(), nil
}

func (s *Store) ListServers(ctx context.Context) ([]*domain.Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	servers := make([]*domain.Server, 0, len(s.servers))
	for _, server := range s.servers {
		servers = append(servers, server.Clone())
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Name < servers[j].Name })
	return servers, nil
}

func (s *Store) ListServersByOwner(ctx context.Context, ownerID string) ([]*domain.Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	servers := make([]*domain.Server, 0)
	for _, server := range s.servers {
		if server.OwnerID == ownerID {
			servers = append(servers, server.Clone())
		}
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Name < servers[j].Name })
	return servers, nil
}

func (s *Store) UpdateServer(ctx context.Context, server *domain.Server) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.servers[server.ID]; !exists {
		return domain.ErrNotFound
	}
	s.servers[server.ID] = server.Clone()
	return nil
}

func (s *Store) DeleteServer(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.servers[id]; !exists {
		return domain.ErrNotFound
	}
	delete(s.servers, id)
	return nil
}

// ============================================
// Users
// ============================================

func (s *Store) CreateUser(ctx context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[user.ID]; exists {
		return domain.ErrConflict
	}
	s.users[user.ID] = user.Clone()
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, exists := s.users[id]
	if !exists {
		return nil, domain.ErrNotFound
	}
	return user.Clone(), nil
}

func (s *Store) ListUsers(ctx context.Context) ([]*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]*domain.User, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user.Clone())
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Name < users[j].Name })
	return users, nil
}

func (s *Store) UpdateUser(ctx context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[user.ID]; !exists {
		return domain.ErrNotFound
	}
	s.users[user.ID] = user.Clone()
	return nil
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[id]; !exists {
		return domain.ErrNotFound
	}
	delete(s.users, id)
	return nil
}

// ============================================
// Images
// ============================================

func (s *Store) CreateImage(ctx context.Context, image *domain.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.images[image.ID]; exists {
		return domain.ErrConflict
	}
	s.images[image.ID] = image.Clone()
	return nil
}

func (s *Store) GetImage(ctx context.Context, id string) (*domain.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	image, exists := s.images[id]
	if !exists {
		return nil, domain.ErrNotFound
	}
	return image.Clone(), nil
}

func (s *Store) ListImages(ctx context.Context) ([]*domain.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	images := make([]*domain.Image, 0, len(s.images))
	for _, image := range s.images {
		images = append(images, image.Clone())
	}
	sort.Slice(images, func(i, j int) bool { return images[i].Name < images[j].Name })
	return images, nil
}

func (s *Store) UpdateImage(ctx context.Context, image *domain.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.images[image.ID]; !exists {
		return domain.ErrNotFound
	}
	s.images[image.ID] = image.Clone()
	return nil
}

func (s *Store) DeleteImage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.images[id]; !exists {
		return domain.ErrNotFound
	}
	delete(s.images, id)
	return nil
}

// ============================================
// Settings
// ============================================

func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, exists := s.settings[key]
	if !exists {
		return "", domain.ErrNotFound
	}
	return value, nil
}

func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.settings[key]; !exists {
		return domain.ErrNotFound
	}
	delete(s.settings, key)
	return nil
}

func (s *Store) ListSettings(ctx context.Context) ([]*domain.Setting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	settings := make([]*domain.Setting, 0, len(s.settings))
	for key, value := range s.settings {
		settings = append(settings, &domain.Setting{Key: key, Value: value})
	}
	sort.Slice(settings, func(i, j int) bool { return settings[i].Key < settings[j].Key })
	return settings, nil
}
