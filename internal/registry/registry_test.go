package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/stratushq/stratus/internal/agent"
	"github.com/stratushq/stratus/internal/domain"
	"github.com/stratushq/stratus/internal/storage/memory"
)

func newTestRegistry(t *testing.T) (*Registry, *memory.Store, *agent.Fake) {
	t.Helper()
	store := memory.New()
	agents := agent.NewFake()
	return New(store, agents, zap.NewNop()), store, agents
}

func TestRegister(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	ctx := context.Background()

	node, err := reg.Register(ctx, &domain.CreateNodeRequest{
		Name: "node-1", Host: "10.0.0.5", Port: 9000, RAM: 16384, Cores: 8,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if node.ID == "" {
		t.Error("node has no id")
	}
	if len(node.Secret) != 48 {
		t.Errorf("secret length = %d, want 48 hex chars", len(node.Secret))
	}
	if node.Status != domain.StatusOffline {
		t.Errorf("fresh node status = %q, want offline before first probe", node.Status)
	}

	stored, err := store.GetNode(ctx, node.ID)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if stored.Secret != node.Secret {
		t.Error("stored secret differs")
	}
}

func TestRegisterInvalid(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	cases := []domain.CreateNodeRequest{
		{Name: "", Host: "10.0.0.5", Port: 9000},
		{Name: "n", Host: "", Port: 9000},
		{Name: "n", Host: "10.0.0.5", Port: 0},
	}
	for _, req := range cases {
		if _, err := reg.Register(ctx, &req); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("Register(%+v) = %v, want ErrInvalidInput", req, err)
		}
	}
}

func TestProbeMapsStatuses(t *testing.T) {
	reg, _, agents := newTestRegistry(t)
	ctx := context.Background()
	node := &domain.Node{ID: "n", Host: "10.0.0.5", Port: 9000}

	agents.HealthStatus = "online"
	if got := reg.Probe(ctx, node); got != domain.StatusOnline {
		t.Errorf("online probe = %q", got)
	}

	agents.HealthStatus = "dockernotrunning"
	if got := reg.Probe(ctx, node); got != domain.StatusDockerNotRunning {
		t.Errorf("dockernotrunning probe = %q", got)
	}

	agents.HealthStatus = "something-new"
	if got := reg.Probe(ctx, node); got != domain.StatusOffline {
		t.Errorf("unknown status probe = %q, want offline", got)
	}

	agents.Fail["health"] = errors.New("connection refused")
	if got := reg.Probe(ctx, node); got != domain.StatusOffline {
		t.Errorf("failed probe = %q, want offline", got)
	}
}

func TestListWithRefresh(t *testing.T) {
	reg, store, agents := newTestRegistry(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b"} {
		if _, err := reg.Register(ctx, &domain.CreateNodeRequest{Name: name, Host: "10.0.0.5", Port: 9000}); err != nil {
			t.Fatal(err)
		}
	}

	agents.HealthStatus = "online"
	nodes, err := reg.List(ctx, true)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, n := range nodes {
		if n.Status != domain.StatusOnline {
			t.Errorf("node %s status = %q after refresh", n.Name, n.Status)
		}
		stored, _ := store.GetNode(ctx, n.ID)
		if stored.Status != domain.StatusOnline {
			t.Errorf("node %s status not persisted", n.Name)
		}
	}
	if agents.CallCount("health") != 2 {
		t.Errorf("health probed %d times, want 2", agents.CallCount("health"))
	}
}

func TestListWithoutRefreshSkipsProbes(t *testing.T) {
	reg, _, agents := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Register(ctx, &domain.CreateNodeRequest{Name: "a", Host: "10.0.0.5", Port: 9000}); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.List(ctx, false); err != nil {
		t.Fatal(err)
	}
	if agents.CallCount("health") != 0 {
		t.Error("List without refresh probed the agent")
	}
}

func TestVersionAndStats(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	node, err := reg.Register(ctx, &domain.CreateNodeRequest{Name: "a", Host: "10.0.0.5", Port: 9000})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := reg.Version(ctx, node.ID); err != nil {
		t.Errorf("Version: %v", err)
	}
	if _, err := reg.Stats(ctx, node.ID); err != nil {
		t.Errorf("Stats: %v", err)
	}
	if _, err := reg.Version(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Version(missing) = %v, want ErrNotFound", err)
	}
}

func TestSecretsAreUnique(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 8; i++ {
		node, err := reg.Register(ctx, &domain.CreateNodeRequest{
			Name: "n" + time.Now().Format("150405.000000000"), Host: "10.0.0.5", Port: 9000,
		})
		if err != nil {
			t.Fatal(err)
		}
		if seen[node.Secret] {
			t.Fatal("duplicate secret issued")
		}
		seen[node.Secret] = true
	}
}
